// Copyright 2025 The Go MCP SDK Authors. All rights reserved.
// Use of this source code is governed by an MIT-style
// license that can be found in the LICENSE file.

package mcp

// Protocol types for the methods the engine handles itself, plus the
// capability and lifecycle types it needs for dispatch. Registry feature
// types (tools, resources, prompts) are deliberately absent: their methods
// pass through the engine as opaque params and results.

import (
	"maps"
)

// Supported protocol versions, newest first.
const (
	protocolVersion20250618 = "2025-06-18"
	protocolVersion20250326 = "2025-03-26"
	protocolVersion20241105 = "2024-11-05"

	latestProtocolVersion = protocolVersion20250618
)

var supportedProtocolVersions = []string{
	protocolVersion20250618,
	protocolVersion20250326,
	protocolVersion20241105,
}

// negotiatedVersion returns the version the server should answer with for a
// client that requested the given version.
func negotiatedVersion(requested string) string {
	for _, v := range supportedProtocolVersions {
		if v == requested {
			return v
		}
	}
	// Unknown (possibly newer) version: offer our latest.
	return latestProtocolVersion
}

// batchingSupported reports whether the given protocol version permits
// JSON-RPC batching. Batching was removed in 2025-06-18.
func batchingSupported(version string) bool {
	switch version {
	case protocolVersion20241105, protocolVersion20250326:
		return true
	}
	return false
}

// Meta is the free-form metadata mapping reserved by the protocol under the
// "_meta" key of params and results.
type Meta map[string]any

// GetMeta returns the metadata map, which may be nil.
func (m Meta) GetMeta() map[string]any { return m }

// SetMeta replaces the metadata map.
func (m *Meta) SetMeta(x map[string]any) { *m = x }

const progressTokenKey = "progressToken"

// relatedTaskMetaKey is the reserved metadata key that tags a message as
// belonging to a task. Its value is an object {"taskId": <id>}.
const relatedTaskMetaKey = "mcp:relatedTask"

// An Implementation describes the name and version of an MCP implementation,
// with an optional title for UI representation.
type Implementation struct {
	Name    string `json:"name"`
	Title   string `json:"title,omitempty"`
	Version string `json:"version"`
}

// RootCapabilities describes a client's support for roots.
type RootCapabilities struct {
	// ListChanged reports whether the client emits notifications when the
	// roots list changes.
	ListChanged bool `json:"listChanged,omitempty"`
}

// SamplingCapabilities is present if the client supports sampling from an
// LLM.
type SamplingCapabilities struct{}

// ElicitationCapabilities is present if the client supports elicitation from
// the server.
type ElicitationCapabilities struct{}

// ClientCapabilities describes capabilities a client supports. Known
// capabilities are defined here; this is not a closed set.
type ClientCapabilities struct {
	// Experimental reports non-standard capabilities that the client supports.
	Experimental map[string]any `json:"experimental,omitempty"`
	// Roots is present if the client supports listing roots.
	Roots *RootCapabilities `json:"roots,omitempty"`
	// Sampling is present if the client supports sampling from an LLM.
	Sampling *SamplingCapabilities `json:"sampling,omitempty"`
	// Elicitation is present if the client supports elicitation.
	Elicitation *ElicitationCapabilities `json:"elicitation,omitempty"`
}

func (c *ClientCapabilities) clone() *ClientCapabilities {
	if c == nil {
		return nil
	}
	cp := *c
	cp.Experimental = maps.Clone(c.Experimental)
	cp.Roots = shallowClone(c.Roots)
	cp.Sampling = shallowClone(c.Sampling)
	cp.Elicitation = shallowClone(c.Elicitation)
	return &cp
}

// CompletionCapabilities describes the server's support for argument
// autocompletion.
type CompletionCapabilities struct{}

// LoggingCapabilities describes the server's support for sending log
// messages to the client.
type LoggingCapabilities struct{}

// PromptCapabilities describes the server's support for prompts.
type PromptCapabilities struct {
	ListChanged bool `json:"listChanged,omitempty"`
}

// ResourceCapabilities describes the server's support for resources.
type ResourceCapabilities struct {
	ListChanged bool `json:"listChanged,omitempty"`
	Subscribe   bool `json:"subscribe,omitempty"`
}

// ToolCapabilities describes the server's support for tools.
type ToolCapabilities struct {
	ListChanged bool `json:"listChanged,omitempty"`
}

// TaskCapabilities describes the server's support for task-augmented
// requests.
type TaskCapabilities struct {
	// List is present if the server supports tasks/list.
	List *struct{} `json:"list,omitempty"`
	// Cancel is present if the server supports tasks/cancel.
	Cancel *struct{} `json:"cancel,omitempty"`
}

// ServerCapabilities describes capabilities that a server supports.
type ServerCapabilities struct {
	// Experimental reports non-standard capabilities that the server supports.
	Experimental map[string]any `json:"experimental,omitempty"`
	// Completions is present if the server supports argument autocompletion.
	Completions *CompletionCapabilities `json:"completions,omitempty"`
	// Logging is present if the server supports log messages.
	Logging *LoggingCapabilities `json:"logging,omitempty"`
	// Prompts is present if the server supports prompts.
	Prompts *PromptCapabilities `json:"prompts,omitempty"`
	// Resources is present if the server supports resources.
	Resources *ResourceCapabilities `json:"resources,omitempty"`
	// Tools is present if the server supports tools.
	Tools *ToolCapabilities `json:"tools,omitempty"`
	// Tasks is present if the server supports task-augmented requests.
	Tasks *TaskCapabilities `json:"tasks,omitempty"`
}

func (c *ServerCapabilities) clone() *ServerCapabilities {
	if c == nil {
		return nil
	}
	cp := *c
	cp.Experimental = maps.Clone(c.Experimental)
	cp.Completions = shallowClone(c.Completions)
	cp.Logging = shallowClone(c.Logging)
	cp.Prompts = shallowClone(c.Prompts)
	cp.Resources = shallowClone(c.Resources)
	cp.Tools = shallowClone(c.Tools)
	cp.Tasks = shallowClone(c.Tasks)
	return &cp
}

// shallowClone returns a shallow clone of *p, or nil if p is nil.
func shallowClone[T any](p *T) *T {
	if p == nil {
		return nil
	}
	x := *p
	return &x
}

// InitializeParams is sent by the client to initialize the session.
type InitializeParams struct {
	Meta `json:"_meta,omitempty"`
	// Capabilities describes the client's capabilities.
	Capabilities *ClientCapabilities `json:"capabilities"`
	// ClientInfo provides information about the client.
	ClientInfo *Implementation `json:"clientInfo"`
	// ProtocolVersion is the latest protocol version the client supports.
	ProtocolVersion string `json:"protocolVersion"`
}

// InitializeResult is the server's reply to an initialize request.
type InitializeResult struct {
	Meta `json:"_meta,omitempty"`
	// Capabilities describes the server's capabilities.
	Capabilities *ServerCapabilities `json:"capabilities"`
	// Instructions describing how to use the server and its features.
	Instructions string `json:"instructions,omitempty"`
	// ProtocolVersion is the version the server wants to use. It may not match
	// the version the client requested; if the client cannot support it, it
	// must disconnect.
	ProtocolVersion string          `json:"protocolVersion"`
	ServerInfo      *Implementation `json:"serverInfo"`
}

type InitializedParams struct {
	Meta `json:"_meta,omitempty"`
}

type PingParams struct {
	Meta `json:"_meta,omitempty"`
}

type CancelledParams struct {
	Meta `json:"_meta,omitempty"`
	// Reason optionally describes why the request was cancelled.
	Reason string `json:"reason,omitempty"`
	// RequestID identifies the request to cancel. It must correspond to the ID
	// of a request previously issued in the same direction.
	RequestID any `json:"requestId"`
}

type ProgressNotificationParams struct {
	Meta `json:"_meta,omitempty"`
	// ProgressToken is the token from the originating request's metadata,
	// associating this notification with that request.
	ProgressToken any `json:"progressToken"`
	// Message optionally describes the current progress.
	Message string `json:"message,omitempty"`
	// Progress so far. This should increase every time progress is made, even
	// if the total is unknown.
	Progress float64 `json:"progress"`
	// Total number of items to process, if known. Zero means unknown.
	Total float64 `json:"total,omitempty"`
}

// LoggingLevel is the severity of a log message.
//
// These map to syslog message severities, as specified in RFC-5424.
type LoggingLevel string

const (
	LevelDebug     LoggingLevel = "debug"
	LevelInfo      LoggingLevel = "info"
	LevelNotice    LoggingLevel = "notice"
	LevelWarning   LoggingLevel = "warning"
	LevelError     LoggingLevel = "error"
	LevelCritical  LoggingLevel = "critical"
	LevelAlert     LoggingLevel = "alert"
	LevelEmergency LoggingLevel = "emergency"
)

var loggingLevelOrder = map[LoggingLevel]int{
	LevelDebug: 0, LevelInfo: 1, LevelNotice: 2, LevelWarning: 3,
	LevelError: 4, LevelCritical: 5, LevelAlert: 6, LevelEmergency: 7,
}

// compareLevels returns a negative number if a is less severe than b, zero if
// equal, and positive if more severe.
func compareLevels(a, b LoggingLevel) int {
	return loggingLevelOrder[a] - loggingLevelOrder[b]
}

type LoggingMessageParams struct {
	Meta `json:"_meta,omitempty"`
	// Data to be logged; any JSON-serializable value.
	Data any `json:"data"`
	// Level is the severity of this log message.
	Level LoggingLevel `json:"level"`
	// Logger is an optional name of the logger issuing this message.
	Logger string `json:"logger,omitempty"`
}

type SetLoggingLevelParams struct {
	Meta `json:"_meta,omitempty"`
	// Level of logging the client wants to receive from the server. All logs
	// at this level and higher (more severe) are sent as notifications/message.
	Level LoggingLevel `json:"level"`
}

// Method names the engine routes or handles.
const (
	methodInitialize        = "initialize"
	methodPing              = "ping"
	methodCreateMessage     = "sampling/createMessage"
	methodElicit            = "elicitation/create"
	methodListRoots         = "roots/list"
	methodCallTool          = "tools/call"
	methodSetLevel          = "logging/setLevel"
	methodGetTask           = "tasks/get"
	methodTaskResult        = "tasks/result"
	methodListTasks         = "tasks/list"
	methodCancelTask        = "tasks/cancel"
	methodListTools         = "tools/list"
	methodListResources     = "resources/list"
	methodListPrompts       = "prompts/list"
	methodSubscribe         = "resources/subscribe"
	methodUnsubscribe       = "resources/unsubscribe"
	methodComplete          = "completion/complete"

	notificationInitialized         = "notifications/initialized"
	notificationCancelled           = "notifications/cancelled"
	notificationProgress            = "notifications/progress"
	notificationLoggingMessage      = "notifications/message"
	notificationToolListChanged     = "notifications/tools/list_changed"
	notificationResourceListChanged = "notifications/resources/list_changed"
	notificationResourceUpdated     = "notifications/resources/updated"
	notificationPromptListChanged   = "notifications/prompts/list_changed"
	notificationRootsListChanged    = "notifications/roots/list_changed"
	notificationTaskStatus          = "notifications/tasks/status"
)
