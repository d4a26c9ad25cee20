// Copyright 2025 The Go MCP SDK Authors. All rights reserved.
// Use of this source code is governed by an MIT-style
// license that can be found in the LICENSE file.

package mcp

// This file implements task-augmented requests: durable records for
// long-running calls that the client polls, plus the queue that carries
// server-originated messages belonging to a task across polls.

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"slices"
	"strconv"
	"sync"
	"time"

	"github.com/google/uuid"
	internaljson "github.com/modelcontextprotocol/go-core/internal/json"
	"github.com/modelcontextprotocol/go-core/jsonrpc"
)

// TaskStatus is the lifecycle state of a task.
type TaskStatus string

const (
	TaskWorking       TaskStatus = "working"
	TaskInputRequired TaskStatus = "input_required"
	TaskCompleted     TaskStatus = "completed"
	TaskCancelled     TaskStatus = "cancelled"
	TaskFailed        TaskStatus = "failed"
)

// Terminal reports whether the status is final. A terminal task never changes
// status again.
func (s TaskStatus) Terminal() bool {
	switch s {
	case TaskCompleted, TaskCancelled, TaskFailed:
		return true
	}
	return false
}

// A Task is the durable record of a long-running request.
type Task struct {
	Meta `json:"_meta,omitempty"`
	// TaskID uniquely identifies the task.
	TaskID string `json:"taskId"`
	// Status is the current lifecycle state.
	Status TaskStatus `json:"status"`
	// StatusMessage optionally explains the current status, for example a
	// cancellation reason.
	StatusMessage string `json:"statusMessage,omitempty"`
	// CreatedAt is the creation time of the task.
	CreatedAt time.Time `json:"createdAt"`
	// TTL is the requested retention of the task in milliseconds. Zero means
	// the store's default retention.
	TTL int64 `json:"ttl,omitempty"`
	// PollInterval suggests how often, in milliseconds, the client should
	// poll tasks/result.
	PollInterval int64 `json:"pollInterval,omitempty"`
}

// TaskMetadata augments a request with task execution: `"task": {"ttl": ...}`
// in the request params.
type TaskMetadata struct {
	// TTL is the requested task retention in milliseconds.
	TTL int64 `json:"ttl,omitempty"`
}

// CreateTaskResult is the immediate response to a task-augmented request: the
// created task, flattened.
type CreateTaskResult struct {
	Task
}

type GetTaskParams struct {
	Meta   `json:"_meta,omitempty"`
	TaskID string `json:"taskId"`
}

type GetTaskResultParams struct {
	Meta   `json:"_meta,omitempty"`
	TaskID string `json:"taskId"`
}

type ListTasksParams struct {
	Meta   `json:"_meta,omitempty"`
	Cursor string `json:"cursor,omitempty"`
}

type ListTasksResult struct {
	Meta       `json:"_meta,omitempty"`
	Tasks      []*Task `json:"tasks"`
	NextCursor string  `json:"nextCursor,omitempty"`
}

type CancelTaskParams struct {
	Meta   `json:"_meta,omitempty"`
	TaskID string `json:"taskId"`
}

// TaskStatusNotificationParams are the params of notifications/tasks/status.
type TaskStatusNotificationParams struct {
	Task
}

// taskCapableMethods may carry task augmentation. Others reject it.
var taskCapableMethods = []string{methodCallTool, methodCreateMessage, methodElicit}

// Store errors. Implementations return these (possibly wrapped) so the engine
// can map them to the right wire errors.
var (
	// ErrTaskNotFound indicates an unknown, expired or out-of-scope task ID.
	ErrTaskNotFound = errors.New("task not found")
	// ErrTaskTerminal indicates an update to a task in a terminal status.
	ErrTaskTerminal = errors.New("task is in a terminal status")
)

// A TaskStore persists tasks. An in-memory implementation is provided by
// [NewMemoryTaskStore]; production deployments may back this with a database.
//
// A sessionID scopes the operation to tasks created by that session; the
// empty string disables scoping. Implementations must be safe for concurrent
// use, and must write status and result atomically for terminal transitions.
type TaskStore interface {
	// CreateTask creates a task in status working for the given originating
	// request, returning the stored task.
	CreateTask(ctx context.Context, sessionID, requestID string, ttl time.Duration) (*Task, error)
	// GetTask returns the task, or [ErrTaskNotFound].
	GetTask(ctx context.Context, sessionID, taskID string) (*Task, error)
	// UpdateTaskStatus transitions the task's status, enforcing that terminal
	// statuses are final ([ErrTaskTerminal]).
	UpdateTaskStatus(ctx context.Context, sessionID, taskID string, status TaskStatus, message string) error
	// StoreTaskResult writes the final payload and transitions to the given
	// terminal status, atomically.
	StoreTaskResult(ctx context.Context, sessionID, taskID string, status TaskStatus, result json.RawMessage) error
	// GetTaskResult returns the payload stored by StoreTaskResult.
	GetTaskResult(ctx context.Context, sessionID, taskID string) (json.RawMessage, error)
	// ListTasks returns up to limit tasks after the opaque cursor, in
	// creation order, and the cursor for the next page ("" at the end).
	ListTasks(ctx context.Context, sessionID, cursor string, limit int) ([]*Task, string, error)
}

// A TaskWatcher is a TaskStore that can signal status changes, sparing
// tasks/result polls from sleeping the full poll interval.
type TaskWatcher interface {
	// WatchTask returns a channel that receives a value after each status
	// change of the task, and a function releasing the watch.
	WatchTask(sessionID, taskID string) (<-chan struct{}, func())
}

// A TaskQueue buffers messages that belong to a task while the client is
// between polls. Implementations must be safe for concurrent use and bounded:
// enqueueing past capacity fails rather than blocks.
type TaskQueue interface {
	// Enqueue appends an encoded message to the task's FIFO queue.
	Enqueue(ctx context.Context, sessionID, taskID string, msg json.RawMessage) error
	// Dequeue pops the oldest message, or returns (nil, nil) if the queue is
	// empty.
	Dequeue(ctx context.Context, sessionID, taskID string) (json.RawMessage, error)
	// DequeueAll drains the queue.
	DequeueAll(ctx context.Context, sessionID, taskID string) ([]json.RawMessage, error)
}

// taskContextKey carries the ambient task ID through a task handler's
// context, so that messages the handler sends are tagged with it.
type taskContextKey struct{}

func withTaskID(ctx context.Context, taskID string) context.Context {
	return context.WithValue(ctx, taskContextKey{}, taskID)
}

// taskIDFromContext returns the task the calling handler is executing, if
// any.
func taskIDFromContext(ctx context.Context) (string, bool) {
	id, ok := ctx.Value(taskContextKey{}).(string)
	return id, ok
}

// taskMetadataFromParams extracts the task augmentation of a request, or nil.
func taskMetadataFromParams(raw json.RawMessage) *TaskMetadata {
	if len(raw) == 0 {
		return nil
	}
	var probe struct {
		Task *TaskMetadata `json:"task"`
	}
	if err := internaljson.Unmarshal(raw, &probe); err != nil {
		return nil
	}
	return probe.Task
}

// serverTasks implements the task subsystem of a [Server].
type serverTasks struct {
	store        TaskStore
	queue        TaskQueue // may be nil
	pollInterval time.Duration
	pageSize     int

	mu      sync.Mutex
	running map[string]context.CancelFunc // by task ID
}

func (t *serverTasks) interval() time.Duration {
	if t.pollInterval > 0 {
		return t.pollInterval
	}
	return time.Second
}

func (t *serverTasks) limit() int {
	if t.pageSize > 0 {
		return t.pageSize
	}
	return 100
}

// router returns the send-path hook that redirects task-tagged requests and
// notifications to the queue instead of the transport. The redirected message
// is delivered by the next tasks/result poll; its outstanding record in the
// engine stays alive awaiting the client's eventual response.
func (t *serverTasks) router(ss *ServerSession) sendRouter {
	return func(ctx context.Context, msg jsonrpc.Message) (bool, error) {
		req, ok := msg.(*jsonrpc.Request)
		if !ok {
			return false, nil
		}
		taskID := relatedTaskID(metaFromRaw(req.Params))
		if taskID == "" {
			return false, nil
		}
		data, err := jsonrpc.EncodeMessage(msg)
		if err != nil {
			return false, err
		}
		sessionID := ss.ID()
		if err := t.queue.Enqueue(ctx, sessionID, taskID, data); err != nil {
			return false, &jsonrpc.Error{
				Code:    jsonrpc.CodeInternalError,
				Message: fmt.Sprintf("queueing message for task %q: %v", taskID, err),
			}
		}
		if req.IsCall() {
			// The task now awaits client input.
			if err := t.store.UpdateTaskStatus(ctx, sessionID, taskID, TaskInputRequired, ""); err != nil && !errors.Is(err, ErrTaskTerminal) {
				return true, nil // queued; status update is best effort
			}
		}
		return true, nil
	}
}

// markWorking returns a task to working after client input arrived. Best
// effort: the task may have become terminal in the meantime.
func (t *serverTasks) markWorking(ctx context.Context, sessionID, taskID string) {
	_ = t.store.UpdateTaskStatus(ctx, sessionID, taskID, TaskWorking, "")
}

// startTask begins task execution of a request: the handler runs in the
// background and the caller immediately receives the created task.
func (t *serverTasks) startTask(ctx context.Context, ss *ServerSession, req *Request, meta *TaskMetadata, handler RequestHandler) (any, error) {
	sessionID := ss.ID()
	task, err := t.store.CreateTask(ctx, sessionID, req.ID.String(), time.Duration(meta.TTL)*time.Millisecond)
	if err != nil {
		return nil, &jsonrpc.Error{
			Code:    jsonrpc.CodeInternalError,
			Message: fmt.Sprintf("creating task: %v", err),
		}
	}
	if task.PollInterval == 0 {
		task.PollInterval = t.interval().Milliseconds()
	}

	// The handler outlives the originating HTTP request, so it runs on a
	// detached context, cancelled only by tasks/cancel or session close.
	hctx, cancel := context.WithCancel(withTaskID(context.WithoutCancel(ctx), task.TaskID))
	t.mu.Lock()
	if t.running == nil {
		t.running = make(map[string]context.CancelFunc)
	}
	t.running[task.TaskID] = cancel
	t.mu.Unlock()

	go t.runTask(hctx, ss, sessionID, task.TaskID, req, handler)

	return &CreateTaskResult{Task: *task}, nil
}

func (t *serverTasks) runTask(ctx context.Context, ss *ServerSession, sessionID, taskID string, req *Request, handler RequestHandler) {
	defer func() {
		t.mu.Lock()
		if cancel, ok := t.running[taskID]; ok {
			delete(t.running, taskID)
			defer cancel()
		}
		t.mu.Unlock()
	}()

	var (
		result any
		err    error
	)
	func() {
		defer func() {
			if r := recover(); r != nil {
				err = fmt.Errorf("task handler panicked: %v", r)
			}
		}()
		result, err = handler(ctx, req)
	}()

	// Terminal write on a separate context: the handler context may already
	// be cancelled.
	sctx, scancel := context.WithTimeout(context.WithoutCancel(ctx), 10*time.Second)
	defer scancel()

	if err != nil {
		payload, merr := internaljson.Marshal(toWireTaskError(err))
		if merr != nil {
			payload = json.RawMessage(`{"code":-32603,"message":"task failed"}`)
		}
		t.finishTask(sctx, ss, sessionID, taskID, TaskFailed, payload)
		return
	}
	raw, merr := marshalResult(result)
	if merr != nil {
		payload, _ := internaljson.Marshal(toWireTaskError(merr))
		t.finishTask(sctx, ss, sessionID, taskID, TaskFailed, payload)
		return
	}
	if raw == nil {
		raw = json.RawMessage("null")
	}
	t.finishTask(sctx, ss, sessionID, taskID, TaskCompleted, raw)
}

func toWireTaskError(err error) *jsonrpc.Error {
	if wireErr, ok := err.(*jsonrpc.Error); ok {
		return wireErr
	}
	return &jsonrpc.Error{Code: jsonrpc.CodeInternalError, Message: err.Error()}
}

func (t *serverTasks) finishTask(ctx context.Context, ss *ServerSession, sessionID, taskID string, status TaskStatus, payload json.RawMessage) {
	if err := t.store.StoreTaskResult(ctx, sessionID, taskID, status, payload); err != nil {
		// Cancelled concurrently: the result is discarded.
		return
	}
	if task, err := t.store.GetTask(ctx, sessionID, taskID); err == nil {
		// Best effort: reaches the client's standalone stream, if any.
		_ = ss.e.notify(ctx, notificationTaskStatus, &TaskStatusNotificationParams{Task: *task})
	}
}

// getTask serves tasks/get.
func (t *serverTasks) getTask(ctx context.Context, ss *ServerSession, req *Request) (any, error) {
	var params GetTaskParams
	if err := unmarshalParams(req.Params, &params); err != nil {
		return nil, err
	}
	task, err := t.store.GetTask(ctx, ss.ID(), params.TaskID)
	if err != nil {
		return nil, taskLookupError(params.TaskID, err)
	}
	return task, nil
}

// listTasks serves tasks/list.
func (t *serverTasks) listTasks(ctx context.Context, ss *ServerSession, req *Request) (any, error) {
	params := ListTasksParams{}
	if len(req.Params) > 0 {
		if err := unmarshalParams(req.Params, &params); err != nil {
			return nil, err
		}
	}
	tasks, next, err := t.store.ListTasks(ctx, ss.ID(), params.Cursor, t.limit())
	if err != nil {
		return nil, &jsonrpc.Error{
			Code:    jsonrpc.CodeInvalidParams,
			Message: fmt.Sprintf("listing tasks: %v", err),
		}
	}
	if tasks == nil {
		tasks = []*Task{}
	}
	return &ListTasksResult{Tasks: tasks, NextCursor: next}, nil
}

// cancelTask serves tasks/cancel: it transitions the task to cancelled,
// cancels its running handler, and rejects queued requests.
func (t *serverTasks) cancelTask(ctx context.Context, ss *ServerSession, req *Request) (any, error) {
	var params CancelTaskParams
	if err := unmarshalParams(req.Params, &params); err != nil {
		return nil, err
	}
	sessionID := ss.ID()
	task, err := t.store.GetTask(ctx, sessionID, params.TaskID)
	if err != nil {
		return nil, taskLookupError(params.TaskID, err)
	}
	if task.Status.Terminal() {
		return nil, &jsonrpc.Error{
			Code:    jsonrpc.CodeInvalidParams,
			Message: fmt.Sprintf("task %q is already %s", params.TaskID, task.Status),
		}
	}
	if err := t.store.UpdateTaskStatus(ctx, sessionID, params.TaskID, TaskCancelled, "cancelled by request"); err != nil {
		if errors.Is(err, ErrTaskTerminal) {
			return nil, &jsonrpc.Error{
				Code:    jsonrpc.CodeInvalidParams,
				Message: fmt.Sprintf("task %q is already terminal", params.TaskID),
			}
		}
		return nil, &jsonrpc.Error{
			Code:    jsonrpc.CodeInternalError,
			Message: fmt.Sprintf("cancelling task: %v", err),
		}
	}

	t.mu.Lock()
	cancel := t.running[params.TaskID]
	t.mu.Unlock()
	if cancel != nil {
		cancel()
	}

	// Reject queued requests: their callers are still awaiting responses.
	if t.queue != nil {
		msgs, _ := t.queue.DequeueAll(ctx, sessionID, params.TaskID)
		for _, data := range msgs {
			msg, err := jsonrpc.DecodeMessage(data)
			if err != nil {
				continue
			}
			if qreq, ok := msg.(*jsonrpc.Request); ok && qreq.IsCall() {
				ss.e.resolveLocal(&jsonrpc.Response{
					ID: qreq.ID,
					Error: &jsonrpc.Error{
						Code:    jsonrpc.CodeInvalidRequest,
						Message: fmt.Sprintf("task %q was cancelled", params.TaskID),
					},
				})
			}
		}
	}

	task, err = t.store.GetTask(ctx, sessionID, params.TaskID)
	if err != nil {
		return nil, taskLookupError(params.TaskID, err)
	}
	return task, nil
}

// taskResult serves tasks/result: a long poll that first delivers queued
// messages to the current response stream, then returns the stored result
// once the task is terminal.
func (t *serverTasks) taskResult(ctx context.Context, ss *ServerSession, req *Request) (any, error) {
	var params GetTaskResultParams
	if err := unmarshalParams(req.Params, &params); err != nil {
		return nil, err
	}
	sessionID := ss.ID()

	var watch <-chan struct{}
	if watcher, ok := t.store.(TaskWatcher); ok {
		ch, release := watcher.WatchTask(sessionID, params.TaskID)
		defer release()
		watch = ch
	}

	for {
		// Deliver queued messages on this poll's stream, bypassing the
		// routing hooks so they are not re-queued.
		if t.queue != nil {
			msgs, err := t.queue.DequeueAll(ctx, sessionID, params.TaskID)
			if err != nil {
				return nil, &jsonrpc.Error{
					Code:    jsonrpc.CodeInternalError,
					Message: fmt.Sprintf("draining task queue: %v", err),
				}
			}
			for _, data := range msgs {
				msg, err := jsonrpc.DecodeMessage(data)
				if err != nil {
					continue
				}
				ss.e.mu.Lock()
				conn := ss.e.conn
				ss.e.mu.Unlock()
				if conn == nil {
					return nil, ErrNotConnected
				}
				if err := conn.Write(ctx, msg); err != nil {
					return nil, err
				}
				// The sender's request timeout starts now that the message is
				// on the wire, not while it sat in the queue between polls.
				if qreq, ok := msg.(*jsonrpc.Request); ok && qreq.IsCall() {
					ss.e.armOutstanding(qreq.ID)
				}
			}
		}

		task, err := t.store.GetTask(ctx, sessionID, params.TaskID)
		if err != nil {
			return nil, taskLookupError(params.TaskID, err)
		}
		if task.Status.Terminal() {
			return t.terminalResult(ctx, sessionID, task)
		}

		timer := time.NewTimer(t.interval())
		select {
		case <-ctx.Done():
			timer.Stop()
			return nil, ctx.Err()
		case <-watch:
			timer.Stop()
		case <-timer.C:
		}
	}
}

// terminalResult produces the tasks/result response for a terminal task.
func (t *serverTasks) terminalResult(ctx context.Context, sessionID string, task *Task) (any, error) {
	switch task.Status {
	case TaskCancelled:
		return nil, &jsonrpc.Error{
			Code:    jsonrpc.CodeInvalidRequest,
			Message: fmt.Sprintf("task %q was cancelled", task.TaskID),
		}
	case TaskFailed:
		payload, err := t.store.GetTaskResult(ctx, sessionID, task.TaskID)
		if err == nil {
			var wireErr jsonrpc.Error
			if uerr := internaljson.Unmarshal(payload, &wireErr); uerr == nil && wireErr.Message != "" {
				return nil, &wireErr
			}
		}
		return nil, &jsonrpc.Error{
			Code:    jsonrpc.CodeInternalError,
			Message: fmt.Sprintf("task %q failed", task.TaskID),
		}
	default: // completed
		payload, err := t.store.GetTaskResult(ctx, sessionID, task.TaskID)
		if err != nil {
			return nil, &jsonrpc.Error{
				Code:    jsonrpc.CodeInternalError,
				Message: fmt.Sprintf("loading task result: %v", err),
			}
		}
		tagged, err := setRawMeta(payload, relatedTaskMetaKey, map[string]any{"taskId": task.TaskID})
		if err != nil {
			return payload, nil
		}
		return tagged, nil
	}
}

func taskLookupError(taskID string, err error) error {
	if errors.Is(err, ErrTaskNotFound) {
		return &jsonrpc.Error{
			Code:    jsonrpc.CodeInvalidParams,
			Message: fmt.Sprintf("unknown task %q", taskID),
		}
	}
	return &jsonrpc.Error{
		Code:    jsonrpc.CodeInternalError,
		Message: fmt.Sprintf("task lookup: %v", err),
	}
}

// MemoryTaskStore is an in-memory [TaskStore]. It also implements
// [TaskWatcher].
type MemoryTaskStore struct {
	mu       sync.Mutex
	tasks    map[string]*memTask
	seq      int64 // creation order
	watchers map[string][]chan struct{}
}

type memTask struct {
	task      Task
	sessionID string
	requestID string
	seq       int64
	result    json.RawMessage
	expiresAt time.Time // zero means no expiry
}

// NewMemoryTaskStore creates a new MemoryTaskStore.
func NewMemoryTaskStore() *MemoryTaskStore {
	return &MemoryTaskStore{
		tasks:    make(map[string]*memTask),
		watchers: make(map[string][]chan struct{}),
	}
}

// CreateTask implements [TaskStore].
func (s *MemoryTaskStore) CreateTask(ctx context.Context, sessionID, requestID string, ttl time.Duration) (*Task, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	now := time.Now()
	s.mu.Lock()
	defer s.mu.Unlock()
	s.purgeLocked(now)
	s.seq++
	mt := &memTask{
		task: Task{
			TaskID:    uuid.NewString(),
			Status:    TaskWorking,
			CreatedAt: now,
			TTL:       ttl.Milliseconds(),
		},
		sessionID: sessionID,
		requestID: requestID,
		seq:       s.seq,
	}
	if ttl > 0 {
		mt.expiresAt = now.Add(ttl)
	}
	s.tasks[mt.task.TaskID] = mt
	task := mt.task
	return &task, nil
}

func (s *MemoryTaskStore) purgeLocked(now time.Time) {
	for id, mt := range s.tasks {
		if !mt.expiresAt.IsZero() && now.After(mt.expiresAt) {
			delete(s.tasks, id)
		}
	}
}

// lookupLocked returns the live task for taskID in scope, or nil.
func (s *MemoryTaskStore) lookupLocked(sessionID, taskID string) *memTask {
	mt, ok := s.tasks[taskID]
	if !ok {
		return nil
	}
	if !mt.expiresAt.IsZero() && time.Now().After(mt.expiresAt) {
		delete(s.tasks, taskID)
		return nil
	}
	if sessionID != "" && mt.sessionID != sessionID {
		return nil
	}
	return mt
}

// GetTask implements [TaskStore].
func (s *MemoryTaskStore) GetTask(ctx context.Context, sessionID, taskID string) (*Task, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	mt := s.lookupLocked(sessionID, taskID)
	if mt == nil {
		return nil, ErrTaskNotFound
	}
	task := mt.task
	return &task, nil
}

// UpdateTaskStatus implements [TaskStore].
func (s *MemoryTaskStore) UpdateTaskStatus(ctx context.Context, sessionID, taskID string, status TaskStatus, message string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	s.mu.Lock()
	mt := s.lookupLocked(sessionID, taskID)
	if mt == nil {
		s.mu.Unlock()
		return ErrTaskNotFound
	}
	if mt.task.Status.Terminal() {
		s.mu.Unlock()
		return ErrTaskTerminal
	}
	mt.task.Status = status
	mt.task.StatusMessage = message
	s.notifyLocked(taskID)
	s.mu.Unlock()
	return nil
}

// StoreTaskResult implements [TaskStore].
func (s *MemoryTaskStore) StoreTaskResult(ctx context.Context, sessionID, taskID string, status TaskStatus, result json.RawMessage) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if !status.Terminal() {
		return fmt.Errorf("status %q is not terminal", status)
	}
	s.mu.Lock()
	mt := s.lookupLocked(sessionID, taskID)
	if mt == nil {
		s.mu.Unlock()
		return ErrTaskNotFound
	}
	if mt.task.Status.Terminal() {
		s.mu.Unlock()
		return ErrTaskTerminal
	}
	mt.task.Status = status
	mt.result = slices.Clone(result)
	s.notifyLocked(taskID)
	s.mu.Unlock()
	return nil
}

// GetTaskResult implements [TaskStore].
func (s *MemoryTaskStore) GetTaskResult(ctx context.Context, sessionID, taskID string) (json.RawMessage, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	mt := s.lookupLocked(sessionID, taskID)
	if mt == nil {
		return nil, ErrTaskNotFound
	}
	if mt.result == nil {
		return nil, fmt.Errorf("task %q has no stored result", taskID)
	}
	return slices.Clone(mt.result), nil
}

// ListTasks implements [TaskStore]. The cursor is the opaque encoding of the
// last returned task's creation sequence.
func (s *MemoryTaskStore) ListTasks(ctx context.Context, sessionID, cursor string, limit int) ([]*Task, string, error) {
	if err := ctx.Err(); err != nil {
		return nil, "", err
	}
	after := int64(0)
	if cursor != "" {
		var err error
		after, err = decodeTaskCursor(cursor)
		if err != nil {
			return nil, "", fmt.Errorf("invalid cursor: %w", err)
		}
	}
	if limit <= 0 {
		limit = 100
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	s.purgeLocked(time.Now())

	var matched []*memTask
	for _, mt := range s.tasks {
		if sessionID != "" && mt.sessionID != sessionID {
			continue
		}
		if mt.seq <= after {
			continue
		}
		matched = append(matched, mt)
	}
	slices.SortFunc(matched, func(a, b *memTask) int {
		return int(a.seq - b.seq)
	})

	next := ""
	if len(matched) > limit {
		matched = matched[:limit]
		next = encodeTaskCursor(matched[len(matched)-1].seq)
	}
	tasks := make([]*Task, len(matched))
	for i, mt := range matched {
		task := mt.task
		tasks[i] = &task
	}
	return tasks, next, nil
}

// WatchTask implements [TaskWatcher].
func (s *MemoryTaskStore) WatchTask(sessionID, taskID string) (<-chan struct{}, func()) {
	ch := make(chan struct{}, 1)
	s.mu.Lock()
	s.watchers[taskID] = append(s.watchers[taskID], ch)
	s.mu.Unlock()
	release := func() {
		s.mu.Lock()
		s.watchers[taskID] = slices.DeleteFunc(s.watchers[taskID], func(c chan struct{}) bool { return c == ch })
		if len(s.watchers[taskID]) == 0 {
			delete(s.watchers, taskID)
		}
		s.mu.Unlock()
	}
	return ch, release
}

func (s *MemoryTaskStore) notifyLocked(taskID string) {
	for _, ch := range s.watchers[taskID] {
		select {
		case ch <- struct{}{}:
		default:
		}
	}
}

func encodeTaskCursor(seq int64) string {
	return base64.RawURLEncoding.EncodeToString([]byte(strconv.FormatInt(seq, 10)))
}

func decodeTaskCursor(cursor string) (int64, error) {
	data, err := base64.RawURLEncoding.DecodeString(cursor)
	if err != nil {
		return 0, err
	}
	return strconv.ParseInt(string(data), 10, 64)
}

// MemoryTaskQueue is an in-memory bounded [TaskQueue].
type MemoryTaskQueue struct {
	maxSize int

	mu     sync.Mutex
	queues map[queueKey][]json.RawMessage
}

type queueKey struct {
	sessionID string
	taskID    string
}

// NewMemoryTaskQueue creates a MemoryTaskQueue holding at most maxSize
// messages per task. If maxSize is not positive, it defaults to 1024.
func NewMemoryTaskQueue(maxSize int) *MemoryTaskQueue {
	if maxSize <= 0 {
		maxSize = 1024
	}
	return &MemoryTaskQueue{
		maxSize: maxSize,
		queues:  make(map[queueKey][]json.RawMessage),
	}
}

// key resolves the queue for a task: messages enqueued with a session scope
// are only visible to that scope.
func (q *MemoryTaskQueue) key(sessionID, taskID string) queueKey {
	return queueKey{sessionID: sessionID, taskID: taskID}
}

// Enqueue implements [TaskQueue].
func (q *MemoryTaskQueue) Enqueue(ctx context.Context, sessionID, taskID string, msg json.RawMessage) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	q.mu.Lock()
	defer q.mu.Unlock()
	k := q.key(sessionID, taskID)
	if len(q.queues[k]) >= q.maxSize {
		return fmt.Errorf("task queue for %q is full (max %d)", taskID, q.maxSize)
	}
	q.queues[k] = append(q.queues[k], slices.Clone(msg))
	return nil
}

// Dequeue implements [TaskQueue].
func (q *MemoryTaskQueue) Dequeue(ctx context.Context, sessionID, taskID string) (json.RawMessage, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	q.mu.Lock()
	defer q.mu.Unlock()
	k := q.key(sessionID, taskID)
	msgs := q.queues[k]
	if len(msgs) == 0 {
		return nil, nil
	}
	msg := msgs[0]
	if len(msgs) == 1 {
		delete(q.queues, k)
	} else {
		q.queues[k] = msgs[1:]
	}
	return msg, nil
}

// DequeueAll implements [TaskQueue].
func (q *MemoryTaskQueue) DequeueAll(ctx context.Context, sessionID, taskID string) ([]json.RawMessage, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	q.mu.Lock()
	defer q.mu.Unlock()
	k := q.key(sessionID, taskID)
	msgs := q.queues[k]
	delete(q.queues, k)
	return msgs, nil
}

// DropSession discards all queues belonging to a session, for use when the
// session is deleted.
func (q *MemoryTaskQueue) DropSession(sessionID string) {
	q.mu.Lock()
	defer q.mu.Unlock()
	for k := range q.queues {
		if k.sessionID == sessionID {
			delete(q.queues, k)
		}
	}
}
