// Copyright 2025 The Go MCP SDK Authors. All rights reserved.
// Use of this source code is governed by an MIT-style
// license that can be found in the LICENSE file.

// Package auth provides bearer-token verification for HTTP handlers serving
// MCP sessions.
package auth

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"slices"
	"strings"
	"time"
)

// TokenInfo is the verified information carried by a bearer token.
type TokenInfo struct {
	Scopes     []string
	Expiration time.Time

	// Standard claims, when present in the token.
	Issuer    string
	Subject   string
	Audience  []string
	NotBefore time.Time
	IssuedAt  time.Time
	JWTID     string

	// Extra holds verifier-specific claims.
	Extra map[string]any
}

var (
	// ErrInvalidToken is returned by a [TokenVerifier] when the token cannot
	// be verified.
	ErrInvalidToken = errors.New("invalid token")

	// ErrOAuth indicates a failure in the OAuth handshake itself, reported
	// to the client as a 400 rather than a 401.
	ErrOAuth = errors.New("oauth error")
)

// A TokenVerifier checks a bearer token, returning its [TokenInfo] if valid.
// It should return [ErrInvalidToken] for tokens that fail verification.
type TokenVerifier func(ctx context.Context, token string, req *http.Request) (*TokenInfo, error)

// RequireBearerTokenOptions configure [RequireBearerToken].
type RequireBearerTokenOptions struct {
	// ResourceMetadataURL, if set, is advertised in the WWW-Authenticate
	// header of 401 responses, per RFC 9728.
	ResourceMetadataURL string
	// Scopes that the token must carry.
	Scopes []string
}

type tokenInfoKey struct{}

// TokenInfoFromContext returns the [TokenInfo] stored by
// [RequireBearerToken], or nil.
func TokenInfoFromContext(ctx context.Context) *TokenInfo {
	info, _ := ctx.Value(tokenInfoKey{}).(*TokenInfo)
	return info
}

// ContextWithTokenInfo returns a context with the given token info, as
// [RequireBearerToken] would produce. It is intended for tests and for
// handlers that verify tokens by other means.
func ContextWithTokenInfo(ctx context.Context, info *TokenInfo) context.Context {
	return context.WithValue(ctx, tokenInfoKey{}, info)
}

// RequireBearerToken returns HTTP middleware that requires a valid bearer
// token in the Authorization header. On success, the verified [TokenInfo] is
// attached to the request context, retrievable with [TokenInfoFromContext].
func RequireBearerToken(verifier TokenVerifier, opts *RequireBearerTokenOptions) func(http.Handler) http.Handler {
	return func(handler http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			info, errmsg, code := verify(r, verifier, opts)
			if code != 0 {
				if code == http.StatusUnauthorized && opts != nil && opts.ResourceMetadataURL != "" {
					w.Header().Set("WWW-Authenticate",
						fmt.Sprintf("Bearer resource_metadata=%q", opts.ResourceMetadataURL))
				}
				http.Error(w, errmsg, code)
				return
			}
			r = r.WithContext(ContextWithTokenInfo(r.Context(), info))
			handler.ServeHTTP(w, r)
		})
	}
}

// verify checks the request's bearer token. On failure it returns a non-zero
// HTTP status code and the message to send.
func verify(req *http.Request, verifier TokenVerifier, opts *RequireBearerTokenOptions) (*TokenInfo, string, int) {
	token, ok := bearerToken(req)
	if !ok {
		return nil, "no bearer token", http.StatusUnauthorized
	}
	info, err := verifier(req.Context(), token, req)
	if err != nil {
		if errors.Is(err, ErrOAuth) {
			return nil, "oauth error", http.StatusBadRequest
		}
		return nil, "invalid token", http.StatusUnauthorized
	}
	if info.Expiration.IsZero() {
		return nil, "token missing expiration", http.StatusUnauthorized
	}
	if info.Expiration.Before(time.Now()) {
		return nil, "token expired", http.StatusUnauthorized
	}
	if opts != nil {
		for _, scope := range opts.Scopes {
			if !slices.Contains(info.Scopes, scope) {
				return nil, "insufficient scope", http.StatusForbidden
			}
		}
	}
	return info, "", 0
}

func bearerToken(req *http.Request) (string, bool) {
	h := req.Header.Get("Authorization")
	scheme, token, ok := strings.Cut(h, " ")
	if !ok || !strings.EqualFold(scheme, "Bearer") {
		return "", false
	}
	return strings.TrimSpace(token), true
}
