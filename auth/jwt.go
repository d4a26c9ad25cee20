// Copyright 2025 The Go MCP SDK Authors. All rights reserved.
// Use of this source code is governed by an MIT-style
// license that can be found in the LICENSE file.

package auth

import (
	"context"
	"fmt"
	"net/http"
	"strings"

	"github.com/golang-jwt/jwt/v5"
)

// JWTVerifierOptions configure [NewJWTVerifier].
type JWTVerifierOptions struct {
	// Issuer, if non-empty, is the required "iss" claim.
	Issuer string
	// Audience, if non-empty, is the required "aud" claim.
	Audience string
	// ValidMethods restricts the accepted signing algorithms. If empty,
	// HS256, RS256 and ES256 are accepted.
	ValidMethods []string
	// ScopesClaim names the claim carrying the token's scopes, either as a
	// space-separated string or a string array. If empty, "scope" is used.
	ScopesClaim string
}

// NewJWTVerifier returns a [TokenVerifier] that validates JWT bearer tokens
// signed with the key (or keys) provided by keyFunc.
//
// The verifier checks the token signature and the registered time claims, and
// maps the remaining registered claims into the returned [TokenInfo]. It
// returns [ErrInvalidToken] for any token that fails validation.
func NewJWTVerifier(keyFunc jwt.Keyfunc, opts *JWTVerifierOptions) TokenVerifier {
	var o JWTVerifierOptions
	if opts != nil {
		o = *opts
	}
	if len(o.ValidMethods) == 0 {
		o.ValidMethods = []string{"HS256", "RS256", "ES256"}
	}
	if o.ScopesClaim == "" {
		o.ScopesClaim = "scope"
	}
	parserOpts := []jwt.ParserOption{jwt.WithValidMethods(o.ValidMethods)}
	if o.Issuer != "" {
		parserOpts = append(parserOpts, jwt.WithIssuer(o.Issuer))
	}
	if o.Audience != "" {
		parserOpts = append(parserOpts, jwt.WithAudience(o.Audience))
	}
	parser := jwt.NewParser(parserOpts...)

	return func(ctx context.Context, token string, _ *http.Request) (*TokenInfo, error) {
		claims := jwt.MapClaims{}
		parsed, err := parser.ParseWithClaims(token, claims, keyFunc)
		if err != nil {
			return nil, fmt.Errorf("%w: %v", ErrInvalidToken, err)
		}
		if !parsed.Valid {
			return nil, ErrInvalidToken
		}
		info := &TokenInfo{
			Scopes: scopesFromClaim(claims[o.ScopesClaim]),
			Extra:  claims,
		}
		if exp, err := claims.GetExpirationTime(); err == nil && exp != nil {
			info.Expiration = exp.Time
		}
		if iss, err := claims.GetIssuer(); err == nil {
			info.Issuer = iss
		}
		if sub, err := claims.GetSubject(); err == nil {
			info.Subject = sub
		}
		if aud, err := claims.GetAudience(); err == nil {
			info.Audience = aud
		}
		if nbf, err := claims.GetNotBefore(); err == nil && nbf != nil {
			info.NotBefore = nbf.Time
		}
		if iat, err := claims.GetIssuedAt(); err == nil && iat != nil {
			info.IssuedAt = iat.Time
		}
		if jti, ok := claims["jti"].(string); ok {
			info.JWTID = jti
		}
		return info, nil
	}
}

// scopesFromClaim normalizes a scope claim: either an OAuth space-separated
// string or an array of strings.
func scopesFromClaim(v any) []string {
	switch v := v.(type) {
	case string:
		return strings.Fields(v)
	case []any:
		var scopes []string
		for _, s := range v {
			if str, ok := s.(string); ok {
				scopes = append(scopes, str)
			}
		}
		return scopes
	}
	return nil
}
