// Copyright 2025 Toly Pochkin
// SPDX-License-Identifier: Apache-2.0

package gqlremote

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

// TokenSource supplies bearer tokens for backend requests.
type TokenSource interface {
	Token(ctx context.Context) (string, error)
}

type staticToken string

func (t staticToken) Token(context.Context) (string, error) { return string(t), nil }

// Static returns a TokenSource that always yields the given token.
func Static(token string) TokenSource { return staticToken(token) }

// CachedTokenSource wraps a fetch function and reuses the fetched JWT until
// shortly before its exp claim. The client never verifies the signature; it
// only reads the expiry to schedule refreshes.
type CachedTokenSource struct {
	fetch  func(ctx context.Context) (string, error)
	leeway time.Duration

	mu     sync.Mutex
	token  string
	expiry time.Time
}

// NewCachedTokenSource creates a caching source that refreshes leeway before
// token expiry.
func NewCachedTokenSource(fetch func(ctx context.Context) (string, error), leeway time.Duration) *CachedTokenSource {
	if leeway <= 0 {
		leeway = 30 * time.Second
	}
	return &CachedTokenSource{fetch: fetch, leeway: leeway}
}

func (s *CachedTokenSource) Token(ctx context.Context) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.token != "" && (s.expiry.IsZero() || time.Now().Before(s.expiry.Add(-s.leeway))) {
		return s.token, nil
	}

	token, err := s.fetch(ctx)
	if err != nil {
		return "", fmt.Errorf("failed to fetch auth token: %w", err)
	}
	s.token = token
	s.expiry = time.Time{}

	claims := jwt.MapClaims{}
	if _, _, err := jwt.NewParser().ParseUnverified(token, claims); err == nil {
		if exp, err := claims.GetExpirationTime(); err == nil && exp != nil {
			s.expiry = exp.Time
		}
	}
	return s.token, nil
}
