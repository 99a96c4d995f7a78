// SPDX-License-Identifier: MIT

// Package session holds the identity model (users, tokens, sessions,
// resources) and the process-wide directory of live sessions and their
// connections.
package session

import (
	"fmt"
	"time"
)

// Resource is a claimable entity identified by (type, id). Identity is
// stable; claim state lives in the ownership registry.
type Resource struct {
	Type string
	ID   int64
}

func (r Resource) String() string {
	return fmt.Sprintf("%s/%d", r.Type, r.ID)
}

// User is an authenticated identity, owned by the auth collaborator.
type User struct {
	ID           int64
	Name         string
	PasswordHash string
	Autopilot    bool
	CreatedAt    time.Time
}

// TokenKind distinguishes short-lived access tokens from refresh tokens.
type TokenKind string

const (
	TokenAccess  TokenKind = "access"
	TokenRefresh TokenKind = "refresh"
)

// Token is an opaque credential minted at login and consumed at the
// WebSocket handshake.
type Token struct {
	Key       string
	UserID    int64
	Kind      TokenKind
	ExpiresAt time.Time
}

// Expired reports whether the token is past its expiry at now.
func (t Token) Expired(now time.Time) bool {
	return !now.Before(t.ExpiresAt)
}

// Session is a logical connected identity. It may hold multiple physical
// connections but at most one claimed resource at a time.
type Session struct {
	ID        string
	UserID    int64
	Autopilot bool
	CreatedAt time.Time
	// ExpiresAt mirrors the expiry of the access token that created the
	// session; the expiry sweep force-closes sessions past it.
	ExpiresAt time.Time
}
