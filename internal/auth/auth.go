// SPDX-License-Identifier: MIT

// Package auth issues and validates the opaque tokens consumed at the
// WebSocket handshake. It is a collaborator of the protocol core, not
// part of it: the core only sees token-expired as close code 4000.
package auth

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"golang.org/x/crypto/bcrypt"

	"github.com/claimgate/claimgate/internal/config"
	"github.com/claimgate/claimgate/internal/session"
	"github.com/claimgate/claimgate/internal/store"
)

var (
	// ErrInvalidCredentials covers unknown users and wrong passwords.
	ErrInvalidCredentials = errors.New("auth: invalid credentials")
	// ErrTokenInvalid covers unknown or malformed token keys.
	ErrTokenInvalid = errors.New("auth: token invalid")
	// ErrTokenExpired is surfaced to the WS layer as close code 4000.
	ErrTokenExpired = errors.New("auth: token expired")
)

// Service mints and validates tokens against the store.
type Service struct {
	store *store.Store
	cfg   config.AuthConfig
	now   func() time.Time
}

// New builds a Service. nowFn overrides time.Now for tests; pass nil for
// the default.
func New(st *store.Store, cfg config.AuthConfig, nowFn func() time.Time) *Service {
	if nowFn == nil {
		nowFn = time.Now
	}
	return &Service{store: st, cfg: cfg, now: nowFn}
}

// HashPassword produces a bcrypt hash at the default cost.
func HashPassword(password string) (string, error) {
	hash, err := bcrypt.GenerateFromPassword([]byte(password), bcrypt.DefaultCost)
	if err != nil {
		return "", fmt.Errorf("auth: hash password: %w", err)
	}
	return string(hash), nil
}

// CheckPassword reports whether password matches the stored hash.
func CheckPassword(password, hash string) bool {
	return bcrypt.CompareHashAndPassword([]byte(hash), []byte(password)) == nil
}

// Register creates a user with a hashed password.
func (s *Service) Register(ctx context.Context, name, password string, autopilot bool) (session.User, error) {
	hash, err := HashPassword(password)
	if err != nil {
		return session.User{}, err
	}
	return s.store.CreateUser(ctx, name, hash, autopilot)
}

// Login verifies credentials and mints an access/refresh token pair,
// evicting the user's oldest access token when the per-user cap is hit.
func (s *Service) Login(ctx context.Context, name, password string) (access, refresh session.Token, err error) {
	user, err := s.store.UserByName(ctx, name)
	if errors.Is(err, store.ErrNotFound) {
		return session.Token{}, session.Token{}, ErrInvalidCredentials
	}
	if err != nil {
		return session.Token{}, session.Token{}, err
	}
	if !CheckPassword(password, user.PasswordHash) {
		return session.Token{}, session.Token{}, ErrInvalidCredentials
	}

	if err := s.enforceTokenCap(ctx, user.ID); err != nil {
		return session.Token{}, session.Token{}, err
	}

	now := s.now()
	access = session.Token{
		Key:       uuid.NewString(),
		UserID:    user.ID,
		Kind:      session.TokenAccess,
		ExpiresAt: now.Add(s.cfg.AccessTTL.Duration),
	}
	refresh = session.Token{
		Key:       uuid.NewString(),
		UserID:    user.ID,
		Kind:      session.TokenRefresh,
		ExpiresAt: now.Add(s.cfg.RefreshTTL.Duration),
	}
	if err := s.store.InsertToken(ctx, access); err != nil {
		return session.Token{}, session.Token{}, err
	}
	if err := s.store.InsertToken(ctx, refresh); err != nil {
		return session.Token{}, session.Token{}, err
	}
	return access, refresh, nil
}

// Refresh exchanges a live refresh token for a new access token.
func (s *Service) Refresh(ctx context.Context, refreshKey string) (session.Token, error) {
	tok, err := s.lookup(ctx, refreshKey)
	if err != nil {
		return session.Token{}, err
	}
	if tok.Kind != session.TokenRefresh {
		return session.Token{}, ErrTokenInvalid
	}

	access := session.Token{
		Key:       uuid.NewString(),
		UserID:    tok.UserID,
		Kind:      session.TokenAccess,
		ExpiresAt: s.now().Add(s.cfg.AccessTTL.Duration),
	}
	if err := s.store.InsertToken(ctx, access); err != nil {
		return session.Token{}, err
	}
	return access, nil
}

// Validate resolves an access token key to its user. Expired tokens are
// deleted on sight.
func (s *Service) Validate(ctx context.Context, key string) (session.User, session.Token, error) {
	tok, err := s.lookup(ctx, key)
	if err != nil {
		return session.User{}, session.Token{}, err
	}
	if tok.Kind != session.TokenAccess {
		return session.User{}, session.Token{}, ErrTokenInvalid
	}
	user, err := s.store.UserByID(ctx, tok.UserID)
	if errors.Is(err, store.ErrNotFound) {
		return session.User{}, session.Token{}, ErrTokenInvalid
	}
	if err != nil {
		return session.User{}, session.Token{}, err
	}
	return user, tok, nil
}

// Revoke deletes a token regardless of kind.
func (s *Service) Revoke(ctx context.Context, key string) error {
	return s.store.DeleteToken(ctx, key)
}

func (s *Service) lookup(ctx context.Context, key string) (session.Token, error) {
	tok, err := s.store.TokenByKey(ctx, key)
	if errors.Is(err, store.ErrNotFound) {
		return session.Token{}, ErrTokenInvalid
	}
	if err != nil {
		return session.Token{}, err
	}
	if tok.Expired(s.now()) {
		_ = s.store.DeleteToken(ctx, key)
		return session.Token{}, ErrTokenExpired
	}
	return tok, nil
}

func (s *Service) enforceTokenCap(ctx context.Context, userID int64) error {
	tokens, err := s.store.TokensByUser(ctx, userID, session.TokenAccess)
	if err != nil {
		return err
	}
	for len(tokens) >= s.cfg.MaxTokensPerUser {
		if err := s.store.DeleteToken(ctx, tokens[0].Key); err != nil {
			return err
		}
		tokens = tokens[1:]
	}
	return nil
}
