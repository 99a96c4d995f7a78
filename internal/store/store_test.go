// SPDX-License-Identifier: MIT

package store

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/claimgate/claimgate/internal/session"
)

func newTestStore(t *testing.T) *Store {
	t.Helper()
	s, err := New(filepath.Join(t.TempDir(), "claimgate.db"))
	require.NoError(t, err)
	t.Cleanup(func() { _ = s.Close() })
	return s
}

func TestUserRoundTrip(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	created, err := s.CreateUser(ctx, "alice", "hash", false)
	require.NoError(t, err)
	require.NotZero(t, created.ID)

	byName, err := s.UserByName(ctx, "alice")
	require.NoError(t, err)
	assert.Equal(t, created.ID, byName.ID)
	assert.Equal(t, "hash", byName.PasswordHash)
	assert.False(t, byName.Autopilot)

	byID, err := s.UserByID(ctx, created.ID)
	require.NoError(t, err)
	assert.Equal(t, "alice", byID.Name)

	_, err = s.UserByName(ctx, "nobody")
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestDuplicateUserNameFails(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	_, err := s.CreateUser(ctx, "alice", "h1", false)
	require.NoError(t, err)
	_, err = s.CreateUser(ctx, "alice", "h2", false)
	assert.Error(t, err)
}

func TestTokenLifecycle(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	user, err := s.CreateUser(ctx, "alice", "hash", false)
	require.NoError(t, err)

	now := time.Now().UTC()
	tok := session.Token{Key: "k1", UserID: user.ID, Kind: session.TokenAccess, ExpiresAt: now.Add(time.Hour)}
	require.NoError(t, s.InsertToken(ctx, tok))

	got, err := s.TokenByKey(ctx, "k1")
	require.NoError(t, err)
	assert.Equal(t, user.ID, got.UserID)
	assert.Equal(t, session.TokenAccess, got.Kind)
	assert.WithinDuration(t, tok.ExpiresAt, got.ExpiresAt, time.Millisecond)

	require.NoError(t, s.DeleteToken(ctx, "k1"))
	_, err = s.TokenByKey(ctx, "k1")
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestTokensByUserOrderedAndPruned(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	user, err := s.CreateUser(ctx, "alice", "hash", false)
	require.NoError(t, err)

	now := time.Now().UTC()
	for i, key := range []string{"later", "sooner", "expired"} {
		expiry := now.Add(time.Duration(2-i) * time.Hour)
		if key == "expired" {
			expiry = now.Add(-time.Hour)
		}
		require.NoError(t, s.InsertToken(ctx, session.Token{
			Key: key, UserID: user.ID, Kind: session.TokenAccess, ExpiresAt: expiry,
		}))
	}

	tokens, err := s.TokensByUser(ctx, user.ID, session.TokenAccess)
	require.NoError(t, err)
	require.Len(t, tokens, 3)
	assert.Equal(t, "expired", tokens[0].Key, "oldest expiry first")

	pruned, err := s.DeleteExpiredTokens(ctx, now)
	require.NoError(t, err)
	assert.Equal(t, int64(1), pruned)
}

func TestSessionRows(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	user, err := s.CreateUser(ctx, "alice", "hash", false)
	require.NoError(t, err)

	sess := session.Session{ID: "sess-1", UserID: user.ID, CreatedAt: time.Now()}
	require.NoError(t, s.UpsertSession(ctx, sess))
	require.NoError(t, s.UpsertSession(ctx, sess), "upsert must be idempotent")
	require.NoError(t, s.DeleteSession(ctx, "sess-1"))
}

func TestResourceOwnerRoundTrip(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	deck := session.Resource{Type: "deck", ID: 3}
	require.NoError(t, s.EnsureResource(ctx, deck))
	require.NoError(t, s.EnsureResource(ctx, deck), "ensure must be idempotent")

	owner, err := s.ResourceOwner(ctx, deck)
	require.NoError(t, err)
	assert.Empty(t, owner)

	require.NoError(t, s.SetResourceOwner(ctx, deck, "sess-1"))
	owner, err = s.ResourceOwner(ctx, deck)
	require.NoError(t, err)
	assert.Equal(t, "sess-1", owner)

	require.NoError(t, s.SetResourceOwner(ctx, deck, ""))
	owner, err = s.ResourceOwner(ctx, deck)
	require.NoError(t, err)
	assert.Empty(t, owner)

	_, err = s.ResourceOwner(ctx, session.Resource{Type: "ghost", ID: 9})
	assert.ErrorIs(t, err, ErrNotFound)
}
