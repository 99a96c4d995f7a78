// SPDX-License-Identifier: MIT

package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/claimgate/claimgate/internal/session"
)

// ErrNotFound is returned by lookups that match no row.
var ErrNotFound = errors.New("store: not found")

const schema = `
CREATE TABLE IF NOT EXISTS users (
	id            INTEGER PRIMARY KEY AUTOINCREMENT,
	name          TEXT    NOT NULL UNIQUE,
	password_hash TEXT    NOT NULL,
	autopilot     INTEGER NOT NULL DEFAULT 0,
	created_at    TEXT    NOT NULL
);

CREATE TABLE IF NOT EXISTS tokens (
	key        TEXT PRIMARY KEY,
	user_id    INTEGER NOT NULL REFERENCES users(id) ON DELETE CASCADE,
	kind       TEXT    NOT NULL,
	expires_at TEXT    NOT NULL
);

CREATE TABLE IF NOT EXISTS sessions (
	id         TEXT PRIMARY KEY,
	user_id    INTEGER NOT NULL REFERENCES users(id) ON DELETE CASCADE,
	created_at TEXT NOT NULL
);

CREATE TABLE IF NOT EXISTS resources (
	resource_type TEXT    NOT NULL,
	resource_id   INTEGER NOT NULL,
	owner_session TEXT,
	PRIMARY KEY (resource_type, resource_id)
);

CREATE INDEX IF NOT EXISTS idx_tokens_user ON tokens(user_id);
`

// Store wraps the SQLite pool with typed queries for the identity model.
type Store struct {
	db *sql.DB
}

// New opens the database at dbPath and applies the schema.
func New(dbPath string) (*Store, error) {
	db, err := Open(dbPath, DefaultSQLiteConfig())
	if err != nil {
		return nil, err
	}
	if _, err := db.Exec(schema); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("store: apply schema: %w", err)
	}
	return &Store{db: db}, nil
}

// Close releases the connection pool.
func (s *Store) Close() error {
	return s.db.Close()
}

const timeLayout = time.RFC3339Nano

// CreateUser inserts a user and returns it with its assigned id.
func (s *Store) CreateUser(ctx context.Context, name, passwordHash string, autopilot bool) (session.User, error) {
	createdAt := time.Now().UTC()
	res, err := s.db.ExecContext(ctx,
		`INSERT INTO users (name, password_hash, autopilot, created_at) VALUES (?, ?, ?, ?)`,
		name, passwordHash, autopilot, createdAt.Format(timeLayout))
	if err != nil {
		return session.User{}, fmt.Errorf("store: create user: %w", err)
	}
	id, err := res.LastInsertId()
	if err != nil {
		return session.User{}, fmt.Errorf("store: create user id: %w", err)
	}
	return session.User{ID: id, Name: name, PasswordHash: passwordHash, Autopilot: autopilot, CreatedAt: createdAt}, nil
}

// UserByName returns the user with the given name.
func (s *Store) UserByName(ctx context.Context, name string) (session.User, error) {
	return s.scanUser(s.db.QueryRowContext(ctx,
		`SELECT id, name, password_hash, autopilot, created_at FROM users WHERE name = ?`, name))
}

// UserByID returns the user with the given id.
func (s *Store) UserByID(ctx context.Context, id int64) (session.User, error) {
	return s.scanUser(s.db.QueryRowContext(ctx,
		`SELECT id, name, password_hash, autopilot, created_at FROM users WHERE id = ?`, id))
}

func (s *Store) scanUser(row *sql.Row) (session.User, error) {
	var u session.User
	var createdAt string
	err := row.Scan(&u.ID, &u.Name, &u.PasswordHash, &u.Autopilot, &createdAt)
	if errors.Is(err, sql.ErrNoRows) {
		return session.User{}, ErrNotFound
	}
	if err != nil {
		return session.User{}, fmt.Errorf("store: scan user: %w", err)
	}
	if u.CreatedAt, err = time.Parse(timeLayout, createdAt); err != nil {
		return session.User{}, fmt.Errorf("store: user created_at: %w", err)
	}
	return u, nil
}

// InsertToken stores a minted token.
func (s *Store) InsertToken(ctx context.Context, t session.Token) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO tokens (key, user_id, kind, expires_at) VALUES (?, ?, ?, ?)`,
		t.Key, t.UserID, string(t.Kind), t.ExpiresAt.UTC().Format(timeLayout))
	if err != nil {
		return fmt.Errorf("store: insert token: %w", err)
	}
	return nil
}

// TokenByKey returns the token with the given key.
func (s *Store) TokenByKey(ctx context.Context, key string) (session.Token, error) {
	var t session.Token
	var kind, expiresAt string
	err := s.db.QueryRowContext(ctx,
		`SELECT key, user_id, kind, expires_at FROM tokens WHERE key = ?`, key).
		Scan(&t.Key, &t.UserID, &kind, &expiresAt)
	if errors.Is(err, sql.ErrNoRows) {
		return session.Token{}, ErrNotFound
	}
	if err != nil {
		return session.Token{}, fmt.Errorf("store: token by key: %w", err)
	}
	t.Kind = session.TokenKind(kind)
	if t.ExpiresAt, err = time.Parse(timeLayout, expiresAt); err != nil {
		return session.Token{}, fmt.Errorf("store: token expires_at: %w", err)
	}
	return t, nil
}

// DeleteToken removes a token by key.
func (s *Store) DeleteToken(ctx context.Context, key string) error {
	_, err := s.db.ExecContext(ctx, `DELETE FROM tokens WHERE key = ?`, key)
	if err != nil {
		return fmt.Errorf("store: delete token: %w", err)
	}
	return nil
}

// TokensByUser returns a user's tokens of one kind, oldest expiry first.
func (s *Store) TokensByUser(ctx context.Context, userID int64, kind session.TokenKind) ([]session.Token, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT key, user_id, kind, expires_at FROM tokens WHERE user_id = ? AND kind = ? ORDER BY expires_at`,
		userID, string(kind))
	if err != nil {
		return nil, fmt.Errorf("store: tokens by user: %w", err)
	}
	defer rows.Close()

	var tokens []session.Token
	for rows.Next() {
		var t session.Token
		var k, expiresAt string
		if err := rows.Scan(&t.Key, &t.UserID, &k, &expiresAt); err != nil {
			return nil, fmt.Errorf("store: scan token: %w", err)
		}
		t.Kind = session.TokenKind(k)
		if t.ExpiresAt, err = time.Parse(timeLayout, expiresAt); err != nil {
			return nil, fmt.Errorf("store: token expires_at: %w", err)
		}
		tokens = append(tokens, t)
	}
	return tokens, rows.Err()
}

// DeleteExpiredTokens prunes tokens past their expiry at now. Returns the
// number of rows removed.
func (s *Store) DeleteExpiredTokens(ctx context.Context, now time.Time) (int64, error) {
	res, err := s.db.ExecContext(ctx,
		`DELETE FROM tokens WHERE expires_at <= ?`, now.UTC().Format(timeLayout))
	if err != nil {
		return 0, fmt.Errorf("store: delete expired tokens: %w", err)
	}
	return res.RowsAffected()
}

// UpsertSession persists a session row.
func (s *Store) UpsertSession(ctx context.Context, sess session.Session) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO sessions (id, user_id, created_at) VALUES (?, ?, ?)
		 ON CONFLICT(id) DO UPDATE SET user_id = excluded.user_id`,
		sess.ID, sess.UserID, sess.CreatedAt.UTC().Format(timeLayout))
	if err != nil {
		return fmt.Errorf("store: upsert session: %w", err)
	}
	return nil
}

// DeleteSession removes a session row.
func (s *Store) DeleteSession(ctx context.Context, id string) error {
	_, err := s.db.ExecContext(ctx, `DELETE FROM sessions WHERE id = ?`, id)
	if err != nil {
		return fmt.Errorf("store: delete session: %w", err)
	}
	return nil
}

// EnsureResource creates the resource row if absent.
func (s *Store) EnsureResource(ctx context.Context, res session.Resource) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO resources (resource_type, resource_id) VALUES (?, ?)
		 ON CONFLICT(resource_type, resource_id) DO NOTHING`,
		res.Type, res.ID)
	if err != nil {
		return fmt.Errorf("store: ensure resource: %w", err)
	}
	return nil
}

// SetResourceOwner records the claiming session, or clears it when
// sessionID is empty.
func (s *Store) SetResourceOwner(ctx context.Context, res session.Resource, sessionID string) error {
	var owner any
	if sessionID != "" {
		owner = sessionID
	}
	_, err := s.db.ExecContext(ctx,
		`UPDATE resources SET owner_session = ? WHERE resource_type = ? AND resource_id = ?`,
		owner, res.Type, res.ID)
	if err != nil {
		return fmt.Errorf("store: set resource owner: %w", err)
	}
	return nil
}

// ResourceOwner returns the recorded owner session id, empty when
// unclaimed.
func (s *Store) ResourceOwner(ctx context.Context, res session.Resource) (string, error) {
	var owner sql.NullString
	err := s.db.QueryRowContext(ctx,
		`SELECT owner_session FROM resources WHERE resource_type = ? AND resource_id = ?`,
		res.Type, res.ID).Scan(&owner)
	if errors.Is(err, sql.ErrNoRows) {
		return "", ErrNotFound
	}
	if err != nil {
		return "", fmt.Errorf("store: resource owner: %w", err)
	}
	return owner.String, nil
}
