// SPDX-License-Identifier: MIT

package session

import (
	"context"
	"sort"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/claimgate/claimgate/internal/wire"
)

// Conn is the directory's view of one live connection. Satisfied by the
// protocol engine.
type Conn interface {
	ID() string
	Close(code wire.CloseCode, reason string) error
}

type liveConn struct {
	conn        Conn
	connectedAt time.Time
}

type liveSession struct {
	session Session
	conns   map[string]liveConn
}

// Directory is the process-wide registry of live sessions and their
// connections. It exists for fan-out (closing every connection of a
// session) and session lookup; the protocol engine never touches it.
type Directory struct {
	mu       sync.RWMutex
	sessions map[string]*liveSession
}

// NewDirectory returns an empty directory.
func NewDirectory() *Directory {
	return &Directory{sessions: make(map[string]*liveSession)}
}

// Register adds a session with no connections. Re-registering an existing
// id replaces the session record but keeps its connections.
func (d *Directory) Register(s Session) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if live, ok := d.sessions[s.ID]; ok {
		live.session = s
		return
	}
	d.sessions[s.ID] = &liveSession{session: s, conns: make(map[string]liveConn)}
}

// Unregister removes the session record. Live connections are not closed;
// use CloseAll first for a forced termination.
func (d *Directory) Unregister(sessionID string) {
	d.mu.Lock()
	defer d.mu.Unlock()
	delete(d.sessions, sessionID)
}

// Lookup returns the session record for id.
func (d *Directory) Lookup(sessionID string) (Session, bool) {
	d.mu.RLock()
	defer d.mu.RUnlock()
	live, ok := d.sessions[sessionID]
	if !ok {
		return Session{}, false
	}
	return live.session, true
}

// AddConnection attaches a connection to a registered session.
func (d *Directory) AddConnection(sessionID string, c Conn) bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	live, ok := d.sessions[sessionID]
	if !ok {
		return false
	}
	live.conns[c.ID()] = liveConn{conn: c, connectedAt: time.Now()}
	return true
}

// RemoveConnection detaches a connection. Reports whether the session has
// no connections left afterwards.
func (d *Directory) RemoveConnection(sessionID, connID string) (empty bool) {
	d.mu.Lock()
	defer d.mu.Unlock()
	live, ok := d.sessions[sessionID]
	if !ok {
		return true
	}
	delete(live.conns, connID)
	return len(live.conns) == 0
}

// Connections returns the session's live connections ordered by connect
// time.
func (d *Directory) Connections(sessionID string) []Conn {
	d.mu.RLock()
	defer d.mu.RUnlock()
	live, ok := d.sessions[sessionID]
	if !ok {
		return nil
	}
	ordered := make([]liveConn, 0, len(live.conns))
	for _, lc := range live.conns {
		ordered = append(ordered, lc)
	}
	sort.Slice(ordered, func(i, j int) bool {
		return ordered[i].connectedAt.Before(ordered[j].connectedAt)
	})
	conns := make([]Conn, len(ordered))
	for i, lc := range ordered {
		conns[i] = lc.conn
	}
	return conns
}

// Sessions returns a snapshot of every registered session.
func (d *Directory) Sessions() []Session {
	d.mu.RLock()
	defer d.mu.RUnlock()
	out := make([]Session, 0, len(d.sessions))
	for _, live := range d.sessions {
		out = append(out, live.session)
	}
	return out
}

// Len reports the number of registered sessions.
func (d *Directory) Len() int {
	d.mu.RLock()
	defer d.mu.RUnlock()
	return len(d.sessions)
}

// CloseAll fans independent close operations out to every connection of
// the session and waits for all of them. Used for forced termination
// (token revocation, shutdown). Closing one connection never affects the
// others; the first close error is reported after all closes finish.
func (d *Directory) CloseAll(ctx context.Context, sessionID string, code wire.CloseCode, reason string) error {
	conns := d.Connections(sessionID)

	g, _ := errgroup.WithContext(ctx)
	for _, c := range conns {
		c := c
		g.Go(func() error {
			return c.Close(code, reason)
		})
	}
	return g.Wait()
}
