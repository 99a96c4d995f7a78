// SPDX-License-Identifier: MIT

// Package ownership arbitrates exclusive claims of resources by sessions.
// The registry maintains a bijection-like constraint: at most one session
// owns a given resource, and a session owns at most one resource.
package ownership

import (
	"fmt"
	"sync"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"

	"github.com/claimgate/claimgate/internal/session"
)

var claimsTotal = promauto.NewCounterVec(
	prometheus.CounterOpts{
		Namespace: "claimgate",
		Name:      "claims_total",
		Help:      "Total claim/release outcomes by operation and result",
	},
	[]string{"op", "result"},
)

// ConflictKind tags the three recoverable ownership conflicts.
type ConflictKind string

const (
	// ResourceLocked: the resource is already claimed by another session.
	ResourceLocked ConflictKind = "resource_locked"
	// SessionBound: the requesting session already owns another resource.
	SessionBound ConflictKind = "session_bound"
	// ResourceNotOwned: release of a resource the session does not own.
	ResourceNotOwned ConflictKind = "resource_not_owned"
)

// ConflictError reports an ownership conflict. Conflicts are recoverable:
// the connection stays open and the caller decides whether to retry.
type ConflictError struct {
	Kind      ConflictKind
	SessionID string           // the requesting session
	Resource  session.Resource // the requested resource
}

func (e *ConflictError) Error() string {
	switch e.Kind {
	case ResourceLocked:
		return fmt.Sprintf("resource %s is already locked by another session", e.Resource)
	case SessionBound:
		return fmt.Sprintf("session %s is already bound to a resource", e.SessionID)
	case ResourceNotOwned:
		return fmt.Sprintf("session %s does not own resource %s", e.SessionID, e.Resource)
	}
	return string(e.Kind)
}

// Registry records which session owns which resource. All mutations are
// serialized; both directions of the mapping change atomically.
type Registry struct {
	mu         sync.RWMutex
	byResource map[session.Resource]string
	bySession  map[string]session.Resource
}

// NewRegistry returns an empty registry.
func NewRegistry() *Registry {
	return &Registry{
		byResource: make(map[session.Resource]string),
		bySession:  make(map[string]session.Resource),
	}
}

// Claim binds the resource to the session. Re-claiming a resource the
// session already owns is idempotent. Fails with ResourceLocked when a
// different session holds the resource, SessionBound when the session
// already holds a different resource.
func (r *Registry) Claim(sessionID string, res session.Resource) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if owner, ok := r.byResource[res]; ok {
		if owner == sessionID {
			claimsTotal.WithLabelValues("claim", "idempotent").Inc()
			return nil
		}
		claimsTotal.WithLabelValues("claim", "resource_locked").Inc()
		return &ConflictError{Kind: ResourceLocked, SessionID: sessionID, Resource: res}
	}

	if held, ok := r.bySession[sessionID]; ok && held != res {
		claimsTotal.WithLabelValues("claim", "session_bound").Inc()
		return &ConflictError{Kind: SessionBound, SessionID: sessionID, Resource: res}
	}

	r.byResource[res] = sessionID
	r.bySession[sessionID] = res
	claimsTotal.WithLabelValues("claim", "ok").Inc()
	return nil
}

// Release unbinds the resource from the session. Fails with
// ResourceNotOwned when the session does not currently own it.
func (r *Registry) Release(sessionID string, res session.Resource) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if owner, ok := r.byResource[res]; !ok || owner != sessionID {
		claimsTotal.WithLabelValues("release", "resource_not_owned").Inc()
		return &ConflictError{Kind: ResourceNotOwned, SessionID: sessionID, Resource: res}
	}

	delete(r.byResource, res)
	delete(r.bySession, sessionID)
	claimsTotal.WithLabelValues("release", "ok").Inc()
	return nil
}

// OwnerOf returns the session holding the resource, if any.
func (r *Registry) OwnerOf(res session.Resource) (string, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	owner, ok := r.byResource[res]
	return owner, ok
}

// ResourceOf returns the resource held by the session, if any.
func (r *Registry) ResourceOf(sessionID string) (session.Resource, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	res, ok := r.bySession[sessionID]
	return res, ok
}
