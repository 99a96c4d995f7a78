// SPDX-License-Identifier: MIT

// Package protocol implements the per-connection protocol state machine:
// frame intake through the wire codec, ratelimiting, acknowledgement
// tracking, duplicate detection, and close-code mapping. One Engine owns
// exactly one transport; it never touches other connections.
package protocol

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/claimgate/claimgate/internal/log"
	"github.com/claimgate/claimgate/internal/metrics"
	"github.com/claimgate/claimgate/internal/ratelimit"
	"github.com/claimgate/claimgate/internal/wire"
)

// Transport is the minimal duplex socket the engine drives. Server and
// client roles are two implementations of this interface, not two engine
// types. Send must be safe for concurrent use; Close must unblock a
// pending Receive.
type Transport interface {
	Receive(ctx context.Context) (frameType int, data []byte, err error)
	Send(ctx context.Context, frameType int, data []byte) error
	Close(code wire.CloseCode, reason string) error
}

// State is the engine lifecycle: Open -> Closing -> Closed (terminal).
type State int

const (
	StateOpen State = iota
	StateClosing
	StateClosed
)

// Config carries the per-connection protocol limits.
type Config struct {
	// MessageLimit / MessageInterval bound inbound frames per sliding
	// window. A MessageLimit of 0 disables ratelimiting.
	MessageLimit    int
	MessageInterval time.Duration

	// AckTimeout bounds how long a sent event may stay unacknowledged
	// before the connection is closed with 4007. 0 disables the timer.
	AckTimeout time.Duration

	// Role labels metrics ("user", "autopilot", "client").
	Role string

	// Clock overrides time.Now for tests.
	Clock func() time.Time
}

func (c Config) clock() func() time.Time {
	if c.Clock != nil {
		return c.Clock
	}
	return time.Now
}

// ClosedError is the terminal result of an engine. Next returns it once
// the connection has left the Open state.
type ClosedError struct {
	Code   wire.CloseCode
	Reason string
}

func (e *ClosedError) Error() string {
	if e.Code == 0 {
		return "connection closed by peer"
	}
	return fmt.Sprintf("connection closed: %d %s", int(e.Code), e.Code)
}

type pendingAck struct {
	timer  *time.Timer
	sentAt time.Time
}

// Engine wraps one transport in the protocol state machine.
type Engine struct {
	id     string
	tr     Transport
	cfg    Config
	now    func() time.Time
	logger zerolog.Logger

	mu         sync.Mutex
	state      State
	window     ratelimit.Window
	sentUnack  map[string]pendingAck
	recvSeen   map[string]struct{}
	closed     chan struct{}
	closeCause *ClosedError
	closeErr   error
}

// New wraps the transport in an Open engine. The id identifies the
// connection in logs and the session directory.
func New(id string, tr Transport, cfg Config) *Engine {
	role := cfg.Role
	if role == "" {
		role = "user"
		cfg.Role = role
	}
	metrics.OpenConnections.WithLabelValues(role).Inc()
	return &Engine{
		id:        id,
		tr:        tr,
		cfg:       cfg,
		now:       cfg.clock(),
		logger:    log.WithComponent("protocol").With().Str("connection_id", id).Logger(),
		sentUnack: make(map[string]pendingAck),
		recvSeen:  make(map[string]struct{}),
		closed:    make(chan struct{}),
	}
}

// ID returns the connection id.
func (e *Engine) ID() string { return e.id }

// State returns the current lifecycle state.
func (e *Engine) State() State {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.state
}

// Done is closed once the engine reaches Closed.
func (e *Engine) Done() <-chan struct{} { return e.closed }

// Next blocks until a conforming Event arrives, then yields it in arrival
// order. Acks are absorbed internally and never surfaced. Any protocol
// violation closes the connection and surfaces as a ClosedError; ctx
// cancellation surfaces as ctx.Err().
func (e *Engine) Next(ctx context.Context) (*wire.Event, error) {
	for {
		if cause := e.cause(); cause != nil {
			return nil, cause
		}

		frameType, data, err := e.tr.Receive(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return nil, ctx.Err()
			}
			return nil, e.transportGone(err)
		}

		if e.cfg.MessageLimit > 0 {
			e.mu.Lock()
			window, rlErr := ratelimit.Check(e.window, e.cfg.MessageLimit, e.cfg.MessageInterval, e.now())
			e.window = window
			e.mu.Unlock()
			if rlErr != nil {
				e.logger.Warn().Err(rlErr).Msg("ratelimit exceeded")
				_ = e.Close(wire.CloseRatelimitExceeded, "ratelimit exceeded")
				return nil, e.cause()
			}
		}

		msg, err := wire.Decode(frameType, data)
		if err != nil {
			code := wire.CloseInternalError
			if perr, ok := err.(*wire.ProtocolError); ok {
				code = perr.Code
			}
			e.logger.Warn().Int("code", int(code)).Msg("malformed frame")
			_ = e.Close(code, "protocol violation")
			return nil, e.cause()
		}

		switch m := msg.(type) {
		case *wire.Ack:
			metrics.CountMessage("ack", "in")
			e.absorbAck(m)

		case *wire.Event:
			metrics.CountMessage("event", "in")
			if !e.recordEvent(m.ID()) {
				e.logger.Warn().Str("event_id", m.ID()).Msg("duplicate event id")
				_ = e.Close(wire.CloseDuplicateEventID, "duplicate event id")
				return nil, e.cause()
			}
			return m, nil
		}
	}
}

// SendEvent assigns an id and timestamp, writes the frame, and tracks it
// as unacknowledged until a matching Ack arrives or the ack timeout
// closes the connection with 4007. Returns the assigned event id.
func (e *Engine) SendEvent(ctx context.Context, status wire.Status, reason string, payload map[string]any) (string, error) {
	id := uuid.NewString()
	sentAt := e.now()

	ev, err := wire.NewEvent(id, sentAt, status, reason, payload)
	if err != nil {
		return "", err
	}
	data, err := wire.Encode(ev)
	if err != nil {
		return "", err
	}

	e.mu.Lock()
	if e.state != StateOpen {
		e.mu.Unlock()
		return "", e.cause()
	}
	pending := pendingAck{sentAt: sentAt}
	if e.cfg.AckTimeout > 0 {
		pending.timer = time.AfterFunc(e.cfg.AckTimeout, func() {
			e.logger.Warn().Str("event_id", id).Msg("ack timeout")
			_ = e.Close(wire.CloseAckTimeout, "ack timeout")
		})
	}
	e.sentUnack[id] = pending
	e.mu.Unlock()

	if err := e.tr.Send(ctx, wire.TextFrame, data); err != nil {
		e.dropPending(id)
		return "", err
	}
	metrics.CountMessage("event", "out")
	return id, nil
}

// SendAck acknowledges a received event. Fire-and-forget: acks are never
// tracked and never themselves acknowledged.
func (e *Engine) SendAck(ctx context.Context, eventID string) error {
	data, err := wire.Encode(wire.NewAck(eventID, e.now()))
	if err != nil {
		return err
	}
	if err := e.tr.Send(ctx, wire.TextFrame, data); err != nil {
		return err
	}
	metrics.CountMessage("ack", "out")
	return nil
}

// Unacked returns the ids of sent events still awaiting acknowledgement.
func (e *Engine) Unacked() []string {
	e.mu.Lock()
	defer e.mu.Unlock()
	ids := make([]string, 0, len(e.sentUnack))
	for id := range e.sentUnack {
		ids = append(ids, id)
	}
	return ids
}

// Close transitions the engine to Closing, cancels ack timers, closes the
// transport with the given code, and settles in Closed. Idempotent:
// closing an already closed engine returns the prior outcome.
func (e *Engine) Close(code wire.CloseCode, reason string) error {
	e.mu.Lock()
	if e.state != StateOpen {
		err := e.closeErr
		e.mu.Unlock()
		return err
	}
	e.state = StateClosing
	e.closeCause = &ClosedError{Code: code, Reason: reason}
	for id, pending := range e.sentUnack {
		if pending.timer != nil {
			pending.timer.Stop()
		}
		delete(e.sentUnack, id)
	}
	e.mu.Unlock()

	err := e.tr.Close(code, reason)

	e.mu.Lock()
	e.state = StateClosed
	e.closeErr = err
	close(e.closed)
	e.mu.Unlock()

	metrics.CountClose(int(code))
	metrics.OpenConnections.WithLabelValues(e.cfg.Role).Dec()
	e.logger.Info().Int("code", int(code)).Str("reason", reason).Msg("connection closed")
	return err
}

// cause returns the terminal error once the engine has left Open.
func (e *Engine) cause() *ClosedError {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.closeCause
}

// transportGone records a close initiated by the peer or the transport.
func (e *Engine) transportGone(err error) *ClosedError {
	e.mu.Lock()
	if e.state == StateOpen {
		e.state = StateClosed
		e.closeCause = &ClosedError{Code: 0, Reason: err.Error()}
		for id, pending := range e.sentUnack {
			if pending.timer != nil {
				pending.timer.Stop()
			}
			delete(e.sentUnack, id)
		}
		close(e.closed)
		metrics.OpenConnections.WithLabelValues(e.cfg.Role).Dec()
		e.logger.Info().Err(err).Msg("transport closed")
	}
	cause := e.closeCause
	e.mu.Unlock()
	return cause
}

func (e *Engine) absorbAck(ack *wire.Ack) {
	e.mu.Lock()
	pending, ok := e.sentUnack[ack.ID()]
	if ok {
		if pending.timer != nil {
			pending.timer.Stop()
		}
		delete(e.sentUnack, ack.ID())
	}
	e.mu.Unlock()
	if ok {
		metrics.AckLatency.Observe(e.now().Sub(pending.sentAt).Seconds())
	}
}

// recordEvent notes an inbound event id, reporting false on a duplicate.
func (e *Engine) recordEvent(id string) bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	if _, seen := e.recvSeen[id]; seen {
		return false
	}
	e.recvSeen[id] = struct{}{}
	return true
}

func (e *Engine) dropPending(id string) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if pending, ok := e.sentUnack[id]; ok {
		if pending.timer != nil {
			pending.timer.Stop()
		}
		delete(e.sentUnack, id)
	}
}
