// SPDX-License-Identifier: MIT

package wire

import (
	"fmt"
	"time"
)

// MessageType discriminates the two frame kinds on the wire.
type MessageType string

const (
	TypeEvent MessageType = "event"
	TypeAck   MessageType = "ack"
)

// Status classifies an Event. Error and Fatal events must carry a reason.
type Status string

const (
	StatusNormal Status = "normal"
	StatusError  Status = "error"
	StatusFatal  Status = "fatal"
)

func (s Status) valid() bool {
	switch s {
	case StatusNormal, StatusError, StatusFatal:
		return true
	}
	return false
}

// Message is the common surface of Event and Ack.
type Message interface {
	// ID is the caller-generated opaque correlation id.
	ID() string
	// SentAt is the sender-stamped, offset-aware timestamp.
	SentAt() time.Time
}

// Event is an acknowledgeable application message. The zero value is not
// usable; construct via NewEvent or the codec.
type Event struct {
	id      string
	sentAt  time.Time
	status  Status
	reason  string
	payload map[string]any
}

// NewEvent builds an outbound Event. The payload map is never nil: a nil
// argument becomes an empty map. Reason must be empty for StatusNormal.
func NewEvent(id string, sentAt time.Time, status Status, reason string, payload map[string]any) (*Event, error) {
	if !status.valid() {
		return nil, fmt.Errorf("wire: unknown event status %q", status)
	}
	if status == StatusNormal && reason != "" {
		return nil, fmt.Errorf("wire: reason must be empty for normal events")
	}
	if status != StatusNormal && reason == "" {
		return nil, fmt.Errorf("wire: reason required for %s events", status)
	}
	if payload == nil {
		payload = map[string]any{}
	}
	return &Event{id: id, sentAt: sentAt, status: status, reason: reason, payload: payload}, nil
}

func (e *Event) ID() string              { return e.id }
func (e *Event) SentAt() time.Time       { return e.sentAt }
func (e *Event) Status() Status          { return e.status }
func (e *Event) Reason() string          { return e.reason }
func (e *Event) Payload() map[string]any { return e.payload }

// Ack confirms receipt of one Event. It is never itself acknowledged.
type Ack struct {
	id     string
	sentAt time.Time
}

// NewAck builds an outbound Ack correlating to the given event id.
func NewAck(id string, sentAt time.Time) *Ack {
	return &Ack{id: id, sentAt: sentAt}
}

func (a *Ack) ID() string        { return a.id }
func (a *Ack) SentAt() time.Time { return a.sentAt }
