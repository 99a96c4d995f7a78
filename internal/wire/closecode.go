// SPDX-License-Identifier: MIT

// Package wire implements the claimgate WebSocket wire protocol: the
// event/ack message model, the frame codec, and the close-code taxonomy
// used to report protocol violations to the peer.
package wire

import (
	"fmt"

	"github.com/gorilla/websocket"
)

// TextFrame is the only frame type the protocol accepts.
const TextFrame = websocket.TextMessage

// CloseCode is a WebSocket close code carried on connection termination.
// Application-defined violations live in the 4000 range; ratelimit abuse
// maps to the standard policy-violation code.
type CloseCode int

const (
	CloseTokenExpired     CloseCode = 4000
	CloseInvalidFrameType CloseCode = 4001
	CloseInvalidJSON      CloseCode = 4002
	CloseMissingField     CloseCode = 4003
	CloseInvalidType      CloseCode = 4004
	CloseInvalidValue     CloseCode = 4005
	CloseDuplicateEventID CloseCode = 4006
	CloseAckTimeout       CloseCode = 4007
	CloseUnknownEvent     CloseCode = 4008
	CloseFatalEvent       CloseCode = 4009
	CloseInternalError    CloseCode = 4999

	// CloseRatelimitExceeded is the standard policy-violation code (1008).
	CloseRatelimitExceeded CloseCode = websocket.ClosePolicyViolation

	// CloseGoingAway is sent on orderly server shutdown.
	CloseGoingAway CloseCode = websocket.CloseGoingAway
)

var closeCodeNames = map[CloseCode]string{
	CloseTokenExpired:      "token_expired",
	CloseInvalidFrameType:  "invalid_frame_type",
	CloseInvalidJSON:       "invalid_json",
	CloseMissingField:      "missing_field",
	CloseInvalidType:       "invalid_type",
	CloseInvalidValue:      "invalid_value",
	CloseDuplicateEventID:  "duplicate_event_id",
	CloseAckTimeout:        "ack_timeout",
	CloseUnknownEvent:      "unknown_event",
	CloseFatalEvent:        "fatal_event",
	CloseInternalError:     "internal_error",
	CloseRatelimitExceeded: "ratelimit_exceeded",
	CloseGoingAway:         "going_away",
}

// String returns the snake_case name of the code, or its numeric value for
// codes outside the claimgate taxonomy.
func (c CloseCode) String() string {
	if name, ok := closeCodeNames[c]; ok {
		return name
	}
	return fmt.Sprintf("close_%d", int(c))
}

// ProtocolError is a fatal protocol violation. It is never retried: the
// connection owning it transitions to Closing with the carried code.
type ProtocolError struct {
	Code CloseCode
}

func (e *ProtocolError) Error() string {
	return fmt.Sprintf("protocol violation: %d %s", int(e.Code), e.Code)
}

// NewProtocolError wraps a close code in a ProtocolError.
func NewProtocolError(code CloseCode) *ProtocolError {
	return &ProtocolError{Code: code}
}
