// SPDX-License-Identifier: MIT

package wire

import (
	"encoding/json"
	"time"

	"github.com/gorilla/websocket"
)

// Decode validates one raw inbound frame and produces a typed Message.
// Validation is staged; each stage short-circuits to a distinct close code:
//
//	non-text frame        -> 4001 InvalidFrameType
//	not a JSON object     -> 4002 InvalidJSON
//	required field absent -> 4003 MissingField
//	field of wrong type   -> 4004 InvalidType
//	unrecognised value    -> 4005 InvalidValue
//
// Decode performs no I/O and is deterministic for a given input.
func Decode(frameType int, data []byte) (Message, error) {
	if frameType != websocket.TextMessage {
		return nil, NewProtocolError(CloseInvalidFrameType)
	}

	var obj map[string]any
	if err := json.Unmarshal(data, &obj); err != nil || obj == nil {
		return nil, NewProtocolError(CloseInvalidJSON)
	}

	typ, err := requireString(obj, "type")
	if err != nil {
		return nil, err
	}

	switch MessageType(typ) {
	case TypeEvent:
		return decodeEvent(obj)
	case TypeAck:
		return decodeAck(obj)
	default:
		return nil, NewProtocolError(CloseInvalidValue)
	}
}

func decodeBase(obj map[string]any) (id string, sentAt time.Time, err error) {
	id, err = requireString(obj, "id")
	if err != nil {
		return "", time.Time{}, err
	}
	raw, err := requireString(obj, "sent_at")
	if err != nil {
		return "", time.Time{}, err
	}
	sentAt, terr := DecodeTime(raw)
	if terr != nil {
		return "", time.Time{}, NewProtocolError(CloseInvalidValue)
	}
	return id, sentAt, nil
}

func decodeEvent(obj map[string]any) (*Event, error) {
	id, sentAt, err := decodeBase(obj)
	if err != nil {
		return nil, err
	}

	rawStatus, err := requireString(obj, "status")
	if err != nil {
		return nil, err
	}
	status := Status(rawStatus)
	if !status.valid() {
		return nil, NewProtocolError(CloseInvalidValue)
	}

	var reason string
	if raw, ok := obj["reason"]; ok && raw != nil {
		s, ok := raw.(string)
		if !ok {
			return nil, NewProtocolError(CloseInvalidType)
		}
		reason = s
	}
	// reason and status must agree in both directions.
	if status == StatusNormal && reason != "" {
		return nil, NewProtocolError(CloseInvalidValue)
	}
	if status != StatusNormal && reason == "" {
		return nil, NewProtocolError(CloseMissingField)
	}

	rawPayload, ok := obj["payload"]
	if !ok {
		return nil, NewProtocolError(CloseMissingField)
	}
	payload, ok := rawPayload.(map[string]any)
	if !ok {
		return nil, NewProtocolError(CloseInvalidType)
	}

	return &Event{id: id, sentAt: sentAt, status: status, reason: reason, payload: payload}, nil
}

func decodeAck(obj map[string]any) (*Ack, error) {
	id, sentAt, err := decodeBase(obj)
	if err != nil {
		return nil, err
	}
	return &Ack{id: id, sentAt: sentAt}, nil
}

func requireString(obj map[string]any, key string) (string, error) {
	raw, ok := obj[key]
	if !ok || raw == nil {
		return "", NewProtocolError(CloseMissingField)
	}
	s, ok := raw.(string)
	if !ok {
		return "", NewProtocolError(CloseInvalidType)
	}
	return s, nil
}

// Encode renders a Message as a wire frame. The inverse of Decode for
// well-formed messages.
func Encode(m Message) ([]byte, error) {
	switch msg := m.(type) {
	case *Event:
		obj := map[string]any{
			"type":    string(TypeEvent),
			"id":      msg.id,
			"sent_at": EncodeTime(msg.sentAt),
			"status":  string(msg.status),
			"payload": msg.payload,
		}
		if msg.reason != "" {
			obj["reason"] = msg.reason
		}
		return json.Marshal(obj)
	case *Ack:
		return json.Marshal(map[string]any{
			"type":    string(TypeAck),
			"id":      msg.id,
			"sent_at": EncodeTime(msg.sentAt),
		})
	default:
		return nil, NewProtocolError(CloseInternalError)
	}
}
