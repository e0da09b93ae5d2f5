package backend

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
)

// ErrBlankLine is returned by ParseEvent for whitespace-only lines.
var ErrBlankLine = errors.New("blank line")

// StreamEvent is one line of the backend event stream.
type StreamEvent struct {
	CorrelationID string
	// Payload is the full line exactly as received.
	Payload json.RawMessage
}

// MarshalJSON emits the received line unchanged.
func (e StreamEvent) MarshalJSON() ([]byte, error) {
	if len(e.Payload) == 0 {
		return []byte("null"), nil
	}
	return e.Payload, nil
}

// ParseEvent decodes one stream line. The line must be a JSON object with a string "cid".
func ParseEvent(line []byte) (StreamEvent, error) {
	line = bytes.TrimSpace(line)
	if len(line) == 0 {
		return StreamEvent{}, ErrBlankLine
	}
	var fields map[string]json.RawMessage
	if err := json.Unmarshal(line, &fields); err != nil {
		return StreamEvent{}, fmt.Errorf("decode event: %w", err)
	}
	raw, ok := fields["cid"]
	if !ok {
		return StreamEvent{}, errors.New("event has no cid")
	}
	var cid string
	if err := json.Unmarshal(raw, &cid); err != nil || cid == "" {
		return StreamEvent{}, errors.New("event cid is not a non-empty string")
	}
	payload := make(json.RawMessage, len(line))
	copy(payload, line)
	return StreamEvent{CorrelationID: cid, Payload: payload}, nil
}
