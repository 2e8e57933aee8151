// Package event defines the analytics event model as it travels from the
// client through the session buffer into a shard write.
package event

import (
	"encoding/json"
	"errors"
	"fmt"
)

const (
	TypeSessionStart = "session_start"
	TypeSessionEnd   = "session_end"

	ReasonTimeout = "timeout"
)

var ErrInvalid = errors.New("invalid event")

// Event is an opaque client event. SessionID and Timestamp are filled in by
// the session actor when absent and never changed afterwards.
type Event struct {
	Type      string          `json:"type"`
	Timestamp int64           `json:"timestamp"`
	SessionID string          `json:"session_id,omitempty"`
	Payload   json.RawMessage `json:"payload,omitempty"`
}

// UnmarshalJSON accepts "ts" as an alias of "timestamp".
func (e *Event) UnmarshalJSON(data []byte) error {
	type plain Event
	var in struct {
		plain
		TS *int64 `json:"ts"`
	}
	if err := json.Unmarshal(data, &in); err != nil {
		return err
	}
	*e = Event(in.plain)
	if e.Timestamp == 0 && in.TS != nil {
		e.Timestamp = *in.TS
	}
	return nil
}

func (e Event) Validate() error {
	if e.Type == "" {
		return fmt.Errorf("%w: missing type", ErrInvalid)
	}
	return nil
}

// IsMarker reports whether e is a synthetic lifecycle event.
func (e Event) IsMarker() bool {
	return e.Type == TypeSessionStart || e.Type == TypeSessionEnd
}

// Enrich fills SessionID and Timestamp when absent.
func (e Event) Enrich(sessionID string, nowMs int64) Event {
	if e.SessionID == "" {
		e.SessionID = sessionID
	}
	if e.Timestamp == 0 {
		e.Timestamp = nowMs
	}
	return e
}

func SessionStart(sessionID string, ts int64) Event {
	return Event{Type: TypeSessionStart, Timestamp: ts, SessionID: sessionID}
}

func SessionEnd(sessionID string, ts int64, reason string) Event {
	payload, _ := json.Marshal(struct {
		Reason string `json:"reason"`
	}{Reason: reason})
	return Event{Type: TypeSessionEnd, Timestamp: ts, SessionID: sessionID, Payload: payload}
}

// ValidateAll rejects the whole batch if any event is invalid.
func ValidateAll(events []Event) error {
	for i, e := range events {
		if err := e.Validate(); err != nil {
			return fmt.Errorf("event %d: %w", i, err)
		}
	}
	return nil
}

// CountReal counts events that are not lifecycle markers.
func CountReal(events []Event) int {
	n := 0
	for _, e := range events {
		if !e.IsMarker() {
			n++
		}
	}
	return n
}
