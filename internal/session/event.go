package session

import (
	"context"
	"encoding/json"
	"fmt"
	"time"
)

// EventType classifies session lifecycle events.
type EventType int

const (
	EventCreated EventType = iota // session registered
	EventActive                   // offer answered, media flowing
	EventCleanup                  // teardown started
	EventClosed                   // teardown finished, session removed
	EventError                    // a request failed
)

var eventTypeNames = map[EventType]string{
	EventCreated: "created",
	EventActive:  "active",
	EventCleanup: "cleanup",
	EventClosed:  "closed",
	EventError:   "error",
}

func (t EventType) String() string {
	if s, ok := eventTypeNames[t]; ok {
		return s
	}
	return fmt.Sprintf("event(%d)", int(t))
}

func (t EventType) MarshalJSON() ([]byte, error) {
	return json.Marshal(t.String())
}

func (t *EventType) UnmarshalJSON(data []byte) error {
	var s string
	if err := json.Unmarshal(data, &s); err != nil {
		return err
	}
	parsed, ok := ParseEventType(s)
	if !ok {
		return fmt.Errorf("unknown event type %q", s)
	}
	*t = parsed
	return nil
}

// ParseEventType is the inverse of EventType.String.
func ParseEventType(s string) (EventType, bool) {
	for t, name := range eventTypeNames {
		if name == s {
			return t, true
		}
	}
	return 0, false
}

// Reasons a session is cleaned up.
const (
	ReasonClientStop      = "client-stop"
	ReasonStale           = "stale"
	ReasonWorkerExited    = "worker-exited"
	ReasonOfferFailed     = "offer-failed"
	ReasonProtocolFailure = "protocol-failure"
	ReasonShutdown        = "shutdown"
)

// Event is one entry in a session's lifecycle history.
type Event struct {
	Type      EventType `json:"type"`
	SessionID string    `json:"sessionId"`
	Kind      string    `json:"kind"`
	Variant   string    `json:"variant"`
	Reason    string    `json:"reason,omitempty"`
	Detail    string    `json:"detail,omitempty"`
	At        time.Time `json:"at"`
}

// Recorder persists lifecycle events.
type Recorder interface {
	Record(ctx context.Context, ev Event) error
}
