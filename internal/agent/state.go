package agent

import (
	"fmt"
	"time"

	"github.com/afkbot/afkbot/internal/shared"
)

// State is the supervisor's position in the connection lifecycle.
type State int

const (
	StateIdle State = iota
	StateConnecting
	StateConnected
	StateAwaitingRetry
)

func (s State) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateConnecting:
		return "connecting"
	case StateConnected:
		return "connected"
	case StateAwaitingRetry:
		return "awaiting_retry"
	default:
		return "unknown"
	}
}

// MarshalText renders the state name in JSON payloads.
func (s State) MarshalText() ([]byte, error) {
	return []byte(s.String()), nil
}

// UnmarshalText parses a state name written by MarshalText.
func (s *State) UnmarshalText(text []byte) error {
	switch string(text) {
	case "idle":
		*s = StateIdle
	case "connecting":
		*s = StateConnecting
	case "connected":
		*s = StateConnected
	case "awaiting_retry":
		*s = StateAwaitingRetry
	default:
		return fmt.Errorf("unknown state %q", text)
	}
	return nil
}

// Status is a read-only snapshot of the supervisor.
type Status struct {
	State                State           `json:"state"`
	Since                time.Time       `json:"since"`
	Endpoint             shared.Endpoint `json:"endpoint"`
	Username             string          `json:"username"`
	AttemptID            string          `json:"attempt_id,omitempty"`
	Attempts             int             `json:"attempts"`
	ConsecutiveFailures  int             `json:"consecutive_failures"`
	RetryAt              time.Time       `json:"retry_at"`
	RetryDelay           time.Duration   `json:"retry_delay_ns"`
	ConnectedSince       time.Time       `json:"connected_since"`
	LastDisconnectReason string          `json:"last_disconnect_reason,omitempty"`
}

// Uptime is how long the current connection has been joined.
func (s Status) Uptime(now time.Time) time.Duration {
	if s.State != StateConnected || s.ConnectedSince.IsZero() {
		return 0
	}
	return now.Sub(s.ConnectedSince)
}

// Update describes one processed event. From equals To for events that
// did not move the state machine.
type Update struct {
	AttemptID string
	Event     shared.ConnectionEvent
	From      State
	To        State
	// Delay is set when the update scheduled a retry.
	Delay  time.Duration
	Status Status
}

// Observer receives every Update from the supervisor's run loop. OnUpdate
// must not block; slow work belongs on the observer's own goroutine.
type Observer interface {
	OnUpdate(Update)
}

// ObserverFunc adapts a function to Observer.
type ObserverFunc func(Update)

func (f ObserverFunc) OnUpdate(u Update) { f(u) }
