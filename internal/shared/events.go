package shared

import (
	"fmt"
	"time"
)

// EventType classifies a lifecycle signal from the protocol client.
type EventType string

const (
	EventConnecting     EventType = "connecting"
	EventEstablished    EventType = "established"
	EventLoginSucceeded EventType = "login_succeeded"
	EventJoined         EventType = "joined"
	EventLost           EventType = "lost"
	EventFailed         EventType = "failed"
)

// ConnectionEvent is one lifecycle signal for a single connection attempt.
// Reason is only meaningful for Lost and Failed.
type ConnectionEvent struct {
	Type   EventType `json:"type"`
	Reason string    `json:"reason,omitempty"`
	At     time.Time `json:"at"`
}

func Connecting() ConnectionEvent {
	return ConnectionEvent{Type: EventConnecting, At: time.Now()}
}

func Established() ConnectionEvent {
	return ConnectionEvent{Type: EventEstablished, At: time.Now()}
}

func LoginSucceeded() ConnectionEvent {
	return ConnectionEvent{Type: EventLoginSucceeded, At: time.Now()}
}

func Joined() ConnectionEvent {
	return ConnectionEvent{Type: EventJoined, At: time.Now()}
}

// Lost reports that an established connection was dropped.
func Lost(reason string) ConnectionEvent {
	return ConnectionEvent{Type: EventLost, Reason: reason, At: time.Now()}
}

// Failed reports that an attempt never got established.
func Failed(reason string) ConnectionEvent {
	return ConnectionEvent{Type: EventFailed, Reason: reason, At: time.Now()}
}

// Terminal reports whether the event ends the attempt.
func (e ConnectionEvent) Terminal() bool {
	return e.Type == EventLost || e.Type == EventFailed
}

// Informational events are logged but never move the state machine.
func (e ConnectionEvent) Informational() bool {
	switch e.Type {
	case EventConnecting, EventEstablished, EventLoginSucceeded:
		return true
	}
	return false
}

func (e ConnectionEvent) String() string {
	if e.Reason == "" {
		return string(e.Type)
	}
	return fmt.Sprintf("%s(%s)", e.Type, e.Reason)
}
