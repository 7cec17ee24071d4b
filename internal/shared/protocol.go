package shared

import (
	"encoding/json"
	"errors"
	"fmt"
	"time"
)

// FeedVersion is the version stamped on every state feed envelope.
const FeedVersion = 1

var (
	ErrUnsupportedVersion = errors.New("unsupported feed version")
	ErrMissingType        = errors.New("missing required field: type")
	ErrMissingTimestamp   = errors.New("missing required field: timestamp")
)

// MessageType names the payload carried by an Envelope.
type MessageType string

const (
	MessageTypeStatus MessageType = "status"
	MessageTypeEvent  MessageType = "event"
)

// Envelope wraps every message pushed to state feed subscribers.
type Envelope struct {
	Version   int             `json:"version"`
	Type      string          `json:"type"`
	Timestamp int64           `json:"timestamp"`
	Payload   json.RawMessage `json:"payload"`
}

// NewEnvelope marshals payload and stamps it with the current time.
func NewEnvelope(msgType MessageType, payload interface{}) (*Envelope, error) {
	raw, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("marshal payload: %w", err)
	}
	return &Envelope{
		Version:   FeedVersion,
		Type:      string(msgType),
		Timestamp: time.Now().Unix(),
		Payload:   raw,
	}, nil
}

// MarshalEnvelope converts an Envelope to JSON bytes
func MarshalEnvelope(env *Envelope) ([]byte, error) {
	if err := validateEnvelope(env); err != nil {
		return nil, err
	}
	return json.Marshal(env)
}

// UnmarshalEnvelope converts JSON bytes to an Envelope with validation
func UnmarshalEnvelope(data []byte) (*Envelope, error) {
	var env Envelope
	if err := json.Unmarshal(data, &env); err != nil {
		return nil, fmt.Errorf("failed to unmarshal envelope: %w", err)
	}
	if err := validateEnvelope(&env); err != nil {
		return nil, err
	}
	return &env, nil
}

func validateEnvelope(env *Envelope) error {
	if env.Version != FeedVersion {
		return fmt.Errorf("%w: got %d, expected %d", ErrUnsupportedVersion, env.Version, FeedVersion)
	}
	if env.Type == "" {
		return ErrMissingType
	}
	if env.Timestamp == 0 {
		return ErrMissingTimestamp
	}
	return nil
}
