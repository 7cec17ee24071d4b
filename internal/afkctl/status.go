package afkctl

import (
	"encoding/json"
	"fmt"
	"net/http"
	"time"
)

type EndpointJSON struct {
	Host string `json:"host"`
	Port int    `json:"port"`
}

type StatusJSON struct {
	State                string        `json:"state"`
	Since                time.Time     `json:"since"`
	Endpoint             EndpointJSON  `json:"endpoint"`
	Username             string        `json:"username"`
	AttemptID            string        `json:"attempt_id,omitempty"`
	Attempts             int           `json:"attempts"`
	ConsecutiveFailures  int           `json:"consecutive_failures"`
	RetryAt              time.Time     `json:"retry_at"`
	RetryDelay           time.Duration `json:"retry_delay_ns"`
	ConnectedSince       time.Time     `json:"connected_since"`
	LastDisconnectReason string        `json:"last_disconnect_reason,omitempty"`
	UptimeSeconds        float64       `json:"uptime_seconds"`
}

type RecordJSON struct {
	ID         string        `json:"id"`
	AttemptID  string        `json:"attempt_id"`
	EventType  string        `json:"event_type"`
	FromState  string        `json:"from_state"`
	ToState    string        `json:"to_state"`
	Reason     string        `json:"reason,omitempty"`
	RetryDelay time.Duration `json:"retry_delay_ns"`
	OccurredAt time.Time     `json:"occurred_at"`
}

type ComponentJSON struct {
	Status string `json:"status"`
	Error  string `json:"error,omitempty"`
}

type ReadinessJSON struct {
	Status     string                   `json:"status"`
	Components map[string]ComponentJSON `json:"components"`
	Timestamp  time.Time                `json:"timestamp"`
}

// Ready reports whether the readiness check passed.
func (r *ReadinessJSON) Ready() bool {
	return r.Status == "healthy"
}

func GetStatus(client *HTTPClient) (*StatusJSON, error) {
	body, err := client.Get("/api/v1/status")
	if err != nil {
		return nil, err
	}

	var status StatusJSON
	if err := ParseResponse(body, &status); err != nil {
		return nil, err
	}
	return &status, nil
}

func GetHistory(client *HTTPClient, limit int) ([]RecordJSON, error) {
	path := "/api/v1/history"
	if limit > 0 {
		path += fmt.Sprintf("?limit=%d", limit)
	}

	body, err := client.Get(path)
	if err != nil {
		return nil, err
	}

	var records []RecordJSON
	if err := ParseResponse(body, &records); err != nil {
		return nil, err
	}
	return records, nil
}

// GetReadiness returns the readiness report. A 503 still carries a report
// and is not an error.
func GetReadiness(client *HTTPClient) (*ReadinessJSON, error) {
	status, body, err := client.get("/readyz")
	if err != nil {
		return nil, err
	}
	if status != http.StatusOK && status != http.StatusServiceUnavailable {
		return nil, client.parseError(status, body)
	}

	var result ReadinessJSON
	if err := json.Unmarshal(body, &result); err != nil {
		return nil, fmt.Errorf("failed to parse readiness: %w", err)
	}
	return &result, nil
}
