package monitor

import (
	"context"
	"time"

	"github.com/afkbot/afkbot/internal/agent"
)

// ComponentStatus represents the health status of a component
type ComponentStatus string

const (
	StatusOK          ComponentStatus = "ok"
	StatusError       ComponentStatus = "error"
	StatusUnavailable ComponentStatus = "unavailable"
)

// HealthStatus represents the overall health status
type HealthStatus string

const (
	HealthHealthy   HealthStatus = "healthy"
	HealthDegraded  HealthStatus = "degraded"
	HealthUnhealthy HealthStatus = "unhealthy"
)

// ComponentHealth holds the health status of a single component
type ComponentHealth struct {
	Status ComponentStatus `json:"status"`
	Error  string          `json:"error,omitempty"`
}

// HealthCheckResult holds the result of a health check
type HealthCheckResult struct {
	Status     HealthStatus               `json:"status"`
	Components map[string]ComponentHealth `json:"components"`
	Timestamp  time.Time                  `json:"timestamp"`
}

// Pinger is implemented by *storage.History.
type Pinger interface {
	Ping(ctx context.Context) error
}

// HealthChecker reports readiness from the supervisor state and the
// optional history store and state feed.
type HealthChecker struct {
	source  StatusSource
	history Pinger
	hub     *Hub
}

// NewHealthChecker creates a health checker. history and hub may be nil.
func NewHealthChecker(source StatusSource, history Pinger, hub *Hub) *HealthChecker {
	return &HealthChecker{source: source, history: history, hub: hub}
}

// CheckLiveness always reports healthy while the process can answer.
func (hc *HealthChecker) CheckLiveness(ctx context.Context) HealthCheckResult {
	return HealthCheckResult{
		Status:     HealthHealthy,
		Components: map[string]ComponentHealth{},
		Timestamp:  time.Now().UTC(),
	}
}

// CheckReadiness is healthy only while the bot is joined. Optional
// components that are not configured do not degrade the result.
func (hc *HealthChecker) CheckReadiness(ctx context.Context) HealthCheckResult {
	components := map[string]ComponentHealth{
		"supervisor": hc.checkSupervisor(),
	}
	if hc.history != nil {
		components["history"] = hc.checkHistory(ctx)
	}
	if hc.hub != nil {
		components["state_feed"] = hc.checkHub()
	}

	overall := HealthHealthy
	for _, comp := range components {
		if comp.Status == StatusError {
			overall = HealthUnhealthy
			break
		}
		if comp.Status == StatusUnavailable {
			overall = HealthDegraded
		}
	}

	return HealthCheckResult{
		Status:     overall,
		Components: components,
		Timestamp:  time.Now().UTC(),
	}
}

func (hc *HealthChecker) checkSupervisor() ComponentHealth {
	if hc.source == nil {
		return ComponentHealth{Status: StatusError, Error: "supervisor not configured"}
	}
	st := hc.source.Status()
	if st.State == agent.StateConnected {
		return ComponentHealth{Status: StatusOK}
	}
	msg := "not connected: " + st.State.String()
	if st.LastDisconnectReason != "" {
		msg += " (" + st.LastDisconnectReason + ")"
	}
	return ComponentHealth{Status: StatusUnavailable, Error: msg}
}

func (hc *HealthChecker) checkHistory(ctx context.Context) ComponentHealth {
	ctx, cancel := context.WithTimeout(ctx, 2*time.Second)
	defer cancel()
	if err := hc.history.Ping(ctx); err != nil {
		return ComponentHealth{Status: StatusError, Error: err.Error()}
	}
	return ComponentHealth{Status: StatusOK}
}

func (hc *HealthChecker) checkHub() ComponentHealth {
	if !hc.hub.Alive() {
		return ComponentHealth{Status: StatusError, Error: "state feed stopped"}
	}
	return ComponentHealth{Status: StatusOK}
}
