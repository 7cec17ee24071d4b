package monitor

import (
	"encoding/json"
	"net/http"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"

	"github.com/afkbot/afkbot/internal/agent"
	"github.com/afkbot/afkbot/internal/storage"
)

const maxHistoryLimit = 500

// HTTPAPI serves the status surface on STATUS_PORT.
type HTTPAPI struct {
	source        StatusSource
	history       HistoryStore
	hub           *Hub
	healthChecker *HealthChecker
	logger        *zap.Logger
	now           func() time.Time
}

// NewHTTPAPI creates the status API. history and hub may be nil.
func NewHTTPAPI(source StatusSource, history HistoryStore, hub *Hub, logger *zap.Logger) *HTTPAPI {
	if logger == nil {
		logger = zap.NewNop()
	}
	var pinger Pinger
	if p, ok := history.(Pinger); ok {
		pinger = p
	}
	return &HTTPAPI{
		source:        source,
		history:       history,
		hub:           hub,
		healthChecker: NewHealthChecker(source, pinger, hub),
		logger:        logger,
		now:           time.Now,
	}
}

func (a *HTTPAPI) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("GET /healthz", a.handleLiveness)
	mux.HandleFunc("GET /readyz", a.handleReadiness)
	mux.Handle("GET /metrics", promhttp.Handler())
	mux.HandleFunc("GET /api/v1/status", a.handleStatus)
	mux.HandleFunc("GET /api/v1/history", a.handleHistory)
	if a.hub != nil {
		mux.HandleFunc("GET /ws/state", a.hub.ServeWS)
	}
	return mux
}

type apiResponse struct {
	Data interface{} `json:"data"`
	Meta *apiMeta    `json:"meta,omitempty"`
}

type apiMeta struct {
	Count int `json:"count"`
	Limit int `json:"limit"`
}

type apiError struct {
	Error string `json:"error"`
	Code  string `json:"code"`
}

type statusJSON struct {
	agent.Status
	UptimeSeconds float64 `json:"uptime_seconds"`
}

func (a *HTTPAPI) handleLiveness(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, a.healthChecker.CheckLiveness(r.Context()))
}

func (a *HTTPAPI) handleReadiness(w http.ResponseWriter, r *http.Request) {
	result := a.healthChecker.CheckReadiness(r.Context())
	statusCode := http.StatusOK
	if result.Status != HealthHealthy {
		statusCode = http.StatusServiceUnavailable
	}
	writeJSON(w, statusCode, result)
}

func (a *HTTPAPI) handleStatus(w http.ResponseWriter, r *http.Request) {
	if a.source == nil {
		writeError(w, http.StatusServiceUnavailable, "supervisor not configured", "UNAVAILABLE")
		return
	}
	st := a.source.Status()
	writeJSON(w, http.StatusOK, apiResponse{Data: statusJSON{
		Status:        st,
		UptimeSeconds: st.Uptime(a.now()).Seconds(),
	}})
}

func (a *HTTPAPI) handleHistory(w http.ResponseWriter, r *http.Request) {
	if a.history == nil {
		writeError(w, http.StatusNotFound, "history is disabled", "HISTORY_DISABLED")
		return
	}

	limit := parseIntParam(r.URL.Query().Get("limit"), storage.DefaultRecentLimit)
	if limit > maxHistoryLimit {
		limit = maxHistoryLimit
	}

	records, err := a.history.Recent(r.Context(), limit)
	if err != nil {
		a.logger.Error("failed to query history", zap.Error(err))
		writeError(w, http.StatusInternalServerError, "failed to query history", "INTERNAL")
		return
	}
	if records == nil {
		records = []storage.ConnectionRecord{}
	}
	writeJSON(w, http.StatusOK, apiResponse{
		Data: records,
		Meta: &apiMeta{Count: len(records), Limit: limit},
	})
}

func writeJSON(w http.ResponseWriter, status int, data interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(data)
}

func writeError(w http.ResponseWriter, status int, message string, code string) {
	writeJSON(w, status, apiError{Error: message, Code: code})
}

func parseIntParam(s string, defaultVal int) int {
	if s == "" {
		return defaultVal
	}
	v, err := strconv.Atoi(s)
	if err != nil || v <= 0 {
		return defaultVal
	}
	return v
}
