package monitor

import (
	"context"
	"crypto/subtle"
	"net/http"
	"strings"
	"sync"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/afkbot/afkbot/internal/agent"
	"github.com/afkbot/afkbot/internal/shared"
)

// StatusSource is satisfied by *agent.Supervisor.
type StatusSource interface {
	Status() agent.Status
}

// eventPayload is the body of an "event" envelope on the state feed.
type eventPayload struct {
	AttemptID string       `json:"attempt_id"`
	Event     string       `json:"event"`
	Reason    string       `json:"reason,omitempty"`
	From      agent.State  `json:"from"`
	To        agent.State  `json:"to"`
	DelayMS   int64        `json:"delay_ms,omitempty"`
	Status    agent.Status `json:"status"`
}

// Hub pushes supervisor updates to websocket subscribers using the Gorilla
// hub pattern. Each subscriber first receives a "status" envelope, then one
// "event" envelope per processed update.
type Hub struct {
	clients    map[*subscriber]struct{}
	register   chan *subscriber
	unregister chan *subscriber
	broadcast  chan []byte

	authToken string
	source    StatusSource
	upgrader  websocket.Upgrader
	logger    *zap.Logger
	metrics   *Metrics
	mu        sync.RWMutex
	ctx       context.Context
}

func NewHub(ctx context.Context, authToken string, source StatusSource, logger *zap.Logger) *Hub {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Hub{
		clients:    make(map[*subscriber]struct{}),
		register:   make(chan *subscriber),
		unregister: make(chan *subscriber),
		broadcast:  make(chan []byte, 256),
		authToken:  authToken,
		source:     source,
		upgrader:   websocket.Upgrader{},
		logger:     logger,
		metrics:    GetMetrics(),
		ctx:        ctx,
	}
}

func (h *Hub) Run() {
	for {
		select {
		case <-h.ctx.Done():
			h.mu.Lock()
			for sub := range h.clients {
				close(sub.send)
				sub.conn.Close()
				delete(h.clients, sub)
			}
			h.mu.Unlock()
			h.metrics.SetFeedClients(0)
			return

		case sub := <-h.register:
			h.mu.Lock()
			h.clients[sub] = struct{}{}
			n := len(h.clients)
			h.mu.Unlock()
			h.metrics.SetFeedClients(n)
			h.logger.Debug("state feed subscriber registered", zap.String("subscriber_id", sub.id))

		case sub := <-h.unregister:
			h.mu.Lock()
			if _, ok := h.clients[sub]; ok {
				delete(h.clients, sub)
				close(sub.send)
			}
			n := len(h.clients)
			h.mu.Unlock()
			h.metrics.SetFeedClients(n)
			h.logger.Debug("state feed subscriber unregistered", zap.String("subscriber_id", sub.id))

		case msg := <-h.broadcast:
			h.mu.Lock()
			for sub := range h.clients {
				select {
				case sub.send <- msg:
				default:
					h.logger.Warn("dropping slow state feed subscriber", zap.String("subscriber_id", sub.id))
					close(sub.send)
					delete(h.clients, sub)
				}
			}
			h.mu.Unlock()
		}
	}
}

// OnUpdate queues an event envelope for every subscriber without blocking.
func (h *Hub) OnUpdate(u agent.Update) {
	env, err := shared.NewEnvelope(shared.MessageTypeEvent, eventPayload{
		AttemptID: u.AttemptID,
		Event:     string(u.Event.Type),
		Reason:    u.Event.Reason,
		From:      u.From,
		To:        u.To,
		DelayMS:   u.Delay.Milliseconds(),
		Status:    u.Status,
	})
	if err != nil {
		h.logger.Error("failed to build state feed event", zap.Error(err))
		return
	}
	data, err := shared.MarshalEnvelope(env)
	if err != nil {
		h.logger.Error("failed to marshal state feed event", zap.Error(err))
		return
	}

	select {
	case h.broadcast <- data:
	default:
		h.logger.Warn("state feed broadcast buffer full, dropping update",
			zap.String("event", u.Event.String()))
	}
}

func tokenMatches(got, want string) bool {
	return subtle.ConstantTimeCompare([]byte(got), []byte(want)) == 1
}

// ServeWS upgrades the request after checking the bearer token (header or
// ?token=). An empty token disables the check.
func (h *Hub) ServeWS(w http.ResponseWriter, r *http.Request) {
	if h.authToken != "" {
		token := ""
		if authHeader := r.Header.Get("Authorization"); strings.HasPrefix(authHeader, "Bearer ") {
			token = strings.TrimPrefix(authHeader, "Bearer ")
		} else {
			token = r.URL.Query().Get("token")
		}
		if !tokenMatches(token, h.authToken) {
			http.Error(w, "Unauthorized", http.StatusUnauthorized)
			return
		}
	}

	conn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.logger.Error("websocket upgrade failed", zap.Error(err))
		return
	}

	sub := newSubscriber(h, conn)
	if h.source != nil {
		if data, err := h.statusMessage(); err == nil {
			sub.send <- data
		} else {
			h.logger.Warn("failed to build status snapshot", zap.Error(err))
		}
	}

	select {
	case h.register <- sub:
	case <-h.ctx.Done():
		conn.Close()
		return
	}

	go sub.writePump()
	go sub.readPump()
}

func (h *Hub) statusMessage() ([]byte, error) {
	env, err := shared.NewEnvelope(shared.MessageTypeStatus, h.source.Status())
	if err != nil {
		return nil, err
	}
	return shared.MarshalEnvelope(env)
}

func (h *Hub) ClientCount() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.clients)
}

// Alive reports whether Run is still serving.
func (h *Hub) Alive() bool {
	return h.ctx.Err() == nil
}

var _ agent.Observer = (*Hub)(nil)
