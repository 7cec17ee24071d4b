package monitor

import (
	"context"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/afkbot/afkbot/internal/agent"
	"github.com/afkbot/afkbot/internal/storage"
)

const historyQueueSize = 256

// HistoryStore is the subset of *storage.History used by the monitor.
type HistoryStore interface {
	Insert(ctx context.Context, rec storage.ConnectionRecord) (storage.ConnectionRecord, error)
	Recent(ctx context.Context, limit int) ([]storage.ConnectionRecord, error)
	LastDisconnect(ctx context.Context) (storage.ConnectionRecord, bool, error)
}

// HistoryRecorder writes one row per supervisor update on its own
// goroutine so the run loop never waits on sqlite.
type HistoryRecorder struct {
	store  HistoryStore
	logger *zap.Logger
	queue  chan storage.ConnectionRecord
	done   chan struct{}

	mu     sync.Mutex
	closed bool
}

func NewHistoryRecorder(store HistoryStore, logger *zap.Logger) *HistoryRecorder {
	if logger == nil {
		logger = zap.NewNop()
	}
	r := &HistoryRecorder{
		store:  store,
		logger: logger,
		queue:  make(chan storage.ConnectionRecord, historyQueueSize),
		done:   make(chan struct{}),
	}
	go r.run()
	return r
}

// OnUpdate queues u for storage, dropping it when the queue is full.
func (r *HistoryRecorder) OnUpdate(u agent.Update) {
	rec := storage.ConnectionRecord{
		AttemptID:  u.AttemptID,
		EventType:  string(u.Event.Type),
		FromState:  u.From.String(),
		ToState:    u.To.String(),
		Reason:     u.Event.Reason,
		RetryDelay: u.Delay,
		OccurredAt: u.Event.At,
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if r.closed {
		return
	}
	select {
	case r.queue <- rec:
	default:
		r.logger.Warn("history queue full, dropping record", zap.String("event", rec.EventType))
	}
}

func (r *HistoryRecorder) run() {
	defer close(r.done)
	for rec := range r.queue {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		if _, err := r.store.Insert(ctx, rec); err != nil {
			r.logger.Error("failed to record connection event",
				zap.String("attempt_id", rec.AttemptID),
				zap.String("event", rec.EventType),
				zap.Error(err),
			)
		}
		cancel()
	}
}

// Close stops accepting updates and waits for queued rows to be written.
func (r *HistoryRecorder) Close() {
	r.mu.Lock()
	if !r.closed {
		r.closed = true
		close(r.queue)
	}
	r.mu.Unlock()
	<-r.done
}

var _ agent.Observer = (*HistoryRecorder)(nil)
