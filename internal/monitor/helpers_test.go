package monitor

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/afkbot/afkbot/internal/agent"
	"github.com/afkbot/afkbot/internal/shared"
	"github.com/afkbot/afkbot/internal/storage"
)

type fakeSource struct {
	mu sync.Mutex
	st agent.Status
}

func newFakeSource(state agent.State) *fakeSource {
	return &fakeSource{st: agent.Status{
		State:    state,
		Since:    time.Now().Add(-time.Minute),
		Endpoint: shared.Endpoint{Host: "mc.example.net", Port: 25565},
		Username: "AFKBot",
	}}
}

func (f *fakeSource) Status() agent.Status {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.st
}

func (f *fakeSource) set(mutate func(*agent.Status)) {
	f.mu.Lock()
	defer f.mu.Unlock()
	mutate(&f.st)
}

type fakeHistory struct {
	mu      sync.Mutex
	records []storage.ConnectionRecord
	err     error
	pingErr error
}

func (f *fakeHistory) Insert(ctx context.Context, rec storage.ConnectionRecord) (storage.ConnectionRecord, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.err != nil {
		return storage.ConnectionRecord{}, f.err
	}
	f.records = append(f.records, rec)
	return rec, nil
}

func (f *fakeHistory) Recent(ctx context.Context, limit int) ([]storage.ConnectionRecord, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.err != nil {
		return nil, f.err
	}
	var out []storage.ConnectionRecord
	for i := len(f.records) - 1; i >= 0 && len(out) < limit; i-- {
		out = append(out, f.records[i])
	}
	return out, nil
}

func (f *fakeHistory) LastDisconnect(ctx context.Context) (storage.ConnectionRecord, bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.err != nil {
		return storage.ConnectionRecord{}, false, f.err
	}
	for i := len(f.records) - 1; i >= 0; i-- {
		if t := f.records[i].EventType; t == "lost" || t == "failed" {
			return f.records[i], true, nil
		}
	}
	return storage.ConnectionRecord{}, false, nil
}

func (f *fakeHistory) Ping(ctx context.Context) error {
	return f.pingErr
}

func (f *fakeHistory) count() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.records)
}

var errStore = errors.New("database is locked")
