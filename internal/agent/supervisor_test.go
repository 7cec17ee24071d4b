package agent

import (
	"context"
	"errors"
	"net"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"go.uber.org/zap"

	"github.com/afkbot/afkbot/internal/shared"
)

// --- test doubles ---

type fakeTimer struct {
	clock   *fakeClock
	delay   time.Duration
	f       func()
	stopped bool
	fired   bool
}

func (t *fakeTimer) Stop() bool {
	t.clock.mu.Lock()
	defer t.clock.mu.Unlock()
	active := !t.stopped && !t.fired
	t.stopped = true
	return active
}

type fakeClock struct {
	mu     sync.Mutex
	now    time.Time
	timers []*fakeTimer
}

func newFakeClock() *fakeClock {
	return &fakeClock{now: time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)}
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) AfterFunc(d time.Duration, f func()) Timer {
	c.mu.Lock()
	defer c.mu.Unlock()
	t := &fakeTimer{clock: c, delay: d, f: f}
	c.timers = append(c.timers, t)
	return t
}

// fire runs the most recently scheduled pending timer.
func (c *fakeClock) fire(t *testing.T) {
	t.Helper()
	c.mu.Lock()
	var pending *fakeTimer
	for i := len(c.timers) - 1; i >= 0; i-- {
		if !c.timers[i].stopped && !c.timers[i].fired {
			pending = c.timers[i]
			break
		}
	}
	if pending == nil {
		c.mu.Unlock()
		t.Fatal("no pending timer to fire")
	}
	pending.fired = true
	c.now = c.now.Add(pending.delay)
	c.mu.Unlock()
	pending.f()
}

func (c *fakeClock) delays() []time.Duration {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]time.Duration, len(c.timers))
	for i, t := range c.timers {
		out[i] = t.delay
	}
	return out
}

func (c *fakeClock) pending() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	n := 0
	for _, t := range c.timers {
		if !t.stopped && !t.fired {
			n++
		}
	}
	return n
}

type fakeAttempt struct {
	ctx    context.Context
	events chan shared.ConnectionEvent
}

type fakeClient struct {
	mu       sync.Mutex
	attempts []*fakeAttempt
	overlaps int
}

func (c *fakeClient) Connect(ctx context.Context, endpoint shared.Endpoint, identity shared.Identity) <-chan shared.ConnectionEvent {
	c.mu.Lock()
	defer c.mu.Unlock()
	for _, a := range c.attempts {
		if a.ctx.Err() == nil {
			c.overlaps++
		}
	}
	a := &fakeAttempt{ctx: ctx, events: make(chan shared.ConnectionEvent, 8)}
	c.attempts = append(c.attempts, a)
	return a.events
}

func (c *fakeClient) attempt(t *testing.T, i int) *fakeAttempt {
	t.Helper()
	c.mu.Lock()
	defer c.mu.Unlock()
	if i >= len(c.attempts) {
		t.Fatalf("attempt %d not started (have %d)", i, len(c.attempts))
	}
	return c.attempts[i]
}

func (c *fakeClient) calls() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.attempts)
}

func (c *fakeClient) overlapCount() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.overlaps
}

type recorder struct {
	updates chan Update
}

func newRecorder() *recorder {
	return &recorder{updates: make(chan Update, 64)}
}

func (r *recorder) OnUpdate(u Update) { r.updates <- u }

func (r *recorder) next(t *testing.T) Update {
	t.Helper()
	select {
	case u := <-r.updates:
		return u
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for supervisor update")
		return Update{}
	}
}

func (r *recorder) expect(t *testing.T, to State) Update {
	t.Helper()
	u := r.next(t)
	if u.To != to {
		t.Fatalf("expected transition to %s, got %s -> %s (event %s)", to, u.From, u.To, u.Event)
	}
	return u
}

func (r *recorder) expectQuiet(t *testing.T) {
	t.Helper()
	select {
	case u := <-r.updates:
		t.Fatalf("unexpected update: %s -> %s (event %s)", u.From, u.To, u.Event)
	case <-time.After(50 * time.Millisecond):
	}
}

type harness struct {
	sup    *Supervisor
	clock  *fakeClock
	client *fakeClient
	rec    *recorder
	cancel context.CancelFunc
}

func startHarness(t *testing.T, opts ...SupervisorOption) *harness {
	t.Helper()
	h := &harness{
		clock:  newFakeClock(),
		client: &fakeClient{},
		rec:    newRecorder(),
	}
	opts = append([]SupervisorOption{WithClock(h.clock)}, opts...)
	// The recorder goes last so other observers have run when a test sees an update.
	opts = append(opts, WithObserver(h.rec))
	h.sup = NewSupervisor(
		shared.Endpoint{Host: "mc.example.net", Port: 25565},
		shared.Identity{DisplayName: "AFKBot"},
		h.client,
		zap.NewNop(),
		opts...,
	)

	ctx, cancel := context.WithCancel(context.Background())
	h.cancel = cancel
	t.Cleanup(func() {
		cancel()
		<-h.sup.Done()
	})

	if err := h.sup.Start(ctx); err != nil {
		t.Fatalf("Start: %v", err)
	}
	h.rec.expect(t, StateConnecting)
	return h
}

func (h *harness) send(t *testing.T, attempt int, ev shared.ConnectionEvent) {
	t.Helper()
	h.client.attempt(t, attempt).events <- ev
}

// fail ends the given attempt with Failed and returns the retry update.
func (h *harness) fail(t *testing.T, attempt int, reason string) Update {
	t.Helper()
	h.send(t, attempt, shared.Failed(reason))
	return h.rec.expect(t, StateAwaitingRetry)
}

func (h *harness) retry(t *testing.T) Update {
	t.Helper()
	h.clock.fire(t)
	return h.rec.expect(t, StateConnecting)
}

// --- tests ---

func TestSupervisorStartsConnecting(t *testing.T) {
	h := startHarness(t)

	if h.sup.State() != StateConnecting {
		t.Errorf("state = %s, want connecting", h.sup.State())
	}
	if h.client.calls() != 1 {
		t.Errorf("connect calls = %d, want 1", h.client.calls())
	}

	st := h.sup.Status()
	if st.Attempts != 1 {
		t.Errorf("attempts = %d, want 1", st.Attempts)
	}
	if st.AttemptID == "" {
		t.Error("expected attempt ID")
	}
	if got := shared.AttemptIDFrom(h.client.attempt(t, 0).ctx); got != st.AttemptID {
		t.Errorf("attempt ctx carries %q, status has %q", got, st.AttemptID)
	}
}

func TestSupervisorExponentialSchedule(t *testing.T) {
	h := startHarness(t)

	want := []time.Duration{5, 10, 20, 40, 80, 160, 300, 300}
	for i, w := range want {
		u := h.fail(t, i, "connection refused")
		if u.Delay != w*time.Second {
			t.Errorf("failure %d: delay %v, want %v", i+1, u.Delay, w*time.Second)
		}
		if u.Status.ConsecutiveFailures != i+1 {
			t.Errorf("failure %d: consecutive failures %d", i+1, u.Status.ConsecutiveFailures)
		}
		h.retry(t)
	}

	if got := h.client.overlapCount(); got != 0 {
		t.Errorf("overlapping attempts: %d", got)
	}
	if h.client.calls() != len(want)+1 {
		t.Errorf("connect calls = %d, want %d", h.client.calls(), len(want)+1)
	}
}

func TestSupervisorResetsBackoffAfterJoin(t *testing.T) {
	h := startHarness(t)

	for i := 0; i < 3; i++ {
		h.fail(t, i, "timeout")
		h.retry(t)
	}

	h.send(t, 3, shared.Joined())
	u := h.rec.expect(t, StateConnected)
	if u.Status.ConsecutiveFailures != 0 {
		t.Errorf("consecutive failures after join = %d", u.Status.ConsecutiveFailures)
	}
	if u.Status.ConnectedSince.IsZero() {
		t.Error("expected connected_since to be set")
	}
	if !h.sup.Connected() {
		t.Error("expected Connected() to be true")
	}

	h.send(t, 3, shared.Lost("kicked"))
	u = h.rec.expect(t, StateAwaitingRetry)
	if u.Delay != DefaultMinDelay {
		t.Errorf("delay after successful join = %v, want %v", u.Delay, DefaultMinDelay)
	}
	if u.Status.LastDisconnectReason != "kicked" {
		t.Errorf("last disconnect reason = %q", u.Status.LastDisconnectReason)
	}
}

func TestSupervisorFixedPolicy(t *testing.T) {
	h := startHarness(t, WithBackoff(NewFixedBackoff(30*time.Second)))

	h.fail(t, 0, "refused")
	h.retry(t)
	h.send(t, 1, shared.Joined())
	h.rec.expect(t, StateConnected)
	h.send(t, 1, shared.Lost("server closed"))
	h.rec.expect(t, StateAwaitingRetry)
	h.retry(t)
	h.fail(t, 2, "refused")

	for i, d := range h.clock.delays() {
		if d != 30*time.Second {
			t.Errorf("timer %d: delay %v, want 30s", i, d)
		}
	}
}

func TestSupervisorInformationalEventsKeepState(t *testing.T) {
	h := startHarness(t)

	h.send(t, 0, shared.Established())
	u := h.rec.next(t)
	if u.From != StateConnecting || u.To != StateConnecting {
		t.Errorf("established moved state: %s -> %s", u.From, u.To)
	}
	h.send(t, 0, shared.LoginSucceeded())
	u = h.rec.next(t)
	if u.Event.Type != shared.EventLoginSucceeded || u.To != StateConnecting {
		t.Errorf("unexpected update %s -> %s (%s)", u.From, u.To, u.Event)
	}
	if h.clock.pending() != 0 {
		t.Error("informational event armed a retry timer")
	}
}

func TestSupervisorLostWhileConnecting(t *testing.T) {
	h := startHarness(t)

	h.send(t, 0, shared.Lost("kicked during login"))
	u := h.rec.expect(t, StateAwaitingRetry)
	if u.From != StateConnecting {
		t.Errorf("from = %s, want connecting", u.From)
	}
}

func TestSupervisorFailedWhileConnected(t *testing.T) {
	h := startHarness(t)

	h.send(t, 0, shared.Joined())
	h.rec.expect(t, StateConnected)
	h.send(t, 0, shared.Failed("protocol error"))
	u := h.rec.expect(t, StateAwaitingRetry)
	if u.From != StateConnected {
		t.Errorf("from = %s, want connected", u.From)
	}
}

func TestSupervisorStreamClosedWithoutTerminal(t *testing.T) {
	h := startHarness(t)

	close(h.client.attempt(t, 0).events)
	u := h.rec.expect(t, StateAwaitingRetry)
	if u.Event.Type != shared.EventFailed || u.Event.Reason != streamClosedReason {
		t.Errorf("event = %s, want failed(%s)", u.Event, streamClosedReason)
	}

	h.retry(t)
	h.send(t, 1, shared.Joined())
	h.rec.expect(t, StateConnected)
	close(h.client.attempt(t, 1).events)
	u = h.rec.expect(t, StateAwaitingRetry)
	if u.Event.Type != shared.EventLost {
		t.Errorf("event = %s, want lost", u.Event)
	}
}

func TestSupervisorSingleRetryPerAttempt(t *testing.T) {
	h := startHarness(t)

	a := h.client.attempt(t, 0)
	a.events <- shared.Failed("refused")
	a.events <- shared.Lost("late duplicate")
	close(a.events)

	h.rec.expect(t, StateAwaitingRetry)
	h.rec.expectQuiet(t)
	if n := h.clock.pending(); n != 1 {
		t.Errorf("pending timers = %d, want 1", n)
	}
}

func TestSupervisorDropsStaleEvents(t *testing.T) {
	h := startHarness(t)

	h.fail(t, 0, "refused")
	h.retry(t)

	// Attempt 0's stream is still open; anything it says now is stale.
	h.send(t, 0, shared.Joined())
	h.rec.expectQuiet(t)
	if h.sup.State() != StateConnecting {
		t.Fatalf("stale join changed state to %s", h.sup.State())
	}

	h.send(t, 1, shared.Joined())
	u := h.rec.expect(t, StateConnected)
	if u.Status.Attempts != 2 {
		t.Errorf("attempts = %d, want 2", u.Status.Attempts)
	}
}

func TestSupervisorRetryCancelsPreviousAttempt(t *testing.T) {
	h := startHarness(t)

	first := h.client.attempt(t, 0)
	h.fail(t, 0, "refused")
	if first.ctx.Err() == nil {
		t.Error("expected the failed attempt's context to be cancelled")
	}
}

func TestSupervisorStartValidation(t *testing.T) {
	tests := []struct {
		name     string
		endpoint shared.Endpoint
		identity shared.Identity
		client   ProtocolClient
		wantErr  error
	}{
		{"empty host", shared.Endpoint{Port: 25565}, shared.Identity{DisplayName: "bot"}, &fakeClient{}, ErrMissingEndpoint},
		{"bad port", shared.Endpoint{Host: "h", Port: 0}, shared.Identity{DisplayName: "bot"}, &fakeClient{}, ErrMissingEndpoint},
		{"empty name", shared.Endpoint{Host: "h", Port: 25565}, shared.Identity{}, &fakeClient{}, ErrMissingIdentity},
		{"nil client", shared.Endpoint{Host: "h", Port: 25565}, shared.Identity{DisplayName: "bot"}, nil, ErrNoClient},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			sup := NewSupervisor(tt.endpoint, tt.identity, tt.client, nil)
			err := sup.Start(context.Background())
			if !errors.Is(err, tt.wantErr) {
				t.Fatalf("Start error = %v, want %v", err, tt.wantErr)
			}
			if sup.State() != StateIdle {
				t.Errorf("state = %s, want idle", sup.State())
			}
			if fc, ok := tt.client.(*fakeClient); ok && fc.calls() != 0 {
				t.Errorf("connect called %d times", fc.calls())
			}
		})
	}
}

func TestSupervisorStartTwice(t *testing.T) {
	h := startHarness(t)
	if err := h.sup.Start(context.Background()); !errors.Is(err, ErrAlreadyStarted) {
		t.Errorf("second Start = %v, want ErrAlreadyStarted", err)
	}
}

func TestSupervisorStopsOnCancel(t *testing.T) {
	h := startHarness(t)
	h.fail(t, 0, "refused")

	h.cancel()
	select {
	case <-h.sup.Done():
	case <-time.After(2 * time.Second):
		t.Fatal("supervisor did not stop")
	}
	if h.clock.pending() != 0 {
		t.Error("retry timer still armed after shutdown")
	}
}

func TestSupervisorObserverPanicIsContained(t *testing.T) {
	var calls atomic.Int32
	panicky := ObserverFunc(func(Update) {
		calls.Add(1)
		panic("observer bug")
	})
	h := startHarness(t, WithObserver(panicky))

	h.fail(t, 0, "refused")
	h.retry(t)
	if calls.Load() < 3 {
		t.Errorf("panicking observer called %d times, want >= 3", calls.Load())
	}
}

func TestSupervisorPreflightProbe(t *testing.T) {
	var probed atomic.Bool
	dial := func(ctx context.Context, network, address string) (net.Conn, error) {
		probed.Store(true)
		return nil, errors.New("network unreachable")
	}
	h := startHarness(t, WithPreflightProbe(NewProber(dial, zap.NewNop()), time.Second))

	if !probed.Load() {
		t.Error("expected the probe to run before the first attempt")
	}
	if h.client.calls() != 1 {
		t.Errorf("probe failure blocked the attempt: %d calls", h.client.calls())
	}
}

func TestStatusUptime(t *testing.T) {
	now := time.Date(2024, 1, 1, 1, 0, 0, 0, time.UTC)
	st := Status{State: StateConnected, ConnectedSince: now.Add(-time.Hour)}
	if got := st.Uptime(now); got != time.Hour {
		t.Errorf("uptime = %v, want 1h", got)
	}
	st.State = StateAwaitingRetry
	if got := st.Uptime(now); got != 0 {
		t.Errorf("uptime while retrying = %v, want 0", got)
	}
}

func TestSupervisorAddObserver(t *testing.T) {
	client := &fakeClient{}
	sup := NewSupervisor(
		shared.Endpoint{Host: "mc.example.net", Port: 25565},
		shared.Identity{DisplayName: "AFKBot"},
		client,
		zap.NewNop(),
		WithClock(newFakeClock()),
	)
	rec := newRecorder()
	sup.AddObserver(rec)

	ctx, cancel := context.WithCancel(context.Background())
	defer func() {
		cancel()
		<-sup.Done()
	}()
	if err := sup.Start(ctx); err != nil {
		t.Fatalf("Start: %v", err)
	}
	rec.expect(t, StateConnecting)

	late := newRecorder()
	sup.AddObserver(late)
	client.attempt(t, 0).events <- shared.Failed("refused")
	rec.expect(t, StateAwaitingRetry)
	late.expectQuiet(t)
}
