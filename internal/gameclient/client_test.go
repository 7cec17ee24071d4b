package gameclient

import (
	"context"
	"errors"
	"net"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"go.uber.org/zap"
	"go.uber.org/zap/zaptest/observer"

	"github.com/afkbot/afkbot/internal/shared"
)

type fakeSession struct {
	hooks   hooks
	joinErr error
	addr    string

	// play runs inside HandleGame; it may call hooks before returning.
	play     func(h hooks) error
	closed   atomic.Bool
	block    chan struct{}
	respawns atomic.Int32
	swings   atomic.Int32
}

func (f *fakeSession) JoinServer(ctx context.Context, addr string) error {
	f.addr = addr
	return f.joinErr
}

func (f *fakeSession) HandleGame() error {
	if f.block != nil {
		<-f.block
		return errors.New("use of closed network connection")
	}
	if f.play != nil {
		return f.play(f.hooks)
	}
	return nil
}

func (f *fakeSession) Respawn() error {
	f.respawns.Add(1)
	return nil
}

func (f *fakeSession) Swing() error {
	f.swings.Add(1)
	return nil
}

func (f *fakeSession) Close() error {
	if f.closed.CompareAndSwap(false, true) && f.block != nil {
		close(f.block)
	}
	return nil
}

func newTestClient(fs *fakeSession, opts ...Option) *Client {
	c := New(zap.NewNop(), "", opts...)
	c.newSession = func(identity shared.Identity, cfg sessionConfig, h hooks) session {
		fs.hooks = h
		return fs
	}
	return c
}

func collect(t *testing.T, ch <-chan shared.ConnectionEvent) []shared.ConnectionEvent {
	t.Helper()
	var out []shared.ConnectionEvent
	timeout := time.After(2 * time.Second)
	for {
		select {
		case ev, ok := <-ch:
			if !ok {
				return out
			}
			out = append(out, ev)
		case <-timeout:
			t.Fatalf("event stream not closed; got %v", out)
			return nil
		}
	}
}

func types(evs []shared.ConnectionEvent) []shared.EventType {
	out := make([]shared.EventType, len(evs))
	for i, ev := range evs {
		out[i] = ev.Type
	}
	return out
}

func equalTypes(a, b []shared.EventType) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if a[i] != b[i] {
			return false
		}
	}
	return true
}

var (
	testEndpoint = shared.Endpoint{Host: "mc.example.net", Port: 25565}
	testIdentity = shared.Identity{DisplayName: "AFKBot"}
)

func TestConnectJoinFailure(t *testing.T) {
	fs := &fakeSession{joinErr: errors.New("dial tcp: connection refused")}
	c := newTestClient(fs)

	evs := collect(t, c.Connect(context.Background(), testEndpoint, testIdentity))
	want := []shared.EventType{shared.EventConnecting, shared.EventFailed}
	if !equalTypes(types(evs), want) {
		t.Fatalf("events = %v, want %v", types(evs), want)
	}
	if evs[1].Reason != "dial tcp: connection refused" {
		t.Errorf("reason = %q", evs[1].Reason)
	}
	if fs.addr != "mc.example.net:25565" {
		t.Errorf("joined %q", fs.addr)
	}
}

func TestConnectJoinThenKick(t *testing.T) {
	fs := &fakeSession{play: func(h hooks) error {
		h.onGameStart()
		h.onDisconnect("You have been idle for too long")
		return errKicked
	}}
	c := newTestClient(fs)

	evs := collect(t, c.Connect(context.Background(), testEndpoint, testIdentity))
	want := []shared.EventType{
		shared.EventConnecting,
		shared.EventEstablished,
		shared.EventLoginSucceeded,
		shared.EventJoined,
		shared.EventLost,
	}
	if !equalTypes(types(evs), want) {
		t.Fatalf("events = %v, want %v", types(evs), want)
	}
	if got := evs[len(evs)-1].Reason; got != "You have been idle for too long" {
		t.Errorf("lost reason = %q, want the kick message", got)
	}
}

func TestConnectLostWithoutKick(t *testing.T) {
	fs := &fakeSession{play: func(h hooks) error {
		h.onGameStart()
		return errors.New("EOF")
	}}
	c := newTestClient(fs)

	evs := collect(t, c.Connect(context.Background(), testEndpoint, testIdentity))
	last := evs[len(evs)-1]
	if last.Type != shared.EventLost || last.Reason != "EOF" {
		t.Errorf("last event = %s, want lost(EOF)", last)
	}
}

func TestConnectCleanClose(t *testing.T) {
	fs := &fakeSession{play: func(h hooks) error { return nil }}
	c := newTestClient(fs)

	evs := collect(t, c.Connect(context.Background(), testEndpoint, testIdentity))
	last := evs[len(evs)-1]
	if last.Type != shared.EventLost || last.Reason != "connection closed" {
		t.Errorf("last event = %s, want lost(connection closed)", last)
	}
}

func TestConnectCancelClosesSession(t *testing.T) {
	fs := &fakeSession{block: make(chan struct{})}
	c := newTestClient(fs)

	ctx, cancel := context.WithCancel(context.Background())
	ch := c.Connect(ctx, testEndpoint, testIdentity)

	for i := 0; i < 3; i++ {
		select {
		case <-ch:
		case <-time.After(2 * time.Second):
			t.Fatal("timed out waiting for login events")
		}
	}
	cancel()

	for ev := range ch {
		if ev.Terminal() {
			t.Errorf("unexpected terminal event after cancel: %s", ev)
		}
	}
	if !fs.closed.Load() {
		t.Error("session was not closed on cancel")
	}
}

func TestConnectRespawnsOnDeath(t *testing.T) {
	fs := &fakeSession{}
	fs.play = func(h hooks) error {
		h.onGameStart()
		if err := h.onDeath(); err != nil {
			return err
		}
		return errors.New("EOF")
	}
	c := newTestClient(fs)

	evs := collect(t, c.Connect(context.Background(), testEndpoint, testIdentity))
	if last := evs[len(evs)-1]; last.Type != shared.EventLost {
		t.Fatalf("last event = %s, want lost", last)
	}
	if got := fs.respawns.Load(); got != 1 {
		t.Errorf("respawns = %d, want 1", got)
	}
}

func TestConnectAntiAFKSwingsWhileInGame(t *testing.T) {
	fs := &fakeSession{}
	fs.play = func(h hooks) error {
		h.onGameStart()
		deadline := time.Now().Add(2 * time.Second)
		for fs.swings.Load() < 2 && time.Now().Before(deadline) {
			time.Sleep(5 * time.Millisecond)
		}
		return errors.New("EOF")
	}
	c := newTestClient(fs, WithAntiAFK(10*time.Millisecond))

	collect(t, c.Connect(context.Background(), testEndpoint, testIdentity))
	if got := fs.swings.Load(); got < 2 {
		t.Errorf("swings = %d, want at least 2", got)
	}
}

func TestConnectAntiAFKWaitsForGameStart(t *testing.T) {
	fs := &fakeSession{play: func(h hooks) error {
		time.Sleep(60 * time.Millisecond)
		return errors.New("EOF")
	}}
	c := newTestClient(fs, WithAntiAFK(5*time.Millisecond))

	collect(t, c.Connect(context.Background(), testEndpoint, testIdentity))
	if got := fs.swings.Load(); got != 0 {
		t.Errorf("swings before game start = %d, want 0", got)
	}
}

// silentListener accepts TCP connections and never writes to them.
func silentListener(t *testing.T) shared.Endpoint {
	t.Helper()
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	var (
		mu    sync.Mutex
		conns []net.Conn
	)
	go func() {
		for {
			conn, err := ln.Accept()
			if err != nil {
				return
			}
			mu.Lock()
			conns = append(conns, conn)
			mu.Unlock()
		}
	}()
	t.Cleanup(func() {
		ln.Close()
		mu.Lock()
		defer mu.Unlock()
		for _, c := range conns {
			c.Close()
		}
	})
	addr := ln.Addr().(*net.TCPAddr)
	return shared.Endpoint{Host: "127.0.0.1", Port: addr.Port}
}

func TestConnectSilentServerFails(t *testing.T) {
	endpoint := silentListener(t)
	c := New(zap.NewNop(), "", WithReadTimeout(200*time.Millisecond))

	evs := collect(t, c.Connect(context.Background(), endpoint, testIdentity))
	want := []shared.EventType{shared.EventConnecting, shared.EventFailed}
	if !equalTypes(types(evs), want) {
		t.Fatalf("events = %v, want %v", types(evs), want)
	}
	if !strings.Contains(evs[1].Reason, "timeout") {
		t.Errorf("failed reason = %q, want a timeout", evs[1].Reason)
	}
}

func TestConnectCancelDuringLogin(t *testing.T) {
	endpoint := silentListener(t)
	c := New(zap.NewNop(), "", WithReadTimeout(time.Minute))

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	ch := c.Connect(ctx, endpoint, testIdentity)

	select {
	case ev := <-ch:
		if ev.Type != shared.EventConnecting {
			t.Fatalf("first event = %s, want connecting", ev)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for connecting")
	}
	time.Sleep(100 * time.Millisecond)
	cancel()

	timeout := time.After(2 * time.Second)
	for {
		select {
		case ev, ok := <-ch:
			if !ok {
				return
			}
			if ev.Terminal() {
				t.Errorf("unexpected terminal event after cancel: %s", ev)
			}
		case <-timeout:
			t.Fatal("event stream still open after cancel")
		}
	}
}

func TestMCSessionCloseBeforeJoin(t *testing.T) {
	endpoint := silentListener(t)
	s := newMCSession(testIdentity, sessionConfig{dialTimeout: time.Second, readTimeout: time.Minute}, hooks{})
	if err := s.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}
	if err := s.JoinServer(context.Background(), endpoint.Address()); err == nil {
		t.Fatal("expected join on a closed session to fail")
	}
	if err := s.Swing(); !errors.Is(err, errNotJoined) {
		t.Errorf("Swing after close = %v, want errNotJoined", err)
	}
}

func TestCheckVersion(t *testing.T) {
	tests := []struct {
		version string
		wantErr error
		ok      bool
	}{
		{"", nil, true},
		{"1.20.2", nil, true},
		{"1.20.4", ErrUnsupportedVersion, false},
		{"1.8.9", ErrUnsupportedVersion, false},
		{"latest", nil, false},
	}
	for _, tt := range tests {
		t.Run(tt.version, func(t *testing.T) {
			err := CheckVersion(tt.version)
			if tt.ok {
				if err != nil {
					t.Fatalf("CheckVersion(%q) = %v, want nil", tt.version, err)
				}
				return
			}
			if err == nil {
				t.Fatalf("CheckVersion(%q) = nil, want error", tt.version)
			}
			if tt.wantErr != nil && !errors.Is(err, tt.wantErr) {
				t.Errorf("CheckVersion(%q) = %v, want %v", tt.version, err, tt.wantErr)
			}
		})
	}
}

func TestNewWarnsOnVersionMismatch(t *testing.T) {
	core, logs := observer.New(zap.WarnLevel)
	logger := zap.New(core)

	New(logger, SupportedVersion)
	New(logger, "")
	if logs.Len() != 0 {
		t.Fatalf("unexpected warnings for supported versions: %d", logs.Len())
	}

	New(logger, "1.19.4")
	entries := logs.FilterMessage("configured game version may not be supported").All()
	if len(entries) != 1 {
		t.Fatalf("expected one version warning, got %d", len(entries))
	}
	if got := entries[0].ContextMap()["configured"]; got != "1.19.4" {
		t.Errorf("configured field = %v", got)
	}
}
