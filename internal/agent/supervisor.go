package agent

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"

	"github.com/afkbot/afkbot/internal/shared"
)

var (
	ErrMissingEndpoint = errors.New("supervisor: endpoint is not configured")
	ErrMissingIdentity = errors.New("supervisor: identity is not configured")
	ErrNoClient        = errors.New("supervisor: protocol client is nil")
	ErrAlreadyStarted  = errors.New("supervisor: already started")
)

const streamClosedReason = "event stream closed"

// ProtocolClient performs one connection attempt and reports its lifecycle.
// The returned channel carries at most one terminal event (Lost or Failed)
// and is closed when the attempt is over. Cancelling ctx abandons the
// attempt.
type ProtocolClient interface {
	Connect(ctx context.Context, endpoint shared.Endpoint, identity shared.Identity) <-chan shared.ConnectionEvent
}

type messageKind int

const (
	msgEvent messageKind = iota
	msgStreamClosed
	msgRetry
)

// message is the only input of the run loop. attempt ties it to the
// attempt that produced it so stale messages can be dropped.
type message struct {
	kind    messageKind
	attempt uint64
	event   shared.ConnectionEvent
}

// Supervisor keeps one connection to the game server alive. All
// lifecycle state is owned by a single run-loop goroutine; collaborator
// events and retry timers are posted to its inbox and handled one at a
// time.
//
// Usage: call Start once; cancel its context to stop.
type Supervisor struct {
	endpoint shared.Endpoint
	identity shared.Identity
	client   ProtocolClient
	logger   *zap.Logger
	clock    Clock

	observers    []Observer
	prober       *Prober
	probeTimeout time.Duration

	inbox   chan message
	started atomic.Bool
	done    chan struct{}

	// Owned by the run loop.
	backoff       Backoff
	state         State
	attempt       uint64
	attemptID     string
	attemptCancel context.CancelFunc
	retryTimer    Timer

	mu     sync.RWMutex
	status Status
}

// SupervisorOption configures a Supervisor.
type SupervisorOption func(*Supervisor)

// WithBackoff selects the reconnect policy. Defaults to DefaultBackoff.
func WithBackoff(b Backoff) SupervisorOption {
	return func(s *Supervisor) { s.backoff = b }
}

// WithClock overrides the clock used for retry timers.
func WithClock(c Clock) SupervisorOption {
	return func(s *Supervisor) {
		if c != nil {
			s.clock = c
		}
	}
}

// WithObserver registers an observer for every processed event.
func WithObserver(o Observer) SupervisorOption {
	return func(s *Supervisor) {
		if o != nil {
			s.observers = append(s.observers, o)
		}
	}
}

// WithPreflightProbe runs p once before the first attempt.
func WithPreflightProbe(p *Prober, timeout time.Duration) SupervisorOption {
	return func(s *Supervisor) {
		s.prober = p
		s.probeTimeout = timeout
	}
}

// NewSupervisor creates a supervisor in the Idle state.
func NewSupervisor(endpoint shared.Endpoint, identity shared.Identity, client ProtocolClient, logger *zap.Logger, opts ...SupervisorOption) *Supervisor {
	if logger == nil {
		logger = zap.NewNop()
	}
	s := &Supervisor{
		endpoint: endpoint,
		identity: identity,
		client:   client,
		logger:   logger,
		clock:    realClock{},
		backoff:  DefaultBackoff(),
		inbox:    make(chan message, 16),
		done:     make(chan struct{}),
		state:    StateIdle,
	}
	for _, opt := range opts {
		opt(s)
	}
	s.status = Status{
		State:    StateIdle,
		Since:    s.clock.Now(),
		Endpoint: endpoint,
		Username: identity.DisplayName,
	}
	return s
}

// AddObserver registers o for observers that need the supervisor itself as
// a StatusSource. It is ignored once Start has been called.
func (s *Supervisor) AddObserver(o Observer) {
	if o == nil || s.started.Load() {
		return
	}
	s.observers = append(s.observers, o)
}

// Start validates the configuration and launches the run loop, which
// moves the supervisor from Idle to Connecting. On error the supervisor
// stays Idle and nothing is dialled.
func (s *Supervisor) Start(ctx context.Context) error {
	if err := s.endpoint.Validate(); err != nil {
		return fmt.Errorf("%w: %v", ErrMissingEndpoint, err)
	}
	if err := s.identity.Validate(); err != nil {
		return fmt.Errorf("%w: %v", ErrMissingIdentity, err)
	}
	if s.client == nil {
		return ErrNoClient
	}
	if !s.started.CompareAndSwap(false, true) {
		return ErrAlreadyStarted
	}

	go s.run(ctx)
	return nil
}

// Done is closed when the run loop exits after ctx cancellation.
func (s *Supervisor) Done() <-chan struct{} {
	return s.done
}

// Status returns a snapshot of the supervisor. Safe for concurrent use.
func (s *Supervisor) Status() Status {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.status
}

// State returns the current lifecycle state. Safe for concurrent use.
func (s *Supervisor) State() State {
	return s.Status().State
}

// Connected reports whether the bot is currently joined.
func (s *Supervisor) Connected() bool {
	return s.State() == StateConnected
}

func (s *Supervisor) run(ctx context.Context) {
	defer close(s.done)

	if s.prober != nil {
		s.prober.Probe(ctx, s.endpoint, s.probeTimeout)
	}

	s.beginAttempt(ctx)

	for {
		select {
		case <-ctx.Done():
			s.shutdown()
			return
		case msg := <-s.inbox:
			s.handle(ctx, msg)
		}
	}
}

func (s *Supervisor) shutdown() {
	if s.retryTimer != nil {
		s.retryTimer.Stop()
		s.retryTimer = nil
	}
	if s.attemptCancel != nil {
		s.attemptCancel()
		s.attemptCancel = nil
	}
	s.logger.Info("supervisor stopped", zap.String("state", s.state.String()))
}

func (s *Supervisor) handle(ctx context.Context, msg message) {
	if msg.attempt != s.attempt {
		s.logger.Debug("discarding message from superseded attempt",
			zap.Uint64("attempt", msg.attempt),
			zap.Uint64("current_attempt", s.attempt),
		)
		return
	}

	switch msg.kind {
	case msgRetry:
		if s.state != StateAwaitingRetry {
			s.logger.Debug("ignoring retry timer", zap.String("state", s.state.String()))
			return
		}
		s.retryTimer = nil
		s.beginAttempt(ctx)

	case msgEvent:
		s.handleEvent(ctx, msg.event)

	case msgStreamClosed:
		switch s.state {
		case StateConnecting:
			s.handleEvent(ctx, shared.Failed(streamClosedReason))
		case StateConnected:
			s.handleEvent(ctx, shared.Lost(streamClosedReason))
		}
	}
}

// beginAttempt starts a new connection attempt. It is a no-op unless the
// supervisor is Idle or AwaitingRetry, so attempts never overlap.
func (s *Supervisor) beginAttempt(ctx context.Context) {
	if s.state != StateIdle && s.state != StateAwaitingRetry {
		s.logger.Debug("attempt already in flight", zap.String("state", s.state.String()))
		return
	}

	from := s.state
	s.attempt++
	s.attemptID = shared.NewAttemptID()

	attemptCtx, cancel := context.WithCancel(shared.WithAttemptID(ctx, s.attemptID))
	s.attemptCancel = cancel

	status := s.setState(StateConnecting, func(st *Status) {
		st.AttemptID = s.attemptID
		st.Attempts++
		st.RetryAt = time.Time{}
		st.RetryDelay = 0
	})

	s.logger.Info("connecting to server",
		zap.String("attempt_id", s.attemptID),
		zap.String("endpoint", s.endpoint.Address()),
		zap.String("username", s.identity.DisplayName),
		zap.Int("attempt", status.Attempts),
	)

	events := s.client.Connect(attemptCtx, s.endpoint, s.identity)
	go s.pump(ctx, s.attempt, events)

	s.notify(Update{
		AttemptID: s.attemptID,
		Event:     shared.Connecting(),
		From:      from,
		To:        StateConnecting,
		Status:    status,
	})
}

func (s *Supervisor) handleEvent(ctx context.Context, ev shared.ConnectionEvent) {
	log := s.logger.With(zap.String("attempt_id", s.attemptID))

	if s.state != StateConnecting && s.state != StateConnected {
		log.Debug("ignoring event outside an active attempt",
			zap.String("event", ev.String()),
			zap.String("state", s.state.String()),
		)
		return
	}

	switch {
	case ev.Informational():
		switch ev.Type {
		case shared.EventEstablished:
			log.Info("connection established, logging in")
		case shared.EventLoginSucceeded:
			log.Info("login successful, joining server")
		default:
			log.Debug("protocol client connecting")
		}
		s.notify(Update{AttemptID: s.attemptID, Event: ev, From: s.state, To: s.state, Status: s.Status()})

	case ev.Type == shared.EventJoined:
		if s.state == StateConnected {
			log.Debug("duplicate join event")
			return
		}
		from := s.state
		s.backoff = s.backoff.Reset()
		now := s.clock.Now()
		status := s.setState(StateConnected, func(st *Status) {
			st.ConnectedSince = now
			st.ConsecutiveFailures = 0
		})
		log.Info("joined server and is now AFK", zap.String("username", s.identity.DisplayName))
		s.notify(Update{AttemptID: s.attemptID, Event: ev, From: from, To: StateConnected, Status: status})

	case ev.Terminal():
		s.scheduleRetry(ctx, log, ev)

	default:
		log.Warn("unknown connection event", zap.String("event", string(ev.Type)))
	}
}

// scheduleRetry ends the current attempt and arms the retry timer. Every
// terminal event is logged with its reason before the timer is set.
func (s *Supervisor) scheduleRetry(ctx context.Context, log *zap.Logger, ev shared.ConnectionEvent) {
	from := s.state
	reason := ev.Reason
	if reason == "" {
		reason = "unknown reason"
	}

	if ev.Type == shared.EventFailed {
		log.Error("connection failed", zap.String("reason", reason), zap.String("state", from.String()))
	} else {
		log.Warn("connection lost", zap.String("reason", reason), zap.String("state", from.String()))
	}

	if s.attemptCancel != nil {
		s.attemptCancel()
		s.attemptCancel = nil
	}

	var delay time.Duration
	s.backoff, delay = s.backoff.Next()
	retryAt := s.clock.Now().Add(delay)

	status := s.setState(StateAwaitingRetry, func(st *Status) {
		st.RetryAt = retryAt
		st.RetryDelay = delay
		st.ConsecutiveFailures++
		st.ConnectedSince = time.Time{}
		st.LastDisconnectReason = reason
	})

	log.Info("reconnecting",
		zap.Duration("backoff", delay),
		zap.Time("retry_at", retryAt),
		zap.Int("consecutive_failures", status.ConsecutiveFailures),
	)

	attempt := s.attempt
	s.retryTimer = s.clock.AfterFunc(delay, func() {
		s.post(ctx, message{kind: msgRetry, attempt: attempt})
	})

	s.notify(Update{AttemptID: s.attemptID, Event: ev, From: from, To: StateAwaitingRetry, Delay: delay, Status: status})
}

func (s *Supervisor) setState(next State, mutate func(*Status)) Status {
	s.state = next

	s.mu.Lock()
	defer s.mu.Unlock()
	s.status.State = next
	s.status.Since = s.clock.Now()
	if mutate != nil {
		mutate(&s.status)
	}
	return s.status
}

func (s *Supervisor) pump(ctx context.Context, attempt uint64, events <-chan shared.ConnectionEvent) {
	for ev := range events {
		if !s.post(ctx, message{kind: msgEvent, attempt: attempt, event: ev}) {
			return
		}
	}
	s.post(ctx, message{kind: msgStreamClosed, attempt: attempt})
}

func (s *Supervisor) post(ctx context.Context, msg message) bool {
	select {
	case s.inbox <- msg:
		return true
	case <-ctx.Done():
		return false
	}
}

func (s *Supervisor) notify(u Update) {
	for _, o := range s.observers {
		func() {
			defer func() {
				if r := recover(); r != nil {
					s.logger.Error("observer panicked",
						zap.Any("panic", r),
						zap.String("event", u.Event.String()),
					)
				}
			}()
			o.OnUpdate(u)
		}()
	}
}
