// Package gameclient connects to a Minecraft server through go-mc and
// reports each attempt as a stream of shared.ConnectionEvents.
package gameclient

import (
	"context"
	"errors"
	"fmt"
	"net"
	"sync"
	"time"

	semver "github.com/Masterminds/semver/v3"
	"github.com/Tnze/go-mc/bot"
	"github.com/Tnze/go-mc/bot/basic"
	"github.com/Tnze/go-mc/chat"
	"github.com/Tnze/go-mc/data/packetid"
	mcnet "github.com/Tnze/go-mc/net"
	pk "github.com/Tnze/go-mc/net/packet"
	"go.uber.org/zap"

	"github.com/afkbot/afkbot/internal/shared"
)

// SupportedVersion is the game version spoken by the bundled protocol
// library.
const SupportedVersion = "1.20.2"

const supportedConstraint = ">= 1.20.2, < 1.20.3"

const (
	DefaultDialTimeout = 15 * time.Second
	DefaultReadTimeout = 30 * time.Second
)

// ErrUnsupportedVersion is returned by CheckVersion for versions the
// protocol library cannot speak.
var ErrUnsupportedVersion = errors.New("unsupported game version")

var (
	errKicked    = errors.New("kicked by server")
	errNotJoined = errors.New("session is not in play")
)

// CheckVersion reports whether v can be spoken by this client. An empty
// version means auto-detect and always passes.
func CheckVersion(v string) error {
	if v == "" {
		return nil
	}
	ver, err := semver.NewVersion(v)
	if err != nil {
		return fmt.Errorf("parse game version %q: %w", v, err)
	}
	c, err := semver.NewConstraint(supportedConstraint)
	if err != nil {
		return fmt.Errorf("parse constraint %q: %w", supportedConstraint, err)
	}
	if !c.Check(ver) {
		return fmt.Errorf("%w: %s (client speaks %s)", ErrUnsupportedVersion, v, SupportedVersion)
	}
	return nil
}

// hooks are the game callbacks the client listens for.
type hooks struct {
	onGameStart  func()
	onDeath      func() error
	onDisconnect func(reason string)
}

// session is one protocol connection. JoinServer covers the dial, handshake
// and login; HandleGame blocks until the connection ends. Close may be
// called at any point and unblocks both.
type session interface {
	JoinServer(ctx context.Context, addr string) error
	HandleGame() error
	Respawn() error
	Swing() error
	Close() error
}

type sessionConfig struct {
	dialTimeout time.Duration
	readTimeout time.Duration
}

type sessionFactory func(identity shared.Identity, cfg sessionConfig, h hooks) session

// Client implements agent.ProtocolClient on top of go-mc in offline mode.
type Client struct {
	logger     *zap.Logger
	newSession sessionFactory
	cfg        sessionConfig
	antiAFK    time.Duration
}

type Option func(*Client)

// WithReadTimeout fails the connection when the server sends nothing for d,
// during login as well as play.
func WithReadTimeout(d time.Duration) Option {
	return func(c *Client) {
		if d > 0 {
			c.cfg.readTimeout = d
		}
	}
}

func WithDialTimeout(d time.Duration) Option {
	return func(c *Client) {
		if d > 0 {
			c.cfg.dialTimeout = d
		}
	}
}

// WithAntiAFK swings the arm every interval once the bot is in game.
// Zero disables it.
func WithAntiAFK(interval time.Duration) Option {
	return func(c *Client) {
		c.antiAFK = interval
	}
}

// New creates a Client. version is the configured MC_VERSION; a mismatch
// with SupportedVersion is logged and the client still tries to connect.
func New(logger *zap.Logger, version string, opts ...Option) *Client {
	if logger == nil {
		logger = zap.NewNop()
	}
	if err := CheckVersion(version); err != nil {
		logger.Warn("configured game version may not be supported",
			zap.String("configured", version),
			zap.String("supported", SupportedVersion),
			zap.Error(err),
		)
	}
	c := &Client{
		logger:     logger,
		newSession: newMCSession,
		cfg:        sessionConfig{dialTimeout: DefaultDialTimeout, readTimeout: DefaultReadTimeout},
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Connect starts one attempt. The returned channel ends with a single Lost
// or Failed event and is then closed; cancelling ctx closes the connection
// without a terminal event.
func (c *Client) Connect(ctx context.Context, endpoint shared.Endpoint, identity shared.Identity) <-chan shared.ConnectionEvent {
	events := make(chan shared.ConnectionEvent, 4)
	go c.run(ctx, endpoint, identity, events)
	return events
}

func (c *Client) run(ctx context.Context, endpoint shared.Endpoint, identity shared.Identity, events chan<- shared.ConnectionEvent) {
	defer close(events)
	log := shared.LoggerFor(ctx, c.logger)

	emit := func(ev shared.ConnectionEvent) {
		select {
		case events <- ev:
		case <-ctx.Done():
		}
	}

	var (
		mu         sync.Mutex
		kickReason string
		sess       session
		startOnce  sync.Once
	)
	inGame := make(chan struct{})
	sess = c.newSession(identity, c.cfg, hooks{
		onGameStart: func() {
			startOnce.Do(func() { close(inGame) })
			emit(shared.Joined())
		},
		onDeath: func() error {
			log.Info("bot died, respawning")
			return sess.Respawn()
		},
		onDisconnect: func(reason string) {
			mu.Lock()
			kickReason = reason
			mu.Unlock()
		},
	})
	defer sess.Close()

	stop := context.AfterFunc(ctx, func() {
		if err := sess.Close(); err != nil {
			log.Debug("close after cancel", zap.Error(err))
		}
	})
	defer stop()

	emit(shared.Connecting())
	if err := sess.JoinServer(ctx, endpoint.Address()); err != nil {
		if ctx.Err() != nil {
			return
		}
		log.Debug("join failed", zap.Error(err))
		emit(shared.Failed(err.Error()))
		return
	}
	if ctx.Err() != nil {
		return
	}

	emit(shared.Established())
	emit(shared.LoginSucceeded())

	if c.antiAFK > 0 {
		done := make(chan struct{})
		defer close(done)
		go c.keepActive(sess, inGame, done, log)
	}

	err := sess.HandleGame()
	if ctx.Err() != nil {
		return
	}

	mu.Lock()
	reason := kickReason
	mu.Unlock()
	switch {
	case reason != "":
	case err != nil:
		reason = err.Error()
	default:
		reason = "connection closed"
	}
	emit(shared.Lost(reason))
}

// keepActive swings the arm on every tick once the game has started, until
// done closes.
func (c *Client) keepActive(sess session, inGame, done <-chan struct{}, log *zap.Logger) {
	select {
	case <-inGame:
	case <-done:
		return
	}
	ticker := time.NewTicker(c.antiAFK)
	defer ticker.Stop()
	for {
		select {
		case <-done:
			return
		case <-ticker.C:
			if err := sess.Swing(); err != nil {
				log.Debug("anti-afk action failed", zap.Error(err))
			}
		}
	}
}

type mcSession struct {
	client *bot.Client
	player *basic.Player
	cfg    sessionConfig

	mu     sync.Mutex
	socket net.Conn
	joined bool
	closed bool
}

func newMCSession(identity shared.Identity, cfg sessionConfig, h hooks) session {
	c := bot.NewClient()
	c.Auth.Name = identity.DisplayName

	s := &mcSession{client: c, cfg: cfg}
	s.player = basic.NewPlayer(c, basic.DefaultSettings, basic.EventsListener{
		GameStart: func() error {
			h.onGameStart()
			return nil
		},
		Death: h.onDeath,
		Teleported: func(_, _, _ float64, _, _ float32, _ byte, teleportID int32) error {
			return s.write(func() error { return s.player.AcceptTeleportation(pk.VarInt(teleportID)) })
		},
		Disconnect: func(reason chat.Message) error {
			h.onDisconnect(reason.ClearString())
			return errKicked
		},
	})
	return s
}

// DialMCContext makes mcSession the go-mc dialer so the socket carries a
// read deadline and can be closed before login finishes.
func (s *mcSession) DialMCContext(ctx context.Context, addr string) (*mcnet.Conn, error) {
	dialer := &net.Dialer{Timeout: s.cfg.dialTimeout}
	conn, err := (*mcnet.Dialer)(dialer).DialMCContext(ctx, addr)
	if err != nil {
		return nil, err
	}
	sock := &idleConn{Conn: conn.Socket, timeout: s.cfg.readTimeout}

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		sock.Close()
		return nil, net.ErrClosed
	}
	s.socket = sock
	return mcnet.WrapConn(sock), nil
}

func (s *mcSession) JoinServer(ctx context.Context, addr string) error {
	err := s.client.JoinServerWithOptions(addr, bot.JoinOptions{
		Context:  ctx,
		MCDialer: s,
	})
	if err != nil {
		return err
	}
	s.mu.Lock()
	s.joined = true
	s.mu.Unlock()
	return nil
}

func (s *mcSession) HandleGame() error {
	return s.client.HandleGame()
}

func (s *mcSession) Respawn() error {
	return s.write(s.player.Respawn)
}

// Swing sends a main-hand arm swing, which servers count as player activity.
func (s *mcSession) Swing() error {
	const mainHand = 0
	return s.write(func() error {
		return s.client.Conn.WritePacket(pk.Marshal(packetid.ServerboundSwing, pk.VarInt(mainHand)))
	})
}

// write runs fn while the session is in play. go-mc's send queue panics
// when pushed after Close, so writes and Close share the lock.
func (s *mcSession) write(fn func() error) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed || !s.joined {
		return errNotJoined
	}
	return fn()
}

func (s *mcSession) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil
	}
	s.closed = true
	switch {
	case s.joined:
		return s.client.Close()
	case s.socket != nil:
		return s.socket.Close()
	}
	return nil
}

// idleConn pushes the read deadline forward before every read, so a server
// that goes silent fails the read after timeout.
type idleConn struct {
	net.Conn
	timeout time.Duration
}

func (c *idleConn) Read(p []byte) (int, error) {
	if c.timeout > 0 {
		if err := c.Conn.SetReadDeadline(time.Now().Add(c.timeout)); err != nil {
			return 0, err
		}
	}
	return c.Conn.Read(p)
}
