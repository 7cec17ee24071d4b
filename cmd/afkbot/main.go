package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"os"
	"os/signal"
	"syscall"
	"time"

	"go.uber.org/zap"

	"github.com/afkbot/afkbot/internal/agent"
	"github.com/afkbot/afkbot/internal/config"
	"github.com/afkbot/afkbot/internal/gameclient"
	"github.com/afkbot/afkbot/internal/liveness"
	"github.com/afkbot/afkbot/internal/monitor"
	"github.com/afkbot/afkbot/internal/shared"
	"github.com/afkbot/afkbot/internal/storage"
)

const shutdownTimeout = 10 * time.Second

// newProtocolClient is replaced in tests.
var newProtocolClient = func(logger *zap.Logger, cfg *config.BotConfig) agent.ProtocolClient {
	return gameclient.New(logger, cfg.Server.Version,
		gameclient.WithReadTimeout(cfg.ReadTimeout()),
		gameclient.WithAntiAFK(cfg.AntiAFKInterval()),
	)
}

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()
	os.Exit(run(ctx, os.Args[1:], os.Stderr))
}

func run(ctx context.Context, args []string, stderr io.Writer) int {
	fs := flag.NewFlagSet("afkbot", flag.ContinueOnError)
	fs.SetOutput(stderr)
	configPath := fs.String("config", "", "optional KEY=value config file; environment variables override it")
	if err := fs.Parse(args); err != nil {
		if errors.Is(err, flag.ErrHelp) {
			return 0
		}
		return 1
	}

	cfg, err := config.LoadBotConfig(*configPath)
	if err != nil {
		fmt.Fprintf(stderr, "failed to load config: %v\n", err)
		return 1
	}

	logger, err := shared.NewLogger(cfg.Development())
	if err != nil {
		fmt.Fprintf(stderr, "failed to initialize logger: %v\n", err)
		return 1
	}
	defer logger.Sync()

	logger.Info("config loaded",
		zap.String("config_path", *configPath),
		zap.String("server", cfg.Endpoint().Address()),
		zap.String("username", cfg.Username),
		zap.String("reconnect_policy", cfg.Reconnect.Policy),
	)

	return serve(ctx, cfg, logger)
}

func serve(ctx context.Context, cfg *config.BotConfig, logger *zap.Logger) int {
	metrics := monitor.InitMetrics()

	opts := []agent.SupervisorOption{
		agent.WithBackoff(backoffFor(cfg.Reconnect)),
		agent.WithObserver(metrics),
	}
	if cfg.Probe.Enabled {
		prober := agent.NewProber(nil, logger.Named("probe"), agent.WithProbeResultHook(metrics.RecordProbe))
		opts = append(opts, agent.WithPreflightProbe(prober, cfg.ProbeTimeout()))
	}

	sup := agent.NewSupervisor(
		cfg.Endpoint(),
		cfg.Identity(),
		newProtocolClient(logger.Named("gameclient"), cfg),
		logger.Named("supervisor"),
		opts...,
	)

	live := liveness.NewServer(cfg.LivenessPort, logger.Named("liveness"),
		liveness.WithConnectionFlag(sup.Connected),
		liveness.WithRequestHook(metrics.RecordLivenessRequest),
	)
	if err := live.Start(); err != nil {
		logger.Error("failed to start liveness server", zap.Error(err))
		return 1
	}

	feedCtx, stopFeed := context.WithCancel(ctx)
	svc := &services{live: live, stopFeed: stopFeed, logger: logger}
	var history monitor.HistoryStore
	if path := cfg.Status.HistoryDBPath; path != "" {
		s, err := storage.Open(ctx, path)
		if err != nil {
			logger.Error("failed to open history database, history disabled",
				zap.String("path", path),
				zap.Error(err),
			)
		} else {
			svc.store = s
			history = s
			svc.recorder = monitor.NewHistoryRecorder(s, logger.Named("monitor.history"))
			sup.AddObserver(svc.recorder)
			logger.Info("connection history enabled", zap.String("path", path))
		}
	}

	if cfg.Status.Port > 0 {
		hub := monitor.NewHub(feedCtx, cfg.Status.Token, sup, logger.Named("monitor.feed"))
		api := monitor.NewHTTPAPI(sup, history, hub, logger.Named("monitor.api"))
		srv := monitor.NewServer(cfg.Status.Port, api, hub, logger.Named("monitor.server"))
		if err := srv.Start(); err != nil {
			logger.Error("failed to start status server", zap.Error(err))
		} else {
			svc.status = srv
			sup.AddObserver(hub)
		}
	}

	if token := cfg.Discord.BotToken; token != "" {
		n, err := monitor.NewDiscordNotifier(token, cfg.Discord.ChannelID, cfg.Discord.GuildID, sup, history, logger.Named("monitor.discord"))
		if err != nil {
			logger.Error("failed to create discord notifier", zap.Error(err))
		} else if err := n.Start(); err != nil {
			logger.Error("failed to start discord notifier", zap.Error(err))
		} else {
			svc.notifier = n
			sup.AddObserver(n)
			logger.Info("discord notifier started")
		}
	}

	if err := sup.Start(ctx); err != nil {
		logger.Error("failed to start supervisor", zap.Error(err))
		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		svc.shutdown(shutdownCtx)
		return 1
	}

	<-ctx.Done()
	logger.Info("shutdown signal received")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()

	select {
	case <-sup.Done():
	case <-shutdownCtx.Done():
		logger.Warn("supervisor did not stop before the shutdown timeout")
	}
	svc.shutdown(shutdownCtx)

	logger.Info("afkbot exited cleanly")
	return 0
}

// services are the listeners and sinks started around the supervisor.
// Optional ones are nil when disabled or when they failed to start.
type services struct {
	logger   *zap.Logger
	live     *liveness.Server
	stopFeed context.CancelFunc
	status   *monitor.Server
	notifier *monitor.DiscordNotifier
	recorder *monitor.HistoryRecorder
	store    *storage.History
}

// shutdown stops the services in order: notifier, state feed and status
// server, liveness, then the history writer and its database.
func (s *services) shutdown(ctx context.Context) {
	s.stopFeed()
	if s.notifier != nil {
		if err := s.notifier.Stop(); err != nil {
			s.logger.Error("error stopping discord notifier", zap.Error(err))
		}
	}
	if s.status != nil {
		if err := s.status.Shutdown(ctx); err != nil {
			s.logger.Error("error stopping status server", zap.Error(err))
		}
	}
	if err := s.live.Shutdown(ctx); err != nil {
		s.logger.Error("error stopping liveness server", zap.Error(err))
	}
	if s.recorder != nil {
		s.recorder.Close()
	}
	if s.store != nil {
		if err := s.store.Close(); err != nil {
			s.logger.Error("error closing history database", zap.Error(err))
		}
	}
}

func backoffFor(r config.ReconnectConfig) agent.Backoff {
	if r.Policy == config.PolicyFixed {
		return agent.NewFixedBackoff(r.Fixed())
	}
	return agent.NewExponentialBackoff(r.Min(), r.Max(), r.Multiplier)
}
