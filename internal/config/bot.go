package config

import (
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/Masterminds/semver/v3"
	"github.com/go-viper/mapstructure/v2"
	"github.com/knadh/koanf/parsers/dotenv"
	"github.com/knadh/koanf/providers/env"
	"github.com/knadh/koanf/providers/file"
	"github.com/knadh/koanf/v2"

	"github.com/afkbot/afkbot/internal/shared"
)

// ErrInvalidConfig is wrapped by every load and validation failure.
var ErrInvalidConfig = errors.New("validation error")

const (
	PolicyExponential = "exponential"
	PolicyFixed       = "fixed"
)

type ServerConfig struct {
	Address string `koanf:"MC_SERVER_ADDRESS"`
	Port    int    `koanf:"MC_SERVER_PORT"`
	Version string `koanf:"MC_VERSION"`
}

type ReconnectConfig struct {
	Policy       string  `koanf:"RECONNECT_POLICY"`
	MinSeconds   float64 `koanf:"RECONNECT_MIN_SECONDS"`
	MaxSeconds   float64 `koanf:"RECONNECT_MAX_SECONDS"`
	Multiplier   float64 `koanf:"RECONNECT_MULTIPLIER"`
	FixedSeconds float64 `koanf:"RECONNECT_FIXED_SECONDS"`
}

type ProbeConfig struct {
	Enabled        bool    `koanf:"PROBE_ENABLED"`
	TimeoutSeconds float64 `koanf:"PROBE_TIMEOUT_SECONDS"`
}

// GameConfig tunes the protocol session once it is connected.
type GameConfig struct {
	ReadTimeoutSeconds     float64 `koanf:"READ_TIMEOUT_SECONDS"`
	AntiAFKEnabled         bool    `koanf:"ANTI_AFK_ENABLED"`
	AntiAFKIntervalSeconds float64 `koanf:"ANTI_AFK_INTERVAL_SECONDS"`
}

type StatusConfig struct {
	Port          int    `koanf:"STATUS_PORT"`
	Token         string `koanf:"STATUS_TOKEN"`
	HistoryDBPath string `koanf:"HISTORY_DB_PATH"`
}

type DiscordConfig struct {
	BotToken  string `koanf:"DISCORD_BOT_TOKEN"`
	ChannelID string `koanf:"DISCORD_CHANNEL_ID"`
	GuildID   string `koanf:"DISCORD_GUILD_ID"`
}

// BotConfig is the flat KEY=value configuration of the bot process.
type BotConfig struct {
	Server       ServerConfig    `koanf:",squash"`
	Username     string          `koanf:"MC_USERNAME"`
	LivenessPort int             `koanf:"PORT"`
	Env          string          `koanf:"ENV"`
	Reconnect    ReconnectConfig `koanf:",squash"`
	Probe        ProbeConfig     `koanf:",squash"`
	Game         GameConfig      `koanf:",squash"`
	Status       StatusConfig    `koanf:",squash"`
	Discord      DiscordConfig   `koanf:",squash"`
}

// knownKeys limits the environment provider to the keys the bot reads.
var knownKeys = map[string]struct{}{
	"MC_SERVER_ADDRESS": {}, "MC_SERVER_PORT": {}, "MC_VERSION": {}, "MC_USERNAME": {},
	"PORT": {}, "ENV": {},
	"RECONNECT_POLICY": {}, "RECONNECT_MIN_SECONDS": {}, "RECONNECT_MAX_SECONDS": {},
	"RECONNECT_MULTIPLIER": {}, "RECONNECT_FIXED_SECONDS": {},
	"PROBE_ENABLED": {}, "PROBE_TIMEOUT_SECONDS": {},
	"READ_TIMEOUT_SECONDS": {}, "ANTI_AFK_ENABLED": {}, "ANTI_AFK_INTERVAL_SECONDS": {},
	"STATUS_PORT": {}, "STATUS_TOKEN": {}, "HISTORY_DB_PATH": {},
	"DISCORD_BOT_TOKEN": {}, "DISCORD_CHANNEL_ID": {}, "DISCORD_GUILD_ID": {},
}

func defaultBotConfig() *BotConfig {
	cfg := &BotConfig{LivenessPort: 8080}
	cfg.Server.Port = 25565
	cfg.Reconnect = ReconnectConfig{
		Policy:       PolicyExponential,
		MinSeconds:   5,
		MaxSeconds:   300,
		Multiplier:   2,
		FixedSeconds: 30,
	}
	cfg.Probe = ProbeConfig{Enabled: true, TimeoutSeconds: 15}
	cfg.Game = GameConfig{ReadTimeoutSeconds: 30, AntiAFKEnabled: true, AntiAFKIntervalSeconds: 45}
	return cfg
}

// LoadBotConfig reads the optional KEY=value file at path, overlays the
// process environment and validates the result. An empty path skips the file.
func LoadBotConfig(path string) (*BotConfig, error) {
	cfg := defaultBotConfig()
	k := koanf.New(".")

	// Empty values in either layer mean "unset": they never override a
	// lower layer.
	if path != "" {
		if _, err := os.Stat(path); err != nil {
			return nil, fmt.Errorf("%w: failed to read config file: %v", ErrInvalidConfig, err)
		}
		fk := koanf.New(".")
		if err := fk.Load(file.Provider(path), dotenv.Parser()); err != nil {
			return nil, fmt.Errorf("%w: failed to parse config file: %v", ErrInvalidConfig, err)
		}
		for _, key := range fk.Keys() {
			if strings.TrimSpace(fk.String(key)) == "" {
				fk.Delete(key)
			}
		}
		if err := k.Merge(fk); err != nil {
			return nil, fmt.Errorf("%w: failed to merge config file: %v", ErrInvalidConfig, err)
		}
	}

	if err := k.Load(env.ProviderWithValue("", ".", func(key, value string) (string, interface{}) {
		if _, ok := knownKeys[key]; !ok || strings.TrimSpace(value) == "" {
			return "", nil
		}
		return key, value
	}), nil); err != nil {
		return nil, fmt.Errorf("%w: failed to load environment: %v", ErrInvalidConfig, err)
	}

	if err := k.UnmarshalWithConf("", cfg, koanf.UnmarshalConf{
		DecoderConfig: &mapstructure.DecoderConfig{
			TagName:          "koanf",
			WeaklyTypedInput: true,
			Result:           cfg,
		},
	}); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidConfig, err)
	}

	cfg.Server.Address = strings.TrimSpace(cfg.Server.Address)
	cfg.Username = strings.TrimSpace(cfg.Username)
	cfg.Reconnect.Policy = strings.ToLower(strings.TrimSpace(cfg.Reconnect.Policy))

	if err := validateBotConfig(cfg); err != nil {
		return nil, err
	}
	return cfg, nil
}

func validateBotConfig(cfg *BotConfig) error {
	if cfg.Server.Address == "" {
		return fmt.Errorf("%w: MC_SERVER_ADDRESS is required", ErrInvalidConfig)
	}
	if cfg.Username == "" {
		return fmt.Errorf("%w: MC_USERNAME is required", ErrInvalidConfig)
	}
	if cfg.Server.Port <= 0 || cfg.Server.Port > 65535 {
		return fmt.Errorf("%w: MC_SERVER_PORT must be between 1 and 65535, got %d", ErrInvalidConfig, cfg.Server.Port)
	}
	if cfg.LivenessPort <= 0 || cfg.LivenessPort > 65535 {
		return fmt.Errorf("%w: PORT must be between 1 and 65535, got %d", ErrInvalidConfig, cfg.LivenessPort)
	}
	if cfg.Status.Port < 0 || cfg.Status.Port > 65535 {
		return fmt.Errorf("%w: STATUS_PORT must be between 0 and 65535, got %d", ErrInvalidConfig, cfg.Status.Port)
	}
	if cfg.Status.Port != 0 && cfg.Status.Port == cfg.LivenessPort {
		return fmt.Errorf("%w: STATUS_PORT must differ from PORT", ErrInvalidConfig)
	}
	if cfg.Server.Version != "" {
		if _, err := semver.NewVersion(cfg.Server.Version); err != nil {
			return fmt.Errorf("%w: MC_VERSION %q is not a valid version: %v", ErrInvalidConfig, cfg.Server.Version, err)
		}
	}

	r := cfg.Reconnect
	switch r.Policy {
	case PolicyExponential:
		if r.MinSeconds <= 0 {
			return fmt.Errorf("%w: RECONNECT_MIN_SECONDS must be positive, got %v", ErrInvalidConfig, r.MinSeconds)
		}
		if r.MaxSeconds < r.MinSeconds {
			return fmt.Errorf("%w: RECONNECT_MAX_SECONDS must be >= RECONNECT_MIN_SECONDS", ErrInvalidConfig)
		}
		if r.Multiplier < 1 {
			return fmt.Errorf("%w: RECONNECT_MULTIPLIER must be >= 1, got %v", ErrInvalidConfig, r.Multiplier)
		}
	case PolicyFixed:
		if r.FixedSeconds <= 0 {
			return fmt.Errorf("%w: RECONNECT_FIXED_SECONDS must be positive, got %v", ErrInvalidConfig, r.FixedSeconds)
		}
	default:
		return fmt.Errorf("%w: RECONNECT_POLICY must be %q or %q, got %q", ErrInvalidConfig, PolicyExponential, PolicyFixed, r.Policy)
	}

	if cfg.Probe.Enabled && cfg.Probe.TimeoutSeconds <= 0 {
		return fmt.Errorf("%w: PROBE_TIMEOUT_SECONDS must be positive, got %v", ErrInvalidConfig, cfg.Probe.TimeoutSeconds)
	}
	if cfg.Game.ReadTimeoutSeconds <= 0 {
		return fmt.Errorf("%w: READ_TIMEOUT_SECONDS must be positive, got %v", ErrInvalidConfig, cfg.Game.ReadTimeoutSeconds)
	}
	if cfg.Game.AntiAFKEnabled && cfg.Game.AntiAFKIntervalSeconds <= 0 {
		return fmt.Errorf("%w: ANTI_AFK_INTERVAL_SECONDS must be positive, got %v", ErrInvalidConfig, cfg.Game.AntiAFKIntervalSeconds)
	}
	if cfg.Discord.BotToken != "" && cfg.Discord.ChannelID == "" {
		return fmt.Errorf("%w: DISCORD_CHANNEL_ID is required when DISCORD_BOT_TOKEN is set", ErrInvalidConfig)
	}
	return nil
}

// Development reports whether verbose logging was requested.
func (c *BotConfig) Development() bool {
	return strings.EqualFold(c.Env, "development")
}

// Endpoint returns the validated game server endpoint.
func (c *BotConfig) Endpoint() shared.Endpoint {
	return shared.Endpoint{Host: c.Server.Address, Port: c.Server.Port}
}

func (c *BotConfig) Identity() shared.Identity {
	return shared.Identity{DisplayName: c.Username}
}

func (c *BotConfig) ProbeTimeout() time.Duration {
	return seconds(c.Probe.TimeoutSeconds)
}

func (c *BotConfig) ReadTimeout() time.Duration {
	return seconds(c.Game.ReadTimeoutSeconds)
}

// AntiAFKInterval is zero when the anti-AFK action is disabled.
func (c *BotConfig) AntiAFKInterval() time.Duration {
	if !c.Game.AntiAFKEnabled {
		return 0
	}
	return seconds(c.Game.AntiAFKIntervalSeconds)
}

func (r ReconnectConfig) Min() time.Duration   { return seconds(r.MinSeconds) }
func (r ReconnectConfig) Max() time.Duration   { return seconds(r.MaxSeconds) }
func (r ReconnectConfig) Fixed() time.Duration { return seconds(r.FixedSeconds) }

func seconds(s float64) time.Duration {
	return time.Duration(s * float64(time.Second))
}
