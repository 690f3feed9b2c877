// Package config loads server configuration from defaults, an optional TOML
// file and the environment, in increasing order of precedence.
package config

import (
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/url"
	"os"
	"strings"
	"time"

	"github.com/BurntSushi/toml"
	"github.com/codleed/ephemeral-chat/chatservice"
	"github.com/codleed/ephemeral-chat/internal/logctx"
	"github.com/codleed/ephemeral-chat/ratelimit"
	"github.com/codleed/ephemeral-chat/sessions"
	"github.com/joeshaw/envdecode"
)

// Broker kinds.
const (
	BrokerMemory = "memory"
	BrokerRedis  = "redis"
)

// Config is the complete server configuration.
type Config struct {
	// ListenAddr like ":8080". ENV: CHAT_LISTEN_ADDR
	ListenAddr string `toml:"listen_addr" env:"CHAT_LISTEN_ADDR"`
	// PublicURL is the externally visible base URL, used as the token issuer. ENV: CHAT_PUBLIC_URL
	PublicURL string `toml:"public_url" env:"CHAT_PUBLIC_URL"`
	// TrustProxy takes the client address from X-Forwarded-For. ENV: CHAT_TRUST_PROXY
	TrustProxy bool `toml:"trust_proxy" env:"CHAT_TRUST_PROXY"`
	// WebSocketPath enables the WebSocket transport when non-empty. ENV: CHAT_WEBSOCKET_PATH
	WebSocketPath string `toml:"websocket_path" env:"CHAT_WEBSOCKET_PATH"`

	Token     TokenConfig     `toml:"token"`
	Sessions  SessionConfig   `toml:"sessions"`
	RateLimit RateLimitConfig `toml:"rate_limit"`
	Broker    BrokerConfig    `toml:"broker"`
	Log       LogConfig       `toml:"log"`
}

type TokenConfig struct {
	// Secret signs connection tokens. Empty means a random per-process secret. ENV: CHAT_TOKEN_SECRET
	Secret string `toml:"secret" env:"CHAT_TOKEN_SECRET"`
	// TTL ENV: CHAT_TOKEN_TTL
	TTL time.Duration `toml:"ttl" env:"CHAT_TOKEN_TTL"`
}

type SessionConfig struct {
	Lifetime         time.Duration `toml:"lifetime" env:"CHAT_SESSION_LIFETIME"`
	IdleTimeout      time.Duration `toml:"idle_timeout" env:"CHAT_IDLE_TIMEOUT"`
	RotationInterval time.Duration `toml:"rotation_interval" env:"CHAT_ROTATION_INTERVAL"`
	MaxParticipants  int           `toml:"max_participants" env:"CHAT_MAX_PARTICIPANTS"`
	SweepInterval    time.Duration `toml:"sweep_interval" env:"CHAT_SWEEP_INTERVAL"`
}

// RateLimitConfig holds the limiter ceilings. These are the values applied
// again when the config file changes.
type RateLimitConfig struct {
	Window          time.Duration `toml:"window" env:"CHAT_RATE_WINDOW"`
	PerConnection   int           `toml:"per_connection" env:"CHAT_RATE_CONN_LIMIT"`
	PerAddress      int           `toml:"per_address" env:"CHAT_RATE_ADDR_LIMIT"`
	CleanupInterval time.Duration `toml:"cleanup_interval" env:"CHAT_RATE_CLEANUP_INTERVAL"`
	// Events maps event names to secondary per-window ceilings.
	Events map[string]int `toml:"events"`
}

type BrokerConfig struct {
	// Kind is "memory" or "redis". ENV: CHAT_BROKER
	Kind string `toml:"kind" env:"CHAT_BROKER"`
	// RedisAddr like "localhost:6379". ENV: REDIS_ADDR
	RedisAddr string `toml:"redis_addr" env:"REDIS_ADDR"`
	// KeyPrefix for all Redis keys. ENV: CHAT_BROKER_KEY_PREFIX
	KeyPrefix string `toml:"key_prefix" env:"CHAT_BROKER_KEY_PREFIX"`
	// History bounds retained notifications per connection. ENV: CHAT_BROKER_HISTORY
	History int `toml:"history" env:"CHAT_BROKER_HISTORY"`
}

type LogConfig struct {
	// Level is debug, info, warn or error. ENV: CHAT_LOG_LEVEL
	Level string `toml:"level" env:"CHAT_LOG_LEVEL"`
	// Format is text or json. ENV: CHAT_LOG_FORMAT
	Format string `toml:"format" env:"CHAT_LOG_FORMAT"`
}

// Default returns the built-in configuration.
func Default() Config {
	limits := ratelimit.DefaultLimits()
	events := make(map[string]int, len(chatservice.DefaultEventLimits))
	for k, v := range chatservice.DefaultEventLimits {
		events[k] = v
	}
	return Config{
		ListenAddr: ":8080",
		PublicURL:  "http://localhost:8080",
		Token:      TokenConfig{TTL: 12 * time.Hour},
		Sessions: SessionConfig{
			Lifetime:         sessions.DefaultLifetime,
			IdleTimeout:      sessions.DefaultIdleTimeout,
			RotationInterval: sessions.DefaultRotationInterval,
			MaxParticipants:  sessions.DefaultMaxParticipants,
			SweepInterval:    30 * time.Second,
		},
		RateLimit: RateLimitConfig{
			Window:          limits.Window,
			PerConnection:   limits.PerConnection,
			PerAddress:      limits.PerAddress,
			CleanupInterval: 5 * time.Minute,
			Events:          events,
		},
		Broker: BrokerConfig{
			Kind:      BrokerMemory,
			RedisAddr: "localhost:6379",
			KeyPrefix: "ephemeral-chat:broker:",
			History:   256,
		},
		Log: LogConfig{Level: "info", Format: "text"},
	}
}

// Load builds a Config from defaults, the TOML file at path (if non-empty)
// and the environment.
func Load(path string) (Config, error) {
	cfg := Default()
	if path != "" {
		md, err := toml.DecodeFile(path, &cfg)
		if err != nil {
			return Config{}, fmt.Errorf("read config %s: %w", path, err)
		}
		if undecoded := md.Undecoded(); len(undecoded) > 0 {
			keys := make([]string, len(undecoded))
			for i, k := range undecoded {
				keys[i] = k.String()
			}
			return Config{}, fmt.Errorf("config %s: unknown keys: %s", path, strings.Join(keys, ", "))
		}
	}
	if err := envdecode.Decode(&cfg); err != nil && !errors.Is(err, envdecode.ErrNoTargetFieldsAreSet) {
		return Config{}, fmt.Errorf("decode environment: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// Validate reports the first invalid setting.
func (c Config) Validate() error {
	switch c.Broker.Kind {
	case BrokerMemory, BrokerRedis:
	default:
		return fmt.Errorf("broker.kind must be %q or %q, got %q", BrokerMemory, BrokerRedis, c.Broker.Kind)
	}
	if c.PublicURL != "" {
		if _, err := url.Parse(c.PublicURL); err != nil {
			return fmt.Errorf("public_url: %w", err)
		}
	}
	if s := c.Token.Secret; s != "" && len(s) < 32 {
		return errors.New("token.secret must be at least 32 bytes")
	}
	if c.Sessions.MaxParticipants < 0 {
		return errors.New("sessions.max_participants must not be negative")
	}
	if c.RateLimit.PerConnection < 0 || c.RateLimit.PerAddress < 0 || c.RateLimit.Window < 0 {
		return errors.New("rate_limit values must not be negative")
	}
	if _, err := parseLevel(c.Log.Level); err != nil {
		return err
	}
	switch strings.ToLower(c.Log.Format) {
	case "", "text", "json":
	default:
		return fmt.Errorf("log.format must be text or json, got %q", c.Log.Format)
	}
	return nil
}

// Limits returns the limiter ceilings.
func (c Config) Limits() ratelimit.Limits {
	return ratelimit.Limits{
		Window:        c.RateLimit.Window,
		PerConnection: c.RateLimit.PerConnection,
		PerAddress:    c.RateLimit.PerAddress,
	}
}

// RedisURL returns the broker address as a redis:// URL.
func (c Config) RedisURL() string {
	if strings.Contains(c.Broker.RedisAddr, "://") {
		return c.Broker.RedisAddr
	}
	return "redis://" + c.Broker.RedisAddr
}

// Logger builds the process logger writing to w. Records are enriched with
// request, connection, session and event attributes carried on the context.
func (c Config) Logger(w io.Writer) (*slog.Logger, error) {
	if w == nil {
		w = os.Stderr
	}
	level, err := parseLevel(c.Log.Level)
	if err != nil {
		return nil, err
	}
	opts := &slog.HandlerOptions{Level: level}
	var h slog.Handler
	if strings.EqualFold(c.Log.Format, "json") {
		h = slog.NewJSONHandler(w, opts)
	} else {
		h = slog.NewTextHandler(w, opts)
	}
	return slog.New(logctx.Handler{Handler: h}), nil
}

func parseLevel(s string) (slog.Level, error) {
	var level slog.Level
	if s == "" {
		return slog.LevelInfo, nil
	}
	if err := level.UnmarshalText([]byte(s)); err != nil {
		return 0, fmt.Errorf("log.level: %w", err)
	}
	return level, nil
}
