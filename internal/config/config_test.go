package config

import (
	"context"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/codleed/ephemeral-chat/ratelimit"
)

func writeFile(t *testing.T, path, body string) {
	t.Helper()
	if err := os.WriteFile(path, []byte(body), 0o600); err != nil {
		t.Fatalf("write %s: %v", path, err)
	}
}

func TestDefaults(t *testing.T) {
	cfg, err := Load("")
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.Limits() != ratelimit.DefaultLimits() {
		t.Fatalf("limits: %+v", cfg.Limits())
	}
	if cfg.Sessions.Lifetime != 10*time.Minute || cfg.Sessions.IdleTimeout != 5*time.Minute || cfg.Sessions.MaxParticipants != 10 {
		t.Fatalf("sessions: %+v", cfg.Sessions)
	}
	if cfg.Broker.Kind != BrokerMemory {
		t.Fatalf("broker kind: %q", cfg.Broker.Kind)
	}
	if cfg.RateLimit.Events["create-session"] != 5 {
		t.Fatalf("event limits: %+v", cfg.RateLimit.Events)
	}
}

func TestFileThenEnv(t *testing.T) {
	path := filepath.Join(t.TempDir(), "chat.toml")
	writeFile(t, path, `
listen_addr = ":9000"
trust_proxy = true

[sessions]
lifetime = "20m"
max_participants = 4

[rate_limit]
per_connection = 50

[rate_limit.events]
send-message = 30

[broker]
kind = "redis"
`)
	t.Setenv("CHAT_LISTEN_ADDR", ":9100")
	t.Setenv("CHAT_RATE_ADDR_LIMIT", "900")

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.ListenAddr != ":9100" {
		t.Fatalf("env should win over file, got %q", cfg.ListenAddr)
	}
	if !cfg.TrustProxy || cfg.Sessions.Lifetime != 20*time.Minute || cfg.Sessions.MaxParticipants != 4 {
		t.Fatalf("file values not applied: %+v", cfg)
	}
	if cfg.RateLimit.PerConnection != 50 || cfg.RateLimit.PerAddress != 900 {
		t.Fatalf("rate limits: %+v", cfg.RateLimit)
	}
	if cfg.RateLimit.Events["send-message"] != 30 {
		t.Fatalf("event limits: %+v", cfg.RateLimit.Events)
	}
	if cfg.Sessions.IdleTimeout != 5*time.Minute {
		t.Fatalf("defaults should survive partial files, got %v", cfg.Sessions.IdleTimeout)
	}
	if cfg.RedisURL() != "redis://localhost:6379" {
		t.Fatalf("redis url: %s", cfg.RedisURL())
	}
}

func TestInvalidConfig(t *testing.T) {
	dir := t.TempDir()
	cases := map[string]string{
		"unknown key":  `listne_addr = ":1"`,
		"bad broker":   "[broker]\nkind = \"kafka\"",
		"bad level":    "[log]\nlevel = \"loud\"",
		"short secret": "[token]\nsecret = \"abc\"",
	}
	for name, body := range cases {
		t.Run(name, func(t *testing.T) {
			path := filepath.Join(dir, strings.ReplaceAll(name, " ", "_")+".toml")
			writeFile(t, path, body)
			if _, err := Load(path); err == nil {
				t.Fatalf("expected error")
			}
		})
	}
	if _, err := Load(filepath.Join(dir, "missing.toml")); err == nil {
		t.Fatalf("missing file should fail")
	}
}

func TestLogger(t *testing.T) {
	var buf strings.Builder
	cfg := Default()
	cfg.Log.Format = "json"
	cfg.Log.Level = "warn"
	log, err := cfg.Logger(&buf)
	if err != nil {
		t.Fatalf("Logger: %v", err)
	}
	log.Info("quiet")
	log.Warn("loud", slog.String("k", "v"))
	out := buf.String()
	if strings.Contains(out, "quiet") || !strings.Contains(out, `"msg":"loud"`) {
		t.Fatalf("unexpected output: %s", out)
	}
}

func TestWatchReloads(t *testing.T) {
	path := filepath.Join(t.TempDir(), "chat.toml")
	writeFile(t, path, "[rate_limit]\nper_connection = 10\n")

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	got := make(chan Config, 4)
	done := make(chan error, 1)
	go func() {
		done <- Watch(ctx, path, slog.New(slog.DiscardHandler), func(c Config) { got <- c })
	}()

	// Give the watcher time to register before the write.
	time.Sleep(100 * time.Millisecond)
	writeFile(t, path, "[rate_limit]\nper_connection = 42\n")

	select {
	case c := <-got:
		if c.RateLimit.PerConnection != 42 {
			t.Fatalf("reloaded per_connection: %d", c.RateLimit.PerConnection)
		}
	case <-time.After(3 * time.Second):
		t.Fatal("no reload observed")
	}

	cancel()
	select {
	case err := <-done:
		if err != nil {
			t.Fatalf("Watch: %v", err)
		}
	case <-time.After(time.Second):
		t.Fatal("Watch did not stop")
	}
}
