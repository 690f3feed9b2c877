package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/codleed/ephemeral-chat/auth"
	"github.com/codleed/ephemeral-chat/broker"
	"github.com/codleed/ephemeral-chat/broker/memory"
	"github.com/codleed/ephemeral-chat/broker/redis"
	"github.com/codleed/ephemeral-chat/chatservice"
	"github.com/codleed/ephemeral-chat/internal/config"
	"github.com/codleed/ephemeral-chat/internal/metrics"
	"github.com/codleed/ephemeral-chat/ratelimit"
	"github.com/codleed/ephemeral-chat/sessions"
	"github.com/codleed/ephemeral-chat/streaminghttp"
	"github.com/codleed/ephemeral-chat/wstransport"
	"github.com/spf13/cobra"
)

const shutdownTimeout = 10 * time.Second

func newServeCommand() *cobra.Command {
	var configPath string
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the chat relay",
		Long: `Run the chat relay. Configuration is read from built-in defaults, then the
optional TOML file given with --config, then CHAT_* environment variables.
When a config file is given it is watched and rate limits are reapplied on
change.`,
		Example: `  # In-memory relay on :8080
  ephemeral-chat serve

  # Redis-backed notification fan-out
  CHAT_BROKER=redis REDIS_ADDR=redis:6379 ephemeral-chat serve -c chat.toml`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := config.Load(configPath)
			if err != nil {
				return err
			}
			log, err := cfg.Logger(cmd.ErrOrStderr())
			if err != nil {
				return err
			}
			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()
			return runServe(ctx, cfg, configPath, log)
		},
	}
	cmd.Flags().StringVarP(&configPath, "config", "c", "", "TOML configuration file")
	return cmd
}

// server is the assembled relay.
type server struct {
	cfg     config.Config
	log     *slog.Logger
	metrics *metrics.Sink
	limiter *ratelimit.Limiter
	reg     *sessions.Registry
	svc     *chatservice.Service
	broker  broker.Broker
	handler http.Handler

	closers []func() error
}

// buildServer wires every component from cfg. Callers must call close.
func buildServer(ctx context.Context, cfg config.Config, log *slog.Logger) (*server, error) {
	s := &server{cfg: cfg, log: log, metrics: metrics.New()}

	switch cfg.Broker.Kind {
	case config.BrokerRedis:
		rb, err := redis.New(redis.Config{
			URL:       cfg.RedisURL(),
			KeyPrefix: cfg.Broker.KeyPrefix,
			MaxLen:    int64(cfg.Broker.History),
		})
		if err != nil {
			return nil, fmt.Errorf("redis broker: %w", err)
		}
		s.closers = append(s.closers, rb.Close)
		pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
		err = rb.Ping(pingCtx)
		cancel()
		if err != nil {
			s.close()
			return nil, fmt.Errorf("redis broker: %w", err)
		}
		s.broker = rb
	default:
		s.broker = memory.New(memory.WithHistoryLimit(cfg.Broker.History))
	}

	s.limiter = ratelimit.New(
		ratelimit.WithLimits(cfg.Limits()),
		ratelimit.WithLogger(log),
		ratelimit.WithMetrics(s.metrics),
	)
	notifier := chatservice.NewBrokerNotifier(s.broker,
		chatservice.WithNotifierLogger(log),
		chatservice.WithNotifierMetrics(s.metrics),
	)
	s.reg = sessions.NewRegistry(
		sessions.WithLifetime(cfg.Sessions.Lifetime),
		sessions.WithIdleTimeout(cfg.Sessions.IdleTimeout),
		sessions.WithRotationInterval(cfg.Sessions.RotationInterval),
		sessions.WithMaxParticipants(cfg.Sessions.MaxParticipants),
		sessions.WithLogger(log),
		sessions.WithMetrics(s.metrics),
		sessions.WithNotifier(notifier),
	)
	s.svc = chatservice.New(s.reg, s.limiter, s.broker,
		chatservice.WithLogger(log),
		chatservice.WithMetrics(s.metrics),
		chatservice.WithEventLimits(cfg.RateLimit.Events),
	)

	tokens, err := auth.NewTokenIssuer([]byte(cfg.Token.Secret),
		auth.WithTTL(cfg.Token.TTL),
		auth.WithIssuer(cfg.PublicURL),
	)
	if err != nil {
		s.close()
		return nil, err
	}
	if cfg.Token.Secret == "" {
		log.WarnContext(ctx, "server.token.ephemeral_secret")
	}

	s.metrics.Gauge("active_sessions", "Sessions currently live.", func() float64 { return float64(s.reg.Count()) })
	s.metrics.Gauge("session_connections", "Connections currently in a session.", func() float64 { return float64(s.reg.IndexedConnections()) })

	api, err := streaminghttp.New(cfg.PublicURL, s.svc, tokens,
		streaminghttp.WithLogger(log),
		streaminghttp.WithTrustProxy(cfg.TrustProxy),
		streaminghttp.WithMetricsHandler(s.metrics.Handler()),
	)
	if err != nil {
		s.close()
		return nil, err
	}

	mux := http.NewServeMux()
	mux.HandleFunc("GET /healthz", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
	})
	if cfg.WebSocketPath != "" {
		mux.Handle("GET "+cfg.WebSocketPath, wstransport.New(s.svc,
			wstransport.WithLogger(log),
			wstransport.WithTrustProxy(cfg.TrustProxy),
		))
	}
	mux.Handle("/", api)
	s.handler = mux
	return s, nil
}

func (s *server) close() {
	for i := len(s.closers) - 1; i >= 0; i-- {
		if err := s.closers[i](); err != nil {
			s.log.Warn("server.close.err", slog.String("err", err.Error()))
		}
	}
	s.closers = nil
}

// applyConfig installs the reloadable parts of cfg.
func (s *server) applyConfig(ctx context.Context, cfg config.Config) {
	s.limiter.SetLimits(cfg.Limits())
	s.svc.SetEventLimits(cfg.RateLimit.Events)
	s.log.InfoContext(ctx, "server.config.applied",
		slog.Int("per_connection", cfg.RateLimit.PerConnection),
		slog.Int("per_address", cfg.RateLimit.PerAddress),
	)
}

// runServe serves until ctx is done, then drains in-flight requests.
func runServe(ctx context.Context, cfg config.Config, configPath string, log *slog.Logger) error {
	s, err := buildServer(ctx, cfg, log)
	if err != nil {
		return err
	}
	defer s.close()

	bgCtx, cancel := context.WithCancel(ctx)
	defer cancel()
	var wg sync.WaitGroup
	wg.Add(2)
	go func() {
		defer wg.Done()
		s.reg.Run(bgCtx, cfg.Sessions.SweepInterval)
	}()
	go func() {
		defer wg.Done()
		s.limiter.Run(bgCtx, cfg.RateLimit.CleanupInterval)
	}()
	if configPath != "" {
		wg.Add(1)
		go func() {
			defer wg.Done()
			err := config.Watch(bgCtx, configPath, log, func(next config.Config) {
				s.applyConfig(bgCtx, next)
			})
			if err != nil {
				log.WarnContext(bgCtx, "config.watch.err", slog.String("err", err.Error()))
			}
		}()
	}

	srv := &http.Server{
		Addr:              cfg.ListenAddr,
		Handler:           s.handler,
		ReadHeaderTimeout: 10 * time.Second,
		BaseContext:       func(_ net.Listener) context.Context { return bgCtx },
	}
	errCh := make(chan error, 1)
	go func() {
		log.InfoContext(ctx, "server.start",
			slog.String("addr", cfg.ListenAddr),
			slog.String("public_url", cfg.PublicURL),
			slog.String("broker", cfg.Broker.Kind),
			slog.String("websocket_path", cfg.WebSocketPath),
		)
		errCh <- srv.ListenAndServe()
	}()

	select {
	case err := <-errCh:
		cancel()
		wg.Wait()
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	case <-ctx.Done():
	}

	log.Info("server.stop")
	shutdownCtx, done := context.WithTimeout(context.WithoutCancel(ctx), shutdownTimeout)
	defer done()
	// Cancelling the base context ends event streams so Shutdown can drain.
	cancel()
	err = srv.Shutdown(shutdownCtx)
	wg.Wait()
	if err != nil {
		return fmt.Errorf("shutdown: %w", err)
	}
	return nil
}
