// Command warden runs the local host-automation control plane: an HTTP
// server that authenticates a single trusted agent, applies policy and rate
// limits to every automation request, parks risky actions for operator
// confirmation, and writes a hash-chained audit trail.
package main

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/hostpilot/warden/pkg/api"
	"github.com/hostpilot/warden/pkg/audit"
	"github.com/hostpilot/warden/pkg/auth"
	"github.com/hostpilot/warden/pkg/config"
	"github.com/hostpilot/warden/pkg/confirm"
	"github.com/hostpilot/warden/pkg/dispatch"
	"github.com/hostpilot/warden/pkg/element"
	"github.com/hostpilot/warden/pkg/observability"
	"github.com/hostpilot/warden/pkg/policy"
	"github.com/hostpilot/warden/pkg/ratelimit"
	"github.com/hostpilot/warden/pkg/session"
)

func main() {
	if err := run(); err != nil {
		slog.Error("warden exited", "error", err)
		os.Exit(1)
	}
}

func run() error {
	cfg, err := config.Load()
	if err != nil {
		return err
	}

	logger := newLogger(cfg.LogLevel)
	slog.SetDefault(logger)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	obs, err := observability.New(ctx, &observability.Config{
		ServiceName:  "warden",
		Environment:  cfg.Environment,
		OTLPEndpoint: cfg.OTLPEndpoint,
		SampleRate:   1.0,
		BatchTimeout: 5 * time.Second,
		Enabled:      cfg.OTLPEndpoint != "",
		Insecure:     true, // local collector only
	})
	if err != nil {
		return err
	}
	defer func() {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = obs.Shutdown(shutdownCtx)
	}()

	profile, err := config.LoadProfile(cfg.PolicyProfilePath)
	if err != nil {
		return err
	}
	engine, err := policy.NewEngine(profile)
	if err != nil {
		return err
	}

	codec, err := session.NewTokenCodec(cfg.AgentSecret)
	if err != nil {
		return err
	}
	sessions := session.NewStore(codec, cfg.SessionTTL, nil)
	gate := confirm.NewGate(cfg.ConfirmTimeout, nil)
	sessions.OnExpire(func(id string) {
		if n := gate.ExpireForSession(id); n > 0 {
			logger.Info("expired pending confirmations with session", "session_id", id, "count", n)
		}
	})

	limiter := ratelimit.New(func(endpoint string) ratelimit.Limit {
		spec := profile.LimitFor(endpoint)
		return ratelimit.Limit{
			Window:   spec.Window(),
			MaxCalls: spec.Calls(),
			Cooldown: spec.CooldownDuration(),
		}
	}, nil)

	log, err := audit.Open(cfg.AuditPath, nil)
	if err != nil {
		return err
	}
	defer log.Close()

	caps := hostCapabilities()
	index := element.NewIndex(caps, cfg.StaleGrace, cfg.MaxWalkDepth, nil)
	dispatcher := dispatch.New(engine, limiter, gate, sessions, log, obs, cfg.ActionTimeout, logger)

	guard := auth.NewGuard(cfg.AgentSecret, sessions)
	server, err := api.NewServer(guard, sessions, dispatcher, index, caps,
		cfg.GlobalRPS, cfg.GlobalBurst, logger)
	if err != nil {
		return err
	}

	go sweepLoop(ctx, cfg.SweepInterval, sessions, gate, logger)

	httpServer := &http.Server{
		Addr:              cfg.ListenAddr,
		Handler:           server.Handler(),
		ReadHeaderTimeout: 5 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		logger.Info("warden listening",
			"addr", cfg.ListenAddr,
			"policy_profile", cfg.PolicyProfilePath,
			"audit_path", cfg.AuditPath,
		)
		errCh <- httpServer.ListenAndServe()
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
	}

	logger.Info("shutting down")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := httpServer.Shutdown(shutdownCtx); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

// sweepLoop expires idle sessions and stale pending confirmations on a
// fixed interval, so state is bounded even with no traffic.
func sweepLoop(ctx context.Context, interval time.Duration, sessions *session.Store, gate *confirm.Gate, logger *slog.Logger) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if n := sessions.SweepExpired(); n > 0 {
				logger.Info("swept expired sessions", "count", n)
			}
			if n := gate.Sweep(); n > 0 {
				logger.Info("swept expired confirmations", "count", n)
			}
		}
	}
}

func newLogger(level string) *slog.Logger {
	var lvl slog.Level
	switch strings.ToUpper(level) {
	case "DEBUG":
		lvl = slog.LevelDebug
	case "WARN":
		lvl = slog.LevelWarn
	case "ERROR":
		lvl = slog.LevelError
	default:
		lvl = slog.LevelInfo
	}
	return slog.New(slog.NewJSONHandler(os.Stderr, &slog.HandlerOptions{Level: lvl}))
}
