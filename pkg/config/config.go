// Package config loads server configuration from the environment and the
// policy profile from YAML.
package config

import (
	"fmt"
	"os"
	"strconv"
	"time"
)

// Defaults. All of these are overridable via environment variables; the
// confirmation timeout and rate-limit parameters are deliberately
// configuration inputs rather than constants.
const (
	DefaultListenAddr        = "127.0.0.1:8377"
	DefaultSessionTTL        = 30 * time.Minute
	DefaultConfirmTimeout    = 2 * time.Minute
	DefaultRateWindow        = time.Minute
	DefaultRateMaxCalls      = 10
	DefaultRateCooldown      = 30 * time.Second
	DefaultStaleGrace        = 5 * time.Second
	DefaultActionTimeout     = 10 * time.Second
	DefaultMaxWalkDepth      = 25
	DefaultSweepInterval     = 30 * time.Second
	DefaultGlobalRPS         = 50
	DefaultGlobalBurst       = 100
	DefaultAuditPath         = "warden-audit.jsonl"
	DefaultPolicyProfilePath = "policy.yaml"
)

// Config holds server configuration.
type Config struct {
	ListenAddr string
	LogLevel   string

	// AgentSecret is the shared secret proving the caller is the trusted
	// local client. The server refuses to start without it.
	AgentSecret string

	AuditPath         string
	PolicyProfilePath string

	SessionTTL     time.Duration
	ConfirmTimeout time.Duration
	StaleGrace     time.Duration
	ActionTimeout  time.Duration
	MaxWalkDepth   int
	SweepInterval  time.Duration

	// Transport-level per-IP limiter, independent of the per-endpoint
	// domain limiter.
	GlobalRPS   int
	GlobalBurst int

	// Observability (disabled unless WARDEN_OTLP_ENDPOINT is set).
	OTLPEndpoint string
	Environment  string
}

// Load reads configuration from environment variables, applying defaults.
func Load() (*Config, error) {
	cfg := &Config{
		ListenAddr:        envOr("WARDEN_LISTEN_ADDR", DefaultListenAddr),
		LogLevel:          envOr("WARDEN_LOG_LEVEL", "INFO"),
		AgentSecret:       os.Getenv("WARDEN_AGENT_SECRET"),
		AuditPath:         envOr("WARDEN_AUDIT_PATH", DefaultAuditPath),
		PolicyProfilePath: envOr("WARDEN_POLICY_PROFILE", DefaultPolicyProfilePath),
		SessionTTL:        DefaultSessionTTL,
		ConfirmTimeout:    DefaultConfirmTimeout,
		StaleGrace:        DefaultStaleGrace,
		ActionTimeout:     DefaultActionTimeout,
		MaxWalkDepth:      DefaultMaxWalkDepth,
		SweepInterval:     DefaultSweepInterval,
		GlobalRPS:         DefaultGlobalRPS,
		GlobalBurst:       DefaultGlobalBurst,
		OTLPEndpoint:      os.Getenv("WARDEN_OTLP_ENDPOINT"),
		Environment:       envOr("WARDEN_ENVIRONMENT", "development"),
	}

	if cfg.AgentSecret == "" {
		return nil, fmt.Errorf("config: WARDEN_AGENT_SECRET is required")
	}

	var err error
	if cfg.SessionTTL, err = envDuration("WARDEN_SESSION_TTL", cfg.SessionTTL); err != nil {
		return nil, err
	}
	if cfg.ConfirmTimeout, err = envDuration("WARDEN_CONFIRM_TIMEOUT", cfg.ConfirmTimeout); err != nil {
		return nil, err
	}
	if cfg.StaleGrace, err = envDuration("WARDEN_STALE_GRACE", cfg.StaleGrace); err != nil {
		return nil, err
	}
	if cfg.ActionTimeout, err = envDuration("WARDEN_ACTION_TIMEOUT", cfg.ActionTimeout); err != nil {
		return nil, err
	}
	if cfg.SweepInterval, err = envDuration("WARDEN_SWEEP_INTERVAL", cfg.SweepInterval); err != nil {
		return nil, err
	}
	if cfg.MaxWalkDepth, err = envInt("WARDEN_MAX_WALK_DEPTH", cfg.MaxWalkDepth); err != nil {
		return nil, err
	}
	if cfg.GlobalRPS, err = envInt("WARDEN_GLOBAL_RPS", cfg.GlobalRPS); err != nil {
		return nil, err
	}
	if cfg.GlobalBurst, err = envInt("WARDEN_GLOBAL_BURST", cfg.GlobalBurst); err != nil {
		return nil, err
	}

	return cfg, nil
}

func envOr(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

func envDuration(key string, fallback time.Duration) (time.Duration, error) {
	v := os.Getenv(key)
	if v == "" {
		return fallback, nil
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		return 0, fmt.Errorf("config: %s: %w", key, err)
	}
	return d, nil
}

func envInt(key string, fallback int) (int, error) {
	v := os.Getenv(key)
	if v == "" {
		return fallback, nil
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return 0, fmt.Errorf("config: %s: %w", key, err)
	}
	return n, nil
}
