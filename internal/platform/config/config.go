package config

import (
	"errors"
	"fmt"
	"log/slog"
	"net/url"
	"os"
	"time"

	"github.com/joho/godotenv"
	"go-simpler.org/env"
)

type Config struct {
	AppEnv        string `env:"APP_ENV" default:"development"`
	Port          string `env:"PORT" default:"8080"`
	AppURL        string `env:"APP_URL" default:"http://localhost:8080"`
	InstanceID    string `env:"INSTANCE_ID"`
	DatabaseURL   string `env:"DATABASE_URL"`
	RedisURL      string `env:"REDIS_URL"`
	OperatorToken string `env:"OPERATOR_TOKEN"`
	LogLevel      string `env:"LOG_LEVEL" default:"info"`
	LogFormat     string `env:"LOG_FORMAT" default:"text"`

	// Extra browser origins allowed to open sockets, comma separated.
	AllowedOrigins []string `env:"ALLOWED_ORIGINS"`

	MaxWebSocketConnections int     `env:"MAX_WEBSOCKET_CONNECTIONS" default:"10000"`
	MaxConnectionsPerIP     int     `env:"MAX_CONNECTIONS_PER_IP" default:"20"`
	FrameRatePerSecond      float64 `env:"WS_FRAME_RATE" default:"20"`
	FrameBurst              int     `env:"WS_FRAME_BURST" default:"40"`
	APIRatePerSecond        float64 `env:"API_RATE" default:"10"`
	APIBurst                int     `env:"API_BURST" default:"20"`

	ChatTick          time.Duration `env:"CHAT_TICK" default:"1s"`
	CallTick          time.Duration `env:"CALL_TICK" default:"5s"`
	RingTimeout       time.Duration `env:"RING_TIMEOUT" default:"45s"`
	DisconnectGrace   time.Duration `env:"DISCONNECT_GRACE" default:"30s"`
	LowBalanceWarn    time.Duration `env:"LOW_BALANCE_WARN" default:"60s"`
	MinBalanceMinutes int64         `env:"MIN_BALANCE_MINUTES" default:"1"`
	CommissionBps     int           `env:"COMMISSION_BPS" default:"2500"`
	MaxTickFailures   int           `env:"MAX_TICK_FAILURES" default:"3"`

	PresenceTTL         time.Duration `env:"PRESENCE_TTL" default:"60s"`
	BillingLeaseTTL     time.Duration `env:"BILLING_LEASE_TTL" default:"15s"`
	StaleSessionAfter   time.Duration `env:"STALE_SESSION_AFTER" default:"2m"`
	ReapInterval        time.Duration `env:"REAP_INTERVAL" default:"30s"`
	LedgerAuditSchedule string        `env:"LEDGER_AUDIT_SCHEDULE" default:"@every 1h"`
}

func (c *Config) IsProduction() bool {
	return c.AppEnv == "production"
}

func Load() (*Config, error) {
	if err := godotenv.Load(); err != nil {
		slog.Info("No .env file found, using environment variables")
	}

	var cfg Config
	if err := env.Load(&cfg, &env.Options{SliceSep: ","}); err != nil {
		return nil, fmt.Errorf("failed to load environment variables: %w", err)
	}

	if cfg.InstanceID == "" {
		cfg.InstanceID = defaultInstanceID()
	}

	if err := validate(&cfg); err != nil {
		return nil, err
	}

	return &cfg, nil
}

func defaultInstanceID() string {
	host, err := os.Hostname()
	if err != nil || host == "" {
		host = "consultline"
	}
	return fmt.Sprintf("%s-%d", host, os.Getpid())
}

func validate(cfg *Config) error {
	required := map[string]string{
		"DATABASE_URL":   cfg.DatabaseURL,
		"OPERATOR_TOKEN": cfg.OperatorToken,
	}
	for name, value := range required {
		if value == "" {
			return fmt.Errorf("%s is required", name)
		}
	}

	if len(cfg.OperatorToken) < 16 {
		return errors.New("OPERATOR_TOKEN must be at least 16 characters")
	}

	if cfg.IsProduction() {
		if cfg.RedisURL == "" {
			return errors.New("REDIS_URL is required in production")
		}
		if err := requireTLS(cfg.DatabaseURL); err != nil {
			return err
		}
	}

	positive := map[string]time.Duration{
		"CHAT_TICK":           cfg.ChatTick,
		"CALL_TICK":           cfg.CallTick,
		"RING_TIMEOUT":        cfg.RingTimeout,
		"DISCONNECT_GRACE":    cfg.DisconnectGrace,
		"PRESENCE_TTL":        cfg.PresenceTTL,
		"BILLING_LEASE_TTL":   cfg.BillingLeaseTTL,
		"STALE_SESSION_AFTER": cfg.StaleSessionAfter,
		"REAP_INTERVAL":       cfg.ReapInterval,
	}
	for name, d := range positive {
		if d <= 0 {
			return fmt.Errorf("%s must be positive", name)
		}
	}

	maxTick := max(cfg.ChatTick, cfg.CallTick)
	if cfg.BillingLeaseTTL < 2*maxTick {
		return fmt.Errorf("BILLING_LEASE_TTL (%s) must be at least twice the longest tick (%s)", cfg.BillingLeaseTTL, maxTick)
	}
	if cfg.StaleSessionAfter <= cfg.BillingLeaseTTL {
		return errors.New("STALE_SESSION_AFTER must exceed BILLING_LEASE_TTL")
	}
	if cfg.CommissionBps < 0 || cfg.CommissionBps > 10000 {
		return fmt.Errorf("COMMISSION_BPS must be between 0 and 10000, got %d", cfg.CommissionBps)
	}
	if cfg.MinBalanceMinutes < 0 {
		return errors.New("MIN_BALANCE_MINUTES must not be negative")
	}
	if cfg.MaxTickFailures < 1 {
		return errors.New("MAX_TICK_FAILURES must be at least 1")
	}
	for _, origin := range cfg.AllowedOrigins {
		u, err := url.Parse(origin)
		if err != nil || u.Host == "" || (u.Scheme != "http" && u.Scheme != "https") {
			return fmt.Errorf("ALLOWED_ORIGINS entry %q is not an http(s) origin", origin)
		}
	}
	if cfg.FrameRatePerSecond <= 0 || cfg.FrameBurst < 1 {
		return errors.New("WS_FRAME_RATE and WS_FRAME_BURST must be positive")
	}

	return nil
}

func requireTLS(databaseURL string) error {
	u, err := url.Parse(databaseURL)
	if err != nil {
		return fmt.Errorf("DATABASE_URL is not a valid URL: %w", err)
	}
	switch u.Query().Get("sslmode") {
	case "disable", "allow":
		return errors.New("DATABASE_URL must not use sslmode=disable or sslmode=allow in production")
	}
	return nil
}
