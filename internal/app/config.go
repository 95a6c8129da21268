package app

import (
	"time"

	"github.com/isoforge/isoforge-backend/internal/platform/envutil"
	"github.com/isoforge/isoforge-backend/internal/platform/logger"
)

// Config holds the knobs the composition root wires directly. Components
// that read their own environment (gateway options, worker config, reaper
// interval, file store) keep doing so; this struct is not a registry of
// every variable.
type Config struct {
	Port              string
	JWTSecretKey      string
	WorkerEnabled     bool
	MaxCostPerTaskUSD float64
	IdemTTL           time.Duration
	StreamMaxLen      int64
	Environment       string
	Version           string
}

func LoadConfig(log *logger.Logger) Config {
	cfg := Config{
		Port:              envutil.String("PORT", "8080"),
		JWTSecretKey:      envutil.String("JWT_SECRET_KEY", ""),
		WorkerEnabled:     envutil.Bool("WORKER_ENABLED", true),
		MaxCostPerTaskUSD: envutil.Float("MAX_COST_PER_TASK_USD", 5.00),
		IdemTTL:           envutil.Duration("IDEMPOTENCY_TTL_SECONDS", 86400),
		StreamMaxLen:      int64(envutil.Int("STREAM_MAXLEN", 10000)),
		Environment:       envutil.String("APP_ENV", "development"),
		Version:           envutil.String("APP_VERSION", "dev"),
	}
	log.Debug("Config loaded",
		"port", cfg.Port,
		"auth_enabled", cfg.JWTSecretKey != "",
		"worker_enabled", cfg.WorkerEnabled,
		"max_cost_per_task_usd", cfg.MaxCostPerTaskUSD,
		"idempotency_ttl", cfg.IdemTTL,
		"stream_maxlen", cfg.StreamMaxLen,
		"environment", cfg.Environment,
	)
	return cfg
}
