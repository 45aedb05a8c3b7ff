// Package middleware provides HTTP middleware components for the opmsync API.
package middleware

import (
	"time"

	"github.com/opmsync-io/opmsync/internal/config"
)

// Config holds the rate limiter settings: sustained rates in requests per
// second for the three tiers, optional burst overrides, and the operator-map
// cleanup knobs. Burst fields left at 0 get the 2x-rate default.
type Config struct {
	GlobalRPS   int
	OperatorRPS int
	UnAuthRPS   int

	GlobalBurst   int
	OperatorBurst int
	UnAuthBurst   int

	CleanupInterval time.Duration
	IdleTimeout     time.Duration
	MaxOperators    int
}

// LoadConfig reads the rate limiter settings from OPMSYNC_*_RPS,
// OPMSYNC_*_BURST, and OPMSYNC_RATE_LIMIT_* environment variables. Burst
// variables default to 0, which means auto-compute.
func LoadConfig() *Config {
	return &Config{
		GlobalRPS:   config.GetEnvInt("OPMSYNC_GLOBAL_RPS", defaultGlobalRPS),
		OperatorRPS: config.GetEnvInt("OPMSYNC_OPERATOR_RPS", defaultOperatorRPS),
		UnAuthRPS:   config.GetEnvInt("OPMSYNC_UNAUTH_RPS", defaultUnAuthRPS),

		GlobalBurst:   config.GetEnvInt("OPMSYNC_GLOBAL_BURST", 0),
		OperatorBurst: config.GetEnvInt("OPMSYNC_OPERATOR_BURST", 0),
		UnAuthBurst:   config.GetEnvInt("OPMSYNC_UNAUTH_BURST", 0),

		CleanupInterval: config.GetEnvDuration(
			"OPMSYNC_RATE_LIMIT_CLEANUP_INTERVAL", defaultCleanupInterval),
		IdleTimeout:  config.GetEnvDuration("OPMSYNC_RATE_LIMIT_IDLE_TIMEOUT", defaultIdleTimeout),
		MaxOperators: config.GetEnvInt("OPMSYNC_RATE_LIMIT_MAX_OPERATORS", defaultMaxOperators),
	}
}
