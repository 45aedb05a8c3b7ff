// Package engine runs the outbound synchronization pipeline: the dispatcher
// that drives queued jobs to a terminal state, the backup poller, trigger
// verification, the dry-run simulator, and the supervisor that owns their
// lifecycle.
package engine

import (
	"errors"
	"fmt"
	"time"

	"github.com/opmsync-io/opmsync/internal/config"
)

// ErrInvalidEngineConfig is returned when engine configuration validation fails.
var ErrInvalidEngineConfig = errors.New("invalid engine configuration")

// Engine defaults. The rate and retry values are contract, not tuning: the
// ERP endpoint accepts at most 10 requests in any sliding second with 100 ms
// between requests, and retries back off 2s/4s/8s capped at 30s.
const (
	DefaultDispatchInterval = 5 * time.Second
	DefaultPollInterval     = 60 * time.Second
	DefaultPollBatchSize    = 100
	DefaultLeaseTTL         = 10 * time.Minute
	DefaultHealthInterval   = 30 * time.Second
	DefaultGraceWindow      = 30 * time.Second
	DefaultMaxRestarts      = 3

	DefaultWindowLimit = 10
	DefaultWindow      = time.Second
	DefaultMinSpacing  = 100 * time.Millisecond
)

// Config holds the engine settings, loaded from environment variables.
type Config struct {
	// DispatchInterval is the dispatcher's idle tick. A non-empty queue is
	// drained continuously; the tick only bounds idle latency.
	DispatchInterval time.Duration

	// PollInterval and PollBatchSize control the backup change poller.
	PollInterval  time.Duration
	PollBatchSize int

	// LeaseTTL is how long a PROCESSING claim survives a dead dispatcher
	// before reclaim.
	LeaseTTL time.Duration

	// HealthInterval is the supervisor's periodic health evaluation cadence.
	HealthInterval time.Duration

	// GraceWindow bounds graceful shutdown: the in-flight job may finish
	// within it, after that the job is abandoned to lease reclaim.
	GraceWindow time.Duration

	// MaxRestarts bounds per-component automatic restarts after panics.
	MaxRestarts int

	// WindowLimit upserts per Window, plus MinSpacing between consecutive
	// upserts.
	WindowLimit int
	Window      time.Duration
	MinSpacing  time.Duration

	// Retry is the dispatcher's backoff and classification policy.
	Retry RetryPolicy
}

// LoadConfig reads the engine configuration from environment variables.
func LoadConfig() *Config {
	return &Config{
		DispatchInterval: config.GetEnvDuration("OPMSYNC_DISPATCH_INTERVAL", DefaultDispatchInterval),
		PollInterval:     config.GetEnvDuration("OPMSYNC_POLL_INTERVAL", DefaultPollInterval),
		PollBatchSize:    config.GetEnvInt("OPMSYNC_POLL_BATCH_SIZE", DefaultPollBatchSize),
		LeaseTTL:         config.GetEnvDuration("OPMSYNC_LEASE_TTL", DefaultLeaseTTL),
		HealthInterval:   config.GetEnvDuration("OPMSYNC_HEALTH_INTERVAL", DefaultHealthInterval),
		GraceWindow:      config.GetEnvDuration("OPMSYNC_SHUTDOWN_GRACE", DefaultGraceWindow),
		MaxRestarts:      config.GetEnvInt("OPMSYNC_MAX_COMPONENT_RESTARTS", DefaultMaxRestarts),
		WindowLimit:      config.GetEnvInt("OPMSYNC_RATE_LIMIT", DefaultWindowLimit),
		Window:           config.GetEnvDuration("OPMSYNC_RATE_WINDOW", DefaultWindow),
		MinSpacing:       config.GetEnvDuration("OPMSYNC_MIN_SPACING", DefaultMinSpacing),
		Retry:            LoadRetryPolicy(),
	}
}

// Validate checks the engine configuration.
func (c *Config) Validate() error {
	if c.DispatchInterval <= 0 {
		return fmt.Errorf("%w: dispatch interval must be positive", ErrInvalidEngineConfig)
	}

	if c.PollInterval <= 0 {
		return fmt.Errorf("%w: poll interval must be positive", ErrInvalidEngineConfig)
	}

	if c.PollBatchSize <= 0 {
		return fmt.Errorf("%w: poll batch size must be positive", ErrInvalidEngineConfig)
	}

	if c.LeaseTTL <= 0 {
		return fmt.Errorf("%w: lease TTL must be positive", ErrInvalidEngineConfig)
	}

	if c.WindowLimit <= 0 || c.Window <= 0 {
		return fmt.Errorf("%w: rate window must allow at least one request", ErrInvalidEngineConfig)
	}

	if c.MinSpacing < 0 {
		return fmt.Errorf("%w: min spacing cannot be negative", ErrInvalidEngineConfig)
	}

	if c.MaxRestarts < 0 {
		return fmt.Errorf("%w: max restarts cannot be negative", ErrInvalidEngineConfig)
	}

	return c.Retry.Validate()
}
