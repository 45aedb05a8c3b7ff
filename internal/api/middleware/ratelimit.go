// Package middleware provides HTTP middleware components for the opmsync API.
package middleware

import (
	"log/slog"
	"net/http"
	"sync"
	"time"

	"golang.org/x/time/rate"
)

const (
	defaultGlobalRPS   = 100
	defaultOperatorRPS = 50
	defaultUnAuthRPS   = 10

	// Unset burst overrides fall back to 2x the sustained rate, which
	// admits a two-second burst.
	burstCapacityMultiplier = 2

	defaultCleanupInterval = 5 * time.Minute
	defaultIdleTimeout     = 1 * time.Hour
	defaultMaxOperators    = 1000

	// Reaching this fraction of the operator cap logs a growth warning.
	warnThresholdFraction = 0.8
	warnThresholdPercent  = 80
)

type (
	// RateLimiter is the admission check the middleware consults per request.
	//
	// The in-memory implementation suits a single node; a replicated API
	// would back this with a shared store.
	RateLimiter interface {
		// Allow reports whether the request may proceed. operatorID is the
		// authenticated operator, or empty for anonymous requests.
		Allow(operatorID string) bool
	}

	// InMemoryRateLimiter enforces three stacked token buckets: one global,
	// one per authenticated operator, one shared by all anonymous callers.
	// Operator buckets are created on first use and swept away again once
	// idle past the timeout.
	InMemoryRateLimiter struct {
		global          *rate.Limiter
		perOperator     map[string]*operatorLimiter
		unauthenticated *rate.Limiter
		mu              sync.RWMutex
		cleanupTicker   *time.Ticker
		done            chan struct{}

		operatorRPS     int
		operatorBurst   int
		cleanupInterval time.Duration
		idleTimeout     time.Duration
		maxOperators    int
	}

	// operatorLimiter pairs one operator's bucket with its last access time
	// so the cleanup pass can spot idle entries.
	operatorLimiter struct {
		limiter    *rate.Limiter
		lastAccess time.Time
		mu         sync.Mutex
	}
)

// NewInMemoryRateLimiter builds the limiter and starts its cleanup loop.
// Close releases the loop when the limiter is discarded:
//
//	rl := NewInMemoryRateLimiter(&Config{
//	    GlobalRPS:   100,
//	    OperatorRPS: 50,
//	    UnAuthRPS:   10,
//	})
//	defer rl.Close()
func NewInMemoryRateLimiter(config *Config) *InMemoryRateLimiter {
	rl := &InMemoryRateLimiter{
		global: rate.NewLimiter(
			rate.Limit(config.GlobalRPS), burstOrDefault(config.GlobalRPS, config.GlobalBurst)),
		perOperator: make(map[string]*operatorLimiter),
		unauthenticated: rate.NewLimiter(
			rate.Limit(config.UnAuthRPS), burstOrDefault(config.UnAuthRPS, config.UnAuthBurst)),
		done:            make(chan struct{}),
		operatorRPS:     config.OperatorRPS,
		operatorBurst:   burstOrDefault(config.OperatorRPS, config.OperatorBurst),
		cleanupInterval: config.CleanupInterval,
		idleTimeout:     config.IdleTimeout,
		maxOperators:    config.MaxOperators,
	}

	rl.startCleanup()

	return rl
}

// burstOrDefault applies the 2x-rate default when no override is set.
func burstOrDefault(rps, override int) int {
	if override > 0 {
		return override
	}

	return rps * burstCapacityMultiplier
}

// Allow reports whether a request may proceed. The global bucket is charged
// first, then the tier matching the caller: per-operator for authenticated
// requests, the shared anonymous bucket otherwise.
func (rl *InMemoryRateLimiter) Allow(operatorID string) bool {
	if !rl.global.Allow() {
		return false
	}

	if operatorID == "" {
		return rl.unauthenticated.Allow()
	}

	ol := rl.operatorFor(operatorID)

	ol.mu.Lock()
	ol.lastAccess = time.Now()
	ol.mu.Unlock()

	return ol.limiter.Allow()
}

// operatorFor returns the limiter for operatorID, creating it on first use.
func (rl *InMemoryRateLimiter) operatorFor(operatorID string) *operatorLimiter {
	rl.mu.RLock()
	ol, ok := rl.perOperator[operatorID]
	rl.mu.RUnlock()

	if ok {
		return ol
	}

	rl.mu.Lock()
	defer rl.mu.Unlock()

	// Another request may have created it between the locks.
	if ol, ok = rl.perOperator[operatorID]; ok {
		return ol
	}

	ol = &operatorLimiter{
		limiter:    rate.NewLimiter(rate.Limit(rl.operatorRPS), rl.operatorBurst),
		lastAccess: time.Now(),
	}
	rl.perOperator[operatorID] = ol

	rl.warnIfNearCapacity()

	return ol
}

// warnIfNearCapacity logs when the operator map reaches 80% of its cap, so
// key proliferation is caught before the map grows unbounded. Caller holds
// rl.mu.
func (rl *InMemoryRateLimiter) warnIfNearCapacity() {
	threshold := int(float64(rl.maxOperators) * warnThresholdFraction)
	if len(rl.perOperator) < threshold {
		return
	}

	slog.Warn("rate limiter approaching max operators limit",
		"current_operators", len(rl.perOperator),
		"max_operators", rl.maxOperators,
		"threshold_percent", warnThresholdPercent,
		"recommendation", "investigate operator key proliferation or increase max_operators limit")
}

// Close stops the cleanup goroutine. Close is not part of the RateLimiter
// interface; implementations without background state have nothing to close,
// so callers that need cleanup type-assert:
//
//	if closer, ok := limiter.(interface{ Close() }); ok {
//	    closer.Close()
//	}
func (rl *InMemoryRateLimiter) Close() {
	if rl.cleanupTicker != nil {
		rl.cleanupTicker.Stop()
	}

	close(rl.done)
}

// startCleanup launches the periodic sweep of idle operator limiters.
func (rl *InMemoryRateLimiter) startCleanup() {
	interval := rl.cleanupInterval
	if interval == 0 {
		interval = defaultCleanupInterval
	}

	rl.cleanupTicker = time.NewTicker(interval)

	go func() {
		for {
			select {
			case <-rl.cleanupTicker.C:
				rl.cleanup()
			case <-rl.done:
				return
			}
		}
	}()
}

// cleanup drops operator limiters idle past the timeout.
func (rl *InMemoryRateLimiter) cleanup() {
	timeout := rl.idleTimeout
	if timeout == 0 {
		timeout = defaultIdleTimeout
	}

	cutoff := time.Now().Add(-timeout)

	rl.mu.Lock()
	defer rl.mu.Unlock()

	for operatorID, ol := range rl.perOperator {
		ol.mu.Lock()
		idle := ol.lastAccess.Before(cutoff)
		ol.mu.Unlock()

		if idle {
			delete(rl.perOperator, operatorID)
		}
	}
}

// RateLimit enforces the admission check, answering 429 in RFC 7807 format
// when a request is shed. Must sit after authentication in the chain so the
// OperatorContext is available for per-operator limiting.
func RateLimit(limiter RateLimiter, logger *slog.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			// Empty operator ID selects the unauthenticated tier.
			operatorID := ""
			if opCtx, ok := GetOperatorContext(r.Context()); ok {
				operatorID = opCtx.OperatorID
			}

			if limiter.Allow(operatorID) {
				next.ServeHTTP(w, r)

				return
			}

			correlationID := GetCorrelationID(r.Context())
			detail := "Rate limit exceeded. Please retry after some time."

			if err := writeRFC7807Error(w, r, http.StatusTooManyRequests, detail, correlationID); err != nil {
				logger.Error("failed to write response with RFC 7807 error format",
					slog.String("correlation_id", correlationID),
					slog.String("path", r.URL.Path),
					slog.String("detail", detail),
					slog.String("error", err.Error()),
				)

				http.Error(w, detail, http.StatusTooManyRequests)
			}
		})
	}
}
