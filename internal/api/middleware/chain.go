// Package middleware provides HTTP middleware components for the opmsync API.
package middleware

import (
	"log/slog"
	"net/http"

	"github.com/opmsync-io/opmsync/internal/storage"
)

type (
	// Option is a function that applies middleware to a handler.
	Option func(http.Handler) http.Handler
)

// Apply wraps handler in the given middleware options. Options are listed
// outermost first: the first option sees a request before any of the others
// and sees its response last. The server assembles its chain as
//
//	middleware.Apply(mux, middleware.WithCorrelationID(), middleware.WithRecovery(logger), ...)
func Apply(handler http.Handler, options ...Option) http.Handler {
	// Wrap in reverse so the first option ends up outermost.
	for i := len(options) - 1; i >= 0; i-- {
		handler = options[i](handler)
	}

	return handler
}

// noop leaves the chain unchanged. Returned by options whose collaborator is
// not configured.
func noop(next http.Handler) http.Handler { return next }

// WithCorrelationID returns an option that assigns each request a correlation ID.
func WithCorrelationID() Option {
	return CorrelationID()
}

// WithRecovery returns an option that converts handler panics into 500 responses.
func WithRecovery(logger *slog.Logger) Option {
	return Recovery(logger)
}

// WithOperatorAuth returns an option that authenticates operator API keys
// against store. A nil store disables authentication entirely.
func WithOperatorAuth(store storage.OperatorKeyStore, logger *slog.Logger) Option {
	if store == nil {
		return noop
	}

	return AuthenticateOperator(store, logger)
}

// WithRateLimit returns an option that applies per-operator rate limiting.
// A nil limiter disables rate limiting entirely.
func WithRateLimit(limiter RateLimiter, logger *slog.Logger) Option {
	if limiter == nil {
		return noop
	}

	return RateLimit(limiter, logger)
}

// WithRequestLogger returns an option that logs request start and completion.
func WithRequestLogger(logger *slog.Logger) Option {
	return RequestLogger(logger)
}

// WithCORS returns an option that applies the server's CORS policy.
func WithCORS(config CORSConfig) Option {
	return CORS(config)
}
