// Package middleware provides HTTP middleware components for the opmsync API.
package middleware

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"fmt"
	"net/http"
	"os"
	"time"
)

// correlationHeader carries the correlation ID on requests and responses.
const correlationHeader = "X-Correlation-ID"

// correlationIDBytes of randomness per generated ID, rendered as twice as
// many hex characters.
const correlationIDBytes = 8

// correlationIDKey is the context key for the correlation ID.
type correlationIDKey struct{}

// CorrelationID creates a middleware that tags every request with a
// correlation ID. A caller-provided X-Correlation-ID header is passed
// through; otherwise a new ID is generated. The ID is echoed on the response
// and carried in the request context for handlers and log lines.
func CorrelationID() func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			id := r.Header.Get(correlationHeader)
			if id == "" {
				id = newCorrelationID()
			}

			w.Header().Set(correlationHeader, id)

			ctx := context.WithValue(r.Context(), correlationIDKey{}, id)
			next.ServeHTTP(w, r.WithContext(ctx))
		})
	}
}

// GetCorrelationID extracts the correlation ID from the request context.
// Returns "unknown" outside a correlated request.
func GetCorrelationID(ctx context.Context) string {
	if id, ok := ctx.Value(correlationIDKey{}).(string); ok {
		return id
	}

	return "unknown"
}

// newCorrelationID returns a fresh random ID. If the system entropy source
// fails, a timestamp plus pid is used instead, truncated to the same length.
func newCorrelationID() string {
	buf := make([]byte, correlationIDBytes)
	if _, err := rand.Read(buf); err != nil {
		fallback := fmt.Sprintf("%x-%x", time.Now().UnixNano(), os.Getpid())
		if len(fallback) > 2*correlationIDBytes {
			fallback = fallback[:2*correlationIDBytes]
		}

		return fallback
	}

	return hex.EncodeToString(buf)
}
