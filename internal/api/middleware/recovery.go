// Package middleware provides HTTP middleware components for the opmsync API.
package middleware

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"runtime/debug"
)

// Recovery creates a middleware that recovers from handler panics. The panic
// and stack trace are logged, and the client receives an RFC 7807 problem
// document instead of a dropped connection.
func Recovery(logger *slog.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			defer func() {
				if cause := recover(); cause != nil {
					correlationID := GetCorrelationID(r.Context())

					logger.Error("HTTP request panic recovered",
						slog.String("method", r.Method),
						slog.String("path", r.URL.Path),
						slog.String("correlation_id", correlationID),
						slog.Any("panic", cause),
						slog.String("stack_trace", string(debug.Stack())),
					)

					writePanicResponse(w, r, correlationID, logger)
				}
			}()

			next.ServeHTTP(w, r)
		})
	}
}

// panicProblem is the RFC 7807 payload returned for a recovered panic.
type panicProblem struct {
	Type          string `json:"type"`
	Title         string `json:"title"`
	Status        int    `json:"status"`
	Detail        string `json:"detail"`
	Instance      string `json:"instance"`
	CorrelationID string `json:"correlation_id"` //nolint: tagliatelle
}

// writePanicResponse sends the 500 problem document for a recovered panic.
func writePanicResponse(w http.ResponseWriter, r *http.Request, correlationID string, logger *slog.Logger) {
	problem := panicProblem{
		Type:          fmt.Sprintf("https://opmsync.io/problems/%d", http.StatusInternalServerError),
		Title:         "Internal Server Error",
		Status:        http.StatusInternalServerError,
		Detail:        "An unexpected error occurred while processing the request",
		Instance:      r.URL.Path,
		CorrelationID: correlationID,
	}

	w.Header().Set("Content-Type", "application/problem+json")
	w.WriteHeader(http.StatusInternalServerError)

	if err := json.NewEncoder(w).Encode(problem); err != nil {
		logger.Error("Failed to encode error response",
			slog.Any("error", err),
			slog.String("correlation_id", correlationID),
		)
	}
}
