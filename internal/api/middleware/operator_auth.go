// Package middleware provides HTTP middleware components for the opmsync API.
package middleware

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/opmsync-io/opmsync/internal/storage"
	"golang.org/x/crypto/bcrypt"
)

// publicEndpoints lists paths that bypass authentication. Routes register
// themselves at setup time via RegisterPublicEndpoint; everything else
// requires a valid operator key.
var publicEndpoints = map[string]bool{} //nolint: gochecknoglobals

// RegisterPublicEndpoint marks a path as reachable without authentication.
// Call during route setup, before the server starts serving.
func RegisterPublicEndpoint(endpoint string) {
	publicEndpoints[endpoint] = true
}

// AuthError is an authentication failure carrying the sentinel it wraps plus
// a human-readable detail for the response body.
type AuthError struct {
	Type    error
	Message string
}

// Authentication failure sentinels. ErrInvalidOperatorKey stays generic on
// purpose: format rejections and unknown keys answer identically so callers
// cannot probe which keys exist.
var (
	ErrMissingOperatorKey  = errors.New("missing operator key")
	ErrInvalidOperatorKey  = errors.New("invalid operator key")
	ErrOperatorKeyExpired  = errors.New("operator key expired")
	ErrOperatorKeyInactive = errors.New("operator key inactive")
)

// Error implements the error interface for AuthError.
func (e *AuthError) Error() string {
	if e.Message == "" {
		return "authentication failed: " + e.Type.Error()
	}

	return fmt.Sprintf("authentication failed: %s: %s", e.Type.Error(), e.Message)
}

// Unwrap exposes the sentinel so errors.Is and errors.As see through the
// wrapper.
func (e *AuthError) Unwrap() error {
	return e.Type
}

// extractOperatorKey pulls the operator key out of the request headers.
// X-Api-Key is the primary header; Authorization: Bearer is the fallback and
// its prefix check is case-sensitive. Returns (key, true) when a usable value
// was found.
func extractOperatorKey(r *http.Request) (string, bool) {
	if key := r.Header.Get("X-Api-Key"); key != "" {
		return cleanKeyHeader(key)
	}

	if auth := r.Header.Get("Authorization"); strings.HasPrefix(auth, "Bearer ") {
		return cleanKeyHeader(strings.TrimPrefix(auth, "Bearer "))
	}

	return "", false
}

// cleanKeyHeader trims a header value and rejects anything containing \r or
// \n, which keeps injected header fragments out of logs and responses. A
// value that trims to nothing is no key at all.
func cleanKeyHeader(key string) (string, bool) {
	if strings.ContainsAny(key, "\r\n") {
		return "", false
	}

	key = strings.TrimSpace(key)

	return key, key != ""
}

// invalidKeyError burns a bcrypt comparison before returning the generic
// invalid-key error, so rejected requests cost the same as lookups against
// real hashes.
func invalidKeyError() error {
	_ = bcrypt.CompareHashAndPassword([]byte("dummy"), []byte("dummy"))

	return &AuthError{
		Type:    ErrInvalidOperatorKey,
		Message: "Invalid or missing operator key",
	}
}

// authenticateRequest resolves a raw header value to an operator key on file.
//
// Malformed keys never reach the store; they and unknown keys share the
// generic ErrInvalidOperatorKey. Inactive and expired keys report their
// specific sentinel since those callers already proved they hold the key.
func authenticateRequest(
	ctx context.Context,
	store storage.OperatorKeyStore,
	rawKey string,
) (*storage.OperatorKey, error) {
	parsedKey, err := storage.ParseOperatorKey(rawKey)
	if err != nil {
		return nil, invalidKeyError()
	}

	key, exists := store.FindByKey(ctx, parsedKey)
	if !exists {
		return nil, invalidKeyError()
	}

	if !key.Active {
		return nil, &AuthError{
			Type:    ErrOperatorKeyInactive,
			Message: "Operator key is inactive",
		}
	}

	if key.ExpiresAt != nil && time.Now().After(*key.ExpiresAt) {
		return nil, &AuthError{
			Type:    ErrOperatorKeyExpired,
			Message: "Operator key has expired",
		}
	}

	return key, nil
}

// AuthenticateOperator builds the middleware guarding every non-public route.
// On success the request context carries an OperatorContext for downstream
// handlers and audit logs; on failure the response is an RFC 7807 problem
// document.
func AuthenticateOperator(store storage.OperatorKeyStore, logger *slog.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if publicEndpoints[r.URL.Path] {
				next.ServeHTTP(w, r)

				return
			}

			authStart := time.Now()

			rawKey, found := extractOperatorKey(r)
			if !found {
				writeAuthError(w, r, logger, &AuthError{
					Type:    ErrMissingOperatorKey,
					Message: "Missing operator key",
				})

				return
			}

			authenticated, err := authenticateRequest(r.Context(), store, rawKey)
			if err != nil {
				writeAuthError(w, r, logger, err)

				return
			}

			opCtx := OperatorContext{
				OperatorID:  authenticated.OperatorID,
				Name:        authenticated.Name,
				Permissions: authenticated.Permissions,
				KeyID:       authenticated.ID,
				AuthTime:    time.Now(),
			}

			logger.Info("Operator key authenticated",
				slog.String("operator_id", opCtx.OperatorID),
				slog.String("key_id", opCtx.KeyID),
				slog.String("key", storage.MaskKey(authenticated.Key)),
				slog.Duration("auth_latency", time.Since(authStart)),
				slog.String("correlation_id", GetCorrelationID(r.Context())),
				slog.String("endpoint", r.URL.Path),
			)

			next.ServeHTTP(w, r.WithContext(SetOperatorContext(r.Context(), opCtx)))
		})
	}
}

// authStatusCode maps an authentication failure to its response status. An
// inactive key is the one 403: the caller holds a real, well-formed key that
// was deliberately shut off.
func authStatusCode(err error) int {
	if errors.Is(err, ErrOperatorKeyInactive) {
		return http.StatusForbidden
	}

	return http.StatusUnauthorized
}

// writeAuthError logs an authentication failure and answers with an RFC 7807
// problem document. The log line carries no key material.
func writeAuthError(w http.ResponseWriter, r *http.Request, logger *slog.Logger, err error) {
	correlationID := GetCorrelationID(r.Context())

	logger.Warn("Authentication failed",
		slog.String("reason", err.Error()),
		slog.String("correlation_id", correlationID),
		slog.String("endpoint", r.URL.Path),
		slog.String("remote_addr", r.RemoteAddr),
		slog.String("user_agent", r.UserAgent()),
	)

	if writeErr := writeRFC7807Error(w, r, authStatusCode(err), err.Error(), correlationID); writeErr != nil {
		logger.Error("Failed to encode authentication error response",
			slog.String("correlation_id", correlationID),
			slog.String("path", r.URL.Path),
			slog.Any("encode_error", writeErr),
		)
	}
}

// problemTitle names the RFC 7807 title for a status code.
func problemTitle(statusCode int) string {
	switch statusCode {
	case http.StatusUnauthorized:
		return "Unauthorized"
	case http.StatusForbidden:
		return "Forbidden"
	case http.StatusTooManyRequests:
		return "Too Many Requests"
	default:
		return "Authentication Failed"
	}
}

// writeRFC7807Error writes an RFC 7807 problem document without importing the
// api package. The rate limiter shares it for 429 responses.
func writeRFC7807Error(
	w http.ResponseWriter,
	r *http.Request,
	statusCode int,
	detail,
	correlationID string,
) error {
	problem := map[string]interface{}{
		"type":           fmt.Sprintf("https://opmsync.io/problems/%d", statusCode),
		"title":          problemTitle(statusCode),
		"status":         statusCode,
		"detail":         detail,
		"instance":       r.URL.Path,
		"correlation_id": correlationID,
	}

	w.Header().Set("Content-Type", "application/problem+json")
	w.WriteHeader(statusCode)

	return json.NewEncoder(w).Encode(problem)
}
