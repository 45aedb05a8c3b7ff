// Package middleware provides HTTP middleware components for the opmsync API.
package middleware

import (
	"context"
	"time"
)

// operatorContextKey is the context key for authenticated operator information.
// A struct type prevents collisions with other context keys.
type operatorContextKey struct{}

// OperatorContext contains authenticated operator information enriched in the
// request context by the authentication middleware after key validation.
type OperatorContext struct {
	// OperatorID identifies the operator or team the key belongs to
	// (e.g. "ops-team").
	OperatorID string

	// Name is the human-readable key name for logging and display.
	Name string

	// Permissions are the authorization scopes granted to this key.
	Permissions []string

	// KeyID is the operator key ID used for authentication (audit logging).
	KeyID string

	// AuthTime is when authentication occurred (latency tracking).
	AuthTime time.Time
}

// GetOperatorContext extracts operator context from the request context.
// Returns (context, true) if authenticated, (empty, false) if not found.
//
// Example usage:
//
//	opCtx, authenticated := middleware.GetOperatorContext(r.Context())
//	if !authenticated {
//	    // Handle unauthenticated request
//	    return
//	}
func GetOperatorContext(ctx context.Context) (OperatorContext, bool) {
	opCtx, ok := ctx.Value(operatorContextKey{}).(OperatorContext)

	return opCtx, ok
}

// SetOperatorContext adds operator context to the request context.
// Returns a new context with the operator context attached.
//
// Used by the authentication middleware to enrich the request context after
// successful key validation.
func SetOperatorContext(ctx context.Context, opCtx OperatorContext) context.Context {
	return context.WithValue(ctx, operatorContextKey{}, opCtx)
}
