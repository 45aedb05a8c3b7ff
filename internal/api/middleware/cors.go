// Package middleware provides HTTP middleware components for the opmsync API.
package middleware

import (
	"net/http"
	"strconv"
	"strings"
)

// CORSConfig is the read surface of the server's CORS settings, satisfied by
// the api package's config to avoid an import cycle.
type CORSConfig interface {
	GetAllowedOrigins() []string
	GetAllowedMethods() []string
	GetAllowedHeaders() []string
	GetMaxAge() int
}

// corsPolicy holds the precomputed response header values for a CORS
// configuration. The configuration is fixed for the life of the server, so
// the joined header lists are built once instead of on every request.
type corsPolicy struct {
	origins []string
	methods string
	headers string
	maxAge  string
}

func newCORSPolicy(config CORSConfig) *corsPolicy {
	policy := &corsPolicy{
		origins: config.GetAllowedOrigins(),
		methods: strings.Join(config.GetAllowedMethods(), ", "),
		headers: strings.Join(config.GetAllowedHeaders(), ", "),
	}

	if maxAge := config.GetMaxAge(); maxAge > 0 {
		policy.maxAge = strconv.Itoa(maxAge)
	}

	return policy
}

// CORS creates a middleware that handles Cross-Origin Resource Sharing (CORS).
// Preflight OPTIONS requests are answered directly with 204 No Content.
func CORS(config CORSConfig) func(http.Handler) http.Handler {
	policy := newCORSPolicy(config)

	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			policy.apply(w, r)

			if r.Method == http.MethodOptions {
				w.WriteHeader(http.StatusNoContent)

				return
			}

			next.ServeHTTP(w, r)
		})
	}
}

// apply writes the CORS response headers for a single request.
func (p *corsPolicy) apply(w http.ResponseWriter, r *http.Request) {
	if origin := p.allowOrigin(r); origin != "" {
		w.Header().Set("Access-Control-Allow-Origin", origin)
	}

	if p.methods != "" {
		w.Header().Set("Access-Control-Allow-Methods", p.methods)
	}

	if p.headers != "" {
		w.Header().Set("Access-Control-Allow-Headers", p.headers)
	}

	if p.maxAge != "" {
		w.Header().Set("Access-Control-Max-Age", p.maxAge)
	}
}

// allowOrigin returns the value for the Access-Control-Allow-Origin header,
// or "" when the request origin is not allowed.
func (p *corsPolicy) allowOrigin(r *http.Request) string {
	if len(p.origins) == 0 {
		return ""
	}

	if len(p.origins) == 1 && p.origins[0] == "*" {
		return "*"
	}

	origin := r.Header.Get("Origin")
	for _, allowed := range p.origins {
		if origin == allowed {
			return origin
		}
	}

	return ""
}
