// Package api provides the HTTP API server implementation for the opmsync service.
package api

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/opmsync-io/opmsync/internal/api/middleware"
)

const (
	healthCheckTimeout     = 2 * time.Second
	contentTypeProblemJSON = "application/problem+json"

	serviceName    = "opmsync"
	serviceVersion = "v1.0.0" // TODO: inject version at build time
)

type (
	// HealthStatus is the /health response body.
	HealthStatus struct {
		Status      string `json:"status"`
		ServiceName string `json:"serviceName"`
		Version     string `json:"version"`
		Uptime      string `json:"uptime,omitempty"`
	}

	// Route pairs a mux pattern with its handler for declarative registration.
	Route struct {
		Path    string
		Handler http.HandlerFunc
	}
)

// setupRoutes sets up all HTTP routes for the API server.
func (s *Server) setupRoutes(mux *http.ServeMux) {
	// Health endpoints skip authentication and rate limiting
	s.registerPublicRoutes(
		mux,
		Route{"GET /ping", s.handlePing},     // K8s liveness probe
		Route{"GET /ready", s.handleReady},   // K8s readiness probe
		Route{"GET /health", s.handleHealth}, // status, uptime, version
		Route{"/", s.handleNotFound},         // catch-all 404
	)

	// Manual sync triggers
	mux.HandleFunc("POST /api/v1/sync/items/{id}", s.handleTriggerItemSync)
	mux.HandleFunc("POST /api/v1/sync/products/{id}", s.handleTriggerProductSync)

	// Engine control
	mux.HandleFunc("POST /api/v1/sync/pause", s.handlePauseSync)
	mux.HandleFunc("POST /api/v1/sync/resume", s.handleResumeSync)

	// Engine observability
	mux.HandleFunc("GET /api/v1/sync/status", s.handleSyncStatus)
	mux.HandleFunc("GET /api/v1/sync/jobs", s.handleSyncJobs)

	// Per-item inspection and simulation
	mux.HandleFunc("GET /api/v1/sync/items/{id}", s.handleItemSyncStatus)
	mux.HandleFunc("POST /api/v1/sync/items/{id}/dry-run", s.handleSimulateItemSync)

	// Vendor mapping coverage
	mux.HandleFunc("GET /api/v1/vendors/mappings/stats", s.handleVendorMappingStats)

	// Inbound ERP webhooks
	mux.HandleFunc("POST /api/v1/webhooks/erp/pricing", s.handlePricingWebhook)
}

// registerPublicRoutes registers handlers and marks their paths as public so
// the auth and rate-limit middleware let them through. Only health endpoints
// belong here; business endpoints always go through the full chain.
func (s *Server) registerPublicRoutes(mux *http.ServeMux, routes ...Route) {
	for _, route := range routes {
		mux.Handle(route.Path, route.Handler)

		// Mux patterns may carry a method prefix ("GET /ping") but the
		// middleware matches on r.URL.Path, so register the bare path.
		path := publicPath(route.Path)
		if path == "" {
			s.logger.Warn("Malformed route path detected, ignoring route", slog.String("path", route.Path))

			continue
		}

		middleware.RegisterPublicEndpoint(path)
	}
}

// publicPath strips the optional method prefix from a mux pattern.
func publicPath(pattern string) string {
	method, rest, found := strings.Cut(pattern, " ")
	if !found {
		return strings.TrimSpace(pattern)
	}

	switch method {
	case http.MethodGet, http.MethodPost, http.MethodPut, http.MethodPatch, http.MethodDelete:
		return strings.TrimSpace(rest)
	default:
		return strings.TrimSpace(pattern)
	}
}

// writePlain sends a text/plain response, logging write failures.
func (s *Server) writePlain(w http.ResponseWriter, r *http.Request, status int, body string) {
	w.Header().Set("Content-Type", "text/plain")
	w.WriteHeader(status)

	if _, err := w.Write([]byte(body)); err != nil {
		s.logger.Error("Failed to write response",
			slog.String("correlation_id", middleware.GetCorrelationID(r.Context())),
			slog.String("path", r.URL.Path),
			slog.String("error", err.Error()),
		)
	}
}

// handlePing answers liveness probes.
func (s *Server) handlePing(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("X-Opmsync-Version", serviceVersion)
	s.writePlain(w, r, http.StatusOK, "pong")
}

// handleReady answers readiness probes with a live storage check. A pod
// whose job queue database is unreachable answers 503 until it recovers,
// which tells K8s to stop routing traffic to it. With no store configured
// the gate is disabled and the pod always reports ready.
func (s *Server) handleReady(w http.ResponseWriter, r *http.Request) {
	if s.jobs == nil {
		s.logger.Warn("Job queue store not configured - readiness check disabled",
			slog.String("correlation_id", middleware.GetCorrelationID(r.Context())),
		)
		s.writePlain(w, r, http.StatusOK, "ready")

		return
	}

	ctx, cancel := context.WithTimeout(r.Context(), healthCheckTimeout)
	defer cancel()

	if err := s.jobs.HealthCheck(ctx); err != nil {
		s.logger.Error("Storage health check failed",
			slog.String("correlation_id", middleware.GetCorrelationID(r.Context())),
			slog.String("error", err.Error()),
		)
		s.writePlain(w, r, http.StatusServiceUnavailable, "storage unavailable")

		return
	}

	s.writePlain(w, r, http.StatusOK, "ready")
}

// handleHealth reports service status, version, and uptime.
func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	var uptime string
	if !s.startTime.IsZero() {
		uptime = time.Since(s.startTime).Round(time.Second).String()
	}

	data, err := json.Marshal(HealthStatus{
		Status:      "healthy",
		ServiceName: serviceName,
		Version:     serviceVersion,
		Uptime:      uptime,
	})
	if err != nil {
		s.logger.Error("Failed to encode health response",
			slog.String("correlation_id", middleware.GetCorrelationID(r.Context())),
			slog.String("error", err.Error()),
		)
		WriteErrorResponse(w, r, s.logger, InternalServerError("Failed to encode health response"))

		return
	}

	w.Header().Set("Content-Type", "application/json")
	w.Header().Set("X-Opmsync-Version", serviceVersion)
	w.WriteHeader(http.StatusOK)

	if _, err := w.Write(data); err != nil {
		s.logger.Error("Failed to write health response",
			slog.String("correlation_id", middleware.GetCorrelationID(r.Context())),
			slog.String("error", err.Error()),
		)
	}
}

// handleNotFound returns RFC 7807 compliant 404 responses for unknown endpoints.
func (s *Server) handleNotFound(w http.ResponseWriter, r *http.Request) {
	WriteErrorResponse(w, r, s.logger, NotFound("The requested resource was not found"))
}

// hasJSONContentType checks if Content-Type header starts with "application/json".
// This allows charset parameters (e.g., "application/json; charset=utf-8").
func hasJSONContentType(contentType string) bool {
	return strings.HasPrefix(strings.TrimSpace(contentType), "application/json")
}
