// Package api provides the HTTP API server implementation for the opmsync service.
package api

import (
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/opmsync-io/opmsync/internal/config"
)

const (
	defaultPort       = 8080
	maxPort           = 65535
	defaultHost       = "0.0.0.0"
	defaultTimeout    = 30 * time.Second
	defaultLogLevel   = slog.LevelInfo
	defaultCORSMaxAge = 86400 // 24h preflight cache

	// defaultMaxRequestSize bounds request bodies at 1 MB.
	defaultMaxRequestSize int64 = 1 << 20
)

// Validation errors for ServerConfig.
var (
	ErrInvalidPort            = errors.New("invalid port")
	ErrEmptyHost              = errors.New("host cannot be empty")
	ErrInvalidReadTimeout     = errors.New("read timeout must be positive")
	ErrInvalidWriteTimeout    = errors.New("write timeout must be positive")
	ErrInvalidShutdownTimeout = errors.New("shutdown timeout must be positive")
	ErrInvalidMaxRequestSize  = errors.New("max request size must be positive")
)

type (
	// ServerConfig holds the HTTP server configuration. Pure configuration,
	// no runtime dependencies.
	ServerConfig struct {
		Port               int
		Host               string
		ReadTimeout        time.Duration
		WriteTimeout       time.Duration
		ShutdownTimeout    time.Duration
		LogLevel           slog.Level
		MaxRequestSize     int64
		CORSAllowedOrigins []string
		CORSAllowedMethods []string
		CORSAllowedHeaders []string
		CORSMaxAge         int
	}

	// CORSConfig is the view of the CORS fields handed to the middleware.
	CORSConfig struct {
		AllowedOrigins []string
		AllowedMethods []string
		AllowedHeaders []string
		MaxAge         int
	}
)

// LoadServerConfig reads the OPMSYNC_SERVER_* and OPMSYNC_CORS_* environment
// variables, keeping the defaults for anything unset.
func LoadServerConfig() *ServerConfig {
	cfg := &ServerConfig{
		Port:            config.GetEnvInt("OPMSYNC_SERVER_PORT", defaultPort),
		Host:            config.GetEnvStr("OPMSYNC_SERVER_HOST", defaultHost),
		ReadTimeout:     config.GetEnvDuration("OPMSYNC_SERVER_READ_TIMEOUT", defaultTimeout),
		WriteTimeout:    config.GetEnvDuration("OPMSYNC_SERVER_WRITE_TIMEOUT", defaultTimeout),
		ShutdownTimeout: config.GetEnvDuration("OPMSYNC_SERVER_TIMEOUT", defaultTimeout),
		LogLevel:        config.GetEnvLogLevel("OPMSYNC_SERVER_LOG_LEVEL", defaultLogLevel),
		MaxRequestSize:  config.GetEnvInt64("OPMSYNC_MAX_REQUEST_SIZE", defaultMaxRequestSize),
	}

	cfg.loadCORS()

	return cfg
}

// loadCORS fills the CORS fields. The wide-open origin default suits
// development; production deployments set OPMSYNC_CORS_ALLOWED_ORIGINS.
func (c *ServerConfig) loadCORS() {
	c.CORSAllowedOrigins = config.ParseCommaSeparatedList(
		config.GetEnvStr("OPMSYNC_CORS_ALLOWED_ORIGINS", "*"))
	c.CORSAllowedMethods = config.ParseCommaSeparatedList(
		config.GetEnvStr("OPMSYNC_CORS_ALLOWED_METHODS", "GET,POST,PUT,DELETE,OPTIONS"))
	c.CORSAllowedHeaders = config.ParseCommaSeparatedList(
		config.GetEnvStr("OPMSYNC_CORS_ALLOWED_HEADERS", "Content-Type,Authorization,X-Correlation-ID,X-API-Key"))
	c.CORSMaxAge = config.GetEnvInt("OPMSYNC_CORS_MAX_AGE", defaultCORSMaxAge)
}

// Address returns the host:port pair the server listens on.
func (c *ServerConfig) Address() string {
	return fmt.Sprintf("%s:%d", c.Host, c.Port)
}

// ToCORSConfig extracts the CORS fields for the middleware.
func (c *ServerConfig) ToCORSConfig() *CORSConfig {
	return &CORSConfig{
		AllowedOrigins: c.CORSAllowedOrigins,
		AllowedMethods: c.CORSAllowedMethods,
		AllowedHeaders: c.CORSAllowedHeaders,
		MaxAge:         c.CORSMaxAge,
	}
}

// GetAllowedOrigins returns the allowed CORS origins.
func (c *CORSConfig) GetAllowedOrigins() []string {
	return c.AllowedOrigins
}

// GetAllowedMethods returns the allowed CORS methods.
func (c *CORSConfig) GetAllowedMethods() []string {
	return c.AllowedMethods
}

// GetAllowedHeaders returns the allowed CORS request headers.
func (c *CORSConfig) GetAllowedHeaders() []string {
	return c.AllowedHeaders
}

// GetMaxAge returns the preflight cache lifetime in seconds.
func (c *CORSConfig) GetMaxAge() int {
	return c.MaxAge
}

// Validate checks the configuration before the server starts.
func (c *ServerConfig) Validate() error {
	if c.Port < 1 || c.Port > maxPort {
		return fmt.Errorf("%w: %d, must be between 1 and %d", ErrInvalidPort, c.Port, maxPort)
	}

	if c.Host == "" {
		return ErrEmptyHost
	}

	timeouts := []struct {
		value time.Duration
		err   error
	}{
		{c.ReadTimeout, ErrInvalidReadTimeout},
		{c.WriteTimeout, ErrInvalidWriteTimeout},
		{c.ShutdownTimeout, ErrInvalidShutdownTimeout},
	}

	for _, timeout := range timeouts {
		if timeout.value <= 0 {
			return fmt.Errorf("%w: got %v", timeout.err, timeout.value)
		}
	}

	if c.MaxRequestSize <= 0 {
		return fmt.Errorf("%w: got %d bytes", ErrInvalidMaxRequestSize, c.MaxRequestSize)
	}

	return nil
}
