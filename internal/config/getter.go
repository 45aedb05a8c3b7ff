// Package config reads service settings from environment variables and hosts
// the shared integration-test database helpers.
//
// All getters treat an unset or empty variable as absent and return the
// caller's default. Malformed values (a non-numeric port, an unparseable
// duration) also fall back to the default rather than failing startup.
package config

import (
	"log/slog"
	"os"
	"strconv"
	"strings"
	"time"
)

// lookupEnv returns the trimmed value of key and whether it was non-empty.
func lookupEnv(key string) (string, bool) {
	value := strings.TrimSpace(os.Getenv(key))

	return value, value != ""
}

// GetEnvStr returns the string value of key, or defaultValue if unset.
//
//	host := GetEnvStr("OPMSYNC_SERVER_HOST", "localhost")
func GetEnvStr(key, defaultValue string) string {
	if value, ok := lookupEnv(key); ok {
		return value
	}

	return defaultValue
}

// GetEnvInt returns the integer value of key, or defaultValue if unset or
// not a valid integer.
//
//	port := GetEnvInt("OPMSYNC_SERVER_PORT", 8080)
func GetEnvInt(key string, defaultValue int) int {
	if value, ok := lookupEnv(key); ok {
		if parsed, err := strconv.Atoi(value); err == nil {
			return parsed
		}
	}

	return defaultValue
}

// GetEnvInt64 returns the int64 value of key, or defaultValue if unset or
// not a valid integer. Used for byte-size settings that can exceed int32.
//
//	maxBody := GetEnvInt64("OPMSYNC_MAX_REQUEST_SIZE", 1048576)
func GetEnvInt64(key string, defaultValue int64) int64 {
	if value, ok := lookupEnv(key); ok {
		if parsed, err := strconv.ParseInt(value, 10, 64); err == nil {
			return parsed
		}
	}

	return defaultValue
}

// GetEnvBool returns the boolean value of key, or defaultValue if unset.
// Accepts "true", "1", "yes" and "false", "0", "no", case-insensitively;
// anything else falls back to the default.
//
//	enabled := GetEnvBool("OPMSYNC_RETRY_SEMANTIC", true)
func GetEnvBool(key string, defaultValue bool) bool {
	if value, ok := lookupEnv(key); ok {
		switch strings.ToLower(value) {
		case "true", "1", "yes":
			return true
		case "false", "0", "no":
			return false
		}
	}

	return defaultValue
}

// GetEnvDuration returns the duration value of key, or defaultValue if unset
// or not parseable by time.ParseDuration.
//
//	timeout := GetEnvDuration("OPMSYNC_ERP_TIMEOUT", 30*time.Second)
func GetEnvDuration(key string, defaultValue time.Duration) time.Duration {
	if value, ok := lookupEnv(key); ok {
		if parsed, err := time.ParseDuration(value); err == nil {
			return parsed
		}
	}

	return defaultValue
}

// GetEnvLogLevel returns the slog level named by key, or defaultValue if
// unset or unrecognized. Accepted names are "debug", "info", "warn" (or
// "warning") and "error", case-insensitively.
//
//	level := GetEnvLogLevel("LOG_LEVEL", slog.LevelInfo)
func GetEnvLogLevel(key string, defaultValue slog.Level) slog.Level {
	if value, ok := lookupEnv(key); ok {
		switch strings.ToLower(value) {
		case "debug":
			return slog.LevelDebug
		case "info":
			return slog.LevelInfo
		case "warn", "warning":
			return slog.LevelWarn
		case "error":
			return slog.LevelError
		}
	}

	return defaultValue
}

// ParseCommaSeparatedList splits input on commas into trimmed, non-empty
// elements. An empty input yields an empty (non-nil) slice.
func ParseCommaSeparatedList(input string) []string {
	result := []string{}

	for _, part := range strings.Split(input, ",") {
		if trimmed := strings.TrimSpace(part); trimmed != "" {
			result = append(result, trimmed)
		}
	}

	return result
}
