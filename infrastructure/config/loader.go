// Package config provides configuration loading for the workflow control
// plane: environment/secret-file resolution, typed env parsing, and the
// top-level Config struct wired into cmd/workflowd.
package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
)

// =============================================================================
// Environment/Secret-file Loading Helpers
// =============================================================================

// EnvOrSecretFile retrieves a configuration value, preferring the contents of
// the file named by "<envKey>_FILE" (the Docker/Kubernetes secrets-mount
// convention) over the plain environment variable, falling back to
// defaultValue when neither is set.
func EnvOrSecretFile(envKey string, defaultValue string) string {
	if path := strings.TrimSpace(os.Getenv(envKey + "_FILE")); path != "" {
		if data, err := os.ReadFile(path); err == nil {
			if v := strings.TrimSpace(string(data)); v != "" {
				return v
			}
		}
	}

	if value := strings.TrimSpace(os.Getenv(envKey)); value != "" {
		return value
	}

	return defaultValue
}

// RequireEnvOrSecretFile retrieves a required configuration value, returning
// an error naming the missing key rather than silently defaulting.
func RequireEnvOrSecretFile(envKey string) (string, error) {
	value := EnvOrSecretFile(envKey, "")
	if value == "" {
		return "", fmt.Errorf("%s is required but not configured", envKey)
	}
	return value, nil
}

// GetEnv retrieves an environment variable with an optional default.
func GetEnv(key, defaultValue string) string {
	if value := strings.TrimSpace(os.Getenv(key)); value != "" {
		return value
	}
	return defaultValue
}

// GetEnvBool retrieves a boolean environment variable with an optional
// default. Accepts "true", "1", "yes", "y" (case-insensitive) as true.
func GetEnvBool(key string, defaultValue bool) bool {
	val := strings.TrimSpace(os.Getenv(key))
	if val == "" {
		return defaultValue
	}
	return ParseBoolOrDefault(val, defaultValue)
}

// GetEnvInt retrieves an integer environment variable with an optional
// default. Returns the default if the value is invalid.
func GetEnvInt(key string, defaultValue int) int {
	return ParseIntOrDefault(strings.TrimSpace(os.Getenv(key)), defaultValue)
}

// ParseEnvDuration parses a duration from the environment variable with the
// given key. Returns the parsed duration and true if successful, or 0 and
// false if not set or invalid.
func ParseEnvDuration(key string) (time.Duration, bool) {
	raw := strings.TrimSpace(os.Getenv(key))
	if raw == "" {
		return 0, false
	}
	parsed, err := time.ParseDuration(raw)
	if err != nil {
		return 0, false
	}
	return parsed, true
}

// =============================================================================
// CSV Parsing
// =============================================================================

// SplitAndTrimCSV splits a CSV string and trims each part, filtering out
// empty values.
func SplitAndTrimCSV(raw string) []string {
	if raw == "" {
		return nil
	}
	parts := strings.Split(raw, ",")
	result := make([]string, 0, len(parts))
	for _, part := range parts {
		trimmed := strings.TrimSpace(part)
		if trimmed != "" {
			result = append(result, trimmed)
		}
	}
	return result
}

// =============================================================================
// Typed Parsing Helpers
// =============================================================================

// ParseDurationOrDefault parses a duration string or returns the default.
func ParseDurationOrDefault(raw string, defaultDuration time.Duration) time.Duration {
	if raw == "" {
		return defaultDuration
	}
	if parsed, err := time.ParseDuration(raw); err == nil {
		return parsed
	}
	return defaultDuration
}

// ParseBoolOrDefault parses a boolean string or returns the default.
// Accepts "true", "1", "yes", "y" (case-insensitive) as true.
func ParseBoolOrDefault(raw string, defaultValue bool) bool {
	if raw == "" {
		return defaultValue
	}
	lower := strings.ToLower(raw)
	return lower == "true" || lower == "1" || lower == "yes" || lower == "y"
}

// ParseIntOrDefault parses an integer string or returns the default.
func ParseIntOrDefault(raw string, defaultValue int) int {
	if raw == "" {
		return defaultValue
	}
	if parsed, err := strconv.Atoi(raw); err == nil {
		return parsed
	}
	return defaultValue
}

// =============================================================================
// Top-level engine configuration (see Config options below)
// =============================================================================

// WebhookFailMode controls engine behavior when the approval webhook cannot
// be delivered.
type WebhookFailMode string

const (
	// WebhookFailModeAllow treats delivery failure as an implicit APPROVED
	// decision: the step proceeds as though the approver had signed off.
	WebhookFailModeAllow WebhookFailMode = "ALLOW"
	// WebhookFailModeDeny treats delivery failure as an implicit REJECTED
	// decision: the step fails and rollback begins immediately.
	WebhookFailModeDeny WebhookFailMode = "DENY"
	// WebhookFailModePause (the default) leaves the step PAUSED regardless
	// of delivery failure; the workflow waits for an out-of-band resume().
	WebhookFailModePause WebhookFailMode = "PAUSE"
)

// Config is the top-level configuration for the workflow engine process.
type Config struct {
	// DatabasePath is the filesystem path to the embedded SQLite database.
	DatabasePath string
	// PolicyPath is the filesystem path to the policy rule set YAML file.
	PolicyPath string
	// ApprovalWebhookURL receives POSTed approval-request envelopes.
	ApprovalWebhookURL string
	// WebhookTimeout bounds each webhook delivery attempt.
	WebhookTimeout time.Duration
	// WebhookFailMode controls behavior on webhook delivery failure.
	WebhookFailMode WebhookFailMode
	// AutoResumeOnStartup makes the daemon run crash recovery at start-up,
	// reattaching every persisted RUNNING or PAUSED workflow.
	AutoResumeOnStartup bool
	// LogLevel and LogFormat configure the structured logger.
	LogLevel  string
	LogFormat string
}

// LoadFromEnv builds a Config from environment variables (the string
// options also from their "_FILE" secret-mount counterparts;
// WEBHOOK_TIMEOUT_MS and AUTO_RESUME_ON_STARTUP are read from the plain
// variable only), applying the same defaults a fresh
// deployment would want. A ".env" file in the working directory, if
// present, is loaded first; it is optional and a missing file is not an
// error.
func LoadFromEnv() (*Config, error) {
	if err := godotenv.Load(); err != nil && !os.IsNotExist(err) {
		fmt.Printf("warning: could not load .env: %v\n", err)
	}

	failMode := WebhookFailMode(strings.ToUpper(EnvOrSecretFile("WEBHOOK_FAIL_MODE", string(WebhookFailModePause))))
	if failMode != WebhookFailModeAllow && failMode != WebhookFailModeDeny && failMode != WebhookFailModePause {
		return nil, fmt.Errorf("invalid WEBHOOK_FAIL_MODE %q: must be one of %q, %q, %q", failMode, WebhookFailModeAllow, WebhookFailModeDeny, WebhookFailModePause)
	}

	webhookTimeoutMS := GetEnvInt("WEBHOOK_TIMEOUT_MS", 2000)
	if webhookTimeoutMS <= 0 {
		return nil, fmt.Errorf("WEBHOOK_TIMEOUT_MS must be positive, got %d", webhookTimeoutMS)
	}

	cfg := &Config{
		DatabasePath:         EnvOrSecretFile("DATABASE_PATH", "workflowcore.db"),
		PolicyPath:           EnvOrSecretFile("POLICY_PATH", "policy.yaml"),
		ApprovalWebhookURL:   EnvOrSecretFile("APPROVAL_WEBHOOK_URL", ""),
		WebhookTimeout:       time.Duration(webhookTimeoutMS) * time.Millisecond,
		WebhookFailMode:      failMode,
		AutoResumeOnStartup:  GetEnvBool("AUTO_RESUME_ON_STARTUP", true),
		LogLevel:             EnvOrSecretFile("LOG_LEVEL", "info"),
		LogFormat:            EnvOrSecretFile("LOG_FORMAT", "json"),
	}

	return cfg, nil
}
