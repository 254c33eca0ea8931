package config

import (
	"errors"
	"fmt"
	"strings"
)

const minSecretLength = 32

// knownPlaceholders are values that show up in sample env files and
// tutorials. A deployment carrying one of them has not been configured.
var knownPlaceholders = []string{
	"change-me",
	"changeme",
	"change_me",
	"replace-me",
	"replace_me",
	"secret",
	"your-secret-key",
	"your_secret_key",
	"your-256-bit-secret",
	"default",
	"placeholder",
	"dev-secret",
	"test-secret",
	"demo_secret_key_for_testing_only",
	"insecure",
}

// CheckSecret reports why a signing or hashing key is unusable.
func CheckSecret(name, value string) error {
	v := strings.TrimSpace(value)
	if v == "" {
		return fmt.Errorf("%s is required", name)
	}
	lower := strings.ToLower(v)
	for _, p := range knownPlaceholders {
		if lower == p {
			return fmt.Errorf("%s must not be a placeholder value", name)
		}
	}
	for _, marker := range []string{"changeme", "change-me", "change_me", "replace-me", "replace_me"} {
		if strings.Contains(lower, marker) {
			return fmt.Errorf("%s must not be a placeholder value", name)
		}
	}
	if len(v) < minSecretLength {
		return fmt.Errorf("%s must be at least %d bytes", name, minSecretLength)
	}
	return nil
}

func (c *Config) Validate() error {
	var errs []error
	if err := CheckSecret("JWT_SIGNING_KEY", c.JWTSigningKey); err != nil {
		errs = append(errs, err)
	}
	if err := CheckSecret("SUBJECT_HASH_KEY", c.SubjectHashKey); err != nil {
		errs = append(errs, err)
	}
	if c.JWTSigningKey != "" && c.JWTSigningKey == c.SubjectHashKey {
		errs = append(errs, errors.New("SUBJECT_HASH_KEY must differ from JWT_SIGNING_KEY"))
	}

	switch c.StoreBackend {
	case "redis":
		if c.RedisAddr == "" {
			errs = append(errs, errors.New("REDIS_ADDR is required for the redis store"))
		}
	case "sql":
		if c.SQLDriver != "postgres" && c.SQLDriver != "sqlite" {
			errs = append(errs, fmt.Errorf("SQL_DRIVER %q is not supported", c.SQLDriver))
		}
		if c.SQLDSN == "" {
			errs = append(errs, errors.New("SQL_DSN is required for the sql store"))
		}
	case "memory":
	default:
		errs = append(errs, fmt.Errorf("STORE_BACKEND %q is not supported", c.StoreBackend))
	}

	positive := []struct {
		name string
		ok   bool
	}{
		{"JWT_ACCESS_TTL", c.AccessTTL > 0},
		{"JWT_REFRESH_TTL", c.RefreshTTL > c.AccessTTL},
		{"RATE_LIMIT_REQUESTS", c.RateLimitRequests > 0},
		{"RATE_LIMIT_WINDOW", c.RateLimitWindow > 0},
		{"LOCKOUT_THRESHOLD", c.LockoutThreshold > 0},
		{"LOCKOUT_DURATION", c.LockoutDuration > 0},
		{"BREAKER_FAILURE_THRESHOLD", c.BreakerFailureThreshold > 0},
		{"BREAKER_OPEN_TIMEOUT", c.BreakerOpenTimeout > 0},
		{"BREAKER_SUCCESS_THRESHOLD", c.BreakerSuccessThreshold > 0},
		{"RETRY_MAX_ATTEMPTS", c.RetryMaxAttempts > 0},
		{"RETRY_INITIAL_DELAY", c.RetryInitialDelay > 0},
		{"RETRY_MAX_DELAY", c.RetryMaxDelay >= c.RetryInitialDelay},
		{"RETRY_MULTIPLIER", c.RetryMultiplier >= 1},
		{"UPSTREAM_CACHE_TTL", c.UpstreamCacheTTL > 0},
		{"UPSTREAM_TIMEOUT", c.UpstreamTimeout > 0},
		{"UPSTREAM_LOCK_TTL", c.UpstreamLockTTL > 0},
		{"VEHICLE_MISS_TTL", c.VehicleMissTTL > 0},
		{"CREDENTIAL_BCRYPT_COST", c.CredentialBcryptCost >= 4 && c.CredentialBcryptCost <= 31},
		{"OTEL_TRACE_SAMPLE_RATIO", c.OTELTraceSampleRatio >= 0 && c.OTELTraceSampleRatio <= 1},
	}
	for _, p := range positive {
		if !p.ok {
			errs = append(errs, fmt.Errorf("%s is out of range", p.name))
		}
	}
	if c.UpstreamBaseURL == "" {
		errs = append(errs, errors.New("UPSTREAM_BASE_URL is required"))
	}
	if c.UpstreamTokenURL == "" {
		errs = append(errs, errors.New("UPSTREAM_TOKEN_URL is required"))
	}
	switch c.LogLevel {
	case "debug", "info", "warn", "error":
	default:
		errs = append(errs, fmt.Errorf("LOG_LEVEL %q is not supported", c.LogLevel))
	}

	if len(errs) > 0 {
		return fmt.Errorf("validate config: %w", errors.Join(errs...))
	}
	return nil
}

// Redacted renders the configuration for operators with secrets masked.
func (c *Config) Redacted() map[string]any {
	mask := func(s string) string {
		if s == "" {
			return ""
		}
		return "****"
	}
	return map[string]any{
		"env":                    c.Env,
		"http_addr":              c.HTTPAddr,
		"metrics_addr":           c.MetricsAddr,
		"store_backend":          c.StoreBackend,
		"redis_addr":             c.RedisAddr,
		"redis_password":         mask(c.RedisPassword),
		"sql_driver":             c.SQLDriver,
		"sql_dsn":                mask(c.SQLDSN),
		"jwt_signing_key":        mask(c.JWTSigningKey),
		"subject_hash_key":       mask(c.SubjectHashKey),
		"jwt_access_ttl":         c.AccessTTL.String(),
		"jwt_refresh_ttl":        c.RefreshTTL.String(),
		"rate_limit":             fmt.Sprintf("%d/%s", c.RateLimitRequests, c.RateLimitWindow),
		"lockout":                fmt.Sprintf("%d failures -> %s", c.LockoutThreshold, c.LockoutDuration),
		"breaker":                fmt.Sprintf("fail=%d open=%s succeed=%d", c.BreakerFailureThreshold, c.BreakerOpenTimeout, c.BreakerSuccessThreshold),
		"retry":                  fmt.Sprintf("attempts=%d initial=%s max=%s x%.2f", c.RetryMaxAttempts, c.RetryInitialDelay, c.RetryMaxDelay, c.RetryMultiplier),
		"upstream_base_url":      c.UpstreamBaseURL,
		"upstream_token_url":     c.UpstreamTokenURL,
		"upstream_client_secret": mask(c.UpstreamClientSecret),
		"upstream_cache_ttl":     c.UpstreamCacheTTL.String(),
		"sentry_dsn":             mask(c.SentryDSN),
	}
}
