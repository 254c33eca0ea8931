package config

import (
	"context"
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/spf13/viper"
)

type Config struct {
	Env             string
	HTTPAddr        string
	MetricsAddr     string
	ShutdownTimeout time.Duration
	LogLevel        string

	StoreBackend       string
	RedisAddr          string
	RedisPassword      string
	RedisDB            int
	StoreKeyPrefix     string
	SQLDriver          string
	SQLDSN             string
	StoreSweepInterval time.Duration

	JWTSigningKey  string
	SubjectHashKey string
	JWTIssuer      string
	JWTAudience    string
	AccessTTL      time.Duration
	RefreshTTL     time.Duration

	RateLimitRequests int
	RateLimitWindow   time.Duration
	LockoutThreshold  int
	LockoutDuration   time.Duration

	BreakerFailureThreshold int
	BreakerOpenTimeout      time.Duration
	BreakerSuccessThreshold int

	RetryMaxAttempts  int
	RetryInitialDelay time.Duration
	RetryMaxDelay     time.Duration
	RetryMultiplier   float64

	UpstreamCacheTTL     time.Duration
	UpstreamBaseURL      string
	UpstreamTokenURL     string
	UpstreamClientID     string
	UpstreamClientSecret string
	UpstreamTimeout      time.Duration
	UpstreamLockTTL      time.Duration
	CredentialBcryptCost int
	VehicleMissTTL       time.Duration

	TelemetrySchemaVersion string

	OTELServiceName           string
	OTELEnvironment           string
	OTELExporterOTLPEndpoint  string
	OTELExporterOTLPInsecure  bool
	OTELMetricsEnabled        bool
	OTELTracingEnabled        bool
	OTELLogsEnabled           bool
	OTELMetricsExportInterval time.Duration
	OTELTraceSampleRatio      float64

	SentryDSN string
}

// LoadOptions points Load at optional inputs. Environment variables always
// win over the config file, which wins over the .env file's defaults.
type LoadOptions struct {
	ConfigFile string
	EnvFile    string
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("app_env", "development")
	v.SetDefault("http_addr", ":8080")
	v.SetDefault("metrics_addr", ":9090")
	v.SetDefault("shutdown_timeout", "15s")
	v.SetDefault("log_level", "info")

	v.SetDefault("store_backend", "redis")
	v.SetDefault("redis_addr", "localhost:6379")
	v.SetDefault("redis_password", "")
	v.SetDefault("redis_db", 0)
	v.SetDefault("store_key_prefix", "tbridge")
	v.SetDefault("sql_driver", "sqlite")
	v.SetDefault("sql_dsn", "file:bridge.db")
	v.SetDefault("store_sweep_interval", "1m")

	v.SetDefault("jwt_signing_key", "")
	v.SetDefault("subject_hash_key", "")
	v.SetDefault("jwt_issuer", "vehicle-telemetry-bridge")
	v.SetDefault("jwt_audience", "vehicle-telemetry-bridge")
	v.SetDefault("jwt_access_ttl", "15m")
	v.SetDefault("jwt_refresh_ttl", "168h")

	v.SetDefault("rate_limit_requests", 100)
	v.SetDefault("rate_limit_window", "1h")
	v.SetDefault("lockout_threshold", 5)
	v.SetDefault("lockout_duration", "15m")

	v.SetDefault("breaker_failure_threshold", 5)
	v.SetDefault("breaker_open_timeout", "60s")
	v.SetDefault("breaker_success_threshold", 2)

	v.SetDefault("retry_max_attempts", 3)
	v.SetDefault("retry_initial_delay", "100ms")
	v.SetDefault("retry_max_delay", "10s")
	v.SetDefault("retry_multiplier", 2.0)

	v.SetDefault("upstream_cache_ttl", "1h")
	v.SetDefault("upstream_base_url", "")
	v.SetDefault("upstream_token_url", "")
	v.SetDefault("upstream_client_id", "")
	v.SetDefault("upstream_client_secret", "")
	v.SetDefault("upstream_timeout", "10s")
	v.SetDefault("upstream_lock_ttl", "30s")
	v.SetDefault("vehicle_miss_ttl", "5m")
	v.SetDefault("credential_bcrypt_cost", 10)

	v.SetDefault("telemetry_schema_version", "1.0")

	v.SetDefault("otel_service_name", "vehicle-telemetry-bridge")
	v.SetDefault("otel_environment", "development")
	v.SetDefault("otel_exporter_otlp_endpoint", "localhost:4317")
	v.SetDefault("otel_exporter_otlp_insecure", true)
	v.SetDefault("otel_metrics_enabled", false)
	v.SetDefault("otel_tracing_enabled", false)
	v.SetDefault("otel_logs_enabled", false)
	v.SetDefault("otel_metrics_export_interval", "15s")
	v.SetDefault("otel_trace_sample_ratio", 1.0)

	v.SetDefault("sentry_dsn", "")
}

// Load assembles the configuration from defaults, an optional .env file, an
// optional YAML config file and the environment, then validates it.
func Load(opts LoadOptions) (*Config, error) {
	cfg, err := load(opts)
	profile := os.Getenv("APP_ENV")
	if cfg != nil {
		profile = cfg.Env
	}
	outcome := "success"
	if err != nil {
		outcome = "failure"
	}
	recordConfigLoadEvent(context.Background(), profile, outcome, classifyConfigLoadError(err))
	return cfg, err
}

func load(opts LoadOptions) (*Config, error) {
	if opts.EnvFile != "" {
		if err := godotenv.Load(opts.EnvFile); err != nil && !errors.Is(err, os.ErrNotExist) {
			return nil, &LoadError{Stage: StageEnvFile, Err: fmt.Errorf("load env file %s: %w", opts.EnvFile, err)}
		}
	}

	v := viper.New()
	setDefaults(v)
	if opts.ConfigFile != "" {
		v.SetConfigFile(opts.ConfigFile)
		if err := v.ReadInConfig(); err != nil {
			return nil, &LoadError{Stage: StageConfigFile, Err: fmt.Errorf("read config file %s: %w", opts.ConfigFile, err)}
		}
	}
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	p := parser{v: v}
	cfg := &Config{
		Env:             v.GetString("app_env"),
		HTTPAddr:        v.GetString("http_addr"),
		MetricsAddr:     v.GetString("metrics_addr"),
		ShutdownTimeout: p.duration("shutdown_timeout"),
		LogLevel:        strings.ToLower(v.GetString("log_level")),

		StoreBackend:       strings.ToLower(v.GetString("store_backend")),
		RedisAddr:          v.GetString("redis_addr"),
		RedisPassword:      v.GetString("redis_password"),
		RedisDB:            p.integer("redis_db"),
		StoreKeyPrefix:     v.GetString("store_key_prefix"),
		SQLDriver:          strings.ToLower(v.GetString("sql_driver")),
		SQLDSN:             v.GetString("sql_dsn"),
		StoreSweepInterval: p.duration("store_sweep_interval"),

		JWTSigningKey:  v.GetString("jwt_signing_key"),
		SubjectHashKey: v.GetString("subject_hash_key"),
		JWTIssuer:      v.GetString("jwt_issuer"),
		JWTAudience:    v.GetString("jwt_audience"),
		AccessTTL:      p.duration("jwt_access_ttl"),
		RefreshTTL:     p.duration("jwt_refresh_ttl"),

		RateLimitRequests: p.integer("rate_limit_requests"),
		RateLimitWindow:   p.duration("rate_limit_window"),
		LockoutThreshold:  p.integer("lockout_threshold"),
		LockoutDuration:   p.duration("lockout_duration"),

		BreakerFailureThreshold: p.integer("breaker_failure_threshold"),
		BreakerOpenTimeout:      p.duration("breaker_open_timeout"),
		BreakerSuccessThreshold: p.integer("breaker_success_threshold"),

		RetryMaxAttempts:  p.integer("retry_max_attempts"),
		RetryInitialDelay: p.duration("retry_initial_delay"),
		RetryMaxDelay:     p.duration("retry_max_delay"),
		RetryMultiplier:   p.float("retry_multiplier"),

		UpstreamCacheTTL:     p.duration("upstream_cache_ttl"),
		UpstreamBaseURL:      strings.TrimRight(v.GetString("upstream_base_url"), "/"),
		UpstreamTokenURL:     v.GetString("upstream_token_url"),
		UpstreamClientID:     v.GetString("upstream_client_id"),
		UpstreamClientSecret: v.GetString("upstream_client_secret"),
		UpstreamTimeout:      p.duration("upstream_timeout"),
		UpstreamLockTTL:      p.duration("upstream_lock_ttl"),
		VehicleMissTTL:       p.duration("vehicle_miss_ttl"),
		CredentialBcryptCost: p.integer("credential_bcrypt_cost"),

		TelemetrySchemaVersion: v.GetString("telemetry_schema_version"),

		OTELServiceName:           v.GetString("otel_service_name"),
		OTELEnvironment:           v.GetString("otel_environment"),
		OTELExporterOTLPEndpoint:  v.GetString("otel_exporter_otlp_endpoint"),
		OTELExporterOTLPInsecure:  p.boolean("otel_exporter_otlp_insecure"),
		OTELMetricsEnabled:        p.boolean("otel_metrics_enabled"),
		OTELTracingEnabled:        p.boolean("otel_tracing_enabled"),
		OTELLogsEnabled:           p.boolean("otel_logs_enabled"),
		OTELMetricsExportInterval: p.duration("otel_metrics_export_interval"),
		OTELTraceSampleRatio:      p.float("otel_trace_sample_ratio"),

		SentryDSN: v.GetString("sentry_dsn"),
	}
	if p.err != nil {
		return nil, &LoadError{Stage: StageParse, Err: p.err}
	}
	if err := cfg.Validate(); err != nil {
		return nil, &LoadError{Stage: StageValidate, Err: err}
	}
	return cfg, nil
}

// parser reads typed values and keeps the first parse failure so Load can
// report it with the offending variable name.
type parser struct {
	v   *viper.Viper
	err error
}

func envName(key string) string { return strings.ToUpper(key) }

func (p *parser) raw(key string) string {
	return strings.TrimSpace(p.v.GetString(key))
}

func (p *parser) duration(key string) time.Duration {
	d, err := time.ParseDuration(p.raw(key))
	if err != nil && p.err == nil {
		p.err = fmt.Errorf("parse %s: %w", envName(key), err)
	}
	return d
}

func (p *parser) integer(key string) int {
	n, err := strconv.Atoi(p.raw(key))
	if err != nil && p.err == nil {
		p.err = fmt.Errorf("parse %s: %w", envName(key), err)
	}
	return n
}

func (p *parser) float(key string) float64 {
	f, err := strconv.ParseFloat(p.raw(key), 64)
	if err != nil && p.err == nil {
		p.err = fmt.Errorf("parse %s: %w", envName(key), err)
	}
	return f
}

func (p *parser) boolean(key string) bool {
	b, err := strconv.ParseBool(p.raw(key))
	if err != nil && p.err == nil {
		p.err = fmt.Errorf("parse %s: %w", envName(key), err)
	}
	return b
}
