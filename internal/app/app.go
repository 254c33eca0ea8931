package app

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/sandeepkv93/vehicle-telemetry-bridge/internal/breaker"
	"github.com/sandeepkv93/vehicle-telemetry-bridge/internal/config"
	"github.com/sandeepkv93/vehicle-telemetry-bridge/internal/http/handler"
	"github.com/sandeepkv93/vehicle-telemetry-bridge/internal/http/middleware"
	"github.com/sandeepkv93/vehicle-telemetry-bridge/internal/http/router"
	"github.com/sandeepkv93/vehicle-telemetry-bridge/internal/kv"
	"github.com/sandeepkv93/vehicle-telemetry-bridge/internal/observability"
	"github.com/sandeepkv93/vehicle-telemetry-bridge/internal/ratelimit"
	"github.com/sandeepkv93/vehicle-telemetry-bridge/internal/retry"
	"github.com/sandeepkv93/vehicle-telemetry-bridge/internal/security"
	"github.com/sandeepkv93/vehicle-telemetry-bridge/internal/service"
	"github.com/sandeepkv93/vehicle-telemetry-bridge/internal/upstream"
)

// ipRateLimitMultiplier sizes the per-address limit relative to the
// per-subject one so several drivers behind one NAT are not starved.
const ipRateLimitMultiplier = 10

type App struct {
	Config          *config.Config
	Logger          *slog.Logger
	Server          *http.Server
	MetricsServer   *http.Server
	Observability   *observability.Runtime
	Store           kv.Store
	ShutdownTimeout time.Duration

	stopBackground context.CancelFunc
}

// Components is the wired object graph behind the HTTP handler.
type Components struct {
	Store    kv.Store
	Auth     *service.AuthService
	Breakers []*breaker.Breaker
	Handler  http.Handler
}

func New(cfg *config.Config, logger *slog.Logger, server *http.Server, runtime *observability.Runtime, store kv.Store, stop context.CancelFunc) *App {
	return &App{
		Config:          cfg,
		Logger:          logger,
		Server:          server,
		Observability:   runtime,
		Store:           store,
		ShutdownTimeout: cfg.ShutdownTimeout,
		stopBackground:  stop,
	}
}

// OpenStore connects the configured state backend.
func OpenStore(ctx context.Context, cfg *config.Config) (kv.Store, error) {
	switch cfg.StoreBackend {
	case "redis":
		client := redis.NewClient(&redis.Options{
			Addr:     cfg.RedisAddr,
			Password: cfg.RedisPassword,
			DB:       cfg.RedisDB,
		})
		store := kv.NewRedisStore(client, cfg.StoreKeyPrefix)
		pingCtx, cancel := context.WithTimeout(ctx, 3*time.Second)
		defer cancel()
		if err := store.Ping(pingCtx); err != nil {
			_ = store.Close()
			return nil, fmt.Errorf("redis ping: %w", err)
		}
		return store, nil
	case "sql":
		db, err := kv.OpenSQL(cfg.SQLDriver, cfg.SQLDSN)
		if err != nil {
			return nil, err
		}
		return kv.NewSQLStore(db, cfg.StoreKeyPrefix), nil
	case "memory":
		return kv.NewMemoryStore(), nil
	default:
		return nil, fmt.Errorf("unsupported store backend %q", cfg.StoreBackend)
	}
}

func breakerObserver(logger *slog.Logger) breaker.Observer {
	return func(ctx context.Context, dependency string, from, to breaker.State) {
		observability.RecordBreakerTransition(ctx, dependency, from.String(), to.String())
		observability.SetBreakerState(dependency, float64(to))
		logger.WarnContext(ctx, "circuit breaker transition", "dependency", dependency, "from", from.String(), "to", to.String())
	}
}

// Build wires every component against store. httpClient carries the upstream
// transport; nil uses a client with the configured timeout.
func Build(cfg *config.Config, store kv.Store, httpClient *http.Client, logger *slog.Logger) (*Components, error) {
	if logger == nil {
		logger = slog.Default()
	}
	hasher, err := security.NewSubjectHasher(cfg.SubjectHashKey)
	if err != nil {
		return nil, err
	}
	if httpClient == nil {
		httpClient = &http.Client{Timeout: cfg.UpstreamTimeout}
	}
	client := upstream.NewClient(upstream.Config{
		BaseURL:      cfg.UpstreamBaseURL,
		TokenURL:     cfg.UpstreamTokenURL,
		ClientID:     cfg.UpstreamClientID,
		ClientSecret: cfg.UpstreamClientSecret,
		Timeout:      cfg.UpstreamTimeout,
	}, httpClient)

	thresholds := breaker.Thresholds{
		FailureThreshold: cfg.BreakerFailureThreshold,
		OpenTimeout:      cfg.BreakerOpenTimeout,
		SuccessThreshold: cfg.BreakerSuccessThreshold,
	}
	policy := retry.Policy{
		MaxAttempts:  cfg.RetryMaxAttempts,
		InitialDelay: cfg.RetryInitialDelay,
		MaxDelay:     cfg.RetryMaxDelay,
		Multiplier:   cfg.RetryMultiplier,
	}
	observer := breaker.WithObserver(breakerObserver(logger))
	authBreaker := breaker.New("upstream-auth", store, thresholds, observer)
	dataBreaker := breaker.New("upstream-data", store, thresholds, observer)

	jwtMgr := security.NewJWTManager(cfg.JWTIssuer, cfg.JWTAudience, cfg.JWTSigningKey)
	tokens := service.NewTokenService(jwtMgr, service.NewRevocationStore(store), cfg.AccessTTL, cfg.RefreshTTL)
	lockout := ratelimit.NewLockoutTracker(store, ratelimit.LockoutPolicy{Threshold: cfg.LockoutThreshold, Duration: cfg.LockoutDuration})
	cache := service.NewUpstreamTokenCache(store, hasher, client, upstream.NewGuard(authBreaker, policy, logger), service.UpstreamCacheConfig{
		TTL:        cfg.UpstreamCacheTTL,
		RefreshTTL: cfg.RefreshTTL,
		LockTTL:    cfg.UpstreamLockTTL,
		BcryptCost: cfg.CredentialBcryptCost,
	}, logger).WithLoginAttempts(lockout)

	limitPolicy := ratelimit.Policy{Limit: cfg.RateLimitRequests, Window: cfg.RateLimitWindow}
	auth := service.NewAuthService(service.AuthServiceDeps{
		Tokens:        tokens,
		Cache:         cache,
		Hasher:        hasher,
		Limiter:       ratelimit.NewFixedWindowLimiter(store, limitPolicy),
		Lockout:       lockout,
		Data:          client,
		DataGuard:     upstream.NewGuard(dataBreaker, policy, logger),
		Misses:        service.NewVehicleMissCache(store, cfg.VehicleMissTTL),
		SchemaVersion: cfg.TelemetrySchemaVersion,
		Logger:        logger,
	})

	ipPolicy := ratelimit.Policy{Limit: limitPolicy.Limit * ipRateLimitMultiplier, Window: limitPolicy.Window}
	ipLimiter := middleware.NewRateLimiter(ratelimit.NewFixedWindowLimiter(store, ipPolicy), ipPolicy, middleware.FailOpen, "ip")

	h := router.NewRouter(router.Dependencies{
		AuthHandler:    handler.NewAuthHandler(auth),
		VehicleHandler: handler.NewVehicleHandler(auth),
		Verifier:       auth,
		IPRateLimiter:  ipLimiter,
		Readiness:      store.Ping,
		EnableOTelHTTP: cfg.OTELTracingEnabled,
	})
	return &Components{
		Store:    store,
		Auth:     auth,
		Breakers: []*breaker.Breaker{authBreaker, dataBreaker},
		Handler:  h,
	}, nil
}

// Bootstrap initializes observability, opens the store, wires components and
// starts background sweeping for backends that need it.
func Bootstrap(ctx context.Context, cfg *config.Config, base *slog.Logger) (*App, error) {
	runtime, err := observability.InitRuntime(ctx, cfg, base)
	if err != nil {
		return nil, fmt.Errorf("init observability: %w", err)
	}
	logger := runtime.Logger
	slog.SetDefault(logger)

	store, err := OpenStore(ctx, cfg)
	if err != nil {
		_ = runtime.Shutdown(context.Background())
		return nil, err
	}
	components, err := Build(cfg, store, nil, logger)
	if err != nil {
		_ = store.Close()
		_ = runtime.Shutdown(context.Background())
		return nil, err
	}

	bgCtx, stop := context.WithCancel(context.Background())
	if sweeper, ok := store.(kv.Sweeper); ok {
		go kv.RunSweeper(bgCtx, sweeper, cfg.StoreSweepInterval, logger)
	}

	server := &http.Server{
		Addr:              cfg.HTTPAddr,
		Handler:           components.Handler,
		ReadHeaderTimeout: 5 * time.Second,
		ReadTimeout:       15 * time.Second,
		WriteTimeout:      45 * time.Second,
		IdleTimeout:       60 * time.Second,
	}
	return New(cfg, logger, server, runtime, store, stop), nil
}

// Run serves until ctx is cancelled, then drains and shuts everything down.
func (a *App) Run(ctx context.Context) error {
	if a.Config.MetricsAddr != "" {
		a.MetricsServer = observability.BootstrapMetricsServer(a.Config.MetricsAddr, a.Store.Ping, a.Logger)
	}
	errCh := make(chan error, 1)
	go func() {
		a.Logger.Info("http listening", "addr", a.Server.Addr)
		if err := a.Server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	var serveErr error
	select {
	case <-ctx.Done():
	case serveErr = <-errCh:
	}
	return errors.Join(serveErr, a.Shutdown())
}

// StopBackgroundTasks cancels the sweeper.
func (a *App) StopBackgroundTasks() {
	if a.stopBackground != nil {
		a.stopBackground()
	}
}

func (a *App) Shutdown() error {
	timeout := a.ShutdownTimeout
	if timeout <= 0 {
		timeout = 15 * time.Second
	}
	ctx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()

	a.Logger.Info("shutting down")
	var errs []error
	if a.Server != nil {
		if err := a.Server.Shutdown(ctx); err != nil {
			errs = append(errs, fmt.Errorf("http shutdown: %w", err))
		}
	}
	if a.MetricsServer != nil {
		if err := a.MetricsServer.Shutdown(ctx); err != nil {
			errs = append(errs, fmt.Errorf("metrics shutdown: %w", err))
		}
	}
	a.StopBackgroundTasks()
	if a.Store != nil {
		if err := a.Store.Close(); err != nil {
			errs = append(errs, fmt.Errorf("store close: %w", err))
		}
	}
	observability.FlushSentry()
	if err := a.Observability.Shutdown(ctx); err != nil {
		errs = append(errs, fmt.Errorf("observability shutdown: %w", err))
	}
	return errors.Join(errs...)
}
