package router

import (
	"context"
	"net/http"

	"github.com/go-chi/chi/v5"
	chimiddleware "github.com/go-chi/chi/v5/middleware"
	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"

	"github.com/sandeepkv93/vehicle-telemetry-bridge/internal/http/handler"
	"github.com/sandeepkv93/vehicle-telemetry-bridge/internal/http/middleware"
	"github.com/sandeepkv93/vehicle-telemetry-bridge/internal/http/response"
)

const maxRequestBody = 64 << 10

type Dependencies struct {
	AuthHandler    *handler.AuthHandler
	VehicleHandler *handler.VehicleHandler
	Verifier       middleware.TokenVerifier
	// IPRateLimiter guards every /api/v1 route per client address. Optional.
	IPRateLimiter  *middleware.RateLimiter
	Readiness      func(ctx context.Context) error
	EnableOTelHTTP bool
}

func NewRouter(dep Dependencies) http.Handler {
	r := chi.NewRouter()
	r.Use(chimiddleware.RealIP)
	r.Use(middleware.RequestID)
	r.Use(middleware.Recoverer)
	r.Use(middleware.StructuredRequestLogger)
	r.Use(middleware.SecurityHeaders)
	r.Use(middleware.BodyLimit(maxRequestBody))

	r.Get("/health/live", func(w http.ResponseWriter, r *http.Request) {
		response.JSON(w, r, http.StatusOK, map[string]string{"status": "ok"})
	})
	r.Get("/health/ready", func(w http.ResponseWriter, r *http.Request) {
		if dep.Readiness == nil {
			response.JSON(w, r, http.StatusOK, map[string]string{"status": "ready"})
			return
		}
		if err := dep.Readiness(r.Context()); err != nil {
			response.Error(w, r, http.StatusServiceUnavailable, "dependency_unready", "store is not ready", nil)
			return
		}
		response.JSON(w, r, http.StatusOK, map[string]string{"status": "ready"})
	})

	auth := middleware.AuthMiddleware(dep.Verifier)
	r.Route("/api/v1", func(r chi.Router) {
		if dep.IPRateLimiter != nil {
			r.Use(dep.IPRateLimiter.Middleware())
		}
		r.Route("/auth", func(r chi.Router) {
			r.Post("/login", dep.AuthHandler.Login)
			r.Post("/refresh", dep.AuthHandler.Refresh)
			r.With(auth).Post("/logout", dep.AuthHandler.Logout)
		})
		r.Group(func(r chi.Router) {
			r.Use(auth)
			r.Get("/vehicles", dep.VehicleHandler.List)
			r.Get("/vehicles/{vin}/telemetry", dep.VehicleHandler.Telemetry)
		})
	})

	var h http.Handler = r
	if dep.EnableOTelHTTP {
		h = otelhttp.NewHandler(r, "http.server")
	}
	return h
}
