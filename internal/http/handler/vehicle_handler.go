package handler

import (
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/sandeepkv93/vehicle-telemetry-bridge/internal/domain"
	"github.com/sandeepkv93/vehicle-telemetry-bridge/internal/http/middleware"
	"github.com/sandeepkv93/vehicle-telemetry-bridge/internal/http/response"
	"github.com/sandeepkv93/vehicle-telemetry-bridge/internal/service"
)

type VehicleHandler struct {
	auth service.AuthServiceInterface
}

func NewVehicleHandler(auth service.AuthServiceInterface) *VehicleHandler {
	return &VehicleHandler{auth: auth}
}

func (h *VehicleHandler) List(w http.ResponseWriter, r *http.Request) {
	claims, ok := middleware.ClaimsFromContext(r.Context())
	if !ok {
		response.FromError(w, r, domain.AuthorizationError("missing_token", "missing auth context", nil))
		return
	}
	vehicles, err := h.auth.Vehicles(r.Context(), claims.Subject)
	if err != nil {
		response.FromError(w, r, err)
		return
	}
	if vehicles == nil {
		vehicles = []domain.Vehicle{}
	}
	response.JSON(w, r, http.StatusOK, map[string]any{"vehicles": vehicles})
}

func (h *VehicleHandler) Telemetry(w http.ResponseWriter, r *http.Request) {
	claims, ok := middleware.ClaimsFromContext(r.Context())
	if !ok {
		response.FromError(w, r, domain.AuthorizationError("missing_token", "missing auth context", nil))
		return
	}
	record, err := h.auth.Telemetry(r.Context(), claims.Subject, chi.URLParam(r, "vin"))
	if err != nil {
		response.FromError(w, r, err)
		return
	}
	response.Raw(w, http.StatusOK, record)
}
