package handler

import (
	"encoding/json"
	"errors"
	"io"
	"net/http"

	"github.com/sandeepkv93/vehicle-telemetry-bridge/internal/domain"
	"github.com/sandeepkv93/vehicle-telemetry-bridge/internal/http/middleware"
	"github.com/sandeepkv93/vehicle-telemetry-bridge/internal/http/response"
	"github.com/sandeepkv93/vehicle-telemetry-bridge/internal/service"
)

type AuthHandler struct {
	auth service.AuthServiceInterface
}

func NewAuthHandler(auth service.AuthServiceInterface) *AuthHandler {
	return &AuthHandler{auth: auth}
}

type loginRequest struct {
	Username string `json:"username"`
	Password string `json:"password"`
}

type refreshRequest struct {
	RefreshToken string `json:"refresh_token"`
}

func (h *AuthHandler) Login(w http.ResponseWriter, r *http.Request) {
	var req loginRequest
	if err := decodeJSON(r, &req); err != nil {
		response.FromError(w, r, err)
		return
	}
	pair, err := h.auth.Login(r.Context(), domain.Credential{Username: req.Username, Password: req.Password})
	if err != nil {
		response.FromError(w, r, err)
		return
	}
	response.Raw(w, http.StatusOK, pair)
}

func (h *AuthHandler) Refresh(w http.ResponseWriter, r *http.Request) {
	var req refreshRequest
	if err := decodeJSON(r, &req); err != nil {
		response.FromError(w, r, err)
		return
	}
	if req.RefreshToken == "" {
		response.FromError(w, r, domain.InputError("missing_refresh_token", "refresh_token is required"))
		return
	}
	grant, err := h.auth.Refresh(r.Context(), req.RefreshToken)
	if err != nil {
		response.FromError(w, r, err)
		return
	}
	response.Raw(w, http.StatusOK, grant)
}

// Logout runs behind AuthMiddleware, which has already verified the token.
func (h *AuthHandler) Logout(w http.ResponseWriter, r *http.Request) {
	if err := h.auth.Logout(r.Context(), middleware.AccessTokenFromContext(r.Context())); err != nil {
		response.FromError(w, r, err)
		return
	}
	w.WriteHeader(http.StatusOK)
}

func decodeJSON(r *http.Request, dst any) error {
	dec := json.NewDecoder(r.Body)
	if err := dec.Decode(dst); err != nil {
		var tooLarge *http.MaxBytesError
		switch {
		case errors.As(err, &tooLarge):
			return domain.InputError("payload_too_large", "request body too large")
		case errors.Is(err, io.EOF):
			return domain.InputError("empty_body", "request body is required")
		default:
			return domain.InputError("invalid_json", "request body must be a JSON object")
		}
	}
	return nil
}
