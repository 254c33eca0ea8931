package response

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"time"

	chimiddleware "github.com/go-chi/chi/v5/middleware"

	"github.com/sandeepkv93/vehicle-telemetry-bridge/internal/domain"
	"github.com/sandeepkv93/vehicle-telemetry-bridge/internal/observability"
)

type envelope struct {
	Success bool        `json:"success"`
	Data    interface{} `json:"data,omitempty"`
	Error   *apiError   `json:"error,omitempty"`
	Meta    meta        `json:"meta"`
}

type apiError struct {
	Code       string      `json:"code"`
	Message    string      `json:"message"`
	RetryAfter int64       `json:"retry_after,omitempty"`
	Details    interface{} `json:"details,omitempty"`
}

type meta struct {
	RequestID string    `json:"request_id"`
	Timestamp time.Time `json:"timestamp"`
}

func JSON(w http.ResponseWriter, r *http.Request, status int, data interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(envelope{Success: true, Data: data, Meta: buildMeta(r)})
}

// Raw writes v as the whole body. Token and telemetry responses use it so
// clients get the documented shape without an envelope.
func Raw(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.Header().Set("Cache-Control", "no-store")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func Error(w http.ResponseWriter, r *http.Request, status int, code, message string, details interface{}) {
	writeError(w, r, status, &apiError{Code: code, Message: message, Details: details})
}

func writeError(w http.ResponseWriter, r *http.Request, status int, e *apiError) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(envelope{Success: false, Error: e, Meta: buildMeta(r)})
}

// StatusFor maps an error kind to its HTTP status.
func StatusFor(kind domain.Kind) int {
	switch kind {
	case domain.KindInput:
		return http.StatusBadRequest
	case domain.KindAuthentication, domain.KindAuthorization:
		return http.StatusUnauthorized
	case domain.KindRateLimited:
		return http.StatusTooManyRequests
	case domain.KindLocked:
		return http.StatusLocked
	case domain.KindUpstreamUnavailable, domain.KindTransientUpstream:
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}

// FromError writes err using its domain kind. Internal errors are reported
// to Sentry and never leak their message.
func FromError(w http.ResponseWriter, r *http.Request, err error) {
	var de *domain.Error
	if !errors.As(err, &de) {
		de = domain.InternalError(err)
	}
	status := StatusFor(de.Kind)
	if status == http.StatusInternalServerError {
		observability.CaptureError(r.Context(), err, map[string]string{"path": r.URL.Path})
	}
	e := &apiError{Code: de.Code, Message: de.Message}
	if de.RetryAfter > 0 {
		seconds := RetryAfterSeconds(de.RetryAfter)
		w.Header().Set("Retry-After", fmt.Sprintf("%d", seconds))
		e.RetryAfter = seconds
	}
	if status == http.StatusUnauthorized {
		w.Header().Set("WWW-Authenticate", `Bearer error="invalid_token"`)
	}
	writeError(w, r, status, e)
}

// RetryAfterSeconds rounds d up to whole seconds, never below one.
func RetryAfterSeconds(d time.Duration) int64 {
	seconds := int64((d + time.Second - 1) / time.Second)
	if seconds < 1 {
		seconds = 1
	}
	return seconds
}

func buildMeta(r *http.Request) meta {
	id := chimiddleware.GetReqID(r.Context())
	if id == "" {
		id = r.Header.Get("X-Request-Id")
	}
	if id == "" {
		id = "req-unknown"
	}
	return meta{RequestID: id, Timestamp: time.Now().UTC()}
}
