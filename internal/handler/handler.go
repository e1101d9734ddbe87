// Package handler implements the HTTP handlers for the signing service.
package handler

import (
	"encoding/json"
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"go.uber.org/zap"

	"github.com/kjanat/gpg-signing-service/internal/apperr"
	"github.com/kjanat/gpg-signing-service/internal/middleware"
)

// Version is the application version.
const Version = "1.0.0"

// Content types for PGP payloads.
const (
	ContentTypeSignature = "application/pgp-signature"
	ContentTypeKeys      = "application/pgp-keys"
)

// maxBodyBytes caps the request body size on /sign and /admin/keys.
const maxBodyBytes = 1 << 20 // 1 MiB

// Domain metrics.
var (
	signaturesTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "signatures_total",
			Help: "Total number of signing attempts by outcome",
		},
		[]string{"outcome"},
	)

	rateLimitDenials = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "rate_limit_denials_total",
			Help: "Total number of sign requests denied by the rate limiter",
		},
	)
)

// errorBody is the JSON error response shape.
type errorBody struct {
	Error     string `json:"error"`
	Code      string `json:"code"`
	RequestID string `json:"requestId,omitempty"`
}

// writeJSON writes a JSON response with the given status code.
func writeJSON(w http.ResponseWriter, logger *zap.Logger, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)

	if data == nil {
		return
	}

	if err := json.NewEncoder(w).Encode(data); err != nil {
		logger.Error("failed to encode response", zap.Error(err))
	}
}

// writeAppError renders an apperr.Error as the JSON error body, attaching
// the request id from the request context.
func writeAppError(w http.ResponseWriter, r *http.Request, logger *zap.Logger, appErr *apperr.Error) {
	writeJSON(w, logger, appErr.Status, errorBody{
		Error:     appErr.Message,
		Code:      string(appErr.Code),
		RequestID: middleware.RequestIDFromContext(r.Context()),
	})
}

// NotFound is the handler for unknown routes.
func NotFound(logger *zap.Logger) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		writeAppError(w, r, logger, apperr.New(apperr.CodeNotFound))
	})
}

// MethodNotAllowed is the handler for known routes hit with the wrong
// method.
func MethodNotAllowed(logger *zap.Logger) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, logger, http.StatusMethodNotAllowed, errorBody{
			Error:     "method not allowed",
			Code:      string(apperr.CodeInvalidRequest),
			RequestID: middleware.RequestIDFromContext(r.Context()),
		})
	})
}
