package handler

import (
	"context"
	"errors"
	"io"
	"net/http"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/mux"
	"go.uber.org/zap"

	"github.com/kjanat/gpg-signing-service/internal/apperr"
	"github.com/kjanat/gpg-signing-service/internal/audit"
	"github.com/kjanat/gpg-signing-service/internal/auth"
	"github.com/kjanat/gpg-signing-service/internal/keystore"
	"github.com/kjanat/gpg-signing-service/internal/middleware"
	"github.com/kjanat/gpg-signing-service/internal/model"
	"github.com/kjanat/gpg-signing-service/internal/pgp"
	"github.com/kjanat/gpg-signing-service/internal/ratelimit"
	"github.com/kjanat/gpg-signing-service/internal/tasks"
)

// Pinger reports whether a backing store is reachable.
type Pinger interface {
	Ping(ctx context.Context) error
}

// SignHandler serves the signing pipeline and the public endpoints.
type SignHandler struct {
	verifier     auth.Verifier
	limiter      ratelimit.Limiter
	keys         keystore.Store
	signer       *pgp.Signer
	auditWriter  audit.Writer
	auditPinger  Pinger
	runner       *tasks.Runner
	defaultKeyID string
	logger       *zap.Logger
}

// NewSignHandler creates a SignHandler.
func NewSignHandler(
	verifier auth.Verifier,
	limiter ratelimit.Limiter,
	keys keystore.Store,
	signer *pgp.Signer,
	auditWriter audit.Writer,
	auditPinger Pinger,
	runner *tasks.Runner,
	defaultKeyID string,
	logger *zap.Logger,
) *SignHandler {
	return &SignHandler{
		verifier:     verifier,
		limiter:      limiter,
		keys:         keys,
		signer:       signer,
		auditWriter:  auditWriter,
		auditPinger:  auditPinger,
		runner:       runner,
		defaultKeyID: defaultKeyID,
		logger:       logger,
	}
}

// RegisterRoutes registers the public routes with the router.
func (h *SignHandler) RegisterRoutes(router *mux.Router) {
	router.HandleFunc("/sign", h.Sign).Methods(http.MethodPost)
	router.HandleFunc("/public-key", h.PublicKey).Methods(http.MethodGet)
	router.HandleFunc("/health", h.Health).Methods(http.MethodGet)
}

// Sign handles POST /sign: verify the bearer token, consume a rate-limit
// token, load the stored key, and return an armored detached signature
// over the request body.
func (h *SignHandler) Sign(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	payload, err := io.ReadAll(http.MaxBytesReader(w, r.Body, maxBodyBytes))
	if err != nil {
		writeAppError(w, r, h.logger, apperr.NewMsg(apperr.CodeInvalidRequest, "request body too large or unreadable"))
		return
	}
	if len(payload) == 0 {
		writeAppError(w, r, h.logger, apperr.NewMsg(apperr.CodeInvalidRequest, "request body must not be empty"))
		return
	}

	// No audit row on auth failures: there is no authenticated subject yet.
	token, err := auth.BearerToken(r)
	if err != nil {
		writeAppError(w, r, h.logger, apperr.New(apperr.CodeAuthMissing))
		return
	}

	claims, err := h.verifier.Verify(ctx, token)
	if err != nil {
		h.logger.Warn("token verification failed",
			zap.String("request_id", middleware.RequestIDFromContext(ctx)),
			zap.Error(err),
		)
		writeAppError(w, r, h.logger, apperr.New(apperr.CodeAuthInvalid))
		return
	}

	decision, err := h.limiter.Consume(ctx, claims.Identity())
	if err != nil {
		h.logger.Error("rate limiter failed", zap.Error(err))
		h.auditSign(r, claims, "", false, apperr.CodeRateLimitError)
		writeAppError(w, r, h.logger, apperr.New(apperr.CodeRateLimitError))
		return
	}
	if !decision.Allowed {
		rateLimitDenials.Inc()
		h.auditSign(r, claims, "", false, apperr.CodeRateLimited)
		writeAppError(w, r, h.logger, apperr.New(apperr.CodeRateLimited))
		return
	}

	keyID, appErr := h.resolveKeyID(r)
	if appErr != nil {
		writeAppError(w, r, h.logger, appErr)
		return
	}

	stored, err := h.keys.Get(ctx, keyID)
	if err != nil {
		if errors.Is(err, keystore.ErrNotFound) {
			h.auditSign(r, claims, keyID, false, apperr.CodeKeyNotFound)
			writeAppError(w, r, h.logger, apperr.New(apperr.CodeKeyNotFound))
			return
		}
		h.logger.Error("key store failed", zap.String("key_id", keyID), zap.Error(err))
		h.auditSign(r, claims, keyID, false, apperr.CodeInternalError)
		writeAppError(w, r, h.logger, apperr.Wrap(apperr.CodeInternalError, err))
		return
	}

	result, err := h.signer.Sign(ctx, payload, stored)
	if err != nil {
		signaturesTotal.WithLabelValues("error").Inc()
		h.logger.Error("signing failed", zap.String("key_id", keyID), zap.Error(err))
		h.auditSign(r, claims, keyID, false, apperr.CodeSignError)
		writeAppError(w, r, h.logger, apperr.New(apperr.CodeSignError))
		return
	}

	signaturesTotal.WithLabelValues("success").Inc()
	h.auditSign(r, claims, keyID, true, "")

	w.Header().Set("Content-Type", ContentTypeSignature)
	w.WriteHeader(http.StatusOK)
	if _, err := w.Write([]byte(result.Signature)); err != nil {
		h.logger.Error("failed to write signature response", zap.Error(err))
	}
}

// PublicKey handles GET /public-key: return the armored public half of a
// stored key. No authentication required.
func (h *SignHandler) PublicKey(w http.ResponseWriter, r *http.Request) {
	keyID, appErr := h.resolveKeyID(r)
	if appErr != nil {
		writeAppError(w, r, h.logger, appErr)
		return
	}

	stored, err := h.keys.Get(r.Context(), keyID)
	if err != nil {
		if errors.Is(err, keystore.ErrNotFound) {
			writeAppError(w, r, h.logger, apperr.New(apperr.CodeKeyNotFound))
			return
		}
		writeAppError(w, r, h.logger, apperr.Wrap(apperr.CodeInternalError, err))
		return
	}

	publicKey, err := pgp.ExtractPublicKey(stored.ArmoredPrivateKey)
	if err != nil {
		h.logger.Error("public key extraction failed", zap.String("key_id", keyID), zap.Error(err))
		writeAppError(w, r, h.logger, apperr.New(apperr.CodeKeyProcessingError))
		return
	}

	w.Header().Set("Content-Type", ContentTypeKeys)
	w.WriteHeader(http.StatusOK)
	if _, err := w.Write([]byte(publicKey)); err != nil {
		h.logger.Error("failed to write public key response", zap.Error(err))
	}
}

// healthResponse is the GET /health response shape.
type healthResponse struct {
	Status    string            `json:"status"`
	Timestamp string            `json:"timestamp"`
	Version   string            `json:"version"`
	Checks    map[string]string `json:"checks"`
}

// Health handles GET /health. The endpoint always answers 200; a failing
// dependency degrades the reported status.
func (h *SignHandler) Health(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	checks := map[string]string{
		"keyStorage": "ok",
		"database":   "ok",
	}
	status := "healthy"

	if _, err := h.keys.List(ctx); err != nil {
		checks["keyStorage"] = "error"
		status = "degraded"
	}

	if err := h.auditPinger.Ping(ctx); err != nil {
		checks["database"] = "error"
		status = "degraded"
	}

	writeJSON(w, h.logger, http.StatusOK, healthResponse{
		Status:    status,
		Timestamp: time.Now().UTC().Format(time.RFC3339),
		Version:   Version,
		Checks:    checks,
	})
}

// resolveKeyID picks the key id from the query parameter, falling back to
// the configured default.
func (h *SignHandler) resolveKeyID(r *http.Request) (string, *apperr.Error) {
	raw := r.URL.Query().Get("keyId")
	if raw == "" {
		raw = h.defaultKeyID
	}
	if raw == "" {
		return "", apperr.NewMsg(apperr.CodeInvalidRequest, "keyId is required and no default key is configured")
	}

	keyID, err := model.NormalizeKeyID(raw)
	if err != nil {
		return "", apperr.NewMsg(apperr.CodeInvalidRequest, err.Error())
	}

	return keyID, nil
}

// auditSign schedules an audit append for a sign attempt on the
// background runner, detached from the request context. Append failures
// are logged and never alter the response.
func (h *SignHandler) auditSign(r *http.Request, claims *auth.Claims, keyID string, success bool, code apperr.Code) {
	event := audit.Event{
		ID:        uuid.New().String(),
		Timestamp: time.Now().UTC(),
		RequestID: middleware.RequestIDFromContext(r.Context()),
		Action:    audit.ActionSign,
		Issuer:    claims.Issuer,
		Subject:   claims.Subject,
		KeyID:     keyID,
		Success:   success,
		ErrorCode: string(code),
	}

	ctx := context.WithoutCancel(r.Context())

	h.runner.Go(func() {
		if err := h.auditWriter.Append(ctx, event); err != nil {
			h.logger.Error("audit append failed",
				zap.String("request_id", event.RequestID),
				zap.String("action", string(event.Action)),
				zap.Error(err),
			)
		}
	})
}
