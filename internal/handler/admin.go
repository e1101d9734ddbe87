package handler

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
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
	"github.com/kjanat/gpg-signing-service/internal/tasks"
)

// adminSubject is the audit subject recorded for admin operations.
const adminSubject = "admin"

// AdminHandler serves the /admin routes, guarded by the admin bearer
// token.
type AdminHandler struct {
	authn       *auth.AdminAuthenticator
	keys        keystore.Store
	auditWriter audit.Writer
	auditReader audit.Reader
	runner      *tasks.Runner
	passphrase  string
	logger      *zap.Logger
}

// NewAdminHandler creates an AdminHandler.
func NewAdminHandler(
	authn *auth.AdminAuthenticator,
	keys keystore.Store,
	auditWriter audit.Writer,
	auditReader audit.Reader,
	runner *tasks.Runner,
	passphrase string,
	logger *zap.Logger,
) *AdminHandler {
	return &AdminHandler{
		authn:       authn,
		keys:        keys,
		auditWriter: auditWriter,
		auditReader: auditReader,
		runner:      runner,
		passphrase:  passphrase,
		logger:      logger,
	}
}

// RegisterRoutes registers the admin routes with the router.
func (h *AdminHandler) RegisterRoutes(router *mux.Router) {
	router.HandleFunc("/admin/keys", h.withAuth(h.UploadKey)).Methods(http.MethodPost)
	router.HandleFunc("/admin/keys", h.withAuth(h.ListKeys)).Methods(http.MethodGet)
	router.HandleFunc("/admin/keys/{keyId}/public", h.withAuth(h.PublicKey)).Methods(http.MethodGet)
	router.HandleFunc("/admin/keys/{keyId}", h.withAuth(h.DeleteKey)).Methods(http.MethodDelete)
	router.HandleFunc("/admin/audit", h.withAuth(h.QueryAudit)).Methods(http.MethodGet)
}

// withAuth wraps an admin handler with the bearer-token check.
func (h *AdminHandler) withAuth(next http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if err := h.authn.Authenticate(r); err != nil {
			code := apperr.CodeAuthInvalid
			if errors.Is(err, auth.ErrNoBearer) {
				code = apperr.CodeAuthMissing
			}
			h.logger.Warn("admin authentication failed",
				zap.String("path", r.URL.Path),
				zap.String("remote_addr", r.RemoteAddr),
				zap.Error(err),
			)
			writeAppError(w, r, h.logger, apperr.New(code))
			return
		}
		next(w, r)
	}
}

// uploadKeyRequest is the POST /admin/keys request body.
type uploadKeyRequest struct {
	ArmoredPrivateKey string `json:"armoredPrivateKey"`
	KeyID             string `json:"keyId"`
}

// uploadKeyResponse is the POST /admin/keys response body.
type uploadKeyResponse struct {
	Success     bool   `json:"success"`
	KeyID       string `json:"keyId"`
	Fingerprint string `json:"fingerprint"`
	Algorithm   string `json:"algorithm"`
}

// UploadKey handles POST /admin/keys: parse and validate the armored
// private key, then persist it under the requested (or derived) key id.
func (h *AdminHandler) UploadKey(w http.ResponseWriter, r *http.Request) {
	var req uploadKeyRequest
	body := http.MaxBytesReader(w, r.Body, maxBodyBytes)
	if err := json.NewDecoder(body).Decode(&req); err != nil {
		writeAppError(w, r, h.logger, apperr.NewMsg(apperr.CodeInvalidRequest, "invalid request body"))
		return
	}

	if req.ArmoredPrivateKey == "" {
		writeAppError(w, r, h.logger, apperr.NewMsg(apperr.CodeInvalidRequest, "armoredPrivateKey is required"))
		return
	}

	if err := model.ValidateArmoredPrivateKey(req.ArmoredPrivateKey); err != nil {
		writeAppError(w, r, h.logger, apperr.NewMsg(apperr.CodeInvalidRequest, err.Error()))
		return
	}

	info, err := pgp.ParseAndValidate(req.ArmoredPrivateKey, h.passphrase)
	if err != nil {
		h.logger.Error("key upload parse failed", zap.Error(err))
		h.auditAdmin(r, audit.ActionKeyUpload, req.KeyID, false, apperr.CodeKeyUploadError)
		writeAppError(w, r, h.logger, apperr.New(apperr.CodeKeyUploadError))
		return
	}

	keyID := req.KeyID
	if keyID == "" {
		keyID = info.KeyID
	}
	keyID, err = model.NormalizeKeyID(keyID)
	if err != nil {
		writeAppError(w, r, h.logger, apperr.NewMsg(apperr.CodeInvalidRequest, err.Error()))
		return
	}

	// A stored key's id must always match its material.
	if keyID != info.KeyID {
		writeAppError(w, r, h.logger, apperr.NewMsg(
			apperr.CodeInvalidRequest, "keyId does not match the uploaded key material"))
		return
	}

	stored := model.StoredKey{
		ArmoredPrivateKey: req.ArmoredPrivateKey,
		KeyID:             keyID,
		Fingerprint:       info.Fingerprint,
		CreatedAt:         time.Now().Format(time.RFC3339),
		Algorithm:         info.Algorithm,
	}

	if err := h.keys.Put(r.Context(), stored); err != nil {
		h.logger.Error("key upload persist failed", zap.String("key_id", keyID), zap.Error(err))
		h.auditAdmin(r, audit.ActionKeyUpload, keyID, false, apperr.CodeKeyUploadError)
		writeAppError(w, r, h.logger, apperr.New(apperr.CodeKeyUploadError))
		return
	}

	h.auditAdmin(r, audit.ActionKeyUpload, keyID, true, "")

	writeJSON(w, h.logger, http.StatusCreated, uploadKeyResponse{
		Success:     true,
		KeyID:       keyID,
		Fingerprint: info.Fingerprint,
		Algorithm:   info.Algorithm,
	})
}

// listKeysResponse is the GET /admin/keys response body.
type listKeysResponse struct {
	Keys []model.KeySummary `json:"keys"`
}

// ListKeys handles GET /admin/keys.
func (h *AdminHandler) ListKeys(w http.ResponseWriter, r *http.Request) {
	summaries, err := h.keys.List(r.Context())
	if err != nil {
		h.logger.Error("key list failed", zap.Error(err))
		writeAppError(w, r, h.logger, apperr.New(apperr.CodeKeyListError))
		return
	}

	writeJSON(w, h.logger, http.StatusOK, listKeysResponse{Keys: summaries})
}

// PublicKey handles GET /admin/keys/{keyId}/public.
func (h *AdminHandler) PublicKey(w http.ResponseWriter, r *http.Request) {
	keyID, err := model.NormalizeKeyID(mux.Vars(r)["keyId"])
	if err != nil {
		writeAppError(w, r, h.logger, apperr.NewMsg(apperr.CodeInvalidRequest, err.Error()))
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

// deleteKeyResponse is the DELETE /admin/keys/{keyId} response body.
type deleteKeyResponse struct {
	Success bool `json:"success"`
	Deleted bool `json:"deleted"`
}

// DeleteKey handles DELETE /admin/keys/{keyId}. Deleting a missing key
// succeeds with deleted=false.
func (h *AdminHandler) DeleteKey(w http.ResponseWriter, r *http.Request) {
	keyID, err := model.NormalizeKeyID(mux.Vars(r)["keyId"])
	if err != nil {
		// Malformed ids cannot name a stored key; report an idempotent miss.
		writeJSON(w, h.logger, http.StatusOK, deleteKeyResponse{Success: true, Deleted: false})
		return
	}

	deleted, err := h.keys.Delete(r.Context(), keyID)
	if err != nil {
		h.logger.Error("key delete failed", zap.String("key_id", keyID), zap.Error(err))
		writeAppError(w, r, h.logger, apperr.New(apperr.CodeKeyDeleteError))
		return
	}

	if deleted {
		h.auditAdmin(r, audit.ActionKeyRotate, keyID, true, "")
	}

	writeJSON(w, h.logger, http.StatusOK, deleteKeyResponse{Success: true, Deleted: deleted})
}

// auditQueryResponse is the GET /admin/audit response body.
type auditQueryResponse struct {
	Logs  []audit.Event `json:"logs"`
	Count int           `json:"count"`
}

// QueryAudit handles GET /admin/audit with validated pagination and
// filter parameters.
func (h *AdminHandler) QueryAudit(w http.ResponseWriter, r *http.Request) {
	params, appErr := parseAuditQuery(r)
	if appErr != nil {
		writeAppError(w, r, h.logger, appErr)
		return
	}

	events, err := h.auditReader.Query(r.Context(), *params)
	if err != nil {
		if isValidationError(err) {
			writeAppError(w, r, h.logger, apperr.NewMsg(apperr.CodeInvalidRequest, err.Error()))
			return
		}
		h.logger.Error("audit query failed", zap.Error(err))
		writeAppError(w, r, h.logger, apperr.New(apperr.CodeAuditError))
		return
	}

	writeJSON(w, h.logger, http.StatusOK, auditQueryResponse{Logs: events, Count: len(events)})
}

// parseAuditQuery extracts audit query parameters from the request.
func parseAuditQuery(r *http.Request) (*audit.QueryParams, *apperr.Error) {
	q := r.URL.Query()
	params := &audit.QueryParams{
		Action:    audit.Action(q.Get("action")),
		Subject:   q.Get("subject"),
		StartDate: q.Get("startDate"),
		EndDate:   q.Get("endDate"),
	}

	for _, p := range []struct {
		name string
		dst  *int
	}{
		{"limit", &params.Limit},
		{"offset", &params.Offset},
	} {
		if raw := q.Get(p.name); raw != "" {
			val, err := strconv.Atoi(raw)
			if err != nil {
				return nil, apperr.NewMsg(apperr.CodeInvalidRequest, p.name+" must be an integer")
			}
			*p.dst = val
		}
	}

	// An explicit limit=0 is invalid; only an absent limit takes the
	// default.
	if q.Get("limit") != "" && params.Limit == 0 {
		return nil, apperr.NewMsg(apperr.CodeInvalidRequest, audit.ErrInvalidLimit.Error())
	}

	if err := params.Validate(); err != nil {
		return nil, apperr.NewMsg(apperr.CodeInvalidRequest, err.Error())
	}

	return params, nil
}

// isValidationError reports whether err is one of the audit parameter
// validation errors.
func isValidationError(err error) bool {
	return errors.Is(err, audit.ErrInvalidLimit) ||
		errors.Is(err, audit.ErrInvalidOffset) ||
		errors.Is(err, audit.ErrInvalidAction) ||
		errors.Is(err, audit.ErrInvalidDate)
}

// auditAdmin schedules an audit append for an admin operation on the
// background runner. Append failures are logged, never propagated.
func (h *AdminHandler) auditAdmin(r *http.Request, action audit.Action, keyID string, success bool, code apperr.Code) {
	event := audit.Event{
		ID:        uuid.New().String(),
		Timestamp: time.Now().UTC(),
		RequestID: middleware.RequestIDFromContext(r.Context()),
		Action:    action,
		Issuer:    adminSubject,
		Subject:   adminSubject,
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
