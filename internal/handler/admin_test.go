package handler

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/mux"
	"go.uber.org/zap"

	"github.com/kjanat/gpg-signing-service/internal/audit"
	"github.com/kjanat/gpg-signing-service/internal/auth"
	"github.com/kjanat/gpg-signing-service/internal/keystore"
	"github.com/kjanat/gpg-signing-service/internal/middleware"
	"github.com/kjanat/gpg-signing-service/internal/pgptest"
	"github.com/kjanat/gpg-signing-service/internal/tasks"
)

const testAdminToken = "test-admin-token"

// adminFixture wires an AdminHandler against real stores.
type adminFixture struct {
	router *mux.Router
	audit  *audit.SQLiteStore
	keys   *keystore.FileStore
	runner *tasks.Runner
}

func newAdminFixture(t *testing.T) *adminFixture {
	t.Helper()

	keys, err := keystore.OpenFileStore(t.TempDir())
	if err != nil {
		t.Fatalf("opening key store: %v", err)
	}

	auditStore, err := audit.OpenSQLite(":memory:")
	if err != nil {
		t.Fatalf("opening audit store: %v", err)
	}
	t.Cleanup(func() {
		_ = auditStore.Close()
	})

	runner := tasks.NewRunner()
	h := NewAdminHandler(
		auth.NewAdminAuthenticator(testAdminToken),
		keys,
		auditStore,
		auditStore,
		runner,
		testPassphrase,
		zap.NewNop(),
	)

	router := mux.NewRouter()
	router.Use(mux.MiddlewareFunc(middleware.RequestID()))
	h.RegisterRoutes(router)

	return &adminFixture{
		router: router,
		audit:  auditStore,
		keys:   keys,
		runner: runner,
	}
}

func (f *adminFixture) drain(t *testing.T) {
	t.Helper()

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	if err := f.runner.Drain(ctx); err != nil {
		t.Fatalf("draining background tasks: %v", err)
	}
}

// do performs an admin request with the valid bearer token.
func (f *adminFixture) do(method, target, body string) *httptest.ResponseRecorder {
	req := httptest.NewRequest(method, target, strings.NewReader(body))
	req.Header.Set("Authorization", "Bearer "+testAdminToken)

	rec := httptest.NewRecorder()
	f.router.ServeHTTP(rec, req)
	return rec
}

// uploadKey uploads a generated key and returns its id.
func (f *adminFixture) uploadKey(t *testing.T, key *pgptest.Key) string {
	t.Helper()

	body, _ := json.Marshal(map[string]string{"armoredPrivateKey": key.Armored})
	rec := f.do(http.MethodPost, "/admin/keys", string(body))
	if rec.Code != http.StatusCreated {
		t.Fatalf("upload status = %d, want 201; body: %s", rec.Code, rec.Body.String())
	}

	var resp uploadKeyResponse
	if err := json.NewDecoder(rec.Body).Decode(&resp); err != nil {
		t.Fatalf("decoding upload response: %v", err)
	}
	return resp.KeyID
}

func TestAdmin_AuthRequired(t *testing.T) {
	f := newAdminFixture(t)

	t.Run("missing token", func(t *testing.T) {
		rec := httptest.NewRecorder()
		f.router.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/admin/keys", nil))

		if rec.Code != http.StatusUnauthorized {
			t.Fatalf("status = %d, want 401", rec.Code)
		}
		if body := decodeErrorBody(t, rec); body.Code != "AUTH_MISSING" {
			t.Errorf("code = %s, want AUTH_MISSING", body.Code)
		}
	})

	t.Run("wrong token", func(t *testing.T) {
		req := httptest.NewRequest(http.MethodGet, "/admin/keys", nil)
		req.Header.Set("Authorization", "Bearer wrong-token")

		rec := httptest.NewRecorder()
		f.router.ServeHTTP(rec, req)

		if rec.Code != http.StatusUnauthorized {
			t.Fatalf("status = %d, want 401", rec.Code)
		}
		if body := decodeErrorBody(t, rec); body.Code != "AUTH_INVALID" {
			t.Errorf("code = %s, want AUTH_INVALID", body.Code)
		}
	})
}

func TestUploadKey(t *testing.T) {
	f := newAdminFixture(t)
	key := pgptest.NewKey(t, testPassphrase)

	body, _ := json.Marshal(map[string]string{"armoredPrivateKey": key.Armored})
	rec := f.do(http.MethodPost, "/admin/keys", string(body))

	if rec.Code != http.StatusCreated {
		t.Fatalf("status = %d, want 201; body: %s", rec.Code, rec.Body.String())
	}

	var resp uploadKeyResponse
	if err := json.NewDecoder(rec.Body).Decode(&resp); err != nil {
		t.Fatalf("decoding response: %v", err)
	}
	if !resp.Success {
		t.Error("success = false, want true")
	}
	if resp.KeyID != key.KeyID {
		t.Errorf("keyId = %s, want %s (derived from the key)", resp.KeyID, key.KeyID)
	}
	if resp.Fingerprint != key.Fingerprint {
		t.Errorf("fingerprint = %s, want %s", resp.Fingerprint, key.Fingerprint)
	}
	if resp.Algorithm != "EdDSA" {
		t.Errorf("algorithm = %s, want EdDSA", resp.Algorithm)
	}

	// The key is retrievable from the store.
	stored, err := f.keys.Get(context.Background(), key.KeyID)
	if err != nil {
		t.Fatalf("uploaded key not in store: %v", err)
	}
	if stored.ArmoredPrivateKey != key.Armored {
		t.Error("stored armor differs from the uploaded armor")
	}

	f.drain(t)
	events, err := f.audit.Query(context.Background(), audit.QueryParams{Action: audit.ActionKeyUpload})
	if err != nil {
		t.Fatalf("querying audit log: %v", err)
	}
	if len(events) != 1 || !events[0].Success || events[0].KeyID != key.KeyID {
		t.Errorf("audit rows = %+v, want one successful key_upload row", events)
	}
}

func TestUploadKey_ExplicitKeyIDNormalized(t *testing.T) {
	f := newAdminFixture(t)
	key := pgptest.NewKey(t, testPassphrase)

	body, _ := json.Marshal(map[string]string{
		"armoredPrivateKey": key.Armored,
		"keyId":             strings.ToLower(key.KeyID),
	})
	rec := f.do(http.MethodPost, "/admin/keys", string(body))

	if rec.Code != http.StatusCreated {
		t.Fatalf("status = %d, want 201; body: %s", rec.Code, rec.Body.String())
	}

	var resp uploadKeyResponse
	if err := json.NewDecoder(rec.Body).Decode(&resp); err != nil {
		t.Fatalf("decoding response: %v", err)
	}
	if resp.KeyID != key.KeyID {
		t.Errorf("keyId = %s, want the normalized %s", resp.KeyID, key.KeyID)
	}
}

func TestUploadKey_MismatchedKeyID(t *testing.T) {
	f := newAdminFixture(t)
	key := pgptest.NewKey(t, testPassphrase)

	// A well-formed keyId that does not belong to the uploaded material.
	body, _ := json.Marshal(map[string]string{
		"armoredPrivateKey": key.Armored,
		"keyId":             "0123456789ABCDEF",
	})
	rec := f.do(http.MethodPost, "/admin/keys", string(body))

	if rec.Code != http.StatusBadRequest {
		t.Fatalf("status = %d, want 400; body: %s", rec.Code, rec.Body.String())
	}
	if body := decodeErrorBody(t, rec); body.Code != "INVALID_REQUEST" {
		t.Errorf("code = %s, want INVALID_REQUEST", body.Code)
	}

	// Nothing was stored under either id.
	for _, id := range []string{"0123456789ABCDEF", key.KeyID} {
		if _, err := f.keys.Get(context.Background(), id); !errors.Is(err, keystore.ErrNotFound) {
			t.Errorf("Get(%s) = %v, want ErrNotFound", id, err)
		}
	}
}

func TestUploadKey_Rejections(t *testing.T) {
	f := newAdminFixture(t)

	tests := []struct {
		name string
		body string
	}{
		{"malformed JSON", "{not json"},
		{"missing armor", `{"keyId":"A1B2C3D4E5F67890"}`},
		{"garbage armor", `{"armoredPrivateKey":"` + strings.Repeat("x", 200) + `"}`},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rec := f.do(http.MethodPost, "/admin/keys", tt.body)

			if rec.Code != http.StatusBadRequest {
				t.Fatalf("status = %d, want 400; body: %s", rec.Code, rec.Body.String())
			}
			if body := decodeErrorBody(t, rec); body.Code != "INVALID_REQUEST" {
				t.Errorf("code = %s, want INVALID_REQUEST", body.Code)
			}
		})
	}
}

func TestUploadKey_WrongPassphrase(t *testing.T) {
	f := newAdminFixture(t)

	// Encrypted with a passphrase the service does not hold.
	key := pgptest.NewKey(t, "some-other-passphrase")

	body, _ := json.Marshal(map[string]string{"armoredPrivateKey": key.Armored})
	rec := f.do(http.MethodPost, "/admin/keys", string(body))

	if rec.Code != http.StatusInternalServerError {
		t.Fatalf("status = %d, want 500; body: %s", rec.Code, rec.Body.String())
	}
	if body := decodeErrorBody(t, rec); body.Code != "KEY_UPLOAD_ERROR" {
		t.Errorf("code = %s, want KEY_UPLOAD_ERROR", body.Code)
	}

	f.drain(t)
	events, err := f.audit.Query(context.Background(), audit.QueryParams{Action: audit.ActionKeyUpload})
	if err != nil {
		t.Fatalf("querying audit log: %v", err)
	}
	if len(events) != 1 || events[0].Success {
		t.Errorf("audit rows = %+v, want one failed key_upload row", events)
	}
}

func TestListKeys(t *testing.T) {
	f := newAdminFixture(t)
	keyID := f.uploadKey(t, pgptest.NewKey(t, testPassphrase))

	rec := f.do(http.MethodGet, "/admin/keys", "")
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200", rec.Code)
	}

	if strings.Contains(rec.Body.String(), "PRIVATE KEY") {
		t.Error("key listing leaked private key armor")
	}

	var resp listKeysResponse
	if err := json.NewDecoder(rec.Body).Decode(&resp); err != nil {
		t.Fatalf("decoding response: %v", err)
	}
	if len(resp.Keys) != 1 || resp.Keys[0].KeyID != keyID {
		t.Errorf("keys = %+v, want the uploaded key", resp.Keys)
	}
}

func TestAdminPublicKey(t *testing.T) {
	f := newAdminFixture(t)
	keyID := f.uploadKey(t, pgptest.NewKey(t, testPassphrase))

	rec := f.do(http.MethodGet, "/admin/keys/"+keyID+"/public", "")
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200; body: %s", rec.Code, rec.Body.String())
	}
	if got := rec.Header().Get("Content-Type"); got != ContentTypeKeys {
		t.Errorf("Content-Type = %q, want %q", got, ContentTypeKeys)
	}
	if !strings.Contains(rec.Body.String(), "-----BEGIN PGP PUBLIC KEY BLOCK-----") {
		t.Error("body is not an armored public key block")
	}
}

func TestAdminPublicKey_Errors(t *testing.T) {
	f := newAdminFixture(t)

	t.Run("unknown key", func(t *testing.T) {
		rec := f.do(http.MethodGet, "/admin/keys/0000000000000000/public", "")
		if rec.Code != http.StatusNotFound {
			t.Errorf("status = %d, want 404", rec.Code)
		}
	})

	t.Run("malformed id", func(t *testing.T) {
		rec := f.do(http.MethodGet, "/admin/keys/nope/public", "")
		if rec.Code != http.StatusBadRequest {
			t.Errorf("status = %d, want 400", rec.Code)
		}
	})
}

func TestDeleteKey(t *testing.T) {
	f := newAdminFixture(t)
	keyID := f.uploadKey(t, pgptest.NewKey(t, testPassphrase))

	rec := f.do(http.MethodDelete, "/admin/keys/"+keyID, "")
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200", rec.Code)
	}

	var resp deleteKeyResponse
	if err := json.NewDecoder(rec.Body).Decode(&resp); err != nil {
		t.Fatalf("decoding response: %v", err)
	}
	if !resp.Success || !resp.Deleted {
		t.Errorf("response = %+v, want success and deleted", resp)
	}

	if _, err := f.keys.Get(context.Background(), keyID); !errors.Is(err, keystore.ErrNotFound) {
		t.Errorf("key still retrievable after delete: %v", err)
	}

	// Deleting again is idempotent.
	rec = f.do(http.MethodDelete, "/admin/keys/"+keyID, "")
	if rec.Code != http.StatusOK {
		t.Fatalf("repeat delete status = %d, want 200", rec.Code)
	}
	if err := json.NewDecoder(rec.Body).Decode(&resp); err != nil {
		t.Fatalf("decoding response: %v", err)
	}
	if !resp.Success || resp.Deleted {
		t.Errorf("repeat delete response = %+v, want success without deleted", resp)
	}

	f.drain(t)
	events, err := f.audit.Query(context.Background(), audit.QueryParams{Action: audit.ActionKeyRotate})
	if err != nil {
		t.Fatalf("querying audit log: %v", err)
	}
	if len(events) != 1 {
		t.Errorf("key_rotate audit rows = %d, want 1 (only the effective delete)", len(events))
	}
}

func TestDeleteKey_MalformedID(t *testing.T) {
	f := newAdminFixture(t)

	rec := f.do(http.MethodDelete, "/admin/keys/not-a-key-id", "")
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200", rec.Code)
	}

	var resp deleteKeyResponse
	if err := json.NewDecoder(rec.Body).Decode(&resp); err != nil {
		t.Fatalf("decoding response: %v", err)
	}
	if !resp.Success || resp.Deleted {
		t.Errorf("response = %+v, want success with deleted=false", resp)
	}
}

func TestQueryAudit(t *testing.T) {
	f := newAdminFixture(t)

	base := time.Date(2026, 8, 24, 12, 0, 0, 0, time.UTC)
	for i, action := range []audit.Action{audit.ActionSign, audit.ActionSign, audit.ActionKeyUpload} {
		event := audit.Event{
			ID:        uuid.New().String(),
			Timestamp: base.Add(time.Duration(i) * time.Minute),
			RequestID: uuid.New().String(),
			Action:    action,
			Issuer:    "https://issuer.example.com",
			Subject:   "repo:octo/widgets",
			KeyID:     "A1B2C3D4E5F67890",
			Success:   true,
		}
		if err := f.audit.Append(context.Background(), event); err != nil {
			t.Fatalf("seeding audit log: %v", err)
		}
	}

	t.Run("all", func(t *testing.T) {
		rec := f.do(http.MethodGet, "/admin/audit", "")
		if rec.Code != http.StatusOK {
			t.Fatalf("status = %d, want 200", rec.Code)
		}

		var resp auditQueryResponse
		if err := json.NewDecoder(rec.Body).Decode(&resp); err != nil {
			t.Fatalf("decoding response: %v", err)
		}
		if resp.Count != 3 || len(resp.Logs) != 3 {
			t.Errorf("count = %d, logs = %d, want 3", resp.Count, len(resp.Logs))
		}
	})

	t.Run("filtered by action", func(t *testing.T) {
		rec := f.do(http.MethodGet, "/admin/audit?action=key_upload", "")
		if rec.Code != http.StatusOK {
			t.Fatalf("status = %d, want 200", rec.Code)
		}

		var resp auditQueryResponse
		if err := json.NewDecoder(rec.Body).Decode(&resp); err != nil {
			t.Fatalf("decoding response: %v", err)
		}
		if resp.Count != 1 || resp.Logs[0].Action != audit.ActionKeyUpload {
			t.Errorf("logs = %+v, want one key_upload row", resp.Logs)
		}
	})

	t.Run("paginated", func(t *testing.T) {
		rec := f.do(http.MethodGet, "/admin/audit?limit=1&offset=1", "")
		if rec.Code != http.StatusOK {
			t.Fatalf("status = %d, want 200", rec.Code)
		}

		var resp auditQueryResponse
		if err := json.NewDecoder(rec.Body).Decode(&resp); err != nil {
			t.Fatalf("decoding response: %v", err)
		}
		if resp.Count != 1 {
			t.Errorf("count = %d, want 1", resp.Count)
		}
	})

	t.Run("invalid parameters", func(t *testing.T) {
		for _, target := range []string{
			"/admin/audit?limit=0",
			"/admin/audit?limit=1001",
			"/admin/audit?limit=abc",
			"/admin/audit?offset=-1",
			"/admin/audit?action=key_delete",
			"/admin/audit?startDate=yesterday",
		} {
			rec := f.do(http.MethodGet, target, "")
			if rec.Code != http.StatusBadRequest {
				t.Errorf("%s: status = %d, want 400", target, rec.Code)
			}
		}
	})
}
