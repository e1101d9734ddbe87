package server

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"go.uber.org/zap"

	"github.com/kjanat/gpg-signing-service/internal/audit"
	"github.com/kjanat/gpg-signing-service/internal/auth"
	"github.com/kjanat/gpg-signing-service/internal/config"
	"github.com/kjanat/gpg-signing-service/internal/keycache"
	"github.com/kjanat/gpg-signing-service/internal/keystore"
	"github.com/kjanat/gpg-signing-service/internal/model"
	"github.com/kjanat/gpg-signing-service/internal/pgp"
	"github.com/kjanat/gpg-signing-service/internal/pgptest"
	"github.com/kjanat/gpg-signing-service/internal/ratelimit"
)

// staticVerifier accepts every token with fixed claims.
type staticVerifier struct {
	claims auth.Claims
}

func (v *staticVerifier) Verify(ctx context.Context, rawToken string) (*auth.Claims, error) {
	c := v.claims
	return &c, nil
}

func testConfig(t *testing.T) *config.Config {
	t.Helper()
	return &config.Config{
		ServerPort:        8080,
		LogLevel:          "info",
		ShutdownTimeout:   5 * time.Second,
		MetricsEnabled:    true,
		AdminToken:        "test-admin-token",
		KeyPassphrase:     "test-passphrase",
		AllowedIssuers:    []string{"https://token.actions.githubusercontent.com"},
		AllowedOrigins:    []string{"*"},
		DataDir:           t.TempDir(),
		AuditDBPath:       ":memory:",
		RateLimitWindow:   time.Minute,
		RateLimitCapacity: 100,
		JWKSCacheTTL:      time.Minute,
		KeyCacheTTL:       time.Minute,
		FetchTimeout:      time.Second,
	}
}

// newTestServer assembles a full server with a static verifier and a
// seeded signing key.
func newTestServer(t *testing.T) (*Server, *pgptest.Key) {
	t.Helper()

	cfg := testConfig(t)

	keys, err := keystore.OpenFileStore(cfg.DataDir)
	if err != nil {
		t.Fatalf("opening key store: %v", err)
	}

	auditStore, err := audit.OpenSQLite(cfg.AuditDBPath)
	if err != nil {
		t.Fatalf("opening audit store: %v", err)
	}
	t.Cleanup(func() {
		_ = auditStore.Close()
	})

	key := pgptest.NewKey(t, cfg.KeyPassphrase)
	stored := model.StoredKey{
		ArmoredPrivateKey: key.Armored,
		KeyID:             key.KeyID,
		Fingerprint:       key.Fingerprint,
		CreatedAt:         time.Now().UTC().Format(time.RFC3339),
		Algorithm:         "EdDSA",
	}
	if err := keys.Put(context.Background(), stored); err != nil {
		t.Fatalf("seeding key store: %v", err)
	}

	verifier := &staticVerifier{claims: auth.Claims{
		Issuer:  cfg.AllowedIssuers[0],
		Subject: "repo:octo/widgets:ref:refs/heads/main",
	}}

	srv := New(cfg, zap.NewNop(), Deps{
		Verifier:    verifier,
		Limiter:     ratelimit.NewFixedWindow(cfg.RateLimitWindow, cfg.RateLimitCapacity),
		Keys:        keys,
		Signer:      pgp.NewSigner(keycache.New(cfg.KeyCacheTTL), cfg.KeyPassphrase),
		AuditWriter: auditStore,
		AuditReader: auditStore,
		AuditPinger: auditStore,
	})

	return srv, key
}

func TestServer_SignThroughFullStack(t *testing.T) {
	srv, key := newTestServer(t)

	req := httptest.NewRequest(http.MethodPost, "/sign?keyId="+key.KeyID, bytes.NewReader([]byte("artifact")))
	req.Header.Set("Authorization", "Bearer some.jwt.token")

	rec := httptest.NewRecorder()
	srv.Router().ServeHTTP(rec, req)

	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200; body: %s", rec.Code, rec.Body.String())
	}
	if !strings.Contains(rec.Body.String(), "-----BEGIN PGP SIGNATURE-----") {
		t.Error("body is not an armored signature")
	}
	if rec.Header().Get("X-Request-ID") == "" {
		t.Error("response has no X-Request-ID header")
	}
}

func TestServer_Health(t *testing.T) {
	srv, _ := newTestServer(t)

	rec := httptest.NewRecorder()
	srv.Router().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/health", nil))

	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200", rec.Code)
	}

	var body struct {
		Status string `json:"status"`
	}
	if err := json.NewDecoder(rec.Body).Decode(&body); err != nil {
		t.Fatalf("decoding health response: %v", err)
	}
	if body.Status != "healthy" {
		t.Errorf("status = %q, want healthy", body.Status)
	}
}

func TestServer_MetricsEndpoint(t *testing.T) {
	srv, _ := newTestServer(t)

	rec := httptest.NewRecorder()
	srv.Router().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/metrics", nil))

	if rec.Code != http.StatusOK {
		t.Errorf("status = %d, want 200", rec.Code)
	}
}

func TestServer_UnknownRoute(t *testing.T) {
	srv, _ := newTestServer(t)

	rec := httptest.NewRecorder()
	srv.Router().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/nope", nil))

	if rec.Code != http.StatusNotFound {
		t.Fatalf("status = %d, want 404", rec.Code)
	}
	if !strings.Contains(rec.Body.String(), "NOT_FOUND") {
		t.Errorf("body = %q, want NOT_FOUND code", rec.Body.String())
	}
}

func TestServer_MethodNotAllowed(t *testing.T) {
	srv, _ := newTestServer(t)

	rec := httptest.NewRecorder()
	srv.Router().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/sign", nil))

	if rec.Code != http.StatusMethodNotAllowed {
		t.Errorf("status = %d, want 405", rec.Code)
	}
}

func TestServer_AdminRoutesWired(t *testing.T) {
	srv, _ := newTestServer(t)

	req := httptest.NewRequest(http.MethodGet, "/admin/keys", nil)
	req.Header.Set("Authorization", "Bearer test-admin-token")

	rec := httptest.NewRecorder()
	srv.Router().ServeHTTP(rec, req)

	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200; body: %s", rec.Code, rec.Body.String())
	}
	if !strings.Contains(rec.Body.String(), "keys") {
		t.Errorf("body = %q, want a key listing", rec.Body.String())
	}
}
