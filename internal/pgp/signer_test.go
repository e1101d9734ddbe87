package pgp

import (
	"context"
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/kjanat/gpg-signing-service/internal/keycache"
	"github.com/kjanat/gpg-signing-service/internal/model"
	"github.com/kjanat/gpg-signing-service/internal/pgptest"
)

func storedKey(key *pgptest.Key) *model.StoredKey {
	return &model.StoredKey{
		ArmoredPrivateKey: key.Armored,
		KeyID:             key.KeyID,
		Fingerprint:       key.Fingerprint,
		CreatedAt:         "2026-08-24T12:00:00Z",
		Algorithm:         "EdDSA",
	}
}

func TestSigner_Sign(t *testing.T) {
	key := pgptest.NewKey(t, "correct horse")
	signer := NewSigner(keycache.New(time.Minute), "correct horse")

	result, err := signer.Sign(context.Background(), []byte("payload"), storedKey(key))
	if err != nil {
		t.Fatalf("Sign() unexpected error: %v", err)
	}

	if !strings.Contains(result.Signature, "-----BEGIN PGP SIGNATURE-----") {
		t.Error("Signature is not an armored signature block")
	}
	if result.KeyID != key.KeyID {
		t.Errorf("KeyID = %s, want %s", result.KeyID, key.KeyID)
	}
	if result.Fingerprint != key.Fingerprint {
		t.Errorf("Fingerprint = %s, want %s", result.Fingerprint, key.Fingerprint)
	}
	if result.Algorithm != "EdDSA" {
		t.Errorf("Algorithm = %s, want EdDSA", result.Algorithm)
	}
}

func TestSigner_CachesUnlockedKey(t *testing.T) {
	key := pgptest.NewKey(t, "correct horse")
	cache := keycache.New(time.Minute)
	signer := NewSigner(cache, "correct horse")

	stored := storedKey(key)
	ctx := context.Background()

	if _, err := signer.Sign(ctx, []byte("first"), stored); err != nil {
		t.Fatalf("Sign() unexpected error: %v", err)
	}

	if _, ok := cache.Get(key.KeyID); !ok {
		t.Fatal("unlocked key not cached after first sign")
	}

	// Corrupt the stored armor; the cached handle must keep signing.
	stored.ArmoredPrivateKey = "corrupted"
	if _, err := signer.Sign(ctx, []byte("second"), stored); err != nil {
		t.Errorf("Sign() with cached key = %v, want nil", err)
	}
}

func TestSigner_WrongPassphrase(t *testing.T) {
	key := pgptest.NewKey(t, "correct horse")
	signer := NewSigner(keycache.New(time.Minute), "battery staple")

	_, err := signer.Sign(context.Background(), []byte("payload"), storedKey(key))
	if !errors.Is(err, ErrWrongPassphrase) {
		t.Errorf("Sign() = %v, want ErrWrongPassphrase", err)
	}
}

func TestSigner_FingerprintMismatch(t *testing.T) {
	key := pgptest.NewKey(t, "")
	signer := NewSigner(keycache.New(time.Minute), "")

	stored := storedKey(key)
	stored.Fingerprint = strings.Repeat("00", 20)

	_, err := signer.Sign(context.Background(), []byte("payload"), stored)
	if !errors.Is(err, ErrKeyProcessing) {
		t.Errorf("Sign() with mismatched fingerprint = %v, want ErrKeyProcessing", err)
	}
}

func TestSigner_CancelledContext(t *testing.T) {
	key := pgptest.NewKey(t, "")
	signer := NewSigner(keycache.New(time.Minute), "")

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	if _, err := signer.Sign(ctx, []byte("payload"), storedKey(key)); err == nil {
		t.Error("Sign() with cancelled context should fail")
	}
}
