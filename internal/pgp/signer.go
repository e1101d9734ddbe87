package pgp

import (
	"context"
	"fmt"

	"github.com/kjanat/gpg-signing-service/internal/keycache"
	"github.com/kjanat/gpg-signing-service/internal/model"
)

// Result is the outcome of a successful signing operation.
type Result struct {
	Signature   string
	KeyID       string
	Fingerprint string
	Algorithm   string
}

// Signer produces detached signatures from stored keys, consulting the
// unlocked-key cache before parsing key material.
type Signer struct {
	cache      *keycache.Cache
	passphrase string
}

// NewSigner creates a Signer using the given cache and service-wide
// passphrase.
func NewSigner(cache *keycache.Cache, passphrase string) *Signer {
	return &Signer{
		cache:      cache,
		passphrase: passphrase,
	}
}

// Sign produces an armored detached signature over payload with the key in
// stored. On a cache miss the armored material is parsed and unlocked, and
// the handle is cached for subsequent requests.
func (s *Signer) Sign(ctx context.Context, payload []byte, stored *model.StoredKey) (*Result, error) {
	select {
	case <-ctx.Done():
		return nil, fmt.Errorf("sign: %w", ctx.Err())
	default:
	}

	entity, ok := s.cache.Get(stored.KeyID)
	if !ok {
		var err error
		entity, err = ParseAndUnlock(stored.ArmoredPrivateKey, s.passphrase)
		if err != nil {
			return nil, err
		}
		// Concurrent misses may race here; last writer wins.
		s.cache.Set(stored.KeyID, entity)
	}

	fingerprint := fingerprintString(entity.PrimaryKey)
	if stored.Fingerprint != "" && fingerprint != stored.Fingerprint {
		return nil, fmt.Errorf(
			"%w: fingerprint mismatch: stored %s, derived %s",
			ErrKeyProcessing, stored.Fingerprint, fingerprint,
		)
	}

	signature, err := DetachSign(entity, payload)
	if err != nil {
		return nil, err
	}

	return &Result{
		Signature:   signature,
		KeyID:       entity.PrimaryKey.KeyIdString(),
		Fingerprint: fingerprint,
		Algorithm:   algorithmLabel(entity.PrimaryKey.PubKeyAlgo),
	}, nil
}
