// Package keystore provides durable storage for uploaded private keys.
package keystore

import (
	"context"
	"errors"

	"github.com/kjanat/gpg-signing-service/internal/model"
)

// Store errors.
var (
	ErrNotFound   = errors.New("key not found")
	ErrInvalidKey = errors.New("stored key is missing required fields")
)

// Store is the strongly-consistent mapping keyId -> StoredKey.
//
// Implementations must serialize mutations so that a successful Put is
// observed by every subsequent Get, and a successful Delete by every
// subsequent Get as ErrNotFound.
type Store interface {
	// Get retrieves a stored key by its canonical id.
	Get(ctx context.Context, keyID string) (*model.StoredKey, error)

	// List returns summaries of all stored keys, omitting private material.
	List(ctx context.Context) ([]model.KeySummary, error)

	// Put inserts or replaces a stored key. Last writer wins.
	Put(ctx context.Context, key model.StoredKey) error

	// Delete removes a key, reporting whether it existed. Deleting a
	// missing key is not an error.
	Delete(ctx context.Context, keyID string) (bool, error)
}

// validate checks the required StoredKey fields before persistence.
func validate(key model.StoredKey) error {
	if key.ArmoredPrivateKey == "" || key.KeyID == "" ||
		key.Fingerprint == "" || key.CreatedAt == "" || key.Algorithm == "" {
		return ErrInvalidKey
	}
	return nil
}
