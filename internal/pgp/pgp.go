// Package pgp parses OpenPGP private keys and produces armored detached
// signatures.
package pgp

import (
	"bytes"
	"errors"
	"fmt"
	"strings"

	"github.com/ProtonMail/go-crypto/openpgp"
	"github.com/ProtonMail/go-crypto/openpgp/armor"
	"github.com/ProtonMail/go-crypto/openpgp/packet"
)

// Signer errors.
var (
	ErrKeyProcessing   = errors.New("failed to process key material")
	ErrWrongPassphrase = errors.New("failed to decrypt private key")
	ErrSign            = errors.New("signing failed")
)

// publicKeyBlockType is the armor block type for public keys.
const publicKeyBlockType = "PGP PUBLIC KEY BLOCK"

// KeyInfo describes a parsed private key.
type KeyInfo struct {
	KeyID       string
	Fingerprint string
	Algorithm   string
	UserID      string
}

// ParseAndValidate parses an armored private key, decrypts it with the
// passphrase when it is encrypted, and returns its identifying metadata.
func ParseAndValidate(armored, passphrase string) (*KeyInfo, error) {
	entity, err := parseEntity(armored)
	if err != nil {
		return nil, err
	}

	if err := unlock(entity, passphrase); err != nil {
		return nil, err
	}

	return &KeyInfo{
		KeyID:       entity.PrimaryKey.KeyIdString(),
		Fingerprint: fingerprintString(entity.PrimaryKey),
		Algorithm:   algorithmLabel(entity.PrimaryKey.PubKeyAlgo),
		UserID:      primaryUserID(entity),
	}, nil
}

// ExtractPublicKey returns the armored public half of an armored private
// key.
func ExtractPublicKey(armored string) (string, error) {
	entity, err := parseEntity(armored)
	if err != nil {
		return "", err
	}

	var buf bytes.Buffer
	w, err := armor.Encode(&buf, publicKeyBlockType, nil)
	if err != nil {
		return "", fmt.Errorf("%w: %w", ErrKeyProcessing, err)
	}

	// Entity.Serialize writes only the public packets.
	if err := entity.Serialize(w); err != nil {
		_ = w.Close()
		return "", fmt.Errorf("%w: %w", ErrKeyProcessing, err)
	}
	if err := w.Close(); err != nil {
		return "", fmt.Errorf("%w: %w", ErrKeyProcessing, err)
	}

	return buf.String(), nil
}

// ParseAndUnlock parses an armored private key and decrypts its private
// material with the passphrase. The returned entity is ready for signing.
func ParseAndUnlock(armored, passphrase string) (*openpgp.Entity, error) {
	entity, err := parseEntity(armored)
	if err != nil {
		return nil, err
	}

	if err := unlock(entity, passphrase); err != nil {
		return nil, err
	}

	return entity, nil
}

// DetachSign produces an armored detached signature over payload using the
// unlocked entity.
func DetachSign(entity *openpgp.Entity, payload []byte) (string, error) {
	var buf bytes.Buffer
	err := openpgp.ArmoredDetachSign(&buf, entity, bytes.NewReader(payload), nil)
	if err != nil {
		return "", fmt.Errorf("%w: %w", ErrSign, err)
	}

	return buf.String(), nil
}

// parseEntity reads exactly one entity from an armored private key block.
func parseEntity(armored string) (*openpgp.Entity, error) {
	entities, err := openpgp.ReadArmoredKeyRing(strings.NewReader(armored))
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrKeyProcessing, err)
	}
	if len(entities) == 0 {
		return nil, fmt.Errorf("%w: no key in armored block", ErrKeyProcessing)
	}

	entity := entities[0]
	if entity.PrivateKey == nil {
		return nil, fmt.Errorf("%w: armored block holds no private key", ErrKeyProcessing)
	}

	return entity, nil
}

// unlock decrypts the primary key and all subkey private keys that are
// passphrase-protected.
func unlock(entity *openpgp.Entity, passphrase string) error {
	pass := []byte(passphrase)

	if entity.PrivateKey.Encrypted {
		if err := entity.PrivateKey.Decrypt(pass); err != nil {
			return fmt.Errorf("%w: %w", ErrWrongPassphrase, err)
		}
	}

	for _, sub := range entity.Subkeys {
		if sub.PrivateKey != nil && sub.PrivateKey.Encrypted {
			if err := sub.PrivateKey.Decrypt(pass); err != nil {
				return fmt.Errorf("%w: subkey: %w", ErrWrongPassphrase, err)
			}
		}
	}

	return nil
}

// fingerprintString renders a key fingerprint as upper-case hex.
func fingerprintString(pk *packet.PublicKey) string {
	return strings.ToUpper(fmt.Sprintf("%x", pk.Fingerprint))
}

// primaryUserID returns the first user id on the entity, or "Unknown".
func primaryUserID(entity *openpgp.Entity) string {
	for name := range entity.Identities {
		if name != "" {
			return name
		}
	}
	return "Unknown"
}

// algorithmLabel maps an OpenPGP algorithm id to a display label.
func algorithmLabel(algo packet.PublicKeyAlgorithm) string {
	switch algo {
	case packet.PubKeyAlgoRSA:
		return "RSA"
	case packet.PubKeyAlgoElGamal:
		return "ElGamal"
	case packet.PubKeyAlgoDSA:
		return "DSA"
	case packet.PubKeyAlgoECDH:
		return "ECDH"
	case packet.PubKeyAlgoECDSA:
		return "ECDSA"
	case packet.PubKeyAlgoEdDSA:
		return "EdDSA"
	case packet.PubKeyAlgoX25519:
		return "X25519"
	case packet.PubKeyAlgoEd25519:
		return "Ed25519"
	case packet.PubKeyAlgoX448:
		return "X448"
	case packet.PubKeyAlgoEd448:
		return "Ed448"
	default:
		return fmt.Sprintf("Unknown(%d)", int(algo))
	}
}
