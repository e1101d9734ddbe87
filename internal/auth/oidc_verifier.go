package auth

import (
	"context"
	"crypto"
	"crypto/ecdsa"
	"crypto/elliptic"
	"crypto/rsa"
	"crypto/sha256"
	"crypto/sha512"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"hash"
	"math/big"
	"strings"
	"sync"
	"time"

	"github.com/kjanat/gpg-signing-service/internal/fetch"
	"github.com/kjanat/gpg-signing-service/internal/urlguard"
)

// DefaultJWKSCacheTTL defines how long fetched JWKS documents are reused.
const DefaultJWKSCacheTTL = 5 * time.Minute

// maxClockSkew is the tolerated clock skew on the iat claim.
const maxClockSkew = 60 * time.Second

// discoveryPath is the OIDC discovery document path under the issuer URL.
const discoveryPath = "/.well-known/openid-configuration"

// oidcDiscoveryDocument represents the OpenID Connect discovery document.
type oidcDiscoveryDocument struct {
	Issuer  string `json:"issuer"`
	JWKSURI string `json:"jwks_uri"`
}

// jwksDocument represents a JSON Web Key Set document.
type jwksDocument struct {
	Keys []jwkKey `json:"keys"`
}

// jwkKey represents a single JSON Web Key.
type jwkKey struct {
	Kty string `json:"kty"`
	Use string `json:"use"`
	Kid string `json:"kid"`
	Alg string `json:"alg"`

	// RSA parameters.
	N string `json:"n"`
	E string `json:"e"`

	// EC parameters.
	Crv string `json:"crv"`
	X   string `json:"x"`
	Y   string `json:"y"`
}

// jwtHeader represents the header portion of a JWT.
type jwtHeader struct {
	Alg string `json:"alg"`
	Kid string `json:"kid"`
	Typ string `json:"typ"`
}

// jwtPayload represents the payload portion of a JWT with standard claims.
type jwtPayload struct {
	Sub string        `json:"sub"`
	Iss string        `json:"iss"`
	Aud audienceClaim `json:"aud"`
	Exp float64       `json:"exp"`
	Iat float64       `json:"iat"`
}

// jwksEntry is one cached JWKS document.
type jwksEntry struct {
	doc       jwksDocument
	fetchedAt time.Time
}

// OIDCVerifier validates JWT bearer tokens against the JWKS endpoints of
// a fixed set of allowed issuers. JWKS documents are cached per issuer
// with a TTL; discovery and JWKS URLs are validated before every fetch so
// a hostile issuer cannot steer the service at internal endpoints.
type OIDCVerifier struct {
	allowedIssuers map[string]bool
	audience       string
	fetcher        *fetch.Client
	ttl            time.Duration

	mu    sync.RWMutex
	cache map[string]jwksEntry

	// guard and now are swappable for tests.
	guard func(string) error
	now   func() time.Time
}

// NewOIDCVerifier creates a verifier for the allowed issuers. audience is
// optional; when set, tokens must include it in their aud claim. A
// non-positive ttl falls back to DefaultJWKSCacheTTL.
func NewOIDCVerifier(allowedIssuers []string, audience string, fetcher *fetch.Client, ttl time.Duration) *OIDCVerifier {
	if ttl <= 0 {
		ttl = DefaultJWKSCacheTTL
	}

	allowed := make(map[string]bool, len(allowedIssuers))
	for _, iss := range allowedIssuers {
		allowed[strings.TrimRight(iss, "/")] = true
	}

	return &OIDCVerifier{
		allowedIssuers: allowed,
		audience:       audience,
		fetcher:        fetcher,
		ttl:            ttl,
		cache:          make(map[string]jwksEntry),
		guard:          urlguard.Validate,
		now:            time.Now,
	}
}

// Verify validates the given raw JWT token string and returns its claims.
// It checks the issuer allow-list, the token signature against the
// issuer's JWKS, expiry, issue time, and (when configured) audience.
func (v *OIDCVerifier) Verify(ctx context.Context, rawToken string) (*Claims, error) {
	parts := strings.Split(rawToken, ".")
	if len(parts) != 3 {
		return nil, fmt.Errorf("%w: expected 3 parts, got %d", ErrTokenMalformed, len(parts))
	}

	headerBytes, err := base64URLDecode(parts[0])
	if err != nil {
		return nil, fmt.Errorf("%w: decoding header: %w", ErrTokenMalformed, err)
	}

	var header jwtHeader
	if err := json.Unmarshal(headerBytes, &header); err != nil {
		return nil, fmt.Errorf("%w: parsing header: %w", ErrTokenMalformed, err)
	}

	payloadBytes, err := base64URLDecode(parts[1])
	if err != nil {
		return nil, fmt.Errorf("%w: decoding payload: %w", ErrTokenMalformed, err)
	}

	var payload jwtPayload
	if err := json.Unmarshal(payloadBytes, &payload); err != nil {
		return nil, fmt.Errorf("%w: parsing payload: %w", ErrTokenMalformed, err)
	}

	issuer := strings.TrimRight(payload.Iss, "/")
	if !v.allowedIssuers[issuer] {
		return nil, fmt.Errorf("%w: %q", ErrIssuerNotAllowed, payload.Iss)
	}

	// Issuer allowed; now it is safe to hit the network for its JWKS.
	key, err := v.lookupKey(ctx, issuer, header.Kid)
	if err != nil {
		return nil, err
	}

	signingInput := parts[0] + "." + parts[1]
	signature, err := base64URLDecode(parts[2])
	if err != nil {
		return nil, fmt.Errorf("%w: decoding signature: %w", ErrTokenMalformed, err)
	}

	if err := verifySignature(key, header.Alg, []byte(signingInput), signature); err != nil {
		return nil, err
	}

	now := v.now()

	expiry := time.Unix(int64(payload.Exp), 0)
	if !expiry.After(now) {
		return nil, fmt.Errorf("%w: expired at %v", ErrTokenExpired, expiry)
	}

	issuedAt := time.Unix(int64(payload.Iat), 0)
	if issuedAt.After(now.Add(maxClockSkew)) {
		return nil, fmt.Errorf("%w: iat %v", ErrTokenNotYetValid, issuedAt)
	}

	if v.audience != "" && !containsAudience(payload.Aud, v.audience) {
		return nil, fmt.Errorf(
			"%w: token audience %v does not contain %s",
			ErrAudienceMismatch, []string(payload.Aud), v.audience,
		)
	}

	var raw map[string]any
	if err := json.Unmarshal(payloadBytes, &raw); err != nil {
		return nil, fmt.Errorf("%w: parsing claims: %w", ErrTokenMalformed, err)
	}

	return &Claims{
		Issuer:   payload.Iss,
		Subject:  payload.Sub,
		Audience: []string(payload.Aud),
		Expiry:   expiry,
		IssuedAt: issuedAt,
		Raw:      raw,
	}, nil
}

// lookupKey returns the JWK with the given kid from the issuer's JWKS,
// fetching the document when the cache misses or the entry expired.
func (v *OIDCVerifier) lookupKey(ctx context.Context, issuer, kid string) (*jwkKey, error) {
	v.mu.RLock()
	entry, ok := v.cache[issuer]
	v.mu.RUnlock()

	fresh := false
	if !ok || v.now().Sub(entry.fetchedAt) >= v.ttl {
		var err error
		if entry, err = v.refresh(ctx, issuer); err != nil {
			return nil, err
		}
		fresh = true
	}

	if key := findKey(entry.doc, kid); key != nil {
		return key, nil
	}

	// A kid miss against a cached document may mean the issuer rotated
	// its keys within the TTL; refetch once before failing.
	if !fresh {
		var err error
		if entry, err = v.refresh(ctx, issuer); err != nil {
			return nil, err
		}
		if key := findKey(entry.doc, kid); key != nil {
			return key, nil
		}
	}

	return nil, fmt.Errorf("%w: kid=%q issuer=%q", ErrKeyNotFound, kid, issuer)
}

// refresh fetches the issuer's JWKS and replaces the cached entry.
func (v *OIDCVerifier) refresh(ctx context.Context, issuer string) (jwksEntry, error) {
	doc, err := v.fetchJWKS(ctx, issuer)
	if err != nil {
		return jwksEntry{}, err
	}

	entry := jwksEntry{doc: *doc, fetchedAt: v.now()}

	// Concurrent misses may fetch more than once; last writer wins.
	v.mu.Lock()
	v.cache[issuer] = entry
	v.mu.Unlock()

	return entry, nil
}

// findKey returns the signature key with the given kid, or nil.
func findKey(doc jwksDocument, kid string) *jwkKey {
	for i := range doc.Keys {
		key := &doc.Keys[i]
		if key.Kid != kid {
			continue
		}
		if key.Use != "" && key.Use != "sig" {
			continue
		}
		return key
	}
	return nil
}

// fetchJWKS performs the discovery and JWKS fetches for an issuer, with
// both URLs validated against the outbound URL guard.
func (v *OIDCVerifier) fetchJWKS(ctx context.Context, issuer string) (*jwksDocument, error) {
	discoveryURL := issuer + discoveryPath
	if err := v.guard(discoveryURL); err != nil {
		return nil, fmt.Errorf("%w: discovery URL: %w", ErrJWKSFetch, err)
	}

	var disc oidcDiscoveryDocument
	if err := v.fetcher.GetJSON(ctx, discoveryURL, &disc); err != nil {
		return nil, fmt.Errorf("%w: discovery document: %w", ErrJWKSFetch, err)
	}
	if disc.JWKSURI == "" {
		return nil, fmt.Errorf("%w: discovery document missing jwks_uri", ErrJWKSFetch)
	}

	if err := v.guard(disc.JWKSURI); err != nil {
		return nil, fmt.Errorf("%w: jwks_uri: %w", ErrJWKSFetch, err)
	}

	var doc jwksDocument
	if err := v.fetcher.GetJSON(ctx, disc.JWKSURI, &doc); err != nil {
		return nil, fmt.Errorf("%w: %w", ErrJWKSFetch, err)
	}

	return &doc, nil
}

// InvalidateIssuer drops the cached JWKS for an issuer.
func (v *OIDCVerifier) InvalidateIssuer(issuer string) {
	v.mu.Lock()
	defer v.mu.Unlock()

	delete(v.cache, strings.TrimRight(issuer, "/"))
}

// verifySignature verifies the JWT signature with the key material from
// the JWK, dispatching on the token's alg.
func verifySignature(key *jwkKey, alg string, signingInput, signature []byte) error {
	hashAlg, err := hashForAlgorithm(alg)
	if err != nil {
		return err
	}

	digest := digestFor(hashAlg, signingInput)

	switch {
	case strings.HasPrefix(alg, "RS"):
		pub, err := parseRSAPublicKey(key)
		if err != nil {
			return err
		}
		if err := rsa.VerifyPKCS1v15(pub, hashAlg, digest, signature); err != nil {
			return fmt.Errorf("%w: %w", ErrSignatureInvalid, err)
		}
		return nil

	case strings.HasPrefix(alg, "ES"):
		pub, err := parseECPublicKey(key)
		if err != nil {
			return err
		}
		return verifyECDSASignature(pub, digest, signature)

	default:
		return fmt.Errorf("%w: %s", ErrUnsupportedAlgo, alg)
	}
}

// parseRSAPublicKey constructs an RSA public key from a JWK.
func parseRSAPublicKey(key *jwkKey) (*rsa.PublicKey, error) {
	if key.Kty != "RSA" {
		return nil, fmt.Errorf("%w: key type %q for RSA algorithm", ErrUnsupportedAlgo, key.Kty)
	}

	nBytes, err := base64URLDecode(key.N)
	if err != nil {
		return nil, fmt.Errorf("%w: decoding modulus: %w", ErrKeyNotFound, err)
	}

	eBytes, err := base64URLDecode(key.E)
	if err != nil {
		return nil, fmt.Errorf("%w: decoding exponent: %w", ErrKeyNotFound, err)
	}

	return &rsa.PublicKey{
		N: new(big.Int).SetBytes(nBytes),
		E: int(new(big.Int).SetBytes(eBytes).Int64()),
	}, nil
}

// parseECPublicKey constructs an ECDSA public key from a JWK.
func parseECPublicKey(key *jwkKey) (*ecdsa.PublicKey, error) {
	if key.Kty != "EC" {
		return nil, fmt.Errorf("%w: key type %q for EC algorithm", ErrUnsupportedAlgo, key.Kty)
	}

	var curve elliptic.Curve
	switch key.Crv {
	case "P-256":
		curve = elliptic.P256()
	case "P-384":
		curve = elliptic.P384()
	case "P-521":
		curve = elliptic.P521()
	default:
		return nil, fmt.Errorf("%w: curve %q", ErrUnsupportedAlgo, key.Crv)
	}

	xBytes, err := base64URLDecode(key.X)
	if err != nil {
		return nil, fmt.Errorf("%w: decoding x: %w", ErrKeyNotFound, err)
	}

	yBytes, err := base64URLDecode(key.Y)
	if err != nil {
		return nil, fmt.Errorf("%w: decoding y: %w", ErrKeyNotFound, err)
	}

	return &ecdsa.PublicKey{
		Curve: curve,
		X:     new(big.Int).SetBytes(xBytes),
		Y:     new(big.Int).SetBytes(yBytes),
	}, nil
}

// verifyECDSASignature verifies a JOSE-format (r || s) ECDSA signature.
func verifyECDSASignature(pub *ecdsa.PublicKey, digest, signature []byte) error {
	keyBytes := (pub.Curve.Params().BitSize + 7) / 8
	if len(signature) != 2*keyBytes {
		return fmt.Errorf("%w: bad ECDSA signature length %d", ErrSignatureInvalid, len(signature))
	}

	r := new(big.Int).SetBytes(signature[:keyBytes])
	s := new(big.Int).SetBytes(signature[keyBytes:])

	if !ecdsa.Verify(pub, digest, r, s) {
		return fmt.Errorf("%w: ECDSA verification failed", ErrSignatureInvalid)
	}

	return nil
}

// hashForAlgorithm returns the hash for the given JWS algorithm.
func hashForAlgorithm(alg string) (crypto.Hash, error) {
	switch alg {
	case "RS256", "ES256":
		return crypto.SHA256, nil
	case "RS384", "ES384":
		return crypto.SHA384, nil
	case "RS512", "ES512":
		return crypto.SHA512, nil
	default:
		return 0, fmt.Errorf("%w: %s", ErrUnsupportedAlgo, alg)
	}
}

// digestFor hashes signingInput with the given hash.
func digestFor(hashAlg crypto.Hash, signingInput []byte) []byte {
	var h hash.Hash
	switch hashAlg {
	case crypto.SHA384:
		h = sha512.New384()
	case crypto.SHA512:
		h = sha512.New()
	default:
		h = sha256.New()
	}

	h.Write(signingInput)

	return h.Sum(nil)
}

// base64URLDecode decodes a base64url-encoded string (without padding).
func base64URLDecode(s string) ([]byte, error) {
	switch len(s) % 4 {
	case 2:
		s += "=="
	case 3:
		s += "="
	}

	return base64.URLEncoding.DecodeString(s)
}

// containsAudience checks if the expected audience is present in the
// audience list.
func containsAudience(audiences audienceClaim, expected string) bool {
	for _, aud := range audiences {
		if aud == expected {
			return true
		}
	}
	return false
}
