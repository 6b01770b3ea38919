package crypto

import (
	"crypto/ed25519"
	"crypto/rand"
	"crypto/subtle"
	"encoding/base64"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"

	"golang.org/x/sync/singleflight"
)

// ErrInvalidJWK is returned when a private key JWK cannot be imported.
var ErrInvalidJWK = errors.New("invalid ed25519 jwk")

// JWK is an Ed25519 key in JSON Web Key form (RFC 8037, kty "OKP").
type JWK struct {
	Kty string `json:"kty"`
	Crv string `json:"crv"`
	X   string `json:"x"`
	D   string `json:"d,omitempty"`
	Kid string `json:"kid,omitempty"`
}

// GenerateJWK creates a new Ed25519 keypair in JWK form.
func GenerateJWK() (JWK, ed25519.PublicKey, error) {
	pub, priv, err := ed25519.GenerateKey(rand.Reader)
	if err != nil {
		return JWK{}, nil, fmt.Errorf("generate ed25519 keypair: %w", err)
	}
	return JWKFromPrivateKey(priv), pub, nil
}

// JWKFromPrivateKey encodes priv as a private JWK.
func JWKFromPrivateKey(priv ed25519.PrivateKey) JWK {
	pub := priv.Public().(ed25519.PublicKey)
	return JWK{
		Kty: "OKP",
		Crv: "Ed25519",
		X:   base64.RawURLEncoding.EncodeToString(pub),
		D:   base64.RawURLEncoding.EncodeToString(priv.Seed()),
	}
}

// PrivateKey imports the JWK. When x is present it must match the key
// derived from d.
func (j JWK) PrivateKey() (ed25519.PrivateKey, error) {
	if j.Kty != "OKP" || j.Crv != "Ed25519" {
		return nil, fmt.Errorf("%w: kty=%q crv=%q", ErrInvalidJWK, j.Kty, j.Crv)
	}
	seed, err := decodeB64URL(j.D)
	if err != nil {
		return nil, fmt.Errorf("%w: d: %v", ErrInvalidJWK, err)
	}
	if len(seed) != ed25519.SeedSize {
		return nil, fmt.Errorf("%w: d is %d bytes, want %d", ErrInvalidJWK, len(seed), ed25519.SeedSize)
	}

	priv := ed25519.NewKeyFromSeed(seed)
	if j.X != "" {
		x, err := decodeB64URL(j.X)
		if err != nil {
			return nil, fmt.Errorf("%w: x: %v", ErrInvalidJWK, err)
		}
		pub := priv.Public().(ed25519.PublicKey)
		if subtle.ConstantTimeCompare(x, pub) != 1 {
			return nil, fmt.Errorf("%w: public key does not match private key", ErrInvalidJWK)
		}
	}
	return priv, nil
}

// PublicKey returns the public half of the JWK.
func (j JWK) PublicKey() (ed25519.PublicKey, error) {
	if j.D != "" {
		priv, err := j.PrivateKey()
		if err != nil {
			return nil, err
		}
		return priv.Public().(ed25519.PublicKey), nil
	}
	x, err := decodeB64URL(j.X)
	if err != nil || len(x) != ed25519.PublicKeySize {
		return nil, fmt.Errorf("%w: x", ErrInvalidJWK)
	}
	return ed25519.PublicKey(x), nil
}

// JWK producers disagree on padding, so accept both forms.
func decodeB64URL(s string) ([]byte, error) {
	if b, err := base64.RawURLEncoding.DecodeString(s); err == nil {
		return b, nil
	}
	return base64.URLEncoding.DecodeString(s)
}

// KeyCache holds imported signing keys keyed by "hostId:signingSessionId".
// Concurrent loads of the same key share one import.
type KeyCache struct {
	mu    sync.RWMutex
	keys  map[string]ed25519.PrivateKey
	group singleflight.Group

	imports atomic.Int64
}

// NewKeyCache creates an empty key cache.
func NewKeyCache() *KeyCache {
	return &KeyCache{keys: make(map[string]ed25519.PrivateKey)}
}

func cacheKey(hostID, signingSessionID string) string {
	return hostID + ":" + signingSessionID
}

// Load returns the imported key for creds, importing it on first use.
func (c *KeyCache) Load(creds Credentials) (ed25519.PrivateKey, error) {
	key := cacheKey(creds.HostID, creds.SigningSessionID)

	c.mu.RLock()
	priv, ok := c.keys[key]
	c.mu.RUnlock()
	if ok {
		return priv, nil
	}

	v, err, _ := c.group.Do(key, func() (any, error) {
		c.mu.RLock()
		cached, ok := c.keys[key]
		c.mu.RUnlock()
		if ok {
			return cached, nil
		}

		c.imports.Add(1)
		priv, err := creds.PrivateKey.PrivateKey()
		if err != nil {
			return nil, fmt.Errorf("import key for host %s: %w", creds.HostID, err)
		}
		c.mu.Lock()
		c.keys[key] = priv
		c.mu.Unlock()
		return priv, nil
	})
	if err != nil {
		return nil, err
	}
	return v.(ed25519.PrivateKey), nil
}

// Forget drops every cached key belonging to hostID.
func (c *KeyCache) Forget(hostID string) {
	prefix := hostID + ":"
	c.mu.Lock()
	defer c.mu.Unlock()
	for k := range c.keys {
		if len(k) >= len(prefix) && k[:len(prefix)] == prefix {
			delete(c.keys, k)
		}
	}
}

// Len returns the number of cached keys.
func (c *KeyCache) Len() int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return len(c.keys)
}
