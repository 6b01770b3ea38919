// Package crypto provides Ed25519 request signing for relayed calls.
// Every request that crosses the relay carries a fresh signature over a
// versioned canonical message so the local host can authenticate the
// paired browser key and reject replays.
package crypto

import (
	"crypto/ed25519"
	"crypto/rand"
	"crypto/sha256"
	"encoding/base64"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/vibekanban/vkrelay/internal/protocol"
)

const (
	// NonceSize is the number of random bytes in a request nonce (128 bits).
	NonceSize = 16

	// messageSeparator joins the canonical message fields.
	messageSeparator = "|"
)

var (
	// ErrMissingSigningSession is returned when a paired host has no signing
	// session id. The pairing is outdated and must be redone.
	ErrMissingSigningSession = errors.New("paired host has no signing session; re-pair required")
)

// Credentials is the key material needed to sign on behalf of one paired host.
type Credentials struct {
	HostID           string
	SigningSessionID string
	PrivateKey       JWK
}

// RelaySignature is the per-request authentication value. It is never persisted.
type RelaySignature struct {
	SigningSessionID string
	Timestamp        int64
	Nonce            string
	Signature        string
}

// Fields returns the signature as name/value pairs using the wire names.
func (s RelaySignature) Fields() [][2]string {
	return [][2]string{
		{protocol.HeaderSigningSession, s.SigningSessionID},
		{protocol.HeaderTimestamp, strconv.FormatInt(s.Timestamp, 10)},
		{protocol.HeaderNonce, s.Nonce},
		{protocol.HeaderSignature, s.Signature},
	}
}

// HashBody returns base64(SHA-256(body)). An empty body hashes the empty
// byte string; it is never skipped.
func HashBody(body []byte) string {
	sum := sha256.Sum256(body)
	return base64.StdEncoding.EncodeToString(sum[:])
}

// NormalizePath reduces an absolute URL to its path and query and ensures a
// single leading slash. The path is otherwise taken verbatim.
func NormalizePath(pathOrURL string) string {
	p := pathOrURL
	if u, err := url.Parse(pathOrURL); err == nil && u.IsAbs() {
		p = u.RequestURI()
	}
	if !strings.HasPrefix(p, "/") {
		p = "/" + p
	}
	return p
}

// CanonicalMessage builds the signed message:
//
//	v1|<ts>|<METHOD>|<path+query>|<signing_session_id>|<nonce>|<body_hash>
func CanonicalMessage(timestamp int64, method, pathAndQuery, signingSessionID, nonce, bodyHash string) string {
	return strings.Join([]string{
		protocol.SignatureVersion,
		strconv.FormatInt(timestamp, 10),
		strings.ToUpper(method),
		pathAndQuery,
		signingSessionID,
		nonce,
		bodyHash,
	}, messageSeparator)
}

// NewNonce returns 128 random bits, hex encoded.
func NewNonce() (string, error) {
	var b [NonceSize]byte
	if _, err := io.ReadFull(rand.Reader, b[:]); err != nil {
		return "", fmt.Errorf("generate nonce: %w", err)
	}
	return hex.EncodeToString(b[:]), nil
}

// SignMessage signs message with key and returns the base64 signature.
func SignMessage(key ed25519.PrivateKey, message string) string {
	return base64.StdEncoding.EncodeToString(ed25519.Sign(key, []byte(message)))
}

// Verify checks a base64 signature over message against the public key.
// Returns true if the signature is valid, false otherwise.
func Verify(publicKey ed25519.PublicKey, message, signatureB64 string) bool {
	sig, err := base64.StdEncoding.DecodeString(signatureB64)
	if err != nil || len(sig) != ed25519.SignatureSize {
		return false
	}
	return ed25519.Verify(publicKey, []byte(message), sig)
}

// Signer produces RelaySignatures using keys resolved through a KeyCache.
type Signer struct {
	keys  *KeyCache
	now   func() time.Time
	nonce func() (string, error)
}

// NewSigner creates a signer backed by keys. A nil cache gets a private one.
func NewSigner(keys *KeyCache) *Signer {
	if keys == nil {
		keys = NewKeyCache()
	}
	return &Signer{
		keys:  keys,
		now:   time.Now,
		nonce: NewNonce,
	}
}

// Sign builds a RelaySignature for one request. pathAndQuery should already
// be normalized; body may be nil.
func (s *Signer) Sign(creds Credentials, method, pathAndQuery string, body []byte) (RelaySignature, error) {
	if strings.TrimSpace(creds.SigningSessionID) == "" {
		return RelaySignature{}, fmt.Errorf("host %s: %w", creds.HostID, ErrMissingSigningSession)
	}

	key, err := s.keys.Load(creds)
	if err != nil {
		return RelaySignature{}, err
	}

	nonce, err := s.nonce()
	if err != nil {
		return RelaySignature{}, err
	}

	ts := s.now().Unix()
	message := CanonicalMessage(ts, method, pathAndQuery, creds.SigningSessionID, nonce, HashBody(body))

	return RelaySignature{
		SigningSessionID: creds.SigningSessionID,
		Timestamp:        ts,
		Nonce:            nonce,
		Signature:        SignMessage(key, message),
	}, nil
}
