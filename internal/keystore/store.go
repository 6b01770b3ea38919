// Package keystore persists the key material of paired relay hosts.
//
// A host is paired through an out-of-band ceremony that leaves this client
// with an Ed25519 private key and a signing session id. The relay client
// reads that record on every request; it is removed when the host is
// unpaired or when its signing metadata turns out to be missing.
package keystore

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"golang.org/x/text/unicode/norm"

	"github.com/vibekanban/vkrelay/internal/crypto"
)

var (
	// ErrHostNotPaired is returned when no record exists for a host id.
	ErrHostNotPaired = errors.New("host is not paired")

	// ErrOutdatedPairing is returned for hosts paired before signing
	// sessions existed. The host must be paired again.
	ErrOutdatedPairing = errors.New("pairing is outdated; re-pair the host")

	// ErrLocked is returned when a sealed record is read without a passphrase.
	ErrLocked = errors.New("key store is locked; passphrase required")
)

// PairedRelayHost is one paired host and its signing key.
type PairedRelayHost struct {
	HostID           string     `json:"host_id"`
	Name             string     `json:"name,omitempty"`
	SigningSessionID string     `json:"signing_session_id,omitempty"`
	PrivateKeyJWK    crypto.JWK `json:"private_key_jwk"`
	PairedAt         time.Time  `json:"paired_at"`
}

// Outdated reports whether the pairing lacks a signing session.
func (h PairedRelayHost) Outdated() bool {
	return strings.TrimSpace(h.SigningSessionID) == ""
}

// Credentials returns the signing input for this host.
func (h PairedRelayHost) Credentials() crypto.Credentials {
	return crypto.Credentials{
		HostID:           h.HostID,
		SigningSessionID: h.SigningSessionID,
		PrivateKey:       h.PrivateKeyJWK,
	}
}

// DisplayName returns the name, or the host id when unnamed.
func (h PairedRelayHost) DisplayName() string {
	if h.Name != "" {
		return h.Name
	}
	return h.HostID
}

// Validate checks the record before it is stored.
func (h PairedRelayHost) Validate() error {
	if strings.TrimSpace(h.HostID) == "" {
		return errors.New("host_id is required")
	}
	if !h.Outdated() {
		if _, err := uuid.Parse(h.SigningSessionID); err != nil {
			return fmt.Errorf("signing_session_id %q is not a UUID", h.SigningSessionID)
		}
	}
	if _, err := h.PrivateKeyJWK.PrivateKey(); err != nil {
		return err
	}
	return nil
}

// normalize canonicalizes user supplied fields before persistence.
func (h PairedRelayHost) normalize() PairedRelayHost {
	h.HostID = strings.TrimSpace(h.HostID)
	h.Name = norm.NFC.String(strings.TrimSpace(h.Name))
	h.SigningSessionID = strings.TrimSpace(h.SigningSessionID)
	if h.PairedAt.IsZero() {
		h.PairedAt = time.Now().UTC()
	}
	return h
}

// Store reads and writes paired hosts.
type Store interface {
	Get(ctx context.Context, hostID string) (PairedRelayHost, error)
	List(ctx context.Context) ([]PairedRelayHost, error)
	Put(ctx context.Context, host PairedRelayHost) error
	Remove(ctx context.Context, hostID string) error
}

// ActiveHostStore remembers which host the user last worked against.
type ActiveHostStore interface {
	ActiveHost(ctx context.Context) (string, error)
	SetActiveHost(ctx context.Context, hostID string) error
}
