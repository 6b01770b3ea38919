package keystore

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"sync"
	"time"

	"github.com/vibekanban/vkrelay/internal/crypto"
)

// hostsFileName is the name of the file storing paired hosts.
const hostsFileName = "paired_hosts.json"

// fileRecord is the on-disk form of a host. Exactly one of PrivateKeyJWK and
// SealedKey is set, depending on whether the store has a passphrase.
type fileRecord struct {
	HostID           string           `json:"host_id"`
	Name             string           `json:"name,omitempty"`
	SigningSessionID string           `json:"signing_session_id,omitempty"`
	PairedAt         time.Time        `json:"paired_at"`
	PrivateKeyJWK    *crypto.JWK      `json:"private_key_jwk,omitempty"`
	SealedKey        *crypto.Envelope `json:"sealed_key,omitempty"`
}

type fileContents struct {
	ActiveHostID string       `json:"active_host_id,omitempty"`
	Hosts        []fileRecord `json:"hosts"`
}

// unsealedKey is a decrypted private key and the ciphertext it came from.
type unsealedKey struct {
	cipher string
	jwk    crypto.JWK
}

// FileStore persists paired hosts as JSON in a data directory. When a
// passphrase is set, private keys are sealed with it and kept unsealed in
// memory once opened, so only the first read of a record pays for the key
// derivation.
type FileStore struct {
	dir        string
	passphrase string

	mu       sync.Mutex
	unsealed map[string]unsealedKey
	open     func(passphrase string, env *crypto.Envelope, aad []byte) ([]byte, error)
}

// NewFileStore returns a store rooted at dir. An empty passphrase stores
// keys in the clear, relying on file permissions only.
func NewFileStore(dir, passphrase string) *FileStore {
	return &FileStore{
		dir:        dir,
		passphrase: passphrase,
		unsealed:   make(map[string]unsealedKey),
		open:       crypto.Open,
	}
}

// Path returns the file backing the store.
func (s *FileStore) Path() string {
	return filepath.Join(s.dir, hostsFileName)
}

func (s *FileStore) Get(_ context.Context, hostID string) (PairedRelayHost, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	contents, err := s.load()
	if err != nil {
		return PairedRelayHost{}, err
	}
	for _, rec := range contents.Hosts {
		if rec.HostID == hostID {
			return s.decode(rec)
		}
	}
	return PairedRelayHost{}, fmt.Errorf("%s: %w", hostID, ErrHostNotPaired)
}

// List returns every host. Sealed keys are decrypted, so a locked store fails.
func (s *FileStore) List(_ context.Context) ([]PairedRelayHost, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	contents, err := s.load()
	if err != nil {
		return nil, err
	}
	out := make([]PairedRelayHost, 0, len(contents.Hosts))
	for _, rec := range contents.Hosts {
		h, err := s.decode(rec)
		if err != nil {
			return nil, err
		}
		out = append(out, h)
	}
	return out, nil
}

func (s *FileStore) Put(_ context.Context, host PairedRelayHost) error {
	host = host.normalize()
	if err := host.Validate(); err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	contents, err := s.load()
	if err != nil {
		return err
	}
	rec, err := s.encode(host)
	if err != nil {
		return err
	}

	replaced := false
	for i := range contents.Hosts {
		if contents.Hosts[i].HostID == host.HostID {
			contents.Hosts[i] = rec
			replaced = true
			break
		}
	}
	if !replaced {
		contents.Hosts = append(contents.Hosts, rec)
	}
	sort.Slice(contents.Hosts, func(i, j int) bool {
		return contents.Hosts[i].HostID < contents.Hosts[j].HostID
	})
	if err := s.save(contents); err != nil {
		return err
	}
	delete(s.unsealed, host.HostID)
	if rec.SealedKey != nil {
		s.unsealed[host.HostID] = unsealedKey{cipher: string(rec.SealedKey.Cipher), jwk: host.PrivateKeyJWK}
	}
	return nil
}

func (s *FileStore) Remove(_ context.Context, hostID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	contents, err := s.load()
	if err != nil {
		return err
	}
	kept := contents.Hosts[:0]
	for _, rec := range contents.Hosts {
		if rec.HostID != hostID {
			kept = append(kept, rec)
		}
	}
	contents.Hosts = kept
	if contents.ActiveHostID == hostID {
		contents.ActiveHostID = ""
	}
	delete(s.unsealed, hostID)
	return s.save(contents)
}

func (s *FileStore) ActiveHost(_ context.Context) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	contents, err := s.load()
	if err != nil {
		return "", err
	}
	return contents.ActiveHostID, nil
}

func (s *FileStore) SetActiveHost(_ context.Context, hostID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	contents, err := s.load()
	if err != nil {
		return err
	}
	if contents.ActiveHostID == hostID {
		return nil
	}
	contents.ActiveHostID = hostID
	return s.save(contents)
}

func (s *FileStore) encode(h PairedRelayHost) (fileRecord, error) {
	rec := fileRecord{
		HostID:           h.HostID,
		Name:             h.Name,
		SigningSessionID: h.SigningSessionID,
		PairedAt:         h.PairedAt,
	}
	if s.passphrase == "" {
		jwk := h.PrivateKeyJWK
		rec.PrivateKeyJWK = &jwk
		return rec, nil
	}

	raw, err := json.Marshal(h.PrivateKeyJWK)
	if err != nil {
		return fileRecord{}, fmt.Errorf("encode key: %w", err)
	}
	env, err := crypto.Seal(s.passphrase, raw, []byte(h.HostID))
	if err != nil {
		return fileRecord{}, fmt.Errorf("seal key for host %s: %w", h.HostID, err)
	}
	rec.SealedKey = env
	return rec, nil
}

func (s *FileStore) decode(rec fileRecord) (PairedRelayHost, error) {
	h := PairedRelayHost{
		HostID:           rec.HostID,
		Name:             rec.Name,
		SigningSessionID: rec.SigningSessionID,
		PairedAt:         rec.PairedAt,
	}
	switch {
	case rec.PrivateKeyJWK != nil:
		h.PrivateKeyJWK = *rec.PrivateKeyJWK
	case rec.SealedKey != nil:
		if s.passphrase == "" {
			return PairedRelayHost{}, ErrLocked
		}
		// A record rewritten by another process has a new ciphertext.
		if cached, ok := s.unsealed[rec.HostID]; ok && cached.cipher == string(rec.SealedKey.Cipher) {
			h.PrivateKeyJWK = cached.jwk
			break
		}
		raw, err := s.open(s.passphrase, rec.SealedKey, []byte(rec.HostID))
		if err != nil {
			return PairedRelayHost{}, fmt.Errorf("unseal key for host %s: %w", rec.HostID, err)
		}
		if err := json.Unmarshal(raw, &h.PrivateKeyJWK); err != nil {
			return PairedRelayHost{}, fmt.Errorf("decode key for host %s: %w", rec.HostID, err)
		}
		s.unsealed[rec.HostID] = unsealedKey{cipher: string(rec.SealedKey.Cipher), jwk: h.PrivateKeyJWK}
	default:
		return PairedRelayHost{}, fmt.Errorf("host %s has no key material", rec.HostID)
	}
	return h, nil
}

func (s *FileStore) load() (fileContents, error) {
	data, err := os.ReadFile(s.Path())
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return fileContents{}, nil
		}
		return fileContents{}, fmt.Errorf("failed to read key store: %w", err)
	}

	var contents fileContents
	if err := json.Unmarshal(data, &contents); err != nil {
		return fileContents{}, fmt.Errorf("failed to parse key store: %w", err)
	}
	return contents, nil
}

// save writes atomically by writing to a temp file first.
func (s *FileStore) save(contents fileContents) error {
	if err := os.MkdirAll(s.dir, 0700); err != nil {
		return fmt.Errorf("failed to create data directory: %w", err)
	}

	data, err := json.MarshalIndent(contents, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to encode key store: %w", err)
	}

	filePath := s.Path()
	tempPath := filePath + ".tmp"
	if err := os.WriteFile(tempPath, data, 0600); err != nil {
		return fmt.Errorf("failed to write key store: %w", err)
	}
	if err := os.Rename(tempPath, filePath); err != nil {
		os.Remove(tempPath)
		return fmt.Errorf("failed to persist key store: %w", err)
	}
	return nil
}
