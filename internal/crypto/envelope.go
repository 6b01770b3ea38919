package crypto

import (
	"crypto/rand"
	"crypto/sha256"
	"errors"
	"fmt"
	"io"

	"golang.org/x/crypto/chacha20poly1305"
	"golang.org/x/crypto/hkdf"
	"golang.org/x/crypto/scrypt"
)

const (
	// envelopeVersion is the current on-disk envelope format.
	envelopeVersion = 1

	// envelopeInfo is the HKDF context string for key store records.
	envelopeInfo = "vkrelay-keystore-v1"

	saltSize = 16
)

// scrypt cost parameters. Tests lower N.
var (
	scryptN = 1 << 15
	scryptR = 8
	scryptP = 1
)

var (
	// ErrDecryptionFailed is returned when the passphrase is wrong or the
	// envelope was modified.
	ErrDecryptionFailed = errors.New("wrong passphrase or corrupted envelope")
)

// Envelope is a passphrase-sealed blob of key material.
type Envelope struct {
	V      int    `json:"v"`
	Salt   []byte `json:"salt"`
	N      int    `json:"scrypt_n"`
	R      int    `json:"scrypt_r"`
	P      int    `json:"scrypt_p"`
	Nonce  []byte `json:"nonce"`
	Cipher []byte `json:"cipher"`
}

// Seal encrypts plaintext under a key derived from passphrase. aad binds the
// envelope to its owner (for example a host id) so records cannot be swapped.
func Seal(passphrase string, plaintext, aad []byte) (*Envelope, error) {
	env := &Envelope{
		V:     envelopeVersion,
		Salt:  make([]byte, saltSize),
		N:     scryptN,
		R:     scryptR,
		P:     scryptP,
		Nonce: make([]byte, chacha20poly1305.NonceSize),
	}
	if _, err := io.ReadFull(rand.Reader, env.Salt); err != nil {
		return nil, fmt.Errorf("generate salt: %w", err)
	}
	if _, err := io.ReadFull(rand.Reader, env.Nonce); err != nil {
		return nil, fmt.Errorf("generate nonce: %w", err)
	}

	key, err := deriveKey(passphrase, env)
	if err != nil {
		return nil, err
	}
	aead, err := chacha20poly1305.New(key)
	if err != nil {
		return nil, fmt.Errorf("create cipher: %w", err)
	}
	env.Cipher = aead.Seal(nil, env.Nonce, plaintext, aad)
	return env, nil
}

// Open decrypts an envelope produced by Seal.
func Open(passphrase string, env *Envelope, aad []byte) ([]byte, error) {
	if env == nil {
		return nil, ErrDecryptionFailed
	}
	if env.V > envelopeVersion {
		return nil, fmt.Errorf("unsupported envelope version %d", env.V)
	}
	if len(env.Nonce) != chacha20poly1305.NonceSize {
		return nil, ErrDecryptionFailed
	}

	key, err := deriveKey(passphrase, env)
	if err != nil {
		return nil, err
	}
	aead, err := chacha20poly1305.New(key)
	if err != nil {
		return nil, fmt.Errorf("create cipher: %w", err)
	}
	plaintext, err := aead.Open(nil, env.Nonce, env.Cipher, aad)
	if err != nil {
		return nil, ErrDecryptionFailed
	}
	return plaintext, nil
}

func deriveKey(passphrase string, env *Envelope) ([]byte, error) {
	master, err := scrypt.Key([]byte(passphrase), env.Salt, env.N, env.R, env.P, 32)
	if err != nil {
		return nil, fmt.Errorf("derive master key: %w", err)
	}

	key := make([]byte, chacha20poly1305.KeySize)
	reader := hkdf.New(sha256.New, master, env.Salt, []byte(envelopeInfo))
	if _, err := io.ReadFull(reader, key); err != nil {
		return nil, fmt.Errorf("derive record key: %w", err)
	}
	return key, nil
}
