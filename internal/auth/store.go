package auth

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"

	"github.com/vibekanban/vkrelay/internal/protocol"
)

// TokenStore persists the token pair. Load returns a zero pair when nothing
// is stored.
type TokenStore interface {
	Load(ctx context.Context) (protocol.TokenPair, error)
	Save(ctx context.Context, pair protocol.TokenPair) error
	Clear(ctx context.Context) error
}

// MemoryTokenStore keeps tokens in process memory.
type MemoryTokenStore struct {
	mu   sync.RWMutex
	pair protocol.TokenPair
}

// NewMemoryTokenStore returns a store seeded with pair.
func NewMemoryTokenStore(pair protocol.TokenPair) *MemoryTokenStore {
	return &MemoryTokenStore{pair: pair}
}

func (s *MemoryTokenStore) Load(_ context.Context) (protocol.TokenPair, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.pair, nil
}

func (s *MemoryTokenStore) Save(_ context.Context, pair protocol.TokenPair) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.pair = pair
	return nil
}

func (s *MemoryTokenStore) Clear(_ context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.pair = protocol.TokenPair{}
	return nil
}

// FileTokenStore keeps tokens in a JSON file so several processes can share
// them. Pair it with a FileLocker on the same data directory.
type FileTokenStore struct {
	path string
}

// NewFileTokenStore returns a store backed by path.
func NewFileTokenStore(path string) *FileTokenStore {
	return &FileTokenStore{path: path}
}

func (s *FileTokenStore) Load(_ context.Context) (protocol.TokenPair, error) {
	data, err := os.ReadFile(s.path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return protocol.TokenPair{}, nil
		}
		return protocol.TokenPair{}, fmt.Errorf("failed to read token file: %w", err)
	}

	var pair protocol.TokenPair
	if err := json.Unmarshal(data, &pair); err != nil {
		return protocol.TokenPair{}, fmt.Errorf("failed to parse token file: %w", err)
	}
	return pair, nil
}

// Save writes atomically by writing to a temp file first.
func (s *FileTokenStore) Save(_ context.Context, pair protocol.TokenPair) error {
	if err := os.MkdirAll(filepath.Dir(s.path), 0700); err != nil {
		return fmt.Errorf("failed to create token directory: %w", err)
	}

	data, err := json.Marshal(pair)
	if err != nil {
		return fmt.Errorf("failed to encode tokens: %w", err)
	}

	tempPath := s.path + ".tmp"
	if err := os.WriteFile(tempPath, data, 0600); err != nil {
		return fmt.Errorf("failed to write token file: %w", err)
	}
	if err := os.Rename(tempPath, s.path); err != nil {
		os.Remove(tempPath)
		return fmt.Errorf("failed to persist token file: %w", err)
	}
	return nil
}

func (s *FileTokenStore) Clear(_ context.Context) error {
	if err := os.Remove(s.path); err != nil && !errors.Is(err, os.ErrNotExist) {
		return fmt.Errorf("failed to remove token file: %w", err)
	}
	return nil
}
