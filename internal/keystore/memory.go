package keystore

import (
	"context"
	"fmt"
	"sort"
	"sync"
)

// MemoryStore keeps paired hosts in process memory.
type MemoryStore struct {
	mu     sync.RWMutex
	hosts  map[string]PairedRelayHost
	active string
}

// NewMemoryStore creates an empty store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{hosts: make(map[string]PairedRelayHost)}
}

func (s *MemoryStore) Get(_ context.Context, hostID string) (PairedRelayHost, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	h, ok := s.hosts[hostID]
	if !ok {
		return PairedRelayHost{}, fmt.Errorf("%s: %w", hostID, ErrHostNotPaired)
	}
	return h, nil
}

func (s *MemoryStore) List(_ context.Context) ([]PairedRelayHost, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]PairedRelayHost, 0, len(s.hosts))
	for _, h := range s.hosts {
		out = append(out, h)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].HostID < out[j].HostID })
	return out, nil
}

func (s *MemoryStore) Put(_ context.Context, host PairedRelayHost) error {
	host = host.normalize()
	if err := host.Validate(); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.hosts[host.HostID] = host
	return nil
}

func (s *MemoryStore) Remove(_ context.Context, hostID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.hosts, hostID)
	if s.active == hostID {
		s.active = ""
	}
	return nil
}

func (s *MemoryStore) ActiveHost(_ context.Context) (string, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.active, nil
}

func (s *MemoryStore) SetActiveHost(_ context.Context, hostID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.active = hostID
	return nil
}
