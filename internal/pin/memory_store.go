package pin

import (
	"context"
	"sync"
	"time"
)

// MemoryStore is the in-process pin table used by tests and single-node
// deployments.
type MemoryStore struct {
	mu   sync.RWMutex
	pins map[string]Pin
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{pins: make(map[string]Pin)}
}

func (s *MemoryStore) Put(_ context.Context, p Pin) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.pins[p.Fingerprint] = p
	return nil
}

func (s *MemoryStore) Get(_ context.Context, fingerprint string) (*Pin, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	p, ok := s.pins[fingerprint]
	if !ok {
		return nil, false
	}
	if p.Expired(time.Now().UTC()) {
		delete(s.pins, fingerprint)
		return nil, false
	}
	cp := p
	return &cp, true
}

func (s *MemoryStore) GetBySession(_ context.Context, sessionID string) (*Pin, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	now := time.Now().UTC()
	for fp, p := range s.pins {
		if p.SessionID != sessionID {
			continue
		}
		if p.Expired(now) {
			delete(s.pins, fp)
			continue
		}
		cp := p
		return &cp, true
	}
	return nil, false
}

func (s *MemoryStore) DeleteBySession(_ context.Context, sessionID string) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	removed := 0
	for fp, p := range s.pins {
		if p.SessionID == sessionID {
			delete(s.pins, fp)
			removed++
		}
	}
	return removed, nil
}

func (s *MemoryStore) List(_ context.Context) ([]Pin, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	now := time.Now().UTC()
	out := make([]Pin, 0, len(s.pins))
	for fp, p := range s.pins {
		if p.Expired(now) {
			delete(s.pins, fp)
			continue
		}
		out = append(out, p)
	}
	return out, nil
}

func (s *MemoryStore) Count(_ context.Context) (total, active int, err error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	now := time.Now().UTC()
	for _, p := range s.pins {
		total++
		if !p.Expired(now) {
			active++
		}
	}
	return total, active, nil
}
