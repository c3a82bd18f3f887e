package sentinel

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/cerberus-defense/cerberus/internal/profiler"
	"github.com/cerberus-defense/cerberus/internal/waf"
)

// ProfileStore keeps attacker profiles. Upserts are keyed by session id so a
// redelivered pointer replaces the profile instead of duplicating it.
type ProfileStore interface {
	Save(ctx context.Context, p *profiler.Profile) error
	Get(ctx context.Context, profileID string) (*profiler.Profile, bool)
	GetBySession(ctx context.Context, sessionID string) (*profiler.Profile, bool)
	List(ctx context.Context) ([]*profiler.Profile, error)
	Count(ctx context.Context) int
}

// MemoryProfileStore is the in-process ProfileStore.
type MemoryProfileStore struct {
	mu        sync.RWMutex
	byID      map[string]*profiler.Profile
	bySession map[string]string // session id -> profile id
}

func NewMemoryProfileStore() *MemoryProfileStore {
	return &MemoryProfileStore{
		byID:      make(map[string]*profiler.Profile),
		bySession: make(map[string]string),
	}
}

func (s *MemoryProfileStore) Save(_ context.Context, p *profiler.Profile) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if old, ok := s.bySession[p.SessionID]; ok && old != p.ProfileID {
		delete(s.byID, old)
	}
	cp := *p
	s.byID[p.ProfileID] = &cp
	s.bySession[p.SessionID] = p.ProfileID
	return nil
}

func (s *MemoryProfileStore) Get(_ context.Context, profileID string) (*profiler.Profile, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	p, ok := s.byID[profileID]
	if !ok {
		return nil, false
	}
	cp := *p
	return &cp, true
}

func (s *MemoryProfileStore) GetBySession(_ context.Context, sessionID string) (*profiler.Profile, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	id, ok := s.bySession[sessionID]
	if !ok {
		return nil, false
	}
	p, ok := s.byID[id]
	if !ok {
		return nil, false
	}
	cp := *p
	return &cp, true
}

func (s *MemoryProfileStore) List(_ context.Context) ([]*profiler.Profile, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]*profiler.Profile, 0, len(s.byID))
	for _, p := range s.byID {
		cp := *p
		out = append(out, &cp)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt > out[j].CreatedAt })
	return out, nil
}

func (s *MemoryProfileStore) Count(_ context.Context) int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.byID)
}

// ProposedRule is the ledger entry for one synthesized rule and what the
// policy decided about it.
type ProposedRule struct {
	Rule      *waf.Rule `json:"rule"`
	Decision  string    `json:"decision"`
	Reason    string    `json:"reason"`
	EventID   string    `json:"event_id,omitempty"`
	SessionID string    `json:"session_id,omitempty"`
	CreatedAt time.Time `json:"created_at"`
}

// RuleLog records every rule the pipeline synthesized, regardless of the
// policy outcome. Bounded; oldest entries fall off.
type RuleLog struct {
	mu      sync.Mutex
	entries []ProposedRule
	max     int
}

func NewRuleLog(max int) *RuleLog {
	if max <= 0 {
		max = 1000
	}
	return &RuleLog{max: max}
}

func (l *RuleLog) Add(entry ProposedRule) {
	if entry.CreatedAt.IsZero() {
		entry.CreatedAt = time.Now().UTC()
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	l.entries = append(l.entries, entry)
	if len(l.entries) > l.max {
		l.entries = l.entries[len(l.entries)-l.max:]
	}
}

// List returns entries newest first.
func (l *RuleLog) List() []ProposedRule {
	l.mu.Lock()
	defer l.mu.Unlock()
	out := make([]ProposedRule, len(l.entries))
	for i, e := range l.entries {
		out[len(l.entries)-1-i] = e
	}
	return out
}

func (l *RuleLog) Len() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.entries)
}
