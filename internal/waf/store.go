package waf

import (
	"log/slog"
	"regexp"
	"sort"
	"sync"
	"time"
)

// ActiveRule pairs an enabled rule with its matcher compiled at admission.
// Regexp is nil for string rules and for regex rules that failed to compile;
// the latter are inert until replaced.
type ActiveRule struct {
	Rule   *Rule
	Regexp *regexp.Regexp
}

// RuleStore is the single authority over the active rule set.
type RuleStore interface {
	Create(r *Rule) error
	Get(id string) (*Rule, error)
	Delete(id string) error
	SetEnabled(id string, enabled bool) (*Rule, error)
	List() []*Rule
	Count() (total, enabled int)

	// Snapshot returns the enabled rules sorted by ascending priority.
	// The returned slice is immutable; inspections iterate it without
	// holding any lock.
	Snapshot() []ActiveRule
}

// MemoryRuleStore keeps rules in process memory behind a copy-on-write
// snapshot. Mutations rebuild the snapshot; readers only swap a slice
// header, so a long inspection never blocks a rule push.
type MemoryRuleStore struct {
	mu       sync.RWMutex
	rules    map[string]*Rule
	compiled map[string]*regexp.Regexp
	active   []ActiveRule
}

func NewMemoryRuleStore() *MemoryRuleStore {
	return &MemoryRuleStore{
		rules:    make(map[string]*Rule),
		compiled: make(map[string]*regexp.Regexp),
	}
}

func (s *MemoryRuleStore) Create(r *Rule) error {
	r.Normalize()
	if err := r.Validate(); err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.rules[r.RuleID]; ok {
		return ErrDuplicateRule
	}

	stored := *r
	s.rules[r.RuleID] = &stored

	if stored.Match.Kind == MatchRegex {
		re, err := compile(stored.Match)
		if err != nil {
			// Inert rule: it stays visible in the API but never matches.
			slog.Warn("Rule pattern does not compile, rule is inert",
				"rule_id", stored.RuleID, "error", err)
		} else {
			s.compiled[stored.RuleID] = re
		}
	}

	s.rebuildLocked()
	return nil
}

func (s *MemoryRuleStore) Get(id string) (*Rule, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	r, ok := s.rules[id]
	if !ok {
		return nil, ErrRuleNotFound
	}
	cp := *r
	return &cp, nil
}

func (s *MemoryRuleStore) Delete(id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.rules[id]; !ok {
		return ErrRuleNotFound
	}
	delete(s.rules, id)
	delete(s.compiled, id)
	s.rebuildLocked()
	return nil
}

func (s *MemoryRuleStore) SetEnabled(id string, enabled bool) (*Rule, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	r, ok := s.rules[id]
	if !ok {
		return nil, ErrRuleNotFound
	}
	r.Enabled = enabled
	s.rebuildLocked()
	cp := *r
	return &cp, nil
}

func (s *MemoryRuleStore) List() []*Rule {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]*Rule, 0, len(s.rules))
	for _, r := range s.rules {
		cp := *r
		out = append(out, &cp)
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].Priority != out[j].Priority {
			return out[i].Priority < out[j].Priority
		}
		return out[i].RuleID < out[j].RuleID
	})
	return out
}

func (s *MemoryRuleStore) Count() (total, enabled int) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	for _, r := range s.rules {
		total++
		if r.Enabled {
			enabled++
		}
	}
	return total, enabled
}

func (s *MemoryRuleStore) Snapshot() []ActiveRule {
	s.mu.RLock()
	active := s.active
	s.mu.RUnlock()

	now := time.Now()
	for _, ar := range active {
		if ar.Rule.Expired(now) {
			return s.evictExpired(now)
		}
	}
	return active
}

// evictExpired drops every expired rule and rebuilds. Expiry is enforced
// lazily at read time, like pin eviction in the router.
func (s *MemoryRuleStore) evictExpired(now time.Time) []ActiveRule {
	s.mu.Lock()
	defer s.mu.Unlock()
	for id, r := range s.rules {
		if r.Expired(now) {
			slog.Info("Rule expired", "rule_id", id)
			delete(s.rules, id)
			delete(s.compiled, id)
		}
	}
	s.rebuildLocked()
	return s.active
}

// rebuildLocked recomputes the enabled snapshot. Caller holds the write lock.
func (s *MemoryRuleStore) rebuildLocked() {
	active := make([]ActiveRule, 0, len(s.rules))
	for id, r := range s.rules {
		if !r.Enabled {
			continue
		}
		cp := *r
		active = append(active, ActiveRule{Rule: &cp, Regexp: s.compiled[id]})
	}
	sort.Slice(active, func(i, j int) bool {
		if active[i].Rule.Priority != active[j].Rule.Priority {
			return active[i].Rule.Priority < active[j].Rule.Priority
		}
		return active[i].Rule.RuleID < active[j].Rule.RuleID
	})
	s.active = active
}

func compile(m Match) (*regexp.Regexp, error) {
	pattern := m.Pattern
	if m.Caseless() {
		pattern = "(?i)" + pattern
	}
	return regexp.Compile(pattern)
}
