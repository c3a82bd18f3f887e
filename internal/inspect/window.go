package inspect

import (
	"hash/fnv"
	"sync"
	"time"
)

// DefaultWindowCap bounds how many entries a session window keeps.
const DefaultWindowCap = 20

const windowShards = 16

// WindowEntry is one inspected request in a session's history.
type WindowEntry struct {
	Timestamp time.Time          `json:"timestamp"`
	MLScore   float64            `json:"ml_score"`
	Features  map[string]float64 `json:"features,omitempty"`
}

// WindowStore keeps the per-session inspection history behind sharded
// locks, so append-and-truncate is atomic per session and sessions on
// different shards never contend.
type WindowStore struct {
	cap    int
	shards [windowShards]windowShard
}

type windowShard struct {
	mu       sync.Mutex
	sessions map[string][]WindowEntry
}

func NewWindowStore(cap int) *WindowStore {
	if cap <= 0 {
		cap = DefaultWindowCap
	}
	s := &WindowStore{cap: cap}
	for i := range s.shards {
		s.shards[i].sessions = make(map[string][]WindowEntry)
	}
	return s
}

func (s *WindowStore) shard(sessionID string) *windowShard {
	h := fnv.New32a()
	h.Write([]byte(sessionID))
	return &s.shards[h.Sum32()%windowShards]
}

// Append records an entry and evicts the oldest beyond the cap.
func (s *WindowStore) Append(sessionID string, e WindowEntry) {
	sh := s.shard(sessionID)
	sh.mu.Lock()
	defer sh.mu.Unlock()

	entries := append(sh.sessions[sessionID], e)
	if len(entries) > s.cap {
		entries = entries[len(entries)-s.cap:]
	}
	sh.sessions[sessionID] = entries
}

// MLScores returns the session's ML scores oldest-first.
func (s *WindowStore) MLScores(sessionID string) []float64 {
	sh := s.shard(sessionID)
	sh.mu.Lock()
	defer sh.mu.Unlock()

	entries := sh.sessions[sessionID]
	scores := make([]float64, len(entries))
	for i, e := range entries {
		scores[i] = e.MLScore
	}
	return scores
}

// Window returns a copy of the session's entries oldest-first.
func (s *WindowStore) Window(sessionID string) []WindowEntry {
	sh := s.shard(sessionID)
	sh.mu.Lock()
	defer sh.mu.Unlock()

	entries := sh.sessions[sessionID]
	out := make([]WindowEntry, len(entries))
	copy(out, entries)
	return out
}

// Sessions counts sessions with at least one entry.
func (s *WindowStore) Sessions() int {
	total := 0
	for i := range s.shards {
		sh := &s.shards[i]
		sh.mu.Lock()
		total += len(sh.sessions)
		sh.mu.Unlock()
	}
	return total
}
