// Package waf holds the active rule set of the inspection engine: the rule
// model, the store that owns rule lifecycle, and the matcher that scores
// requests against an immutable snapshot of the enabled rules.
package waf

import (
	"errors"
	"fmt"
	"time"
)

const (
	MatchString = "string"
	MatchRegex  = "regex"
)

const (
	ActionBlock     = "block"
	ActionChallenge = "challenge"
	ActionTag       = "tag"
	ActionAllow     = "allow"
)

// Priority bounds for admitted rules. Lower priority evaluates first.
const (
	MinPriority     = 50
	MaxPriority     = 180
	DefaultPriority = 100
)

var (
	ErrDuplicateRule = errors.New("rule id already exists")
	ErrRuleNotFound  = errors.New("rule not found")
)

// Match describes what a rule looks for. Locations are provenance from rule
// synthesis (where the payload was seen); matching itself runs against the
// flattened request text.
type Match struct {
	Kind      string          `json:"type"`
	Pattern   string          `json:"pattern"`
	Locations []string        `json:"locations,omitempty"`
	Flags     map[string]bool `json:"flags,omitempty"`
}

// Caseless reports whether the rule asked for case-insensitive matching.
func (m Match) Caseless() bool {
	return m.Flags["caseless"]
}

// Evidence ties a synthesized rule back to the simulation that produced it.
type Evidence struct {
	SimulationID   string   `json:"simulation_id,omitempty"`
	SamplePayloads []string `json:"sample_payloads,omitempty"`
	AttackType     string   `json:"attack_type,omitempty"`
}

// Audit records who issued a rule and on what grounds.
type Audit struct {
	CreatedAt     time.Time `json:"created_at"`
	CreatedBy     string    `json:"created_by"`
	SourceVerdict string    `json:"source_verdict,omitempty"`
	AttackerTTPs  []string  `json:"attacker_ttps,omitempty"`
}

// Rule is owned by the inspection engine. After admission the only mutable
// fields are Enabled and ExpiresAt; everything else is replaced, never edited.
type Rule struct {
	RuleID      string     `json:"rule_id"`
	Name        string     `json:"name,omitempty"`
	Description string     `json:"description,omitempty"`
	Priority    int        `json:"priority"`
	Match       Match      `json:"match"`
	Action      string     `json:"action"`
	Confidence  float64    `json:"confidence"`
	Severity    float64    `json:"severity"`
	Enabled     bool       `json:"enabled"`
	Evidence    *Evidence  `json:"evidence,omitempty"`
	Audit       *Audit     `json:"audit,omitempty"`
	ExpiresAt   *time.Time `json:"expires_at,omitempty"`
}

// Expired reports whether the rule's expiry, if set, has passed.
func (r *Rule) Expired(now time.Time) bool {
	return r.ExpiresAt != nil && now.After(*r.ExpiresAt)
}

// Normalize fills defaults an admission request may omit.
func (r *Rule) Normalize() {
	if r.Match.Kind == "" {
		r.Match.Kind = MatchString
	}
	if r.Priority == 0 {
		r.Priority = DefaultPriority
	}
}

// Validate checks a normalized rule before admission.
func (r *Rule) Validate() error {
	if r.RuleID == "" {
		return errors.New("rule_id is required")
	}
	if r.Match.Pattern == "" {
		return errors.New("match.pattern is required")
	}
	switch r.Match.Kind {
	case MatchString, MatchRegex:
	default:
		return fmt.Errorf("unknown match type %q", r.Match.Kind)
	}
	switch r.Action {
	case ActionBlock, ActionChallenge, ActionTag, ActionAllow:
	default:
		return fmt.Errorf("unknown action %q", r.Action)
	}
	if r.Priority < MinPriority || r.Priority > MaxPriority {
		return fmt.Errorf("priority %d outside [%d, %d]", r.Priority, MinPriority, MaxPriority)
	}
	if r.Confidence < 0 || r.Confidence > 1 {
		return fmt.Errorf("confidence %.2f outside [0, 1]", r.Confidence)
	}
	if r.Severity < 0 || r.Severity > 10 {
		return fmt.Errorf("severity %.1f outside [0, 10]", r.Severity)
	}
	if r.Action == ActionBlock && r.Confidence < 0.75 {
		return fmt.Errorf("block rules require confidence >= 0.75, got %.2f", r.Confidence)
	}
	return nil
}
