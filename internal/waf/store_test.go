package waf

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func tagRule(id, pattern string, priority int) *Rule {
	return &Rule{
		RuleID:   id,
		Priority: priority,
		Match:    Match{Kind: MatchString, Pattern: pattern},
		Action:   ActionTag,
		Enabled:  true,
	}
}

func TestCreateRejectsDuplicates(t *testing.T) {
	s := NewMemoryRuleStore()
	require.NoError(t, s.Create(tagRule("r1", "UNION SELECT", 100)))
	err := s.Create(tagRule("r1", "UNION SELECT", 100))
	assert.ErrorIs(t, err, ErrDuplicateRule)
}

func TestCreateNormalizesDefaults(t *testing.T) {
	s := NewMemoryRuleStore()
	r := &Rule{RuleID: "r1", Match: Match{Pattern: "x"}, Action: ActionTag, Enabled: true}
	require.NoError(t, s.Create(r))

	stored, err := s.Get("r1")
	require.NoError(t, err)
	assert.Equal(t, MatchString, stored.Match.Kind)
	assert.Equal(t, DefaultPriority, stored.Priority)
}

func TestValidateRejections(t *testing.T) {
	s := NewMemoryRuleStore()

	tests := []struct {
		name string
		rule *Rule
	}{
		{"missing id", &Rule{Match: Match{Pattern: "x"}, Action: ActionTag}},
		{"missing pattern", &Rule{RuleID: "r", Action: ActionTag}},
		{"bad action", &Rule{RuleID: "r", Match: Match{Pattern: "x"}, Action: "nuke"}},
		{"priority too low", &Rule{RuleID: "r", Match: Match{Pattern: "x"}, Action: ActionTag, Priority: 10}},
		{"priority too high", &Rule{RuleID: "r", Match: Match{Pattern: "x"}, Action: ActionTag, Priority: 500}},
		{"low-confidence block", &Rule{RuleID: "r", Match: Match{Pattern: "x"}, Action: ActionBlock, Confidence: 0.5}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Error(t, s.Create(tt.rule))
		})
	}
}

func TestGetAndDeleteNotFound(t *testing.T) {
	s := NewMemoryRuleStore()
	_, err := s.Get("ghost")
	assert.ErrorIs(t, err, ErrRuleNotFound)
	assert.ErrorIs(t, s.Delete("ghost"), ErrRuleNotFound)
}

func TestSnapshotOrderedByPriority(t *testing.T) {
	s := NewMemoryRuleStore()
	require.NoError(t, s.Create(tagRule("zz", "c", 150)))
	require.NoError(t, s.Create(tagRule("aa", "a", 50)))
	require.NoError(t, s.Create(tagRule("mm", "b", 100)))
	require.NoError(t, s.Create(tagRule("mm2", "b2", 100)))

	snap := s.Snapshot()
	require.Len(t, snap, 4)
	assert.Equal(t, "aa", snap[0].Rule.RuleID)
	assert.Equal(t, "mm", snap[1].Rule.RuleID, "priority ties break on rule id")
	assert.Equal(t, "mm2", snap[2].Rule.RuleID)
	assert.Equal(t, "zz", snap[3].Rule.RuleID)
}

func TestDisabledRulesLeaveSnapshot(t *testing.T) {
	s := NewMemoryRuleStore()
	require.NoError(t, s.Create(tagRule("r1", "x", 100)))

	_, err := s.SetEnabled("r1", false)
	require.NoError(t, err)
	assert.Empty(t, s.Snapshot())

	_, err = s.SetEnabled("r1", true)
	require.NoError(t, err)
	assert.Len(t, s.Snapshot(), 1)

	total, enabled := s.Count()
	assert.Equal(t, 1, total)
	assert.Equal(t, 1, enabled)
}

func TestSnapshotIsCopyOnWrite(t *testing.T) {
	s := NewMemoryRuleStore()
	require.NoError(t, s.Create(tagRule("r1", "x", 100)))

	snap := s.Snapshot()
	require.NoError(t, s.Create(tagRule("r2", "y", 100)))
	assert.Len(t, snap, 1, "an earlier snapshot must not grow")
	assert.Len(t, s.Snapshot(), 2)
}

func TestExpiredRulesEvictLazily(t *testing.T) {
	s := NewMemoryRuleStore()
	past := time.Now().Add(-time.Minute)
	r := tagRule("old", "x", 100)
	r.ExpiresAt = &past
	require.NoError(t, s.Create(r))
	require.NoError(t, s.Create(tagRule("fresh", "y", 100)))

	snap := s.Snapshot()
	require.Len(t, snap, 1)
	assert.Equal(t, "fresh", snap[0].Rule.RuleID)

	_, err := s.Get("old")
	assert.ErrorIs(t, err, ErrRuleNotFound)
}

func TestInvalidRegexIsInert(t *testing.T) {
	s := NewMemoryRuleStore()
	r := &Rule{
		RuleID:  "broken",
		Match:   Match{Kind: MatchRegex, Pattern: "[unclosed"},
		Action:  ActionTag,
		Enabled: true,
	}
	require.NoError(t, s.Create(r), "an uncompilable rule is admitted but inert")

	res := Evaluate(s.Snapshot(), "[unclosed text")
	assert.Zero(t, res.Score)
	assert.Empty(t, res.Matched)
}

func TestEvaluateScoreTiers(t *testing.T) {
	s := NewMemoryRuleStore()
	require.NoError(t, s.Create(tagRule("str", "UNION SELECT", 100)))

	regex := &Rule{
		RuleID:  "rex",
		Match:   Match{Kind: MatchRegex, Pattern: `<script[^>]*>`},
		Action:  ActionTag,
		Enabled: true,
	}
	require.NoError(t, s.Create(regex))

	block := &Rule{
		RuleID:     "blk",
		Priority:   50,
		Match:      Match{Kind: MatchString, Pattern: "DROP TABLE"},
		Action:     ActionBlock,
		Confidence: 0.95,
		Enabled:    true,
	}
	require.NoError(t, s.Create(block))

	tests := []struct {
		name      string
		text      string
		score     float64
		blockedBy string
	}{
		{"no match", "GET /api/users", 0, ""},
		{"string tag", "q=1 UNION SELECT password", 80, ""},
		{"regex tag", `<script type="text/javascript">`, 85, ""},
		{"string and regex", `UNION SELECT <script>`, 85, ""},
		{"block wins outright", "; DROP TABLE users; UNION SELECT", 100, "blk"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			res := Evaluate(s.Snapshot(), tt.text)
			assert.Equal(t, tt.score, res.Score)
			assert.Equal(t, tt.blockedBy, res.BlockedBy)
		})
	}
}

func TestCaselessRegex(t *testing.T) {
	s := NewMemoryRuleStore()
	r := &Rule{
		RuleID:  "ci",
		Match:   Match{Kind: MatchRegex, Pattern: `union\s+select`, Flags: map[string]bool{"caseless": true}},
		Action:  ActionTag,
		Enabled: true,
	}
	require.NoError(t, s.Create(r))

	res := Evaluate(s.Snapshot(), "UNION  SELECT * FROM users")
	assert.Equal(t, 85.0, res.Score)
}

func TestCombinedTextDeterministic(t *testing.T) {
	headers := map[string]string{"B": "2", "A": "1", "C": "3"}
	first := CombinedText("/x", "body", headers)
	for i := 0; i < 20; i++ {
		assert.Equal(t, first, CombinedText("/x", "body", headers))
	}
}

func TestEvaluateRespectsPriorityOrder(t *testing.T) {
	s := NewMemoryRuleStore()

	late := &Rule{
		RuleID: "late-block", Priority: 150,
		Match: Match{Kind: MatchString, Pattern: "attack"}, Action: ActionBlock,
		Confidence: 0.9, Enabled: true,
	}
	early := &Rule{
		RuleID: "early-block", Priority: 50,
		Match: Match{Kind: MatchString, Pattern: "attack"}, Action: ActionBlock,
		Confidence: 0.9, Enabled: true,
	}
	require.NoError(t, s.Create(late))
	require.NoError(t, s.Create(early))

	res := Evaluate(s.Snapshot(), "attack payload")
	assert.Equal(t, "early-block", res.BlockedBy, "lower priority evaluates first")
}
