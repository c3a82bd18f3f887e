package inspect

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/cerberus-defense/cerberus/internal/bus"
	"github.com/cerberus-defense/cerberus/internal/evidence"
	"github.com/cerberus-defense/cerberus/internal/waf"
)

// fixedScorer returns one canned ML verdict for every request.
type fixedScorer struct {
	score   float64
	anomaly bool
}

func (f fixedScorer) Score(map[string]float64) (float64, bool) {
	return f.score, f.anomaly
}

type recordingPinner struct {
	mu   sync.Mutex
	pins []string
}

func (p *recordingPinner) Pin(_ context.Context, sessionID, _, _ string, _ []string) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.pins = append(p.pins, sessionID)
	return nil
}

func (p *recordingPinner) pinned() []string {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]string(nil), p.pins...)
}

type capturingPublisher struct {
	mu     sync.Mutex
	events []bus.Event
}

func (c *capturingPublisher) Publish(_ context.Context, ev bus.Event) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.events = append(c.events, ev)
	return nil
}

func (c *capturingPublisher) all() []bus.Event {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]bus.Event(nil), c.events...)
}

func storeWithBlockRule(t *testing.T) *waf.MemoryRuleStore {
	t.Helper()
	s := waf.NewMemoryRuleStore()
	require.NoError(t, s.Create(&waf.Rule{
		RuleID:     "block-sqli",
		Priority:   50,
		Match:      waf.Match{Kind: waf.MatchString, Pattern: "DROP TABLE"},
		Action:     waf.ActionBlock,
		Confidence: 0.95,
		Enabled:    true,
	}))
	return s
}

func TestBlockRuleShortCircuits(t *testing.T) {
	e := NewEngine(Options{
		Rules:  storeWithBlockRule(t),
		Scorer: fixedScorer{score: 0.99, anomaly: true},
	})

	d := e.Inspect(context.Background(), Request{
		Method:    "POST",
		URL:       "/search",
		Body:      "q=1; DROP TABLE users",
		SessionID: "sess_block",
		ClientIP:  "203.0.113.9",
	})

	assert.Equal(t, ActionBlock, d.Action)
	assert.Equal(t, 100.0, d.Scores.Rule)
	assert.Equal(t, 100.0, d.Scores.Combined)
	assert.Zero(t, d.Scores.ML, "ML must not run after a rule block")
	assert.Contains(t, d.Tags, "rule_match")
	assert.Contains(t, d.Reason, "block-sqli")
}

func TestCleanRequestAllows(t *testing.T) {
	e := NewEngine(Options{
		Rules:  waf.NewMemoryRuleStore(),
		Scorer: fixedScorer{score: 0.1},
	})

	d := e.Inspect(context.Background(), Request{
		Method:    "GET",
		URL:       "/api/users?page=2",
		SessionID: "sess_ok",
	})

	assert.Equal(t, ActionAllow, d.Action)
	assert.Equal(t, []string{"normal"}, d.Tags)
	assert.Zero(t, d.Scores.Rule)
}

func TestHighCombinedScoreTagsPOI(t *testing.T) {
	s := waf.NewMemoryRuleStore()
	require.NoError(t, s.Create(&waf.Rule{
		RuleID:  "tag-xss",
		Match:   waf.Match{Kind: waf.MatchString, Pattern: "<script"},
		Action:  waf.ActionTag,
		Enabled: true,
	}))

	pub := &capturingPublisher{}
	e := NewEngine(Options{
		Rules:     s,
		Scorer:    fixedScorer{score: 0.9, anomaly: true},
		Publisher: pub,
	})

	// rule 80*0.4 + ml 0.9*100*0.4 = 68; behavioral 0 on first request,
	// so combined 68 < 75 tags via the ml_high_confidence path instead.
	d := e.Inspect(context.Background(), Request{
		Method:    "GET",
		URL:       "/search?q=<script>alert(1)</script>",
		SessionID: "sess_poi",
		ClientIP:  "203.0.113.10",
	})

	require.Equal(t, ActionTagPOI, d.Action)
	assert.Contains(t, d.Tags, "poi")
	assert.NotEmpty(t, d.EventID)

	events := pub.all()
	require.Len(t, events, 1)
	assert.Equal(t, evidence.TopicAlerts, events[0].Topic)
	assert.Equal(t, "sess_poi", events[0].Key)
}

func TestMLOnlyPathRequiresAnomalyFlag(t *testing.T) {
	e := NewEngine(Options{
		Rules:  waf.NewMemoryRuleStore(),
		Scorer: fixedScorer{score: 0.8, anomaly: false},
	})

	d := e.Inspect(context.Background(), Request{
		Method: "GET", URL: "/", SessionID: "sess_noflag",
	})
	assert.Equal(t, ActionAllow, d.Action,
		"a high ML score without the anomaly flag must not tag")

	e2 := NewEngine(Options{
		Rules:  waf.NewMemoryRuleStore(),
		Scorer: fixedScorer{score: 0.8, anomaly: true},
	})
	d2 := e2.Inspect(context.Background(), Request{
		Method: "GET", URL: "/", SessionID: "sess_flag",
	})
	assert.Equal(t, ActionTagPOI, d2.Action)
	assert.Contains(t, d2.Tags, "ml_high_confidence")
}

func TestBehavioralSignalBuildsOverSession(t *testing.T) {
	e := NewEngine(Options{
		Rules:  waf.NewMemoryRuleStore(),
		Scorer: fixedScorer{score: 0.7, anomaly: false},
	})

	var last Decision
	for i := 0; i < 5; i++ {
		last = e.Inspect(context.Background(), Request{
			Method: "GET", URL: "/probe", SessionID: "sess_hist",
		})
	}

	// After three requests the window holds history, so the behavioral
	// term is non-zero: mean 0.7 -> 0.35.
	assert.InDelta(t, 0.35, last.Scores.Behavioral, 1e-9)
	assert.Greater(t, last.Scores.Combined, 28.0)
}

func TestPOIRequestsPin(t *testing.T) {
	pinner := &recordingPinner{}
	e := NewEngine(Options{
		Rules:  waf.NewMemoryRuleStore(),
		Scorer: fixedScorer{score: 0.9, anomaly: true},
		Pinner: pinner,
	})

	e.Inspect(context.Background(), Request{
		Method: "GET", URL: "/", SessionID: "sess_pin", ClientIP: "203.0.113.11",
	})

	// The pin request is fire-and-forget on its own goroutine.
	require.Eventually(t, func() bool {
		return len(pinner.pinned()) == 1
	}, time.Second, 10*time.Millisecond)
	assert.Equal(t, "sess_pin", pinner.pinned()[0])
}

func TestCombineScoresClamped(t *testing.T) {
	assert.Equal(t, 100.0, combineScores(100, 1, 1))
	assert.Equal(t, 0.0, combineScores(0, 0, 0))
	assert.InDelta(t, 68.0, combineScores(80, 0.9, 0), 1e-9)
}

func TestWindowStoreCapsEntries(t *testing.T) {
	w := NewWindowStore(3)
	for i := 0; i < 10; i++ {
		w.Append("s", WindowEntry{MLScore: float64(i)})
	}
	scores := w.MLScores("s")
	require.Len(t, scores, 3)
	assert.Equal(t, []float64{7, 8, 9}, scores)
}
