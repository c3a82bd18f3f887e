package sentinel

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/cerberus-defense/cerberus/internal/capture"
	"github.com/cerberus-defense/cerberus/internal/evidence"
	"github.com/cerberus-defense/cerberus/internal/objstore"
	"github.com/cerberus-defense/cerberus/internal/policy"
	"github.com/cerberus-defense/cerberus/internal/profiler"
	"github.com/cerberus-defense/cerberus/internal/rulegen"
	"github.com/cerberus-defense/cerberus/internal/sandbox"
	"github.com/cerberus-defense/cerberus/internal/waf"
)

type fakePusher struct {
	mu     sync.Mutex
	pushed []*waf.Rule
}

func (f *fakePusher) PushRule(_ context.Context, rule *waf.Rule) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.pushed = append(f.pushed, rule)
	return nil
}

type pipelineFixture struct {
	pipeline     *Pipeline
	store        objstore.Store
	orchestrator *policy.Orchestrator
	pusher       *fakePusher
}

func newPipelineFixture(t *testing.T, autoDetonate bool) *pipelineFixture {
	t.Helper()
	store, err := objstore.NewFSStore(t.TempDir())
	require.NoError(t, err)
	retriever, err := evidence.NewRetriever(store, t.TempDir())
	require.NoError(t, err)

	pusher := &fakePusher{}
	orch := policy.New(policy.Options{Pusher: pusher})

	p := NewPipeline(PipelineOptions{
		Retriever: retriever,
		Profiler:  profiler.New(),
		Simulator: sandbox.New(sandbox.Options{
			Backend:     sandbox.NewDemoBackend(),
			StartupWait: time.Millisecond,
			Timeout:     5 * time.Second,
		}),
		Generator:    rulegen.New(nil),
		Orchestrator: orch,
		AutoDetonate: autoDetonate,
	})
	return &pipelineFixture{pipeline: p, store: store, orchestrator: orch, pusher: pusher}
}

// buildPackage uploads a one-request evidence package and returns its pointer.
func buildPackage(t *testing.T, store objstore.Store, eventID string) evidence.Pointer {
	t.Helper()
	b, err := evidence.NewBuilder(store, nil, eventID, "sess_pipe", "203.0.113.7", "Mozilla/5.0")
	require.NoError(t, err)
	b.AddExchange(evidence.Exchange{
		Method:         "GET",
		URL:            "http://decoy/search?q=1 UNION SELECT password FROM users",
		ResponseStatus: 200,
		StartTime:      time.Now(),
		DurationMs:     20,
	})
	require.NoError(t, b.AddPayload(capture.TypeSQLInjection, "1 UNION SELECT", "query.q", 0.85))
	pointer, err := b.BuildAndUpload(context.Background(), "evidence", nil)
	require.NoError(t, err)
	return *pointer
}

func TestHandlePointerProfilesSession(t *testing.T) {
	fx := newPipelineFixture(t, false)
	pointer := buildPackage(t, fx.store, "evt_profile01")

	require.NoError(t, fx.pipeline.HandlePointer(context.Background(), pointer))

	prof, ok := fx.pipeline.Profiles().GetBySession(context.Background(), "sess_pipe")
	require.True(t, ok)
	assert.Equal(t, "203.0.113.7", prof.AttackerIP)
	assert.Equal(t, []string{"sql_injection_attempt"}, prof.ActionSequence)
	assert.Contains(t, prof.TTPs, "T1190")

	stats := fx.pipeline.Stats()
	assert.Equal(t, int64(1), stats["pointers_processed"])
	assert.Equal(t, "evt_profile01", stats["last_event_id"])
	// Detonation disabled: nothing reached the rule log.
	assert.Zero(t, fx.pipeline.RuleLog().Len())
}

func TestHandlePointerDeduplicatesRedeliveries(t *testing.T) {
	fx := newPipelineFixture(t, false)
	pointer := buildPackage(t, fx.store, "evt_dup01")

	require.NoError(t, fx.pipeline.HandlePointer(context.Background(), pointer))
	require.NoError(t, fx.pipeline.HandlePointer(context.Background(), pointer))

	assert.Equal(t, int64(1), fx.pipeline.Stats()["pointers_processed"])
	assert.Equal(t, 1, fx.pipeline.Profiles().Count(context.Background()))
}

func TestHandlePointerRetrievalFailureAllowsRetry(t *testing.T) {
	fx := newPipelineFixture(t, false)
	pointer := buildPackage(t, fx.store, "evt_retry01")

	broken := pointer
	broken.Location = "gs://not-an-s3-url/evt_retry01/"
	require.Error(t, fx.pipeline.HandlePointer(context.Background(), broken))

	// The failed event id was forgotten, so redelivery with the corrected
	// pointer processes normally instead of being skipped as a duplicate.
	require.NoError(t, fx.pipeline.HandlePointer(context.Background(), pointer))
	assert.Equal(t, int64(1), fx.pipeline.Stats()["pointers_processed"])
}

func TestHandlePointerDropsBlankEventID(t *testing.T) {
	fx := newPipelineFixture(t, false)
	require.NoError(t, fx.pipeline.HandlePointer(context.Background(), evidence.Pointer{}))
	assert.Equal(t, int64(0), fx.pipeline.Stats()["pointers_processed"])
}

func TestAutoDetonateSynthesizesRule(t *testing.T) {
	fx := newPipelineFixture(t, true)
	pointer := buildPackage(t, fx.store, "evt_auto01")

	require.NoError(t, fx.pipeline.HandlePointer(context.Background(), pointer))

	entries := fx.pipeline.RuleLog().List()
	require.Len(t, entries, 1)
	entry := entries[0]
	assert.Equal(t, "evt_auto01", entry.EventID)
	assert.Equal(t, "sess_pipe", entry.SessionID)

	rule := entry.Rule
	require.NotNil(t, rule)
	assert.Equal(t, waf.MatchRegex, rule.Match.Kind)
	assert.Equal(t, `UNION\s+(ALL\s+)?SELECT`, rule.Match.Pattern)
	assert.Equal(t, waf.ActionBlock, rule.Action)
	assert.Equal(t, "sentinel", rule.Audit.CreatedBy)
	assert.Equal(t, sandbox.VerdictExploitPossible, rule.Audit.SourceVerdict)

	// Mid-band confidence lands in the review queue, not the rule store.
	assert.Equal(t, policy.DecisionPendingReview, entry.Decision)
	require.Len(t, fx.orchestrator.PendingReviews(), 1)
	assert.Empty(t, fx.pusher.pushed)

	// Operator approval pushes the rule through.
	_, err := fx.orchestrator.Approve(context.Background(), rule.RuleID)
	require.NoError(t, err)
	assert.Len(t, fx.pusher.pushed, 1)
}

func TestProposeRuleRejectsWeakVerdict(t *testing.T) {
	fx := newPipelineFixture(t, false)
	_, _, err := fx.pipeline.ProposeRule(context.Background(),
		capture.Payload{Type: capture.TypeSQLInjection, Value: "' OR '1'='1", Confidence: 0.85},
		sandbox.Result{Verdict: sandbox.VerdictExploitImprobable},
		"sess_pipe", false)
	assert.Error(t, err)
	assert.Zero(t, fx.pipeline.RuleLog().Len())
}

func TestProposeRuleForcedApply(t *testing.T) {
	fx := newPipelineFixture(t, false)
	rule, decision, err := fx.pipeline.ProposeRule(context.Background(),
		capture.Payload{Type: capture.TypeSQLInjection, Value: "1 UNION SELECT", Confidence: 0.85},
		sandbox.Result{Verdict: sandbox.VerdictExploitPossible, Severity: 7.65, SimulationID: "sim_manual"},
		"", true)
	require.NoError(t, err)
	assert.Equal(t, policy.DecisionAutoApplied, decision.Decision)
	require.Len(t, fx.pusher.pushed, 1)
	assert.Equal(t, rule.RuleID, fx.pusher.pushed[0].RuleID)
	assert.Equal(t, 1, fx.pipeline.RuleLog().Len())
}

func TestCapturesFromHAR(t *testing.T) {
	assert.Nil(t, capturesFromHAR(nil))

	log := evidence.NewHARLog()
	log.Entries = append(log.Entries, evidence.HAREntry{
		StartedDateTime: "2026-03-01T10:00:00Z",
		Request: evidence.HARRequest{
			Method: "POST",
			URL:    "http://decoy/login",
			Headers: []evidence.HARHeader{
				{Name: "User-Agent", Value: "sqlmap/1.7"},
			},
			PostData: &evidence.HARPostData{Text: "username=admin' OR '1'='1"},
		},
		Response: evidence.HARResponse{Status: 403},
	})

	captures := capturesFromHAR(log)
	require.Len(t, captures, 1)
	c := captures[0]
	assert.Equal(t, "POST", c.Method)
	assert.Equal(t, 403, c.Status)
	assert.Equal(t, "sqlmap/1.7", c.Headers["User-Agent"])
	assert.Equal(t, "2026-03-01T10:00:00Z", c.Timestamp)
	require.NotEmpty(t, c.Payloads)
	assert.Equal(t, capture.TypeSQLInjection, c.Payloads[0].Type)
}
