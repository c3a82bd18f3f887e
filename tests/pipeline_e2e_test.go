// Package tests exercises the full defense pipeline end-to-end over the
// in-process backends: inspection, pinning and routing, evidence capture and
// retrieval, rule synthesis, and pin expiry.
package tests

import (
	"context"
	"encoding/json"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/cerberus-defense/cerberus/internal/anomaly"
	"github.com/cerberus-defense/cerberus/internal/bus"
	"github.com/cerberus-defense/cerberus/internal/capture"
	"github.com/cerberus-defense/cerberus/internal/evidence"
	"github.com/cerberus-defense/cerberus/internal/inspect"
	"github.com/cerberus-defense/cerberus/internal/objstore"
	"github.com/cerberus-defense/cerberus/internal/pin"
	"github.com/cerberus-defense/cerberus/internal/profiler"
	"github.com/cerberus-defense/cerberus/internal/router"
	"github.com/cerberus-defense/cerberus/internal/rulegen"
	"github.com/cerberus-defense/cerberus/internal/sandbox"
	"github.com/cerberus-defense/cerberus/internal/waf"
)

// newInspectionEngine builds an engine the way the gatekeeper wires it, with
// an operator-seeded SQL injection ruleset.
func newInspectionEngine(t *testing.T, b bus.Bus) *inspect.Engine {
	t.Helper()
	rules := waf.NewMemoryRuleStore()
	require.NoError(t, rules.Create(&waf.Rule{
		RuleID:   "sqli_or_equality",
		Priority: 60,
		Match: waf.Match{
			Kind:    waf.MatchRegex,
			Pattern: `'\s*OR\s*'[^']*'\s*=\s*'`,
			Flags:   map[string]bool{"caseless": true},
		},
		Action:     waf.ActionBlock,
		Confidence: 0.95,
		Severity:   9.0,
		Enabled:    true,
	}))

	return inspect.NewEngine(inspect.Options{
		Rules:     rules,
		Scorer:    anomaly.NewDetector(0.85),
		Publisher: b,
	})
}

func TestBenignRequestPassesThrough(t *testing.T) {
	b := bus.NewMemoryBus()
	defer b.Close()
	engine := newInspectionEngine(t, b)

	d := engine.Inspect(context.Background(), inspect.Request{
		Method:    "GET",
		URL:       "http://app/api/users",
		Headers:   map[string]string{"User-Agent": "Mozilla/5.0"},
		ClientIP:  "198.51.100.10",
		SessionID: "sess_benign",
	})

	assert.Equal(t, inspect.ActionAllow, d.Action)
	assert.Equal(t, []string{"normal"}, d.Tags)
	assert.Less(t, d.Scores.Combined, 75.0)
	assert.Empty(t, d.EventID)
}

func TestSQLInjectionQueryStringIsStopped(t *testing.T) {
	b := bus.NewMemoryBus()
	defer b.Close()
	engine := newInspectionEngine(t, b)

	d := engine.Inspect(context.Background(), inspect.Request{
		Method:      "GET",
		URL:         "http://app/api/users?id=1' OR '1'='1",
		Headers:     map[string]string{"User-Agent": "sqlmap/1.0"},
		QueryParams: map[string]string{"id": "1' OR '1'='1"},
		ClientIP:    "203.0.113.50",
		SessionID:   "sess_sqli",
	})

	assert.Contains(t, []string{inspect.ActionBlock, inspect.ActionTagPOI}, d.Action)
	assert.Greater(t, d.Scores.Combined, 50.0)
	if d.Action == inspect.ActionTagPOI {
		assert.NotEmpty(t, d.EventID)
	}
}

func TestPinThenRouteLandsOnDecoy(t *testing.T) {
	svc := router.NewService(router.Options{
		Store:      pin.NewMemoryStore(),
		DecoyURL:   "http://labyrinth:8002",
		DefaultTTL: 24 * time.Hour,
	})

	resp, err := svc.PinSession(context.Background(), router.PinRequest{
		SessionID:     "sess_02",
		ClientIP:      "203.0.113.50",
		DurationHours: 24,
		Reason:        "tagged by inspection",
	})
	require.NoError(t, err)
	assert.Regexp(t, `^[0-9a-f]{16}$`, resp.Fingerprint)
	assert.Equal(t, pin.Fingerprint("sess_02", "203.0.113.50"), resp.Fingerprint)

	decision := svc.Route(context.Background(), router.RouteRequest{
		SessionID: "sess_02",
		ClientIP:  "203.0.113.50",
	})
	assert.Equal(t, pin.TargetDecoy, decision.Target)
	assert.Equal(t, resp.Fingerprint, decision.AdditionalHeaders["X-Session-Fingerprint"])
}

func TestRuleSynthesisFromConfirmedDetonation(t *testing.T) {
	gen := rulegen.New(nil)

	rule := gen.Generate(
		capture.Payload{
			Type:       capture.TypeSQLInjection,
			Value:      "' OR '1'='1",
			Location:   "body.username",
			Confidence: 0.95,
		},
		sandbox.Result{
			Verdict:      sandbox.VerdictExploitPossible,
			Severity:     9.0,
			SimulationID: "sim_e2e",
		},
		&profiler.Profile{SophisticationScore: 7.5},
	)

	require.NotNil(t, rule)
	assert.Equal(t, `'\s*(OR|AND)\s*'[^']*'\s*=\s*'[^']*`, rule.Match.Pattern)
	assert.Equal(t, waf.ActionBlock, rule.Action)
	assert.GreaterOrEqual(t, rule.Confidence, 0.85)
	assert.Subset(t, rule.Match.Locations, []string{"args", "body", "json_values"})
	assert.GreaterOrEqual(t, rule.Priority, waf.MinPriority)
	assert.LessOrEqual(t, rule.Priority, 150)

	// An improbable verdict never yields a rule.
	assert.Nil(t, gen.Generate(
		capture.Payload{Type: capture.TypeSQLInjection, Value: "' OR '1'='1"},
		sandbox.Result{Verdict: sandbox.VerdictExploitImprobable},
		nil,
	))
}

func TestEvidencePointerRoundTripOverBus(t *testing.T) {
	ctx := context.Background()
	b := bus.NewMemoryBus()
	defer b.Close()
	store, err := objstore.NewFSStore(t.TempDir())
	require.NoError(t, err)

	var (
		mu   sync.Mutex
		got  *evidence.Retrieved
		rErr error
	)
	retriever, err := evidence.NewRetriever(store, t.TempDir())
	require.NoError(t, err)
	sub, err := b.Subscribe(ctx, evidence.TopicEvidenceReady, "e2e-consumer", bus.StartLatest,
		func(ctx context.Context, ev bus.Event) error {
			var pointer evidence.Pointer
			if err := json.Unmarshal(ev.Payload, &pointer); err != nil {
				return err
			}
			mu.Lock()
			defer mu.Unlock()
			got, rErr = retriever.Retrieve(ctx, pointer)
			return rErr
		})
	require.NoError(t, err)
	defer sub.Close()

	builder, err := evidence.NewBuilder(store, nil, "evt_e2e00000001", "sess_02", "203.0.113.50", "sqlmap/1.0")
	require.NoError(t, err)
	builder.AddExchange(evidence.Exchange{
		Method: "GET", URL: "http://decoy/api/users?id=1' OR '1'='1",
		ResponseStatus: 200, StartTime: time.Now(), DurationMs: 12,
	})
	builder.AddExchange(evidence.Exchange{
		Method: "POST", URL: "http://decoy/login", RequestBody: "username=admin'--",
		ResponseStatus: 403, StartTime: time.Now(), DurationMs: 8,
	})
	require.NoError(t, builder.AddPayload(capture.TypeSQLInjection, "1' OR '1'='1", "query.id", 0.85))

	pointer, err := builder.BuildAndUpload(ctx, "evidence", nil)
	require.NoError(t, err)
	require.NoError(t, bus.PublishJSON(ctx, b, evidence.TopicEvidenceReady, pointer.EventID, pointer))

	require.Eventually(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return got != nil || rErr != nil
	}, 5*time.Second, 10*time.Millisecond)

	mu.Lock()
	defer mu.Unlock()
	require.NoError(t, rErr)
	defer retriever.Cleanup(got.Workspace)
	assert.True(t, got.Valid)
	require.NotNil(t, got.HAR)
	assert.Len(t, got.HAR.Entries, 2)
	require.NotNil(t, got.Metadata)
	assert.Equal(t, 2, got.Metadata.SessionMetadata.RequestCount)
	require.Len(t, got.Payloads, 1)
}

func TestExpiredPinEvictsOnRead(t *testing.T) {
	svc := router.NewService(router.Options{Store: pin.NewMemoryStore()})

	_, err := svc.PinSession(context.Background(), router.PinRequest{
		SessionID:     "sess_short",
		ClientIP:      "203.0.113.50",
		DurationHours: 0.0001, // ~0.36s
	})
	require.NoError(t, err)

	time.Sleep(time.Second)

	decision := svc.Route(context.Background(), router.RouteRequest{
		SessionID: "sess_short",
		ClientIP:  "203.0.113.50",
	})
	assert.Equal(t, pin.TargetProduction, decision.Target)

	sessions, err := svc.Sessions(context.Background())
	require.NoError(t, err)
	assert.Empty(t, sessions)
}
