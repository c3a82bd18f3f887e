// Package sentinel is the analysis pipeline: it consumes evidence pointers,
// verifies and profiles captured sessions, detonates their payloads in
// sandboxes, synthesizes firewall rules from confirmed exploits and runs
// them through the enforcement policy.
package sentinel

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/cerberus-defense/cerberus/internal/bus"
	"github.com/cerberus-defense/cerberus/internal/capture"
	"github.com/cerberus-defense/cerberus/internal/evidence"
	"github.com/cerberus-defense/cerberus/internal/monitoring"
	"github.com/cerberus-defense/cerberus/internal/policy"
	"github.com/cerberus-defense/cerberus/internal/profiler"
	"github.com/cerberus-defense/cerberus/internal/rulegen"
	"github.com/cerberus-defense/cerberus/internal/sandbox"
	"github.com/cerberus-defense/cerberus/internal/waf"
)

// ConsumerGroup is the bus consumer group the pipeline joins.
const ConsumerGroup = "sentinel-evidence-consumer"

const seenEventsCap = 4096

// PipelineOptions wire a Pipeline. Retriever, Profiler, Simulator,
// Generator and Orchestrator are mandatory.
type PipelineOptions struct {
	Retriever    *evidence.Retriever
	Profiler     *profiler.Profiler
	Simulator    *sandbox.Simulator
	Generator    *rulegen.Generator
	Orchestrator *policy.Orchestrator
	Profiles     ProfileStore
	RuleLog      *RuleLog
	Metrics      *monitoring.Metrics

	// AutoDetonate runs sandbox detonations for every pointer payload.
	// When false the pipeline stops after profiling.
	AutoDetonate bool
}

// Pipeline drives the evidence processing loop for one consumer-group
// member. Message handling is synchronous: the bus offset only advances
// after HandlePointer returns.
type Pipeline struct {
	opts PipelineOptions

	mu    sync.Mutex
	seen  map[string]struct{}
	order []string

	processed int64
	lastEvent string
}

func NewPipeline(opts PipelineOptions) *Pipeline {
	if opts.Profiles == nil {
		opts.Profiles = NewMemoryProfileStore()
	}
	if opts.RuleLog == nil {
		opts.RuleLog = NewRuleLog(0)
	}
	return &Pipeline{
		opts: opts,
		seen: make(map[string]struct{}),
	}
}

func (p *Pipeline) Profiles() ProfileStore { return p.opts.Profiles }
func (p *Pipeline) RuleLog() *RuleLog      { return p.opts.RuleLog }

// Start subscribes the pipeline to the evidence topic. New deployments read
// from the latest offset: historic evidence is analysis the operator asks
// for, not a boot-time backlog.
func (p *Pipeline) Start(ctx context.Context, b bus.Bus) (bus.Subscription, error) {
	sub, err := b.Subscribe(ctx, evidence.TopicEvidenceReady, ConsumerGroup, bus.StartLatest, p.handleEvent)
	if err != nil {
		return nil, fmt.Errorf("subscribe %s: %w", evidence.TopicEvidenceReady, err)
	}
	slog.Info("Evidence consumer started",
		"topic", evidence.TopicEvidenceReady, "group", ConsumerGroup)
	return sub, nil
}

func (p *Pipeline) handleEvent(ctx context.Context, ev bus.Event) error {
	var pointer evidence.Pointer
	if err := json.Unmarshal(ev.Payload, &pointer); err != nil {
		// A poison message would redeliver forever; log and move on.
		slog.Error("Malformed evidence pointer dropped", "key", ev.Key, "error", err)
		return nil
	}
	if err := p.HandlePointer(ctx, pointer); err != nil {
		slog.Error("Evidence processing failed, pointer will be redelivered",
			"event_id", pointer.EventID, "error", err)
		return err
	}
	return nil
}

// HandlePointer runs the full analysis chain for one evidence pointer:
// retrieve and verify, profile, detonate, synthesize, orchestrate.
// Redelivered pointers for an already-processed event are skipped.
func (p *Pipeline) HandlePointer(ctx context.Context, pointer evidence.Pointer) error {
	if pointer.EventID == "" {
		slog.Warn("Pointer without event id dropped")
		return nil
	}
	if !p.markSeen(pointer.EventID) {
		slog.Info("Duplicate pointer skipped", "event_id", pointer.EventID)
		return nil
	}

	if p.opts.Metrics != nil {
		p.opts.Metrics.PointersConsumed.Inc()
		p.opts.Metrics.BusConsumed.WithLabelValues(evidence.TopicEvidenceReady).Inc()
	}
	slog.Info("Evidence pointer received", "event_id", pointer.EventID,
		"session_id", pointer.SessionID, "payloads", pointer.PayloadCount)

	retrieved, err := p.opts.Retriever.Retrieve(ctx, pointer)
	if err != nil {
		p.forget(pointer.EventID)
		return fmt.Errorf("retrieve evidence %s: %w", pointer.EventID, err)
	}
	defer p.opts.Retriever.Cleanup(retrieved.Workspace)

	if !retrieved.Valid {
		slog.Warn("Continuing with checksum-invalid evidence", "event_id", pointer.EventID)
	}

	captures := capturesFromHAR(retrieved.HAR)
	prof := p.opts.Profiler.ProfileSession(pointer.SessionID, captures)
	prof.AttackerIP = pointer.AttackerIP
	if err := p.opts.Profiles.Save(ctx, prof); err != nil {
		slog.Warn("Profile save failed", "session_id", pointer.SessionID, "error", err)
	}
	slog.Info("Session profiled", "session_id", prof.SessionID,
		"intent", prof.Intent, "sophistication", prof.SophisticationScore,
		"ttps", len(prof.TTPs))

	if !p.opts.AutoDetonate {
		p.finish(pointer.EventID)
		return nil
	}

	// Detonations within one pointer run serially; parallelism comes from
	// concurrent pointers, bounded by the simulator's semaphore.
	for _, artifact := range retrieved.Payloads {
		payload := capture.Payload{
			Type:       artifact.PayloadType,
			Value:      artifact.PayloadValue,
			Location:   artifact.Location,
			Confidence: artifact.Confidence,
		}

		res := p.opts.Simulator.Detonate(ctx, payload, sandbox.DefaultShadowAppRef)
		res.SimulationID = "auto_" + pointer.EventID + "_" + artifact.ArtifactID

		rule := p.opts.Generator.Generate(payload, res, prof)
		if rule == nil {
			continue
		}

		decision := p.opts.Orchestrator.Apply(ctx, rule, false)
		p.opts.RuleLog.Add(ProposedRule{
			Rule:      rule,
			Decision:  decision.Decision,
			Reason:    decision.Reason,
			EventID:   pointer.EventID,
			SessionID: pointer.SessionID,
		})
	}

	p.finish(pointer.EventID)
	return nil
}

// ProposeRule runs detonation-backed synthesis for one payload outside the
// consumer loop (the rule-propose API). The caller supplies the verdict.
func (p *Pipeline) ProposeRule(ctx context.Context, payload capture.Payload, res sandbox.Result, sessionID string, force bool) (*waf.Rule, policy.Decision, error) {
	var prof *profiler.Profile
	if sessionID != "" {
		prof, _ = p.opts.Profiles.GetBySession(ctx, sessionID)
	}

	rule := p.opts.Generator.Generate(payload, res, prof)
	if rule == nil {
		return nil, policy.Decision{}, fmt.Errorf("verdict %q does not warrant a rule", res.Verdict)
	}

	decision := p.opts.Orchestrator.Apply(ctx, rule, force)
	p.opts.RuleLog.Add(ProposedRule{
		Rule:      rule,
		Decision:  decision.Decision,
		Reason:    decision.Reason,
		SessionID: sessionID,
	})
	return rule, decision, nil
}

// Stats summarizes pipeline progress for the stats endpoint.
func (p *Pipeline) Stats() map[string]any {
	p.mu.Lock()
	defer p.mu.Unlock()
	return map[string]any{
		"pointers_processed": p.processed,
		"last_event_id":      p.lastEvent,
		"profiles":           p.opts.Profiles.Count(context.Background()),
		"rules_synthesized":  p.opts.RuleLog.Len(),
		"auto_detonate":      p.opts.AutoDetonate,
	}
}

// markSeen records the event id, returning false when it was already
// processed. The set is bounded; oldest ids are evicted first.
func (p *Pipeline) markSeen(eventID string) bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	if _, ok := p.seen[eventID]; ok {
		return false
	}
	p.seen[eventID] = struct{}{}
	p.order = append(p.order, eventID)
	if len(p.order) > seenEventsCap {
		delete(p.seen, p.order[0])
		p.order = p.order[1:]
	}
	return true
}

// forget drops an event id so a failed retrieval can be retried on
// redelivery.
func (p *Pipeline) forget(eventID string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	delete(p.seen, eventID)
	for i, id := range p.order {
		if id == eventID {
			p.order = append(p.order[:i], p.order[i+1:]...)
			break
		}
	}
}

func (p *Pipeline) finish(eventID string) {
	p.mu.Lock()
	p.processed++
	p.lastEvent = eventID
	p.mu.Unlock()
}

// capturesFromHAR converts HAR entries into profiler captures, re-running
// payload extraction per entry so classification sees the same payloads the
// decoy saw.
func capturesFromHAR(log *evidence.HARLog) []profiler.Capture {
	if log == nil {
		return nil
	}
	captures := make([]profiler.Capture, 0, len(log.Entries))
	for _, entry := range log.Entries {
		headers := make(map[string]string, len(entry.Request.Headers))
		for _, h := range entry.Request.Headers {
			headers[h.Name] = h.Value
		}
		var body string
		if entry.Request.PostData != nil {
			body = entry.Request.PostData.Text
		}

		c := profiler.Capture{
			Method:    entry.Request.Method,
			URL:       entry.Request.URL,
			Timestamp: normalizeTimestamp(entry.StartedDateTime),
			Status:    entry.Response.Status,
			Headers:   headers,
			Body:      body,
		}
		c.Payloads = capture.ExtractPayloads(waf.CombinedText(c.URL, c.Body, headers))
		captures = append(captures, c)
	}
	return captures
}

func normalizeTimestamp(s string) string {
	if _, err := time.Parse(time.RFC3339Nano, s); err == nil {
		return s
	}
	return ""
}
