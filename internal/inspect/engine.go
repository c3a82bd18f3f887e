package inspect

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/cerberus-defense/cerberus/internal/anomaly"
	"github.com/cerberus-defense/cerberus/internal/bus"
	"github.com/cerberus-defense/cerberus/internal/evidence"
	"github.com/cerberus-defense/cerberus/internal/features"
	"github.com/cerberus-defense/cerberus/internal/monitoring"
	"github.com/cerberus-defense/cerberus/internal/waf"
)

// Scorer produces (anomaly score, is_anomaly) for one feature vector.
type Scorer interface {
	Score(features map[string]float64) (float64, bool)
}

// Pinner asks the session router to pin a tagged session.
type Pinner interface {
	Pin(ctx context.Context, sessionID, clientIP, reason string, tags []string) error
}

// Publisher is the slice of the bus the engine needs.
type Publisher interface {
	Publish(ctx context.Context, ev bus.Event) error
}

// Options wires an Engine. Rules is mandatory; everything else degrades
// gracefully when absent (scoring to zero, side effects to no-ops).
type Options struct {
	Rules     waf.RuleStore
	Scorer    Scorer
	Windows   *WindowStore
	Pinner    Pinner
	Publisher Publisher
	Metrics   *monitoring.Metrics

	BlockThreshold      float64 // rule score that blocks outright
	CombinedThreshold   float64 // combined score that tags a POI
	AnomalyThreshold    float64 // ML score backing the ml_high_confidence path
	BehavioralHighWater float64 // behavioral score worth its own tag
}

// Engine runs the five inspection stages in strict order: rule match,
// feature extraction, anomaly score, behavioral score, combine-and-decide.
type Engine struct {
	opts Options
}

func NewEngine(opts Options) *Engine {
	if opts.Windows == nil {
		opts.Windows = NewWindowStore(DefaultWindowCap)
	}
	if opts.BlockThreshold <= 0 {
		opts.BlockThreshold = 90
	}
	if opts.CombinedThreshold <= 0 {
		opts.CombinedThreshold = 75
	}
	if opts.AnomalyThreshold <= 0 {
		opts.AnomalyThreshold = anomaly.DefaultPOIThreshold
	}
	if opts.BehavioralHighWater <= 0 {
		opts.BehavioralHighWater = 0.7
	}
	return &Engine{opts: opts}
}

// Windows exposes the session window store for stats endpoints.
func (e *Engine) Windows() *WindowStore {
	return e.opts.Windows
}

// Inspect scores one request and decides allow, block, or tag_poi. It
// never returns an error: scoring failures degrade to zero scores and the
// rule signal still decides.
func (e *Engine) Inspect(ctx context.Context, req Request) Decision {
	start := time.Now()

	combined := waf.CombinedText(req.URL, req.Body, req.Headers)
	match := waf.Evaluate(e.opts.Rules.Snapshot(), combined)

	// A block-action rule ends the inspection before any ML runs.
	if match.BlockedBy != "" {
		d := Decision{
			Action:    ActionBlock,
			SessionID: req.SessionID,
			Scores:    Scores{Rule: match.Score, Combined: match.Score},
			Tags:      []string{"blocked", "rule_match"},
			Reason:    fmt.Sprintf("Blocked by rule: %s", match.BlockedBy),
		}
		e.observe(d, start)
		return d
	}

	fv := features.Extract(features.RequestInput{
		Method:      req.Method,
		URL:         req.URL,
		Headers:     req.Headers,
		Body:        req.Body,
		QueryParams: req.QueryParams,
		Metadata:    req.Metadata,
	})

	var ml float64
	var isAnomaly bool
	if e.opts.Scorer != nil {
		ml, isAnomaly = e.opts.Scorer.Score(fv)
	}

	// Behavioral looks at the history before this request joins it.
	behavioral := anomaly.BehavioralScore(e.opts.Windows.MLScores(req.SessionID))

	scores := Scores{
		Rule:       match.Score,
		ML:         ml,
		Behavioral: behavioral,
		Combined:   combineScores(match.Score, ml, behavioral),
	}

	action, tags, reason := e.decide(scores, isAnomaly)

	d := Decision{
		Action:    action,
		SessionID: req.SessionID,
		Scores:    scores,
		Tags:      tags,
		Reason:    reason,
	}
	if action == ActionTagPOI {
		d.EventID = e.emitPOI(ctx, req, scores, tags)
		e.requestPin(req, reason, tags)
	}

	e.opts.Windows.Append(req.SessionID, WindowEntry{
		Timestamp: time.Now().UTC(),
		MLScore:   ml,
		Features:  fv,
	})

	e.observe(d, start)
	return d
}

// combineScores folds the three signals onto one 0-100 scale.
func combineScores(rule, ml, behavioral float64) float64 {
	c := rule*0.4 + ml*100*0.4 + behavioral*100*0.2
	if c < 0 {
		return 0
	}
	if c > 100 {
		return 100
	}
	return c
}

func (e *Engine) decide(s Scores, isAnomaly bool) (action string, tags []string, reason string) {
	if s.Rule >= e.opts.BlockThreshold {
		return ActionBlock, []string{"signature_match", "high_threat"}, "High rule-match score"
	}

	if s.Combined >= e.opts.CombinedThreshold {
		tags = []string{"poi", "high_combined_score"}
		if isAnomaly {
			tags = append(tags, "ml_anomaly")
		}
		if s.Behavioral > e.opts.BehavioralHighWater {
			tags = append(tags, "behavioral_anomaly")
		}
		return ActionTagPOI, tags, fmt.Sprintf("Combined score %.1f exceeds threshold", s.Combined)
	}

	if isAnomaly && s.ML >= e.opts.AnomalyThreshold {
		return ActionTagPOI, []string{"poi", "ml_high_confidence"}, "ML anomaly detection triggered"
	}

	return ActionAllow, []string{"normal"}, "No threats detected"
}

// emitPOI publishes the tagged session on the alerts topic. Publishing is
// best-effort; the decision stands even when the bus is down.
func (e *Engine) emitPOI(ctx context.Context, req Request, scores Scores, tags []string) string {
	eventID := evidence.NewEventID()
	if e.opts.Publisher == nil {
		return eventID
	}

	event := POIEvent{
		EventID:   eventID,
		EventType: "poi_tagged",
		Source:    "gatekeeper",
		Timestamp: time.Now().UTC(),
		SessionID: req.SessionID,
		ClientIP:  req.ClientIP,
		Request: RequestSnapshot{
			Method:      req.Method,
			URL:         req.URL,
			Headers:     req.Headers,
			Body:        req.Body,
			QueryParams: req.QueryParams,
		},
		Scores: scores,
		Tags:   tags,
		GeoIP:  &GeoIP{Country: "XX"},
	}

	payload, err := json.Marshal(event)
	if err != nil {
		slog.Error("POI event marshal failed", "event_id", eventID, "error", err)
		return eventID
	}
	if err := e.opts.Publisher.Publish(ctx, bus.Event{
		Topic:     evidence.TopicAlerts,
		Key:       req.SessionID,
		Payload:   payload,
		Timestamp: event.Timestamp,
	}); err != nil {
		slog.Warn("POI event publish failed", "event_id", eventID, "error", err)
	}
	if e.opts.Metrics != nil {
		e.opts.Metrics.POIEventsTotal.Inc()
	}
	return eventID
}

// requestPin asks the router to pin the session so its next requests land
// on the decoy. Fire-and-forget: the decision does not wait on the router.
func (e *Engine) requestPin(req Request, reason string, tags []string) {
	if e.opts.Pinner == nil {
		return
	}
	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		if err := e.opts.Pinner.Pin(ctx, req.SessionID, req.ClientIP, reason, tags); err != nil {
			slog.Warn("Pin request failed", "session_id", req.SessionID, "error", err)
		}
	}()
}

func (e *Engine) observe(d Decision, start time.Time) {
	if e.opts.Metrics == nil {
		return
	}
	e.opts.Metrics.InspectionsTotal.WithLabelValues(d.Action).Inc()
	e.opts.Metrics.InspectionDuration.Observe(time.Since(start).Seconds())
}
