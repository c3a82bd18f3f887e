// Package policy decides what happens to synthesized rules. High-confidence
// rules are pushed to the inspection engine immediately, mid-confidence
// rules wait in a review queue for an operator, and the rest are recorded
// without taking effect.
package policy

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/cerberus-defense/cerberus/internal/bus"
	"github.com/cerberus-defense/cerberus/internal/monitoring"
	"github.com/cerberus-defense/cerberus/internal/waf"
)

// Decisions the orchestrator can reach for a rule.
const (
	DecisionAutoApplied   = "auto_applied"
	DecisionPendingReview = "pending_review"
	DecisionLoggedOnly    = "logged_only"
)

// Confidence thresholds for the decision ladder.
const (
	AutoApplyThreshold = 0.90
	ReviewThreshold    = 0.70
)

var ErrNotQueued = errors.New("rule not queued for review")

// Decision is the orchestrator's verdict for one rule.
type Decision struct {
	Decision   string  `json:"decision"`
	Reason     string  `json:"reason"`
	RuleID     string  `json:"rule_id"`
	Confidence float64 `json:"confidence"`
}

// ReviewItem is a rule waiting for an operator.
type ReviewItem struct {
	Rule     *waf.Rule `json:"rule"`
	Reason   string    `json:"reason"`
	QueuedAt time.Time `json:"queued_at"`
}

// RulePusher delivers an approved rule to the inspection engine.
type RulePusher interface {
	PushRule(ctx context.Context, rule *waf.Rule) error
}

// Options configure an Orchestrator. Bus and Metrics are optional.
type Options struct {
	Pusher  RulePusher
	Bus     bus.Bus
	Metrics *monitoring.Metrics
}

// Orchestrator runs the enforcement policy. Safe for concurrent use.
type Orchestrator struct {
	opts Options

	mu      sync.Mutex
	pending map[string]*ReviewItem
}

func New(opts Options) *Orchestrator {
	return &Orchestrator{opts: opts, pending: make(map[string]*ReviewItem)}
}

// Decide grades a rule without acting on it.
func Decide(rule *waf.Rule, force bool) Decision {
	confidence := rule.Confidence
	d := Decision{RuleID: rule.RuleID, Confidence: confidence}

	switch {
	case force:
		d.Decision = DecisionAutoApplied
		d.Reason = "Forced by administrator"
	case confidence >= AutoApplyThreshold:
		d.Decision = DecisionAutoApplied
		d.Reason = fmt.Sprintf("High confidence (%.2f) >= threshold (%.2f)", confidence, AutoApplyThreshold)
	case confidence >= ReviewThreshold:
		d.Decision = DecisionPendingReview
		d.Reason = fmt.Sprintf("Medium confidence (%.2f) requires manual review", confidence)
	default:
		d.Decision = DecisionLoggedOnly
		d.Reason = fmt.Sprintf("Low confidence (%.2f), logged for analysis", confidence)
	}
	return d
}

// Apply runs the policy for one rule. An auto-applied rule is pushed to the
// inspection engine right away; when the push fails the decision downgrades
// to pending review so the rule is queued instead of silently lost.
func (o *Orchestrator) Apply(ctx context.Context, rule *waf.Rule, force bool) Decision {
	decision := Decide(rule, force)

	switch decision.Decision {
	case DecisionAutoApplied:
		if err := o.push(ctx, rule); err != nil {
			slog.Error("Rule push failed, queueing for review", "rule_id", rule.RuleID, "error", err)
			if o.opts.Metrics != nil {
				o.opts.Metrics.RulePushFailures.Inc()
			}
			decision.Decision = DecisionPendingReview
			decision.Reason = fmt.Sprintf("Rule push failed (%v), queued for review", err)
			o.queue(rule, decision.Reason)
			o.alert(ctx, "rule_pending_review", rule, decision.Reason)
			break
		}
		slog.Info("Rule auto-applied", "rule_id", rule.RuleID, "confidence", rule.Confidence)
		o.alert(ctx, "rule_auto_applied", rule, decision.Reason)

	case DecisionPendingReview:
		o.queue(rule, decision.Reason)
		slog.Info("Rule pending review", "rule_id", rule.RuleID, "confidence", rule.Confidence)
		o.alert(ctx, "rule_pending_review", rule, decision.Reason)

	default:
		slog.Info("Rule logged only", "rule_id", rule.RuleID, "confidence", rule.Confidence)
		o.alert(ctx, "rule_logged", rule, decision.Reason)
	}

	if o.opts.Metrics != nil {
		o.opts.Metrics.PolicyDecisions.WithLabelValues(decision.Decision).Inc()
	}
	return decision
}

// PendingReviews lists queued rules, oldest first.
func (o *Orchestrator) PendingReviews() []*ReviewItem {
	o.mu.Lock()
	defer o.mu.Unlock()
	items := make([]*ReviewItem, 0, len(o.pending))
	for _, item := range o.pending {
		items = append(items, item)
	}
	sort.Slice(items, func(i, j int) bool { return items[i].QueuedAt.Before(items[j].QueuedAt) })
	return items
}

// Approve pushes a queued rule to the inspection engine and drops it from
// the queue. The push must succeed for the approval to stick.
func (o *Orchestrator) Approve(ctx context.Context, ruleID string) (Decision, error) {
	o.mu.Lock()
	item, ok := o.pending[ruleID]
	o.mu.Unlock()
	if !ok {
		return Decision{}, ErrNotQueued
	}

	if err := o.push(ctx, item.Rule); err != nil {
		if o.opts.Metrics != nil {
			o.opts.Metrics.RulePushFailures.Inc()
		}
		return Decision{}, fmt.Errorf("push approved rule: %w", err)
	}

	o.mu.Lock()
	delete(o.pending, ruleID)
	o.mu.Unlock()

	decision := Decision{
		Decision:   DecisionAutoApplied,
		Reason:     "Approved by operator",
		RuleID:     ruleID,
		Confidence: item.Rule.Confidence,
	}
	if o.opts.Metrics != nil {
		o.opts.Metrics.PolicyDecisions.WithLabelValues(decision.Decision).Inc()
	}
	o.alert(ctx, "rule_approved", item.Rule, decision.Reason)
	slog.Info("Rule approved", "rule_id", ruleID)
	return decision, nil
}

// Reject drops a queued rule without applying it.
func (o *Orchestrator) Reject(ctx context.Context, ruleID, reason string) error {
	o.mu.Lock()
	item, ok := o.pending[ruleID]
	if ok {
		delete(o.pending, ruleID)
	}
	o.mu.Unlock()
	if !ok {
		return ErrNotQueued
	}

	if reason == "" {
		reason = "Rejected by operator"
	}
	o.alert(ctx, "rule_rejected", item.Rule, reason)
	slog.Info("Rule rejected", "rule_id", ruleID, "reason", reason)
	return nil
}

func (o *Orchestrator) push(ctx context.Context, rule *waf.Rule) error {
	if o.opts.Pusher == nil {
		return errors.New("no rule pusher configured")
	}
	return o.opts.Pusher.PushRule(ctx, rule)
}

func (o *Orchestrator) queue(rule *waf.Rule, reason string) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.pending[rule.RuleID] = &ReviewItem{Rule: rule, Reason: reason, QueuedAt: time.Now().UTC()}
}

func (o *Orchestrator) alert(ctx context.Context, alertType string, rule *waf.Rule, message string) {
	var attackType string
	if rule.Evidence != nil {
		attackType = rule.Evidence.AttackType
	}
	err := PublishAlert(ctx, o.opts.Bus, o.opts.Metrics, Alert{
		Type:       alertType,
		RuleID:     rule.RuleID,
		AttackType: attackType,
		Severity:   rule.Severity,
		Confidence: rule.Confidence,
		Message:    message,
	})
	if err != nil {
		slog.Warn("Alert publish failed", "type", alertType, "error", err)
	}
}
