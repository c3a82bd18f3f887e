package policy

import (
	"context"
	"time"

	"github.com/cerberus-defense/cerberus/internal/bus"
	"github.com/cerberus-defense/cerberus/internal/evidence"
	"github.com/cerberus-defense/cerberus/internal/monitoring"
)

// Alert is an operator-facing notification published on the alerts topic and
// fanned out to websocket subscribers.
type Alert struct {
	Type       string  `json:"type"`
	RuleID     string  `json:"rule_id,omitempty"`
	SessionID  string  `json:"session_id,omitempty"`
	AttackType string  `json:"attack_type,omitempty"`
	Severity   float64 `json:"severity,omitempty"`
	Confidence float64 `json:"confidence,omitempty"`
	Message    string  `json:"message"`
	Timestamp  string  `json:"timestamp"`
}

// PublishAlert pushes an alert onto the alerts topic. A nil bus is a no-op
// so callers can run without messaging wired.
func PublishAlert(ctx context.Context, b bus.Bus, m *monitoring.Metrics, alert Alert) error {
	if b == nil {
		return nil
	}
	if alert.Timestamp == "" {
		alert.Timestamp = time.Now().UTC().Format(time.RFC3339Nano)
	}
	key := alert.RuleID
	if key == "" {
		key = alert.SessionID
	}
	if err := bus.PublishJSON(ctx, b, evidence.TopicAlerts, key, alert); err != nil {
		return err
	}
	if m != nil {
		m.BusPublished.WithLabelValues(evidence.TopicAlerts).Inc()
	}
	return nil
}
