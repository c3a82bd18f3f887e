// Package rulegen synthesizes firewall rules from confirmed detonations.
// A rule is only ever produced for a payload whose sandbox replay proved
// exploitable; everything else stays an observation.
package rulegen

import (
	"fmt"
	"log/slog"
	"math"
	"regexp"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/cerberus-defense/cerberus/internal/capture"
	"github.com/cerberus-defense/cerberus/internal/monitoring"
	"github.com/cerberus-defense/cerberus/internal/profiler"
	"github.com/cerberus-defense/cerberus/internal/sandbox"
	"github.com/cerberus-defense/cerberus/internal/waf"
)

// Generator turns detonation results into candidate firewall rules.
type Generator struct {
	metrics *monitoring.Metrics
}

func New(metrics *monitoring.Metrics) *Generator {
	return &Generator{metrics: metrics}
}

// Generate synthesizes a rule for a payload whose detonation confirmed
// exploitability. Returns nil when the verdict does not warrant one. The
// profile is optional context that sharpens confidence when present.
func (g *Generator) Generate(p capture.Payload, sim sandbox.Result, prof *profiler.Profile) *waf.Rule {
	if sim.Verdict != sandbox.VerdictExploitPossible {
		slog.Debug("Rule synthesis skipped", "verdict", sim.Verdict)
		return nil
	}

	var (
		pattern string
		kind    = waf.MatchRegex
		flags   = map[string]bool{"caseless": true}
	)
	switch p.Type {
	case capture.TypeSQLInjection:
		pattern = sqlPattern(p.Value)
	case capture.TypeXSS:
		pattern = xssPattern(p.Value)
	case capture.TypeCommandInjection:
		pattern = commandPattern(p.Value)
	case capture.TypePathTraversal:
		pattern = traversalPattern(p.Value)
	default:
		// No family generalization known, match the literal payload.
		pattern = p.Value
		kind = waf.MatchString
		flags = nil
	}

	confidence := ruleConfidence(sim, prof, p)
	action := ruleAction(sim.Severity, confidence)

	simulationID := sim.SimulationID
	if simulationID == "" {
		simulationID = "unknown"
	}
	var ttps []string
	if prof != nil {
		ttps = prof.TTPs
	}

	rule := &waf.Rule{
		RuleID:   newRuleID(),
		Priority: rulePriority(sim.Severity, confidence),
		Match: waf.Match{
			Kind:      kind,
			Pattern:   pattern,
			Locations: ruleLocations(p.Type),
			Flags:     flags,
		},
		Action:     action,
		Confidence: confidence,
		Severity:   sim.Severity,
		Enabled:    true,
		Evidence: &waf.Evidence{
			SimulationID:   simulationID,
			SamplePayloads: []string{p.Value},
			AttackType:     p.Type,
		},
		Audit: &waf.Audit{
			CreatedAt:     time.Now().UTC(),
			CreatedBy:     "sentinel",
			SourceVerdict: sim.Verdict,
			AttackerTTPs:  ttps,
		},
	}

	if g.metrics != nil {
		g.metrics.RulesSynthesized.Inc()
	}
	slog.Info("Rule synthesized",
		"rule_id", rule.RuleID,
		"attack_type", p.Type,
		"action", action,
		"confidence", fmt.Sprintf("%.2f", confidence),
	)
	return rule
}

// Optimize widens a regex rule so near-duplicate payloads from the same
// session fall under one rule instead of several.
func (g *Generator) Optimize(rule *waf.Rule, similar []string) *waf.Rule {
	if len(similar) == 0 || rule.Match.Kind != waf.MatchRegex || rule.Evidence == nil {
		return rule
	}

	if len(similar) > 5 {
		similar = similar[:5]
	}
	var alternatives []string
	for _, value := range similar {
		if len(rule.Evidence.SamplePayloads) > 0 && value == rule.Evidence.SamplePayloads[0] {
			continue
		}
		alternatives = append(alternatives, regexp.QuoteMeta(value))
	}
	if len(alternatives) == 0 {
		return rule
	}

	rule.Match.Pattern = fmt.Sprintf("(%s|%s)", rule.Match.Pattern, strings.Join(alternatives, "|"))
	rule.Evidence.SamplePayloads = append(rule.Evidence.SamplePayloads, similar...)
	slog.Debug("Rule widened", "rule_id", rule.RuleID, "alternatives", len(alternatives))
	return rule
}

var eventHandlerRe = regexp.MustCompile(`on\w+\s*=`)

func sqlPattern(value string) string {
	upper := strings.ToUpper(value)
	switch {
	case strings.Contains(upper, "OR") && strings.Contains(value, "="):
		return `'\s*(OR|AND)\s*'[^']*'\s*=\s*'[^']*`
	case strings.Contains(upper, "UNION"):
		return `UNION\s+(ALL\s+)?SELECT`
	case strings.Contains(value, "--") || strings.Contains(value, "/*"):
		return `(--|#|/\*)`
	case strings.Contains(value, ";") && containsAny(upper, "DROP", "DELETE", "INSERT"):
		return `;\s*(DROP|DELETE|INSERT|UPDATE|CREATE)\s+`
	default:
		return `(UNION|SELECT|INSERT|UPDATE|DELETE|DROP|CREATE|ALTER|EXEC)\s+`
	}
}

func xssPattern(value string) string {
	lower := strings.ToLower(value)
	switch {
	case strings.Contains(lower, "<script"):
		return `<script[^>]*>`
	case strings.Contains(lower, "javascript:"):
		return `javascript:\s*`
	case eventHandlerRe.MatchString(lower):
		return `on\w+\s*=\s*['"]?[^'"]*['"]?`
	case strings.Contains(lower, "<iframe"):
		return `<iframe[^>]*>`
	default:
		return `(<script|javascript:|on\w+\s*=|<iframe)`
	}
}

func commandPattern(value string) string {
	switch {
	case containsAny(value, ";", "&&", "||", "|"):
		return `[;&|]{1,2}\s*(cat|ls|whoami|wget|curl|bash|sh|nc|id|pwd)\s+`
	case strings.Contains(value, "$(") || strings.Contains(value, "`"):
		return "(\\$\\(.*?\\)|`.*?`)"
	default:
		return `(cat|ls|whoami|wget|curl|bash|sh|nc|netcat|python|perl|ruby)\s+`
	}
}

func traversalPattern(value string) string {
	lower := strings.ToLower(value)
	switch {
	case strings.Contains(value, "../") || strings.Contains(value, `..\`):
		return `(\.\.\/|\.\.\\){2,}`
	case strings.Contains(lower, "%2e%2e") || strings.Contains(lower, "%252e"):
		return `(%2e%2e|%252e){2,}`
	default:
		return `(\.\.\/|\.\.\\|%2e%2e){2,}`
	}
}

// ruleConfidence grades a candidate rule: up to 0.4 from how badly the
// detonation scored, 0.3 from extractor confidence, 0.2 from attacker
// sophistication and 0.1 from pattern quality.
func ruleConfidence(sim sandbox.Result, prof *profiler.Profile, p capture.Payload) float64 {
	confidence := (sim.Severity / 10.0) * 0.4

	payloadConfidence := p.Confidence
	if payloadConfidence == 0 {
		payloadConfidence = 0.5
	}
	confidence += payloadConfidence * 0.3

	if prof != nil {
		confidence += (prof.SophisticationScore / 10.0) * 0.2
	} else {
		confidence += 0.1
	}

	// Fixed pattern quality term until synthesis learns to grade its output.
	confidence += 0.8 * 0.1

	return math.Min(1.0, confidence)
}

func ruleAction(severity, confidence float64) string {
	switch {
	case severity >= 9.0 && confidence >= 0.85:
		return waf.ActionBlock
	case severity >= 7.0 && confidence >= 0.75:
		return waf.ActionBlock
	case severity >= 5.0 && confidence >= 0.70:
		return waf.ActionChallenge
	default:
		return waf.ActionTag
	}
}

func rulePriority(severity, confidence float64) int {
	priority := int(severity*10) + int(confidence*30) + 50
	if priority < waf.MinPriority {
		return waf.MinPriority
	}
	if priority > 150 {
		return 150
	}
	return priority
}

func ruleLocations(payloadType string) []string {
	switch payloadType {
	case capture.TypeSQLInjection:
		return []string{"args", "body", "json_values"}
	case capture.TypeXSS:
		return []string{"args", "body", "headers", "json_values"}
	case capture.TypeCommandInjection:
		return []string{"args", "body"}
	case capture.TypePathTraversal:
		return []string{"args", "uri"}
	default:
		return []string{"args", "body"}
	}
}

func containsAny(s string, subs ...string) bool {
	for _, sub := range subs {
		if strings.Contains(s, sub) {
			return true
		}
	}
	return false
}

func newRuleID() string {
	return "rule_" + strings.ReplaceAll(uuid.New().String(), "-", "")[:8]
}
