// Package profiler reads an attacker session and produces a behavioral
// profile: classified actions, MITRE ATT&CK techniques, inferred intent and
// a sophistication score.
package profiler

import (
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/cerberus-defense/cerberus/internal/capture"
)

// Capture is one request of the session under analysis. Payloads may come
// from the capture agent or be re-extracted from HAR data.
type Capture struct {
	Method    string            `json:"method"`
	URL       string            `json:"url"`
	Path      string            `json:"path"`
	Timestamp string            `json:"timestamp"`
	Status    int               `json:"status"`
	Headers   map[string]string `json:"headers,omitempty"`
	Body      string            `json:"body,omitempty"`
	Payloads  []capture.Payload `json:"payloads,omitempty"`
}

// Profile is the behavioral read on one attacker session.
type Profile struct {
	ProfileID           string   `json:"profile_id"`
	SessionID           string   `json:"session_id"`
	AttackerIP          string   `json:"attacker_ip,omitempty"`
	ActionSequence      []string `json:"action_sequence"`
	ActionCount         int      `json:"action_count"`
	AttackTypes         []string `json:"attack_types"`
	TTPs                []string `json:"ttps"`
	Intent              string   `json:"intent"`
	SophisticationScore float64  `json:"sophistication_score"`
	ClusterID           int      `json:"cluster_id"`
	DurationSeconds     float64  `json:"duration_seconds"`
	UniqueEndpoints     int      `json:"unique_endpoints"`
	RequestCount        int      `json:"request_count"`
	FirstSeen           string   `json:"first_seen,omitempty"`
	LastSeen            string   `json:"last_seen,omitempty"`
	Summary             string   `json:"summary"`
	CreatedAt           string   `json:"created_at"`
}

// ttpMappings maps observed payload kinds to MITRE ATT&CK technique IDs.
var ttpMappings = map[string][]string{
	"sql_injection":        {"T1190"},
	"xss":                  {"T1190", "T1059.007"},
	"command_injection":    {"T1059"},
	"path_traversal":       {"T1083"},
	"credential_access":    {"T1110", "T1078"},
	"enumeration":          {"T1087", "T1083"},
	"data_exfiltration":    {"T1567", "T1041"},
	"privilege_escalation": {"T1068", "T1078"},
	"persistence":          {"T1505", "T1543"},
}

type Profiler struct{}

func New() *Profiler {
	return &Profiler{}
}

// ProfileSession builds the full profile for a session's captures.
func (p *Profiler) ProfileSession(sessionID string, captures []Capture) *Profile {
	now := time.Now().UTC().Format(time.RFC3339)
	if len(captures) == 0 {
		return &Profile{
			ProfileID: newProfileID(),
			SessionID: orUnknown(sessionID),
			Intent:    "unknown",
			ClusterID: -1,
			Summary:   "No data available",
			CreatedAt: now,
		}
	}

	actions := make([]string, 0, len(captures))
	for _, c := range captures {
		actions = append(actions, classifyAction(c))
	}

	ttps := extractTTPs(captures)
	intent := classifyIntent(actions)
	sophistication := scoreSophistication(captures, actions)
	first, last, duration := sessionSpan(captures)

	endpoints := make(map[string]struct{}, len(captures))
	for _, c := range captures {
		endpoints[capturePath(c)] = struct{}{}
	}

	return &Profile{
		ProfileID:           newProfileID(),
		SessionID:           orUnknown(sessionID),
		ActionSequence:      actions,
		ActionCount:         len(actions),
		AttackTypes:         attackTypes(captures),
		TTPs:                ttps,
		Intent:              intent,
		SophisticationScore: sophistication,
		ClusterID:           -1,
		DurationSeconds:     duration,
		UniqueEndpoints:     len(endpoints),
		RequestCount:        len(captures),
		FirstSeen:           first,
		LastSeen:            last,
		Summary:             summarize(actions, ttps, intent),
		CreatedAt:           now,
	}
}

// classifyAction types a single request: payload kinds first, then telling
// paths, then the method as a fallback.
func classifyAction(c Capture) string {
	for _, want := range []struct{ kind, action string }{
		{"sql_injection", "sql_injection_attempt"},
		{"xss", "xss_attempt"},
		{"command_injection", "command_injection_attempt"},
		{"path_traversal", "path_traversal_attempt"},
	} {
		for _, p := range c.Payloads {
			if p.Type == want.kind {
				return want.action
			}
		}
	}

	path := capturePath(c)
	switch {
	case strings.Contains(path, "/users"):
		return "user_enumeration"
	case strings.Contains(path, "/admin"):
		return "admin_access_attempt"
	case strings.Contains(path, "/config") || strings.Contains(path, "/.env"):
		return "config_disclosure_attempt"
	case strings.Contains(path, "/login"):
		return "authentication_attempt"
	case strings.Contains(path, "/upload") && c.Method == "POST":
		return "file_upload_attempt"
	case strings.Contains(path, "/documents") && strings.Contains(path, "download"):
		return "data_access_attempt"
	}

	switch c.Method {
	case "GET":
		return "reconnaissance"
	case "POST":
		return "exploitation_attempt"
	case "PUT", "PATCH":
		return "modification_attempt"
	case "DELETE":
		return "deletion_attempt"
	}
	return "unknown_action"
}

func extractTTPs(captures []Capture) []string {
	ttps := make(map[string]struct{})
	for _, c := range captures {
		for _, p := range c.Payloads {
			for _, t := range ttpMappings[p.Type] {
				ttps[t] = struct{}{}
			}
		}

		path := capturePath(c)
		if strings.Contains(path, "/admin") || strings.Contains(path, "/config") {
			ttps["T1083"] = struct{}{}
		}
		if strings.Contains(path, "/login") {
			ttps["T1110"] = struct{}{}
		}
		if strings.Contains(path, "/upload") {
			ttps["T1105"] = struct{}{}
		}
	}

	out := make([]string, 0, len(ttps))
	for t := range ttps {
		out = append(out, t)
	}
	sort.Strings(out)
	return out
}

func classifyIntent(actions []string) string {
	counts := make(map[string]int, len(actions))
	for _, a := range actions {
		counts[a]++
	}
	total := float64(len(actions))

	if float64(counts["data_access_attempt"])/total > 0.3 {
		return "data_exfiltration"
	}

	exploit := counts["sql_injection_attempt"] + counts["xss_attempt"] + counts["command_injection_attempt"]
	if float64(exploit)/total > 0.4 {
		return "exploitation"
	}

	recon := counts["reconnaissance"] + counts["user_enumeration"] + counts["config_disclosure_attempt"]
	if float64(recon)/total > 0.5 {
		return "reconnaissance"
	}

	if counts["admin_access_attempt"] > 0 {
		return "privilege_escalation"
	}
	return "unknown_intent"
}

// scoreSophistication rates the attacker 0-10: attack variety, evidence of
// encoding evasion, tooling, and how targeted the session was.
func scoreSophistication(captures []Capture, actions []string) float64 {
	score := 0.0

	attempts := make(map[string]struct{})
	for _, a := range actions {
		if strings.Contains(a, "attempt") {
			attempts[a] = struct{}{}
		}
	}
	score += minF(3.0, float64(len(attempts))*0.5)

	for _, c := range captures {
		combined := c.URL + " " + c.Body
		if strings.Contains(strings.ToLower(combined), "base64") || strings.Contains(combined, "%25") {
			score += 2.0
			break
		}
	}

	// Off-the-shelf scanners score lower than manual tooling.
	automated := false
	for _, c := range captures {
		ua := strings.ToLower(c.Headers["User-Agent"])
		if strings.Contains(ua, "sqlmap") || strings.Contains(ua, "nikto") {
			automated = true
			break
		}
	}
	if automated {
		score += 1.0
	} else {
		score += 2.0
	}

	switch {
	case len(captures) < 10:
		score += 3.0
	case len(captures) > 50:
		score += 1.0
	default:
		score += 2.0
	}

	return minF(10.0, score)
}

func sessionSpan(captures []Capture) (first, last string, seconds float64) {
	var times []time.Time
	for _, c := range captures {
		if c.Timestamp == "" {
			continue
		}
		if t, err := time.Parse(time.RFC3339Nano, c.Timestamp); err == nil {
			times = append(times, t)
		} else if t, err := time.Parse(time.RFC3339, c.Timestamp); err == nil {
			times = append(times, t)
		}
	}
	if len(times) < 2 {
		if len(times) == 1 {
			s := times[0].Format(time.RFC3339)
			return s, s, 0
		}
		return "", "", 0
	}

	earliest, latest := times[0], times[0]
	for _, t := range times[1:] {
		if t.Before(earliest) {
			earliest = t
		}
		if t.After(latest) {
			latest = t
		}
	}
	return earliest.Format(time.RFC3339), latest.Format(time.RFC3339), latest.Sub(earliest).Seconds()
}

func attackTypes(captures []Capture) []string {
	seen := make(map[string]struct{})
	var out []string
	for _, c := range captures {
		for _, p := range c.Payloads {
			if _, ok := seen[p.Type]; !ok {
				seen[p.Type] = struct{}{}
				out = append(out, p.Type)
			}
		}
	}
	return out
}

func summarize(actions, ttps []string, intent string) string {
	head := actions
	if len(head) > 5 {
		head = head[:5]
	}
	seen := make(map[string]struct{}, len(head))
	var unique []string
	for _, a := range head {
		if _, ok := seen[a]; !ok {
			seen[a] = struct{}{}
			unique = append(unique, a)
		}
	}

	ttpSummary := "None"
	if len(ttps) > 0 {
		if len(ttps) > 3 {
			ttps = ttps[:3]
		}
		ttpSummary = strings.Join(ttps, ", ")
	}

	return "Intent: " + titleCase(strings.ReplaceAll(intent, "_", " ")) + ". " +
		"Actions: " + strings.Join(unique, ", ") + ". " +
		"TTPs: " + ttpSummary + ". " +
		"Total requests: " + strconv.Itoa(len(actions)) + "."
}

func capturePath(c Capture) string {
	if c.Path != "" {
		return c.Path
	}
	// Fall back to the URL with scheme/host/query stripped.
	u := c.URL
	if i := strings.Index(u, "://"); i >= 0 {
		u = u[i+3:]
		if j := strings.Index(u, "/"); j >= 0 {
			u = u[j:]
		} else {
			u = "/"
		}
	}
	if i := strings.Index(u, "?"); i >= 0 {
		u = u[:i]
	}
	return u
}

func newProfileID() string {
	return "prof_" + strings.ReplaceAll(uuid.New().String(), "-", "")[:8]
}

func orUnknown(s string) string {
	if s == "" {
		return "unknown"
	}
	return s
}

func titleCase(s string) string {
	words := strings.Fields(s)
	for i, w := range words {
		words[i] = strings.ToUpper(w[:1]) + w[1:]
	}
	return strings.Join(words, " ")
}

func minF(a, b float64) float64 {
	if a < b {
		return a
	}
	return b
}
