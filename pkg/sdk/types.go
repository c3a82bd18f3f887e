package sdk

import "time"

// Inspection actions returned by the gatekeeper.
const (
	ActionAllow  = "allow"
	ActionBlock  = "block"
	ActionTagPOI = "tag_poi"
)

// Routing targets returned by the switch.
const (
	TargetProduction = "production"
	TargetDecoy      = "decoy"
)

// InspectRequest is one HTTP request submitted for a verdict.
type InspectRequest struct {
	Method      string            `json:"method"`
	URL         string            `json:"url"`
	Headers     map[string]string `json:"headers,omitempty"`
	Body        string            `json:"body,omitempty"`
	QueryParams map[string]string `json:"query_params,omitempty"`
	ClientIP    string            `json:"client_ip"`
	SessionID   string            `json:"session_id"`
}

// Scores carries the signals behind a decision. Rule and Combined are
// 0-100, ML and Behavioral 0-1.
type Scores struct {
	Rule       float64 `json:"rule"`
	ML         float64 `json:"ml"`
	Behavioral float64 `json:"behavioral"`
	Combined   float64 `json:"combined"`
}

// Decision is the inspection verdict.
type Decision struct {
	Action    string   `json:"action"`
	SessionID string   `json:"session_id"`
	Scores    Scores   `json:"scores"`
	Tags      []string `json:"tags"`
	Reason    string   `json:"reason"`
	EventID   string   `json:"event_id,omitempty"`
}

// Match describes what a rule looks for.
type Match struct {
	Kind      string          `json:"type"`
	Pattern   string          `json:"pattern"`
	Locations []string        `json:"locations,omitempty"`
	Flags     map[string]bool `json:"flags,omitempty"`
}

// Rule is one entry in the gatekeeper's active rule set.
type Rule struct {
	RuleID      string     `json:"rule_id"`
	Name        string     `json:"name,omitempty"`
	Description string     `json:"description,omitempty"`
	Priority    int        `json:"priority"`
	Match       Match      `json:"match"`
	Action      string     `json:"action"`
	Confidence  float64    `json:"confidence"`
	Severity    float64    `json:"severity"`
	Enabled     bool       `json:"enabled"`
	ExpiresAt   *time.Time `json:"expires_at,omitempty"`
}

// PinRequest pins a session to the decoy environment.
type PinRequest struct {
	SessionID     string         `json:"session_id"`
	ClientIP      string         `json:"client_ip"`
	Reason        string         `json:"reason,omitempty"`
	DurationHours float64        `json:"duration_hours,omitempty"`
	Tags          []string       `json:"tags,omitempty"`
	Metadata      map[string]any `json:"metadata,omitempty"`
}

// PinResponse confirms a pin.
type PinResponse struct {
	SessionID   string    `json:"session_id"`
	Fingerprint string    `json:"fingerprint"`
	Target      string    `json:"target"`
	PinnedUntil time.Time `json:"pinned_until"`
	EventID     string    `json:"event_id"`
}

// RouteRequest asks the switch where a request should go.
type RouteRequest struct {
	SessionID string            `json:"session_id,omitempty"`
	ClientIP  string            `json:"client_ip"`
	UserAgent string            `json:"user_agent,omitempty"`
	Cookies   map[string]string `json:"cookies,omitempty"`
	JWTToken  string            `json:"jwt_token,omitempty"`
}

// RouteResponse is the switch's routing decision.
type RouteResponse struct {
	Target            string            `json:"target"`
	BackendURL        string            `json:"backend_url"`
	PreserveHost      bool              `json:"preserve_host"`
	AdditionalHeaders map[string]string `json:"additional_headers"`
}

// Profile is an attacker behavior profile built by the sentinel.
type Profile struct {
	ProfileID           string   `json:"profile_id"`
	SessionID           string   `json:"session_id"`
	AttackerIP          string   `json:"attacker_ip,omitempty"`
	ActionSequence      []string `json:"action_sequence"`
	AttackTypes         []string `json:"attack_types"`
	TTPs                []string `json:"ttps"`
	Intent              string   `json:"intent"`
	SophisticationScore float64  `json:"sophistication_score"`
	RequestCount        int      `json:"request_count"`
	Summary             string   `json:"summary"`
	CreatedAt           string   `json:"created_at"`
}

// Payload is one extracted attack payload.
type Payload struct {
	Type       string  `json:"type"`
	Value      string  `json:"value"`
	Location   string  `json:"location,omitempty"`
	Confidence float64 `json:"confidence,omitempty"`
}

// SimResult is the outcome of one sandbox detonation.
type SimResult struct {
	SimulationID    string   `json:"simulation_id,omitempty"`
	Verdict         string   `json:"verdict"`
	Severity        float64  `json:"severity"`
	ExecutionTimeMs int64    `json:"execution_time_ms"`
	AttackType      string   `json:"attack_type,omitempty"`
	ReproSteps      []string `json:"reproduction_steps,omitempty"`
	Timestamp       string   `json:"timestamp"`
	Error           string   `json:"error,omitempty"`
	DemoMode        bool     `json:"demo_mode,omitempty"`
}

// SimJob is the async state of a queued simulation.
type SimJob struct {
	JobID       string     `json:"job_id"`
	Status      string     `json:"status"`
	Error       string     `json:"error,omitempty"`
	SubmittedAt time.Time  `json:"submitted_at"`
	StartedAt   *time.Time `json:"started_at,omitempty"`
	FinishedAt  *time.Time `json:"finished_at,omitempty"`
	Result      *SimResult `json:"result,omitempty"`
}

// RuleDecision reports what the policy ladder did with a proposed rule.
type RuleDecision struct {
	Decision   string  `json:"decision"`
	Reason     string  `json:"reason"`
	RuleID     string  `json:"rule_id"`
	Confidence float64 `json:"confidence"`
}

// ProposeResponse pairs a synthesized rule with its policy outcome.
type ProposeResponse struct {
	Rule     *Rule        `json:"rule"`
	Decision RuleDecision `json:"decision"`
}
