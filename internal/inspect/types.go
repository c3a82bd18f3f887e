// Package inspect implements the decision core of the gatekeeper: rule
// matching, feature extraction, anomaly and behavioral scoring, and the
// allow/block/tag_poi ladder, plus the POI side effects (pin request and
// alert event).
package inspect

import "time"

// Actions an inspection can resolve to.
const (
	ActionAllow  = "allow"
	ActionBlock  = "block"
	ActionTagPOI = "tag_poi"
)

// Request is one HTTP request under inspection. It is immutable for the
// lifetime of the inspection.
type Request struct {
	Method      string            `json:"method"`
	URL         string            `json:"url"`
	Headers     map[string]string `json:"headers"`
	Body        string            `json:"body"`
	QueryParams map[string]string `json:"query_params"`
	ClientIP    string            `json:"client_ip"`
	SessionID   string            `json:"session_id"`
	Metadata    map[string]any    `json:"metadata,omitempty"`
}

// Scores carries every signal behind a decision. Rule and Combined live on
// a 0-100 scale, ML and Behavioral on 0-1.
type Scores struct {
	Rule       float64 `json:"rule"`
	ML         float64 `json:"ml"`
	Behavioral float64 `json:"behavioral"`
	Combined   float64 `json:"combined"`
}

// Decision is the inspection verdict returned to the caller.
type Decision struct {
	Action    string   `json:"action"`
	SessionID string   `json:"session_id"`
	Scores    Scores   `json:"scores"`
	Tags      []string `json:"tags"`
	Reason    string   `json:"reason"`
	EventID   string   `json:"event_id,omitempty"`
}

// RequestSnapshot is the request copy embedded in a POI event.
type RequestSnapshot struct {
	Method      string            `json:"method"`
	URL         string            `json:"url"`
	Headers     map[string]string `json:"headers"`
	Body        string            `json:"body"`
	QueryParams map[string]string `json:"query_params,omitempty"`
}

// GeoIP annotation on POI events. Country is "XX" until a real lookup is
// wired in.
type GeoIP struct {
	Country string `json:"country"`
}

// POIEvent is published on the alerts topic when a session is tagged.
type POIEvent struct {
	EventID   string          `json:"event_id"`
	EventType string          `json:"event_type"`
	Source    string          `json:"source"`
	Timestamp time.Time       `json:"timestamp"`
	SessionID string          `json:"session_id"`
	ClientIP  string          `json:"client_ip"`
	Request   RequestSnapshot `json:"request"`
	Scores    Scores          `json:"scores"`
	Tags      []string        `json:"tags"`
	GeoIP     *GeoIP          `json:"geoip,omitempty"`
}
