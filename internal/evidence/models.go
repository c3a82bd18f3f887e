// Package evidence defines the digital evidence locker formats: HAR session
// logs, payload artifacts, package metadata and the lightweight pointer that
// crosses the message bus. The package itself lives in the object store; only
// the pointer is published.
package evidence

import (
	"crypto/md5"
	"crypto/sha256"
	"encoding/hex"
	"strings"
	"time"

	"github.com/google/uuid"
)

// Bus topics. Pointers travel on TopicEvidenceReady keyed by event_id.
const (
	TopicEvidenceReady = "cerberus.evidence.ready"
	TopicTelemetry     = "cerberus.telemetry"
	TopicAlerts        = "cerberus.alerts"
)

// HARHeader is a single name/value pair in a HAR request or response.
type HARHeader struct {
	Name  string `json:"name"`
	Value string `json:"value"`
}

type HARPostData struct {
	MimeType string `json:"mimeType,omitempty"`
	Text     string `json:"text,omitempty"`
}

type HARContent struct {
	Size     int    `json:"size"`
	MimeType string `json:"mimeType"`
	// Text carries the response body only for small responses; large bodies
	// are dropped to keep packages bounded.
	Text string `json:"text,omitempty"`
}

type HARRequest struct {
	Method      string       `json:"method"`
	URL         string       `json:"url"`
	HTTPVersion string       `json:"httpVersion"`
	Headers     []HARHeader  `json:"headers"`
	QueryString []HARHeader  `json:"queryString,omitempty"`
	BodySize    int          `json:"bodySize"`
	PostData    *HARPostData `json:"postData,omitempty"`
}

type HARResponse struct {
	Status      int         `json:"status"`
	StatusText  string      `json:"statusText"`
	HTTPVersion string      `json:"httpVersion"`
	Headers     []HARHeader `json:"headers"`
	BodySize    int         `json:"bodySize"`
	Content     HARContent  `json:"content"`
}

type HARTimings struct {
	Send    float64 `json:"send"`
	Wait    float64 `json:"wait"`
	Receive float64 `json:"receive"`
}

// HAREntry is one request/response pair in the session log.
type HAREntry struct {
	StartedDateTime string      `json:"startedDateTime"`
	Time            float64     `json:"time"` // milliseconds
	Request         HARRequest  `json:"request"`
	Response        HARResponse `json:"response"`
	Timings         HARTimings  `json:"timings"`
	ServerIPAddress string      `json:"serverIPAddress,omitempty"`
}

type HARCreator struct {
	Name    string `json:"name"`
	Version string `json:"version"`
}

// HARLog is the HAR v1.2 log written to session.har.
type HARLog struct {
	Version string     `json:"version"`
	Creator HARCreator `json:"creator"`
	Entries []HAREntry `json:"entries"`
}

func NewHARLog() *HARLog {
	return &HARLog{
		Version: "1.2",
		Creator: HARCreator{Name: "Cerberus Labyrinth", Version: "1.0"},
	}
}

// PayloadArtifact is a single malicious payload extracted from a request.
type PayloadArtifact struct {
	ArtifactID   string  `json:"artifact_id"`
	Timestamp    string  `json:"timestamp"`
	PayloadType  string  `json:"payload_type"` // sql_injection, xss, command_injection, ...
	PayloadValue string  `json:"payload_value"`
	Location     string  `json:"location"` // query.id, body.username, ...
	Encoding     string  `json:"encoding"`
	Confidence   float64 `json:"confidence"` // 0-1
	FilePath     string  `json:"file_path,omitempty"`
	Checksum     string  `json:"checksum,omitempty"` // SHA-256 of payload value
}

// SessionMetadata describes the attacker session window.
type SessionMetadata struct {
	SessionID       string   `json:"session_id"`
	AttackerIP      string   `json:"attacker_ip"`
	UserAgent       string   `json:"user_agent"`
	Fingerprint     string   `json:"fingerprint"`
	SessionStart    string   `json:"session_start"`
	SessionEnd      string   `json:"session_end"`
	RequestCount    int      `json:"request_count"`
	TotalDurationMs int64    `json:"total_duration_ms"`
	Tags            []string `json:"tags"`
	RiskScore       float64  `json:"risk_score"`
}

// TTPs lists MITRE ATT&CK techniques and tactics observed in a session.
type TTPs struct {
	Techniques  []string `json:"techniques"` // T1190, T1059, ...
	Tactics     []string `json:"tactics"`
	Description string   `json:"description"`
}

// BehaviorProfile is the behavioral read on an attacker session.
type BehaviorProfile struct {
	Intent              string   `json:"intent"` // reconnaissance, exploitation, data_exfiltration
	SophisticationScore float64  `json:"sophistication_score"`
	TTPs                TTPs     `json:"ttps"`
	ActionSequence      []string `json:"action_sequence"`
	AutomationDetected  bool     `json:"automation_detected"`
	ToolSignatures      []string `json:"tool_signatures"` // sqlmap, nikto, ...
}

// ArtifactRef names one uploaded file of a package with its checksum.
type ArtifactRef struct {
	Object   string `json:"object"`
	Checksum string `json:"checksum"`
	Size     int64  `json:"size"`
}

// Metadata is the metadata.json of a complete evidence package. Payloads
// ride in the metadata so the analysis side can recover them without
// re-parsing the raw capture.
type Metadata struct {
	EventID           string            `json:"event_id"`
	CaptureID         string            `json:"capture_id"`
	CreatedAt         string            `json:"created_at"`
	CreatedBy         string            `json:"created_by"`
	SessionMetadata   SessionMetadata   `json:"session_metadata"`
	BehaviorProfile   *BehaviorProfile  `json:"behavior_profile,omitempty"`
	Payloads          []PayloadArtifact `json:"payloads"`
	ArtifactsManifest []ArtifactRef     `json:"artifacts_manifest"`
	PackageChecksum   string            `json:"package_checksum,omitempty"`
	StorageLocation   string            `json:"storage_location"` // s3://bucket/event_id/
	Tags              []string          `json:"tags"`
	Notes             string            `json:"notes"`
}

// Pointer is the lightweight record published to the bus instead of the
// package itself.
type Pointer struct {
	Status       string   `json:"status"` // always "evidence_ready"
	EventID      string   `json:"event_id"`
	CaptureID    string   `json:"capture_id"`
	SessionID    string   `json:"session_id"`
	AttackerIP   string   `json:"attacker_ip"`
	Location     string   `json:"location"`
	Timestamp    string   `json:"timestamp"`
	PayloadCount int      `json:"payload_count"`
	RequestCount int      `json:"request_count"`
	Checksum     string   `json:"checksum,omitempty"`
	Tags         []string `json:"tags"`
}

const StatusEvidenceReady = "evidence_ready"

func NewEventID() string {
	return "evt_" + uuidHex(12)
}

func NewCaptureID() string {
	return "cap_" + uuidHex(8)
}

func uuidHex(n int) string {
	return strings.ReplaceAll(uuid.New().String(), "-", "")[:n]
}

// CaptureFingerprint identifies a client across a capture session.
// MD5 here is an identifier, not an integrity check.
func CaptureFingerprint(attackerIP, userAgent string) string {
	sum := md5.Sum([]byte(attackerIP + ":" + userAgent))
	return hex.EncodeToString(sum[:])[:16]
}

// PayloadChecksum returns the SHA-256 of a payload value.
func PayloadChecksum(value string) string {
	sum := sha256.Sum256([]byte(value))
	return hex.EncodeToString(sum[:])
}

func nowISO() string {
	return time.Now().UTC().Format(time.RFC3339Nano)
}
