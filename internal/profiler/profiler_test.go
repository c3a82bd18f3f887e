package profiler

import (
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/cerberus-defense/cerberus/internal/capture"
)

func sqliCapture(path string) Capture {
	return Capture{
		Method: "GET",
		Path:   path,
		Payloads: []capture.Payload{
			{Type: capture.TypeSQLInjection, Value: "' OR 1=1--", Location: "query.id", Confidence: 0.85},
		},
	}
}

func TestClassifyAction(t *testing.T) {
	cases := []struct {
		name string
		in   Capture
		want string
	}{
		{"payload beats path", sqliCapture("/admin"), "sql_injection_attempt"},
		{"xss payload", Capture{Payloads: []capture.Payload{{Type: capture.TypeXSS}}}, "xss_attempt"},
		{"user enumeration", Capture{Method: "GET", Path: "/api/users"}, "user_enumeration"},
		{"admin probing", Capture{Method: "GET", Path: "/admin/panel"}, "admin_access_attempt"},
		{"env disclosure", Capture{Method: "GET", Path: "/.env"}, "config_disclosure_attempt"},
		{"login", Capture{Method: "POST", Path: "/login"}, "authentication_attempt"},
		{"upload needs POST", Capture{Method: "POST", Path: "/upload"}, "file_upload_attempt"},
		{"upload via GET is recon", Capture{Method: "GET", Path: "/upload"}, "reconnaissance"},
		{"document download", Capture{Method: "GET", Path: "/documents/42/download"}, "data_access_attempt"},
		{"plain GET", Capture{Method: "GET", Path: "/products"}, "reconnaissance"},
		{"plain POST", Capture{Method: "POST", Path: "/search"}, "exploitation_attempt"},
		{"PUT", Capture{Method: "PUT", Path: "/items/1"}, "modification_attempt"},
		{"DELETE", Capture{Method: "DELETE", Path: "/items/1"}, "deletion_attempt"},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			assert.Equal(t, tc.want, classifyAction(tc.in))
		})
	}
}

func TestCapturePathFallsBackToURL(t *testing.T) {
	c := Capture{URL: "http://decoy:8002/admin/users?id=1"}
	assert.Equal(t, "/admin/users", capturePath(c))

	c = Capture{URL: "http://decoy:8002"}
	assert.Equal(t, "/", capturePath(c))

	c = Capture{Path: "/explicit", URL: "http://x/other"}
	assert.Equal(t, "/explicit", capturePath(c))
}

func TestExtractTTPsMapsPayloadsAndPaths(t *testing.T) {
	ttps := extractTTPs([]Capture{
		sqliCapture("/search"),
		{Method: "POST", Path: "/login"},
		{Method: "POST", Path: "/upload"},
	})
	assert.Contains(t, ttps, "T1190") // sql injection
	assert.Contains(t, ttps, "T1110") // login brute forcing
	assert.Contains(t, ttps, "T1105") // tool transfer via upload
	assert.IsIncreasing(t, ttps)
}

func TestClassifyIntent(t *testing.T) {
	cases := []struct {
		name    string
		actions []string
		want    string
	}{
		{"exploitation heavy", []string{"sql_injection_attempt", "sql_injection_attempt", "xss_attempt", "reconnaissance"}, "exploitation"},
		{"mostly recon", []string{"reconnaissance", "reconnaissance", "user_enumeration", "authentication_attempt"}, "reconnaissance"},
		{"data grabbing", []string{"data_access_attempt", "data_access_attempt", "reconnaissance"}, "data_exfiltration"},
		{"admin poking", []string{"admin_access_attempt", "authentication_attempt", "exploitation_attempt"}, "privilege_escalation"},
		{"nothing stands out", []string{"authentication_attempt", "modification_attempt"}, "unknown_intent"},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			assert.Equal(t, tc.want, classifyIntent(tc.actions))
		})
	}
}

func TestSophisticationPrefersManualOverScanner(t *testing.T) {
	manual := []Capture{sqliCapture("/a"), {Method: "GET", Path: "/b", Headers: map[string]string{"User-Agent": "Mozilla/5.0"}}}
	scanner := []Capture{sqliCapture("/a"), {Method: "GET", Path: "/b", Headers: map[string]string{"User-Agent": "sqlmap/1.7"}}}

	var actions []string
	for _, c := range manual {
		actions = append(actions, classifyAction(c))
	}
	assert.Greater(t, scoreSophistication(manual, actions), scoreSophistication(scanner, actions))
}

func TestSophisticationCapsAtTen(t *testing.T) {
	captures := []Capture{{URL: "/x?data=base64,zzz", Method: "POST"}}
	actions := []string{
		"sql_injection_attempt", "xss_attempt", "command_injection_attempt",
		"path_traversal_attempt", "admin_access_attempt", "file_upload_attempt",
		"authentication_attempt", "config_disclosure_attempt",
	}
	score := scoreSophistication(captures, actions)
	assert.LessOrEqual(t, score, 10.0)
	assert.GreaterOrEqual(t, score, 9.0) // variety + evasion + manual + short session
}

func TestProfileSessionEmptyCaptures(t *testing.T) {
	p := New().ProfileSession("", nil)
	assert.Equal(t, "unknown", p.SessionID)
	assert.Equal(t, "unknown", p.Intent)
	assert.Equal(t, -1, p.ClusterID)
	assert.Equal(t, "No data available", p.Summary)
	assert.Regexp(t, `^prof_[0-9a-f]{8}$`, p.ProfileID)
}

func TestProfileSessionFullPass(t *testing.T) {
	start := time.Date(2026, 3, 1, 10, 0, 0, 0, time.UTC)
	captures := []Capture{
		{Method: "GET", Path: "/products", Timestamp: start.Format(time.RFC3339)},
		{Method: "GET", Path: "/admin", Timestamp: start.Add(30 * time.Second).Format(time.RFC3339)},
		sqliCapture("/search"),
		{Method: "GET", Path: "/search", Timestamp: start.Add(90 * time.Second).Format(time.RFC3339)},
	}
	captures[2].Timestamp = start.Add(60 * time.Second).Format(time.RFC3339)

	p := New().ProfileSession("sess_1", captures)
	assert.Equal(t, "sess_1", p.SessionID)
	assert.Equal(t, 4, p.RequestCount)
	assert.Equal(t, 4, p.ActionCount)
	assert.Equal(t, []string{"reconnaissance", "admin_access_attempt", "sql_injection_attempt", "reconnaissance"}, p.ActionSequence)
	assert.Equal(t, []string{"sql_injection"}, p.AttackTypes)
	assert.Contains(t, p.TTPs, "T1190")
	assert.Equal(t, 3, p.UniqueEndpoints) // /products, /admin, /search
	assert.Equal(t, 90.0, p.DurationSeconds)
	assert.Contains(t, p.Summary, "Total requests: 4.")
	assert.Greater(t, p.SophisticationScore, 0.0)
}

func TestClusterProfilesGroupsSimilarSessions(t *testing.T) {
	var profiles []*Profile
	// Two tight groups: low-and-slow recon vs noisy scanner runs.
	for i := 0; i < 3; i++ {
		profiles = append(profiles, &Profile{
			ProfileID: fmt.Sprintf("recon_%d", i), ActionCount: 5,
			SophisticationScore: 2, DurationSeconds: 30, UniqueEndpoints: 3, ClusterID: -1,
		})
	}
	for i := 0; i < 3; i++ {
		profiles = append(profiles, &Profile{
			ProfileID: fmt.Sprintf("scan_%d", i), ActionCount: 200,
			SophisticationScore: 8, DurationSeconds: 600, UniqueEndpoints: 80,
			TTPs: []string{"T1190", "T1059"}, ClusterID: -1,
		})
	}

	ClusterProfiles(profiles)

	require.NotEqual(t, -1, profiles[0].ClusterID)
	require.NotEqual(t, -1, profiles[3].ClusterID)
	assert.Equal(t, profiles[0].ClusterID, profiles[1].ClusterID)
	assert.Equal(t, profiles[0].ClusterID, profiles[2].ClusterID)
	assert.Equal(t, profiles[3].ClusterID, profiles[4].ClusterID)
	assert.NotEqual(t, profiles[0].ClusterID, profiles[3].ClusterID)
}

func TestClusterProfilesLeavesSmallSetsAlone(t *testing.T) {
	profiles := []*Profile{{ClusterID: -1}, {ClusterID: -1}}
	ClusterProfiles(profiles)
	assert.Equal(t, -1, profiles[0].ClusterID)
	assert.Equal(t, -1, profiles[1].ClusterID)
}
