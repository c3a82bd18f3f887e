package sandbox

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/cerberus-defense/cerberus/internal/capture"
)

func newTestSimulator(b Backend) *Simulator {
	return New(Options{
		Backend:     b,
		StartupWait: time.Millisecond,
		Timeout:     5 * time.Second,
	})
}

func TestDetonateUnionSelectConfirmsExploit(t *testing.T) {
	sim := newTestSimulator(NewDemoBackend())

	res := sim.Detonate(context.Background(), capture.Payload{
		Type:       capture.TypeSQLInjection,
		Value:      "1 UNION SELECT",
		Location:   "request",
		Confidence: 0.85,
	}, "")

	assert.Equal(t, VerdictExploitPossible, res.Verdict)
	assert.InDelta(t, 7.65, res.Severity, 0.001) // 9.0 base * 0.85 confidence
	assert.Equal(t, capture.TypeSQLInjection, res.AttackType)
	assert.True(t, res.DemoMode)
	assert.NotEmpty(t, res.Timestamp)

	require.NotNil(t, res.Evidence)
	assert.True(t, res.Evidence.ExploitationConfirmed)
	assert.Contains(t, res.Evidence.ExecutionResult.Stdout, "admin@example.com")

	require.Len(t, res.ReproSteps, 6)
	assert.Equal(t, "Deploy shadow app from ref: main", res.ReproSteps[0])
	assert.Contains(t, res.ReproSteps[3], "1 UNION SELECT")
}

func TestDetonateQuotedInjectionStaysImprobable(t *testing.T) {
	sim := newTestSimulator(NewDemoBackend())

	// A quoted tautology breaks the shadow app's statement instead of
	// widening it, so nothing sensitive comes back on stdout.
	res := sim.Detonate(context.Background(), capture.Payload{
		Type:       capture.TypeSQLInjection,
		Value:      "' OR '1'='1",
		Confidence: 0.85,
	}, "")

	assert.Equal(t, VerdictExploitImprobable, res.Verdict)
	assert.Zero(t, res.Severity)
	require.NotNil(t, res.Evidence)
	assert.False(t, res.Evidence.ExploitationConfirmed)
}

func TestDetonateCommandInjection(t *testing.T) {
	sim := newTestSimulator(NewDemoBackend())

	res := sim.Detonate(context.Background(), capture.Payload{
		Type:       capture.TypeCommandInjection,
		Value:      "; cat /etc/passwd",
		Confidence: 0.75,
	}, "v2")

	// Any response body counts as command execution evidence.
	assert.Equal(t, VerdictExploitPossible, res.Verdict)
	assert.InDelta(t, 7.5, res.Severity, 0.001) // 10.0 base * 0.75 confidence
	assert.Equal(t, "Deploy shadow app from ref: v2", res.ReproSteps[0])
}

func TestDetonateProvisionFailure(t *testing.T) {
	sim := newTestSimulator(&stubBackend{provErr: errors.New("daemon unreachable")})

	res := sim.Detonate(context.Background(), capture.Payload{Type: capture.TypeXSS}, "")

	assert.Equal(t, VerdictError, res.Verdict)
	assert.Zero(t, res.Severity)
	assert.Contains(t, res.Error, "daemon unreachable")
	assert.Nil(t, res.Evidence)
}

func TestDetonateTearsDownAfterExecFailure(t *testing.T) {
	stub := &stubBackend{execErr: errors.New("container gone")}
	sim := newTestSimulator(stub)

	res := sim.Detonate(context.Background(), capture.Payload{Type: capture.TypeSQLInjection}, "")

	assert.Equal(t, VerdictError, res.Verdict)
	assert.Equal(t, 1, stub.teardownCount())
}

func TestDetonateBoundsConcurrency(t *testing.T) {
	stub := &stubBackend{hold: 30 * time.Millisecond}
	sim := New(Options{
		Backend:       stub,
		MaxConcurrent: 2,
		StartupWait:   time.Millisecond,
		Timeout:       5 * time.Second,
	})

	var wg sync.WaitGroup
	for i := 0; i < 6; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			sim.Detonate(context.Background(), capture.Payload{Type: capture.TypeSQLInjection}, "")
		}()
	}
	wg.Wait()

	assert.LessOrEqual(t, stub.peakActive(), 2)
	assert.Equal(t, 6, stub.teardownCount())
}

func TestAnalyzeResult(t *testing.T) {
	tests := []struct {
		name    string
		rec     ExecutionRecord
		payload capture.Payload
		want    string
	}{
		{
			name:    "sql data extraction with union",
			rec:     ExecutionRecord{Stdout: `{"users": [{"email": "admin@example.com"}]}`},
			payload: capture.Payload{Type: capture.TypeSQLInjection, Value: "1 UNION SELECT"},
			want:    VerdictExploitPossible,
		},
		{
			name:    "sql data without tampering marker",
			rec:     ExecutionRecord{Stdout: `{"users": [{"email": "admin@example.com"}]}`},
			payload: capture.Payload{Type: capture.TypeSQLInjection, Value: "1"},
			want:    VerdictExploitImprobable,
		},
		{
			name:    "sql error on stderr",
			rec:     ExecutionRecord{Stderr: "sqlite3.OperationalError: near: syntax error"},
			payload: capture.Payload{Type: capture.TypeSQLInjection, Value: "'--"},
			want:    VerdictExploitPossible,
		},
		{
			name:    "xss reflected script tag",
			rec:     ExecutionRecord{Stdout: `<html><script>alert(1)</script></html>`},
			payload: capture.Payload{Type: capture.TypeXSS, Value: "<script>alert(1)</script>"},
			want:    VerdictExploitPossible,
		},
		{
			name:    "xss not reflected",
			rec:     ExecutionRecord{Stdout: `{"users": []}`},
			payload: capture.Payload{Type: capture.TypeXSS, Value: "<script>"},
			want:    VerdictExploitImprobable,
		},
		{
			name:    "command injection empty output",
			rec:     ExecutionRecord{ExitCode: 0, Stdout: ""},
			payload: capture.Payload{Type: capture.TypeCommandInjection, Value: ";ls"},
			want:    VerdictExploitImprobable,
		},
		{
			name:    "command injection nonzero exit",
			rec:     ExecutionRecord{ExitCode: 7, Stdout: "curl: connection refused"},
			payload: capture.Payload{Type: capture.TypeCommandInjection, Value: ";ls"},
			want:    VerdictExploitImprobable,
		},
		{
			name:    "path traversal passwd contents",
			rec:     ExecutionRecord{Stdout: "root:x:0:0:root:/root:/bin/bash"},
			payload: capture.Payload{Type: capture.TypePathTraversal, Value: "../../etc/passwd"},
			want:    VerdictExploitPossible,
		},
		{
			name:    "unknown payload family",
			rec:     ExecutionRecord{Stdout: "anything"},
			payload: capture.Payload{Type: "xxe", Value: "<!ENTITY"},
			want:    VerdictExploitImprobable,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, analyzeResult(tt.rec, tt.payload))
		})
	}
}

func TestScoreSeverity(t *testing.T) {
	tests := []struct {
		payloadType string
		confidence  float64
		verdict     string
		want        float64
	}{
		{capture.TypeSQLInjection, 0.85, VerdictExploitPossible, 7.65},
		{capture.TypeCommandInjection, 1.0, VerdictExploitPossible, 10.0},
		{capture.TypeXSS, 0.80, VerdictExploitPossible, 5.6},
		{capture.TypePathTraversal, 0.90, VerdictExploitPossible, 7.2},
		{"xxe", 1.0, VerdictExploitPossible, 9.0},
		{"unheard_of", 1.0, VerdictExploitPossible, 5.0},
		{capture.TypeSQLInjection, 0, VerdictExploitPossible, 4.5}, // missing confidence defaults to 0.5
		{capture.TypeCommandInjection, 1.0, VerdictExploitImprobable, 0},
		{capture.TypeCommandInjection, 1.0, VerdictError, 0},
	}

	for _, tt := range tests {
		got := scoreSeverity(tt.verdict, capture.Payload{Type: tt.payloadType, Confidence: tt.confidence})
		assert.InDelta(t, tt.want, got, 0.001, "type=%s verdict=%s", tt.payloadType, tt.verdict)
	}
}

func TestPayloadCommand(t *testing.T) {
	sql := payloadCommand(capture.Payload{Type: capture.TypeSQLInjection, Value: "1 OR 1=1"})
	assert.Equal(t, []string{"curl", "-s", "http://localhost:5000/api/v1/users?id=1 OR 1=1"}, sql)

	cmd := payloadCommand(capture.Payload{Type: capture.TypeCommandInjection, Value: ";whoami"})
	assert.Equal(t, []string{"curl", "-s", "-d", "cmd=;whoami", "http://localhost:5000/api/exec"}, cmd)

	generic := payloadCommand(capture.Payload{Type: capture.TypePathTraversal, Value: "../../"})
	assert.Equal(t, []string{"curl", "-s", "http://localhost:5000/api/v1/users"}, generic)
}

func TestDemoUsersQuery(t *testing.T) {
	assert.Contains(t, demoUsersQuery("").Stdout, "user@example.com")
	assert.Contains(t, demoUsersQuery("1").Stdout, "Admin")
	assert.NotContains(t, demoUsersQuery("1").Stdout, "user@example.com")
	assert.Contains(t, demoUsersQuery("7").Stdout, `"users": []`)
	assert.Contains(t, demoUsersQuery("' OR '1'='1").Stdout, "syntax error")
	assert.Contains(t, demoUsersQuery("1 OR 1=1").Stdout, "admin@example.com")
	assert.Contains(t, demoUsersQuery("0 UNION SELECT * FROM users").Stdout, "admin@example.com")
}

// ============================================================================
// STUB BACKEND
// ============================================================================

type stubBackend struct {
	mu        sync.Mutex
	active    int
	maxActive int
	teardowns int
	provErr   error
	execErr   error
	hold      time.Duration
}

func (s *stubBackend) Name() string { return "stub" }
func (s *stubBackend) Close() error { return nil }

func (s *stubBackend) Provision(ctx context.Context) (*Sandbox, error) {
	if s.provErr != nil {
		return nil, s.provErr
	}
	s.mu.Lock()
	s.active++
	if s.active > s.maxActive {
		s.maxActive = s.active
	}
	s.mu.Unlock()
	if s.hold > 0 {
		time.Sleep(s.hold)
	}
	return &Sandbox{ID: "stub-sandbox"}, nil
}

func (s *stubBackend) Teardown(ctx context.Context, sb *Sandbox) error {
	s.mu.Lock()
	s.active--
	s.teardowns++
	s.mu.Unlock()
	return nil
}

func (s *stubBackend) Exec(ctx context.Context, sb *Sandbox, cmd []string) (ExecResult, error) {
	if s.execErr != nil {
		return ExecResult{}, s.execErr
	}
	return ExecResult{Stdout: "{}"}, nil
}

func (s *stubBackend) ExecDetached(ctx context.Context, sb *Sandbox, cmd []string) error { return nil }

func (s *stubBackend) CopyTo(ctx context.Context, sb *Sandbox, dir, name string, data []byte) error {
	return nil
}

func (s *stubBackend) Logs(ctx context.Context, sb *Sandbox, tail int) (string, error) {
	return "", nil
}

func (s *stubBackend) peakActive() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.maxActive
}

func (s *stubBackend) teardownCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.teardowns
}
