// Package sandbox detonates captured attack payloads against a disposable
// shadow copy of the protected application. Each detonation provisions an
// isolated container, deploys the shadow app, replays the payload with curl
// and grades the outcome, then tears everything down.
package sandbox

import (
	"context"
	"fmt"
	"log/slog"
	"math"
	"strings"
	"time"

	"github.com/cerberus-defense/cerberus/internal/capture"
	"github.com/cerberus-defense/cerberus/internal/monitoring"
)

// Verdicts a detonation can reach.
const (
	VerdictExploitPossible   = "exploit_possible"
	VerdictExploitImprobable = "exploit_improbable"
	VerdictError             = "error"
)

// DefaultShadowAppRef is the shadow application revision detonated when the
// caller does not name one.
const DefaultShadowAppRef = "main"

const (
	defaultTimeout       = 5 * time.Minute
	defaultMaxConcurrent = 2
	defaultStartupWait   = 3 * time.Second
	teardownTimeout      = 30 * time.Second
	evidenceLogTail      = 50  // container log lines fetched
	evidenceLogBytes     = 500 // trailing bytes kept in evidence
)

// shadowAppSource is the deliberately injectable stand-in deployed into each
// sandbox. The id lookup interpolates the raw query parameter, so injection
// payloads behave against it the way they would against a vulnerable service.
const shadowAppSource = `from flask import Flask, request
import sqlite3

app = Flask(__name__)

conn = sqlite3.connect('/tmp/test.db')
c = conn.cursor()
c.execute("CREATE TABLE users (id INTEGER, name TEXT, email TEXT)")
c.execute("INSERT INTO users VALUES (1, 'Admin', 'admin@example.com')")
c.execute("INSERT INTO users VALUES (2, 'User', 'user@example.com')")
conn.commit()
conn.close()

@app.route('/api/v1/users')
def get_users():
    user_id = request.args.get('id', '')
    conn = sqlite3.connect('/tmp/test.db')
    c = conn.cursor()
    if user_id:
        query = f"SELECT * FROM users WHERE id = {user_id}"
    else:
        query = "SELECT * FROM users"
    try:
        c.execute(query)
        rows = c.fetchall()
        conn.close()
        return {"users": [{"id": r[0], "name": r[1], "email": r[2]} for r in rows]}
    except Exception as e:
        conn.close()
        return {"error": str(e)}, 500

if __name__ == '__main__':
    app.run(host='0.0.0.0', port=5000)
`

// Result is the full outcome of one detonation. SimulationID is stamped by
// the caller that queued the job, not by the simulator itself.
type Result struct {
	SimulationID    string           `json:"simulation_id,omitempty"`
	Verdict         string           `json:"verdict"`
	Severity        float64          `json:"severity"`
	ExecutionTimeMs int64            `json:"execution_time_ms"`
	Evidence        *Evidence        `json:"evidence,omitempty"`
	ReproSteps      []string         `json:"reproduction_steps,omitempty"`
	AttackType      string           `json:"attack_type,omitempty"`
	Payload         *capture.Payload `json:"payload,omitempty"`
	Timestamp       string           `json:"timestamp"`
	Error           string           `json:"error,omitempty"`
	DemoMode        bool             `json:"demo_mode,omitempty"`
}

// Evidence ties a verdict back to what actually happened in the sandbox.
type Evidence struct {
	ContainerID           string          `json:"container_id"`
	ExecutionResult       ExecutionRecord `json:"execution_result"`
	ContainerLogs         string          `json:"container_logs"`
	ExploitationConfirmed bool            `json:"exploitation_confirmed"`
}

// ExecutionRecord is the captured output of the payload replay.
type ExecutionRecord struct {
	ExitCode    int    `json:"exit_code"`
	Stdout      string `json:"stdout"`
	Stderr      string `json:"stderr"`
	PayloadType string `json:"payload_type"`
}

// Options configure a Simulator.
type Options struct {
	Backend Backend
	Metrics *monitoring.Metrics

	// MaxConcurrent bounds parallel detonations. Default 2.
	MaxConcurrent int

	// Timeout bounds one full detonation. Default 5m.
	Timeout time.Duration

	// StartupWait is the pause after launching the shadow app. Default 3s.
	StartupWait time.Duration
}

// Simulator runs payload detonations. Safe for concurrent use.
type Simulator struct {
	opts Options
	sem  chan struct{}
}

func New(opts Options) *Simulator {
	if opts.Backend == nil {
		opts.Backend = NewDemoBackend()
	}
	if opts.MaxConcurrent <= 0 {
		opts.MaxConcurrent = defaultMaxConcurrent
	}
	if opts.Timeout <= 0 {
		opts.Timeout = defaultTimeout
	}
	if opts.StartupWait <= 0 {
		opts.StartupWait = defaultStartupWait
	}
	return &Simulator{opts: opts, sem: make(chan struct{}, opts.MaxConcurrent)}
}

// Backend returns the runtime the simulator detonates on.
func (s *Simulator) Backend() Backend { return s.opts.Backend }

// DetectBackend returns a Docker backend when a daemon is reachable and the
// demo backend otherwise, so a missing runtime degrades the pipeline instead
// of breaking it.
func DetectBackend(ctx context.Context, image string) Backend {
	d, err := NewDockerBackend(image)
	if err == nil {
		pctx, cancel := context.WithTimeout(ctx, 3*time.Second)
		defer cancel()
		perr := d.Ping(pctx)
		if perr == nil {
			slog.Info("Detonation backend ready", "backend", d.Name(), "image", image)
			return d
		}
		d.Close()
		err = perr
	}
	slog.Warn("Docker unavailable, detonations run in demo mode", "error", err)
	return NewDemoBackend()
}

// Detonate replays one payload against a fresh sandbox and grades the
// outcome. Failures are folded into the returned Result with the error
// verdict so callers always get something storable.
func (s *Simulator) Detonate(ctx context.Context, p capture.Payload, shadowAppRef string) Result {
	if shadowAppRef == "" {
		shadowAppRef = DefaultShadowAppRef
	}
	start := time.Now()

	select {
	case s.sem <- struct{}{}:
	case <-ctx.Done():
		return s.errorResult(start, ctx.Err())
	}
	defer func() { <-s.sem }()

	ctx, cancel := context.WithTimeout(ctx, s.opts.Timeout)
	defer cancel()

	slog.Info("Detonation started", "type", p.Type, "backend", s.opts.Backend.Name())

	sb, err := s.opts.Backend.Provision(ctx)
	if err != nil {
		return s.errorResult(start, fmt.Errorf("provision sandbox: %w", err))
	}
	defer func() {
		tctx, tcancel := context.WithTimeout(context.Background(), teardownTimeout)
		defer tcancel()
		if terr := s.opts.Backend.Teardown(tctx, sb); terr != nil {
			slog.Warn("Sandbox teardown failed", "sandbox", sb.ID, "error", terr)
		}
	}()

	if err := s.deployShadowApp(ctx, sb); err != nil {
		return s.errorResult(start, fmt.Errorf("deploy shadow app: %w", err))
	}

	rec, err := s.executePayload(ctx, sb, p)
	if err != nil {
		return s.errorResult(start, fmt.Errorf("execute payload: %w", err))
	}

	verdict := analyzeResult(rec, p)
	severity := scoreSeverity(verdict, p)
	evidence := s.collectEvidence(ctx, sb, rec, verdict)

	res := Result{
		Verdict:         verdict,
		Severity:        severity,
		ExecutionTimeMs: time.Since(start).Milliseconds(),
		Evidence:        evidence,
		ReproSteps:      reproSteps(p, shadowAppRef),
		AttackType:      p.Type,
		Payload:         &p,
		Timestamp:       time.Now().UTC().Format(time.RFC3339Nano),
		DemoMode:        s.opts.Backend.Name() == demoBackendName,
	}
	s.observe(verdict, start)
	slog.Info("Detonation complete",
		"sandbox", sb.ID,
		"verdict", verdict,
		"severity", severity,
		"elapsed_ms", res.ExecutionTimeMs,
	)
	return res
}

func (s *Simulator) deployShadowApp(ctx context.Context, sb *Sandbox) error {
	if _, err := s.opts.Backend.Exec(ctx, sb, []string{"pip", "install", "flask"}); err != nil {
		return fmt.Errorf("install shadow app dependencies: %w", err)
	}
	if err := s.opts.Backend.CopyTo(ctx, sb, "/tmp", "shadow_app.py", []byte(shadowAppSource)); err != nil {
		return fmt.Errorf("copy shadow app: %w", err)
	}
	if err := s.opts.Backend.ExecDetached(ctx, sb, []string{"python", "/tmp/shadow_app.py"}); err != nil {
		return fmt.Errorf("start shadow app: %w", err)
	}
	if err := sleepCtx(ctx, s.opts.StartupWait); err != nil {
		return err
	}
	slog.Debug("Shadow app deployed", "sandbox", sb.ID)
	return nil
}

func (s *Simulator) executePayload(ctx context.Context, sb *Sandbox, p capture.Payload) (ExecutionRecord, error) {
	res, err := s.opts.Backend.Exec(ctx, sb, payloadCommand(p))
	if err != nil {
		return ExecutionRecord{}, err
	}
	return ExecutionRecord{
		ExitCode:    res.ExitCode,
		Stdout:      res.Stdout,
		Stderr:      res.Stderr,
		PayloadType: p.Type,
	}, nil
}

// payloadCommand picks the replay request for a payload family. The shadow
// app listens on 5000 inside the sandbox.
func payloadCommand(p capture.Payload) []string {
	const base = "http://localhost:5000"
	switch p.Type {
	case capture.TypeSQLInjection:
		return []string{"curl", "-s", base + "/api/v1/users?id=" + p.Value}
	case capture.TypeXSS:
		return []string{"curl", "-s", base + "/api/v1/users?name=" + p.Value}
	case capture.TypeCommandInjection:
		return []string{"curl", "-s", "-d", "cmd=" + p.Value, base + "/api/exec"}
	default:
		return []string{"curl", "-s", base + "/api/v1/users"}
	}
}

// analyzeResult decides whether the replay demonstrated exploitability.
func analyzeResult(rec ExecutionRecord, p capture.Payload) string {
	stdout := rec.Stdout
	stdoutLower := strings.ToLower(stdout)
	stderrLower := strings.ToLower(rec.Stderr)
	valueUpper := strings.ToUpper(p.Value)

	switch p.Type {
	case capture.TypeSQLInjection:
		// Seeded rows coming back for a tampered id means data extraction.
		if strings.Contains(stdoutLower, "admin@example.com") || strings.Contains(stdoutLower, "user@example.com") {
			if strings.Contains(valueUpper, "OR") || strings.Contains(valueUpper, "UNION") {
				return VerdictExploitPossible
			}
		}
		if strings.Contains(stderrLower, "syntax error") || strings.Contains(stderrLower, "sqlite") {
			return VerdictExploitPossible
		}

	case capture.TypeXSS:
		if strings.Contains(stdout, "<script") {
			return VerdictExploitPossible
		}

	case capture.TypeCommandInjection:
		if rec.ExitCode == 0 && stdout != "" {
			return VerdictExploitPossible
		}

	case capture.TypePathTraversal:
		if strings.Contains(stdout, "root:") || strings.Contains(stdout, "etc/passwd") {
			return VerdictExploitPossible
		}
	}
	return VerdictExploitImprobable
}

var severityByType = map[string]float64{
	capture.TypeSQLInjection:     9.0,
	capture.TypeCommandInjection: 10.0,
	capture.TypeXSS:              7.0,
	capture.TypePathTraversal:    8.0,
	"file_upload":                8.5,
	"xxe":                        9.0,
}

// scoreSeverity maps a confirmed verdict to a 0..10 score, weighted by how
// confident the extractor was in the payload.
func scoreSeverity(verdict string, p capture.Payload) float64 {
	if verdict != VerdictExploitPossible {
		return 0
	}
	base, ok := severityByType[p.Type]
	if !ok {
		base = 5.0
	}
	confidence := p.Confidence
	if confidence == 0 {
		confidence = 0.5
	}
	return math.Min(10, base*confidence)
}

func (s *Simulator) collectEvidence(ctx context.Context, sb *Sandbox, rec ExecutionRecord, verdict string) *Evidence {
	logs, err := s.opts.Backend.Logs(ctx, sb, evidenceLogTail)
	if err != nil {
		slog.Warn("Sandbox logs unavailable", "sandbox", sb.ID, "error", err)
	}
	if len(logs) > evidenceLogBytes {
		logs = logs[len(logs)-evidenceLogBytes:]
	}
	return &Evidence{
		ContainerID:           sb.ID,
		ExecutionResult:       rec,
		ContainerLogs:         logs,
		ExploitationConfirmed: verdict == VerdictExploitPossible,
	}
}

func reproSteps(p capture.Payload, shadowAppRef string) []string {
	return []string{
		fmt.Sprintf("Deploy shadow app from ref: %s", shadowAppRef),
		"Seed database with test data",
		fmt.Sprintf("Send request with payload: %s", p.Type),
		fmt.Sprintf("Payload value: %s", p.Value),
		"Observe response for unauthorized data access or errors",
		"Check logs for exploitation evidence",
	}
}

func (s *Simulator) errorResult(start time.Time, err error) Result {
	slog.Error("Detonation failed", "error", err)
	s.observe(VerdictError, start)
	return Result{
		Verdict:         VerdictError,
		Severity:        0,
		Error:           err.Error(),
		ExecutionTimeMs: time.Since(start).Milliseconds(),
		Timestamp:       time.Now().UTC().Format(time.RFC3339Nano),
	}
}

func (s *Simulator) observe(verdict string, start time.Time) {
	if s.opts.Metrics == nil {
		return
	}
	s.opts.Metrics.SimulationsTotal.WithLabelValues(verdict).Inc()
	s.opts.Metrics.SimulationSeconds.Observe(time.Since(start).Seconds())
}
