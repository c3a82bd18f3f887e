package sandbox

import (
	"context"
	"fmt"
	"net/url"
	"regexp"
	"strings"
	"sync/atomic"
)

// Sandbox identifies one provisioned detonation environment.
type Sandbox struct {
	ID          string // short id used in logs and evidence
	ContainerID string
	NetworkID   string
}

// ExecResult is the demultiplexed output of a command run inside a sandbox.
type ExecResult struct {
	ExitCode int
	Stdout   string
	Stderr   string
}

// Backend abstracts the container runtime used for payload detonation.
// DockerBackend drives a local daemon; DemoBackend stands in when no
// runtime is reachable.
type Backend interface {
	// Provision creates an isolated network and a keepalive container on it.
	Provision(ctx context.Context) (*Sandbox, error)

	// Exec runs a command in the sandbox and waits for its output.
	Exec(ctx context.Context, sb *Sandbox, cmd []string) (ExecResult, error)

	// ExecDetached starts a command in the sandbox without waiting.
	ExecDetached(ctx context.Context, sb *Sandbox, cmd []string) error

	// CopyTo places a file into the sandbox filesystem.
	CopyTo(ctx context.Context, sb *Sandbox, dir, name string, data []byte) error

	// Logs returns the last tail lines of sandbox output.
	Logs(ctx context.Context, sb *Sandbox, tail int) (string, error)

	// Teardown stops and removes the sandbox and its network.
	Teardown(ctx context.Context, sb *Sandbox) error

	Name() string
	Close() error
}

const demoBackendName = "demo"

// DemoBackend emulates detonations when no container runtime is reachable.
// Exec answers the way the shadow app would for the canonical payload
// families, so the full analysis loop stays demoable without Docker.
type DemoBackend struct {
	seq atomic.Int64
}

func NewDemoBackend() *DemoBackend {
	return &DemoBackend{}
}

func (b *DemoBackend) Name() string { return demoBackendName }

func (b *DemoBackend) Close() error { return nil }

func (b *DemoBackend) Provision(ctx context.Context) (*Sandbox, error) {
	n := b.seq.Add(1)
	return &Sandbox{ID: fmt.Sprintf("demo-%03d", n)}, nil
}

func (b *DemoBackend) ExecDetached(ctx context.Context, sb *Sandbox, cmd []string) error {
	return nil
}

func (b *DemoBackend) CopyTo(ctx context.Context, sb *Sandbox, dir, name string, data []byte) error {
	return nil
}

func (b *DemoBackend) Teardown(ctx context.Context, sb *Sandbox) error {
	return nil
}

func (b *DemoBackend) Logs(ctx context.Context, sb *Sandbox, tail int) (string, error) {
	return " * Serving Flask app 'shadow_app'\n * Running on http://127.0.0.1:5000\n", nil
}

func (b *DemoBackend) Exec(ctx context.Context, sb *Sandbox, cmd []string) (ExecResult, error) {
	if len(cmd) == 0 {
		return ExecResult{}, nil
	}
	switch cmd[0] {
	case "curl":
		return demoCurl(cmd), nil
	case "pip":
		return ExecResult{Stdout: "Successfully installed flask"}, nil
	default:
		return ExecResult{}, nil
	}
}

const (
	demoUsersBody = `{"users": [{"id": 1, "name": "Admin", "email": "admin@example.com"}, {"id": 2, "name": "User", "email": "user@example.com"}]}`

	demoNotFoundBody = `<!doctype html>
<html lang=en>
<title>404 Not Found</title>
<h1>Not Found</h1>
<p>The requested URL was not found on the server.</p>`
)

var demoNumericRe = regexp.MustCompile(`^\d+$`)

func demoCurl(cmd []string) ExecResult {
	u, err := url.Parse(cmd[len(cmd)-1])
	if err != nil {
		return ExecResult{ExitCode: 3}
	}
	if u.Path != "/api/v1/users" {
		return ExecResult{Stdout: demoNotFoundBody}
	}
	return demoUsersQuery(u.Query().Get("id"))
}

// demoUsersQuery mirrors how the shadow app's injectable id lookup responds:
// plain ids select one row, quoted input breaks the statement, and boolean
// or union tampering dumps the whole table.
func demoUsersQuery(id string) ExecResult {
	upper := strings.ToUpper(id)
	switch {
	case id == "":
		return ExecResult{Stdout: demoUsersBody}
	case demoNumericRe.MatchString(id):
		switch id {
		case "1":
			return ExecResult{Stdout: `{"users": [{"id": 1, "name": "Admin", "email": "admin@example.com"}]}`}
		case "2":
			return ExecResult{Stdout: `{"users": [{"id": 2, "name": "User", "email": "user@example.com"}]}`}
		default:
			return ExecResult{Stdout: `{"users": []}`}
		}
	case strings.Contains(id, "'"):
		return ExecResult{Stdout: `{"error": "near \"'\": syntax error"}`}
	case strings.Contains(upper, "OR") || strings.Contains(upper, "UNION"):
		return ExecResult{Stdout: demoUsersBody}
	default:
		return ExecResult{Stdout: `{"users": []}`}
	}
}
