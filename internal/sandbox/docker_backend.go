package sandbox

import (
	"archive/tar"
	"bytes"
	"context"
	"fmt"
	"io"
	"log/slog"
	"strconv"
	"time"

	"github.com/docker/docker/api/types"
	"github.com/docker/docker/api/types/container"
	"github.com/docker/docker/client"
	"github.com/docker/docker/pkg/stdcopy"
	"github.com/google/uuid"
)

const (
	defaultSandboxImage = "python:3.11-slim"
	sandboxLifetime     = "300" // keepalive sleep, seconds
	provisionWait       = 2 * time.Second
	stopTimeoutSeconds  = 5
)

var sandboxLabels = map[string]string{"cerberus": "sandbox"}

// DockerBackend runs detonation sandboxes on a local Docker daemon. Each
// sandbox gets its own internal bridge network so payloads cannot reach
// anything outside the container.
type DockerBackend struct {
	cli   *client.Client
	image string
}

func NewDockerBackend(image string) (*DockerBackend, error) {
	if image == "" {
		image = defaultSandboxImage
	}
	cli, err := client.NewClientWithOpts(client.FromEnv, client.WithAPIVersionNegotiation())
	if err != nil {
		return nil, fmt.Errorf("docker client: %w", err)
	}
	return &DockerBackend{cli: cli, image: image}, nil
}

func (d *DockerBackend) Name() string { return "docker" }

func (d *DockerBackend) Close() error { return d.cli.Close() }

// Ping reports whether the daemon is reachable.
func (d *DockerBackend) Ping(ctx context.Context) error {
	_, err := d.cli.Ping(ctx)
	return err
}

func (d *DockerBackend) Provision(ctx context.Context) (*Sandbox, error) {
	netName := fmt.Sprintf("sandbox_%d_%s", time.Now().Unix(), uuid.New().String()[:8])
	netResp, err := d.cli.NetworkCreate(ctx, netName, types.NetworkCreate{
		Driver:   "bridge",
		Internal: true,
		Labels:   sandboxLabels,
	})
	if err != nil {
		return nil, fmt.Errorf("create sandbox network: %w", err)
	}

	containerID, err := d.createContainer(ctx, netName)
	if err != nil {
		d.removeNetwork(netResp.ID)
		return nil, err
	}

	if err := d.cli.ContainerStart(ctx, containerID, types.ContainerStartOptions{}); err != nil {
		d.removeContainer(containerID)
		d.removeNetwork(netResp.ID)
		return nil, fmt.Errorf("start sandbox container: %w", err)
	}

	if err := sleepCtx(ctx, provisionWait); err != nil {
		d.removeContainer(containerID)
		d.removeNetwork(netResp.ID)
		return nil, err
	}

	sb := &Sandbox{ID: shortID(containerID), ContainerID: containerID, NetworkID: netResp.ID}
	slog.Info("Sandbox provisioned", "sandbox", sb.ID, "network", netName)
	return sb, nil
}

func (d *DockerBackend) createContainer(ctx context.Context, netName string) (string, error) {
	config := &container.Config{
		Image:  d.image,
		Cmd:    []string{"sleep", sandboxLifetime},
		Labels: sandboxLabels,
	}
	hostConfig := &container.HostConfig{
		NetworkMode: container.NetworkMode(netName),
		Resources: container.Resources{
			Memory:    512 * 1024 * 1024,
			CPUPeriod: 100000,
			CPUQuota:  50000, // 0.5 CPU
		},
		SecurityOpt: []string{"no-new-privileges"},
		CapDrop:     []string{"ALL"},
		Tmpfs:       map[string]string{"/tmp": "size=100M"},
	}

	resp, err := d.cli.ContainerCreate(ctx, config, hostConfig, nil, nil, "")
	if client.IsErrNotFound(err) {
		if perr := d.pullImage(ctx); perr != nil {
			return "", perr
		}
		resp, err = d.cli.ContainerCreate(ctx, config, hostConfig, nil, nil, "")
	}
	if err != nil {
		return "", fmt.Errorf("create sandbox container: %w", err)
	}
	return resp.ID, nil
}

func (d *DockerBackend) pullImage(ctx context.Context) error {
	slog.Info("Pulling sandbox image", "image", d.image)
	rc, err := d.cli.ImagePull(ctx, d.image, types.ImagePullOptions{})
	if err != nil {
		return fmt.Errorf("pull sandbox image: %w", err)
	}
	defer rc.Close()
	_, err = io.Copy(io.Discard, rc)
	return err
}

func (d *DockerBackend) Exec(ctx context.Context, sb *Sandbox, cmd []string) (ExecResult, error) {
	execResp, err := d.cli.ContainerExecCreate(ctx, sb.ContainerID, types.ExecConfig{
		AttachStdout: true,
		AttachStderr: true,
		Cmd:          cmd,
	})
	if err != nil {
		return ExecResult{}, fmt.Errorf("exec create: %w", err)
	}

	attach, err := d.cli.ContainerExecAttach(ctx, execResp.ID, types.ExecStartCheck{})
	if err != nil {
		return ExecResult{}, fmt.Errorf("exec attach: %w", err)
	}
	defer attach.Close()

	var stdout, stderr bytes.Buffer
	if _, err := stdcopy.StdCopy(&stdout, &stderr, attach.Reader); err != nil {
		return ExecResult{}, fmt.Errorf("exec read: %w", err)
	}

	inspect, err := d.cli.ContainerExecInspect(ctx, execResp.ID)
	if err != nil {
		return ExecResult{}, fmt.Errorf("exec inspect: %w", err)
	}

	return ExecResult{
		ExitCode: inspect.ExitCode,
		Stdout:   stdout.String(),
		Stderr:   stderr.String(),
	}, nil
}

func (d *DockerBackend) ExecDetached(ctx context.Context, sb *Sandbox, cmd []string) error {
	execResp, err := d.cli.ContainerExecCreate(ctx, sb.ContainerID, types.ExecConfig{
		Detach: true,
		Cmd:    cmd,
	})
	if err != nil {
		return fmt.Errorf("exec create: %w", err)
	}
	return d.cli.ContainerExecStart(ctx, execResp.ID, types.ExecStartCheck{Detach: true})
}

func (d *DockerBackend) CopyTo(ctx context.Context, sb *Sandbox, dir, name string, data []byte) error {
	var buf bytes.Buffer
	tw := tar.NewWriter(&buf)
	if err := tw.WriteHeader(&tar.Header{Name: name, Mode: 0o644, Size: int64(len(data))}); err != nil {
		return err
	}
	if _, err := tw.Write(data); err != nil {
		return err
	}
	if err := tw.Close(); err != nil {
		return err
	}
	return d.cli.CopyToContainer(ctx, sb.ContainerID, dir, &buf, types.CopyToContainerOptions{})
}

func (d *DockerBackend) Logs(ctx context.Context, sb *Sandbox, tail int) (string, error) {
	rc, err := d.cli.ContainerLogs(ctx, sb.ContainerID, types.ContainerLogsOptions{
		ShowStdout: true,
		ShowStderr: true,
		Tail:       strconv.Itoa(tail),
	})
	if err != nil {
		return "", err
	}
	defer rc.Close()

	var out bytes.Buffer
	if _, err := stdcopy.StdCopy(&out, &out, rc); err != nil {
		return "", err
	}
	return out.String(), nil
}

func (d *DockerBackend) Teardown(ctx context.Context, sb *Sandbox) error {
	timeout := stopTimeoutSeconds
	if err := d.cli.ContainerStop(ctx, sb.ContainerID, container.StopOptions{Timeout: &timeout}); err != nil {
		slog.Warn("Sandbox stop failed, forcing removal", "sandbox", sb.ID, "error", err)
	}
	if err := d.cli.ContainerRemove(ctx, sb.ContainerID, types.ContainerRemoveOptions{Force: true}); err != nil {
		return fmt.Errorf("remove sandbox container: %w", err)
	}
	if err := d.cli.NetworkRemove(ctx, sb.NetworkID); err != nil {
		return fmt.Errorf("remove sandbox network: %w", err)
	}
	slog.Info("Sandbox destroyed", "sandbox", sb.ID)
	return nil
}

// removeContainer and removeNetwork clean up partially provisioned sandboxes.
// They use a fresh context because the provisioning context may already be
// cancelled.
func (d *DockerBackend) removeContainer(containerID string) {
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	if err := d.cli.ContainerRemove(ctx, containerID, types.ContainerRemoveOptions{Force: true}); err != nil {
		slog.Warn("Orphaned sandbox container not removed", "container", shortID(containerID), "error", err)
	}
}

func (d *DockerBackend) removeNetwork(networkID string) {
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	if err := d.cli.NetworkRemove(ctx, networkID); err != nil {
		slog.Warn("Orphaned sandbox network not removed", "network", networkID, "error", err)
	}
}

func shortID(id string) string {
	if len(id) > 12 {
		return id[:12]
	}
	return id
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}
