package evidence

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/cerberus-defense/cerberus/internal/objstore"
)

// Retrieved is a downloaded, parsed evidence package. Valid reports whether
// the recomputed package checksum matched the pointer; a mismatch is
// surfaced, not fatal, so the analysis side can decide how much to trust
// the contents.
type Retrieved struct {
	EventID       string
	Metadata      *Metadata
	HAR           *HARLog
	Payloads      []PayloadArtifact
	Workspace     string
	Valid         bool
	ArtifactCount int
}

// Retriever downloads evidence packages into per-event workspaces under a
// shared root.
type Retriever struct {
	root  string
	store objstore.Store
}

const defaultWorkspaceRoot = "/tmp/sentinel/evidence"

func NewRetriever(store objstore.Store, workspaceRoot string) (*Retriever, error) {
	if workspaceRoot == "" {
		workspaceRoot = defaultWorkspaceRoot
	}
	if err := os.MkdirAll(workspaceRoot, 0o755); err != nil {
		return nil, fmt.Errorf("create retriever workspace root: %w", err)
	}
	return &Retriever{root: workspaceRoot, store: store}, nil
}

// Retrieve downloads every artifact referenced by the pointer, verifies the
// package checksum and parses the known artifacts. The workspace is removed
// on error; on success the caller owns it and should Cleanup when done.
func (r *Retriever) Retrieve(ctx context.Context, p Pointer) (*Retrieved, error) {
	workspace := filepath.Join(r.root, p.EventID)
	if err := os.MkdirAll(workspace, 0o755); err != nil {
		return nil, fmt.Errorf("create evidence workspace: %w", err)
	}

	out, err := r.download(ctx, p, workspace)
	if err != nil {
		os.RemoveAll(workspace)
		return nil, err
	}
	return out, nil
}

func (r *Retriever) download(ctx context.Context, p Pointer, workspace string) (*Retrieved, error) {
	bucket, prefix, err := objstore.ParseLocation(p.Location)
	if err != nil {
		return nil, err
	}

	objects, err := r.store.List(ctx, bucket, prefix)
	if err != nil {
		return nil, fmt.Errorf("list evidence objects: %w", err)
	}
	slog.Info("Retrieving evidence", "event_id", p.EventID, "artifacts", len(objects))

	// Per-object verification is skipped here; the package checksum over
	// all downloads covers integrity in one pass.
	checksums := make(map[string]string, len(objects))
	for _, obj := range objects {
		rel := strings.TrimPrefix(obj.Object, p.EventID+"/")
		local := filepath.Join(workspace, filepath.FromSlash(rel))
		if err := os.MkdirAll(filepath.Dir(local), 0o755); err != nil {
			return nil, err
		}
		info, err := r.store.DownloadFile(ctx, bucket, obj.Object, local, "")
		if err != nil {
			return nil, fmt.Errorf("download %s: %w", obj.Object, err)
		}
		checksums[obj.Object] = info.Checksum
	}

	valid := true
	if p.Checksum != "" {
		if got := PackageChecksum(checksums); got != p.Checksum {
			slog.Warn("Evidence package checksum mismatch",
				"event_id", p.EventID, "want", p.Checksum, "got", got)
			valid = false
		}
	}

	out := &Retrieved{
		EventID:       p.EventID,
		Workspace:     workspace,
		Valid:         valid,
		ArtifactCount: len(objects),
	}
	if out.Metadata, err = r.Metadata(workspace); err != nil {
		return nil, err
	}
	if out.HAR, err = r.HAR(workspace); err != nil {
		return nil, err
	}
	if out.Metadata != nil {
		out.Payloads = out.Metadata.Payloads
	}
	return out, nil
}

// Metadata loads metadata.json from a workspace. A missing file is not an
// error; a malformed one is.
func (r *Retriever) Metadata(workspace string) (*Metadata, error) {
	data, err := os.ReadFile(filepath.Join(workspace, "metadata.json"))
	if os.IsNotExist(err) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	var m Metadata
	if err := json.Unmarshal(data, &m); err != nil {
		return nil, fmt.Errorf("parse metadata.json: %w", err)
	}
	return &m, nil
}

// HAR loads session.har from a workspace.
func (r *Retriever) HAR(workspace string) (*HARLog, error) {
	data, err := os.ReadFile(filepath.Join(workspace, "session.har"))
	if os.IsNotExist(err) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	var log HARLog
	if err := json.Unmarshal(data, &log); err != nil {
		return nil, fmt.Errorf("parse session.har: %w", err)
	}
	return &log, nil
}

// PayloadFiles lists artifact files under the workspace payloads/ directory.
func (r *Retriever) PayloadFiles(workspace string) []string {
	dir := filepath.Join(workspace, "payloads")
	entries, err := os.ReadDir(dir)
	if err != nil {
		return nil
	}
	var files []string
	for _, e := range entries {
		if !e.IsDir() {
			files = append(files, filepath.Join(dir, e.Name()))
		}
	}
	return files
}

func (r *Retriever) Cleanup(workspace string) {
	if err := os.RemoveAll(workspace); err != nil {
		slog.Warn("Evidence workspace cleanup failed", "workspace", workspace, "error", err)
	}
}

// CleanupAll removes workspaces older than maxAge.
func (r *Retriever) CleanupAll(maxAge time.Duration) {
	entries, err := os.ReadDir(r.root)
	if err != nil {
		return
	}
	cutoff := time.Now().Add(-maxAge)
	for _, e := range entries {
		if !e.IsDir() {
			continue
		}
		info, err := e.Info()
		if err != nil {
			continue
		}
		if info.ModTime().Before(cutoff) {
			slog.Info("Cleaning up old evidence workspace", "workspace", e.Name())
			os.RemoveAll(filepath.Join(r.root, e.Name()))
		}
	}
}
