package evidence

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"io"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"time"

	"github.com/cerberus-defense/cerberus/internal/monitoring"
	"github.com/cerberus-defense/cerberus/internal/objstore"
)

// Exchange is one captured request/response pair headed for the HAR log.
type Exchange struct {
	Method          string
	URL             string
	RequestHeaders  map[string]string
	RequestBody     string
	ResponseStatus  int
	ResponseHeaders map[string]string
	ResponseBody    string
	StartTime       time.Time
	DurationMs      float64
}

// Builder assembles one evidence package in a temporary workspace and ships
// it to the object store. One builder per session window; not safe for
// concurrent use.
type Builder struct {
	eventID    string
	sessionID  string
	attackerIP string
	userAgent  string

	sessionStart time.Time
	fingerprint  string

	har      *HARLog
	payloads []PayloadArtifact
	tags     []string

	workspace string
	store     objstore.Store
	metrics   *monitoring.Metrics
}

func NewBuilder(store objstore.Store, metrics *monitoring.Metrics, eventID, sessionID, attackerIP, userAgent string) (*Builder, error) {
	workspace, err := os.MkdirTemp("", "evidence_"+eventID+"_")
	if err != nil {
		return nil, fmt.Errorf("create evidence workspace: %w", err)
	}
	return &Builder{
		eventID:      eventID,
		sessionID:    sessionID,
		attackerIP:   attackerIP,
		userAgent:    userAgent,
		sessionStart: time.Now().UTC(),
		fingerprint:  CaptureFingerprint(attackerIP, userAgent),
		har:          NewHARLog(),
		workspace:    workspace,
		store:        store,
		metrics:      metrics,
	}, nil
}

func (b *Builder) EventID() string     { return b.eventID }
func (b *Builder) Fingerprint() string { return b.fingerprint }

// AddExchange appends a request/response pair to the session HAR.
func (b *Builder) AddExchange(x Exchange) {
	entry := HAREntry{
		StartedDateTime: x.StartTime.UTC().Format(time.RFC3339Nano),
		Time:            x.DurationMs,
		Request: HARRequest{
			Method:      x.Method,
			URL:         x.URL,
			HTTPVersion: "HTTP/1.1",
			Headers:     harHeaders(x.RequestHeaders),
			BodySize:    len(x.RequestBody),
		},
		Response: HARResponse{
			Status:      x.ResponseStatus,
			StatusText:  harStatusText(x.ResponseStatus),
			HTTPVersion: "HTTP/1.1",
			Headers:     harHeaders(x.ResponseHeaders),
			BodySize:    len(x.ResponseBody),
			Content: HARContent{
				Size:     len(x.ResponseBody),
				MimeType: responseMimeType(x.ResponseHeaders),
				Text:     truncateResponseBody(x.ResponseBody),
			},
		},
		Timings: HARTimings{Send: 5, Wait: x.DurationMs - 10, Receive: 5},
	}
	if x.RequestBody != "" {
		entry.Request.PostData = &HARPostData{Text: x.RequestBody}
	}
	b.har.Entries = append(b.har.Entries, entry)
}

// AddPayload records an extracted payload and writes it as a package
// artifact under payloads/.
func (b *Builder) AddPayload(payloadType, value, location string, confidence float64) error {
	artifactID := fmt.Sprintf("payload_%03d", len(b.payloads))
	relPath := "payloads/" + artifactID + ".txt"

	fullPath := filepath.Join(b.workspace, filepath.FromSlash(relPath))
	if err := os.MkdirAll(filepath.Dir(fullPath), 0o755); err != nil {
		return fmt.Errorf("create payloads dir: %w", err)
	}
	if err := os.WriteFile(fullPath, []byte(value), 0o644); err != nil {
		return fmt.Errorf("write payload artifact: %w", err)
	}

	b.payloads = append(b.payloads, PayloadArtifact{
		ArtifactID:   artifactID,
		Timestamp:    nowISO(),
		PayloadType:  payloadType,
		PayloadValue: value,
		Location:     location,
		Encoding:     "utf-8",
		Confidence:   confidence,
		FilePath:     relPath,
		Checksum:     PayloadChecksum(value),
	})
	if b.metrics != nil {
		b.metrics.PayloadsExtracted.Inc()
	}
	return nil
}

// AddUploadedFile copies an attacker-uploaded file into the package under
// uploads/. The filename is flattened to its base to keep the attacker from
// steering the path.
func (b *Builder) AddUploadedFile(filename, path string) error {
	dst := filepath.Join(b.workspace, "uploads", filepath.Base(filename))
	if err := os.MkdirAll(filepath.Dir(dst), 0o755); err != nil {
		return fmt.Errorf("create uploads dir: %w", err)
	}
	src, err := os.Open(path)
	if err != nil {
		return fmt.Errorf("open uploaded file: %w", err)
	}
	defer src.Close()

	out, err := os.Create(dst)
	if err != nil {
		return fmt.Errorf("copy uploaded file: %w", err)
	}
	defer out.Close()
	if _, err := io.Copy(out, src); err != nil {
		return fmt.Errorf("copy uploaded file: %w", err)
	}
	return nil
}

func (b *Builder) AddTag(tag string) {
	for _, t := range b.tags {
		if t == tag {
			return
		}
	}
	b.tags = append(b.tags, tag)
}

// BuildAndUpload finalizes the package, uploads every workspace file under
// "{event_id}/" and returns the pointer to publish. Any upload failure
// aborts the package: no pointer is emitted. The workspace is removed in
// all cases.
func (b *Builder) BuildAndUpload(ctx context.Context, bucket string, profile *BehaviorProfile) (*Pointer, error) {
	defer os.RemoveAll(b.workspace)

	sessionEnd := time.Now().UTC()

	if err := b.writeJSONFile("session.har", b.har); err != nil {
		return b.fail(err)
	}
	if profile != nil {
		if err := b.writeJSONFile("behavior.json", profile); err != nil {
			return b.fail(err)
		}
	}

	// Manifest covers everything but metadata.json itself, so it has to be
	// computed before the metadata is written.
	manifest, err := b.manifest()
	if err != nil {
		return b.fail(err)
	}

	location := objstore.Location(bucket, b.eventID)
	meta := Metadata{
		EventID:   b.eventID,
		CaptureID: NewCaptureID(),
		CreatedAt: nowISO(),
		CreatedBy: "labyrinth",
		SessionMetadata: SessionMetadata{
			SessionID:       b.sessionID,
			AttackerIP:      b.attackerIP,
			UserAgent:       b.userAgent,
			Fingerprint:     b.fingerprint,
			SessionStart:    b.sessionStart.Format(time.RFC3339Nano),
			SessionEnd:      sessionEnd.Format(time.RFC3339Nano),
			RequestCount:    len(b.har.Entries),
			TotalDurationMs: sessionEnd.Sub(b.sessionStart).Milliseconds(),
			Tags:            b.tags,
		},
		BehaviorProfile:   profile,
		Payloads:          b.payloads,
		ArtifactsManifest: manifest,
		StorageLocation:   location,
		Tags:              b.tags,
	}
	if err := b.writeJSONFile("metadata.json", meta); err != nil {
		return b.fail(err)
	}

	if err := b.store.EnsureBucket(ctx, bucket); err != nil {
		return b.fail(fmt.Errorf("ensure bucket %s: %w", bucket, err))
	}

	checksums := make(map[string]string)
	var totalBytes int64
	walkErr := filepath.WalkDir(b.workspace, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if d.IsDir() {
			return nil
		}
		rel, err := filepath.Rel(b.workspace, path)
		if err != nil {
			return err
		}
		object := b.eventID + "/" + filepath.ToSlash(rel)
		info, err := b.store.UploadFile(ctx, bucket, object, path)
		if err != nil {
			return fmt.Errorf("upload %s: %w", object, err)
		}
		checksums[object] = info.Checksum
		totalBytes += info.Size
		return nil
	})
	if walkErr != nil {
		return b.fail(walkErr)
	}

	pointer := &Pointer{
		Status:       StatusEvidenceReady,
		EventID:      b.eventID,
		CaptureID:    meta.CaptureID,
		SessionID:    b.sessionID,
		AttackerIP:   b.attackerIP,
		Location:     location,
		Timestamp:    nowISO(),
		PayloadCount: len(b.payloads),
		RequestCount: len(b.har.Entries),
		Checksum:     PackageChecksum(checksums),
		Tags:         b.tags,
	}

	if b.metrics != nil {
		b.metrics.PackagesBuilt.Inc()
		b.metrics.UploadedBytes.Add(float64(totalBytes))
	}
	slog.Info("Evidence package uploaded", "event_id", b.eventID,
		"artifacts", len(checksums), "bytes", totalBytes, "location", location)
	return pointer, nil
}

func (b *Builder) fail(err error) (*Pointer, error) {
	if b.metrics != nil {
		b.metrics.PackageBuildFails.Inc()
	}
	return nil, err
}

func (b *Builder) manifest() ([]ArtifactRef, error) {
	var refs []ArtifactRef
	err := filepath.WalkDir(b.workspace, func(path string, d fs.DirEntry, walkErr error) error {
		if walkErr != nil {
			return walkErr
		}
		if d.IsDir() {
			return nil
		}
		rel, err := filepath.Rel(b.workspace, path)
		if err != nil {
			return err
		}
		data, err := os.ReadFile(path)
		if err != nil {
			return err
		}
		sum := sha256.Sum256(data)
		refs = append(refs, ArtifactRef{
			Object:   filepath.ToSlash(rel),
			Checksum: hex.EncodeToString(sum[:]),
			Size:     int64(len(data)),
		})
		return nil
	})
	sort.Slice(refs, func(i, j int) bool { return refs[i].Object < refs[j].Object })
	return refs, err
}

func (b *Builder) writeJSONFile(name string, v any) error {
	data, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal %s: %w", name, err)
	}
	if err := os.WriteFile(filepath.Join(b.workspace, name), data, 0o644); err != nil {
		return fmt.Errorf("write %s: %w", name, err)
	}
	return nil
}

// harHeaders flattens a header map into sorted name/value pairs so package
// bytes are reproducible.
func harHeaders(h map[string]string) []HARHeader {
	names := make([]string, 0, len(h))
	for name := range h {
		names = append(names, name)
	}
	sort.Strings(names)

	out := make([]HARHeader, 0, len(names))
	for _, name := range names {
		out = append(out, HARHeader{Name: name, Value: h[name]})
	}
	return out
}

func harStatusText(code int) string {
	if code >= 200 && code < 300 {
		return "OK"
	}
	return "Error"
}

func responseMimeType(h map[string]string) string {
	if ct, ok := h["Content-Type"]; ok && ct != "" {
		return ct
	}
	return "application/octet-stream"
}

// truncateResponseBody keeps the first kilobyte of small responses and drops
// large ones entirely.
func truncateResponseBody(body string) string {
	if len(body) >= 10000 {
		return ""
	}
	if len(body) > 1000 {
		return body[:1000]
	}
	return body
}
