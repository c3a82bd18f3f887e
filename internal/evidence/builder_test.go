package evidence

import (
	"context"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/cerberus-defense/cerberus/internal/objstore"
)

func newTestBuilder(t *testing.T) (*Builder, objstore.Store) {
	t.Helper()
	store, err := objstore.NewFSStore(t.TempDir())
	require.NoError(t, err)
	b, err := NewBuilder(store, nil, "evt_abc123def456", "sess_1", "203.0.113.7", "sqlmap/1.7")
	require.NoError(t, err)
	return b, store
}

func TestAddExchangeBuildsHAREntries(t *testing.T) {
	b, _ := newTestBuilder(t)
	b.AddExchange(Exchange{
		Method:          "POST",
		URL:             "http://decoy/login",
		RequestHeaders:  map[string]string{"Content-Type": "application/x-www-form-urlencoded"},
		RequestBody:     "username=admin'--&password=x",
		ResponseStatus:  200,
		ResponseHeaders: map[string]string{"Content-Type": "text/html"},
		ResponseBody:    "<html>welcome</html>",
		StartTime:       time.Now(),
		DurationMs:      42,
	})

	require.Len(t, b.har.Entries, 1)
	entry := b.har.Entries[0]
	assert.Equal(t, "1.2", b.har.Version)
	assert.Equal(t, "POST", entry.Request.Method)
	assert.Equal(t, 42.0, entry.Time)
	require.NotNil(t, entry.Request.PostData)
	assert.Contains(t, entry.Request.PostData.Text, "admin'--")
	assert.Equal(t, "OK", entry.Response.StatusText)
	assert.Equal(t, "text/html", entry.Response.Content.MimeType)
	assert.Equal(t, "<html>welcome</html>", entry.Response.Content.Text)
}

func TestLargeResponseBodiesAreDropped(t *testing.T) {
	b, _ := newTestBuilder(t)
	b.AddExchange(Exchange{
		Method:         "GET",
		URL:            "http://decoy/dump",
		ResponseStatus: 200,
		ResponseBody:   strings.Repeat("x", 20000),
		StartTime:      time.Now(),
	})
	assert.Empty(t, b.har.Entries[0].Response.Content.Text)
	assert.Equal(t, 20000, b.har.Entries[0].Response.Content.Size)

	b.AddExchange(Exchange{
		Method:         "GET",
		URL:            "http://decoy/mid",
		ResponseStatus: 200,
		ResponseBody:   strings.Repeat("y", 2000),
		StartTime:      time.Now(),
	})
	assert.Len(t, b.har.Entries[1].Response.Content.Text, 1000)
}

func TestAddPayloadRecordsArtifact(t *testing.T) {
	b, _ := newTestBuilder(t)
	require.NoError(t, b.AddPayload("sql_injection", "' OR 1=1--", "body.username", 0.85))
	require.NoError(t, b.AddPayload("xss", "<script>alert(1)</script>", "query.q", 0.80))

	require.Len(t, b.payloads, 2)
	assert.Equal(t, "payload_000", b.payloads[0].ArtifactID)
	assert.Equal(t, "payloads/payload_001.txt", b.payloads[1].FilePath)
	assert.Equal(t, PayloadChecksum("' OR 1=1--"), b.payloads[0].Checksum)
}

func TestBuildUploadRetrieveRoundTrip(t *testing.T) {
	ctx := context.Background()
	b, store := newTestBuilder(t)

	b.AddExchange(Exchange{
		Method:         "GET",
		URL:            "http://decoy/admin?id=1' OR 1=1--",
		ResponseStatus: 200,
		ResponseBody:   "denied",
		StartTime:      time.Now(),
		DurationMs:     15,
	})
	require.NoError(t, b.AddPayload("sql_injection", "1' OR 1=1--", "query.id", 0.85))
	b.AddTag("sql_injection")
	b.AddTag("sql_injection") // duplicates collapse

	profile := &BehaviorProfile{
		Intent:              "exploitation",
		SophisticationScore: 0.6,
		ToolSignatures:      []string{"sqlmap"},
	}
	pointer, err := b.BuildAndUpload(ctx, "evidence", profile)
	require.NoError(t, err)
	assert.Equal(t, StatusEvidenceReady, pointer.Status)
	assert.Equal(t, "evt_abc123def456", pointer.EventID)
	assert.Equal(t, 1, pointer.PayloadCount)
	assert.Equal(t, 1, pointer.RequestCount)
	assert.Equal(t, []string{"sql_injection"}, pointer.Tags)
	assert.Equal(t, "s3://evidence/evt_abc123def456/", pointer.Location)
	assert.NotEmpty(t, pointer.Checksum)

	ret, err := NewRetriever(store, t.TempDir())
	require.NoError(t, err)
	got, err := ret.Retrieve(ctx, *pointer)
	require.NoError(t, err)
	defer ret.Cleanup(got.Workspace)

	assert.True(t, got.Valid, "recomputed package checksum should match")
	require.NotNil(t, got.Metadata)
	assert.Equal(t, "sess_1", got.Metadata.SessionMetadata.SessionID)
	assert.Equal(t, "labyrinth", got.Metadata.CreatedBy)
	require.NotNil(t, got.Metadata.BehaviorProfile)
	assert.Equal(t, "exploitation", got.Metadata.BehaviorProfile.Intent)
	require.NotNil(t, got.HAR)
	assert.Len(t, got.HAR.Entries, 1)
	require.Len(t, got.Payloads, 1)
	assert.Equal(t, "1' OR 1=1--", got.Payloads[0].PayloadValue)
	assert.Len(t, ret.PayloadFiles(got.Workspace), 1)
}

func TestRetrieveFlagsTamperedPackage(t *testing.T) {
	ctx := context.Background()
	b, store := newTestBuilder(t)
	b.AddExchange(Exchange{Method: "GET", URL: "http://decoy/", ResponseStatus: 200, StartTime: time.Now()})
	pointer, err := b.BuildAndUpload(ctx, "evidence", nil)
	require.NoError(t, err)

	// Overwrite an artifact after upload; the recomputed checksum must differ.
	_, err = store.Upload(ctx, "evidence", pointer.EventID+"/session.har",
		strings.NewReader(`{"version":"1.2","creator":{"name":"x","version":"0"},"entries":[]}`), "application/json")
	require.NoError(t, err)

	ret, err := NewRetriever(store, t.TempDir())
	require.NoError(t, err)
	got, err := ret.Retrieve(ctx, *pointer)
	require.NoError(t, err)
	defer ret.Cleanup(got.Workspace)
	assert.False(t, got.Valid)
}

func TestManifestCoversArtifacts(t *testing.T) {
	ctx := context.Background()
	b, store := newTestBuilder(t)
	require.NoError(t, b.AddPayload("xss", "<svg onload=alert(1)>", "body.comment", 0.8))
	pointer, err := b.BuildAndUpload(ctx, "evidence", nil)
	require.NoError(t, err)

	ret, err := NewRetriever(store, t.TempDir())
	require.NoError(t, err)
	got, err := ret.Retrieve(ctx, *pointer)
	require.NoError(t, err)
	defer ret.Cleanup(got.Workspace)

	// metadata.json cannot list itself; everything else appears.
	objects := make([]string, 0, len(got.Metadata.ArtifactsManifest))
	for _, ref := range got.Metadata.ArtifactsManifest {
		objects = append(objects, ref.Object)
		assert.Len(t, ref.Checksum, 64)
		assert.Positive(t, ref.Size)
	}
	assert.Contains(t, objects, "session.har")
	assert.Contains(t, objects, "payloads/payload_000.txt")
	assert.NotContains(t, objects, "metadata.json")
}
