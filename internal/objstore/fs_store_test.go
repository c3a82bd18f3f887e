package objstore

import (
	"context"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestFSStoreUploadDownloadRoundTrip(t *testing.T) {
	ctx := context.Background()
	store, err := NewFSStore(t.TempDir())
	require.NoError(t, err)

	info, err := store.Upload(ctx, "evidence", "evt_1/session.har", strings.NewReader(`{"version":"1.2"}`), "application/json")
	require.NoError(t, err)
	assert.Equal(t, int64(17), info.Size)
	assert.Len(t, info.Checksum, 64)

	data, err := store.Download(ctx, "evidence", "evt_1/session.har")
	require.NoError(t, err)
	assert.Equal(t, `{"version":"1.2"}`, string(data))
}

func TestFSStoreDownloadFileVerifiesChecksum(t *testing.T) {
	ctx := context.Background()
	store, err := NewFSStore(t.TempDir())
	require.NoError(t, err)

	info, err := store.Upload(ctx, "b", "obj", strings.NewReader("payload"), "")
	require.NoError(t, err)

	dst := filepath.Join(t.TempDir(), "obj.bin")
	got, err := store.DownloadFile(ctx, "b", "obj", dst, info.Checksum)
	require.NoError(t, err)
	assert.Equal(t, info.Checksum, got.Checksum)

	_, err = store.DownloadFile(ctx, "b", "obj", dst, strings.Repeat("0", 64))
	assert.ErrorIs(t, err, ErrChecksumMismatch)
}

func TestFSStoreListFiltersByPrefix(t *testing.T) {
	ctx := context.Background()
	store, err := NewFSStore(t.TempDir())
	require.NoError(t, err)

	for _, object := range []string{"evt_1/metadata.json", "evt_1/payloads/p0.txt", "evt_2/metadata.json"} {
		_, err := store.Upload(ctx, "evidence", object, strings.NewReader("x"), "")
		require.NoError(t, err)
	}

	infos, err := store.List(ctx, "evidence", "evt_1/")
	require.NoError(t, err)
	require.Len(t, infos, 2)
	// Sorted by object name.
	assert.Equal(t, "evt_1/metadata.json", infos[0].Object)
	assert.Equal(t, "evt_1/payloads/p0.txt", infos[1].Object)

	infos, err = store.List(ctx, "evidence", "evt_9/")
	require.NoError(t, err)
	assert.Empty(t, infos)

	// Unknown bucket behaves like an empty listing.
	infos, err = store.List(ctx, "ghost", "")
	require.NoError(t, err)
	assert.Empty(t, infos)
}

func TestFSStoreDeleteIsIdempotent(t *testing.T) {
	ctx := context.Background()
	store, err := NewFSStore(t.TempDir())
	require.NoError(t, err)

	_, err = store.Upload(ctx, "b", "obj", strings.NewReader("x"), "")
	require.NoError(t, err)
	require.NoError(t, store.Delete(ctx, "b", "obj"))
	require.NoError(t, store.Delete(ctx, "b", "obj"))

	_, err = store.Download(ctx, "b", "obj")
	assert.Error(t, err)
}

func TestFSStoreUploadFile(t *testing.T) {
	ctx := context.Background()
	store, err := NewFSStore(t.TempDir())
	require.NoError(t, err)

	src := filepath.Join(t.TempDir(), "artifact.txt")
	require.NoError(t, os.WriteFile(src, []byte("captured"), 0o644))

	info, err := store.UploadFile(ctx, "evidence", "evt_1/artifact.txt", src)
	require.NoError(t, err)
	assert.Equal(t, int64(8), info.Size)

	data, err := store.Download(ctx, "evidence", "evt_1/artifact.txt")
	require.NoError(t, err)
	assert.Equal(t, "captured", string(data))
}

func TestLocationRoundTrip(t *testing.T) {
	loc := Location("evidence", "evt_1")
	assert.Equal(t, "s3://evidence/evt_1/", loc)

	bucket, prefix, err := ParseLocation(loc)
	require.NoError(t, err)
	assert.Equal(t, "evidence", bucket)
	assert.Equal(t, "evt_1/", prefix)

	_, _, err = ParseLocation("gs://nope/evt_1/")
	assert.Error(t, err)
	_, _, err = ParseLocation("s3://")
	assert.Error(t, err)
}
