// Package objstore provides the content-addressed evidence store. The S3
// backend speaks to any S3-compatible endpoint (MinIO in the reference
// deployment); the filesystem backend serves dev and tests with the same
// contract.
package objstore

import (
	"context"
	"fmt"
	"io"
	"strings"
	"time"
)

// ObjectInfo describes one stored object. Checksum is the SHA-256 of the
// object content, computed during upload.
type ObjectInfo struct {
	Bucket     string    `json:"bucket"`
	Object     string    `json:"object"`
	ETag       string    `json:"etag,omitempty"`
	Size       int64     `json:"size"`
	Checksum   string    `json:"checksum"`
	UploadedAt time.Time `json:"uploaded_at"`
}

// Store is the blob-store contract shared by the evidence builder and the
// analysis pipeline retriever.
type Store interface {
	EnsureBucket(ctx context.Context, bucket string) error
	Upload(ctx context.Context, bucket, object string, r io.Reader, contentType string) (ObjectInfo, error)
	UploadFile(ctx context.Context, bucket, object, path string) (ObjectInfo, error)
	Download(ctx context.Context, bucket, object string) ([]byte, error)
	// DownloadFile writes the object to path. When expectedChecksum is
	// non-empty the content hash is verified and a mismatch returns
	// ErrChecksumMismatch alongside the written file.
	DownloadFile(ctx context.Context, bucket, object, path, expectedChecksum string) (ObjectInfo, error)
	List(ctx context.Context, bucket, prefix string) ([]ObjectInfo, error)
	Delete(ctx context.Context, bucket, object string) error
	PresignedGet(ctx context.Context, bucket, object string, expiry time.Duration) (string, error)
}

var ErrChecksumMismatch = fmt.Errorf("object checksum mismatch")

// Location formats the canonical package location URL for a bucket prefix.
func Location(bucket, prefix string) string {
	if !strings.HasSuffix(prefix, "/") {
		prefix += "/"
	}
	return "s3://" + bucket + "/" + prefix
}

// ParseLocation splits an s3://bucket/prefix URL into bucket and prefix.
func ParseLocation(location string) (bucket, prefix string, err error) {
	trimmed := strings.TrimPrefix(location, "s3://")
	if trimmed == location {
		return "", "", fmt.Errorf("unsupported location %q: expected s3:// URL", location)
	}
	parts := strings.SplitN(trimmed, "/", 2)
	if len(parts) == 0 || parts[0] == "" {
		return "", "", fmt.Errorf("location %q has no bucket", location)
	}
	bucket = parts[0]
	if len(parts) == 2 {
		prefix = parts[1]
	}
	return bucket, prefix, nil
}
