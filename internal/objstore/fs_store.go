package objstore

import (
	"bytes"
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"
)

// FSStore is a directory-backed Store used in dev and tests. Objects live
// under root/bucket/object with the same checksum semantics as S3Store.
type FSStore struct {
	root string
}

func NewFSStore(root string) (*FSStore, error) {
	if err := os.MkdirAll(root, 0o755); err != nil {
		return nil, fmt.Errorf("create store root %s: %w", root, err)
	}
	return &FSStore{root: root}, nil
}

func (s *FSStore) EnsureBucket(_ context.Context, bucket string) error {
	return os.MkdirAll(filepath.Join(s.root, bucket), 0o755)
}

func (s *FSStore) objectPath(bucket, object string) string {
	return filepath.Join(s.root, bucket, filepath.FromSlash(object))
}

func (s *FSStore) Upload(_ context.Context, bucket, object string, r io.Reader, _ string) (ObjectInfo, error) {
	data, err := io.ReadAll(r)
	if err != nil {
		return ObjectInfo{}, fmt.Errorf("read upload body: %w", err)
	}

	path := s.objectPath(bucket, object)
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return ObjectInfo{}, fmt.Errorf("mkdir for %s: %w", object, err)
	}
	if err := os.WriteFile(path, data, 0o644); err != nil {
		return ObjectInfo{}, fmt.Errorf("write object %s: %w", object, err)
	}

	sum := sha256.Sum256(data)
	return ObjectInfo{
		Bucket:     bucket,
		Object:     object,
		Size:       int64(len(data)),
		Checksum:   hex.EncodeToString(sum[:]),
		UploadedAt: time.Now().UTC(),
	}, nil
}

func (s *FSStore) UploadFile(ctx context.Context, bucket, object, path string) (ObjectInfo, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return ObjectInfo{}, fmt.Errorf("open %s: %w", path, err)
	}
	return s.Upload(ctx, bucket, object, bytes.NewReader(data), contentTypeFor(path))
}

func (s *FSStore) Download(_ context.Context, bucket, object string) ([]byte, error) {
	data, err := os.ReadFile(s.objectPath(bucket, object))
	if err != nil {
		return nil, fmt.Errorf("fs get %s/%s: %w", bucket, object, err)
	}
	return data, nil
}

func (s *FSStore) DownloadFile(ctx context.Context, bucket, object, path, expectedChecksum string) (ObjectInfo, error) {
	data, err := s.Download(ctx, bucket, object)
	if err != nil {
		return ObjectInfo{}, err
	}

	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return ObjectInfo{}, fmt.Errorf("mkdir for %s: %w", path, err)
	}
	if err := os.WriteFile(path, data, 0o644); err != nil {
		return ObjectInfo{}, fmt.Errorf("write %s: %w", path, err)
	}

	sum := sha256.Sum256(data)
	info := ObjectInfo{
		Bucket:   bucket,
		Object:   object,
		Size:     int64(len(data)),
		Checksum: hex.EncodeToString(sum[:]),
	}
	if expectedChecksum != "" && info.Checksum != expectedChecksum {
		return info, fmt.Errorf("%w: %s/%s", ErrChecksumMismatch, bucket, object)
	}
	return info, nil
}

func (s *FSStore) List(_ context.Context, bucket, prefix string) ([]ObjectInfo, error) {
	bucketRoot := filepath.Join(s.root, bucket)
	var infos []ObjectInfo

	err := filepath.WalkDir(bucketRoot, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			if os.IsNotExist(err) {
				return nil
			}
			return err
		}
		if d.IsDir() {
			return nil
		}
		rel, err := filepath.Rel(bucketRoot, path)
		if err != nil {
			return err
		}
		object := filepath.ToSlash(rel)
		if !strings.HasPrefix(object, prefix) {
			return nil
		}
		fi, err := d.Info()
		if err != nil {
			return err
		}
		infos = append(infos, ObjectInfo{
			Bucket:     bucket,
			Object:     object,
			Size:       fi.Size(),
			UploadedAt: fi.ModTime(),
		})
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("fs list %s/%s: %w", bucket, prefix, err)
	}

	sort.Slice(infos, func(i, j int) bool { return infos[i].Object < infos[j].Object })
	return infos, nil
}

func (s *FSStore) Delete(_ context.Context, bucket, object string) error {
	if err := os.Remove(s.objectPath(bucket, object)); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("fs delete %s/%s: %w", bucket, object, err)
	}
	return nil
}

// PresignedGet returns a file:// URL; there is no auth to presign locally.
func (s *FSStore) PresignedGet(_ context.Context, bucket, object string, _ time.Duration) (string, error) {
	return "file://" + s.objectPath(bucket, object), nil
}
