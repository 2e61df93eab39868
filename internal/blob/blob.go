// Package blob stores uploaded objects (avatars, attachments) in
// named buckets on the local filesystem.
package blob

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
)

// Buckets the upload endpoint accepts.
var AllowedBuckets = []string{"photos", "avatars", "files", "video", "voice"}

// ErrInvalidName is returned for object or bucket names that would
// escape the storage directory.
var ErrInvalidName = errors.New("invalid object name")

// Store reads and writes objects in buckets.
type Store interface {
	Put(ctx context.Context, bucket, name string, r io.Reader) error
	Remove(ctx context.Context, bucket, name string) error
	Open(ctx context.Context, bucket, name string) (io.ReadCloser, error)
}

// DirStore keeps objects as files under baseDir/bucket/name.
type DirStore struct {
	baseDir string
}

// NewDirStore creates the base directory if needed.
func NewDirStore(baseDir string) (*DirStore, error) {
	if err := os.MkdirAll(baseDir, 0o755); err != nil {
		return nil, fmt.Errorf("create upload dir: %w", err)
	}
	return &DirStore{baseDir: baseDir}, nil
}

// BucketAllowed reports whether the bucket name is one of the known
// upload buckets.
func BucketAllowed(bucket string) bool {
	for _, b := range AllowedBuckets {
		if b == bucket {
			return true
		}
	}
	return false
}

func (d *DirStore) path(bucket, name string) (string, error) {
	if bucket == "" || name == "" ||
		strings.Contains(bucket, "/") || strings.Contains(bucket, "..") ||
		strings.Contains(name, "/") || strings.Contains(name, "\\") || strings.Contains(name, "..") {
		return "", ErrInvalidName
	}
	return filepath.Join(d.baseDir, bucket, name), nil
}

func (d *DirStore) Put(ctx context.Context, bucket, name string, r io.Reader) error {
	path, err := d.path(bucket, name)
	if err != nil {
		return err
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return fmt.Errorf("create bucket dir: %w", err)
	}

	tmp, err := os.CreateTemp(filepath.Dir(path), ".upload-*")
	if err != nil {
		return fmt.Errorf("create temp file: %w", err)
	}
	if _, err := io.Copy(tmp, r); err != nil {
		tmp.Close()
		os.Remove(tmp.Name())
		return fmt.Errorf("write object: %w", err)
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmp.Name())
		return fmt.Errorf("write object: %w", err)
	}
	if err := os.Rename(tmp.Name(), path); err != nil {
		os.Remove(tmp.Name())
		return fmt.Errorf("store object: %w", err)
	}
	return nil
}

// Remove deletes one object. Removing a missing object is a no-op.
func (d *DirStore) Remove(ctx context.Context, bucket, name string) error {
	path, err := d.path(bucket, name)
	if err != nil {
		return err
	}
	if err := os.Remove(path); err != nil && !errors.Is(err, os.ErrNotExist) {
		return fmt.Errorf("remove object: %w", err)
	}
	return nil
}

func (d *DirStore) Open(ctx context.Context, bucket, name string) (io.ReadCloser, error) {
	path, err := d.path(bucket, name)
	if err != nil {
		return nil, err
	}
	f, err := os.Open(path)
	if errors.Is(err, os.ErrNotExist) {
		return nil, os.ErrNotExist
	}
	if err != nil {
		return nil, fmt.Errorf("open object: %w", err)
	}
	return f, nil
}
