// Package blob holds newsletter bodies outside the database. Shared content
// is keyed by its hash and written once; private content gets a fresh key per
// message. Callers go through PutContent and GetContent, which fix the
// envelope format.
package blob

import (
	"context"
	"errors"
	"fmt"
	"strings"
)

// ErrNotFound is returned by Get for a key no backend object exists under.
var ErrNotFound = errors.New("blob not found")

// Store is a flat key/value object store. Put overwrites, Delete of a missing
// key is not an error.
type Store interface {
	Put(ctx context.Context, key, contentType string, body []byte) error
	Get(ctx context.Context, key string) ([]byte, error)
	Delete(ctx context.Context, key string) error
}

type Backend string

const (
	BackendFilesystem Backend = "filesystem"
	BackendS3         Backend = "s3"
	BackendMemory     Backend = "memory"
)

// ParseBackend accepts the backend names used in BLOB_BACKEND, including the
// aliases operators tend to type.
func ParseBackend(name string) (Backend, error) {
	switch strings.ToLower(strings.TrimSpace(name)) {
	case "", "filesystem", "fs", "local":
		return BackendFilesystem, nil
	case "s3", "minio", "r2":
		return BackendS3, nil
	case "memory":
		return BackendMemory, nil
	}
	return "", fmt.Errorf("unsupported blob backend %q", name)
}

type Config struct {
	Backend string
	// FSRoot is the directory for the filesystem backend.
	FSRoot string
	S3     S3Config
}

// NewFromConfig opens the configured backend. The S3 backend checks that the
// bucket exists before returning.
func NewFromConfig(ctx context.Context, cfg Config) (Store, error) {
	backend, err := ParseBackend(cfg.Backend)
	if err != nil {
		return nil, err
	}
	switch backend {
	case BackendS3:
		return NewS3Store(ctx, cfg.S3)
	case BackendMemory:
		return NewMemoryStore(), nil
	default:
		return NewFilesystemStore(cfg.FSRoot)
	}
}
