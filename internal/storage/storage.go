// Package storage persists fetched tender documents as immutable blobs.
package storage

import (
	"context"
	"errors"
	"fmt"

	"github.com/martinsantos/licitometro-sub001/internal/config"
)

// ErrNotFound is returned when a blob key is unknown.
var ErrNotFound = errors.New("blob not found")

// BlobStore writes document bodies and returns a stable URI for each.
type BlobStore interface {
	// Put stores data under key and returns the blob's URI.
	Put(ctx context.Context, key, contentType string, data []byte) (string, error)

	// Get returns a stored blob's bytes.
	Get(ctx context.Context, key string) ([]byte, error)

	// Close releases backend resources.
	Close() error
}

// New builds the BlobStore selected by the storage config.
func New(ctx context.Context, cfg config.StorageConfig) (BlobStore, error) {
	switch cfg.Backend {
	case "memory":
		return NewMemoryStore(), nil
	case "local":
		return NewLocalStore(cfg.LocalDir)
	case "gcs":
		return NewGCSStore(ctx, cfg.GCSBucket, cfg.Prefix)
	default:
		return nil, fmt.Errorf("unknown storage backend %q", cfg.Backend)
	}
}
