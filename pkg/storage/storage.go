// Package storage publishes processed job outputs and cropped assets.
//
// LocalStorage keeps objects under a base directory and hands out URLs
// below a configurable prefix. Keys are slash separated and never escape
// the base directory.
package storage

import (
	"context"
	"fmt"
	"io"
	"path"
	"strings"
	"time"

	"github.com/google/uuid"
)

// Storage is the publishing target of the pipeline
type Storage interface {
	// Put stores data at key. Without opts.Overwrite an existing key fails
	// with ErrKeyExists.
	Put(ctx context.Context, key string, data io.Reader, opts PutOptions) error

	// Get returns the object at key; the caller closes the reader.
	// Missing keys fail with ErrNotFound.
	Get(ctx context.Context, key string) (io.ReadCloser, ObjectInfo, error)

	// Delete removes key. Deleting a missing key is not an error.
	Delete(ctx context.Context, key string) error

	// URL returns where the object can be fetched from
	URL(ctx context.Context, key string, expires time.Duration) (string, error)

	Exists(ctx context.Context, key string) (bool, error)
}

type PutOptions struct {
	// ContentType is detected from the key when empty
	ContentType string
	// MaxSize rejects larger objects with ErrTooLarge; 0 means no limit
	MaxSize   int64
	Overwrite bool
}

type ObjectInfo struct {
	Key          string
	Size         int64
	ContentType  string
	LastModified time.Time
}

type LocalConfig struct {
	// BasePath is the root directory, created on demand
	BasePath string
	// BaseURL prefixes returned URLs, e.g. "http://localhost:8080/files".
	// When empty, file:// URLs are returned.
	BaseURL string
}

// JobKey returns the key of a processed job output:
// jobs/{jobID}/{kind}/{uuid}.{ext}
func JobKey(jobID, kind, ext string) string {
	return fmt.Sprintf("jobs/%s/%s/%s.%s", jobID, kind, uuid.NewString(), strings.TrimPrefix(ext, "."))
}

// AssetKey returns the key of a cropped asset: assets/{batch}/{filename}
func AssetKey(batch, filename string) string {
	return path.Join("assets", batch, path.Base(filename))
}
