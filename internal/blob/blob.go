// Package blob is the object storage boundary for media files.
package blob

import (
	"context"
	"io"
	"time"

	"github.com/zeebo/errs"
)

// Error is the class of blob backend failures. Callers surface it as
// fault.Storage.
var Error = errs.Class("blob")

// ErrNotFound is returned by Head and Get for a missing object.
var ErrNotFound = errs.Class("blob not found")

// Info describes a stored object.
type Info struct {
	Path         string
	Size         int64
	ETag         string
	ContentType  string
	LastModified time.Time
}

// Part is one uploaded part of a multipart upload.
type Part struct {
	Number int    `json:"part_number"`
	ETag   string `json:"etag"`
}

// Store is the blob backend contract.
type Store interface {
	Put(ctx context.Context, path string, r io.Reader, size int64, contentType string) error
	Head(ctx context.Context, path string) (Info, error)
	Get(ctx context.Context, path string) (io.ReadCloser, error)
	// Delete removes an object. Deleting a missing object succeeds.
	Delete(ctx context.Context, path string) error

	PresignGet(ctx context.Context, path string, ttl time.Duration) (string, error)

	InitiateMultipart(ctx context.Context, path string) (uploadID string, err error)
	PresignPart(ctx context.Context, path, uploadID string, part int, ttl time.Duration) (string, error)
	CompleteMultipart(ctx context.Context, path, uploadID string, parts []Part) error
}
