package domain

import (
	"context"
	"io"
)

// BlobWriter uploads archive objects to blob storage.
type BlobWriter interface {
	Put(ctx context.Context, path string, data io.Reader, contentType string) error
}
