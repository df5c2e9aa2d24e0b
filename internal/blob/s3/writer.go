package s3blob

import (
	"context"
	"fmt"
	"io"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/feature/s3/manager"
	"github.com/aws/aws-sdk-go-v2/service/s3"
)

// Writer uploads trade archive objects to the configured bucket. It
// implements domain.BlobWriter.
type Writer struct {
	uploader *manager.Uploader
	bucket   string
}

// NewWriter creates a Writer uploading to the client's bucket. Uploads go
// through the SDK upload manager, which streams the body and switches to
// multipart only when a batch outgrows a single part.
func NewWriter(c *Client) *Writer {
	return &Writer{
		uploader: manager.NewUploader(c.S3()),
		bucket:   c.Bucket(),
	}
}

// Put uploads data to path. The archiver calls this once per drained batch;
// a retried batch re-uploads under the same key and overwrites.
func (w *Writer) Put(ctx context.Context, path string, data io.Reader, contentType string) error {
	_, err := w.uploader.Upload(ctx, &s3.PutObjectInput{
		Bucket:      aws.String(w.bucket),
		Key:         aws.String(path),
		Body:        data,
		ContentType: aws.String(contentType),
	})
	if err != nil {
		return fmt.Errorf("s3blob: put object %s: %w", path, err)
	}
	return nil
}
