// Package storage persists customer uploads in Cloud Storage.
package storage

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/url"
	"strings"

	gcs "cloud.google.com/go/storage"
	"github.com/oklog/ulid/v2"

	"github.com/storefront/api/internal/services"
)

const publicHost = "https://storage.googleapis.com"

// ErrUploadTooLarge is returned when the body exceeds the configured byte limit.
var ErrUploadTooLarge = errors.New("storage: upload exceeds size limit")

var screenshotExtensions = map[string]string{
	"image/png":  ".png",
	"image/jpeg": ".jpg",
	"image/webp": ".webp",
}

type writerFactory func(ctx context.Context, bucket, object, contentType string) io.WriteCloser

// ScreenshotStore uploads payment screenshots and returns the object URL.
type ScreenshotStore struct {
	bucket    string
	maxBytes  int64
	newWriter writerFactory
	newID     func() string
}

// NewScreenshotStore constructs a store writing into bucket.
func NewScreenshotStore(client *gcs.Client, bucket string, maxBytes int64) (*ScreenshotStore, error) {
	if client == nil {
		return nil, errors.New("storage: client is required")
	}
	return newScreenshotStore(func(ctx context.Context, bucket, object, contentType string) io.WriteCloser {
		w := client.Bucket(bucket).Object(object).NewWriter(ctx)
		w.ContentType = contentType
		w.CacheControl = "private, max-age=0"
		return w
	}, bucket, maxBytes)
}

func newScreenshotStore(factory writerFactory, bucket string, maxBytes int64) (*ScreenshotStore, error) {
	bucket = strings.TrimSpace(bucket)
	if bucket == "" {
		return nil, errors.New("storage: bucket name is required")
	}
	if maxBytes <= 0 {
		maxBytes = services.MaxScreenshotBytes
	}
	return &ScreenshotStore{
		bucket:    bucket,
		maxBytes:  maxBytes,
		newWriter: factory,
		newID:     func() string { return strings.ToLower(ulid.Make().String()) },
	}, nil
}

// Upload implements services.ScreenshotStore.
func (s *ScreenshotStore) Upload(ctx context.Context, userID string, upload services.ScreenshotUpload) (string, error) {
	contentType := strings.ToLower(strings.TrimSpace(upload.ContentType))
	ext, ok := screenshotExtensions[contentType]
	if !ok {
		return "", fmt.Errorf("storage: content type %q not allowed", upload.ContentType)
	}
	if upload.Body == nil {
		return "", errors.New("storage: upload body is required")
	}
	if upload.Size > s.maxBytes {
		return "", ErrUploadTooLarge
	}
	object, err := BuildObjectPath(PurposePaymentScreenshot, PathParams{
		UserID:   userID,
		UploadID: s.newID(),
		FileName: "screenshot" + ext,
	})
	if err != nil {
		return "", err
	}

	// Cancelling the writer context before Close aborts the upload instead of committing it.
	writeCtx, cancel := context.WithCancel(ctx)
	defer cancel()
	w := s.newWriter(writeCtx, s.bucket, object, contentType)
	n, err := io.Copy(w, io.LimitReader(upload.Body, s.maxBytes+1))
	if err != nil {
		cancel()
		_ = w.Close()
		return "", fmt.Errorf("storage: write %s: %w", object, err)
	}
	if n > s.maxBytes {
		cancel()
		_ = w.Close()
		return "", ErrUploadTooLarge
	}
	if err := w.Close(); err != nil {
		return "", fmt.Errorf("storage: finalise %s: %w", object, err)
	}
	return objectURL(s.bucket, object), nil
}

func objectURL(bucket, object string) string {
	return publicHost + "/" + bucket + "/" + (&url.URL{Path: object}).EscapedPath()
}
