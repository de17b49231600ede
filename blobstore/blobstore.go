// Package blobstore is the object-store client for raw uploads and
// generated reports. Blobs are addressed by (bucket, key); keys are
// derived deterministically from the dataset id, so no key is ever
// written twice. Any transport failure surfaces as a storage-unavailable
// fault, which the worker treats as transient.
package blobstore

import (
	"context"
	"strings"
)

// Store puts and gets whole blobs. Implementations must be safe for
// concurrent use.
type Store interface {
	// EnsureBucket creates the bucket when absent.
	EnsureBucket(ctx context.Context, bucket string) error
	// Put writes body under (bucket, key) and returns the etag.
	Put(ctx context.Context, bucket, key string, body []byte, contentType string) (string, error)
	// Get reads the blob at (bucket, key).
	Get(ctx context.Context, bucket, key string) ([]byte, error)
}

// UploadKey builds the object key for a dataset's raw upload.
func UploadKey(datasetID, originalFilename string) string {
	return "datasets/" + datasetID + "/source/" + Basename(originalFilename)
}

// ReportKey builds the object key for a dataset's generated report.
func ReportKey(datasetID string) string {
	return "datasets/" + datasetID + "/report/report.json"
}

// Basename strips directory components from a client-supplied filename.
// Both separator styles are stripped: multipart filenames can carry
// either.
func Basename(name string) string {
	if i := strings.LastIndexAny(name, `/\`); i >= 0 {
		name = name[i+1:]
	}
	return name
}
