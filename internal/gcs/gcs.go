// Package gcs handles uploading and downloading objects to Google Cloud
// Storage (GCS).
//
// Without explicit credentials the client uses application default
// credentials, for example ~/.config/gcloud/application_default_credentials.json
// or the workload identity of the pod.
package gcs

import (
	"context"
	"errors"
	"fmt"
	"io"
	"time"

	"cloud.google.com/go/storage"
	"github.com/googleapis/google-cloud-go-testing/storage/stiface"
	"google.golang.org/api/option"

	"github.com/opencost/opencost-parquet-exporter/api"
)

type StorageClient struct {
	bucket       string
	client       stiface.Client
	bucketHandle stiface.BucketHandle
}

var (
	downloadTimeout = 2 * time.Minute

	ErrCreateClient   = errors.New("failed to create GCS client")
	ErrDownloadObject = errors.New("failed to download GCS object")
	ErrUploadObject   = errors.New("failed to upload GCS object")
	ErrCloseObject    = errors.New("failed to close GCS object")

	// Testing and debugging support.
	storageNewClient = storage.NewClient
	verbose          = func(fmt string, args ...interface{}) {}
)

// Verbose provides a convenient way for the caller to enable verbose
// printing and control its format (mostly for debugging).
func Verbose(v func(string, ...interface{})) {
	verbose = v
}

// NewClient returns a new GCS client for the specified bucket.  Failed
// calls are not retried.
func NewClient(ctx context.Context, bucket string, opts ...option.ClientOption) (*StorageClient, error) {
	verbose("creating new storage client for %v", bucket)
	client, err := storageNewClient(ctx, opts...)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrCreateClient, err)
	}
	client.SetRetry(storage.WithPolicy(storage.RetryNever))
	adaptClient := stiface.AdaptClient(client)
	return newStorageClient(bucket, adaptClient, adaptClient.Bucket(bucket)), nil
}

func newStorageClient(bucket string, client stiface.Client, bucketHandle stiface.BucketHandle) *StorageClient {
	return &StorageClient{
		bucket:       bucket,
		client:       client,
		bucketHandle: bucketHandle,
	}
}

// URL returns the gs:// URL of objPath.
func (s *StorageClient) URL(objPath string) string {
	return "gs://" + s.bucket + "/" + objPath
}

// Download downloads the specified object from GCS.
func (s *StorageClient) Download(ctx context.Context, objPath string) ([]byte, error) {
	verbose("downloading '%v:%v'", s.bucket, objPath)
	storageCtx, storageCancel := context.WithTimeout(ctx, downloadTimeout)
	defer storageCancel()
	obj := s.bucketHandle.Object(objPath)
	reader, err := obj.NewReader(storageCtx)
	if err != nil {
		return nil, fmt.Errorf("'%v:%v': %w", s.bucket, objPath, err)
	}
	defer reader.Close()
	contents, err := io.ReadAll(reader)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrDownloadObject, err)
	}
	verbose("'%v:%v' %v bytes", s.bucket, objPath, len(contents))
	return contents, nil
}

// Upload uploads the specified contents to GCS in a single attempt.
// Errors returned by the storage API stay in the error chain.
func (s *StorageClient) Upload(ctx context.Context, objPath string, contents []byte) error {
	verbose("uploading '%v:%v'", s.bucket, objPath)
	obj := s.bucketHandle.Object(objPath)
	writer := obj.NewWriter(ctx)
	writer.ObjectAttrs().ContentType = api.ContentType
	for written := 0; written < len(contents); {
		n, err := writer.Write(contents[written:])
		if err != nil {
			writer.Close()
			return fmt.Errorf("%w: %w", ErrUploadObject, err)
		}
		written += n
	}
	if err := writer.Close(); err != nil {
		return fmt.Errorf("%w: %w", ErrCloseObject, err)
	}
	verbose("successfully uploaded '%v:%v' to GCS %v bytes", s.bucket, objPath, len(contents))
	return nil
}
