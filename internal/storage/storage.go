// Package storage writes normalized tables to their destination.
//
// Every destination implements Saver.  New picks the implementation
// from the storage backend of the export configuration.  The choice
// depends on nothing else, and an unknown backend is rejected before
// any client is created.
package storage

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"google.golang.org/api/option"

	"github.com/opencost/opencost-parquet-exporter/internal/azure"
	"github.com/opencost/opencost-parquet-exporter/internal/config"
	"github.com/opencost/opencost-parquet-exporter/internal/gcs"
	"github.com/opencost/opencost-parquet-exporter/internal/metrics"
	"github.com/opencost/opencost-parquet-exporter/internal/normalize"
	"github.com/opencost/opencost-parquet-exporter/internal/parquetfile"
	"github.com/opencost/opencost-parquet-exporter/internal/s3"
)

// Supported storage backends.
const (
	Local = "local"
	S3    = "s3"
	AWS   = "aws" // alias of S3
	Azure = "azure"
	GCP   = "gcp"
)

// Saver writes a table to its destination and returns the location of
// the written file.
type Saver interface {
	Save(ctx context.Context, t *normalize.Table, cfg *config.ExportConfig) (string, error)
}

// uploader is implemented by the object store clients.
type uploader interface {
	Upload(ctx context.Context, objPath string, contents []byte) error
	URL(objPath string) string
}

var (
	ErrAuth               = errors.New("storage authentication failed")
	ErrPermission         = errors.New("storage permission denied")
	ErrRemote             = errors.New("storage service failed")
	ErrLocalIO            = errors.New("local file I/O failed")
	ErrUnsupportedBackend = errors.New("unsupported storage backend")
	ErrConfig             = errors.New("incomplete storage configuration")
	ErrEncode             = errors.New("failed to encode table")

	// Testing and debugging support.
	newS3Client = func(ctx context.Context, c config.S3Config) (uploader, error) {
		return s3.NewClient(ctx, c.Bucket, s3.Options{Region: c.Region, Endpoint: c.Endpoint})
	}
	newAzureClient = func(ctx context.Context, c config.AzureConfig) (uploader, error) {
		return azure.NewClient(c.StorageAccount, c.Container, azure.Credentials{
			TenantID:     c.TenantID,
			ClientID:     c.ClientID,
			ClientSecret: c.ClientSecret,
		})
	}
	newGCSClient = func(ctx context.Context, c config.GCPConfig) (uploader, error) {
		var opts []option.ClientOption
		if len(c.CredentialsJSON) > 0 {
			opts = append(opts, option.WithCredentialsJSON(c.CredentialsJSON))
		}
		return gcs.NewClient(ctx, c.Bucket, opts...)
	}
	verbose = func(fmt string, args ...interface{}) {}
)

// Verbose provides a convenient way for the caller to enable verbose
// printing and control its format (mostly for debugging).
func Verbose(v func(string, ...interface{})) {
	verbose = v
}

// Backends returns the names accepted by New.
func Backends() []string {
	return []string{Local, S3, AWS, Azure, GCP}
}

// New returns the Saver of cfg.StorageBackend.  Creating an object
// store client does not contact the service; errors surface on Save.
func New(ctx context.Context, cfg *config.ExportConfig) (Saver, error) {
	backend := strings.ToLower(strings.TrimSpace(cfg.StorageBackend))
	verbose("selecting storage backend %q", backend)
	switch backend {
	case Local:
		return &localSaver{}, nil
	case S3, AWS:
		if cfg.S3.Bucket == "" {
			return nil, fmt.Errorf("%w: %v backend needs a bucket", ErrConfig, backend)
		}
		c, err := newS3Client(ctx, cfg.S3)
		if err != nil {
			return nil, classifyS3(err)
		}
		return &objectSaver{backend: S3, client: c, classify: classifyS3}, nil
	case Azure:
		if cfg.Azure.StorageAccount == "" || cfg.Azure.Container == "" {
			return nil, fmt.Errorf("%w: %v backend needs a storage account and a container", ErrConfig, backend)
		}
		c, err := newAzureClient(ctx, cfg.Azure)
		if err != nil {
			return nil, classifyAzure(err)
		}
		return &objectSaver{backend: Azure, client: c, classify: classifyAzure}, nil
	case GCP:
		if cfg.GCP.Bucket == "" {
			return nil, fmt.Errorf("%w: %v backend needs a bucket", ErrConfig, backend)
		}
		c, err := newGCSClient(ctx, cfg.GCP)
		if err != nil {
			return nil, classifyGCS(err)
		}
		return &objectSaver{backend: GCP, client: c, classify: classifyGCS}, nil
	}
	return nil, fmt.Errorf("%w: %q (supported: %v)", ErrUnsupportedBackend, cfg.StorageBackend, strings.Join(Backends(), ", "))
}

// ObjectKey returns the key of the exported file in an object store.
// Object keys never start with a slash.
func ObjectKey(cfg *config.ExportConfig) string {
	return strings.TrimLeft(cfg.ObjectPath(), "/")
}

// encode returns the Parquet encoding of t.
func encode(t *normalize.Table) ([]byte, error) {
	data, err := parquetfile.Encode(t, t.Metadata)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrEncode, err)
	}
	metrics.BytesWritten.Set(float64(len(data)))
	return data, nil
}

// objectSaver saves tables to an object store.
type objectSaver struct {
	backend  string
	client   uploader
	classify func(error) error
}

// Save uploads t in a single attempt.  Upload errors are classified as
// ErrAuth, ErrPermission, or ErrRemote with the SDK error kept in the
// chain.
func (s *objectSaver) Save(ctx context.Context, t *normalize.Table, cfg *config.ExportConfig) (string, error) {
	data, err := encode(t)
	if err != nil {
		return "", err
	}
	key := ObjectKey(cfg)
	verbose("saving %d bytes to %v object %v", len(data), s.backend, key)
	if err := s.client.Upload(ctx, key, data); err != nil {
		return "", s.classify(err)
	}
	return s.client.URL(key), nil
}
