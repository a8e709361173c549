// Package s3 uploads objects to Amazon S3 and S3-compatible stores.
//
// Credentials come from the default AWS chain: environment variables,
// shared config files, web identity, or the instance role.
package s3

import (
	"bytes"
	"context"
	"errors"
	"fmt"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/config"
	awss3 "github.com/aws/aws-sdk-go-v2/service/s3"

	"github.com/opencost/opencost-parquet-exporter/api"
)

// putObjectAPI is the subset of the S3 client used here.
type putObjectAPI interface {
	PutObject(ctx context.Context, params *awss3.PutObjectInput, optFns ...func(*awss3.Options)) (*awss3.PutObjectOutput, error)
}

// Options customize the S3 client.  Zero values use the SDK defaults.
type Options struct {
	Region   string
	Endpoint string // S3-compatible endpoint, addressed path-style
}

type Client struct {
	bucket      string
	putter      putObjectAPI
	credentials aws.CredentialsProvider
}

var (
	ErrLoadConfig  = errors.New("failed to load AWS config")
	ErrCredentials = errors.New("failed to retrieve AWS credentials")
	ErrPutObject   = errors.New("failed to put S3 object")

	// Testing and debugging support.
	loadDefaultConfig = config.LoadDefaultConfig
	verbose           = func(fmt string, args ...interface{}) {}
)

// Verbose provides a convenient way for the caller to enable verbose
// printing and control its format (mostly for debugging).
func Verbose(v func(string, ...interface{})) {
	verbose = v
}

// NewClient returns a client that uploads to bucket.  The SDK retryer
// is limited to one attempt.
func NewClient(ctx context.Context, bucket string, opts Options) (*Client, error) {
	verbose("creating new S3 client for %v (region %q, endpoint %q)", bucket, opts.Region, opts.Endpoint)
	loadOpts := []func(*config.LoadOptions) error{config.WithRetryMaxAttempts(1)}
	if opts.Region != "" {
		loadOpts = append(loadOpts, config.WithRegion(opts.Region))
	}
	cfg, err := loadDefaultConfig(ctx, loadOpts...)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrLoadConfig, err)
	}
	client := awss3.NewFromConfig(cfg, func(o *awss3.Options) {
		if opts.Endpoint != "" {
			o.BaseEndpoint = aws.String(opts.Endpoint)
			o.UsePathStyle = true
		}
	})
	return newClient(bucket, client, cfg.Credentials), nil
}

func newClient(bucket string, putter putObjectAPI, credentials aws.CredentialsProvider) *Client {
	return &Client{
		bucket:      bucket,
		putter:      putter,
		credentials: credentials,
	}
}

// URL returns the s3:// URL of objPath.
func (c *Client) URL(objPath string) string {
	return "s3://" + c.bucket + "/" + objPath
}

// Upload puts contents at objPath.  Credentials are resolved first so
// a missing or broken credential chain is reported as ErrCredentials
// rather than as a failed request.
func (c *Client) Upload(ctx context.Context, objPath string, contents []byte) error {
	verbose("uploading 's3://%v/%v'", c.bucket, objPath)
	if c.credentials == nil {
		return fmt.Errorf("%w: no credential provider", ErrCredentials)
	}
	if _, err := c.credentials.Retrieve(ctx); err != nil {
		return fmt.Errorf("%w: %w", ErrCredentials, err)
	}
	_, err := c.putter.PutObject(ctx, &awss3.PutObjectInput{
		Bucket:        aws.String(c.bucket),
		Key:           aws.String(objPath),
		Body:          bytes.NewReader(contents),
		ContentLength: aws.Int64(int64(len(contents))),
		ContentType:   aws.String(api.ContentType),
	})
	if err != nil {
		return fmt.Errorf("%w: %w", ErrPutObject, err)
	}
	verbose("successfully uploaded 's3://%v/%v' %v bytes", c.bucket, objPath, len(contents))
	return nil
}
