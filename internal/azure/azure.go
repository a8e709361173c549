// Package azure uploads objects to Azure Blob Storage.
package azure

import (
	"context"
	"errors"
	"fmt"

	"github.com/Azure/azure-sdk-for-go/sdk/azcore"
	"github.com/Azure/azure-sdk-for-go/sdk/azcore/policy"
	"github.com/Azure/azure-sdk-for-go/sdk/azidentity"
	"github.com/Azure/azure-sdk-for-go/sdk/storage/azblob"
	"github.com/Azure/azure-sdk-for-go/sdk/storage/azblob/blob"

	"github.com/opencost/opencost-parquet-exporter/api"
)

// uploadAPI is the subset of the blob client used here.
type uploadAPI interface {
	UploadBuffer(ctx context.Context, containerName, blobName string, buffer []byte, o *azblob.UploadBufferOptions) (azblob.UploadBufferResponse, error)
}

// Credentials of a service principal.  When ClientSecret is empty the
// default Azure credential chain (environment, workload identity,
// managed identity, Azure CLI) is used instead.
type Credentials struct {
	TenantID     string
	ClientID     string
	ClientSecret string
}

type Client struct {
	account   string
	container string
	uploader  uploadAPI
}

var (
	ErrCredentials  = errors.New("failed to create Azure credential")
	ErrCreateClient = errors.New("failed to create Azure blob client")
	ErrUploadBlob   = errors.New("failed to upload Azure blob")

	// Testing and debugging support.
	verbose = func(fmt string, args ...interface{}) {}
)

// Verbose provides a convenient way for the caller to enable verbose
// printing and control its format (mostly for debugging).
func Verbose(v func(string, ...interface{})) {
	verbose = v
}

// ServiceURL returns the blob service endpoint of a storage account.
func ServiceURL(account string) string {
	return "https://" + account + ".blob.core.windows.net/"
}

// NewClient returns a client that uploads into container of the
// storage account.  Failed requests are not retried.
func NewClient(account, container string, creds Credentials) (*Client, error) {
	verbose("creating new blob client for %v/%v", account, container)
	var (
		cred azcore.TokenCredential
		err  error
	)
	if creds.ClientSecret != "" {
		cred, err = azidentity.NewClientSecretCredential(creds.TenantID, creds.ClientID, creds.ClientSecret, nil)
	} else {
		cred, err = azidentity.NewDefaultAzureCredential(nil)
	}
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrCredentials, err)
	}
	client, err := azblob.NewClient(ServiceURL(account), cred, &azblob.ClientOptions{
		ClientOptions: azcore.ClientOptions{
			Retry: policy.RetryOptions{MaxRetries: -1},
		},
	})
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrCreateClient, err)
	}
	return newClient(account, container, client), nil
}

func newClient(account, container string, uploader uploadAPI) *Client {
	return &Client{
		account:   account,
		container: container,
		uploader:  uploader,
	}
}

// URL returns the https URL of the blob at objPath.
func (c *Client) URL(objPath string) string {
	return ServiceURL(c.account) + c.container + "/" + objPath
}

// Upload writes contents to the blob at objPath, replacing any existing
// blob.
func (c *Client) Upload(ctx context.Context, objPath string, contents []byte) error {
	verbose("uploading '%v/%v/%v'", c.account, c.container, objPath)
	contentType := api.ContentType
	_, err := c.uploader.UploadBuffer(ctx, c.container, objPath, contents, &azblob.UploadBufferOptions{
		HTTPHeaders: &blob.HTTPHeaders{BlobContentType: &contentType},
	})
	if err != nil {
		return fmt.Errorf("%w: %w", ErrUploadBlob, err)
	}
	verbose("successfully uploaded '%v/%v/%v' %v bytes", c.account, c.container, objPath, len(contents))
	return nil
}
