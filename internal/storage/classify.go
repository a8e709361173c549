package storage

import (
	"errors"
	"fmt"
	"net/http"

	"github.com/Azure/azure-sdk-for-go/sdk/azcore"
	"github.com/Azure/azure-sdk-for-go/sdk/azidentity"
	"github.com/aws/smithy-go"
	"google.golang.org/api/googleapi"

	"github.com/opencost/opencost-parquet-exporter/internal/azure"
	"github.com/opencost/opencost-parquet-exporter/internal/gcs"
	"github.com/opencost/opencost-parquet-exporter/internal/s3"
)

// S3 error codes that mean the caller's identity was not accepted or
// not allowed.
var (
	s3AuthCodes = map[string]bool{
		"InvalidAccessKeyId":    true,
		"SignatureDoesNotMatch": true,
		"ExpiredToken":          true,
		"InvalidToken":          true,
		"TokenRefreshRequired":  true,
	}
	s3PermissionCodes = map[string]bool{
		"AccessDenied":      true,
		"AllAccessDisabled": true,
		"AccountProblem":    true,
	}
)

func wrap(kind, err error) error {
	return fmt.Errorf("%w: %w", kind, err)
}

func classifyS3(err error) error {
	if errors.Is(err, s3.ErrCredentials) || errors.Is(err, s3.ErrLoadConfig) {
		return wrap(ErrAuth, err)
	}
	var apiErr smithy.APIError
	if errors.As(err, &apiErr) {
		switch code := apiErr.ErrorCode(); {
		case s3AuthCodes[code]:
			return wrap(ErrAuth, err)
		case s3PermissionCodes[code]:
			return wrap(ErrPermission, err)
		}
	}
	return wrap(ErrRemote, err)
}

func classifyAzure(err error) error {
	var authErr *azidentity.AuthenticationFailedError
	if errors.Is(err, azure.ErrCredentials) || errors.As(err, &authErr) {
		return wrap(ErrAuth, err)
	}
	var respErr *azcore.ResponseError
	if errors.As(err, &respErr) {
		return byStatus(respErr.StatusCode, err)
	}
	return wrap(ErrRemote, err)
}

func classifyGCS(err error) error {
	if errors.Is(err, gcs.ErrCreateClient) {
		return wrap(ErrAuth, err)
	}
	var apiErr *googleapi.Error
	if errors.As(err, &apiErr) {
		return byStatus(apiErr.Code, err)
	}
	return wrap(ErrRemote, err)
}

func byStatus(code int, err error) error {
	switch code {
	case http.StatusUnauthorized:
		return wrap(ErrAuth, err)
	case http.StatusForbidden:
		return wrap(ErrPermission, err)
	}
	return wrap(ErrRemote, err)
}
