// Package fetch retrieves allocation data from the OpenCost API.
//
// A fetch is a single attempt.  The connection must be established
// within DialTimeout but reading the response has no deadline because
// OpenCost can take a long time to compute large windows.
package fetch

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"mime"
	"net"
	"net/http"
	"net/url"
	"os"
	"strings"
	"time"

	"github.com/opencost/opencost-parquet-exporter/api"
)

var (
	// DialTimeout bounds connection establishment.
	DialTimeout = 15 * time.Second

	ErrTransport     = errors.New("failed to reach OpenCost")
	ErrTimeout       = errors.New("timed out connecting to OpenCost")
	ErrStatus        = errors.New("unexpected HTTP status from OpenCost")
	ErrContentType   = errors.New("response is not JSON")
	ErrMalformedBody = errors.New("failed to decode response body")
	ErrMissingData   = errors.New("response has no data key")

	// Testing and debugging support.
	verbose = func(fmt string, args ...interface{}) {}
)

// Verbose provides a convenient way for the caller to enable verbose
// printing and control its format (mostly for debugging).
func Verbose(v func(string, ...interface{})) {
	verbose = v
}

// Client fetches allocation data.
type Client struct {
	httpClient *http.Client
}

// NewClient returns a client whose transport enforces DialTimeout and
// does not retry.
func NewClient() *Client {
	dialer := &net.Dialer{Timeout: DialTimeout}
	transport := &http.Transport{
		Proxy:                 http.ProxyFromEnvironment,
		DialContext:           dialer.DialContext,
		TLSHandshakeTimeout:   DialTimeout,
		ResponseHeaderTimeout: 0,
	}
	return &Client{httpClient: &http.Client{Transport: transport}}
}

// Fetch issues one GET request to rawURL with the given query parameters
// and returns the "data" array of the response.
func (c *Client) Fetch(ctx context.Context, rawURL string, params url.Values) (api.AllocationResponse, error) {
	u, err := url.Parse(rawURL)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrTransport, err)
	}
	u.RawQuery = params.Encode()
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u.String(), nil)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrTransport, err)
	}
	req.Header.Set("Accept", "application/json")
	verbose("GET %v", u.String())
	resp, err := c.httpClient.Do(req)
	if err != nil {
		if isTimeout(err) {
			return nil, fmt.Errorf("%w: %v", ErrTimeout, err)
		}
		return nil, fmt.Errorf("%w: %v", ErrTransport, err)
	}
	defer resp.Body.Close()
	verbose("%v %v content-type %q", u.Host, resp.Status, resp.Header.Get("Content-Type"))

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		snippet, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return nil, fmt.Errorf("%w: %v: %s", ErrStatus, resp.Status, strings.TrimSpace(string(snippet)))
	}
	if err := checkContentType(resp.Header.Get("Content-Type")); err != nil {
		return nil, err
	}
	return decode(resp.Body)
}

// checkContentType verifies the declared media type is JSON.
func checkContentType(contentType string) error {
	mediaType, _, err := mime.ParseMediaType(contentType)
	if err != nil || mediaType != "application/json" {
		return fmt.Errorf("%w: %q", ErrContentType, contentType)
	}
	return nil
}

// decode decodes the response envelope and returns its "data" array.
// Numbers are kept as json.Number so no precision is lost before
// normalization.
func decode(body io.Reader) (api.AllocationResponse, error) {
	var envelope map[string]json.RawMessage
	dec := json.NewDecoder(body)
	dec.UseNumber()
	if err := dec.Decode(&envelope); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformedBody, err)
	}
	raw, ok := envelope["data"]
	if !ok {
		return nil, ErrMissingData
	}
	var data api.AllocationResponse
	dec = json.NewDecoder(bytes.NewReader(raw))
	dec.UseNumber()
	if err := dec.Decode(&data); err != nil {
		return nil, fmt.Errorf("%w: data: %v", ErrMalformedBody, err)
	}
	verbose("decoded %d result set(s)", len(data))
	return data, nil
}

func isTimeout(err error) bool {
	if errors.Is(err, context.DeadlineExceeded) || errors.Is(err, os.ErrDeadlineExceeded) {
		return true
	}
	var netErr net.Error
	return errors.As(err, &netErr) && netErr.Timeout()
}
