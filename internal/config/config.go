// Package config defines the immutable configuration of an export run.
//
// An ExportConfig is resolved once at the process boundary (flags and
// environment variables) and then passed by pointer through the pipeline.
// No package reads the environment directly and nothing modifies an
// ExportConfig after New returns it.
package config

import (
	"errors"
	"fmt"
	"net"
	"net/url"
	"strconv"
	"strings"
	"time"

	"cloud.google.com/go/civil"
	"github.com/go-playground/validator/v10"

	"github.com/opencost/opencost-parquet-exporter/api"
)

// ExportConfig holds everything one run needs.
type ExportConfig struct {
	Hostname    string    `validate:"required,hostname_rfc1123|ip"`
	Port        int       `validate:"min=1,max=65535"`
	WindowStart time.Time `validate:"required"`
	WindowEnd   time.Time `validate:"required,gtfield=WindowStart"`

	// Query modifiers.  Empty strings are not sent upstream.
	Aggregate   string
	Step        string
	Resolution  string
	Accumulate  string
	IncludeIdle bool
	IdleByNode  bool

	StorageBackend string `validate:"required"`
	FileKeyPrefix  string
	S3             S3Config
	Azure          AzureConfig
	GCP            GCPConfig
}

// S3Config defines the S3 (or S3-compatible) destination.
type S3Config struct {
	Bucket   string
	Region   string // empty means the SDK's default resolution
	Endpoint string // custom endpoint for S3-compatible stores
}

// AzureConfig defines the Azure Blob Storage destination.  When
// ClientSecret is empty the default Azure credential chain is used.
type AzureConfig struct {
	StorageAccount string
	Container      string
	TenantID       string
	ClientID       string
	ClientSecret   string
}

// GCPConfig defines the Google Cloud Storage destination.  When
// CredentialsJSON is empty application default credentials are used.
type GCPConfig struct {
	Bucket          string
	CredentialsJSON []byte
}

// Params are the raw, unvalidated inputs of a run.
type Params struct {
	Hostname       string
	Port           int
	WindowStart    string // RFC3339; both or neither must be set
	WindowEnd      string // RFC3339; both or neither must be set
	Aggregate      string
	Step           string
	Resolution     string
	Accumulate     string
	IncludeIdle    bool
	IdleByNode     bool
	StorageBackend string
	FileKeyPrefix  string
	S3             S3Config
	Azure          AzureConfig
	GCP            GCPConfig
}

const windowLayout = "2006-01-02T15:04:05Z"

var (
	ErrWindowFormat = errors.New("window bound is not in RFC3339 format")
	ErrInvalid      = errors.New("invalid export configuration")

	validate = validator.New()
)

// New resolves the given parameters into an ExportConfig.  If either
// window bound is missing, the window defaults to yesterday (UTC)
// relative to now.
func New(p Params, now time.Time) (*ExportConfig, error) {
	start, end, err := ResolveWindow(p.WindowStart, p.WindowEnd, now)
	if err != nil {
		return nil, err
	}
	cfg := &ExportConfig{
		Hostname:       p.Hostname,
		Port:           p.Port,
		WindowStart:    start,
		WindowEnd:      end,
		Aggregate:      p.Aggregate,
		Step:           p.Step,
		Resolution:     p.Resolution,
		Accumulate:     p.Accumulate,
		IncludeIdle:    p.IncludeIdle,
		IdleByNode:     p.IdleByNode,
		StorageBackend: strings.ToLower(strings.TrimSpace(p.StorageBackend)),
		FileKeyPrefix:  p.FileKeyPrefix,
		S3:             p.S3,
		Azure:          p.Azure,
		GCP:            p.GCP,
	}
	if err := validate.Struct(cfg); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalid, err)
	}
	return cfg, nil
}

// ResolveWindow returns the [start, end] window of the export.  Unless
// both bounds are given, the window is yesterday from 00:00:00Z to
// 23:59:59Z.  Explicit bounds must be in UTC.
func ResolveWindow(start, end string, now time.Time) (time.Time, time.Time, error) {
	if start == "" || end == "" {
		yesterday := civil.DateOf(now.UTC()).AddDays(-1)
		s := yesterday.In(time.UTC)
		return s, s.Add(24*time.Hour - time.Second), nil
	}
	s, err := parseBound(start)
	if err != nil {
		return time.Time{}, time.Time{}, err
	}
	e, err := parseBound(end)
	if err != nil {
		return time.Time{}, time.Time{}, err
	}
	return s, e, nil
}

// parseBound parses an RFC3339 window bound.  Only UTC bounds are
// accepted since the partition date is the UTC date of the window start.
func parseBound(bound string) (time.Time, error) {
	t, err := time.Parse(time.RFC3339, bound)
	if err != nil {
		return time.Time{}, fmt.Errorf("%v: %w", bound, ErrWindowFormat)
	}
	if _, offset := t.Zone(); offset != 0 {
		return time.Time{}, fmt.Errorf("%v: not UTC: %w", bound, ErrWindowFormat)
	}
	return t.UTC(), nil
}

// URL returns the allocation endpoint of the OpenCost service.
func (c *ExportConfig) URL() string {
	return fmt.Sprintf("http://%s/allocation/compute", net.JoinHostPort(c.Hostname, strconv.Itoa(c.Port)))
}

// Window returns the window query parameter.
func (c *ExportConfig) Window() string {
	return c.WindowStart.Format(windowLayout) + "," + c.WindowEnd.Format(windowLayout)
}

// QueryParams returns the query parameters of the allocation request.
// Optional modifiers are only included when they are set.
func (c *ExportConfig) QueryParams() url.Values {
	params := url.Values{}
	params.Set("window", c.Window())
	if c.Aggregate != "" {
		params.Set("aggregate", c.Aggregate)
	}
	if c.Step != "" {
		params.Set("step", c.Step)
	}
	if c.Resolution != "" {
		params.Set("resolution", c.Resolution)
	}
	if c.Accumulate != "" {
		params.Set("accumulate", c.Accumulate)
	}
	params.Set("includeIdle", strconv.FormatBool(c.IncludeIdle))
	params.Set("idleByNode", strconv.FormatBool(c.IdleByNode))
	params.Set("includeProportionalAssetResourceCosts", "false")
	params.Set("format", "json")
	return params
}

// PartitionKey returns the date partition of this run in the form
// <prefix>/year=<Y>/month=<M>/day=<D>.  Month and day are not
// zero-padded.
func (c *ExportConfig) PartitionKey() string {
	d := civil.DateOf(c.WindowStart)
	partition := fmt.Sprintf("year=%d/month=%d/day=%d", d.Year, int(d.Month), d.Day)
	prefix := strings.TrimRight(c.FileKeyPrefix, "/")
	if prefix == "" {
		if strings.HasPrefix(c.FileKeyPrefix, "/") {
			return "/" + partition
		}
		return partition
	}
	return prefix + "/" + partition
}

// ObjectPath returns the path of the exported file within the partition.
func (c *ExportConfig) ObjectPath() string {
	return c.PartitionKey() + "/" + api.FileName
}
