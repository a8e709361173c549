// Package exporter runs one export: fetch the allocation data of the
// configured window, normalize it, check the table schema, and save the
// table as a Parquet file.
//
// Every stage runs once.  The first failing stage ends the run and its
// error is returned unchanged in the chain.
package exporter

import (
	"context"
	"errors"
	"fmt"
	"log"
	"net/url"
	"time"

	"github.com/google/uuid"

	"github.com/opencost/opencost-parquet-exporter/api"
	"github.com/opencost/opencost-parquet-exporter/internal/config"
	"github.com/opencost/opencost-parquet-exporter/internal/metrics"
	"github.com/opencost/opencost-parquet-exporter/internal/normalize"
	"github.com/opencost/opencost-parquet-exporter/internal/schema"
	"github.com/opencost/opencost-parquet-exporter/internal/storage"
)

// Stage names used in logs and metrics.
const (
	StageFetch     = "fetch"
	StageNormalize = "normalize"
	StageSchema    = "schema"
	StageSave      = "save"
)

// Fetcher retrieves allocation data.
type Fetcher interface {
	Fetch(ctx context.Context, rawURL string, params url.Values) (api.AllocationResponse, error)
}

// Deps are the collaborators of a run.
type Deps struct {
	Fetcher Fetcher
	Saver   storage.Saver

	// SchemaFile is the path of the table schema of the previous run.
	// When empty the schema is not checked.
	SchemaFile string

	// Version is written into the file metadata.
	Version string

	// NewRunID returns the identifier of the run.  Defaults to a
	// random UUID.
	NewRunID func() string
}

var (
	ErrFetch     = errors.New("fetch stage failed")
	ErrNormalize = errors.New("normalize stage failed")
	ErrSchema    = errors.New("schema stage failed")
	ErrSave      = errors.New("save stage failed")
	ErrDeps      = errors.New("missing dependency")

	// Testing and debugging support.
	verbose = func(fmt string, args ...interface{}) {}
)

// Verbose provides a convenient way for the caller to enable verbose
// printing and control its format (mostly for debugging).
func Verbose(v func(string, ...interface{})) {
	verbose = v
}

// Run exports the window of cfg and returns the location of the written
// file.
func Run(ctx context.Context, cfg *config.ExportConfig, rules *normalize.Rules, d Deps) (string, error) {
	if d.Fetcher == nil || d.Saver == nil || rules == nil {
		return "", fmt.Errorf("%w: fetcher, saver, and rules are required", ErrDeps)
	}
	runID := uuid.NewString()
	if d.NewRunID != nil {
		runID = d.NewRunID()
	}
	log.Printf("run %v: exporting window %v from %v", runID, cfg.Window(), cfg.URL())

	start := time.Now()
	resp, err := d.Fetcher.Fetch(ctx, cfg.URL(), cfg.QueryParams())
	metrics.ObserveStage(StageFetch, start, err)
	if err != nil {
		return "", fmt.Errorf("%w: %w", ErrFetch, err)
	}
	log.Printf("run %v: fetched %d result set(s)", runID, len(resp))

	start = time.Now()
	table, err := normalize.Normalize(resp, rules)
	metrics.ObserveStage(StageNormalize, start, err)
	if err != nil {
		return "", fmt.Errorf("%w: %w", ErrNormalize, err)
	}
	metrics.Rows.Set(float64(table.NumRows))
	metrics.Columns.Set(float64(len(table.Columns)))
	log.Printf("run %v: normalized %d row(s) into %d column(s)", runID, table.NumRows, len(table.Columns))

	if d.SchemaFile != "" {
		start = time.Now()
		err = checkSchema(d.SchemaFile, table)
		metrics.ObserveStage(StageSchema, start, err)
		if err != nil {
			return "", fmt.Errorf("%w: %w", ErrSchema, err)
		}
		log.Printf("run %v: table schema is compatible with %v", runID, d.SchemaFile)
	}

	table.Metadata = api.ExportMetadataV1{
		RunID:        runID,
		Version:      d.Version,
		RulesVersion: rules.VersionString(),
		WindowStart:  cfg.WindowStart.Format(time.RFC3339),
		WindowEnd:    cfg.WindowEnd.Format(time.RFC3339),
	}.Map()
	start = time.Now()
	location, err := d.Saver.Save(ctx, table, cfg)
	metrics.ObserveStage(StageSave, start, err)
	if err != nil {
		return "", fmt.Errorf("%w: %w", ErrSave, err)
	}
	metrics.LastSuccess.SetToCurrentTime()
	log.Printf("run %v: saved %v", runID, location)
	return location, nil
}

func checkSchema(path string, table *normalize.Table) error {
	s, err := schema.FromTable(table)
	if err != nil {
		return err //nolint:wrapcheck
	}
	verbose("checking %d field(s) against %v", len(s), path)
	return schema.ValidateAndWrite(path, s) //nolint:wrapcheck
}
