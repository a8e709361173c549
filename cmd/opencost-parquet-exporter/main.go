// Package main implements opencost-parquet-exporter.
//
// Each invocation exports one window of OpenCost allocation data as a
// Parquet file and exits.  It is meant to be run by a scheduler such as
// a Kubernetes CronJob.  The exit status is 0 on success and 1 on any
// failure, with the cause logged.
package main

import (
	"context"
	"log"
	"time"

	"github.com/opencost/opencost-parquet-exporter/internal/exporter"
	"github.com/opencost/opencost-parquet-exporter/internal/fetch"
	"github.com/opencost/opencost-parquet-exporter/internal/metrics"
	"github.com/opencost/opencost-parquet-exporter/internal/storage"
)

var (
	// version is set at build time with -ldflags "-X main.version=...".
	version = "dev"

	// fatal is log.Fatal in production and log.Panic in tests.
	fatal = log.Fatal
)

func main() {
	log.SetFlags(log.LUTC | log.Ldate | log.Ltime)
	if err := parseAndValidateCLI(); err != nil {
		fatal(err)
	}
	location, backend, err := export(context.Background())
	if pushgatewayURL != "" {
		if perr := metrics.Push(pushgatewayURL, backend); perr != nil {
			log.Printf("WARNING: %v", perr)
		}
	}
	if err != nil {
		fatal(err)
	}
	log.Printf("export of version %v saved to %v", version, location)
}

// export runs one export and returns the location of the written file
// and the storage backend used.
func export(ctx context.Context) (string, string, error) {
	cfg, err := exportConfig(time.Now())
	if err != nil {
		return "", storageBackend, err
	}
	rules, err := loadRules()
	if err != nil {
		return "", cfg.StorageBackend, err
	}
	// The saver is created before anything is fetched so that an
	// unsupported or incomplete storage configuration fails fast.
	saver, err := storage.New(ctx, cfg)
	if err != nil {
		return "", cfg.StorageBackend, err //nolint:wrapcheck
	}
	location, err := exporter.Run(ctx, cfg, rules, exporter.Deps{
		Fetcher:    fetch.NewClient(),
		Saver:      saver,
		SchemaFile: tableSchemaFile,
		Version:    version,
	})
	return location, cfg.StorageBackend, err //nolint:wrapcheck
}
