package storage

import (
	"context"
	"fmt"
	"os"
	"path/filepath"

	"github.com/opencost/opencost-parquet-exporter/internal/config"
	"github.com/opencost/opencost-parquet-exporter/internal/normalize"
)

// localSaver writes tables to the local filesystem.  The partition key
// is used as a path, relative to the working directory unless the file
// key prefix is absolute.
type localSaver struct{}

func (l *localSaver) Save(ctx context.Context, t *normalize.Table, cfg *config.ExportConfig) (string, error) {
	data, err := encode(t)
	if err != nil {
		return "", err
	}
	path, err := filepath.Abs(filepath.FromSlash(cfg.ObjectPath()))
	if err != nil {
		return "", fmt.Errorf("%w: %w", ErrLocalIO, err)
	}
	verbose("saving %d bytes to %v", len(data), path)
	if err := os.MkdirAll(filepath.Dir(path), 0o750); err != nil {
		return "", fmt.Errorf("%w: %w", ErrLocalIO, err)
	}
	if err := os.WriteFile(path, data, 0o640); err != nil { //nolint:gosec
		return "", fmt.Errorf("%w: %w", ErrLocalIO, err)
	}
	return "file://" + filepath.ToSlash(path), nil
}
