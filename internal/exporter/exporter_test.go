package exporter

import (
	"context"
	"errors"
	"net"
	"net/http"
	"net/http/httptest"
	"net/url"
	"os"
	"path/filepath"
	"strconv"
	"testing"
	"time"

	"github.com/opencost/opencost-parquet-exporter/api"
	"github.com/opencost/opencost-parquet-exporter/internal/config"
	"github.com/opencost/opencost-parquet-exporter/internal/fetch"
	"github.com/opencost/opencost-parquet-exporter/internal/normalize"
	"github.com/opencost/opencost-parquet-exporter/internal/parquetfile"
	"github.com/opencost/opencost-parquet-exporter/internal/storage"
	"github.com/opencost/opencost-parquet-exporter/internal/testhelper"
)

var errForced = errors.New("forced failure")

const fixture = "../normalize/testdata/allocation.json"

type fakeFetcher struct {
	resp   api.AllocationResponse
	err    error
	called bool
}

func (f *fakeFetcher) Fetch(ctx context.Context, rawURL string, params url.Values) (api.AllocationResponse, error) {
	f.called = true
	return f.resp, f.err
}

type recordingSaver struct {
	table *normalize.Table
	err   error
}

func (r *recordingSaver) Save(ctx context.Context, t *normalize.Table, cfg *config.ExportConfig) (string, error) {
	if r.err != nil {
		return "", r.err
	}
	r.table = t
	return "memory://" + storage.ObjectKey(cfg), nil
}

func opencostServer(t *testing.T, body []byte, query *url.Values) (string, int) {
	t.Helper()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/allocation/compute" {
			http.NotFound(w, r)
			return
		}
		if query != nil {
			*query = r.URL.Query()
		}
		w.Header().Set("Content-Type", "application/json")
		w.Write(body) //nolint:errcheck
	}))
	t.Cleanup(srv.Close)
	u, err := url.Parse(srv.URL)
	if err != nil {
		t.Fatalf("url.Parse() = %v", err)
	}
	host, portStr, err := net.SplitHostPort(u.Host)
	if err != nil {
		t.Fatalf("SplitHostPort() = %v", err)
	}
	port, err := strconv.Atoi(portStr)
	if err != nil {
		t.Fatalf("Atoi() = %v", err)
	}
	return host, port
}

func testConfig(t *testing.T, host string, port int, prefix string) *config.ExportConfig {
	t.Helper()
	cfg, err := config.New(config.Params{
		Hostname:       host,
		Port:           port,
		WindowStart:    "2024-02-27T00:00:00Z",
		WindowEnd:      "2024-02-27T23:59:59Z",
		Aggregate:      "namespace,pod,container",
		Step:           "1h",
		StorageBackend: "local",
		FileKeyPrefix:  prefix,
	}, time.Now())
	if err != nil {
		t.Fatalf("config.New() = %v", err)
	}
	return cfg
}

func defaultRules(t *testing.T) *normalize.Rules {
	t.Helper()
	rules, err := normalize.DefaultRules()
	if err != nil {
		t.Fatalf("DefaultRules() = %v", err)
	}
	return rules
}

func TestRunEndToEnd(t *testing.T) {
	if testing.Verbose() {
		Verbose(testhelper.VLogf)
		defer Verbose(func(string, ...interface{}) {})
	}
	body, err := os.ReadFile(fixture)
	if err != nil {
		t.Fatalf("ReadFile() = %v", err)
	}
	var query url.Values
	host, port := opencostServer(t, body, &query)
	dir := t.TempDir()
	cfg := testConfig(t, host, port, dir)
	saver, err := storage.New(context.Background(), cfg)
	if err != nil {
		t.Fatalf("storage.New() = %v", err)
	}
	schemaFile := filepath.Join(dir, "k8s_opencost.table.json")

	location, err := Run(context.Background(), cfg, defaultRules(t), Deps{
		Fetcher:    fetch.NewClient(),
		Saver:      saver,
		SchemaFile: schemaFile,
		Version:    "v0.0.0-test",
		NewRunID:   func() string { return "run-1" },
	})
	if err != nil {
		t.Fatalf("Run() = %v, want nil", err)
	}
	path := filepath.Join(dir, "year=2024", "month=2", "day=27", api.FileName)
	if want := "file://" + filepath.ToSlash(path); location != want {
		t.Fatalf("Run() = %q, want %q", location, want)
	}
	if got := query.Get("window"); got != "2024-02-27T00:00:00Z,2024-02-27T23:59:59Z" {
		t.Fatalf("window = %q, want the configured window", got)
	}

	data, err := os.ReadFile(path)
	if err != nil {
		t.Fatalf("ReadFile() = %v", err)
	}
	table, err := parquetfile.Decode(data)
	if err != nil {
		t.Fatalf("Decode() = %v", err)
	}
	if table.NumRows != 3 || len(table.Columns) != 58 {
		t.Fatalf("Decode() = %d rows and %d columns, want 3 and 58", table.NumRows, len(table.Columns))
	}
	meta, err := parquetfile.ReadMetadata(data)
	if err != nil {
		t.Fatalf("ReadMetadata() = %v", err)
	}
	want := map[string]string{
		"opencost.exporter.run_id":        "run-1",
		"opencost.exporter.version":       "v0.0.0-test",
		"opencost.exporter.rules_version": "1",
		"opencost.exporter.window_start":  "2024-02-27T00:00:00Z",
		"opencost.exporter.window_end":    "2024-02-27T23:59:59Z",
	}
	for k, v := range want {
		if meta[k] != v {
			t.Fatalf("metadata[%q] = %q, want %q", k, meta[k], v)
		}
	}
	if _, err := os.Stat(schemaFile); err != nil {
		t.Fatalf("Stat(%v) = %v, want schema file written", schemaFile, err)
	}

	// A second run of the same window overwrites the file.
	if _, err := Run(context.Background(), cfg, defaultRules(t), Deps{Fetcher: fetch.NewClient(), Saver: saver, SchemaFile: schemaFile}); err != nil {
		t.Fatalf("Run() = %v, want nil", err)
	}
}

func TestRunErrors(t *testing.T) {
	body, err := os.ReadFile(fixture)
	if err != nil {
		t.Fatalf("ReadFile() = %v", err)
	}
	host, port := opencostServer(t, body, nil)
	cfg := testConfig(t, host, port, t.TempDir())
	resp, err := fetch.NewClient().Fetch(context.Background(), cfg.URL(), cfg.QueryParams())
	if err != nil {
		t.Fatalf("Fetch() = %v", err)
	}

	incompatible := filepath.Join(t.TempDir(), "schema.json")
	if err := os.WriteFile(incompatible, []byte(`[{"name": "removedColumn", "type": "FLOAT"}]`), 0o600); err != nil {
		t.Fatalf("WriteFile() = %v", err)
	}

	tests := []struct {
		name       string
		fetcher    *fakeFetcher
		saver      *recordingSaver
		schemaFile string
		wantErr    error
		wantInner  error
	}{
		{
			name:      "fetch fails",
			fetcher:   &fakeFetcher{err: errForced},
			saver:     &recordingSaver{},
			wantErr:   ErrFetch,
			wantInner: errForced,
		},
		{
			name:      "empty result",
			fetcher:   &fakeFetcher{resp: api.AllocationResponse{}},
			saver:     &recordingSaver{},
			wantErr:   ErrNormalize,
			wantInner: normalize.ErrEmptyResult,
		},
		{
			name:       "incompatible schema",
			fetcher:    &fakeFetcher{resp: resp},
			saver:      &recordingSaver{},
			schemaFile: incompatible,
			wantErr:    ErrSchema,
		},
		{
			name:      "save fails",
			fetcher:   &fakeFetcher{resp: resp},
			saver:     &recordingSaver{err: storage.ErrPermission},
			wantErr:   ErrSave,
			wantInner: storage.ErrPermission,
		},
	}
	for i, test := range tests {
		t.Logf("%s>>> test %02d: %s%s", testhelper.ANSIPurple, i, test.name, testhelper.ANSIEnd)
		location, err := Run(context.Background(), cfg, defaultRules(t), Deps{
			Fetcher:    test.fetcher,
			Saver:      test.saver,
			SchemaFile: test.schemaFile,
		})
		if !errors.Is(err, test.wantErr) || location != "" {
			t.Fatalf("Run() = (%q, %v), want %v", location, err, test.wantErr)
		}
		if test.wantInner != nil && !errors.Is(err, test.wantInner) {
			t.Fatalf("Run() = %v, want %v in chain", err, test.wantInner)
		}
		if test.saver.table != nil {
			t.Fatalf("Save() called after a failed stage")
		}
	}
}

func TestRunSavesNormalizedTable(t *testing.T) {
	var set api.ResultSet
	set.Set(api.UnmountedKey, api.Allocation{"totalCost": 1.0})
	set.Set("default/web/nginx", api.Allocation{
		"name":      "default/web/nginx",
		"totalCost": 2.5,
	})
	resp := api.AllocationResponse{set}
	rules := &normalize.Rules{Version: 4, ColumnTypes: map[string]normalize.ColumnType{"totalCost": normalize.Float}}
	saver := &recordingSaver{}
	cfg := testConfig(t, "localhost", 9003, "/tmp")
	location, err := Run(context.Background(), cfg, rules, Deps{Fetcher: &fakeFetcher{resp: resp}, Saver: saver})
	if err != nil {
		t.Fatalf("Run() = %v, want nil", err)
	}
	if location != "memory://tmp/year=2024/month=2/day=27/k8s_opencost.parquet" {
		t.Fatalf("Run() = %q", location)
	}
	if saver.table.NumRows != 1 || saver.table.Column("totalCost").Values[0] != 2.5 {
		t.Fatalf("Save() got %+v, want one row with totalCost 2.5", saver.table)
	}
	if saver.table.Metadata["opencost.exporter.rules_version"] != "4" || saver.table.Metadata["opencost.exporter.run_id"] == "" {
		t.Fatalf("Metadata = %v, want rules version 4 and a run id", saver.table.Metadata)
	}
}

func TestRunMissingDeps(t *testing.T) {
	cfg := testConfig(t, "localhost", 9003, "/tmp")
	fetcher := &fakeFetcher{}
	if _, err := Run(context.Background(), cfg, defaultRules(t), Deps{Fetcher: fetcher}); !errors.Is(err, ErrDeps) {
		t.Fatalf("Run() = %v, want %v", err, ErrDeps)
	}
	if _, err := Run(context.Background(), cfg, nil, Deps{Fetcher: fetcher, Saver: &recordingSaver{}}); !errors.Is(err, ErrDeps) {
		t.Fatalf("Run() = %v, want %v", err, ErrDeps)
	}
	if fetcher.called {
		t.Fatalf("Fetch() called with missing dependencies")
	}
}
