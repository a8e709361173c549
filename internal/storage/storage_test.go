package storage //nolint:testpackage

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"reflect"
	"strings"
	"testing"
	"time"

	"github.com/opencost/opencost-parquet-exporter/internal/config"
	"github.com/opencost/opencost-parquet-exporter/internal/normalize"
	"github.com/opencost/opencost-parquet-exporter/internal/parquetfile"
	"github.com/opencost/opencost-parquet-exporter/internal/testhelper"
)

var errForced = errors.New("forced failure")

func testConfig(t *testing.T, backend, prefix string) *config.ExportConfig {
	t.Helper()
	cfg, err := config.New(config.Params{
		Hostname:       "localhost",
		Port:           9003,
		WindowStart:    "2024-02-27T00:00:00Z",
		WindowEnd:      "2024-02-27T23:59:59Z",
		StorageBackend: backend,
		FileKeyPrefix:  prefix,
		S3:             config.S3Config{Bucket: "cost-exports"},
		Azure:          config.AzureConfig{StorageAccount: "costaccount", Container: "exports"},
		GCP:            config.GCPConfig{Bucket: "cost-exports"},
	}, time.Now())
	if err != nil {
		t.Fatalf("config.New() = %v", err)
	}
	return cfg
}

func testTable() *normalize.Table {
	return &normalize.Table{
		NumRows: 2,
		Columns: []*normalize.Column{
			{Name: "name", Type: normalize.String, Values: []any{"default/web/nginx", "kube-system/coredns/coredns"}},
			{Name: "totalCost", Type: normalize.Float, Values: []any{1.5, nil}},
		},
		Metadata: map[string]string{"opencost.exporter.run_id": "run-1"},
	}
}

// withFakeClients replaces the object store constructors with uploaders
// that write to disk.
func withFakeClients(t *testing.T, disk *testhelper.DiskUploader) {
	t.Helper()
	saveS3, saveAzure, saveGCS := newS3Client, newAzureClient, newGCSClient
	t.Cleanup(func() {
		newS3Client, newAzureClient, newGCSClient = saveS3, saveAzure, saveGCS
	})
	newS3Client = func(context.Context, config.S3Config) (uploader, error) { return disk, nil }
	newAzureClient = func(context.Context, config.AzureConfig) (uploader, error) { return disk, nil }
	newGCSClient = func(context.Context, config.GCPConfig) (uploader, error) { return disk, nil }
}

func TestNewUnsupportedBackend(t *testing.T) { //nolint:paralleltest
	saveS3, saveAzure, saveGCS := newS3Client, newAzureClient, newGCSClient
	defer func() {
		newS3Client, newAzureClient, newGCSClient = saveS3, saveAzure, saveGCS
	}()
	called := false
	newS3Client = func(context.Context, config.S3Config) (uploader, error) { called = true; return nil, errForced }
	newAzureClient = func(context.Context, config.AzureConfig) (uploader, error) { called = true; return nil, errForced }
	newGCSClient = func(context.Context, config.GCPConfig) (uploader, error) { called = true; return nil, errForced }

	for i, backend := range []string{"ftp", "s4", "minio", "gcs", "file"} {
		t.Logf("%s>>> test %02d: %s%s", testhelper.ANSIPurple, i, backend, testhelper.ANSIEnd)
		cfg := testConfig(t, backend, "/tmp")
		saver, err := New(context.Background(), cfg)
		if !errors.Is(err, ErrUnsupportedBackend) || saver != nil {
			t.Fatalf("New() = (%v, %v), want (nil, %v)", saver, err, ErrUnsupportedBackend)
		}
	}
	if called {
		t.Fatalf("New() created a client for an unsupported backend")
	}
}

func TestNewIncompleteConfig(t *testing.T) {
	tests := []struct {
		backend string
		clear   func(*config.ExportConfig)
	}{
		{backend: S3, clear: func(c *config.ExportConfig) { c.S3.Bucket = "" }},
		{backend: AWS, clear: func(c *config.ExportConfig) { c.S3.Bucket = "" }},
		{backend: Azure, clear: func(c *config.ExportConfig) { c.Azure.Container = "" }},
		{backend: Azure, clear: func(c *config.ExportConfig) { c.Azure.StorageAccount = "" }},
		{backend: GCP, clear: func(c *config.ExportConfig) { c.GCP.Bucket = "" }},
	}
	for i, test := range tests {
		t.Logf("%s>>> test %02d: %s%s", testhelper.ANSIPurple, i, test.backend, testhelper.ANSIEnd)
		cfg := testConfig(t, test.backend, "/tmp")
		test.clear(cfg)
		if _, err := New(context.Background(), cfg); !errors.Is(err, ErrConfig) {
			t.Fatalf("New() = %v, want %v", err, ErrConfig)
		}
	}
}

func TestNewClientError(t *testing.T) { //nolint:paralleltest
	saveS3 := newS3Client
	defer func() { newS3Client = saveS3 }()
	newS3Client = func(context.Context, config.S3Config) (uploader, error) {
		return nil, fmt.Errorf("%w: %w", errForced, errors.New("no region")) //nolint:goerr113
	}
	if _, err := New(context.Background(), testConfig(t, S3, "/tmp")); !errors.Is(err, ErrRemote) || !errors.Is(err, errForced) {
		t.Fatalf("New() = %v, want %v wrapping %v", err, ErrRemote, errForced)
	}
}

func TestObjectStoreSave(t *testing.T) { //nolint:paralleltest
	Verbose(testhelper.VLogf)
	defer Verbose(func(string, ...interface{}) {})

	tests := []struct {
		backend string
		prefix  string
		wantKey string
	}{
		{backend: "s3", prefix: "/tmp/", wantKey: "tmp/year=2024/month=2/day=27/k8s_opencost.parquet"},
		{backend: "AWS", prefix: "opencost", wantKey: "opencost/year=2024/month=2/day=27/k8s_opencost.parquet"},
		{backend: "azure", prefix: "", wantKey: "year=2024/month=2/day=27/k8s_opencost.parquet"},
		{backend: " gcp ", prefix: "/", wantKey: "year=2024/month=2/day=27/k8s_opencost.parquet"},
	}
	for i, test := range tests {
		t.Logf("%s>>> test %02d: %s%s", testhelper.ANSIPurple, i, test.backend, testhelper.ANSIEnd)
		disk := &testhelper.DiskUploader{Dir: t.TempDir(), Bucket: "cost-exports"}
		withFakeClients(t, disk)
		cfg := testConfig(t, test.backend, test.prefix)
		saver, err := New(context.Background(), cfg)
		if err != nil {
			t.Fatalf("New() = %v, want nil", err)
		}
		location, err := saver.Save(context.Background(), testTable(), cfg)
		if err != nil {
			t.Fatalf("Save() = %v, want nil", err)
		}
		if want := "disk://cost-exports/" + test.wantKey; location != want {
			t.Fatalf("Save() = %q, want %q", location, want)
		}
		data, err := disk.Read(test.wantKey)
		if err != nil {
			t.Fatalf("Read() = %v", err)
		}
		got, err := parquetfile.Decode(data)
		if err != nil {
			t.Fatalf("Decode() = %v", err)
		}
		if want := testTable(); !reflect.DeepEqual(got.Columns, want.Columns) {
			t.Fatalf("Decode() = %+v, want %+v", got.Columns, want.Columns)
		}
		meta, err := parquetfile.ReadMetadata(data)
		if err != nil || meta["opencost.exporter.run_id"] != "run-1" {
			t.Fatalf("ReadMetadata() = (%v, %v), want run_id run-1", meta, err)
		}
	}
}

func TestObjectStoreSaveErrors(t *testing.T) { //nolint:paralleltest
	tests := []struct {
		backend string
		fail    error
		wantErr error
	}{
		{backend: S3, fail: testhelper.ErrForcedUpload, wantErr: ErrRemote},
		{backend: Azure, fail: testhelper.ErrForcedUpload, wantErr: ErrRemote},
		{backend: GCP, fail: testhelper.ErrForcedUpload, wantErr: ErrRemote},
	}
	for i, test := range tests {
		t.Logf("%s>>> test %02d: %s%s", testhelper.ANSIPurple, i, test.backend, testhelper.ANSIEnd)
		disk := &testhelper.DiskUploader{Dir: t.TempDir(), Bucket: "cost-exports", Fail: test.fail}
		withFakeClients(t, disk)
		cfg := testConfig(t, test.backend, "/tmp")
		saver, err := New(context.Background(), cfg)
		if err != nil {
			t.Fatalf("New() = %v, want nil", err)
		}
		location, err := saver.Save(context.Background(), testTable(), cfg)
		if !errors.Is(err, test.wantErr) || !errors.Is(err, test.fail) || location != "" {
			t.Fatalf("Save() = (%q, %v), want %v wrapping %v", location, err, test.wantErr, test.fail)
		}
		if len(disk.Uploads) != 0 {
			t.Fatalf("Uploads = %v, want none", disk.Uploads)
		}
	}
}

func TestSaveEncodeError(t *testing.T) { //nolint:paralleltest
	disk := &testhelper.DiskUploader{Dir: t.TempDir(), Bucket: "cost-exports"}
	withFakeClients(t, disk)
	bad := &normalize.Table{NumRows: 1, Columns: []*normalize.Column{
		{Name: "x", Type: normalize.Float, Values: []any{"not a float"}},
	}}
	for _, backend := range []string{Local, S3} {
		cfg := testConfig(t, backend, t.TempDir())
		saver, err := New(context.Background(), cfg)
		if err != nil {
			t.Fatalf("New() = %v, want nil", err)
		}
		if _, err := saver.Save(context.Background(), bad, cfg); !errors.Is(err, ErrEncode) {
			t.Fatalf("Save() = %v, want %v", err, ErrEncode)
		}
	}
	if len(disk.Uploads) != 0 {
		t.Fatalf("Uploads = %v, want none", disk.Uploads)
	}
}

func TestLocalSave(t *testing.T) {
	dir := t.TempDir()
	cfg := testConfig(t, "local", dir+"/exports/")
	saver, err := New(context.Background(), cfg)
	if err != nil {
		t.Fatalf("New() = %v, want nil", err)
	}
	wantPath := filepath.Join(dir, "exports", "year=2024", "month=2", "day=27", "k8s_opencost.parquet")
	for i := 0; i < 2; i++ {
		location, err := saver.Save(context.Background(), testTable(), cfg)
		if err != nil {
			t.Fatalf("Save() = %v, want nil", err)
		}
		if want := "file://" + filepath.ToSlash(wantPath); location != want {
			t.Fatalf("Save() = %q, want %q", location, want)
		}
	}
	data, err := os.ReadFile(wantPath)
	if err != nil {
		t.Fatalf("ReadFile() = %v", err)
	}
	got, err := parquetfile.Decode(data)
	if err != nil {
		t.Fatalf("Decode() = %v", err)
	}
	if got.NumRows != 2 || !reflect.DeepEqual(got.ColumnNames(), []string{"name", "totalCost"}) {
		t.Fatalf("Decode() = %+v, want 2 rows of name and totalCost", got)
	}
}

func TestLocalSaveIOError(t *testing.T) {
	dir := t.TempDir()
	file := filepath.Join(dir, "not-a-dir")
	if err := os.WriteFile(file, []byte("x"), 0o600); err != nil {
		t.Fatalf("WriteFile() = %v", err)
	}
	cfg := testConfig(t, "local", file)
	saver, err := New(context.Background(), cfg)
	if err != nil {
		t.Fatalf("New() = %v, want nil", err)
	}
	if _, err := saver.Save(context.Background(), testTable(), cfg); !errors.Is(err, ErrLocalIO) {
		t.Fatalf("Save() = %v, want %v", err, ErrLocalIO)
	}
}

func TestObjectKey(t *testing.T) {
	tests := []struct {
		prefix string
		want   string
	}{
		{prefix: "/tmp", want: "tmp/year=2024/month=2/day=27/k8s_opencost.parquet"},
		{prefix: "//a/b//", want: "a/b/year=2024/month=2/day=27/k8s_opencost.parquet"},
		{prefix: "", want: "year=2024/month=2/day=27/k8s_opencost.parquet"},
	}
	for i, test := range tests {
		t.Logf("%s>>> test %02d: %q%s", testhelper.ANSIPurple, i, test.prefix, testhelper.ANSIEnd)
		got := ObjectKey(testConfig(t, Local, test.prefix))
		if got != test.want || strings.HasPrefix(got, "/") {
			t.Fatalf("ObjectKey() = %q, want %q", got, test.want)
		}
	}
}
