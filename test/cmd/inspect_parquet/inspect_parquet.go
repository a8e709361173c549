// This tool is a part of e2e helper programs and prints the metadata,
// schema, and rows of exported Parquet files.  Arguments are local
// files, local directories (searched for *.parquet files), or GCS
// objects in gs://<bucket>/<object> form.
package main

import (
	"context"
	"flag"
	"fmt"
	"io/fs"
	"log"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/opencost/opencost-parquet-exporter/internal/gcs"
	"github.com/opencost/opencost-parquet-exporter/internal/parquetfile"
)

var (
	rows    = flag.Int("rows", 5, "maximum number of rows to print per file")
	verbose = flag.Bool("verbose", false, "enable verbose mode")
)

func main() {
	flag.Parse()
	args := flag.Args()
	if len(args) == 0 {
		args = []string{"."}
	}
	for _, arg := range args {
		if strings.HasPrefix(arg, "gs://") {
			inspect(arg, download(arg))
			continue
		}
		walkDir(arg)
	}
}

func walkDir(dir string) {
	err := filepath.WalkDir(dir, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			log.Panicf("failed to access path: %v", err)
		}
		if d.IsDir() || !strings.HasSuffix(path, ".parquet") {
			return nil
		}
		data, err := os.ReadFile(path)
		if err != nil {
			log.Panicf("failed to read %v: %v", path, err)
		}
		inspect(path, data)
		return nil
	})
	if err != nil {
		log.Panicf("failed to walk directory %v: %v", dir, err)
	}
}

func download(uri string) []byte {
	bucket, objPath, ok := strings.Cut(strings.TrimPrefix(uri, "gs://"), "/")
	if !ok || bucket == "" || objPath == "" {
		log.Panicf("%v: not in gs://<bucket>/<object> form", uri)
	}
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Minute)
	defer cancel()
	client, err := gcs.NewClient(ctx, bucket)
	if err != nil {
		log.Panicf("failed to create GCS client: %v", err)
	}
	data, err := client.Download(ctx, objPath)
	if err != nil {
		log.Panicf("failed to download %v: %v", uri, err)
	}
	return data
}

func inspect(name string, data []byte) {
	meta, err := parquetfile.ReadMetadata(data)
	if err != nil {
		log.Panicf("%v: %v", name, err)
	}
	table, err := parquetfile.Decode(data)
	if err != nil {
		log.Panicf("%v: %v", name, err)
	}
	fmt.Printf("%v: %d bytes, %d rows, %d columns\n", name, len(data), table.NumRows, len(table.Columns)) //nolint:forbidigo

	keys := make([]string, 0, len(meta))
	for k := range meta {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		fmt.Printf("  meta %v = %v\n", k, meta[k]) //nolint:forbidigo
	}
	if *verbose {
		for _, c := range table.Columns {
			fmt.Printf("  column %-60v %v\n", c.Name, c.Type) //nolint:forbidigo
		}
	}
	for i := 0; i < table.NumRows && i < *rows; i++ {
		var cells []string
		for _, c := range table.Columns {
			if c.Values[i] == nil {
				continue
			}
			cells = append(cells, fmt.Sprintf("%v=%v", c.Name, c.Values[i]))
		}
		fmt.Printf("  row %d: %v\n", i, strings.Join(cells, " ")) //nolint:forbidigo
	}
}
