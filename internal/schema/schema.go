// Package schema derives the BigQuery schema of the exported table and
// guards it against incompatible changes between runs.
//
// The exported files are typically loaded into an external table that
// spans all date partitions.  A column that disappears or changes type
// breaks queries over older partitions, so such changes must be
// detected before anything is written.
package schema

import (
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"cloud.google.com/go/bigquery"

	"github.com/opencost/opencost-parquet-exporter/internal/normalize"
)

type (
	bqField   map[string]interface{}
	visitFunc func([]string, bqField) error
	mapDiff   struct {
		nInOld int
		nInNew int
		nType  int
	}
)

var (
	ErrReadSchema   = errors.New("failed to read schema file")
	ErrEmptySchema  = errors.New("empty schema file")
	ErrMarshal      = errors.New("failed to marshal schema")
	ErrUnmarshal    = errors.New("failed to unmarshal schema")
	ErrOnlyInOld    = errors.New("field(s) only in old schema")
	ErrTypeMismatch = errors.New("difference(s) in schema field types")
	ErrType         = errors.New("unexpected type")
	ErrColumnType   = errors.New("unsupported column type")
	ErrDuplicate    = errors.New("duplicate field name")
	ErrWrite        = errors.New("failed to write schema file")

	fieldTypes = map[normalize.ColumnType]bigquery.FieldType{
		normalize.Float:     bigquery.FloatFieldType,
		normalize.Int:       bigquery.IntegerFieldType,
		normalize.String:    bigquery.StringFieldType,
		normalize.Bool:      bigquery.BooleanFieldType,
		normalize.Timestamp: bigquery.TimestampFieldType,
	}

	// Testing and debugging support.
	verbosef = func(fmt string, args ...interface{}) {}
)

// Verbose prints verbosef messages if initialized by the caller.
func Verbose(v func(string, ...interface{})) {
	verbosef = v
}

// FieldName returns the BigQuery field name of a column.  BigQuery
// field names cannot contain the flattening separator.
func FieldName(column string) string {
	return strings.ReplaceAll(column, normalize.Separator, "_")
}

// FromTable returns the BigQuery schema of t.  All fields are nullable.
func FromTable(t *normalize.Table) (bigquery.Schema, error) {
	schema := make(bigquery.Schema, 0, len(t.Columns))
	seen := make(map[string]string, len(t.Columns))
	for _, c := range t.Columns {
		ft, ok := fieldTypes[c.Type]
		if !ok {
			return nil, fmt.Errorf("%q: %w: %v", c.Name, ErrColumnType, c.Type)
		}
		name := FieldName(c.Name)
		if other, ok := seen[name]; ok {
			return nil, fmt.Errorf("%q and %q: %w %q", other, c.Name, ErrDuplicate, name)
		}
		seen[name] = c.Name
		schema = append(schema, &bigquery.FieldSchema{
			Name:     name,
			Type:     ft,
			Required: false,
		})
	}
	return schema, nil
}

// ValidateAndWrite compares schema against the previous table schema
// stored at path and returns an error if they are not compatible.  If
// there is no previous schema or the new schema is a superset of it,
// the new schema is written to path.
func ValidateAndWrite(path string, schema bigquery.Schema) error {
	newJSON, err := schema.ToJSONFields()
	if err != nil {
		return fmt.Errorf("%w: %w", ErrMarshal, err)
	}
	oldJSON, err := os.ReadFile(path)
	if err != nil {
		if !errors.Is(err, fs.ErrNotExist) {
			return fmt.Errorf("%w: %w", ErrReadSchema, err)
		}
		// Scenario 1: old doesn't exist, should write new.
		verbosef("no old table schema at %v", path)
		return writeTableSchema(path, newJSON)
	}
	if len(oldJSON) == 0 {
		return fmt.Errorf("%v: %w", path, ErrEmptySchema)
	}
	diff, err := diffTableSchemas(oldJSON, newJSON)
	if err != nil {
		return err
	}
	if diff.nInOld != 0 {
		// Scenario 4 - new incompatible with old due to missing fields, should not write.
		return fmt.Errorf("incompatible schema: %2d %w", diff.nInOld, ErrOnlyInOld)
	}
	if diff.nType != 0 {
		// Scenario 4 - new incompatible with old due to field type mismatch, should not write.
		return fmt.Errorf("incompatible schema: %2d %w", diff.nType, ErrTypeMismatch)
	}
	if diff.nInNew != 0 {
		// Scenario 3 - new is a superset of old, should write.
		verbosef("%2d field(s) only in new schema", diff.nInNew)
		return writeTableSchema(path, newJSON)
	}
	// Scenario 2 - old exists and matches new, should not write.
	return nil
}

// diffTableSchemas compares the old and new table schemas and returns
// their differences.
func diffTableSchemas(oldJSON, newJSON []byte) (*mapDiff, error) {
	oldFields, err := allFields(oldJSON)
	if err != nil {
		return nil, fmt.Errorf("old schema: %w", err)
	}
	newFields, err := allFields(newJSON)
	if err != nil {
		return nil, fmt.Errorf("new schema: %w", err)
	}
	return compareMaps(oldFields, newFields), nil
}

func writeTableSchema(path string, schemaJSON []byte) error {
	verbosef("writing table schema to %v", path)
	if err := os.MkdirAll(filepath.Dir(path), 0o750); err != nil {
		return fmt.Errorf("%w: %w", ErrWrite, err)
	}
	if err := os.WriteFile(path, schemaJSON, 0o640); err != nil { //nolint:gosec
		return fmt.Errorf("%w: %w", ErrWrite, err)
	}
	return nil
}

// allFields returns a map of all fields in the given schema.  The key
// of each map entry is the full field name and its value is the field
// type (e.g., ["label_team"]: "STRING").
func allFields(schemaJSON []byte) (map[string]string, error) {
	var schema []interface{}
	if err := json.Unmarshal(schemaJSON, &schema); err != nil {
		return nil, fmt.Errorf("%w: %w", ErrUnmarshal, err)
	}
	fields := make(map[string]string)
	err := visitAllFields(schema, func(fullFieldName []string, field bqField) error {
		if key := strings.Join(fullFieldName, "."); key != "" {
			fields[key] = fmt.Sprintf("%v", field["type"])
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return fields, nil
}

// visitAllFields calls the given visit function for each field in the
// given schema.
func visitAllFields(schema []interface{}, visit visitFunc) error {
	return visitAllFieldsRecursive(schema, visit, []string{})
}

// visitAllFieldsRecursive visits all fields in the given schema, calling
// itself recursively for RECORD field types.
func visitAllFieldsRecursive(schema []interface{}, visit visitFunc, fullFieldName []string) error {
	for _, field := range schema {
		f, ok := field.(map[string]interface{})
		if !ok {
			return fmt.Errorf("%T: %w", field, ErrType)
		}
		ffn := append(append([]string{}, fullFieldName...), fmt.Sprintf("%v", f["name"]))
		if err := visit(ffn, f); err != nil {
			return err
		}
		if f["type"] != "RECORD" {
			continue
		}
		record, ok := f["fields"].([]interface{})
		if !ok {
			return fmt.Errorf("%T: %w", f["fields"], ErrType)
		}
		if err := visitAllFieldsRecursive(record, visit, ffn); err != nil {
			return err
		}
	}
	return nil
}

// compareMaps compares the given maps and returns their differences
// as three integers that are the number of (1) keys only in the new map,
// (2) keys only in the old map, and (3) different values.  It also logs
// the comparison results in verbosef mode.
func compareMaps(oldMap, newMap map[string]string) *mapDiff {
	diff := &mapDiff{}
	for _, n := range sortMapKeys(newMap) {
		if _, ok := oldMap[n]; !ok {
			verbosef("%-10s %v:%v", "only in new:", n, newMap[n])
			diff.nInNew++
			continue
		}
		if newMap[n] != oldMap[n] {
			verbosef("%-10v %v:%v in new, %v:%v in old", "mismatch:", n, newMap[n], n, oldMap[n])
			diff.nType++
			continue
		}
	}
	for _, o := range sortMapKeys(oldMap) {
		if _, ok := newMap[o]; !ok {
			verbosef("%-10s %v:%v", "only in old:", o, oldMap[o])
			diff.nInOld++
		}
	}
	return diff
}

// sortMapKeys returns a sorted slice of all keys in the given map.
func sortMapKeys(fields map[string]string) []string {
	keys := make([]string, 0, len(fields))
	for key := range fields {
		keys = append(keys, key)
	}
	sort.Strings(keys)
	return keys
}
