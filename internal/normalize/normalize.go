// Package normalize turns the nested allocation records returned by
// OpenCost into a flat table with a stable, typed column schema.
//
// Normalization runs in a fixed order of stages: drop, flatten,
// concatenate, rename, and coerce.  Each stage only depends on the
// output of the previous one and on the static Rules.
package normalize

import (
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/opencost/opencost-parquet-exporter/api"
)

// Separator joins the keys of nested maps into a column name.
const Separator = "."

var (
	ErrEmptyResult   = errors.New("no allocation records to export")
	ErrFlatten       = errors.New("failed to flatten allocation record")
	ErrTypeCoercion  = errors.New("failed to coerce column type")
	ErrMissingColumn = errors.New("declared column not present in data")

	// Testing and debugging support.
	verbose = func(fmt string, args ...interface{}) {}
)

// Verbose provides a convenient way for the caller to enable verbose
// printing and control its format (mostly for debugging).
func Verbose(v func(string, ...interface{})) {
	verbose = v
}

// row is one flattened allocation record.
type row map[string]any

// Normalize flattens resp into a table according to rules.  The input
// is not modified.
func Normalize(resp api.AllocationResponse, rules *Rules) (*Table, error) {
	if rules == nil {
		return nil, fmt.Errorf("%w: nil rules", ErrInvalidRule)
	}
	drop := make(map[string]struct{}, len(rules.DropKeys))
	for _, k := range rules.DropKeys {
		drop[k] = struct{}{}
	}

	var rows []row
	for i, set := range resp {
		for _, key := range set.Keys() {
			if key == api.UnmountedKey {
				verbose("result set %d: skipping %v", i, key)
				continue
			}
			r := row{}
			if err := flatten(r, "", set.Get(key), drop); err != nil {
				return nil, fmt.Errorf("%w: result set %d, allocation %q: %v", ErrFlatten, i, key, err)
			}
			rows = append(rows, r)
		}
	}
	if len(rows) == 0 {
		return nil, ErrEmptyResult
	}

	names := union(rows)
	renamed, err := rename(names, rules.RenameColumns)
	if err != nil {
		return nil, err
	}
	for _, name := range sortedKeys(rules.ColumnTypes) {
		if _, ok := renamed[name]; !ok {
			return nil, fmt.Errorf("%w: %q", ErrMissingColumn, name)
		}
	}

	table := &Table{NumRows: len(rows)}
	for _, name := range sortedKeys(renamed) {
		src := renamed[name]
		values := make([]any, len(rows))
		for i, r := range rows {
			values[i] = r[src] // absent cells are null
		}
		col, err := coerceColumn(name, values, rules.ColumnTypes)
		if err != nil {
			return nil, err
		}
		table.Columns = append(table.Columns, col)
	}
	verbose("normalized %d rows into %d columns", table.NumRows, len(table.Columns))
	return table, nil
}

// flatten walks m and writes every scalar leaf into r under its dotted
// path.  Paths in drop are skipped together with everything below them.
func flatten(r row, prefix string, m map[string]any, drop map[string]struct{}) error {
	for k, v := range m {
		path := k
		if prefix != "" {
			path = prefix + Separator + k
		}
		if _, ok := drop[path]; ok {
			continue
		}
		switch val := v.(type) {
		case map[string]any:
			if err := flatten(r, path, val, drop); err != nil {
				return err
			}
			continue
		case []any:
			b, err := json.Marshal(val)
			if err != nil {
				return fmt.Errorf("%v: %v", path, err)
			}
			v = string(b)
		case nil, string, bool, json.Number, float64:
		default:
			return fmt.Errorf("%v: unsupported value type %T", path, v)
		}
		if _, ok := r[path]; ok {
			return fmt.Errorf("%v: duplicate column", path)
		}
		r[path] = v
	}
	return nil
}

// union returns the set of column names present in any row.
func union(rows []row) map[string]struct{} {
	names := map[string]struct{}{}
	for _, r := range rows {
		for k := range r {
			names[k] = struct{}{}
		}
	}
	return names
}

// rename maps every final column name to its source column name.
func rename(names map[string]struct{}, renames map[string]string) (map[string]string, error) {
	out := make(map[string]string, len(names))
	for _, src := range sortedKeys(names) {
		dst := src
		if to, ok := renames[src]; ok {
			dst = to
		}
		if other, ok := out[dst]; ok {
			return nil, fmt.Errorf("%w: columns %q and %q both named %q", ErrFlatten, other, src, dst)
		}
		out[dst] = src
	}
	return out, nil
}

func coerceColumn(name string, values []any, types map[string]ColumnType) (*Column, error) {
	typ, declared := types[name]
	if !declared {
		typ = infer(values)
	}
	for i, v := range values {
		c, err := coerce(v, typ)
		if err != nil {
			return nil, fmt.Errorf("%w: column %q row %d: %v", ErrTypeCoercion, name, i, err)
		}
		values[i] = c
	}
	return &Column{Name: name, Type: typ, Values: values}, nil
}

// infer picks the narrowest type that holds every non-null value.
func infer(values []any) ColumnType {
	numeric, boolean, seen := true, true, false
	for _, v := range values {
		switch v.(type) {
		case nil:
			continue
		case json.Number, float64:
			boolean = false
		case bool:
			numeric = false
		default:
			numeric, boolean = false, false
		}
		seen = true
	}
	switch {
	case !seen:
		return String
	case numeric:
		return Float
	case boolean:
		return Bool
	}
	return String
}

func coerce(v any, typ ColumnType) (any, error) {
	if v == nil {
		return nil, nil
	}
	switch typ {
	case Float:
		return toFloat(v)
	case Int:
		return toInt(v)
	case String:
		return toString(v), nil
	case Bool:
		return toBool(v)
	case Timestamp:
		return toTimestamp(v)
	}
	return nil, fmt.Errorf("unknown column type %q", typ)
}

func toFloat(v any) (any, error) {
	switch val := v.(type) {
	case json.Number:
		return val.Float64()
	case float64:
		return val, nil
	case string:
		return strconv.ParseFloat(strings.TrimSpace(val), 64)
	case bool:
		if val {
			return 1.0, nil
		}
		return 0.0, nil
	}
	return nil, fmt.Errorf("cannot convert %T to float", v)
}

func toInt(v any) (any, error) {
	var f float64
	switch val := v.(type) {
	case json.Number:
		if n, err := val.Int64(); err == nil {
			return n, nil
		}
		var err error
		if f, err = val.Float64(); err != nil {
			return nil, err
		}
	case float64:
		f = val
	case string:
		s := strings.TrimSpace(val)
		if n, err := strconv.ParseInt(s, 10, 64); err == nil {
			return n, nil
		}
		var err error
		if f, err = strconv.ParseFloat(s, 64); err != nil {
			return nil, err
		}
	case bool:
		if val {
			return int64(1), nil
		}
		return int64(0), nil
	default:
		return nil, fmt.Errorf("cannot convert %T to int", v)
	}
	if f != float64(int64(f)) {
		return nil, fmt.Errorf("%v is not an integer", f)
	}
	return int64(f), nil
}

func toString(v any) string {
	switch val := v.(type) {
	case string:
		return val
	case json.Number:
		return val.String()
	case float64:
		return strconv.FormatFloat(val, 'f', -1, 64)
	case bool:
		return strconv.FormatBool(val)
	}
	return fmt.Sprint(v)
}

func toBool(v any) (any, error) {
	switch val := v.(type) {
	case bool:
		return val, nil
	case string:
		return strconv.ParseBool(strings.TrimSpace(val))
	case json.Number:
		switch val.String() {
		case "0":
			return false, nil
		case "1":
			return true, nil
		}
	}
	return nil, fmt.Errorf("cannot convert %v to bool", v)
}

func toTimestamp(v any) (any, error) {
	s, ok := v.(string)
	if !ok {
		return nil, fmt.Errorf("cannot convert %T to timestamp", v)
	}
	t, err := time.Parse(time.RFC3339, strings.TrimSpace(s))
	if err != nil {
		return nil, err
	}
	return t.UTC(), nil
}

// SortColumns orders the columns of t by name.  Normalize already
// returns sorted tables; this is for tables built elsewhere, like a
// decoded Parquet file.
func SortColumns(t *Table) {
	sort.Slice(t.Columns, func(i, j int) bool { return t.Columns[i].Name < t.Columns[j].Name })
}
