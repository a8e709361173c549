// Package parquetfile encodes normalized tables as Parquet files and
// decodes them back.
package parquetfile

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/apache/arrow/go/v14/arrow"
	"github.com/apache/arrow/go/v14/arrow/array"
	"github.com/apache/arrow/go/v14/arrow/memory"
	"github.com/apache/arrow/go/v14/parquet"
	"github.com/apache/arrow/go/v14/parquet/compress"
	"github.com/apache/arrow/go/v14/parquet/file"
	"github.com/apache/arrow/go/v14/parquet/pqarrow"

	"github.com/opencost/opencost-parquet-exporter/internal/normalize"
)

// arrowSchemaKey is written by pqarrow to restore the Arrow schema on read.
const arrowSchemaKey = "ARROW:schema"

var (
	ErrEncode = errors.New("failed to encode parquet")
	ErrDecode = errors.New("failed to decode parquet")

	mem = memory.DefaultAllocator
)

// Encode writes t as a single Snappy-compressed Parquet file with one
// row group.  All columns are nullable.  meta is stored as file
// key-value metadata.
func Encode(t *normalize.Table, meta map[string]string) ([]byte, error) {
	// A Parquet file without columns cannot carry a row count.
	if len(t.Columns) == 0 {
		return nil, fmt.Errorf("%w: table of %d row(s) has no columns", ErrEncode, t.NumRows)
	}
	fields := make([]arrow.Field, len(t.Columns))
	for i, c := range t.Columns {
		dt, err := arrowType(c.Type)
		if err != nil {
			return nil, fmt.Errorf("%w: column %q: %v", ErrEncode, c.Name, err)
		}
		fields[i] = arrow.Field{Name: c.Name, Type: dt, Nullable: true}
	}
	keys, values := make([]string, 0, len(meta)), make([]string, 0, len(meta))
	for k, v := range meta {
		keys = append(keys, k)
		values = append(values, v)
	}
	md := arrow.NewMetadata(keys, values)
	schema := arrow.NewSchema(fields, &md)

	b := array.NewRecordBuilder(mem, schema)
	defer b.Release()
	for i, c := range t.Columns {
		if len(c.Values) != t.NumRows {
			return nil, fmt.Errorf("%w: column %q has %d values, want %d", ErrEncode, c.Name, len(c.Values), t.NumRows)
		}
		if err := appendColumn(b.Field(i), c); err != nil {
			return nil, fmt.Errorf("%w: column %q: %v", ErrEncode, c.Name, err)
		}
	}
	rec := b.NewRecord()
	defer rec.Release()

	var buf bytes.Buffer
	props := parquet.NewWriterProperties(parquet.WithCompression(compress.Codecs.Snappy))
	fw, err := pqarrow.NewFileWriter(schema, &buf, props, pqarrow.NewArrowWriterProperties(pqarrow.WithStoreSchema()))
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrEncode, err)
	}
	if err := fw.Write(rec); err != nil {
		fw.Close()
		return nil, fmt.Errorf("%w: %v", ErrEncode, err)
	}
	if err := fw.Close(); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrEncode, err)
	}
	return buf.Bytes(), nil
}

func arrowType(t normalize.ColumnType) (arrow.DataType, error) {
	switch t {
	case normalize.Float:
		return arrow.PrimitiveTypes.Float64, nil
	case normalize.Int:
		return arrow.PrimitiveTypes.Int64, nil
	case normalize.String:
		return arrow.BinaryTypes.String, nil
	case normalize.Bool:
		return arrow.FixedWidthTypes.Boolean, nil
	case normalize.Timestamp:
		return arrow.FixedWidthTypes.Timestamp_us, nil
	}
	return nil, fmt.Errorf("unsupported column type %q", t)
}

func appendColumn(fb array.Builder, c *normalize.Column) error {
	for row, v := range c.Values {
		if v == nil {
			fb.AppendNull()
			continue
		}
		ok := true
		switch b := fb.(type) {
		case *array.Float64Builder:
			var f float64
			if f, ok = v.(float64); ok {
				b.Append(f)
			}
		case *array.Int64Builder:
			var n int64
			if n, ok = v.(int64); ok {
				b.Append(n)
			}
		case *array.StringBuilder:
			var s string
			if s, ok = v.(string); ok {
				b.Append(s)
			}
		case *array.BooleanBuilder:
			var x bool
			if x, ok = v.(bool); ok {
				b.Append(x)
			}
		case *array.TimestampBuilder:
			var ts time.Time
			if ts, ok = v.(time.Time); ok {
				b.Append(arrow.Timestamp(ts.UnixMicro()))
			}
		default:
			return fmt.Errorf("unsupported builder %T", fb)
		}
		if !ok {
			return fmt.Errorf("row %d: value %v (%T) does not match type %v", row, v, v, c.Type)
		}
	}
	return nil
}

// Decode reads a Parquet file written by Encode.
func Decode(data []byte) (*normalize.Table, error) {
	rdr, err := file.NewParquetReader(bytes.NewReader(data))
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrDecode, err)
	}
	defer rdr.Close()
	fr, err := pqarrow.NewFileReader(rdr, pqarrow.ArrowReadProperties{}, mem)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrDecode, err)
	}
	tbl, err := fr.ReadTable(context.Background())
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrDecode, err)
	}
	defer tbl.Release()

	t := &normalize.Table{NumRows: int(tbl.NumRows())}
	for i := 0; i < int(tbl.NumCols()); i++ {
		col := tbl.Column(i)
		c, err := readColumn(col)
		if err != nil {
			return nil, fmt.Errorf("%w: column %q: %v", ErrDecode, col.Name(), err)
		}
		t.Columns = append(t.Columns, c)
	}
	return t, nil
}

func readColumn(col *arrow.Column) (*normalize.Column, error) {
	c := &normalize.Column{Name: col.Name(), Values: make([]any, 0, col.Len())}
	switch col.DataType().ID() {
	case arrow.FLOAT64:
		c.Type = normalize.Float
	case arrow.INT64:
		c.Type = normalize.Int
	case arrow.STRING:
		c.Type = normalize.String
	case arrow.BOOL:
		c.Type = normalize.Bool
	case arrow.TIMESTAMP:
		c.Type = normalize.Timestamp
	default:
		return nil, fmt.Errorf("unsupported arrow type %v", col.DataType())
	}
	for _, chunk := range col.Data().Chunks() {
		for i := 0; i < chunk.Len(); i++ {
			if chunk.IsNull(i) {
				c.Values = append(c.Values, nil)
				continue
			}
			switch a := chunk.(type) {
			case *array.Float64:
				c.Values = append(c.Values, a.Value(i))
			case *array.Int64:
				c.Values = append(c.Values, a.Value(i))
			case *array.String:
				c.Values = append(c.Values, a.Value(i))
			case *array.Boolean:
				c.Values = append(c.Values, a.Value(i))
			case *array.Timestamp:
				c.Values = append(c.Values, a.Value(i).ToTime(arrow.Microsecond).UTC())
			default:
				return nil, fmt.Errorf("unexpected array %T", chunk)
			}
		}
	}
	return c, nil
}

// ReadMetadata returns the key-value metadata of a Parquet file.
func ReadMetadata(data []byte) (map[string]string, error) {
	rdr, err := file.NewParquetReader(bytes.NewReader(data))
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrDecode, err)
	}
	defer rdr.Close()
	kv := rdr.MetaData().KeyValueMetadata()
	keys, values := kv.Keys(), kv.Values()
	meta := make(map[string]string, len(keys))
	for i, k := range keys {
		if k == arrowSchemaKey {
			continue
		}
		meta[k] = values[i]
	}
	return meta, nil
}
