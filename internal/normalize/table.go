package normalize

// ColumnType is the scalar type of a column in the exported table.
type ColumnType string

const (
	Float     ColumnType = "float"     // float64
	Int       ColumnType = "int"       // int64
	String    ColumnType = "string"    // string
	Bool      ColumnType = "bool"      // bool
	Timestamp ColumnType = "timestamp" // time.Time in UTC
)

// Column is a named, typed column.  Each value is nil (null) or a Go value
// of the type that corresponds to Type.
type Column struct {
	Name   string
	Type   ColumnType
	Values []any
}

// Table is the flat output of normalization.  Columns are sorted by name
// and all have NumRows values.
type Table struct {
	Columns []*Column
	NumRows int

	// Metadata is written as key-value metadata of the exported file.
	Metadata map[string]string
}

// Column returns the column with the given name or nil.
func (t *Table) Column(name string) *Column {
	for _, c := range t.Columns {
		if c.Name == name {
			return c
		}
	}
	return nil
}

// ColumnNames returns the names of all columns in order.
func (t *Table) ColumnNames() []string {
	names := make([]string, len(t.Columns))
	for i, c := range t.Columns {
		names[i] = c.Name
	}
	return names
}
