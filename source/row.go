package source

import (
	"fmt"
	"strings"
	"time"
)

// Field is one named, typed column value of a row
type Field struct {
	Name  string
	Type  string // source-specific type name, e.g. STRING, INT64, TIMESTAMP
	Value any    // nil for NULL
}

// Row is an ordered set of fields as read from the source. A Row is never
// mutated after it is returned by a RowSource.
type Row struct {
	fields []Field
}

// NewRow copies fields into a new Row
func NewRow(fields ...Field) Row {
	cp := make([]Field, len(fields))
	copy(cp, fields)
	return Row{fields: cp}
}

// Len returns the number of fields
func (r Row) Len() int {
	return len(r.fields)
}

// Fields returns a copy of the row's fields in source order
func (r Row) Fields() []Field {
	cp := make([]Field, len(r.fields))
	copy(cp, r.fields)
	return cp
}

// At returns the field at position i
func (r Row) At(i int) Field {
	return r.fields[i]
}

// Columns returns the column names in source order
func (r Row) Columns() []string {
	names := make([]string, len(r.fields))
	for i, f := range r.fields {
		names[i] = f.Name
	}
	return names
}

// Get returns the named field. Column names match case-insensitively.
func (r Row) Get(name string) (Field, bool) {
	for _, f := range r.fields {
		if f.Name == name {
			return f, true
		}
	}
	for _, f := range r.fields {
		if strings.EqualFold(f.Name, name) {
			return f, true
		}
	}
	return Field{}, false
}

// String renders the row for logs
func (r Row) String() string {
	var sb strings.Builder
	sb.WriteByte('{')
	for i, f := range r.fields {
		if i > 0 {
			sb.WriteString(", ")
		}
		fmt.Fprintf(&sb, "%s=%v", f.Name, f.Value)
	}
	sb.WriteByte('}')
	return sb.String()
}

// CanonicalTimestamp renders a watermark the way it appears in event attributes
func CanonicalTimestamp(t time.Time) string {
	return t.UTC().Format(time.RFC3339Nano)
}

// timestampLayouts are the text renderings accepted for a watermark column.
// Layouts without a zone are read as UTC.
var timestampLayouts = []string{
	time.RFC3339Nano,
	"2006-01-02 15:04:05.999999999Z07:00",
	"2006-01-02 15:04:05.999999999-07",
	"2006-01-02 15:04:05.999999999",
	"2006-01-02T15:04:05.999999999",
}

// ParseTimestamp parses a watermark stored as text, as RFC3339 or as the
// SQL DATETIME renderings of MySQL, SQLite and Postgres
func ParseTimestamp(v string) (time.Time, error) {
	v = strings.TrimSpace(v)
	for _, layout := range timestampLayouts {
		if t, err := time.Parse(layout, v); err == nil {
			return t.UTC(), nil
		}
	}
	return time.Time{}, fmt.Errorf("unrecognized timestamp %q", v)
}
