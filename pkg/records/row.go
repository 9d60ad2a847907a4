package records

import "strings"

// TSField is the reserved join column. It is metadata and never editable.
const TSField = "ts"

// Field is one named value of a row. A nil Value is SQL NULL.
type Field struct {
	Name  string
	Value *string
}

// Row is a single record in column order with lower-cased field names.
type Row struct {
	Table  string
	Fields []Field
}

// NewRow builds a row from parallel name/value slices, lower-casing names.
func NewRow(table string, names []string, values []*string) Row {
	r := Row{Table: table, Fields: make([]Field, 0, len(names))}
	for i, n := range names {
		var v *string
		if i < len(values) {
			v = values[i]
		}
		r.Fields = append(r.Fields, Field{Name: strings.ToLower(n), Value: v})
	}
	return r
}

// Has reports whether the row carries a column called name, NULL or not.
func (r Row) Has(name string) bool {
	for _, f := range r.Fields {
		if f.Name == name {
			return true
		}
	}
	return false
}

// Get returns the non-NULL value of name.
func (r Row) Get(name string) (string, bool) {
	for _, f := range r.Fields {
		if f.Name == name && f.Value != nil {
			return *f.Value, true
		}
	}
	return "", false
}

// TS returns the join timestamp stored in the row.
func (r Row) TS() (string, bool) { return r.Get(TSField) }

// Without returns a copy of the row minus the named field.
func (r Row) Without(name string) Row {
	out := Row{Table: r.Table, Fields: make([]Field, 0, len(r.Fields))}
	for _, f := range r.Fields {
		if f.Name != name {
			out.Fields = append(out.Fields, f)
		}
	}
	return out
}

// Editable returns the fields that can be offered to the operator: every
// field with a non-NULL value, in row order.
func (r Row) Editable() []Field {
	out := make([]Field, 0, len(r.Fields))
	for _, f := range r.Fields {
		if f.Value != nil {
			out = append(out, f)
		}
	}
	return out
}

// StrPtr is a small helper for building rows by hand.
func StrPtr(s string) *string { return &s }
