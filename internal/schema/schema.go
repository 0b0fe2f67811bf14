// Package schema is the in-memory model of tables, columns and indexes
// that the lifecycle layer migrates stored files toward. Values are
// plain data: they can be compared structurally (see Diff) and applied
// to a storage handle inside a write transaction.
package schema

import (
	"fmt"
	"sort"

	"golang.org/x/text/unicode/norm"
)

// ColumnType enumerates the storable column types.
type ColumnType string

const (
	TypeInteger ColumnType = "integer"
	TypeReal    ColumnType = "real"
	TypeText    ColumnType = "text"
	TypeBlob    ColumnType = "blob"
	TypeBool    ColumnType = "bool"
)

// ValidType reports whether t is one of the storable column types.
func ValidType(t ColumnType) bool {
	switch t {
	case TypeInteger, TypeReal, TypeText, TypeBlob, TypeBool:
		return true
	}
	return false
}

// Column describes one column of a table.
type Column struct {
	Name     string     `json:"name" yaml:"name"`
	Type     ColumnType `json:"type" yaml:"type"`
	Required bool       `json:"required,omitempty" yaml:"required,omitempty"`
	Indexed  bool       `json:"indexed,omitempty" yaml:"indexed,omitempty"`
}

// Table describes one table: its columns in declaration order.
// Indexes are single-column and derived from Column.Indexed.
type Table struct {
	Name    string   `json:"name" yaml:"name"`
	Columns []Column `json:"columns" yaml:"columns"`
}

// Column returns the column with the given name, if present.
func (t *Table) Column(name string) (Column, bool) {
	for _, c := range t.Columns {
		if c.Name == name {
			return c, true
		}
	}
	return Column{}, false
}

// MissingFieldError reports a record value that omits a required column.
type MissingFieldError struct {
	Table  string
	Column string
}

func (e *MissingFieldError) Error() string {
	return fmt.Sprintf("missing required field %s.%s", e.Table, e.Column)
}

// ValidateRecord checks a candidate record value against the table
// definition. Every required column must be present with a non-nil
// value; unknown keys are rejected.
func (t *Table) ValidateRecord(values map[string]any) error {
	for _, c := range t.Columns {
		if !c.Required {
			continue
		}
		v, ok := values[c.Name]
		if !ok || v == nil {
			return &MissingFieldError{Table: t.Name, Column: c.Name}
		}
	}
	for k := range values {
		if _, ok := t.Column(k); !ok {
			return fmt.Errorf("unknown field %s.%s", t.Name, k)
		}
	}
	return nil
}

// Schema is a set of table definitions.
type Schema struct {
	Tables []Table `json:"tables" yaml:"tables"`
}

// Table returns the table with the given name, if present.
func (s *Schema) Table(name string) (*Table, bool) {
	for i := range s.Tables {
		if s.Tables[i].Name == name {
			return &s.Tables[i], true
		}
	}
	return nil, false
}

// Clone returns a deep copy of the schema.
func (s *Schema) Clone() *Schema {
	if s == nil {
		return nil
	}
	out := &Schema{Tables: make([]Table, len(s.Tables))}
	for i, t := range s.Tables {
		cols := make([]Column, len(t.Columns))
		copy(cols, t.Columns)
		out.Tables[i] = Table{Name: t.Name, Columns: cols}
	}
	return out
}

// Normalize NFC-normalizes all table and column names and sorts tables
// by name. Structural comparison assumes both sides are normalized, so
// Unicode spelling differences (composed vs decomposed) never show up
// as schema changes.
func (s *Schema) Normalize() {
	for i := range s.Tables {
		t := &s.Tables[i]
		t.Name = norm.NFC.String(t.Name)
		for j := range t.Columns {
			t.Columns[j].Name = norm.NFC.String(t.Columns[j].Name)
		}
	}
	sort.Slice(s.Tables, func(i, j int) bool {
		return s.Tables[i].Name < s.Tables[j].Name
	})
}

// Validate checks the schema for internal consistency: non-empty unique
// table names, at least one column per table, unique column names, and
// known column types.
func (s *Schema) Validate() error {
	seenTables := make(map[string]bool, len(s.Tables))
	for _, t := range s.Tables {
		if t.Name == "" {
			return fmt.Errorf("table with empty name")
		}
		if seenTables[t.Name] {
			return fmt.Errorf("duplicate table %q", t.Name)
		}
		seenTables[t.Name] = true

		if len(t.Columns) == 0 {
			return fmt.Errorf("table %q has no columns", t.Name)
		}
		seenCols := make(map[string]bool, len(t.Columns))
		for _, c := range t.Columns {
			if c.Name == "" {
				return fmt.Errorf("table %q: column with empty name", t.Name)
			}
			if seenCols[c.Name] {
				return fmt.Errorf("table %q: duplicate column %q", t.Name, c.Name)
			}
			seenCols[c.Name] = true
			if !ValidType(c.Type) {
				return fmt.Errorf("table %q: column %q has invalid type %q", t.Name, c.Name, c.Type)
			}
		}
	}
	return nil
}
