package schema

import "fmt"

// ColumnRef names a column within a table.
type ColumnRef struct {
	Table  string
	Column Column
}

// IndexRef names a single-column index.
type IndexRef struct {
	Table  string
	Column string
}

// Changes is the structural delta required to bring a stored schema up
// to a target schema. Reconciliation is non-destructive: stored tables
// and columns absent from the target are left in place, only indexes
// are ever dropped (they carry no data).
type Changes struct {
	CreateTables  []Table
	AddColumns    []ColumnRef
	CreateIndexes []IndexRef
	DropIndexes   []IndexRef
}

// Empty reports whether applying the changes would be a no-op.
func (c *Changes) Empty() bool {
	return len(c.CreateTables) == 0 &&
		len(c.AddColumns) == 0 &&
		len(c.CreateIndexes) == 0 &&
		len(c.DropIndexes) == 0
}

// TypeConflictError reports a column present in both schemas with
// incompatible declared types. There is no safe automatic resolution;
// the caller surfaces it as a schema-version error.
type TypeConflictError struct {
	Table  string
	Column string
	Stored ColumnType
	Target ColumnType
}

func (e *TypeConflictError) Error() string {
	return fmt.Sprintf("column %s.%s is stored as %s but requested as %s",
		e.Table, e.Column, e.Stored, e.Target)
}

// Diff computes the changes needed to reconcile stored with target.
// Both schemas must be normalized. Diff is read-only and idempotent:
// diffing a schema against itself yields empty changes.
func Diff(target, stored *Schema) (*Changes, error) {
	changes := &Changes{}
	if target == nil {
		return changes, nil
	}

	for _, want := range target.Tables {
		have, ok := stored.Table(want.Name)
		if !ok {
			changes.CreateTables = append(changes.CreateTables, want)
			continue
		}

		for _, col := range want.Columns {
			existing, ok := have.Column(col.Name)
			if !ok {
				changes.AddColumns = append(changes.AddColumns, ColumnRef{Table: want.Name, Column: col})
				if col.Indexed {
					changes.CreateIndexes = append(changes.CreateIndexes, IndexRef{Table: want.Name, Column: col.Name})
				}
				continue
			}
			if existing.Type != col.Type {
				return nil, &TypeConflictError{
					Table:  want.Name,
					Column: col.Name,
					Stored: existing.Type,
					Target: col.Type,
				}
			}
			if col.Indexed && !existing.Indexed {
				changes.CreateIndexes = append(changes.CreateIndexes, IndexRef{Table: want.Name, Column: col.Name})
			}
			if !col.Indexed && existing.Indexed {
				changes.DropIndexes = append(changes.DropIndexes, IndexRef{Table: want.Name, Column: col.Name})
			}
		}
	}

	return changes, nil
}
