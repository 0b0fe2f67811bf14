package storage

import (
	"fmt"
	"strings"

	"github.com/kestreldb/kestrel/internal/schema"
)

// sqlType maps a schema column type to its SQLite declared type. The
// declared type round-trips through introspection, so the mapping must
// stay bijective.
func sqlType(t schema.ColumnType) string {
	switch t {
	case schema.TypeInteger:
		return "INTEGER"
	case schema.TypeReal:
		return "REAL"
	case schema.TypeText:
		return "TEXT"
	case schema.TypeBlob:
		return "BLOB"
	case schema.TypeBool:
		return "BOOLEAN"
	}
	return "BLOB"
}

func columnType(declared string) schema.ColumnType {
	switch strings.ToUpper(declared) {
	case "INTEGER":
		return schema.TypeInteger
	case "REAL":
		return schema.TypeReal
	case "TEXT":
		return schema.TypeText
	case "BOOLEAN":
		return schema.TypeBool
	default:
		return schema.TypeBlob
	}
}

// zeroDefault is the DEFAULT clause used when adding a required column
// to a table that may already hold rows.
func zeroDefault(t schema.ColumnType) string {
	switch t {
	case schema.TypeInteger, schema.TypeBool:
		return "0"
	case schema.TypeReal:
		return "0.0"
	case schema.TypeText:
		return "''"
	default:
		return "x''"
	}
}

func indexName(table, column string) string {
	return fmt.Sprintf("idx_%s_%s", table, column)
}

// quoteIdent quotes an identifier for embedding in DDL. Identifiers
// come from schema definitions, not end-user input, but quoting keeps
// reserved words and unicode names working.
func quoteIdent(name string) string {
	return `"` + strings.ReplaceAll(name, `"`, `""`) + `"`
}

// ReadSchema introspects the stored schema: user tables (the backend's
// meta table and SQLite internals excluded), their columns with
// declared types and NOT NULL flags, and single-column indexes created
// by ApplyChanges.
func (h *Handle) ReadSchema() (*schema.Schema, error) {
	rows, err := h.Query(`
		SELECT name FROM sqlite_master
		WHERE type = 'table' AND name NOT LIKE 'sqlite_%' AND name <> ?
		ORDER BY name`, metaTable)
	if err != nil {
		return nil, fmt.Errorf("read schema of %s: %w", h.path, err)
	}
	var names []string
	for rows.Next() {
		var name string
		if err := rows.Scan(&name); err != nil {
			rows.Close()
			return nil, fmt.Errorf("read schema of %s: %w", h.path, err)
		}
		names = append(names, name)
	}
	if err := rows.Err(); err != nil {
		rows.Close()
		return nil, fmt.Errorf("read schema of %s: %w", h.path, err)
	}
	rows.Close()

	out := &schema.Schema{}
	for _, name := range names {
		table, err := h.readTable(name)
		if err != nil {
			return nil, err
		}
		out.Tables = append(out.Tables, *table)
	}
	out.Normalize()
	return out, nil
}

func (h *Handle) readTable(name string) (*schema.Table, error) {
	rows, err := h.Query(fmt.Sprintf(`PRAGMA table_info(%s)`, quoteIdent(name)))
	if err != nil {
		return nil, fmt.Errorf("read table %s: %w", name, err)
	}
	table := &schema.Table{Name: name}
	for rows.Next() {
		var (
			cid        int
			colName    string
			declared   string
			notNull    int
			defaultVal any
			pk         int
		)
		if err := rows.Scan(&cid, &colName, &declared, &notNull, &defaultVal, &pk); err != nil {
			rows.Close()
			return nil, fmt.Errorf("read table %s: %w", name, err)
		}
		table.Columns = append(table.Columns, schema.Column{
			Name:     colName,
			Type:     columnType(declared),
			Required: notNull != 0,
		})
	}
	if err := rows.Err(); err != nil {
		rows.Close()
		return nil, fmt.Errorf("read table %s: %w", name, err)
	}
	rows.Close()

	indexed, err := h.readIndexedColumns(name)
	if err != nil {
		return nil, err
	}
	for i := range table.Columns {
		if indexed[table.Columns[i].Name] {
			table.Columns[i].Indexed = true
		}
	}
	return table, nil
}

func (h *Handle) readIndexedColumns(table string) (map[string]bool, error) {
	rows, err := h.Query(`
		SELECT name FROM sqlite_master
		WHERE type = 'index' AND tbl_name = ? AND name LIKE 'idx_%'`, table)
	if err != nil {
		return nil, fmt.Errorf("read indexes of %s: %w", table, err)
	}
	var indexes []string
	for rows.Next() {
		var name string
		if err := rows.Scan(&name); err != nil {
			rows.Close()
			return nil, fmt.Errorf("read indexes of %s: %w", table, err)
		}
		indexes = append(indexes, name)
	}
	if err := rows.Err(); err != nil {
		rows.Close()
		return nil, fmt.Errorf("read indexes of %s: %w", table, err)
	}
	rows.Close()

	indexed := make(map[string]bool)
	for _, idx := range indexes {
		cols, err := h.indexColumns(idx)
		if err != nil {
			return nil, err
		}
		if len(cols) == 1 {
			indexed[cols[0]] = true
		}
	}
	return indexed, nil
}

func (h *Handle) indexColumns(index string) ([]string, error) {
	rows, err := h.Query(fmt.Sprintf(`PRAGMA index_info(%s)`, quoteIdent(index)))
	if err != nil {
		return nil, fmt.Errorf("read index %s: %w", index, err)
	}
	defer rows.Close()
	var cols []string
	for rows.Next() {
		var seqno, cid int
		var name string
		if err := rows.Scan(&seqno, &cid, &name); err != nil {
			return nil, fmt.Errorf("read index %s: %w", index, err)
		}
		cols = append(cols, name)
	}
	return cols, rows.Err()
}

// ApplyChanges executes a structural delta inside the open write
// transaction: create missing tables, add missing columns, reconcile
// index membership. Stored columns are never dropped.
func (h *Handle) ApplyChanges(changes *schema.Changes) error {
	if !h.inWrite {
		return ErrTxState
	}

	for _, table := range changes.CreateTables {
		if err := h.createTable(table); err != nil {
			return err
		}
	}
	for _, ref := range changes.AddColumns {
		ddl := fmt.Sprintf("ALTER TABLE %s ADD COLUMN %s %s",
			quoteIdent(ref.Table), quoteIdent(ref.Column.Name), sqlType(ref.Column.Type))
		if ref.Column.Required {
			ddl += " NOT NULL DEFAULT " + zeroDefault(ref.Column.Type)
		}
		if err := h.Exec(ddl); err != nil {
			return fmt.Errorf("add column %s.%s: %w", ref.Table, ref.Column.Name, err)
		}
	}
	for _, idx := range changes.CreateIndexes {
		ddl := fmt.Sprintf("CREATE INDEX IF NOT EXISTS %s ON %s (%s)",
			quoteIdent(indexName(idx.Table, idx.Column)), quoteIdent(idx.Table), quoteIdent(idx.Column))
		if err := h.Exec(ddl); err != nil {
			return fmt.Errorf("create index on %s.%s: %w", idx.Table, idx.Column, err)
		}
	}
	for _, idx := range changes.DropIndexes {
		ddl := fmt.Sprintf("DROP INDEX IF EXISTS %s", quoteIdent(indexName(idx.Table, idx.Column)))
		if err := h.Exec(ddl); err != nil {
			return fmt.Errorf("drop index on %s.%s: %w", idx.Table, idx.Column, err)
		}
	}
	return nil
}

func (h *Handle) createTable(table schema.Table) error {
	var cols []string
	for _, c := range table.Columns {
		col := fmt.Sprintf("%s %s", quoteIdent(c.Name), sqlType(c.Type))
		if c.Required {
			col += " NOT NULL"
		}
		cols = append(cols, col)
	}
	ddl := fmt.Sprintf("CREATE TABLE %s (%s)", quoteIdent(table.Name), strings.Join(cols, ", "))
	if err := h.Exec(ddl); err != nil {
		return fmt.Errorf("create table %s: %w", table.Name, err)
	}
	for _, c := range table.Columns {
		if !c.Indexed {
			continue
		}
		ddl := fmt.Sprintf("CREATE INDEX IF NOT EXISTS %s ON %s (%s)",
			quoteIdent(indexName(table.Name, c.Name)), quoteIdent(table.Name), quoteIdent(c.Name))
		if err := h.Exec(ddl); err != nil {
			return fmt.Errorf("create index on %s.%s: %w", table.Name, c.Name, err)
		}
	}
	return nil
}
