package cli

import (
	"fmt"
	"os"
	"path/filepath"

	"cuelang.org/go/cue"
	"cuelang.org/go/cue/cuecontext"
	"cuelang.org/go/cue/load"
	"cuelang.org/go/cue/token"

	"github.com/kestreldb/kestrel/internal/schema"
)

// LoadResult contains a schema definition loaded from a directory of
// CUE files.
type LoadResult struct {
	Schema    *schema.Schema
	Version   uint64
	FileCount int // number of CUE files found
}

// LoadError represents an error that occurred during schema loading.
type LoadError struct {
	Code    string
	Message string
	Pos     token.Pos // CUE position if available
}

func (e *LoadError) Error() string {
	if e.Pos.IsValid() {
		return fmt.Sprintf("%s:%d:%d: %s: %s", e.Pos.Filename(), e.Pos.Line(), e.Pos.Column(), e.Code, e.Message)
	}
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

// Error code constants - unified across all CLI commands.
const (
	ErrCodeGeneric     = "E001" // Generic/unknown error
	ErrCodeScanError   = "E002" // Directory scan error
	ErrCodeNoFiles     = "E003" // No CUE files found
	ErrCodeLoadFailed  = "E004" // CUE load failed
	ErrCodeNotFound    = "E005" // Path not found
	ErrCodeBuildFailed = "E006" // CUE build failed

	ErrCodeNoVersion     = "E101" // Missing or invalid schema version
	ErrCodeNoTables      = "E102" // No tables defined
	ErrCodeInvalidColumn = "E103" // Column missing or invalid type
	ErrCodeInvalidSchema = "E104" // Schema failed structural validation

	ErrCodeOpenFailed    = "E201" // Storage open failed
	ErrCodeMigrateFailed = "E202" // Migration failed
	ErrCodeCompactFailed = "E203" // Compact failed
)

// LoadSchemaDir loads a schema definition from a directory of CUE
// files. The files unify into a single value of the form:
//
//	schema: {
//		version: 2
//		tables: person: columns: {
//			name: {type: "text", required: true, indexed: true}
//			age:  {type: "integer"}
//		}
//	}
func LoadSchemaDir(dir string) (*LoadResult, error) {
	info, err := os.Stat(dir)
	if os.IsNotExist(err) {
		return nil, &LoadError{Code: ErrCodeNotFound, Message: fmt.Sprintf("schema directory not found: %s", dir)}
	}
	if err != nil {
		return nil, &LoadError{Code: ErrCodeNotFound, Message: fmt.Sprintf("error accessing schema directory: %v", err)}
	}
	if !info.IsDir() {
		return nil, &LoadError{Code: ErrCodeNotFound, Message: fmt.Sprintf("not a directory: %s", dir)}
	}

	cueFiles, err := findCUEFiles(dir)
	if err != nil {
		return nil, &LoadError{Code: ErrCodeScanError, Message: fmt.Sprintf("error scanning directory: %v", err)}
	}
	if len(cueFiles) == 0 {
		return nil, &LoadError{Code: ErrCodeNoFiles, Message: fmt.Sprintf("no CUE files found in %s", dir)}
	}

	ctx := cuecontext.New()
	instances := load.Instances([]string{"."}, &load.Config{Dir: dir})
	if len(instances) == 0 {
		return nil, &LoadError{Code: ErrCodeLoadFailed, Message: "no CUE instances loaded"}
	}
	inst := instances[0]
	if inst.Err != nil {
		return nil, &LoadError{Code: ErrCodeLoadFailed, Message: fmt.Sprintf("loading CUE files: %v", inst.Err)}
	}
	value := ctx.BuildInstance(inst)
	if err := value.Err(); err != nil {
		return nil, &LoadError{Code: ErrCodeBuildFailed, Message: fmt.Sprintf("building CUE value: %v", err)}
	}

	schemaVal := value.LookupPath(cue.ParsePath("schema"))
	if !schemaVal.Exists() {
		return nil, &LoadError{Code: ErrCodeBuildFailed, Message: "no top-level schema field"}
	}

	result := &LoadResult{FileCount: len(cueFiles)}

	versionVal := schemaVal.LookupPath(cue.ParsePath("version"))
	if !versionVal.Exists() {
		return nil, &LoadError{Code: ErrCodeNoVersion, Message: "schema.version is required", Pos: schemaVal.Pos()}
	}
	version, err := versionVal.Uint64()
	if err != nil {
		return nil, &LoadError{Code: ErrCodeNoVersion, Message: fmt.Sprintf("schema.version: %v", err), Pos: versionVal.Pos()}
	}
	result.Version = version

	tablesVal := schemaVal.LookupPath(cue.ParsePath("tables"))
	if !tablesVal.Exists() {
		return nil, &LoadError{Code: ErrCodeNoTables, Message: "schema.tables is required", Pos: schemaVal.Pos()}
	}

	s := &schema.Schema{}
	iter, err := tablesVal.Fields()
	if err != nil {
		return nil, &LoadError{Code: ErrCodeNoTables, Message: fmt.Sprintf("iterating tables: %v", err), Pos: tablesVal.Pos()}
	}
	for iter.Next() {
		table, loadErr := compileTable(iter.Label(), iter.Value())
		if loadErr != nil {
			return nil, loadErr
		}
		s.Tables = append(s.Tables, *table)
	}
	if len(s.Tables) == 0 {
		return nil, &LoadError{Code: ErrCodeNoTables, Message: "schema defines no tables", Pos: tablesVal.Pos()}
	}

	s.Normalize()
	if err := s.Validate(); err != nil {
		return nil, &LoadError{Code: ErrCodeInvalidSchema, Message: err.Error(), Pos: tablesVal.Pos()}
	}
	result.Schema = s
	return result, nil
}

func compileTable(name string, v cue.Value) (*schema.Table, *LoadError) {
	table := &schema.Table{Name: name}

	colsVal := v.LookupPath(cue.ParsePath("columns"))
	if !colsVal.Exists() {
		return nil, &LoadError{Code: ErrCodeInvalidColumn,
			Message: fmt.Sprintf("table %q has no columns", name), Pos: v.Pos()}
	}
	iter, err := colsVal.Fields()
	if err != nil {
		return nil, &LoadError{Code: ErrCodeInvalidColumn,
			Message: fmt.Sprintf("table %q: iterating columns: %v", name, err), Pos: colsVal.Pos()}
	}
	for iter.Next() {
		col, loadErr := compileColumn(name, iter.Label(), iter.Value())
		if loadErr != nil {
			return nil, loadErr
		}
		table.Columns = append(table.Columns, *col)
	}
	return table, nil
}

func compileColumn(table, name string, v cue.Value) (*schema.Column, *LoadError) {
	typeVal := v.LookupPath(cue.ParsePath("type"))
	if !typeVal.Exists() {
		return nil, &LoadError{Code: ErrCodeInvalidColumn,
			Message: fmt.Sprintf("column %s.%s has no type", table, name), Pos: v.Pos()}
	}
	typeStr, err := typeVal.String()
	if err != nil {
		return nil, &LoadError{Code: ErrCodeInvalidColumn,
			Message: fmt.Sprintf("column %s.%s: type: %v", table, name, err), Pos: typeVal.Pos()}
	}
	col := &schema.Column{Name: name, Type: schema.ColumnType(typeStr)}
	if !schema.ValidType(col.Type) {
		return nil, &LoadError{Code: ErrCodeInvalidColumn,
			Message: fmt.Sprintf("column %s.%s has invalid type %q", table, name, typeStr), Pos: typeVal.Pos()}
	}

	if rv := v.LookupPath(cue.ParsePath("required")); rv.Exists() {
		required, err := rv.Bool()
		if err != nil {
			return nil, &LoadError{Code: ErrCodeInvalidColumn,
				Message: fmt.Sprintf("column %s.%s: required: %v", table, name, err), Pos: rv.Pos()}
		}
		col.Required = required
	}
	if iv := v.LookupPath(cue.ParsePath("indexed")); iv.Exists() {
		indexed, err := iv.Bool()
		if err != nil {
			return nil, &LoadError{Code: ErrCodeInvalidColumn,
				Message: fmt.Sprintf("column %s.%s: indexed: %v", table, name, err), Pos: iv.Pos()}
		}
		col.Indexed = indexed
	}
	return col, nil
}

// findCUEFiles walks the directory and returns all .cue file paths.
func findCUEFiles(dir string) ([]string, error) {
	var files []string
	err := filepath.Walk(dir, func(path string, info os.FileInfo, err error) error {
		if err != nil {
			return err
		}
		if !info.IsDir() && filepath.Ext(path) == ".cue" {
			files = append(files, path)
		}
		return nil
	})
	return files, err
}
