package cli

import (
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/kestreldb/kestrel/internal/schema"
)

func loadErrCode(t *testing.T, err error) string {
	t.Helper()
	var loadErr *LoadError
	require.ErrorAs(t, err, &loadErr)
	return loadErr.Code
}

func TestLoadSchemaDir_UnifiesFiles(t *testing.T) {
	result, err := LoadSchemaDir(filepath.Join("testdata", "valid"))
	require.NoError(t, err)

	assert.Equal(t, uint64(2), result.Version)
	assert.Equal(t, 2, result.FileCount)
	require.Len(t, result.Schema.Tables, 2)

	person, ok := result.Schema.Table("person")
	require.True(t, ok)
	name, ok := person.Column("name")
	require.True(t, ok)
	assert.Equal(t, schema.TypeText, name.Type)
	assert.True(t, name.Required)
	assert.True(t, name.Indexed)
	age, ok := person.Column("age")
	require.True(t, ok)
	assert.Equal(t, schema.TypeInteger, age.Type)
	assert.False(t, age.Required)

	// The second file contributes its own table to the same schema.
	pet, ok := result.Schema.Table("pet")
	require.True(t, ok)
	owner, ok := pet.Column("owner")
	require.True(t, ok)
	assert.True(t, owner.Indexed)
}

func TestLoadSchemaDir_MissingDirectory(t *testing.T) {
	_, err := LoadSchemaDir(filepath.Join("testdata", "nope"))
	assert.Equal(t, ErrCodeNotFound, loadErrCode(t, err))
}

func TestLoadSchemaDir_EmptyDirectory(t *testing.T) {
	_, err := LoadSchemaDir(t.TempDir())
	assert.Equal(t, ErrCodeNoFiles, loadErrCode(t, err))
}

func TestLoadSchemaDir_InvalidColumnType(t *testing.T) {
	_, err := LoadSchemaDir(filepath.Join("testdata", "bad_type"))
	assert.Equal(t, ErrCodeInvalidColumn, loadErrCode(t, err))
	assert.ErrorContains(t, err, "varchar")
}

func TestLoadSchemaDir_MissingVersion(t *testing.T) {
	_, err := LoadSchemaDir(filepath.Join("testdata", "no_version"))
	assert.Equal(t, ErrCodeNoVersion, loadErrCode(t, err))
}

func TestLoadSchemaDir_MissingTables(t *testing.T) {
	_, err := LoadSchemaDir(filepath.Join("testdata", "no_tables"))
	assert.Equal(t, ErrCodeNoTables, loadErrCode(t, err))
}
