package schema

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func personSchema() *Schema {
	return &Schema{Tables: []Table{{
		Name: "person",
		Columns: []Column{
			{Name: "name", Type: TypeText, Required: true},
			{Name: "age", Type: TypeInteger},
		},
	}}}
}

func TestValidate_AcceptsWellFormedSchema(t *testing.T) {
	assert.NoError(t, personSchema().Validate())
}

func TestValidate_Rejections(t *testing.T) {
	tests := []struct {
		name   string
		schema *Schema
		want   string
	}{
		{
			name:   "empty table name",
			schema: &Schema{Tables: []Table{{Columns: []Column{{Name: "x", Type: TypeText}}}}},
			want:   "empty name",
		},
		{
			name: "duplicate table",
			schema: &Schema{Tables: []Table{
				{Name: "t", Columns: []Column{{Name: "x", Type: TypeText}}},
				{Name: "t", Columns: []Column{{Name: "y", Type: TypeText}}},
			}},
			want: "duplicate table",
		},
		{
			name:   "table with no columns",
			schema: &Schema{Tables: []Table{{Name: "t"}}},
			want:   "no columns",
		},
		{
			name: "duplicate column",
			schema: &Schema{Tables: []Table{{Name: "t", Columns: []Column{
				{Name: "x", Type: TypeText},
				{Name: "x", Type: TypeInteger},
			}}}},
			want: "duplicate column",
		},
		{
			name:   "invalid type",
			schema: &Schema{Tables: []Table{{Name: "t", Columns: []Column{{Name: "x", Type: "varchar"}}}}},
			want:   "invalid type",
		},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			err := tc.schema.Validate()
			require.Error(t, err)
			assert.ErrorContains(t, err, tc.want)
		})
	}
}

func TestNormalize_UnifiesUnicodeSpellings(t *testing.T) {
	// U+00E9 is the composed spelling, "e" + U+0301 the decomposed one.
	composed := &Schema{Tables: []Table{{
		Name:    "caf\u00e9",
		Columns: []Column{{Name: "entr\u00e9e", Type: TypeText}},
	}}}
	decomposed := &Schema{Tables: []Table{{
		Name:    "cafe\u0301",
		Columns: []Column{{Name: "entre\u0301e", Type: TypeText}},
	}}}

	composed.Normalize()
	decomposed.Normalize()

	assert.Equal(t, composed, decomposed)

	changes, err := Diff(composed, decomposed)
	require.NoError(t, err)
	assert.True(t, changes.Empty())
}

func TestNormalize_SortsTables(t *testing.T) {
	s := &Schema{Tables: []Table{
		{Name: "zebra", Columns: []Column{{Name: "x", Type: TypeText}}},
		{Name: "apple", Columns: []Column{{Name: "x", Type: TypeText}}},
	}}
	s.Normalize()
	assert.Equal(t, "apple", s.Tables[0].Name)
	assert.Equal(t, "zebra", s.Tables[1].Name)
}

func TestClone_IsDeep(t *testing.T) {
	orig := personSchema()
	cp := orig.Clone()

	cp.Tables[0].Columns[0].Name = "renamed"
	cp.Tables[0].Name = "other"

	assert.Equal(t, "person", orig.Tables[0].Name)
	assert.Equal(t, "name", orig.Tables[0].Columns[0].Name)

	var nilSchema *Schema
	assert.Nil(t, nilSchema.Clone())
}

func TestValidateRecord(t *testing.T) {
	table, ok := personSchema().Table("person")
	require.True(t, ok)

	assert.NoError(t, table.ValidateRecord(map[string]any{"name": "ada", "age": 36}))
	assert.NoError(t, table.ValidateRecord(map[string]any{"name": "ada"}), "optional columns may be omitted")

	err := table.ValidateRecord(map[string]any{"age": 36})
	var missing *MissingFieldError
	require.ErrorAs(t, err, &missing)
	assert.Equal(t, "person", missing.Table)
	assert.Equal(t, "name", missing.Column)

	err = table.ValidateRecord(map[string]any{"name": nil})
	require.ErrorAs(t, err, &missing, "explicit nil counts as missing")

	err = table.ValidateRecord(map[string]any{"name": "ada", "nickname": "a"})
	require.Error(t, err)
	assert.ErrorContains(t, err, "unknown field")
}
