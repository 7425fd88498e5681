package core

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestProvisionalID(t *testing.T) {
	id := ProvisionalID(3)
	assert.True(t, id.IsProvisional())
	assert.False(t, ID(3).IsProvisional())
	assert.Equal(t, "tmp-3", id.String())
	assert.Equal(t, "3", ID(3).String())
}

func TestNewProject(t *testing.T) {
	p := NewProject("vision", "image models")
	require.NoError(t, ValidateObject(p))

	assert.Equal(t, KindProject, p.Kind)
	assert.True(t, String("vision").Equal(p.Get(FieldProjectName)))
	assert.True(t, String("image models").Equal(p.Get(FieldDescription)))
	assert.True(t, List{}.Equal(p.Get(FieldModels)))
	assert.Contains(t, p.Indexed, FieldKind)
	assert.Contains(t, p.Indexed, FieldProjectName)
	assert.Contains(t, p.Indexed, FieldContentHash)
}

func TestNewModel(t *testing.T) {
	m := NewModel("vision", String("weights-blob"), Map{
		"framework": String("torch"),
		"accuracy":  Float(0.91),
		"notes":     List{String("wip")}, // non-scalar, must not be indexed
	})
	require.NoError(t, ValidateObject(m))

	assert.Equal(t, KindModel, m.Kind)
	assert.True(t, Float(0.91).Equal(m.Get("accuracy")))
	assert.Contains(t, m.Indexed, "framework")
	assert.Contains(t, m.Indexed, "accuracy")
	assert.NotContains(t, m.Indexed, "notes")
}

func TestObjectMetadata(t *testing.T) {
	o := NewObject(KindModel)
	o.Set(FieldProjectName, String("p"))
	o.Set("accuracy", Float(0.5))
	o.Set("tags", List{String("x")})
	o.MarkIndexed("accuracy", "tags", "missing")

	meta := o.Metadata()
	keys := make([]string, 0, len(meta))
	for _, m := range meta {
		keys = append(keys, m.Key)
	}
	// kind is indexed by NewObject; tags is non-scalar, missing is absent.
	assert.Equal(t, []string{FieldKind, "accuracy"}, keys)
}

func TestObjectSetChecked(t *testing.T) {
	m := NewModel("vision", String("w"), Map{"accuracy": Float(0.5)})

	require.NoError(t, m.SetChecked("accuracy", Float(0.7)))
	assert.True(t, Float(0.7).Equal(m.Get("accuracy")))

	err := m.SetChecked(FieldCreatedAt, Time{})
	assert.ErrorIs(t, err, ErrImmutableField)

	err = m.SetChecked("does_not_exist", Int(1))
	assert.ErrorIs(t, err, ErrUnknownField)
}

func TestObjectCloneAndEqual(t *testing.T) {
	m := NewModel("vision", String("w"), Map{"accuracy": Float(0.5)})
	c := m.Clone()
	assert.True(t, m.Equal(c))

	c.Set("accuracy", Float(0.6))
	assert.False(t, m.Equal(c))
}

func TestObjectRefs(t *testing.T) {
	p := NewProject("vision", "")
	p.Set(FieldModels, List{Ref(4), Ref(9)})
	assert.ElementsMatch(t, []ID{4, 9}, p.Refs())
}

func TestContentHash_Deterministic(t *testing.T) {
	a := ContentHash(String("vision"), Int(1))
	b := ContentHash(String("vision"), Int(1))
	c := ContentHash(String("vision"), Int(2))
	assert.Equal(t, a, b)
	assert.NotEqual(t, a, c)

	// Map hashing is key-order independent.
	m1 := ContentHash(Map{"a": Int(1), "b": Int(2)})
	m2 := ContentHash(Map{"b": Int(2), "a": Int(1)})
	assert.Equal(t, m1, m2)
}

func TestValidateObject(t *testing.T) {
	tests := []struct {
		name    string
		obj     *Object
		wantErr error
	}{
		{"nil object", nil, ErrInvalidObject},
		{"empty kind", &Object{}, ErrEmptyKind},
		{
			"kind mismatch",
			&Object{Kind: KindModel, Fields: Map{FieldKind: String("other"), FieldProjectName: String("p")}},
			ErrInvalidObject,
		},
		{
			"nil field value",
			&Object{Kind: "thing", Fields: Map{"x": nil}},
			ErrNilFieldValue,
		},
		{
			"model without project",
			&Object{Kind: KindModel, Fields: Map{}},
			ErrEmptyProjectName,
		},
		{
			"valid custom kind",
			&Object{Kind: "dataset", Fields: Map{"rows": Int(100)}},
			nil,
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := ValidateObject(tt.obj)
			if tt.wantErr == nil {
				assert.NoError(t, err)
			} else {
				assert.ErrorIs(t, err, tt.wantErr)
			}
		})
	}
}
