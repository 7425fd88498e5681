package index

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/poiesic/modeldepot/core"
	"github.com/poiesic/modeldepot/storage"
)

func apply(idx *Index, seq uint64, id core.ID, pairs map[string]core.Value) {
	meta := make([]storage.MetaRow, 0, len(pairs))
	for k, v := range pairs {
		meta = append(meta, storage.MetaRow{Key: k, Value: v})
	}
	idx.Apply(seq, id, meta, false)
}

func TestQuery_Equality(t *testing.T) {
	idx := New()
	apply(idx, 1, 1, map[string]core.Value{"kind": core.String("model"), "accuracy": core.Float(0.9)})
	apply(idx, 1, 2, map[string]core.Value{"kind": core.String("model"), "accuracy": core.Float(0.7)})
	apply(idx, 2, 3, map[string]core.Value{"kind": core.String("project")})

	assert.Equal(t, []core.ID{1, 2},
		idx.QueryAll(2, Eq("kind", core.String("model"))))
	assert.Equal(t, []core.ID{3},
		idx.QueryAll(2, Eq("kind", core.String("project"))))
	assert.Empty(t, idx.QueryAll(2, Eq("kind", core.String("dataset"))))
}

func TestQuery_RangeOperators(t *testing.T) {
	idx := New()
	apply(idx, 1, 1, map[string]core.Value{"accuracy": core.Float(0.6)})
	apply(idx, 1, 2, map[string]core.Value{"accuracy": core.Float(0.8)})
	apply(idx, 1, 3, map[string]core.Value{"accuracy": core.Float(0.95)})

	cases := []struct {
		op   Op
		v    float64
		want []core.ID
	}{
		{OpGe, 0.8, []core.ID{2, 3}},
		{OpGt, 0.8, []core.ID{3}},
		{OpLe, 0.8, []core.ID{1, 2}},
		{OpLt, 0.8, []core.ID{1}},
		{OpGe, 0.99, nil},
	}
	for _, tc := range cases {
		got := idx.QueryAll(1, Clause{Key: "accuracy", Op: tc.op, Value: core.Float(tc.v)})
		assert.Equal(t, tc.want, got, "accuracy %s %v", tc.op, tc.v)
	}
}

func TestQuery_MixedNumericTypes(t *testing.T) {
	idx := New()
	apply(idx, 1, 1, map[string]core.Value{"epochs": core.Int(10)})
	apply(idx, 1, 2, map[string]core.Value{"epochs": core.Float(10.5)})

	got := idx.QueryAll(1, Clause{Key: "epochs", Op: OpGe, Value: core.Int(10)})
	assert.Equal(t, []core.ID{1, 2}, got)

	got = idx.QueryAll(1, Clause{Key: "epochs", Op: OpGt, Value: core.Float(10.2)})
	assert.Equal(t, []core.ID{2}, got)
}

func TestQuery_Conjunction(t *testing.T) {
	idx := New()
	apply(idx, 1, 1, map[string]core.Value{
		"kind": core.String("model"), "project_name": core.String("vision"), "accuracy": core.Float(0.9)})
	apply(idx, 1, 2, map[string]core.Value{
		"kind": core.String("model"), "project_name": core.String("nlp"), "accuracy": core.Float(0.95)})
	apply(idx, 1, 3, map[string]core.Value{
		"kind": core.String("model"), "project_name": core.String("vision"), "accuracy": core.Float(0.5)})

	got := idx.QueryAll(1,
		Eq("project_name", core.String("vision")),
		Clause{Key: "accuracy", Op: OpGe, Value: core.Float(0.8)})
	assert.Equal(t, []core.ID{1}, got)
}

func TestQuery_WatermarkVisibility(t *testing.T) {
	idx := New()
	apply(idx, 2, 1, map[string]core.Value{"tag": core.String("a")})
	apply(idx, 4, 1, map[string]core.Value{"tag": core.String("b")})
	idx.Apply(6, 1, nil, true)

	// Before the object existed.
	assert.Empty(t, idx.QueryAll(1, Eq("tag", core.String("a"))))
	// First version visible, second not yet.
	assert.Equal(t, []core.ID{1}, idx.QueryAll(3, Eq("tag", core.String("a"))))
	assert.Empty(t, idx.QueryAll(3, Eq("tag", core.String("b"))))
	// Rewrite replaced the entry.
	assert.Empty(t, idx.QueryAll(5, Eq("tag", core.String("a"))))
	assert.Equal(t, []core.ID{1}, idx.QueryAll(5, Eq("tag", core.String("b"))))
	// Tombstone closed everything.
	assert.Empty(t, idx.QueryAll(9, Eq("tag", core.String("b"))))
}

func TestCursor_LazyAndRestartable(t *testing.T) {
	idx := New()
	for i := core.ID(1); i <= 3; i++ {
		apply(idx, 1, i, map[string]core.Value{"kind": core.String("model")})
	}

	c := idx.Query(1, Eq("kind", core.String("model")))
	id, ok := c.Next()
	require.True(t, ok)
	assert.Equal(t, core.ID(1), id)

	// A commit landing mid-iteration is invisible at the watermark.
	apply(idx, 2, 4, map[string]core.Value{"kind": core.String("model")})

	var rest []core.ID
	for {
		id, ok := c.Next()
		if !ok {
			break
		}
		rest = append(rest, id)
	}
	assert.Equal(t, []core.ID{2, 3}, rest)

	// Exhausted cursors stay exhausted until Reset.
	_, ok = c.Next()
	assert.False(t, ok)
	c.Reset()
	id, ok = c.Next()
	require.True(t, ok)
	assert.Equal(t, core.ID(1), id)
}

func TestApplyRecord(t *testing.T) {
	idx := New()
	idx.ApplyRecord(&storage.CommitRecord{
		Seq: 1,
		Writes: []storage.WriteRow{
			{ID: 1, Meta: []storage.MetaRow{{Key: "kind", Value: core.String("model")}}},
			{ID: 2, Meta: []storage.MetaRow{{Key: "kind", Value: core.String("project")}}},
		},
	})
	assert.Equal(t, []core.ID{1}, idx.QueryAll(1, Eq("kind", core.String("model"))))
	assert.Equal(t, []core.ID{2}, idx.QueryAll(1, Eq("kind", core.String("project"))))
}

func TestParseClause(t *testing.T) {
	cases := []struct {
		cond string
		want Clause
	}{
		{"vision", Eq("k", core.String("vision"))},
		{"==vision", Eq("k", core.String("vision"))},
		{">=0.95", Clause{Key: "k", Op: OpGe, Value: core.Float(0.95)}},
		{"> 10", Clause{Key: "k", Op: OpGt, Value: core.Int(10)}},
		{"<=7", Clause{Key: "k", Op: OpLe, Value: core.Int(7)}},
		{"<true", Clause{Key: "k", Op: OpLt, Value: core.Bool(true)}},
	}
	for _, tc := range cases {
		got, err := ParseClause("k", tc.cond)
		require.NoError(t, err, tc.cond)
		assert.Equal(t, tc.want, got, tc.cond)
	}

	ts, err := ParseClause("k", ">=2026-01-02T15:04:05Z")
	require.NoError(t, err)
	assert.Equal(t, OpGe, ts.Op)
	assert.IsType(t, core.Time{}, ts.Value)

	_, err = ParseClause("", "x")
	assert.Error(t, err)
	_, err = ParseClause("k", ">=")
	assert.Error(t, err)
}
