package sqlstore

import (
	"context"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/poiesic/modeldepot/core"
	"github.com/poiesic/modeldepot/storage"
)

// The sqlite driver needs no external server, so it carries the suite;
// postgres and mysql share every code path except the DDL strings.

func openSQLite(t *testing.T) *Backend {
	t.Helper()
	dsn := filepath.Join(t.TempDir(), "depot.db")
	b, err := Open(context.Background(), DriverSQLite, dsn)
	require.NoError(t, err)
	t.Cleanup(func() { b.Close() })
	return b
}

func record(t *testing.T, seq uint64, id core.ID, name string) *storage.CommitRecord {
	t.Helper()
	obj := core.NewObject(core.KindModel)
	obj.Set(core.FieldProjectName, core.String(name))
	data, err := storage.EncodeObject(obj)
	require.NoError(t, err)
	return &storage.CommitRecord{
		Seq:    seq,
		Prev:   seq - 1,
		MaxID:  id,
		Writes: []storage.WriteRow{{ID: id, Data: data}},
	}
}

func TestOpen_UnknownDriver(t *testing.T) {
	_, err := Open(context.Background(), "oracle", "whatever")
	assert.ErrorIs(t, err, storage.ErrBackendUnavailable)
}

func TestAppendHeadFetch(t *testing.T) {
	b := openSQLite(t)
	ctx := context.Background()

	head, err := b.Head(ctx)
	require.NoError(t, err)
	assert.Equal(t, uint64(0), head)

	rec := record(t, 1, 3, "vision")
	require.NoError(t, b.Append(ctx, rec))

	head, err = b.Head(ctx)
	require.NoError(t, err)
	assert.Equal(t, uint64(1), head)

	got, err := b.Fetch(ctx, 3, 1)
	require.NoError(t, err)
	assert.Equal(t, core.ID(3), got.ID)
	assert.Equal(t, uint64(1), got.Seq)
	assert.Equal(t, rec.Writes[0].Data, got.Data)
}

func TestAppend_StalePredecessorRejected(t *testing.T) {
	b := openSQLite(t)
	ctx := context.Background()

	require.NoError(t, b.Append(ctx, record(t, 1, 1, "a")))
	err := b.Append(ctx, record(t, 1, 2, "b"))
	assert.ErrorIs(t, err, storage.ErrRejected)

	head, err := b.Head(ctx)
	require.NoError(t, err)
	assert.Equal(t, uint64(1), head)
}

func TestFetch_VersionVisibilityAndTombstone(t *testing.T) {
	b := openSQLite(t)
	ctx := context.Background()

	r1 := record(t, 1, 1, "v1")
	require.NoError(t, b.Append(ctx, r1))
	r2 := record(t, 2, 1, "v2")
	require.NoError(t, b.Append(ctx, r2))
	require.NoError(t, b.Append(ctx, &storage.CommitRecord{
		Seq: 3, Prev: 2, MaxID: 1,
		Writes: []storage.WriteRow{{ID: 1, Tombstone: true}},
	}))

	got, err := b.Fetch(ctx, 1, 1)
	require.NoError(t, err)
	assert.Equal(t, r1.Writes[0].Data, got.Data)

	got, err = b.Fetch(ctx, 1, 2)
	require.NoError(t, err)
	assert.Equal(t, r2.Writes[0].Data, got.Data)

	got, err = b.Fetch(ctx, 1, 10)
	require.NoError(t, err)
	assert.True(t, got.Tombstone)

	_, err = b.Fetch(ctx, 9, 10)
	assert.ErrorIs(t, err, storage.ErrNotFound)
}

func TestScanCommits(t *testing.T) {
	b := openSQLite(t)
	ctx := context.Background()

	for seq := uint64(1); seq <= 3; seq++ {
		require.NoError(t, b.Append(ctx, record(t, seq, core.ID(seq), "x")))
	}

	var seen []uint64
	err := b.ScanCommits(ctx, 0, func(rec *storage.CommitRecord) error {
		seen = append(seen, rec.Seq)
		return nil
	})
	require.NoError(t, err)
	assert.Equal(t, []uint64{1, 2, 3}, seen)
}

func TestReopen_SameFile(t *testing.T) {
	dsn := filepath.Join(t.TempDir(), "depot.db")
	ctx := context.Background()

	b, err := Open(ctx, DriverSQLite, dsn)
	require.NoError(t, err)
	rec := record(t, 1, 1, "durable")
	require.NoError(t, b.Append(ctx, rec))
	require.NoError(t, b.Close())

	b2, err := Open(ctx, DriverSQLite, dsn)
	require.NoError(t, err)
	defer b2.Close()

	head, err := b2.Head(ctx)
	require.NoError(t, err)
	assert.Equal(t, uint64(1), head)

	got, err := b2.Fetch(ctx, 1, 1)
	require.NoError(t, err)
	assert.Equal(t, rec.Writes[0].Data, got.Data)
}

func TestPlaceholderRewrite(t *testing.T) {
	b := &Backend{dialect: dialects[DriverPostgres]}
	got := b.q(`INSERT INTO t (a, b) VALUES (?, ?)`)
	assert.Equal(t, `INSERT INTO t (a, b) VALUES ($1, $2)`, got)

	b = &Backend{dialect: dialects[DriverSQLite]}
	assert.Equal(t, `SELECT ?`, b.q(`SELECT ?`))
}
