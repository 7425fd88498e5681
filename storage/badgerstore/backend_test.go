package badgerstore

import (
	"context"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/poiesic/modeldepot/core"
	"github.com/poiesic/modeldepot/storage"
)

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

func TestOpenDirectory(t *testing.T) {
	b, err := Open(t.TempDir())
	require.NoError(t, err)
	require.NotNil(t, b)
	defer b.Close()

	assert.False(t, b.IsClosed())
}

func TestAppendHeadFetch(t *testing.T) {
	b, err := OpenMemory()
	require.NoError(t, err)
	defer b.Close()

	ctx := context.Background()
	head, err := b.Head(ctx)
	require.NoError(t, err)
	assert.Equal(t, uint64(0), head)

	rec := record(t, 1, 5, "vision")
	require.NoError(t, b.Append(ctx, rec))

	head, err = b.Head(ctx)
	require.NoError(t, err)
	assert.Equal(t, uint64(1), head)

	got, err := b.Fetch(ctx, 5, 1)
	require.NoError(t, err)
	assert.Equal(t, core.ID(5), got.ID)
	assert.Equal(t, uint64(1), got.Seq)
	assert.Equal(t, rec.Writes[0].Data, got.Data)
}

func TestAppend_StalePredecessorRejected(t *testing.T) {
	b, err := OpenMemory()
	require.NoError(t, err)
	defer b.Close()

	ctx := context.Background()
	require.NoError(t, b.Append(ctx, record(t, 1, 1, "a")))

	err = b.Append(ctx, record(t, 1, 2, "b"))
	assert.ErrorIs(t, err, storage.ErrRejected)
}

func TestAppend_ConcurrentWritersOneWins(t *testing.T) {
	b, err := OpenMemory()
	require.NoError(t, err)
	defer b.Close()

	ctx := context.Background()
	const writers = 8

	var wg sync.WaitGroup
	errs := make([]error, writers)
	for i := 0; i < writers; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			errs[i] = b.Append(ctx, record(t, 1, core.ID(i+1), "race"))
		}(i)
	}
	wg.Wait()

	won := 0
	for _, err := range errs {
		if err == nil {
			won++
		} else {
			assert.ErrorIs(t, err, storage.ErrRejected)
		}
	}
	assert.Equal(t, 1, won)

	head, err := b.Head(ctx)
	require.NoError(t, err)
	assert.Equal(t, uint64(1), head)
}

func TestFetch_VersionVisibilityAndTombstone(t *testing.T) {
	b, err := OpenMemory()
	require.NoError(t, err)
	defer b.Close()

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

	got, err = b.Fetch(ctx, 1, 99)
	require.NoError(t, err)
	assert.True(t, got.Tombstone)

	_, err = b.Fetch(ctx, 42, 99)
	assert.ErrorIs(t, err, storage.ErrNotFound)
}

func TestScanCommits(t *testing.T) {
	b, err := OpenMemory()
	require.NoError(t, err)
	defer b.Close()

	ctx := context.Background()
	for seq := uint64(1); seq <= 4; seq++ {
		require.NoError(t, b.Append(ctx, record(t, seq, core.ID(seq), "x")))
	}

	var seen []uint64
	err = b.ScanCommits(ctx, 2, func(rec *storage.CommitRecord) error {
		seen = append(seen, rec.Seq)
		return nil
	})
	require.NoError(t, err)
	assert.Equal(t, []uint64{3, 4}, seen)
}

func TestPersistence(t *testing.T) {
	dir := t.TempDir()
	b, err := Open(dir)
	require.NoError(t, err)

	ctx := context.Background()
	rec := record(t, 1, 1, "durable")
	require.NoError(t, b.Append(ctx, rec))
	require.NoError(t, b.Close())

	b2, err := Open(dir)
	require.NoError(t, err)
	defer b2.Close()

	head, err := b2.Head(ctx)
	require.NoError(t, err)
	assert.Equal(t, uint64(1), head)

	got, err := b2.Fetch(ctx, 1, 1)
	require.NoError(t, err)
	assert.Equal(t, rec.Writes[0].Data, got.Data)
}
