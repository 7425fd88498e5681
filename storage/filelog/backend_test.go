package filelog

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/poiesic/modeldepot/core"
	"github.com/poiesic/modeldepot/storage"
)

func encodedObject(t *testing.T, name string) []byte {
	t.Helper()
	obj := core.NewObject(core.KindModel)
	obj.Set(core.FieldProjectName, core.String(name))
	data, err := storage.EncodeObject(obj)
	require.NoError(t, err)
	return data
}

func record(t *testing.T, seq uint64, id core.ID, data []byte) *storage.CommitRecord {
	t.Helper()
	return &storage.CommitRecord{
		Seq:    seq,
		Prev:   seq - 1,
		MaxID:  id,
		Writes: []storage.WriteRow{{ID: id, Data: data}},
	}
}

func TestOpenAppendFetch(t *testing.T) {
	path := filepath.Join(t.TempDir(), "depot.log")
	b, err := Open(path)
	require.NoError(t, err)
	defer b.Close()

	ctx := context.Background()
	head, err := b.Head(ctx)
	require.NoError(t, err)
	assert.Equal(t, uint64(0), head)

	data := encodedObject(t, "vision")
	require.NoError(t, b.Append(ctx, record(t, 1, 1, data)))

	head, err = b.Head(ctx)
	require.NoError(t, err)
	assert.Equal(t, uint64(1), head)

	got, err := b.Fetch(ctx, 1, 1)
	require.NoError(t, err)
	assert.Equal(t, core.ID(1), got.ID)
	assert.Equal(t, uint64(1), got.Seq)
	assert.False(t, got.Tombstone)
	assert.Equal(t, data, got.Data)
}

func TestAppend_RejectsStalePredecessor(t *testing.T) {
	path := filepath.Join(t.TempDir(), "depot.log")
	b, err := Open(path)
	require.NoError(t, err)
	defer b.Close()

	ctx := context.Background()
	data := encodedObject(t, "a")
	require.NoError(t, b.Append(ctx, record(t, 1, 1, data)))

	// A second writer that still believes head is 0 must be rejected.
	err = b.Append(ctx, record(t, 1, 2, data))
	assert.ErrorIs(t, err, storage.ErrRejected)

	// And nothing changed.
	head, err := b.Head(ctx)
	require.NoError(t, err)
	assert.Equal(t, uint64(1), head)
}

func TestFetch_VersionVisibility(t *testing.T) {
	path := filepath.Join(t.TempDir(), "depot.log")
	b, err := Open(path)
	require.NoError(t, err)
	defer b.Close()

	ctx := context.Background()
	v1 := encodedObject(t, "v1")
	v2 := encodedObject(t, "v2")
	require.NoError(t, b.Append(ctx, record(t, 1, 1, v1)))
	require.NoError(t, b.Append(ctx, record(t, 2, 1, v2)))

	got, err := b.Fetch(ctx, 1, 1)
	require.NoError(t, err)
	assert.Equal(t, v1, got.Data)

	got, err = b.Fetch(ctx, 1, 2)
	require.NoError(t, err)
	assert.Equal(t, v2, got.Data)

	_, err = b.Fetch(ctx, 7, 2)
	assert.ErrorIs(t, err, storage.ErrNotFound)
}

func TestFetch_Tombstone(t *testing.T) {
	path := filepath.Join(t.TempDir(), "depot.log")
	b, err := Open(path)
	require.NoError(t, err)
	defer b.Close()

	ctx := context.Background()
	require.NoError(t, b.Append(ctx, record(t, 1, 1, encodedObject(t, "x"))))
	require.NoError(t, b.Append(ctx, &storage.CommitRecord{
		Seq: 2, Prev: 1, MaxID: 1,
		Writes: []storage.WriteRow{{ID: 1, Tombstone: true}},
	}))

	got, err := b.Fetch(ctx, 1, 2)
	require.NoError(t, err)
	assert.True(t, got.Tombstone)

	// The old version is still reachable under its snapshot.
	got, err = b.Fetch(ctx, 1, 1)
	require.NoError(t, err)
	assert.False(t, got.Tombstone)
}

func TestScanCommits(t *testing.T) {
	path := filepath.Join(t.TempDir(), "depot.log")
	b, err := Open(path)
	require.NoError(t, err)
	defer b.Close()

	ctx := context.Background()
	for seq := uint64(1); seq <= 3; seq++ {
		require.NoError(t, b.Append(ctx, record(t, seq, core.ID(seq), encodedObject(t, "x"))))
	}

	var seen []uint64
	err = b.ScanCommits(ctx, 1, func(rec *storage.CommitRecord) error {
		seen = append(seen, rec.Seq)
		return nil
	})
	require.NoError(t, err)
	assert.Equal(t, []uint64{2, 3}, seen)
}

func TestReopen_RecoversState(t *testing.T) {
	path := filepath.Join(t.TempDir(), "depot.log")
	b, err := Open(path)
	require.NoError(t, err)

	ctx := context.Background()
	data := encodedObject(t, "persisted")
	require.NoError(t, b.Append(ctx, record(t, 1, 1, data)))
	require.NoError(t, b.Append(ctx, record(t, 2, 2, encodedObject(t, "second"))))
	require.NoError(t, b.Close())

	b2, err := Open(path)
	require.NoError(t, err)
	defer b2.Close()

	head, err := b2.Head(ctx)
	require.NoError(t, err)
	assert.Equal(t, uint64(2), head)

	got, err := b2.Fetch(ctx, 1, 2)
	require.NoError(t, err)
	assert.Equal(t, data, got.Data)
}

func TestReopen_TrimsTornTail(t *testing.T) {
	path := filepath.Join(t.TempDir(), "depot.log")
	b, err := Open(path)
	require.NoError(t, err)

	ctx := context.Background()
	require.NoError(t, b.Append(ctx, record(t, 1, 1, encodedObject(t, "good"))))
	require.NoError(t, b.Close())

	// Simulate a torn write: garbage after the last good record.
	f, err := os.OpenFile(path, os.O_WRONLY|os.O_APPEND, 0644)
	require.NoError(t, err)
	_, err = f.Write([]byte{0, 0, 0, 9, 1, 2, 3})
	require.NoError(t, err)
	require.NoError(t, f.Close())

	b2, err := Open(path)
	require.NoError(t, err)
	defer b2.Close()

	head, err := b2.Head(ctx)
	require.NoError(t, err)
	assert.Equal(t, uint64(1), head)

	// The store keeps working after the trim.
	require.NoError(t, b2.Append(ctx, record(t, 2, 2, encodedObject(t, "after"))))
}

func TestOpen_SecondOpenerLockedOut(t *testing.T) {
	path := filepath.Join(t.TempDir(), "depot.log")
	b, err := Open(path)
	require.NoError(t, err)
	defer b.Close()

	_, err = Open(path)
	assert.ErrorIs(t, err, storage.ErrBackendUnavailable)
}

func TestClosedBackend(t *testing.T) {
	path := filepath.Join(t.TempDir(), "depot.log")
	b, err := Open(path)
	require.NoError(t, err)
	require.NoError(t, b.Close())

	ctx := context.Background()
	_, err = b.Head(ctx)
	assert.ErrorIs(t, err, storage.ErrStorageClosed)
	err = b.Append(ctx, record(t, 1, 1, encodedObject(t, "x")))
	assert.ErrorIs(t, err, storage.ErrStorageClosed)
}
