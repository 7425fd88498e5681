package storage

import (
	"context"

	"github.com/poiesic/modeldepot/core"
)

// CommitRecord is the durable unit of a committed transaction: the new
// commit sequence number, a pointer to its predecessor, and the full set
// of object versions written. Records form a linear history; conflict
// detection and catch-up replay both walk it.
type CommitRecord struct {
	// Seq is the commit sequence number, which doubles as the MVCC
	// timestamp of every version in Writes.
	Seq uint64
	// Prev is the sequence number of the preceding commit (Seq-1).
	// Append rejects records whose Prev is not the current head.
	Prev uint64
	// TxTag identifies the originating transaction (host, pid and a
	// per-manager counter), for provenance and logs only.
	TxTag string
	// MaxID is the highest object ID allocated up to and including
	// this commit. ID allocation rides the commit history so that
	// IDs stay unique across processes.
	MaxID core.ID
	// Writes holds the object versions committed, in staging order.
	Writes []WriteRow
}

// WriteRow is one object version inside a commit record.
type WriteRow struct {
	ID core.ID
	// Tombstone marks a logical delete. Data is empty, Meta is nil.
	Tombstone bool
	// Data is the serialized object (see EncodeObject).
	Data []byte
	// Meta holds the object's indexable metadata pairs, derived from
	// its declared indexed fields at write time. Stored alongside the
	// data so indices can be rebuilt without decoding objects.
	Meta []MetaRow
}

// MetaRow is one metadata index entry of a write row.
type MetaRow struct {
	Key   string
	Value core.Value // scalar
}

// VersionedData is the raw stored form of one object version.
type VersionedData struct {
	ID        core.ID
	Seq       uint64
	Tombstone bool
	Data      []byte
}

// Backend is the contract a durable store must satisfy. Implementations
// must be safe for concurrent use. Append is the single serialization
// point of the store: it must be atomic and linearizable across every
// participant sharing the backend.
type Backend interface {
	// Append durably adds a commit record, all or nothing. Returns
	// ErrRejected if a concurrent append already advanced the head
	// past rec.Prev; the caller re-reads history and retries or gives
	// up. Unreachable storage surfaces as ErrBackendUnavailable.
	Append(ctx context.Context, rec *CommitRecord) error

	// Fetch returns the version of id with the greatest commit
	// sequence <= asOf, including tombstones. Returns ErrNotFound if
	// no such version exists.
	Fetch(ctx context.Context, id core.ID, asOf uint64) (*VersionedData, error)

	// ScanCommits streams commit records with Seq > from in sequence
	// order. Used to catch caches and indices up after inactivity.
	// Returning an error from fn stops the scan and is passed through.
	ScanCommits(ctx context.Context, from uint64, fn func(*CommitRecord) error) error

	// Head returns the sequence number of the latest commit, 0 for an
	// empty store.
	Head(ctx context.Context) (uint64, error)

	// Close releases backend resources.
	Close() error
}
