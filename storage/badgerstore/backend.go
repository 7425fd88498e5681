// Package badgerstore implements the storage backend contract on an
// embedded BadgerDB instance. Commit records, object versions and the
// head pointer live under separate key prefixes; Badger's transaction
// conflict detection on the head key arbitrates concurrent appends.
package badgerstore

import (
	"context"
	"encoding/binary"
	"errors"
	"fmt"
	"log/slog"
	"os"

	"github.com/dgraph-io/badger/v4"
	"github.com/dgraph-io/badger/v4/options"

	"github.com/poiesic/modeldepot/core"
	"github.com/poiesic/modeldepot/storage"
)

// Backend wraps a BadgerDB instance and provides the commit-log
// operations of storage.Backend.
type Backend struct {
	db     *badger.DB
	logger *slog.Logger
}

var _ storage.Backend = (*Backend)(nil)

// badgerLoggerAdapter adapts slog.Logger to badger.Logger interface.
type badgerLoggerAdapter struct {
	logger *slog.Logger
}

var _ badger.Logger = (*badgerLoggerAdapter)(nil)

func (bl *badgerLoggerAdapter) Errorf(msg string, items ...any) {
	bl.logger.Error(fmt.Sprintf(msg, items...))
}

func (bl *badgerLoggerAdapter) Warningf(msg string, items ...any) {
	bl.logger.Warn(fmt.Sprintf(msg, items...))
}

func (bl *badgerLoggerAdapter) Infof(msg string, items ...any) {
	bl.logger.Info(fmt.Sprintf(msg, items...))
}

func (bl *badgerLoggerAdapter) Debugf(msg string, items ...any) {
	bl.logger.Debug(fmt.Sprintf(msg, items...))
}

// Open opens a BadgerDB-backed store at the given directory, creating
// it if needed.
func Open(dir string) (*Backend, error) {
	info, err := os.Stat(dir)
	if err != nil {
		if os.IsNotExist(err) {
			if err := os.MkdirAll(dir, 0755); err != nil {
				return nil, fmt.Errorf("%w: %v", storage.ErrBackendUnavailable, err)
			}
		} else {
			return nil, fmt.Errorf("%w: %v", storage.ErrBackendUnavailable, err)
		}
	} else if !info.IsDir() {
		return nil, fmt.Errorf("%w: %s is not a directory", storage.ErrBackendUnavailable, dir)
	}
	return open(badger.DefaultOptions(dir))
}

func open(opts badger.Options) (*Backend, error) {
	opts.Logger = &badgerLoggerAdapter{logger: slog.Default()}
	opts.Compression = options.None

	db, err := badger.Open(opts)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", storage.ErrBackendUnavailable, err)
	}
	return &Backend{
		db:     db,
		logger: slog.Default(),
	}, nil
}

// Close closes the BadgerDB database.
func (b *Backend) Close() error {
	return b.db.Close()
}

// IsClosed returns true if the database is closed.
func (b *Backend) IsClosed() bool {
	return b.db.IsClosed()
}

// Append adds the next commit record. The head pointer is read and
// rewritten inside one Badger transaction, so two racing appends cannot
// both see the same predecessor: the loser fails its predecessor check
// or Badger's own conflict detection, either way surfacing ErrRejected.
func (b *Backend) Append(ctx context.Context, rec *storage.CommitRecord) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if b.db.IsClosed() {
		return storage.ErrStorageClosed
	}
	payload, err := storage.EncodeCommitRecord(rec)
	if err != nil {
		return err
	}

	err = b.db.Update(func(tx *badger.Txn) error {
		head, err := readHead(tx)
		if err != nil {
			return err
		}
		if rec.Prev != head {
			return fmt.Errorf("%w: prev %d, head %d", storage.ErrRejected, rec.Prev, head)
		}
		if rec.Seq != head+1 {
			return fmt.Errorf("%w: seq %d, head %d", storage.ErrRejected, rec.Seq, head)
		}
		if err := tx.Set(makeCommitKey(rec.Seq), payload); err != nil {
			return err
		}
		for _, w := range rec.Writes {
			val := make([]byte, 1+len(w.Data))
			if w.Tombstone {
				val[0] = 1
			}
			copy(val[1:], w.Data)
			if err := tx.Set(makeObjectKey(w.ID, rec.Seq), val); err != nil {
				return err
			}
		}
		return tx.Set([]byte(headKey), encodeSeq(rec.Seq))
	})
	if errors.Is(err, badger.ErrConflict) {
		return fmt.Errorf("%w: concurrent append", storage.ErrRejected)
	}
	return err
}

// Fetch returns the version of id with the greatest commit sequence
// number <= asOf.
func (b *Backend) Fetch(ctx context.Context, id core.ID, asOf uint64) (*storage.VersionedData, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if b.db.IsClosed() {
		return nil, storage.ErrStorageClosed
	}
	var out *storage.VersionedData
	err := b.db.View(func(tx *badger.Txn) error {
		opts := badger.DefaultIteratorOptions
		opts.Prefix = makeObjectPrefix(id)
		opts.Reverse = true
		iter := tx.NewIterator(opts)
		defer iter.Close()

		// In reverse mode Seek lands on the greatest key <= the
		// seek key, which is exactly the visible version.
		iter.Seek(makeObjectKey(id, asOf))
		if !iter.Valid() {
			return fmt.Errorf("%w: object %s as of %d", storage.ErrNotFound, id, asOf)
		}
		item := iter.Item()
		seq, err := seqFromObjectKey(item.Key())
		if err != nil {
			return err
		}
		return item.Value(func(val []byte) error {
			if len(val) == 0 {
				return fmt.Errorf("%w: empty version row", storage.ErrCorruptRecord)
			}
			out = &storage.VersionedData{
				ID:        id,
				Seq:       seq,
				Tombstone: val[0] == 1,
			}
			if len(val) > 1 {
				out.Data = append([]byte(nil), val[1:]...)
			}
			return nil
		})
	})
	if err != nil {
		return nil, err
	}
	return out, nil
}

// ScanCommits streams commit records with Seq > from in order.
func (b *Backend) ScanCommits(ctx context.Context, from uint64, fn func(*storage.CommitRecord) error) error {
	if b.db.IsClosed() {
		return storage.ErrStorageClosed
	}
	return b.db.View(func(tx *badger.Txn) error {
		opts := badger.DefaultIteratorOptions
		opts.Prefix = []byte(commitPrefix)
		iter := tx.NewIterator(opts)
		defer iter.Close()

		for iter.Seek(makeCommitKey(from + 1)); iter.Valid(); iter.Next() {
			if err := ctx.Err(); err != nil {
				return err
			}
			var rec *storage.CommitRecord
			err := iter.Item().Value(func(val []byte) error {
				var derr error
				rec, derr = storage.DecodeCommitRecord(val)
				return derr
			})
			if err != nil {
				return err
			}
			if err := fn(rec); err != nil {
				return err
			}
		}
		return nil
	})
}

// Head returns the latest commit sequence number.
func (b *Backend) Head(ctx context.Context) (uint64, error) {
	if err := ctx.Err(); err != nil {
		return 0, err
	}
	if b.db.IsClosed() {
		return 0, storage.ErrStorageClosed
	}
	var head uint64
	err := b.db.View(func(tx *badger.Txn) error {
		var err error
		head, err = readHead(tx)
		return err
	})
	return head, err
}

func readHead(tx *badger.Txn) (uint64, error) {
	item, err := tx.Get([]byte(headKey))
	if err != nil {
		if errors.Is(err, badger.ErrKeyNotFound) {
			return 0, nil
		}
		return 0, err
	}
	var head uint64
	err = item.Value(func(val []byte) error {
		if len(val) != 8 {
			return fmt.Errorf("%w: head pointer has %d bytes", storage.ErrCorruptRecord, len(val))
		}
		head = binary.BigEndian.Uint64(val)
		return nil
	})
	return head, err
}
