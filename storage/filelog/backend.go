// Package filelog implements the storage backend contract on a single
// append-only log file, in the spirit of a classic file storage: the
// whole store is one file of checksummed commit records, plus a lock
// file granting exclusive write access to one process at a time.
//
// File format:
//
//	file   = header record*
//	header = magic:64 version:8 reserved:56 invariant:64 checksum:64
//	record = size:32 payload checksum:64
//
// The payload is an encoded commit record (storage.EncodeCommitRecord);
// the checksum is xxhash64 of the payload. Opening scans the file,
// rebuilds the in-memory version locations, and trims the file after
// the first corrupt record, the assumption being a torn write from a
// crash.
package filelog

import (
	"context"
	"encoding/binary"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"sort"
	"sync"

	"github.com/cespare/xxhash/v2"
	"github.com/go-crypt/x/blake2b"

	"github.com/poiesic/modeldepot/core"
	"github.com/poiesic/modeldepot/storage"
)

const (
	magic   uint64 = 0x31474f4c504d444d // "MDMPLOG1" little-endian
	version byte   = 1

	headerSize      = 32
	recordOverhead  = 4 + 8 // size prefix + checksum
	maxRecordSize   = 1 << 30
	lockFileContent = "modeldepot filelog lock\n"
)

// storeInvariant ties a log file to this format lineage; a file created
// by a different tool with the same magic still gets refused.
func storeInvariant() uint64 {
	h, _ := blake2b.New(8, nil)
	h.Write([]byte("modeldepot.filelog.v1"))
	return binary.LittleEndian.Uint64(h.Sum(nil))
}

type versionRef struct {
	seq       uint64
	off       int64
	tombstone bool
}

type commitRef struct {
	seq uint64
	off int64
}

// Backend is an append-only file log satisfying storage.Backend.
type Backend struct {
	mu       sync.Mutex
	f        *os.File
	path     string
	lockPath string
	logger   *slog.Logger
	closed   bool

	head     uint64
	size     int64
	commits  []commitRef
	versions map[core.ID][]versionRef
}

var _ storage.Backend = (*Backend)(nil)

// Option configures a Backend.
type Option func(*Backend)

// WithLogger sets the structured logger. Defaults to slog.Default().
func WithLogger(logger *slog.Logger) Option {
	return func(b *Backend) { b.logger = logger }
}

// Open opens (or creates) the log file at path. The store is locked for
// writing by this process until Close; a second opener fails with
// ErrBackendUnavailable. Concurrent multi-process stores belong to the
// relational backend.
func Open(path string, opts ...Option) (*Backend, error) {
	b := &Backend{
		path:     path,
		lockPath: path + ".lock",
		logger:   slog.Default(),
		versions: make(map[core.ID][]versionRef),
	}
	for _, opt := range opts {
		opt(b)
	}

	if err := b.acquireLock(); err != nil {
		return nil, err
	}

	f, err := os.OpenFile(path, os.O_RDWR|os.O_CREATE, 0644)
	if err != nil {
		b.releaseLock()
		return nil, fmt.Errorf("%w: %v", storage.ErrBackendUnavailable, err)
	}
	b.f = f

	st, err := f.Stat()
	if err != nil {
		b.close()
		return nil, fmt.Errorf("%w: %v", storage.ErrBackendUnavailable, err)
	}

	if st.Size() == 0 {
		if err := b.writeHeader(); err != nil {
			b.close()
			return nil, err
		}
	} else {
		if err := b.readHeader(); err != nil {
			b.close()
			return nil, err
		}
		if err := b.scan(); err != nil {
			b.close()
			return nil, err
		}
	}

	b.logger.Info("filelog opened", "path", path, "head", b.head, "objects", len(b.versions))
	return b, nil
}

func (b *Backend) acquireLock() error {
	lf, err := os.OpenFile(b.lockPath, os.O_WRONLY|os.O_CREATE|os.O_EXCL, 0644)
	if err != nil {
		if os.IsExist(err) {
			return fmt.Errorf("%w: store locked by another process (%s)", storage.ErrBackendUnavailable, b.lockPath)
		}
		return fmt.Errorf("%w: %v", storage.ErrBackendUnavailable, err)
	}
	fmt.Fprintf(lf, "%s%d\n", lockFileContent, os.Getpid())
	return lf.Close()
}

func (b *Backend) releaseLock() {
	if err := os.Remove(b.lockPath); err != nil && !os.IsNotExist(err) {
		b.logger.Error("filelog: removing lock file", "err", err)
	}
}

func (b *Backend) writeHeader() error {
	var hdr [headerSize]byte
	binary.BigEndian.PutUint64(hdr[0:], magic)
	hdr[8] = version
	binary.BigEndian.PutUint64(hdr[16:], storeInvariant())
	binary.BigEndian.PutUint64(hdr[24:], xxhash.Sum64(hdr[:24]))
	if _, err := b.f.WriteAt(hdr[:], 0); err != nil {
		return fmt.Errorf("%w: %v", storage.ErrBackendUnavailable, err)
	}
	if err := b.f.Sync(); err != nil {
		return fmt.Errorf("%w: %v", storage.ErrBackendUnavailable, err)
	}
	b.size = headerSize
	return nil
}

func (b *Backend) readHeader() error {
	var hdr [headerSize]byte
	if _, err := b.f.ReadAt(hdr[:], 0); err != nil {
		return fmt.Errorf("%w: truncated header", storage.ErrCorruptRecord)
	}
	if binary.BigEndian.Uint64(hdr[0:]) != magic {
		return fmt.Errorf("%w: bad magic", storage.ErrCorruptRecord)
	}
	if hdr[8] != version {
		return fmt.Errorf("%w: file version %d", storage.ErrSchemaVersion, hdr[8])
	}
	if binary.BigEndian.Uint64(hdr[16:]) != storeInvariant() {
		return fmt.Errorf("%w: store invariant mismatch", storage.ErrCorruptRecord)
	}
	if binary.BigEndian.Uint64(hdr[24:]) != xxhash.Sum64(hdr[:24]) {
		return fmt.Errorf("%w: header checksum", storage.ErrCorruptRecord)
	}
	return nil
}

// scan replays the file, rebuilding head, commit offsets and version
// locations. On the first corrupt record the file is trimmed to the
// last good offset and the scan stops.
func (b *Backend) scan() error {
	st, err := b.f.Stat()
	if err != nil {
		return fmt.Errorf("%w: %v", storage.ErrBackendUnavailable, err)
	}
	fileSize := st.Size()
	off := int64(headerSize)

	for off < fileSize {
		payload, next, err := b.readRecordAt(off, fileSize)
		if err != nil {
			b.logger.Warn("filelog: trimming after corrupt record", "off", off, "err", err)
			if terr := b.f.Truncate(off); terr != nil {
				return fmt.Errorf("%w: %v", storage.ErrBackendUnavailable, terr)
			}
			fileSize = off
			break
		}
		rec, err := storage.DecodeCommitRecord(payload)
		if err != nil {
			b.logger.Warn("filelog: trimming after undecodable record", "off", off, "err", err)
			if terr := b.f.Truncate(off); terr != nil {
				return fmt.Errorf("%w: %v", storage.ErrBackendUnavailable, terr)
			}
			fileSize = off
			break
		}
		if rec.Seq != b.head+1 {
			return fmt.Errorf("%w: commit %d follows head %d", storage.ErrCorruptRecord, rec.Seq, b.head)
		}
		b.apply(rec, off)
		off = next
	}
	b.size = fileSize
	return nil
}

func (b *Backend) apply(rec *storage.CommitRecord, off int64) {
	b.head = rec.Seq
	b.commits = append(b.commits, commitRef{seq: rec.Seq, off: off})
	for _, w := range rec.Writes {
		b.versions[w.ID] = append(b.versions[w.ID], versionRef{
			seq:       rec.Seq,
			off:       off,
			tombstone: w.Tombstone,
		})
	}
}

func (b *Backend) readRecordAt(off, fileSize int64) (payload []byte, next int64, err error) {
	var sizeBuf [4]byte
	if off+recordOverhead > fileSize {
		return nil, 0, fmt.Errorf("truncated record prefix")
	}
	if _, err := b.f.ReadAt(sizeBuf[:], off); err != nil {
		return nil, 0, err
	}
	size := int64(binary.BigEndian.Uint32(sizeBuf[:]))
	if size == 0 || size > maxRecordSize || off+4+size+8 > fileSize {
		return nil, 0, fmt.Errorf("record size %d out of bounds", size)
	}
	buf := make([]byte, size+8)
	if _, err := b.f.ReadAt(buf, off+4); err != nil {
		return nil, 0, err
	}
	payload = buf[:size]
	sum := binary.BigEndian.Uint64(buf[size:])
	if xxhash.Sum64(payload) != sum {
		return nil, 0, fmt.Errorf("record checksum mismatch")
	}
	return payload, off + 4 + size + 8, nil
}

// Append durably writes the next commit record. The write is synced
// before the in-memory state advances; a failed write truncates back to
// the previous size so no partial record survives.
func (b *Backend) Append(ctx context.Context, rec *storage.CommitRecord) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return storage.ErrStorageClosed
	}
	if rec.Prev != b.head {
		return fmt.Errorf("%w: prev %d, head %d", storage.ErrRejected, rec.Prev, b.head)
	}
	if rec.Seq != b.head+1 {
		return fmt.Errorf("%w: seq %d, head %d", storage.ErrRejected, rec.Seq, b.head)
	}

	payload, err := storage.EncodeCommitRecord(rec)
	if err != nil {
		return err
	}
	buf := make([]byte, 4+len(payload)+8)
	binary.BigEndian.PutUint32(buf[0:], uint32(len(payload)))
	copy(buf[4:], payload)
	binary.BigEndian.PutUint64(buf[4+len(payload):], xxhash.Sum64(payload))

	off := b.size
	if _, err := b.f.WriteAt(buf, off); err != nil {
		b.truncateTo(off)
		return fmt.Errorf("%w: %v", storage.ErrBackendUnavailable, err)
	}
	if err := b.f.Sync(); err != nil {
		b.truncateTo(off)
		return fmt.Errorf("%w: %v", storage.ErrBackendUnavailable, err)
	}

	b.size = off + int64(len(buf))
	b.apply(rec, off)
	return nil
}

// truncateTo rolls the file back after a failed append. The next open
// would trim the torn record anyway, but a failed rollback leaves one
// on disk, so it is worth a log line.
func (b *Backend) truncateTo(off int64) {
	if err := b.f.Truncate(off); err != nil {
		b.logger.Error("failed to truncate torn append", "path", b.path, "offset", off, "err", err)
	}
}

// Fetch returns the version of id with the greatest commit sequence
// number <= asOf.
func (b *Backend) Fetch(ctx context.Context, id core.ID, asOf uint64) (*storage.VersionedData, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return nil, storage.ErrStorageClosed
	}
	refs := b.versions[id]
	// Last ref with seq <= asOf; refs are append-ordered by seq.
	i := sort.Search(len(refs), func(i int) bool { return refs[i].seq > asOf })
	if i == 0 {
		b.mu.Unlock()
		return nil, fmt.Errorf("%w: object %s as of %d", storage.ErrNotFound, id, asOf)
	}
	ref := refs[i-1]
	size := b.size
	b.mu.Unlock()

	if ref.tombstone {
		return &storage.VersionedData{ID: id, Seq: ref.seq, Tombstone: true}, nil
	}
	payload, _, err := b.readRecordAt(ref.off, size)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", storage.ErrCorruptRecord, err)
	}
	rec, err := storage.DecodeCommitRecord(payload)
	if err != nil {
		return nil, err
	}
	for _, w := range rec.Writes {
		if w.ID == id {
			return &storage.VersionedData{ID: id, Seq: rec.Seq, Tombstone: w.Tombstone, Data: w.Data}, nil
		}
	}
	return nil, fmt.Errorf("%w: commit %d lost row for object %s", storage.ErrCorruptRecord, ref.seq, id)
}

// ScanCommits streams commit records with Seq > from in order.
func (b *Backend) ScanCommits(ctx context.Context, from uint64, fn func(*storage.CommitRecord) error) error {
	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return storage.ErrStorageClosed
	}
	i := sort.Search(len(b.commits), func(i int) bool { return b.commits[i].seq > from })
	refs := make([]commitRef, len(b.commits)-i)
	copy(refs, b.commits[i:])
	size := b.size
	b.mu.Unlock()

	for _, ref := range refs {
		if err := ctx.Err(); err != nil {
			return err
		}
		payload, _, err := b.readRecordAt(ref.off, size)
		if err != nil {
			return fmt.Errorf("%w: %v", storage.ErrCorruptRecord, err)
		}
		rec, err := storage.DecodeCommitRecord(payload)
		if err != nil {
			return err
		}
		if err := fn(rec); err != nil {
			return err
		}
	}
	return nil
}

// Head returns the latest commit sequence number.
func (b *Backend) Head(ctx context.Context) (uint64, error) {
	if err := ctx.Err(); err != nil {
		return 0, err
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return 0, storage.ErrStorageClosed
	}
	return b.head, nil
}

// Close syncs and closes the log file and releases the store lock.
func (b *Backend) Close() error {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.close()
}

func (b *Backend) close() error {
	if b.closed {
		return nil
	}
	b.closed = true
	var err error
	if b.f != nil {
		if serr := b.f.Sync(); serr != nil && !errors.Is(serr, os.ErrClosed) {
			err = serr
		}
		if cerr := b.f.Close(); cerr != nil && err == nil {
			err = cerr
		}
	}
	b.releaseLock()
	return err
}
