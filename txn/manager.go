// Package txn implements snapshot-isolated transactions over a storage
// backend. A Manager tracks the committed state of one store: the head
// commit sequence, the last commit of every object, the metadata index
// and a shared cache of decoded versions. Transactions read a frozen
// snapshot and buffer writes; Commit is the only serialization point,
// and the first committer wins every conflict.
package txn

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"sync"
	"sync/atomic"

	"github.com/poiesic/modeldepot/core"
	"github.com/poiesic/modeldepot/index"
	"github.com/poiesic/modeldepot/storage"
)

const defaultCacheObjects = 4096

// Manager coordinates transactions against one backend. Several
// managers (in the same process or on different machines) may share a
// backend; the backend's append arbitration keeps their histories
// identical, and each manager catches up on commits it missed before
// validating its own.
type Manager struct {
	backend storage.Backend
	logger  *slog.Logger
	cache   *VersionCache
	idx     *index.Index

	// mu guards the committed-state tables. commitMu serializes
	// in-process committers around the append, so a commit's backend
	// I/O never blocks readers of the tables.
	mu        sync.RWMutex
	commitMu  sync.Mutex
	head      uint64
	committed map[core.ID]uint64
	maxID     core.ID

	txCounter atomic.Uint64
}

// Option configures a Manager.
type Option func(*managerConfig)

type managerConfig struct {
	logger    *slog.Logger
	cacheSize int64
}

// WithLogger sets the structured logger. Defaults to slog.Default().
func WithLogger(logger *slog.Logger) Option {
	return func(c *managerConfig) { c.logger = logger }
}

// WithCacheSize bounds the shared version cache, in objects.
func WithCacheSize(objects int64) Option {
	return func(c *managerConfig) { c.cacheSize = objects }
}

// Open builds a Manager over the backend, replaying the full commit
// history to rebuild the committed-state tables and the metadata index.
func Open(ctx context.Context, backend storage.Backend, opts ...Option) (*Manager, error) {
	cfg := managerConfig{logger: slog.Default(), cacheSize: defaultCacheObjects}
	for _, opt := range opts {
		opt(&cfg)
	}
	cache, err := NewVersionCache(cfg.cacheSize)
	if err != nil {
		return nil, fmt.Errorf("version cache: %w", err)
	}
	m := &Manager{
		backend:   backend,
		logger:    cfg.logger,
		cache:     cache,
		idx:       index.New(),
		committed: make(map[core.ID]uint64),
	}
	if err := m.catchUp(ctx); err != nil {
		cache.Close()
		return nil, err
	}
	m.logger.Debug("transaction manager opened", "head", m.head, "objects", len(m.committed))
	return m, nil
}

// Close releases the manager's in-memory resources. The backend stays
// open; it belongs to the caller.
func (m *Manager) Close() {
	m.cache.Close()
}

// Index exposes the metadata index for snapshot queries. Callers pass
// a transaction's watermark to keep results consistent with its reads.
func (m *Manager) Index() *index.Index {
	return m.idx
}

// Head returns the latest commit sequence the manager has seen.
func (m *Manager) Head() uint64 {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.head
}

// Begin starts a transaction on the current committed state. The
// manager first folds in commits other writers may have appended since
// it last looked, so fresh transactions always see the durable head.
func (m *Manager) Begin(ctx context.Context) (*Tx, error) {
	if err := m.catchUp(ctx); err != nil {
		return nil, err
	}
	tx := &Tx{
		mgr:       m,
		watermark: m.Head(),
		tag:       fmt.Sprintf("%s-%d-%d", hostname(), os.Getpid(), m.txCounter.Add(1)),
		reads:     make(map[core.ID]struct{}),
		writes:    make(map[core.ID]*core.Object),
	}
	m.logger.Debug("transaction begun", "tag", tx.tag, "watermark", tx.watermark)
	return tx, nil
}

// catchUp replays commits beyond the manager's head into the committed
// tables and the index.
func (m *Manager) catchUp(ctx context.Context) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	from := m.head
	err := m.backend.ScanCommits(ctx, from, func(rec *storage.CommitRecord) error {
		m.applyLocked(rec)
		return nil
	})
	if err != nil {
		return fmt.Errorf("catch up from %d: %w", from, err)
	}
	if m.head > from {
		m.logger.Debug("caught up", "from", from, "to", m.head)
	}
	return nil
}

// applyLocked folds one commit record into manager state. Records at or
// behind the head are skipped, so replays cannot double-apply. Caller
// holds m.mu.
func (m *Manager) applyLocked(rec *storage.CommitRecord) {
	if rec.Seq != m.head+1 {
		return
	}
	m.head = rec.Seq
	if rec.MaxID > m.maxID {
		m.maxID = rec.MaxID
	}
	for _, w := range rec.Writes {
		m.committed[w.ID] = rec.Seq
	}
	m.idx.ApplyRecord(rec)
}

// snapshotRead returns the version of id visible at watermark, or
// storage.ErrNotFound if the object does not exist there (never did,
// or was deleted by then).
func (m *Manager) snapshotRead(ctx context.Context, id core.ID, watermark uint64) (*core.Object, error) {
	m.mu.RLock()
	last, known := m.committed[id]
	m.mu.RUnlock()
	if !known {
		return nil, fmt.Errorf("%w: object %s", storage.ErrNotFound, id)
	}

	// When the latest committed version is within the snapshot, its
	// sequence is known without touching the backend, so the cache can
	// answer outright.
	if last <= watermark {
		if obj, ok := m.cache.Get(id, last); ok {
			return obj, nil
		}
	}

	vd, err := m.backend.Fetch(ctx, id, watermark)
	if err != nil {
		return nil, err
	}
	if vd.Tombstone {
		return nil, fmt.Errorf("%w: object %s deleted", storage.ErrNotFound, id)
	}
	obj, err := storage.DecodeObject(vd.Data)
	if err != nil {
		return nil, err
	}
	m.cache.Put(id, vd.Seq, obj)
	return obj, nil
}

func hostname() string {
	if h, err := os.Hostname(); err == nil {
		return h
	}
	return "unknown"
}
