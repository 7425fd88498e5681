// Package index maintains the metadata index of the store: an ordered
// mapping from (key, value, object ID) to visibility intervals in
// commit-sequence time. The transaction manager applies committed
// metadata rows here atomically with object state; queries evaluate
// against the snapshot watermark of the asking transaction, so the
// index is always consistent with the object versions that transaction
// can see.
package index

import (
	"math"
	"sync"

	"github.com/google/btree"

	"github.com/poiesic/modeldepot/core"
	"github.com/poiesic/modeldepot/storage"
)

const btreeDegree = 16

// entry is one indexed metadata pair of one object, alive during
// [addedAt, removedAt). removedAt == 0 means still live.
type entry struct {
	key       string
	value     core.Value
	id        core.ID
	addedAt   uint64
	removedAt uint64
}

func entryLess(a, b *entry) bool {
	if a.key != b.key {
		return a.key < b.key
	}
	if c := core.CompareScalars(a.value, b.value); c != 0 {
		return c < 0
	}
	if a.id != b.id {
		return a.id < b.id
	}
	return a.addedAt < b.addedAt
}

func (e *entry) visibleAt(watermark uint64) bool {
	return e.addedAt <= watermark && (e.removedAt == 0 || e.removedAt > watermark)
}

// Index is the in-memory metadata index. Safe for concurrent use; all
// mutation goes through Apply, driven by the transaction manager's
// commit publication, so index state never runs ahead of or behind
// committed object state.
type Index struct {
	mu   sync.RWMutex
	tree *btree.BTreeG[*entry]
	byID map[core.ID][]*entry
}

// New returns an empty index.
func New() *Index {
	return &Index{
		tree: btree.NewG(btreeDegree, entryLess),
		byID: make(map[core.ID][]*entry),
	}
}

// Apply folds one committed write into the index: the object's live
// entries close at seq and, unless the write is a tombstone, the new
// metadata rows open at seq. Entries are never physically removed;
// older snapshots keep seeing what they should.
func (idx *Index) Apply(seq uint64, id core.ID, meta []storage.MetaRow, tombstone bool) {
	idx.mu.Lock()
	defer idx.mu.Unlock()

	for _, e := range idx.byID[id] {
		if e.removedAt == 0 {
			e.removedAt = seq
		}
	}
	if tombstone {
		return
	}
	for _, m := range meta {
		e := &entry{key: m.Key, value: m.Value, id: id, addedAt: seq}
		idx.tree.ReplaceOrInsert(e)
		idx.byID[id] = append(idx.byID[id], e)
	}
}

// ApplyRecord folds a whole commit record into the index.
func (idx *Index) ApplyRecord(rec *storage.CommitRecord) {
	for _, w := range rec.Writes {
		idx.Apply(rec.Seq, w.ID, w.Meta, w.Tombstone)
	}
}

// Len returns the number of entries ever added (live and closed).
func (idx *Index) Len() int {
	idx.mu.RLock()
	defer idx.mu.RUnlock()
	return idx.tree.Len()
}

// lookup returns the value of (id, key) visible at watermark.
func (idx *Index) lookup(id core.ID, key string, watermark uint64) (core.Value, bool) {
	for _, e := range idx.byID[id] {
		if e.key == key && e.visibleAt(watermark) {
			return e.value, true
		}
	}
	return nil, false
}

// Query returns a lazy cursor over the IDs matching every clause, as
// visible at the given snapshot watermark, ordered by the first
// clause's (value, id) index order. The cursor re-seeks the tree on
// every step, so it stays valid while commits keep landing, and it can
// be Reset to restart from the beginning.
func (idx *Index) Query(watermark uint64, clauses ...Clause) *Cursor {
	return &Cursor{idx: idx, watermark: watermark, clauses: clauses}
}

// QueryAll drains a cursor into a slice, for callers that do not need
// laziness.
func (idx *Index) QueryAll(watermark uint64, clauses ...Clause) []core.ID {
	var out []core.ID
	c := idx.Query(watermark, clauses...)
	for {
		id, ok := c.Next()
		if !ok {
			return out
		}
		out = append(out, id)
	}
}

// Cursor is a restartable iterator over query results.
type Cursor struct {
	idx       *Index
	watermark uint64
	clauses   []Clause
	last      *entry
	started   bool
	done      bool
}

// Reset restarts the cursor from the beginning.
func (c *Cursor) Reset() {
	c.last = nil
	c.started = false
	c.done = false
}

// Next returns the next matching object ID. The second return is false
// once the cursor is exhausted.
func (c *Cursor) Next() (core.ID, bool) {
	if c.done || len(c.clauses) == 0 {
		c.done = true
		return 0, false
	}
	first := c.clauses[0]

	c.idx.mu.RLock()
	defer c.idx.mu.RUnlock()

	pivot := c.scanStart(first)
	var found *entry
	c.idx.tree.AscendGreaterOrEqual(pivot, func(e *entry) bool {
		if e.key != first.Key {
			return false // left the key's range
		}
		cmp := core.CompareScalars(e.value, first.Value)
		if (first.Op == OpEq && cmp > 0) ||
			(first.Op == OpLt && cmp >= 0) ||
			(first.Op == OpLe && cmp > 0) {
			return false // passed the upper bound
		}
		if !e.visibleAt(c.watermark) || !first.matches(cmp) {
			return true
		}
		if !c.matchesRest(e.id) {
			return true
		}
		found = e
		return false
	})

	if found == nil {
		c.done = true
		return 0, false
	}
	c.last = found
	c.started = true
	return found.id, true
}

// scanStart returns the pivot entry to resume the ordered scan from.
func (c *Cursor) scanStart(first Clause) *entry {
	if c.started {
		// Strict successor of the last hit.
		return &entry{
			key:     c.last.key,
			value:   c.last.value,
			id:      c.last.id,
			addedAt: math.MaxUint64,
		}
	}
	switch first.Op {
	case OpEq, OpGe, OpGt:
		// Gt still lands on equal values; the filter skips them.
		return &entry{key: first.Key, value: first.Value}
	default:
		// Lt/Le scan the key from its smallest value.
		return &entry{key: first.Key}
	}
}

func (c *Cursor) matchesRest(id core.ID) bool {
	for _, cl := range c.clauses[1:] {
		v, ok := c.idx.lookup(id, cl.Key, c.watermark)
		if !ok || !cl.matches(core.CompareScalars(v, cl.Value)) {
			return false
		}
	}
	return true
}
