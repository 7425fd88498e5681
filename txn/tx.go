package txn

import (
	"context"
	"errors"
	"fmt"

	"github.com/poiesic/modeldepot/core"
	"github.com/poiesic/modeldepot/storage"
)

// Tx is one transaction: a frozen snapshot of the store plus a private
// buffer of pending writes. Reads return copies; mutations become
// visible to other transactions only after Commit succeeds. A Tx is not
// safe for concurrent use.
type Tx struct {
	mgr       *Manager
	watermark uint64
	tag       string

	reads    map[core.ID]struct{}
	writes   map[core.ID]*core.Object // nil marks a pending delete
	order    []core.ID
	nextProv uint32
	resolved map[core.ID]core.ID
	done     bool
}

// Watermark returns the commit sequence this transaction reads at.
func (tx *Tx) Watermark() uint64 {
	return tx.watermark
}

// Tag returns the transaction's identity tag, recorded in the commit
// history for provenance.
func (tx *Tx) Tag() string {
	return tx.tag
}

// Read returns a private copy of the object as visible to this
// transaction: its own pending write if it has one, otherwise the
// snapshot version. Missing and deleted objects yield
// storage.ErrNotFound.
func (tx *Tx) Read(ctx context.Context, id core.ID) (*core.Object, error) {
	if tx.done {
		return nil, ErrTxClosed
	}
	if obj, pending := tx.writes[id]; pending {
		if obj == nil {
			return nil, fmt.Errorf("%w: object %s deleted in transaction", storage.ErrNotFound, id)
		}
		return obj.Clone(), nil
	}
	if id.IsProvisional() {
		return nil, fmt.Errorf("%w: unknown provisional object %s", storage.ErrNotFound, id)
	}
	tx.reads[id] = struct{}{}
	return tx.mgr.snapshotRead(ctx, id, tx.watermark)
}

// Deref follows a reference. It behaves like Read but reports a missing
// target as ErrDanglingReference, since a reference to a nonexistent
// object is a different condition than asking for an unknown ID.
func (tx *Tx) Deref(ctx context.Context, ref core.Ref) (*core.Object, error) {
	obj, err := tx.Read(ctx, core.ID(ref))
	if errors.Is(err, storage.ErrNotFound) {
		return nil, fmt.Errorf("%w: object %s", ErrDanglingReference, core.ID(ref))
	}
	return obj, err
}

// Create buffers a new object and returns its provisional ID. The real
// ID is allocated at commit; ResolveID translates afterwards.
func (tx *Tx) Create(obj *core.Object) (core.ID, error) {
	if tx.done {
		return 0, ErrTxClosed
	}
	tx.nextProv++
	id := core.ProvisionalID(tx.nextProv)
	tx.writes[id] = obj.Clone()
	tx.order = append(tx.order, id)
	return id, nil
}

// Write buffers a new state for an existing object. The object must be
// known to the transaction: committed in its snapshot, or created or
// written by it earlier.
func (tx *Tx) Write(ctx context.Context, id core.ID, obj *core.Object) error {
	if tx.done {
		return ErrTxClosed
	}
	if _, pending := tx.writes[id]; !pending {
		if id.IsProvisional() {
			return fmt.Errorf("%w: unknown provisional object %s", storage.ErrNotFound, id)
		}
		if _, err := tx.mgr.snapshotRead(ctx, id, tx.watermark); err != nil {
			return err
		}
		tx.order = append(tx.order, id)
	}
	tx.writes[id] = obj.Clone()
	return nil
}

// Delete buffers the removal of an object. Deleting an object created
// in this same transaction simply drops it; a committed object gets a
// tombstone at commit.
func (tx *Tx) Delete(ctx context.Context, id core.ID) error {
	if tx.done {
		return ErrTxClosed
	}
	if id.IsProvisional() {
		if _, pending := tx.writes[id]; !pending {
			return fmt.Errorf("%w: unknown provisional object %s", storage.ErrNotFound, id)
		}
		delete(tx.writes, id)
		tx.order = removeID(tx.order, id)
		return nil
	}
	if obj, pending := tx.writes[id]; pending {
		if obj == nil {
			return fmt.Errorf("%w: object %s deleted in transaction", storage.ErrNotFound, id)
		}
		tx.writes[id] = nil
		return nil
	}
	if _, err := tx.mgr.snapshotRead(ctx, id, tx.watermark); err != nil {
		return err
	}
	tx.reads[id] = struct{}{}
	tx.writes[id] = nil
	tx.order = append(tx.order, id)
	return nil
}

// ResolveID translates a provisional ID of this transaction into the
// real ID assigned at commit. Real IDs pass through unchanged.
func (tx *Tx) ResolveID(id core.ID) (core.ID, bool) {
	if !id.IsProvisional() {
		return id, true
	}
	real, ok := tx.resolved[id]
	return real, ok
}

// Abort discards the transaction's pending writes.
func (tx *Tx) Abort() {
	if tx.done {
		return
	}
	tx.done = true
	tx.mgr.logger.Debug("transaction aborted", "tag", tx.tag, "writes", len(tx.order))
}

// Commit validates the transaction against everything committed since
// its snapshot and appends its writes as the next commit. Validation
// and append repeat if another process wins the append race; a conflict
// with a committed transaction surfaces as ErrConflict and is final.
// An empty transaction commits trivially.
func (tx *Tx) Commit(ctx context.Context) error {
	if tx.done {
		return ErrTxClosed
	}
	tx.done = true
	if len(tx.order) == 0 {
		return nil
	}
	if err := tx.checkWrites(); err != nil {
		return err
	}

	m := tx.mgr
	m.commitMu.Lock()
	defer m.commitMu.Unlock()
	for {
		if err := m.catchUp(ctx); err != nil {
			return err
		}

		m.mu.RLock()
		verr := tx.validateLocked()
		var rec *storage.CommitRecord
		var objects map[core.ID]*core.Object
		var mapping map[core.ID]core.ID
		var berr error
		if verr == nil {
			rec, objects, mapping, berr = tx.buildRecordLocked()
		}
		m.mu.RUnlock()
		if verr != nil {
			m.logger.Warn("transaction conflict",
				"tag", tx.tag, "watermark", tx.watermark, "head", m.Head())
			return verr
		}
		if berr != nil {
			return berr
		}

		err := m.backend.Append(ctx, rec)
		if errors.Is(err, storage.ErrRejected) {
			// Another process appended first. Fold its commits in and
			// validate again; our snapshot may still be clean.
			m.logger.Debug("append raced, revalidating", "tag", tx.tag, "seq", rec.Seq)
			continue
		}
		if err != nil {
			return err
		}

		m.mu.Lock()
		m.applyLocked(rec)
		m.mu.Unlock()
		for id, obj := range objects {
			m.cache.Put(id, rec.Seq, obj)
		}
		tx.resolved = mapping
		m.logger.Info("transaction committed",
			"tag", tx.tag, "seq", rec.Seq, "writes", len(rec.Writes))
		return nil
	}
}

// checkWrites validates pending objects before any locking: object
// invariants, and no references escaping to provisional IDs of other
// transactions.
func (tx *Tx) checkWrites() error {
	for _, id := range tx.order {
		obj := tx.writes[id]
		if obj == nil {
			continue
		}
		if err := core.ValidateObject(obj); err != nil {
			return fmt.Errorf("object %s: %w", id, err)
		}
		var badRef error
		core.WalkRefs(obj.Fields, func(r core.ID) {
			if badRef != nil || !r.IsProvisional() {
				return
			}
			if _, pending := tx.writes[r]; !pending {
				badRef = fmt.Errorf("object %s: %w: %s", id, core.ErrProvisionalRef, r)
			}
		})
		if badRef != nil {
			return badRef
		}
	}
	return nil
}

// validateLocked enforces first-committer-wins: any object in the read
// or write set committed past the watermark kills the transaction.
// Caller holds m.mu (read side) with the manager caught up.
func (tx *Tx) validateLocked() error {
	m := tx.mgr
	for id := range tx.reads {
		if seq, ok := m.committed[id]; ok && seq > tx.watermark {
			return fmt.Errorf("%w: object %s committed at %d, snapshot at %d",
				ErrConflict, id, seq, tx.watermark)
		}
	}
	for _, id := range tx.order {
		if id.IsProvisional() {
			continue
		}
		if seq, ok := m.committed[id]; ok && seq > tx.watermark {
			return fmt.Errorf("%w: object %s committed at %d, snapshot at %d",
				ErrConflict, id, seq, tx.watermark)
		}
	}
	return nil
}

// buildRecordLocked allocates real IDs for this attempt and assembles
// the commit record. IDs come from the committed MaxID, so a lost
// append race just means a fresh allocation next round. Caller holds
// m.mu (read side).
func (tx *Tx) buildRecordLocked() (*storage.CommitRecord, map[core.ID]*core.Object, map[core.ID]core.ID, error) {
	m := tx.mgr
	next := m.maxID
	mapping := make(map[core.ID]core.ID)
	for _, id := range tx.order {
		if id.IsProvisional() {
			next++
			mapping[id] = next
		}
	}
	resolve := func(id core.ID) core.ID {
		if real, ok := mapping[id]; ok {
			return real
		}
		return id
	}

	rows := make([]storage.WriteRow, 0, len(tx.order))
	objects := make(map[core.ID]*core.Object, len(tx.order))
	for _, id := range tx.order {
		obj := tx.writes[id]
		realID := resolve(id)
		if obj == nil {
			rows = append(rows, storage.WriteRow{ID: realID, Tombstone: true})
			continue
		}
		final := obj.Clone()
		final.Fields = core.RewriteRefs(final.Fields, resolve).(core.Map)
		data, err := storage.EncodeObject(final)
		if err != nil {
			return nil, nil, nil, err
		}
		meta := make([]storage.MetaRow, 0, len(final.Indexed))
		for _, mf := range final.Metadata() {
			meta = append(meta, storage.MetaRow{Key: mf.Key, Value: mf.Value})
		}
		rows = append(rows, storage.WriteRow{ID: realID, Data: data, Meta: meta})
		objects[realID] = final
	}
	rec := &storage.CommitRecord{
		Seq:    m.head + 1,
		Prev:   m.head,
		TxTag:  tx.tag,
		MaxID:  next,
		Writes: rows,
	}
	return rec, objects, mapping, nil
}

func removeID(ids []core.ID, id core.ID) []core.ID {
	out := ids[:0]
	for _, have := range ids {
		if have != id {
			out = append(out, have)
		}
	}
	return out
}
