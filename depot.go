// Copyright 2025 Poiesic Systems
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.


// Package modeldepot is a transactional store for ML model artifacts
// and the projects that group them. Objects live in a versioned commit
// history with snapshot isolation; concurrent writers race at commit
// and the first one wins. The Depot facade wraps the transaction layer
// in a dictionary-like surface plus the domain operations of a model
// registry: projects, models, metadata search and deduplication.
package modeldepot

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"

	"github.com/poiesic/modeldepot/core"
	"github.com/poiesic/modeldepot/index"
	"github.com/poiesic/modeldepot/storage"
	"github.com/poiesic/modeldepot/txn"
)

var (
	// ErrProjectNotFound means no project with the given name exists.
	ErrProjectNotFound = errors.New("project not found")
	// ErrDuplicateProject means a project with that name already exists.
	ErrDuplicateProject = errors.New("project already exists")
	// ErrDuplicateModel means the project already holds a model with the
	// same content.
	ErrDuplicateModel = errors.New("model already stored in project")
	// ErrWrongKind means the object exists but is not of the kind the
	// operation works on.
	ErrWrongKind = errors.New("object has wrong kind")
)

// registryID is the well-known ID of the project registry: the first
// object ever committed to a store. Operations that add or remove a
// project name read and write it, which puts the name set under the
// same first-committer-wins arbitration as every other object.
const registryID = core.ID(1)

// Depot is the top-level handle of a store. It owns the backend and
// the transaction manager; one Depot is safe for concurrent use.
type Depot struct {
	backend storage.Backend
	mgr     *txn.Manager
	logger  *slog.Logger
}

// Option configures a Depot.
type Option func(*depotOptions)

type depotOptions struct {
	logger    *slog.Logger
	cacheSize int64
}

// WithLogger sets the structured logger. Defaults to slog.Default().
func WithLogger(logger *slog.Logger) Option {
	return func(o *depotOptions) { o.logger = logger }
}

// WithCacheSize bounds the decoded-version cache, in objects.
func WithCacheSize(objects int64) Option {
	return func(o *depotOptions) { o.cacheSize = objects }
}

// Open opens the store described by path. Paths ending in .log or .fs
// open a file-log store directly, a directory opens a badger store in
// it, and anything else is read as a YAML backend configuration.
func Open(ctx context.Context, path string, opts ...Option) (*Depot, error) {
	options := &depotOptions{logger: slog.Default()}
	for _, opt := range opts {
		opt(options)
	}

	backend, err := resolveBackend(ctx, path, options.logger)
	if err != nil {
		return nil, err
	}

	mgrOpts := []txn.Option{txn.WithLogger(options.logger)}
	if options.cacheSize > 0 {
		mgrOpts = append(mgrOpts, txn.WithCacheSize(options.cacheSize))
	}
	mgr, err := txn.Open(ctx, backend, mgrOpts...)
	if err != nil {
		backend.Close()
		return nil, err
	}

	d := &Depot{backend: backend, mgr: mgr, logger: options.logger}
	if err := d.ensureRegistry(ctx); err != nil {
		mgr.Close()
		backend.Close()
		return nil, err
	}
	return d, nil
}

// ensureRegistry commits the project registry on first open of an
// empty store. Concurrent openers race at commit; the loser re-reads
// the winner's registry.
func (d *Depot) ensureRegistry(ctx context.Context) error {
	for {
		tx, err := d.mgr.Begin(ctx)
		if err != nil {
			return err
		}
		reg, err := tx.Read(ctx, registryID)
		if err == nil {
			tx.Abort()
			if reg.Kind != core.KindRegistry {
				return fmt.Errorf("object %s is a %s, not the project registry", registryID, reg.Kind)
			}
			return nil
		}
		if !errors.Is(err, storage.ErrNotFound) {
			tx.Abort()
			return err
		}
		if tx.Watermark() > 0 {
			tx.Abort()
			return fmt.Errorf("store has commit history but no project registry")
		}
		if _, err := tx.Create(core.NewRegistry()); err != nil {
			tx.Abort()
			return err
		}
		err = tx.Commit(ctx)
		if errors.Is(err, txn.ErrConflict) {
			continue
		}
		return err
	}
}

// registry returns the project registry and its name-to-reference map
// as visible to tx. Reading it puts the registry in tx's read set.
func (d *Depot) registry(ctx context.Context, tx *txn.Tx) (*core.Object, core.Map, error) {
	reg, err := tx.Read(ctx, registryID)
	if err != nil {
		return nil, nil, err
	}
	if reg.Kind != core.KindRegistry {
		return nil, nil, fmt.Errorf("%w: %s is a %s, not the project registry", ErrWrongKind, registryID, reg.Kind)
	}
	projects, _ := reg.Get(core.FieldProjects).(core.Map)
	if projects == nil {
		projects = core.Map{}
	}
	return reg, projects, nil
}

// Close releases the manager and the backend.
func (d *Depot) Close() error {
	d.mgr.Close()
	if err := d.backend.Close(); err != nil {
		d.logger.Error("error closing backend storage", "err", err)
		return err
	}
	return nil
}

// Update runs fn inside a transaction: commit if fn returns nil, abort
// otherwise. Conflicts surface as txn.ErrConflict; retrying is the
// caller's decision.
func (d *Depot) Update(ctx context.Context, fn func(tx *txn.Tx) error) error {
	tx, err := d.mgr.Begin(ctx)
	if err != nil {
		return err
	}
	if err := fn(tx); err != nil {
		tx.Abort()
		return err
	}
	return tx.Commit(ctx)
}

// Get returns the current committed state of an object.
func (d *Depot) Get(ctx context.Context, id core.ID) (*core.Object, error) {
	tx, err := d.mgr.Begin(ctx)
	if err != nil {
		return nil, err
	}
	defer tx.Abort()
	return tx.Read(ctx, id)
}

// Put overwrites an existing object in a single-operation transaction.
func (d *Depot) Put(ctx context.Context, id core.ID, obj *core.Object) error {
	return d.Update(ctx, func(tx *txn.Tx) error {
		return tx.Write(ctx, id, obj)
	})
}

// Insert stores a new object and returns its assigned ID.
func (d *Depot) Insert(ctx context.Context, obj *core.Object) (core.ID, error) {
	tx, err := d.mgr.Begin(ctx)
	if err != nil {
		return 0, err
	}
	defer tx.Abort()

	pid, err := tx.Create(obj)
	if err != nil {
		return 0, err
	}
	if err := tx.Commit(ctx); err != nil {
		return 0, err
	}
	id, _ := tx.ResolveID(pid)
	return id, nil
}

// Delete removes an object in a single-operation transaction. The
// project registry cannot be deleted.
func (d *Depot) Delete(ctx context.Context, id core.ID) error {
	if id == registryID {
		return fmt.Errorf("%w: %s is the project registry", ErrWrongKind, id)
	}
	return d.Update(ctx, func(tx *txn.Tx) error {
		return tx.Delete(ctx, id)
	})
}

// Find returns the IDs whose indexed metadata satisfies every clause,
// against the current committed state.
func (d *Depot) Find(ctx context.Context, clauses ...index.Clause) ([]core.ID, error) {
	tx, err := d.mgr.Begin(ctx)
	if err != nil {
		return nil, err
	}
	defer tx.Abort()
	return d.mgr.Index().QueryAll(tx.Watermark(), clauses...), nil
}

// AddProject creates a named project. Names are unique across the
// store: concurrent adds of one name collide on the registry and at
// most one commits.
func (d *Depot) AddProject(ctx context.Context, name, description string) (core.ID, error) {
	tx, err := d.mgr.Begin(ctx)
	if err != nil {
		return 0, err
	}
	defer tx.Abort()

	pid, err := d.addProject(ctx, tx, name, description)
	if err != nil {
		return 0, err
	}
	if err := tx.Commit(ctx); err != nil {
		return 0, err
	}
	id, _ := tx.ResolveID(pid)
	d.logger.Info("project added", "name", name, "id", id)
	return id, nil
}

// addProject stages a new project inside tx. The registry ends up in
// both the read and write set, anchoring the uniqueness check.
func (d *Depot) addProject(ctx context.Context, tx *txn.Tx, name, description string) (core.ID, error) {
	reg, projects, err := d.registry(ctx, tx)
	if err != nil {
		return 0, err
	}
	if _, taken := projects[name]; taken {
		return 0, fmt.Errorf("%w: %q", ErrDuplicateProject, name)
	}

	pid, err := tx.Create(core.NewProject(name, description))
	if err != nil {
		return 0, err
	}
	projects[name] = core.Ref(pid)
	reg.Set(core.FieldProjects, projects)
	if err := tx.Write(ctx, registryID, reg); err != nil {
		return 0, err
	}
	return pid, nil
}

// AddModel stores a model in the named project. Re-adding a payload the
// project already holds is rejected by content hash.
func (d *Depot) AddModel(ctx context.Context, projectName string, payload core.Value, meta core.Map) (core.ID, error) {
	tx, err := d.mgr.Begin(ctx)
	if err != nil {
		return 0, err
	}
	defer tx.Abort()

	projID, proj, err := d.findProject(ctx, tx, projectName)
	if err != nil {
		return 0, err
	}

	model := core.NewModel(projectName, payload, meta)
	hash := model.Get(core.FieldContentHash)
	dup := d.mgr.Index().QueryAll(tx.Watermark(),
		index.Eq(core.FieldContentHash, hash),
		index.Eq(core.FieldProjectName, core.String(projectName)),
		index.Eq(core.FieldKind, core.String(core.KindModel)))
	if len(dup) > 0 {
		return 0, fmt.Errorf("%w: %q already holds object %s", ErrDuplicateModel, projectName, dup[0])
	}

	modelPID, err := tx.Create(model)
	if err != nil {
		return 0, err
	}
	proj.Set(core.FieldModels, append(modelList(proj), core.Ref(modelPID)))
	if err := tx.Write(ctx, projID, proj); err != nil {
		return 0, err
	}
	if err := tx.Commit(ctx); err != nil {
		return 0, err
	}
	id, _ := tx.ResolveID(modelPID)
	d.logger.Info("model added", "project", projectName, "id", id)
	return id, nil
}

// RemoveModel deletes a model and drops it from its project's list.
func (d *Depot) RemoveModel(ctx context.Context, id core.ID) error {
	return d.Update(ctx, func(tx *txn.Tx) error {
		model, err := tx.Read(ctx, id)
		if err != nil {
			return err
		}
		if model.Kind != core.KindModel {
			return fmt.Errorf("%w: %s is a %s", ErrWrongKind, id, model.Kind)
		}
		name := string(model.Get(core.FieldProjectName).(core.String))
		projID, proj, err := d.findProject(ctx, tx, name)
		if err == nil {
			proj.Set(core.FieldModels, removeRef(modelList(proj), core.Ref(id)))
			if err := tx.Write(ctx, projID, proj); err != nil {
				return err
			}
		} else if !errors.Is(err, ErrProjectNotFound) {
			return err
		}
		return tx.Delete(ctx, id)
	})
}

// RemoveProject deletes a project. Its models move to the project
// named by moveTo, or are deleted along with it when moveTo is empty.
func (d *Depot) RemoveProject(ctx context.Context, name, moveTo string) error {
	return d.Update(ctx, func(tx *txn.Tx) error {
		projID, proj, err := d.findProject(ctx, tx, name)
		if err != nil {
			return err
		}

		// Retire the name through the registry, the same anchor
		// AddProject claims it through.
		reg, projects, err := d.registry(ctx, tx)
		if err != nil {
			return err
		}
		delete(projects, name)
		reg.Set(core.FieldProjects, projects)
		if err := tx.Write(ctx, registryID, reg); err != nil {
			return err
		}

		if moveTo == "" {
			for _, ref := range modelList(proj) {
				r, ok := ref.(core.Ref)
				if !ok {
					continue
				}
				if _, err := tx.Deref(ctx, r); err != nil {
					if errors.Is(err, txn.ErrDanglingReference) {
						d.logger.Warn("skipping dangling model reference",
							"project", name, "ref", core.ID(r))
						continue
					}
					return err
				}
				if err := tx.Delete(ctx, core.ID(r)); err != nil {
					return err
				}
			}
			return tx.Delete(ctx, projID)
		}

		destID, dest, err := d.findProject(ctx, tx, moveTo)
		if err != nil {
			return err
		}
		moved := modelList(dest)
		for _, ref := range modelList(proj) {
			r, ok := ref.(core.Ref)
			if !ok {
				continue
			}
			model, err := tx.Deref(ctx, r)
			if errors.Is(err, txn.ErrDanglingReference) {
				d.logger.Warn("skipping dangling model reference",
					"project", name, "ref", core.ID(r))
				continue
			}
			if err != nil {
				return err
			}
			model.Set(core.FieldProjectName, core.String(moveTo))
			if err := tx.Write(ctx, core.ID(r), model); err != nil {
				return err
			}
			moved = append(moved, r)
		}
		dest.Set(core.FieldModels, moved)
		if err := tx.Write(ctx, destID, dest); err != nil {
			return err
		}
		return tx.Delete(ctx, projID)
	})
}

// MoveModelToProject reassigns a model to another project.
func (d *Depot) MoveModelToProject(ctx context.Context, id core.ID, destProject string) error {
	return d.Update(ctx, func(tx *txn.Tx) error {
		model, err := tx.Read(ctx, id)
		if err != nil {
			return err
		}
		if model.Kind != core.KindModel {
			return fmt.Errorf("%w: %s is a %s", ErrWrongKind, id, model.Kind)
		}
		from := string(model.Get(core.FieldProjectName).(core.String))
		if from == destProject {
			return nil
		}

		destID, dest, err := d.findProject(ctx, tx, destProject)
		if err != nil {
			return err
		}

		// Moving into a project that already holds the same payload is
		// a duplicate, just like adding it there would be.
		dup := d.mgr.Index().QueryAll(tx.Watermark(),
			index.Eq(core.FieldContentHash, model.Get(core.FieldContentHash)),
			index.Eq(core.FieldProjectName, core.String(destProject)),
			index.Eq(core.FieldKind, core.String(core.KindModel)))
		if len(dup) > 0 {
			return fmt.Errorf("%w: %q already holds object %s", ErrDuplicateModel, destProject, dup[0])
		}
		srcID, src, err := d.findProject(ctx, tx, from)
		if err == nil {
			src.Set(core.FieldModels, removeRef(modelList(src), core.Ref(id)))
			if err := tx.Write(ctx, srcID, src); err != nil {
				return err
			}
		} else if !errors.Is(err, ErrProjectNotFound) {
			return err
		}

		dest.Set(core.FieldModels, append(modelList(dest), core.Ref(id)))
		if err := tx.Write(ctx, destID, dest); err != nil {
			return err
		}
		model.Set(core.FieldProjectName, core.String(destProject))
		return tx.Write(ctx, id, model)
	})
}

// UpdateObjectField updates one mutable field of an object. Static
// fields and fields the object does not have are rejected.
func (d *Depot) UpdateObjectField(ctx context.Context, id core.ID, field string, value core.Value) error {
	return d.Update(ctx, func(tx *txn.Tx) error {
		obj, err := tx.Read(ctx, id)
		if err != nil {
			return err
		}
		if err := obj.SetChecked(field, value); err != nil {
			return err
		}
		return tx.Write(ctx, id, obj)
	})
}

// SearchModels finds models by metadata conditions. Each condition maps
// a field name to a textual predicate, optionally operator-prefixed
// (">=0.95", "<2026-01-01T00:00:00Z", "torch"). An empty projectName
// searches across all projects.
func (d *Depot) SearchModels(ctx context.Context, projectName string, conds map[string]string) ([]core.ID, error) {
	clauses := []index.Clause{index.Eq(core.FieldKind, core.String(core.KindModel))}
	if projectName != "" {
		clauses = []index.Clause{
			index.Eq(core.FieldProjectName, core.String(projectName)),
			index.Eq(core.FieldKind, core.String(core.KindModel)),
		}
	}
	keys := make([]string, 0, len(conds))
	for k := range conds {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		clause, err := index.ParseClause(k, conds[k])
		if err != nil {
			return nil, err
		}
		clauses = append(clauses, clause)
	}
	return d.Find(ctx, clauses...)
}

// ProjectNames lists the names of every project, sorted.
func (d *Depot) ProjectNames(ctx context.Context) ([]string, error) {
	tx, err := d.mgr.Begin(ctx)
	if err != nil {
		return nil, err
	}
	defer tx.Abort()

	ids := d.mgr.Index().QueryAll(tx.Watermark(),
		index.Eq(core.FieldKind, core.String(core.KindProject)))
	names := make([]string, 0, len(ids))
	for _, id := range ids {
		obj, err := tx.Read(ctx, id)
		if err != nil {
			return nil, err
		}
		if s, ok := obj.Get(core.FieldProjectName).(core.String); ok {
			names = append(names, string(s))
		}
	}
	sort.Strings(names)
	return names, nil
}

// ProjectModels returns the IDs of the models in a project. Dangling
// references are logged and skipped.
func (d *Depot) ProjectModels(ctx context.Context, name string) ([]core.ID, error) {
	tx, err := d.mgr.Begin(ctx)
	if err != nil {
		return nil, err
	}
	defer tx.Abort()

	_, proj, err := d.findProject(ctx, tx, name)
	if err != nil {
		return nil, err
	}
	var out []core.ID
	for _, ref := range modelList(proj) {
		r, ok := ref.(core.Ref)
		if !ok {
			continue
		}
		if _, err := tx.Deref(ctx, r); err != nil {
			if errors.Is(err, txn.ErrDanglingReference) {
				d.logger.Warn("skipping dangling model reference", "project", name, "ref", core.ID(r))
				continue
			}
			return nil, err
		}
		out = append(out, core.ID(r))
	}
	return out, nil
}

// findProject resolves a project by name within the transaction's
// snapshot.
func (d *Depot) findProject(ctx context.Context, tx *txn.Tx, name string) (core.ID, *core.Object, error) {
	ids := d.mgr.Index().QueryAll(tx.Watermark(),
		index.Eq(core.FieldProjectName, core.String(name)),
		index.Eq(core.FieldKind, core.String(core.KindProject)))
	if len(ids) == 0 {
		return 0, nil, fmt.Errorf("%w: %q", ErrProjectNotFound, name)
	}
	obj, err := tx.Read(ctx, ids[0])
	if err != nil {
		return 0, nil, err
	}
	return ids[0], obj, nil
}

func modelList(proj *core.Object) core.List {
	if l, ok := proj.Get(core.FieldModels).(core.List); ok {
		return l
	}
	return nil
}

func removeRef(list core.List, ref core.Ref) core.List {
	out := make(core.List, 0, len(list))
	for _, v := range list {
		if r, ok := v.(core.Ref); ok && r == ref {
			continue
		}
		out = append(out, v)
	}
	return out
}
