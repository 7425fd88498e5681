// Package sqlstore implements the storage backend contract on a
// relational database via database/sql. Supported drivers: sqlite
// (modernc.org/sqlite), postgres (pgx) and mysql. The commit history is
// a table keyed by sequence number; the primary-key constraint on that
// column is the cross-process append arbiter, so the store can be
// shared by many processes and machines through the database's own
// client protocol.
package sqlstore

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"strings"

	_ "github.com/go-sql-driver/mysql"
	_ "github.com/jackc/pgx/v5/stdlib"
	_ "modernc.org/sqlite"

	"github.com/poiesic/modeldepot/core"
	"github.com/poiesic/modeldepot/storage"
)

// Driver names accepted by Open.
const (
	DriverSQLite   = "sqlite"
	DriverPostgres = "postgres"
	DriverMySQL    = "mysql"
)

// Backend is a relational commit-log store satisfying storage.Backend.
type Backend struct {
	db      *sql.DB
	dialect dialect
	logger  *slog.Logger
}

var _ storage.Backend = (*Backend)(nil)

// Option configures a Backend.
type Option func(*Backend)

// WithLogger sets the structured logger. Defaults to slog.Default().
func WithLogger(logger *slog.Logger) Option {
	return func(b *Backend) { b.logger = logger }
}

// Open connects to the database named by driver and dsn, bootstraps
// the schema if needed, and returns the backend.
func Open(ctx context.Context, driver, dsn string, opts ...Option) (*Backend, error) {
	d, ok := dialects[driver]
	if !ok {
		return nil, fmt.Errorf("%w: unsupported driver %q", storage.ErrBackendUnavailable, driver)
	}
	db, err := sql.Open(d.sqlDriver, dsn)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", storage.ErrBackendUnavailable, err)
	}
	b := &Backend{db: db, dialect: d, logger: slog.Default()}
	for _, opt := range opts {
		opt(b)
	}
	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("%w: %v", storage.ErrBackendUnavailable, err)
	}
	if err := b.bootstrap(ctx); err != nil {
		db.Close()
		return nil, err
	}
	b.logger.Info("sqlstore opened", "driver", driver)
	return b, nil
}

func (b *Backend) bootstrap(ctx context.Context) error {
	for _, stmt := range b.dialect.ddl {
		if _, err := b.db.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("%w: schema bootstrap: %v", storage.ErrBackendUnavailable, err)
		}
	}
	return nil
}

// Close closes the database handle.
func (b *Backend) Close() error {
	return b.db.Close()
}

// Append inserts the next commit record in a single SQL transaction.
// The head check catches most stale appends cheaply; the primary key on
// commits.seq catches the true race, in which case the duplicate-key
// failure surfaces as ErrRejected.
func (b *Backend) Append(ctx context.Context, rec *storage.CommitRecord) error {
	payload, err := storage.EncodeCommitRecord(rec)
	if err != nil {
		return err
	}

	tx, err := b.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("%w: %v", storage.ErrBackendUnavailable, err)
	}
	defer tx.Rollback()

	var head int64
	row := tx.QueryRowContext(ctx, b.q(`SELECT COALESCE(MAX(seq), 0) FROM depot_commits`))
	if err := row.Scan(&head); err != nil {
		return fmt.Errorf("%w: %v", storage.ErrBackendUnavailable, err)
	}
	if rec.Prev != uint64(head) {
		return fmt.Errorf("%w: prev %d, head %d", storage.ErrRejected, rec.Prev, head)
	}
	if rec.Seq != uint64(head)+1 {
		return fmt.Errorf("%w: seq %d, head %d", storage.ErrRejected, rec.Seq, head)
	}

	_, err = tx.ExecContext(ctx,
		b.q(`INSERT INTO depot_commits (seq, prev, payload) VALUES (?, ?, ?)`),
		int64(rec.Seq), int64(rec.Prev), payload)
	if err != nil {
		if isDuplicate(err) {
			return fmt.Errorf("%w: concurrent append at seq %d", storage.ErrRejected, rec.Seq)
		}
		return fmt.Errorf("%w: %v", storage.ErrBackendUnavailable, err)
	}

	for _, w := range rec.Writes {
		tombstone := 0
		if w.Tombstone {
			tombstone = 1
		}
		_, err = tx.ExecContext(ctx,
			b.q(`INSERT INTO depot_object_versions (object_id, seq, tombstone, data) VALUES (?, ?, ?, ?)`),
			int64(w.ID), int64(rec.Seq), tombstone, w.Data)
		if err != nil {
			return fmt.Errorf("%w: %v", storage.ErrBackendUnavailable, err)
		}
	}

	if err := tx.Commit(); err != nil {
		if isDuplicate(err) {
			return fmt.Errorf("%w: concurrent append at seq %d", storage.ErrRejected, rec.Seq)
		}
		return fmt.Errorf("%w: %v", storage.ErrBackendUnavailable, err)
	}
	return nil
}

// Fetch returns the version of id with the greatest commit sequence
// number <= asOf.
func (b *Backend) Fetch(ctx context.Context, id core.ID, asOf uint64) (*storage.VersionedData, error) {
	row := b.db.QueryRowContext(ctx,
		b.q(`SELECT seq, tombstone, data FROM depot_object_versions
		     WHERE object_id = ? AND seq <= ? ORDER BY seq DESC LIMIT 1`),
		int64(id), int64(asOf))

	var seq int64
	var tombstone int
	var data []byte
	if err := row.Scan(&seq, &tombstone, &data); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, fmt.Errorf("%w: object %s as of %d", storage.ErrNotFound, id, asOf)
		}
		return nil, fmt.Errorf("%w: %v", storage.ErrBackendUnavailable, err)
	}
	return &storage.VersionedData{
		ID:        id,
		Seq:       uint64(seq),
		Tombstone: tombstone == 1,
		Data:      data,
	}, nil
}

// ScanCommits streams commit records with Seq > from in order.
func (b *Backend) ScanCommits(ctx context.Context, from uint64, fn func(*storage.CommitRecord) error) error {
	rows, err := b.db.QueryContext(ctx,
		b.q(`SELECT payload FROM depot_commits WHERE seq > ? ORDER BY seq ASC`),
		int64(from))
	if err != nil {
		return fmt.Errorf("%w: %v", storage.ErrBackendUnavailable, err)
	}
	defer rows.Close()

	for rows.Next() {
		var payload []byte
		if err := rows.Scan(&payload); err != nil {
			return fmt.Errorf("%w: %v", storage.ErrBackendUnavailable, err)
		}
		rec, err := storage.DecodeCommitRecord(payload)
		if err != nil {
			return err
		}
		if err := fn(rec); err != nil {
			return err
		}
	}
	if err := rows.Err(); err != nil {
		return fmt.Errorf("%w: %v", storage.ErrBackendUnavailable, err)
	}
	return nil
}

// Head returns the latest commit sequence number.
func (b *Backend) Head(ctx context.Context) (uint64, error) {
	var head int64
	row := b.db.QueryRowContext(ctx, b.q(`SELECT COALESCE(MAX(seq), 0) FROM depot_commits`))
	if err := row.Scan(&head); err != nil {
		return 0, fmt.Errorf("%w: %v", storage.ErrBackendUnavailable, err)
	}
	return uint64(head), nil
}

// q rewrites ? placeholders for dialects that use positional markers.
func (b *Backend) q(query string) string {
	if b.dialect.placeholder == "?" {
		return query
	}
	var sb strings.Builder
	n := 0
	for _, r := range query {
		if r == '?' {
			n++
			fmt.Fprintf(&sb, "$%d", n)
		} else {
			sb.WriteRune(r)
		}
	}
	return sb.String()
}

func isDuplicate(err error) bool {
	msg := strings.ToLower(err.Error())
	return strings.Contains(msg, "unique") ||
		strings.Contains(msg, "duplicate") ||
		strings.Contains(msg, "primary key") ||
		strings.Contains(msg, "23505") // postgres unique_violation
}
