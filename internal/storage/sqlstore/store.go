package sqlstore

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/charmbracelet/log"

	"github.com/scrypster/locai/internal/storage"
	"github.com/scrypster/locai/pkg/types"
)

// Options configures a Store.
type Options struct {
	Namespace string
	Database  string
	Logger    *log.Logger

	// Now overrides the clock used for expiry checks.
	Now func() time.Time
}

// Store implements storage.Store for any Dialect.
type Store struct {
	db      *sql.DB
	q       Querier
	dialect Dialect
	opts    Options
	logger  *log.Logger
	inTx    bool
}

var _ storage.Store = (*Store)(nil)

// Open runs pending migrations and returns a Store over db.
func Open(ctx context.Context, db *sql.DB, d Dialect, opts Options) (*Store, error) {
	if opts.Logger == nil {
		opts.Logger = log.Default()
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}

	fsys, dir := d.Migrations()
	mgr, err := storage.NewMigrationManager(ctx, db, fsys, dir, storage.WithPlaceholder(func(n int) string {
		return d.Rebind("?")
	}))
	if err != nil {
		return nil, types.Wrap(types.KindConnection, err, "%s: migrations", d.Name())
	}
	applied, err := mgr.Up(ctx)
	if err != nil {
		return nil, types.Wrap(types.KindConnection, err, "%s: migrations", d.Name())
	}
	if applied > 0 {
		opts.Logger.Debug("applied schema migrations", "backend", d.Name(), "count", applied)
	}

	return &Store{
		db:      db,
		q:       db,
		dialect: d,
		opts:    opts,
		logger:  opts.Logger.With("backend", d.Name()),
	}, nil
}

// DB returns the underlying connection pool.
func (s *Store) DB() *sql.DB { return s.db }

// Logger returns the store's logger.
func (s *Store) Logger() *log.Logger { return s.logger }

// Dialect returns the store's dialect.
func (s *Store) Dialect() Dialect { return s.dialect }

func (s *Store) now() time.Time { return s.opts.Now() }

func (s *Store) exec(ctx context.Context, query string, args ...any) (sql.Result, error) {
	return s.q.ExecContext(ctx, s.dialect.Rebind(query), args...)
}

func (s *Store) query(ctx context.Context, query string, args ...any) (*sql.Rows, error) {
	return s.q.QueryContext(ctx, s.dialect.Rebind(query), args...)
}

func (s *Store) queryRow(ctx context.Context, query string, args ...any) *sql.Row {
	return s.q.QueryRowContext(ctx, s.dialect.Rebind(query), args...)
}

// Capabilities reports transactional support.
func (s *Store) Capabilities() storage.Capabilities {
	native := false
	if vi, ok := s.dialect.(VectorIndexer); ok {
		native = vi.VectorIndexAvailable()
	}
	return storage.Capabilities{Transactions: true, NativeVectorIndex: native}
}

// WithTx runs fn inside a database transaction. Nested calls reuse the
// outer transaction.
func (s *Store) WithTx(ctx context.Context, fn func(tx storage.Store) error) error {
	if s.inTx {
		return fn(s)
	}
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return types.Wrap(types.KindTransaction, err, "%s: begin", s.dialect.Name())
	}
	child := *s
	child.q = tx
	child.inTx = true

	if err := fn(&child); err != nil {
		if rbErr := tx.Rollback(); rbErr != nil && !errors.Is(rbErr, sql.ErrTxDone) {
			s.logger.Warn("rollback failed", "err", rbErr)
		}
		return err
	}
	if err := tx.Commit(); err != nil {
		return types.Wrap(types.KindTransaction, err, "%s: commit", s.dialect.Name())
	}
	return nil
}

// atomic runs fn in the current transaction, or a fresh one.
func (s *Store) atomic(ctx context.Context, fn func(tx *Store) error) error {
	return s.WithTx(ctx, func(tx storage.Store) error {
		return fn(tx.(*Store))
	})
}

// HealthCheck pings the database.
func (s *Store) HealthCheck(ctx context.Context) error {
	if err := s.db.PingContext(ctx); err != nil {
		return types.Wrap(types.KindConnection, err, "%s: ping", s.dialect.Name())
	}
	return nil
}

var clearTables = []string{
	"memory_tags", "relationships", "vectors", "memories",
	"entities", "versions", "relationship_types", "store_metadata",
}

// Clear removes every record.
func (s *Store) Clear(ctx context.Context) error {
	return s.atomic(ctx, func(tx *Store) error {
		for _, table := range clearTables {
			if _, err := tx.exec(ctx, "DELETE FROM "+table); err != nil {
				return types.Wrap(types.KindQuery, err, "%s: clear %s", s.dialect.Name(), table)
			}
		}
		return nil
	})
}

// Metadata reports counts and the fixed vector dimension.
func (s *Store) Metadata(ctx context.Context) (*storage.StoreMetadata, error) {
	md := &storage.StoreMetadata{
		Backend:   s.dialect.Name(),
		Namespace: s.opts.Namespace,
		Database:  s.opts.Database,
	}
	counts := []struct {
		table string
		dst   *int
	}{
		{"memories", &md.MemoryCount},
		{"entities", &md.EntityCount},
		{"relationships", &md.RelationshipCount},
		{"vectors", &md.VectorCount},
		{"versions", &md.VersionCount},
	}
	for _, c := range counts {
		if err := s.queryRow(ctx, "SELECT COUNT(*) FROM "+c.table).Scan(c.dst); err != nil {
			return nil, types.Wrap(types.KindQuery, err, "%s: count %s", s.dialect.Name(), c.table)
		}
	}
	dim, err := s.vectorDimension(ctx)
	if err != nil {
		return nil, err
	}
	md.VectorDimension = dim

	var version int64
	if err := s.queryRow(ctx, "SELECT COALESCE(MAX(version), 0) FROM schema_migrations").Scan(&version); err == nil {
		md.SchemaVersion = uint(version)
	}
	return md, nil
}

// Close closes the connection pool.
func (s *Store) Close() error {
	if s.inTx {
		return nil
	}
	if err := s.db.Close(); err != nil {
		return fmt.Errorf("%s: close: %w", s.dialect.Name(), err)
	}
	return nil
}

func (s *Store) getMeta(ctx context.Context, key string) (string, bool, error) {
	var v string
	err := s.queryRow(ctx, "SELECT value FROM store_metadata WHERE key = ?", key).Scan(&v)
	if errors.Is(err, sql.ErrNoRows) {
		return "", false, nil
	}
	if err != nil {
		return "", false, types.Wrap(types.KindQuery, err, "%s: read metadata %s", s.dialect.Name(), key)
	}
	return v, true, nil
}

func (s *Store) setMeta(ctx context.Context, key, value string) error {
	_, err := s.exec(ctx, `
		INSERT INTO store_metadata (key, value) VALUES (?, ?)
		ON CONFLICT (key) DO UPDATE SET value = excluded.value
	`, key, value)
	if err != nil {
		return types.Wrap(types.KindQuery, err, "%s: write metadata %s", s.dialect.Name(), key)
	}
	return nil
}
