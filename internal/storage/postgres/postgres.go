// Package postgres is the server-database storage backend. It runs the
// shared SQL engine over lib/pq, keeps a tsvector column for lexical
// candidates and, when the pgvector extension is installed, a native
// vector column for similarity search.
package postgres

import (
	"context"
	"database/sql"
	"embed"
	"io/fs"
	"strconv"
	"strings"
	"time"

	"github.com/lib/pq"

	"github.com/scrypster/locai/internal/storage/sqlstore"
	"github.com/scrypster/locai/pkg/types"
)

//go:embed migrations/*.sql
var migrationFS embed.FS

// migrationPgvector adds the native vector column. It runs outside the
// versioned migrations because it depends on the extension being present.
const migrationPgvector = `
DO $$
BEGIN
    IF NOT EXISTS (
        SELECT 1 FROM information_schema.columns
        WHERE table_name = 'vectors' AND column_name = 'embedding_vec'
    ) THEN
        ALTER TABLE vectors ADD COLUMN embedding_vec vector;
    END IF;
END
$$;
`

// Dialect is the PostgreSQL flavour of sqlstore.Dialect.
type Dialect struct {
	vectorAvailable bool
}

var (
	_ sqlstore.Dialect       = (*Dialect)(nil)
	_ sqlstore.VectorIndexer = (*Dialect)(nil)
)

func (d *Dialect) Name() string { return "postgres" }
func (d *Dialect) Migrations() (fs.FS, string) { return migrationFS, "migrations" }
func (d *Dialect) Greatest() string { return "GREATEST" }
func (d *Dialect) Least() string { return "LEAST" }

// Rebind rewrites '?' placeholders into $1, $2, ... Question marks inside
// single-quoted literals are left alone.
func (d *Dialect) Rebind(query string) string {
	if !strings.Contains(query, "?") {
		return query
	}
	var b strings.Builder
	b.Grow(len(query) + 8)
	n := 0
	inQuote := false
	for _, r := range query {
		switch {
		case r == '\'':
			inQuote = !inQuote
			b.WriteRune(r)
		case r == '?' && !inQuote:
			n++
			b.WriteByte('$')
			b.WriteString(strconv.Itoa(n))
		default:
			b.WriteRune(r)
		}
	}
	return b.String()
}

// PropertyPredicate walks the JSONB path with #> and compares JSONB values,
// so 3 and 3.0 are equal and strings never match numbers.
func (d *Dialect) PropertyPredicate(column string, path []string, jsonValue string) (string, []any) {
	return column + " #> CAST(? AS text[]) = CAST(? AS jsonb)", []any{pq.Array(path), jsonValue}
}

// Open connects to dsn, applies migrations and enables pgvector when the
// server has it.
func Open(ctx context.Context, dsn string, opts sqlstore.Options) (*sqlstore.Store, error) {
	db, err := sql.Open("postgres", dsn)
	if err != nil {
		return nil, types.Wrap(types.KindConnection, err, "postgres: open")
	}

	db.SetMaxOpenConns(25)
	db.SetMaxIdleConns(5)
	db.SetConnMaxLifetime(5 * time.Minute)

	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, types.Wrap(types.KindConnection, err, "postgres: ping")
	}

	d := &Dialect{}
	store, err := sqlstore.Open(ctx, db, d, opts)
	if err != nil {
		db.Close()
		return nil, err
	}
	logger := opts.Logger
	if logger == nil {
		logger = store.Logger()
	}

	// Missing pgvector only disables the native index; exact search remains.
	if _, err := db.ExecContext(ctx, "CREATE EXTENSION IF NOT EXISTS vector"); err != nil {
		logger.Warn("pgvector extension not available, using exact vector search", "err", err)
		return store, nil
	}
	if _, err := db.ExecContext(ctx, migrationPgvector); err != nil {
		logger.Warn("pgvector column migration failed, using exact vector search", "err", err)
		return store, nil
	}
	d.vectorAvailable = true

	if n, err := d.backfill(ctx, db); err != nil {
		logger.Warn("pgvector backfill incomplete", "err", err)
	} else if n > 0 {
		logger.Info("indexed existing vectors", "count", n)
	}
	return store, nil
}
