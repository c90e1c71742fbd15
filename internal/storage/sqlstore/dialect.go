// Package sqlstore implements storage.Store on top of database/sql. The
// SQL is written once against a small Dialect abstraction; the sqlite and
// postgres packages supply the dialect, the driver and the migrations.
package sqlstore

import (
	"context"
	"database/sql"
	"io/fs"

	"github.com/scrypster/locai/internal/search"
	"github.com/scrypster/locai/internal/storage"
	"github.com/scrypster/locai/pkg/types"
)

// Querier is satisfied by both *sql.DB and *sql.Tx.
type Querier interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

// Dialect captures what differs between SQL engines.
type Dialect interface {
	// Name identifies the backend in metadata and logs.
	Name() string

	// Rebind rewrites '?' placeholders into the engine's bind syntax.
	// Queries passed to the dialect's own methods are already rebound.
	Rebind(query string) string

	// Migrations returns the filesystem and directory holding NNN_name.up.sql files.
	Migrations() (fs.FS, string)

	// Greatest and Least name the scalar max/min functions.
	Greatest() string
	Least() string

	// PropertyPredicate returns a boolean SQL expression (with '?'
	// placeholders) comparing the JSON value at path inside column with
	// the JSON-encoded value, plus its bind arguments.
	PropertyPredicate(column string, path []string, jsonValue string) (string, []any)

	// LexicalSearch returns BM25-scored memory ids, best first. nowNanos
	// excludes expired memories.
	LexicalSearch(ctx context.Context, q Querier, query string, limit int, nowNanos int64) ([]search.Hit, error)
}

// VectorIndexer is implemented by dialects with a native vector column.
type VectorIndexer interface {
	// VectorIndexAvailable reports whether the native column is usable.
	VectorIndexAvailable() bool

	// IndexVector writes v into the native column of an existing vectors row.
	IndexVector(ctx context.Context, q Querier, v *types.Vector) error

	// SearchIndexed returns ids and cosine similarities, best first.
	SearchIndexed(ctx context.Context, q Querier, query []float32, limit int, filter *storage.VectorFilter) ([]search.Hit, error)
}
