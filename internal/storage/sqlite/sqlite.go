// Package sqlite is the embedded, file-backed storage backend. It runs the
// shared SQL engine over modernc.org/sqlite with WAL journaling and an FTS5
// index for lexical search.
package sqlite

import (
	"context"
	"database/sql"
	"embed"
	"fmt"
	"io/fs"
	"net/url"
	"os"
	"os/exec"
	"path/filepath"
	"strings"

	_ "modernc.org/sqlite" // SQLite driver

	"github.com/scrypster/locai/internal/search"
	"github.com/scrypster/locai/internal/storage/sqlstore"
	"github.com/scrypster/locai/pkg/types"
)

//go:embed migrations/*.sql
var migrationFS embed.FS

// DatabaseFile is the file name used inside the data directory.
const DatabaseFile = "locai.db"

// Dialect is the SQLite flavour of sqlstore.Dialect.
type Dialect struct{}

var _ sqlstore.Dialect = Dialect{}

func (Dialect) Name() string { return "sqlite" }
func (Dialect) Rebind(query string) string { return query }
func (Dialect) Migrations() (fs.FS, string) { return migrationFS, "migrations" }
func (Dialect) Greatest() string { return "MAX" }
func (Dialect) Least() string { return "MIN" }

// PropertyPredicate compares JSON values with json_extract so numbers and
// strings keep their types.
func (Dialect) PropertyPredicate(column string, path []string, jsonValue string) (string, []any) {
	return "json_extract(" + column + ", ?) = json_extract(?, '$')", []any{jsonPath(path), jsonValue}
}

func jsonPath(path []string) string {
	var b strings.Builder
	b.WriteString("$")
	for _, p := range path {
		b.WriteString(`."`)
		b.WriteString(strings.ReplaceAll(p, `"`, `\"`))
		b.WriteString(`"`)
	}
	return b.String()
}

// LexicalSearch ranks memories with FTS5's bm25(). FTS5 reports lower
// values for better matches, so the score is negated.
func (Dialect) LexicalSearch(ctx context.Context, q sqlstore.Querier, query string, limit int, nowNanos int64) ([]search.Hit, error) {
	match := ftsQuery(query)
	if match == "" {
		return []search.Hit{}, nil
	}
	if limit <= 0 {
		limit = -1
	}
	rows, err := q.QueryContext(ctx, `
		SELECT m.id, -bm25(memories_fts) AS score
		FROM memories_fts
		JOIN memories m ON m.seq = memories_fts.rowid
		WHERE memories_fts MATCH ? AND (m.expires_at IS NULL OR m.expires_at > ?)
		ORDER BY score DESC, m.seq
		LIMIT ?
	`, match, nowNanos, limit)
	if err != nil {
		return nil, fmt.Errorf("sqlite: MATCH %q: %w", match, err)
	}
	defer rows.Close()

	hits := []search.Hit{}
	for rows.Next() {
		var h search.Hit
		if err := rows.Scan(&h.ID, &h.Score); err != nil {
			return nil, fmt.Errorf("sqlite: scan search hit: %w", err)
		}
		hits = append(hits, h)
	}
	return hits, rows.Err()
}

// ftsQuery turns free text into an FTS5 expression that cannot fail to
// parse: every term is quoted and the terms are OR-ed.
func ftsQuery(query string) string {
	terms := search.UniqueTerms(query)
	quoted := make([]string, 0, len(terms))
	for _, t := range terms {
		quoted = append(quoted, `"`+strings.ReplaceAll(t, `"`, `""`)+`"`)
	}
	return strings.Join(quoted, " OR ")
}

// Open opens (or creates) the database at dsn and returns a ready store.
// A dsn of ":memory:" gives a private in-memory database.
//
// If the first open fails because of -wal/-shm files left by a crashed
// process, and no live process holds them, they are removed and the open
// is retried once.
func Open(ctx context.Context, dsn string, opts sqlstore.Options) (*sqlstore.Store, error) {
	if opts.Database == "" {
		opts.Database = dsn
	}
	store, err := open(ctx, dsn, opts)
	if err == nil {
		return store, nil
	}
	if !isRecoverableWALError(err) {
		return nil, err
	}
	dbPath := dbPathFromDSN(dsn)
	if dbPath == "" || !isWALStale(dbPath) {
		return nil, err
	}
	removeStaleWAL(dbPath)

	store, retryErr := open(ctx, dsn, opts)
	if retryErr != nil {
		return nil, types.Wrap(types.KindConnection, retryErr, "sqlite: failed after WAL recovery (original: %v)", err)
	}
	if opts.Logger != nil {
		opts.Logger.Warn("recovered from stale WAL files", "path", dbPath)
	}
	return store, nil
}

// OpenDir opens DatabaseFile inside dir, creating the directory.
func OpenDir(ctx context.Context, dir string, opts sqlstore.Options) (*sqlstore.Store, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, types.Wrap(types.KindConfiguration, err, "sqlite: create data dir %s", dir)
	}
	return Open(ctx, filepath.Join(dir, DatabaseFile), opts)
}

func open(ctx context.Context, dsn string, opts sqlstore.Options) (*sqlstore.Store, error) {
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, types.Wrap(types.KindConnection, err, "sqlite: open %s", dsn)
	}

	// One connection serialises writers and keeps ":memory:" databases alive.
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)
	db.SetConnMaxLifetime(0)

	for _, pragma := range []string{
		"PRAGMA journal_mode=WAL",
		"PRAGMA busy_timeout = 5000",
		"PRAGMA foreign_keys=ON",
	} {
		if _, err := db.ExecContext(ctx, pragma); err != nil {
			db.Close()
			return nil, types.Wrap(types.KindConnection, err, "sqlite: %s", pragma)
		}
	}

	store, err := sqlstore.Open(ctx, db, Dialect{}, opts)
	if err != nil {
		db.Close()
		return nil, err
	}
	return store, nil
}

// dbPathFromDSN extracts the filesystem path from a bare path or file: URI.
// In-memory databases yield "".
func dbPathFromDSN(dsn string) string {
	if dsn == ":memory:" || dsn == "" {
		return ""
	}
	if strings.HasPrefix(dsn, "file:") {
		u, err := url.Parse(dsn)
		if err != nil {
			return ""
		}
		path := u.Path
		if path == "" {
			path = u.Opaque
		}
		if path == ":memory:" {
			return ""
		}
		return path
	}
	return dsn
}

func isRecoverableWALError(err error) bool {
	if err == nil {
		return false
	}
	msg := err.Error()
	return strings.Contains(msg, "disk I/O error") || strings.Contains(msg, "database is locked")
}

// isWALStale reports whether -wal/-shm files exist and no process holds
// them open. Without lsof it answers false.
func isWALStale(dbPath string) bool {
	shm, wal := dbPath+"-shm", dbPath+"-wal"
	if !fileExists(shm) && !fileExists(wal) {
		return false
	}
	lsof, err := exec.LookPath("lsof")
	if err != nil {
		return false
	}
	out, err := exec.Command(lsof, "-t", dbPath, shm, wal).Output()
	if err != nil {
		// lsof exits 1 when nothing holds the files.
		return true
	}
	return strings.TrimSpace(string(out)) == ""
}

func removeStaleWAL(dbPath string) {
	for _, suffix := range []string{"-shm", "-wal"} {
		_ = os.Remove(dbPath + suffix)
	}
}

func fileExists(path string) bool {
	_, err := os.Stat(path)
	return err == nil
}
