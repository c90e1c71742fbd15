package storage

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"io/fs"
	"path"
	"sort"
	"strconv"
	"strings"
)

// ErrNoMigration indicates no migration has been applied yet.
var ErrNoMigration = errors.New("no migration")

// MigrationManager manages database schema migrations using plain SQL files.
// It reads NNN_name.up.sql / NNN_name.down.sql files from a filesystem
// (normally an embed.FS compiled into the backend) and applies them in
// order, tracking the current version in a schema_migrations table.
// Each migration runs in its own transaction together with its version row.
type MigrationManager struct {
	db          *sql.DB
	fsys        fs.FS
	dir         string
	placeholder func(n int) string
}

// migration represents a single up/down migration pair.
type migration struct {
	version  uint
	name     string
	upFile   string
	downFile string
}

// MigrationOption customises a MigrationManager.
type MigrationOption func(*MigrationManager)

// WithPlaceholder sets the bind-parameter style (default "?").
func WithPlaceholder(fn func(n int) string) MigrationOption {
	return func(mgr *MigrationManager) { mgr.placeholder = fn }
}

// NewMigrationManager creates a new MigrationManager reading migration files
// from dir inside fsys.
func NewMigrationManager(ctx context.Context, db *sql.DB, fsys fs.FS, dir string, opts ...MigrationOption) (*MigrationManager, error) {
	if db == nil {
		return nil, fmt.Errorf("migrations: database connection is required")
	}

	if _, err := fs.Stat(fsys, dir); err != nil {
		return nil, fmt.Errorf("migrations: directory does not exist: %s: %w", dir, err)
	}

	mgr := &MigrationManager{
		db:          db,
		fsys:        fsys,
		dir:         dir,
		placeholder: func(int) string { return "?" },
	}
	for _, opt := range opts {
		opt(mgr)
	}

	// Ensure migrations tracking table exists
	if err := mgr.ensureSchemaTable(ctx); err != nil {
		return nil, fmt.Errorf("migrations: failed to create schema table: %w", err)
	}

	return mgr, nil
}

// ensureSchemaTable creates the schema_migrations table if it doesn't exist.
func (mgr *MigrationManager) ensureSchemaTable(ctx context.Context) error {
	_, err := mgr.db.ExecContext(ctx, `
		CREATE TABLE IF NOT EXISTS schema_migrations (
			version INTEGER PRIMARY KEY,
			applied_at TIMESTAMP NOT NULL DEFAULT CURRENT_TIMESTAMP
		)
	`)
	return err
}

// Up applies all pending migrations in ascending version order.
// Returns the number of migrations applied.
func (mgr *MigrationManager) Up(ctx context.Context) (int, error) {
	migrations, err := mgr.loadMigrations()
	if err != nil {
		return 0, fmt.Errorf("migrations: failed to load migration files: %w", err)
	}

	currentVersion, err := mgr.Version(ctx)
	if err != nil && !errors.Is(err, ErrNoMigration) {
		return 0, fmt.Errorf("migrations: failed to get current version: %w", err)
	}

	applied := 0
	for _, m := range migrations {
		if m.version <= currentVersion {
			continue
		}

		stmt, err := fs.ReadFile(mgr.fsys, m.upFile)
		if err != nil {
			return applied, fmt.Errorf("migrations: failed to read %s: %w", m.upFile, err)
		}

		record := fmt.Sprintf("INSERT INTO schema_migrations (version) VALUES (%s)", mgr.placeholder(1))
		if err := mgr.apply(ctx, string(stmt), record, m.version); err != nil {
			return applied, fmt.Errorf("migrations: failed to apply version %d (%s): %w", m.version, m.name, err)
		}

		applied++
	}

	return applied, nil
}

// Down rolls back all applied migrations in descending version order.
func (mgr *MigrationManager) Down(ctx context.Context) error {
	migrations, err := mgr.loadMigrations()
	if err != nil {
		return fmt.Errorf("migrations: failed to load migration files: %w", err)
	}

	currentVersion, err := mgr.Version(ctx)
	if errors.Is(err, ErrNoMigration) {
		return nil // Nothing to roll back
	}
	if err != nil {
		return fmt.Errorf("migrations: failed to get current version: %w", err)
	}

	sort.Slice(migrations, func(i, j int) bool {
		return migrations[i].version > migrations[j].version
	})

	for _, m := range migrations {
		if m.version > currentVersion || m.downFile == "" {
			continue
		}

		stmt, err := fs.ReadFile(mgr.fsys, m.downFile)
		if err != nil {
			return fmt.Errorf("migrations: failed to read %s: %w", m.downFile, err)
		}

		record := fmt.Sprintf("DELETE FROM schema_migrations WHERE version = %s", mgr.placeholder(1))
		if err := mgr.apply(ctx, string(stmt), record, m.version); err != nil {
			return fmt.Errorf("migrations: failed to roll back version %d (%s): %w", m.version, m.name, err)
		}
	}

	return nil
}

func (mgr *MigrationManager) apply(ctx context.Context, stmt, record string, version uint) error {
	tx, err := mgr.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback() //nolint:errcheck

	if _, err := tx.ExecContext(ctx, stmt); err != nil {
		return err
	}
	if _, err := tx.ExecContext(ctx, record, int64(version)); err != nil {
		return err
	}
	return tx.Commit()
}

// Version returns the highest applied migration version.
// Returns (0, ErrNoMigration) when no migration has been applied.
func (mgr *MigrationManager) Version(ctx context.Context) (uint, error) {
	var version int64
	err := mgr.db.QueryRowContext(ctx, "SELECT COALESCE(MAX(version), 0) FROM schema_migrations").Scan(&version)
	if err != nil {
		return 0, fmt.Errorf("migrations: failed to query version: %w", err)
	}

	if version == 0 {
		return 0, ErrNoMigration
	}

	return uint(version), nil
}

// loadMigrations reads and parses migration files from the directory.
// Files must be named NNN_name.up.sql (where NNN is a zero-padded integer).
// Returns migrations sorted by version ascending.
func (mgr *MigrationManager) loadMigrations() ([]migration, error) {
	entries, err := fs.ReadDir(mgr.fsys, mgr.dir)
	if err != nil {
		return nil, fmt.Errorf("migrations: failed to read directory: %w", err)
	}

	migrationMap := make(map[uint]*migration)

	for _, entry := range entries {
		if entry.IsDir() {
			continue
		}

		name := entry.Name()
		if !strings.HasSuffix(name, ".sql") {
			continue
		}

		// Parse: NNN_name.up.sql or NNN_name.down.sql
		underscoreIdx := strings.Index(name, "_")
		if underscoreIdx < 0 {
			continue
		}
		versionStr := name[:underscoreIdx]
		rest := name[underscoreIdx+1:]

		versionInt, err := strconv.ParseUint(versionStr, 10, 64)
		if err != nil {
			continue // Skip non-numeric prefix files
		}
		version := uint(versionInt)

		m, ok := migrationMap[version]
		if !ok {
			m = &migration{version: version}
			migrationMap[version] = m
		}

		fullPath := path.Join(mgr.dir, name)
		if strings.HasSuffix(rest, ".up.sql") {
			m.name = strings.TrimSuffix(rest, ".up.sql")
			m.upFile = fullPath
		} else if strings.HasSuffix(rest, ".down.sql") {
			m.downFile = fullPath
		}
	}

	migrations := make([]migration, 0, len(migrationMap))
	for _, m := range migrationMap {
		if m.upFile == "" {
			continue // Skip entries without an up file
		}
		migrations = append(migrations, *m)
	}

	sort.Slice(migrations, func(i, j int) bool {
		return migrations[i].version < migrations[j].version
	})

	return migrations, nil
}
