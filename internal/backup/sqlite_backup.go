package backup

import (
	"context"
	"database/sql"
	"fmt"
	"io"
	"os"
	"strings"

	_ "modernc.org/sqlite"

	"github.com/scrypster/locai/pkg/types"
)

func openReadOnly(path string) (*sql.DB, error) {
	db, err := sql.Open("sqlite", fmt.Sprintf("file:%s?mode=ro", path))
	if err != nil {
		return nil, types.Wrap(types.KindConnection, err, "open %s", path)
	}
	return db, nil
}

// backupSQLite writes a consistent copy of sourcePath to destPath with
// VACUUM INTO, which is safe while the source is in WAL mode and in use.
func backupSQLite(ctx context.Context, sourcePath, destPath string) error {
	db, err := openReadOnly(sourcePath)
	if err != nil {
		return err
	}
	defer func() { _ = db.Close() }()

	if err := db.PingContext(ctx); err != nil {
		return types.Wrap(types.KindConnection, err, "ping %s", sourcePath)
	}
	quoted := strings.ReplaceAll(destPath, "'", "''")
	if _, err := db.ExecContext(ctx, fmt.Sprintf("VACUUM INTO '%s'", quoted)); err != nil {
		return types.Wrap(types.KindQuery, err, "vacuum into %s", destPath)
	}
	return nil
}

// verifyBackup runs PRAGMA integrity_check against path.
func verifyBackup(ctx context.Context, path string) error {
	db, err := openReadOnly(path)
	if err != nil {
		return err
	}
	defer func() { _ = db.Close() }()

	var result string
	if err := db.QueryRowContext(ctx, "PRAGMA integrity_check").Scan(&result); err != nil {
		return types.Wrap(types.KindQuery, err, "integrity check %s", path)
	}
	if result != "ok" {
		return types.Errorf(types.KindValidation, "integrity check failed for %s: %s", path, result)
	}
	return nil
}

// restoreSQLite verifies backupPath and copies it over targetPath. The
// target must not be open.
func restoreSQLite(ctx context.Context, backupPath, targetPath string) error {
	if err := verifyBackup(ctx, backupPath); err != nil {
		return err
	}

	src, err := os.Open(backupPath)
	if err != nil {
		return types.Wrap(types.KindOperation, err, "open backup")
	}
	defer func() { _ = src.Close() }()

	dst, err := os.Create(targetPath)
	if err != nil {
		return types.Wrap(types.KindOperation, err, "create %s", targetPath)
	}
	defer func() { _ = dst.Close() }()

	if _, err := io.Copy(dst, src); err != nil {
		return types.Wrap(types.KindOperation, err, "copy backup")
	}
	if err := dst.Sync(); err != nil {
		return types.Wrap(types.KindOperation, err, "sync %s", targetPath)
	}
	// Stale WAL files from the replaced database would be replayed on open.
	for _, suffix := range []string{"-wal", "-shm"} {
		_ = os.Remove(targetPath + suffix)
	}
	return verifyBackup(ctx, targetPath)
}
