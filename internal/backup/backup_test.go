package backup

import (
	"context"
	"database/sql"
	"fmt"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/scrypster/locai/internal/retention"
	"github.com/scrypster/locai/pkg/types"
)

func createDB(t *testing.T, path string, rows int) {
	t.Helper()
	db, err := sql.Open("sqlite", path)
	require.NoError(t, err)
	defer func() { _ = db.Close() }()
	_, err = db.Exec("CREATE TABLE IF NOT EXISTS memories (id TEXT PRIMARY KEY, content TEXT)")
	require.NoError(t, err)
	_, err = db.Exec("DELETE FROM memories")
	require.NoError(t, err)
	for i := 0; i < rows; i++ {
		_, err = db.Exec("INSERT INTO memories VALUES (?, ?)", fmt.Sprintf("m%d", i), "content")
		require.NoError(t, err)
	}
}

func countRows(t *testing.T, path string) int {
	t.Helper()
	db, err := sql.Open("sqlite", path)
	require.NoError(t, err)
	defer func() { _ = db.Close() }()
	var n int
	require.NoError(t, db.QueryRow("SELECT COUNT(*) FROM memories").Scan(&n))
	return n
}

func newService(t *testing.T, opts ...Option) (*Service, string) {
	t.Helper()
	dir := t.TempDir()
	dbPath := filepath.Join(dir, "locai.db")
	createDB(t, dbPath, 3)
	svc, err := NewService(Config{DBPath: dbPath, Dir: filepath.Join(dir, "backups"), Verify: true}, opts...)
	require.NoError(t, err)
	return svc, dbPath
}

func TestNewServiceValidation(t *testing.T) {
	_, err := NewService(Config{Dir: t.TempDir()})
	assert.True(t, types.IsKind(err, types.KindConfiguration))
	_, err = NewService(Config{DBPath: "x.db"})
	assert.True(t, types.IsKind(err, types.KindConfiguration))
	_, err = NewService(Config{DBPath: "x.db", Dir: t.TempDir(), Retention: retention.Policy{Daily: -1}})
	assert.True(t, types.IsKind(err, types.KindConfiguration))
}

func TestBackupNow(t *testing.T) {
	svc, _ := newService(t)
	res, err := svc.BackupNow(context.Background())
	require.NoError(t, err)
	assert.True(t, res.Verified)
	assert.Positive(t, res.Size)
	assert.Equal(t, 3, countRows(t, res.Path))

	list, err := svc.List()
	require.NoError(t, err)
	require.Len(t, list, 1)
	assert.Equal(t, res.Path, list[0].Path)
}

func TestBackupNowMissingDatabase(t *testing.T) {
	svc, err := NewService(Config{DBPath: filepath.Join(t.TempDir(), "nope.db"), Dir: t.TempDir()})
	require.NoError(t, err)
	_, err = svc.BackupNow(context.Background())
	assert.True(t, types.IsKind(err, types.KindNotFound))
}

func TestListIgnoresOtherFiles(t *testing.T) {
	svc, _ := newService(t)
	require.NoError(t, os.WriteFile(filepath.Join(svc.cfg.Dir, "readme.txt"), []byte("x"), 0o644))
	require.NoError(t, os.Mkdir(filepath.Join(svc.cfg.Dir, "sub.db"), 0o755))

	list, err := svc.List()
	require.NoError(t, err)
	assert.Empty(t, list)
}

func TestApplyRetention(t *testing.T) {
	now := time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)
	svc, _ := newService(t, WithClock(func() time.Time { return now }))
	svc.cfg.Retention = retention.Policy{Hourly: 2, Daily: 1}

	ages := []time.Duration{time.Hour, 2 * time.Hour, 3 * time.Hour, 2 * 24 * time.Hour, 3 * 24 * time.Hour, 400 * 24 * time.Hour}
	var paths []string
	for _, age := range ages {
		p := filepath.Join(svc.cfg.Dir, filePrefix+now.Add(-age).Format(timeLayout)+fileSuffix)
		require.NoError(t, os.WriteFile(p, []byte("x"), 0o644))
		paths = append(paths, p)
	}

	removed, err := svc.ApplyRetention()
	require.NoError(t, err)
	assert.ElementsMatch(t, []string{paths[2], paths[4], paths[5]}, removed)

	list, err := svc.List()
	require.NoError(t, err)
	require.Len(t, list, 3)
	assert.Equal(t, paths[0], list[0].Path, "newest first")
}

func TestApplyRetentionZeroPolicyKeepsAll(t *testing.T) {
	svc, _ := newService(t)
	old := filepath.Join(svc.cfg.Dir, filePrefix+"20000101-000000.000000"+fileSuffix)
	require.NoError(t, os.WriteFile(old, []byte("x"), 0o644))

	removed, err := svc.ApplyRetention()
	require.NoError(t, err)
	assert.Empty(t, removed)
	assert.FileExists(t, old)
}

func TestRestore(t *testing.T) {
	svc, dbPath := newService(t)
	ctx := context.Background()
	res, err := svc.BackupNow(ctx)
	require.NoError(t, err)

	createDB(t, dbPath, 7)
	require.Equal(t, 7, countRows(t, dbPath))

	require.NoError(t, svc.Restore(ctx, res.Path))
	assert.Equal(t, 3, countRows(t, dbPath))
	assert.NoFileExists(t, dbPath+".pre-restore")

	err = svc.Restore(ctx, filepath.Join(svc.cfg.Dir, "missing.db"))
	assert.True(t, types.IsKind(err, types.KindNotFound))
}

func TestRestoreRejectsCorruptBackup(t *testing.T) {
	svc, dbPath := newService(t)
	bad := filepath.Join(svc.cfg.Dir, "corrupt.db")
	require.NoError(t, os.WriteFile(bad, []byte("definitely not sqlite"), 0o644))

	assert.Error(t, svc.Restore(context.Background(), bad))
	assert.Equal(t, 3, countRows(t, dbPath), "original database survives")
}

func TestHealthCheck(t *testing.T) {
	now := time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)
	svc, _ := newService(t, WithClock(func() time.Time { return now }))

	st, err := svc.HealthCheck()
	require.NoError(t, err)
	assert.Equal(t, "healthy", st.Status)
	assert.Equal(t, "no backups yet", st.Message)

	_, err = svc.BackupNow(context.Background())
	require.NoError(t, err)
	st, err = svc.HealthCheck()
	require.NoError(t, err)
	assert.Equal(t, 1, st.TotalBackups)
	assert.Positive(t, st.DiskSpaceUsed)

	now = now.Add(5 * time.Hour)
	st, err = svc.HealthCheck()
	require.NoError(t, err)
	assert.Equal(t, "warning", st.Status)
}

func TestStartStop(t *testing.T) {
	svc, _ := newService(t)
	assert.Error(t, svc.Stop(), "not running")

	done := make(chan error, 1)
	go func() { done <- svc.Start(context.Background()) }()
	require.Eventually(t, func() bool {
		svc.mu.Lock()
		defer svc.mu.Unlock()
		return svc.running
	}, time.Second, 5*time.Millisecond)

	require.NoError(t, svc.Stop())
	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(time.Second):
		t.Fatal("Start did not return after Stop")
	}
}
