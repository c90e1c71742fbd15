package main

import (
	"bytes"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/scrypster/locai/internal/config"
	"github.com/scrypster/locai/pkg/types"
)

func run(t *testing.T, args ...string) (string, error) {
	t.Helper()
	t.Setenv(config.EnvConfigFile, "")
	var buf bytes.Buffer
	cmd := newRootCmd()
	cmd.SetOut(&buf)
	cmd.SetErr(&buf)
	cmd.SetArgs(args)
	err := cmd.Execute()
	return buf.String(), err
}

func writeBatch(t *testing.T, dir, body string) string {
	t.Helper()
	path := filepath.Join(dir, "ops.json")
	require.NoError(t, os.WriteFile(path, []byte(body), 0o600))
	return path
}

const twoMemories = `{"operations": [
  {"op": "create_memory", "data": {"id": "go-1", "content": "golang channels and goroutines"}},
  {"op": "create_memory", "data": {"id": "py-1", "content": "python generators"}}
]}`

func TestBatchSearchAndVersions(t *testing.T) {
	data := t.TempDir()
	file := writeBatch(t, t.TempDir(), twoMemories)

	out, err := run(t, "batch", "apply", file, "--data-dir", data)
	require.NoError(t, err, out)
	assert.Contains(t, out, "2 completed, 0 failed")

	out, err = run(t, "search", "golang", "--data-dir", data)
	require.NoError(t, err, out)
	assert.Contains(t, out, "go-1")
	assert.NotContains(t, out, "py-1")

	out, err = run(t, "version", "create", "first", "--data-dir", data)
	require.NoError(t, err, out)
	assert.Contains(t, out, "created version")

	out, err = run(t, "version", "list", "--data-dir", data)
	require.NoError(t, err, out)
	assert.Contains(t, out, "first")
	assert.Contains(t, out, "generic")

	_, err = run(t, "version", "checkout", "missing", "--data-dir", data)
	assert.True(t, types.IsKind(err, types.KindNotFound))
}

func TestTransactionalBatchFailure(t *testing.T) {
	data := t.TempDir()
	file := writeBatch(t, t.TempDir(), `[
  {"op": "create_memory", "data": {"id": "a", "content": "alpha"}},
  {"op": "create_memory", "data": {"id": "a", "content": "again"}}
]`)

	out, err := run(t, "batch", "apply", file, "--transactional", "--data-dir", data)
	require.Error(t, err)
	assert.Contains(t, out, "0 completed, 2 failed")
	assert.Contains(t, out, "aborted")

	out, err = run(t, "search", "alpha", "--data-dir", data)
	require.NoError(t, err)
	assert.Contains(t, out, "no matches")
}

func TestBackup(t *testing.T) {
	data := t.TempDir()
	dest := t.TempDir()
	file := writeBatch(t, t.TempDir(), twoMemories)
	_, err := run(t, "batch", "apply", file, "--data-dir", data)
	require.NoError(t, err)

	out, err := run(t, "backup", "--dest", dest, "--data-dir", data)
	require.NoError(t, err, out)
	assert.Contains(t, out, "backup written to")
	assert.Contains(t, out, "integrity check passed")

	out, err = run(t, "backup", "list", "--dest", dest, "--data-dir", data)
	require.NoError(t, err, out)
	assert.Contains(t, out, "locai-backup-")

	out, err = run(t, "backup", "health", "--dest", dest, "--data-dir", data)
	require.NoError(t, err, out)
	assert.Contains(t, out, "status:  healthy")

	_, err = run(t, "backup", "--backend", "memory")
	assert.True(t, types.IsKind(err, types.KindFeatureNotEnabled))
}

func TestConfigInitAndShow(t *testing.T) {
	path := filepath.Join(t.TempDir(), "locai.yaml")
	out, err := run(t, "config", "init", path)
	require.NoError(t, err, out)
	assert.FileExists(t, path)

	out, err = run(t, "config", "show", "--config", path, "--backend", "memory")
	require.NoError(t, err, out)
	assert.Contains(t, out, "backend: memory")
	assert.Contains(t, out, "namespace: locai")
}

func TestSearchRejectsUnknownPreset(t *testing.T) {
	_, err := run(t, "search", "x", "--preset", "loudest", "--backend", "memory")
	assert.True(t, types.IsKind(err, types.KindValidation))
}

func TestSnippet(t *testing.T) {
	assert.Equal(t, "a b", snippet("a\n  b", 10))
	assert.Equal(t, "abcd…", snippet("abcdefgh", 5))
}
