package sqlite

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/scrypster/locai/internal/storage"
	"github.com/scrypster/locai/internal/storage/sqlstore"
	"github.com/scrypster/locai/internal/storage/storetest"
	"github.com/scrypster/locai/pkg/types"
)

// newTestStore opens a private in-memory database.
func newTestStore(t *testing.T) *sqlstore.Store {
	t.Helper()
	store, err := Open(context.Background(), ":memory:", sqlstore.Options{Namespace: "test"})
	require.NoError(t, err)
	return store
}

func TestConformance(t *testing.T) {
	storetest.Run(t, func(t *testing.T) storage.Store { return newTestStore(t) })
}

func TestOpenDirPersists(t *testing.T) {
	ctx := context.Background()
	dir := t.TempDir()

	store, err := OpenDir(ctx, dir, sqlstore.Options{})
	require.NoError(t, err)
	require.NoError(t, store.CreateMemory(ctx, types.NewMemory("p1", "survives a reopen", types.MemoryTypeFact)))
	require.NoError(t, store.Close())

	_, err = os.Stat(filepath.Join(dir, DatabaseFile))
	require.NoError(t, err)

	reopened, err := OpenDir(ctx, dir, sqlstore.Options{})
	require.NoError(t, err)
	defer reopened.Close()

	got, err := reopened.GetMemory(ctx, "p1")
	require.NoError(t, err)
	require.NotNil(t, got)
	assert.Equal(t, "survives a reopen", got.Content)

	md, err := reopened.Metadata(ctx)
	require.NoError(t, err)
	assert.Equal(t, "sqlite", md.Backend)
	assert.Equal(t, uint(1), md.SchemaVersion)
}

func TestCustomFilterIsSQL(t *testing.T) {
	ctx := context.Background()
	store := newTestStore(t)
	defer store.Close()

	short := types.NewMemory("s", "tiny", types.MemoryTypeFact)
	long := types.NewMemory("l", "a considerably longer memory body", types.MemoryTypeFact)
	require.NoError(t, store.CreateMemory(ctx, short))
	require.NoError(t, store.CreateMemory(ctx, long))

	ms, err := store.ListMemories(ctx, &storage.MemoryFilter{Custom: "length(m.content) > 10"}, 0, 0)
	require.NoError(t, err)
	require.Len(t, ms, 1)
	assert.Equal(t, "l", ms[0].ID)
}

func TestFTSQuery(t *testing.T) {
	tests := []struct {
		in   string
		want string
	}{
		{"fox", `"fox"`},
		{"Quick fox quick", `"quick" OR "fox"`},
		{`"unbalanced (AND`, `"unbalanced" OR "and"`},
		{"?!", ""},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, ftsQuery(tt.in), tt.in)
	}
}

func TestJSONPath(t *testing.T) {
	assert.Equal(t, `$."author"."name"`, jsonPath([]string{"author", "name"}))
	assert.Equal(t, `$."we\"ird"`, jsonPath([]string{`we"ird`}))
}

func TestDBPathFromDSN(t *testing.T) {
	tests := []struct {
		dsn  string
		want string
	}{
		{":memory:", ""},
		{"", ""},
		{"/tmp/locai.db", "/tmp/locai.db"},
		{"file:/tmp/locai.db?mode=rwc", "/tmp/locai.db"},
		{"file::memory:?cache=shared", ""},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, dbPathFromDSN(tt.dsn), tt.dsn)
	}
}
