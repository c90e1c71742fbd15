package postgres

import (
	"context"
	"os"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/scrypster/locai/internal/storage"
	"github.com/scrypster/locai/internal/storage/sqlstore"
	"github.com/scrypster/locai/internal/storage/storetest"
)

// postgresTestDSN returns the DSN for the test database, skipping the test
// when LOCAI_TEST_POSTGRES_DSN is not set.
func postgresTestDSN(t *testing.T) string {
	t.Helper()
	dsn := os.Getenv("LOCAI_TEST_POSTGRES_DSN")
	if dsn == "" {
		t.Skip("LOCAI_TEST_POSTGRES_DSN not set; skipping PostgreSQL integration tests")
	}
	return dsn
}

func TestConformance(t *testing.T) {
	dsn := postgresTestDSN(t)
	storetest.Run(t, func(t *testing.T) storage.Store {
		store, err := Open(context.Background(), dsn, sqlstore.Options{Namespace: "test"})
		require.NoError(t, err)
		require.NoError(t, store.Clear(context.Background()))
		return store
	})
}

func TestRebind(t *testing.T) {
	d := &Dialect{}
	tests := []struct {
		in   string
		want string
	}{
		{"SELECT 1", "SELECT 1"},
		{"SELECT * FROM t WHERE a = ? AND b = ?", "SELECT * FROM t WHERE a = $1 AND b = $2"},
		{`x LIKE ? ESCAPE '\' AND y = ?`, `x LIKE $1 ESCAPE '\' AND y = $2`},
		{"SELECT '?' , ?", "SELECT '?' , $1"},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, d.Rebind(tt.in), tt.in)
	}
}

func TestPropertyPredicate(t *testing.T) {
	d := &Dialect{}
	clause, args := d.PropertyPredicate("m.properties", []string{"author", "name"}, `"rob"`)
	assert.Equal(t, "m.properties #> CAST(? AS text[]) = CAST(? AS jsonb)", clause)
	require.Len(t, args, 2)
	assert.Equal(t, `"rob"`, args[1])
}

func TestCandidateQuery(t *testing.T) {
	q, args := candidateQuery([]string{"fox", "den"}, 42)
	assert.Contains(t, q, "plainto_tsquery('simple', $2) || plainto_tsquery('simple', $3)")
	assert.Equal(t, []any{int64(42), "fox", "den"}, args)
}

func TestVectorIndexUnavailableByDefault(t *testing.T) {
	assert.False(t, (&Dialect{}).VectorIndexAvailable())
}
