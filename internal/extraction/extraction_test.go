package extraction

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/scrypster/locai/internal/storage"
	"github.com/scrypster/locai/internal/storage/memory"
	"github.com/scrypster/locai/pkg/types"
)

func texts(es []Entity) map[string]string {
	out := make(map[string]string, len(es))
	for _, e := range es {
		out[e.Text] = e.EntityType
	}
	return out
}

func TestPatternExtractor(t *testing.T) {
	ex := NewPatternExtractor(0)
	content := "Mail ada@example.com or see https://example.com/docs before 2024-03-15 at 10:30 AM. " +
		"It costs $1,200.50, call (555) 123-4567."

	got, err := ex.Extract(context.Background(), content)
	require.NoError(t, err)

	assert.Equal(t, map[string]string{
		"ada@example.com":          types.EntityTypeEmail,
		"https://example.com/docs": types.EntityTypeURL,
		"2024-03-15":               types.EntityTypeDate,
		"10:30 AM":                 types.EntityTypeTime,
		"$1,200.50":                types.EntityTypeMoney,
		"(555) 123-4567":           types.EntityTypePhoneNumber,
	}, texts(got))

	for i := 1; i < len(got); i++ {
		assert.LessOrEqual(t, got[i-1].End, got[i].Start, "matches are ordered and disjoint")
	}
	for _, e := range got {
		assert.Equal(t, e.Text, content[e.Start:e.End])
		assert.Equal(t, "pattern", e.Extractor)
	}
}

func TestPatternExtractorConfidenceThreshold(t *testing.T) {
	got, err := NewPatternExtractor(0.9).Extract(context.Background(), "on 2024-03-15 write to a@b.io")
	require.NoError(t, err)
	assert.Equal(t, map[string]string{"a@b.io": types.EntityTypeEmail}, texts(got))
}

func TestPatternExtractorCancelled(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err := NewPatternExtractor(0).Extract(ctx, "a@b.io")
	assert.True(t, types.IsKind(err, types.KindTimeout))
}

func TestDeduplicate(t *testing.T) {
	in := []Entity{
		{Text: "A@B.io", EntityType: types.EntityTypeEmail, Confidence: 0.5},
		{Text: "x.org", EntityType: types.EntityTypeURL, Confidence: 0.9},
		{Text: "a@b.io", EntityType: types.EntityTypeEmail, Confidence: 0.95},
	}
	out := Deduplicate(in)
	require.Len(t, out, 2)
	assert.Equal(t, "a@b.io", out[0].Text)
	assert.Equal(t, 0.95, out[0].Confidence)
	assert.Equal(t, EntityID(in[0]), EntityID(in[2]))
}

func newStore(t *testing.T) *memory.Store {
	t.Helper()
	st := memory.New(memory.Options{Namespace: "extraction"})
	t.Cleanup(func() { _ = st.Close() })
	return st
}

func TestProcessLinksEntities(t *testing.T) {
	st := newStore(t)
	ctx := context.Background()
	require.NoError(t, st.CreateMemory(ctx, types.NewMemory("m1", "email ada@example.com", types.MemoryTypeFact)))
	require.NoError(t, st.CreateMemory(ctx, types.NewMemory("m2", "ADA@example.com again", types.MemoryTypeFact)))

	p := NewPipeline(st, NewPatternExtractor(0), Config{}, nil)
	r1, err := p.Process(ctx, "m1")
	require.NoError(t, err)
	r2, err := p.Process(ctx, "m2")
	require.NoError(t, err)

	require.Len(t, r1.Entities, 1)
	assert.Equal(t, r1.Entities, r2.Entities, "one entity for both spellings")

	ent, err := st.GetEntity(ctx, r1.Entities[0])
	require.NoError(t, err)
	require.NotNil(t, ent)
	assert.Equal(t, types.EntityTypeEmail, ent.EntityType)
	assert.Equal(t, "ada@example.com", ent.Properties["normalized"])

	// Reprocessing is idempotent.
	again, err := p.Process(ctx, "m1")
	require.NoError(t, err)
	assert.Equal(t, r1.Relationships, again.Relationships)
	n, err := st.CountRelationships(ctx, &storage.RelationshipFilter{RelationshipType: DefaultRelationshipType})
	require.NoError(t, err)
	assert.Equal(t, 2, n)

	res, err := p.Process(ctx, "gone")
	require.NoError(t, err)
	assert.Empty(t, res.Entities)
}

func TestPipelineWorkers(t *testing.T) {
	st := newStore(t)
	ctx := context.Background()
	for _, id := range []string{"a", "b", "c"} {
		require.NoError(t, st.CreateMemory(ctx, types.NewMemory(id, id+"@example.com", types.MemoryTypeFact)))
	}

	var (
		mu   sync.Mutex
		done []string
	)
	p := NewPipeline(st, NewPatternExtractor(0), Config{Workers: 2, QueueSize: 8}, nil)
	p.OnProcessed = func(r Result, err error) {
		assert.NoError(t, err)
		mu.Lock()
		done = append(done, r.MemoryID)
		mu.Unlock()
	}
	p.Start(ctx)
	for _, id := range []string{"a", "b", "c"} {
		assert.True(t, p.Enqueue(id))
	}
	require.NoError(t, p.Stop(ctx))
	assert.ElementsMatch(t, []string{"a", "b", "c"}, done)
	assert.False(t, p.Enqueue("a"), "stopped pipeline refuses work")

	n, err := st.CountEntities(ctx, nil)
	require.NoError(t, err)
	assert.Equal(t, 3, n)
}

func TestEnqueueDropsWhenFull(t *testing.T) {
	p := NewPipeline(newStore(t), NewPatternExtractor(0), Config{QueueSize: 1, ShutdownTimeout: time.Second}, nil)
	assert.True(t, p.Enqueue("a"))
	assert.False(t, p.Enqueue("b"))
	assert.Equal(t, 1, p.Len())
	require.NoError(t, p.Stop(context.Background()))
}
