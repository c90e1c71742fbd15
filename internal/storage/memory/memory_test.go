package memory

import (
	"context"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/scrypster/locai/internal/storage"
	"github.com/scrypster/locai/internal/storage/storetest"
	"github.com/scrypster/locai/pkg/types"
)

func TestConformance(t *testing.T) {
	storetest.Run(t, func(t *testing.T) storage.Store { return New(Options{Namespace: "test"}) })
}

func TestReadsReturnCopies(t *testing.T) {
	ctx := context.Background()
	s := New(Options{})

	m := types.NewMemory("m", "original content", types.MemoryTypeFact)
	m.Properties = map[string]any{"nested": map[string]any{"k": "v"}}
	require.NoError(t, s.CreateMemory(ctx, m))

	// Mutating the caller's value after the write must not leak in.
	m.Content = "changed by caller"

	got, err := s.GetMemory(ctx, "m")
	require.NoError(t, err)
	assert.Equal(t, "original content", got.Content)

	got.Properties["nested"].(map[string]any)["k"] = "mutated"
	again, err := s.GetMemory(ctx, "m")
	require.NoError(t, err)
	assert.Equal(t, "v", again.Properties["nested"].(map[string]any)["k"])
}

func TestCustomFilterIsGJSONPath(t *testing.T) {
	ctx := context.Background()
	s := New(Options{})

	a := types.NewMemory("a", "tagged go", types.MemoryTypeFact)
	a.Tags = []string{"go"}
	a.Properties = map[string]any{"score": 0.9}
	b := types.NewMemory("b", "tagged rust", types.MemoryTypeFact)
	b.Tags = []string{"rust"}
	require.NoError(t, s.CreateMemory(ctx, a))
	require.NoError(t, s.CreateMemory(ctx, b))

	ms, err := s.ListMemories(ctx, &storage.MemoryFilter{Custom: `tags.#(=="go")`}, 0, 0)
	require.NoError(t, err)
	require.Len(t, ms, 1)
	assert.Equal(t, "a", ms[0].ID)

	ms, err = s.ListMemories(ctx, &storage.MemoryFilter{Custom: "properties.score"}, 0, 0)
	require.NoError(t, err)
	require.Len(t, ms, 1)
	assert.Equal(t, "a", ms[0].ID)
}

func TestPropertyPathEscaping(t *testing.T) {
	assert.Equal(t, "properties.author.name", propertyPath("author.name"))
	assert.Equal(t, `properties.a\*b`, propertyPath("a*b"))
}

func TestZeroVectorsScoreZero(t *testing.T) {
	ctx := context.Background()
	s := New(Options{})

	require.NoError(t, s.UpsertVector(ctx, types.NewVector("zero", "", []float32{0, 0})))
	require.NoError(t, s.UpsertVector(ctx, types.NewVector("neg", "", []float32{-1, 0})))
	require.NoError(t, s.UpsertVector(ctx, types.NewVector("pos", "", []float32{1, 0})))

	matches, err := s.SearchVectors(ctx, []float32{1, 0}, 0, nil)
	require.NoError(t, err)
	require.Len(t, matches, 3)
	assert.Equal(t, "pos", matches[0].Vector.ID)
	assert.Equal(t, "zero", matches[1].Vector.ID)
	assert.Equal(t, "neg", matches[2].Vector.ID)
	assert.Zero(t, matches[1].Similarity)
}

func TestConcurrentWriters(t *testing.T) {
	ctx := context.Background()
	s := New(Options{})
	require.NoError(t, s.CreateMemory(ctx, types.NewMemory("hot", "contended memory", types.MemoryTypeFact)))

	var wg sync.WaitGroup
	for i := 0; i < 50; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_ = s.ApplyAccessUpdates(ctx, []storage.AccessUpdate{{MemoryID: "hot", Delta: 1}})
		}()
	}
	wg.Wait()

	got, err := s.GetMemory(ctx, "hot")
	require.NoError(t, err)
	assert.Equal(t, uint32(50), got.AccessCount)
}

func TestClosedStoreFails(t *testing.T) {
	s := New(Options{})
	require.NoError(t, s.Close())
	err := s.HealthCheck(context.Background())
	assert.True(t, types.IsKind(err, types.KindConnection))
}
