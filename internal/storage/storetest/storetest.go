// Package storetest is a conformance suite every storage backend runs from
// its own tests, so the backends stay interchangeable.
package storetest

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/scrypster/locai/internal/storage"
	"github.com/scrypster/locai/pkg/types"
)

// Factory returns a fresh, empty store. The suite closes it.
type Factory func(t *testing.T) storage.Store

// Run executes the whole suite against stores produced by newStore.
func Run(t *testing.T, newStore Factory) {
	tests := []struct {
		name string
		fn   func(t *testing.T, s storage.Store)
	}{
		{"MemoryCRUD", testMemoryCRUD},
		{"MemoryFilters", testMemoryFilters},
		{"Expiry", testExpiry},
		{"AccessUpdates", testAccessUpdates},
		{"LexicalSearch", testLexicalSearch},
		{"EntitiesAndRelationships", testEntitiesAndRelationships},
		{"Vectors", testVectors},
		{"Versions", testVersions},
		{"RelationshipTypes", testRelationshipTypes},
		{"Transactions", testTransactions},
		{"ClearAndMetadata", testClearAndMetadata},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			s := newStore(t)
			t.Cleanup(func() { _ = s.Close() })
			tt.fn(t, s)
		})
	}
}

func memory(id, content string) *types.Memory {
	m := types.NewMemory(id, content, types.MemoryTypeFact)
	m.CreatedAt = time.Now().UTC().Truncate(time.Millisecond)
	return m
}

func memoryIDs(ms []*types.Memory) []string {
	out := make([]string, len(ms))
	for i, m := range ms {
		out[i] = m.ID
	}
	return out
}

func testMemoryCRUD(t *testing.T, s storage.Store) {
	ctx := context.Background()

	m := memory("m1", "Paris is the capital of France")
	m.Tags = []string{"geo", "europe"}
	m.Source = "import"
	m.Properties = map[string]any{"lang": "en"}
	require.NoError(t, s.CreateMemory(ctx, m))

	got, err := s.GetMemory(ctx, "m1")
	require.NoError(t, err)
	require.NotNil(t, got)
	assert.Equal(t, "m1", got.ID)
	assert.Equal(t, m.Content, got.Content)
	assert.Equal(t, uint32(0), got.AccessCount)
	assert.Nil(t, got.LastAccessed)
	assert.Equal(t, types.PriorityNormal, got.Priority)
	assert.ElementsMatch(t, []string{"geo", "europe"}, got.Tags)
	assert.Equal(t, "import", got.Source)
	assert.Equal(t, "en", got.Properties["lang"])
	assert.True(t, m.CreatedAt.Equal(got.CreatedAt))

	err = s.CreateMemory(ctx, memory("m1", "duplicate"))
	assert.True(t, types.IsKind(err, types.KindAlreadyExists), "got %v", err)

	missing, err := s.GetMemory(ctx, "nope")
	require.NoError(t, err)
	assert.Nil(t, missing)

	got.Content = "Paris is the capital and largest city of France"
	got.Priority = types.PriorityHigh
	require.NoError(t, s.UpdateMemory(ctx, got))
	updated, err := s.GetMemory(ctx, "m1")
	require.NoError(t, err)
	assert.Equal(t, got.Content, updated.Content)
	assert.Equal(t, types.PriorityHigh, updated.Priority)

	err = s.UpdateMemory(ctx, memory("ghost", "never stored"))
	assert.True(t, types.IsKind(err, types.KindNotFound), "got %v", err)

	err = s.CreateMemory(ctx, memory("empty", "   "))
	assert.True(t, types.IsKind(err, types.KindValidation), "got %v", err)

	deleted, err := s.DeleteMemory(ctx, "m1")
	require.NoError(t, err)
	assert.True(t, deleted)
	deleted, err = s.DeleteMemory(ctx, "m1")
	require.NoError(t, err)
	assert.False(t, deleted)
}

func testMemoryFilters(t *testing.T, s storage.Store) {
	ctx := context.Background()
	base := time.Now().UTC().Truncate(time.Millisecond)

	fixtures := []struct {
		id, content string
		typ         types.MemoryType
		tags        []string
		props       map[string]any
	}{
		{"a", "Go has goroutines", types.MemoryTypeFact, []string{"go", "lang"}, map[string]any{"author": map[string]any{"name": "rob"}, "rank": 3}},
		{"b", "Met Ada at the conference", types.MemoryTypeEpisodic, []string{"people"}, map[string]any{"rank": 1}},
		{"c", "Rust has ownership 100% of the time", types.MemoryTypeFact, []string{"lang"}, map[string]any{"author": map[string]any{"name": "graydon"}}},
		{"d", "Prefer tabs", types.MemoryTypeIdentity, nil, nil},
	}
	for i, f := range fixtures {
		m := memory(f.id, f.content)
		m.MemoryType = f.typ
		m.Tags = f.tags
		m.Properties = f.props
		m.CreatedAt = base.Add(time.Duration(i) * time.Second)
		require.NoError(t, s.CreateMemory(ctx, m))
	}

	list := func(f *storage.MemoryFilter) []string {
		t.Helper()
		ms, err := s.ListMemories(ctx, f, 0, 0)
		require.NoError(t, err)
		return memoryIDs(ms)
	}

	assert.Equal(t, []string{"a", "b", "c", "d"}, list(nil))
	assert.Equal(t, []string{"a", "c"}, list(&storage.MemoryFilter{MemoryType: types.MemoryTypeFact}))
	assert.Equal(t, []string{"a", "c"}, list(&storage.MemoryFilter{Tags: []string{"lang"}}))
	assert.Equal(t, []string{"a", "b"}, list(&storage.MemoryFilter{Tags: []string{"go", "people"}}))
	assert.Equal(t, []string{"b"}, list(&storage.MemoryFilter{Content: "ADA"}))
	assert.Equal(t, []string{"c"}, list(&storage.MemoryFilter{Content: "100%"}))
	assert.Equal(t, []string{"a"}, list(&storage.MemoryFilter{Properties: map[string]any{"author.name": "rob"}}))
	assert.Equal(t, []string{"a"}, list(&storage.MemoryFilter{Properties: map[string]any{"rank": 3}}))
	assert.Equal(t, []string{"c", "d"}, list(&storage.MemoryFilter{CreatedAfter: base.Add(time.Second)}))
	assert.Equal(t, []string{"a"}, list(&storage.MemoryFilter{CreatedBefore: base.Add(time.Second)}))
	assert.Equal(t, []string{"b", "c"}, list(&storage.MemoryFilter{IDs: []string{"c", "b", "zz"}}))

	page, err := s.ListMemories(ctx, nil, 2, 1)
	require.NoError(t, err)
	assert.Equal(t, []string{"b", "c"}, memoryIDs(page))

	n, err := s.CountMemories(ctx, &storage.MemoryFilter{MemoryType: types.MemoryTypeFact})
	require.NoError(t, err)
	assert.Equal(t, 2, n)
}

func testExpiry(t *testing.T, s storage.Store) {
	ctx := context.Background()
	past := time.Now().UTC().Add(-time.Minute)
	future := time.Now().UTC().Add(time.Hour)

	expired := memory("old", "expired note about caching")
	expired.CreatedAt = past.Add(-time.Hour)
	expired.ExpiresAt = &past
	require.NoError(t, s.CreateMemory(ctx, expired))

	live := memory("new", "live note about caching")
	live.ExpiresAt = &future
	require.NoError(t, s.CreateMemory(ctx, live))

	ms, err := s.ListMemories(ctx, nil, 0, 0)
	require.NoError(t, err)
	assert.Equal(t, []string{"new"}, memoryIDs(ms))

	ms, err = s.ListMemories(ctx, &storage.MemoryFilter{IncludeExpired: true}, 0, 0)
	require.NoError(t, err)
	assert.Equal(t, []string{"old", "new"}, memoryIDs(ms))

	hits, err := s.SearchMemories(ctx, "caching", 10)
	require.NoError(t, err)
	require.Len(t, hits, 1)
	assert.Equal(t, "new", hits[0].Memory.ID)

	removed, err := s.DeleteExpiredMemories(ctx, time.Now().UTC())
	require.NoError(t, err)
	assert.Equal(t, 1, removed)

	n, err := s.CountMemories(ctx, &storage.MemoryFilter{IncludeExpired: true})
	require.NoError(t, err)
	assert.Equal(t, 1, n)
}

func testAccessUpdates(t *testing.T, s storage.Store) {
	ctx := context.Background()
	m := memory("m", "counted memory")
	require.NoError(t, s.CreateMemory(ctx, m))

	later := m.CreatedAt.Add(time.Minute)
	require.NoError(t, s.ApplyAccessUpdates(ctx, []storage.AccessUpdate{
		{MemoryID: "m", Delta: 3, Timestamp: later},
		{MemoryID: "missing", Delta: 1, Timestamp: later},
	}))
	got, err := s.GetMemory(ctx, "m")
	require.NoError(t, err)
	assert.Equal(t, uint32(3), got.AccessCount)
	require.NotNil(t, got.LastAccessed)
	assert.True(t, later.Equal(*got.LastAccessed))

	// An older timestamp never moves last_accessed backwards.
	require.NoError(t, s.ApplyAccessUpdates(ctx, []storage.AccessUpdate{
		{MemoryID: "m", Delta: types.MaxAccessCount, Timestamp: m.CreatedAt.Add(-time.Hour)},
	}))
	got, err = s.GetMemory(ctx, "m")
	require.NoError(t, err)
	assert.Equal(t, uint32(types.MaxAccessCount), got.AccessCount)
	assert.True(t, later.Equal(*got.LastAccessed))

	// A stale full update cannot lower the counter.
	stale := got.Clone()
	stale.AccessCount = 1
	stale.LastAccessed = nil
	require.NoError(t, s.UpdateMemory(ctx, stale))
	got, err = s.GetMemory(ctx, "m")
	require.NoError(t, err)
	assert.Equal(t, uint32(types.MaxAccessCount), got.AccessCount)
	require.NotNil(t, got.LastAccessed)
}

func testLexicalSearch(t *testing.T, s storage.Store) {
	ctx := context.Background()
	for _, m := range []*types.Memory{
		memory("a", "the quick brown fox"),
		memory("b", "fox fox fox den"),
		memory("c", "unrelated content here"),
	} {
		require.NoError(t, s.CreateMemory(ctx, m))
	}

	hits, err := s.SearchMemories(ctx, "fox", 10)
	require.NoError(t, err)
	require.Len(t, hits, 2)
	assert.Equal(t, "b", hits[0].Memory.ID)
	assert.Equal(t, "a", hits[1].Memory.ID)
	assert.Greater(t, hits[0].Score, hits[1].Score)
	assert.Greater(t, hits[1].Score, 0.0)

	hits, err = s.SearchMemories(ctx, "fox", 1)
	require.NoError(t, err)
	assert.Len(t, hits, 1)

	hits, err = s.SearchMemories(ctx, `"quick" AND (unbalanced`, 10)
	require.NoError(t, err)
	assert.NotEmpty(t, hits)

	_, err = s.SearchMemories(ctx, "   ", 10)
	assert.True(t, types.IsKind(err, types.KindEmptySearchQuery), "got %v", err)
}

func testEntitiesAndRelationships(t *testing.T, s storage.Store) {
	ctx := context.Background()
	require.NoError(t, s.CreateMemory(ctx, memory("m1", "Ada wrote the first program")))
	require.NoError(t, s.CreateMemory(ctx, memory("m2", "The analytical engine")))

	ada := types.NewEntity("ada", types.EntityTypePerson)
	ada.Properties = map[string]any{"name": "Ada Lovelace"}
	require.NoError(t, s.CreateEntity(ctx, ada))
	assert.True(t, types.IsKind(s.CreateEntity(ctx, types.NewEntity("ada", types.EntityTypePerson)), types.KindAlreadyExists))

	got, err := s.GetEntity(ctx, "ada")
	require.NoError(t, err)
	require.NotNil(t, got)
	assert.Equal(t, "Ada Lovelace", got.Properties["name"])

	got.Properties["born"] = 1815
	require.NoError(t, s.UpdateEntity(ctx, got))
	got, err = s.GetEntity(ctx, "ada")
	require.NoError(t, err)
	assert.EqualValues(t, 1815, got.Properties["born"])
	assert.False(t, got.UpdatedAt.Before(got.CreatedAt))
	assert.True(t, types.IsKind(s.UpdateEntity(ctx, types.NewEntity("ghost", "x")), types.KindNotFound))

	edges := []*types.Relationship{
		types.NewRelationship("r1", "m1", "ada", "mentions"),
		types.NewRelationship("r2", "ada", "m1", "mentioned_in"),
		types.NewRelationship("r3", "m1", "m2", "references"),
	}
	for _, r := range edges {
		require.NoError(t, s.CreateRelationship(ctx, r))
	}
	err = s.CreateRelationship(ctx, types.NewRelationship("bad", "m1", "nowhere", "mentions"))
	assert.True(t, types.IsKind(err, types.KindValidation), "got %v", err)

	out, err := s.GetNeighbors(ctx, "m1", "", types.DirectionOutgoing)
	require.NoError(t, err)
	assert.ElementsMatch(t, []string{"r1", "r3"}, relationshipIDs(out))

	in, err := s.GetNeighbors(ctx, "m1", "", types.DirectionIncoming)
	require.NoError(t, err)
	assert.Equal(t, []string{"r2"}, relationshipIDs(in))

	both, err := s.GetNeighbors(ctx, "m1", "references", types.DirectionBoth)
	require.NoError(t, err)
	assert.Equal(t, []string{"r3"}, relationshipIDs(both))

	related, err := s.ListEntities(ctx, &storage.EntityFilter{RelatedTo: "m1"}, 0, 0)
	require.NoError(t, err)
	require.Len(t, related, 1)
	assert.Equal(t, "ada", related[0].ID)

	byType, err := s.ListRelationships(ctx, &storage.RelationshipFilter{RelationshipType: "mentions"}, 0, 0)
	require.NoError(t, err)
	assert.Equal(t, []string{"r1"}, relationshipIDs(byType))

	r3, err := s.GetRelationship(ctx, "r3")
	require.NoError(t, err)
	r3.Properties = map[string]any{"weight": 0.5}
	r3.SourceID = "ada"
	require.NoError(t, s.UpdateRelationship(ctx, r3))
	r3, err = s.GetRelationship(ctx, "r3")
	require.NoError(t, err)
	assert.Equal(t, "m1", r3.SourceID, "endpoints are immutable")
	assert.Equal(t, 0.5, r3.Properties["weight"])

	// Deleting a node removes every edge touching it.
	deleted, err := s.DeleteMemory(ctx, "m1")
	require.NoError(t, err)
	assert.True(t, deleted)
	n, err := s.CountRelationships(ctx, nil)
	require.NoError(t, err)
	assert.Equal(t, 0, n)

	deleted, err = s.DeleteEntity(ctx, "ada")
	require.NoError(t, err)
	assert.True(t, deleted)
	n, err = s.CountEntities(ctx, nil)
	require.NoError(t, err)
	assert.Equal(t, 0, n)
}

func relationshipIDs(rs []*types.Relationship) []string {
	out := make([]string, len(rs))
	for i, r := range rs {
		out[i] = r.ID
	}
	return out
}

func testVectors(t *testing.T, s storage.Store) {
	ctx := context.Background()

	m := memory("m", "embedded memory")
	m.Embedding = []float32{1, 0, 0}
	require.NoError(t, s.CreateMemory(ctx, m))

	got, err := s.GetMemory(ctx, "m")
	require.NoError(t, err)
	assert.Equal(t, []float32{1, 0, 0}, got.Embedding)

	v, err := s.GetVector(ctx, "m")
	require.NoError(t, err)
	require.NotNil(t, v)
	assert.Equal(t, "m", v.SourceID)
	assert.Equal(t, 3, v.Dimension)

	require.NoError(t, s.UpsertVector(ctx, types.NewVector("v2", "", []float32{0, 1, 0})))
	require.NoError(t, s.UpsertVector(ctx, types.NewVector("v3", "", []float32{0.9, 0.1, 0})))

	err = s.UpsertVector(ctx, types.NewVector("v4", "", []float32{1, 0}))
	assert.True(t, types.IsKind(err, types.KindValidation), "dimension is fixed by the first vector: %v", err)

	matches, err := s.SearchVectors(ctx, []float32{1, 0, 0}, 2, nil)
	require.NoError(t, err)
	require.Len(t, matches, 2)
	assert.Equal(t, "m", matches[0].Vector.ID)
	assert.Equal(t, "v3", matches[1].Vector.ID)
	assert.InDelta(t, 1.0, matches[0].Similarity, 1e-6)

	filtered, err := s.SearchVectors(ctx, []float32{1, 0, 0}, 10, &storage.VectorFilter{IDs: []string{"v2"}})
	require.NoError(t, err)
	require.Len(t, filtered, 1)
	assert.Equal(t, "v2", filtered[0].Vector.ID)

	_, err = s.SearchVectors(ctx, nil, 10, nil)
	assert.True(t, types.IsKind(err, types.KindValidation))

	// Dropping the embedding removes the memory's vector.
	got.Embedding = nil
	require.NoError(t, s.UpdateMemory(ctx, got))
	v, err = s.GetVector(ctx, "m")
	require.NoError(t, err)
	assert.Nil(t, v)

	all, err := s.ListVectors(ctx, nil, 0, 0)
	require.NoError(t, err)
	assert.Len(t, all, 2)

	deleted, err := s.DeleteVector(ctx, "v2")
	require.NoError(t, err)
	assert.True(t, deleted)
}

func testVersions(t *testing.T, s storage.Store) {
	ctx := context.Background()
	base := time.Now().UTC().Truncate(time.Millisecond)

	for i := 0; i < 3; i++ {
		rec := &storage.VersionRecord{
			Version: types.Version{
				ID:          fmt.Sprintf("v%d", i),
				Description: fmt.Sprintf("snapshot %d", i),
				CreatedAt:   base.Add(time.Duration(i) * time.Second),
			},
			Mode: storage.VersionFull,
			Full: &storage.Snapshot{Memories: []*types.Memory{memory(fmt.Sprintf("m%d", i), "versioned")}},
		}
		require.NoError(t, s.SaveVersion(ctx, rec))
	}

	got, err := s.GetVersion(ctx, "v1")
	require.NoError(t, err)
	require.NotNil(t, got)
	assert.Equal(t, "snapshot 1", got.Version.Description)
	require.NotNil(t, got.Full)
	require.Len(t, got.Full.Memories, 1)
	assert.Equal(t, "m1", got.Full.Memories[0].ID)

	list, err := s.ListVersions(ctx, 0, 0)
	require.NoError(t, err)
	require.Len(t, list, 3)
	assert.Equal(t, "v2", list[0].Version.ID)
	assert.Equal(t, "v0", list[2].Version.ID)

	deleted, err := s.DeleteVersion(ctx, "v0")
	require.NoError(t, err)
	assert.True(t, deleted)
	missing, err := s.GetVersion(ctx, "v0")
	require.NoError(t, err)
	assert.Nil(t, missing)

	require.NoError(t, s.CreateMemory(ctx, memory("current", "will be replaced")))
	snap := &storage.Snapshot{
		Memories:      []*types.Memory{memory("x", "restored x"), memory("y", "restored y")},
		Entities:      []*types.Entity{types.NewEntity("e", types.EntityTypeConcept)},
		Relationships: []*types.Relationship{types.NewRelationship("rx", "x", "e", "mentions")},
	}
	require.NoError(t, s.ReplaceAll(ctx, snap))

	ms, err := s.ListMemories(ctx, &storage.MemoryFilter{IncludeExpired: true}, 0, 0)
	require.NoError(t, err)
	assert.Equal(t, []string{"x", "y"}, memoryIDs(ms))
	rel, err := s.GetRelationship(ctx, "rx")
	require.NoError(t, err)
	assert.NotNil(t, rel)

	remaining, err := s.ListVersions(ctx, 0, 0)
	require.NoError(t, err)
	assert.Len(t, remaining, 2, "checkout keeps version history")
}

func testRelationshipTypes(t *testing.T, s storage.Store) {
	ctx := context.Background()

	def := types.NewRelationshipTypeDef("part_of").WithInverse("has_part")
	def.Transitive = true
	require.NoError(t, s.SaveRelationshipType(ctx, def))
	require.NoError(t, s.SaveRelationshipType(ctx, types.NewRelationshipTypeDef("contradicts")))

	got, err := s.GetRelationshipType(ctx, "part_of")
	require.NoError(t, err)
	require.NotNil(t, got)
	assert.Equal(t, "has_part", got.InverseName())
	assert.True(t, got.Transitive)

	def.Version = 2
	require.NoError(t, s.SaveRelationshipType(ctx, def))
	got, err = s.GetRelationshipType(ctx, "part_of")
	require.NoError(t, err)
	assert.Equal(t, uint32(2), got.Version)

	all, err := s.ListRelationshipTypes(ctx)
	require.NoError(t, err)
	require.Len(t, all, 2)
	assert.Equal(t, "contradicts", all[0].Name)

	deleted, err := s.DeleteRelationshipType(ctx, "contradicts")
	require.NoError(t, err)
	assert.True(t, deleted)
	none, err := s.GetRelationshipType(ctx, "contradicts")
	require.NoError(t, err)
	assert.Nil(t, none)

	assert.True(t, types.IsKind(s.SaveRelationshipType(ctx, types.NewRelationshipTypeDef("bad name!")), types.KindValidation))
}

func testTransactions(t *testing.T, s storage.Store) {
	ctx := context.Background()
	if !s.Capabilities().Transactions {
		err := s.WithTx(ctx, func(storage.Store) error { return nil })
		assert.True(t, types.IsKind(err, types.KindFeatureNotEnabled), "got %v", err)
		return
	}

	boom := types.NewError(types.KindOperation, "boom")
	err := s.WithTx(ctx, func(tx storage.Store) error {
		require.NoError(t, tx.CreateMemory(ctx, memory("t1", "inside a failed transaction")))
		require.NoError(t, tx.CreateEntity(ctx, types.NewEntity("te", types.EntityTypeConcept)))
		return boom
	})
	assert.ErrorIs(t, err, boom)

	m, err := s.GetMemory(ctx, "t1")
	require.NoError(t, err)
	assert.Nil(t, m, "rolled back")
	e, err := s.GetEntity(ctx, "te")
	require.NoError(t, err)
	assert.Nil(t, e, "rolled back")

	require.NoError(t, s.WithTx(ctx, func(tx storage.Store) error {
		return tx.CreateMemory(ctx, memory("t2", "inside a committed transaction"))
	}))
	m, err = s.GetMemory(ctx, "t2")
	require.NoError(t, err)
	assert.NotNil(t, m)
}

func testClearAndMetadata(t *testing.T, s storage.Store) {
	ctx := context.Background()
	require.NoError(t, s.HealthCheck(ctx))

	m := memory("m", "metadata memory")
	m.Embedding = []float32{0.5, 0.5}
	require.NoError(t, s.CreateMemory(ctx, m))
	require.NoError(t, s.CreateEntity(ctx, types.NewEntity("e", types.EntityTypeConcept)))

	md, err := s.Metadata(ctx)
	require.NoError(t, err)
	assert.NotEmpty(t, md.Backend)
	assert.Equal(t, 1, md.MemoryCount)
	assert.Equal(t, 1, md.EntityCount)
	assert.Equal(t, 1, md.VectorCount)
	assert.Equal(t, 2, md.VectorDimension)

	require.NoError(t, s.Clear(ctx))
	md, err = s.Metadata(ctx)
	require.NoError(t, err)
	assert.Zero(t, md.MemoryCount)
	assert.Zero(t, md.EntityCount)
	assert.Zero(t, md.VectorDimension, "clearing releases the dimension lock")
}
