package batch

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/scrypster/locai/internal/relationships"
	"github.com/scrypster/locai/internal/storage"
	"github.com/scrypster/locai/internal/storage/memory"
	"github.com/scrypster/locai/pkg/hooks"
	"github.com/scrypster/locai/pkg/types"
)

func newStore(t *testing.T) *memory.Store {
	t.Helper()
	st := memory.New(memory.Options{Namespace: "batch"})
	t.Cleanup(func() { _ = st.Close() })
	return st
}

func sequentialIDs() func() string {
	var n int
	return func() string {
		n++
		return fmt.Sprintf("gen-%d", n)
	}
}

func createMemory(id, content string) types.BatchOperation {
	return types.NewBatchOperation(types.CreateMemoryOp{ID: id, Content: content})
}

// recorder counts post-write notifications and optionally vetoes deletes.
type recorder struct {
	hooks.Base
	mu      sync.Mutex
	created []string
	updated []string
	veto    string
}

func (r *recorder) OnMemoryCreated(_ context.Context, m *types.Memory) hooks.Result {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.created = append(r.created, m.ID)
	return hooks.Continue()
}

func (r *recorder) OnMemoryUpdated(_ context.Context, _, current *types.Memory) hooks.Result {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.updated = append(r.updated, current.ID)
	return hooks.Continue()
}

func (r *recorder) BeforeMemoryDeleted(_ context.Context, m *types.Memory) hooks.Result {
	if m.ID == r.veto {
		return hooks.Veto("protected")
	}
	return hooks.Continue()
}

// noTx hides transaction support.
type noTx struct{ storage.Store }

func (noTx) Capabilities() storage.Capabilities { return storage.Capabilities{} }

func TestExecuteRejectsEmptyAndOversized(t *testing.T) {
	ex := NewExecutor(newStore(t), WithMaxSize(2))

	_, err := ex.Execute(context.Background(), nil, false)
	assert.True(t, types.IsKind(err, types.KindValidation))

	ops := []types.BatchOperation{createMemory("a", "x"), createMemory("b", "y"), createMemory("c", "z")}
	_, err = ex.Execute(context.Background(), ops, false)
	assert.True(t, types.IsKind(err, types.KindValidation))
	assert.Equal(t, 2, ex.MaxSize())
	assert.Equal(t, DefaultMaxSize, NewExecutor(newStore(t)).MaxSize())
}

func TestSequentialAppliesIndependently(t *testing.T) {
	st := newStore(t)
	ex := NewExecutor(st, WithIDGenerator(sequentialIDs()))
	ctx := context.Background()

	resp, err := ex.Execute(ctx, []types.BatchOperation{
		createMemory("a", "first"),
		createMemory("a", "duplicate"),
		types.NewBatchOperation(types.CreateMemoryOp{Content: "generated id"}),
		types.NewBatchOperation(types.DeleteMemoryOp{ID: "missing"}),
	}, false)
	require.NoError(t, err)

	assert.False(t, resp.Transaction)
	assert.Empty(t, resp.TransactionID)
	assert.Equal(t, 2, resp.Completed)
	assert.Equal(t, 2, resp.Failed)
	require.Len(t, resp.Results, 4)
	assert.Equal(t, "a", resp.Results[0].ResourceID)
	assert.Equal(t, string(types.KindAlreadyExists), resp.Results[1].ErrorCode)
	assert.Equal(t, "gen-1", resp.Results[2].ResourceID)
	assert.Equal(t, string(types.KindNotFound), resp.Results[3].ErrorCode)

	m, err := st.GetMemory(ctx, "a")
	require.NoError(t, err)
	require.NotNil(t, m)
	assert.Equal(t, "first", m.Content)
	assert.Equal(t, DefaultSource, m.Source)

	m, err = st.GetMemory(ctx, "gen-1")
	require.NoError(t, err)
	assert.NotNil(t, m)
}

func TestSequentialStopsOnCancel(t *testing.T) {
	ex := NewExecutor(newStore(t))
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	resp, err := ex.Execute(ctx, []types.BatchOperation{createMemory("a", "x"), createMemory("b", "y")}, false)
	require.NoError(t, err)
	assert.Equal(t, 0, resp.Completed)
	assert.Equal(t, 2, resp.Failed)
	assert.Equal(t, string(types.KindTimeout), resp.Results[0].ErrorCode)
}

func TestTransactionalRollback(t *testing.T) {
	st := newStore(t)
	ex := NewExecutor(st, WithIDGenerator(sequentialIDs()))
	ctx := context.Background()

	resp, err := ex.Execute(ctx, []types.BatchOperation{
		createMemory("a", "one"),
		createMemory("b", "two"),
		createMemory("a", "dup"),
	}, true)
	require.NoError(t, err)

	assert.True(t, resp.Transaction)
	assert.Equal(t, "gen-1", resp.TransactionID)
	assert.Equal(t, 0, resp.Completed)
	assert.Equal(t, 3, resp.Failed)
	require.Len(t, resp.Results, 3)
	assert.Equal(t, types.BatchCodeAborted, resp.Results[0].ErrorCode)
	assert.Equal(t, types.BatchCodeAborted, resp.Results[1].ErrorCode)
	assert.Equal(t, string(types.KindAlreadyExists), resp.Results[2].ErrorCode)

	for _, id := range []string{"a", "b"} {
		m, err := st.GetMemory(ctx, id)
		require.NoError(t, err)
		assert.Nil(t, m, "memory %s must be rolled back", id)
	}
}

func TestTransactionalCommit(t *testing.T) {
	st := newStore(t)
	rec := &recorder{Base: hooks.Base{HookName: "rec"}}
	reg := hooks.NewRegistry()
	require.NoError(t, reg.Register(rec))
	ex := NewExecutor(st, WithHooks(reg))
	ctx := context.Background()

	content := "edited"
	resp, err := ex.Execute(ctx, []types.BatchOperation{
		createMemory("a", "one"),
		createMemory("b", "two"),
		types.NewBatchOperation(types.CreateRelationshipOp{ID: "ab", Source: "a", Target: "b", RelationshipType: "references"}),
		types.NewBatchOperation(types.UpdateMemoryOp{ID: "a", Content: &content}),
	}, true)
	require.NoError(t, err)
	assert.Equal(t, 4, resp.Completed)
	assert.False(t, resp.HasErrors())
	assert.NotEmpty(t, resp.TransactionID)

	rel, err := st.GetRelationship(ctx, "ab")
	require.NoError(t, err)
	require.NotNil(t, rel)
	m, err := st.GetMemory(ctx, "a")
	require.NoError(t, err)
	assert.Equal(t, "edited", m.Content)

	assert.Equal(t, []string{"a", "b"}, rec.created)
	assert.Equal(t, []string{"a"}, rec.updated)
}

func TestTransactionalDefersHooksOnRollback(t *testing.T) {
	rec := &recorder{Base: hooks.Base{HookName: "rec"}}
	reg := hooks.NewRegistry()
	require.NoError(t, reg.Register(rec))
	ex := NewExecutor(newStore(t), WithHooks(reg))

	resp, err := ex.Execute(context.Background(), []types.BatchOperation{
		createMemory("a", "one"),
		types.NewBatchOperation(types.UpdateMemoryOp{ID: "nope"}),
	}, true)
	require.NoError(t, err)
	assert.Equal(t, 2, resp.Failed)
	assert.Empty(t, rec.created)
}

func TestTransactionalNeedsBackendSupport(t *testing.T) {
	ex := NewExecutor(noTx{newStore(t)})
	_, err := ex.Execute(context.Background(), []types.BatchOperation{createMemory("a", "x")}, true)
	assert.True(t, types.IsKind(err, types.KindFeatureNotEnabled))
}

func TestDeleteVetoAbortsTransaction(t *testing.T) {
	st := newStore(t)
	ctx := context.Background()
	require.NoError(t, st.CreateMemory(ctx, types.NewMemory("keep", "protected", types.MemoryTypeFact)))
	require.NoError(t, st.CreateMemory(ctx, types.NewMemory("drop", "disposable", types.MemoryTypeFact)))

	rec := &recorder{Base: hooks.Base{HookName: "guard"}, veto: "keep"}
	reg := hooks.NewRegistry()
	require.NoError(t, reg.Register(rec))
	ex := NewExecutor(st, WithHooks(reg))

	resp, err := ex.Execute(ctx, []types.BatchOperation{
		types.NewBatchOperation(types.DeleteMemoryOp{ID: "drop"}),
		types.NewBatchOperation(types.DeleteMemoryOp{ID: "keep"}),
	}, true)
	require.NoError(t, err)
	assert.Equal(t, 0, resp.Completed)
	assert.Equal(t, string(types.KindOperation), resp.Results[1].ErrorCode)
	assert.Contains(t, resp.Results[1].Error, "protected")

	m, err := st.GetMemory(ctx, "drop")
	require.NoError(t, err)
	assert.NotNil(t, m, "the earlier delete is rolled back")

	// Sequentially the unguarded delete goes through.
	resp, err = ex.Execute(ctx, []types.BatchOperation{
		types.NewBatchOperation(types.DeleteMemoryOp{ID: "drop"}),
		types.NewBatchOperation(types.DeleteMemoryOp{ID: "keep"}),
	}, false)
	require.NoError(t, err)
	assert.Equal(t, 1, resp.Completed)
	assert.Equal(t, 1, resp.Failed)
}

func TestUpdateOperations(t *testing.T) {
	st := newStore(t)
	ctx := context.Background()
	m := types.NewMemory("m", "content", types.MemoryTypeFact)
	m.Properties = map[string]any{"keep": "yes", "over": "old"}
	require.NoError(t, st.CreateMemory(ctx, m))
	require.NoError(t, st.CreateEntity(ctx, types.NewEntity("e", "person")))

	now := time.Date(2030, 1, 1, 0, 0, 0, 0, time.UTC)
	ex := NewExecutor(st, WithClock(func() time.Time { return now }))
	high := types.PriorityHigh

	resp, err := ex.Execute(ctx, []types.BatchOperation{
		types.NewBatchOperation(types.UpdateMetadataOp{MemoryID: "m", Metadata: map[string]any{"over": "new", "added": 1.0}}),
		types.NewBatchOperation(types.UpdateMemoryOp{ID: "m", Priority: &high, Tags: []string{"t"}}),
		types.NewBatchOperation(types.UpdateEntityOp{ID: "e", Properties: map[string]any{"name": "Ada"}}),
		types.NewBatchOperation(types.UpdateMetadataOp{MemoryID: "ghost", Metadata: map[string]any{"x": 1}}),
	}, false)
	require.NoError(t, err)
	assert.Equal(t, 3, resp.Completed)
	assert.Equal(t, string(types.KindNotFound), resp.Results[3].ErrorCode)

	got, err := st.GetMemory(ctx, "m")
	require.NoError(t, err)
	assert.Equal(t, map[string]any{"keep": "yes", "over": "new", "added": 1.0}, got.Properties)
	assert.Equal(t, types.PriorityHigh, got.Priority)
	assert.Equal(t, []string{"t"}, got.Tags)

	ent, err := st.GetEntity(ctx, "e")
	require.NoError(t, err)
	assert.Equal(t, "Ada", ent.Properties["name"])
	assert.Equal(t, "person", ent.EntityType)
}

func TestBidirectionalRelationship(t *testing.T) {
	st := newStore(t)
	ctx := context.Background()
	reg := relationships.NewRegistry(st)
	_, err := reg.SeedDefaults(ctx)
	require.NoError(t, err)
	ex := NewExecutor(st, WithRelationships(reg), WithIDGenerator(sequentialIDs()))

	resp, err := ex.Execute(ctx, []types.BatchOperation{
		createMemory("a", "earlier"),
		createMemory("b", "later"),
		types.NewBatchOperation(types.CreateRelationshipOp{ID: "ab", Source: "a", Target: "b", RelationshipType: "precedes", Bidirectional: true}),
		types.NewBatchOperation(types.CreateRelationshipOp{ID: "sym", Source: "a", Target: "b", RelationshipType: "similar_to", Bidirectional: true}),
	}, true)
	require.NoError(t, err)
	require.Equal(t, 4, resp.Completed, "%+v", resp.Results)

	back, err := st.ListRelationships(ctx, &storage.RelationshipFilter{SourceID: "b"}, 0, 0)
	require.NoError(t, err)
	var kinds []string
	for _, r := range back {
		assert.Equal(t, "a", r.TargetID)
		kinds = append(kinds, r.RelationshipType)
	}
	assert.ElementsMatch(t, []string{"follows", "similar_to"}, kinds)
}

func TestRelationshipValidation(t *testing.T) {
	st := newStore(t)
	ctx := context.Background()
	require.NoError(t, st.CreateMemory(ctx, types.NewMemory("a", "x", types.MemoryTypeFact)))
	require.NoError(t, st.CreateMemory(ctx, types.NewMemory("b", "y", types.MemoryTypeFact)))
	ex := NewExecutor(st, WithRelationships(relationships.NewRegistry(st, relationships.WithStrict(true))))

	resp, err := ex.Execute(ctx, []types.BatchOperation{
		types.NewBatchOperation(types.CreateRelationshipOp{Source: "a", Target: "b", RelationshipType: "undefined"}),
		types.NewBatchOperation(types.DeleteRelationshipOp{ID: "missing"}),
		types.NewBatchOperation(types.UpdateRelationshipOp{ID: "missing"}),
	}, false)
	require.NoError(t, err)
	assert.Equal(t, 3, resp.Failed)
	assert.Equal(t, string(types.KindValidation), resp.Results[0].ErrorCode)
	assert.Equal(t, string(types.KindNotFound), resp.Results[1].ErrorCode)
	assert.Equal(t, string(types.KindNotFound), resp.Results[2].ErrorCode)
}

func TestBidirectionalPairIsValidated(t *testing.T) {
	st := newStore(t)
	ctx := context.Background()
	reg := relationships.NewRegistry(st, relationships.WithStrict(true))
	owns := types.NewRelationshipTypeDef("owns")
	inverse := "owned_by"
	owns.Inverse = &inverse
	_, err := reg.Define(ctx, owns)
	require.NoError(t, err)
	ex := NewExecutor(st, WithRelationships(reg))

	resp, err := ex.Execute(ctx, []types.BatchOperation{
		createMemory("a", "owner"),
		createMemory("b", "thing"),
		types.NewBatchOperation(types.CreateRelationshipOp{Source: "a", Target: "b", RelationshipType: "owns", Bidirectional: true}),
	}, false)
	require.NoError(t, err)
	assert.Equal(t, 2, resp.Completed)
	assert.Equal(t, 1, resp.Failed)
	assert.Equal(t, string(types.KindValidation), resp.Results[2].ErrorCode)

	n, err := st.CountRelationships(ctx, nil)
	require.NoError(t, err)
	assert.Zero(t, n)
}

// failingType rejects edges of one relationship type.
type failingType struct {
	storage.Store
	relType string
}

func (f failingType) Capabilities() storage.Capabilities { return storage.Capabilities{} }

func (f failingType) CreateRelationship(ctx context.Context, r *types.Relationship) error {
	if r.RelationshipType == f.relType {
		return types.NewError(types.KindOperation, "disk full")
	}
	return f.Store.CreateRelationship(ctx, r)
}

func TestBidirectionalUndoesForwardEdge(t *testing.T) {
	mem := newStore(t)
	ctx := context.Background()
	st := failingType{Store: mem, relType: "child_of"}
	reg := relationships.NewRegistry(st)
	parent := types.NewRelationshipTypeDef("parent_of")
	inverse := "child_of"
	parent.Inverse = &inverse
	_, err := reg.Define(ctx, parent)
	require.NoError(t, err)
	ex := NewExecutor(st, WithRelationships(reg))

	resp, err := ex.Execute(ctx, []types.BatchOperation{
		createMemory("a", "parent"),
		createMemory("b", "child"),
		types.NewBatchOperation(types.CreateRelationshipOp{Source: "a", Target: "b", RelationshipType: "parent_of", Bidirectional: true}),
	}, false)
	require.NoError(t, err)
	assert.Equal(t, 1, resp.Failed)
	assert.False(t, resp.Results[2].Succeeded())

	n, err := mem.CountRelationships(ctx, nil)
	require.NoError(t, err)
	assert.Zero(t, n, "a failed link leaves no half edge behind")
}

func TestLoadOperations(t *testing.T) {
	dir := t.TempDir()

	jsonPath := filepath.Join(dir, "ops.json")
	require.NoError(t, os.WriteFile(jsonPath, []byte(`[
		{"op": "create_memory", "data": {"id": "a", "content": "hello", "priority": "HIGH"}},
		{"op": "delete_memory", "data": {"id": "a"}}
	]`), 0o600))
	f, err := LoadOperations(jsonPath)
	require.NoError(t, err)
	require.Len(t, f.Operations, 2)
	assert.False(t, f.Transactional)
	create, ok := f.Operations[0].Data.(types.CreateMemoryOp)
	require.True(t, ok)
	assert.Equal(t, types.PriorityHigh, create.Priority)

	yamlPath := filepath.Join(dir, "ops.yaml")
	require.NoError(t, os.WriteFile(yamlPath, []byte(`transactional: true
operations:
  - op: create_entity
    data:
      id: ada
      entity_type: person
      properties:
        born: 1815
  - op: create_relationship
    data:
      source: a
      target: ada
      relationship_type: mentions
      bidirectional: true
`), 0o600))
	f, err = LoadOperations(yamlPath)
	require.NoError(t, err)
	assert.True(t, f.Transactional)
	require.Len(t, f.Operations, 2)
	ent, ok := f.Operations[0].Data.(types.CreateEntityOp)
	require.True(t, ok)
	assert.Equal(t, "person", ent.EntityType)
	assert.EqualValues(t, 1815, ent.Properties["born"])
	rel, ok := f.Operations[1].Data.(types.CreateRelationshipOp)
	require.True(t, ok)
	assert.True(t, rel.Bidirectional)

	_, err = DecodeJSON(strings.NewReader(`[{"op": "explode", "data": {}}]`))
	assert.True(t, types.IsKind(err, types.KindSerialization))

	_, err = DecodeYAML(strings.NewReader(""))
	assert.True(t, types.IsKind(err, types.KindValidation))

	_, err = LoadOperations(filepath.Join(dir, "missing.json"))
	assert.Error(t, err)
}
