package locai_test

import (
	"bytes"
	"context"
	"io"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/charmbracelet/log"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/scrypster/locai/internal/extraction"
	"github.com/scrypster/locai/internal/lifecycle"
	"github.com/scrypster/locai/internal/search"
	"github.com/scrypster/locai/pkg/embedding"
	"github.com/scrypster/locai/pkg/hooks"
	"github.com/scrypster/locai/pkg/locai"
	"github.com/scrypster/locai/pkg/scoring"
	"github.com/scrypster/locai/pkg/types"
)

type clock struct {
	mu sync.Mutex
	t  time.Time
}

func (c *clock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.t
}

func (c *clock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.t = c.t.Add(d)
}

func newManager(t *testing.T, configure func(b *locai.Builder)) *locai.Manager {
	t.Helper()
	b := locai.NewBuilder().WithMemoryStorage().WithLogger(log.New(io.Discard))
	if configure != nil {
		configure(b)
	}
	m, err := b.Build(context.Background())
	require.NoError(t, err)
	t.Cleanup(func() { _ = m.Close(context.Background()) })
	return m
}

func store(t *testing.T, m *locai.Manager, id, content string) {
	t.Helper()
	_, err := m.StoreMemory(context.Background(), types.NewMemory(id, content, types.MemoryTypeFact))
	require.NoError(t, err)
}

func rawCount(t *testing.T, m *locai.Manager, id string) uint32 {
	t.Helper()
	mem, err := m.Storage().GetMemory(context.Background(), id)
	require.NoError(t, err)
	require.NotNil(t, mem)
	return mem.AccessCount
}

func TestCreateAndGet(t *testing.T) {
	ctx := context.Background()
	m := newManager(t, nil)
	store(t, m, "m1", "hello world")

	got, err := m.GetMemory(ctx, "m1")
	require.NoError(t, err)
	require.NotNil(t, got)
	assert.Equal(t, "hello world", got.Content)
	assert.Equal(t, uint32(0), got.AccessCount)
	assert.False(t, got.CreatedAt.IsZero())
	assert.Equal(t, types.PriorityNormal, got.Priority)

	missing, err := m.GetMemory(ctx, "nope")
	require.NoError(t, err)
	assert.Nil(t, missing)
}

func TestStoreMemoryGeneratesIDs(t *testing.T) {
	ctx := context.Background()
	m := newManager(t, nil)

	id, err := m.AddEpisode(ctx, "went hiking")
	require.NoError(t, err)
	assert.NotEmpty(t, id)
	got, err := m.GetMemory(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, types.MemoryTypeEpisodic, got.MemoryType)

	_, err = m.AddMemory(ctx, "   ")
	assert.True(t, types.IsKind(err, types.KindValidation))

	_, err = m.StoreMemory(ctx, types.NewMemory(id, "dup", types.MemoryTypeFact))
	assert.True(t, types.IsKind(err, types.KindAlreadyExists))
}

func TestLifecycleFlush(t *testing.T) {
	ctx := context.Background()
	m := newManager(t, func(b *locai.Builder) {
		cfg := lifecycle.DefaultConfig()
		cfg.Mode = lifecycle.ModeBatched
		cfg.FlushThresholdCount = 100
		cfg.FlushIntervalSecs = 60
		b.WithLifecycle(cfg)
	})
	store(t, m, "m1", "hello world")

	for i := 0; i < 5; i++ {
		_, err := m.GetMemory(ctx, "m1")
		require.NoError(t, err)
	}
	assert.Equal(t, uint32(0), rawCount(t, m, "m1"))
	assert.Equal(t, 1, m.PendingAccessUpdates())

	require.NoError(t, m.FlushAccessUpdates(ctx))
	assert.Equal(t, uint32(5), rawCount(t, m, "m1"))
	assert.Equal(t, 0, m.PendingAccessUpdates())
}

func TestBlockingReadsCountImmediately(t *testing.T) {
	ctx := context.Background()
	m := newManager(t, func(b *locai.Builder) {
		cfg := lifecycle.DefaultConfig()
		cfg.Mode = lifecycle.ModeBlocking
		b.WithLifecycle(cfg)
	})
	store(t, m, "m1", "hello world")

	for i := 0; i < 3; i++ {
		_, err := m.GetMemory(ctx, "m1")
		require.NoError(t, err)
	}
	assert.Equal(t, uint32(3), rawCount(t, m, "m1"))
}

func TestCloseFlushesPendingAccess(t *testing.T) {
	ctx := context.Background()
	dir := t.TempDir()
	open := func() *locai.Manager {
		m, err := locai.NewBuilder().WithDataDir(dir).WithLogger(log.New(io.Discard)).Build(ctx)
		require.NoError(t, err)
		return m
	}

	m := open()
	store(t, m, "m1", "hello world")
	_, err := m.GetMemory(ctx, "m1")
	require.NoError(t, err)
	assert.Equal(t, uint32(0), rawCount(t, m, "m1"))
	require.NoError(t, m.Close(ctx))
	assert.NoError(t, m.Close(ctx), "second close is a no-op")

	m = open()
	defer func() { _ = m.Close(ctx) }()
	assert.Equal(t, uint32(1), rawCount(t, m, "m1"))
}

type vetoHook struct {
	hooks.Base
	reason string
}

func (h *vetoHook) BeforeMemoryDeleted(context.Context, *types.Memory) hooks.Result {
	return hooks.Veto(h.reason)
}

func TestHookVeto(t *testing.T) {
	ctx := context.Background()
	m := newManager(t, func(b *locai.Builder) {
		b.WithHook(&vetoHook{Base: hooks.Base{HookName: "guard"}, reason: "keep it"})
	})
	store(t, m, "m1", "hello world")

	ok, err := m.DeleteMemory(ctx, "m1")
	require.Error(t, err)
	assert.False(t, ok)
	assert.True(t, types.IsKind(err, types.KindOperation))
	assert.Contains(t, err.Error(), "vetoed: keep it")

	got, err := m.GetMemory(ctx, "m1")
	require.NoError(t, err)
	assert.NotNil(t, got)
}

type createdHook struct {
	hooks.Base
	mu  sync.Mutex
	ids []string
}

func (h *createdHook) OnMemoryCreated(_ context.Context, mem *types.Memory) hooks.Result {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.ids = append(h.ids, mem.ID)
	return hooks.Continue()
}

func TestCreatedHookRuns(t *testing.T) {
	h := &createdHook{Base: hooks.Base{HookName: "created"}}
	m := newManager(t, func(b *locai.Builder) { b.WithSyncHooks().WithHook(h) })
	store(t, m, "m1", "hello world")

	h.mu.Lock()
	defer h.mu.Unlock()
	assert.Equal(t, []string{"m1"}, h.ids)
}

// blockingHook holds every created event until release is closed.
type blockingHook struct {
	hooks.Base
	release chan struct{}
}

func (h *blockingHook) OnMemoryCreated(ctx context.Context, _ *types.Memory) hooks.Result {
	select {
	case <-h.release:
	case <-ctx.Done():
	}
	return hooks.Continue()
}

// syncBuffer is a bytes.Buffer safe for concurrent loggers.
type syncBuffer struct {
	mu  sync.Mutex
	buf bytes.Buffer
}

func (b *syncBuffer) Write(p []byte) (int, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.Write(p)
}

func (b *syncBuffer) String() string {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.String()
}

func TestCloseReportsUndrainedHooksOnce(t *testing.T) {
	ctx := context.Background()
	cfg := locai.DefaultConfig()
	cfg.Hooks.DrainTimeoutMs = 20
	var out syncBuffer
	h := &blockingHook{Base: hooks.Base{HookName: "slow"}, release: make(chan struct{})}
	defer close(h.release)

	m, err := locai.FromConfig(cfg).WithMemoryStorage().WithLogger(log.New(&out)).WithHook(h).Build(ctx)
	require.NoError(t, err)
	store(t, m, "m1", "hello")
	require.NoError(t, m.Close(ctx))

	assert.Equal(t, 1, strings.Count(out.String(), "still running"), out.String())
}

func createOp(id string) types.BatchOperation {
	return types.NewBatchOperation(types.CreateMemoryOp{ID: id, Content: "content " + id})
}

func TestTransactionalBatchRollback(t *testing.T) {
	ctx := context.Background()
	m := newManager(t, nil)

	resp, err := m.ExecuteBatch(ctx, []types.BatchOperation{createOp("a"), createOp("b"), createOp("a")}, true)
	require.NoError(t, err)
	assert.Equal(t, 3, resp.Failed)
	assert.Equal(t, 0, resp.Completed)
	assert.True(t, resp.Transaction)

	for _, id := range []string{"a", "b"} {
		got, err := m.GetMemory(ctx, id)
		require.NoError(t, err)
		assert.Nil(t, got, id)
	}
}

func TestSequentialBatchAppliesNonFailing(t *testing.T) {
	ctx := context.Background()
	m := newManager(t, nil)

	resp, err := m.ExecuteBatch(ctx, []types.BatchOperation{createOp("a"), createOp("b"), createOp("a")}, false)
	require.NoError(t, err)
	assert.Equal(t, 2, resp.Completed)
	assert.Equal(t, 1, resp.Failed)
	assert.False(t, resp.Results[2].Succeeded())

	n, err := m.CountMemories(ctx, nil)
	require.NoError(t, err)
	assert.Equal(t, 2, n)
}

func TestImportanceScoring(t *testing.T) {
	ctx := context.Background()
	m := newManager(t, nil)
	store(t, m, "plain", "golang release notes")
	_, err := m.StoreMemory(ctx, &types.Memory{ID: "vital", Content: "golang release notes", Priority: types.PriorityCritical})
	require.NoError(t, err)

	cfg := scoring.ImportanceFocused()
	results, err := m.Search(ctx, search.Request{Query: "golang", Scoring: &cfg})
	require.NoError(t, err)
	require.Len(t, results, 2)
	assert.Equal(t, "vital", results[0].Memory.ID)
	assert.Greater(t, results[0].Score, results[1].Score)
}

func TestVectorModeWithoutEmbedding(t *testing.T) {
	ctx := context.Background()
	m := newManager(t, nil)
	store(t, m, "m1", "hello world")

	_, err := m.Search(ctx, search.Request{Mode: search.ModeVector})
	assert.True(t, types.IsKind(err, types.KindEmptySearchQuery))

	results, err := m.Search(ctx, search.Request{Query: "hello", Mode: search.ModeVector})
	require.NoError(t, err)
	require.Len(t, results, 1)
	assert.Equal(t, "m1", results[0].Memory.ID)
}

func TestSemanticSearch(t *testing.T) {
	ctx := context.Background()
	gen := embedding.GeneratorFunc(func(_ context.Context, text string) ([]float32, error) {
		if text == "alpha" {
			return []float32{1, 0}, nil
		}
		return []float32{0, 1}, nil
	})

	bare := newManager(t, nil)
	_, err := bare.SemanticSearch(ctx, "alpha", 5)
	assert.True(t, types.IsKind(err, types.KindMLNotConfigured))

	m := newManager(t, func(b *locai.Builder) { b.WithEmbeddingGenerator(gen) })
	_, err = m.StoreMemory(ctx, &types.Memory{ID: "a", Content: "alpha notes", Embedding: []float32{1, 0}})
	require.NoError(t, err)
	_, err = m.StoreMemory(ctx, &types.Memory{ID: "b", Content: "beta notes", Embedding: []float32{0, 1}})
	require.NoError(t, err)

	results, err := m.SemanticSearch(ctx, "alpha", 5)
	require.NoError(t, err)
	require.NotEmpty(t, results)
	assert.Equal(t, "a", results[0].Memory.ID)

	_, err = m.SemanticSearch(ctx, " ", 5)
	assert.True(t, types.IsKind(err, types.KindEmptySearchQuery))
}

func TestVersionRoundTrip(t *testing.T) {
	ctx := context.Background()
	m := newManager(t, nil)
	store(t, m, "a", "first")

	v1, err := m.CreateVersion(ctx, "before b", nil)
	require.NoError(t, err)
	store(t, m, "b", "second")

	all, err := m.ListMemories(ctx, nil, 0, 0)
	require.NoError(t, err)
	assert.Len(t, all, 2)

	ok, err := m.CheckoutVersion(ctx, v1.ID)
	require.NoError(t, err)
	assert.True(t, ok)

	all, err = m.ListMemories(ctx, nil, 0, 0)
	require.NoError(t, err)
	require.Len(t, all, 1)
	assert.Equal(t, "a", all[0].ID)

	ok, err = m.CheckoutVersion(ctx, "missing")
	require.NoError(t, err)
	assert.False(t, ok)

	versions, err := m.ListVersions(ctx, 0, 0)
	require.NoError(t, err)
	assert.Len(t, versions, 1)
}

func TestBidirectionalDeleteRemovesBothEdges(t *testing.T) {
	ctx := context.Background()
	m := newManager(t, nil)
	store(t, m, "a", "alpha")
	store(t, m, "b", "beta")

	fwd, rev, err := m.CreateBidirectionalRelationship(ctx, "a", "b", "part_of", nil)
	require.NoError(t, err)
	back, err := m.GetRelationship(ctx, rev)
	require.NoError(t, err)
	assert.Equal(t, "has_part", back.RelationshipType, "inverse type is used for the pair")
	assert.Equal(t, "b", back.SourceID)

	related, err := m.GetRelatedMemories(ctx, "a", "", types.DirectionOutgoing)
	require.NoError(t, err)
	require.Len(t, related, 1)
	assert.Equal(t, "b", related[0].ID)

	ok, err := m.DeleteMemory(ctx, "b")
	require.NoError(t, err)
	assert.True(t, ok)

	for _, id := range []string{fwd, rev} {
		rel, err := m.GetRelationship(ctx, id)
		require.NoError(t, err)
		assert.Nil(t, rel)
	}
	n, err := m.CountRelationships(ctx, nil)
	require.NoError(t, err)
	assert.Zero(t, n)
}

func TestStrictRelationships(t *testing.T) {
	ctx := context.Background()
	m := newManager(t, func(b *locai.Builder) { b.WithStrictRelationships(true) })
	store(t, m, "a", "alpha")
	store(t, m, "b", "beta")

	_, err := m.Relate(ctx, "a", "b", "invented")
	assert.True(t, types.IsKind(err, types.KindValidation))

	_, err = m.DefineRelationshipType(ctx, types.NewRelationshipTypeDef("invented"))
	require.NoError(t, err)
	_, err = m.Relate(ctx, "a", "b", "invented")
	assert.NoError(t, err)

	_, err = m.DeleteRelationshipType(ctx, "invented", false)
	assert.Error(t, err, "type still in use")
}

func TestAddRelatedMemoryAndGraph(t *testing.T) {
	ctx := context.Background()
	m := newManager(t, nil)
	store(t, m, "root", "project kickoff")

	child, err := m.AddRelatedMemory(ctx, "root", "kickoff agenda", "references")
	require.NoError(t, err)
	grand, err := m.AddBidirectionalRelatedMemory(ctx, child, "agenda item", "related_to")
	require.NoError(t, err)

	g, err := m.GetMemoryGraph(ctx, "root", 2)
	require.NoError(t, err)
	assert.Len(t, g.Memories, 3)

	path, err := m.FindShortestPath(ctx, "root", grand, 3)
	require.NoError(t, err)
	require.NotNil(t, path)
	assert.Equal(t, 2, path.Len())

	_, err = m.AddRelatedMemory(ctx, "ghost", "x", "references")
	assert.True(t, types.IsKind(err, types.KindNotFound))
}

func TestExpiredMemoriesAreRemoved(t *testing.T) {
	ctx := context.Background()
	clk := &clock{t: time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)}
	m := newManager(t, func(b *locai.Builder) { b.WithClock(clk.Now) })

	expires := clk.Now().Add(time.Hour)
	read, err := m.AddMemoryWithOptions(ctx, "short lived", types.MemoryTypeEvent, locai.MemoryOptions{ExpiresAt: &expires})
	require.NoError(t, err)
	unread, err := m.AddMemoryWithOptions(ctx, "also short lived", types.MemoryTypeEvent, locai.MemoryOptions{ExpiresAt: &expires})
	require.NoError(t, err)

	got, err := m.GetMemory(ctx, read)
	require.NoError(t, err)
	assert.NotNil(t, got)

	clk.Advance(2 * time.Hour)
	got, err = m.GetMemory(ctx, read)
	require.NoError(t, err)
	assert.Nil(t, got)

	raw, err := m.Storage().GetMemory(ctx, read)
	require.NoError(t, err)
	assert.Nil(t, raw, "reading an expired memory deletes it")

	raw, err = m.Storage().GetMemory(ctx, unread)
	require.NoError(t, err)
	assert.NotNil(t, raw, "unread expired memories wait for the sweep")

	n, err := m.SweepExpired(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, n)
}

func TestRecentMemoriesOrderByCreation(t *testing.T) {
	ctx := context.Background()
	clk := &clock{t: time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)}
	m := newManager(t, func(b *locai.Builder) { b.WithClock(clk.Now) })

	at := func(id string, created time.Time) *types.Memory {
		mem := types.NewMemory(id, "content of "+id, types.MemoryTypeFact)
		mem.CreatedAt = created
		return mem
	}
	for _, mem := range []*types.Memory{
		at("new", clk.Now()),
		at("old", clk.Now().AddDate(-1, 0, 0)),
		at("also-new", clk.Now()),
	} {
		_, err := m.StoreMemory(ctx, mem)
		require.NoError(t, err)
	}

	recent, err := m.RecentMemories(ctx, 2)
	require.NoError(t, err)
	require.Len(t, recent, 2)
	assert.Equal(t, "also-new", recent[0].ID)
	assert.Equal(t, "new", recent[1].ID)

	all, err := m.RecentMemories(ctx, 0)
	require.NoError(t, err)
	require.Len(t, all, 3)
	assert.Equal(t, "old", all[2].ID)
}

func TestTagAndFilters(t *testing.T) {
	ctx := context.Background()
	m := newManager(t, nil)
	id, err := m.AddMemoryWithPriority(ctx, "deploy on friday", types.PriorityHigh)
	require.NoError(t, err)
	_, err = m.AddConversation(ctx, "hi there")
	require.NoError(t, err)

	ok, err := m.TagMemory(ctx, id, "ops")
	require.NoError(t, err)
	assert.True(t, ok)

	tagged, err := m.MemoriesByTag(ctx, "ops", 0)
	require.NoError(t, err)
	require.Len(t, tagged, 1)
	assert.Equal(t, id, tagged[0].ID)

	high, err := m.MemoriesByPriority(ctx, types.PriorityHigh, 0)
	require.NoError(t, err)
	assert.Len(t, high, 1)

	convs, err := m.MemoriesByType(ctx, types.MemoryTypeConversation, 0)
	require.NoError(t, err)
	assert.Len(t, convs, 1)

	recent, err := m.RecentMemories(ctx, 1)
	require.NoError(t, err)
	require.Len(t, recent, 1)
	assert.Equal(t, "hi there", recent[0].Content)

	ok, err = m.TagMemory(ctx, "ghost", "ops")
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestUpdateMemoryKeepsCreation(t *testing.T) {
	ctx := context.Background()
	m := newManager(t, nil)
	store(t, m, "m1", "draft")
	orig, err := m.Storage().GetMemory(ctx, "m1")
	require.NoError(t, err)

	ok, err := m.UpdateMemory(ctx, &types.Memory{ID: "m1", Content: "final"})
	require.NoError(t, err)
	assert.True(t, ok)

	got, err := m.Storage().GetMemory(ctx, "m1")
	require.NoError(t, err)
	assert.Equal(t, "final", got.Content)
	assert.True(t, orig.CreatedAt.Equal(got.CreatedAt))

	ok, err = m.UpdateMemory(ctx, &types.Memory{ID: "ghost", Content: "x"})
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestExtractEntities(t *testing.T) {
	ctx := context.Background()
	m := newManager(t, nil)
	store(t, m, "m1", "Write to alice@example.com before 2024-06-01")

	res, err := m.ExtractEntities(ctx, "m1")
	require.NoError(t, err)
	assert.Len(t, res.Entities, 2)

	ents, err := m.FindRelatedEntities(ctx, "m1", 0)
	require.NoError(t, err)
	kinds := map[string]bool{}
	for _, e := range ents {
		kinds[e.EntityType] = true
	}
	assert.True(t, kinds[types.EntityTypeEmail])
	assert.True(t, kinds[types.EntityTypeDate])
}

func TestBackgroundExtraction(t *testing.T) {
	ctx := context.Background()
	done := make(chan string, 1)
	m := newManager(t, func(b *locai.Builder) {
		b.WithEntityExtraction(nil).OnEntitiesExtracted(func(r extraction.Result, _ error) { done <- r.MemoryID })
	})
	store(t, m, "m1", "see https://example.com/docs")

	select {
	case id := <-done:
		assert.Equal(t, "m1", id)
	case <-time.After(5 * time.Second):
		t.Fatal("extraction did not run")
	}
	n, err := m.CountEntities(ctx, nil)
	require.NoError(t, err)
	assert.Equal(t, 1, n)
}

func TestClearStorageReseedsTypes(t *testing.T) {
	ctx := context.Background()
	m := newManager(t, nil)
	store(t, m, "m1", "x")

	require.NoError(t, m.ClearStorage(ctx))
	n, err := m.CountMemories(ctx, nil)
	require.NoError(t, err)
	assert.Zero(t, n)

	def, err := m.GetRelationshipType(ctx, "part_of")
	require.NoError(t, err)
	assert.NotNil(t, def)

	md, err := m.Metadata(ctx)
	require.NoError(t, err)
	assert.Zero(t, md.MemoryCount)
}

func TestSQLiteBackend(t *testing.T) {
	ctx := context.Background()
	m, err := locai.NewBuilder().
		WithDataDir(t.TempDir()).
		WithLogger(log.New(io.Discard)).
		Build(ctx)
	require.NoError(t, err)
	defer func() { require.NoError(t, m.Close(ctx)) }()

	store(t, m, "m1", "persisted in sqlite")
	got, err := m.GetMemory(ctx, "m1")
	require.NoError(t, err)
	require.NotNil(t, got)
	assert.Equal(t, "persisted in sqlite", got.Content)
	require.NoError(t, m.HealthCheck(ctx))

	found, err := m.SearchMemories(ctx, "sqlite", 5)
	require.NoError(t, err)
	assert.Len(t, found, 1)
}

func TestBuildRejectsBadConfig(t *testing.T) {
	cfg := locai.DefaultConfig()
	cfg.Storage.Namespace = ""
	_, err := locai.FromConfig(cfg).WithLogger(log.New(io.Discard)).Build(context.Background())
	assert.True(t, types.IsKind(err, types.KindConfiguration))
}
