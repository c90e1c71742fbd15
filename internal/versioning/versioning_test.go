package versioning

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/scrypster/locai/internal/retention"
	"github.com/scrypster/locai/internal/storage"
	"github.com/scrypster/locai/internal/storage/memory"
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

type fixture struct {
	store *memory.Store
	mgr   *Manager
	clock *clock
}

func setup(t *testing.T, mutate func(*Config)) *fixture {
	t.Helper()
	c := &clock{t: time.Date(2026, 2, 1, 8, 0, 0, 0, time.UTC)}
	st := memory.New(memory.Options{Namespace: "versions"})
	t.Cleanup(func() { _ = st.Close() })

	cfg := DefaultConfig()
	cfg.CacheStrategy = CacheEmbedded
	if mutate != nil {
		mutate(&cfg)
	}
	n := 0
	mgr, err := NewManager(st, cfg, WithClock(c.Now), WithIDGenerator(func() string {
		n++
		return fmt.Sprintf("v%d", n)
	}))
	require.NoError(t, err)
	return &fixture{store: st, mgr: mgr, clock: c}
}

func (f *fixture) version(t *testing.T, desc string) string {
	t.Helper()
	f.clock.Advance(time.Minute)
	v, err := f.mgr.Create(context.Background(), desc, nil)
	require.NoError(t, err)
	return v.ID
}

func (f *fixture) remember(t *testing.T, id, content string) {
	t.Helper()
	require.NoError(t, f.store.CreateMemory(context.Background(), types.NewMemory(id, content, types.MemoryTypeFact)))
}

func contents(snap *storage.Snapshot) map[string]string {
	out := map[string]string{}
	for _, m := range snap.Memories {
		out[m.ID] = m.Content
	}
	return out
}

func TestStorageModes(t *testing.T) {
	f := setup(t, func(c *Config) { c.DeltaThreshold = 3 })
	ctx := context.Background()

	var ids []string
	for i := 0; i < 4; i++ {
		f.remember(t, fmt.Sprintf("m%d", i), "content")
		ids = append(ids, f.version(t, fmt.Sprintf("step %d", i)))
	}

	want := []struct {
		mode  storage.VersionStorageMode
		chain int
	}{
		{storage.VersionFull, 0},
		{storage.VersionDelta, 1},
		{storage.VersionDelta, 2},
		{storage.VersionFull, 0},
	}
	for i, id := range ids {
		rec, err := f.mgr.Record(ctx, id)
		require.NoError(t, err)
		assert.Equal(t, want[i].mode, rec.Mode, id)
		assert.Equal(t, want[i].chain, rec.ChainLength, id)
		assert.Equal(t, i+1, rec.MemoryCount)
		assert.NotEmpty(t, rec.Checksum)
	}

	rec, err := f.mgr.Record(ctx, ids[1])
	require.NoError(t, err)
	assert.Equal(t, ids[0], rec.ParentID)
	assert.Equal(t, 1, rec.Delta.Size())
	assert.Len(t, rec.Delta.AddedMemories, 1)
}

func TestCheckoutRestoresRecordSet(t *testing.T) {
	f := setup(t, func(c *Config) { c.EnableReconstructionCache = false })
	ctx := context.Background()

	f.remember(t, "a", "original a")
	f.remember(t, "b", "b")
	require.NoError(t, f.store.CreateRelationship(ctx, types.NewRelationship("ab", "a", "b", "related_to")))
	v1 := f.version(t, "before")

	a, err := f.store.GetMemory(ctx, "a")
	require.NoError(t, err)
	a.Content = "edited a"
	require.NoError(t, f.store.UpdateMemory(ctx, a))
	_, err = f.store.DeleteMemory(ctx, "b")
	require.NoError(t, err)
	f.remember(t, "c", "c")
	v2 := f.version(t, "after")

	rec, err := f.mgr.Record(ctx, v2)
	require.NoError(t, err)
	require.Equal(t, storage.VersionDelta, rec.Mode)
	assert.Equal(t, []string{"b"}, rec.Delta.RemovedMemories)
	assert.Equal(t, []string{"ab"}, rec.Delta.RemovedRelationships)

	ok, err := f.mgr.Checkout(ctx, v1)
	require.NoError(t, err)
	require.True(t, ok)

	live, err := f.mgr.Capture(ctx)
	require.NoError(t, err)
	assert.Equal(t, map[string]string{"a": "original a", "b": "b"}, contents(live))
	require.Len(t, live.Relationships, 1)

	ok, err = f.mgr.Checkout(ctx, v2)
	require.NoError(t, err)
	require.True(t, ok)
	live, err = f.mgr.Capture(ctx)
	require.NoError(t, err)
	assert.Equal(t, map[string]string{"a": "edited a", "c": "c"}, contents(live))

	ok, err = f.mgr.Checkout(ctx, "missing")
	require.NoError(t, err)
	assert.False(t, ok)

	versions, err := f.mgr.List(ctx, 0, 0)
	require.NoError(t, err)
	assert.Len(t, versions, 2, "checkout leaves versions alone")
}

// txCounter counts transactions opened on the wrapped store.
type txCounter struct {
	storage.Store
	mu  sync.Mutex
	txs int
}

func (c *txCounter) WithTx(ctx context.Context, fn func(tx storage.Store) error) error {
	c.mu.Lock()
	c.txs++
	c.mu.Unlock()
	return c.Store.WithTx(ctx, fn)
}

// noTxStore hides transaction support.
type noTxStore struct{ storage.Store }

func (noTxStore) Capabilities() storage.Capabilities { return storage.Capabilities{} }

func TestCaptureReadsInOneTransaction(t *testing.T) {
	ctx := context.Background()
	st := memory.New(memory.Options{Namespace: "capture"})
	t.Cleanup(func() { _ = st.Close() })
	require.NoError(t, st.CreateMemory(ctx, types.NewMemory("a", "alpha", types.MemoryTypeFact)))
	require.NoError(t, st.CreateMemory(ctx, types.NewMemory("b", "beta", types.MemoryTypeFact)))
	require.NoError(t, st.CreateRelationship(ctx, types.NewRelationship("ab", "a", "b", "references")))

	counted := &txCounter{Store: st}
	mgr, err := NewManager(counted, DefaultConfig())
	require.NoError(t, err)
	snap, err := mgr.Capture(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, counted.txs)
	assert.Len(t, snap.Memories, 2)
	assert.Len(t, snap.Relationships, 1)

	plain, err := NewManager(noTxStore{Store: st}, DefaultConfig())
	require.NoError(t, err)
	snap, err = plain.Capture(ctx)
	require.NoError(t, err)
	assert.Len(t, snap.Memories, 2)
}

func TestReconstructUnknownIsNotFound(t *testing.T) {
	f := setup(t, nil)
	_, err := f.mgr.Reconstruct(context.Background(), "nope")
	assert.True(t, types.IsKind(err, types.KindNotFound))
}

func TestAutoPromotion(t *testing.T) {
	f := setup(t, func(c *Config) {
		c.EnableReconstructionCache = false
		c.PromotionAccessThreshold = 2
		c.DeltaRetentionHours = 1
	})
	ctx := context.Background()
	f.remember(t, "a", "a")
	f.version(t, "base")
	f.remember(t, "b", "b")
	hot := f.version(t, "hot")

	_, err := f.mgr.Reconstruct(ctx, hot)
	require.NoError(t, err)
	rec, err := f.mgr.Record(ctx, hot)
	require.NoError(t, err)
	assert.Nil(t, rec.Full, "one access is not enough")

	snap, err := f.mgr.Reconstruct(ctx, hot)
	require.NoError(t, err)
	assert.Len(t, snap.Memories, 2)
	rec, err = f.mgr.Record(ctx, hot)
	require.NoError(t, err)
	require.NotNil(t, rec.Full)
	require.NotNil(t, rec.PromotedAt)
	assert.Equal(t, storage.VersionFull, rec.Mode)
	assert.NotNil(t, rec.Delta, "delta kept until retention passes")

	changed, err := f.mgr.Promote(ctx, hot)
	require.NoError(t, err)
	assert.False(t, changed, "promotion is idempotent")

	n, err := f.mgr.CompactPromoted(ctx)
	require.NoError(t, err)
	assert.Zero(t, n)

	f.clock.Advance(2 * time.Hour)
	n, err = f.mgr.CompactPromoted(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, n)
	rec, err = f.mgr.Record(ctx, hot)
	require.NoError(t, err)
	assert.Nil(t, rec.Delta)

	snap, err = f.mgr.Reconstruct(ctx, hot)
	require.NoError(t, err)
	assert.Len(t, snap.Memories, 2)
}

func TestDeleteParentPromotesChildren(t *testing.T) {
	f := setup(t, func(c *Config) { c.EnableReconstructionCache = false })
	ctx := context.Background()
	f.remember(t, "a", "a")
	base := f.version(t, "base")
	f.remember(t, "b", "b")
	child := f.version(t, "child")

	ok, err := f.mgr.Delete(ctx, base)
	require.NoError(t, err)
	assert.True(t, ok)

	snap, err := f.mgr.Reconstruct(ctx, child)
	require.NoError(t, err)
	assert.Equal(t, map[string]string{"a": "a", "b": "b"}, contents(snap))
}

func TestTypedVersions(t *testing.T) {
	f := setup(t, nil)
	ctx := context.Background()
	f.remember(t, "a", "a")

	conv, err := f.mgr.CreateConversationVersion(ctx, "session-1", "chat checkpoint")
	require.NoError(t, err)
	assert.Equal(t, types.SnapshotTypeConversation, conv.SnapshotType())
	assert.Equal(t, "session-1", conv.Metadata["session_id"])

	_, err = f.mgr.CreateKnowledgeVersion(ctx, "golang", "facts")
	require.NoError(t, err)
	_, err = f.mgr.Create(ctx, "plain", nil)
	require.NoError(t, err)

	got, err := f.mgr.ListByType(ctx, types.SnapshotTypeConversation)
	require.NoError(t, err)
	require.Len(t, got, 1)
	assert.Equal(t, conv.ID, got[0].ID)

	got, err = f.mgr.ListByType(ctx, types.SnapshotTypeGeneric)
	require.NoError(t, err)
	assert.Len(t, got, 1)
}

func TestDisabled(t *testing.T) {
	f := setup(t, func(c *Config) { c.Enabled = false })
	_, err := f.mgr.Create(context.Background(), "x", nil)
	assert.True(t, types.IsKind(err, types.KindFeatureNotEnabled))
}

func TestSweepKeepsNeededParents(t *testing.T) {
	f := setup(t, func(c *Config) {
		c.EnableReconstructionCache = false
		c.Retention = retention.Policy{Hourly: 1}
	})
	ctx := context.Background()
	f.remember(t, "a", "a")
	old := f.version(t, "old full")

	f.clock.Advance(2 * 24 * time.Hour)
	f.remember(t, "b", "b")
	f.version(t, "older delta")
	f.remember(t, "c", "c")
	newest := f.version(t, "newest delta")

	n, err := f.mgr.Sweep(ctx)
	require.NoError(t, err)
	assert.Equal(t, 0, n, "every version is on the newest delta's chain")

	_, err = f.mgr.Promote(ctx, newest)
	require.NoError(t, err)
	n, err = f.mgr.Sweep(ctx)
	require.NoError(t, err)
	assert.Equal(t, 2, n)

	v, err := f.mgr.Get(ctx, old)
	require.NoError(t, err)
	assert.Nil(t, v)
	snap, err := f.mgr.Reconstruct(ctx, newest)
	require.NoError(t, err)
	assert.Len(t, snap.Memories, 3)
}

func TestDiffApply(t *testing.T) {
	base := &storage.Snapshot{Memories: []*types.Memory{
		types.NewMemory("a", "a", types.MemoryTypeFact),
		types.NewMemory("b", "b", types.MemoryTypeFact),
	}}
	next := CloneSnapshot(base)
	next.Memories[0].Content = "a2"
	next.Memories = append(next.Memories[:1], types.NewMemory("c", "c", types.MemoryTypeFact))

	d := Diff(base, next)
	assert.Len(t, d.ModifiedMemories, 1)
	assert.Equal(t, []string{"b"}, d.RemovedMemories)
	assert.Len(t, d.AddedMemories, 1)

	got := Apply(base, d)
	assert.Equal(t, map[string]string{"a": "a2", "c": "c"}, contents(got))
	assert.Equal(t, "a", got.Memories[0].ID)

	s1, err := Checksum(got)
	require.NoError(t, err)
	s2, err := Checksum(next)
	require.NoError(t, err)
	assert.Equal(t, s1, s2)
}

func TestCaches(t *testing.T) {
	c := newEmbeddedCache(2)
	c.Put("a", &storage.Snapshot{})
	c.Put("b", &storage.Snapshot{})
	c.Put("c", &storage.Snapshot{})
	_, ok := c.Get("a")
	assert.False(t, ok, "oldest entry evicted")
	assert.Equal(t, 2, c.Len())
	assert.Equal(t, "embedded", c.Mode())

	s := newServerCache(1, time.Hour)
	s.Put("a", &storage.Snapshot{})
	s.Put("b", &storage.Snapshot{})
	_, ok = s.Get("a")
	assert.False(t, ok)
	assert.Equal(t, "server", s.Mode())
}

func TestDetectServerMode(t *testing.T) {
	none := func(string) (string, bool) { return "", false }
	port := func(k string) (string, bool) { return "8080", k == "LOCAI_PORT" }

	cfg := DefaultConfig()
	assert.False(t, DetectServerMode(cfg, none))
	assert.True(t, DetectServerMode(cfg, port))

	cfg.CacheStrategy = CacheEmbedded
	assert.False(t, DetectServerMode(cfg, port))

	yes := true
	cfg.ServerMode = &yes
	assert.True(t, DetectServerMode(cfg, none))
}

func TestAccessTracker(t *testing.T) {
	c := &clock{t: time.Now()}
	tr := NewAccessTracker(c.Now)
	cfg := DefaultConfig()
	cfg.PromotionAccessThreshold = 3
	cfg.PromotionCostThresholdMs = 50

	tr.Record("v", time.Millisecond)
	tr.Record("v", time.Millisecond)
	assert.False(t, tr.ShouldPromote("v", cfg))
	tr.Record("v", time.Millisecond)
	assert.True(t, tr.ShouldPromote("v", cfg))

	tr.Record("slow", 200*time.Millisecond)
	assert.True(t, tr.ShouldPromote("slow", cfg))

	cfg.EnableAutoPromotion = false
	assert.False(t, tr.ShouldPromote("slow", cfg))

	c.Advance(48 * time.Hour)
	assert.Equal(t, 2, tr.Cleanup(24*time.Hour))
}

func TestConfigValidate(t *testing.T) {
	assert.NoError(t, DefaultConfig().Validate())
	bad := DefaultConfig()
	bad.CacheStrategy = "distributed"
	assert.True(t, types.IsKind(bad.Validate(), types.KindConfiguration))
	bad = DefaultConfig()
	bad.MaxDeltaChainLength = 0
	assert.Error(t, bad.Validate())
}
