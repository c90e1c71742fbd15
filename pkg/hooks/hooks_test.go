package hooks

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/scrypster/locai/pkg/types"
)

type recorder struct {
	mu    sync.Mutex
	order []string
}

func (r *recorder) add(s string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.order = append(r.order, s)
}

func (r *recorder) get() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]string(nil), r.order...)
}

type testHook struct {
	Base
	rec    *recorder
	veto   string
	sleep  time.Duration
	panics bool
}

func (h *testHook) OnMemoryCreated(ctx context.Context, m *types.Memory) Result {
	h.rec.add(h.HookName)
	return Continue()
}

func (h *testHook) BeforeMemoryDeleted(ctx context.Context, m *types.Memory) Result {
	if h.panics {
		panic("guard exploded")
	}
	if h.sleep > 0 {
		select {
		case <-time.After(h.sleep):
		case <-ctx.Done():
		}
	}
	h.rec.add(h.HookName)
	if h.veto != "" {
		return Veto(h.veto)
	}
	return Continue()
}

func hook(name string, priority int32, rec *recorder) *testHook {
	return &testHook{Base: Base{HookName: name, HookPriority: priority}, rec: rec}
}

func TestDispatchOrder(t *testing.T) {
	rec := &recorder{}
	r := NewRegistry()
	require.NoError(t, r.Register(hook("b-low", 1, rec)))
	require.NoError(t, r.Register(hook("z-high", 10, rec)))
	require.NoError(t, r.Register(hook("a-low", 1, rec)))

	assert.Equal(t, []string{"z-high", "a-low", "b-low"}, r.List())
	r.DispatchCreated(context.Background(), types.NewMemory("m", "x", types.MemoryTypeFact))
	assert.Equal(t, []string{"z-high", "a-low", "b-low"}, rec.get())
}

func TestRegisterRejectsDuplicates(t *testing.T) {
	r := NewRegistry()
	require.NoError(t, r.Register(hook("h", 0, &recorder{})))
	assert.True(t, types.IsKind(r.Register(hook("h", 5, &recorder{})), types.KindAlreadyExists))
	assert.True(t, types.IsKind(r.Register(hook("", 5, &recorder{})), types.KindValidation))

	assert.True(t, r.Unregister("h"))
	assert.False(t, r.Unregister("h"))
	assert.Zero(t, r.Len())
}

func TestVetoStopsDispatch(t *testing.T) {
	rec := &recorder{}
	r := NewRegistry()
	guard := hook("guard", 10, rec)
	guard.veto = "pinned memory"
	require.NoError(t, r.Register(guard))
	require.NoError(t, r.Register(hook("after", 1, rec)))

	err := r.DispatchBeforeDelete(context.Background(), types.NewMemory("m", "x", types.MemoryTypeFact))
	require.Error(t, err)
	assert.True(t, types.IsKind(err, types.KindOperation))
	assert.Contains(t, err.Error(), "vetoed: pinned memory")
	assert.Equal(t, []string{"guard"}, rec.get(), "lower priority guards are skipped")
}

func TestTimedOutGuardAllowsDelete(t *testing.T) {
	rec := &recorder{}
	r := NewRegistry()
	slow := hook("slow", 0, rec)
	slow.veto = "too late"
	slow.sleep = time.Second
	slow.HookTimeout = 20 * time.Millisecond
	require.NoError(t, r.Register(slow))

	assert.NoError(t, r.DispatchBeforeDelete(context.Background(), types.NewMemory("m", "x", types.MemoryTypeFact)))
}

func TestPanickingHookIsSwallowed(t *testing.T) {
	r := NewRegistry()
	bad := hook("bad", 0, &recorder{})
	bad.panics = true
	require.NoError(t, r.Register(bad))

	assert.NoError(t, r.DispatchBeforeDelete(context.Background(), types.NewMemory("m", "x", types.MemoryTypeFact)))
}

func TestAsyncDispatchDrains(t *testing.T) {
	rec := &recorder{}
	r := NewRegistry(WithAsync(true))
	require.NoError(t, r.Register(hook("h", 0, rec)))

	for i := 0; i < 5; i++ {
		r.DispatchCreated(context.Background(), types.NewMemory("m", "x", types.MemoryTypeFact))
	}
	assert.True(t, r.Wait(time.Second))
	assert.Len(t, rec.get(), 5)
}

func TestWebhookPostsEvents(t *testing.T) {
	var got []Event
	var mu sync.Mutex
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var e Event
		require.NoError(t, json.NewDecoder(r.Body).Decode(&e))
		mu.Lock()
		got = append(got, e)
		mu.Unlock()
	}))
	defer srv.Close()

	wh := NewWebhookHook(srv.URL, WebhookOptions{Events: []EventType{EventCreated}})
	r := NewRegistry()
	require.NoError(t, r.Register(wh))

	m := types.NewMemory("m1", "hello", types.MemoryTypeFact)
	r.DispatchCreated(context.Background(), m)
	r.DispatchUpdated(context.Background(), m, m)

	mu.Lock()
	defer mu.Unlock()
	require.Len(t, got, 1, "only subscribed events are posted")
	assert.Equal(t, EventCreated, got[0].Type)
	assert.Equal(t, "m1", got[0].MemoryID)
	assert.Equal(t, "hello", got[0].Memory.Content)
}

func TestWebhookRetriesServerErrors(t *testing.T) {
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if calls.Add(1) < 3 {
			w.WriteHeader(http.StatusServiceUnavailable)
		}
	}))
	defer srv.Close()

	wh := NewWebhookHook(srv.URL, WebhookOptions{})
	require.NoError(t, wh.Post(context.Background(), Event{Type: EventCreated, MemoryID: "m"}))
	assert.Equal(t, int32(3), calls.Load())
}

func TestWebhookClientErrorsAreNotRetried(t *testing.T) {
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		w.WriteHeader(http.StatusBadRequest)
	}))
	defer srv.Close()

	wh := NewWebhookHook(srv.URL, WebhookOptions{})
	assert.Error(t, wh.Post(context.Background(), Event{Type: EventCreated, MemoryID: "m"}))
	assert.Equal(t, int32(1), calls.Load())
}

func TestWebhookBreakerOpens(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusBadRequest)
	}))
	defer srv.Close()

	wh := NewWebhookHook(srv.URL, WebhookOptions{BreakerFailures: 2})
	for i := 0; i < 2; i++ {
		_ = wh.Post(context.Background(), Event{Type: EventCreated, MemoryID: "m"})
	}
	assert.Equal(t, "open", wh.State())
	err := wh.Post(context.Background(), Event{Type: EventCreated, MemoryID: "m"})
	assert.True(t, types.IsKind(err, types.KindConnection))
}

func TestEventFileRoundTrip(t *testing.T) {
	dir := t.TempDir()
	received := make(chan Event, 4)
	watcher := NewEventWatcher(dir, func(e Event) { received <- e }, nil)
	require.NoError(t, watcher.Start())
	defer watcher.Stop()

	h := NewEventFileHook(dir)
	h.OnMemoryCreated(context.Background(), types.NewMemory("mem:1", "x", types.MemoryTypeFact))

	select {
	case e := <-received:
		assert.Equal(t, EventCreated, e.Type)
		assert.Equal(t, "mem:1", e.MemoryID)
	case <-time.After(3 * time.Second):
		t.Fatal("timeout waiting for event")
	}

	entries, err := os.ReadDir(filepath.Join(dir, "events"))
	require.NoError(t, err)
	assert.Empty(t, entries, "consumed files are removed")
}

func TestEventWatcherDrainsExisting(t *testing.T) {
	dir := t.TempDir()
	h := NewEventFileHook(dir)
	require.NoError(t, h.Write(EventCreated, "early-1"))
	require.NoError(t, h.Write(EventUpdated, "early-2"))

	received := make(chan string, 4)
	watcher := NewEventWatcher(dir, func(e Event) { received <- e.MemoryID }, nil)
	require.NoError(t, watcher.Start())
	defer watcher.Stop()

	got := map[string]bool{}
	for len(got) < 2 {
		select {
		case id := <-received:
			got[id] = true
		case <-time.After(3 * time.Second):
			t.Fatalf("drained only %v", got)
		}
	}
}

func TestSanitizeID(t *testing.T) {
	assert.Equal(t, "mem_general_a_b", sanitizeID("mem:general/a.b"))
}
