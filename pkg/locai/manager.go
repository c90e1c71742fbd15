// Package locai is the public entry point of the memory store. A Manager
// binds a storage backend to access tracking, hooks, relationship types,
// search, versioning, graph traversal, batches and entity extraction.
//
// Hooks registered on a Manager must not call back into its write
// operations; doing so can deadlock sync dispatch inside a transaction.
package locai

import (
	"context"
	"io"
	"slices"
	"strings"
	"sync"
	"time"

	"github.com/charmbracelet/log"

	"github.com/scrypster/locai/internal/batch"
	"github.com/scrypster/locai/internal/extraction"
	"github.com/scrypster/locai/internal/graph"
	"github.com/scrypster/locai/internal/lifecycle"
	"github.com/scrypster/locai/internal/relationships"
	"github.com/scrypster/locai/internal/search"
	"github.com/scrypster/locai/internal/storage"
	"github.com/scrypster/locai/internal/versioning"
	"github.com/scrypster/locai/pkg/embedding"
	"github.com/scrypster/locai/pkg/hooks"
	"github.com/scrypster/locai/pkg/types"
)

// Manager is safe for concurrent use. Create one with a Builder and
// release it with Close.
type Manager struct {
	cfg       *Config
	store     storage.Store
	logger    *log.Logger
	logCloser io.Closer
	now       func() time.Time
	newID     func() string

	hooks      *hooks.Registry
	types      *relationships.Registry
	tracker    *lifecycle.Tracker
	search     *search.Pipeline
	versions   *versioning.Manager
	graph      *graph.Traversal
	batch      *batch.Executor
	embeddings *embedding.Manager
	generator  embedding.Generator
	extraction *extraction.Pipeline
	extracting bool

	sweepStop chan struct{}
	sweepDone chan struct{}

	closeOnce sync.Once
	closeErr  error
}

// MemoryOptions are the optional fields of AddMemoryWithOptions.
type MemoryOptions struct {
	Priority   types.Priority
	Tags       []string
	Source     string
	Properties map[string]any
	Embedding  []float32
	ExpiresAt  *time.Time
}

// Config returns the configuration the manager was built with.
func (m *Manager) Config() *Config { return m.cfg }

// Storage returns the underlying backend. Writes made directly through it
// bypass hooks and access tracking.
func (m *Manager) Storage() storage.Store { return m.store }

// Logger returns the manager's logger.
func (m *Manager) Logger() *log.Logger { return m.logger }

// Hooks returns the hook registry.
func (m *Manager) Hooks() *hooks.Registry { return m.hooks }

// RegisterHook adds h to the hook registry.
func (m *Manager) RegisterHook(h hooks.Hook) error { return m.hooks.Register(h) }

// StoreMemory persists mem and returns its id, generating one when empty.
func (m *Manager) StoreMemory(ctx context.Context, mem *types.Memory) (string, error) {
	if mem == nil {
		return "", types.NewError(types.KindValidation, "memory is nil")
	}
	if mem.ID == "" {
		mem.ID = m.newID()
	}
	mem.ApplyDefaults(m.now())
	if mem.Properties == nil {
		mem.Properties = map[string]any{}
	}
	if mem.HasEmbedding() {
		v, err := m.embeddings.Prepare(mem.Embedding)
		if err != nil {
			return "", err
		}
		mem.Embedding = v
	}
	if err := mem.Validate(); err != nil {
		return "", err
	}
	if err := m.store.CreateMemory(ctx, mem); err != nil {
		return "", err
	}

	m.hooks.DispatchCreated(ctx, mem)
	if m.extracting && !m.extraction.Enqueue(mem.ID) {
		m.logger.Debug("extraction queue full", "memory_id", mem.ID)
	}
	m.logger.Debug("memory stored", "memory_id", mem.ID, "type", mem.MemoryType)
	return mem.ID, nil
}

// AddMemory stores content as a fact.
func (m *Manager) AddMemory(ctx context.Context, content string) (string, error) {
	return m.add(ctx, content, types.MemoryTypeFact, MemoryOptions{})
}

// AddMemoryWithOptions stores content with the given type and options.
func (m *Manager) AddMemoryWithOptions(ctx context.Context, content string, memoryType types.MemoryType, opts MemoryOptions) (string, error) {
	return m.add(ctx, content, memoryType, opts)
}

// AddMemoryWithPriority stores content as a fact with priority p.
func (m *Manager) AddMemoryWithPriority(ctx context.Context, content string, p types.Priority) (string, error) {
	return m.add(ctx, content, types.MemoryTypeFact, MemoryOptions{Priority: p})
}

// AddFact stores a fact.
func (m *Manager) AddFact(ctx context.Context, content string) (string, error) {
	return m.add(ctx, content, types.MemoryTypeFact, MemoryOptions{})
}

// AddConversation stores a conversation turn.
func (m *Manager) AddConversation(ctx context.Context, content string) (string, error) {
	return m.add(ctx, content, types.MemoryTypeConversation, MemoryOptions{})
}

// AddProcedure stores procedural knowledge.
func (m *Manager) AddProcedure(ctx context.Context, content string) (string, error) {
	return m.add(ctx, content, types.MemoryTypeProcedural, MemoryOptions{})
}

// AddEpisode stores an episodic memory.
func (m *Manager) AddEpisode(ctx context.Context, content string) (string, error) {
	return m.add(ctx, content, types.MemoryTypeEpisodic, MemoryOptions{})
}

// AddIdentity stores an identity memory.
func (m *Manager) AddIdentity(ctx context.Context, content string) (string, error) {
	return m.add(ctx, content, types.MemoryTypeIdentity, MemoryOptions{})
}

// AddWorldFact stores a world-knowledge memory.
func (m *Manager) AddWorldFact(ctx context.Context, content string) (string, error) {
	return m.add(ctx, content, types.MemoryTypeWorld, MemoryOptions{})
}

// AddAction stores an action memory.
func (m *Manager) AddAction(ctx context.Context, content string) (string, error) {
	return m.add(ctx, content, types.MemoryTypeAction, MemoryOptions{})
}

// AddEvent stores an event memory.
func (m *Manager) AddEvent(ctx context.Context, content string) (string, error) {
	return m.add(ctx, content, types.MemoryTypeEvent, MemoryOptions{})
}

func (m *Manager) add(ctx context.Context, content string, memoryType types.MemoryType, opts MemoryOptions) (string, error) {
	mem := types.NewMemory("", content, memoryType)
	mem.CreatedAt = m.now().UTC()
	if opts.Priority != "" {
		mem.Priority = opts.Priority
	}
	for _, tag := range opts.Tags {
		mem.AddTag(tag)
	}
	mem.Source = opts.Source
	for k, v := range opts.Properties {
		mem.SetProperty(k, v)
	}
	mem.Embedding = opts.Embedding
	mem.ExpiresAt = opts.ExpiresAt
	return m.StoreMemory(ctx, mem)
}

// GetMemory returns the memory with id, or nil when it does not exist or
// has expired. An expired memory is removed on the way out. The read
// counts as an access.
func (m *Manager) GetMemory(ctx context.Context, id string) (*types.Memory, error) {
	mem, err := m.store.GetMemory(ctx, id)
	if err != nil || mem == nil {
		return nil, err
	}
	if mem.IsExpired(m.now()) {
		// Expiry is not a user delete: no hooks.
		if _, err := m.store.DeleteMemory(ctx, id); err != nil {
			m.logger.Warn("could not remove expired memory", "memory_id", id, "err", err)
		}
		return nil, nil
	}
	if err := m.tracker.Record(ctx, lifecycle.AccessGet, mem.ID); err != nil {
		return nil, types.Wrap(types.KindOperation, err, "record access to %s", mem.ID)
	}
	m.hooks.DispatchAccessed(ctx, mem)
	return mem, nil
}

// UpdateMemory replaces an existing memory. It reports false when the
// memory does not exist.
func (m *Manager) UpdateMemory(ctx context.Context, mem *types.Memory) (bool, error) {
	if mem == nil {
		return false, types.NewError(types.KindValidation, "memory is nil")
	}
	prev, err := m.store.GetMemory(ctx, mem.ID)
	if err != nil || prev == nil {
		return false, err
	}
	if mem.CreatedAt.IsZero() {
		mem.CreatedAt = prev.CreatedAt
	}
	mem.ApplyDefaults(m.now())
	if mem.HasEmbedding() {
		v, err := m.embeddings.Prepare(mem.Embedding)
		if err != nil {
			return false, err
		}
		mem.Embedding = v
	}
	if err := mem.Validate(); err != nil {
		return false, err
	}
	if err := m.store.UpdateMemory(ctx, mem); err != nil {
		if types.IsKind(err, types.KindNotFound) {
			return false, nil
		}
		return false, err
	}
	m.hooks.DispatchUpdated(ctx, prev, mem)
	if m.extracting && prev.Content != mem.Content {
		m.extraction.Enqueue(mem.ID)
	}
	return true, nil
}

// TagMemory adds tag to a memory. It reports false when the memory does
// not exist.
func (m *Manager) TagMemory(ctx context.Context, id, tag string) (bool, error) {
	tag = strings.TrimSpace(tag)
	if tag == "" {
		return false, types.NewError(types.KindValidation, "tag must not be empty")
	}
	mem, err := m.store.GetMemory(ctx, id)
	if err != nil || mem == nil {
		return false, err
	}
	if mem.HasTag(tag) {
		return true, nil
	}
	mem.AddTag(tag)
	return m.UpdateMemory(ctx, mem)
}

// DeleteMemory removes a memory and every relationship touching it.
// Delete hooks run first and may veto, in which case an Operation error
// carrying the reason is returned and nothing is removed.
func (m *Manager) DeleteMemory(ctx context.Context, id string) (bool, error) {
	mem, err := m.store.GetMemory(ctx, id)
	if err != nil || mem == nil {
		return false, err
	}
	if err := m.hooks.DispatchBeforeDelete(ctx, mem); err != nil {
		return false, err
	}
	return m.store.DeleteMemory(ctx, id)
}

// ListMemories returns memories matching filter. A nil filter matches all
// unexpired memories.
func (m *Manager) ListMemories(ctx context.Context, filter *storage.MemoryFilter, limit, offset int) ([]*types.Memory, error) {
	mems, err := m.store.ListMemories(ctx, filter, limit, offset)
	if err != nil {
		return nil, err
	}
	if err := m.tracker.Record(ctx, lifecycle.AccessList, memoryIDs(mems)...); err != nil {
		return nil, types.Wrap(types.KindOperation, err, "record list access")
	}
	return mems, nil
}

// CountMemories counts memories matching filter.
func (m *Manager) CountMemories(ctx context.Context, filter *storage.MemoryFilter) (int, error) {
	return m.store.CountMemories(ctx, filter)
}

// MemoriesByType lists memories of one type.
func (m *Manager) MemoriesByType(ctx context.Context, memoryType types.MemoryType, limit int) ([]*types.Memory, error) {
	return m.ListMemories(ctx, &storage.MemoryFilter{MemoryType: memoryType}, limit, 0)
}

// MemoriesByTag lists memories carrying tag.
func (m *Manager) MemoriesByTag(ctx context.Context, tag string, limit int) ([]*types.Memory, error) {
	return m.ListMemories(ctx, &storage.MemoryFilter{Tags: []string{tag}}, limit, 0)
}

// MemoriesByPriority lists memories with priority p.
func (m *Manager) MemoriesByPriority(ctx context.Context, p types.Priority, limit int) ([]*types.Memory, error) {
	all, err := m.store.ListMemories(ctx, nil, 0, 0)
	if err != nil {
		return nil, err
	}
	var out []*types.Memory
	for _, mem := range all {
		if mem.Priority != p {
			continue
		}
		out = append(out, mem)
		if limit > 0 && len(out) == limit {
			break
		}
	}
	if err := m.tracker.Record(ctx, lifecycle.AccessList, memoryIDs(out)...); err != nil {
		return nil, types.Wrap(types.KindOperation, err, "record list access")
	}
	return out, nil
}

// RecentMemories returns the limit most recently created memories, newest
// first. Ties on created_at order by id.
func (m *Manager) RecentMemories(ctx context.Context, limit int) ([]*types.Memory, error) {
	mems, err := m.store.ListMemories(ctx, nil, 0, 0)
	if err != nil {
		return nil, err
	}
	slices.SortFunc(mems, func(a, b *types.Memory) int {
		if c := b.CreatedAt.Compare(a.CreatedAt); c != 0 {
			return c
		}
		return strings.Compare(a.ID, b.ID)
	})
	if limit > 0 && len(mems) > limit {
		mems = mems[:limit]
	}
	if err := m.tracker.Record(ctx, lifecycle.AccessList, memoryIDs(mems)...); err != nil {
		return nil, types.Wrap(types.KindOperation, err, "record list access")
	}
	return mems, nil
}

// SweepExpired physically removes expired memories.
func (m *Manager) SweepExpired(ctx context.Context) (int, error) {
	n, err := m.store.DeleteExpiredMemories(ctx, m.now().UTC())
	if err != nil {
		return 0, err
	}
	if n > 0 {
		m.logger.Info("expired memories removed", "count", n)
	}
	return n, nil
}

func (m *Manager) startSweeper(interval time.Duration) {
	m.sweepStop = make(chan struct{})
	m.sweepDone = make(chan struct{})
	go func() {
		defer close(m.sweepDone)
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			select {
			case <-m.sweepStop:
				return
			case <-ticker.C:
				if _, err := m.SweepExpired(context.Background()); err != nil {
					m.logger.Warn("expiry sweep failed", "err", err)
				}
			}
		}
	}()
}

// FlushAccessUpdates writes pending access updates now.
func (m *Manager) FlushAccessUpdates(ctx context.Context) error {
	return m.tracker.Flush(ctx)
}

// PendingAccessUpdates returns the number of memories with queued access
// updates.
func (m *Manager) PendingAccessUpdates() int { return m.tracker.Queue().Len() }

// HealthCheck pings the backend.
func (m *Manager) HealthCheck(ctx context.Context) error { return m.store.HealthCheck(ctx) }

// Metadata describes the backend and its record counts.
func (m *Manager) Metadata(ctx context.Context) (*storage.StoreMetadata, error) {
	return m.store.Metadata(ctx)
}

// ClearStorage removes every record, versions and relationship types
// included. Default relationship types are seeded again when configured.
func (m *Manager) ClearStorage(ctx context.Context) error {
	if err := m.store.Clear(ctx); err != nil {
		return err
	}
	m.types.Invalidate()
	if c := m.versions.Cache(); c != nil {
		c.Purge()
	}
	if m.cfg.Relationships.SeedDefaults {
		if _, err := m.types.SeedDefaults(ctx); err != nil {
			return err
		}
	}
	m.logger.Info("storage cleared")
	return nil
}

// Close stops background work, flushes pending access updates, waits for
// in-flight hooks and closes the backend. It is safe to call twice.
func (m *Manager) Close(ctx context.Context) error {
	m.closeOnce.Do(func() {
		if m.sweepStop != nil {
			close(m.sweepStop)
			<-m.sweepDone
		}
		var errs []error
		if m.extracting {
			if err := m.extraction.Stop(ctx); err != nil {
				errs = append(errs, err)
			}
		}
		if err := m.tracker.Close(ctx); err != nil {
			errs = append(errs, err)
		}
		drain := time.Duration(m.cfg.Hooks.DrainTimeoutMs) * time.Millisecond
		m.hooks.Wait(drain)
		if err := m.store.Close(); err != nil {
			errs = append(errs, err)
		}
		if len(errs) > 0 {
			m.closeErr = errs[0]
			for _, err := range errs[1:] {
				m.logger.Error("close", "err", err)
			}
		}
		closeQuietly(m.logCloser)
	})
	return m.closeErr
}

func memoryIDs(mems []*types.Memory) []string {
	ids := make([]string, len(mems))
	for i, mem := range mems {
		ids[i] = mem.ID
	}
	return ids
}
