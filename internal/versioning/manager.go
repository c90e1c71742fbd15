package versioning

import (
	"context"
	"sync"
	"time"

	"github.com/charmbracelet/log"
	"github.com/google/uuid"

	"github.com/scrypster/locai/internal/retention"
	"github.com/scrypster/locai/internal/storage"
	"github.com/scrypster/locai/pkg/types"
)

// Option configures a Manager.
type Option func(*Manager)

// WithLogger sets the logger.
func WithLogger(l *log.Logger) Option {
	return func(m *Manager) { m.logger = l }
}

// WithClock sets the clock for version timestamps, promotion and retention.
func WithClock(now func() time.Time) Option {
	return func(m *Manager) { m.now = now }
}

// WithCache replaces the cache NewManager would pick.
func WithCache(c Cache) Option {
	return func(m *Manager) { m.cache = c }
}

// WithIDGenerator sets the version id generator.
func WithIDGenerator(gen func() string) Option {
	return func(m *Manager) { m.newID = gen }
}

// Manager creates, reconstructs and checks out versions.
type Manager struct {
	store   storage.Store
	cfg     Config
	cache   Cache
	tracker *AccessTracker
	logger  *log.Logger
	now     func() time.Time
	newID   func() string

	// mu serialises writers of version records.
	mu sync.Mutex
}

// NewManager validates cfg and returns a manager over store.
func NewManager(store storage.Store, cfg Config, opts ...Option) (*Manager, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	m := &Manager{
		store:  store,
		cfg:    cfg,
		logger: log.Default(),
		now:    time.Now,
		newID:  uuid.NewString,
	}
	for _, opt := range opts {
		opt(m)
	}
	if m.cache == nil && cfg.EnableReconstructionCache {
		m.cache = NewCache(cfg)
	}
	m.tracker = NewAccessTracker(m.now)
	return m, nil
}

// Config returns the manager configuration.
func (m *Manager) Config() Config { return m.cfg }

// Tracker exposes the reconstruction access tracker.
func (m *Manager) Tracker() *AccessTracker { return m.tracker }

// Cache returns the reconstruction cache, nil when disabled.
func (m *Manager) Cache() Cache { return m.cache }

func (m *Manager) enabled() error {
	if !m.cfg.Enabled {
		return types.NewError(types.KindFeatureNotEnabled, "versioning is disabled")
	}
	return nil
}

// Capture reads the current logical record set, expired memories included.
// On backends with transactions the three reads share one transaction so
// no edge is captured without its endpoints.
func (m *Manager) Capture(ctx context.Context) (*storage.Snapshot, error) {
	if !m.store.Capabilities().Transactions {
		return capture(ctx, m.store)
	}
	var snap *storage.Snapshot
	err := m.store.WithTx(ctx, func(tx storage.Store) error {
		var err error
		snap, err = capture(ctx, tx)
		return err
	})
	if err != nil {
		return nil, err
	}
	return snap, nil
}

func capture(ctx context.Context, st storage.Store) (*storage.Snapshot, error) {
	mems, err := st.ListMemories(ctx, &storage.MemoryFilter{IncludeExpired: true}, 0, 0)
	if err != nil {
		return nil, err
	}
	ents, err := st.ListEntities(ctx, nil, 0, 0)
	if err != nil {
		return nil, err
	}
	rels, err := st.ListRelationships(ctx, nil, 0, 0)
	if err != nil {
		return nil, err
	}
	return CloneSnapshot(&storage.Snapshot{Memories: mems, Entities: ents, Relationships: rels}), nil
}

// Create snapshots the store. The version is stored in full when it has
// no parent or when the delta chain would grow too long, otherwise as a
// delta against the newest version.
func (m *Manager) Create(ctx context.Context, description string, metadata map[string]any) (*types.Version, error) {
	if err := m.enabled(); err != nil {
		return nil, err
	}
	m.mu.Lock()
	defer m.mu.Unlock()

	snap, err := m.Capture(ctx)
	if err != nil {
		return nil, err
	}
	sum, err := Checksum(snap)
	if err != nil {
		return nil, err
	}
	if metadata == nil {
		metadata = map[string]any{}
	}
	if _, ok := metadata["snapshot_type"]; !ok {
		metadata["snapshot_type"] = types.SnapshotTypeGeneric
	}
	rec := &storage.VersionRecord{
		Version: types.Version{
			ID:          m.newID(),
			Description: description,
			Metadata:    types.CloneProperties(metadata),
			CreatedAt:   m.now().UTC(),
		},
		MemoryCount:       len(snap.Memories),
		EntityCount:       len(snap.Entities),
		RelationshipCount: len(snap.Relationships),
		Checksum:          sum,
	}

	parent, err := m.latest(ctx)
	if err != nil {
		return nil, err
	}
	if parent == nil || m.needsFull(parent.ChainLength+1) {
		rec.Mode = storage.VersionFull
		rec.Full = snap
	} else {
		base, err := m.materialize(ctx, parent)
		if err != nil {
			return nil, err
		}
		rec.Mode = storage.VersionDelta
		rec.ParentID = parent.Version.ID
		rec.ChainLength = parent.ChainLength + 1
		rec.Delta = Diff(base, snap)
	}
	if err := m.store.SaveVersion(ctx, rec); err != nil {
		return nil, err
	}
	if m.cache != nil {
		m.cache.Put(rec.Version.ID, snap)
	}
	m.logger.Debug("version created", "id", rec.Version.ID, "mode", rec.Mode, "chain", rec.ChainLength, "changes", rec.Delta.Size())
	v := rec.Version
	return &v, nil
}

// CreateConversationVersion snapshots with snapshot_type conversation.
func (m *Manager) CreateConversationVersion(ctx context.Context, sessionID, description string) (*types.Version, error) {
	return m.Create(ctx, description, map[string]any{
		"snapshot_type": types.SnapshotTypeConversation,
		"session_id":    sessionID,
	})
}

// CreateKnowledgeVersion snapshots with snapshot_type knowledge.
func (m *Manager) CreateKnowledgeVersion(ctx context.Context, topic, description string) (*types.Version, error) {
	return m.Create(ctx, description, map[string]any{
		"snapshot_type": types.SnapshotTypeKnowledge,
		"topic":         topic,
	})
}

func (m *Manager) needsFull(chain int) bool {
	if chain >= m.cfg.MaxDeltaChainLength {
		return true
	}
	return m.cfg.DeltaThreshold > 0 && chain >= m.cfg.DeltaThreshold
}

func (m *Manager) latest(ctx context.Context) (*storage.VersionRecord, error) {
	recs, err := m.store.ListVersions(ctx, 1, 0)
	if err != nil || len(recs) == 0 {
		return nil, err
	}
	return recs[0], nil
}

// Get returns the version or (nil, nil).
func (m *Manager) Get(ctx context.Context, id string) (*types.Version, error) {
	rec, err := m.store.GetVersion(ctx, id)
	if err != nil || rec == nil {
		return nil, err
	}
	v := rec.Version
	return &v, nil
}

// Record returns the stored record or (nil, nil).
func (m *Manager) Record(ctx context.Context, id string) (*storage.VersionRecord, error) {
	return m.store.GetVersion(ctx, id)
}

// List returns versions newest first.
func (m *Manager) List(ctx context.Context, limit, offset int) ([]*types.Version, error) {
	recs, err := m.store.ListVersions(ctx, limit, offset)
	if err != nil {
		return nil, err
	}
	out := make([]*types.Version, len(recs))
	for i, rec := range recs {
		v := rec.Version
		out[i] = &v
	}
	return out, nil
}

// ListByType returns versions whose snapshot_type equals typ, newest first.
func (m *Manager) ListByType(ctx context.Context, typ string) ([]*types.Version, error) {
	all, err := m.List(ctx, 0, 0)
	if err != nil {
		return nil, err
	}
	var out []*types.Version
	for _, v := range all {
		if v.SnapshotType() == typ {
			out = append(out, v)
		}
	}
	return out, nil
}

// Reconstruct returns the record set captured by version id. NotFound when
// the version does not exist. Reconstructions are tracked and a delta
// that turns hot is promoted to a full copy.
func (m *Manager) Reconstruct(ctx context.Context, id string) (*storage.Snapshot, error) {
	start := time.Now()
	if m.cache != nil {
		if snap, ok := m.cache.Get(id); ok {
			m.tracker.Record(id, time.Since(start))
			return CloneSnapshot(snap), nil
		}
	}
	rec, err := m.store.GetVersion(ctx, id)
	if err != nil {
		return nil, err
	}
	if rec == nil {
		return nil, types.Errorf(types.KindNotFound, "version %s not found", id)
	}
	snap, err := m.materialize(ctx, rec)
	if err != nil {
		return nil, err
	}
	if sum, err := Checksum(snap); err == nil && rec.Checksum != "" && sum != rec.Checksum {
		m.logger.Warn("version checksum mismatch", "id", id)
	}
	if m.cache != nil {
		m.cache.Put(id, snap)
	}
	m.tracker.Record(id, time.Since(start))

	if rec.Full == nil && m.tracker.ShouldPromote(id, m.cfg) {
		if _, err := m.Promote(ctx, id); err != nil {
			m.logger.Warn("version promotion failed", "id", id, "err", err)
		}
	}
	return CloneSnapshot(snap), nil
}

// materialize walks from rec to the nearest full snapshot and replays the
// deltas forward.
func (m *Manager) materialize(ctx context.Context, rec *storage.VersionRecord) (*storage.Snapshot, error) {
	chain := []*storage.VersionRecord{}
	seen := map[string]bool{}
	cur := rec
	for cur.Full == nil {
		if seen[cur.Version.ID] {
			return nil, types.Errorf(types.KindOperation, "version %s: delta chain loops", rec.Version.ID)
		}
		seen[cur.Version.ID] = true
		chain = append(chain, cur)
		if cur.ParentID == "" {
			return nil, types.Errorf(types.KindOperation, "version %s: delta without parent", cur.Version.ID)
		}
		if m.cache != nil {
			if snap, ok := m.cache.Get(cur.ParentID); ok {
				return replay(snap, chain), nil
			}
		}
		parent, err := m.store.GetVersion(ctx, cur.ParentID)
		if err != nil {
			return nil, err
		}
		if parent == nil {
			return nil, types.Errorf(types.KindOperation, "version %s: parent %s is missing", cur.Version.ID, cur.ParentID)
		}
		cur = parent
	}
	return replay(cur.Full, chain), nil
}

// replay applies chain, ordered newest first, on top of base.
func replay(base *storage.Snapshot, chain []*storage.VersionRecord) *storage.Snapshot {
	snap := CloneSnapshot(base)
	for i := len(chain) - 1; i >= 0; i-- {
		snap = Apply(snap, chain[i].Delta)
	}
	return snap
}

// Promote materialises a delta version into a full copy. The delta payload
// stays until CompactPromoted removes it. Reports whether anything changed.
func (m *Manager) Promote(ctx context.Context, id string) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	rec, err := m.store.GetVersion(ctx, id)
	if err != nil {
		return false, err
	}
	if rec == nil {
		return false, types.Errorf(types.KindNotFound, "version %s not found", id)
	}
	if rec.Full != nil {
		return false, nil
	}
	snap, err := m.materialize(ctx, rec)
	if err != nil {
		return false, err
	}
	at := m.now().UTC()
	rec.Full = snap
	rec.Mode = storage.VersionFull
	rec.ChainLength = 0
	rec.PromotedAt = &at
	if err := m.store.SaveVersion(ctx, rec); err != nil {
		return false, err
	}
	m.logger.Info("version promoted", "id", id)
	return true, nil
}

// CompactPromoted drops the delta payload of versions promoted longer ago
// than the delta retention window. Returns the number compacted.
func (m *Manager) CompactPromoted(ctx context.Context) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	recs, err := m.store.ListVersions(ctx, 0, 0)
	if err != nil {
		return 0, err
	}
	keep := time.Duration(m.cfg.DeltaRetentionHours) * time.Hour
	now := m.now()
	n := 0
	for _, rec := range recs {
		if rec.PromotedAt == nil || rec.Delta == nil || now.Sub(*rec.PromotedAt) < keep {
			continue
		}
		rec.Delta = nil
		if err := m.store.SaveVersion(ctx, rec); err != nil {
			return n, err
		}
		n++
	}
	return n, nil
}

// Checkout replaces the live record set with version id. False when the
// version does not exist. Hooks are not fired.
func (m *Manager) Checkout(ctx context.Context, id string) (bool, error) {
	snap, err := m.Reconstruct(ctx, id)
	if types.IsKind(err, types.KindNotFound) {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	if err := m.store.ReplaceAll(ctx, snap); err != nil {
		return false, err
	}
	m.logger.Info("checked out version", "id", id, "memories", len(snap.Memories))
	return true, nil
}

// Delete removes a version. Deltas built on it are promoted first so
// their chains stay intact.
func (m *Manager) Delete(ctx context.Context, id string) (bool, error) {
	recs, err := m.store.ListVersions(ctx, 0, 0)
	if err != nil {
		return false, err
	}
	for _, rec := range recs {
		if rec.ParentID == id && rec.Full == nil {
			if _, err := m.Promote(ctx, rec.Version.ID); err != nil {
				return false, err
			}
		}
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	ok, err := m.store.DeleteVersion(ctx, id)
	if err != nil {
		return false, err
	}
	if m.cache != nil {
		m.cache.Remove(id)
	}
	m.tracker.Forget(id)
	return ok, nil
}

// Sweep applies the retention policy. Versions a kept delta still needs
// are never deleted. Returns the number of versions removed.
func (m *Manager) Sweep(ctx context.Context) (int, error) {
	if m.cfg.Retention.IsZero() {
		return 0, nil
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	recs, err := m.store.ListVersions(ctx, 0, 0)
	if err != nil {
		return 0, err
	}
	byID := make(map[string]*storage.VersionRecord, len(recs))
	for _, rec := range recs {
		byID[rec.Version.ID] = rec
	}
	keep, drop := retention.Select(recs, func(r *storage.VersionRecord) time.Time { return r.Version.CreatedAt }, m.cfg.Retention, m.now())

	needed := map[string]bool{}
	for _, rec := range keep {
		for cur := rec; cur != nil && cur.Full == nil && !needed[cur.ParentID]; cur = byID[cur.ParentID] {
			needed[cur.ParentID] = true
		}
	}

	n := 0
	for _, rec := range drop {
		id := rec.Version.ID
		if needed[id] {
			continue
		}
		if _, err := m.store.DeleteVersion(ctx, id); err != nil {
			return n, err
		}
		if m.cache != nil {
			m.cache.Remove(id)
		}
		m.tracker.Forget(id)
		n++
	}
	if n > 0 {
		m.logger.Info("version retention sweep", "deleted", n, "kept", len(recs)-n)
	}
	return n, nil
}
