// Package memory is a volatile storage backend holding every record in
// process memory. Records keep insertion order, lexical search runs on an
// in-process BM25 index and vector search on a chromem-go collection.
// It is meant for tests, ephemeral agents and as the store behind a
// remote server started without persistence.
package memory

import (
	"context"
	"sync"
	"time"

	"github.com/charmbracelet/log"
	"github.com/elliotchance/orderedmap/v3"
	chromem "github.com/philippgille/chromem-go"

	"github.com/scrypster/locai/internal/search"
	"github.com/scrypster/locai/internal/storage"
	"github.com/scrypster/locai/pkg/types"
)

// Options configures a Store.
type Options struct {
	Namespace string
	Database  string
	Logger    *log.Logger

	// Now overrides the clock used for expiry checks.
	Now func() time.Time
}

// Store implements storage.Store in memory. It is safe for concurrent use.
type Store struct {
	mu     sync.RWMutex
	st     *state
	opts   Options
	logger *log.Logger
	inTx   bool
	closed bool
}

var _ storage.Store = (*Store)(nil)

// state is everything a transaction snapshots. Stored records are never
// mutated in place: writers store fresh clones, so cloning the state only
// copies the containers.
type state struct {
	memories      *orderedmap.OrderedMap[string, *types.Memory]
	entities      *orderedmap.OrderedMap[string, *types.Entity]
	relationships *orderedmap.OrderedMap[string, *types.Relationship]
	vectors       *orderedmap.OrderedMap[string, *types.Vector]
	versions      *orderedmap.OrderedMap[string, *storage.VersionRecord]
	relTypes      map[string]*types.RelationshipTypeDef
	dimension     int

	lexical *search.Index
	index   *chromem.Collection
}

func newState() *state {
	return &state{
		memories:      orderedmap.NewOrderedMap[string, *types.Memory](),
		entities:      orderedmap.NewOrderedMap[string, *types.Entity](),
		relationships: orderedmap.NewOrderedMap[string, *types.Relationship](),
		vectors:       orderedmap.NewOrderedMap[string, *types.Vector](),
		versions:      orderedmap.NewOrderedMap[string, *storage.VersionRecord](),
		relTypes:      make(map[string]*types.RelationshipTypeDef),
		lexical:       search.NewIndex(),
		index:         newCollection(),
	}
}

func newCollection() *chromem.Collection {
	// Embeddings are always supplied, so no embedding func is needed.
	col, err := chromem.NewDB().CreateCollection("vectors", nil, nil)
	if err != nil {
		// Creating a collection in a fresh in-memory DB cannot collide.
		panic(err)
	}
	return col
}

func copyMap[V any](src *orderedmap.OrderedMap[string, V]) *orderedmap.OrderedMap[string, V] {
	dst := orderedmap.NewOrderedMap[string, V]()
	for el := src.Front(); el != nil; el = el.Next() {
		dst.Set(el.Key, el.Value)
	}
	return dst
}

func values[V any](m *orderedmap.OrderedMap[string, V]) []V {
	out := make([]V, 0, m.Len())
	for el := m.Front(); el != nil; el = el.Next() {
		out = append(out, el.Value)
	}
	return out
}

// clone copies the containers and rebuilds both search indexes.
func (st *state) clone(ctx context.Context) (*state, error) {
	c := &state{
		memories:      copyMap(st.memories),
		entities:      copyMap(st.entities),
		relationships: copyMap(st.relationships),
		vectors:       copyMap(st.vectors),
		versions:      copyMap(st.versions),
		relTypes:      make(map[string]*types.RelationshipTypeDef, len(st.relTypes)),
		dimension:     st.dimension,
	}
	for k, v := range st.relTypes {
		c.relTypes[k] = v
	}
	if err := c.reindex(ctx); err != nil {
		return nil, err
	}
	return c, nil
}

func (st *state) reindex(ctx context.Context) error {
	st.lexical = search.NewIndex()
	for el := st.memories.Front(); el != nil; el = el.Next() {
		st.lexical.Add(el.Key, el.Value.Content)
	}
	st.index = newCollection()
	for el := st.vectors.Front(); el != nil; el = el.Next() {
		if err := st.indexVector(ctx, el.Value); err != nil {
			return err
		}
	}
	return nil
}

// New returns an empty store.
func New(opts Options) *Store {
	if opts.Logger == nil {
		opts.Logger = log.Default()
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	if opts.Database == "" {
		opts.Database = "memory"
	}
	return &Store{
		st:     newState(),
		opts:   opts,
		logger: opts.Logger.With("backend", "memory"),
	}
}

func (s *Store) now() time.Time { return s.opts.Now() }

// read runs fn under the read lock.
func (s *Store) read(fn func(st *state) error) error {
	if s.inTx {
		return fn(s.st)
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.closed {
		return types.NewError(types.KindConnection, "memory: store is closed")
	}
	return fn(s.st)
}

// write runs fn under the write lock.
func (s *Store) write(fn func(st *state) error) error {
	if s.inTx {
		return fn(s.st)
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return types.NewError(types.KindConnection, "memory: store is closed")
	}
	return fn(s.st)
}

// Capabilities reports snapshot transactions and the chromem index.
func (s *Store) Capabilities() storage.Capabilities {
	return storage.Capabilities{Transactions: true, NativeVectorIndex: true}
}

// WithTx runs fn against a private copy of the state and installs the copy
// only when fn succeeds. Writers outside the transaction wait for it.
func (s *Store) WithTx(ctx context.Context, fn func(tx storage.Store) error) error {
	if s.inTx {
		return fn(s)
	}
	return s.write(func(st *state) error {
		snapshot, err := st.clone(ctx)
		if err != nil {
			return types.Wrap(types.KindTransaction, err, "memory: begin")
		}
		child := &Store{st: snapshot, opts: s.opts, logger: s.logger, inTx: true}
		if err := fn(child); err != nil {
			return err
		}
		s.st = child.st
		return nil
	})
}

// HealthCheck fails once the store is closed.
func (s *Store) HealthCheck(ctx context.Context) error {
	return s.read(func(*state) error { return nil })
}

// Clear drops every record and the vector dimension.
func (s *Store) Clear(ctx context.Context) error {
	return s.write(func(st *state) error {
		*st = *newState()
		return nil
	})
}

// Metadata reports record counts.
func (s *Store) Metadata(ctx context.Context) (*storage.StoreMetadata, error) {
	var md *storage.StoreMetadata
	err := s.read(func(st *state) error {
		md = &storage.StoreMetadata{
			Backend:           "memory",
			Namespace:         s.opts.Namespace,
			Database:          s.opts.Database,
			VectorDimension:   st.dimension,
			MemoryCount:       st.memories.Len(),
			EntityCount:       st.entities.Len(),
			RelationshipCount: st.relationships.Len(),
			VectorCount:       st.vectors.Len(),
			VersionCount:      st.versions.Len(),
		}
		return nil
	})
	return md, err
}

// Close releases the records. Later calls fail with a connection error.
func (s *Store) Close() error {
	if s.inTx {
		return nil
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.closed = true
	s.st = newState()
	return nil
}
