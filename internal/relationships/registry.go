// Package relationships manages relationship type definitions: their
// pairing semantics (symmetric, inverse, transitive) and the schema edge
// properties must satisfy.
package relationships

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/charmbracelet/log"

	"github.com/scrypster/locai/internal/storage"
	"github.com/scrypster/locai/pkg/types"
)

// Store is the persistence a Registry needs.
type Store interface {
	storage.RelationshipTypeStore
	CountRelationships(ctx context.Context, filter *storage.RelationshipFilter) (int, error)
}

// Option configures a Registry.
type Option func(*Registry)

// WithStrict rejects relationships whose type is not defined.
func WithStrict(strict bool) Option {
	return func(r *Registry) { r.strict = strict }
}

// WithLogger sets the logger.
func WithLogger(l *log.Logger) Option {
	return func(r *Registry) { r.logger = l }
}

// WithClock sets the clock used to stamp new definitions.
func WithClock(now func() time.Time) Option {
	return func(r *Registry) { r.now = now }
}

// Registry caches relationship type definitions in front of the store.
// Safe for concurrent use.
type Registry struct {
	store  Store
	strict bool
	logger *log.Logger
	now    func() time.Time

	mu    sync.RWMutex
	cache map[string]*types.RelationshipTypeDef
}

// NewRegistry returns a permissive registry unless WithStrict is given.
func NewRegistry(store Store, opts ...Option) *Registry {
	r := &Registry{
		store:  store,
		logger: log.Default(),
		now:    time.Now,
		cache:  make(map[string]*types.RelationshipTypeDef),
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// Within returns a registry that reads and writes definitions through st,
// usually a transaction view of the same backend. It starts from a copy of
// the cache and shares strictness, logger and clock.
func (r *Registry) Within(st Store) *Registry {
	r.mu.RLock()
	defer r.mu.RUnlock()
	v := &Registry{
		store:  st,
		strict: r.strict,
		logger: r.logger,
		now:    r.now,
		cache:  make(map[string]*types.RelationshipTypeDef, len(r.cache)),
	}
	for name, d := range r.cache {
		v.cache[name] = d
	}
	return v
}

// Strict reports whether unknown types are rejected.
func (r *Registry) Strict() bool { return r.strict }

// Define creates or replaces a type definition. Redefinition bumps the
// version and keeps the original created_at.
func (r *Registry) Define(ctx context.Context, def *types.RelationshipTypeDef) (*types.RelationshipTypeDef, error) {
	if err := def.Validate(); err != nil {
		return nil, err
	}
	if err := CheckSchema(def.MetadataSchema); err != nil {
		return nil, types.Wrap(types.KindValidation, err, "relationship type %s: metadata_schema", def.Name)
	}

	existing, err := r.Get(ctx, def.Name)
	if err != nil {
		return nil, err
	}
	d := def.Clone()
	if existing != nil {
		d.Version = existing.Version + 1
		d.CreatedAt = existing.CreatedAt
	} else {
		d.Version = 1
		if d.CreatedAt.IsZero() {
			d.CreatedAt = r.now().UTC()
		}
	}
	if d.CustomMetadata == nil {
		d.CustomMetadata = map[string]any{}
	}
	if err := r.store.SaveRelationshipType(ctx, d); err != nil {
		return nil, err
	}

	r.mu.Lock()
	r.cache[d.Name] = d
	r.mu.Unlock()
	r.logger.Debug("relationship type defined", "name", d.Name, "version", d.Version)
	return d.Clone(), nil
}

// Get returns the definition or (nil, nil).
func (r *Registry) Get(ctx context.Context, name string) (*types.RelationshipTypeDef, error) {
	r.mu.RLock()
	d, ok := r.cache[name]
	r.mu.RUnlock()
	if ok {
		return d.Clone(), nil
	}
	d, err := r.store.GetRelationshipType(ctx, name)
	if err != nil || d == nil {
		return nil, err
	}
	r.mu.Lock()
	r.cache[name] = d
	r.mu.Unlock()
	return d.Clone(), nil
}

// List returns every definition sorted by name and refreshes the cache.
func (r *Registry) List(ctx context.Context) ([]*types.RelationshipTypeDef, error) {
	defs, err := r.store.ListRelationshipTypes(ctx)
	if err != nil {
		return nil, err
	}
	sort.Slice(defs, func(i, j int) bool { return defs[i].Name < defs[j].Name })

	r.mu.Lock()
	r.cache = make(map[string]*types.RelationshipTypeDef, len(defs))
	for _, d := range defs {
		r.cache[d.Name] = d
	}
	r.mu.Unlock()

	out := make([]*types.RelationshipTypeDef, len(defs))
	for i, d := range defs {
		out[i] = d.Clone()
	}
	return out, nil
}

// Delete removes a definition. Without force, a type still used by
// relationships cannot be deleted.
func (r *Registry) Delete(ctx context.Context, name string, force bool) (bool, error) {
	if !force {
		n, err := r.store.CountRelationships(ctx, &storage.RelationshipFilter{RelationshipType: name})
		if err != nil {
			return false, err
		}
		if n > 0 {
			return false, types.Errorf(types.KindOperation, "relationship type %s is used by %d relationships", name, n)
		}
	}
	ok, err := r.store.DeleteRelationshipType(ctx, name)
	if err != nil {
		return false, err
	}
	r.mu.Lock()
	delete(r.cache, name)
	r.mu.Unlock()
	return ok, nil
}

// Invalidate drops the cache; the next lookups go to the store. Needed
// after the store changed underneath, e.g. after Clear.
func (r *Registry) Invalidate() {
	r.mu.Lock()
	r.cache = make(map[string]*types.RelationshipTypeDef)
	r.mu.Unlock()
}

// Validate checks rel against its type: in strict mode the type must be
// defined, and a defined schema must accept rel.Properties.
func (r *Registry) Validate(ctx context.Context, rel *types.Relationship) error {
	d, err := r.Get(ctx, rel.RelationshipType)
	if err != nil {
		return err
	}
	if d == nil {
		if r.strict {
			return types.Errorf(types.KindValidation, "relationship type %s is not defined", rel.RelationshipType)
		}
		return nil
	}
	if len(d.MetadataSchema) == 0 {
		return nil
	}
	props := rel.Properties
	if props == nil {
		props = map[string]any{}
	}
	if err := ValidateValue(d.MetadataSchema, props); err != nil {
		return types.Wrap(types.KindValidation, err, "relationship %s: properties do not match %s schema", rel.ID, d.Name)
	}
	return nil
}

// Pair returns the reverse edge of a bidirectional link with id as its id:
// a symmetric type reverses with the same type, a type with an inverse
// reverses with the inverse, anything else reverses with the same type.
func (r *Registry) Pair(ctx context.Context, rel *types.Relationship, id string) (*types.Relationship, error) {
	relType := rel.RelationshipType
	d, err := r.Get(ctx, relType)
	if err != nil {
		return nil, err
	}
	if d != nil && !d.Symmetric && d.InverseName() != "" {
		relType = d.InverseName()
	}
	p := rel.Clone()
	p.ID = id
	p.SourceID, p.TargetID = rel.TargetID, rel.SourceID
	p.RelationshipType = relType
	return p, nil
}

// IsSymmetric reports whether name is a defined symmetric type.
func (r *Registry) IsSymmetric(ctx context.Context, name string) bool {
	d, err := r.Get(ctx, name)
	return err == nil && d != nil && d.Symmetric
}

// IsTransitive reports whether name is a defined transitive type.
func (r *Registry) IsTransitive(ctx context.Context, name string) bool {
	d, err := r.Get(ctx, name)
	return err == nil && d != nil && d.Transitive
}

// Defaults returns the built-in definitions installed by SeedDefaults.
func Defaults() []*types.RelationshipTypeDef {
	sym := func(name string) *types.RelationshipTypeDef {
		d := types.NewRelationshipTypeDef(name)
		d.Symmetric = true
		return d
	}
	inv := func(name, inverse string, transitive bool) *types.RelationshipTypeDef {
		d := types.NewRelationshipTypeDef(name).WithInverse(inverse)
		d.Transitive = transitive
		return d
	}
	return []*types.RelationshipTypeDef{
		sym("related_to"),
		sym("similar_to"),
		sym("contradicts"),
		inv("part_of", "has_part", true),
		inv("has_part", "part_of", true),
		inv("precedes", "follows", false),
		inv("follows", "precedes", false),
		inv("references", "referenced_by", false),
		inv("referenced_by", "references", false),
		inv("mentions", "mentioned_in", false),
		inv("mentioned_in", "mentions", false),
	}
}

// SeedDefaults defines the built-in types that are not yet defined and
// returns how many were added.
func (r *Registry) SeedDefaults(ctx context.Context) (int, error) {
	added := 0
	for _, d := range Defaults() {
		existing, err := r.Get(ctx, d.Name)
		if err != nil {
			return added, err
		}
		if existing != nil {
			continue
		}
		if _, err := r.Define(ctx, d); err != nil {
			return added, err
		}
		added++
	}
	return added, nil
}
