// Package storage provides composable storage interfaces for the Locai system.
//
// The storage layer is designed with small, focused capability interfaces
// (memories, entities, relationships, vectors, versions, relationship types,
// graph neighbourhood) that every backend implements. Store bundles them so
// higher layers can swap the embedded, in-memory, postgres and remote
// backends without knowing which one they hold.
package storage

import (
	"context"
	"time"

	"github.com/scrypster/locai/pkg/types"
)

// MemoryStore provides CRUD, filtered listing and access bookkeeping for memories.
type MemoryStore interface {
	// CreateMemory inserts a new memory.
	// Returns AlreadyExists on id collision and Validation on invariant violation.
	// A memory carrying an embedding also stores it as a vector record.
	CreateMemory(ctx context.Context, memory *types.Memory) error

	// GetMemory retrieves a memory by ID, embedding attached.
	// Returns (nil, nil) when the memory does not exist.
	GetMemory(ctx context.Context, id string) (*types.Memory, error)

	// UpdateMemory replaces an existing memory.
	// Returns NotFound if the memory doesn't exist.
	UpdateMemory(ctx context.Context, memory *types.Memory) error

	// DeleteMemory removes a memory, every relationship touching it and its
	// vector. Reports whether anything was deleted.
	DeleteMemory(ctx context.Context, id string) (bool, error)

	// ListMemories returns memories matching filter in insertion order.
	// A limit <= 0 means no limit.
	ListMemories(ctx context.Context, filter *MemoryFilter, limit, offset int) ([]*types.Memory, error)

	// CountMemories returns the number of memories matching filter.
	CountMemories(ctx context.Context, filter *MemoryFilter) (int, error)

	// ApplyAccessUpdates folds aggregated access updates into the stored
	// records in one write: count += delta (saturating) and
	// last_accessed = max(existing, timestamp). Unknown ids are skipped.
	ApplyAccessUpdates(ctx context.Context, updates []AccessUpdate) error

	// DeleteExpiredMemories physically removes memories whose expires_at is
	// at or before now. Returns the number removed.
	DeleteExpiredMemories(ctx context.Context, now time.Time) (int, error)
}

// SearchStore is the backend's lexical fast path.
type SearchStore interface {
	// SearchMemories runs a BM25 query over memory content and returns
	// at most limit results, best first.
	SearchMemories(ctx context.Context, query string, limit int) ([]ScoredMemory, error)
}

// EntityStore provides CRUD for entities.
type EntityStore interface {
	CreateEntity(ctx context.Context, entity *types.Entity) error
	GetEntity(ctx context.Context, id string) (*types.Entity, error)
	UpdateEntity(ctx context.Context, entity *types.Entity) error
	DeleteEntity(ctx context.Context, id string) (bool, error)
	ListEntities(ctx context.Context, filter *EntityFilter, limit, offset int) ([]*types.Entity, error)
	CountEntities(ctx context.Context, filter *EntityFilter) (int, error)
}

// RelationshipStore provides CRUD for edges between memories and entities.
type RelationshipStore interface {
	// CreateRelationship inserts an edge. Both endpoints must exist as a
	// memory or an entity, otherwise Validation is returned.
	CreateRelationship(ctx context.Context, rel *types.Relationship) error
	GetRelationship(ctx context.Context, id string) (*types.Relationship, error)
	UpdateRelationship(ctx context.Context, rel *types.Relationship) error
	DeleteRelationship(ctx context.Context, id string) (bool, error)
	ListRelationships(ctx context.Context, filter *RelationshipFilter, limit, offset int) ([]*types.Relationship, error)
	CountRelationships(ctx context.Context, filter *RelationshipFilter) (int, error)
}

// VectorStore manages embeddings. The first stored vector fixes the store
// dimension; later vectors of another dimension are rejected with Validation.
type VectorStore interface {
	UpsertVector(ctx context.Context, vector *types.Vector) error
	GetVector(ctx context.Context, id string) (*types.Vector, error)
	DeleteVector(ctx context.Context, id string) (bool, error)
	ListVectors(ctx context.Context, filter *VectorFilter, limit, offset int) ([]*types.Vector, error)

	// SearchVectors returns the limit vectors most cosine-similar to query.
	SearchVectors(ctx context.Context, query []float32, limit int, filter *VectorFilter) ([]VectorMatch, error)
}

// VersionStore persists version records and performs checkout swaps.
type VersionStore interface {
	// SaveVersion inserts or replaces a version record.
	SaveVersion(ctx context.Context, rec *VersionRecord) error

	// GetVersion returns (nil, nil) when the version does not exist.
	GetVersion(ctx context.Context, id string) (*VersionRecord, error)

	// ListVersions returns versions newest first.
	ListVersions(ctx context.Context, limit, offset int) ([]*VersionRecord, error)
	DeleteVersion(ctx context.Context, id string) (bool, error)

	// ReplaceAll atomically swaps every memory, entity, relationship and
	// vector for the snapshot contents. Versions and relationship types
	// are left untouched.
	ReplaceAll(ctx context.Context, snap *Snapshot) error
}

// RelationshipTypeStore persists relationship type definitions by unique name.
type RelationshipTypeStore interface {
	SaveRelationshipType(ctx context.Context, def *types.RelationshipTypeDef) error
	GetRelationshipType(ctx context.Context, name string) (*types.RelationshipTypeDef, error)
	ListRelationshipTypes(ctx context.Context) ([]*types.RelationshipTypeDef, error)
	DeleteRelationshipType(ctx context.Context, name string) (bool, error)
}

// GraphTraversal exposes single-hop neighbourhood lookups served from the
// relationship indexes.
type GraphTraversal interface {
	// GetNeighbors returns the edges incident to nodeID in the given
	// direction, optionally restricted to relType ("" matches all).
	GetNeighbors(ctx context.Context, nodeID, relType string, dir types.Direction) ([]*types.Relationship, error)
}

// BaseStore covers lifecycle and introspection.
type BaseStore interface {
	HealthCheck(ctx context.Context) error

	// Clear removes every record, including versions and relationship types.
	Clear(ctx context.Context) error
	Metadata(ctx context.Context) (*StoreMetadata, error)
	Capabilities() Capabilities

	// WithTx runs fn against a transactional view of the store. Every write
	// made through the view commits when fn returns nil and rolls back
	// otherwise. Backends without transactions return FeatureNotEnabled.
	WithTx(ctx context.Context, fn func(tx Store) error) error
	Close() error
}

// Store is the full capability bundle every backend implements.
type Store interface {
	MemoryStore
	SearchStore
	EntityStore
	RelationshipStore
	VectorStore
	VersionStore
	RelationshipTypeStore
	GraphTraversal
	BaseStore
}

// Capabilities advertises optional backend features.
type Capabilities struct {
	// Transactions reports whether WithTx provides atomic rollback.
	Transactions bool

	// NativeVectorIndex reports whether SearchVectors uses an index
	// (pgvector, chromem) instead of an exact scan.
	NativeVectorIndex bool
}
