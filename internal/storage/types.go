package storage

import (
	"time"

	"github.com/scrypster/locai/pkg/types"
)

// MemoryFilter narrows ListMemories and CountMemories. Zero-valued fields
// do not constrain.
type MemoryFilter struct {
	// IDs restricts results to these memory ids.
	IDs []string

	// Content matches a case-insensitive substring of the memory content.
	Content string

	// MemoryType restricts to one memory type.
	MemoryType types.MemoryType

	// Tags matches memories carrying at least one of these tags.
	Tags []string

	// Source matches the memory source exactly.
	Source string

	// CreatedAfter matches memories created strictly after this time.
	CreatedAfter time.Time

	// CreatedBefore matches memories created strictly before this time.
	CreatedBefore time.Time

	// Properties matches exact property values. Keys may be dotted paths
	// into nested objects ("author.name").
	Properties map[string]any

	// Custom is a backend-specific escape hatch: a trusted SQL predicate over
	// the memories table for SQL backends, a gjson path for the in-memory
	// backend (truthy result matches).
	Custom string

	// IncludeExpired includes memories whose expires_at has passed.
	// By default (false), expired memories are filtered from reads.
	IncludeExpired bool
}

// EntityFilter narrows entity listings.
type EntityFilter struct {
	IDs           []string
	EntityType    string
	CreatedAfter  time.Time
	CreatedBefore time.Time
	UpdatedAfter  time.Time
	UpdatedBefore time.Time
	Properties    map[string]any

	// RelatedTo matches entities with an edge (either direction) to this node.
	RelatedTo string
}

// RelationshipFilter narrows relationship listings.
type RelationshipFilter struct {
	IDs              []string
	RelationshipType string
	SourceID         string
	TargetID         string

	// NodeID matches edges with NodeID at either end.
	NodeID        string
	CreatedAfter  time.Time
	CreatedBefore time.Time
	Properties    map[string]any
}

// VectorFilter narrows vector listings and vector search.
type VectorFilter struct {
	IDs       []string
	SourceID  string
	Dimension int
}

// AccessUpdate is one aggregated access-metadata change produced by the
// lifecycle queue.
type AccessUpdate struct {
	MemoryID  string
	Delta     uint32
	Timestamp time.Time
}

// ScoredMemory is a lexical search hit.
type ScoredMemory struct {
	Memory *types.Memory
	Score  float64
}

// VectorMatch is a vector search hit. Similarity is cosine similarity in [-1, 1].
type VectorMatch struct {
	Vector     *types.Vector
	Similarity float64
}

// StoreMetadata describes a backend instance.
type StoreMetadata struct {
	Backend           string `json:"backend"`
	Namespace         string `json:"namespace,omitempty"`
	Database          string `json:"database,omitempty"`
	VectorDimension   int    `json:"vector_dimension"`
	MemoryCount       int    `json:"memory_count"`
	EntityCount       int    `json:"entity_count"`
	RelationshipCount int    `json:"relationship_count"`
	VectorCount       int    `json:"vector_count"`
	VersionCount      int    `json:"version_count"`
	SchemaVersion     uint   `json:"schema_version,omitempty"`
}

// Snapshot is the logical record set captured by a version.
type Snapshot struct {
	Memories      []*types.Memory       `json:"memories"`
	Entities      []*types.Entity       `json:"entities"`
	Relationships []*types.Relationship `json:"relationships"`
}

// VersionStorageMode tells whether a version record carries a full snapshot
// or a delta against its parent.
type VersionStorageMode string

// Version storage modes
const (
	VersionFull  VersionStorageMode = "full"
	VersionDelta VersionStorageMode = "delta"
)

// Delta is the difference between a version and its parent, per record kind.
type Delta struct {
	AddedMemories         []*types.Memory       `json:"added_memories,omitempty"`
	ModifiedMemories      []*types.Memory       `json:"modified_memories,omitempty"`
	RemovedMemories       []string              `json:"removed_memories,omitempty"`
	AddedEntities         []*types.Entity       `json:"added_entities,omitempty"`
	ModifiedEntities      []*types.Entity       `json:"modified_entities,omitempty"`
	RemovedEntities       []string              `json:"removed_entities,omitempty"`
	AddedRelationships    []*types.Relationship `json:"added_relationships,omitempty"`
	ModifiedRelationships []*types.Relationship `json:"modified_relationships,omitempty"`
	RemovedRelationships  []string              `json:"removed_relationships,omitempty"`
}

// Size returns the number of record changes in the delta.
func (d *Delta) Size() int {
	if d == nil {
		return 0
	}
	return len(d.AddedMemories) + len(d.ModifiedMemories) + len(d.RemovedMemories) +
		len(d.AddedEntities) + len(d.ModifiedEntities) + len(d.RemovedEntities) +
		len(d.AddedRelationships) + len(d.ModifiedRelationships) + len(d.RemovedRelationships)
}

// VersionRecord is the persisted form of a version.
type VersionRecord struct {
	Version types.Version      `json:"version"`
	Mode    VersionStorageMode `json:"mode"`

	// ParentID is the version a delta applies to; empty for full snapshots
	// taken without a parent.
	ParentID string `json:"parent_id,omitempty"`

	// ChainLength counts deltas between this version and the nearest full
	// snapshot (0 for full snapshots).
	ChainLength int `json:"chain_length"`

	// Full is set when Mode is full (and kept on promoted deltas).
	Full *Snapshot `json:"full,omitempty"`

	// Delta is set when Mode is delta. After promotion it is retained until
	// the retention window passes.
	Delta *Delta `json:"delta,omitempty"`

	MemoryCount       int    `json:"memory_count"`
	EntityCount       int    `json:"entity_count"`
	RelationshipCount int    `json:"relationship_count"`
	Checksum          string `json:"checksum"`

	// PromotedAt is set when a delta was materialised into a full snapshot.
	PromotedAt *time.Time `json:"promoted_at,omitempty"`
}

// GraphBounds prevents combinatorial explosion during graph traversal.
type GraphBounds struct {
	// MaxDepth is the maximum number of hops from the starting node.
	MaxDepth int

	// MaxNodes is the maximum number of nodes to visit.
	MaxNodes int

	// MaxEdges is the maximum number of edges to traverse.
	MaxEdges int

	// MaxPaths caps path enumeration.
	MaxPaths int

	// Timeout is the maximum duration for the traversal operation.
	Timeout time.Duration
}

// Normalize applies defaults and caps to the bounds.
func (g *GraphBounds) Normalize() {
	if g.MaxDepth < 0 {
		g.MaxDepth = 0
	}

	if g.MaxDepth > 10 {
		g.MaxDepth = 10 // Cap max depth
	}

	if g.MaxNodes < 1 {
		g.MaxNodes = 1000 // Default max nodes
	}

	if g.MaxEdges < 1 {
		g.MaxEdges = 5000 // Default max edges
	}

	if g.MaxPaths < 1 {
		g.MaxPaths = 100 // Default path cap
	}

	if g.Timeout == 0 {
		g.Timeout = 30 * time.Second // Default timeout
	}

	if g.Timeout > 5*time.Minute {
		g.Timeout = 5 * time.Minute // Cap timeout
	}
}
