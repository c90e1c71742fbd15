package storage

import (
	"slices"
	"strings"
	"time"

	"github.com/scrypster/locai/pkg/types"
)

// MatchMemoryFields reports whether m satisfies the structural fields of f:
// ids, content, type, tags, source, creation window and expiry. Property and
// custom predicates are backend-specific and evaluated by the caller.
func MatchMemoryFields(f *MemoryFilter, m *types.Memory, now time.Time) bool {
	if f == nil {
		return !m.IsExpired(now)
	}
	if !f.IncludeExpired && m.IsExpired(now) {
		return false
	}
	if len(f.IDs) > 0 && !slices.Contains(f.IDs, m.ID) {
		return false
	}
	if f.Content != "" && !strings.Contains(strings.ToLower(m.Content), strings.ToLower(f.Content)) {
		return false
	}
	if f.MemoryType != "" && m.MemoryType != f.MemoryType {
		return false
	}
	if len(f.Tags) > 0 && !slices.ContainsFunc(f.Tags, m.HasTag) {
		return false
	}
	if f.Source != "" && m.Source != f.Source {
		return false
	}
	return inWindow(m.CreatedAt, f.CreatedAfter, f.CreatedBefore)
}

// MatchEntityFields reports whether e satisfies f, property values compared
// with types.PropertyEquals. RelatedTo is evaluated by the caller.
func MatchEntityFields(f *EntityFilter, e *types.Entity) bool {
	if f == nil {
		return true
	}
	if len(f.IDs) > 0 && !slices.Contains(f.IDs, e.ID) {
		return false
	}
	if f.EntityType != "" && e.EntityType != f.EntityType {
		return false
	}
	if !inWindow(e.CreatedAt, f.CreatedAfter, f.CreatedBefore) {
		return false
	}
	if !inWindow(e.UpdatedAt, f.UpdatedAfter, f.UpdatedBefore) {
		return false
	}
	return MatchProperties(f.Properties, e.Properties)
}

// MatchRelationship reports whether r satisfies f.
func MatchRelationship(f *RelationshipFilter, r *types.Relationship) bool {
	if f == nil {
		return true
	}
	if len(f.IDs) > 0 && !slices.Contains(f.IDs, r.ID) {
		return false
	}
	if f.RelationshipType != "" && r.RelationshipType != f.RelationshipType {
		return false
	}
	if f.SourceID != "" && r.SourceID != f.SourceID {
		return false
	}
	if f.TargetID != "" && r.TargetID != f.TargetID {
		return false
	}
	if f.NodeID != "" && r.SourceID != f.NodeID && r.TargetID != f.NodeID {
		return false
	}
	if !inWindow(r.CreatedAt, f.CreatedAfter, f.CreatedBefore) {
		return false
	}
	return MatchProperties(f.Properties, r.Properties)
}

// MatchVector reports whether v satisfies f.
func MatchVector(f *VectorFilter, v *types.Vector) bool {
	if f == nil {
		return true
	}
	if len(f.IDs) > 0 && !slices.Contains(f.IDs, v.ID) {
		return false
	}
	if f.SourceID != "" && v.SourceID != f.SourceID {
		return false
	}
	return f.Dimension == 0 || v.Dimension == f.Dimension
}

// MatchProperties reports whether every wanted key resolves to an equal value.
func MatchProperties(want, props map[string]any) bool {
	for k, v := range want {
		got, ok := types.LookupProperty(props, k)
		if !ok || !types.PropertyEquals(got, v) {
			return false
		}
	}
	return true
}

// MatchesNeighbor reports whether r is incident to nodeID in direction dir.
func MatchesNeighbor(r *types.Relationship, nodeID, relType string, dir types.Direction) bool {
	if relType != "" && r.RelationshipType != relType {
		return false
	}
	switch dir {
	case types.DirectionOutgoing:
		return r.SourceID == nodeID
	case types.DirectionIncoming:
		return r.TargetID == nodeID
	default:
		return r.SourceID == nodeID || r.TargetID == nodeID
	}
}

func inWindow(t, after, before time.Time) bool {
	if !after.IsZero() && !t.After(after) {
		return false
	}
	if !before.IsZero() && !t.Before(before) {
		return false
	}
	return true
}

// Page applies offset and limit to an already filtered slice.
// A limit <= 0 means no limit.
func Page[T any](items []T, limit, offset int) []T {
	if offset < 0 {
		offset = 0
	}
	if offset >= len(items) {
		return []T{}
	}
	items = items[offset:]
	if limit > 0 && limit < len(items) {
		items = items[:limit]
	}
	return items
}
