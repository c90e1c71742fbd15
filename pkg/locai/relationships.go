package locai

import (
	"context"

	"github.com/scrypster/locai/internal/extraction"
	"github.com/scrypster/locai/internal/graph"
	"github.com/scrypster/locai/internal/storage"
	"github.com/scrypster/locai/pkg/types"
)

// CreateRelationship stores rel after checking it against the relationship
// type registry. An empty id is generated.
func (m *Manager) CreateRelationship(ctx context.Context, rel *types.Relationship) (string, error) {
	if rel == nil {
		return "", types.NewError(types.KindValidation, "relationship is nil")
	}
	m.prepareRelationship(rel)
	if err := rel.Validate(); err != nil {
		return "", err
	}
	if err := m.types.Validate(ctx, rel); err != nil {
		return "", err
	}
	if err := m.store.CreateRelationship(ctx, rel); err != nil {
		return "", err
	}
	return rel.ID, nil
}

func (m *Manager) prepareRelationship(rel *types.Relationship) {
	if rel.ID == "" {
		rel.ID = m.newID()
	}
	now := m.now().UTC()
	if rel.CreatedAt.IsZero() {
		rel.CreatedAt = now
	}
	if rel.UpdatedAt.IsZero() {
		rel.UpdatedAt = rel.CreatedAt
	}
	if rel.Properties == nil {
		rel.Properties = map[string]any{}
	}
}

// Relate links source to target with relType.
func (m *Manager) Relate(ctx context.Context, sourceID, targetID, relType string) (string, error) {
	return m.CreateRelationship(ctx, types.NewRelationship("", sourceID, targetID, relType))
}

// CreateBidirectionalRelationship stores source->target and its pair:
// the same type for symmetric types, the inverse type when one is defined.
// Both edges are written or neither is.
func (m *Manager) CreateBidirectionalRelationship(ctx context.Context, sourceID, targetID, relType string, props map[string]any) (string, string, error) {
	fwd := types.NewRelationship("", sourceID, targetID, relType)
	fwd.Properties = types.CloneProperties(props)
	m.prepareRelationship(fwd)
	if err := fwd.Validate(); err != nil {
		return "", "", err
	}
	if err := m.types.Validate(ctx, fwd); err != nil {
		return "", "", err
	}
	rev, err := m.types.Pair(ctx, fwd, m.newID())
	if err != nil {
		return "", "", err
	}
	if err := m.types.Validate(ctx, rev); err != nil {
		return "", "", err
	}

	if m.store.Capabilities().Transactions {
		err = m.store.WithTx(ctx, func(tx storage.Store) error {
			if err := tx.CreateRelationship(ctx, fwd); err != nil {
				return err
			}
			return tx.CreateRelationship(ctx, rev)
		})
		if err != nil {
			return "", "", err
		}
		return fwd.ID, rev.ID, nil
	}

	if err := m.store.CreateRelationship(ctx, fwd); err != nil {
		return "", "", err
	}
	if err := m.store.CreateRelationship(ctx, rev); err != nil {
		if _, derr := m.store.DeleteRelationship(ctx, fwd.ID); derr != nil {
			m.logger.Warn("could not undo half of a bidirectional link", "relationship_id", fwd.ID, "err", derr)
		}
		return "", "", err
	}
	return fwd.ID, rev.ID, nil
}

// AddRelatedMemory stores content as a new fact linked from fromID with
// relType and returns the new memory's id.
func (m *Manager) AddRelatedMemory(ctx context.Context, fromID, content, relType string) (string, error) {
	if err := m.requireMemory(ctx, fromID); err != nil {
		return "", err
	}
	id, err := m.AddMemory(ctx, content)
	if err != nil {
		return "", err
	}
	if _, err := m.Relate(ctx, fromID, id, relType); err != nil {
		return id, err
	}
	return id, nil
}

// AddBidirectionalRelatedMemory is AddRelatedMemory with a paired edge
// back to fromID.
func (m *Manager) AddBidirectionalRelatedMemory(ctx context.Context, fromID, content, relType string) (string, error) {
	if err := m.requireMemory(ctx, fromID); err != nil {
		return "", err
	}
	id, err := m.AddMemory(ctx, content)
	if err != nil {
		return "", err
	}
	if _, _, err := m.CreateBidirectionalRelationship(ctx, fromID, id, relType, nil); err != nil {
		return id, err
	}
	return id, nil
}

func (m *Manager) requireMemory(ctx context.Context, id string) error {
	mem, err := m.store.GetMemory(ctx, id)
	if err != nil {
		return err
	}
	if mem == nil {
		return types.Errorf(types.KindNotFound, "memory %s not found", id)
	}
	return nil
}

// GetRelationship returns the relationship with id, or nil.
func (m *Manager) GetRelationship(ctx context.Context, id string) (*types.Relationship, error) {
	return m.store.GetRelationship(ctx, id)
}

// UpdateRelationship replaces an existing relationship. It reports false
// when it does not exist.
func (m *Manager) UpdateRelationship(ctx context.Context, rel *types.Relationship) (bool, error) {
	if rel == nil {
		return false, types.NewError(types.KindValidation, "relationship is nil")
	}
	prev, err := m.store.GetRelationship(ctx, rel.ID)
	if err != nil || prev == nil {
		return false, err
	}
	if rel.CreatedAt.IsZero() {
		rel.CreatedAt = prev.CreatedAt
	}
	rel.UpdatedAt = m.now().UTC()
	if err := rel.Validate(); err != nil {
		return false, err
	}
	if err := m.types.Validate(ctx, rel); err != nil {
		return false, err
	}
	if err := m.store.UpdateRelationship(ctx, rel); err != nil {
		return false, err
	}
	return true, nil
}

// DeleteRelationship removes one edge.
func (m *Manager) DeleteRelationship(ctx context.Context, id string) (bool, error) {
	return m.store.DeleteRelationship(ctx, id)
}

// ListRelationships returns relationships matching filter.
func (m *Manager) ListRelationships(ctx context.Context, filter *storage.RelationshipFilter, limit, offset int) ([]*types.Relationship, error) {
	return m.store.ListRelationships(ctx, filter, limit, offset)
}

// CountRelationships counts relationships matching filter.
func (m *Manager) CountRelationships(ctx context.Context, filter *storage.RelationshipFilter) (int, error) {
	return m.store.CountRelationships(ctx, filter)
}

// GetRelatedMemories returns the memories one hop from id.
func (m *Manager) GetRelatedMemories(ctx context.Context, id, relType string, dir types.Direction) ([]*types.Memory, error) {
	return m.graph.GetRelated(ctx, id, relType, dir)
}

// GetMemoryGraph returns the neighbourhood of centerID up to depth hops.
func (m *Manager) GetMemoryGraph(ctx context.Context, centerID string, depth int) (*graph.MemoryGraph, error) {
	return m.graph.GetMemoryGraph(ctx, centerID, depth)
}

// FindConnectedMemories returns memories reachable from startID over
// relType edges. Transitive types follow the closure.
func (m *Manager) FindConnectedMemories(ctx context.Context, startID, relType string, depth int) ([]*types.Memory, error) {
	return m.graph.FindConnectedMemories(ctx, startID, relType, depth)
}

// FindPaths returns up to maxPaths simple paths from fromID to toID.
func (m *Manager) FindPaths(ctx context.Context, fromID, toID string, maxDepth, maxPaths int) ([]graph.Path, error) {
	return m.graph.FindPaths(ctx, fromID, toID, maxDepth, maxPaths)
}

// FindShortestPath returns the shortest path, or nil when none exists.
func (m *Manager) FindShortestPath(ctx context.Context, fromID, toID string, maxDepth int) (*graph.Path, error) {
	return m.graph.FindShortestPath(ctx, fromID, toID, maxDepth)
}

// DefineRelationshipType registers or replaces a relationship type.
func (m *Manager) DefineRelationshipType(ctx context.Context, def *types.RelationshipTypeDef) (*types.RelationshipTypeDef, error) {
	return m.types.Define(ctx, def)
}

// GetRelationshipType returns a definition, or nil.
func (m *Manager) GetRelationshipType(ctx context.Context, name string) (*types.RelationshipTypeDef, error) {
	return m.types.Get(ctx, name)
}

// ListRelationshipTypes returns every definition sorted by name.
func (m *Manager) ListRelationshipTypes(ctx context.Context) ([]*types.RelationshipTypeDef, error) {
	return m.types.List(ctx)
}

// DeleteRelationshipType removes a definition. Without force, a type still
// used by relationships is kept and an error returned.
func (m *Manager) DeleteRelationshipType(ctx context.Context, name string, force bool) (bool, error) {
	return m.types.Delete(ctx, name, force)
}

// CreateEntity stores an entity. An empty id is generated.
func (m *Manager) CreateEntity(ctx context.Context, e *types.Entity) (string, error) {
	if e == nil {
		return "", types.NewError(types.KindValidation, "entity is nil")
	}
	if e.ID == "" {
		e.ID = m.newID()
	}
	now := m.now().UTC()
	if e.CreatedAt.IsZero() {
		e.CreatedAt = now
	}
	if e.UpdatedAt.IsZero() {
		e.UpdatedAt = e.CreatedAt
	}
	if err := e.Validate(); err != nil {
		return "", err
	}
	if err := m.store.CreateEntity(ctx, e); err != nil {
		return "", err
	}
	return e.ID, nil
}

// GetEntity returns the entity with id, or nil.
func (m *Manager) GetEntity(ctx context.Context, id string) (*types.Entity, error) {
	return m.store.GetEntity(ctx, id)
}

// UpdateEntity replaces an entity. It reports false when it does not exist.
func (m *Manager) UpdateEntity(ctx context.Context, e *types.Entity) (bool, error) {
	if e == nil {
		return false, types.NewError(types.KindValidation, "entity is nil")
	}
	prev, err := m.store.GetEntity(ctx, e.ID)
	if err != nil || prev == nil {
		return false, err
	}
	if e.CreatedAt.IsZero() {
		e.CreatedAt = prev.CreatedAt
	}
	e.UpdatedAt = m.now().UTC()
	if err := e.Validate(); err != nil {
		return false, err
	}
	if err := m.store.UpdateEntity(ctx, e); err != nil {
		return false, err
	}
	return true, nil
}

// DeleteEntity removes an entity.
func (m *Manager) DeleteEntity(ctx context.Context, id string) (bool, error) {
	return m.store.DeleteEntity(ctx, id)
}

// ListEntities returns entities matching filter.
func (m *Manager) ListEntities(ctx context.Context, filter *storage.EntityFilter, limit, offset int) ([]*types.Entity, error) {
	return m.store.ListEntities(ctx, filter, limit, offset)
}

// CountEntities counts entities matching filter.
func (m *Manager) CountEntities(ctx context.Context, filter *storage.EntityFilter) (int, error) {
	return m.store.CountEntities(ctx, filter)
}

// FindRelatedEntities returns the entities linked to a memory or entity.
func (m *Manager) FindRelatedEntities(ctx context.Context, nodeID string, limit int) ([]*types.Entity, error) {
	return m.store.ListEntities(ctx, &storage.EntityFilter{RelatedTo: nodeID}, limit, 0)
}

// ExtractEntities runs entity extraction on one memory now, regardless of
// whether background extraction is enabled.
func (m *Manager) ExtractEntities(ctx context.Context, memoryID string) (extraction.Result, error) {
	if err := m.requireMemory(ctx, memoryID); err != nil {
		return extraction.Result{MemoryID: memoryID}, err
	}
	return m.extraction.Process(ctx, memoryID)
}
