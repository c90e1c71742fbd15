package memory

import (
	"context"
	"sort"

	"github.com/scrypster/locai/internal/storage"
	"github.com/scrypster/locai/pkg/types"
)

// CreateEntity stores a copy of e.
func (s *Store) CreateEntity(ctx context.Context, e *types.Entity) error {
	if e == nil {
		return types.NewError(types.KindValidation, "entity is nil")
	}
	if e.CreatedAt.IsZero() {
		e.CreatedAt = s.now().UTC()
	}
	if e.UpdatedAt.IsZero() {
		e.UpdatedAt = e.CreatedAt
	}
	if err := e.Validate(); err != nil {
		return err
	}
	return s.write(func(st *state) error {
		if _, ok := st.entities.Get(e.ID); ok {
			return types.Errorf(types.KindAlreadyExists, "entity %s", e.ID)
		}
		st.entities.Set(e.ID, e.Clone())
		return nil
	})
}

// GetEntity returns a copy of the entity or (nil, nil).
func (s *Store) GetEntity(ctx context.Context, id string) (*types.Entity, error) {
	var out *types.Entity
	err := s.read(func(st *state) error {
		if e, ok := st.entities.Get(id); ok {
			out = e.Clone()
		}
		return nil
	})
	return out, err
}

// UpdateEntity replaces an entity, preserving created_at.
func (s *Store) UpdateEntity(ctx context.Context, e *types.Entity) error {
	if e == nil {
		return types.NewError(types.KindValidation, "entity is nil")
	}
	return s.write(func(st *state) error {
		existing, ok := st.entities.Get(e.ID)
		if !ok {
			return types.Errorf(types.KindNotFound, "entity %s", e.ID)
		}
		e.CreatedAt = existing.CreatedAt
		e.Touch(s.now())
		if err := e.Validate(); err != nil {
			return err
		}
		st.entities.Set(e.ID, e.Clone())
		return nil
	})
}

// DeleteEntity removes an entity and every edge touching it.
func (s *Store) DeleteEntity(ctx context.Context, id string) (bool, error) {
	var deleted bool
	err := s.write(func(st *state) error {
		if _, ok := st.entities.Get(id); !ok {
			return nil
		}
		st.deleteEdgesOf(id)
		st.entities.Delete(id)
		deleted = true
		return nil
	})
	return deleted, err
}

func (st *state) relatedTo(entityID, nodeID string) bool {
	for el := st.relationships.Front(); el != nil; el = el.Next() {
		r := el.Value
		if (r.SourceID == entityID && r.TargetID == nodeID) || (r.TargetID == entityID && r.SourceID == nodeID) {
			return true
		}
	}
	return false
}

func (st *state) listEntities(f *storage.EntityFilter) []*types.Entity {
	out := []*types.Entity{}
	for el := st.entities.Front(); el != nil; el = el.Next() {
		e := el.Value
		if !storage.MatchEntityFields(f, e) {
			continue
		}
		if f != nil && f.RelatedTo != "" && !st.relatedTo(e.ID, f.RelatedTo) {
			continue
		}
		out = append(out, e)
	}
	return out
}

// ListEntities returns matching entities in insertion order.
func (s *Store) ListEntities(ctx context.Context, f *storage.EntityFilter, limit, offset int) ([]*types.Entity, error) {
	var out []*types.Entity
	err := s.read(func(st *state) error {
		for _, e := range storage.Page(st.listEntities(f), limit, offset) {
			out = append(out, e.Clone())
		}
		return nil
	})
	if out == nil {
		out = []*types.Entity{}
	}
	return out, err
}

// CountEntities counts matching entities.
func (s *Store) CountEntities(ctx context.Context, f *storage.EntityFilter) (int, error) {
	var n int
	err := s.read(func(st *state) error {
		n = len(st.listEntities(f))
		return nil
	})
	return n, err
}

func (st *state) nodeExists(id string) bool {
	if _, ok := st.memories.Get(id); ok {
		return true
	}
	_, ok := st.entities.Get(id)
	return ok
}

// CreateRelationship stores an edge after checking both endpoints exist.
func (s *Store) CreateRelationship(ctx context.Context, r *types.Relationship) error {
	if r == nil {
		return types.NewError(types.KindValidation, "relationship is nil")
	}
	if r.CreatedAt.IsZero() {
		r.CreatedAt = s.now().UTC()
	}
	if r.UpdatedAt.IsZero() {
		r.UpdatedAt = r.CreatedAt
	}
	if err := r.Validate(); err != nil {
		return err
	}
	return s.write(func(st *state) error {
		if _, ok := st.relationships.Get(r.ID); ok {
			return types.Errorf(types.KindAlreadyExists, "relationship %s", r.ID)
		}
		for _, end := range []string{r.SourceID, r.TargetID} {
			if !st.nodeExists(end) {
				return types.Errorf(types.KindValidation, "relationship %s: endpoint %s does not exist", r.ID, end)
			}
		}
		st.relationships.Set(r.ID, r.Clone())
		return nil
	})
}

// GetRelationship returns a copy of the edge or (nil, nil).
func (s *Store) GetRelationship(ctx context.Context, id string) (*types.Relationship, error) {
	var out *types.Relationship
	err := s.read(func(st *state) error {
		if r, ok := st.relationships.Get(id); ok {
			out = r.Clone()
		}
		return nil
	})
	return out, err
}

// UpdateRelationship replaces type and properties; endpoints and
// created_at are immutable.
func (s *Store) UpdateRelationship(ctx context.Context, r *types.Relationship) error {
	if r == nil {
		return types.NewError(types.KindValidation, "relationship is nil")
	}
	return s.write(func(st *state) error {
		existing, ok := st.relationships.Get(r.ID)
		if !ok {
			return types.Errorf(types.KindNotFound, "relationship %s", r.ID)
		}
		r.SourceID, r.TargetID, r.CreatedAt = existing.SourceID, existing.TargetID, existing.CreatedAt
		r.UpdatedAt = s.now().UTC()
		if r.UpdatedAt.Before(r.CreatedAt) {
			r.UpdatedAt = r.CreatedAt
		}
		if err := r.Validate(); err != nil {
			return err
		}
		st.relationships.Set(r.ID, r.Clone())
		return nil
	})
}

// DeleteRelationship removes one edge.
func (s *Store) DeleteRelationship(ctx context.Context, id string) (bool, error) {
	var deleted bool
	err := s.write(func(st *state) error {
		deleted = st.relationships.Delete(id)
		return nil
	})
	return deleted, err
}

func (st *state) deleteEdgesOf(nodeID string) {
	for _, r := range values(st.relationships) {
		if r.SourceID == nodeID || r.TargetID == nodeID {
			st.relationships.Delete(r.ID)
		}
	}
}

func (st *state) listRelationships(f *storage.RelationshipFilter) []*types.Relationship {
	out := []*types.Relationship{}
	for el := st.relationships.Front(); el != nil; el = el.Next() {
		if storage.MatchRelationship(f, el.Value) {
			out = append(out, el.Value)
		}
	}
	return out
}

// ListRelationships returns matching edges in insertion order.
func (s *Store) ListRelationships(ctx context.Context, f *storage.RelationshipFilter, limit, offset int) ([]*types.Relationship, error) {
	out := []*types.Relationship{}
	err := s.read(func(st *state) error {
		for _, r := range storage.Page(st.listRelationships(f), limit, offset) {
			out = append(out, r.Clone())
		}
		return nil
	})
	return out, err
}

// CountRelationships counts matching edges.
func (s *Store) CountRelationships(ctx context.Context, f *storage.RelationshipFilter) (int, error) {
	var n int
	err := s.read(func(st *state) error {
		n = len(st.listRelationships(f))
		return nil
	})
	return n, err
}

// GetNeighbors returns edges incident to nodeID in direction dir.
func (s *Store) GetNeighbors(ctx context.Context, nodeID, relType string, dir types.Direction) ([]*types.Relationship, error) {
	out := []*types.Relationship{}
	err := s.read(func(st *state) error {
		for el := st.relationships.Front(); el != nil; el = el.Next() {
			if storage.MatchesNeighbor(el.Value, nodeID, relType, dir) {
				out = append(out, el.Value.Clone())
			}
		}
		return nil
	})
	return out, err
}

// SaveRelationshipType upserts a definition by name.
func (s *Store) SaveRelationshipType(ctx context.Context, def *types.RelationshipTypeDef) error {
	if err := def.Validate(); err != nil {
		return err
	}
	return s.write(func(st *state) error {
		st.relTypes[def.Name] = def.Clone()
		return nil
	})
}

// GetRelationshipType returns the definition or (nil, nil).
func (s *Store) GetRelationshipType(ctx context.Context, name string) (*types.RelationshipTypeDef, error) {
	var out *types.RelationshipTypeDef
	err := s.read(func(st *state) error {
		if def, ok := st.relTypes[name]; ok {
			out = def.Clone()
		}
		return nil
	})
	return out, err
}

// ListRelationshipTypes returns every definition ordered by name.
func (s *Store) ListRelationshipTypes(ctx context.Context) ([]*types.RelationshipTypeDef, error) {
	out := []*types.RelationshipTypeDef{}
	err := s.read(func(st *state) error {
		for _, def := range st.relTypes {
			out = append(out, def.Clone())
		}
		return nil
	})
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out, err
}

// DeleteRelationshipType removes a definition.
func (s *Store) DeleteRelationshipType(ctx context.Context, name string) (bool, error) {
	var deleted bool
	err := s.write(func(st *state) error {
		_, deleted = st.relTypes[name]
		delete(st.relTypes, name)
		return nil
	})
	return deleted, err
}
