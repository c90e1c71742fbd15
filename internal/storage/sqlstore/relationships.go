package sqlstore

import (
	"context"
	"database/sql"
	"errors"

	"github.com/scrypster/locai/internal/storage"
	"github.com/scrypster/locai/pkg/types"
)

// CreateRelationship inserts an edge after checking both endpoints exist.
func (s *Store) CreateRelationship(ctx context.Context, r *types.Relationship) error {
	if r == nil {
		return types.NewError(types.KindValidation, "relationship is nil")
	}
	now := s.now().UTC()
	if r.CreatedAt.IsZero() {
		r.CreatedAt = now
	}
	if r.UpdatedAt.IsZero() {
		r.UpdatedAt = r.CreatedAt
	}
	if err := r.Validate(); err != nil {
		return err
	}
	props, err := encodeJSON(nonNilMap(r.Properties))
	if err != nil {
		return err
	}

	return s.atomic(ctx, func(tx *Store) error {
		exists, err := tx.exists(ctx, "relationships", r.ID)
		if err != nil {
			return err
		}
		if exists {
			return types.Errorf(types.KindAlreadyExists, "relationship %s", r.ID)
		}
		for _, end := range []string{r.SourceID, r.TargetID} {
			ok, err := tx.nodeExists(ctx, end)
			if err != nil {
				return err
			}
			if !ok {
				return types.Errorf(types.KindValidation, "relationship %s: endpoint %s does not exist", r.ID, end)
			}
		}
		_, err = tx.exec(ctx, `
			INSERT INTO relationships (id, source_id, target_id, relationship_type, properties, created_at, updated_at)
			VALUES (?, ?, ?, ?, ?, ?, ?)
		`, r.ID, r.SourceID, r.TargetID, r.RelationshipType, props, toNanos(r.CreatedAt), toNanos(r.UpdatedAt))
		if err != nil {
			return types.Wrap(types.KindQuery, err, "%s: insert relationship %s", tx.dialect.Name(), r.ID)
		}
		return nil
	})
}

func (s *Store) nodeExists(ctx context.Context, id string) (bool, error) {
	ok, err := s.exists(ctx, "memories", id)
	if err != nil || ok {
		return ok, err
	}
	return s.exists(ctx, "entities", id)
}

// GetRelationship returns the edge or (nil, nil).
func (s *Store) GetRelationship(ctx context.Context, id string) (*types.Relationship, error) {
	r, err := scanRelationship(s.queryRow(ctx, "SELECT "+relationshipColumns+" FROM relationships r WHERE r.id = ?", id))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, types.Wrap(types.KindQuery, err, "%s: get relationship %s", s.dialect.Name(), id)
	}
	return r, nil
}

// UpdateRelationship replaces the type and properties of an edge. Endpoints
// and created_at are immutable.
func (s *Store) UpdateRelationship(ctx context.Context, r *types.Relationship) error {
	if r == nil {
		return types.NewError(types.KindValidation, "relationship is nil")
	}
	return s.atomic(ctx, func(tx *Store) error {
		existing, err := tx.GetRelationship(ctx, r.ID)
		if err != nil {
			return err
		}
		if existing == nil {
			return types.Errorf(types.KindNotFound, "relationship %s", r.ID)
		}
		r.SourceID, r.TargetID, r.CreatedAt = existing.SourceID, existing.TargetID, existing.CreatedAt
		r.UpdatedAt = tx.now().UTC()
		if r.UpdatedAt.Before(r.CreatedAt) {
			r.UpdatedAt = r.CreatedAt
		}
		if err := r.Validate(); err != nil {
			return err
		}
		props, err := encodeJSON(nonNilMap(r.Properties))
		if err != nil {
			return err
		}
		_, err = tx.exec(ctx, `
			UPDATE relationships SET relationship_type = ?, properties = ?, updated_at = ? WHERE id = ?
		`, r.RelationshipType, props, toNanos(r.UpdatedAt), r.ID)
		if err != nil {
			return types.Wrap(types.KindQuery, err, "%s: update relationship %s", tx.dialect.Name(), r.ID)
		}
		return nil
	})
}

// DeleteRelationship removes one edge.
func (s *Store) DeleteRelationship(ctx context.Context, id string) (bool, error) {
	res, err := s.exec(ctx, "DELETE FROM relationships WHERE id = ?", id)
	if err != nil {
		return false, types.Wrap(types.KindQuery, err, "%s: delete relationship %s", s.dialect.Name(), id)
	}
	n, _ := res.RowsAffected()
	return n > 0, nil
}

func (s *Store) relationshipWhere(f *storage.RelationshipFilter) *where {
	w := &where{}
	if f == nil {
		return w
	}
	w.in("r.id", f.IDs)
	if f.RelationshipType != "" {
		w.add("r.relationship_type = ?", f.RelationshipType)
	}
	if f.SourceID != "" {
		w.add("r.source_id = ?", f.SourceID)
	}
	if f.TargetID != "" {
		w.add("r.target_id = ?", f.TargetID)
	}
	if f.NodeID != "" {
		w.add("(r.source_id = ? OR r.target_id = ?)", f.NodeID, f.NodeID)
	}
	if !f.CreatedAfter.IsZero() {
		w.add("r.created_at > ?", toNanos(f.CreatedAfter))
	}
	if !f.CreatedBefore.IsZero() {
		w.add("r.created_at < ?", toNanos(f.CreatedBefore))
	}
	s.propertyWhere(w, "r.properties", f.Properties)
	return w
}

// ListRelationships returns matching edges in insertion order.
func (s *Store) ListRelationships(ctx context.Context, f *storage.RelationshipFilter, limit, offset int) ([]*types.Relationship, error) {
	w := s.relationshipWhere(f)
	return s.queryRelationships(ctx, "SELECT "+relationshipColumns+" FROM relationships r"+w.sql()+" ORDER BY r.seq"+limitOffset(limit, offset), w.args...)
}

func (s *Store) queryRelationships(ctx context.Context, query string, args ...any) ([]*types.Relationship, error) {
	rows, err := s.query(ctx, query, args...)
	if err != nil {
		return nil, types.Wrap(types.KindQuery, err, "%s: list relationships", s.dialect.Name())
	}
	defer rows.Close()

	out := []*types.Relationship{}
	for rows.Next() {
		r, err := scanRelationship(rows)
		if err != nil {
			return nil, types.Wrap(types.KindQuery, err, "%s: scan relationship", s.dialect.Name())
		}
		out = append(out, r)
	}
	return out, rows.Err()
}

// CountRelationships counts matching edges.
func (s *Store) CountRelationships(ctx context.Context, f *storage.RelationshipFilter) (int, error) {
	w := s.relationshipWhere(f)
	var n int
	if err := s.queryRow(ctx, "SELECT COUNT(*) FROM relationships r"+w.sql(), w.args...).Scan(&n); err != nil {
		return 0, types.Wrap(types.KindQuery, err, "%s: count relationships", s.dialect.Name())
	}
	return n, nil
}

// GetNeighbors returns edges incident to nodeID using the source/target indexes.
func (s *Store) GetNeighbors(ctx context.Context, nodeID, relType string, dir types.Direction) ([]*types.Relationship, error) {
	w := &where{}
	switch dir {
	case types.DirectionOutgoing:
		w.add("r.source_id = ?", nodeID)
	case types.DirectionIncoming:
		w.add("r.target_id = ?", nodeID)
	default:
		w.add("(r.source_id = ? OR r.target_id = ?)", nodeID, nodeID)
	}
	if relType != "" {
		w.add("r.relationship_type = ?", relType)
	}
	return s.queryRelationships(ctx, "SELECT "+relationshipColumns+" FROM relationships r"+w.sql()+" ORDER BY r.seq", w.args...)
}

// SaveRelationshipType upserts a definition by name.
func (s *Store) SaveRelationshipType(ctx context.Context, def *types.RelationshipTypeDef) error {
	if err := def.Validate(); err != nil {
		return err
	}
	body, err := encodeJSON(def)
	if err != nil {
		return err
	}
	_, err = s.exec(ctx, `
		INSERT INTO relationship_types (name, definition, version, created_at) VALUES (?, ?, ?, ?)
		ON CONFLICT (name) DO UPDATE SET definition = excluded.definition, version = excluded.version
	`, def.Name, body, int64(def.Version), toNanos(def.CreatedAt))
	if err != nil {
		return types.Wrap(types.KindQuery, err, "%s: save relationship type %s", s.dialect.Name(), def.Name)
	}
	return nil
}

// GetRelationshipType returns the definition or (nil, nil).
func (s *Store) GetRelationshipType(ctx context.Context, name string) (*types.RelationshipTypeDef, error) {
	var body []byte
	err := s.queryRow(ctx, "SELECT definition FROM relationship_types WHERE name = ?", name).Scan(&body)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, types.Wrap(types.KindQuery, err, "%s: get relationship type %s", s.dialect.Name(), name)
	}
	var def types.RelationshipTypeDef
	if err := decodeJSON(body, &def); err != nil {
		return nil, err
	}
	return &def, nil
}

// ListRelationshipTypes returns every definition ordered by name.
func (s *Store) ListRelationshipTypes(ctx context.Context) ([]*types.RelationshipTypeDef, error) {
	rows, err := s.query(ctx, "SELECT definition FROM relationship_types ORDER BY name")
	if err != nil {
		return nil, types.Wrap(types.KindQuery, err, "%s: list relationship types", s.dialect.Name())
	}
	defer rows.Close()

	out := []*types.RelationshipTypeDef{}
	for rows.Next() {
		var body []byte
		if err := rows.Scan(&body); err != nil {
			return nil, types.Wrap(types.KindQuery, err, "%s: scan relationship type", s.dialect.Name())
		}
		var def types.RelationshipTypeDef
		if err := decodeJSON(body, &def); err != nil {
			return nil, err
		}
		out = append(out, &def)
	}
	return out, rows.Err()
}

// DeleteRelationshipType removes a definition.
func (s *Store) DeleteRelationshipType(ctx context.Context, name string) (bool, error) {
	res, err := s.exec(ctx, "DELETE FROM relationship_types WHERE name = ?", name)
	if err != nil {
		return false, types.Wrap(types.KindQuery, err, "%s: delete relationship type %s", s.dialect.Name(), name)
	}
	n, _ := res.RowsAffected()
	return n > 0, nil
}
