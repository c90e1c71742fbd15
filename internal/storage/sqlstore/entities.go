package sqlstore

import (
	"context"
	"database/sql"
	"errors"

	"github.com/scrypster/locai/internal/storage"
	"github.com/scrypster/locai/pkg/types"
)

// CreateEntity inserts an entity.
func (s *Store) CreateEntity(ctx context.Context, e *types.Entity) error {
	if e == nil {
		return types.NewError(types.KindValidation, "entity is nil")
	}
	now := s.now()
	if e.CreatedAt.IsZero() {
		e.CreatedAt = now.UTC()
	}
	if e.UpdatedAt.IsZero() {
		e.UpdatedAt = e.CreatedAt
	}
	if err := e.Validate(); err != nil {
		return err
	}
	props, err := encodeJSON(nonNilMap(e.Properties))
	if err != nil {
		return err
	}

	return s.atomic(ctx, func(tx *Store) error {
		exists, err := tx.exists(ctx, "entities", e.ID)
		if err != nil {
			return err
		}
		if exists {
			return types.Errorf(types.KindAlreadyExists, "entity %s", e.ID)
		}
		_, err = tx.exec(ctx, `
			INSERT INTO entities (id, entity_type, properties, created_at, updated_at)
			VALUES (?, ?, ?, ?, ?)
		`, e.ID, e.EntityType, props, toNanos(e.CreatedAt), toNanos(e.UpdatedAt))
		if err != nil {
			return types.Wrap(types.KindQuery, err, "%s: insert entity %s", tx.dialect.Name(), e.ID)
		}
		return nil
	})
}

// GetEntity returns the entity or (nil, nil).
func (s *Store) GetEntity(ctx context.Context, id string) (*types.Entity, error) {
	e, err := scanEntity(s.queryRow(ctx, "SELECT "+entityColumns+" FROM entities e WHERE e.id = ?", id))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, types.Wrap(types.KindQuery, err, "%s: get entity %s", s.dialect.Name(), id)
	}
	return e, nil
}

// UpdateEntity replaces an entity, preserving created_at.
func (s *Store) UpdateEntity(ctx context.Context, e *types.Entity) error {
	if e == nil {
		return types.NewError(types.KindValidation, "entity is nil")
	}
	return s.atomic(ctx, func(tx *Store) error {
		existing, err := tx.GetEntity(ctx, e.ID)
		if err != nil {
			return err
		}
		if existing == nil {
			return types.Errorf(types.KindNotFound, "entity %s", e.ID)
		}
		e.CreatedAt = existing.CreatedAt
		e.Touch(tx.now())
		if err := e.Validate(); err != nil {
			return err
		}
		props, err := encodeJSON(nonNilMap(e.Properties))
		if err != nil {
			return err
		}
		_, err = tx.exec(ctx, `
			UPDATE entities SET entity_type = ?, properties = ?, updated_at = ? WHERE id = ?
		`, e.EntityType, props, toNanos(e.UpdatedAt), e.ID)
		if err != nil {
			return types.Wrap(types.KindQuery, err, "%s: update entity %s", tx.dialect.Name(), e.ID)
		}
		return nil
	})
}

// DeleteEntity removes an entity and every edge touching it.
func (s *Store) DeleteEntity(ctx context.Context, id string) (bool, error) {
	var deleted bool
	err := s.atomic(ctx, func(tx *Store) error {
		if _, err := tx.exec(ctx, "DELETE FROM relationships WHERE source_id = ? OR target_id = ?", id, id); err != nil {
			return types.Wrap(types.KindQuery, err, "%s: cascade delete %s", tx.dialect.Name(), id)
		}
		res, err := tx.exec(ctx, "DELETE FROM entities WHERE id = ?", id)
		if err != nil {
			return types.Wrap(types.KindQuery, err, "%s: delete entity %s", tx.dialect.Name(), id)
		}
		n, _ := res.RowsAffected()
		deleted = n > 0
		return nil
	})
	return deleted, err
}

func (s *Store) entityWhere(f *storage.EntityFilter) *where {
	w := &where{}
	if f == nil {
		return w
	}
	w.in("e.id", f.IDs)
	if f.EntityType != "" {
		w.add("e.entity_type = ?", f.EntityType)
	}
	if !f.CreatedAfter.IsZero() {
		w.add("e.created_at > ?", toNanos(f.CreatedAfter))
	}
	if !f.CreatedBefore.IsZero() {
		w.add("e.created_at < ?", toNanos(f.CreatedBefore))
	}
	if !f.UpdatedAfter.IsZero() {
		w.add("e.updated_at > ?", toNanos(f.UpdatedAfter))
	}
	if !f.UpdatedBefore.IsZero() {
		w.add("e.updated_at < ?", toNanos(f.UpdatedBefore))
	}
	if f.RelatedTo != "" {
		w.add(`EXISTS (SELECT 1 FROM relationships r
			WHERE (r.source_id = e.id AND r.target_id = ?) OR (r.target_id = e.id AND r.source_id = ?))`,
			f.RelatedTo, f.RelatedTo)
	}
	s.propertyWhere(w, "e.properties", f.Properties)
	return w
}

// ListEntities returns matching entities in insertion order.
func (s *Store) ListEntities(ctx context.Context, f *storage.EntityFilter, limit, offset int) ([]*types.Entity, error) {
	w := s.entityWhere(f)
	rows, err := s.query(ctx, "SELECT "+entityColumns+" FROM entities e"+w.sql()+" ORDER BY e.seq"+limitOffset(limit, offset), w.args...)
	if err != nil {
		return nil, types.Wrap(types.KindQuery, err, "%s: list entities", s.dialect.Name())
	}
	defer rows.Close()

	out := []*types.Entity{}
	for rows.Next() {
		e, err := scanEntity(rows)
		if err != nil {
			return nil, types.Wrap(types.KindQuery, err, "%s: scan entity", s.dialect.Name())
		}
		out = append(out, e)
	}
	return out, rows.Err()
}

// CountEntities counts matching entities.
func (s *Store) CountEntities(ctx context.Context, f *storage.EntityFilter) (int, error) {
	w := s.entityWhere(f)
	var n int
	if err := s.queryRow(ctx, "SELECT COUNT(*) FROM entities e"+w.sql(), w.args...).Scan(&n); err != nil {
		return 0, types.Wrap(types.KindQuery, err, "%s: count entities", s.dialect.Name())
	}
	return n, nil
}
