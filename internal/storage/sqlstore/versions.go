package sqlstore

import (
	"context"
	"database/sql"
	"errors"

	"github.com/scrypster/locai/internal/storage"
	"github.com/scrypster/locai/pkg/types"
)

// SaveVersion upserts a version record. The record body is stored as JSON;
// id, parent and creation time are lifted into columns for ordering.
func (s *Store) SaveVersion(ctx context.Context, rec *storage.VersionRecord) error {
	if rec == nil || rec.Version.ID == "" {
		return types.NewError(types.KindValidation, "version id is required")
	}
	body, err := encodeJSON(rec)
	if err != nil {
		return err
	}
	var parent any
	if rec.ParentID != "" {
		parent = rec.ParentID
	}
	_, err = s.exec(ctx, `
		INSERT INTO versions (id, parent_id, mode, created_at, record) VALUES (?, ?, ?, ?, ?)
		ON CONFLICT (id) DO UPDATE SET
			parent_id = excluded.parent_id,
			mode = excluded.mode,
			record = excluded.record
	`, rec.Version.ID, parent, string(rec.Mode), toNanos(rec.Version.CreatedAt), body)
	if err != nil {
		return types.Wrap(types.KindQuery, err, "%s: save version %s", s.dialect.Name(), rec.Version.ID)
	}
	return nil
}

// GetVersion returns the record or (nil, nil).
func (s *Store) GetVersion(ctx context.Context, id string) (*storage.VersionRecord, error) {
	var body []byte
	err := s.queryRow(ctx, "SELECT record FROM versions WHERE id = ?", id).Scan(&body)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, types.Wrap(types.KindQuery, err, "%s: get version %s", s.dialect.Name(), id)
	}
	var rec storage.VersionRecord
	if err := decodeJSON(body, &rec); err != nil {
		return nil, err
	}
	return &rec, nil
}

// ListVersions returns records newest first.
func (s *Store) ListVersions(ctx context.Context, limit, offset int) ([]*storage.VersionRecord, error) {
	rows, err := s.query(ctx, "SELECT record FROM versions ORDER BY created_at DESC, seq DESC"+limitOffset(limit, offset))
	if err != nil {
		return nil, types.Wrap(types.KindQuery, err, "%s: list versions", s.dialect.Name())
	}
	defer rows.Close()

	out := []*storage.VersionRecord{}
	for rows.Next() {
		var body []byte
		if err := rows.Scan(&body); err != nil {
			return nil, types.Wrap(types.KindQuery, err, "%s: scan version", s.dialect.Name())
		}
		var rec storage.VersionRecord
		if err := decodeJSON(body, &rec); err != nil {
			return nil, err
		}
		out = append(out, &rec)
	}
	return out, rows.Err()
}

// DeleteVersion removes a version record.
func (s *Store) DeleteVersion(ctx context.Context, id string) (bool, error) {
	res, err := s.exec(ctx, "DELETE FROM versions WHERE id = ?", id)
	if err != nil {
		return false, types.Wrap(types.KindQuery, err, "%s: delete version %s", s.dialect.Name(), id)
	}
	n, _ := res.RowsAffected()
	return n > 0, nil
}

// ReplaceAll swaps the logical record set for snap inside one transaction.
// Memories are written before relationships so endpoint checks pass.
func (s *Store) ReplaceAll(ctx context.Context, snap *storage.Snapshot) error {
	if snap == nil {
		snap = &storage.Snapshot{}
	}
	return s.atomic(ctx, func(tx *Store) error {
		for _, table := range []string{"memory_tags", "relationships", "vectors", "memories", "entities"} {
			if _, err := tx.exec(ctx, "DELETE FROM "+table); err != nil {
				return types.Wrap(types.KindTransaction, err, "%s: checkout clear %s", tx.dialect.Name(), table)
			}
		}
		for _, m := range snap.Memories {
			if err := tx.CreateMemory(ctx, m.Clone()); err != nil {
				return types.Wrap(types.KindTransaction, err, "checkout restore memory %s", m.ID)
			}
		}
		for _, e := range snap.Entities {
			if err := tx.CreateEntity(ctx, e.Clone()); err != nil {
				return types.Wrap(types.KindTransaction, err, "checkout restore entity %s", e.ID)
			}
		}
		for _, r := range snap.Relationships {
			if err := tx.CreateRelationship(ctx, r.Clone()); err != nil {
				return types.Wrap(types.KindTransaction, err, "checkout restore relationship %s", r.ID)
			}
		}
		return nil
	})
}
