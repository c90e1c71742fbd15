package memory

import (
	"context"
	"encoding/json"
	"sort"

	"github.com/scrypster/locai/internal/storage"
	"github.com/scrypster/locai/pkg/types"
)

// copyRecord deep-copies a version record through JSON, the same form the
// SQL backends persist.
func copyRecord(rec *storage.VersionRecord) (*storage.VersionRecord, error) {
	raw, err := json.Marshal(rec)
	if err != nil {
		return nil, types.Wrap(types.KindSerialization, err, "memory: encode version %s", rec.Version.ID)
	}
	var out storage.VersionRecord
	if err := json.Unmarshal(raw, &out); err != nil {
		return nil, types.Wrap(types.KindSerialization, err, "memory: decode version %s", rec.Version.ID)
	}
	return &out, nil
}

// SaveVersion upserts a version record.
func (s *Store) SaveVersion(ctx context.Context, rec *storage.VersionRecord) error {
	if rec == nil || rec.Version.ID == "" {
		return types.NewError(types.KindValidation, "version id is required")
	}
	c, err := copyRecord(rec)
	if err != nil {
		return err
	}
	return s.write(func(st *state) error {
		st.versions.Set(c.Version.ID, c)
		return nil
	})
}

// GetVersion returns a copy of the record or (nil, nil).
func (s *Store) GetVersion(ctx context.Context, id string) (*storage.VersionRecord, error) {
	var stored *storage.VersionRecord
	if err := s.read(func(st *state) error {
		stored, _ = st.versions.Get(id)
		return nil
	}); err != nil || stored == nil {
		return nil, err
	}
	return copyRecord(stored)
}

// ListVersions returns records newest first.
func (s *Store) ListVersions(ctx context.Context, limit, offset int) ([]*storage.VersionRecord, error) {
	var recs []*storage.VersionRecord
	if err := s.read(func(st *state) error {
		recs = values(st.versions)
		return nil
	}); err != nil {
		return nil, err
	}
	// Reverse insertion order breaks ties between equal timestamps.
	for i, j := 0, len(recs)-1; i < j; i, j = i+1, j-1 {
		recs[i], recs[j] = recs[j], recs[i]
	}
	sort.SliceStable(recs, func(i, j int) bool {
		return recs[i].Version.CreatedAt.After(recs[j].Version.CreatedAt)
	})

	page := storage.Page(recs, limit, offset)
	out := make([]*storage.VersionRecord, 0, len(page))
	for _, rec := range page {
		c, err := copyRecord(rec)
		if err != nil {
			return nil, err
		}
		out = append(out, c)
	}
	return out, nil
}

// DeleteVersion removes a version record.
func (s *Store) DeleteVersion(ctx context.Context, id string) (bool, error) {
	var deleted bool
	err := s.write(func(st *state) error {
		deleted = st.versions.Delete(id)
		return nil
	})
	return deleted, err
}

// ReplaceAll swaps memories, entities, relationships and vectors for the
// snapshot. Versions and relationship types are kept.
func (s *Store) ReplaceAll(ctx context.Context, snap *storage.Snapshot) error {
	if snap == nil {
		snap = &storage.Snapshot{}
	}
	return s.WithTx(ctx, func(tx storage.Store) error {
		st := tx.(*Store).st
		keep := *st
		*st = *newState()
		st.versions = keep.versions
		st.relTypes = keep.relTypes
		st.dimension = keep.dimension

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
