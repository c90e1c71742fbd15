package sqlstore

import (
	"context"
	"database/sql"
	"errors"
	"sort"
	"strconv"

	"github.com/scrypster/locai/internal/storage"
	"github.com/scrypster/locai/pkg/types"
)

const metaVectorDimension = "vector_dimension"

func (s *Store) vectorDimension(ctx context.Context) (int, error) {
	v, ok, err := s.getMeta(ctx, metaVectorDimension)
	if err != nil || !ok {
		return 0, err
	}
	dim, err := strconv.Atoi(v)
	if err != nil {
		return 0, types.Wrap(types.KindConversion, err, "%s: stored vector dimension %q", s.dialect.Name(), v)
	}
	return dim, nil
}

// UpsertVector stores a vector, fixing the store dimension on first write.
func (s *Store) UpsertVector(ctx context.Context, v *types.Vector) error {
	if v == nil {
		return types.NewError(types.KindValidation, "vector is nil")
	}
	if v.Dimension == 0 {
		v.Dimension = len(v.Components)
	}
	if v.CreatedAt.IsZero() {
		v.CreatedAt = s.now().UTC()
	}
	if err := v.Validate(); err != nil {
		return err
	}
	meta, err := encodeJSON(nonNilMap(v.Metadata))
	if err != nil {
		return err
	}

	return s.atomic(ctx, func(tx *Store) error {
		dim, err := tx.vectorDimension(ctx)
		if err != nil {
			return err
		}
		if err := types.ValidateDimension(v.Components, dim); err != nil {
			return err
		}
		if dim == 0 {
			if err := tx.setMeta(ctx, metaVectorDimension, strconv.Itoa(v.Dimension)); err != nil {
				return err
			}
		}

		var source any
		if v.SourceID != "" {
			source = v.SourceID
		}
		_, err = tx.exec(ctx, `
			INSERT INTO vectors (id, source_id, dimension, components, metadata, created_at)
			VALUES (?, ?, ?, ?, ?, ?)
			ON CONFLICT (id) DO UPDATE SET
				source_id = excluded.source_id,
				dimension = excluded.dimension,
				components = excluded.components,
				metadata = excluded.metadata
		`, v.ID, source, v.Dimension, storage.EncodeVector(v.Components), meta, toNanos(v.CreatedAt))
		if err != nil {
			return types.Wrap(types.KindQuery, err, "%s: upsert vector %s", tx.dialect.Name(), v.ID)
		}

		if vi, ok := tx.dialect.(VectorIndexer); ok && vi.VectorIndexAvailable() {
			// A failed statement poisons the surrounding transaction, so
			// index failures abort the write.
			if err := vi.IndexVector(ctx, tx.q, v); err != nil {
				return types.Wrap(types.KindQuery, err, "%s: index vector %s", tx.dialect.Name(), v.ID)
			}
		}
		return nil
	})
}

// GetVector returns the vector or (nil, nil).
func (s *Store) GetVector(ctx context.Context, id string) (*types.Vector, error) {
	v, err := scanVector(s.queryRow(ctx, "SELECT "+vectorColumns+" FROM vectors v WHERE v.id = ?", id))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, types.Wrap(types.KindQuery, err, "%s: get vector %s", s.dialect.Name(), id)
	}
	return v, nil
}

// DeleteVector removes a vector.
func (s *Store) DeleteVector(ctx context.Context, id string) (bool, error) {
	res, err := s.exec(ctx, "DELETE FROM vectors WHERE id = ?", id)
	if err != nil {
		return false, types.Wrap(types.KindQuery, err, "%s: delete vector %s", s.dialect.Name(), id)
	}
	n, _ := res.RowsAffected()
	return n > 0, nil
}

func vectorWhere(f *storage.VectorFilter) *where {
	w := &where{}
	if f == nil {
		return w
	}
	w.in("v.id", f.IDs)
	if f.SourceID != "" {
		w.add("v.source_id = ?", f.SourceID)
	}
	if f.Dimension > 0 {
		w.add("v.dimension = ?", f.Dimension)
	}
	return w
}

// ListVectors returns matching vectors in insertion order.
func (s *Store) ListVectors(ctx context.Context, f *storage.VectorFilter, limit, offset int) ([]*types.Vector, error) {
	w := vectorWhere(f)
	rows, err := s.query(ctx, "SELECT "+vectorColumns+" FROM vectors v"+w.sql()+" ORDER BY v.seq"+limitOffset(limit, offset), w.args...)
	if err != nil {
		return nil, types.Wrap(types.KindQuery, err, "%s: list vectors", s.dialect.Name())
	}
	defer rows.Close()

	out := []*types.Vector{}
	for rows.Next() {
		v, err := scanVector(rows)
		if err != nil {
			return nil, types.Wrap(types.KindQuery, err, "%s: scan vector", s.dialect.Name())
		}
		out = append(out, v)
	}
	return out, rows.Err()
}

// SearchVectors ranks vectors by cosine similarity to query. Dialects with
// a native index answer directly; otherwise every candidate is scanned.
func (s *Store) SearchVectors(ctx context.Context, query []float32, limit int, f *storage.VectorFilter) ([]storage.VectorMatch, error) {
	if len(query) == 0 {
		return nil, types.NewError(types.KindValidation, "query vector must not be empty")
	}
	if err := types.ValidateEmbedding(query); err != nil {
		return nil, err
	}
	dim, err := s.vectorDimension(ctx)
	if err != nil {
		return nil, err
	}
	if err := types.ValidateDimension(query, dim); err != nil {
		return nil, err
	}

	if vi, ok := s.dialect.(VectorIndexer); ok && vi.VectorIndexAvailable() {
		hits, err := vi.SearchIndexed(ctx, s.q, query, limit, f)
		if err == nil {
			out := make([]storage.VectorMatch, 0, len(hits))
			for _, h := range hits {
				v, err := s.GetVector(ctx, h.ID)
				if err != nil {
					return nil, err
				}
				if v != nil {
					out = append(out, storage.VectorMatch{Vector: v, Similarity: h.Score})
				}
			}
			return out, nil
		}
		s.logger.Warn("native vector search failed, falling back to exact scan", "err", err)
	}

	all, err := s.ListVectors(ctx, f, 0, 0)
	if err != nil {
		return nil, err
	}
	matches := make([]storage.VectorMatch, 0, len(all))
	for _, v := range all {
		matches = append(matches, storage.VectorMatch{Vector: v, Similarity: storage.CosineSimilarity(query, v.Components)})
	}
	sort.SliceStable(matches, func(i, j int) bool {
		if matches[i].Similarity != matches[j].Similarity {
			return matches[i].Similarity > matches[j].Similarity
		}
		return matches[i].Vector.ID < matches[j].Vector.ID
	})
	if limit > 0 && len(matches) > limit {
		matches = matches[:limit]
	}
	return matches, nil
}
