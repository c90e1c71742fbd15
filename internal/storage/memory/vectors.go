package memory

import (
	"context"
	"slices"
	"sort"

	chromem "github.com/philippgille/chromem-go"

	"github.com/scrypster/locai/internal/storage"
	"github.com/scrypster/locai/pkg/types"
)

const metaSourceID = "source_id"

func isZero(v []float32) bool {
	for _, c := range v {
		if c != 0 {
			return false
		}
	}
	return true
}

// indexVector adds v to the chromem collection. Zero vectors have no
// direction and stay out of the index; search scores them as 0.
func (st *state) indexVector(ctx context.Context, v *types.Vector) error {
	if isZero(v.Components) {
		return nil
	}
	doc := chromem.Document{
		ID:        v.ID,
		Metadata:  map[string]string{metaSourceID: v.SourceID},
		Embedding: slices.Clone(v.Components),
		Content:   v.ID,
	}
	if err := st.index.AddDocument(ctx, doc); err != nil {
		return types.Wrap(types.KindOperation, err, "memory: index vector %s", v.ID)
	}
	return nil
}

func (st *state) putVector(ctx context.Context, v *types.Vector) error {
	if v.Dimension == 0 {
		v.Dimension = len(v.Components)
	}
	if err := v.Validate(); err != nil {
		return err
	}
	if err := types.ValidateDimension(v.Components, st.dimension); err != nil {
		return err
	}
	if _, ok := st.vectors.Get(v.ID); ok {
		st.deleteVector(ctx, v.ID)
	}
	c := v.Clone()
	if err := st.indexVector(ctx, c); err != nil {
		return err
	}
	st.vectors.Set(c.ID, c)
	if st.dimension == 0 {
		st.dimension = c.Dimension
	}
	return nil
}

func (st *state) deleteVector(ctx context.Context, id string) bool {
	if !st.vectors.Delete(id) {
		return false
	}
	// Absent ids (zero vectors) are not an error for chromem.
	_ = st.index.Delete(ctx, nil, nil, id)
	return true
}

// UpsertVector stores a vector, fixing the store dimension on first write.
func (s *Store) UpsertVector(ctx context.Context, v *types.Vector) error {
	if v == nil {
		return types.NewError(types.KindValidation, "vector is nil")
	}
	if v.CreatedAt.IsZero() {
		v.CreatedAt = s.now().UTC()
	}
	return s.write(func(st *state) error {
		return st.putVector(ctx, v)
	})
}

// GetVector returns a copy of the vector or (nil, nil).
func (s *Store) GetVector(ctx context.Context, id string) (*types.Vector, error) {
	var out *types.Vector
	err := s.read(func(st *state) error {
		if v, ok := st.vectors.Get(id); ok {
			out = v.Clone()
		}
		return nil
	})
	return out, err
}

// DeleteVector removes a vector.
func (s *Store) DeleteVector(ctx context.Context, id string) (bool, error) {
	var deleted bool
	err := s.write(func(st *state) error {
		deleted = st.deleteVector(ctx, id)
		return nil
	})
	return deleted, err
}

// ListVectors returns matching vectors in insertion order.
func (s *Store) ListVectors(ctx context.Context, f *storage.VectorFilter, limit, offset int) ([]*types.Vector, error) {
	out := []*types.Vector{}
	err := s.read(func(st *state) error {
		var matched []*types.Vector
		for el := st.vectors.Front(); el != nil; el = el.Next() {
			if storage.MatchVector(f, el.Value) {
				matched = append(matched, el.Value)
			}
		}
		for _, v := range storage.Page(matched, limit, offset) {
			out = append(out, v.Clone())
		}
		return nil
	})
	return out, err
}

// SearchVectors ranks vectors by cosine similarity. chromem narrows the
// candidates to the top hits; scores are recomputed exactly so every
// backend reports the same numbers.
func (s *Store) SearchVectors(ctx context.Context, query []float32, limit int, f *storage.VectorFilter) ([]storage.VectorMatch, error) {
	if len(query) == 0 {
		return nil, types.NewError(types.KindValidation, "query vector must not be empty")
	}
	if err := types.ValidateEmbedding(query); err != nil {
		return nil, err
	}

	var out []storage.VectorMatch
	err := s.read(func(st *state) error {
		if err := types.ValidateDimension(query, st.dimension); err != nil {
			return err
		}
		candidates, err := st.vectorCandidates(ctx, query, limit, f)
		if err != nil {
			return err
		}
		out = make([]storage.VectorMatch, 0, len(candidates))
		for _, v := range candidates {
			out = append(out, storage.VectorMatch{Vector: v.Clone(), Similarity: storage.CosineSimilarity(query, v.Components)})
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	sort.SliceStable(out, func(i, j int) bool {
		if out[i].Similarity != out[j].Similarity {
			return out[i].Similarity > out[j].Similarity
		}
		return out[i].Vector.ID < out[j].Vector.ID
	})
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

// vectorCandidates returns a superset of the top-limit matches for query.
// An id filter or a zero query falls back to scanning the matching vectors.
func (st *state) vectorCandidates(ctx context.Context, query []float32, limit int, f *storage.VectorFilter) ([]*types.Vector, error) {
	var zero []*types.Vector
	scan := isZero(query) || (f != nil && len(f.IDs) > 0)
	var all []*types.Vector
	for el := st.vectors.Front(); el != nil; el = el.Next() {
		v := el.Value
		if !storage.MatchVector(f, v) {
			continue
		}
		if scan {
			all = append(all, v)
		} else if isZero(v.Components) {
			zero = append(zero, v)
		}
	}
	if scan {
		return all, nil
	}

	n := st.index.Count()
	if limit > 0 && limit < n {
		n = limit
	}
	if n == 0 {
		return zero, nil
	}
	var where map[string]string
	if f != nil && f.SourceID != "" {
		where = map[string]string{metaSourceID: f.SourceID}
	}
	results, err := st.index.QueryEmbedding(ctx, query, n, where, nil)
	if err != nil {
		return nil, types.Wrap(types.KindQuery, err, "memory: vector query")
	}
	out := make([]*types.Vector, 0, len(results)+len(zero))
	for _, r := range results {
		if v, ok := st.vectors.Get(r.ID); ok && storage.MatchVector(f, v) {
			out = append(out, v)
		}
	}
	return append(out, zero...), nil
}
