package memory

import (
	"context"
	"encoding/json"
	"strings"
	"time"

	"github.com/tidwall/gjson"

	"github.com/scrypster/locai/internal/storage"
	"github.com/scrypster/locai/pkg/types"
)

// CreateMemory stores a copy of m and indexes its content and embedding.
func (s *Store) CreateMemory(ctx context.Context, m *types.Memory) error {
	if m == nil {
		return types.NewError(types.KindValidation, "memory is nil")
	}
	m.ApplyDefaults(s.now())
	if err := m.Validate(); err != nil {
		return err
	}
	return s.write(func(st *state) error {
		if _, ok := st.memories.Get(m.ID); ok {
			return types.Errorf(types.KindAlreadyExists, "memory %s", m.ID)
		}
		if m.HasEmbedding() {
			if err := st.putVector(ctx, storage.MemoryVector(m)); err != nil {
				return err
			}
		}
		st.putMemory(m)
		return nil
	})
}

// putMemory stores m without its embedding; the embedding lives in the
// vector record and is attached on read.
func (st *state) putMemory(m *types.Memory) {
	c := m.Clone()
	c.Embedding = nil
	c.Tags = dedupe(c.Tags)
	st.memories.Set(c.ID, c)
	st.lexical.Add(c.ID, c.Content)
}

func dedupe(tags []string) []string {
	if len(tags) == 0 {
		return tags
	}
	seen := make(map[string]struct{}, len(tags))
	out := tags[:0]
	for _, t := range tags {
		if _, ok := seen[t]; ok {
			continue
		}
		seen[t] = struct{}{}
		out = append(out, t)
	}
	return out
}

// loadMemory returns a caller-owned copy with its embedding attached.
func (st *state) loadMemory(id string) *types.Memory {
	m, ok := st.memories.Get(id)
	if !ok {
		return nil
	}
	c := m.Clone()
	if v, ok := st.vectors.Get(id); ok && v.SourceID == id {
		c.Embedding = append([]float32(nil), v.Components...)
	}
	return c
}

// GetMemory returns a copy of the memory or (nil, nil).
func (s *Store) GetMemory(ctx context.Context, id string) (*types.Memory, error) {
	var out *types.Memory
	err := s.read(func(st *state) error {
		out = st.loadMemory(id)
		return nil
	})
	return out, err
}

// UpdateMemory replaces a memory. The access counter and last_accessed
// never move backwards.
func (s *Store) UpdateMemory(ctx context.Context, m *types.Memory) error {
	if m == nil {
		return types.NewError(types.KindValidation, "memory is nil")
	}
	m.ApplyDefaults(s.now())
	if err := m.Validate(); err != nil {
		return err
	}
	return s.write(func(st *state) error {
		existing, ok := st.memories.Get(m.ID)
		if !ok {
			return types.Errorf(types.KindNotFound, "memory %s", m.ID)
		}
		next := m.Clone()
		if existing.AccessCount > next.AccessCount {
			next.AccessCount = existing.AccessCount
		}
		if existing.LastAccessed != nil && (next.LastAccessed == nil || existing.LastAccessed.After(*next.LastAccessed)) {
			t := *existing.LastAccessed
			next.LastAccessed = &t
		}
		if next.HasEmbedding() {
			if err := st.putVector(ctx, storage.MemoryVector(next)); err != nil {
				return err
			}
		} else {
			st.deleteVector(ctx, next.ID)
		}
		st.putMemory(next)
		return nil
	})
}

// DeleteMemory removes the memory with its edges and vector.
func (s *Store) DeleteMemory(ctx context.Context, id string) (bool, error) {
	var deleted bool
	err := s.write(func(st *state) error {
		deleted = st.deleteMemory(ctx, id)
		return nil
	})
	return deleted, err
}

func (st *state) deleteMemory(ctx context.Context, id string) bool {
	if _, ok := st.memories.Get(id); !ok {
		return false
	}
	st.deleteEdgesOf(id)
	for _, v := range values(st.vectors) {
		if v.SourceID == id {
			st.deleteVector(ctx, v.ID)
		}
	}
	st.memories.Delete(id)
	st.lexical.Remove(id)
	return true
}

// matchMemory applies the structural filter, then property and custom
// predicates over the memory's JSON form.
func matchMemory(f *storage.MemoryFilter, m *types.Memory, now time.Time) bool {
	if !storage.MatchMemoryFields(f, m, now) {
		return false
	}
	if f == nil || (len(f.Properties) == 0 && f.Custom == "") {
		return true
	}
	doc, err := json.Marshal(m)
	if err != nil {
		return false
	}
	for key, want := range f.Properties {
		r := gjson.GetBytes(doc, propertyPath(key))
		if !r.Exists() || !types.PropertyEquals(r.Value(), want) {
			return false
		}
	}
	if f.Custom != "" && !truthy(gjson.GetBytes(doc, f.Custom)) {
		return false
	}
	return true
}

// propertyPath turns a dotted property key into a gjson path under
// "properties", escaping gjson's special characters in each segment.
func propertyPath(key string) string {
	segments := strings.Split(key, ".")
	for i, seg := range segments {
		segments[i] = escapePathSegment(seg)
	}
	return "properties." + strings.Join(segments, ".")
}

func escapePathSegment(seg string) string {
	var b strings.Builder
	for _, r := range seg {
		if strings.ContainsRune(`\*?|#@!=<>%:.`, r) {
			b.WriteByte('\\')
		}
		b.WriteRune(r)
	}
	return b.String()
}

// truthy is the Custom filter's notion of a match: the path exists and is
// not false, null, zero or empty.
func truthy(r gjson.Result) bool {
	if !r.Exists() {
		return false
	}
	switch r.Type {
	case gjson.False, gjson.Null:
		return false
	case gjson.Number:
		return r.Num != 0
	case gjson.String:
		return r.Str != ""
	case gjson.JSON:
		return r.Raw != "[]" && r.Raw != "{}"
	}
	return true
}

func (st *state) listMemories(f *storage.MemoryFilter, now time.Time) []*types.Memory {
	out := []*types.Memory{}
	for el := st.memories.Front(); el != nil; el = el.Next() {
		if matchMemory(f, el.Value, now) {
			out = append(out, el.Value)
		}
	}
	return out
}

// ListMemories returns matching memories in insertion order.
func (s *Store) ListMemories(ctx context.Context, f *storage.MemoryFilter, limit, offset int) ([]*types.Memory, error) {
	var out []*types.Memory
	err := s.read(func(st *state) error {
		page := storage.Page(st.listMemories(f, s.now()), limit, offset)
		out = make([]*types.Memory, len(page))
		for i, m := range page {
			out[i] = st.loadMemory(m.ID)
		}
		return nil
	})
	return out, err
}

// CountMemories counts matching memories.
func (s *Store) CountMemories(ctx context.Context, f *storage.MemoryFilter) (int, error) {
	var n int
	err := s.read(func(st *state) error {
		n = len(st.listMemories(f, s.now()))
		return nil
	})
	return n, err
}

// ApplyAccessUpdates folds aggregated access updates. Unknown ids are
// skipped; the memory may have been deleted since the read.
func (s *Store) ApplyAccessUpdates(ctx context.Context, updates []storage.AccessUpdate) error {
	if len(updates) == 0 {
		return nil
	}
	return s.write(func(st *state) error {
		for _, u := range updates {
			m, ok := st.memories.Get(u.MemoryID)
			if !ok {
				continue
			}
			c := m.Clone()
			c.ApplyAccess(u.Delta, u.Timestamp)
			st.memories.Set(c.ID, c)
		}
		return nil
	})
}

// DeleteExpiredMemories removes memories whose deadline has passed.
func (s *Store) DeleteExpiredMemories(ctx context.Context, now time.Time) (int, error) {
	removed := 0
	err := s.write(func(st *state) error {
		for _, m := range values(st.memories) {
			if m.IsExpired(now) && st.deleteMemory(ctx, m.ID) {
				removed++
			}
		}
		return nil
	})
	return removed, err
}

// SearchMemories ranks unexpired memories with BM25.
func (s *Store) SearchMemories(ctx context.Context, query string, limit int) ([]storage.ScoredMemory, error) {
	if strings.TrimSpace(query) == "" {
		return nil, types.NewError(types.KindEmptySearchQuery, "query must not be empty")
	}
	var out []storage.ScoredMemory
	err := s.read(func(st *state) error {
		now := s.now()
		hits := st.lexical.Search(query, limit, func(id string) bool {
			m, ok := st.memories.Get(id)
			return ok && !m.IsExpired(now)
		})
		out = make([]storage.ScoredMemory, 0, len(hits))
		for _, h := range hits {
			if m := st.loadMemory(h.ID); m != nil {
				out = append(out, storage.ScoredMemory{Memory: m, Score: h.Score})
			}
		}
		return nil
	})
	return out, err
}
