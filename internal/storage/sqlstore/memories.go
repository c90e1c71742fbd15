package sqlstore

import (
	"context"
	"database/sql"
	"errors"
	"strings"
	"time"

	"github.com/scrypster/locai/internal/search"
	"github.com/scrypster/locai/internal/storage"
	"github.com/scrypster/locai/pkg/types"
)

// CreateMemory inserts a memory, its tag index rows and its vector.
func (s *Store) CreateMemory(ctx context.Context, m *types.Memory) error {
	if m == nil {
		return types.NewError(types.KindValidation, "memory is nil")
	}
	m.ApplyDefaults(s.now())
	if err := m.Validate(); err != nil {
		return err
	}

	return s.atomic(ctx, func(tx *Store) error {
		exists, err := tx.exists(ctx, "memories", m.ID)
		if err != nil {
			return err
		}
		if exists {
			return types.Errorf(types.KindAlreadyExists, "memory %s", m.ID)
		}

		cols, err := memoryValues(m)
		if err != nil {
			return err
		}
		_, err = tx.exec(ctx, `
			INSERT INTO memories (id, content, memory_type, created_at, last_accessed, access_count,
				priority, tags, source, expires_at, properties, related_memories, doc_len)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		`, append([]any{m.ID}, cols...)...)
		if err != nil {
			return types.Wrap(types.KindQuery, err, "%s: insert memory %s", tx.dialect.Name(), m.ID)
		}
		if err := tx.writeTags(ctx, m.ID, m.Tags); err != nil {
			return err
		}
		if m.HasEmbedding() {
			return tx.UpsertVector(ctx, storage.MemoryVector(m))
		}
		return nil
	})
}

// memoryValues returns every column after id, in insert order.
func memoryValues(m *types.Memory) ([]any, error) {
	tags, err := encodeJSON(nonNil(m.Tags))
	if err != nil {
		return nil, err
	}
	props, err := encodeJSON(nonNilMap(m.Properties))
	if err != nil {
		return nil, err
	}
	related, err := encodeJSON(nonNil(m.RelatedMemories))
	if err != nil {
		return nil, err
	}
	_, docLen := search.TermFrequencies(m.Content)
	return []any{
		m.Content, string(m.MemoryType), toNanos(m.CreatedAt), nullNanos(m.LastAccessed),
		int64(m.AccessCount), string(m.Priority), tags, m.Source, nullNanos(m.ExpiresAt),
		props, related, docLen,
	}, nil
}

func nonNil[T any](v []T) []T {
	if v == nil {
		return []T{}
	}
	return v
}

func nonNilMap(m map[string]any) map[string]any {
	if m == nil {
		return map[string]any{}
	}
	return m
}

func (s *Store) writeTags(ctx context.Context, id string, tags []string) error {
	if _, err := s.exec(ctx, "DELETE FROM memory_tags WHERE memory_id = ?", id); err != nil {
		return types.Wrap(types.KindQuery, err, "%s: clear tags of %s", s.dialect.Name(), id)
	}
	seen := make(map[string]struct{}, len(tags))
	for _, tag := range tags {
		if _, dup := seen[tag]; dup {
			continue
		}
		seen[tag] = struct{}{}
		if _, err := s.exec(ctx, "INSERT INTO memory_tags (memory_id, tag) VALUES (?, ?)", id, tag); err != nil {
			return types.Wrap(types.KindQuery, err, "%s: tag %s", s.dialect.Name(), id)
		}
	}
	return nil
}

func (s *Store) exists(ctx context.Context, table, id string) (bool, error) {
	var n int
	err := s.queryRow(ctx, "SELECT COUNT(*) FROM "+table+" WHERE id = ?", id).Scan(&n)
	if err != nil {
		return false, types.Wrap(types.KindQuery, err, "%s: lookup %s in %s", s.dialect.Name(), id, table)
	}
	return n > 0, nil
}

// GetMemory returns the memory with its embedding, or (nil, nil).
func (s *Store) GetMemory(ctx context.Context, id string) (*types.Memory, error) {
	row := s.queryRow(ctx, "SELECT "+memoryColumns+memoryFrom+" WHERE m.id = ?", id)
	m, err := scanMemory(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, types.Wrap(types.KindQuery, err, "%s: get memory %s", s.dialect.Name(), id)
	}
	return m, nil
}

// UpdateMemory replaces a stored memory. The access counter and
// last_accessed never move backwards.
func (s *Store) UpdateMemory(ctx context.Context, m *types.Memory) error {
	if m == nil {
		return types.NewError(types.KindValidation, "memory is nil")
	}
	m.ApplyDefaults(s.now())
	if err := m.Validate(); err != nil {
		return err
	}

	return s.atomic(ctx, func(tx *Store) error {
		cols, err := memoryValues(m)
		if err != nil {
			return err
		}
		g := tx.dialect.Greatest()
		res, err := tx.exec(ctx, `
			UPDATE memories SET
				content = ?, memory_type = ?, created_at = ?,
				last_accessed = NULLIF(`+g+`(COALESCE(last_accessed, 0), COALESCE(CAST(? AS BIGINT), 0)), 0),
				access_count = `+g+`(access_count, ?),
				priority = ?, tags = ?, source = ?, expires_at = ?, properties = ?,
				related_memories = ?, doc_len = ?
			WHERE id = ?
		`, append(cols, m.ID)...)
		if err != nil {
			return types.Wrap(types.KindQuery, err, "%s: update memory %s", tx.dialect.Name(), m.ID)
		}
		if n, _ := res.RowsAffected(); n == 0 {
			return types.Errorf(types.KindNotFound, "memory %s", m.ID)
		}
		if err := tx.writeTags(ctx, m.ID, m.Tags); err != nil {
			return err
		}
		if m.HasEmbedding() {
			return tx.UpsertVector(ctx, storage.MemoryVector(m))
		}
		_, err = tx.DeleteVector(ctx, m.ID)
		return err
	})
}

// DeleteMemory removes the memory and cascades to its edges and vector.
func (s *Store) DeleteMemory(ctx context.Context, id string) (bool, error) {
	var deleted bool
	err := s.atomic(ctx, func(tx *Store) error {
		var err error
		deleted, err = tx.deleteMemoryCascade(ctx, id)
		return err
	})
	return deleted, err
}

func (s *Store) deleteMemoryCascade(ctx context.Context, id string) (bool, error) {
	steps := []struct {
		query string
		args  []any
	}{
		{"DELETE FROM relationships WHERE source_id = ? OR target_id = ?", []any{id, id}},
		{"DELETE FROM vectors WHERE source_id = ?", []any{id}},
		{"DELETE FROM memory_tags WHERE memory_id = ?", []any{id}},
	}
	for _, st := range steps {
		if _, err := s.exec(ctx, st.query, st.args...); err != nil {
			return false, types.Wrap(types.KindQuery, err, "%s: cascade delete %s", s.dialect.Name(), id)
		}
	}
	res, err := s.exec(ctx, "DELETE FROM memories WHERE id = ?", id)
	if err != nil {
		return false, types.Wrap(types.KindQuery, err, "%s: delete memory %s", s.dialect.Name(), id)
	}
	n, _ := res.RowsAffected()
	return n > 0, nil
}

func (s *Store) memoryWhere(f *storage.MemoryFilter) *where {
	w := &where{}
	now := toNanos(s.now())
	if f == nil {
		w.add("(m.expires_at IS NULL OR m.expires_at > ?)", now)
		return w
	}
	if !f.IncludeExpired {
		w.add("(m.expires_at IS NULL OR m.expires_at > ?)", now)
	}
	w.in("m.id", f.IDs)
	if f.Content != "" {
		w.add(`LOWER(m.content) LIKE ? ESCAPE '\'`, "%"+escapeLike(strings.ToLower(f.Content))+"%")
	}
	if f.MemoryType != "" {
		w.add("m.memory_type = ?", string(f.MemoryType))
	}
	if len(f.Tags) > 0 {
		marks := strings.TrimSuffix(strings.Repeat("?, ", len(f.Tags)), ", ")
		args := make([]any, len(f.Tags))
		for i, t := range f.Tags {
			args[i] = t
		}
		w.add("EXISTS (SELECT 1 FROM memory_tags t WHERE t.memory_id = m.id AND t.tag IN ("+marks+"))", args...)
	}
	if f.Source != "" {
		w.add("m.source = ?", f.Source)
	}
	if !f.CreatedAfter.IsZero() {
		w.add("m.created_at > ?", toNanos(f.CreatedAfter))
	}
	if !f.CreatedBefore.IsZero() {
		w.add("m.created_at < ?", toNanos(f.CreatedBefore))
	}
	s.propertyWhere(w, "m.properties", f.Properties)
	if f.Custom != "" {
		w.add("(" + f.Custom + ")")
	}
	return w
}

func (s *Store) propertyWhere(w *where, column string, props map[string]any) {
	for key, value := range props {
		encoded, err := encodeJSON(value)
		if err != nil {
			// Unencodable values can never match a stored JSON value.
			w.add("1 = 0")
			continue
		}
		clause, args := s.dialect.PropertyPredicate(column, strings.Split(key, "."), encoded)
		w.add(clause, args...)
	}
}

func escapeLike(s string) string {
	r := strings.NewReplacer(`\`, `\\`, `%`, `\%`, `_`, `\_`)
	return r.Replace(s)
}

// ListMemories returns matching memories in insertion order.
func (s *Store) ListMemories(ctx context.Context, f *storage.MemoryFilter, limit, offset int) ([]*types.Memory, error) {
	w := s.memoryWhere(f)
	rows, err := s.query(ctx, "SELECT "+memoryColumns+memoryFrom+w.sql()+" ORDER BY m.seq"+limitOffset(limit, offset), w.args...)
	if err != nil {
		return nil, types.Wrap(types.KindQuery, err, "%s: list memories", s.dialect.Name())
	}
	defer rows.Close()

	out := []*types.Memory{}
	for rows.Next() {
		m, err := scanMemory(rows)
		if err != nil {
			return nil, types.Wrap(types.KindQuery, err, "%s: scan memory", s.dialect.Name())
		}
		out = append(out, m)
	}
	if err := rows.Err(); err != nil {
		return nil, types.Wrap(types.KindQuery, err, "%s: list memories", s.dialect.Name())
	}
	return out, nil
}

// CountMemories counts matching memories.
func (s *Store) CountMemories(ctx context.Context, f *storage.MemoryFilter) (int, error) {
	w := s.memoryWhere(f)
	var n int
	if err := s.queryRow(ctx, "SELECT COUNT(*) FROM memories m"+w.sql(), w.args...).Scan(&n); err != nil {
		return 0, types.Wrap(types.KindQuery, err, "%s: count memories", s.dialect.Name())
	}
	return n, nil
}

// ApplyAccessUpdates folds aggregated access updates in one transaction.
func (s *Store) ApplyAccessUpdates(ctx context.Context, updates []storage.AccessUpdate) error {
	if len(updates) == 0 {
		return nil
	}
	g, l := s.dialect.Greatest(), s.dialect.Least()
	return s.atomic(ctx, func(tx *Store) error {
		for _, u := range updates {
			_, err := tx.exec(ctx, `
				UPDATE memories SET
					access_count = `+l+`(access_count + ?, ?),
					last_accessed = `+g+`(COALESCE(last_accessed, created_at), ?, created_at)
				WHERE id = ?
			`, int64(u.Delta), int64(types.MaxAccessCount), toNanos(u.Timestamp), u.MemoryID)
			if err != nil {
				return types.Wrap(types.KindQuery, err, "%s: apply access update %s", tx.dialect.Name(), u.MemoryID)
			}
		}
		return nil
	})
}

// DeleteExpiredMemories removes memories whose deadline has passed.
func (s *Store) DeleteExpiredMemories(ctx context.Context, now time.Time) (int, error) {
	removed := 0
	err := s.atomic(ctx, func(tx *Store) error {
		rows, err := tx.query(ctx, "SELECT id FROM memories WHERE expires_at IS NOT NULL AND expires_at <= ?", toNanos(now))
		if err != nil {
			return types.Wrap(types.KindQuery, err, "%s: find expired", tx.dialect.Name())
		}
		ids, err := collectStrings(rows)
		if err != nil {
			return types.Wrap(types.KindQuery, err, "%s: find expired", tx.dialect.Name())
		}
		for _, id := range ids {
			ok, err := tx.deleteMemoryCascade(ctx, id)
			if err != nil {
				return err
			}
			if ok {
				removed++
			}
		}
		return nil
	})
	return removed, err
}

// SearchMemories runs the dialect's BM25 search and loads the hits.
func (s *Store) SearchMemories(ctx context.Context, query string, limit int) ([]storage.ScoredMemory, error) {
	if strings.TrimSpace(query) == "" {
		return nil, types.NewError(types.KindEmptySearchQuery, "query must not be empty")
	}
	hits, err := s.dialect.LexicalSearch(ctx, s.q, query, limit, toNanos(s.now()))
	if err != nil {
		return nil, types.Wrap(types.KindQuery, err, "%s: lexical search", s.dialect.Name())
	}
	out := make([]storage.ScoredMemory, 0, len(hits))
	for _, h := range hits {
		m, err := s.GetMemory(ctx, h.ID)
		if err != nil {
			return nil, err
		}
		if m == nil {
			continue
		}
		out = append(out, storage.ScoredMemory{Memory: m, Score: h.Score})
	}
	return out, nil
}

func collectStrings(rows *sql.Rows) ([]string, error) {
	defer rows.Close()
	var out []string
	for rows.Next() {
		var v string
		if err := rows.Scan(&v); err != nil {
			return nil, err
		}
		out = append(out, v)
	}
	return out, rows.Err()
}
