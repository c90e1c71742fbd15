package sqlstore

import (
	"database/sql"
	"encoding/json"
	"strconv"
	"strings"
	"time"

	"github.com/scrypster/locai/internal/storage"
	"github.com/scrypster/locai/pkg/types"
)

// Times are stored as Unix nanoseconds so both engines compare them as integers.

func toNanos(t time.Time) int64 { return t.UTC().UnixNano() }

func fromNanos(n int64) time.Time { return time.Unix(0, n).UTC() }

func nullNanos(t *time.Time) any {
	if t == nil {
		return nil
	}
	return toNanos(*t)
}

func fromNullNanos(n sql.NullInt64) *time.Time {
	if !n.Valid {
		return nil
	}
	t := fromNanos(n.Int64)
	return &t
}

func encodeJSON(v any) (string, error) {
	b, err := json.Marshal(v)
	if err != nil {
		return "", types.Wrap(types.KindSerialization, err, "encode json column")
	}
	return string(b), nil
}

func decodeJSON[T any](raw []byte, dst *T) error {
	if len(raw) == 0 || string(raw) == "null" {
		return nil
	}
	if err := json.Unmarshal(raw, dst); err != nil {
		return types.Wrap(types.KindSerialization, err, "decode json column")
	}
	return nil
}

const memoryColumns = `m.id, m.content, m.memory_type, m.created_at, m.last_accessed, m.access_count,
	m.priority, m.tags, m.source, m.expires_at, m.properties, m.related_memories, v.components`

const memoryFrom = ` FROM memories m LEFT JOIN vectors v ON v.id = m.id AND v.source_id = m.id`

type rowScanner interface {
	Scan(dest ...any) error
}

func scanMemory(row rowScanner) (*types.Memory, error) {
	var (
		m            types.Memory
		memType      string
		priority     string
		createdAt    int64
		lastAccessed sql.NullInt64
		expiresAt    sql.NullInt64
		accessCount  int64
		source       sql.NullString
		tags         []byte
		props        []byte
		related      []byte
		components   []byte
	)
	if err := row.Scan(&m.ID, &m.Content, &memType, &createdAt, &lastAccessed, &accessCount,
		&priority, &tags, &source, &expiresAt, &props, &related, &components); err != nil {
		return nil, err
	}
	m.MemoryType = types.ParseMemoryType(memType)
	m.Priority = types.ParsePriority(priority)
	m.CreatedAt = fromNanos(createdAt)
	m.LastAccessed = fromNullNanos(lastAccessed)
	m.ExpiresAt = fromNullNanos(expiresAt)
	m.AccessCount = uint32(min(accessCount, int64(types.MaxAccessCount)))
	m.Source = source.String
	if err := decodeJSON(tags, &m.Tags); err != nil {
		return nil, err
	}
	if err := decodeJSON(props, &m.Properties); err != nil {
		return nil, err
	}
	if err := decodeJSON(related, &m.RelatedMemories); err != nil {
		return nil, err
	}
	if len(components) > 0 {
		emb, err := storage.DecodeVector(components)
		if err != nil {
			return nil, err
		}
		m.Embedding = emb
	}
	return &m, nil
}

const entityColumns = `e.id, e.entity_type, e.properties, e.created_at, e.updated_at`

func scanEntity(row rowScanner) (*types.Entity, error) {
	var (
		e         types.Entity
		props     []byte
		createdAt int64
		updatedAt int64
	)
	if err := row.Scan(&e.ID, &e.EntityType, &props, &createdAt, &updatedAt); err != nil {
		return nil, err
	}
	e.CreatedAt = fromNanos(createdAt)
	e.UpdatedAt = fromNanos(updatedAt)
	if err := decodeJSON(props, &e.Properties); err != nil {
		return nil, err
	}
	return &e, nil
}

const relationshipColumns = `r.id, r.source_id, r.target_id, r.relationship_type, r.properties, r.created_at, r.updated_at`

func scanRelationship(row rowScanner) (*types.Relationship, error) {
	var (
		r         types.Relationship
		props     []byte
		createdAt int64
		updatedAt int64
	)
	if err := row.Scan(&r.ID, &r.SourceID, &r.TargetID, &r.RelationshipType, &props, &createdAt, &updatedAt); err != nil {
		return nil, err
	}
	r.CreatedAt = fromNanos(createdAt)
	r.UpdatedAt = fromNanos(updatedAt)
	if err := decodeJSON(props, &r.Properties); err != nil {
		return nil, err
	}
	return &r, nil
}

const vectorColumns = `v.id, v.source_id, v.dimension, v.components, v.metadata, v.created_at`

func scanVector(row rowScanner) (*types.Vector, error) {
	var (
		v          types.Vector
		sourceID   sql.NullString
		components []byte
		meta       []byte
		createdAt  int64
	)
	if err := row.Scan(&v.ID, &sourceID, &v.Dimension, &components, &meta, &createdAt); err != nil {
		return nil, err
	}
	v.SourceID = sourceID.String
	v.CreatedAt = fromNanos(createdAt)
	comps, err := storage.DecodeVector(components)
	if err != nil {
		return nil, err
	}
	v.Components = comps
	if err := decodeJSON(meta, &v.Metadata); err != nil {
		return nil, err
	}
	return &v, nil
}

// where accumulates AND-ed predicates with '?' placeholders.
type where struct {
	clauses []string
	args    []any
}

func (w *where) add(clause string, args ...any) {
	w.clauses = append(w.clauses, clause)
	w.args = append(w.args, args...)
}

func (w *where) in(column string, values []string) {
	if len(values) == 0 {
		return
	}
	marks := strings.TrimSuffix(strings.Repeat("?, ", len(values)), ", ")
	args := make([]any, len(values))
	for i, v := range values {
		args[i] = v
	}
	w.add(column+" IN ("+marks+")", args...)
}

func (w *where) sql() string {
	if len(w.clauses) == 0 {
		return ""
	}
	return " WHERE " + strings.Join(w.clauses, " AND ")
}

func limitOffset(limit, offset int) string {
	var b strings.Builder
	if limit > 0 {
		b.WriteString(" LIMIT ")
		b.WriteString(strconv.Itoa(limit))
	} else if offset > 0 {
		// Both engines accept a very large LIMIT when only OFFSET is wanted.
		b.WriteString(" LIMIT 9223372036854775807")
	}
	if offset > 0 {
		b.WriteString(" OFFSET ")
		b.WriteString(strconv.Itoa(offset))
	}
	return b.String()
}
