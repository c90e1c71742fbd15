package postgres

import (
	"context"
	"database/sql"
	"fmt"
	"math"
	"strconv"
	"strings"

	"github.com/lib/pq"
	pgvector "github.com/pgvector/pgvector-go"

	"github.com/scrypster/locai/internal/search"
	"github.com/scrypster/locai/internal/storage"
	"github.com/scrypster/locai/internal/storage/sqlstore"
	"github.com/scrypster/locai/pkg/types"
)

// LexicalSearch fetches candidates through the tsvector index and scores
// them with BM25 in Go, so rankings match the other backends.
func (d *Dialect) LexicalSearch(ctx context.Context, q sqlstore.Querier, query string, limit int, nowNanos int64) ([]search.Hit, error) {
	terms := search.UniqueTerms(query)
	if len(terms) == 0 {
		return []search.Hit{}, nil
	}

	var (
		total  int
		avgLen float64
	)
	err := q.QueryRowContext(ctx, `
		SELECT COUNT(*), COALESCE(AVG(doc_len), 0)::float8
		FROM memories WHERE expires_at IS NULL OR expires_at > $1
	`, nowNanos).Scan(&total, &avgLen)
	if err != nil {
		return nil, fmt.Errorf("postgres: corpus statistics: %w", err)
	}
	if total == 0 {
		return []search.Hit{}, nil
	}

	candidateSQL, args := candidateQuery(terms, nowNanos)
	rows, err := q.QueryContext(ctx, candidateSQL, args...)
	if err != nil {
		return nil, fmt.Errorf("postgres: lexical candidates: %w", err)
	}
	defer rows.Close()

	type candidate struct {
		id     string
		tf     map[string]int
		length int
	}
	var candidates []candidate
	df := make(map[string]int, len(terms))
	for rows.Next() {
		var id, content string
		if err := rows.Scan(&id, &content); err != nil {
			return nil, fmt.Errorf("postgres: scan candidate: %w", err)
		}
		tf, length := search.TermFrequencies(content)
		for _, term := range terms {
			if tf[term] > 0 {
				df[term]++
			}
		}
		candidates = append(candidates, candidate{id: id, tf: tf, length: length})
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("postgres: lexical candidates: %w", err)
	}

	hits := make([]search.Hit, 0, len(candidates))
	for _, c := range candidates {
		score := 0.0
		for _, term := range terms {
			if df[term] == 0 {
				continue
			}
			score += search.TermScore(c.tf[term], search.IDF(total, df[term]), c.length, avgLen)
		}
		if score > 0 {
			hits = append(hits, search.Hit{ID: c.id, Score: score})
		}
	}
	search.SortHits(hits)
	if limit > 0 && len(hits) > limit {
		hits = hits[:limit]
	}
	return hits, nil
}

// candidateQuery ORs one plainto_tsquery per term.
func candidateQuery(terms []string, nowNanos int64) (string, []any) {
	parts := make([]string, len(terms))
	args := make([]any, 0, len(terms)+1)
	args = append(args, nowNanos)
	for i, term := range terms {
		parts[i] = "plainto_tsquery('simple', $" + strconv.Itoa(i+2) + ")"
		args = append(args, term)
	}
	return `SELECT id, content FROM memories
		WHERE (expires_at IS NULL OR expires_at > $1)
		AND content_tsv @@ (` + strings.Join(parts, " || ") + `)`, args
}

// VectorIndexAvailable reports whether the pgvector column exists.
func (d *Dialect) VectorIndexAvailable() bool { return d.vectorAvailable }

// IndexVector mirrors the BYTEA components into the native column.
func (d *Dialect) IndexVector(ctx context.Context, q sqlstore.Querier, v *types.Vector) error {
	_, err := q.ExecContext(ctx, "UPDATE vectors SET embedding_vec = $1 WHERE id = $2", pgvector.NewVector(v.Components), v.ID)
	if err != nil {
		return fmt.Errorf("postgres: index vector %s: %w", v.ID, err)
	}
	return nil
}

// SearchIndexed orders by cosine distance (<=>); similarity is 1 - distance.
func (d *Dialect) SearchIndexed(ctx context.Context, q sqlstore.Querier, vec []float32, limit int, f *storage.VectorFilter) ([]search.Hit, error) {
	clauses := []string{"embedding_vec IS NOT NULL"}
	args := []any{pgvector.NewVector(vec)}
	if f != nil {
		if len(f.IDs) > 0 {
			args = append(args, pq.Array(f.IDs))
			clauses = append(clauses, "id = ANY($"+strconv.Itoa(len(args))+")")
		}
		if f.SourceID != "" {
			args = append(args, f.SourceID)
			clauses = append(clauses, "source_id = $"+strconv.Itoa(len(args)))
		}
		if f.Dimension > 0 {
			args = append(args, f.Dimension)
			clauses = append(clauses, "dimension = $"+strconv.Itoa(len(args)))
		}
	}
	stmt := `SELECT id, 1 - (embedding_vec <=> $1) FROM vectors WHERE ` +
		strings.Join(clauses, " AND ") + ` ORDER BY embedding_vec <=> $1, id`
	if limit > 0 {
		stmt += " LIMIT " + strconv.Itoa(limit)
	}

	rows, err := q.QueryContext(ctx, stmt, args...)
	if err != nil {
		return nil, fmt.Errorf("postgres: vector search: %w", err)
	}
	defer rows.Close()

	hits := []search.Hit{}
	for rows.Next() {
		var (
			id  string
			sim sql.NullFloat64
		)
		if err := rows.Scan(&id, &sim); err != nil {
			return nil, fmt.Errorf("postgres: scan vector hit: %w", err)
		}
		score := sim.Float64
		if !sim.Valid || math.IsNaN(score) {
			// Zero vectors have no direction.
			score = 0
		}
		hits = append(hits, search.Hit{ID: id, Score: score})
	}
	return hits, rows.Err()
}

// backfill fills embedding_vec for rows written before pgvector was
// available.
func (d *Dialect) backfill(ctx context.Context, db *sql.DB) (int, error) {
	rows, err := db.QueryContext(ctx, "SELECT id, components FROM vectors WHERE embedding_vec IS NULL")
	if err != nil {
		return 0, err
	}
	type pending struct {
		id         string
		components []float32
	}
	var todo []pending
	for rows.Next() {
		var (
			id  string
			raw []byte
		)
		if err := rows.Scan(&id, &raw); err != nil {
			rows.Close()
			return 0, err
		}
		comps, err := storage.DecodeVector(raw)
		if err != nil {
			rows.Close()
			return 0, err
		}
		todo = append(todo, pending{id: id, components: comps})
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return 0, err
	}

	for i, p := range todo {
		if err := d.IndexVector(ctx, db, &types.Vector{ID: p.id, Components: p.components}); err != nil {
			return i, err
		}
	}
	return len(todo), nil
}
