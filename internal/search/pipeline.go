package search

import (
	"context"
	"strings"
	"time"

	"github.com/charmbracelet/log"
	"golang.org/x/sync/errgroup"

	"github.com/scrypster/locai/internal/storage"
	"github.com/scrypster/locai/pkg/scoring"
	"github.com/scrypster/locai/pkg/types"
)

// Mode selects the retrieval paths a search uses.
type Mode string

// Search modes
const (
	ModeText   Mode = "text"
	ModeVector Mode = "vector"
	ModeHybrid Mode = "hybrid"
)

// Fusion selects how lexical and vector signals combine.
type Fusion string

// Fusion strategies
const (
	// FusionWeighted feeds raw BM25 and cosine scores to the calculator.
	FusionWeighted Fusion = "weighted"

	// FusionRRF replaces both raw scores with reciprocal rank fusion,
	// sum(1/(RRFK+rank)), then adds the calculator's metadata boosts.
	FusionRRF Fusion = "rrf"
)

// RRFK is the reciprocal rank fusion constant.
const RRFK = 60

// DefaultLimit applies when a request does not set one.
const DefaultLimit = 10

// Filter narrows search results after retrieval.
type Filter struct {
	MemoryTypes   []types.MemoryType `json:"memory_types,omitempty"`
	Tags          []string           `json:"tags,omitempty"`
	Source        string             `json:"source,omitempty"`
	CreatedAfter  time.Time          `json:"created_after,omitempty"`
	CreatedBefore time.Time          `json:"created_before,omitempty"`

	// MinSimilarity drops candidates whose cosine similarity is below it,
	// or that have no similarity at all.
	MinSimilarity *float64 `json:"min_similarity,omitempty"`
}

// Request describes one search.
type Request struct {
	Query     string
	Embedding []float32
	Mode      Mode
	Limit     int
	Filter    *Filter

	// Scoring overrides the pipeline's scoring config for this request.
	Scoring *scoring.Config
	Fusion  Fusion
}

// Result is one ranked memory.
type Result struct {
	Memory     *types.Memory
	Score      float64
	BM25       float64
	Similarity *float64
	Breakdown  scoring.Breakdown
}

// Store is what the pipeline reads. storage.Store satisfies it.
type Store interface {
	storage.SearchStore
	SearchVectors(ctx context.Context, query []float32, limit int, filter *storage.VectorFilter) ([]storage.VectorMatch, error)
	GetMemory(ctx context.Context, id string) (*types.Memory, error)
}

// PipelineOption configures a Pipeline.
type PipelineOption func(*Pipeline)

// WithScoring sets the default scoring config.
func WithScoring(cfg scoring.Config) PipelineOption {
	return func(p *Pipeline) { p.scoring = cfg }
}

// WithClock sets the clock for expiry and recency.
func WithClock(now func() time.Time) PipelineOption {
	return func(p *Pipeline) { p.now = now }
}

// WithLogger sets the logger.
func WithLogger(l *log.Logger) PipelineOption {
	return func(p *Pipeline) { p.logger = l }
}

// Pipeline runs lexical and vector retrieval in parallel, fuses the
// candidates and ranks them with the scoring calculator.
type Pipeline struct {
	store   Store
	scoring scoring.Config
	now     func() time.Time
	logger  *log.Logger
}

// NewPipeline returns a pipeline over store.
func NewPipeline(store Store, opts ...PipelineOption) *Pipeline {
	p := &Pipeline{store: store, scoring: scoring.Default(), now: time.Now, logger: log.Default()}
	for _, opt := range opts {
		opt(p)
	}
	return p
}

type candidate struct {
	memory     *types.Memory
	bm25       float64
	similarity *float64
	lexRank    int
	vecRank    int
}

// resolveMode applies the fallbacks: without an embedding every mode is a
// text search.
func resolveMode(req *Request) Mode {
	mode := req.Mode
	if mode == "" {
		mode = ModeHybrid
	}
	if len(req.Embedding) == 0 {
		return ModeText
	}
	return mode
}

// Search runs req. No surviving candidate yields an empty slice.
func (p *Pipeline) Search(ctx context.Context, req Request) ([]Result, error) {
	mode := resolveMode(&req)
	if mode != ModeVector && strings.TrimSpace(req.Query) == "" {
		return nil, types.NewError(types.KindEmptySearchQuery, "query must not be empty")
	}
	if req.Limit <= 0 {
		req.Limit = DefaultLimit
	}
	cfg := p.scoring
	if req.Scoring != nil {
		cfg = *req.Scoring
	}
	calc, err := scoring.NewCalculator(cfg, scoring.WithClock(p.now))
	if err != nil {
		return nil, err
	}
	pool := max(3*req.Limit, 30)

	var lexical []storage.ScoredMemory
	var vector []storage.VectorMatch
	g, gctx := errgroup.WithContext(ctx)
	if mode != ModeVector {
		g.Go(func() error {
			var err error
			lexical, err = p.store.SearchMemories(gctx, req.Query, pool)
			return err
		})
	}
	if mode != ModeText {
		g.Go(func() error {
			var err error
			vector, err = p.store.SearchVectors(gctx, req.Embedding, pool, nil)
			return err
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}

	cands, err := p.collect(ctx, lexical, vector)
	if err != nil {
		return nil, err
	}

	now := p.now()
	scored := make([]scoring.Scored, 0, len(cands))
	for _, c := range cands {
		if c.memory.IsExpired(now) || !req.Filter.matches(c) {
			continue
		}
		sc := scoring.Candidate{Memory: c.memory, BM25: c.bm25, Vector: c.similarity}
		if req.Fusion == FusionRRF {
			b := calc.Breakdown(scoring.Candidate{Memory: c.memory})
			b.Lexical = rrf(c.lexRank) + rrf(c.vecRank)
			scored = append(scored, scoring.Scored{Candidate: sc, Score: b.Total(), Breakdown: b})
			continue
		}
		b := calc.Breakdown(sc)
		scored = append(scored, scoring.Scored{Candidate: sc, Score: b.Total(), Breakdown: b})
	}
	scoring.SortScored(scored)
	if len(scored) > req.Limit {
		scored = scored[:req.Limit]
	}

	out := make([]Result, len(scored))
	for i, s := range scored {
		out[i] = Result{Memory: s.Memory, Score: s.Score, BM25: s.BM25, Similarity: s.Vector, Breakdown: s.Breakdown}
	}
	p.logger.Debug("search", "mode", mode, "lexical", len(lexical), "vector", len(vector), "results", len(out))
	return out, nil
}

func rrf(rank int) float64 {
	if rank <= 0 {
		return 0
	}
	return 1 / float64(RRFK+rank)
}

// collect merges both hit lists by memory id, keeping first-seen order.
// Ranks are 1-based; 0 means absent from that list.
func (p *Pipeline) collect(ctx context.Context, lexical []storage.ScoredMemory, vector []storage.VectorMatch) ([]*candidate, error) {
	byID := make(map[string]*candidate, len(lexical)+len(vector))
	var order []*candidate

	for i, hit := range lexical {
		if hit.Memory == nil {
			continue
		}
		if _, ok := byID[hit.Memory.ID]; ok {
			continue
		}
		c := &candidate{memory: hit.Memory, bm25: hit.Score, lexRank: i + 1}
		byID[hit.Memory.ID] = c
		order = append(order, c)
	}

	rank := 0
	for _, match := range vector {
		id := match.Vector.SourceID
		if id == "" {
			id = match.Vector.ID
		}
		sim := match.Similarity
		if c, ok := byID[id]; ok {
			// Several vectors may belong to one memory; the best one counts.
			if c.similarity == nil || sim > *c.similarity {
				c.similarity = &sim
			}
			if c.vecRank == 0 {
				rank++
				c.vecRank = rank
			}
			continue
		}
		m, err := p.store.GetMemory(ctx, id)
		if err != nil {
			return nil, err
		}
		if m == nil {
			// Free-standing vector without a memory.
			continue
		}
		rank++
		c := &candidate{memory: m, similarity: &sim, vecRank: rank}
		byID[id] = c
		order = append(order, c)
	}
	return order, nil
}

func (f *Filter) matches(c *candidate) bool {
	if f == nil {
		return true
	}
	m := c.memory
	if len(f.MemoryTypes) > 0 {
		ok := false
		for _, t := range f.MemoryTypes {
			if m.MemoryType == t {
				ok = true
				break
			}
		}
		if !ok {
			return false
		}
	}
	if len(f.Tags) > 0 {
		ok := false
		for _, t := range f.Tags {
			if m.HasTag(t) {
				ok = true
				break
			}
		}
		if !ok {
			return false
		}
	}
	if f.Source != "" && m.Source != f.Source {
		return false
	}
	if !f.CreatedAfter.IsZero() && !m.CreatedAt.After(f.CreatedAfter) {
		return false
	}
	if !f.CreatedBefore.IsZero() && !m.CreatedAt.Before(f.CreatedBefore) {
		return false
	}
	if f.MinSimilarity != nil && (c.similarity == nil || *c.similarity < *f.MinSimilarity) {
		return false
	}
	return true
}
