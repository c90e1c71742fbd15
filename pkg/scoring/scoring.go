// Package scoring ranks search candidates by combining lexical and vector
// relevance with memory metadata: recency, access frequency and priority.
//
// The final score of a candidate is
//
//	bm25_weight*bm25 + vector_weight*vector
//	  + recency_boost*decay(age_days)
//	  + access_boost*ln(1+access_count)
//	  + priority_boost*weight(priority)
//
// where weight is low 0, normal 1, high 2, critical 4.
package scoring

import (
	"math"
	"sort"
	"time"

	"github.com/scrypster/locai/pkg/types"
)

// DecayFunction shapes the recency term over a memory's age.
type DecayFunction string

// Decay functions
const (
	// DecayExponential is exp(-rate*age_days).
	DecayExponential DecayFunction = "exponential"

	// DecayLinear is max(0, 1-rate*age_days).
	DecayLinear DecayFunction = "linear"

	// DecayNone applies the full recency boost regardless of age.
	DecayNone DecayFunction = "none"
)

// Config weights each term of the score.
type Config struct {
	BM25Weight    float64       `json:"bm25_weight" yaml:"bm25_weight" toml:"bm25_weight"`
	VectorWeight  float64       `json:"vector_weight" yaml:"vector_weight" toml:"vector_weight"`
	RecencyBoost  float64       `json:"recency_boost" yaml:"recency_boost" toml:"recency_boost"`
	AccessBoost   float64       `json:"access_boost" yaml:"access_boost" toml:"access_boost"`
	PriorityBoost float64       `json:"priority_boost" yaml:"priority_boost" toml:"priority_boost"`
	DecayFunction DecayFunction `json:"decay_function" yaml:"decay_function" toml:"decay_function"`

	// DecayRate is per day of age.
	DecayRate float64 `json:"decay_rate" yaml:"decay_rate" toml:"decay_rate"`
}

// Default is the balanced preset.
func Default() Config {
	return Config{
		BM25Weight:    1.0,
		VectorWeight:  1.0,
		RecencyBoost:  0.5,
		AccessBoost:   0.3,
		PriorityBoost: 0.2,
		DecayFunction: DecayExponential,
		DecayRate:     0.01,
	}
}

// RecencyFocused favours fresh memories.
func RecencyFocused() Config {
	c := Default()
	c.RecencyBoost = 1.5
	c.DecayRate = 0.05
	return c
}

// SemanticFocused favours vector similarity over keywords.
func SemanticFocused() Config {
	c := Default()
	c.VectorWeight = 1.5
	c.BM25Weight = 0.3
	return c
}

// ImportanceFocused favours frequently used and high-priority memories.
func ImportanceFocused() Config {
	c := Default()
	c.AccessBoost = 1.0
	c.PriorityBoost = 0.8
	return c
}

// Preset returns a named preset: default, recency, semantic or importance.
func Preset(name string) (Config, bool) {
	switch name {
	case "", "default":
		return Default(), true
	case "recency", "recency_focused":
		return RecencyFocused(), true
	case "semantic", "semantic_focused":
		return SemanticFocused(), true
	case "importance", "importance_focused":
		return ImportanceFocused(), true
	}
	return Config{}, false
}

// Validate rejects negative weights and unknown decay functions.
func (c Config) Validate() error {
	weights := []struct {
		name  string
		value float64
	}{
		{"bm25_weight", c.BM25Weight},
		{"vector_weight", c.VectorWeight},
		{"recency_boost", c.RecencyBoost},
		{"access_boost", c.AccessBoost},
		{"priority_boost", c.PriorityBoost},
		{"decay_rate", c.DecayRate},
	}
	for _, w := range weights {
		if w.value < 0 || math.IsNaN(w.value) || math.IsInf(w.value, 0) {
			return types.Errorf(types.KindConfiguration, "scoring.%s must be a finite value >= 0, got %v", w.name, w.value)
		}
	}
	switch c.DecayFunction {
	case DecayExponential, DecayLinear, DecayNone:
	default:
		return types.Errorf(types.KindConfiguration, "scoring.decay_function %q is not one of exponential, linear, none", c.DecayFunction)
	}
	return nil
}

// Candidate is one memory with its retrieval scores.
type Candidate struct {
	Memory *types.Memory
	BM25   float64

	// Vector is nil when the memory was not retrieved by vector search.
	Vector *float64
}

// Breakdown holds each term of a final score.
type Breakdown struct {
	Lexical  float64 `json:"lexical"`
	Vector   float64 `json:"vector"`
	Recency  float64 `json:"recency"`
	Access   float64 `json:"access"`
	Priority float64 `json:"priority"`
}

// Total sums the terms.
func (b Breakdown) Total() float64 {
	return b.Lexical + b.Vector + b.Recency + b.Access + b.Priority
}

// Scored is a ranked candidate.
type Scored struct {
	Candidate
	Score     float64
	Breakdown Breakdown
}

// Option configures a Calculator.
type Option func(*Calculator)

// WithClock fixes the clock used to age memories.
func WithClock(now func() time.Time) Option {
	return func(c *Calculator) { c.now = now }
}

// Calculator applies a Config. It is immutable and safe for concurrent use.
type Calculator struct {
	cfg Config
	now func() time.Time
}

// NewCalculator validates cfg.
func NewCalculator(cfg Config, opts ...Option) (*Calculator, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	c := &Calculator{cfg: cfg, now: time.Now}
	for _, opt := range opts {
		opt(c)
	}
	return c, nil
}

// Config returns the calculator configuration.
func (c *Calculator) Config() Config { return c.cfg }

// Decay returns the recency factor for a memory ageDays old.
func (c *Calculator) Decay(ageDays float64) float64 {
	if ageDays < 0 {
		ageDays = 0
	}
	switch c.cfg.DecayFunction {
	case DecayLinear:
		return math.Max(0, 1-c.cfg.DecayRate*ageDays)
	case DecayNone:
		return 1
	default:
		return math.Exp(-c.cfg.DecayRate * ageDays)
	}
}

// Breakdown scores one candidate term by term.
func (c *Calculator) Breakdown(cand Candidate) Breakdown {
	m := cand.Memory
	b := Breakdown{Lexical: c.cfg.BM25Weight * cand.BM25}
	if cand.Vector != nil {
		b.Vector = c.cfg.VectorWeight * *cand.Vector
	}
	if m == nil {
		return b
	}
	ageDays := c.now().Sub(m.CreatedAt).Hours() / 24
	b.Recency = c.cfg.RecencyBoost * c.Decay(ageDays)
	b.Access = c.cfg.AccessBoost * math.Log1p(float64(m.AccessCount))
	b.Priority = c.cfg.PriorityBoost * m.Priority.Weight()
	return b
}

// Score returns the final score of one candidate.
func (c *Calculator) Score(cand Candidate) float64 {
	return c.Breakdown(cand).Total()
}

// Rank scores candidates and sorts them: higher score first, then newer
// created_at, then smaller id.
func (c *Calculator) Rank(cands []Candidate) []Scored {
	out := make([]Scored, len(cands))
	for i, cand := range cands {
		b := c.Breakdown(cand)
		out[i] = Scored{Candidate: cand, Score: b.Total(), Breakdown: b}
	}
	SortScored(out)
	return out
}

// SortScored orders by score desc, created_at desc, id asc.
func SortScored(s []Scored) {
	sort.SliceStable(s, func(i, j int) bool {
		if s[i].Score != s[j].Score {
			return s[i].Score > s[j].Score
		}
		ti, tj := created(s[i].Memory), created(s[j].Memory)
		if !ti.Equal(tj) {
			return ti.After(tj)
		}
		return id(s[i].Memory) < id(s[j].Memory)
	})
}

func created(m *types.Memory) time.Time {
	if m == nil {
		return time.Time{}
	}
	return m.CreatedAt
}

func id(m *types.Memory) string {
	if m == nil {
		return ""
	}
	return m.ID
}
