// Package embedding validates and normalises caller-supplied embeddings.
//
// Locai does not compute embeddings itself. Callers bring their own vectors,
// either directly on the memory or through a Generator such as the HTTP
// Client in this package.
package embedding

import (
	"context"
	"math"

	"github.com/scrypster/locai/pkg/types"
)

// Generator produces an embedding for text.
type Generator interface {
	Embed(ctx context.Context, text string) ([]float32, error)
}

// GeneratorFunc adapts a function to Generator.
type GeneratorFunc func(ctx context.Context, text string) ([]float32, error)

// Embed implements Generator.
func (f GeneratorFunc) Embed(ctx context.Context, text string) ([]float32, error) {
	return f(ctx, text)
}

// Manager checks embeddings before they reach storage.
type Manager struct {
	dimension int
	normalize bool
}

// Option configures a Manager.
type Option func(*Manager)

// WithDimension fixes the expected dimension. 0 accepts any dimension.
func WithDimension(n int) Option {
	return func(m *Manager) { m.dimension = n }
}

// WithNormalization scales every prepared vector to unit length.
func WithNormalization(on bool) Option {
	return func(m *Manager) { m.normalize = on }
}

// NewManager returns a Manager.
func NewManager(opts ...Option) *Manager {
	m := &Manager{}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

// Dimension returns the expected dimension, 0 when unset.
func (m *Manager) Dimension() int { return m.dimension }

// Validate rejects empty vectors, a dimension mismatch and non-finite
// components.
func (m *Manager) Validate(v []float32) error {
	if len(v) == 0 {
		return types.NewError(types.KindValidation, "embedding must not be empty")
	}
	if err := types.ValidateDimension(v, m.dimension); err != nil {
		return err
	}
	return types.ValidateEmbedding(v)
}

// Prepare validates v and returns a copy, unit-length when normalisation
// is on.
func (m *Manager) Prepare(v []float32) ([]float32, error) {
	if err := m.Validate(v); err != nil {
		return nil, err
	}
	out := append([]float32(nil), v...)
	if m.normalize {
		if err := Normalize(out); err != nil {
			return nil, err
		}
	}
	return out, nil
}

// Generate runs gen and prepares its output.
func (m *Manager) Generate(ctx context.Context, gen Generator, text string) ([]float32, error) {
	if gen == nil {
		return nil, types.NewError(types.KindMLNotConfigured, "no embedding generator configured")
	}
	v, err := gen.Embed(ctx, text)
	if err != nil {
		return nil, err
	}
	return m.Prepare(v)
}

// Normalize scales v in place to unit L2 norm. The zero vector cannot be
// normalised.
func Normalize(v []float32) error {
	var sum float64
	for _, c := range v {
		sum += float64(c) * float64(c)
	}
	if sum == 0 {
		return types.NewError(types.KindValidation, "cannot normalize a zero vector")
	}
	norm := math.Sqrt(sum)
	for i := range v {
		v[i] = float32(float64(v[i]) / norm)
	}
	return nil
}

var providers = map[int][]string{
	384:  {"bge-small", "all-MiniLM-L6-v2"},
	512:  {"all-MiniLM-L12-v2"},
	768:  {"all-mpnet-base-v2", "BERT-base"},
	1024: {"Cohere embed-english-v3.0"},
	1536: {"OpenAI text-embedding-3-small", "OpenAI ada-002"},
	3072: {"OpenAI text-embedding-3-large"},
}

// IsCommonDimension reports whether n is produced by a well-known model.
func IsCommonDimension(n int) bool {
	_, ok := providers[n]
	return ok
}

// ProvidersFor lists models known to produce n-dimensional vectors.
func ProvidersFor(n int) []string {
	if p, ok := providers[n]; ok {
		return append([]string(nil), p...)
	}
	return []string{"custom"}
}
