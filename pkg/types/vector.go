package types

import (
	"slices"
	"strings"
	"time"
)

// Vector is a stored embedding. Memory embeddings are persisted as vectors
// whose ID and SourceID both equal the owning memory id.
type Vector struct {
	ID         string         `json:"id"`                  // Unique identifier
	SourceID   string         `json:"source_id,omitempty"` // Owning memory id
	Dimension  int            `json:"dimension"`           // len(Components)
	Components []float32      `json:"components"`          // Finite vector components
	Metadata   map[string]any `json:"metadata,omitempty"`  // Caller annotations
	CreatedAt  time.Time      `json:"created_at"`          // Creation timestamp
}

// NewVector returns a vector with Dimension derived from components.
func NewVector(id, sourceID string, components []float32) *Vector {
	return &Vector{
		ID:         id,
		SourceID:   sourceID,
		Dimension:  len(components),
		Components: components,
		CreatedAt:  time.Now().UTC(),
	}
}

// Validate checks the vector invariants.
func (v *Vector) Validate() error {
	if v == nil {
		return NewError(KindValidation, "vector is nil")
	}
	if strings.TrimSpace(v.ID) == "" {
		return NewError(KindValidation, "vector id is required")
	}
	if len(v.Components) == 0 {
		return Errorf(KindValidation, "vector %s: components must not be empty", v.ID)
	}
	if v.Dimension != 0 && v.Dimension != len(v.Components) {
		return Errorf(KindValidation, "vector %s: dimension %d does not match %d components", v.ID, v.Dimension, len(v.Components))
	}
	if err := ValidateEmbedding(v.Components); err != nil {
		return Wrap(KindValidation, err, "vector %s", v.ID)
	}
	return nil
}

// Clone returns a deep copy of the vector.
func (v *Vector) Clone() *Vector {
	if v == nil {
		return nil
	}
	c := *v
	c.Components = slices.Clone(v.Components)
	c.Metadata = CloneProperties(v.Metadata)
	return &c
}
