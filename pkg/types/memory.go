package types

import (
	"math"
	"slices"
	"strings"
	"time"
)

// MaxAccessCount is the saturation point of Memory.AccessCount.
const MaxAccessCount = math.MaxUint32

// Memory is the atomic unit of knowledge stored by Locai: content plus typed
// metadata, an optional embedding, and advisory links to other memories.
type Memory struct {
	ID              string         `json:"id"`                         // Unique identifier, immutable once created
	Content         string         `json:"content"`                    // Raw memory content (non-empty)
	MemoryType      MemoryType     `json:"memory_type"`                // Classification, see MemoryType constants
	CreatedAt       time.Time      `json:"created_at"`                 // Creation timestamp
	LastAccessed    *time.Time     `json:"last_accessed,omitempty"`    // Most recent read, never before CreatedAt
	AccessCount     uint32         `json:"access_count"`               // Monotonic read counter
	Priority        Priority       `json:"priority"`                   // Ranking importance
	Tags            []string       `json:"tags,omitempty"`             // User-defined tags
	Source          string         `json:"source,omitempty"`           // Origin of the memory (e.g. "chat", "import")
	ExpiresAt       *time.Time     `json:"expires_at,omitempty"`       // Lazy expiry deadline
	Properties      map[string]any `json:"properties,omitempty"`       // Arbitrary structured metadata
	RelatedMemories []string       `json:"related_memories,omitempty"` // Advisory links, never traversed
	Embedding       []float32      `json:"embedding,omitempty"`        // Caller-supplied dense vector
}

// NewMemory returns a memory with defaults applied: normal priority,
// creation time now, empty property map.
func NewMemory(id, content string, memoryType MemoryType) *Memory {
	if memoryType == "" {
		memoryType = MemoryTypeFact
	}
	return &Memory{
		ID:         id,
		Content:    content,
		MemoryType: memoryType,
		CreatedAt:  time.Now().UTC(),
		Priority:   PriorityNormal,
		Properties: map[string]any{},
	}
}

// ApplyDefaults fills zero-valued fields that have a defined default.
func (m *Memory) ApplyDefaults(now time.Time) {
	if m.MemoryType == "" {
		m.MemoryType = MemoryTypeFact
	}
	if m.Priority == "" {
		m.Priority = PriorityNormal
	}
	if m.CreatedAt.IsZero() {
		m.CreatedAt = now.UTC()
	}
}

// Validate checks the invariants every stored memory must satisfy.
func (m *Memory) Validate() error {
	if m == nil {
		return NewError(KindValidation, "memory is nil")
	}
	if strings.TrimSpace(m.ID) == "" {
		return NewError(KindValidation, "memory id is required")
	}
	if strings.TrimSpace(m.Content) == "" {
		return Errorf(KindValidation, "memory %s: content must not be empty", m.ID)
	}
	if m.MemoryType != "" && !m.MemoryType.IsValid() {
		return Errorf(KindValidation, "memory %s: unknown memory_type %q", m.ID, m.MemoryType)
	}
	if m.Priority != "" && !m.Priority.IsValid() {
		return Errorf(KindValidation, "memory %s: unknown priority %q", m.ID, m.Priority)
	}
	if m.LastAccessed != nil && !m.CreatedAt.IsZero() && m.LastAccessed.Before(m.CreatedAt) {
		return Errorf(KindValidation, "memory %s: last_accessed precedes created_at", m.ID)
	}
	if err := ValidateEmbedding(m.Embedding); err != nil {
		return Wrap(KindValidation, err, "memory %s", m.ID)
	}
	return nil
}

// IsExpired reports whether the memory's expiry deadline has passed at now.
func (m *Memory) IsExpired(now time.Time) bool {
	return m.ExpiresAt != nil && !m.ExpiresAt.After(now)
}

// HasEmbedding reports whether the memory carries a vector.
func (m *Memory) HasEmbedding() bool {
	return len(m.Embedding) > 0
}

// HasTag reports whether tag is attached to the memory.
func (m *Memory) HasTag(tag string) bool {
	return slices.Contains(m.Tags, tag)
}

// AddTag attaches tag once.
func (m *Memory) AddTag(tag string) {
	if tag == "" || m.HasTag(tag) {
		return
	}
	m.Tags = append(m.Tags, tag)
}

// SetProperty sets a top-level property, allocating the map if needed.
func (m *Memory) SetProperty(key string, value any) {
	if m.Properties == nil {
		m.Properties = map[string]any{}
	}
	m.Properties[key] = value
}

// RecordAccess bumps the access counter (saturating) and moves LastAccessed
// forward to at, never backwards and never before CreatedAt.
func (m *Memory) RecordAccess(at time.Time) {
	m.ApplyAccess(1, at)
}

// ApplyAccess folds an aggregated access update into the memory.
func (m *Memory) ApplyAccess(delta uint32, at time.Time) {
	m.AccessCount = SaturatingAdd(m.AccessCount, delta)
	if at.Before(m.CreatedAt) {
		at = m.CreatedAt
	}
	if m.LastAccessed == nil || at.After(*m.LastAccessed) {
		ts := at
		m.LastAccessed = &ts
	}
}

// SaturatingAdd adds two counters, clamping at MaxAccessCount.
func SaturatingAdd(a, b uint32) uint32 {
	if a > MaxAccessCount-b {
		return MaxAccessCount
	}
	return a + b
}

// Clone returns a deep copy of the memory.
func (m *Memory) Clone() *Memory {
	if m == nil {
		return nil
	}
	c := *m
	c.LastAccessed = cloneTime(m.LastAccessed)
	c.ExpiresAt = cloneTime(m.ExpiresAt)
	c.Tags = slices.Clone(m.Tags)
	c.RelatedMemories = slices.Clone(m.RelatedMemories)
	c.Embedding = slices.Clone(m.Embedding)
	c.Properties = CloneProperties(m.Properties)
	return &c
}

func cloneTime(t *time.Time) *time.Time {
	if t == nil {
		return nil
	}
	v := *t
	return &v
}
