package types_test

import (
	"encoding/json"
	"math"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/scrypster/locai/pkg/types"
)

func TestNewMemoryDefaults(t *testing.T) {
	m := types.NewMemory("m1", "hello", "")

	assert.Equal(t, types.MemoryTypeFact, m.MemoryType)
	assert.Equal(t, types.PriorityNormal, m.Priority)
	assert.Zero(t, m.AccessCount)
	assert.Nil(t, m.LastAccessed)
	assert.False(t, m.CreatedAt.IsZero())
	require.NoError(t, m.Validate())
}

func TestMemoryValidate(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(m *types.Memory)
	}{
		{"empty id", func(m *types.Memory) { m.ID = "" }},
		{"blank content", func(m *types.Memory) { m.Content = "   " }},
		{"unknown type", func(m *types.Memory) { m.MemoryType = "dream" }},
		{"unknown priority", func(m *types.Memory) { m.Priority = "urgent" }},
		{"nan embedding", func(m *types.Memory) { m.Embedding = []float32{1, float32(math.NaN())} }},
		{"inf embedding", func(m *types.Memory) { m.Embedding = []float32{float32(math.Inf(1))} }},
		{"access before creation", func(m *types.Memory) {
			before := m.CreatedAt.Add(-time.Hour)
			m.LastAccessed = &before
		}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			m := types.NewMemory("m1", "content", types.MemoryTypeFact)
			tt.mutate(m)
			err := m.Validate()
			require.Error(t, err)
			assert.ErrorIs(t, err, types.ErrValidation)
		})
	}
}

func TestMemoryRecordAccessSaturatesAndNeverMovesBackwards(t *testing.T) {
	m := types.NewMemory("m1", "content", types.MemoryTypeFact)
	later := m.CreatedAt.Add(time.Hour)

	m.RecordAccess(later)
	assert.Equal(t, uint32(1), m.AccessCount)
	require.NotNil(t, m.LastAccessed)
	assert.True(t, m.LastAccessed.Equal(later))

	m.RecordAccess(m.CreatedAt.Add(time.Minute))
	assert.True(t, m.LastAccessed.Equal(later), "last_accessed must not move backwards")

	m.AccessCount = types.MaxAccessCount - 1
	m.ApplyAccess(10, later)
	assert.Equal(t, uint32(types.MaxAccessCount), m.AccessCount)
}

func TestMemoryApplyAccessClampsToCreatedAt(t *testing.T) {
	m := types.NewMemory("m1", "content", types.MemoryTypeFact)
	m.ApplyAccess(1, m.CreatedAt.Add(-24*time.Hour))

	require.NotNil(t, m.LastAccessed)
	assert.True(t, m.LastAccessed.Equal(m.CreatedAt))
}

func TestMemoryCloneIsDeep(t *testing.T) {
	m := types.NewMemory("m1", "content", types.MemoryTypeFact)
	m.Tags = []string{"a"}
	m.Properties = map[string]any{"nested": map[string]any{"k": "v"}}
	m.Embedding = []float32{1, 2}

	c := m.Clone()
	c.Tags[0] = "b"
	c.Properties["nested"].(map[string]any)["k"] = "changed"
	c.Embedding[0] = 9

	assert.Equal(t, "a", m.Tags[0])
	assert.Equal(t, "v", m.Properties["nested"].(map[string]any)["k"])
	assert.Equal(t, float32(1), m.Embedding[0])
}

func TestMemoryIsExpired(t *testing.T) {
	now := time.Now()
	m := types.NewMemory("m1", "content", types.MemoryTypeFact)
	assert.False(t, m.IsExpired(now))

	past := now.Add(-time.Second)
	m.ExpiresAt = &past
	assert.True(t, m.IsExpired(now))
}

func TestParseEnumsFallBack(t *testing.T) {
	assert.Equal(t, types.MemoryTypeEpisodic, types.ParseMemoryType("Episodic"))
	assert.Equal(t, types.MemoryTypeFact, types.ParseMemoryType("wisdom"))
	assert.Equal(t, types.PriorityCritical, types.ParsePriority("CRITICAL"))
	assert.Equal(t, types.PriorityNormal, types.ParsePriority("whatever"))

	var m types.Memory
	require.NoError(t, json.Unmarshal([]byte(`{"id":"x","content":"c","memory_type":"World","priority":"HIGH"}`), &m))
	assert.Equal(t, types.MemoryTypeWorld, m.MemoryType)
	assert.Equal(t, types.PriorityHigh, m.Priority)
}

func TestPriorityWeights(t *testing.T) {
	assert.Equal(t, 0.0, types.PriorityLow.Weight())
	assert.Equal(t, 1.0, types.PriorityNormal.Weight())
	assert.Equal(t, 2.0, types.PriorityHigh.Weight())
	assert.Equal(t, 4.0, types.PriorityCritical.Weight())
}

func TestLookupPropertyDottedPath(t *testing.T) {
	props := map[string]any{
		"author":   map[string]any{"name": "ada"},
		"flat.key": 3,
	}

	v, ok := types.LookupProperty(props, "author.name")
	require.True(t, ok)
	assert.Equal(t, "ada", v)

	v, ok = types.LookupProperty(props, "flat.key")
	require.True(t, ok)
	assert.Equal(t, 3, v)

	_, ok = types.LookupProperty(props, "author.missing")
	assert.False(t, ok)

	assert.True(t, types.PropertyEquals(float64(3), 3))
	assert.False(t, types.PropertyEquals("3", 3))
}
