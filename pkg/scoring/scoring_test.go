package scoring

import (
	"math"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/scrypster/locai/pkg/types"
)

var now = time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

func clock() time.Time { return now }

func mem(id string, age time.Duration, access uint32, p types.Priority) *types.Memory {
	m := types.NewMemory(id, "content", types.MemoryTypeFact)
	m.CreatedAt = now.Add(-age)
	m.AccessCount = access
	m.Priority = p
	return m
}

func TestFormula(t *testing.T) {
	calc, err := NewCalculator(Default(), WithClock(clock))
	require.NoError(t, err)

	vec := 0.5
	b := calc.Breakdown(Candidate{Memory: mem("m", 10*24*time.Hour, 3, types.PriorityHigh), BM25: 2, Vector: &vec})
	assert.InDelta(t, 2.0, b.Lexical, 1e-9)
	assert.InDelta(t, 0.5, b.Vector, 1e-9)
	assert.InDelta(t, 0.5*math.Exp(-0.1), b.Recency, 1e-9)
	assert.InDelta(t, 0.3*math.Log(4), b.Access, 1e-9)
	assert.InDelta(t, 0.2*2, b.Priority, 1e-9)
	assert.InDelta(t, b.Total(), calc.Score(Candidate{Memory: mem("m", 10*24*time.Hour, 3, types.PriorityHigh), BM25: 2, Vector: &vec}), 1e-9)
}

func TestDecayFunctions(t *testing.T) {
	cfg := Default()
	cfg.DecayRate = 0.1

	cfg.DecayFunction = DecayLinear
	lin, err := NewCalculator(cfg)
	require.NoError(t, err)
	assert.InDelta(t, 0.5, lin.Decay(5), 1e-9)
	assert.Zero(t, lin.Decay(20))

	cfg.DecayFunction = DecayNone
	none, err := NewCalculator(cfg)
	require.NoError(t, err)
	assert.Equal(t, 1.0, none.Decay(1000))

	cfg.DecayFunction = DecayExponential
	exp, err := NewCalculator(cfg)
	require.NoError(t, err)
	assert.InDelta(t, math.Exp(-1), exp.Decay(10), 1e-9)
	assert.Equal(t, 1.0, exp.Decay(-3), "future timestamps count as age 0")
}

func TestValidate(t *testing.T) {
	for _, cfg := range []Config{Default(), RecencyFocused(), SemanticFocused(), ImportanceFocused()} {
		assert.NoError(t, cfg.Validate())
	}

	bad := Default()
	bad.AccessBoost = -1
	assert.True(t, types.IsKind(bad.Validate(), types.KindConfiguration))

	bad = Default()
	bad.DecayFunction = "logarithmic"
	assert.True(t, types.IsKind(bad.Validate(), types.KindConfiguration))

	_, err := NewCalculator(bad)
	assert.Error(t, err)
}

func TestRankTieBreaks(t *testing.T) {
	cfg := Default()
	cfg.RecencyBoost = 0
	calc, err := NewCalculator(cfg, WithClock(clock))
	require.NoError(t, err)

	older := mem("a-older", 48*time.Hour, 0, types.PriorityNormal)
	newer := mem("z-newer", time.Hour, 0, types.PriorityNormal)
	sameTimeB := mem("b", 2*time.Hour, 0, types.PriorityNormal)
	sameTimeA := mem("a", 2*time.Hour, 0, types.PriorityNormal)

	ranked := calc.Rank([]Candidate{{Memory: older}, {Memory: sameTimeB}, {Memory: newer}, {Memory: sameTimeA}})
	ids := make([]string, len(ranked))
	for i, r := range ranked {
		ids[i] = r.Memory.ID
	}
	assert.Equal(t, []string{"z-newer", "a", "b", "a-older"}, ids)
}

func TestRankIsSortedPermutation(t *testing.T) {
	calc, err := NewCalculator(Default(), WithClock(clock))
	require.NoError(t, err)

	var cands []Candidate
	for i, p := range []types.Priority{types.PriorityLow, types.PriorityCritical, types.PriorityNormal, types.PriorityHigh} {
		cands = append(cands, Candidate{
			Memory: mem(string(rune('a'+i)), time.Duration(i)*24*time.Hour, uint32(i*3), p),
			BM25:   float64(4 - i),
		})
	}
	ranked := calc.Rank(cands)
	require.Len(t, ranked, len(cands))
	seen := map[string]bool{}
	for i, r := range ranked {
		seen[r.Memory.ID] = true
		assert.InDelta(t, calc.Score(r.Candidate), r.Score, 1e-12)
		if i > 0 {
			assert.GreaterOrEqual(t, ranked[i-1].Score, r.Score)
		}
	}
	assert.Len(t, seen, len(cands))
}

func TestImportanceFocusedLiftsAccessAndPriority(t *testing.T) {
	calc, err := NewCalculator(ImportanceFocused(), WithClock(clock))
	require.NoError(t, err)

	m1 := mem("m1", 0, 0, types.PriorityNormal)
	m2 := mem("m2", 0, 10, types.PriorityLow)
	m3 := mem("m3", 0, 0, types.PriorityCritical)
	ranked := calc.Rank([]Candidate{{Memory: m1, BM25: 1.0}, {Memory: m2, BM25: 0.8}, {Memory: m3, BM25: 0.6}})

	assert.NotEqual(t, "m1", ranked[0].Memory.ID)
	assert.Equal(t, "m1", ranked[2].Memory.ID)
}

func TestPreset(t *testing.T) {
	cfg, ok := Preset("semantic")
	require.True(t, ok)
	assert.Equal(t, 1.5, cfg.VectorWeight)
	_, ok = Preset("nope")
	assert.False(t, ok)
}
