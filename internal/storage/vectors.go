package storage

import (
	"encoding/binary"
	"math"
	"slices"

	"github.com/scrypster/locai/pkg/types"
)

// CosineSimilarity returns the cosine of the angle between a and b, or 0
// when the lengths differ or either vector has zero norm.
func CosineSimilarity(a, b []float32) float64 {
	if len(a) != len(b) || len(a) == 0 {
		return 0
	}
	var dot, na, nb float64
	for i := range a {
		x, y := float64(a[i]), float64(b[i])
		dot += x * y
		na += x * x
		nb += y * y
	}
	if na == 0 || nb == 0 {
		return 0
	}
	return dot / (math.Sqrt(na) * math.Sqrt(nb))
}

// EncodeVector packs components as little-endian float32 bytes.
func EncodeVector(v []float32) []byte {
	buf := make([]byte, 4*len(v))
	for i, f := range v {
		binary.LittleEndian.PutUint32(buf[i*4:], math.Float32bits(f))
	}
	return buf
}

// DecodeVector unpacks bytes written by EncodeVector.
func DecodeVector(b []byte) ([]float32, error) {
	if len(b)%4 != 0 {
		return nil, types.Errorf(types.KindSerialization, "vector blob length %d is not a multiple of 4", len(b))
	}
	v := make([]float32, len(b)/4)
	for i := range v {
		v[i] = math.Float32frombits(binary.LittleEndian.Uint32(b[i*4:]))
	}
	return v, nil
}

// MemoryVector builds the vector record that mirrors a memory's embedding.
func MemoryVector(m *types.Memory) *types.Vector {
	v := types.NewVector(m.ID, m.ID, slices.Clone(m.Embedding))
	v.CreatedAt = m.CreatedAt
	return v
}
