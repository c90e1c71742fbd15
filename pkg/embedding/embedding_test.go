package embedding

import (
	"context"
	"encoding/json"
	"math"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/scrypster/locai/pkg/types"
)

func TestValidate(t *testing.T) {
	m := NewManager(WithDimension(3))
	assert.NoError(t, m.Validate([]float32{1, 2, 3}))
	assert.True(t, types.IsKind(m.Validate(nil), types.KindValidation))
	assert.True(t, types.IsKind(m.Validate([]float32{1, 2}), types.KindValidation))
	assert.True(t, types.IsKind(m.Validate([]float32{1, float32(math.NaN()), 3}), types.KindValidation))
	assert.True(t, types.IsKind(m.Validate([]float32{1, float32(math.Inf(1)), 3}), types.KindValidation))

	assert.NoError(t, NewManager().Validate(make([]float32, 7)), "no fixed dimension")
}

func TestPrepareNormalizes(t *testing.T) {
	in := []float32{3, 4}
	out, err := NewManager(WithNormalization(true)).Prepare(in)
	require.NoError(t, err)
	assert.InDelta(t, 0.6, out[0], 1e-6)
	assert.InDelta(t, 0.8, out[1], 1e-6)
	assert.Equal(t, []float32{3, 4}, in, "input is not modified")

	_, err = NewManager(WithNormalization(true)).Prepare([]float32{0, 0})
	assert.True(t, types.IsKind(err, types.KindValidation))

	out, err = NewManager().Prepare(in)
	require.NoError(t, err)
	assert.Equal(t, in, out)
}

func TestGenerate(t *testing.T) {
	m := NewManager(WithDimension(2))
	gen := GeneratorFunc(func(_ context.Context, text string) ([]float32, error) {
		return []float32{float32(len(text)), 1}, nil
	})
	v, err := m.Generate(context.Background(), gen, "abc")
	require.NoError(t, err)
	assert.Equal(t, []float32{3, 1}, v)

	_, err = m.Generate(context.Background(), nil, "abc")
	assert.True(t, types.IsKind(err, types.KindMLNotConfigured))
}

func TestCommonDimensions(t *testing.T) {
	assert.True(t, IsCommonDimension(1536))
	assert.False(t, IsCommonDimension(7))
	assert.Contains(t, ProvidersFor(384), "bge-small")
	assert.Equal(t, []string{"custom"}, ProvidersFor(7))
}

func TestClientProviders(t *testing.T) {
	cases := []struct {
		provider Provider
		path     string
		reply    string
	}{
		{ProviderOpenAI, "/v1/embeddings", `{"data":[{"embedding":[0.5,0.25]}]}`},
		{ProviderCohere, "/v1/embed", `{"embeddings":{"float":[[0.5,0.25]]}}`},
		{ProviderCustom, "/api/embed", `{"embeddings":[[0.5,0.25]]}`},
	}
	for _, tc := range cases {
		t.Run(string(tc.provider), func(t *testing.T) {
			srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				assert.Equal(t, tc.path, r.URL.Path)
				assert.Equal(t, "Bearer key", r.Header.Get("Authorization"))
				var body map[string]any
				assert.NoError(t, json.NewDecoder(r.Body).Decode(&body))
				assert.Equal(t, "model-x", body["model"])
				_, _ = w.Write([]byte(tc.reply))
			}))
			defer srv.Close()

			c, err := NewClient(ClientConfig{Provider: tc.provider, BaseURL: srv.URL, Model: "model-x", APIKey: "key"})
			require.NoError(t, err)
			v, err := c.Embed(context.Background(), "hello")
			require.NoError(t, err)
			assert.Equal(t, []float32{0.5, 0.25}, v)
		})
	}
}

func TestClientErrors(t *testing.T) {
	var status atomic.Int32
	status.Store(http.StatusServiceUnavailable)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(int(status.Load()))
		_, _ = w.Write([]byte(`{"data":[]}`))
	}))
	defer srv.Close()

	c, err := NewClient(ClientConfig{Provider: ProviderOpenAI, BaseURL: srv.URL, Model: "m"})
	require.NoError(t, err)

	_, err = c.Embed(context.Background(), "x")
	assert.True(t, types.IsKind(err, types.KindTemporary))

	status.Store(http.StatusOK)
	_, err = c.Embed(context.Background(), "x")
	assert.True(t, types.IsKind(err, types.KindSerialization))

	_, err = NewClient(ClientConfig{Provider: ProviderOpenAI})
	assert.True(t, types.IsKind(err, types.KindConfiguration))
	_, err = NewClient(ClientConfig{Provider: "bogus", Model: "m"})
	assert.True(t, types.IsKind(err, types.KindConfiguration))
}
