package embedding

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/sony/gobreaker"
	"github.com/tidwall/gjson"

	"github.com/scrypster/locai/pkg/types"
)

// Provider selects the wire format of an embedding service.
type Provider string

// Providers
const (
	ProviderOpenAI Provider = "openai" // POST /v1/embeddings
	ProviderCohere Provider = "cohere" // POST /v1/embed
	ProviderCustom Provider = "custom" // Ollama-compatible POST /api/embed
)

// ClientConfig configures an HTTP embedding client.
type ClientConfig struct {
	Provider Provider
	BaseURL  string        // default depends on Provider
	Model    string        // required
	APIKey   string        // sent as a bearer token when set
	Timeout  time.Duration // default: 30s
}

// Client calls a remote embedding service. Requests run through a circuit
// breaker so a dead service fails fast.
type Client struct {
	cfg     ClientConfig
	http    *http.Client
	breaker *gobreaker.CircuitBreaker
}

// NewClient returns a client for cfg.
func NewClient(cfg ClientConfig) (*Client, error) {
	if cfg.Model == "" {
		return nil, types.NewError(types.KindConfiguration, "embedding model name is required")
	}
	if cfg.Provider == "" {
		cfg.Provider = ProviderCustom
	}
	if cfg.BaseURL == "" {
		switch cfg.Provider {
		case ProviderOpenAI:
			cfg.BaseURL = "https://api.openai.com"
		case ProviderCohere:
			cfg.BaseURL = "https://api.cohere.com"
		case ProviderCustom:
			cfg.BaseURL = "http://localhost:11434"
		default:
			return nil, types.Errorf(types.KindConfiguration, "unknown embedding provider %q", cfg.Provider)
		}
	}
	cfg.BaseURL = strings.TrimRight(cfg.BaseURL, "/")
	if cfg.Timeout == 0 {
		cfg.Timeout = 30 * time.Second
	}
	return &Client{
		cfg:  cfg,
		http: &http.Client{Timeout: cfg.Timeout},
		breaker: gobreaker.NewCircuitBreaker(gobreaker.Settings{
			Name:        "embedding-" + string(cfg.Provider),
			MaxRequests: 1,
			Timeout:     30 * time.Second,
			ReadyToTrip: func(c gobreaker.Counts) bool { return c.ConsecutiveFailures >= 5 },
		}),
	}, nil
}

// Model returns the configured model name.
func (c *Client) Model() string { return c.cfg.Model }

// Embed implements Generator.
func (c *Client) Embed(ctx context.Context, text string) ([]float32, error) {
	out, err := c.breaker.Execute(func() (interface{}, error) {
		return c.embed(ctx, text)
	})
	if errors.Is(err, gobreaker.ErrOpenState) || errors.Is(err, gobreaker.ErrTooManyRequests) {
		return nil, types.Wrap(types.KindConnection, err, "embedding service %s", c.cfg.BaseURL)
	}
	if err != nil {
		return nil, err
	}
	return out.([]float32), nil
}

func (c *Client) request(text string) (path string, body any, result string) {
	switch c.cfg.Provider {
	case ProviderOpenAI:
		return "/v1/embeddings", map[string]any{"model": c.cfg.Model, "input": text}, "data.0.embedding"
	case ProviderCohere:
		return "/v1/embed", map[string]any{
			"model":           c.cfg.Model,
			"texts":           []string{text},
			"input_type":      "search_document",
			"embedding_types": []string{"float"},
		}, "embeddings.float.0"
	default:
		return "/api/embed", map[string]any{"model": c.cfg.Model, "input": text}, "embeddings.0"
	}
}

func (c *Client) embed(ctx context.Context, text string) ([]float32, error) {
	ctx, cancel := context.WithTimeout(ctx, c.cfg.Timeout)
	defer cancel()

	path, reqBody, resultPath := c.request(text)
	data, err := json.Marshal(reqBody)
	if err != nil {
		return nil, types.Wrap(types.KindSerialization, err, "encode embedding request")
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.cfg.BaseURL+path, bytes.NewReader(data))
	if err != nil {
		return nil, types.Wrap(types.KindConfiguration, err, "build embedding request")
	}
	req.Header.Set("Content-Type", "application/json")
	if c.cfg.APIKey != "" {
		req.Header.Set("Authorization", "Bearer "+c.cfg.APIKey)
	}

	resp, err := c.http.Do(req)
	if err != nil {
		if ctx.Err() != nil {
			return nil, types.Wrap(types.KindTimeout, err, "embedding request")
		}
		return nil, types.Wrap(types.KindConnection, err, "embedding request")
	}
	defer func() { _ = resp.Body.Close() }()

	raw, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, types.Wrap(types.KindConnection, err, "read embedding response")
	}
	if resp.StatusCode != http.StatusOK {
		kind := types.KindOperation
		if resp.StatusCode == http.StatusTooManyRequests || resp.StatusCode >= 500 {
			kind = types.KindTemporary
		}
		return nil, types.Errorf(kind, "embedding service returned status %d: %s", resp.StatusCode, truncate(string(raw), 200))
	}

	arr := gjson.GetBytes(raw, resultPath)
	if !arr.IsArray() {
		return nil, types.Errorf(types.KindSerialization, "embedding response has no %s array", resultPath)
	}
	values := arr.Array()
	if len(values) == 0 {
		return nil, types.NewError(types.KindSerialization, "embedding service returned an empty vector")
	}
	vec := make([]float32, len(values))
	for i, v := range values {
		if v.Type != gjson.Number {
			return nil, types.Errorf(types.KindSerialization, "embedding component %d is not a number", i)
		}
		vec[i] = float32(v.Float())
	}
	return vec, nil
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return fmt.Sprintf("%s...", s[:n])
}
