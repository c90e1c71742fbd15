package locai

import (
	"context"
	"strings"

	"github.com/scrypster/locai/internal/lifecycle"
	"github.com/scrypster/locai/internal/search"
	"github.com/scrypster/locai/pkg/types"
)

// Search runs req through the search pipeline. Returned memories count as
// accessed through the search path.
func (m *Manager) Search(ctx context.Context, req search.Request) ([]search.Result, error) {
	results, err := m.search.Search(ctx, req)
	if err != nil {
		return nil, err
	}
	ids := make([]string, len(results))
	for i, r := range results {
		ids[i] = r.Memory.ID
	}
	if err := m.tracker.Record(ctx, lifecycle.AccessSearch, ids...); err != nil {
		return nil, types.Wrap(types.KindOperation, err, "record search access")
	}
	return results, nil
}

// SearchMemories is a lexical search returning memories only.
func (m *Manager) SearchMemories(ctx context.Context, query string, limit int) ([]*types.Memory, error) {
	results, err := m.Search(ctx, search.Request{Query: query, Mode: search.ModeText, Limit: limit})
	if err != nil {
		return nil, err
	}
	out := make([]*types.Memory, len(results))
	for i, r := range results {
		out[i] = r.Memory
	}
	return out, nil
}

// SemanticSearch embeds text with the configured generator and runs a
// hybrid search. Without a generator it returns MLNotConfigured.
func (m *Manager) SemanticSearch(ctx context.Context, text string, limit int) ([]search.Result, error) {
	if strings.TrimSpace(text) == "" {
		return nil, types.NewError(types.KindEmptySearchQuery, "search query is empty")
	}
	vec, err := m.EmbedText(ctx, text)
	if err != nil {
		return nil, err
	}
	return m.Search(ctx, search.Request{Query: text, Embedding: vec, Mode: search.ModeHybrid, Limit: limit})
}

// EmbedText returns a validated embedding for text from the configured
// generator.
func (m *Manager) EmbedText(ctx context.Context, text string) ([]float32, error) {
	return m.embeddings.Generate(ctx, m.generator, text)
}
