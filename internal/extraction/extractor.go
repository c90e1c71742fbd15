// Package extraction finds entities in memory content and links them into
// the graph. The built-in PatternExtractor recognises structured values
// (emails, URLs, phone numbers, dates, times, money); callers can plug in
// any other Extractor.
package extraction

import (
	"context"
	"regexp"
	"sort"
	"strings"

	"github.com/scrypster/locai/pkg/types"
)

// Entity is one match in a piece of content. Start and End are byte
// offsets into the content.
type Entity struct {
	Text       string  `json:"text"`
	EntityType string  `json:"entity_type"`
	Start      int     `json:"start"`
	End        int     `json:"end"`
	Confidence float64 `json:"confidence"`
	Extractor  string  `json:"extractor"`
}

// Normalized is the canonical form used to identify the entity across
// memories.
func (e Entity) Normalized() string {
	return strings.ToLower(strings.TrimSpace(e.Text))
}

// Extractor finds entities in content.
type Extractor interface {
	Name() string
	Extract(ctx context.Context, content string) ([]Entity, error)
}

// DefaultMinConfidence drops matches below this confidence.
const DefaultMinConfidence = 0.7

type pattern struct {
	entityType string
	re         *regexp.Regexp
	confidence float64
}

var patterns = []pattern{
	{types.EntityTypeEmail, regexp.MustCompile(`\b[A-Za-z0-9._%+-]+@[A-Za-z0-9.-]+\.[A-Za-z]{2,}\b`), 0.95},
	{types.EntityTypeURL, regexp.MustCompile(`\bhttps?://[-\w.]+(?::\d+)?(?:/[\w/_.~%-]*)?(?:\?[\w&=%.-]*)?(?:#[\w.-]*)?|\bwww\.[-\w.]+(?:/[\w/_.~%-]*)?`), 0.90},
	{types.EntityTypeMoney, regexp.MustCompile(`[$€£¥]\d{1,3}(?:,\d{3})*(?:\.\d{2})?|\b\d{1,3}(?:,\d{3})*(?:\.\d{2})?\s?(?:USD|EUR|GBP|JPY|dollars?|euros?|pounds?|yen)\b`), 0.90},
	{types.EntityTypePhoneNumber, regexp.MustCompile(`\+\d{1,3}[-.\s]?\d{3,4}[-.\s]?\d{3}[-.\s]?\d{4}|\(?\b[2-9]\d{2}\)?[-.\s]\d{3}[-.\s]\d{4}\b`), 0.85},
	{types.EntityTypeTime, regexp.MustCompile(`\b(?:[01]?\d|2[0-3]):[0-5]\d(?:\s?(?:AM|PM|am|pm))?\b|\b(?:1[0-2]|[1-9])\s?(?:AM|PM|am|pm)\b`), 0.85},
	{types.EntityTypeDate, regexp.MustCompile(`\b(?:19|20)\d{2}-(?:0?[1-9]|1[0-2])-(?:0?[1-9]|[12]\d|3[01])\b|\b(?:0?[1-9]|1[0-2])/(?:0?[1-9]|[12]\d|3[01])/(?:19|20)\d{2}\b|\b(?:Jan(?:uary)?|Feb(?:ruary)?|Mar(?:ch)?|Apr(?:il)?|May|June?|July?|Aug(?:ust)?|Sep(?:tember)?|Oct(?:ober)?|Nov(?:ember)?|Dec(?:ember)?)\.?\s+(?:0?[1-9]|[12]\d|3[01])(?:st|nd|rd|th)?,?\s+(?:19|20)\d{2}\b`), 0.80},
}

// PatternExtractor matches structured values with regular expressions.
type PatternExtractor struct {
	minConfidence float64
}

// NewPatternExtractor returns an extractor dropping matches below
// minConfidence; 0 selects DefaultMinConfidence.
func NewPatternExtractor(minConfidence float64) *PatternExtractor {
	if minConfidence <= 0 {
		minConfidence = DefaultMinConfidence
	}
	return &PatternExtractor{minConfidence: minConfidence}
}

// Name implements Extractor.
func (p *PatternExtractor) Name() string { return "pattern" }

// Extract returns non-overlapping matches in content order. When two
// matches overlap the more confident one wins, then the longer one.
func (p *PatternExtractor) Extract(ctx context.Context, content string) ([]Entity, error) {
	var found []Entity
	for _, pt := range patterns {
		if err := ctx.Err(); err != nil {
			return nil, types.Wrap(types.KindTimeout, err, "extraction cancelled")
		}
		if pt.confidence < p.minConfidence {
			continue
		}
		for _, loc := range pt.re.FindAllStringIndex(content, -1) {
			found = append(found, Entity{
				Text:       content[loc[0]:loc[1]],
				EntityType: pt.entityType,
				Start:      loc[0],
				End:        loc[1],
				Confidence: pt.confidence,
				Extractor:  p.Name(),
			})
		}
	}
	return removeOverlaps(found), nil
}

func removeOverlaps(in []Entity) []Entity {
	sort.SliceStable(in, func(i, j int) bool {
		a, b := in[i], in[j]
		if a.Confidence != b.Confidence {
			return a.Confidence > b.Confidence
		}
		return a.End-a.Start > b.End-b.Start
	})
	var kept []Entity
	for _, e := range in {
		overlaps := false
		for _, k := range kept {
			if e.Start < k.End && k.Start < e.End {
				overlaps = true
				break
			}
		}
		if !overlaps {
			kept = append(kept, e)
		}
	}
	sort.Slice(kept, func(i, j int) bool { return kept[i].Start < kept[j].Start })
	return kept
}

// Deduplicate keeps the most confident entity per (type, normalised text),
// preserving first-seen order.
func Deduplicate(in []Entity) []Entity {
	type key struct{ typ, text string }
	index := make(map[key]int, len(in))
	out := make([]Entity, 0, len(in))
	for _, e := range in {
		k := key{e.EntityType, e.Normalized()}
		if i, ok := index[k]; ok {
			if e.Confidence > out[i].Confidence {
				out[i] = e
			}
			continue
		}
		index[k] = len(out)
		out = append(out, e)
	}
	return out
}
