package search

import (
	"math"
	"sort"
	"sync"
)

// BM25 parameters.
const (
	DefaultK1 = 1.2
	DefaultB  = 0.75
)

// Hit is a scored document id.
type Hit struct {
	ID    string
	Score float64
}

// IDF returns the BM25 inverse document frequency of a term occurring in
// df of n documents. The +1 inside the log keeps it positive for very
// common terms.
func IDF(n, df int) float64 {
	return math.Log(1 + (float64(n)-float64(df)+0.5)/(float64(df)+0.5))
}

// TermScore is the BM25 contribution of one query term to one document.
func TermScore(tf int, idf float64, docLen int, avgDocLen float64) float64 {
	if tf == 0 {
		return 0
	}
	norm := 1.0
	if avgDocLen > 0 {
		norm = 1 - DefaultB + DefaultB*float64(docLen)/avgDocLen
	}
	f := float64(tf)
	return idf * (f * (DefaultK1 + 1)) / (f + DefaultK1*norm)
}

// SortHits orders hits by score descending, then id ascending.
func SortHits(hits []Hit) {
	sort.Slice(hits, func(i, j int) bool {
		if hits[i].Score != hits[j].Score {
			return hits[i].Score > hits[j].Score
		}
		return hits[i].ID < hits[j].ID
	})
}

type indexedDoc struct {
	tf     map[string]int
	length int
}

// Index is an in-memory BM25 inverted index. It is safe for concurrent use.
type Index struct {
	mu       sync.RWMutex
	docs     map[string]indexedDoc
	postings map[string]map[string]struct{}
	totalLen int
}

// NewIndex returns an empty index.
func NewIndex() *Index {
	return &Index{
		docs:     make(map[string]indexedDoc),
		postings: make(map[string]map[string]struct{}),
	}
}

// Add indexes text under id, replacing any previous document with that id.
func (ix *Index) Add(id, text string) {
	ix.mu.Lock()
	defer ix.mu.Unlock()
	ix.removeLocked(id)

	tf, length := TermFrequencies(text)
	ix.docs[id] = indexedDoc{tf: tf, length: length}
	ix.totalLen += length
	for term := range tf {
		p, ok := ix.postings[term]
		if !ok {
			p = make(map[string]struct{})
			ix.postings[term] = p
		}
		p[id] = struct{}{}
	}
}

// Remove drops id from the index.
func (ix *Index) Remove(id string) {
	ix.mu.Lock()
	defer ix.mu.Unlock()
	ix.removeLocked(id)
}

func (ix *Index) removeLocked(id string) {
	doc, ok := ix.docs[id]
	if !ok {
		return
	}
	for term := range doc.tf {
		if p := ix.postings[term]; p != nil {
			delete(p, id)
			if len(p) == 0 {
				delete(ix.postings, term)
			}
		}
	}
	ix.totalLen -= doc.length
	delete(ix.docs, id)
}

// Len returns the number of indexed documents.
func (ix *Index) Len() int {
	ix.mu.RLock()
	defer ix.mu.RUnlock()
	return len(ix.docs)
}

// Reset empties the index.
func (ix *Index) Reset() {
	ix.mu.Lock()
	defer ix.mu.Unlock()
	ix.docs = make(map[string]indexedDoc)
	ix.postings = make(map[string]map[string]struct{})
	ix.totalLen = 0
}

// Search scores every document containing at least one query term and
// returns hits passing accept (nil accepts all), best first. limit <= 0
// returns all of them.
func (ix *Index) Search(query string, limit int, accept func(id string) bool) []Hit {
	terms := UniqueTerms(query)
	if len(terms) == 0 {
		return nil
	}

	ix.mu.RLock()
	defer ix.mu.RUnlock()

	n := len(ix.docs)
	if n == 0 {
		return nil
	}
	avg := float64(ix.totalLen) / float64(n)

	scores := make(map[string]float64)
	for _, term := range terms {
		p := ix.postings[term]
		if len(p) == 0 {
			continue
		}
		idf := IDF(n, len(p))
		for id := range p {
			doc := ix.docs[id]
			scores[id] += TermScore(doc.tf[term], idf, doc.length, avg)
		}
	}

	hits := make([]Hit, 0, len(scores))
	for id, s := range scores {
		if accept != nil && !accept(id) {
			continue
		}
		hits = append(hits, Hit{ID: id, Score: s})
	}
	SortHits(hits)
	if limit > 0 && len(hits) > limit {
		hits = hits[:limit]
	}
	return hits
}
