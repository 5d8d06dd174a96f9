// Package retrieval performs semantic search over the knowledge corpus.
// Documents are embedded once at indexing time; queries are embedded on
// demand and ranked by cosine similarity.
package retrieval

import (
	"context"
	"fmt"
	"math"
	"sort"

	"github.com/felixgeelhaar/insight/internal/provider"
	"github.com/felixgeelhaar/insight/internal/store"
)

// Result is one retrieved corpus passage with its relevance score.
type Result struct {
	Content string  `json:"content"`
	Source  string  `json:"source"`
	Offset  int     `json:"offset"`
	Score   float64 `json:"score"`
}

// Retriever searches the embedded knowledge corpus.
type Retriever struct {
	storage      store.Storage
	embedder     provider.Provider
	minRelevance float64
	defaultTopK  int
	maxTopK      int
}

// New returns a Retriever over the given storage, embedding queries with the
// given provider.
func New(storage store.Storage, embedder provider.Provider, minRelevance float64, defaultTopK, maxTopK int) *Retriever {
	return &Retriever{
		storage:      storage,
		embedder:     embedder,
		minRelevance: minRelevance,
		defaultTopK:  defaultTopK,
		maxTopK:      maxTopK,
	}
}

// Index embeds each chunk of a source and stores it as a retrievable
// document. Re-indexing a source overwrites its existing chunks.
func (r *Retriever) Index(ctx context.Context, source string, chunks []string) error {
	for i, chunk := range chunks {
		vec, err := r.embedder.Embed(ctx, chunk)
		if err != nil {
			return fmt.Errorf("embed %s[%d]: %w", source, i, err)
		}
		doc := &store.Document{Source: source, Offset: i, Content: chunk, Vector: vec}
		if err := r.storage.AddDocument(doc); err != nil {
			return fmt.Errorf("store %s[%d]: %w", source, i, err)
		}
	}
	return nil
}

// Search returns up to topK passages relevant to the query, best first.
// Passages scoring below the relevance floor are omitted; an empty result is
// not an error. A topK of zero or less selects the default; values above the
// maximum are clamped.
func (r *Retriever) Search(ctx context.Context, query string, topK int) ([]Result, error) {
	if topK <= 0 {
		topK = r.defaultTopK
	}
	if topK > r.maxTopK {
		topK = r.maxTopK
	}

	queryVec, err := r.embedder.Embed(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("embed query: %w", err)
	}

	docs, err := r.storage.Documents()
	if err != nil {
		return nil, fmt.Errorf("load corpus: %w", err)
	}

	var results []Result
	seen := make(map[string]bool)
	for _, doc := range docs {
		if len(doc.Vector) == 0 {
			continue
		}
		score := cosineSimilarity(queryVec, doc.Vector)
		if score < r.minRelevance {
			continue
		}
		key := fmt.Sprintf("%s#%d", doc.Source, doc.Offset)
		if seen[key] {
			continue
		}
		seen[key] = true
		results = append(results, Result{
			Content: doc.Content,
			Source:  doc.Source,
			Offset:  doc.Offset,
			Score:   score,
		})
	}

	sort.Slice(results, func(i, j int) bool { return results[i].Score > results[j].Score })
	if len(results) > topK {
		results = results[:topK]
	}
	return results, nil
}

func cosineSimilarity(a, b []float32) float64 {
	if len(a) != len(b) || len(a) == 0 {
		return 0
	}
	var dot, normA, normB float64
	for i := range a {
		dot += float64(a[i]) * float64(b[i])
		normA += float64(a[i]) * float64(a[i])
		normB += float64(b[i]) * float64(b[i])
	}
	if normA == 0 || normB == 0 {
		return 0
	}
	return dot / (math.Sqrt(normA) * math.Sqrt(normB))
}
