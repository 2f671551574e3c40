package knowledge

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/cloudvoice/cloudvoice/internal/embeddings"
)

// Embedder turns text into a vector. Satisfied by *embeddings.Client.
type Embedder interface {
	Embed(ctx context.Context, text string) ([]float32, error)
}

// Result pairs a passage with its similarity score.
type Result struct {
	Passage *Passage
	Score   float32
}

// Searcher runs semantic search over the passage store.
type Searcher struct {
	store    *Store
	embedder Embedder
	minScore float32
	logger   *slog.Logger
}

// NewSearcher creates a searcher. Results scoring below minScore are
// treated as misses.
func NewSearcher(store *Store, embedder Embedder, minScore float32, logger *slog.Logger) *Searcher {
	if logger == nil {
		logger = slog.Default()
	}
	return &Searcher{
		store:    store,
		embedder: embedder,
		minScore: minScore,
		logger:   logger,
	}
}

// Search returns the top k passages most similar to the query, best
// first, filtered to those at or above the score floor.
func (s *Searcher) Search(ctx context.Context, query string, k int) ([]Result, error) {
	queryEmb, err := s.embedder.Embed(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("embed query: %w", err)
	}

	passages, err := s.store.All(ctx)
	if err != nil {
		return nil, fmt.Errorf("load passages: %w", err)
	}
	if len(passages) == 0 {
		return nil, nil
	}

	vectors := make([][]float32, len(passages))
	for i, p := range passages {
		vectors[i] = p.Embedding
	}

	var results []Result
	for _, idx := range embeddings.TopK(queryEmb, vectors, k) {
		score := embeddings.CosineSimilarity(queryEmb, vectors[idx])
		if score < s.minScore {
			continue
		}
		results = append(results, Result{Passage: passages[idx], Score: score})
	}

	s.logger.Debug("semantic search",
		"query", query,
		"candidates", len(passages),
		"hits", len(results),
	)
	return results, nil
}

// Lookup returns the single best matching passage, or nil when nothing
// clears the score floor.
func (s *Searcher) Lookup(ctx context.Context, query string) (*Result, error) {
	results, err := s.Search(ctx, query, 1)
	if err != nil {
		return nil, err
	}
	if len(results) == 0 {
		return nil, nil
	}
	return &results[0], nil
}

// LookupText returns the best matching passage's content, or "" on a
// miss.
func (s *Searcher) LookupText(ctx context.Context, query string) (string, error) {
	res, err := s.Lookup(ctx, query)
	if err != nil {
		return "", err
	}
	if res == nil {
		return "", nil
	}
	return res.Passage.Content, nil
}
