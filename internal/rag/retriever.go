// Package rag retrieves context fragments for a query from the knowledge
// store. Retrieval is best-effort from the caller's point of view: an
// empty result is a normal outcome, and callers are expected to treat a
// retrieval error as "no context" rather than failing the attempt.
package rag

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/strandhq/strand/internal/knowledge"
)

// DefaultTimeout bounds one retrieval, embedding call included. Keeps a
// slow vector query from stalling the whole attempt.
const DefaultTimeout = 5 * time.Second

// Fragment is one retrieved piece of context.
type Fragment struct {
	Content    string
	Source     string
	Similarity float64
}

// Searcher is the slice of the knowledge store the retriever needs.
type Searcher interface {
	Search(ctx context.Context, query string, opts ...knowledge.SearchOption) ([]knowledge.Result, error)
}

// Config tunes a Retriever.
type Config struct {
	TopK          int
	MinSimilarity float64
	Timeout       time.Duration
	Logger        *slog.Logger
}

// Retriever runs top-K similarity search with a relevance floor.
type Retriever struct {
	store   Searcher
	topK    int
	minSim  float64
	timeout time.Duration
	logger  *slog.Logger
}

// NewRetriever wires a retriever to a knowledge searcher.
func NewRetriever(store Searcher, cfg Config) (*Retriever, error) {
	if store == nil {
		return nil, errors.New("rag: store is required")
	}
	if cfg.TopK <= 0 {
		cfg.TopK = knowledge.DefaultTopK
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = DefaultTimeout
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Retriever{
		store:   store,
		topK:    cfg.TopK,
		minSim:  cfg.MinSimilarity,
		timeout: cfg.Timeout,
		logger:  logger,
	}, nil
}

// Retrieve returns at most TopK fragments scoring at least the
// configured minimum similarity, most similar first with newer fragments
// winning ties. A nil error with no fragments means nothing relevant is
// known.
func (r *Retriever) Retrieve(ctx context.Context, query string) ([]Fragment, error) {
	results, err := r.store.Search(ctx, query,
		knowledge.WithTopK(r.topK),
		knowledge.WithMinSimilarity(r.minSim),
		knowledge.WithTimeout(r.timeout),
	)
	if err != nil {
		return nil, fmt.Errorf("retrieving context: %w", err)
	}

	fragments := make([]Fragment, len(results))
	for i, res := range results {
		fragments[i] = Fragment{
			Content:    res.Content,
			Source:     res.Source,
			Similarity: res.Similarity,
		}
	}
	r.logger.DebugContext(ctx, "context retrieved",
		"fragments", len(fragments), "top_k", r.topK, "min_similarity", r.minSim)
	return fragments, nil
}
