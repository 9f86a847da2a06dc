package rag

import (
	"context"
	"errors"
	"testing"

	"github.com/strandhq/strand/internal/knowledge"
	"github.com/strandhq/strand/internal/testutil"
)

type fakeSearcher struct {
	results []knowledge.Result
	err     error

	gotQuery string
	gotOpts  int
}

func (f *fakeSearcher) Search(_ context.Context, query string, opts ...knowledge.SearchOption) ([]knowledge.Result, error) {
	f.gotQuery = query
	f.gotOpts = len(opts)
	return f.results, f.err
}

func TestRetrieveMapsResults(t *testing.T) {
	fake := &fakeSearcher{
		results: []knowledge.Result{
			{Fragment: knowledge.Fragment{Content: "alpha", Source: "a.md"}, Similarity: 0.92},
			{Fragment: knowledge.Fragment{Content: "beta", Source: "b.md"}, Similarity: 0.71},
		},
	}
	r, err := NewRetriever(fake, Config{TopK: 3, MinSimilarity: 0.5, Logger: testutil.DiscardLogger()})
	if err != nil {
		t.Fatalf("NewRetriever() failed: %v", err)
	}

	fragments, err := r.Retrieve(context.Background(), "what is alpha")
	if err != nil {
		t.Fatalf("Retrieve() failed: %v", err)
	}

	if fake.gotQuery != "what is alpha" {
		t.Errorf("query = %q", fake.gotQuery)
	}
	if fake.gotOpts != 3 {
		t.Errorf("options passed = %d, want 3 (top-k, min similarity, timeout)", fake.gotOpts)
	}
	if len(fragments) != 2 {
		t.Fatalf("got %d fragments, want 2", len(fragments))
	}
	if fragments[0].Content != "alpha" || fragments[0].Source != "a.md" || fragments[0].Similarity != 0.92 {
		t.Errorf("fragment = %+v", fragments[0])
	}
}

func TestRetrieveEmptyIsValid(t *testing.T) {
	r, err := NewRetriever(&fakeSearcher{}, Config{Logger: testutil.DiscardLogger()})
	if err != nil {
		t.Fatalf("NewRetriever() failed: %v", err)
	}

	fragments, err := r.Retrieve(context.Background(), "nothing matches this")
	if err != nil {
		t.Fatalf("Retrieve() failed on empty result: %v", err)
	}
	if len(fragments) != 0 {
		t.Errorf("got %d fragments, want 0", len(fragments))
	}
}

func TestRetrievePropagatesError(t *testing.T) {
	searchErr := errors.New("vector service down")
	r, err := NewRetriever(&fakeSearcher{err: searchErr}, Config{Logger: testutil.DiscardLogger()})
	if err != nil {
		t.Fatalf("NewRetriever() failed: %v", err)
	}

	if _, err := r.Retrieve(context.Background(), "query"); !errors.Is(err, searchErr) {
		t.Errorf("error = %v, want wrapped search error", err)
	}
}

func TestNewRetrieverValidation(t *testing.T) {
	if _, err := NewRetriever(nil, Config{}); err == nil {
		t.Error("expected error for nil store")
	}

	r, err := NewRetriever(&fakeSearcher{}, Config{})
	if err != nil {
		t.Fatalf("NewRetriever() failed: %v", err)
	}
	if r.topK != knowledge.DefaultTopK {
		t.Errorf("topK = %d, want default %d", r.topK, knowledge.DefaultTopK)
	}
	if r.timeout != DefaultTimeout {
		t.Errorf("timeout = %v, want default %v", r.timeout, DefaultTimeout)
	}
}
