package knowledge

import (
	"time"

	"github.com/google/uuid"
)

// VectorDimension is the embedding width stored in the fragments table.
// gemini-embedding-001 natively produces 3072 dimensions; we request 768
// via output dimensionality, which keeps the leading Matryoshka dimensions
// and cuts index size roughly 4x at a small recall cost. Changing this
// requires a migration of the VECTOR column and a full re-ingest.
const VectorDimension int32 = 768

// Source types recorded at ingest time.
const (
	SourceTypeFile   = "file"
	SourceTypeURL    = "url"
	SourceTypeManual = "manual"
)

// Fragment is one ingested chunk of content.
type Fragment struct {
	ID          uuid.UUID         `json:"id"`
	Content     string            `json:"content"`
	ContentHash string            `json:"content_hash"`
	Source      string            `json:"source"`
	SourceType  string            `json:"source_type"`
	Metadata    map[string]string `json:"metadata,omitempty"`
	CreatedAt   time.Time         `json:"created_at"`
}

// Result is a fragment scored against a query. Similarity is cosine
// similarity in [0, 1], higher is closer.
type Result struct {
	Fragment
	Similarity float64 `json:"similarity"`
}

// AddParams describes a fragment to ingest.
type AddParams struct {
	Content    string
	Source     string
	SourceType string
	Metadata   map[string]string
}

const (
	DefaultTopK       = 5
	MaxTopK           = 50
	DefaultMinScore   = 0.0
	defaultSearchWait = 10 * time.Second
)

type searchConfig struct {
	topK     int
	minScore float64
	filter   map[string]string
	timeout  time.Duration
}

func defaultSearchConfig() searchConfig {
	return searchConfig{
		topK:     DefaultTopK,
		minScore: DefaultMinScore,
		timeout:  defaultSearchWait,
	}
}

// SearchOption adjusts a single Search call.
type SearchOption func(*searchConfig)

// WithTopK caps the number of results. Values outside [1, MaxTopK] are
// clamped.
func WithTopK(k int) SearchOption {
	return func(c *searchConfig) {
		if k < 1 {
			k = 1
		}
		if k > MaxTopK {
			k = MaxTopK
		}
		c.topK = k
	}
}

// WithMinSimilarity drops results scoring below min. Out-of-range values
// are clamped to [0, 1].
func WithMinSimilarity(min float64) SearchOption {
	return func(c *searchConfig) {
		if min < 0 {
			min = 0
		}
		if min > 1 {
			min = 1
		}
		c.minScore = min
	}
}

// WithFilter restricts results to fragments whose metadata contains every
// given key/value pair.
func WithFilter(filter map[string]string) SearchOption {
	return func(c *searchConfig) { c.filter = filter }
}

// WithTimeout bounds the whole search, embedding call included.
func WithTimeout(d time.Duration) SearchOption {
	return func(c *searchConfig) {
		if d > 0 {
			c.timeout = d
		}
	}
}
