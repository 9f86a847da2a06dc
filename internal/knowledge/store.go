package knowledge

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"

	"github.com/firebase/genkit/go/ai"
	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/pgvector/pgvector-go"
	"google.golang.org/genai"
)

const fragmentCols = `id, content, content_hash, source, source_type, metadata, created_at`

const (
	insertFragment = `
		INSERT INTO fragments (content, embedding, content_hash, source, source_type, metadata)
		VALUES ($1, $2, $3, $4, $5, $6)
		ON CONFLICT (content_hash) DO NOTHING
		RETURNING id, created_at`

	selectFragment = `
		SELECT ` + fragmentCols + `
		FROM fragments
		WHERE id = $1`

	selectFragmentByHash = `
		SELECT ` + fragmentCols + `
		FROM fragments
		WHERE content_hash = $1`

	searchFragments = `
		SELECT ` + fragmentCols + `,
		       1 - (embedding <=> $1) AS similarity
		FROM fragments
		WHERE 1 - (embedding <=> $1) >= $2
		ORDER BY embedding <=> $1 ASC, created_at DESC
		LIMIT $3`

	searchFragmentsFiltered = `
		SELECT ` + fragmentCols + `,
		       1 - (embedding <=> $1) AS similarity
		FROM fragments
		WHERE 1 - (embedding <=> $1) >= $2 AND metadata @> $3
		ORDER BY embedding <=> $1 ASC, created_at DESC
		LIMIT $4`

	countFragments         = `SELECT COUNT(*) FROM fragments`
	countFragmentsFiltered = `SELECT COUNT(*) FROM fragments WHERE metadata @> $1`

	deleteFragment         = `DELETE FROM fragments WHERE id = $1`
	deleteFragmentsSource  = `DELETE FROM fragments WHERE source = $1`
	listFragmentsByType    = `
		SELECT ` + fragmentCols + `
		FROM fragments
		WHERE source_type = $1
		ORDER BY created_at DESC
		LIMIT $2 OFFSET $3`
)

const (
	defaultListLimit = 50
	maxListLimit     = 200
)

// Store persists fragments and serves vector search over them.
type Store struct {
	pool     *pgxpool.Pool
	embedder ai.Embedder
	logger   *slog.Logger
}

// NewStore wires a fragment store to a connection pool and an embedder.
func NewStore(pool *pgxpool.Pool, embedder ai.Embedder, logger *slog.Logger) (*Store, error) {
	if pool == nil {
		return nil, errors.New("knowledge: pool is required")
	}
	if embedder == nil {
		return nil, errors.New("knowledge: embedder is required")
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Store{pool: pool, embedder: embedder, logger: logger}, nil
}

// Add ingests one fragment. Content is hashed and duplicate content is a
// no-op that returns the already stored fragment, so re-running an ingest
// never bloats the table or re-pays for embeddings.
func (s *Store) Add(ctx context.Context, params AddParams) (*Fragment, error) {
	content := strings.TrimSpace(params.Content)
	if content == "" {
		return nil, ErrEmptyContent
	}
	hash := contentHash(content)

	// Check the hash before embedding so replayed ingests skip the
	// embedding call entirely.
	existing, err := s.byHash(ctx, hash)
	if err == nil {
		s.logger.DebugContext(ctx, "fragment already ingested",
			"content_hash", hash, "source", params.Source)
		return existing, nil
	}
	if !errors.Is(err, ErrNotFound) {
		return nil, err
	}

	vec, err := s.embed(ctx, content)
	if err != nil {
		return nil, fmt.Errorf("embedding fragment: %w", err)
	}

	sourceType := params.SourceType
	if sourceType == "" {
		sourceType = SourceTypeManual
	}
	meta := []byte(`{}`)
	if len(params.Metadata) > 0 {
		meta, err = json.Marshal(params.Metadata)
		if err != nil {
			return nil, fmt.Errorf("encoding fragment metadata: %w", err)
		}
	}

	fragment := &Fragment{
		Content:     content,
		ContentHash: hash,
		Source:      params.Source,
		SourceType:  sourceType,
		Metadata:    params.Metadata,
	}
	err = s.pool.QueryRow(ctx, insertFragment,
		content, vec, hash, params.Source, sourceType, meta,
	).Scan(&fragment.ID, &fragment.CreatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		// Lost a race with a concurrent ingest of the same content.
		return s.byHash(ctx, hash)
	}
	if err != nil {
		return nil, fmt.Errorf("inserting fragment: %w", err)
	}

	s.logger.DebugContext(ctx, "fragment stored",
		"fragment_id", fragment.ID, "source", params.Source, "source_type", sourceType)
	return fragment, nil
}

// Search embeds the query and returns the closest fragments, most similar
// first with newer fragments winning ties. Results below the configured
// minimum similarity are dropped. An empty result set is not an error.
func (s *Store) Search(ctx context.Context, query string, opts ...SearchOption) ([]Result, error) {
	q := strings.TrimSpace(query)
	if q == "" {
		return nil, ErrEmptyQuery
	}
	cfg := defaultSearchConfig()
	for _, opt := range opts {
		opt(&cfg)
	}

	ctx, cancel := context.WithTimeout(ctx, cfg.timeout)
	defer cancel()

	vec, err := s.embed(ctx, q)
	if err != nil {
		return nil, fmt.Errorf("embedding query: %w", err)
	}

	sql := searchFragments
	args := []any{vec, cfg.minScore, cfg.topK}
	if len(cfg.filter) > 0 {
		meta, err := json.Marshal(cfg.filter)
		if err != nil {
			return nil, fmt.Errorf("encoding search filter: %w", err)
		}
		sql = searchFragmentsFiltered
		args = []any{vec, cfg.minScore, meta, cfg.topK}
	}

	rows, err := s.pool.Query(ctx, sql, args...)
	if err != nil {
		return nil, fmt.Errorf("searching fragments: %w", err)
	}
	defer rows.Close()

	results, err := scanResults(rows)
	if err != nil {
		return nil, err
	}
	s.logger.DebugContext(ctx, "knowledge search",
		"hits", len(results), "top_k", cfg.topK, "min_similarity", cfg.minScore)
	return results, nil
}

// Get returns one fragment by ID.
func (s *Store) Get(ctx context.Context, id uuid.UUID) (*Fragment, error) {
	f, err := scanFragmentRow(s.pool.QueryRow(ctx, selectFragment, id))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("loading fragment: %w", err)
	}
	return f, nil
}

// Count reports how many fragments are stored, optionally restricted to
// those whose metadata contains every filter pair.
func (s *Store) Count(ctx context.Context, filter map[string]string) (int64, error) {
	sql := countFragments
	args := []any{}
	if len(filter) > 0 {
		meta, err := json.Marshal(filter)
		if err != nil {
			return 0, fmt.Errorf("encoding count filter: %w", err)
		}
		sql = countFragmentsFiltered
		args = []any{meta}
	}
	var count int64
	if err := s.pool.QueryRow(ctx, sql, args...).Scan(&count); err != nil {
		return 0, fmt.Errorf("counting fragments: %w", err)
	}
	return count, nil
}

// Delete removes one fragment.
func (s *Store) Delete(ctx context.Context, id uuid.UUID) error {
	tag, err := s.pool.Exec(ctx, deleteFragment, id)
	if err != nil {
		return fmt.Errorf("deleting fragment: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

// DeleteBySource removes every fragment ingested from the given source and
// reports how many were dropped. Used to replace a source before
// re-ingesting it.
func (s *Store) DeleteBySource(ctx context.Context, source string) (int64, error) {
	tag, err := s.pool.Exec(ctx, deleteFragmentsSource, source)
	if err != nil {
		return 0, fmt.Errorf("deleting fragments by source: %w", err)
	}
	return tag.RowsAffected(), nil
}

// ListBySourceType pages through fragments of one source type, newest
// first.
func (s *Store) ListBySourceType(ctx context.Context, sourceType string, limit, offset int32) ([]*Fragment, error) {
	if limit <= 0 {
		limit = defaultListLimit
	}
	if limit > maxListLimit {
		limit = maxListLimit
	}
	if offset < 0 {
		offset = 0
	}
	rows, err := s.pool.Query(ctx, listFragmentsByType, sourceType, limit, offset)
	if err != nil {
		return nil, fmt.Errorf("listing fragments: %w", err)
	}
	defer rows.Close()
	return scanFragments(rows)
}

func (s *Store) byHash(ctx context.Context, hash string) (*Fragment, error) {
	f, err := scanFragmentRow(s.pool.QueryRow(ctx, selectFragmentByHash, hash))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("loading fragment by hash: %w", err)
	}
	return f, nil
}

func (s *Store) embed(ctx context.Context, text string) (pgvector.Vector, error) {
	dim := VectorDimension
	resp, err := s.embedder.Embed(ctx, &ai.EmbedRequest{
		Input:   []*ai.Document{ai.DocumentFromText(text, nil)},
		Options: &genai.EmbedContentConfig{OutputDimensionality: &dim},
	})
	if err != nil {
		return pgvector.Vector{}, err
	}
	if len(resp.Embeddings) == 0 || len(resp.Embeddings[0].Embedding) == 0 {
		return pgvector.Vector{}, errors.New("embedder returned no vector")
	}
	return pgvector.NewVector(resp.Embeddings[0].Embedding), nil
}

func contentHash(content string) string {
	sum := sha256.Sum256([]byte(content))
	return hex.EncodeToString(sum[:])
}

func scanFragmentRow(row pgx.Row) (*Fragment, error) {
	var f Fragment
	var meta []byte
	err := row.Scan(&f.ID, &f.Content, &f.ContentHash, &f.Source, &f.SourceType, &meta, &f.CreatedAt)
	if err != nil {
		return nil, err
	}
	if err := decodeMetadata(meta, &f); err != nil {
		return nil, err
	}
	return &f, nil
}

func scanFragments(rows pgx.Rows) ([]*Fragment, error) {
	var fragments []*Fragment
	for rows.Next() {
		var f Fragment
		var meta []byte
		err := rows.Scan(&f.ID, &f.Content, &f.ContentHash, &f.Source, &f.SourceType, &meta, &f.CreatedAt)
		if err != nil {
			return nil, fmt.Errorf("scanning fragment: %w", err)
		}
		if err := decodeMetadata(meta, &f); err != nil {
			return nil, err
		}
		fragments = append(fragments, &f)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("reading fragments: %w", err)
	}
	return fragments, nil
}

func scanResults(rows pgx.Rows) ([]Result, error) {
	var results []Result
	for rows.Next() {
		var r Result
		var meta []byte
		err := rows.Scan(&r.ID, &r.Content, &r.ContentHash, &r.Source, &r.SourceType, &meta, &r.CreatedAt, &r.Similarity)
		if err != nil {
			return nil, fmt.Errorf("scanning search result: %w", err)
		}
		if err := decodeMetadata(meta, &r.Fragment); err != nil {
			return nil, err
		}
		results = append(results, r)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("reading search results: %w", err)
	}
	return results, nil
}

func decodeMetadata(raw []byte, f *Fragment) error {
	if len(raw) == 0 || string(raw) == "null" {
		return nil
	}
	var meta map[string]string
	if err := json.Unmarshal(raw, &meta); err != nil {
		return fmt.Errorf("decoding fragment metadata: %w", err)
	}
	if len(meta) > 0 {
		f.Metadata = meta
	}
	return nil
}
