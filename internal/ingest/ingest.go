// Package ingest loads documents into the knowledge base.
//
// Local files and web pages feed one pipeline: extract plain text, chunk
// it on paragraph boundaries, store every chunk as a fragment with
// provenance metadata. The store deduplicates by content hash, so
// re-running an ingest over unchanged documents stores nothing and pays
// for no embeddings.
package ingest

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"maps"
	"net/http"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/strandhq/strand/internal/knowledge"
)

// DefaultFetchTimeout bounds one page fetch, redirects included.
const DefaultFetchTimeout = 30 * time.Second

const (
	maxFileBytes  = 10 << 20
	maxFetchBytes = 10 << 20
	maxRedirects  = 5
	userAgent     = "strand-ingest/1.0"
)

// supportedExtensions are the file types a directory walk picks up.
// Explicitly named files are ingested regardless of extension.
var supportedExtensions = map[string]bool{
	".adoc":     true,
	".htm":      true,
	".html":     true,
	".markdown": true,
	".md":       true,
	".rst":      true,
	".txt":      true,
}

// fragmentStore is the slice of *knowledge.Store the ingester needs.
type fragmentStore interface {
	Add(ctx context.Context, params knowledge.AddParams) (*knowledge.Fragment, error)
	DeleteBySource(ctx context.Context, source string) (int64, error)
}

// Config tunes an Ingester.
type Config struct {
	ChunkRunes   int           // max runes per chunk; 0 means DefaultChunkRunes
	Replace      bool          // drop a source's stored fragments before adding
	FetchTimeout time.Duration // per-page budget; 0 means DefaultFetchTimeout
	Logger       *slog.Logger
}

// Report sums up one ingest run.
type Report struct {
	Sources int // files and pages that produced fragments
	Chunks  int // chunks stored or confirmed already present
	Skipped int // files passed over by a directory walk
}

// Ingester chunks documents and writes them to the knowledge store.
type Ingester struct {
	store      fragmentStore
	chunkRunes int
	replace    bool
	client     *http.Client
	logger     *slog.Logger
}

// New wires an ingester to the fragment store.
func New(st fragmentStore, cfg Config) (*Ingester, error) {
	if st == nil {
		return nil, errors.New("ingest: store is required")
	}
	chunkRunes := cfg.ChunkRunes
	if chunkRunes <= 0 {
		chunkRunes = DefaultChunkRunes
	}
	timeout := cfg.FetchTimeout
	if timeout <= 0 {
		timeout = DefaultFetchTimeout
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Ingester{
		store:      st,
		chunkRunes: chunkRunes,
		replace:    cfg.Replace,
		client: &http.Client{
			Timeout: timeout,
			CheckRedirect: func(req *http.Request, via []*http.Request) error {
				if len(via) >= maxRedirects {
					return fmt.Errorf("stopped after %d redirects", maxRedirects)
				}
				return nil
			},
		},
		logger: logger,
	}, nil
}

// IngestPaths ingests every named file and directory. Directories are
// walked recursively for supported extensions; files named outright are
// ingested whatever their extension. Processing continues past per-file
// failures; the joined errors come back alongside the report.
func (ing *Ingester) IngestPaths(ctx context.Context, paths []string) (Report, error) {
	var report Report
	var errs []error

	for _, p := range paths {
		if ctx.Err() != nil {
			errs = append(errs, ctx.Err())
			break
		}
		info, err := os.Stat(p)
		if err != nil {
			errs = append(errs, fmt.Errorf("stat %s: %w", p, err))
			continue
		}
		if !info.IsDir() {
			if err := ing.ingestFile(ctx, p, &report); err != nil {
				ing.logger.WarnContext(ctx, "file ingest failed", "path", p, "error", err)
				errs = append(errs, err)
			}
			continue
		}

		werr := filepath.WalkDir(p, func(path string, d fs.DirEntry, err error) error {
			if err != nil {
				return err
			}
			if d.IsDir() {
				// Dot directories hold VCS internals and editor state.
				if path != p && strings.HasPrefix(d.Name(), ".") {
					return fs.SkipDir
				}
				return nil
			}
			if !supportedExtensions[strings.ToLower(filepath.Ext(path))] {
				report.Skipped++
				return nil
			}
			if ctx.Err() != nil {
				return ctx.Err()
			}
			if err := ing.ingestFile(ctx, path, &report); err != nil {
				ing.logger.WarnContext(ctx, "file ingest failed", "path", path, "error", err)
				errs = append(errs, err)
			}
			return nil
		})
		if werr != nil {
			errs = append(errs, fmt.Errorf("walking %s: %w", p, werr))
		}
	}
	return report, errors.Join(errs...)
}

func (ing *Ingester) ingestFile(ctx context.Context, path string, report *Report) error {
	info, err := os.Stat(path)
	if err != nil {
		return fmt.Errorf("stat %s: %w", path, err)
	}
	if info.Size() > maxFileBytes {
		return fmt.Errorf("%s: file exceeds %d bytes", path, int64(maxFileBytes))
	}
	raw, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("reading %s: %w", path, err)
	}

	text := string(raw)
	ext := strings.ToLower(filepath.Ext(path))
	title := strings.TrimSuffix(filepath.Base(path), filepath.Ext(path))
	switch ext {
	case ".md", ".markdown":
		if h := firstHeading(text); h != "" {
			title = h
		}
	case ".html", ".htm":
		if t := htmlTitle(raw); t != "" {
			title = t
		}
		text, err = htmlToText(bytes.NewReader(raw))
		if err != nil {
			return fmt.Errorf("parsing %s: %w", path, err)
		}
	}

	source := filepath.Clean(path)
	stored, err := ing.storeChunks(ctx, text, source, knowledge.SourceTypeFile, map[string]string{
		"title": title,
		"path":  source,
	})
	if err != nil {
		return err
	}
	if stored == 0 {
		ing.logger.DebugContext(ctx, "no content to ingest", "path", path)
		return nil
	}
	report.Sources++
	report.Chunks += stored
	ing.logger.InfoContext(ctx, "file ingested", "path", path, "title", title, "chunks", stored)
	return nil
}

// storeChunks chunks text and ensures every chunk is present in the store.
// Returns the number of chunks processed.
func (ing *Ingester) storeChunks(ctx context.Context, text, source, sourceType string, meta map[string]string) (int, error) {
	chunks := chunkText(text, ing.chunkRunes)
	if len(chunks) == 0 {
		return 0, nil
	}

	if ing.replace {
		deleted, err := ing.store.DeleteBySource(ctx, source)
		if err != nil {
			return 0, fmt.Errorf("replacing %s: %w", source, err)
		}
		if deleted > 0 {
			ing.logger.InfoContext(ctx, "stored fragments dropped", "source", source, "count", deleted)
		}
	}

	for i, chunk := range chunks {
		m := make(map[string]string, len(meta)+1)
		maps.Copy(m, meta)
		m["chunk"] = strconv.Itoa(i + 1)
		if _, err := ing.store.Add(ctx, knowledge.AddParams{
			Content:    chunk,
			Source:     source,
			SourceType: sourceType,
			Metadata:   m,
		}); err != nil {
			return i, fmt.Errorf("storing chunk %d of %s: %w", i+1, source, err)
		}
	}
	return len(chunks), nil
}

// firstHeading returns the text of the first markdown ATX heading, if any.
func firstHeading(text string) string {
	for line := range strings.Lines(text) {
		trimmed := strings.TrimSpace(line)
		level := 0
		for level < len(trimmed) && trimmed[level] == '#' {
			level++
		}
		if level == 0 || level > 6 {
			continue
		}
		rest := trimmed[level:]
		if rest == "" || rest[0] != ' ' {
			continue
		}
		return strings.TrimSpace(rest)
	}
	return ""
}
