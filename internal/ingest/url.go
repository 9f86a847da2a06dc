package ingest

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"

	"github.com/strandhq/strand/internal/knowledge"
)

// IngestURL fetches one page, extracts the readable article text, and
// stores it through the same chunk pipeline as a file.
func (ing *Ingester) IngestURL(ctx context.Context, rawURL string) (Report, error) {
	var report Report

	u, err := url.Parse(rawURL)
	if err != nil {
		return report, fmt.Errorf("parsing url: %w", err)
	}
	if u.Scheme != "http" && u.Scheme != "https" {
		return report, fmt.Errorf("unsupported url scheme %q", u.Scheme)
	}

	body, err := ing.fetch(ctx, u.String())
	if err != nil {
		return report, err
	}

	text, title := extractArticle(body, u)
	if strings.TrimSpace(text) == "" {
		return report, fmt.Errorf("no readable text at %s", u)
	}
	if title == "" {
		title = u.Host
	}

	stored, err := ing.storeChunks(ctx, text, u.String(), knowledge.SourceTypeURL, map[string]string{
		"title": title,
		"url":   u.String(),
	})
	if err != nil {
		return report, err
	}
	report.Sources = 1
	report.Chunks = stored
	ing.logger.InfoContext(ctx, "page ingested", "url", u.String(), "title", title, "chunks", stored)
	return report, nil
}

// fetch GETs one page with status, content type, and size checks.
func (ing *Ingester) fetch(ctx context.Context, pageURL string) ([]byte, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, pageURL, nil)
	if err != nil {
		return nil, fmt.Errorf("building request: %w", err)
	}
	req.Header.Set("User-Agent", userAgent)
	req.Header.Set("Accept", "text/html,application/xhtml+xml")

	resp, err := ing.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("fetching %s: %w", pageURL, err)
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return nil, fmt.Errorf("fetching %s: status %d", pageURL, resp.StatusCode)
	}
	if ct := resp.Header.Get("Content-Type"); ct != "" && !strings.Contains(ct, "html") && !strings.Contains(ct, "text") {
		return nil, fmt.Errorf("fetching %s: unsupported content type %q", pageURL, ct)
	}

	body, err := io.ReadAll(io.LimitReader(resp.Body, maxFetchBytes+1))
	if err != nil {
		return nil, fmt.Errorf("reading %s: %w", pageURL, err)
	}
	if len(body) > maxFetchBytes {
		return nil, fmt.Errorf("fetching %s: page exceeds %d bytes", pageURL, int64(maxFetchBytes))
	}
	return body, nil
}
