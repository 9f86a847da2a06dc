package ingest

import (
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/strandhq/strand/internal/knowledge"
)

const docsPage = `<!DOCTYPE html>
<html>
<head><title>Strand Search Documentation</title></head>
<body>
<article>
<h1>Search</h1>
<p>Vector search uses pgvector with cosine distance to rank stored fragments
against the embedded query, so the retriever can hand the most relevant
context to the prompt assembler.</p>
<p>Fragments come back best match first. Anything below the similarity
floor is dropped before it ever reaches a prompt.</p>
</article>
</body>
</html>`

func servePage(t *testing.T, contentType, body string) *httptest.Server {
	t.Helper()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", contentType)
		_, _ = io.WriteString(w, body)
	}))
	t.Cleanup(srv.Close)
	return srv
}

func TestIngestURL(t *testing.T) {
	srv := servePage(t, "text/html; charset=utf-8", docsPage)

	store := &fakeStore{}
	ing := newTestIngester(t, store, Config{})

	report, err := ing.IngestURL(t.Context(), srv.URL)
	if err != nil {
		t.Fatalf("IngestURL() unexpected error: %v", err)
	}

	if report.Sources != 1 || report.Chunks < 1 {
		t.Fatalf("report = %+v, want one source with chunks", report)
	}
	if len(store.added) != report.Chunks {
		t.Fatalf("store saw %d adds, want %d", len(store.added), report.Chunks)
	}

	first := store.added[0]
	if first.Source != srv.URL {
		t.Errorf("source = %q, want %q", first.Source, srv.URL)
	}
	if first.SourceType != knowledge.SourceTypeURL {
		t.Errorf("source type = %q, want %q", first.SourceType, knowledge.SourceTypeURL)
	}
	if first.Metadata["title"] != "Strand Search Documentation" {
		t.Errorf("title = %q, want the page title", first.Metadata["title"])
	}

	var all strings.Builder
	for _, p := range store.added {
		all.WriteString(p.Content)
	}
	if !strings.Contains(all.String(), "pgvector") {
		t.Errorf("stored content = %q, want article text", all.String())
	}
	if strings.Contains(all.String(), "<p>") {
		t.Errorf("stored content = %q, want markup stripped", all.String())
	}
}

func TestIngestURLFollowsRedirect(t *testing.T) {
	target := servePage(t, "text/html", docsPage)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Redirect(w, r, target.URL, http.StatusFound)
	}))
	t.Cleanup(srv.Close)

	store := &fakeStore{}
	ing := newTestIngester(t, store, Config{})

	report, err := ing.IngestURL(t.Context(), srv.URL+"/old")
	if err != nil {
		t.Fatalf("IngestURL() unexpected error: %v", err)
	}
	if report.Sources != 1 {
		t.Fatalf("report.Sources = %d, want 1", report.Sources)
	}
	// Provenance keeps the requested URL, not the redirect target.
	if got := store.added[0].Source; got != srv.URL+"/old" {
		t.Errorf("source = %q, want %q", got, srv.URL+"/old")
	}
}

func TestIngestURLReplace(t *testing.T) {
	srv := servePage(t, "text/html", docsPage)

	store := &fakeStore{}
	ing := newTestIngester(t, store, Config{Replace: true})

	if _, err := ing.IngestURL(t.Context(), srv.URL); err != nil {
		t.Fatalf("IngestURL() unexpected error: %v", err)
	}
	if len(store.deleted) != 1 || store.deleted[0] != srv.URL {
		t.Errorf("deleted = %q, want the page url", store.deleted)
	}
}

func TestIngestURLRejectsNonHTML(t *testing.T) {
	srv := servePage(t, "application/pdf", "%PDF-1.7")

	ing := newTestIngester(t, &fakeStore{}, Config{})

	_, err := ing.IngestURL(t.Context(), srv.URL)
	if err == nil || !strings.Contains(err.Error(), "unsupported content type") {
		t.Fatalf("IngestURL() error = %v, want content type rejection", err)
	}
}

func TestIngestURLStatusError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "down", http.StatusServiceUnavailable)
	}))
	t.Cleanup(srv.Close)

	ing := newTestIngester(t, &fakeStore{}, Config{})

	_, err := ing.IngestURL(t.Context(), srv.URL)
	if err == nil || !strings.Contains(err.Error(), "status 503") {
		t.Fatalf("IngestURL() error = %v, want status error", err)
	}
}

func TestIngestURLBadScheme(t *testing.T) {
	ing := newTestIngester(t, &fakeStore{}, Config{})

	for _, raw := range []string{"ftp://example.com/doc", "file:///etc/passwd", "example.com/no-scheme"} {
		if _, err := ing.IngestURL(t.Context(), raw); err == nil {
			t.Errorf("IngestURL(%q) expected error, got nil", raw)
		}
	}
}

func TestIngestURLNoReadableText(t *testing.T) {
	srv := servePage(t, "text/html", `<html><head><script>var x = 1;</script></head><body></body></html>`)

	store := &fakeStore{}
	ing := newTestIngester(t, store, Config{})

	report, err := ing.IngestURL(t.Context(), srv.URL)
	if err == nil || !strings.Contains(err.Error(), "no readable text") {
		t.Fatalf("IngestURL() error = %v, want no readable text", err)
	}
	if report.Sources != 0 || len(store.added) != 0 {
		t.Errorf("report = %+v with %d adds, want nothing stored", report, len(store.added))
	}
}
