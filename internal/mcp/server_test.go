package mcp

import (
	"context"
	"encoding/json"
	"errors"
	"sort"
	"strings"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/modelcontextprotocol/go-sdk/mcp"

	"github.com/strandhq/strand/internal/knowledge"
	"github.com/strandhq/strand/internal/testutil"
	"github.com/strandhq/strand/internal/thread"
)

// fakeKnowledge records Search calls and serves canned results.
type fakeKnowledge struct {
	results []knowledge.Result
	err     error
	queries []string
	optLens []int
}

func (f *fakeKnowledge) Search(_ context.Context, query string, opts ...knowledge.SearchOption) ([]knowledge.Result, error) {
	f.queries = append(f.queries, query)
	f.optLens = append(f.optLens, len(opts))
	if f.err != nil {
		return nil, f.err
	}
	return f.results, nil
}

// fakeThreads serves fixed threads and messages from memory.
type fakeThreads struct {
	threads  []*thread.Thread
	messages map[uuid.UUID][]*thread.Message
}

func (f *fakeThreads) Get(_ context.Context, id uuid.UUID) (*thread.Thread, error) {
	for _, th := range f.threads {
		if th.ID == id {
			return th, nil
		}
	}
	return nil, thread.ErrThreadNotFound
}

func (f *fakeThreads) ListAll(_ context.Context, limit, offset int32) ([]*thread.Thread, error) {
	if offset < 0 {
		offset = 0
	}
	if int(offset) >= len(f.threads) {
		return nil, nil
	}
	out := f.threads[offset:]
	if limit > 0 && int(limit) < len(out) {
		out = out[:limit]
	}
	return out, nil
}

func (f *fakeThreads) Messages(_ context.Context, threadID uuid.UUID, limit, offset int32) ([]*thread.Message, error) {
	msgs := f.messages[threadID]
	if offset < 0 {
		offset = 0
	}
	if int(offset) >= len(msgs) {
		return nil, nil
	}
	msgs = msgs[offset:]
	if limit > 0 && int(limit) < len(msgs) {
		msgs = msgs[:limit]
	}
	return msgs, nil
}

func testConfig(k knowledgeSearcher, th threadReader) Config {
	return Config{
		Name:      "strand-test",
		Version:   "0.0.1",
		Knowledge: k,
		Threads:   th,
		Logger:    testutil.DiscardLogger(),
	}
}

// connectServer builds a server from cfg and an SDK client joined to it over
// in-memory transports. Both sessions are closed via t.Cleanup.
func connectServer(t *testing.T, cfg Config) *mcp.ClientSession {
	t.Helper()

	server, err := NewServer(cfg)
	if err != nil {
		t.Fatalf("NewServer() unexpected error: %v", err)
	}

	ctx := context.Background()
	serverTransport, clientTransport := mcp.NewInMemoryTransports()

	serverSession, err := server.mcpServer.Connect(ctx, serverTransport, nil)
	if err != nil {
		t.Fatalf("server.Connect() unexpected error: %v", err)
	}
	t.Cleanup(func() { _ = serverSession.Close() })

	client := mcp.NewClient(&mcp.Implementation{
		Name:    "test-client",
		Version: "1.0.0",
	}, nil)

	clientSession, err := client.Connect(ctx, clientTransport, nil)
	if err != nil {
		t.Fatalf("client.Connect() unexpected error: %v", err)
	}
	t.Cleanup(func() { _ = clientSession.Close() })

	return clientSession
}

// textOf extracts the first text content block of a tool result.
func textOf(t *testing.T, result *mcp.CallToolResult) string {
	t.Helper()
	if len(result.Content) == 0 {
		t.Fatal("tool result has no content")
	}
	tc, ok := result.Content[0].(*mcp.TextContent)
	if !ok {
		t.Fatalf("content[0] type = %T, want *mcp.TextContent", result.Content[0])
	}
	return tc.Text
}

func TestNewServerValidation(t *testing.T) {
	k := &fakeKnowledge{}
	th := &fakeThreads{}

	tests := []struct {
		name string
		cfg  Config
	}{
		{name: "missing name", cfg: Config{Version: "1", Knowledge: k, Threads: th}},
		{name: "missing version", cfg: Config{Name: "strand", Knowledge: k, Threads: th}},
		{name: "missing knowledge store", cfg: Config{Name: "strand", Version: "1", Threads: th}},
		{name: "missing thread store", cfg: Config{Name: "strand", Version: "1", Knowledge: k}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if _, err := NewServer(tt.cfg); err == nil {
				t.Fatal("NewServer() expected error, got nil")
			}
		})
	}
}

func TestListTools(t *testing.T) {
	session := connectServer(t, testConfig(&fakeKnowledge{}, &fakeThreads{}))

	result, err := session.ListTools(t.Context(), nil)
	if err != nil {
		t.Fatalf("ListTools() unexpected error: %v", err)
	}

	var names []string
	for _, tool := range result.Tools {
		names = append(names, tool.Name)
		if tool.Description == "" {
			t.Errorf("tool %q has empty description", tool.Name)
		}
	}
	sort.Strings(names)

	wantNames := []string{"list_threads", "read_thread", "search_knowledge"}
	if len(names) != len(wantNames) {
		t.Fatalf("ListTools() returned %d tools %v, want %v", len(names), names, wantNames)
	}
	for i, got := range names {
		if got != wantNames[i] {
			t.Errorf("tool[%d] = %q, want %q", i, got, wantNames[i])
		}
	}
}

func TestSearchKnowledge(t *testing.T) {
	k := &fakeKnowledge{results: []knowledge.Result{
		{
			Fragment: knowledge.Fragment{
				Content:    "pgvector stores embeddings in postgres",
				Source:     "docs/vector.md",
				SourceType: knowledge.SourceTypeFile,
			},
			Similarity: 0.91,
		},
		{
			Fragment: knowledge.Fragment{
				Content:    "HNSW indexes trade recall for speed",
				Source:     "https://example.com/hnsw",
				SourceType: knowledge.SourceTypeURL,
			},
			Similarity: 0.73,
		},
	}}
	session := connectServer(t, testConfig(k, &fakeThreads{}))

	result, err := session.CallTool(t.Context(), &mcp.CallToolParams{
		Name:      "search_knowledge",
		Arguments: map[string]any{"query": "vector indexes", "topK": 3},
	})
	if err != nil {
		t.Fatalf("CallTool(search_knowledge) unexpected error: %v", err)
	}
	if result.IsError {
		t.Fatalf("CallTool(search_knowledge) returned error result: %s", textOf(t, result))
	}

	var out struct {
		Results []struct {
			Content    string  `json:"content"`
			Source     string  `json:"source"`
			SourceType string  `json:"sourceType"`
			Similarity float64 `json:"similarity"`
		} `json:"results"`
		Count int `json:"count"`
	}
	if err := json.Unmarshal([]byte(textOf(t, result)), &out); err != nil {
		t.Fatalf("parsing result JSON: %v", err)
	}

	if out.Count != 2 || len(out.Results) != 2 {
		t.Fatalf("got count %d with %d results, want 2", out.Count, len(out.Results))
	}
	if out.Results[0].Content != "pgvector stores embeddings in postgres" {
		t.Errorf("results[0].content = %q", out.Results[0].Content)
	}
	if out.Results[0].Source != "docs/vector.md" || out.Results[0].SourceType != knowledge.SourceTypeFile {
		t.Errorf("results[0] provenance = %q/%q", out.Results[0].Source, out.Results[0].SourceType)
	}
	if out.Results[1].Similarity != 0.73 {
		t.Errorf("results[1].similarity = %v, want 0.73", out.Results[1].Similarity)
	}

	if len(k.queries) != 1 || k.queries[0] != "vector indexes" {
		t.Errorf("store saw queries %v, want [vector indexes]", k.queries)
	}
	if k.optLens[0] != 1 {
		t.Errorf("store saw %d search options, want 1 for explicit topK", k.optLens[0])
	}
}

func TestSearchKnowledgeDefaultTopK(t *testing.T) {
	k := &fakeKnowledge{}
	session := connectServer(t, testConfig(k, &fakeThreads{}))

	result, err := session.CallTool(t.Context(), &mcp.CallToolParams{
		Name:      "search_knowledge",
		Arguments: map[string]any{"query": "anything"},
	})
	if err != nil {
		t.Fatalf("CallTool(search_knowledge) unexpected error: %v", err)
	}
	if result.IsError {
		t.Fatalf("CallTool(search_knowledge) returned error result: %s", textOf(t, result))
	}

	// No topK in the call means no option: the store applies its own default.
	if len(k.optLens) != 1 || k.optLens[0] != 0 {
		t.Errorf("store saw option counts %v, want [0]", k.optLens)
	}
}

func TestSearchKnowledgeEmptyQuery(t *testing.T) {
	k := &fakeKnowledge{}
	session := connectServer(t, testConfig(k, &fakeThreads{}))

	result, err := session.CallTool(t.Context(), &mcp.CallToolParams{
		Name:      "search_knowledge",
		Arguments: map[string]any{"query": "   "},
	})
	if err != nil {
		t.Fatalf("CallTool(search_knowledge) unexpected error: %v", err)
	}
	if !result.IsError {
		t.Fatal("CallTool(search_knowledge) with blank query: want error result")
	}
	if len(k.queries) != 0 {
		t.Errorf("store was called with queries %v, want none", k.queries)
	}
}

func TestSearchKnowledgeStoreFailure(t *testing.T) {
	k := &fakeKnowledge{err: errors.New("connection refused")}
	session := connectServer(t, testConfig(k, &fakeThreads{}))

	result, err := session.CallTool(t.Context(), &mcp.CallToolParams{
		Name:      "search_knowledge",
		Arguments: map[string]any{"query": "anything"},
	})
	// A store failure is a system error. Depending on SDK version it surfaces
	// as a protocol error or an error result; either way it must not look
	// like a successful call.
	if err == nil && !result.IsError {
		t.Fatal("CallTool(search_knowledge) with failing store: want error")
	}
}

func TestReadThread(t *testing.T) {
	threadID := uuid.New()
	created := time.Date(2026, 3, 1, 10, 0, 0, 0, time.UTC)
	th := &fakeThreads{
		threads: []*thread.Thread{{
			ID:        threadID,
			OwnerID:   uuid.New(),
			Title:     "pgvector tuning",
			CreatedAt: created,
			UpdatedAt: created.Add(time.Minute),
		}},
		messages: map[uuid.UUID][]*thread.Message{
			threadID: {
				{ThreadID: threadID, Seq: 1, Role: thread.RoleUser, Content: "how do I tune ef_search?", Status: thread.StatusComplete, CreatedAt: created},
				{ThreadID: threadID, Seq: 2, Role: thread.RoleAssistant, Content: "Raise it until recall stops improving.", Status: thread.StatusComplete, CreatedAt: created.Add(time.Second)},
			},
		},
	}
	session := connectServer(t, testConfig(&fakeKnowledge{}, th))

	result, err := session.CallTool(t.Context(), &mcp.CallToolParams{
		Name:      "read_thread",
		Arguments: map[string]any{"threadId": threadID.String()},
	})
	if err != nil {
		t.Fatalf("CallTool(read_thread) unexpected error: %v", err)
	}
	if result.IsError {
		t.Fatalf("CallTool(read_thread) returned error result: %s", textOf(t, result))
	}

	var out struct {
		Thread struct {
			ID    string `json:"id"`
			Title string `json:"title"`
		} `json:"thread"`
		Messages []struct {
			Seq     int32  `json:"seq"`
			Role    string `json:"role"`
			Content string `json:"content"`
			Status  string `json:"status"`
		} `json:"messages"`
	}
	if err := json.Unmarshal([]byte(textOf(t, result)), &out); err != nil {
		t.Fatalf("parsing result JSON: %v", err)
	}

	if out.Thread.ID != threadID.String() || out.Thread.Title != "pgvector tuning" {
		t.Errorf("thread = %q %q", out.Thread.ID, out.Thread.Title)
	}
	if len(out.Messages) != 2 {
		t.Fatalf("got %d messages, want 2", len(out.Messages))
	}
	if out.Messages[0].Seq != 1 || out.Messages[0].Role != thread.RoleUser {
		t.Errorf("messages[0] = seq %d role %q", out.Messages[0].Seq, out.Messages[0].Role)
	}
	if out.Messages[1].Content != "Raise it until recall stops improving." {
		t.Errorf("messages[1].content = %q", out.Messages[1].Content)
	}
	if out.Messages[1].Status != thread.StatusComplete {
		t.Errorf("messages[1].status = %q", out.Messages[1].Status)
	}
}

func TestReadThreadLimit(t *testing.T) {
	threadID := uuid.New()
	msgs := make([]*thread.Message, 0, 5)
	for i := range 5 {
		msgs = append(msgs, &thread.Message{
			ThreadID: threadID,
			Seq:      int32(i + 1),
			Role:     thread.RoleUser,
			Content:  "msg",
			Status:   thread.StatusComplete,
		})
	}
	th := &fakeThreads{
		threads:  []*thread.Thread{{ID: threadID, Title: "long one"}},
		messages: map[uuid.UUID][]*thread.Message{threadID: msgs},
	}
	session := connectServer(t, testConfig(&fakeKnowledge{}, th))

	result, err := session.CallTool(t.Context(), &mcp.CallToolParams{
		Name:      "read_thread",
		Arguments: map[string]any{"threadId": threadID.String(), "limit": 2},
	})
	if err != nil {
		t.Fatalf("CallTool(read_thread) unexpected error: %v", err)
	}
	if result.IsError {
		t.Fatalf("CallTool(read_thread) returned error result: %s", textOf(t, result))
	}

	var out struct {
		Messages []json.RawMessage `json:"messages"`
	}
	if err := json.Unmarshal([]byte(textOf(t, result)), &out); err != nil {
		t.Fatalf("parsing result JSON: %v", err)
	}
	if len(out.Messages) != 2 {
		t.Errorf("got %d messages, want 2", len(out.Messages))
	}
}

func TestReadThreadBadID(t *testing.T) {
	session := connectServer(t, testConfig(&fakeKnowledge{}, &fakeThreads{}))

	result, err := session.CallTool(t.Context(), &mcp.CallToolParams{
		Name:      "read_thread",
		Arguments: map[string]any{"threadId": "not-a-uuid"},
	})
	if err != nil {
		t.Fatalf("CallTool(read_thread) unexpected error: %v", err)
	}
	if !result.IsError {
		t.Fatal("CallTool(read_thread) with bad id: want error result")
	}
	if text := textOf(t, result); !strings.Contains(text, "UUID") {
		t.Errorf("error text = %q, want mention of UUID", text)
	}
}

func TestReadThreadNotFound(t *testing.T) {
	session := connectServer(t, testConfig(&fakeKnowledge{}, &fakeThreads{}))

	result, err := session.CallTool(t.Context(), &mcp.CallToolParams{
		Name:      "read_thread",
		Arguments: map[string]any{"threadId": uuid.NewString()},
	})
	if err != nil {
		t.Fatalf("CallTool(read_thread) unexpected error: %v", err)
	}
	if !result.IsError {
		t.Fatal("CallTool(read_thread) for unknown thread: want error result")
	}
	if text := textOf(t, result); !strings.Contains(text, "not found") {
		t.Errorf("error text = %q, want mention of not found", text)
	}
}

func TestListThreads(t *testing.T) {
	now := time.Date(2026, 3, 1, 10, 0, 0, 0, time.UTC)
	th := &fakeThreads{threads: []*thread.Thread{
		{ID: uuid.New(), Title: "newest", CreatedAt: now, UpdatedAt: now.Add(time.Hour)},
		{ID: uuid.New(), Title: "older", CreatedAt: now.Add(-time.Hour), UpdatedAt: now},
	}}
	session := connectServer(t, testConfig(&fakeKnowledge{}, th))

	result, err := session.CallTool(t.Context(), &mcp.CallToolParams{
		Name:      "list_threads",
		Arguments: map[string]any{},
	})
	if err != nil {
		t.Fatalf("CallTool(list_threads) unexpected error: %v", err)
	}
	if result.IsError {
		t.Fatalf("CallTool(list_threads) returned error result: %s", textOf(t, result))
	}

	var out struct {
		Threads []struct {
			ID        string `json:"id"`
			Title     string `json:"title"`
			UpdatedAt string `json:"updatedAt"`
		} `json:"threads"`
		Count int `json:"count"`
	}
	if err := json.Unmarshal([]byte(textOf(t, result)), &out); err != nil {
		t.Fatalf("parsing result JSON: %v", err)
	}

	if out.Count != 2 || len(out.Threads) != 2 {
		t.Fatalf("got count %d with %d threads, want 2", out.Count, len(out.Threads))
	}
	if out.Threads[0].Title != "newest" || out.Threads[1].Title != "older" {
		t.Errorf("thread order = %q, %q", out.Threads[0].Title, out.Threads[1].Title)
	}
	if out.Threads[0].UpdatedAt != now.Add(time.Hour).Format(time.RFC3339) {
		t.Errorf("threads[0].updatedAt = %q", out.Threads[0].UpdatedAt)
	}
}

func TestListThreadsPaging(t *testing.T) {
	th := &fakeThreads{threads: []*thread.Thread{
		{ID: uuid.New(), Title: "a"},
		{ID: uuid.New(), Title: "b"},
		{ID: uuid.New(), Title: "c"},
	}}
	session := connectServer(t, testConfig(&fakeKnowledge{}, th))

	result, err := session.CallTool(t.Context(), &mcp.CallToolParams{
		Name:      "list_threads",
		Arguments: map[string]any{"limit": 1, "offset": 1},
	})
	if err != nil {
		t.Fatalf("CallTool(list_threads) unexpected error: %v", err)
	}

	var out struct {
		Threads []struct {
			Title string `json:"title"`
		} `json:"threads"`
	}
	if err := json.Unmarshal([]byte(textOf(t, result)), &out); err != nil {
		t.Fatalf("parsing result JSON: %v", err)
	}
	if len(out.Threads) != 1 || out.Threads[0].Title != "b" {
		t.Errorf("got threads %v, want just b", out.Threads)
	}
}

func TestCallUnknownTool(t *testing.T) {
	session := connectServer(t, testConfig(&fakeKnowledge{}, &fakeThreads{}))

	_, err := session.CallTool(t.Context(), &mcp.CallToolParams{Name: "drop_tables"})
	if err == nil {
		t.Fatal("CallTool(drop_tables) expected error, got nil")
	}
	if !strings.Contains(err.Error(), "drop_tables") {
		t.Errorf("error = %q, want to contain tool name", err.Error())
	}
}
