// Package mcp exposes the knowledge base and conversation threads to
// Model Context Protocol clients.
//
// The server is read-only. Three tools cover the two stores:
// search_knowledge runs a semantic similarity search, read_thread returns
// one thread's message log, and list_threads enumerates threads across
// all principals. Production runs over stdio (the `strand mcp`
// subcommand); tests connect through in-memory pipes.
package mcp

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/google/jsonschema-go/jsonschema"
	"github.com/google/uuid"
	"github.com/modelcontextprotocol/go-sdk/mcp"

	"github.com/strandhq/strand/internal/knowledge"
	"github.com/strandhq/strand/internal/thread"
)

// knowledgeSearcher is the slice of *knowledge.Store the server needs.
type knowledgeSearcher interface {
	Search(ctx context.Context, query string, opts ...knowledge.SearchOption) ([]knowledge.Result, error)
}

// threadReader is the slice of *thread.Store the server needs. Listing is
// unscoped: MCP clients are local operator tooling and carry no principal.
type threadReader interface {
	Get(ctx context.Context, id uuid.UUID) (*thread.Thread, error)
	ListAll(ctx context.Context, limit, offset int32) ([]*thread.Thread, error)
	Messages(ctx context.Context, threadID uuid.UUID, limit, offset int32) ([]*thread.Message, error)
}

// Config holds MCP server configuration.
type Config struct {
	Name      string
	Version   string
	Knowledge knowledgeSearcher
	Threads   threadReader
	Logger    *slog.Logger
}

// Server wraps the MCP SDK server around the two stores.
type Server struct {
	mcpServer *mcp.Server
	knowledge knowledgeSearcher
	threads   threadReader
	logger    *slog.Logger
}

// NewServer creates an MCP server with all tools registered.
func NewServer(cfg Config) (*Server, error) {
	if cfg.Name == "" {
		return nil, errors.New("server name is required")
	}
	if cfg.Version == "" {
		return nil, errors.New("server version is required")
	}
	if cfg.Knowledge == nil {
		return nil, errors.New("knowledge store is required")
	}
	if cfg.Threads == nil {
		return nil, errors.New("thread store is required")
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}

	s := &Server{
		mcpServer: mcp.NewServer(&mcp.Implementation{
			Name:    cfg.Name,
			Version: cfg.Version,
		}, nil),
		knowledge: cfg.Knowledge,
		threads:   cfg.Threads,
		logger:    logger,
	}

	if err := s.registerTools(); err != nil {
		return nil, fmt.Errorf("registering tools: %w", err)
	}
	return s, nil
}

// Run serves the MCP protocol on the given transport. It blocks until the
// context is cancelled or the transport closes.
func (s *Server) Run(ctx context.Context, transport mcp.Transport) error {
	return s.mcpServer.Run(ctx, transport)
}

func (s *Server) registerTools() error {
	if err := s.registerSearchKnowledge(); err != nil {
		return fmt.Errorf("search_knowledge: %w", err)
	}
	if err := s.registerReadThread(); err != nil {
		return fmt.Errorf("read_thread: %w", err)
	}
	if err := s.registerListThreads(); err != nil {
		return fmt.Errorf("list_threads: %w", err)
	}
	return nil
}

// SearchKnowledgeInput defines the input schema for search_knowledge.
type SearchKnowledgeInput struct {
	Query string `json:"query" jsonschema:"Text to search the knowledge base for"`
	TopK  int    `json:"topK,omitempty" jsonschema:"Maximum number of results, 1 to 50 (default 5)"`
}

func (s *Server) registerSearchKnowledge() error {
	inputSchema, err := jsonschema.For[SearchKnowledgeInput](nil)
	if err != nil {
		return fmt.Errorf("creating input schema: %w", err)
	}

	tool := &mcp.Tool{
		Name:        "search_knowledge",
		Description: "Search the knowledge base by semantic similarity. Returns matching fragments with their source and a similarity score between 0 and 1.",
		InputSchema: inputSchema,
	}

	mcp.AddTool(s.mcpServer, tool, func(ctx context.Context, req *mcp.CallToolRequest, in SearchKnowledgeInput) (*mcp.CallToolResult, any, error) {
		if strings.TrimSpace(in.Query) == "" {
			return errorResult("query must not be empty"), nil, nil
		}

		var opts []knowledge.SearchOption
		if in.TopK > 0 {
			opts = append(opts, knowledge.WithTopK(in.TopK))
		}

		results, err := s.knowledge.Search(ctx, in.Query, opts...)
		if err != nil {
			return nil, nil, fmt.Errorf("searching knowledge: %w", err)
		}

		s.logger.Debug("mcp knowledge search", "query_len", len(in.Query), "results", len(results))

		out := struct {
			Results []searchHit `json:"results"`
			Count   int         `json:"count"`
		}{Results: make([]searchHit, 0, len(results)), Count: len(results)}
		for _, r := range results {
			out.Results = append(out.Results, searchHit{
				Content:    r.Fragment.Content,
				Source:     r.Fragment.Source,
				SourceType: r.Fragment.SourceType,
				Similarity: r.Similarity,
			})
		}
		return jsonResult(out)
	})

	return nil
}

// searchHit is one search result as serialized for the client.
type searchHit struct {
	Content    string  `json:"content"`
	Source     string  `json:"source"`
	SourceType string  `json:"sourceType"`
	Similarity float64 `json:"similarity"`
}

// ReadThreadInput defines the input schema for read_thread.
type ReadThreadInput struct {
	ThreadID string `json:"threadId" jsonschema:"UUID of the thread to read"`
	Limit    int    `json:"limit,omitempty" jsonschema:"Maximum number of messages to return (default 100)"`
}

func (s *Server) registerReadThread() error {
	inputSchema, err := jsonschema.For[ReadThreadInput](nil)
	if err != nil {
		return fmt.Errorf("creating input schema: %w", err)
	}

	tool := &mcp.Tool{
		Name:        "read_thread",
		Description: "Read one conversation thread. Returns the thread metadata and its messages in conversation order, oldest first.",
		InputSchema: inputSchema,
	}

	mcp.AddTool(s.mcpServer, tool, func(ctx context.Context, req *mcp.CallToolRequest, in ReadThreadInput) (*mcp.CallToolResult, any, error) {
		id, err := uuid.Parse(in.ThreadID)
		if err != nil {
			return errorResult("threadId must be a valid UUID"), nil, nil
		}

		th, err := s.threads.Get(ctx, id)
		if errors.Is(err, thread.ErrThreadNotFound) {
			return errorResult("thread not found"), nil, nil
		}
		if err != nil {
			return nil, nil, fmt.Errorf("loading thread: %w", err)
		}

		msgs, err := s.threads.Messages(ctx, id, int32(in.Limit), 0)
		if err != nil {
			return nil, nil, fmt.Errorf("loading messages: %w", err)
		}

		out := struct {
			Thread   threadSummary `json:"thread"`
			Messages []messageView `json:"messages"`
		}{Thread: summarize(th), Messages: make([]messageView, 0, len(msgs))}
		for _, m := range msgs {
			out.Messages = append(out.Messages, messageView{
				Seq:       m.Seq,
				Role:      m.Role,
				Content:   m.Content,
				Status:    m.Status,
				CreatedAt: m.CreatedAt.UTC().Format(time.RFC3339),
			})
		}
		return jsonResult(out)
	})

	return nil
}

// messageView is one message as serialized for the client.
type messageView struct {
	Seq       int32  `json:"seq"`
	Role      string `json:"role"`
	Content   string `json:"content"`
	Status    string `json:"status"`
	CreatedAt string `json:"createdAt"`
}

// ListThreadsInput defines the input schema for list_threads.
type ListThreadsInput struct {
	Limit  int `json:"limit,omitempty" jsonschema:"Maximum number of threads to return (default 50)"`
	Offset int `json:"offset,omitempty" jsonschema:"Number of threads to skip"`
}

func (s *Server) registerListThreads() error {
	inputSchema, err := jsonschema.For[ListThreadsInput](nil)
	if err != nil {
		return fmt.Errorf("creating input schema: %w", err)
	}

	tool := &mcp.Tool{
		Name:        "list_threads",
		Description: "List conversation threads across all users, most recently active first.",
		InputSchema: inputSchema,
	}

	mcp.AddTool(s.mcpServer, tool, func(ctx context.Context, req *mcp.CallToolRequest, in ListThreadsInput) (*mcp.CallToolResult, any, error) {
		threads, err := s.threads.ListAll(ctx, int32(in.Limit), int32(in.Offset))
		if err != nil {
			return nil, nil, fmt.Errorf("listing threads: %w", err)
		}

		out := struct {
			Threads []threadSummary `json:"threads"`
			Count   int             `json:"count"`
		}{Threads: make([]threadSummary, 0, len(threads)), Count: len(threads)}
		for _, th := range threads {
			out.Threads = append(out.Threads, summarize(th))
		}
		return jsonResult(out)
	})

	return nil
}

// threadSummary is thread metadata as serialized for the client.
type threadSummary struct {
	ID        string `json:"id"`
	Title     string `json:"title"`
	CreatedAt string `json:"createdAt"`
	UpdatedAt string `json:"updatedAt"`
}

func summarize(th *thread.Thread) threadSummary {
	return threadSummary{
		ID:        th.ID.String(),
		Title:     th.Title,
		CreatedAt: th.CreatedAt.UTC().Format(time.RFC3339),
		UpdatedAt: th.UpdatedAt.UTC().Format(time.RFC3339),
	}
}

// jsonResult marshals payload into a single JSON text content block.
func jsonResult(payload any) (*mcp.CallToolResult, any, error) {
	data, err := json.Marshal(payload)
	if err != nil {
		return nil, nil, fmt.Errorf("encoding result: %w", err)
	}
	return &mcp.CallToolResult{
		Content: []mcp.Content{&mcp.TextContent{Text: string(data)}},
	}, nil, nil
}

// errorResult reports a tool-level failure the model can read and react to,
// as opposed to a protocol error.
func errorResult(text string) *mcp.CallToolResult {
	return &mcp.CallToolResult{
		Content: []mcp.Content{&mcp.TextContent{Text: text}},
		IsError: true,
	}
}
