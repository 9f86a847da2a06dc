// Package app assembles the service from its parts.
//
// Setup builds every component in dependency order: tracing, the
// database pool (with migrations), the Genkit runtime for the
// configured provider, the stores, the retrieval pipeline, the chat
// orchestrator and the HTTP server. The returned App owns all of it;
// Close releases in reverse order.
package app

import (
	"log/slog"

	"github.com/firebase/genkit/go/ai"
	"github.com/firebase/genkit/go/genkit"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/strandhq/strand/internal/api"
	"github.com/strandhq/strand/internal/chat"
	"github.com/strandhq/strand/internal/config"
	"github.com/strandhq/strand/internal/knowledge"
	"github.com/strandhq/strand/internal/rag"
	"github.com/strandhq/strand/internal/thread"
)

// App is the assembled application container.
type App struct {
	Config *config.Config

	Genkit   *genkit.Genkit
	Embedder ai.Embedder
	Pool     *pgxpool.Pool

	Knowledge *knowledge.Store
	Threads   *thread.Store
	Retriever *rag.Retriever
	Executor  *chat.Executor

	Orchestrator *chat.Orchestrator
	Server       *api.Server

	logger      *slog.Logger
	otelCleanup func()
}

// Close shuts components down in reverse construction order. The
// orchestrator goes first so in-flight title generation can still reach
// the pool; tracing goes last so the shutdown itself is traced.
func (a *App) Close() error {
	if a.logger != nil {
		a.logger.Info("shutting down")
	}

	if a.Orchestrator != nil {
		a.Orchestrator.Close()
	}
	if a.Pool != nil {
		a.Pool.Close()
	}
	if a.otelCleanup != nil {
		a.otelCleanup()
	}
	return nil
}
