// Package cmd implements the strand command line interface.
//
// Commands:
//   - serve: HTTP API server with SSE streaming
//   - ingest: load files or a web page into the knowledge base
//   - mcp: Model Context Protocol server on stdio
//
// Long-running commands install a signal context so SIGINT and SIGTERM
// trigger graceful shutdown.
package cmd

import (
	"fmt"
	"log/slog"
	"os"

	"github.com/strandhq/strand/internal/app"
	"github.com/strandhq/strand/internal/log"
)

// Execute dispatches os.Args to a subcommand.
func Execute() error {
	level := slog.LevelInfo
	if os.Getenv("DEBUG") != "" {
		level = slog.LevelDebug
	}
	// Logs go to stderr. The mcp command owns stdout for the protocol.
	slog.SetDefault(log.New(log.Config{Level: level}))

	if len(os.Args) < 2 {
		runHelp()
		return nil
	}

	args := os.Args[2:]
	switch os.Args[1] {
	case "serve":
		return runServe(args)
	case "ingest":
		return runIngest(args)
	case "mcp":
		return runMCP()
	case "version", "--version", "-v":
		runVersion()
		return nil
	case "help", "--help", "-h":
		runHelp()
		return nil
	default:
		return fmt.Errorf("unknown command: %s", os.Args[1])
	}
}

func closeApp(a *app.App, logger *slog.Logger) {
	if err := a.Close(); err != nil {
		logger.Warn("shutdown error", "error", err)
	}
}

// runHelp displays the help message.
func runHelp() {
	fmt.Println("strand - retrieval augmented chat service")
	fmt.Println()
	fmt.Println("Usage:")
	fmt.Println("  strand serve [addr]                    Start the HTTP API server (default 127.0.0.1:3400)")
	fmt.Println("  strand ingest [--replace] <path>...    Ingest files or directories into the knowledge base")
	fmt.Println("  strand ingest [--replace] --url <url>  Ingest one web page")
	fmt.Println("  strand mcp                             Start the MCP server on stdio")
	fmt.Println("  strand version                         Show version information")
	fmt.Println("  strand help                            Show this help")
	fmt.Println()
	fmt.Println("Environment:")
	fmt.Println("  STRAND_PROVIDER      Model provider: googleai, ollama, openai (default googleai)")
	fmt.Println("  GEMINI_API_KEY       Required for the googleai provider")
	fmt.Println("  DATABASE_URL         Postgres connection string (wins over postgres_* settings)")
	fmt.Println("  STRAND_HMAC_SECRET   Required by serve: signs session cookies and CSRF tokens")
	fmt.Println("  DEBUG                Enable debug logging")
	fmt.Println()
	fmt.Println("Configuration is also read from ~/.strand/config.yaml or ./config.yaml.")
}
