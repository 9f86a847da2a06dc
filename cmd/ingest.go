package cmd

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/strandhq/strand/internal/app"
	"github.com/strandhq/strand/internal/config"
	"github.com/strandhq/strand/internal/ingest"
)

type ingestOptions struct {
	URL     string
	Replace bool
	Paths   []string
}

// parseIngestArgs understands `ingest [--replace] <path>...` and
// `ingest [--replace] --url <url>`.
func parseIngestArgs(args []string) (ingestOptions, error) {
	ingestFlags := flag.NewFlagSet("ingest", flag.ContinueOnError)
	ingestFlags.SetOutput(os.Stderr)
	pageURL := ingestFlags.String("url", "", "Ingest one web page instead of files")
	replace := ingestFlags.Bool("replace", false, "Drop previously stored fragments for each source first")

	if err := ingestFlags.Parse(args); err != nil {
		return ingestOptions{}, fmt.Errorf("parsing ingest flags: %w", err)
	}

	opts := ingestOptions{URL: *pageURL, Replace: *replace, Paths: ingestFlags.Args()}
	if opts.URL == "" && len(opts.Paths) == 0 {
		return ingestOptions{}, errors.New("ingest needs at least one path or --url")
	}
	if opts.URL != "" && len(opts.Paths) > 0 {
		return ingestOptions{}, errors.New("ingest takes either paths or --url, not both")
	}
	return opts, nil
}

// runIngest loads the named documents into the knowledge base.
func runIngest(args []string) error {
	opts, err := parseIngestArgs(args)
	if err != nil {
		return err
	}

	cfg, err := config.Load()
	if err != nil {
		return fmt.Errorf("loading config: %w", err)
	}

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	logger := slog.Default()
	a, err := app.Setup(ctx, cfg, logger)
	if err != nil {
		return fmt.Errorf("initializing application: %w", err)
	}
	defer closeApp(a, logger)

	ing, err := ingest.New(a.Knowledge, ingest.Config{
		Replace: opts.Replace,
		Logger:  logger,
	})
	if err != nil {
		return fmt.Errorf("creating ingester: %w", err)
	}

	var report ingest.Report
	if opts.URL != "" {
		report, err = ing.IngestURL(ctx, opts.URL)
	} else {
		report, err = ing.IngestPaths(ctx, opts.Paths)
	}

	fmt.Printf("ingested %d source(s), %d chunk(s)", report.Sources, report.Chunks)
	if report.Skipped > 0 {
		fmt.Printf(", skipped %d unsupported file(s)", report.Skipped)
	}
	fmt.Println()

	if err != nil {
		return fmt.Errorf("ingest finished with errors: %w", err)
	}
	return nil
}
