package chat

import (
	"context"
	"errors"
	"fmt"
	"iter"
	"log/slog"
	"time"

	"github.com/firebase/genkit/go/ai"
	"github.com/firebase/genkit/go/genkit"
	"google.golang.org/genai"

	"github.com/strandhq/strand/internal/prompt"
	"github.com/strandhq/strand/internal/stream"
)

// DefaultGenerationTimeout bounds one model call.
const DefaultGenerationTimeout = 2 * time.Minute

// ExecutorConfig tunes the generation executor.
type ExecutorConfig struct {
	ModelName       string // fully qualified, e.g. "googleai/gemini-2.5-flash"
	Temperature     float32
	MaxOutputTokens int
	Timeout         time.Duration
	Logger          *slog.Logger
}

// Executor runs model calls. Generate exposes a streaming call as a lazy
// unit sequence; Complete runs a small one-shot call.
type Executor struct {
	g       *genkit.Genkit
	model   string
	temp    float32
	maxOut  int32
	timeout time.Duration
	logger  *slog.Logger
}

// NewExecutor wires an executor to an initialized genkit instance.
func NewExecutor(g *genkit.Genkit, cfg ExecutorConfig) (*Executor, error) {
	if g == nil {
		return nil, errors.New("chat: genkit instance is required")
	}
	if cfg.ModelName == "" {
		return nil, errors.New("chat: model name is required")
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = DefaultGenerationTimeout
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Executor{
		g:       g,
		model:   cfg.ModelName,
		temp:    cfg.Temperature,
		maxOut:  int32(cfg.MaxOutputTokens),
		timeout: cfg.Timeout,
		logger:  logger,
	}, nil
}

// Generate streams the model's output for p. The sequence yields zero or
// more token units and, on failure, one terminal error unit; a sequence
// ending without an error unit completed normally. At most one unit is
// buffered between the model call and the consumer. The producer winds
// down promptly when the consumer stops early or ctx is cancelled, and
// never outlives the sequence.
func (e *Executor) Generate(ctx context.Context, p *prompt.Prompt) iter.Seq[stream.Unit] {
	return func(yield func(stream.Unit) bool) {
		ctx, cancel := context.WithTimeout(ctx, e.timeout)
		defer cancel()

		units := make(chan stream.Unit, 1)
		go e.produce(ctx, p, units)

		// Drain to the close even after the consumer stops, so the
		// producer's final send cannot block.
		stopped := false
		for u := range units {
			if stopped {
				continue
			}
			if !yield(u) {
				stopped = true
				cancel()
			}
		}
	}
}

func (e *Executor) produce(ctx context.Context, p *prompt.Prompt, units chan<- stream.Unit) {
	defer close(units)

	sent := 0
	resp, err := genkit.Generate(ctx, e.g,
		ai.WithModelName(e.model),
		ai.WithSystem(p.System),
		ai.WithMessages(p.Messages...),
		ai.WithConfig(e.modelConfig()),
		ai.WithStreaming(func(_ context.Context, chunk *ai.ModelResponseChunk) error {
			text := chunk.Text()
			if text == "" {
				return nil
			}
			select {
			case units <- stream.Token(text):
				sent++
				return nil
			case <-ctx.Done():
				return ctx.Err()
			}
		}),
	)
	if err != nil {
		fault := e.classify(ctx, err)
		e.logger.DebugContext(ctx, "model call ended with fault",
			"kind", string(fault.Kind), "error", err, "tokens_sent", sent)
		units <- stream.ErrorUnit(fault)
		return
	}

	// Backends without chunked output deliver everything in the final
	// response.
	if sent == 0 {
		if text := resp.Text(); text != "" {
			units <- stream.Token(text)
		}
	}
}

func (e *Executor) classify(ctx context.Context, err error) *stream.Fault {
	switch {
	case errors.Is(err, context.Canceled), errors.Is(ctx.Err(), context.Canceled):
		return stream.NewFault(stream.FaultCancelled, "", "generation cancelled by caller")
	case errors.Is(err, context.DeadlineExceeded), errors.Is(ctx.Err(), context.DeadlineExceeded):
		return stream.Faultf(stream.FaultGeneration, "model call timed out after %s", e.timeout)
	default:
		return stream.NewFault(stream.FaultGeneration, "", err.Error())
	}
}

// Complete runs a one-shot, non-streaming call and returns the response
// text.
func (e *Executor) Complete(ctx context.Context, system, userPrompt string) (string, error) {
	ctx, cancel := context.WithTimeout(ctx, e.timeout)
	defer cancel()

	resp, err := genkit.Generate(ctx, e.g,
		ai.WithModelName(e.model),
		ai.WithSystem(system),
		ai.WithPrompt(userPrompt),
		ai.WithConfig(e.modelConfig()),
	)
	if err != nil {
		return "", fmt.Errorf("completing prompt: %w", err)
	}
	return resp.Text(), nil
}

func (e *Executor) modelConfig() *genai.GenerateContentConfig {
	temp := e.temp
	return &genai.GenerateContentConfig{
		Temperature:     &temp,
		MaxOutputTokens: e.maxOut,
	}
}
