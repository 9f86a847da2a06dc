// Package chat runs generation attempts: it validates a request against
// the thread it targets, claims the thread, retrieves context, assembles
// the prompt, streams the model's output and persists both sides of the
// exchange in order.
//
// An attempt moves through pending, validating, retrieving, assembling
// and generating before reaching one of the terminal states completed,
// failed or cancelled. Failures before the stream opens surface as
// faults with an HTTP mapping; everything after travels in-band as error
// units. Whatever the outcome, the thread's claim is released and the
// unit sequence terminates.
package chat

import (
	"context"
	"errors"
	"fmt"
	"iter"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/strandhq/strand/internal/prompt"
	"github.com/strandhq/strand/internal/rag"
	"github.com/strandhq/strand/internal/stream"
	"github.com/strandhq/strand/internal/thread"
)

// State names the phases of a generation attempt.
type State string

const (
	StatePending    State = "pending"
	StateValidating State = "validating"
	StateRetrieving State = "retrieving"
	StateAssembling State = "assembling"
	StateGenerating State = "generating"
	StateCompleted  State = "completed"
	StateFailed     State = "failed"
	StateCancelled  State = "cancelled"
)

const (
	// maxRequestIDLength bounds caller-supplied request ids.
	maxRequestIDLength = 128

	// persistTimeout bounds the detached writes that must survive a
	// client disconnect.
	persistTimeout = 10 * time.Second

	// titleTimeout bounds the post-attempt title call.
	titleTimeout = 10 * time.Second
)

// Request describes one generation attempt.
type Request struct {
	ThreadID  uuid.UUID
	OwnerID   uuid.UUID
	Content   string
	RequestID string // optional; assigned when empty
}

// threadStore is the slice of the thread store the orchestrator reads.
type threadStore interface {
	Get(ctx context.Context, id uuid.UUID) (*thread.Thread, error)
	Recent(ctx context.Context, threadID uuid.UUID, limit int32) ([]*thread.Message, error)
	ByRequestID(ctx context.Context, threadID uuid.UUID, requestID, role string) (*thread.Message, error)
	SetTitle(ctx context.Context, id uuid.UUID, title string) error
}

// retriever fetches context fragments for a query.
type retriever interface {
	Retrieve(ctx context.Context, query string) ([]rag.Fragment, error)
}

// generator runs model calls.
type generator interface {
	Generate(ctx context.Context, p *prompt.Prompt) iter.Seq[stream.Unit]
	Complete(ctx context.Context, system, userPrompt string) (string, error)
}

// persister writes attempt messages.
type persister interface {
	PersistUser(ctx context.Context, threadID uuid.UUID, content, requestID string) (*thread.Message, error)
	PersistAssistant(ctx context.Context, threadID uuid.UUID, content, requestID, status string) (*thread.Message, error)
}

// OrchestratorConfig tunes an Orchestrator.
type OrchestratorConfig struct {
	// MaxHistory caps how many prior messages are considered for the
	// prompt.
	MaxHistory int32
	Logger     *slog.Logger
}

// Orchestrator drives generation attempts end to end.
type Orchestrator struct {
	threads    threadStore
	retriever  retriever
	assembler  *prompt.Assembler
	generator  generator
	persister  persister
	claims     *Claims
	maxHistory int32
	tracer     trace.Tracer
	logger     *slog.Logger

	titleWG sync.WaitGroup
}

// NewOrchestrator wires an orchestrator. All collaborators are required
// except the config fields, which fall back to defaults.
func NewOrchestrator(threads threadStore, r retriever, a *prompt.Assembler, g generator, p persister, cfg OrchestratorConfig) (*Orchestrator, error) {
	if threads == nil {
		return nil, errors.New("chat: thread store is required")
	}
	if r == nil {
		return nil, errors.New("chat: retriever is required")
	}
	if a == nil {
		return nil, errors.New("chat: assembler is required")
	}
	if g == nil {
		return nil, errors.New("chat: generator is required")
	}
	if p == nil {
		return nil, errors.New("chat: persister is required")
	}
	if cfg.MaxHistory <= 0 {
		cfg.MaxHistory = 100
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Orchestrator{
		threads:    threads,
		retriever:  r,
		assembler:  a,
		generator:  g,
		persister:  p,
		claims:     NewClaims(),
		maxHistory: cfg.MaxHistory,
		tracer:     otel.Tracer("github.com/strandhq/strand/internal/chat"),
		logger:     logger,
	}, nil
}

// Close waits for background work spawned by finished attempts.
func (o *Orchestrator) Close() {
	o.titleWG.Wait()
}

// Run executes one generation attempt. A non-nil error is a pre-stream
// fault carrying an HTTP status; callers must not have written anything
// yet. A nil error returns the attempt's unit sequence, which always
// terminates, releases the thread's claim on every outcome, and carries
// any later fault in-band.
func (o *Orchestrator) Run(ctx context.Context, req Request) (iter.Seq[stream.Unit], error) {
	log := o.logger.With("thread_id", req.ThreadID, "request_id", req.RequestID)
	log.DebugContext(ctx, "attempt state", "state", string(StatePending))

	th, fault := o.validate(ctx, &req)
	if fault != nil {
		return nil, fault
	}
	log = o.logger.With("thread_id", req.ThreadID, "request_id", req.RequestID)

	// A finished attempt replays without touching the claim, so replays
	// work even while a different request generates on the thread.
	if msg, err := o.threads.ByRequestID(ctx, req.ThreadID, req.RequestID, thread.RoleAssistant); err == nil {
		log.InfoContext(ctx, "replaying stored attempt", "status", msg.Status)
		return o.replaySeq(req, msg), nil
	} else if !errors.Is(err, thread.ErrMessageNotFound) {
		return nil, stream.NewFault(stream.FaultInternal, "", err.Error())
	}

	if !o.claims.Acquire(req.ThreadID) {
		return nil, stream.Faultf(stream.FaultConflict, "thread %s already has an attempt in flight", req.ThreadID)
	}

	// Re-check under the claim: the attempt could have finished between
	// the lookup above and the acquire.
	if msg, err := o.threads.ByRequestID(ctx, req.ThreadID, req.RequestID, thread.RoleAssistant); err == nil {
		o.claims.Release(req.ThreadID)
		log.InfoContext(ctx, "replaying stored attempt", "status", msg.Status)
		return o.replaySeq(req, msg), nil
	} else if !errors.Is(err, thread.ErrMessageNotFound) {
		o.claims.Release(req.ThreadID)
		return nil, stream.NewFault(stream.FaultInternal, "", err.Error())
	}

	units := make(chan stream.Unit, 1)
	go o.run(ctx, req, th, units)
	return chanSeq(units), nil
}

// validate checks the request and resolves the thread. An unknown thread
// and a thread owned by someone else are indistinguishable to the
// caller.
func (o *Orchestrator) validate(ctx context.Context, req *Request) (*thread.Thread, *stream.Fault) {
	o.logger.DebugContext(ctx, "attempt state", "state", string(StateValidating), "thread_id", req.ThreadID)

	if req.OwnerID == uuid.Nil {
		return nil, stream.NewFault(stream.FaultAuth, "", "request has no principal")
	}
	if req.ThreadID == uuid.Nil {
		return nil, stream.NewFault(stream.FaultValidation, "threadId is required", "missing thread id")
	}
	if strings.TrimSpace(req.Content) == "" {
		return nil, stream.NewFault(stream.FaultValidation, "content is required", "blank content")
	}
	if len(req.RequestID) > maxRequestIDLength {
		return nil, stream.NewFault(stream.FaultValidation, "requestId is too long",
			fmt.Sprintf("request id exceeds %d characters", maxRequestIDLength))
	}
	if req.RequestID == "" {
		req.RequestID = uuid.NewString()
	}

	th, err := o.threads.Get(ctx, req.ThreadID)
	if errors.Is(err, thread.ErrThreadNotFound) {
		return nil, stream.Faultf(stream.FaultNotFound, "thread %s not found", req.ThreadID)
	}
	if err != nil {
		return nil, stream.NewFault(stream.FaultInternal, "", err.Error())
	}
	if th.OwnerID != req.OwnerID {
		return nil, stream.Faultf(stream.FaultNotFound, "thread %s not owned by principal", req.ThreadID)
	}
	return th, nil
}

// replaySeq yields a stored assistant message as one token followed by a
// done unit marked replayed.
func (o *Orchestrator) replaySeq(req Request, msg *thread.Message) iter.Seq[stream.Unit] {
	return func(yield func(stream.Unit) bool) {
		if !yield(stream.Token(msg.Content)) {
			return
		}
		yield(stream.Done(stream.DoneInfo{
			ThreadID:  req.ThreadID,
			RequestID: req.RequestID,
			Status:    msg.Status,
			Replayed:  true,
		}))
	}
}

// run is the attempt's producer. It owns the claim from here on and
// releases it on every path out.
func (o *Orchestrator) run(ctx context.Context, req Request, th *thread.Thread, units chan<- stream.Unit) {
	defer close(units)
	defer o.claims.Release(req.ThreadID)

	log := o.logger.With("thread_id", req.ThreadID, "request_id", req.RequestID)
	ctx, span := o.tracer.Start(ctx, "chat.attempt", trace.WithAttributes(
		attribute.String("thread.id", req.ThreadID.String()),
		attribute.String("request.id", req.RequestID),
	))
	defer span.End()

	// Retrieval failure is recoverable: the attempt proceeds without
	// context rather than dying.
	log.DebugContext(ctx, "attempt state", "state", string(StateRetrieving))
	rctx, rspan := o.tracer.Start(ctx, "chat.retrieve")
	fragments, err := o.retriever.Retrieve(rctx, req.Content)
	rspan.End()
	if err != nil {
		log.WarnContext(ctx, "context retrieval failed, continuing without context", "error", err)
		fragments = nil
	}

	history, err := o.threads.Recent(ctx, req.ThreadID, o.maxHistory)
	if err != nil {
		log.WarnContext(ctx, "history load failed, continuing without history", "error", err)
		history = nil
	}

	log.DebugContext(ctx, "attempt state", "state", string(StateAssembling))
	_, aspan := o.tracer.Start(ctx, "chat.assemble")
	p, err := o.assembler.Assemble(toContextFragments(fragments), toTurns(history), req.Content)
	aspan.End()
	if err != nil {
		o.finish(ctx, log, units, StateFailed, stream.AsFault(err))
		return
	}
	if p.DroppedTurns > 0 || p.DroppedFragments > 0 {
		log.DebugContext(ctx, "prompt trimmed to budget",
			"tokens", p.Tokens, "dropped_turns", p.DroppedTurns, "dropped_fragments", p.DroppedFragments)
	}

	// The user's side of the exchange is durable before the first model
	// token can exist.
	if _, err := o.persister.PersistUser(ctx, req.ThreadID, req.Content, req.RequestID); err != nil {
		o.finish(ctx, log, units, StateFailed, stream.NewFault(stream.FaultPersistence, "", err.Error()))
		return
	}

	log.DebugContext(ctx, "attempt state", "state", string(StateGenerating))
	gctx, gspan := o.tracer.Start(ctx, "chat.generate")
	var acc strings.Builder
	tokens := 0
	var fault *stream.Fault
	for u := range o.generator.Generate(gctx, p) {
		if u.Kind == stream.UnitError {
			fault = u.Fault
			break
		}
		acc.WriteString(u.Token)
		tokens++
		if !sendUnit(ctx, units, u) {
			fault = stream.NewFault(stream.FaultCancelled, "", "client went away mid-stream")
			break
		}
	}
	gspan.End()

	content := acc.String()
	if fault == nil && ctx.Err() != nil {
		fault = stream.NewFault(stream.FaultCancelled, "", ctx.Err().Error())
	}
	if fault == nil && content == "" {
		fault = stream.NewFault(stream.FaultGeneration, "", "model returned an empty response")
	}

	if fault != nil {
		// Partial output the client has seen is never dropped; nothing
		// is written for an attempt that died before its first token.
		if content != "" {
			status := thread.StatusPartialFailed
			if fault.Kind == stream.FaultCancelled {
				status = thread.StatusPartialCancelled
			}
			pctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), persistTimeout)
			if _, perr := o.persister.PersistAssistant(pctx, req.ThreadID, content, req.RequestID, status); perr != nil {
				log.ErrorContext(ctx, "persisting partial response failed",
					"error", perr, "status", status, "tokens", tokens)
			}
			cancel()
		}
		terminal := StateFailed
		if fault.Kind == stream.FaultCancelled {
			terminal = StateCancelled
		}
		o.finish(ctx, log, units, terminal, fault)
		return
	}

	// The full response is durable even when the client vanished right
	// at the end.
	pctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), persistTimeout)
	_, err = o.persister.PersistAssistant(pctx, req.ThreadID, content, req.RequestID, thread.StatusComplete)
	cancel()
	if err != nil {
		o.finish(ctx, log, units, StateFailed, stream.NewFault(stream.FaultPersistence, "", err.Error()))
		return
	}

	sendUnit(ctx, units, stream.Done(stream.DoneInfo{
		ThreadID:  req.ThreadID,
		RequestID: req.RequestID,
		Status:    thread.StatusComplete,
	}))
	log.InfoContext(ctx, "attempt completed", "state", string(StateCompleted), "tokens", tokens)

	// The deferred release frees the claim as run returns; the title
	// side trip never holds it.
	if th.Title == "" {
		o.titleWG.Add(1)
		go func() {
			defer o.titleWG.Done()
			o.generateTitle(context.WithoutCancel(ctx), req, content)
		}()
	}
}

// finish logs the terminal state and pushes the fault in-band, best
// effort.
func (o *Orchestrator) finish(ctx context.Context, log *slog.Logger, units chan<- stream.Unit, terminal State, fault *stream.Fault) {
	log.WarnContext(ctx, "attempt ended with fault",
		"state", string(terminal), "kind", string(fault.Kind), "details", fault.Details)
	sendUnit(ctx, units, stream.ErrorUnit(fault))
}

const titleSystem = "You write very short conversation titles."

// generateTitle names a fresh thread from its first exchange. Best
// effort: failures are logged and the thread stays untitled.
func (o *Orchestrator) generateTitle(ctx context.Context, req Request, answer string) {
	ctx, cancel := context.WithTimeout(ctx, titleTimeout)
	defer cancel()

	ask := fmt.Sprintf(
		"Write a title of at most eight words for this conversation. Reply with the title only, no quotes.\n\nUser: %s\n\nAssistant: %s",
		clip(req.Content, 500), clip(answer, 500))
	raw, err := o.generator.Complete(ctx, titleSystem, ask)
	if err != nil {
		o.logger.DebugContext(ctx, "title generation failed", "thread_id", req.ThreadID, "error", err)
		return
	}
	title := normalizeTitle(raw)
	if title == "" {
		return
	}
	if err := o.threads.SetTitle(ctx, req.ThreadID, title); err != nil {
		o.logger.DebugContext(ctx, "title update failed", "thread_id", req.ThreadID, "error", err)
	}
}

// normalizeTitle flattens whitespace, strips wrapping quotes and caps
// the result at eight words.
func normalizeTitle(raw string) string {
	words := strings.Fields(strings.Trim(strings.TrimSpace(raw), `"'`))
	if len(words) > 8 {
		words = words[:8]
	}
	return strings.Join(words, " ")
}

func clip(s string, n int) string {
	runes := []rune(s)
	if len(runes) <= n {
		return s
	}
	return string(runes[:n])
}

func sendUnit(ctx context.Context, units chan<- stream.Unit, u stream.Unit) bool {
	select {
	case units <- u:
		return true
	case <-ctx.Done():
		return false
	}
}

// chanSeq adapts the producer channel to a unit sequence that always
// drains, so the producer can finish even when the consumer stops early.
func chanSeq(units <-chan stream.Unit) iter.Seq[stream.Unit] {
	return func(yield func(stream.Unit) bool) {
		stopped := false
		for u := range units {
			if stopped {
				continue
			}
			if !yield(u) {
				stopped = true
			}
		}
	}
}

func toContextFragments(fragments []rag.Fragment) []prompt.ContextFragment {
	out := make([]prompt.ContextFragment, len(fragments))
	for i, f := range fragments {
		out[i] = prompt.ContextFragment{
			Content:    f.Content,
			Source:     f.Source,
			Similarity: f.Similarity,
		}
	}
	return out
}

func toTurns(history []*thread.Message) []prompt.Turn {
	out := make([]prompt.Turn, 0, len(history))
	for _, m := range history {
		out = append(out, prompt.Turn{Role: m.Role, Content: m.Content})
	}
	return out
}
