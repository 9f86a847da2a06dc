package stream

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"iter"
	"net/http"
)

// Sentinel is the literal payload of the final frame of every stream.
const Sentinel = "[DONE]"

type envelope struct {
	Type UnitKind `json:"type"`
	Data any      `json:"data"`
}

type tokenData struct {
	Content string `json:"content"`
}

type errorData struct {
	Error   string `json:"error"`
	Details string `json:"details,omitempty"`
}

type doneData struct {
	ThreadID  string `json:"threadId"`
	RequestID string `json:"requestId"`
	Status    string `json:"status"`
	Replayed  bool   `json:"replayed,omitempty"`
}

// Headers prepares a response for server-sent events. Must be called
// before the first write.
func Headers(w http.ResponseWriter) {
	h := w.Header()
	h.Set("Content-Type", "text/event-stream")
	h.Set("Cache-Control", "no-cache")
	h.Set("Connection", "keep-alive")
	h.Set("X-Accel-Buffering", "no")
}

// Encoder writes units as wire frames, one frame per unit, flushing after
// each so tokens reach the client as they are produced.
type Encoder struct {
	w     io.Writer
	flush func()
}

// NewEncoder wraps a response writer. Writers that cannot flush still
// work; frames are then delivered at the transport's discretion.
func NewEncoder(w http.ResponseWriter) *Encoder {
	e := &Encoder{w: w}
	if f, ok := w.(http.Flusher); ok {
		e.flush = f.Flush
	}
	return e
}

// WriteUnit emits one frame for u and flushes it.
func (e *Encoder) WriteUnit(u Unit) error {
	env := envelope{Type: u.Kind}
	switch u.Kind {
	case UnitToken:
		env.Data = tokenData{Content: u.Token}
	case UnitError:
		f := u.Fault
		if f == nil {
			f = NewFault(FaultInternal, "", "error unit without fault")
		}
		env.Data = errorData{Error: f.Message, Details: f.Details}
	case UnitDone:
		if u.Done == nil {
			return fmt.Errorf("done unit without payload")
		}
		env.Data = doneData{
			ThreadID:  u.Done.ThreadID.String(),
			RequestID: u.Done.RequestID,
			Status:    u.Done.Status,
			Replayed:  u.Done.Replayed,
		}
	default:
		return fmt.Errorf("unknown unit kind %q", u.Kind)
	}

	b, err := json.Marshal(env)
	if err != nil {
		return fmt.Errorf("encoding frame: %w", err)
	}
	if _, err := fmt.Fprintf(e.w, "data: %s\n\n", b); err != nil {
		return fmt.Errorf("writing frame: %w", err)
	}
	e.Flush()
	return nil
}

// WriteSentinel emits the closing frame.
func (e *Encoder) WriteSentinel() error {
	if _, err := fmt.Fprintf(e.w, "data: %s\n\n", Sentinel); err != nil {
		return fmt.Errorf("writing sentinel: %w", err)
	}
	e.Flush()
	return nil
}

// Flush pushes buffered bytes to the client when the transport supports
// it.
func (e *Encoder) Flush() {
	if e.flush != nil {
		e.flush()
	}
}

// EncodeAll writes every unit in sequence and closes with the sentinel.
// After a write failure or context cancellation it stops writing but
// keeps draining units so the producer is never left blocked, then still
// attempts the sentinel. The first error encountered is returned.
func (e *Encoder) EncodeAll(ctx context.Context, units iter.Seq[Unit]) error {
	var firstErr error
	for u := range units {
		if firstErr != nil {
			continue
		}
		if err := ctx.Err(); err != nil {
			firstErr = err
			continue
		}
		if err := e.WriteUnit(u); err != nil {
			firstErr = err
		}
	}
	if err := e.WriteSentinel(); err != nil && firstErr == nil {
		firstErr = err
	}
	return firstErr
}
