package stream_test

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"iter"
	"net/http"
	"net/http/httptest"
	"slices"
	"testing"

	"github.com/google/uuid"

	"github.com/strandhq/strand/internal/stream"
	"github.com/strandhq/strand/internal/testutil"
)

func unitSeq(units ...stream.Unit) iter.Seq[stream.Unit] {
	return slices.Values(units)
}

func TestEncodeGoldenFlow(t *testing.T) {
	rec := httptest.NewRecorder()
	enc := stream.NewEncoder(rec)
	threadID := uuid.New()

	err := enc.EncodeAll(context.Background(), unitSeq(
		stream.Token("Hello"),
		stream.Token(" world"),
		stream.Done(stream.DoneInfo{
			ThreadID:  threadID,
			RequestID: "req-1",
			Status:    "complete",
		}),
	))
	if err != nil {
		t.Fatalf("EncodeAll() failed: %v", err)
	}

	frames := testutil.ParseStream(t, rec.Body.String())
	if len(frames) != 4 {
		t.Fatalf("got %d frames, want 4 (2 tokens, done, sentinel)", len(frames))
	}
	if got := testutil.JoinTokens(t, frames); got != "Hello world" {
		t.Errorf("tokens = %q, want %q", got, "Hello world")
	}

	done := testutil.FindFrame(frames, "done")
	if done == nil {
		t.Fatal("no done frame")
	}
	var payload struct {
		ThreadID  string `json:"threadId"`
		RequestID string `json:"requestId"`
		Status    string `json:"status"`
		Replayed  bool   `json:"replayed"`
	}
	if err := json.Unmarshal(done.Data, &payload); err != nil {
		t.Fatalf("decoding done data: %v", err)
	}
	if payload.ThreadID != threadID.String() {
		t.Errorf("threadId = %s, want %s", payload.ThreadID, threadID)
	}
	if payload.RequestID != "req-1" || payload.Status != "complete" {
		t.Errorf("done payload = %+v", payload)
	}
	if payload.Replayed {
		t.Error("replayed = true on a fresh attempt")
	}

	if !frames[len(frames)-1].Sentinel {
		t.Error("stream does not end with the sentinel")
	}
}

func TestEncodeErrorFrame(t *testing.T) {
	rec := httptest.NewRecorder()
	enc := stream.NewEncoder(rec)

	err := enc.EncodeAll(context.Background(), unitSeq(
		stream.Token("partial"),
		stream.ErrorUnit(stream.NewFault(stream.FaultGeneration, "", "model timeout")),
	))
	if err != nil {
		t.Fatalf("EncodeAll() failed: %v", err)
	}

	frames := testutil.ParseStream(t, rec.Body.String())
	if len(frames) != 3 {
		t.Fatalf("got %d frames, want 3 (token, error, sentinel)", len(frames))
	}
	errFrame := testutil.FindFrame(frames, "error")
	if errFrame == nil {
		t.Fatal("no error frame")
	}
	payload := testutil.ErrorData(t, *errFrame)
	if payload.Error != "generation failed" {
		t.Errorf("error = %q, want the standard generation message", payload.Error)
	}
	if payload.Details != "model timeout" {
		t.Errorf("details = %q, want %q", payload.Details, "model timeout")
	}
	if !frames[2].Sentinel {
		t.Error("error streams must still end with the sentinel")
	}
}

func TestEncodeEmptySequence(t *testing.T) {
	rec := httptest.NewRecorder()
	enc := stream.NewEncoder(rec)

	if err := enc.EncodeAll(context.Background(), unitSeq()); err != nil {
		t.Fatalf("EncodeAll() failed: %v", err)
	}
	frames := testutil.ParseStream(t, rec.Body.String())
	if len(frames) != 1 || !frames[0].Sentinel {
		t.Errorf("empty sequence must produce exactly the sentinel, got %d frames", len(frames))
	}
}

func TestEncodeCancelledContext(t *testing.T) {
	rec := httptest.NewRecorder()
	enc := stream.NewEncoder(rec)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	err := enc.EncodeAll(ctx, unitSeq(stream.Token("never written")))
	if !errors.Is(err, context.Canceled) {
		t.Errorf("error = %v, want context.Canceled", err)
	}
	frames := testutil.ParseStream(t, rec.Body.String())
	if len(frames) != 1 || !frames[0].Sentinel {
		t.Errorf("cancelled stream must still emit the sentinel, got %d frames", len(frames))
	}
}

// flushCounter counts flushes so per-frame flushing is observable.
type flushCounter struct {
	buf     bytes.Buffer
	header  http.Header
	flushes int
}

func (f *flushCounter) Header() http.Header {
	if f.header == nil {
		f.header = make(http.Header)
	}
	return f.header
}

func (f *flushCounter) Write(p []byte) (int, error) { return f.buf.Write(p) }
func (f *flushCounter) WriteHeader(int)             {}
func (f *flushCounter) Flush()                      { f.flushes++ }

func TestEncoderFlushesEveryFrame(t *testing.T) {
	w := &flushCounter{}
	enc := stream.NewEncoder(w)

	err := enc.EncodeAll(context.Background(), unitSeq(
		stream.Token("a"),
		stream.Token("b"),
		stream.Done(stream.DoneInfo{ThreadID: uuid.New(), RequestID: "r", Status: "complete"}),
	))
	if err != nil {
		t.Fatalf("EncodeAll() failed: %v", err)
	}
	if w.flushes != 4 {
		t.Errorf("flushes = %d, want 4 (one per frame incl. sentinel)", w.flushes)
	}
}

// failWriter fails every write after the first n.
type failWriter struct {
	header http.Header
	n      int
	writes int
}

func (f *failWriter) Header() http.Header {
	if f.header == nil {
		f.header = make(http.Header)
	}
	return f.header
}

func (f *failWriter) Write(p []byte) (int, error) {
	f.writes++
	if f.writes > f.n {
		return 0, errors.New("client went away")
	}
	return len(p), nil
}

func (f *failWriter) WriteHeader(int) {}

func TestEncodeDrainsAfterWriteFailure(t *testing.T) {
	w := &failWriter{n: 1}
	enc := stream.NewEncoder(w)

	drained := 0
	units := func(yield func(stream.Unit) bool) {
		for _, u := range []stream.Unit{stream.Token("a"), stream.Token("b"), stream.Token("c")} {
			drained++
			if !yield(u) {
				return
			}
		}
	}

	err := enc.EncodeAll(context.Background(), units)
	if err == nil {
		t.Fatal("expected write error")
	}
	if drained != 3 {
		t.Errorf("drained %d units, want 3 (producer must not be left blocked)", drained)
	}
}

func TestHeaders(t *testing.T) {
	rec := httptest.NewRecorder()
	stream.Headers(rec)

	want := map[string]string{
		"Content-Type":      "text/event-stream",
		"Cache-Control":     "no-cache",
		"X-Accel-Buffering": "no",
	}
	for k, v := range want {
		if got := rec.Header().Get(k); got != v {
			t.Errorf("%s = %q, want %q", k, got, v)
		}
	}
}
