package testutil

import (
	"bufio"
	"encoding/json"
	"strings"
	"testing"
)

// StreamFrame is one parsed frame of the generation wire format.
// Sentinel is true for the terminal "data: [DONE]" frame; every other frame
// carries a JSON envelope with a type and payload.
type StreamFrame struct {
	Sentinel bool
	Type     string // "token", "error" or "done"
	Data     json.RawMessage
}

// ParseStream parses a data-only event stream into frames.
//
// Enforced format, one frame per event:
//   - every event is a single "data: <payload>" line followed by a blank line
//   - <payload> is either the literal [DONE] sentinel or a JSON envelope
//     of the form {"type": ..., "data": ...}
//   - the sentinel, when present, must be the final frame
func ParseStream(t *testing.T, body string) []StreamFrame {
	t.Helper()

	var frames []StreamFrame
	var pending *StreamFrame
	lineNum := 0

	scanner := bufio.NewScanner(strings.NewReader(body))
	for scanner.Scan() {
		lineNum++
		line := scanner.Text()

		switch {
		case strings.HasPrefix(line, "data: "):
			if pending != nil {
				t.Fatalf("stream parse error at line %d: frame not terminated by blank line", lineNum)
			}
			payload := strings.TrimPrefix(line, "data: ")
			frame := StreamFrame{}
			if payload == "[DONE]" {
				frame.Sentinel = true
			} else {
				var envelope struct {
					Type string          `json:"type"`
					Data json.RawMessage `json:"data"`
				}
				if err := json.Unmarshal([]byte(payload), &envelope); err != nil {
					t.Fatalf("stream parse error at line %d: invalid JSON envelope %q: %v", lineNum, payload, err)
				}
				if envelope.Type == "" {
					t.Fatalf("stream parse error at line %d: envelope missing type: %q", lineNum, payload)
				}
				frame.Type = envelope.Type
				frame.Data = envelope.Data
			}
			pending = &frame

		case line == "":
			if pending != nil {
				frames = append(frames, *pending)
				pending = nil
			}

		default:
			t.Fatalf("stream parse error at line %d: unexpected line %q", lineNum, line)
		}
	}
	if err := scanner.Err(); err != nil {
		t.Fatalf("stream scan error: %v", err)
	}
	if pending != nil {
		t.Fatal("stream ended without terminating blank line")
	}

	for i, f := range frames {
		if f.Sentinel && i != len(frames)-1 {
			t.Fatalf("sentinel frame is not last (frame %d of %d)", i+1, len(frames))
		}
	}
	return frames
}

// TokenText decodes the content of a token frame.
func TokenText(t *testing.T, f StreamFrame) string {
	t.Helper()

	if f.Type != "token" {
		t.Fatalf("expected token frame, got %q", f.Type)
	}
	var data struct {
		Content string `json:"content"`
	}
	if err := json.Unmarshal(f.Data, &data); err != nil {
		t.Fatalf("decoding token data: %v", err)
	}
	return data.Content
}

// JoinTokens concatenates the content of every token frame in order.
func JoinTokens(t *testing.T, frames []StreamFrame) string {
	t.Helper()

	var sb strings.Builder
	for _, f := range frames {
		if f.Type == "token" {
			sb.WriteString(TokenText(t, f))
		}
	}
	return sb.String()
}

// ErrorPayload is the decoded data of an error frame.
type ErrorPayload struct {
	Error   string `json:"error"`
	Details string `json:"details"`
}

// ErrorData decodes the payload of an error frame.
func ErrorData(t *testing.T, f StreamFrame) ErrorPayload {
	t.Helper()

	if f.Type != "error" {
		t.Fatalf("expected error frame, got %q", f.Type)
	}
	var data ErrorPayload
	if err := json.Unmarshal(f.Data, &data); err != nil {
		t.Fatalf("decoding error data: %v", err)
	}
	return data
}

// FindFrame returns the first frame of the given type, or nil.
func FindFrame(frames []StreamFrame, frameType string) *StreamFrame {
	for i := range frames {
		if frames[i].Type == frameType {
			return &frames[i]
		}
	}
	return nil
}
