package api

import (
	"context"
	"encoding/json"
	"errors"
	"iter"
	"log/slog"
	"net/http"
	"strings"

	"github.com/google/uuid"

	"github.com/strandhq/strand/internal/chat"
	"github.com/strandhq/strand/internal/stream"
)

// maxChatBody caps the chat request body.
const maxChatBody = 1 << 20 // 1 MiB

// runner starts generation attempts.
type runner interface {
	Run(ctx context.Context, req chat.Request) (iter.Seq[stream.Unit], error)
}

type chatHandler struct {
	orchestrator runner
	logger       *slog.Logger
}

// chatRequest is the POST /api/v1/chat body.
type chatRequest struct {
	ThreadID  string `json:"threadId"`
	Content   string `json:"content"`
	RequestID string `json:"requestId"`
}

// send handles POST /api/v1/chat. Anything wrong before generation is
// admitted maps to an HTTP status; after the stream opens, faults travel
// as in-band error frames and the response always ends with the
// sentinel.
func (h *chatHandler) send(w http.ResponseWriter, r *http.Request) {
	principal, _ := principalFromContext(r.Context())

	var body chatRequest
	r.Body = http.MaxBytesReader(w, r.Body, maxChatBody)
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		WriteError(w, http.StatusBadRequest, "invalid_request", "invalid request body", h.logger)
		return
	}

	var threadID uuid.UUID
	if strings.TrimSpace(body.ThreadID) != "" {
		id, err := uuid.Parse(body.ThreadID)
		if err != nil {
			WriteError(w, http.StatusBadRequest, "invalid_request", "invalid thread id", h.logger)
			return
		}
		threadID = id
	}

	units, err := h.orchestrator.Run(r.Context(), chat.Request{
		ThreadID:  threadID,
		OwnerID:   principal,
		Content:   body.Content,
		RequestID: body.RequestID,
	})
	if err != nil {
		h.writeFault(w, err)
		return
	}

	stream.Headers(w)
	enc := stream.NewEncoder(w)
	if err := enc.EncodeAll(r.Context(), units); err != nil {
		// The transport is gone or mid-write; nothing else can be sent.
		h.logger.Debug("stream ended early", "error", err,
			"request_id", requestIDFromContext(r.Context()))
	}
}

// writeFault maps a pre-stream fault to its HTTP status and error code.
func (h *chatHandler) writeFault(w http.ResponseWriter, err error) {
	var fault *stream.Fault
	if !errors.As(err, &fault) {
		h.logger.Error("chat request failed", "error", err)
		WriteError(w, http.StatusInternalServerError, "internal_error", "internal server error", h.logger)
		return
	}

	code := "internal_error"
	switch fault.Kind {
	case stream.FaultAuth:
		code = "auth_required"
	case stream.FaultValidation:
		code = "invalid_request"
	case stream.FaultNotFound:
		code = "not_found"
	case stream.FaultConflict:
		code = "generation_in_progress"
	}

	if fault.HTTPStatus() == http.StatusInternalServerError {
		h.logger.Error("chat request failed", "kind", string(fault.Kind), "details", fault.Details)
	}
	WriteError(w, fault.HTTPStatus(), code, fault.Message, h.logger)
}
