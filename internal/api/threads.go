package api

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/google/uuid"

	"github.com/strandhq/strand/internal/thread"
)

// threadStore is the slice of the thread store the handlers use.
type threadStore interface {
	Create(ctx context.Context, ownerID uuid.UUID, title string) (*thread.Thread, error)
	Get(ctx context.Context, id uuid.UUID) (*thread.Thread, error)
	List(ctx context.Context, ownerID uuid.UUID, limit, offset int32) ([]*thread.Thread, error)
	Delete(ctx context.Context, id, ownerID uuid.UUID) error
	Messages(ctx context.Context, threadID uuid.UUID, limit, offset int32) ([]*thread.Message, error)
}

type threadHandler struct {
	store  threadStore
	logger *slog.Logger
}

// threadResponse is the wire shape of a thread.
type threadResponse struct {
	ID        string    `json:"id"`
	Title     string    `json:"title"`
	CreatedAt time.Time `json:"createdAt"`
	UpdatedAt time.Time `json:"updatedAt"`
}

// messageResponse is the wire shape of a message.
type messageResponse struct {
	ID        string    `json:"id"`
	Seq       int32     `json:"seq"`
	Role      string    `json:"role"`
	Content   string    `json:"content"`
	Status    string    `json:"status"`
	RequestID string    `json:"requestId,omitempty"`
	CreatedAt time.Time `json:"createdAt"`
}

func toThreadResponse(th *thread.Thread) threadResponse {
	return threadResponse{
		ID:        th.ID.String(),
		Title:     th.Title,
		CreatedAt: th.CreatedAt,
		UpdatedAt: th.UpdatedAt,
	}
}

func toMessageResponse(m *thread.Message) messageResponse {
	return messageResponse{
		ID:        m.ID.String(),
		Seq:       m.Seq,
		Role:      m.Role,
		Content:   m.Content,
		Status:    m.Status,
		RequestID: m.RequestID,
		CreatedAt: m.CreatedAt,
	}
}

// createThread handles POST /api/v1/threads.
func (h *threadHandler) createThread(w http.ResponseWriter, r *http.Request) {
	principal, ok := principalFromContext(r.Context())
	if !ok {
		WriteError(w, http.StatusUnauthorized, "auth_required", "authentication required", h.logger)
		return
	}

	var body struct {
		Title string `json:"title"`
	}
	// An empty body is fine; the title is optional.
	r.Body = http.MaxBytesReader(w, r.Body, 64*1024)
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil && !errors.Is(err, io.EOF) {
		WriteError(w, http.StatusBadRequest, "invalid_request", "invalid request body", h.logger)
		return
	}
	if len(body.Title) > 200 {
		WriteError(w, http.StatusBadRequest, "invalid_request", "title is too long", h.logger)
		return
	}

	th, err := h.store.Create(r.Context(), principal, body.Title)
	if err != nil {
		h.logger.Error("creating thread", "error", err, "principal_id", principal)
		WriteError(w, http.StatusInternalServerError, "create_failed", "failed to create thread", h.logger)
		return
	}

	WriteJSON(w, http.StatusCreated, toThreadResponse(th))
}

// listThreads handles GET /api/v1/threads.
func (h *threadHandler) listThreads(w http.ResponseWriter, r *http.Request) {
	principal, ok := principalFromContext(r.Context())
	if !ok {
		WriteError(w, http.StatusUnauthorized, "auth_required", "authentication required", h.logger)
		return
	}

	limit, offset, err := pagination(r, thread.DefaultListLimit)
	if err != nil {
		WriteError(w, http.StatusBadRequest, "invalid_request", err.Error(), h.logger)
		return
	}

	threads, err := h.store.List(r.Context(), principal, limit, offset)
	if err != nil {
		h.logger.Error("listing threads", "error", err, "principal_id", principal)
		WriteError(w, http.StatusInternalServerError, "list_failed", "failed to list threads", h.logger)
		return
	}

	out := make([]threadResponse, 0, len(threads))
	for _, th := range threads {
		out = append(out, toThreadResponse(th))
	}
	WriteJSON(w, http.StatusOK, out)
}

// getThread handles GET /api/v1/threads/{id}.
func (h *threadHandler) getThread(w http.ResponseWriter, r *http.Request) {
	th, ok := h.resolveOwned(w, r)
	if !ok {
		return
	}
	WriteJSON(w, http.StatusOK, toThreadResponse(th))
}

// deleteThread handles DELETE /api/v1/threads/{id}.
func (h *threadHandler) deleteThread(w http.ResponseWriter, r *http.Request) {
	principal, ok := principalFromContext(r.Context())
	if !ok {
		WriteError(w, http.StatusUnauthorized, "auth_required", "authentication required", h.logger)
		return
	}
	id, ok := pathThreadID(w, r, h.logger)
	if !ok {
		return
	}

	err := h.store.Delete(r.Context(), id, principal)
	switch {
	case errors.Is(err, thread.ErrThreadNotFound), errors.Is(err, thread.ErrForbidden):
		// A foreign thread answers like a missing one.
		WriteError(w, http.StatusNotFound, "not_found", "thread not found", h.logger)
		return
	case err != nil:
		h.logger.Error("deleting thread", "error", err, "thread_id", id)
		WriteError(w, http.StatusInternalServerError, "delete_failed", "failed to delete thread", h.logger)
		return
	}

	w.WriteHeader(http.StatusNoContent)
}

// listMessages handles GET /api/v1/threads/{id}/messages.
func (h *threadHandler) listMessages(w http.ResponseWriter, r *http.Request) {
	th, ok := h.resolveOwned(w, r)
	if !ok {
		return
	}

	limit, offset, err := pagination(r, thread.DefaultMessageLimit)
	if err != nil {
		WriteError(w, http.StatusBadRequest, "invalid_request", err.Error(), h.logger)
		return
	}

	msgs, err := h.store.Messages(r.Context(), th.ID, limit, offset)
	if err != nil {
		h.logger.Error("loading messages", "error", err, "thread_id", th.ID)
		WriteError(w, http.StatusInternalServerError, "list_failed", "failed to load messages", h.logger)
		return
	}

	out := make([]messageResponse, 0, len(msgs))
	for _, m := range msgs {
		out = append(out, toMessageResponse(m))
	}
	WriteJSON(w, http.StatusOK, out)
}

// resolveOwned parses the path id, loads the thread and enforces
// ownership. A thread the caller does not own is reported as missing.
func (h *threadHandler) resolveOwned(w http.ResponseWriter, r *http.Request) (*thread.Thread, bool) {
	principal, ok := principalFromContext(r.Context())
	if !ok {
		WriteError(w, http.StatusUnauthorized, "auth_required", "authentication required", h.logger)
		return nil, false
	}
	id, ok := pathThreadID(w, r, h.logger)
	if !ok {
		return nil, false
	}

	th, err := h.store.Get(r.Context(), id)
	if errors.Is(err, thread.ErrThreadNotFound) {
		WriteError(w, http.StatusNotFound, "not_found", "thread not found", h.logger)
		return nil, false
	}
	if err != nil {
		h.logger.Error("loading thread", "error", err, "thread_id", id)
		WriteError(w, http.StatusInternalServerError, "get_failed", "failed to load thread", h.logger)
		return nil, false
	}
	if th.OwnerID != principal {
		WriteError(w, http.StatusNotFound, "not_found", "thread not found", h.logger)
		return nil, false
	}
	return th, true
}

func pathThreadID(w http.ResponseWriter, r *http.Request, logger *slog.Logger) (uuid.UUID, bool) {
	id, err := uuid.Parse(r.PathValue("id"))
	if err != nil {
		WriteError(w, http.StatusBadRequest, "invalid_request", "invalid thread id", logger)
		return uuid.Nil, false
	}
	return id, true
}

// pagination reads limit and offset query parameters. Absent values fall
// back to the store default; range clamping stays in the store.
func pagination(r *http.Request, defaultLimit int32) (limit, offset int32, err error) {
	limit = defaultLimit
	if raw := r.URL.Query().Get("limit"); raw != "" {
		n, perr := strconv.ParseInt(raw, 10, 32)
		if perr != nil || n < 0 {
			return 0, 0, errors.New("limit must be a non-negative integer")
		}
		limit = int32(n)
	}
	if raw := r.URL.Query().Get("offset"); raw != "" {
		n, perr := strconv.ParseInt(raw, 10, 32)
		if perr != nil || n < 0 {
			return 0, 0, errors.New("offset must be a non-negative integer")
		}
		offset = int32(n)
	}
	return limit, offset, nil
}
