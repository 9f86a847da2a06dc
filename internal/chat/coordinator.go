package chat

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/google/uuid"

	"github.com/strandhq/strand/internal/thread"
)

// appender is the slice of the thread store the coordinator writes
// through.
type appender interface {
	Append(ctx context.Context, p thread.AppendParams) (*thread.Message, error)
}

// Coordinator persists the two messages of an attempt: the user
// utterance before generation starts, the assistant reply once the
// attempt reaches a terminal state. Writes are append-only; repeating a
// write with the same request id returns the already stored message.
type Coordinator struct {
	store  appender
	logger *slog.Logger
}

// NewCoordinator wires a coordinator to the thread store.
func NewCoordinator(store appender, logger *slog.Logger) (*Coordinator, error) {
	if store == nil {
		return nil, errors.New("chat: thread store is required")
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Coordinator{store: store, logger: logger}, nil
}

// PersistUser records the user's utterance for the attempt.
func (c *Coordinator) PersistUser(ctx context.Context, threadID uuid.UUID, content, requestID string) (*thread.Message, error) {
	msg, err := c.store.Append(ctx, thread.AppendParams{
		ThreadID:  threadID,
		Role:      thread.RoleUser,
		Content:   content,
		RequestID: requestID,
	})
	if err != nil {
		return nil, fmt.Errorf("persisting user message: %w", err)
	}
	return msg, nil
}

// PersistAssistant records the assistant's reply with its outcome
// status.
func (c *Coordinator) PersistAssistant(ctx context.Context, threadID uuid.UUID, content, requestID, status string) (*thread.Message, error) {
	msg, err := c.store.Append(ctx, thread.AppendParams{
		ThreadID:  threadID,
		Role:      thread.RoleAssistant,
		Content:   content,
		Status:    status,
		RequestID: requestID,
	})
	if err != nil {
		return nil, fmt.Errorf("persisting assistant message: %w", err)
	}
	c.logger.DebugContext(ctx, "assistant message persisted",
		"thread_id", threadID, "request_id", requestID, "status", status, "seq", msg.Seq)
	return msg, nil
}
