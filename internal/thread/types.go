// Package thread persists conversation threads and their append-only
// message log.
//
// Each thread belongs to one owner. Messages carry a per-thread sequence
// number assigned under a row lock, so readers always observe a gap-free,
// insertion-ordered log. Appends carrying a request ID are idempotent per
// (thread, request, role).
package thread

import (
	"time"

	"github.com/google/uuid"
)

// Role constants define valid message roles. System messages are rare;
// the standing preamble lives in the prompt, not the log, so a system
// row only appears when an operator injects one.
const (
	RoleUser      = "user"
	RoleAssistant = "assistant"
	RoleSystem    = "system"
)

// Message status values. A partial-* status marks an assistant message whose
// generation ended early; the content holds whatever tokens were produced
// before the failure or cancellation.
const (
	StatusComplete         = "complete"
	StatusPartialFailed    = "partial-failed"
	StatusPartialCancelled = "partial-cancelled"
)

// Thread is one conversation owned by a single user.
type Thread struct {
	ID        uuid.UUID
	OwnerID   uuid.UUID
	Title     string
	CreatedAt time.Time
	UpdatedAt time.Time
}

// Message is a single entry in a thread's log.
type Message struct {
	ID        uuid.UUID
	ThreadID  uuid.UUID
	Seq       int32
	Role      string
	Content   string
	Status    string
	RequestID string // empty unless written by a generation request
	CreatedAt time.Time
}
