package thread

import "errors"

// Sentinel errors for thread operations. These are part of the Store's
// public API and should be checked with errors.Is().
var (
	// ErrThreadNotFound indicates the requested thread does not exist.
	ErrThreadNotFound = errors.New("thread not found")

	// ErrMessageNotFound indicates no message matches the given coordinates.
	ErrMessageNotFound = errors.New("message not found")

	// ErrForbidden indicates the thread belongs to a different owner.
	ErrForbidden = errors.New("thread owned by another user")

	// ErrOwnerRequired indicates the owner ID is missing.
	ErrOwnerRequired = errors.New("owner ID is required")

	// ErrInvalidRole indicates the message role is not user or assistant.
	ErrInvalidRole = errors.New("invalid message role")

	// ErrInvalidStatus indicates the message status is not recognized.
	ErrInvalidStatus = errors.New("invalid message status")

	// ErrEmptyContent indicates the message content is empty.
	ErrEmptyContent = errors.New("message content is empty")
)
