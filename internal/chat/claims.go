package chat

import (
	"sync"

	"github.com/google/uuid"
)

// Claims tracks which threads have a generation attempt in flight. A
// thread admits at most one attempt at a time; a second request is
// rejected immediately, never queued.
type Claims struct {
	mu       sync.Mutex
	inFlight map[uuid.UUID]struct{}
}

// NewClaims creates an empty claim table.
func NewClaims() *Claims {
	return &Claims{inFlight: make(map[uuid.UUID]struct{})}
}

// Acquire claims threadID for one attempt. Returns false when another
// attempt already holds the thread.
func (c *Claims) Acquire(threadID uuid.UUID) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	if _, held := c.inFlight[threadID]; held {
		return false
	}
	c.inFlight[threadID] = struct{}{}
	return true
}

// Release frees threadID. Safe to call for a thread that is not held.
func (c *Claims) Release(threadID uuid.UUID) {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.inFlight, threadID)
}

// Held reports whether threadID currently has an attempt in flight.
func (c *Claims) Held(threadID uuid.UUID) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	_, held := c.inFlight[threadID]
	return held
}
