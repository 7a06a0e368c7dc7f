// Package presence tracks which users currently hold a live realtime connection.
package presence

import (
	"context"
	"sync"
)

// Tracker maps user identities to their single active connection.
// The last SetOnline for a user wins.
type Tracker interface {
	SetOnline(ctx context.Context, userID, connID string) error
	// Clear removes the entry owned by connID, if any, and returns the user it belonged to.
	Clear(ctx context.Context, connID string) (userID string, cleared bool, err error)
	IsOnline(ctx context.Context, userID string) (bool, error)
	// Touch extends the lifetime of the entry owned by connID.
	Touch(ctx context.Context, connID string) error
}

// MemoryTracker is a process-local Tracker.
type MemoryTracker struct {
	mu     sync.Mutex
	byUser map[string]string // userID -> connID
	byConn map[string]string // connID -> userID
}

// NewMemoryTracker creates an empty in-memory tracker.
func NewMemoryTracker() *MemoryTracker {
	return &MemoryTracker{
		byUser: make(map[string]string),
		byConn: make(map[string]string),
	}
}

// SetOnline registers connID as the active connection of userID.
func (t *MemoryTracker) SetOnline(_ context.Context, userID, connID string) error {
	t.mu.Lock()
	defer t.mu.Unlock()

	// A connection speaks for one user at a time.
	if prevUser, ok := t.byConn[connID]; ok && t.byUser[prevUser] == connID {
		delete(t.byUser, prevUser)
	}
	if prevConn, ok := t.byUser[userID]; ok {
		delete(t.byConn, prevConn)
	}

	t.byUser[userID] = connID
	t.byConn[connID] = userID
	return nil
}

// Clear drops the entry registered for connID.
func (t *MemoryTracker) Clear(_ context.Context, connID string) (string, bool, error) {
	t.mu.Lock()
	defer t.mu.Unlock()

	userID, ok := t.byConn[connID]
	if !ok {
		return "", false, nil
	}
	delete(t.byConn, connID)

	if t.byUser[userID] != connID {
		return "", false, nil
	}
	delete(t.byUser, userID)
	return userID, true, nil
}

// IsOnline reports whether userID has an active connection.
func (t *MemoryTracker) IsOnline(_ context.Context, userID string) (bool, error) {
	t.mu.Lock()
	defer t.mu.Unlock()

	_, ok := t.byUser[userID]
	return ok, nil
}

// Touch is a no-op: memory entries live until Clear.
func (t *MemoryTracker) Touch(context.Context, string) error {
	return nil
}

// Count returns the number of online users.
func (t *MemoryTracker) Count() int {
	t.mu.Lock()
	defer t.mu.Unlock()

	return len(t.byUser)
}
