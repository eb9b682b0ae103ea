// Package memory provides a bounded in-process message log. It backs the
// server when persistence is disabled or the database cannot be opened.
package memory

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/corvino/meshroom/internal/protocol"
	"github.com/corvino/meshroom/internal/storage"
)

// Store keeps the most recent maxHistory messages.
type Store struct {
	maxHistory int
	now        func() time.Time

	mu       sync.RWMutex
	messages []protocol.Message
	closed   bool
}

// New creates a store with the given history cap.
func New(maxHistory int) *Store {
	if maxHistory <= 0 {
		maxHistory = 1000
	}
	return &Store{
		maxHistory: maxHistory,
		now:        time.Now,
		messages:   make([]protocol.Message, 0, 64),
	}
}

// Append stores a message, trimming the oldest entries past the cap.
func (s *Store) Append(ctx context.Context, draft protocol.Message) (protocol.Message, error) {
	if err := ctx.Err(); err != nil {
		return protocol.Message{}, fmt.Errorf("%w: %v", storage.ErrUnavailable, err)
	}
	msg := storage.Finalize(draft, s.now())

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return protocol.Message{}, fmt.Errorf("%w: store closed", storage.ErrUnavailable)
	}
	// Keep createdAt non-decreasing even if a caller supplied an older time.
	if n := len(s.messages); n > 0 && msg.CreatedAt.Before(s.messages[n-1].CreatedAt) {
		msg.CreatedAt = s.messages[n-1].CreatedAt
	}
	s.messages = append(s.messages, msg)
	if len(s.messages) > s.maxHistory {
		excess := len(s.messages) - s.maxHistory
		s.messages = s.messages[excess:]
	}
	return msg, nil
}

// RecentHistory returns the last limit messages, oldest first.
func (s *Store) RecentHistory(ctx context.Context, limit int) ([]protocol.Message, error) {
	if limit <= 0 {
		return nil, fmt.Errorf("history limit must be positive, got %d", limit)
	}
	if err := ctx.Err(); err != nil {
		return nil, fmt.Errorf("%w: %v", storage.ErrUnavailable, err)
	}

	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.closed {
		return nil, fmt.Errorf("%w: store closed", storage.ErrUnavailable)
	}
	start := len(s.messages) - limit
	if start < 0 {
		start = 0
	}
	out := make([]protocol.Message, len(s.messages[start:]))
	copy(out, s.messages[start:])
	return out, nil
}

// Close marks the store unusable.
func (s *Store) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.closed = true
	return nil
}

var _ storage.MessageStore = (*Store)(nil)
