// Package storage defines the append-only message log used for history
// replay.
package storage

import (
	"context"
	"time"

	"github.com/corvino/meshroom/internal/errs"
	"github.com/corvino/meshroom/internal/protocol"
	"github.com/google/uuid"
)

// ErrUnavailable is returned when the backing medium cannot accept a write
// or serve a read.
var ErrUnavailable = errs.ErrStoreUnavailable

// DefaultHistoryLimit is the number of messages replayed to a new connection.
const DefaultHistoryLimit = 100

// MessageStore is the contract shared by every message log implementation.
type MessageStore interface {
	// Append assigns ID and CreatedAt when absent, persists the message and
	// returns the finalized record.
	Append(ctx context.Context, draft protocol.Message) (protocol.Message, error)
	// RecentHistory returns up to limit most recent messages, oldest first.
	RecentHistory(ctx context.Context, limit int) ([]protocol.Message, error)
	Close() error
}

// Finalize fills the server-assigned fields of a draft. IDs are UUIDv7 so
// they sort by creation time.
func Finalize(draft protocol.Message, now time.Time) protocol.Message {
	if draft.ID == "" {
		id, err := uuid.NewV7()
		if err != nil {
			id = uuid.New()
		}
		draft.ID = id.String()
	}
	if draft.CreatedAt.IsZero() {
		draft.CreatedAt = now
	}
	draft.CreatedAt = draft.CreatedAt.UTC()
	if draft.Kind == "" {
		draft.Kind = protocol.KindText
	}
	return draft
}
