// Package sqlite persists the message log in a single SQLite file.
package sqlite

import (
	"context"
	"database/sql"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/corvino/meshroom/internal/protocol"
	"github.com/corvino/meshroom/internal/storage"
	"github.com/corvino/meshroom/internal/storage/sqlite/migrations"
	_ "modernc.org/sqlite"
)

// Store is a SQLite-backed storage.MessageStore.
type Store struct {
	sqlDB *sql.DB
	now   func() time.Time
}

// Open creates the parent directory if needed, opens the database and
// applies migrations. Migrations are idempotent, so Open is safe on every
// boot.
func Open(ctx context.Context, path string) (*Store, error) {
	if strings.TrimSpace(path) == "" {
		return nil, fmt.Errorf("storage path is required")
	}
	cleanPath := filepath.Clean(path)
	if dir := filepath.Dir(cleanPath); dir != "." {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, fmt.Errorf("create storage dir: %w", err)
		}
	}

	dsn := cleanPath + "?_pragma=busy_timeout(5000)&_pragma=journal_mode(WAL)&_pragma=synchronous(NORMAL)"
	sqlDB, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("open sqlite db: %w", err)
	}
	if err := sqlDB.PingContext(ctx); err != nil {
		_ = sqlDB.Close()
		return nil, fmt.Errorf("ping sqlite db: %w", err)
	}

	store := &Store{sqlDB: sqlDB, now: time.Now}
	if err := applyMigrations(ctx, sqlDB, migrations.FS); err != nil {
		_ = sqlDB.Close()
		return nil, fmt.Errorf("run migrations: %w", err)
	}
	return store, nil
}

// Close releases the underlying SQLite connection.
func (s *Store) Close() error {
	if s == nil || s.sqlDB == nil {
		return nil
	}
	return s.sqlDB.Close()
}

// Append inserts a message. Any failure, including ctx expiry, is reported
// as storage.ErrUnavailable.
func (s *Store) Append(ctx context.Context, draft protocol.Message) (protocol.Message, error) {
	if s == nil || s.sqlDB == nil {
		return protocol.Message{}, fmt.Errorf("%w: storage is not configured", storage.ErrUnavailable)
	}
	msg := storage.Finalize(draft, s.now())

	var depth sql.NullInt64
	if msg.Depth != nil {
		depth = sql.NullInt64{Int64: int64(*msg.Depth), Valid: true}
	}
	var resonance sql.NullFloat64
	if msg.Resonance != nil {
		resonance = sql.NullFloat64{Float64: *msg.Resonance, Valid: true}
	}

	// created_at never goes below the newest stored row so the log stays
	// non-decreasing even across wall-clock adjustments.
	var createdAt int64
	err := s.sqlDB.QueryRowContext(ctx,
		`INSERT INTO messages (id, sender, content, kind, created_at, depth, resonance)
		 VALUES (?, ?, ?, ?, MAX(?, COALESCE((SELECT MAX(created_at) FROM messages), 0)), ?, ?)
		 RETURNING created_at`,
		msg.ID,
		msg.Sender,
		msg.Content,
		string(msg.Kind),
		msg.CreatedAt.UnixNano(),
		depth,
		resonance,
	).Scan(&createdAt)
	if err != nil {
		return protocol.Message{}, fmt.Errorf("%w: insert message: %v", storage.ErrUnavailable, err)
	}
	msg.CreatedAt = time.Unix(0, createdAt).UTC()
	return msg, nil
}

// RecentHistory returns up to limit most recent messages, oldest first.
// Rows with equal created_at keep insertion order.
func (s *Store) RecentHistory(ctx context.Context, limit int) ([]protocol.Message, error) {
	if s == nil || s.sqlDB == nil {
		return nil, fmt.Errorf("%w: storage is not configured", storage.ErrUnavailable)
	}
	if limit <= 0 {
		return nil, fmt.Errorf("history limit must be positive, got %d", limit)
	}

	rows, err := s.sqlDB.QueryContext(ctx,
		`SELECT id, sender, content, kind, created_at, depth, resonance FROM (
		    SELECT rowid AS seq, id, sender, content, kind, created_at, depth, resonance
		    FROM messages
		    ORDER BY created_at DESC, rowid DESC
		    LIMIT ?
		 ) ORDER BY created_at ASC, seq ASC`,
		limit,
	)
	if err != nil {
		return nil, fmt.Errorf("%w: query history: %v", storage.ErrUnavailable, err)
	}
	defer rows.Close()

	out := make([]protocol.Message, 0, min(limit, 128))
	for rows.Next() {
		var (
			msg       protocol.Message
			kind      string
			createdAt int64
			depth     sql.NullInt64
			resonance sql.NullFloat64
		)
		if err := rows.Scan(&msg.ID, &msg.Sender, &msg.Content, &kind, &createdAt, &depth, &resonance); err != nil {
			return nil, fmt.Errorf("%w: scan history: %v", storage.ErrUnavailable, err)
		}
		msg.Kind = protocol.MessageKind(kind)
		msg.CreatedAt = time.Unix(0, createdAt).UTC()
		if depth.Valid {
			d := int(depth.Int64)
			msg.Depth = &d
		}
		if resonance.Valid {
			r := resonance.Float64
			msg.Resonance = &r
		}
		out = append(out, msg)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("%w: iterate history: %v", storage.ErrUnavailable, err)
	}
	return out, nil
}

var _ storage.MessageStore = (*Store)(nil)
