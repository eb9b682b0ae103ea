// Package storagetest holds the behavioral suite every MessageStore must
// pass.
package storagetest

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/corvino/meshroom/internal/protocol"
	"github.com/corvino/meshroom/internal/storage"
	"github.com/stretchr/testify/require"
)

// Run exercises newStore against the append/replay contract. newStore must
// return an empty store; Run closes it.
func Run(t *testing.T, newStore func(t *testing.T) storage.MessageStore) {
	t.Run("AppendAssignsIdentity", func(t *testing.T) {
		req := require.New(t)
		s := newStore(t)
		defer s.Close()

		msg, err := s.Append(context.Background(), protocol.Message{Sender: "Alice", Content: "hi"})
		req.NoError(err)
		req.NotEmpty(msg.ID)
		req.False(msg.CreatedAt.IsZero())
		req.Equal(protocol.KindText, msg.Kind)
	})

	t.Run("AppendKeepsProvidedID", func(t *testing.T) {
		req := require.New(t)
		s := newStore(t)
		defer s.Close()

		msg, err := s.Append(context.Background(), protocol.Message{ID: "fixed", Sender: "Alice", Content: "hi", Kind: protocol.KindCode})
		req.NoError(err)
		req.Equal("fixed", msg.ID)
		req.Equal(protocol.KindCode, msg.Kind)
	})

	t.Run("AppendedMessageIsLastInHistory", func(t *testing.T) {
		req := require.New(t)
		s := newStore(t)
		defer s.Close()
		ctx := context.Background()

		for i := 0; i < 5; i++ {
			_, err := s.Append(ctx, protocol.Message{Sender: "Bob", Content: fmt.Sprintf("m%d", i)})
			req.NoError(err)
			hist, err := s.RecentHistory(ctx, 1)
			req.NoError(err)
			req.Len(hist, 1)
			req.Equal(fmt.Sprintf("m%d", i), hist[0].Content)
		}
	})

	t.Run("HistoryIsChronologicalAndBounded", func(t *testing.T) {
		req := require.New(t)
		s := newStore(t)
		defer s.Close()
		ctx := context.Background()

		for i := 0; i < 10; i++ {
			_, err := s.Append(ctx, protocol.Message{Sender: "Bob", Content: fmt.Sprintf("m%d", i)})
			req.NoError(err)
		}
		hist, err := s.RecentHistory(ctx, 4)
		req.NoError(err)
		req.Len(hist, 4)
		for i, m := range hist {
			req.Equal(fmt.Sprintf("m%d", i+6), m.Content)
			if i > 0 {
				req.False(m.CreatedAt.Before(hist[i-1].CreatedAt))
			}
		}

		all, err := s.RecentHistory(ctx, 100)
		req.NoError(err)
		req.Len(all, 10)
	})

	t.Run("BackdatedDraftStaysOrdered", func(t *testing.T) {
		req := require.New(t)
		s := newStore(t)
		defer s.Close()
		ctx := context.Background()

		_, err := s.Append(ctx, protocol.Message{Sender: "A", Content: "first"})
		req.NoError(err)
		_, err = s.Append(ctx, protocol.Message{Sender: "A", Content: "second", CreatedAt: time.Now().Add(-time.Hour)})
		req.NoError(err)

		hist, err := s.RecentHistory(ctx, 10)
		req.NoError(err)
		req.Equal([]string{"first", "second"}, []string{hist[0].Content, hist[1].Content})
		req.False(hist[1].CreatedAt.Before(hist[0].CreatedAt))
	})

	t.Run("ReplayIsIdempotent", func(t *testing.T) {
		req := require.New(t)
		s := newStore(t)
		defer s.Close()
		ctx := context.Background()

		depth := 2
		res := 0.75
		_, err := s.Append(ctx, protocol.Message{Sender: "Circuit-A", Content: "deep", Kind: protocol.KindThought, Depth: &depth, Resonance: &res})
		req.NoError(err)
		_, err = s.Append(ctx, protocol.Message{Sender: "B", Content: "plain"})
		req.NoError(err)

		first, err := s.RecentHistory(ctx, 10)
		req.NoError(err)
		second, err := s.RecentHistory(ctx, 10)
		req.NoError(err)
		req.Equal(first, second)

		req.NotNil(first[0].Depth)
		req.Equal(2, *first[0].Depth)
		req.NotNil(first[0].Resonance)
		req.InDelta(0.75, *first[0].Resonance, 1e-9)
		req.Nil(first[1].Depth)
		req.Nil(first[1].Resonance)
	})

	t.Run("EmptyHistory", func(t *testing.T) {
		req := require.New(t)
		s := newStore(t)
		defer s.Close()

		hist, err := s.RecentHistory(context.Background(), 100)
		req.NoError(err)
		req.Empty(hist)
	})

	t.Run("NonPositiveLimit", func(t *testing.T) {
		s := newStore(t)
		defer s.Close()

		_, err := s.RecentHistory(context.Background(), 0)
		require.Error(t, err)
	})

	t.Run("CanceledContextIsUnavailable", func(t *testing.T) {
		s := newStore(t)
		defer s.Close()

		ctx, cancel := context.WithCancel(context.Background())
		cancel()
		_, err := s.Append(ctx, protocol.Message{Sender: "A", Content: "x"})
		require.ErrorIs(t, err, storage.ErrUnavailable)
	})
}
