// Package app wires configuration, storage, the hub and the HTTP server into
// a runnable process.
package app

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"time"

	"github.com/corvino/meshroom/internal/config"
	"github.com/corvino/meshroom/internal/presence"
	"github.com/corvino/meshroom/internal/server"
	"github.com/corvino/meshroom/internal/storage"
	"github.com/corvino/meshroom/internal/storage/memory"
	"github.com/corvino/meshroom/internal/storage/sqlite"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
)

const shutdownTimeout = 5 * time.Second

// OpenStore returns the message store selected by cfg. When the database
// cannot be opened the server keeps running on a bounded in-memory log and
// degraded is true.
func OpenStore(ctx context.Context, cfg config.Config, log *zap.Logger) (store storage.MessageStore, degraded bool) {
	if cfg.NoPersist {
		log.Info("persistence disabled, using in-memory history", zap.Int("max_history", cfg.MaxHistory))
		return memory.New(cfg.MaxHistory), false
	}
	db, err := sqlite.Open(ctx, cfg.DBPath)
	if err != nil {
		log.Error("database unavailable, falling back to in-memory history",
			zap.String("path", cfg.DBPath),
			zap.Error(err),
		)
		return memory.New(cfg.MaxHistory), true
	}
	log.Info("database ready", zap.String("path", cfg.DBPath))
	return db, false
}

// Run listens on cfg.Addr() and serves until ctx is canceled.
func Run(ctx context.Context, cfg config.Config, log *zap.Logger) error {
	ln, err := net.Listen("tcp", cfg.Addr())
	if err != nil {
		return fmt.Errorf("listen %s: %w", cfg.Addr(), err)
	}
	return Serve(ctx, cfg, log, ln)
}

// Serve runs the hub and HTTP server on ln until ctx is canceled or either
// fails. It closes ln.
func Serve(ctx context.Context, cfg config.Config, log *zap.Logger, ln net.Listener) error {
	store, _ := OpenStore(ctx, cfg, log)
	defer func() {
		if err := store.Close(); err != nil {
			log.Warn("close store", zap.Error(err))
		}
	}()

	hub, err := server.NewHub(server.HubOptions{
		Store:        store,
		Registry:     presence.NewRegistry(presence.WithUniqueNames(cfg.UniqueNames)),
		Policy:       cfg.ResonancePolicy(),
		HistoryLimit: cfg.HistoryLimit,
		StoreTimeout: cfg.StoreTimeout,
		Logger:       log.Named("hub"),
	})
	if err != nil {
		ln.Close()
		return err
	}
	srv := server.New(hub, server.Options{
		Addr: ln.Addr().String(),
		Client: server.ClientOptions{
			EventRate:     cfg.EventRate,
			EventBurst:    cfg.EventBurst,
			AllowedOrigin: cfg.AllowedOrigin,
		},
		Logger: log.Named("http"),
	})

	hubCtx, stopHub := context.WithCancel(context.Background())
	defer stopHub()

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		return hub.Run(hubCtx)
	})
	g.Go(func() error {
		log.Info("meshroom listening",
			zap.String("addr", ln.Addr().String()),
			zap.String("env", cfg.Environment),
		)
		if err := srv.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("serve: %w", err)
		}
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		log.Info("shutting down")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		err := srv.Shutdown(shutdownCtx)
		// Hijacked WebSocket connections are not tracked by Shutdown; stopping
		// the hub closes their queues.
		stopHub()
		if err != nil {
			return fmt.Errorf("shutdown: %w", err)
		}
		return nil
	})

	err = g.Wait()
	log.Info("server stopped")
	return err
}
