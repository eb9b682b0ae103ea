package server

import (
	"net/http"
	"strings"
	"time"

	"go.uber.org/zap"
)

// Options configures the HTTP surface.
type Options struct {
	Addr   string
	Client ClientOptions
	Logger *zap.Logger
}

// New creates a configured HTTP server with all routes registered.
func New(hub *Hub, opts Options) *http.Server {
	log := opts.Logger
	if log == nil {
		log = zap.NewNop()
	}
	return &http.Server{
		Addr:        opts.Addr,
		Handler:     Routes(hub, opts.Client, log),
		ReadTimeout: 15 * time.Second,
		IdleTimeout: 60 * time.Second,
	}
}

// Routes builds the handler tree. It is separate from New so tests can mount
// it on httptest.
func Routes(hub *Hub, client ClientOptions, log *zap.Logger) http.Handler {
	mux := http.NewServeMux()
	h := &Handlers{Hub: hub, Client: client}

	mux.HandleFunc("GET /api/status", h.Status)
	mux.HandleFunc("GET /health", h.Status)
	mux.HandleFunc("GET /api/messages", h.GetMessages)
	mux.HandleFunc("POST /api/messages", h.SendMessage)
	mux.HandleFunc("GET /api/participants", h.ListParticipants)
	mux.Handle("GET /metrics", hub.Metrics().Handler())

	mux.HandleFunc("GET /ws", h.HandleWS)

	return loggingMiddleware(log, corsMiddleware(client.AllowedOrigin, mux))
}

func loggingMiddleware(log *zap.Logger, next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		next.ServeHTTP(w, r)
		if r.URL.Path == "/metrics" {
			return
		}
		log.Debug("http request",
			zap.String("method", r.Method),
			zap.String("path", r.URL.Path),
			zap.Duration("duration", time.Since(start).Round(time.Microsecond)),
		)
	})
}

func corsMiddleware(allowed string, next http.Handler) http.Handler {
	allowed = strings.TrimSpace(allowed)
	if allowed == "" {
		allowed = "*"
	}
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Access-Control-Allow-Origin", allowed)
		w.Header().Set("Access-Control-Allow-Methods", "GET, POST, OPTIONS")
		w.Header().Set("Access-Control-Allow-Headers", "Content-Type")
		if r.Method == http.MethodOptions {
			w.WriteHeader(http.StatusNoContent)
			return
		}
		next.ServeHTTP(w, r)
	})
}
