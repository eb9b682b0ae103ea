package mcp

import (
	"context"
	"os"
	"os/signal"
	"syscall"

	"github.com/corvino/meshroom/internal/client"
	"github.com/corvino/meshroom/internal/protocol"
	mcpserver "github.com/mark3labs/mcp-go/server"
	"go.uber.org/zap"
)

// Config holds the configuration for the MCP server.
type Config struct {
	ServerURL string
	Name      string
	AIName    string
	Logger    *zap.Logger
}

func (c Config) identity() protocol.IdentifyPayload {
	return protocol.IdentifyPayload{
		Name:    c.Name,
		Kind:    string(protocol.ParticipantAIProxy),
		AILabel: c.AIName,
	}
}

// NewServer builds the MCP server with every session tool registered.
// Circuit tools write to ws, which the caller runs.
func NewServer(cfg Config, ws *client.WSConn) *mcpserver.MCPServer {
	srv := mcpserver.NewMCPServer(
		"meshroom",
		"1.0.0",
		mcpserver.WithToolCapabilities(true),
	)
	RegisterTools(srv, client.NewAPI(cfg.ServerURL), ws, cfg.Name)
	return srv
}

// Serve joins the session as an ai-proxy participant and starts the MCP
// stdio server. It blocks until stdin is closed or a signal is received.
func Serve(cfg Config) error {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	log := cfg.Logger
	if log == nil {
		log = zap.NewNop()
	}
	ws := client.NewWSConn(cfg.ServerURL, cfg.identity(), log)
	defer ws.Close()
	go ws.Run(ctx)
	go func() {
		// Presence only; tools read state over REST.
		for range ws.Events() {
		}
	}()

	stdioSrv := mcpserver.NewStdioServer(NewServer(cfg, ws))
	return stdioSrv.Listen(ctx, os.Stdin, os.Stdout)
}
