package cli

import (
	"fmt"

	"github.com/corvino/meshroom/internal/logging"
	"github.com/corvino/meshroom/internal/mcp"
	"github.com/spf13/cobra"
)

func newMCPServeCmd() *cobra.Command {
	var (
		server string
		name   string
		aiName string
	)

	cmd := &cobra.Command{
		Use:    "mcp-serve",
		Short:  "Start the MCP stdio server for AI participants",
		Long:   `Runs a Model Context Protocol (MCP) server over stdio. An AI client connects to this as a subprocess to act on the session. It joins as an ai-proxy participant so it counts toward the mesh quorum and can summon circuits, initiate the mesh and relay thoughts.`,
		Hidden: true, // Not typically called by users directly
		RunE: func(cmd *cobra.Command, args []string) error {
			if server == "" {
				server = flagServer
			}
			if name == "" {
				name = flagName
			}
			if server == "" {
				return fmt.Errorf("server URL is required (use --server or MESH_SERVER)")
			}
			if name == "" {
				return fmt.Errorf("name is required (use --name or MESH_NAME)")
			}

			// stdout carries the MCP stream; zap writes to stderr.
			log, err := logging.New("warn", false)
			if err != nil {
				return err
			}
			defer log.Sync()

			return mcp.Serve(mcp.Config{
				ServerURL: server,
				Name:      name,
				AIName:    aiName,
				Logger:    log,
			})
		},
	}

	cmd.Flags().StringVar(&server, "server", "", "server URL (overrides global --server)")
	cmd.Flags().StringVar(&name, "name", "", "sender name (overrides global --name)")
	cmd.Flags().StringVar(&aiName, "ai-name", "", "AI label shown next to the participant name")
	return cmd
}
