package cli

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
)

var (
	flagServer string
	flagName   string
)

func newRootCmd() *cobra.Command {
	root := &cobra.Command{
		Use:           "meshroom",
		Short:         "Real-time group session server with shared resonance state",
		SilenceUsage:  true,
		SilenceErrors: true,
	}

	// Resolve defaults: flags > env vars > hardcoded defaults.
	root.PersistentFlags().StringVarP(&flagServer, "server", "s", envOrDefault("MESH_SERVER", "http://localhost:3001"), "server URL")
	root.PersistentFlags().StringVarP(&flagName, "name", "n", envOrDefault("MESH_NAME", ""), "display name")

	root.AddCommand(
		newServeCmd(),
		newStatusCmd(),
		newHistoryCmd(),
		newSendCmd(),
		newWatchCmd(),
		newDigestCmd(),
		newSummonCmd(),
		newMeshCmd(),
		newRelayCmd(),
		newMCPServeCmd(),
	)

	return root
}

// Execute runs the CLI.
func Execute() {
	if err := newRootCmd().Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func envOrDefault(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}
