package cli

import (
	"context"
	"fmt"
	"os"
	"os/signal"

	"github.com/corvino/meshroom/internal/client"
	"github.com/corvino/meshroom/internal/logging"
	"github.com/corvino/meshroom/internal/protocol"
	"github.com/spf13/cobra"
)

func newWatchCmd() *cobra.Command {
	var (
		noColor  bool
		kind     string
		aiLabel  string
		logLevel string
	)

	cmd := &cobra.Command{
		Use:   "watch",
		Short: "Stream live session events via WebSocket",
		Long: `Opens a WebSocket to the server and prints every event. With --name the
connection identifies and appears in the roster; without it, it only observes.
Reconnects with exponential backoff until interrupted.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			log, err := logging.New(logLevel, true)
			if err != nil {
				return err
			}
			defer log.Sync()

			ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt)
			defer stop()

			ws := client.NewWSConn(flagServer, protocol.IdentifyPayload{
				Name:    flagName,
				Kind:    kind,
				AILabel: aiLabel,
			}, log)
			go ws.Run(ctx)

			out := cmd.OutOrStdout()
			for ev := range ws.Events() {
				for _, line := range formatEvent(ev, !noColor) {
					fmt.Fprintln(out, line)
				}
			}
			fmt.Fprintln(cmd.ErrOrStderr(), "disconnected")
			return nil
		},
	}

	cmd.Flags().BoolVar(&noColor, "no-color", false, "disable colored output (useful for piping/logging)")
	cmd.Flags().StringVar(&kind, "type", "human", "participant type: human or ai")
	cmd.Flags().StringVar(&aiLabel, "ai-name", "", "AI label shown next to the display name")
	cmd.Flags().StringVar(&logLevel, "log-level", "warn", "connection log level")
	return cmd
}
