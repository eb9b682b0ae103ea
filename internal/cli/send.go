package cli

import (
	"fmt"
	"io"
	"os"
	"strings"

	"github.com/corvino/meshroom/internal/client"
	"github.com/corvino/meshroom/internal/protocol"
	"github.com/spf13/cobra"
)

func newSendCmd() *cobra.Command {
	var (
		msgType string
		body    string
		depth   int
	)

	cmd := &cobra.Command{
		Use:   "send [message]",
		Short: "Send a message to the session",
		Long: `Send a message to the session. Message content can come from:
  - Positional arguments (joined with spaces)
  - The --body flag
  - Stdin (if no args and no --body)`,
		RunE: func(cmd *cobra.Command, args []string) error {
			if flagName == "" {
				return fmt.Errorf("sender name is required (use -n or MESH_NAME)")
			}

			var content string
			switch {
			case body != "":
				content = body
			case len(args) > 0:
				content = strings.Join(args, " ")
			default:
				in := cmd.InOrStdin()
				if !piped(in) {
					return fmt.Errorf("no message provided (use args, --body, or pipe to stdin)")
				}
				b, err := io.ReadAll(in)
				if err != nil {
					return fmt.Errorf("read stdin: %w", err)
				}
				content = string(b)
			}
			content = strings.TrimRight(content, "\n")

			req := protocol.SendRequest{
				Sender:  flagName,
				Content: content,
				Kind:    protocol.MessageKind(msgType),
			}
			if cmd.Flags().Changed("depth") {
				req.Depth = &depth
			}

			msg, err := client.NewAPI(flagServer).SendMessage(cmd.Context(), req)
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.ErrOrStderr(), "sent message %s\n", msg.ID)
			return nil
		},
	}

	cmd.Flags().StringVarP(&msgType, "type", "t", "", "message type: text, code, document, thought, emergence (default: text)")
	cmd.Flags().StringVar(&body, "body", "", "message body (alternative to args/stdin)")
	cmd.Flags().IntVar(&depth, "depth", 0, "thought depth, for circuit messages")
	return cmd
}

// piped reports whether in carries redirected input rather than a terminal.
// Readers that are not files are always treated as piped.
func piped(in io.Reader) bool {
	f, ok := in.(*os.File)
	if !ok {
		return true
	}
	stat, err := f.Stat()
	if err != nil {
		return false
	}
	return stat.Mode()&os.ModeCharDevice == 0
}
