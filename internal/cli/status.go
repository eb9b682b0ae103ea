package cli

import (
	"fmt"

	"github.com/corvino/meshroom/internal/client"
	"github.com/spf13/cobra"
)

func newStatusCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "status",
		Short: "Check server health and resonance",
		RunE: func(cmd *cobra.Command, args []string) error {
			st, err := client.NewAPI(flagServer).Status(cmd.Context())
			if err != nil {
				return fmt.Errorf("server unreachable: %w", err)
			}

			out := cmd.OutOrStdout()
			fmt.Fprintf(out, "Status:       %s\n", st.Status)
			fmt.Fprintf(out, "Uptime:       %s\n", st.Uptime)
			fmt.Fprintf(out, "Participants: %d\n", st.Connections)
			fmt.Fprintf(out, "Sockets:      %d\n", st.Sockets)
			fmt.Fprintf(out, "Resonance:    %.2f\n", st.Resonance)
			fmt.Fprintf(out, "Mesh active:  %t\n", st.MeshActive)
			return nil
		},
	}
}
