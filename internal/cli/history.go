package cli

import (
	"encoding/json"
	"fmt"

	"github.com/corvino/meshroom/internal/client"
	"github.com/spf13/cobra"
)

func newHistoryCmd() *cobra.Command {
	var (
		limit  int
		format string
	)

	cmd := &cobra.Command{
		Use:   "history",
		Short: "Print recent messages",
		RunE: func(cmd *cobra.Command, args []string) error {
			list, err := client.NewAPI(flagServer).History(cmd.Context(), limit)
			if err != nil {
				return err
			}

			out := cmd.OutOrStdout()
			if format == "json" {
				enc := json.NewEncoder(out)
				enc.SetIndent("", "  ")
				return enc.Encode(list)
			}
			if list.Count == 0 {
				fmt.Fprintln(out, "no messages")
				return nil
			}
			for _, m := range list.Messages {
				fmt.Fprintln(out, formatMessage(m))
			}
			return nil
		},
	}

	cmd.Flags().IntVar(&limit, "limit", 20, "max messages to return")
	cmd.Flags().StringVar(&format, "format", "plain", "output format: plain, json")
	return cmd
}
