package cli

import (
	"fmt"
	"os"
	"time"

	"github.com/corvino/meshroom/internal/client"
	"github.com/corvino/meshroom/internal/synopsis"
	"github.com/spf13/cobra"
)

func newDigestCmd() *cobra.Command {
	var (
		limit  int
		output string
	)

	cmd := &cobra.Command{
		Use:   "digest",
		Short: "Write a markdown digest of recent session history",
		RunE: func(cmd *cobra.Command, args []string) error {
			api := client.NewAPI(flagServer)
			list, err := api.History(cmd.Context(), limit)
			if err != nil {
				return err
			}
			st, err := api.Status(cmd.Context())
			if err != nil {
				return err
			}

			md := synopsis.Build(list.Messages, st, time.Now())
			if output == "" {
				_, err := fmt.Fprint(cmd.OutOrStdout(), md)
				return err
			}
			if err := os.WriteFile(output, []byte(md), 0o644); err != nil {
				return fmt.Errorf("write digest: %w", err)
			}
			fmt.Fprintf(cmd.ErrOrStderr(), "digest written to %s (%d messages)\n", output, list.Count)
			return nil
		},
	}

	cmd.Flags().IntVar(&limit, "limit", 1000, "max messages to include")
	cmd.Flags().StringVarP(&output, "output", "o", "", "write to file instead of stdout")
	return cmd
}
