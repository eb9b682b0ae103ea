package cli

import (
	"context"
	"os"
	"os/signal"
	"syscall"

	"github.com/corvino/meshroom/internal/app"
	"github.com/corvino/meshroom/internal/config"
	"github.com/corvino/meshroom/internal/logging"
	"github.com/spf13/cobra"
)

func newServeCmd() *cobra.Command {
	var (
		port       int
		dbPath     string
		noPersist  bool
		logLevel   string
		uniqueName bool
	)

	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the session coordination server",
		Long: `Runs the WebSocket session server. Settings come from MESH_* environment
variables (and an optional .env file); flags override them.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load()
			if err != nil {
				return err
			}
			flags := cmd.Flags()
			if flags.Changed("port") {
				cfg.Port = port
			}
			if flags.Changed("db") {
				cfg.DBPath = dbPath
			}
			if flags.Changed("no-persist") {
				cfg.NoPersist = noPersist
			}
			if flags.Changed("log-level") {
				cfg.LogLevel = logLevel
			}
			if flags.Changed("unique-names") {
				cfg.UniqueNames = uniqueName
			}
			if err := cfg.Validate(); err != nil {
				return err
			}

			log, err := logging.New(cfg.LogLevel, cfg.Development())
			if err != nil {
				return err
			}
			defer log.Sync()

			ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
			defer stop()
			return app.Run(ctx, cfg, log)
		},
	}

	cmd.Flags().IntVarP(&port, "port", "p", 3001, "listen port")
	cmd.Flags().StringVar(&dbPath, "db", "", "SQLite database path")
	cmd.Flags().BoolVar(&noPersist, "no-persist", false, "keep history in memory only")
	cmd.Flags().StringVar(&logLevel, "log-level", "info", "debug, info, warn or error")
	cmd.Flags().BoolVar(&uniqueName, "unique-names", false, "reject display names already in use")
	return cmd
}
