package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"

	"tokenrelay/internal/app"
	"tokenrelay/internal/config"
	"tokenrelay/internal/logging"

	log "github.com/sirupsen/logrus"
	"github.com/spf13/cobra"
)

var envFile string

func main() {
	rootCmd := &cobra.Command{
		Use:          "tokenrelay",
		Short:        "OpenAI-compatible usage-metering proxy for a local inference backend",
		SilenceUsage: true,
	}
	rootCmd.PersistentFlags().StringVar(&envFile, "env", "", "environment file to load before reading configuration")

	serveCmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the proxy server",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, errLoad := config.Load(envFile)
			if errLoad != nil {
				return errLoad
			}
			logging.Setup(cfg.LogLevel, cfg.LogFile)

			ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()
			return app.RunServer(ctx, cfg)
		},
	}

	migrateCmd := &cobra.Command{
		Use:   "migrate",
		Short: "Apply database migrations and exit",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, errLoad := config.Load(envFile)
			if errLoad != nil {
				return errLoad
			}
			logging.Setup(cfg.LogLevel, cfg.LogFile)
			return app.Migrate(cfg)
		},
	}

	rootCmd.AddCommand(serveCmd, migrateCmd)

	if errExecute := rootCmd.Execute(); errExecute != nil {
		log.WithError(errExecute).Error("exiting")
		os.Exit(1)
	}
}
