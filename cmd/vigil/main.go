package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/bdougie/vigil/internal/config"
	"github.com/bdougie/vigil/internal/logging"
	"github.com/bdougie/vigil/internal/pipeline"
)

// app is shared by every subcommand once the root command has loaded settings
type app struct {
	configPath string
	settings   *config.Settings
	logger     *slog.Logger
}

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	a := &app{}
	if err := rootCommand(a).ExecuteContext(ctx); err != nil {
		if errors.Is(err, pipeline.ErrInterrupted) {
			a.logger.Warn("stopped by shutdown signal; unfinished videos resume on next run")
			return
		}
		fmt.Fprintln(os.Stderr, "Error:", err)
		stop()
		os.Exit(1)
	}
}

func rootCommand(a *app) *cobra.Command {
	rootCmd := &cobra.Command{
		Use:           "vigil",
		Short:         "Object detection, tracking and lifecycle events for recorded video",
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			settings, err := config.Load(a.configPath)
			if err != nil {
				return err
			}
			a.settings = settings
			a.logger = logging.New(os.Stderr, settings.LogLevel, settings.LogFormat)
			slog.SetDefault(a.logger)
			return nil
		},
	}

	rootCmd.PersistentFlags().StringVarP(&a.configPath, "config", "c", "", "Path to a YAML config file")

	rootCmd.AddCommand(
		runCommand(a),
		indexCommand(a),
		statusCommand(a),
		resetCommand(a),
		migrateCommand(a),
	)
	return rootCmd
}
