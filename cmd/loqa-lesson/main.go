package main

import (
	"context"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/loqalabs/loqa-lessons/internal/config"
	"github.com/loqalabs/loqa-lessons/internal/runtime"
	"github.com/loqalabs/loqa-lessons/internal/telemetry"
)

var (
	configPath string

	cfg    config.Config
	logger *slog.Logger
)

var rootCmd = &cobra.Command{
	Use:           "loqa-lesson",
	Short:         "Turn bilingual phrase lists into spoken language lessons",
	Version:       GetVersion(),
	SilenceUsage:  true,
	SilenceErrors: true,
	Long: `loqa-lesson reads a lesson file of "source / target" phrase pairs,
synthesizes every phrase with a text-to-speech backend and assembles the
clips into per-phrase files, lesson sections, a full lesson track and a
slowed-down practice track.`,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		loaded, err := config.Load(configPath)
		if err != nil {
			return err
		}
		cfg = loaded
		logger = telemetry.NewLogger(cfg.Telemetry, os.Stderr)
		slog.SetDefault(logger)
		return nil
	},
}

func init() {
	rootCmd.PersistentFlags().StringVar(&configPath, "config", "", "Path to configuration file")
	rootCmd.SetVersionTemplate(GetVersionInfo() + "\n")
}

// startRuntime brings up the shared components for commands that synthesize.
func startRuntime(ctx context.Context) (*runtime.Runtime, error) {
	rt := runtime.New(cfg, logger)
	if err := rt.Start(ctx); err != nil {
		return nil, err
	}
	return rt, nil
}

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := rootCmd.ExecuteContext(ctx); err != nil {
		if logger != nil {
			logger.Error("command failed", slog.String("error", err.Error()))
		} else {
			slog.Error("command failed", slog.String("error", err.Error()))
		}
		stop()
		os.Exit(1)
	}
}
