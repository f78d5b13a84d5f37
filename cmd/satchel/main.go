package main

import (
	"context"
	"errors"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"satchel/internal/config"

	"github.com/spf13/cobra"
)

var version = "dev"

type configKey struct{}

func withConfig(ctx context.Context, cfg *config.Config) context.Context {
	return context.WithValue(ctx, configKey{}, cfg)
}

func configFromContext(ctx context.Context) (*config.Config, error) {
	cfg, ok := ctx.Value(configKey{}).(*config.Config)
	if !ok || cfg == nil {
		return nil, errors.New("config not found in context")
	}
	return cfg, nil
}

func newRootCmd() *cobra.Command {
	root := &cobra.Command{
		Version: version,
		Use:     "satchel",
		Short:   "File upload proxy for S3-compatible object stores",
		Long: `satchel accepts multipart uploads and download, list and delete
requests over HTTP and forwards them to an S3-compatible bucket.`,
		SilenceUsage: true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			configFile, _ := cmd.Flags().GetString("config")
			cfg, err := config.Load(configFile, cmd.Flags())
			if err != nil {
				return err
			}
			setupLogging(cfg.Log.Level)
			cmd.SetContext(withConfig(cmd.Context(), cfg))
			return nil
		},
	}

	root.PersistentFlags().String("config", "", "config file path (default: ./config.yaml)")
	root.PersistentFlags().String("log-level", "", "log level: debug, info, warn, error (env: SATCHEL_LOG_LEVEL)")

	root.AddCommand(newServeCmd(), newDevstoreCmd())
	return root
}

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := newRootCmd().ExecuteContext(ctx); err != nil {
		slog.Error("Satchel exited with error", "error", err)
		stop()
		os.Exit(1)
	}
}
