package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"satchel/internal/devstore"

	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"
)

func newDevstoreCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "devstore",
		Short: "Run a local S3-compatible store for development",
		Long: `devstore serves a small, unauthenticated subset of the S3 API from a
local directory. Point satchel serve at it with --endpoint localhost.`,
		RunE: runDevstore,
	}

	cmd.Flags().Int("devstore-port", 9000, "HTTP listen port (env: SATCHEL_DEVSTORE_PORT)")
	cmd.Flags().String("data-dir", "", "directory holding objects and metadata (env: SATCHEL_DEVSTORE_DATA_DIR)")
	return cmd
}

func runDevstore(cmd *cobra.Command, args []string) error {
	cfg, err := configFromContext(cmd.Context())
	if err != nil {
		return err
	}

	server, err := devstore.NewServer(cmd.Context(), devstore.NewConfig(
		devstore.WithDataDir(cfg.Devstore.DataDir),
		devstore.WithRegion(cfg.Devstore.Region),
	))
	if err != nil {
		return fmt.Errorf("failed to create devstore server: %w", err)
	}
	defer server.Close()

	httpServer := &http.Server{
		Addr:              fmt.Sprintf(":%d", cfg.Devstore.Port),
		Handler:           server.Handler(),
		ReadHeaderTimeout: 20 * time.Second,
	}

	eg, ctx := errgroup.WithContext(cmd.Context())
	eg.Go(func() error {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 10*time.Second)
		defer cancel()
		return httpServer.Shutdown(shutdownCtx)
	})

	eg.Go(func() error {
		slog.Info("Starting devstore", "port", cfg.Devstore.Port, "data_dir", server.Config.DataDir)
		err := httpServer.ListenAndServe()
		if !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})

	return eg.Wait()
}
