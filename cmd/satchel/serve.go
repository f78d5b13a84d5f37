package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"satchel/internal/config"
	"satchel/internal/httpmw"
	"satchel/internal/objstore"
	"satchel/internal/tempfile"
	"satchel/internal/upload"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/cors"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"
)

func newServeCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Start the upload proxy",
		RunE:  runServe,
	}

	cmd.Flags().Int("port", 3000, "HTTP listen port (env: SATCHEL_SERVER_PORT)")
	cmd.Flags().String("store-driver", "", "object store client: minio or aws (env: SATCHEL_STORE_DRIVER)")
	cmd.Flags().String("endpoint", "", "object store host (env: MINIO_ENDPOINT)")
	cmd.Flags().String("bucket", "", "bucket name (env: MINIO_BUCKET)")
	cmd.Flags().String("prefix", "", "key prefix inside the bucket (env: MINIO_UPLOADS_FOLDER_NAME)")
	cmd.Flags().String("temp-dir", "", "staging directory for downloads and uploads (env: SATCHEL_TEMP_DIR)")
	return cmd
}

func fileKey(r *http.Request) string {
	return chi.URLParam(r, "filename")
}

// newRouter mounts one dispatcher middleware per route in front of the
// JSON and file responders.
func newRouter(d *upload.Dispatcher, temp *tempfile.Dir, corsCfg config.CORSConfig, metrics http.Handler) http.Handler {
	r := chi.NewRouter()
	r.Use(httpmw.Recoverer, httpmw.LogRequest)

	if corsCfg.Enabled {
		r.Use(cors.Handler(cors.Options{
			AllowedOrigins:   corsCfg.AllowedOrigins,
			AllowedMethods:   corsCfg.AllowedMethods,
			AllowedHeaders:   corsCfg.AllowedHeaders,
			ExposedHeaders:   corsCfg.ExposedHeaders,
			AllowCredentials: corsCfg.AllowCredentials,
			MaxAge:           corsCfg.MaxAge,
		}))
	}

	jsonOut := http.HandlerFunc(respondJSON)
	fileOut := respondFile(temp)
	op := func(o upload.Operation, next http.Handler) http.Handler {
		return d.Middleware(&upload.Options{Op: o})(next)
	}

	r.Route("/files", func(r chi.Router) {
		r.Method(http.MethodPost, "/", op(upload.Post, jsonOut))
		r.Method(http.MethodPost, "/stream", op(upload.PostStream, jsonOut))
		r.Method(http.MethodGet, "/", op(upload.List, jsonOut))
		r.Method(http.MethodGet, "/{filename}", op(upload.Get, fileOut))
		r.Method(http.MethodGet, "/{filename}/stream", op(upload.GetStream, fileOut))
		r.Method(http.MethodDelete, "/{filename}", op(upload.Delete, jsonOut))
	})

	if metrics != nil {
		r.Method(http.MethodGet, "/metrics", metrics)
	}

	return r
}

func runServe(cmd *cobra.Command, args []string) error {
	cfg, err := configFromContext(cmd.Context())
	if err != nil {
		return err
	}

	temp, err := tempfile.New(cfg.Temp.Dir)
	if err != nil {
		return fmt.Errorf("prepare temp dir: %w", err)
	}

	client := objstore.New(cfg.StoreConfig())

	observer, err := upload.NewPrometheusObserver("satchel", prometheus.DefaultRegisterer)
	if err != nil {
		return err
	}

	dispatcher := upload.New(client, temp,
		upload.WithKeyFunc(fileKey),
		upload.WithObserver(observer),
	)

	httpServer := &http.Server{
		Addr:              fmt.Sprintf(":%d", cfg.Server.Port),
		Handler:           newRouter(dispatcher, temp, cfg.Server.CORS, promhttp.Handler()),
		ReadHeaderTimeout: 20 * time.Second,
	}

	eg, ctx := errgroup.WithContext(cmd.Context())
	eg.Go(func() error {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 30*time.Second)
		defer cancel()
		return httpServer.Shutdown(shutdownCtx)
	})

	eg.Go(func() error {
		// The bucket is initialized lazily; this only surfaces a bad store
		// configuration early.
		if _, err := client.Instance(ctx); err != nil && ctx.Err() == nil {
			slog.Warn("Object store not ready", "endpoint", cfg.Store.Endpoint, "bucket", cfg.Store.Bucket, "err", err)
		}
		return nil
	})

	eg.Go(func() error {
		slog.Info("Starting satchel HTTP server", "port", cfg.Server.Port, "bucket", cfg.Store.Bucket, "driver", cfg.Store.Driver)
		err := httpServer.ListenAndServe()
		if !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})

	return eg.Wait()
}
