package cmd

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"nfsync/internal/logger"
	"nfsync/internal/server"
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the HTTP API for document processing and queries",
	Long: `Start the HTTP server exposing the processing pipeline:

  POST /api/v1/documents        - process an uploaded fiscal document
  GET  /api/v1/statistics       - aggregate view over processed invoices
  GET  /api/v1/documents/recent - most recently processed invoices
  GET  /health                  - destination store reachability`,
	Example: `  # Serve on the configured address (default :8080)
  nfsync serve

  # Serve on an explicit address
  SERVER_ADDR=:9090 nfsync serve`,
	Args: cobra.NoArgs,
	RunE: runServe,
}

func init() {
	rootCmd.AddCommand(serveCmd)
}

func runServe(cmd *cobra.Command, args []string) error {
	log := logger.WithComponent("serve-cmd")

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	cfg, err := loadConfig()
	if err != nil {
		return err
	}

	processor, err := buildProcessor(ctx, cfg)
	if err != nil {
		return err
	}

	handler := server.NewHandler(processor, cfg.MaxFileSizeBytes)
	srv := &http.Server{
		Addr:              cfg.ServerAddr,
		Handler:           server.Setup(handler),
		ReadHeaderTimeout: 10 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		log.Info().Str("addr", cfg.ServerAddr).Msg("HTTP server listening")
		errCh <- srv.ListenAndServe()
	}()

	select {
	case err := <-errCh:
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
	case <-ctx.Done():
		log.Info().Msg("Shutdown signal received, draining connections")
		shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 15*time.Second)
		defer shutdownCancel()
		if err := srv.Shutdown(shutdownCtx); err != nil {
			return err
		}
	}

	log.Info().Msg("HTTP server stopped")
	return nil
}
