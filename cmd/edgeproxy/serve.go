package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/howard-nolan/edgeproxy/internal/dispatch"
	"github.com/howard-nolan/edgeproxy/internal/ocr"
	"github.com/howard-nolan/edgeproxy/internal/provider"
	"github.com/howard-nolan/edgeproxy/internal/search"
	"github.com/howard-nolan/edgeproxy/internal/server"
)

const shutdownTimeout = 10 * time.Second

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Start the HTTP server",
	Long: `Start the HTTP server.

Configuration comes from built-in defaults, the optional --config file and
EDGEPROXY_ environment variables, in that order. Provider credentials default
to EDENAI_API_KEY, GEMINI_API_KEY, OPENROUTER_API_KEY, ANTHROPIC_API_KEY,
OCR_API_KEY and GITHUB_TOKEN; a provider without one is skipped.`,
	Example: `  # Start with defaults plus environment
  edgeproxy serve

  # Start with a config file
  edgeproxy serve --config /etc/edgeproxy/config.yaml`,
	RunE: runServe,
}

func init() {
	rootCmd.AddCommand(serveCmd)
}

func runServe(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	logger, err := newLogger(cfg)
	if err != nil {
		return err
	}
	defer func() { _ = logger.Sync() }()

	registry, err := provider.NewRegistry(cfg.Providers)
	if err != nil {
		return err
	}

	// Per-attempt deadlines come from the dispatcher's context, so the
	// client itself has no timeout.
	client := &http.Client{}

	d := dispatch.New(cfg, registry, client, logger)
	ocrClient := ocr.New(cfg.OCR, client)
	searchClient := search.New(cfg.Search, client)

	logger.Info("providers configured",
		zap.Strings("dispatch_order", cfg.ConfiguredProviders()),
		zap.Int("candidates", len(d.Candidates(""))),
		zap.Bool("ocr", ocrClient.Configured()),
		zap.Bool("search", searchClient.Configured()),
	)
	if len(registry) == 0 {
		logger.Warn("no text-generation provider has a credential; /api/ai will always fail")
	}

	httpServer := &http.Server{
		Addr:              fmt.Sprintf(":%d", cfg.Server.Port),
		Handler:           server.New(cfg, d, ocrClient, searchClient, logger),
		ReadHeaderTimeout: 10 * time.Second,
		ReadTimeout:       cfg.Server.ReadTimeout,
		WriteTimeout:      cfg.Server.WriteTimeout,
	}

	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	errCh := make(chan error, 1)
	go func() {
		logger.Info("edgeproxy listening", zap.Int("port", cfg.Server.Port))
		if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case err := <-errCh:
		if err != nil {
			return fmt.Errorf("server error: %w", err)
		}
		return nil
	case <-ctx.Done():
	}

	logger.Info("shutting down")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("shutdown: %w", err)
	}
	return nil
}
