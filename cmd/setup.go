package cmd

import (
	"context"
	"fmt"

	"nfsync/internal/config"
	"nfsync/internal/extract"
	"nfsync/internal/logger"
	"nfsync/internal/normalize"
	"nfsync/internal/service"
	"nfsync/internal/stats"
	"nfsync/internal/store"
	syncpkg "nfsync/internal/sync"
)

// loadConfig loads and validates configuration for commands that need the
// full pipeline.
func loadConfig() (*config.Config, error) {
	cfg, err := config.Load()
	if err != nil {
		return nil, fmt.Errorf("configuration error: %w", err)
	}
	return cfg, nil
}

// buildProcessor wires the full pipeline from configuration. Extraction
// backends are optional: a missing Google Cloud project disables the PDF
// path, a missing OpenAI key disables the image path, and a document of a
// disabled kind is rejected as unsupported at request time.
func buildProcessor(ctx context.Context, cfg *config.Config) (*service.Processor, error) {
	log := logger.WithComponent("setup")

	st, err := store.NewSheetsStore(ctx, cfg.GoogleSheetURL)
	if err != nil {
		return nil, fmt.Errorf("failed to create sheets store: %w", err)
	}

	var pdf, image extract.Extractor
	if cfg.GoogleCloudProject != "" {
		backend, err := extract.NewDocumentAIExtractor(ctx)
		if err != nil {
			return nil, fmt.Errorf("failed to create Document AI extractor: %w", err)
		}
		pdf = backend
	} else {
		log.Warn().Msg("GOOGLE_CLOUD_PROJECT not set, PDF extraction disabled")
	}
	if cfg.OpenAIAPIKey != "" {
		backend, err := extract.NewCompletionExtractor(ctx)
		if err != nil {
			return nil, fmt.Errorf("failed to create image extractor: %w", err)
		}
		image = backend
	} else {
		log.Warn().Msg("OPENAI_API_KEY not set, image extraction disabled")
	}

	normalizer := normalize.New(normalize.Options{
		ToleranceCents: cfg.ToleranceCents,
		TolerancePct:   cfg.TolerancePct,
	})

	policy := syncpkg.Policy{
		MaxAttempts:    cfg.RetryMaxAttempts,
		BaseDelay:      cfg.RetryBaseDelay,
		MaxDelay:       cfg.RetryMaxDelay,
		Jitter:         0.2,
		AttemptTimeout: cfg.AttemptTimeout,
	}

	issuers := syncpkg.NewIssuerLedgers(st)
	coordinator := syncpkg.NewCoordinator(st, issuers, policy)
	engine := stats.NewEngine(st)

	return service.NewProcessor(
		extract.NewRouter(pdf, image),
		normalizer,
		coordinator,
		engine,
		st,
	), nil
}
