// Package service wires the pipeline end to end: extraction, normalization
// and the ledger fan-out, plus the read-side queries. It is the only layer
// the CLI and the HTTP server talk to.
package service

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"nfsync/internal/extract"
	"nfsync/internal/logger"
	"nfsync/internal/normalize"
	"nfsync/internal/stats"
	"nfsync/internal/store"
	syncpkg "nfsync/internal/sync"
	"nfsync/pkg/models"
)

// ProcessingOutcome is the full result of processing one document.
type ProcessingOutcome struct {
	Record   *models.NotaFiscal
	Warnings []normalize.Warning
	Receipt  *syncpkg.CommitReceipt
}

// Health reports reachability of the processor's dependencies.
type Health struct {
	ExtractionReachable bool   `json:"extraction_reachable"`
	ExtractionError     string `json:"extraction_error,omitempty"`
	StoreReachable      bool   `json:"store_reachable"`
	StoreError          string `json:"store_error,omitempty"`
}

// Processor runs documents through extract, normalize and commit.
type Processor struct {
	extractor   extract.Extractor
	normalizer  *normalize.Normalizer
	coordinator *syncpkg.Coordinator
	engine      *stats.Engine
	store       store.TabularStore
	log         zerolog.Logger

	// pending holds partially written records keyed by source fingerprint
	// so a resubmission of the same bytes resumes the interrupted commit
	// instead of starting a fresh one.
	mu      sync.Mutex
	pending map[string]*models.NotaFiscal
}

// NewProcessor assembles the pipeline.
func NewProcessor(extractor extract.Extractor, normalizer *normalize.Normalizer, coordinator *syncpkg.Coordinator, engine *stats.Engine, st store.TabularStore) *Processor {
	return &Processor{
		extractor:   extractor,
		normalizer:  normalizer,
		coordinator: coordinator,
		engine:      engine,
		store:       st,
		log:         logger.WithComponent("processor"),
		pending:     make(map[string]*models.NotaFiscal),
	}
}

// ProcessDocument runs one document through the full pipeline.
//
// Extraction and validation failures reject the document before anything
// touches the store. A commit failure returns the outcome with a partial
// receipt alongside the error; resubmitting the same document resumes the
// commit where it stopped.
func (p *Processor) ProcessDocument(ctx context.Context, data []byte, mimeType, filename string) (*ProcessingOutcome, error) {
	const op = "ProcessDocument"

	fingerprint := fingerprintOf(data)
	log := p.log.With().Str("filename", filename).Str("fingerprint", fingerprint[:12]).Logger()

	if record := p.takePending(fingerprint); record != nil {
		log.Info().
			Str("key", record.Key().String()).
			Str("processing_id", record.ProcessingID).
			Msg("Resuming interrupted commit for resubmitted document")
		return p.commit(ctx, record, nil, fingerprint, log)
	}

	start := time.Now()
	raw, err := p.extractor.Extract(ctx, data, mimeType)
	if err != nil {
		log.Warn().Err(err).Msg("Extraction failed")
		return nil, fmt.Errorf("%s: %w", op, err)
	}
	log.Debug().Dur("elapsed", time.Since(start)).Msg("Extraction completed")

	record, warnings, err := p.normalizer.Normalize(raw)
	if err != nil {
		log.Warn().Err(err).Msg("Payload rejected by validation")
		return nil, fmt.Errorf("%s: %w", op, err)
	}
	record.SourceFilename = filename
	record.SourceFingerprint = fingerprint

	for _, w := range warnings {
		log.Warn().
			Str("kind", string(w.Kind)).
			Str("field", w.Field).
			Str("detail", w.Message).
			Msg("Normalization warning")
	}

	return p.commit(ctx, record, warnings, fingerprint, log)
}

func (p *Processor) commit(ctx context.Context, record *models.NotaFiscal, warnings []normalize.Warning, fingerprint string, log zerolog.Logger) (*ProcessingOutcome, error) {
	const op = "ProcessDocument"

	receipt, err := p.coordinator.Commit(ctx, record)
	outcome := &ProcessingOutcome{Record: record, Warnings: warnings, Receipt: receipt}
	if err != nil {
		if record.Status == models.StatusPartiallyWritten {
			p.storePending(fingerprint, record)
		}
		return outcome, fmt.Errorf("%s: %w", op, err)
	}

	log.Info().
		Str("key", record.Key().String()).
		Str("processing_id", record.ProcessingID).
		Int("items", len(record.Items)).
		Msg("Document processed and committed")
	return outcome, nil
}

// GetStatistics returns the aggregate view over the summary ledger.
func (p *Processor) GetStatistics(ctx context.Context) (*stats.Statistics, error) {
	return p.engine.Stats(ctx)
}

// GetRecent returns up to n most recently processed invoices.
func (p *Processor) GetRecent(ctx context.Context, n int) ([]stats.SummaryEntry, error) {
	return p.engine.Recent(ctx, n)
}

// CheckHealth probes the extraction backends and the destination store.
func (p *Processor) CheckHealth(ctx context.Context) Health {
	h := Health{ExtractionReachable: true, StoreReachable: true}
	if prober, ok := p.extractor.(extract.Prober); ok {
		if err := prober.Probe(ctx); err != nil {
			h.ExtractionReachable = false
			h.ExtractionError = err.Error()
		}
	}
	if err := p.store.Ping(ctx); err != nil {
		h.StoreReachable = false
		h.StoreError = err.Error()
	}
	return h
}

func (p *Processor) takePending(fingerprint string) *models.NotaFiscal {
	p.mu.Lock()
	defer p.mu.Unlock()
	record, ok := p.pending[fingerprint]
	if !ok {
		return nil
	}
	delete(p.pending, fingerprint)
	return record
}

func (p *Processor) storePending(fingerprint string, record *models.NotaFiscal) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.pending[fingerprint] = record
}

func fingerprintOf(data []byte) string {
	sum := sha256.Sum256(data)
	return hex.EncodeToString(sum[:])
}
