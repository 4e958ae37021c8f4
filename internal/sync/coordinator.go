// Package sync is the normalization-and-fan-out engine's write side: it
// takes validated NotaFiscal records and lands them consistently on three
// tabular destinations — the summary ledger (one row per dedup key), the
// item ledger (one row per line item), and a per-issuer ledger.
//
// The destination store has no multi-row transactions, so consistency comes
// from an ordered, retried, idempotent-upsert protocol: summary first, then
// items, then the issuer ledger, each step independently retried under a
// shared backoff policy. Commits for the same dedup key serialize on a
// per-key lock; commits for different keys run fully concurrently. A commit
// interrupted after the summary write leaves the record partiallyWritten;
// re-invoking Commit with the same record detects the rows it already wrote
// (by processing id) and completes only the missing steps.
package sync

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"nfsync/internal/logger"
	"nfsync/internal/store"
	"nfsync/pkg/models"
)

// Coordinator executes multi-destination commits.
type Coordinator struct {
	store   store.TabularStore
	issuers *IssuerLedgers
	policy  Policy
	log     zerolog.Logger

	// locks holds one mutex per dedup key seen by this process.
	locks sync.Map

	// now is swapped in tests for deterministic timestamps.
	now func() time.Time
}

// NewCoordinator creates a Coordinator writing through st with the given
// retry policy.
func NewCoordinator(st store.TabularStore, issuers *IssuerLedgers, policy Policy) *Coordinator {
	return &Coordinator{
		store:   st,
		issuers: issuers,
		policy:  policy,
		log:     logger.WithComponent("coordinator"),
		now:     time.Now,
	}
}

// Commit writes the record to all three ledgers with at-least-once delivery
// per destination and at-most-once effective rows per dedup key.
//
// On partial failure the returned receipt is marked incomplete and the
// record's status becomes partiallyWritten; the returned error wraps the
// failing step. The caller may re-invoke Commit with the same record to
// resume. On success the record's status becomes committed.
func (c *Coordinator) Commit(ctx context.Context, record *models.NotaFiscal) (*CommitReceipt, error) {
	const op = "Commit"

	if record == nil {
		return nil, ErrNotCommittable
	}
	if record.Status != models.StatusValidated && record.Status != models.StatusPartiallyWritten {
		return nil, ErrNotCommittable
	}
	if record.ProcessingID == "" {
		record.ProcessingID = uuid.NewString()
	}

	key := record.Key()
	keyStr := key.String()

	// Duplicate submissions for the same key serialize here; the loser
	// observes the winner's summary row and performs an update.
	mu := c.lockFor(keyStr)
	mu.Lock()
	defer mu.Unlock()

	processedAt := c.now()
	record.ProcessedAt = processedAt

	receipt := &CommitReceipt{
		Key:          key,
		ProcessingID: record.ProcessingID,
		Summary:      StepPending,
		Items:        StepPending,
		Issuer:       StepPending,
	}

	log := c.log.With().Str("key", keyStr).Str("processing_id", record.ProcessingID).Logger()

	summaryStatus, err := c.commitSummary(ctx, record, keyStr, processedAt)
	receipt.Summary = summaryStatus
	if err != nil {
		receipt.FailedStep = "summary"
		log.Error().Err(err).Msg("Summary ledger write failed")
		return receipt, &CommitError{Step: "summary", Key: key, Err: err}
	}

	// The summary row is durable from here on; any later failure leaves a
	// resumable partial commit rather than a lost record.
	itemsStatus, itemRows, err := c.commitItems(ctx, record, keyStr, processedAt)
	receipt.Items = itemsStatus
	receipt.ItemRows = itemRows
	if err != nil {
		record.Status = models.StatusPartiallyWritten
		receipt.FailedStep = "items"
		log.Error().Err(err).Msg("Item ledger write failed, record partially written")
		return receipt, &CommitError{Step: "items", Key: key, Err: err}
	}

	issuerStatus, issuerLedger, err := c.commitIssuer(ctx, record, keyStr, processedAt)
	receipt.Issuer = issuerStatus
	receipt.IssuerLedger = issuerLedger
	if err != nil {
		record.Status = models.StatusPartiallyWritten
		receipt.FailedStep = "issuer"
		log.Error().Err(err).Msg("Issuer ledger write failed, record partially written")
		return receipt, &CommitError{Step: "issuer", Key: key, Err: err}
	}

	record.Status = models.StatusCommitted
	receipt.Complete = true

	log.Info().
		Str("summary", string(receipt.Summary)).
		Str("items", string(receipt.Items)).
		Str("issuer", string(receipt.Issuer)).
		Str("issuer_ledger", issuerLedger).
		Int("item_rows", itemRows).
		Msg("Record committed to all ledgers")

	return receipt, nil
}

// commitSummary upserts the record's summary row. A row already carrying
// this record's processing id means a previous invocation got this far; the
// step is skipped on resume.
func (c *Coordinator) commitSummary(ctx context.Context, record *models.NotaFiscal, key string, processedAt time.Time) (StepStatus, error) {
	if err := c.ensureLedger(ctx, SummaryLedger, summaryHeader()); err != nil {
		return StepFailed, err
	}

	existing, exists, err := c.readRowByKey(ctx, SummaryLedger, key)
	if err != nil {
		return StepFailed, err
	}
	if exists && rowProcessingID(existing) == record.ProcessingID {
		return StepSkipped, nil
	}

	row := summaryRow(record, processedAt)
	err = c.policy.Retry(ctx, func(ctx context.Context) error {
		_, err := c.store.UpsertRow(ctx, SummaryLedger, key, row)
		return err
	})
	if err != nil {
		return StepFailed, err
	}
	if exists {
		return StepUpdated, nil
	}
	return StepInserted, nil
}

// commitItems replaces the key's item rows. Prior rows for the key are
// superseded rather than duplicated; a resumed commit that already wrote
// its items is detected by processing id and skipped.
func (c *Coordinator) commitItems(ctx context.Context, record *models.NotaFiscal, key string, processedAt time.Time) (StepStatus, int, error) {
	if len(record.Items) == 0 {
		return c.clearStaleItems(ctx, record, key)
	}

	if err := c.ensureLedger(ctx, ItemsLedger, itemsHeader()); err != nil {
		return StepFailed, 0, err
	}

	existing, exists, err := c.readRowByKey(ctx, ItemsLedger, key)
	if err != nil {
		return StepFailed, 0, err
	}
	if exists && rowProcessingID(existing) == record.ProcessingID {
		return StepSkipped, len(record.Items), nil
	}

	rows := itemRows(record, processedAt)
	err = c.policy.Retry(ctx, func(ctx context.Context) error {
		return c.store.ReplaceRowsByKey(ctx, ItemsLedger, key, rows)
	})
	if err != nil {
		return StepFailed, 0, err
	}
	if exists {
		return StepUpdated, len(rows), nil
	}
	return StepInserted, len(rows), nil
}

// clearStaleItems handles an itemless record. A prior submission of the
// same key may have written item rows; an update must supersede them, or
// the item ledger would disagree with a summary row reporting zero items.
func (c *Coordinator) clearStaleItems(ctx context.Context, record *models.NotaFiscal, key string) (StepStatus, int, error) {
	existing, exists, err := c.readRowByKey(ctx, ItemsLedger, key)
	if err != nil {
		if errors.Is(err, store.ErrLedgerNotFound) {
			return StepSkipped, 0, nil
		}
		return StepFailed, 0, err
	}
	if !exists || rowProcessingID(existing) == record.ProcessingID {
		return StepSkipped, 0, nil
	}

	err = c.policy.Retry(ctx, func(ctx context.Context) error {
		return c.store.ReplaceRowsByKey(ctx, ItemsLedger, key, nil)
	})
	if err != nil {
		return StepFailed, 0, err
	}
	return StepUpdated, 0, nil
}

// commitIssuer resolves the issuer's ledger (provisioning it on first
// sight) and upserts the record's row there.
func (c *Coordinator) commitIssuer(ctx context.Context, record *models.NotaFiscal, key string, processedAt time.Time) (StepStatus, string, error) {
	var handle store.LedgerHandle
	err := c.policy.Retry(ctx, func(ctx context.Context) error {
		var err error
		handle, err = c.issuers.Resolve(ctx, record.Issuer.TaxID, record.Issuer.Name)
		return err
	})
	if err != nil {
		return StepFailed, "", err
	}

	existing, exists, err := c.readRowByKey(ctx, handle.Name, key)
	if err != nil {
		return StepFailed, handle.Name, err
	}
	if exists && rowProcessingID(existing) == record.ProcessingID {
		return StepSkipped, handle.Name, nil
	}

	row := issuerRow(record, processedAt)
	err = c.policy.Retry(ctx, func(ctx context.Context) error {
		_, err := c.store.UpsertRow(ctx, handle.Name, key, row)
		return err
	})
	if err != nil {
		return StepFailed, handle.Name, err
	}
	if exists {
		return StepUpdated, handle.Name, nil
	}
	return StepInserted, handle.Name, nil
}

func (c *Coordinator) ensureLedger(ctx context.Context, name string, header store.Header) error {
	return c.policy.Retry(ctx, func(ctx context.Context) error {
		_, err := c.store.EnsureLedger(ctx, name, header)
		return err
	})
}

func (c *Coordinator) readRowByKey(ctx context.Context, ledger, key string) (store.Row, bool, error) {
	var (
		row    store.Row
		exists bool
	)
	err := c.policy.Retry(ctx, func(ctx context.Context) error {
		var err error
		row, exists, err = c.store.ReadRowByKey(ctx, ledger, key)
		return err
	})
	return row, exists, err
}

func (c *Coordinator) lockFor(key string) *sync.Mutex {
	v, _ := c.locks.LoadOrStore(key, &sync.Mutex{})
	return v.(*sync.Mutex)
}
