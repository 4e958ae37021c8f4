package sync

import (
	"context"
	"errors"
	"fmt"
	gosync "sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"nfsync/internal/store"
	"nfsync/pkg/models"
)

func testPolicy() Policy {
	return Policy{
		MaxAttempts:    3,
		BaseDelay:      time.Millisecond,
		MaxDelay:       5 * time.Millisecond,
		Jitter:         0,
		AttemptTimeout: time.Second,
	}
}

func newTestCoordinator(st store.TabularStore) *Coordinator {
	return NewCoordinator(st, NewIssuerLedgers(st), testPolicy())
}

func testRecord(number string) *models.NotaFiscal {
	return &models.NotaFiscal{
		Number: number,
		Series: "1",
		Issuer: models.Party{
			TaxID: "12345678000195",
			Name:  "Distribuidora Alfa Ltda",
		},
		IssueDate:  time.Date(2024, 3, 15, 0, 0, 0, 0, time.UTC),
		TotalCents: 15000,
		TaxCents:   2700,
		Items: []models.LineItem{
			{Code: "P001", Description: "Produto A", Quantity: 2, Unit: "UN", UnitCents: 2500, TotalCents: 5000},
			{Code: "P002", Description: "Produto B", Quantity: 1, Unit: "CX", UnitCents: 10000, TotalCents: 10000},
		},
		SourceFilename: "nota.pdf",
		Status:         models.StatusValidated,
	}
}

func dataRows(t *testing.T, st *store.MemoryStore, ledger, key string) []store.Row {
	t.Helper()
	rows, err := st.ReadAllRows(context.Background(), ledger)
	require.NoError(t, err)
	var matched []store.Row
	for _, row := range rows {
		if len(row) > 0 && row[0] == key {
			matched = append(matched, row)
		}
	}
	return matched
}

func TestCommit_WritesAllLedgers(t *testing.T) {
	st := store.NewMemoryStore()
	c := newTestCoordinator(st)

	record := testRecord("100")
	receipt, err := c.Commit(context.Background(), record)
	require.NoError(t, err)

	assert.True(t, receipt.Complete)
	assert.Equal(t, StepInserted, receipt.Summary)
	assert.Equal(t, StepInserted, receipt.Items)
	assert.Equal(t, StepInserted, receipt.Issuer)
	assert.Equal(t, 2, receipt.ItemRows)
	assert.Equal(t, models.StatusCommitted, record.Status)
	assert.NotEmpty(t, record.ProcessingID)

	key := record.Key().String()
	assert.Len(t, dataRows(t, st, SummaryLedger, key), 1)
	assert.Len(t, dataRows(t, st, ItemsLedger, key), 2)
	assert.Equal(t, "CNPJ_12345678_Distribuidora Alfa Ltda", receipt.IssuerLedger)
	assert.Len(t, dataRows(t, st, receipt.IssuerLedger, key), 1)
}

func TestCommit_DuplicateSubmissionUpdatesInPlace(t *testing.T) {
	st := store.NewMemoryStore()
	c := newTestCoordinator(st)

	first := testRecord("200")
	_, err := c.Commit(context.Background(), first)
	require.NoError(t, err)

	// Same invoice extracted again: fresh record, fresh processing id.
	second := testRecord("200")
	second.TotalCents = 16000
	receipt, err := c.Commit(context.Background(), second)
	require.NoError(t, err)

	assert.True(t, receipt.Complete)
	assert.Equal(t, StepUpdated, receipt.Summary)
	assert.Equal(t, StepUpdated, receipt.Items)
	assert.Equal(t, StepUpdated, receipt.Issuer)
	assert.NotEqual(t, first.ProcessingID, second.ProcessingID)

	key := second.Key().String()
	summaryRows := dataRows(t, st, SummaryLedger, key)
	require.Len(t, summaryRows, 1)
	assert.Equal(t, second.ProcessingID, summaryRows[0][1])
	assert.InDelta(t, 160.00, summaryRows[0][11], 1e-9)
	assert.Len(t, dataRows(t, st, ItemsLedger, key), 2)
}

func TestCommit_SameRecordResubmissionSkips(t *testing.T) {
	st := store.NewMemoryStore()
	c := newTestCoordinator(st)

	record := testRecord("300")
	_, err := c.Commit(context.Background(), record)
	require.NoError(t, err)

	record.Status = models.StatusPartiallyWritten
	receipt, err := c.Commit(context.Background(), record)
	require.NoError(t, err)

	assert.True(t, receipt.Complete)
	assert.Equal(t, StepSkipped, receipt.Summary)
	assert.Equal(t, StepSkipped, receipt.Items)
	assert.Equal(t, StepSkipped, receipt.Issuer)
	assert.Len(t, dataRows(t, st, SummaryLedger, record.Key().String()), 1)
}

func TestCommit_RejectedOrCommittedRecordRefused(t *testing.T) {
	st := store.NewMemoryStore()
	c := newTestCoordinator(st)

	_, err := c.Commit(context.Background(), nil)
	assert.ErrorIs(t, err, ErrNotCommittable)

	rejected := testRecord("400")
	rejected.Status = models.StatusRejected
	_, err = c.Commit(context.Background(), rejected)
	assert.ErrorIs(t, err, ErrNotCommittable)

	committed := testRecord("401")
	committed.Status = models.StatusCommitted
	_, err = c.Commit(context.Background(), committed)
	assert.ErrorIs(t, err, ErrNotCommittable)

	// Nothing may have touched the store.
	assert.Empty(t, st.LedgerNames())
}

func TestCommit_NoItemsSkipsItemLedger(t *testing.T) {
	st := store.NewMemoryStore()
	c := newTestCoordinator(st)

	record := testRecord("500")
	record.Items = nil
	receipt, err := c.Commit(context.Background(), record)
	require.NoError(t, err)

	assert.True(t, receipt.Complete)
	assert.Equal(t, StepSkipped, receipt.Items)
	assert.Zero(t, receipt.ItemRows)
	assert.NotContains(t, st.LedgerNames(), ItemsLedger)
}

func TestCommit_ItemlessUpdateSupersedesStaleItems(t *testing.T) {
	st := store.NewMemoryStore()
	c := newTestCoordinator(st)

	first := testRecord("550")
	_, err := c.Commit(context.Background(), first)
	require.NoError(t, err)

	key := first.Key().String()
	require.Len(t, dataRows(t, st, ItemsLedger, key), 2)

	// Same invoice extracted again, this time without line items: the old
	// item rows must not survive next to a summary row reporting zero.
	second := testRecord("550")
	second.Items = nil
	receipt, err := c.Commit(context.Background(), second)
	require.NoError(t, err)

	assert.True(t, receipt.Complete)
	assert.Equal(t, StepUpdated, receipt.Summary)
	assert.Equal(t, StepUpdated, receipt.Items)
	assert.Zero(t, receipt.ItemRows)
	assert.Empty(t, dataRows(t, st, ItemsLedger, key))

	// Resuming the itemless record finds nothing left to clear.
	second.Status = models.StatusPartiallyWritten
	receipt, err = c.Commit(context.Background(), second)
	require.NoError(t, err)
	assert.Equal(t, StepSkipped, receipt.Items)
}

// faultyStore injects failures into selected operations on selected ledgers.
type faultyStore struct {
	store.TabularStore

	mu       gosync.Mutex
	failures map[string]int
	err      error
}

func newFaultyStore(inner store.TabularStore, err error) *faultyStore {
	return &faultyStore{
		TabularStore: inner,
		failures:     make(map[string]int),
		err:          err,
	}
}

func (f *faultyStore) fail(op, ledger string, times int) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.failures[op+"|"+ledger] = times
}

func (f *faultyStore) maybeFail(op, ledger string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	k := op + "|" + ledger
	if f.failures[k] > 0 {
		f.failures[k]--
		return f.err
	}
	return nil
}

func (f *faultyStore) UpsertRow(ctx context.Context, ledger, key string, row store.Row) (bool, error) {
	if err := f.maybeFail("UpsertRow", ledger); err != nil {
		return false, err
	}
	return f.TabularStore.UpsertRow(ctx, ledger, key, row)
}

func (f *faultyStore) ReplaceRowsByKey(ctx context.Context, ledger, key string, rows []store.Row) error {
	if err := f.maybeFail("ReplaceRowsByKey", ledger); err != nil {
		return err
	}
	return f.TabularStore.ReplaceRowsByKey(ctx, ledger, key, rows)
}

func permanentErr() error {
	return &store.WriteError{Op: "UpsertRow", Err: errors.New("injected"), Transient: false}
}

func transientErr() error {
	return &store.WriteError{Op: "UpsertRow", Err: errors.New("injected"), Transient: true}
}

func TestCommit_PartialFailureLeavesResumableState(t *testing.T) {
	mem := store.NewMemoryStore()
	faulty := newFaultyStore(mem, permanentErr())
	c := NewCoordinator(faulty, NewIssuerLedgers(faulty), testPolicy())

	record := testRecord("600")
	faulty.fail("ReplaceRowsByKey", ItemsLedger, 1)

	receipt, err := c.Commit(context.Background(), record)
	require.Error(t, err)

	var cerr *CommitError
	require.ErrorAs(t, err, &cerr)
	assert.Equal(t, "items", cerr.Step)

	assert.False(t, receipt.Complete)
	assert.Equal(t, StepInserted, receipt.Summary)
	assert.Equal(t, StepFailed, receipt.Items)
	assert.Equal(t, StepPending, receipt.Issuer)
	assert.Equal(t, models.StatusPartiallyWritten, record.Status)

	key := record.Key().String()
	assert.Len(t, dataRows(t, mem, SummaryLedger, key), 1)

	// Resume with the same record: the summary write is detected and
	// skipped, the missing steps complete.
	receipt, err = c.Commit(context.Background(), record)
	require.NoError(t, err)
	assert.True(t, receipt.Complete)
	assert.Equal(t, StepSkipped, receipt.Summary)
	assert.Equal(t, StepInserted, receipt.Items)
	assert.Equal(t, StepInserted, receipt.Issuer)
	assert.Equal(t, models.StatusCommitted, record.Status)

	assert.Len(t, dataRows(t, mem, SummaryLedger, key), 1)
	assert.Len(t, dataRows(t, mem, ItemsLedger, key), 2)
}

func TestCommit_TransientFailuresRetriedWithinPolicy(t *testing.T) {
	mem := store.NewMemoryStore()
	faulty := newFaultyStore(mem, transientErr())
	c := NewCoordinator(faulty, NewIssuerLedgers(faulty), testPolicy())

	record := testRecord("700")
	// Two transient failures fit inside the 3-attempt budget.
	faulty.fail("UpsertRow", SummaryLedger, 2)

	receipt, err := c.Commit(context.Background(), record)
	require.NoError(t, err)
	assert.True(t, receipt.Complete)
	assert.Equal(t, StepInserted, receipt.Summary)
}

func TestCommit_PermanentFailureNotRetried(t *testing.T) {
	mem := store.NewMemoryStore()
	faulty := newFaultyStore(mem, permanentErr())
	c := NewCoordinator(faulty, NewIssuerLedgers(faulty), testPolicy())

	record := testRecord("800")
	// One permanent failure; were it retried, the second attempt would succeed.
	faulty.fail("UpsertRow", SummaryLedger, 1)

	_, err := c.Commit(context.Background(), record)
	require.Error(t, err)

	var cerr *CommitError
	require.ErrorAs(t, err, &cerr)
	assert.Equal(t, "summary", cerr.Step)
}

func TestCommit_ConcurrentDistinctKeys(t *testing.T) {
	st := store.NewMemoryStore()
	c := newTestCoordinator(st)

	const n = 50
	var wg gosync.WaitGroup
	errs := make([]error, n)
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			_, errs[i] = c.Commit(context.Background(), testRecord(fmt.Sprintf("%d", 1000+i)))
		}(i)
	}
	wg.Wait()

	for i, err := range errs {
		require.NoError(t, err, "commit %d", i)
	}

	rows, err := st.ReadAllRows(context.Background(), SummaryLedger)
	require.NoError(t, err)
	assert.Len(t, rows, n)
}

func TestCommit_ConcurrentSameKeySerializes(t *testing.T) {
	st := store.NewMemoryStore()
	c := newTestCoordinator(st)

	const n = 10
	var wg gosync.WaitGroup
	errs := make([]error, n)
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			_, errs[i] = c.Commit(context.Background(), testRecord("2000"))
		}(i)
	}
	wg.Wait()

	for i, err := range errs {
		require.NoError(t, err, "commit %d", i)
	}

	// All ten raced on one dedup key; exactly one effective row survives.
	key := "2000|1|12345678000195"
	assert.Len(t, dataRows(t, st, SummaryLedger, key), 1)
	assert.Len(t, dataRows(t, st, ItemsLedger, key), 2)
}
