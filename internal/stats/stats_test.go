package stats_test

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"nfsync/internal/stats"
	"nfsync/internal/store"
	syncpkg "nfsync/internal/sync"
	"nfsync/pkg/models"
)

func commitRecord(t *testing.T, c *syncpkg.Coordinator, number, issuerTaxID, issuerName string, totalCents int64, items int) {
	t.Helper()

	record := &models.NotaFiscal{
		Number:     number,
		Series:     "1",
		Issuer:     models.Party{TaxID: issuerTaxID, Name: issuerName},
		TotalCents: totalCents,
		Status:     models.StatusValidated,
	}
	for i := 0; i < items; i++ {
		record.Items = append(record.Items, models.LineItem{
			Description: fmt.Sprintf("Item %d", i+1),
			Quantity:    1,
			TotalCents:  totalCents / int64(items),
		})
	}

	_, err := c.Commit(context.Background(), record)
	require.NoError(t, err)
}

func newPipeline() (*store.MemoryStore, *syncpkg.Coordinator, *stats.Engine) {
	st := store.NewMemoryStore()
	policy := syncpkg.Policy{MaxAttempts: 2, BaseDelay: time.Millisecond, AttemptTimeout: time.Second}
	c := syncpkg.NewCoordinator(st, syncpkg.NewIssuerLedgers(st), policy)
	return st, c, stats.NewEngine(st)
}

func TestStats_EmptyStore(t *testing.T) {
	_, _, engine := newPipeline()

	s, err := engine.Stats(context.Background())
	require.NoError(t, err)
	assert.Zero(t, s.TotalInvoices)
	assert.Zero(t, s.TotalCents)
	assert.Zero(t, s.TotalItems)
	assert.Zero(t, s.ActiveIssuers)
	assert.True(t, s.LastProcessedAt.IsZero())
}

func TestStats_Aggregates(t *testing.T) {
	_, c, engine := newPipeline()

	commitRecord(t, c, "100", "12345678000195", "Alfa", 10000, 2)
	commitRecord(t, c, "101", "12345678000195", "Alfa", 5000, 1)
	commitRecord(t, c, "102", "98765432000110", "Beta", 20000, 3)

	s, err := engine.Stats(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 3, s.TotalInvoices)
	assert.Equal(t, int64(35000), s.TotalCents)
	assert.Equal(t, 6, s.TotalItems)
	assert.Equal(t, 2, s.ActiveIssuers)
	assert.False(t, s.LastProcessedAt.IsZero())
}

func TestStats_DuplicateCommitCountedOnce(t *testing.T) {
	_, c, engine := newPipeline()

	commitRecord(t, c, "200", "12345678000195", "Alfa", 10000, 2)
	// Same invoice again: the summary row is updated, not duplicated.
	commitRecord(t, c, "200", "12345678000195", "Alfa", 12000, 2)

	s, err := engine.Stats(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, s.TotalInvoices)
	assert.Equal(t, int64(12000), s.TotalCents)
	assert.Equal(t, 2, s.TotalItems)
}

func TestRecent_NewestFirst(t *testing.T) {
	_, c, engine := newPipeline()

	commitRecord(t, c, "300", "12345678000195", "Alfa", 1000, 0)
	commitRecord(t, c, "301", "12345678000195", "Alfa", 2000, 0)
	commitRecord(t, c, "302", "98765432000110", "Beta", 3000, 0)

	entries, err := engine.Recent(context.Background(), 2)
	require.NoError(t, err)
	require.Len(t, entries, 2)
	assert.Equal(t, "302", entries[0].Number)
	assert.Equal(t, "301", entries[1].Number)
	assert.Equal(t, int64(3000), entries[0].TotalCents)
	assert.Equal(t, "98765432000110", entries[0].IssuerTaxID)
}

func summaryFixtureRow(number, processingID, processedAt string, totalCents int64) store.Row {
	return store.Row{
		number + "|1|12345678000195", processingID, processedAt, "nota.pdf",
		number, "1", "15/03/2024",
		"12345678000195", "Alfa", "", "",
		float64(totalCents) / 100, 0.0, "", "1", "Processado",
	}
}

func TestRecent_UpdatedRowOrderedByCommitTime(t *testing.T) {
	st, _, engine := newPipeline()
	ctx := context.Background()

	_, err := st.EnsureLedger(ctx, syncpkg.SummaryLedger, store.Header{Columns: []string{"Chave"}})
	require.NoError(t, err)

	upsert := func(number, processingID, processedAt string) {
		row := summaryFixtureRow(number, processingID, processedAt, 1000)
		_, err := st.UpsertRow(ctx, syncpkg.SummaryLedger, row[0].(string), row)
		require.NoError(t, err)
	}

	upsert("100", "pid-a1", "20/03/2024 10:00:00")
	upsert("101", "pid-b1", "20/03/2024 10:00:01")
	// Invoice 100 resubmitted: its row is updated in place, keeping the
	// original position but carrying the newest commit time.
	upsert("100", "pid-a2", "20/03/2024 10:00:02")

	entries, err := engine.Recent(ctx, 1)
	require.NoError(t, err)
	require.Len(t, entries, 1)
	assert.Equal(t, "100", entries[0].Number)
	assert.Equal(t, "pid-a2", entries[0].ProcessingID)

	entries, err = engine.Recent(ctx, 2)
	require.NoError(t, err)
	require.Len(t, entries, 2)
	assert.Equal(t, "100", entries[0].Number)
	assert.Equal(t, "101", entries[1].Number)
}

func TestRecent_Limits(t *testing.T) {
	_, c, engine := newPipeline()

	entries, err := engine.Recent(context.Background(), 0)
	require.NoError(t, err)
	assert.Nil(t, entries)

	commitRecord(t, c, "400", "12345678000195", "Alfa", 1000, 0)

	entries, err = engine.Recent(context.Background(), 10)
	require.NoError(t, err)
	assert.Len(t, entries, 1)
}
