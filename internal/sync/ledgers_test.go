package sync

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"nfsync/pkg/models"
)

func TestSummaryRowLayout(t *testing.T) {
	record := testRecord("900")
	record.ProcessingID = "pid-1"
	record.AccessKey = "35240312345678000195550010000123451000123456"
	record.Recipient = &models.Party{TaxID: "98765432000110", Name: "Mercado Beta"}
	processedAt := time.Date(2024, 3, 20, 14, 30, 0, 0, time.UTC)

	row := summaryRow(record, processedAt)
	require.Len(t, row, len(summaryHeader().Columns))

	assert.Equal(t, "900|1|12345678000195", row[0])
	assert.Equal(t, "pid-1", row[1])
	assert.Equal(t, "20/03/2024 14:30:00", row[2])
	assert.Equal(t, "nota.pdf", row[3])
	assert.Equal(t, "900", row[4])
	assert.Equal(t, "15/03/2024", row[6])
	assert.Equal(t, "98765432000110", row[9])
	assert.InDelta(t, 150.00, row[11], 1e-9)
	assert.InDelta(t, 27.00, row[12], 1e-9)
	assert.Equal(t, "2", row[14])
	assert.Equal(t, "Processado", row[15])

	assert.Equal(t, "pid-1", rowProcessingID(row))
}

func TestItemRowsPreserveOrder(t *testing.T) {
	record := testRecord("901")
	record.ProcessingID = "pid-2"
	processedAt := time.Now()

	rows := itemRows(record, processedAt)
	require.Len(t, rows, 2)
	for i, row := range rows {
		require.Len(t, row, len(itemsHeader().Columns))
		assert.Equal(t, record.Key().String(), row[0])
		assert.Equal(t, "pid-2", row[1])
		assert.Equal(t, record.Items[i].Description, row[5])
	}
	// Sequence column is one-based extraction order.
	assert.Equal(t, "1", rows[0][3])
	assert.Equal(t, "2", rows[1][3])
}

func TestIssuerHeaderCarriesBanner(t *testing.T) {
	header := issuerHeader("12345678000195", "Alfa Ltda")
	require.Len(t, header.Meta, 3)
	assert.Contains(t, header.Meta[0], "12345678000195")
	assert.Contains(t, header.Meta[1], "Alfa Ltda")
	assert.NotEmpty(t, header.Columns)
}

func TestRowProcessingID_ShortRow(t *testing.T) {
	assert.Empty(t, rowProcessingID(nil))
	assert.Empty(t, rowProcessingID([]any{"key"}))
}
