// Package stats derives aggregate and recency views from the summary and
// item ledgers. It is read-only: queries take a snapshot of whatever the
// destination currently holds and tolerate concurrent appends, trading
// strict freshness for never blocking writers.
package stats

import (
	"context"
	"errors"
	"fmt"
	"math"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/rs/zerolog"

	"nfsync/internal/logger"
	"nfsync/internal/store"
	syncpkg "nfsync/internal/sync"
)

// Statistics is the aggregate view over all committed invoices.
type Statistics struct {
	TotalInvoices   int       `json:"total_invoices"`
	TotalCents      int64     `json:"total_cents"`
	TotalItems      int       `json:"total_items"`
	ActiveIssuers   int       `json:"active_issuers"`
	LastProcessedAt time.Time `json:"last_processed_at"`
}

// SummaryEntry is one parsed summary ledger row.
type SummaryEntry struct {
	Key          string    `json:"key"`
	ProcessingID string    `json:"processing_id"`
	ProcessedAt  time.Time `json:"processed_at"`
	Filename     string    `json:"filename"`
	Number       string    `json:"number"`
	Series       string    `json:"series"`
	IssueDate    string    `json:"issue_date"`
	IssuerTaxID  string    `json:"issuer_tax_id"`
	IssuerName   string    `json:"issuer_name"`
	TotalCents   int64     `json:"total_cents"`
	TaxCents     int64     `json:"tax_cents"`
	ItemCount    int       `json:"item_count"`
	Status       string    `json:"status"`
}

// Engine answers statistics and recency queries over the ledgers.
type Engine struct {
	store store.TabularStore
	log   zerolog.Logger
}

// NewEngine creates a query engine over st.
func NewEngine(st store.TabularStore) *Engine {
	return &Engine{
		store: st,
		log:   logger.WithComponent("stats"),
	}
}

// Stats computes the aggregate view. The item count falls back to the
// summary rows' item-count column when the item ledger is unreadable, so a
// half-provisioned store still reports something useful.
func (e *Engine) Stats(ctx context.Context) (*Statistics, error) {
	const op = "Stats"

	entries, err := e.summaryEntries(ctx)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", op, err)
	}

	stats := &Statistics{TotalInvoices: len(entries)}
	issuers := make(map[string]struct{})
	for _, entry := range entries {
		stats.TotalCents += entry.TotalCents
		if entry.IssuerTaxID != "" {
			issuers[entry.IssuerTaxID] = struct{}{}
		}
		if entry.ProcessedAt.After(stats.LastProcessedAt) {
			stats.LastProcessedAt = entry.ProcessedAt
		}
	}
	stats.ActiveIssuers = len(issuers)

	stats.TotalItems, err = e.countItemRows(ctx)
	if err != nil {
		e.log.Warn().Err(err).Msg("Item ledger unreadable, falling back to summary item counts")
		for _, entry := range entries {
			stats.TotalItems += entry.ItemCount
		}
	}

	return stats, nil
}

// Recent returns up to n summary entries, most recently committed first.
// Each call re-reads current state; it is not a live subscription.
func (e *Engine) Recent(ctx context.Context, n int) ([]SummaryEntry, error) {
	const op = "Recent"

	if n <= 0 {
		return nil, nil
	}

	entries, err := e.summaryEntries(ctx)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", op, err)
	}

	// Row position is not commit order: an updated row keeps its original
	// position. Reverse first so that among same-second commits the later
	// row wins, then order by commit time.
	for i, j := 0, len(entries)-1; i < j; i, j = i+1, j-1 {
		entries[i], entries[j] = entries[j], entries[i]
	}
	sort.SliceStable(entries, func(i, j int) bool {
		return entries[i].ProcessedAt.After(entries[j].ProcessedAt)
	})
	if len(entries) > n {
		entries = entries[:n]
	}
	return entries, nil
}

func (e *Engine) summaryEntries(ctx context.Context) ([]SummaryEntry, error) {
	rows, err := e.store.ReadAllRows(ctx, syncpkg.SummaryLedger)
	if err != nil {
		if isMissingLedger(err) {
			return nil, nil
		}
		return nil, err
	}

	var entries []SummaryEntry
	for _, row := range rows {
		entry, ok := parseSummaryRow(row)
		if !ok {
			continue
		}
		entries = append(entries, entry)
	}
	return entries, nil
}

func (e *Engine) countItemRows(ctx context.Context) (int, error) {
	rows, err := e.store.ReadAllRows(ctx, syncpkg.ItemsLedger)
	if err != nil {
		if isMissingLedger(err) {
			return 0, nil
		}
		return 0, err
	}

	count := 0
	for _, row := range rows {
		if isDataRow(row) {
			count++
		}
	}
	return count, nil
}

// isMissingLedger treats an unprovisioned ledger as an empty one: no
// invoice has been processed yet.
func isMissingLedger(err error) bool {
	return errors.Is(err, store.ErrLedgerNotFound)
}

// isDataRow distinguishes data rows from header and banner rows by the
// dedup key shape in the first cell.
func isDataRow(row store.Row) bool {
	if len(row) == 0 {
		return false
	}
	key, ok := row[0].(string)
	return ok && strings.Count(key, "|") == 2
}

func parseSummaryRow(row store.Row) (SummaryEntry, bool) {
	if !isDataRow(row) || len(row) < 16 {
		return SummaryEntry{}, false
	}

	entry := SummaryEntry{
		Key:          cellString(row, 0),
		ProcessingID: cellString(row, 1),
		Filename:     cellString(row, 3),
		Number:       cellString(row, 4),
		Series:       cellString(row, 5),
		IssueDate:    cellString(row, 6),
		IssuerTaxID:  cellString(row, 7),
		IssuerName:   cellString(row, 8),
		TotalCents:   cellCents(row, 11),
		TaxCents:     cellCents(row, 12),
		ItemCount:    cellInt(row, 14),
		Status:       cellString(row, 15),
	}
	if ts := cellString(row, 2); ts != "" {
		if t, err := time.Parse("02/01/2006 15:04:05", ts); err == nil {
			entry.ProcessedAt = t
		}
	}
	return entry, true
}

func cellString(row store.Row, i int) string {
	if i >= len(row) {
		return ""
	}
	switch v := row[i].(type) {
	case string:
		return v
	case float64:
		return strconv.FormatFloat(v, 'f', -1, 64)
	case int:
		return strconv.Itoa(v)
	default:
		return ""
	}
}

// cellCents reads a monetary cell. The in-memory store holds float values;
// the Sheets API returns display strings, possibly comma-formatted.
func cellCents(row store.Row, i int) int64 {
	if i >= len(row) {
		return 0
	}
	switch v := row[i].(type) {
	case float64:
		return int64(math.Round(v * 100))
	case int64:
		return v * 100
	case int:
		return int64(v) * 100
	case string:
		cleaned := strings.TrimSpace(v)
		if strings.Contains(cleaned, ",") {
			cleaned = strings.ReplaceAll(cleaned, ".", "")
			cleaned = strings.Replace(cleaned, ",", ".", 1)
		}
		f, err := strconv.ParseFloat(cleaned, 64)
		if err != nil {
			return 0
		}
		return int64(math.Round(f * 100))
	default:
		return 0
	}
}

func cellInt(row store.Row, i int) int {
	if i >= len(row) {
		return 0
	}
	switch v := row[i].(type) {
	case float64:
		return int(v)
	case int:
		return v
	case string:
		n, err := strconv.Atoi(strings.TrimSpace(v))
		if err != nil {
			return 0
		}
		return n
	default:
		return 0
	}
}
