// Package store defines the tabular destination contract the sync engine
// writes to, plus its two implementations: Google Sheets for production and
// an in-memory store for offline use and tests.
//
// The store offers no multi-row transactions. All cross-ledger consistency
// is the caller's responsibility; this package only guarantees that each
// single operation is atomic per ledger and that errors are classified as
// transient (safe to retry) or permanent.
package store

import "context"

// Row is one positional ledger row. By convention the dedup key occupies
// cell 0 of every data row.
type Row []any

// Header describes a ledger's fixed header, written once on provisioning.
type Header struct {
	// Meta lines are free-form banner rows placed above the column row,
	// e.g. issuer name and tax id on per-issuer ledgers.
	Meta []string

	// Columns are the column titles of the data header row.
	Columns []string
}

// LedgerHandle binds a logical ledger name to a provisioned destination.
type LedgerHandle struct {
	// Name is the ledger's deterministic name.
	Name string

	// Created reports whether EnsureLedger provisioned the ledger on this
	// call, as opposed to finding an existing one.
	Created bool
}

// TabularStore is the destination contract consumed by the write
// coordinator and the query engine.
//
// Every operation may fail transiently (rate limiting, network) or
// permanently (auth, quota, schema); use IsTransient to distinguish.
type TabularStore interface {
	// EnsureLedger finds or provisions a ledger and seeds its header.
	// Provisioning the same name twice is idempotent.
	EnsureLedger(ctx context.Context, name string, header Header) (LedgerHandle, error)

	// ReadRowByKey returns the data row whose key cell equals key,
	// reporting whether one exists.
	ReadRowByKey(ctx context.Context, ledger, key string) (Row, bool, error)

	// UpsertRow writes a row under key, replacing an existing row in place
	// when one exists. It reports whether the row was freshly inserted.
	UpsertRow(ctx context.Context, ledger, key string, row Row) (inserted bool, err error)

	// AppendRows appends rows to the end of the ledger.
	AppendRows(ctx context.Context, ledger string, rows []Row) error

	// ReplaceRowsByKey supersedes all rows carrying key with the given
	// rows. Used for item rows, which are replace-by-key on update rather
	// than append-duplicate.
	ReplaceRowsByKey(ctx context.Context, ledger, key string, rows []Row) error

	// ReadAllRows returns every non-empty data row of the ledger. Readers
	// tolerate concurrent appends; the snapshot may be slightly stale.
	ReadAllRows(ctx context.Context, ledger string) ([]Row, error)

	// Ping verifies the destination is reachable.
	Ping(ctx context.Context) error
}
