package store

import (
	"context"
	"sync"
)

// MemoryStore is an in-memory TabularStore. It backs tests and the offline
// processing mode, and mirrors the Sheets implementation's semantics:
// keys live in cell 0, superseded rows leave no trace, reads see a
// consistent snapshot of each ledger.
type MemoryStore struct {
	mu      sync.RWMutex
	ledgers map[string]*memLedger
}

type memLedger struct {
	header Header
	rows   []Row
}

// NewMemoryStore creates an empty in-memory store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{ledgers: make(map[string]*memLedger)}
}

// EnsureLedger finds or creates a ledger. Creation is idempotent.
func (m *MemoryStore) EnsureLedger(ctx context.Context, name string, header Header) (LedgerHandle, error) {
	if err := ctx.Err(); err != nil {
		return LedgerHandle{}, NewWriteError("EnsureLedger", name, err)
	}
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, ok := m.ledgers[name]; ok {
		return LedgerHandle{Name: name}, nil
	}
	m.ledgers[name] = &memLedger{header: header}
	return LedgerHandle{Name: name, Created: true}, nil
}

// ReadRowByKey returns the row stored under key, if any.
func (m *MemoryStore) ReadRowByKey(ctx context.Context, ledger, key string) (Row, bool, error) {
	if err := ctx.Err(); err != nil {
		return nil, false, NewWriteError("ReadRowByKey", ledger, err)
	}
	m.mu.RLock()
	defer m.mu.RUnlock()

	l, ok := m.ledgers[ledger]
	if !ok {
		return nil, false, NewWriteError("ReadRowByKey", ledger, ErrLedgerNotFound)
	}
	for _, row := range l.rows {
		if rowKey(row) == key {
			out := make(Row, len(row))
			copy(out, row)
			return out, true, nil
		}
	}
	return nil, false, nil
}

// UpsertRow replaces the row under key in place, or appends a new one.
func (m *MemoryStore) UpsertRow(ctx context.Context, ledger, key string, row Row) (bool, error) {
	if err := ctx.Err(); err != nil {
		return false, NewWriteError("UpsertRow", ledger, err)
	}
	m.mu.Lock()
	defer m.mu.Unlock()

	l, ok := m.ledgers[ledger]
	if !ok {
		return false, NewWriteError("UpsertRow", ledger, ErrLedgerNotFound)
	}
	for i, existing := range l.rows {
		if rowKey(existing) == key {
			l.rows[i] = cloneRow(row)
			return false, nil
		}
	}
	l.rows = append(l.rows, cloneRow(row))
	return true, nil
}

// AppendRows appends rows at the end of the ledger.
func (m *MemoryStore) AppendRows(ctx context.Context, ledger string, rows []Row) error {
	if err := ctx.Err(); err != nil {
		return NewWriteError("AppendRows", ledger, err)
	}
	m.mu.Lock()
	defer m.mu.Unlock()

	l, ok := m.ledgers[ledger]
	if !ok {
		return NewWriteError("AppendRows", ledger, ErrLedgerNotFound)
	}
	for _, row := range rows {
		l.rows = append(l.rows, cloneRow(row))
	}
	return nil
}

// ReplaceRowsByKey removes every row carrying key and appends the given rows.
func (m *MemoryStore) ReplaceRowsByKey(ctx context.Context, ledger, key string, rows []Row) error {
	if err := ctx.Err(); err != nil {
		return NewWriteError("ReplaceRowsByKey", ledger, err)
	}
	m.mu.Lock()
	defer m.mu.Unlock()

	l, ok := m.ledgers[ledger]
	if !ok {
		return NewWriteError("ReplaceRowsByKey", ledger, ErrLedgerNotFound)
	}
	kept := l.rows[:0]
	for _, existing := range l.rows {
		if rowKey(existing) != key {
			kept = append(kept, existing)
		}
	}
	l.rows = kept
	for _, row := range rows {
		l.rows = append(l.rows, cloneRow(row))
	}
	return nil
}

// ReadAllRows returns a snapshot of all data rows in insertion order.
func (m *MemoryStore) ReadAllRows(ctx context.Context, ledger string) ([]Row, error) {
	if err := ctx.Err(); err != nil {
		return nil, NewWriteError("ReadAllRows", ledger, err)
	}
	m.mu.RLock()
	defer m.mu.RUnlock()

	l, ok := m.ledgers[ledger]
	if !ok {
		return nil, NewWriteError("ReadAllRows", ledger, ErrLedgerNotFound)
	}
	out := make([]Row, len(l.rows))
	for i, row := range l.rows {
		out[i] = cloneRow(row)
	}
	return out, nil
}

// Ping always succeeds for the in-memory store.
func (m *MemoryStore) Ping(ctx context.Context) error {
	return ctx.Err()
}

// LedgerNames lists provisioned ledgers, for tests and diagnostics.
func (m *MemoryStore) LedgerNames() []string {
	m.mu.RLock()
	defer m.mu.RUnlock()
	names := make([]string, 0, len(m.ledgers))
	for name := range m.ledgers {
		names = append(names, name)
	}
	return names
}

func rowKey(row Row) string {
	if len(row) == 0 {
		return ""
	}
	s, _ := row[0].(string)
	return s
}

func cloneRow(row Row) Row {
	out := make(Row, len(row))
	copy(out, row)
	return out
}
