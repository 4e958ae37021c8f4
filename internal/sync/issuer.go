package sync

import (
	"context"
	"sync"

	"github.com/rs/zerolog"
	"golang.org/x/sync/singleflight"

	"nfsync/internal/logger"
	"nfsync/internal/store"
)

// IssuerLedgers resolves an issuer tax id to its per-issuer ledger,
// provisioning on first sight. Resolution is single-flighted per tax id:
// concurrent first-time invoices from the same issuer trigger exactly one
// provisioning attempt, and the losers reuse the winner's handle. A failed
// provisioning releases the flight so a later call can retry.
type IssuerLedgers struct {
	store store.TabularStore
	group singleflight.Group
	log   zerolog.Logger

	mu    sync.RWMutex
	cache map[string]store.LedgerHandle
}

// NewIssuerLedgers creates a resolver over the given store.
func NewIssuerLedgers(st store.TabularStore) *IssuerLedgers {
	return &IssuerLedgers{
		store: st,
		log:   logger.WithComponent("issuer-ledgers"),
		cache: make(map[string]store.LedgerHandle),
	}
}

// Resolve returns the ledger handle for the issuer, creating and seeding
// the ledger when it does not exist yet.
func (r *IssuerLedgers) Resolve(ctx context.Context, taxID, name string) (store.LedgerHandle, error) {
	r.mu.RLock()
	handle, ok := r.cache[taxID]
	r.mu.RUnlock()
	if ok {
		return handle, nil
	}

	v, err, shared := r.group.Do(taxID, func() (any, error) {
		ledgerName := LedgerNameForIssuer(taxID, name)
		handle, err := r.store.EnsureLedger(ctx, ledgerName, issuerHeader(taxID, name))
		if err != nil {
			return store.LedgerHandle{}, err
		}

		r.mu.Lock()
		r.cache[taxID] = handle
		r.mu.Unlock()

		if handle.Created {
			r.log.Info().
				Str("issuer_tax_id", taxID).
				Str("ledger", handle.Name).
				Msg("Provisioned per-issuer ledger")
		}
		return handle, nil
	})
	if err != nil {
		return store.LedgerHandle{}, err
	}

	handle = v.(store.LedgerHandle)
	if shared {
		r.log.Debug().
			Str("issuer_tax_id", taxID).
			Str("ledger", handle.Name).
			Msg("Reused in-flight issuer ledger resolution")
	}
	return handle, nil
}

// Cached reports whether the issuer already has a resolved handle, without
// touching the store.
func (r *IssuerLedgers) Cached(taxID string) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	_, ok := r.cache[taxID]
	return ok
}
