package models

import (
	"fmt"
	"strings"
	"time"
)

// ProcessingStatus tracks where an invoice is in its persistence lifecycle.
type ProcessingStatus string

const (
	// StatusValidated means the record passed normalization but has not been written yet.
	StatusValidated ProcessingStatus = "validated"

	// StatusPartiallyWritten means at least one ledger write succeeded but not all.
	// The record can be re-committed; completed steps are skipped on resume.
	StatusPartiallyWritten ProcessingStatus = "partiallyWritten"

	// StatusCommitted means all three ledgers hold the record.
	StatusCommitted ProcessingStatus = "committed"

	// StatusRejected means normalization failed and nothing was written.
	StatusRejected ProcessingStatus = "rejected"
)

// Party identifies an invoice participant by tax id and legal name.
type Party struct {
	TaxID string // Normalized digits-only CNPJ (14 digits) or CPF (11 digits)
	Name  string // Razão social / legal name
}

// LineItem is a single product or service line on an invoice.
// Sequence order follows extraction order.
type LineItem struct {
	Code        string  // Product/service code as printed
	Description string  // Full description
	Quantity    float64 // Must be > 0
	Unit        string  // Unit of measure (UN, KG, CX, ...)
	UnitCents   int64   // Unit value in centavos, >= 0
	TotalCents  int64   // Line total in centavos, >= 0
}

// NotaFiscal is the canonical validated representation of one Brazilian tax invoice.
//
// Records are transient: they exist per processing request and only their
// ledger-row projections persist. Monetary values are stored in centavos
// (int64) to avoid float rounding issues.
type NotaFiscal struct {
	// Identity
	Number string // Invoice number as printed; may carry leading zeros
	Series string // Invoice series

	// Parties
	Issuer    Party  // Emissor; TaxID is mandatory and must be a CNPJ
	Recipient *Party // Destinatário; nil when absent or unreadable

	// Dates and values
	IssueDate  time.Time // Date of emission (date-only)
	TotalCents int64     // Total invoice value in centavos, >= 0
	TaxCents   int64     // Total tax (ICMS) in centavos, >= 0, <= TotalCents

	// Items in extraction order
	Items []LineItem

	// AccessKey is the 44-digit NFe chave de acesso, when present.
	AccessKey string

	// ProcessingID identifies this processing request on every ledger row
	// it produces. Assigned once per record; resume reuses it.
	ProcessingID string

	// SourceFingerprint identifies the originating document bytes for audit.
	// It is not part of the invoice identity.
	SourceFingerprint string

	// SourceFilename is the uploaded file name, carried for ledger display.
	SourceFilename string

	Status      ProcessingStatus
	ProcessedAt time.Time
}

// DedupKey is the unique identity of an invoice across the whole system:
// (number, series, issuer tax id), normalized. At most one summary ledger
// row may exist per key.
type DedupKey struct {
	Number      string
	Series      string
	IssuerTaxID string
}

// Key computes the record's dedup key from its normalized identity fields.
func (n *NotaFiscal) Key() DedupKey {
	return DedupKey{
		Number:      strings.TrimSpace(n.Number),
		Series:      strings.TrimSpace(n.Series),
		IssuerTaxID: n.Issuer.TaxID,
	}
}

// String renders the key in its canonical ledger cell form.
func (k DedupKey) String() string {
	return fmt.Sprintf("%s|%s|%s", k.Number, k.Series, k.IssuerTaxID)
}

// ItemTotalCents sums all line-item totals. Order is irrelevant for the sum.
func (n *NotaFiscal) ItemTotalCents() int64 {
	var sum int64
	for _, it := range n.Items {
		sum += it.TotalCents
	}
	return sum
}
