// Package normalize converts raw, untrusted extraction payloads into
// canonical NotaFiscal records.
//
// The extraction service returns a loosely-typed field bag with Portuguese
// field names and no guaranteed presence, type, or range correctness. This
// package treats that bag as adversarial input: every field is parsed with
// Brazilian locale conventions (comma decimal separator, day/month/year
// dates), tax identifiers are stripped to digits and size-checked, and the
// item list is validated item by item.
//
// Mandatory fields: numero_nota, serie, cnpj_emissor, valor_total. Anything
// else missing degrades gracefully; anything present but unparsable is a
// MalformedField rejection.
package normalize

import (
	"fmt"
	"math"
	"strconv"
	"strings"
	"time"

	"github.com/rs/zerolog"

	"nfsync/internal/logger"
	"nfsync/pkg/models"
)

// Payload field names produced by the extraction service.
const (
	fieldNumber        = "numero_nota"
	fieldSeries        = "serie"
	fieldIssueDate     = "data_emissao"
	fieldIssuerTaxID   = "cnpj_emissor"
	fieldIssuerName    = "razao_social_emissor"
	fieldRecipTaxID    = "cnpj_destinatario"
	fieldRecipName     = "razao_social_destinatario"
	fieldTotal         = "valor_total"
	fieldTax           = "valor_icms"
	fieldAccessKey     = "chave_acesso"
	fieldItems         = "items"
	itemFieldCode      = "codigo"
	itemFieldDesc      = "descricao"
	itemFieldQuantity  = "quantidade"
	itemFieldUnit      = "unidade"
	itemFieldUnitValue = "valor_unitario"
	itemFieldTotal     = "valor_total"
)

// Options tunes the normalizer. The tolerance formula for the items-vs-total
// consistency check is a default, not load-bearing for correctness.
type Options struct {
	// ToleranceCents is the absolute floor of the mismatch tolerance.
	ToleranceCents int64

	// TolerancePct is the relative component of the tolerance, as a
	// fraction of the invoice total (0.005 = 0.5%).
	TolerancePct float64
}

// DefaultOptions returns the standard tolerance: max(2 centavos, 0.5% of total).
func DefaultOptions() Options {
	return Options{
		ToleranceCents: 2,
		TolerancePct:   0.005,
	}
}

// Normalizer validates and canonicalizes extraction payloads.
type Normalizer struct {
	opts Options
	log  zerolog.Logger
}

// New creates a Normalizer with the given options.
func New(opts Options) *Normalizer {
	if opts.ToleranceCents == 0 && opts.TolerancePct == 0 {
		opts = DefaultOptions()
	}
	return &Normalizer{
		opts: opts,
		log:  logger.WithComponent("normalize"),
	}
}

// Normalize converts a raw extraction payload into a validated NotaFiscal.
//
// On success the record carries Status == StatusValidated and the returned
// warnings list any non-fatal findings. On failure the error is a
// *ValidationError and no record is returned.
func (n *Normalizer) Normalize(raw map[string]any) (*models.NotaFiscal, []Warning, error) {
	if raw == nil {
		return nil, nil, missing(fieldNumber)
	}

	var warnings []Warning

	number, err := requireString(raw, fieldNumber)
	if err != nil {
		return nil, nil, err
	}
	series, err := requireString(raw, fieldSeries)
	if err != nil {
		return nil, nil, err
	}

	issuerTaxID, err := normalizeTaxID(stringField(raw, fieldIssuerTaxID))
	if err != nil {
		return nil, nil, err
	}
	if len(issuerTaxID) != cnpjDigits {
		// Per-issuer ledgers are named from the issuer CNPJ; a CPF issuer
		// cannot be routed.
		return nil, nil, malformed(fieldIssuerTaxID, fmt.Sprintf("expected %d digits, got %d", cnpjDigits, len(issuerTaxID)))
	}

	totalCents, err := requireMoney(raw, fieldTotal)
	if err != nil {
		return nil, nil, err
	}
	if totalCents < 0 {
		return nil, nil, malformed(fieldTotal, "negative total value")
	}

	taxCents, err := optionalMoney(raw, fieldTax)
	if err != nil {
		return nil, nil, err
	}
	if taxCents < 0 {
		return nil, nil, malformed(fieldTax, "negative tax value")
	}
	if taxCents > totalCents {
		return nil, nil, malformed(fieldTax, "tax value exceeds total value")
	}

	issueDate, err := optionalDate(raw, fieldIssueDate)
	if err != nil {
		return nil, nil, err
	}

	recipient, err := parseRecipient(raw)
	if err != nil {
		return nil, nil, err
	}

	items, itemWarnings, err := n.parseItems(raw)
	if err != nil {
		return nil, nil, err
	}
	warnings = append(warnings, itemWarnings...)

	record := &models.NotaFiscal{
		Number: number,
		Series: series,
		Issuer: models.Party{
			TaxID: issuerTaxID,
			Name:  stringField(raw, fieldIssuerName),
		},
		Recipient:  recipient,
		IssueDate:  issueDate,
		TotalCents: totalCents,
		TaxCents:   taxCents,
		Items:      items,
		AccessKey:  digitsOnly(stringField(raw, fieldAccessKey)),
		Status:     models.StatusValidated,
	}

	if w, mismatch := n.checkItemSum(record); mismatch {
		warnings = append(warnings, w)
	}

	n.log.Debug().
		Str("key", record.Key().String()).
		Int64("total_cents", totalCents).
		Int("items", len(items)).
		Int("warnings", len(warnings)).
		Msg("Payload normalized")

	return record, warnings, nil
}

// checkItemSum verifies sum(items) against the invoice total within
// tolerance. A mismatch is a warning, never a rejection.
func (n *Normalizer) checkItemSum(record *models.NotaFiscal) (Warning, bool) {
	if len(record.Items) == 0 {
		return Warning{}, false
	}

	diff := record.ItemTotalCents() - record.TotalCents
	if diff < 0 {
		diff = -diff
	}

	tolerance := int64(math.Round(n.opts.TolerancePct * float64(record.TotalCents)))
	if tolerance < n.opts.ToleranceCents {
		tolerance = n.opts.ToleranceCents
	}

	if diff <= tolerance {
		return Warning{}, false
	}

	return Warning{
		Kind:  ValueMismatch,
		Field: fieldItems,
		Message: fmt.Sprintf("items sum to %.2f but total is %.2f (tolerance %.2f)",
			float64(record.ItemTotalCents())/100,
			float64(record.TotalCents)/100,
			float64(tolerance)/100),
	}, true
}

// parseItems normalizes each item independently. A malformed item is dropped
// with a warning; the record is only rejected when the source carried items
// but none survived.
func (n *Normalizer) parseItems(raw map[string]any) ([]models.LineItem, []Warning, error) {
	rawItems, ok := raw[fieldItems]
	if !ok || rawItems == nil {
		return nil, nil, nil
	}

	list, ok := rawItems.([]any)
	if !ok {
		return nil, nil, malformed(fieldItems, "items is not a list")
	}
	if len(list) == 0 {
		return nil, nil, nil
	}

	var (
		items    []models.LineItem
		warnings []Warning
	)
	for i, entry := range list {
		item, err := parseItem(entry)
		if err != nil {
			warnings = append(warnings, Warning{
				Kind:    ItemDropped,
				Field:   fmt.Sprintf("%s[%d]", fieldItems, i),
				Message: err.Error(),
			})
			continue
		}
		items = append(items, item)
	}

	if len(items) == 0 {
		return nil, nil, malformed(fieldItems, "all items failed normalization")
	}
	return items, warnings, nil
}

func parseItem(entry any) (models.LineItem, error) {
	m, ok := entry.(map[string]any)
	if !ok {
		return models.LineItem{}, fmt.Errorf("item is not an object")
	}

	desc := strings.TrimSpace(stringField(m, itemFieldDesc))
	if desc == "" {
		return models.LineItem{}, fmt.Errorf("missing description")
	}

	qty, err := parseDecimal(m[itemFieldQuantity])
	if err != nil {
		return models.LineItem{}, fmt.Errorf("quantity: %w", err)
	}
	if qty <= 0 {
		return models.LineItem{}, fmt.Errorf("quantity must be positive, got %v", qty)
	}

	unitCents, err := optionalMoney(m, itemFieldUnitValue)
	if err != nil {
		return models.LineItem{}, fmt.Errorf("unit value: %w", err)
	}
	totalCents, err := optionalMoney(m, itemFieldTotal)
	if err != nil {
		return models.LineItem{}, fmt.Errorf("item total: %w", err)
	}
	if unitCents < 0 || totalCents < 0 {
		return models.LineItem{}, fmt.Errorf("negative item value")
	}

	return models.LineItem{
		Code:        strings.TrimSpace(stringField(m, itemFieldCode)),
		Description: desc,
		Quantity:    qty,
		Unit:        strings.TrimSpace(stringField(m, itemFieldUnit)),
		UnitCents:   unitCents,
		TotalCents:  totalCents,
	}, nil
}

func parseRecipient(raw map[string]any) (*models.Party, error) {
	taxID := stringField(raw, fieldRecipTaxID)
	name := strings.TrimSpace(stringField(raw, fieldRecipName))
	if strings.TrimSpace(taxID) == "" && name == "" {
		return nil, nil
	}

	party := &models.Party{Name: name}
	if strings.TrimSpace(taxID) != "" {
		normalized, err := normalizeTaxIDField(taxID, fieldRecipTaxID)
		if err != nil {
			return nil, err
		}
		party.TaxID = normalized
	}
	return party, nil
}

// Tax identifier sizes: CNPJ for companies, CPF for individuals.
const (
	cnpjDigits = 14
	cpfDigits  = 11
)

// normalizeTaxID strips formatting punctuation from the issuer id. Badly
// sized ids are rejected rather than silently truncated.
func normalizeTaxID(v string) (string, error) {
	return normalizeTaxIDField(v, fieldIssuerTaxID)
}

func normalizeTaxIDField(v, field string) (string, error) {
	digits := digitsOnly(v)
	if digits == "" {
		return "", missing(field)
	}
	if len(digits) != cnpjDigits && len(digits) != cpfDigits {
		return "", malformed(field, fmt.Sprintf("tax id has %d digits, want %d or %d", len(digits), cpfDigits, cnpjDigits))
	}
	return digits, nil
}

func digitsOnly(s string) string {
	var b strings.Builder
	for _, r := range s {
		if r >= '0' && r <= '9' {
			b.WriteRune(r)
		}
	}
	return b.String()
}

func stringField(m map[string]any, key string) string {
	v, ok := m[key]
	if !ok || v == nil {
		return ""
	}
	switch s := v.(type) {
	case string:
		return s
	case float64:
		// Extraction sometimes returns numbers for numeric-looking fields.
		if s == math.Trunc(s) {
			return strconv.FormatInt(int64(s), 10)
		}
		return strconv.FormatFloat(s, 'f', -1, 64)
	case int:
		return strconv.Itoa(s)
	case int64:
		return strconv.FormatInt(s, 10)
	default:
		return ""
	}
}

func requireString(m map[string]any, key string) (string, error) {
	s := strings.TrimSpace(stringField(m, key))
	if s == "" {
		return "", missing(key)
	}
	return s, nil
}

func requireMoney(m map[string]any, key string) (int64, error) {
	v, ok := m[key]
	if !ok || v == nil {
		return 0, missing(key)
	}
	return moneyFromValue(v, key)
}

func optionalMoney(m map[string]any, key string) (int64, error) {
	v, ok := m[key]
	if !ok || v == nil {
		return 0, nil
	}
	if s, isStr := v.(string); isStr && strings.TrimSpace(s) == "" {
		return 0, nil
	}
	return moneyFromValue(v, key)
}

func moneyFromValue(v any, key string) (int64, error) {
	d, err := parseDecimal(v)
	if err != nil {
		return 0, malformed(key, err.Error())
	}
	return int64(math.Round(d * 100)), nil
}

// parseDecimal coerces a payload value to a float, accepting JSON numbers
// and Brazilian-formatted strings ("1.234,56", "R$ 10,00").
func parseDecimal(v any) (float64, error) {
	switch x := v.(type) {
	case float64:
		return x, nil
	case int:
		return float64(x), nil
	case int64:
		return float64(x), nil
	case string:
		return parseDecimalString(x)
	case nil:
		return 0, fmt.Errorf("value is null")
	default:
		return 0, fmt.Errorf("unsupported value type %T", v)
	}
}

func parseDecimalString(s string) (float64, error) {
	cleaned := strings.TrimSpace(s)
	cleaned = strings.TrimPrefix(cleaned, "R$")
	cleaned = strings.TrimSpace(cleaned)
	if cleaned == "" {
		return 0, fmt.Errorf("empty numeric value")
	}

	// Comma present means Brazilian decimal notation: dots are thousand
	// separators, comma is the decimal separator.
	if strings.Contains(cleaned, ",") {
		cleaned = strings.ReplaceAll(cleaned, ".", "")
		cleaned = strings.Replace(cleaned, ",", ".", 1)
	}

	f, err := strconv.ParseFloat(cleaned, 64)
	if err != nil {
		return 0, fmt.Errorf("cannot parse %q as number", s)
	}
	return f, nil
}

// Date formats accepted for data_emissao, most specific first.
var dateFormats = []string{
	"02/01/2006",
	"02-01-2006",
	"2006-01-02",
	"02.01.2006",
}

func optionalDate(m map[string]any, key string) (time.Time, error) {
	s := strings.TrimSpace(stringField(m, key))
	if s == "" {
		return time.Time{}, nil
	}
	for _, layout := range dateFormats {
		if t, err := time.Parse(layout, s); err == nil {
			return t, nil
		}
	}
	return time.Time{}, malformed(key, fmt.Sprintf("cannot parse %q as date", s))
}
