package sync

import (
	"fmt"
	"strconv"
	"strings"
	"time"

	"nfsync/internal/store"
	"nfsync/pkg/models"
)

// Fixed ledger names. Per-issuer ledgers are named by LedgerNameForIssuer.
const (
	SummaryLedger = "NFe Resumo"
	ItemsLedger   = "NFe Itens"
)

const (
	timestampLayout = "02/01/2006 15:04:05"
	dateLayout      = "02/01/2006"
)

// summaryHeader describes the summary ledger: one row per dedup key.
func summaryHeader() store.Header {
	return store.Header{
		Columns: []string{
			"Chave",
			"ID Processamento",
			"Data/Hora Processamento",
			"Nome Arquivo",
			"Número Nota",
			"Série",
			"Data Emissão",
			"CNPJ Emissor",
			"Razão Social Emissor",
			"CNPJ Destinatário",
			"Razão Social Destinatário",
			"Valor Total",
			"Valor ICMS",
			"Chave Acesso",
			"Quantidade Itens",
			"Status",
		},
	}
}

// itemsHeader describes the item ledger: one row per line item, tagged with
// the owning dedup key.
func itemsHeader() store.Header {
	return store.Header{
		Columns: []string{
			"Chave",
			"ID Processamento",
			"Número Nota",
			"Item Sequencia",
			"Código Produto",
			"Descrição Produto",
			"Quantidade",
			"Unidade",
			"Valor Unitário",
			"Valor Total Item",
			"Data Processamento",
		},
	}
}

// issuerHeader describes a per-issuer ledger, including its banner block.
func issuerHeader(taxID, name string) store.Header {
	return store.Header{
		Meta: []string{
			fmt.Sprintf("CNPJ: %s", taxID),
			fmt.Sprintf("Razão Social: %s", displayName(name)),
			fmt.Sprintf("Relatório gerado em: %s", time.Now().Format(timestampLayout)),
		},
		Columns: []string{
			"Chave",
			"ID Processamento",
			"Data Processamento",
			"Número Nota",
			"Série",
			"Data Emissão",
			"CNPJ Destinatário",
			"Razão Social Destinatário",
			"Valor Total",
			"Valor ICMS",
			"Quantidade Itens",
			"Nome Arquivo",
			"Status",
		},
	}
}

// LedgerNameForIssuer derives the deterministic per-issuer ledger name from
// the normalized tax id: CNPJ_<first 8 digits>_<sanitized name>.
func LedgerNameForIssuer(taxID, name string) string {
	prefix := taxID
	if len(prefix) > 8 {
		prefix = prefix[:8]
	}
	return fmt.Sprintf("CNPJ_%s_%s", prefix, sanitizeName(name))
}

// sanitizeName keeps word characters, spaces and dashes, truncated to 30
// runes, matching the destination's worksheet title limits.
func sanitizeName(name string) string {
	var b strings.Builder
	for _, r := range name {
		switch {
		case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9':
			b.WriteRune(r)
		case r == ' ', r == '-', r == '_':
			b.WriteRune(r)
		}
	}
	cleaned := strings.TrimSpace(b.String())
	if cleaned == "" {
		return "Empresa"
	}
	runes := []rune(cleaned)
	if len(runes) > 30 {
		runes = runes[:30]
	}
	return strings.TrimSpace(string(runes))
}

func displayName(name string) string {
	if strings.TrimSpace(name) == "" {
		return "Empresa"
	}
	return name
}

// summaryRow projects a record to its summary ledger row.
func summaryRow(record *models.NotaFiscal, processedAt time.Time) store.Row {
	recipTaxID, recipName := recipientCells(record)
	return store.Row{
		record.Key().String(),
		record.ProcessingID,
		processedAt.Format(timestampLayout),
		record.SourceFilename,
		record.Number,
		record.Series,
		dateCell(record.IssueDate),
		record.Issuer.TaxID,
		record.Issuer.Name,
		recipTaxID,
		recipName,
		centsCell(record.TotalCents),
		centsCell(record.TaxCents),
		record.AccessKey,
		strconv.Itoa(len(record.Items)),
		"Processado",
	}
}

// itemRows projects a record's line items, one row per item, in extraction
// order.
func itemRows(record *models.NotaFiscal, processedAt time.Time) []store.Row {
	key := record.Key().String()
	rows := make([]store.Row, 0, len(record.Items))
	for i, item := range record.Items {
		rows = append(rows, store.Row{
			key,
			record.ProcessingID,
			record.Number,
			strconv.Itoa(i + 1),
			item.Code,
			item.Description,
			item.Quantity,
			item.Unit,
			centsCell(item.UnitCents),
			centsCell(item.TotalCents),
			processedAt.Format(timestampLayout),
		})
	}
	return rows
}

// issuerRow projects a record to its per-issuer ledger row.
func issuerRow(record *models.NotaFiscal, processedAt time.Time) store.Row {
	recipTaxID, recipName := recipientCells(record)
	return store.Row{
		record.Key().String(),
		record.ProcessingID,
		processedAt.Format(timestampLayout),
		record.Number,
		record.Series,
		dateCell(record.IssueDate),
		recipTaxID,
		recipName,
		centsCell(record.TotalCents),
		centsCell(record.TaxCents),
		strconv.Itoa(len(record.Items)),
		record.SourceFilename,
		"Processado",
	}
}

func recipientCells(record *models.NotaFiscal) (string, string) {
	if record.Recipient == nil {
		return "", ""
	}
	return record.Recipient.TaxID, record.Recipient.Name
}

func dateCell(t time.Time) string {
	if t.IsZero() {
		return ""
	}
	return t.Format(dateLayout)
}

func centsCell(cents int64) float64 {
	return float64(cents) / 100
}

// rowProcessingID extracts the processing id cell from a ledger row, used
// to tell a resumed write apart from a fresh duplicate submission.
func rowProcessingID(row store.Row) string {
	if len(row) < 2 {
		return ""
	}
	s, _ := row[1].(string)
	return s
}
