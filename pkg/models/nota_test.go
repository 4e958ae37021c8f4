package models

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestDedupKeyString(t *testing.T) {
	key := DedupKey{Number: "123", Series: "1", IssuerTaxID: "12345678000195"}
	assert.Equal(t, "123|1|12345678000195", key.String())
}

func TestNotaFiscalKey(t *testing.T) {
	n := NotaFiscal{
		Number: "42",
		Series: "003",
		Issuer: Party{TaxID: "98765432000110"},
	}
	assert.Equal(t, DedupKey{Number: "42", Series: "003", IssuerTaxID: "98765432000110"}, n.Key())
	assert.Equal(t, "42|003|98765432000110", n.Key().String())
}

func TestItemTotalCents(t *testing.T) {
	n := NotaFiscal{
		Items: []LineItem{
			{TotalCents: 5000},
			{TotalCents: 2550},
			{TotalCents: 450},
		},
	}
	assert.Equal(t, int64(8000), n.ItemTotalCents())

	empty := NotaFiscal{}
	assert.Zero(t, empty.ItemTotalCents())
}
