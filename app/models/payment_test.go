package models

import (
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestPaymentInvoiceNumber(t *testing.T) {
	p := &Payment{PtoVta: 3, CbteNro: 1542}
	assert.Equal(t, "00003-00001542", p.InvoiceNumber())
}

func TestPaymentIsPending(t *testing.T) {
	tests := []struct {
		status  PaymentStatus
		pending bool
	}{
		{PaymentStatusFetchPending, true},
		{PaymentStatusIngestionPending, true},
		{PaymentStatusFiscalPending, true},
		{PaymentStatusPDFPending, true},
		{PaymentStatusArchivePending, true},
		{PaymentStatusLedgerPending, true},
		{PaymentStatusProcessing, false},
		{PaymentStatusComplete, false},
		{PaymentStatusFiscalRejected, false},
	}

	for _, tt := range tests {
		t.Run(string(tt.status), func(t *testing.T) {
			p := &Payment{Status: tt.status}
			assert.Equal(t, tt.pending, p.IsPending())
		})
	}
}

func TestApplyProviderPaymentKeepsPipelineFields(t *testing.T) {
	approved := time.Date(2025, 11, 7, 12, 0, 0, 0, time.FixedZone("ART", -3*3600))
	p := &Payment{Status: PaymentStatusFiscalPending, CAE: "7543", PtoVta: 2}
	p.ApplyProviderPayment(&ProviderPayment{
		ID:            "10",
		Amount:        decimal.RequireFromString("1210.00"),
		Currency:      "ARS",
		ApprovedAt:    &approved,
		PaymentMethod: "visa",
		Customer:      "ana@example.com",
	})

	require.NotNil(t, p.DateApproved)
	assert.Equal(t, time.UTC, p.DateApproved.Location())
	assert.True(t, p.DateApproved.Equal(approved))
	assert.Equal(t, "1210", p.Amount.String())
	assert.Equal(t, "visa", p.PaymentMethodID)
	assert.Equal(t, PaymentStatusFiscalPending, p.Status)
	assert.Equal(t, "7543", p.CAE)
}

func TestProviderPaymentComplete(t *testing.T) {
	now := time.Now()
	assert.True(t, (&ProviderPayment{ID: "1", ApprovedAt: &now, Amount: decimal.NewFromInt(5)}).Complete())
	assert.False(t, (&ProviderPayment{ID: "1", Amount: decimal.NewFromInt(5)}).Complete())
	assert.False(t, (&ProviderPayment{ID: "1", ApprovedAt: &now}).Complete())
	assert.False(t, (&ProviderPayment{ApprovedAt: &now, Amount: decimal.NewFromInt(5)}).Complete())
}

func TestCompareCursor(t *testing.T) {
	t100 := time.Unix(100, 0)
	t90 := time.Unix(90, 0)

	tests := []struct {
		name string
		a, b Checkpoint
		want int
	}{
		{"later timestamp wins", Checkpoint{t100, "1"}, Checkpoint{t90, "9"}, 1},
		{"earlier timestamp loses", Checkpoint{t90, "9"}, Checkpoint{t100, "1"}, -1},
		{"same timestamp numeric ids", Checkpoint{t100, "5"}, Checkpoint{t100, "3"}, 1},
		{"numeric not lexical", Checkpoint{t100, "10"}, Checkpoint{t100, "9"}, 1},
		{"equal", Checkpoint{t100, "3"}, Checkpoint{t100, "3"}, 0},
		{"lexical fallback", Checkpoint{t100, "b-1"}, Checkpoint{t100, "a-9"}, 1},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, CompareCursor(tt.a, tt.b))
		})
	}
}

func TestCheckpointEncodeDecode(t *testing.T) {
	c := Checkpoint{Timestamp: time.Date(2025, 11, 7, 9, 0, 0, 0, time.UTC), ID: "123"}
	raw, err := c.Encode()
	require.NoError(t, err)

	decoded, err := DecodeCheckpoint(raw)
	require.NoError(t, err)
	assert.True(t, decoded.Timestamp.Equal(c.Timestamp))
	assert.Equal(t, "123", decoded.ID)

	_, err = DecodeCheckpoint("not-json")
	assert.Error(t, err)
}

func TestNewLedgerRowDefaultsCustomer(t *testing.T) {
	p := &Payment{
		ID:          7,
		Provider:    ProviderPayway,
		PtoVta:      1,
		CbteNro:     42,
		CAE:         "75431234567890",
		CAEVto:      "2025-11-17",
		ArchiveLink: "https://archive/x.html",
	}
	row := NewLedgerRow(p)
	assert.Equal(t, DefaultCustomerName, row.Customer)
	assert.Equal(t, "00001-00000042", row.InvoiceNumber)
	assert.Equal(t, LedgerStatusOK, row.Status)

	row.ID = 19
	assert.Equal(t, "ledger_rows!19", row.Ref())
}
