package models

import (
	"fmt"
	"time"

	"github.com/shopspring/decimal"
)

const (
	LedgerTable         = "ledger_rows"
	DefaultCustomerName = "Consumidor Final"
	LedgerStatusOK      = "OK"
)

// LedgerRow is the bookkeeping record of one issued invoice. At most one row exists per payment.
type LedgerRow struct {
	ID                uint            `gorm:"primaryKey" json:"id"`
	PaymentID         uint            `gorm:"not null;uniqueIndex" json:"payment_id"`
	Provider          string          `gorm:"type:varchar(32);not null" json:"provider"`
	ProviderPaymentID string          `gorm:"type:varchar(64);not null" json:"provider_payment_id"`
	InvoiceNumber     string          `gorm:"type:varchar(20);not null;index" json:"invoice_number"`
	DateApproved      *time.Time      `gorm:"type:datetime;default:null" json:"date_approved,omitempty"`
	Amount            decimal.Decimal `gorm:"type:decimal(14,2);not null" json:"amount"`
	Customer          string          `gorm:"type:varchar(255);not null" json:"customer"`
	CAE               string          `gorm:"column:cae;type:varchar(32);not null" json:"cae"`
	CAEVto            string          `gorm:"column:cae_vto;type:varchar(10);not null" json:"cae_vto"`
	Status            string          `gorm:"type:varchar(16);not null" json:"status"`
	ArchiveLink       string          `gorm:"type:varchar(1024)" json:"archive_link"`
	CreatedAt         time.Time       `gorm:"autoCreateTime" json:"created_at"`
}

// Ref returns the stable row reference stored on the payment.
func (r *LedgerRow) Ref() string {
	return fmt.Sprintf("%s!%d", LedgerTable, r.ID)
}

// NewLedgerRow builds the ledger row of a payment that already carries its fiscal and archive fields.
func NewLedgerRow(p *Payment) *LedgerRow {
	customer := p.Customer
	if customer == "" {
		customer = DefaultCustomerName
	}
	return &LedgerRow{
		PaymentID:         p.ID,
		Provider:          p.Provider,
		ProviderPaymentID: p.ProviderPaymentID,
		InvoiceNumber:     p.InvoiceNumber(),
		DateApproved:      p.DateApproved,
		Amount:            p.Amount,
		Customer:          customer,
		CAE:               p.CAE,
		CAEVto:            p.CAEVto,
		Status:            LedgerStatusOK,
		ArchiveLink:       p.ArchiveLink,
	}
}
