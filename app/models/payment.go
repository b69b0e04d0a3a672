package models

import (
	"fmt"
	"strings"
	"time"

	"github.com/shopspring/decimal"
)

// PaymentStatus is the pipeline state of a payment
type PaymentStatus string

const (
	PaymentStatusFetchPending     PaymentStatus = "fetch-pending"
	PaymentStatusIngestionPending PaymentStatus = "ingestion-pending"
	PaymentStatusProcessing       PaymentStatus = "processing"
	PaymentStatusFiscalPending    PaymentStatus = "fiscal-pending"
	PaymentStatusPDFPending       PaymentStatus = "pdf-pending"
	PaymentStatusArchivePending   PaymentStatus = "archive-pending"
	PaymentStatusLedgerPending    PaymentStatus = "ledger-pending"
	PaymentStatusComplete         PaymentStatus = "complete"
	PaymentStatusFiscalRejected   PaymentStatus = "fiscal-rejected"
	PaymentStatusIgnored          PaymentStatus = "ignored"
)

const (
	ProviderMercadoPago = "mercadopago"
	ProviderPayway      = "payway"
)

// PendingStatuses are the retry attachment points scanned by the supervisor.
var PendingStatuses = []PaymentStatus{
	PaymentStatusFetchPending,
	PaymentStatusIngestionPending,
	PaymentStatusFiscalPending,
	PaymentStatusPDFPending,
	PaymentStatusArchivePending,
	PaymentStatusLedgerPending,
}

// Payment is one provider payment and its progress through the invoice pipeline.
type Payment struct {
	ID                uint            `gorm:"primaryKey" json:"id"`
	Provider          string          `gorm:"type:varchar(32);not null;index:ux_payments_provider_payment,unique,priority:1" json:"provider"`
	ProviderPaymentID string          `gorm:"type:varchar(64);not null;index:ux_payments_provider_payment,unique,priority:2" json:"provider_payment_id"`
	Amount            decimal.Decimal `gorm:"type:decimal(14,2);not null;default:0" json:"amount"`
	Currency          string          `gorm:"type:varchar(8)" json:"currency"`
	PaymentMethodID   string          `gorm:"type:varchar(64)" json:"payment_method_id"`
	Customer          string          `gorm:"type:varchar(255)" json:"customer"`
	CustomerDocType   string          `gorm:"type:varchar(16)" json:"customer_doc_type"`
	CustomerDocNumber string          `gorm:"type:varchar(32)" json:"customer_doc_number"`
	DateApproved      *time.Time      `gorm:"type:datetime;default:null;index" json:"date_approved,omitempty"`
	Status            PaymentStatus   `gorm:"type:varchar(32);not null;index" json:"status"`
	Error             string          `gorm:"type:text" json:"error"`
	Attempts          int             `gorm:"not null;default:0" json:"attempts"`

	CbteNro  int64  `gorm:"not null;default:0" json:"cbte_nro"`
	CbteTipo int    `gorm:"not null;default:0" json:"cbte_tipo"`
	PtoVta   int    `gorm:"not null;default:0" json:"pto_vta"`
	CAE      string `gorm:"column:cae;type:varchar(32);not null;default:''" json:"cae"`
	CAEVto   string `gorm:"column:cae_vto;type:varchar(10);not null;default:''" json:"cae_vto"`

	PDFPath     string `gorm:"column:pdf_path;type:varchar(512)" json:"pdf_path"`
	ArchiveID   string `gorm:"type:varchar(512)" json:"archive_id"`
	ArchiveLink string `gorm:"type:varchar(1024)" json:"archive_link"`
	LedgerRow   string `gorm:"type:varchar(128)" json:"ledger_row"`

	CreatedAt time.Time `gorm:"autoCreateTime" json:"created_at"`
	UpdatedAt time.Time `gorm:"autoUpdateTime;index" json:"updated_at"`
}

// HasCAE reports whether the fiscal authorization was already recorded.
func (p *Payment) HasCAE() bool {
	return strings.TrimSpace(p.CAE) != ""
}

// IsComplete reports whether the payment reached the terminal state.
func (p *Payment) IsComplete() bool {
	return p.Status == PaymentStatusComplete
}

// IsPending reports whether the status is one of the *-pending retry states.
func (p *Payment) IsPending() bool {
	for _, s := range PendingStatuses {
		if p.Status == s {
			return true
		}
	}
	return false
}

// InvoiceNumber renders the invoice number as PPPPP-NNNNNNNN.
func (p *Payment) InvoiceNumber() string {
	return FormatInvoiceNumber(p.PtoVta, p.CbteNro)
}

// FormatInvoiceNumber renders a sales point and sequence number the way printed invoices show them.
func FormatInvoiceNumber(salesPoint int, number int64) string {
	return fmt.Sprintf("%05d-%08d", salesPoint, number)
}

// ApplyProviderPayment copies provider attributes onto the payment without touching pipeline fields.
func (p *Payment) ApplyProviderPayment(src *ProviderPayment) {
	p.Amount = src.Amount
	p.Currency = src.Currency
	p.PaymentMethodID = src.PaymentMethod
	p.Customer = src.Customer
	p.CustomerDocType = src.DocType
	p.CustomerDocNumber = src.DocNumber
	if src.ApprovedAt != nil {
		t := src.ApprovedAt.UTC()
		p.DateApproved = &t
	}
}

// ProviderPayment is the normalized view of a payment as returned by a provider API.
type ProviderPayment struct {
	ID            string          `json:"id"`
	Provider      string          `json:"provider"`
	Status        string          `json:"status"`
	Amount        decimal.Decimal `json:"amount"`
	Currency      string          `json:"currency"`
	ApprovedAt    *time.Time      `json:"date_approved,omitempty"`
	PaymentMethod string          `json:"payment_method_id"`
	Customer      string          `json:"customer"`
	DocType       string          `json:"customer_doc_type"`
	DocNumber     string          `json:"customer_doc_number"`
	// Excluded holds the reason a payment must never be invoiced (foreign POS, money transfer).
	Excluded string `json:"-"`
}

// IsApproved reports whether the provider considers the payment settled.
func (pp *ProviderPayment) IsApproved() bool {
	return strings.EqualFold(pp.Status, "approved") || (pp.Status == "" && pp.ApprovedAt != nil)
}

// IsFinallyDeclined reports whether the provider settled the payment without approving it.
func (pp *ProviderPayment) IsFinallyDeclined() bool {
	switch strings.ToLower(pp.Status) {
	case "rejected", "cancelled", "refunded", "charged_back", "annulled":
		return true
	}
	return false
}

// Complete reports whether the record carries everything the pipeline needs to invoice it.
func (pp *ProviderPayment) Complete() bool {
	return pp.ID != "" && pp.ApprovedAt != nil && pp.Amount.IsPositive()
}

// Cursor returns the polling cursor position of the payment.
func (pp *ProviderPayment) Cursor() Checkpoint {
	c := Checkpoint{ID: pp.ID}
	if pp.ApprovedAt != nil {
		c.Timestamp = pp.ApprovedAt.UTC()
	}
	return c
}

// PaymentPage is one page of a provider search. HasMore is false on the last page.
type PaymentPage struct {
	Payments []ProviderPayment
	HasMore  bool
}

// FiscalRecord is what the fiscal authority returned for an authorized invoice.
type FiscalRecord struct {
	PaymentID  uint
	SalesPoint int
	DocType    int
	Number     int64
	CAE        string
	CAEExpiry  string
}
