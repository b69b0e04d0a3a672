package models

import "time"

// InvoiceSequence is the fiscal counter for one (sales point, document type) pair.
// Every number 1..LastNumber belongs to exactly one committed invoice.
type InvoiceSequence struct {
	ID           uint      `gorm:"primaryKey" json:"id"`
	SalesPoint   int       `gorm:"not null;index:ux_invoice_sequences_key,unique,priority:1" json:"sales_point"`
	DocumentType int       `gorm:"not null;index:ux_invoice_sequences_key,unique,priority:2" json:"document_type"`
	LastNumber   int64     `gorm:"not null;default:0" json:"last_number"`
	CreatedAt    time.Time `json:"created_at"`
	UpdatedAt    time.Time `json:"updated_at"`
}
