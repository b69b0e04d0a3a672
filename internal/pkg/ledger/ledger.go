package ledger

import (
	"context"
	"errors"
	"fmt"

	"github.com/gofiber/fiber/v2/log"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"github.com/ManuelReschke/InvoiceFox/app/models"
)

// Ledger is the append-only bookkeeping table of issued invoices.
type Ledger struct {
	db *gorm.DB
}

func New(db *gorm.DB) *Ledger {
	return &Ledger{db: db}
}

// Append records the invoice of p. A payment that already has a row gets the existing
// reference back, so repeating the call never adds a second row.
func (l *Ledger) Append(ctx context.Context, p *models.Payment) (string, error) {
	if !p.HasCAE() {
		return "", errors.New("payment has no CAE")
	}

	row := models.NewLedgerRow(p)
	res := l.db.WithContext(ctx).Clauses(clause.OnConflict{
		Columns:   []clause.Column{{Name: "payment_id"}},
		DoNothing: true,
	}).Create(row)
	if res.Error != nil {
		return "", fmt.Errorf("append ledger row for payment %d: %w", p.ID, res.Error)
	}
	if res.RowsAffected > 0 && row.ID != 0 {
		log.Infof("[Ledger] Appended %s for invoice %s", row.Ref(), row.InvoiceNumber)
		return row.Ref(), nil
	}

	var existing models.LedgerRow
	if err := l.db.WithContext(ctx).Where("payment_id = ?", p.ID).First(&existing).Error; err != nil {
		return "", fmt.Errorf("load ledger row for payment %d: %w", p.ID, err)
	}
	return existing.Ref(), nil
}

// Recent returns the newest rows first.
func (l *Ledger) Recent(ctx context.Context, limit int) ([]models.LedgerRow, error) {
	var rows []models.LedgerRow
	q := l.db.WithContext(ctx).Order("id DESC")
	if limit > 0 {
		q = q.Limit(limit)
	}
	err := q.Find(&rows).Error
	return rows, err
}
