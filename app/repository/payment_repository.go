package repository

import (
	"context"
	"errors"
	"fmt"
	"time"

	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"github.com/ManuelReschke/InvoiceFox/app/models"
)

const notComplete = "status <> ?"

// paymentRepository implements the PaymentRepository interface
type paymentRepository struct {
	db *gorm.DB
}

// NewPaymentRepository creates a new payment repository instance
func NewPaymentRepository(db *gorm.DB) PaymentRepository {
	return &paymentRepository{db: db}
}

func (r *paymentRepository) Upsert(ctx context.Context, payment *models.Payment) (bool, *models.Payment, error) {
	tx := r.db.WithContext(ctx).Clauses(clause.OnConflict{
		Columns: []clause.Column{
			{Name: "provider"},
			{Name: "provider_payment_id"},
		},
		DoNothing: true,
	}).Create(payment)
	if tx.Error != nil {
		return false, nil, tx.Error
	}
	created := tx.RowsAffected > 0

	stored, err := r.GetByProviderID(ctx, payment.Provider, payment.ProviderPaymentID)
	if err != nil {
		return false, nil, err
	}
	if created || payment.DateApproved == nil {
		return created, stored, nil
	}

	// A webhook may have registered the id before the full record was known.
	if stored.Status == models.PaymentStatusFetchPending || (stored.Status == models.PaymentStatusIngestionPending && stored.DateApproved == nil) {
		updates := map[string]interface{}{
			"amount":              payment.Amount,
			"currency":            payment.Currency,
			"payment_method_id":   payment.PaymentMethodID,
			"customer":            payment.Customer,
			"customer_doc_type":   payment.CustomerDocType,
			"customer_doc_number": payment.CustomerDocNumber,
			"date_approved":       payment.DateApproved,
			"status":              models.PaymentStatusIngestionPending,
		}
		res := r.db.WithContext(ctx).Model(&models.Payment{}).
			Where("id = ? AND status IN ?", stored.ID, []models.PaymentStatus{models.PaymentStatusFetchPending, models.PaymentStatusIngestionPending}).
			Updates(updates)
		if res.Error != nil {
			return false, nil, res.Error
		}
		if res.RowsAffected > 0 {
			if stored, err = r.GetByID(ctx, stored.ID); err != nil {
				return false, nil, err
			}
		}
	}
	return false, stored, nil
}

func (r *paymentRepository) GetByID(ctx context.Context, id uint) (*models.Payment, error) {
	var p models.Payment
	if err := r.db.WithContext(ctx).First(&p, id).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, fmt.Errorf("payment %d: %w", id, ErrNotFound)
		}
		return nil, err
	}
	return &p, nil
}

func (r *paymentRepository) GetByProviderID(ctx context.Context, provider, providerPaymentID string) (*models.Payment, error) {
	var p models.Payment
	err := r.db.WithContext(ctx).
		Where("provider = ? AND provider_payment_id = ?", provider, providerPaymentID).
		First(&p).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, fmt.Errorf("payment %s/%s: %w", provider, providerPaymentID, ErrNotFound)
		}
		return nil, err
	}
	return &p, nil
}

func (r *paymentRepository) Claim(ctx context.Context, id uint, licensed []models.PaymentStatus, processingWithCAE bool) (bool, error) {
	caeCond := "cae = ''"
	if processingWithCAE {
		caeCond = "cae <> ''"
	}
	res := r.db.WithContext(ctx).Model(&models.Payment{}).
		Where("id = ?", id).
		Where(r.db.Where("status IN ?", licensed).Or("status = ? AND "+caeCond, models.PaymentStatusProcessing)).
		Updates(map[string]interface{}{
			"status":   models.PaymentStatusProcessing,
			"attempts": gorm.Expr("attempts + 1"),
		})
	if res.Error != nil {
		return false, res.Error
	}
	return res.RowsAffected > 0, nil
}

func (r *paymentRepository) Transition(ctx context.Context, id uint, from []models.PaymentStatus, next models.PaymentStatus, fields map[string]interface{}) (bool, error) {
	updates := map[string]interface{}{}
	for k, v := range fields {
		updates[k] = v
	}
	updates["status"] = next
	res := r.db.WithContext(ctx).Model(&models.Payment{}).
		Where("id = ? AND status IN ?", id, from).
		Where(notComplete, models.PaymentStatusComplete).
		Updates(updates)
	if res.Error != nil {
		return false, res.Error
	}
	return res.RowsAffected > 0, nil
}

func (r *paymentRepository) SetStatus(ctx context.Context, id uint, status models.PaymentStatus, errMsg string) error {
	return r.db.WithContext(ctx).Model(&models.Payment{}).
		Where("id = ?", id).
		Where(notComplete, models.PaymentStatusComplete).
		Updates(map[string]interface{}{
			"status": status,
			"error":  errMsg,
		}).Error
}

// ListStalled returns one keyset page of pending payments and of processing
// payments not updated since processingBefore, ordered by id after afterID.
func (r *paymentRepository) ListStalled(ctx context.Context, processingBefore time.Time, afterID uint, limit int) ([]models.Payment, error) {
	var payments []models.Payment
	stalled := r.db.Where("status IN ?", models.PendingStatuses).
		Or("status = ? AND updated_at < ?", models.PaymentStatusProcessing, processingBefore)
	q := r.db.WithContext(ctx).
		Where("id > ?", afterID).
		Where(stalled).
		Order("id ASC")
	if limit > 0 {
		q = q.Limit(limit)
	}
	err := q.Find(&payments).Error
	return payments, err
}

func (r *paymentRepository) ListByStatus(ctx context.Context, statuses []models.PaymentStatus, limit int) ([]models.Payment, error) {
	var payments []models.Payment
	q := r.db.WithContext(ctx).Where("status IN ?", statuses).Order("id DESC")
	if limit > 0 {
		q = q.Limit(limit)
	}
	err := q.Find(&payments).Error
	return payments, err
}

func (r *paymentRepository) KnownProviderIDs(ctx context.Context, provider string, ids []string) (map[string]bool, error) {
	known := make(map[string]bool, len(ids))
	if len(ids) == 0 {
		return known, nil
	}
	var found []string
	err := r.db.WithContext(ctx).Model(&models.Payment{}).
		Where("provider = ? AND provider_payment_id IN ?", provider, ids).
		Pluck("provider_payment_id", &found).Error
	if err != nil {
		return nil, err
	}
	for _, id := range found {
		known[id] = true
	}
	return known, nil
}
