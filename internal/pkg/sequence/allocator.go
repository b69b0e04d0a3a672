package sequence

import (
	"context"
	"errors"
	"fmt"

	"github.com/gofiber/fiber/v2/log"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"github.com/ManuelReschke/InvoiceFox/app/models"
)

var (
	// ErrSequenceConflict means the stored counter or the payment no longer
	// matches what the reservation expected.
	ErrSequenceConflict = errors.New("sequence conflict")
	// ErrReservationClosed is returned when a reservation is used after Commit or Rollback.
	ErrReservationClosed = errors.New("reservation already closed")
)

// LastNumberSource reports the last number the fiscal authority accepted for a key.
type LastNumberSource interface {
	LastAuthorizedNumber(ctx context.Context, salesPoint, docType int) (int64, bool, error)
}

// Reservation holds the row lock of one sequence until Commit or Rollback.
type Reservation interface {
	SequenceID() uint
	Candidate() int64
	// LoadPayment reads the payment inside the locked transaction.
	LoadPayment(ctx context.Context, id uint) (*models.Payment, error)
	// Commit stores the assigned number and the fiscal fields of the payment
	// atomically and releases the lock.
	Commit(ctx context.Context, rec models.FiscalRecord) error
	// Rollback releases the lock without changes.
	Rollback() error
}

// Allocator hands out dense invoice numbers per (sales point, document type).
type Allocator struct {
	db        *gorm.DB
	authority LastNumberSource
}

func NewAllocator(db *gorm.DB, authority LastNumberSource) *Allocator {
	return &Allocator{db: db, authority: authority}
}

// Allocate locks the sequence row and returns last_number+1 as the candidate.
// Missing rows are seeded from the authority outside the lock first.
func (a *Allocator) Allocate(ctx context.Context, salesPoint, docType int) (Reservation, error) {
	for attempt := 0; attempt < 2; attempt++ {
		tx := a.db.WithContext(ctx).Begin()
		if tx.Error != nil {
			return nil, fmt.Errorf("begin allocation: %w", tx.Error)
		}

		seq, err := lockSequence(tx, salesPoint, docType)
		if err == nil {
			return &reservation{tx: tx, seq: *seq, candidate: seq.LastNumber + 1}, nil
		}
		tx.Rollback()
		if !errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, fmt.Errorf("lock sequence %d/%d: %w", salesPoint, docType, err)
		}
		if attempt > 0 {
			break
		}
		if err := a.seed(ctx, salesPoint, docType); err != nil {
			return nil, err
		}
	}
	return nil, fmt.Errorf("sequence %d/%d missing after seeding: %w", salesPoint, docType, ErrSequenceConflict)
}

func (a *Allocator) seed(ctx context.Context, salesPoint, docType int) error {
	last, found, err := a.authority.LastAuthorizedNumber(ctx, salesPoint, docType)
	if err != nil {
		return fmt.Errorf("seed sequence %d/%d: %w", salesPoint, docType, err)
	}
	if !found {
		last = 0
	}
	seq := &models.InvoiceSequence{SalesPoint: salesPoint, DocumentType: docType, LastNumber: last}
	res := a.db.WithContext(ctx).Clauses(clause.OnConflict{
		Columns:   []clause.Column{{Name: "sales_point"}, {Name: "document_type"}},
		DoNothing: true,
	}).Create(seq)
	if res.Error != nil {
		return fmt.Errorf("seed sequence %d/%d: %w", salesPoint, docType, res.Error)
	}
	if res.RowsAffected > 0 {
		log.Infof("[Sequence] Seeded %05d/%d at %d", salesPoint, docType, last)
	}
	return nil
}

// Resync overwrites last_number with the authority's value, creating the row if absent.
func (a *Allocator) Resync(ctx context.Context, salesPoint, docType int) (int64, error) {
	var last int64
	err := a.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		seq, err := lockSequence(tx, salesPoint, docType)
		if err != nil && !errors.Is(err, gorm.ErrRecordNotFound) {
			return err
		}

		authoritative, found, aerr := a.authority.LastAuthorizedNumber(ctx, salesPoint, docType)
		if aerr != nil {
			return aerr
		}
		if !found {
			authoritative = 0
		}
		last = authoritative

		if seq == nil {
			return tx.Create(&models.InvoiceSequence{SalesPoint: salesPoint, DocumentType: docType, LastNumber: last}).Error
		}
		if seq.LastNumber != last {
			log.Warnf("[Sequence] Resync %05d/%d: local %d, authority %d", salesPoint, docType, seq.LastNumber, last)
		}
		return tx.Model(seq).Update("last_number", last).Error
	})
	if err != nil {
		return 0, fmt.Errorf("resync sequence %d/%d: %w", salesPoint, docType, err)
	}
	return last, nil
}

// Current returns the stored last number without locking.
func (a *Allocator) Current(ctx context.Context, salesPoint, docType int) (int64, bool, error) {
	var seq models.InvoiceSequence
	err := a.db.WithContext(ctx).Where("sales_point = ? AND document_type = ?", salesPoint, docType).First(&seq).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return 0, false, nil
	}
	if err != nil {
		return 0, false, err
	}
	return seq.LastNumber, true, nil
}

func lockSequence(tx *gorm.DB, salesPoint, docType int) (*models.InvoiceSequence, error) {
	var seq models.InvoiceSequence
	err := tx.Clauses(clause.Locking{Strength: "UPDATE"}).
		Where("sales_point = ? AND document_type = ?", salesPoint, docType).
		First(&seq).Error
	if err != nil {
		return nil, err
	}
	return &seq, nil
}

type reservation struct {
	tx        *gorm.DB
	seq       models.InvoiceSequence
	candidate int64
	closed    bool
}

func (r *reservation) SequenceID() uint { return r.seq.ID }

func (r *reservation) Candidate() int64 { return r.candidate }

func (r *reservation) LoadPayment(ctx context.Context, id uint) (*models.Payment, error) {
	if r.closed {
		return nil, ErrReservationClosed
	}
	var p models.Payment
	if err := r.tx.WithContext(ctx).Clauses(clause.Locking{Strength: "UPDATE"}).First(&p, id).Error; err != nil {
		return nil, err
	}
	return &p, nil
}

func (r *reservation) Commit(ctx context.Context, rec models.FiscalRecord) error {
	if r.closed {
		return ErrReservationClosed
	}
	r.closed = true

	if rec.Number != r.candidate {
		r.tx.Rollback()
		return fmt.Errorf("authorized number %d differs from candidate %d: %w", rec.Number, r.candidate, ErrSequenceConflict)
	}

	tx := r.tx.WithContext(ctx)
	res := tx.Model(&models.InvoiceSequence{}).
		Where("id = ? AND last_number < ?", r.seq.ID, rec.Number).
		Update("last_number", rec.Number)
	if res.Error != nil {
		r.tx.Rollback()
		return res.Error
	}
	if res.RowsAffected != 1 {
		r.tx.Rollback()
		return fmt.Errorf("sequence %d did not advance to %d: %w", r.seq.ID, rec.Number, ErrSequenceConflict)
	}

	res = tx.Model(&models.Payment{}).
		Where("id = ? AND cae = '' AND status <> ?", rec.PaymentID, models.PaymentStatusComplete).
		Updates(map[string]interface{}{
			"pto_vta":   rec.SalesPoint,
			"cbte_tipo": rec.DocType,
			"cbte_nro":  rec.Number,
			"cae":       rec.CAE,
			"cae_vto":   rec.CAEExpiry,
			"status":    models.PaymentStatusPDFPending,
			"error":     "",
		})
	if res.Error != nil {
		r.tx.Rollback()
		return res.Error
	}
	if res.RowsAffected != 1 {
		r.tx.Rollback()
		return fmt.Errorf("payment %d already carries a CAE: %w", rec.PaymentID, ErrSequenceConflict)
	}

	return r.tx.Commit().Error
}

func (r *reservation) Rollback() error {
	if r.closed {
		return nil
	}
	r.closed = true
	return r.tx.Rollback().Error
}
