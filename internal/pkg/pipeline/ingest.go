package pipeline

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/gofiber/fiber/v2/log"

	"github.com/ManuelReschke/InvoiceFox/app/models"
	"github.com/ManuelReschke/InvoiceFox/internal/pkg/jobqueue"
)

var (
	ErrUnknownProvider   = errors.New("unknown provider")
	ErrIncompletePayment = errors.New("provider payment is incomplete")
	ErrNotRetryable      = errors.New("payment is not in a retryable state")
	ErrEmptyNotification = errors.New("notification carries no payment id")
	ErrProviderMismatch  = errors.New("payment belongs to another provider")
)

// Ingest stores an approved provider payment and schedules its ingestion job.
// Seeing the same payment again is a no-op apart from re-offering the ingestion
// job, which the queue deduplicates.
func (s *Service) Ingest(ctx context.Context, provider string, raw models.ProviderPayment) (bool, error) {
	if _, ok := s.providers[provider]; !ok {
		return false, fmt.Errorf("%w: %s", ErrUnknownProvider, provider)
	}
	if raw.Provider != "" && raw.Provider != provider {
		return false, fmt.Errorf("%w: %s/%s", ErrProviderMismatch, raw.Provider, raw.ID)
	}
	if !raw.Complete() {
		return false, fmt.Errorf("%w: %s/%s", ErrIncompletePayment, provider, raw.ID)
	}

	p := &models.Payment{
		Provider:          provider,
		ProviderPaymentID: raw.ID,
		Status:            models.PaymentStatusIngestionPending,
	}
	p.ApplyProviderPayment(&raw)

	created, stored, err := s.payments.Upsert(ctx, p)
	if err != nil {
		return false, fmt.Errorf("store payment %s/%s: %w", provider, raw.ID, err)
	}
	if created {
		log.Infof("[Pipeline] Ingested %s payment %s (%s)", provider, raw.ID, raw.Amount.StringFixed(2))
	}
	if stored.Status == models.PaymentStatusIngestionPending || stored.Status == models.PaymentStatusFetchPending {
		s.advance(ctx, jobqueue.JobTypeIngestion, stored)
	}
	return created, nil
}

// IngestNotification registers a payment known only by id. The ingestion worker
// fetches the full record from the provider later.
func (s *Service) IngestNotification(ctx context.Context, provider, id string) (bool, error) {
	if _, ok := s.providers[provider]; !ok {
		return false, fmt.Errorf("%w: %s", ErrUnknownProvider, provider)
	}
	id = strings.TrimSpace(id)
	if id == "" {
		return false, ErrEmptyNotification
	}

	created, stored, err := s.payments.Upsert(ctx, &models.Payment{
		Provider:          provider,
		ProviderPaymentID: id,
		Status:            models.PaymentStatusFetchPending,
	})
	if err != nil {
		return false, fmt.Errorf("store notified payment %s/%s: %w", provider, id, err)
	}
	if created {
		log.Infof("[Pipeline] Registered notified %s payment %s", provider, id)
	}
	if stored.Status == models.PaymentStatusFetchPending || stored.Status == models.PaymentStatusIngestionPending {
		s.advance(ctx, jobqueue.JobTypeIngestion, stored)
	}
	return created, nil
}

// ResumeStage returns the stage that owns a payment in its current status, or ""
// when no automation applies.
func ResumeStage(p *models.Payment) jobqueue.JobType {
	switch p.Status {
	case models.PaymentStatusFetchPending, models.PaymentStatusIngestionPending:
		return jobqueue.JobTypeIngestion
	case models.PaymentStatusFiscalPending:
		return jobqueue.JobTypeFiscal
	case models.PaymentStatusPDFPending, models.PaymentStatusArchivePending, models.PaymentStatusLedgerPending:
		return jobqueue.JobTypeDocument
	case models.PaymentStatusProcessing:
		if p.HasCAE() {
			return jobqueue.JobTypeDocument
		}
		return jobqueue.JobTypeFiscal
	}
	return ""
}

// RetryRejected moves a fiscally rejected payment back to fiscal-pending after an
// operator fixed the cause.
func (s *Service) RetryRejected(ctx context.Context, id uint) error {
	p, err := s.payments.GetByID(ctx, id)
	if err != nil {
		return err
	}
	if p.HasCAE() {
		return fmt.Errorf("%w: payment %d already has CAE %s", ErrNotRetryable, id, p.CAE)
	}
	ok, err := s.payments.Transition(ctx, id,
		[]models.PaymentStatus{models.PaymentStatusFiscalRejected},
		models.PaymentStatusFiscalPending,
		map[string]interface{}{"error": ""})
	if err != nil {
		return err
	}
	if !ok {
		return fmt.Errorf("%w: payment %d is %s", ErrNotRetryable, id, p.Status)
	}
	log.Infof("[Pipeline] Payment %d released for a new fiscal attempt", id)
	return s.enqueue(ctx, jobqueue.JobTypeFiscal, p)
}

// ResyncSequence overwrites the local counter of the configured sales point from the authority.
func (s *Service) ResyncSequence(ctx context.Context) (int64, error) {
	last, err := s.allocator.Resync(ctx, s.opts.SalesPoint, s.opts.DocType)
	if err != nil {
		return 0, err
	}
	log.Infof("[Pipeline] Sequence %05d/%03d resynced to %d", s.opts.SalesPoint, s.opts.DocType, last)
	return last, nil
}

// CurrentSequence returns the last committed number of the configured sales point.
func (s *Service) CurrentSequence(ctx context.Context) (int64, bool, error) {
	return s.allocator.Current(ctx, s.opts.SalesPoint, s.opts.DocType)
}

// Payment returns a stored payment by id.
func (s *Service) Payment(ctx context.Context, id uint) (*models.Payment, error) {
	return s.payments.GetByID(ctx, id)
}

// PaymentByProviderID returns a stored payment by its provider key.
func (s *Service) PaymentByProviderID(ctx context.Context, provider, providerPaymentID string) (*models.Payment, error) {
	return s.payments.GetByProviderID(ctx, provider, providerPaymentID)
}
