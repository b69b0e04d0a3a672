package pipeline

import (
	"context"
	"fmt"
	"time"

	"github.com/gofiber/fiber/v2/log"

	"github.com/ManuelReschke/InvoiceFox/app/models"
	"github.com/ManuelReschke/InvoiceFox/internal/pkg/events"
	"github.com/ManuelReschke/InvoiceFox/internal/pkg/jobqueue"
)

var ingestionLicensed = []models.PaymentStatus{
	models.PaymentStatusFetchPending,
	models.PaymentStatusIngestionPending,
}

// HandleIngestion completes the provider record of a payment and hands it to the fiscal stage.
func (s *Service) HandleIngestion(ctx context.Context, job *jobqueue.Job) error {
	p, err := s.loadJobPayment(ctx, job)
	if err != nil {
		return err
	}
	if p.Status != models.PaymentStatusFetchPending && p.Status != models.PaymentStatusIngestionPending {
		log.Debugf("[Ingestion] Payment %d already %s, skipping", p.ID, p.Status)
		return nil
	}

	if p.Status == models.PaymentStatusFetchPending || p.DateApproved == nil {
		done, err := s.fetchProviderPayment(ctx, p)
		if err != nil || done {
			return err
		}
	}

	ok, err := s.payments.Transition(ctx, p.ID, ingestionLicensed, models.PaymentStatusFiscalPending, map[string]interface{}{
		"amount":              p.Amount,
		"currency":            p.Currency,
		"payment_method_id":   p.PaymentMethodID,
		"customer":            p.Customer,
		"customer_doc_type":   p.CustomerDocType,
		"customer_doc_number": p.CustomerDocNumber,
		"date_approved":       p.DateApproved,
		"error":               "",
	})
	if err != nil {
		return fmt.Errorf("advance payment %d to fiscal: %w", p.ID, err)
	}
	if !ok {
		log.Debugf("[Ingestion] Payment %d was advanced by another delivery", p.ID)
		return nil
	}

	s.advance(ctx, jobqueue.JobTypeFiscal, p)
	return nil
}

// fetchProviderPayment fills p from the provider. done is true when the payment
// reached a terminal state and needs no fiscal stage.
func (s *Service) fetchProviderPayment(ctx context.Context, p *models.Payment) (bool, error) {
	prov, ok := s.providers[p.Provider]
	if !ok {
		return false, jobqueue.Permanent(fmt.Errorf("%w: %s", ErrUnknownProvider, p.Provider))
	}

	callCtx, cancel := s.callContext(ctx)
	pp, err := prov.GetByID(callCtx, p.ProviderPaymentID)
	cancel()
	if err != nil {
		s.park(ctx, p.ID, p.Status, err)
		return false, fmt.Errorf("fetch %s payment %s: %w", p.Provider, p.ProviderPaymentID, err)
	}
	if pp == nil {
		if age := s.now().Sub(p.CreatedAt); age > s.opts.FetchGiveUpAfter {
			return true, s.ignore(ctx, p, fmt.Sprintf("not found at provider after %s", age.Truncate(time.Minute)))
		}
		return false, fmt.Errorf("%s payment %s is not visible yet", p.Provider, p.ProviderPaymentID)
	}

	reason := pp.Excluded
	if reason == "" && pp.IsFinallyDeclined() {
		reason = "provider status " + pp.Status
	}
	if reason != "" {
		return true, s.ignore(ctx, p, reason)
	}
	if !pp.IsApproved() || !pp.Complete() {
		return false, fmt.Errorf("%s payment %s not approved yet (status %q)", p.Provider, p.ProviderPaymentID, pp.Status)
	}

	p.ApplyProviderPayment(pp)
	return false, nil
}

func (s *Service) ignore(ctx context.Context, p *models.Payment, reason string) error {
	if err := s.payments.SetStatus(ctx, p.ID, models.PaymentStatusIgnored, reason); err != nil {
		return err
	}
	log.Infof("[Ingestion] Ignoring %s payment %s: %s", p.Provider, p.ProviderPaymentID, reason)
	s.publish(ctx, events.TypeIgnored, p.ID)
	return nil
}

// park records the last failure on the payment without changing the stage that owns it.
func (s *Service) park(ctx context.Context, id uint, status models.PaymentStatus, cause error) {
	if err := s.payments.SetStatus(ctx, id, status, cause.Error()); err != nil {
		log.Errorf("[Pipeline] Failed to park payment %d as %s: %v", id, status, err)
	}
}
