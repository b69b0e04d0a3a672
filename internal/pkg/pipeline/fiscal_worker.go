package pipeline

import (
	"context"
	"errors"
	"fmt"

	"github.com/gofiber/fiber/v2/log"

	"github.com/ManuelReschke/InvoiceFox/app/models"
	"github.com/ManuelReschke/InvoiceFox/internal/pkg/events"
	"github.com/ManuelReschke/InvoiceFox/internal/pkg/fiscal"
	"github.com/ManuelReschke/InvoiceFox/internal/pkg/jobqueue"
	"github.com/ManuelReschke/InvoiceFox/internal/pkg/sequence"
)

var fiscalLicensed = []models.PaymentStatus{models.PaymentStatusFiscalPending}

// HandleFiscal authorizes the invoice of a payment. The sequence row stays locked from
// number reservation until the CAE is stored, so numbers are consumed only by
// authorized invoices.
func (s *Service) HandleFiscal(ctx context.Context, job *jobqueue.Job) error {
	p, err := s.loadJobPayment(ctx, job)
	if err != nil {
		return err
	}
	if p.HasCAE() {
		if ResumeStage(p) == jobqueue.JobTypeDocument {
			s.advance(ctx, jobqueue.JobTypeDocument, p)
		}
		return nil
	}

	claimed, err := s.payments.Claim(ctx, p.ID, fiscalLicensed, false)
	if err != nil {
		return fmt.Errorf("claim payment %d: %w", p.ID, err)
	}
	if !claimed {
		log.Debugf("[Fiscal] Payment %d is %s, not claimable", p.ID, p.Status)
		return nil
	}

	if s.limiter != nil {
		if err := s.limiter.Wait(ctx); err != nil {
			s.park(context.WithoutCancel(ctx), p.ID, models.PaymentStatusFiscalPending, err)
			return err
		}
	}

	// The reservation must survive a shutdown signal once the authority was asked.
	txCtx := context.WithoutCancel(ctx)
	res, err := s.allocator.Allocate(txCtx, s.opts.SalesPoint, s.opts.DocType)
	if err != nil {
		s.park(txCtx, p.ID, models.PaymentStatusFiscalPending, err)
		return fmt.Errorf("reserve invoice number: %w", err)
	}

	locked, err := res.LoadPayment(txCtx, p.ID)
	if err != nil {
		rollback(res)
		s.park(txCtx, p.ID, models.PaymentStatusFiscalPending, err)
		return err
	}
	if locked.HasCAE() {
		rollback(res)
		log.Infof("[Fiscal] Payment %d was authorized concurrently as %s", p.ID, locked.InvoiceNumber())
		s.advance(ctx, jobqueue.JobTypeDocument, locked)
		return nil
	}
	if locked.Status != models.PaymentStatusProcessing {
		rollback(res)
		log.Warnf("[Fiscal] Payment %d changed to %s while waiting for the sequence lock", p.ID, locked.Status)
		return nil
	}

	return s.authorize(ctx, txCtx, res, locked)
}

func (s *Service) authorize(ctx, txCtx context.Context, res sequence.Reservation, p *models.Payment) error {
	req := fiscal.NewAuthorizationRequest(
		s.opts.SalesPoint,
		s.opts.DocType,
		res.Candidate(),
		p.Amount,
		s.opts.VATRate,
		p.CustomerDocType,
		p.CustomerDocNumber,
		s.now().In(s.opts.Location),
	)

	callCtx, cancel := s.callContext(ctx)
	auth, err := s.authority.Authorize(callCtx, req)
	cancel()
	if err != nil {
		rollback(res)
		if errors.Is(err, fiscal.ErrRejected) {
			s.park(txCtx, p.ID, models.PaymentStatusFiscalRejected, err)
			log.Warnf("[Fiscal] Payment %d rejected by the authority: %v", p.ID, err)
			s.publish(txCtx, events.TypeFiscalRejected, p.ID)
			return jobqueue.Permanent(err)
		}
		if errors.Is(err, fiscal.ErrUnreadableAuthorization) {
			number := models.FormatInvoiceNumber(s.opts.SalesPoint, res.Candidate())
			log.Errorf("[Fiscal] Payment %d sent as %s but the authorization could not be read: %v", p.ID, number, err)
			s.park(txCtx, p.ID, models.PaymentStatusFiscalRejected, fmt.Errorf("sent as %s, check the authority before retrying: %w", number, err))
			s.publish(txCtx, events.TypeFiscalRejected, p.ID)
			return jobqueue.Permanent(err)
		}
		// Unknown outcome: the number stays unconsumed and the next attempt asks again.
		s.park(txCtx, p.ID, models.PaymentStatusFiscalPending, err)
		return fmt.Errorf("authorize payment %d as %s: %w", p.ID, models.FormatInvoiceNumber(s.opts.SalesPoint, res.Candidate()), err)
	}

	rec := models.FiscalRecord{
		PaymentID:  p.ID,
		SalesPoint: s.opts.SalesPoint,
		DocType:    s.opts.DocType,
		Number:     auth.Number,
		CAE:        auth.CAE,
		CAEExpiry:  auth.CAEExpiry,
	}
	if err := res.Commit(txCtx, rec); err != nil {
		number := models.FormatInvoiceNumber(rec.SalesPoint, rec.Number)
		log.Errorf("[Fiscal] Payment %d authorized as %s with CAE %s (expires %s) but the record was not stored: %v",
			p.ID, number, rec.CAE, rec.CAEExpiry, err)
		msg := fmt.Sprintf("authorized as %s with CAE %s (expires %s) but not stored: %v", number, rec.CAE, rec.CAEExpiry, err)
		if serr := s.payments.SetStatus(txCtx, p.ID, models.PaymentStatusFiscalRejected, msg); serr != nil {
			log.Errorf("[Fiscal] Failed to park payment %d: %v", p.ID, serr)
		}
		return jobqueue.Permanent(err)
	}

	log.Infof("[Fiscal] Payment %d authorized as %s, CAE %s", p.ID, models.FormatInvoiceNumber(rec.SalesPoint, rec.Number), rec.CAE)
	p.CAE = rec.CAE
	s.advance(ctx, jobqueue.JobTypeDocument, p)
	return nil
}

func rollback(res sequence.Reservation) {
	if err := res.Rollback(); err != nil && !errors.Is(err, sequence.ErrReservationClosed) {
		log.Warnf("[Fiscal] Failed to release sequence %d: %v", res.SequenceID(), err)
	}
}
