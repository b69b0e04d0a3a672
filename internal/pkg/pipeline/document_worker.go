package pipeline

import (
	"context"
	"fmt"
	"os"
	"path/filepath"

	"github.com/gofiber/fiber/v2/log"

	"github.com/ManuelReschke/InvoiceFox/app/models"
	"github.com/ManuelReschke/InvoiceFox/internal/pkg/events"
	"github.com/ManuelReschke/InvoiceFox/internal/pkg/jobqueue"
)

var documentLicensed = []models.PaymentStatus{
	models.PaymentStatusPDFPending,
	models.PaymentStatusArchivePending,
	models.PaymentStatusLedgerPending,
}

var whileProcessing = []models.PaymentStatus{models.PaymentStatusProcessing}

// HandleDocument renders, archives and books the invoice of an authorized payment.
// Each step is skipped when its output is already recorded on the payment.
func (s *Service) HandleDocument(ctx context.Context, job *jobqueue.Job) error {
	p, err := s.loadJobPayment(ctx, job)
	if err != nil {
		return err
	}
	if p.IsComplete() {
		return nil
	}
	if !p.HasCAE() {
		log.Warnf("[Document] Payment %d has no CAE yet (status %s)", p.ID, p.Status)
		return nil
	}

	claimed, err := s.payments.Claim(ctx, p.ID, documentLicensed, true)
	if err != nil {
		return fmt.Errorf("claim payment %d: %w", p.ID, err)
	}
	if !claimed {
		log.Debugf("[Document] Payment %d is %s, not claimable", p.ID, p.Status)
		return nil
	}
	if p, err = s.payments.GetByID(ctx, p.ID); err != nil {
		return err
	}

	if p.ArchiveLink == "" {
		if p.PDFPath == "" || !fileExists(p.PDFPath) {
			if err := s.renderStep(ctx, p); err != nil {
				return err
			}
		}
		if err := s.archiveStep(ctx, p); err != nil {
			return err
		}
	}
	if p.LedgerRow == "" {
		if err := s.ledgerStep(ctx, p); err != nil {
			return err
		}
	}

	ok, err := s.payments.Transition(ctx, p.ID, whileProcessing, models.PaymentStatusComplete, map[string]interface{}{"error": ""})
	if err != nil {
		s.park(ctx, p.ID, models.PaymentStatusLedgerPending, err)
		return err
	}
	if ok {
		log.Infof("[Document] Invoice %s of %s payment %s complete", p.InvoiceNumber(), p.Provider, p.ProviderPaymentID)
		s.publish(ctx, events.TypeCompleted, p.ID)
	}
	return nil
}

func (s *Service) renderStep(ctx context.Context, p *models.Payment) error {
	path, err := s.renderer.Render(ctx, p)
	if err != nil {
		s.park(ctx, p.ID, models.PaymentStatusPDFPending, err)
		return fmt.Errorf("render invoice of payment %d: %w", p.ID, err)
	}
	if err := s.record(ctx, p, models.PaymentStatusPDFPending, map[string]interface{}{"pdf_path": path}); err != nil {
		return err
	}
	p.PDFPath = path
	return nil
}

func (s *Service) archiveStep(ctx context.Context, p *models.Payment) error {
	callCtx, cancel := s.callContext(ctx)
	obj, err := s.archiver.Archive(callCtx, p.PDFPath, filepath.Base(p.PDFPath))
	cancel()
	if err != nil {
		s.park(ctx, p.ID, models.PaymentStatusArchivePending, err)
		return fmt.Errorf("archive invoice of payment %d: %w", p.ID, err)
	}
	if err := s.record(ctx, p, models.PaymentStatusArchivePending, map[string]interface{}{
		"archive_id":   obj.ID,
		"archive_link": obj.Link,
	}); err != nil {
		return err
	}
	p.ArchiveID = obj.ID
	p.ArchiveLink = obj.Link
	return nil
}

func (s *Service) ledgerStep(ctx context.Context, p *models.Payment) error {
	ref, err := s.ledger.Append(ctx, p)
	if err != nil {
		s.park(ctx, p.ID, models.PaymentStatusLedgerPending, err)
		return fmt.Errorf("append ledger row of payment %d: %w", p.ID, err)
	}
	if err := s.record(ctx, p, models.PaymentStatusLedgerPending, map[string]interface{}{"ledger_row": ref}); err != nil {
		return err
	}
	p.LedgerRow = ref
	return nil
}

// record stores a step result while the payment stays claimed. On failure the
// payment is parked on the step that has to be redone.
func (s *Service) record(ctx context.Context, p *models.Payment, onFailure models.PaymentStatus, fields map[string]interface{}) error {
	ok, err := s.payments.Transition(ctx, p.ID, whileProcessing, models.PaymentStatusProcessing, fields)
	if err != nil {
		s.park(ctx, p.ID, onFailure, err)
		return fmt.Errorf("record document step of payment %d: %w", p.ID, err)
	}
	if !ok {
		return jobqueue.Permanent(fmt.Errorf("payment %d left processing during the document stage", p.ID))
	}
	return nil
}

func fileExists(path string) bool {
	_, err := os.Stat(path)
	return err == nil
}
