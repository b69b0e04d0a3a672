package pipeline

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/gofiber/fiber/v2/log"

	"github.com/ManuelReschke/InvoiceFox/app/models"
)

const knownIDsChunk = 500

// SweepOnce re-enqueues the owning stage of every pending payment and of every
// processing payment that stopped making progress. Job ids are deduplicated by the
// queue, so payments whose job is still alive are not offered twice.
func (s *Service) SweepOnce(ctx context.Context) (int, error) {
	before := s.now().Add(-s.opts.StaleProcessingAfter)
	offered, failed := 0, 0
	var firstErr error
	var afterID uint

	for {
		stalled, err := s.payments.ListStalled(ctx, before, afterID, s.opts.SweepBatch)
		if err != nil {
			return offered, fmt.Errorf("list stalled payments after %d: %w", afterID, err)
		}
		for i := range stalled {
			p := &stalled[i]
			afterID = p.ID
			stage := ResumeStage(p)
			if stage == "" {
				continue
			}
			if err := s.enqueue(ctx, stage, p); err != nil {
				failed++
				if firstErr == nil {
					firstErr = err
				}
				continue
			}
			offered++
		}
		if len(stalled) < s.opts.SweepBatch || ctx.Err() != nil {
			break
		}
	}

	if offered > 0 {
		log.Infof("[Supervisor] Sweep re-offered %d payments", offered)
	}
	if failed > 0 {
		return offered, fmt.Errorf("sweep failed to enqueue %d payments: %w", failed, firstErr)
	}
	return offered, nil
}

// Reconcile ingests payments the provider approved within the reconciliation window
// that never reached the store.
func (s *Service) Reconcile(ctx context.Context, provider string) (int, error) {
	prov, ok := s.providers[provider]
	if !ok {
		return 0, fmt.Errorf("%w: %s", ErrUnknownProvider, provider)
	}

	end := s.now()
	start := end.Add(-s.opts.ReconcileWindow)
	payments, err := prov.SearchWithinWindow(ctx, start, end)
	if err != nil {
		return 0, fmt.Errorf("search %s window: %w", provider, err)
	}

	ingested := 0
	for from := 0; from < len(payments); from += knownIDsChunk {
		to := from + knownIDsChunk
		if to > len(payments) {
			to = len(payments)
		}
		batch := payments[from:to]
		ids := make([]string, 0, len(batch))
		for _, pp := range batch {
			ids = append(ids, pp.ID)
		}
		known, err := s.payments.KnownProviderIDs(ctx, provider, ids)
		if err != nil {
			return ingested, fmt.Errorf("diff %s window: %w", provider, err)
		}
		for _, pp := range batch {
			if known[pp.ID] || !pp.Complete() {
				continue
			}
			created, err := s.Ingest(ctx, provider, pp)
			if err != nil {
				if isRecordError(err) {
					log.Warnf("[Supervisor] Skipping %s payment %s: %v", provider, pp.ID, err)
					continue
				}
				return ingested, err
			}
			if created {
				log.Warnf("[Supervisor] Reconciliation recovered %s payment %s", provider, pp.ID)
				ingested++
			}
		}
	}
	log.Infof("[Supervisor] Reconciled %s: %d in window, %d recovered", provider, len(payments), ingested)
	return ingested, nil
}

// ReconcileAll reconciles every provider. A failing provider does not stop the others.
func (s *Service) ReconcileAll(ctx context.Context) map[string]error {
	results := make(map[string]error, len(s.providers))
	for name := range s.providers {
		_, err := s.Reconcile(ctx, name)
		if err != nil {
			log.Errorf("[Supervisor] Reconciliation of %s failed: %v", name, err)
		}
		results[name] = err
	}
	return results
}

// ListParked returns payments waiting for an operator.
func (s *Service) ListParked(ctx context.Context, limit int) ([]models.Payment, error) {
	return s.payments.ListByStatus(ctx, []models.PaymentStatus{models.PaymentStatusFiscalRejected}, limit)
}

// Supervisor runs the stalled sweep and the daily reconciliation.
type Supervisor struct {
	svc           *Service
	sweepInterval time.Duration
	hour, minute  int
	loc           *time.Location

	cancel context.CancelFunc
	wg     sync.WaitGroup
}

func NewSupervisor(svc *Service, sweepInterval time.Duration, hour, minute int, loc *time.Location) *Supervisor {
	if sweepInterval <= 0 {
		sweepInterval = 10 * time.Minute
	}
	if loc == nil {
		loc = time.UTC
	}
	return &Supervisor{svc: svc, sweepInterval: sweepInterval, hour: hour, minute: minute, loc: loc}
}

// Start launches both loops in the background.
func (sv *Supervisor) Start(ctx context.Context) {
	ctx, sv.cancel = context.WithCancel(ctx)
	sv.wg.Add(2)
	go sv.sweepLoop(ctx)
	go sv.reconcileLoop(ctx)
	log.Infof("[Supervisor] Started: sweep every %s, reconciliation daily at %02d:%02d %s",
		sv.sweepInterval, sv.hour, sv.minute, sv.loc)
}

// Stop cancels both loops and waits for them to return.
func (sv *Supervisor) Stop() {
	if sv.cancel != nil {
		sv.cancel()
	}
	sv.wg.Wait()
	log.Info("[Supervisor] Stopped")
}

func (sv *Supervisor) sweepLoop(ctx context.Context) {
	defer sv.wg.Done()
	ticker := time.NewTicker(sv.sweepInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if _, err := sv.svc.SweepOnce(ctx); err != nil && ctx.Err() == nil {
				log.Errorf("[Supervisor] Sweep failed: %v", err)
			}
		}
	}
}

func (sv *Supervisor) reconcileLoop(ctx context.Context) {
	defer sv.wg.Done()
	for {
		next := nextDailyRun(time.Now(), sv.hour, sv.minute, sv.loc)
		timer := time.NewTimer(time.Until(next))
		select {
		case <-ctx.Done():
			timer.Stop()
			return
		case <-timer.C:
			sv.svc.ReconcileAll(ctx)
		}
	}
}

// nextDailyRun returns the next wall-clock occurrence of hour:minute in loc strictly after now.
func nextDailyRun(now time.Time, hour, minute int, loc *time.Location) time.Time {
	local := now.In(loc)
	next := time.Date(local.Year(), local.Month(), local.Day(), hour, minute, 0, 0, loc)
	if !next.After(now) {
		next = time.Date(local.Year(), local.Month(), local.Day()+1, hour, minute, 0, 0, loc)
	}
	return next
}
