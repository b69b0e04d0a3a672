package pipeline

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync/atomic"
	"time"

	"github.com/gofiber/fiber/v2/log"

	"github.com/ManuelReschke/InvoiceFox/app/models"
)

// ErrPollInProgress is returned when a cycle is requested while the previous one still runs.
var ErrPollInProgress = errors.New("poll cycle already running")

// Poller discovers newly approved payments of one provider.
type Poller struct {
	svc      *Service
	provider Provider
	interval time.Duration
	running  atomic.Bool
}

func NewPoller(svc *Service, provider Provider, interval time.Duration) *Poller {
	if interval <= 0 {
		interval = time.Minute
	}
	return &Poller{svc: svc, provider: provider, interval: interval}
}

// Run polls until ctx is cancelled. The first cycle starts immediately.
func (p *Poller) Run(ctx context.Context) {
	log.Infof("[Poller] %s polling every %s", p.provider.Name(), p.interval)
	ticker := time.NewTicker(p.interval)
	defer ticker.Stop()

	for {
		if _, err := p.PollOnce(ctx); err != nil && !errors.Is(err, ErrPollInProgress) && ctx.Err() == nil {
			log.Warnf("[Poller] %s cycle failed: %v", p.provider.Name(), err)
		}
		select {
		case <-ctx.Done():
			log.Infof("[Poller] %s stopped", p.provider.Name())
			return
		case <-ticker.C:
		}
	}
}

// PollOnce runs one discovery cycle and returns the number of accepted payments.
func (p *Poller) PollOnce(ctx context.Context) (int, error) {
	if !p.running.CompareAndSwap(false, true) {
		return 0, ErrPollInProgress
	}
	defer p.running.Store(false)

	name := p.provider.Name()
	cp, found, err := p.svc.checkpoints.Get(ctx, name)
	if err != nil {
		return 0, fmt.Errorf("load checkpoint: %w", err)
	}
	if !found {
		return 0, p.seed(ctx)
	}

	opts := p.svc.opts
	floor := cp.Timestamp.Add(-opts.PollOverlap)
	seen := make(map[string]bool)
	var accepted []models.ProviderPayment
	next := cp
	older := 0
	complete := false

pages:
	for page := 0; page < opts.PollMaxPages; page++ {
		callCtx, cancel := p.svc.callContext(ctx)
		res, err := p.provider.SearchApproved(callCtx, floor, page)
		cancel()
		if err != nil {
			// Accepted payments are still ingested, but the checkpoint stays put: older
			// pages were never seen.
			log.Warnf("[Poller] %s page %d failed: %v", name, page, err)
			n, ingestErr := p.ingestAll(ctx, accepted)
			if ingestErr != nil {
				return n, ingestErr
			}
			return n, fmt.Errorf("search page %d: %w", page, err)
		}

		items := append([]models.ProviderPayment(nil), res.Payments...)
		sortNewestFirst(items)
		for _, pp := range items {
			if pp.ApprovedAt == nil || seen[pp.ID] {
				continue
			}
			seen[pp.ID] = true

			if pp.ApprovedAt.Before(floor) {
				older++
				if older >= opts.PollOlderThreshold {
					complete = true
					break pages
				}
				continue
			}
			older = 0
			if !pp.Cursor().After(cp) {
				continue
			}
			if pp.Cursor().After(next) {
				next = pp.Cursor()
			}
			if !pp.Complete() {
				log.Warnf("[Poller] %s skipping incomplete payment %s (amount %s)", name, pp.ID, pp.Amount.String())
				continue
			}
			accepted = append(accepted, pp)
		}
		if !res.HasMore {
			complete = true
			break
		}
	}
	if !complete {
		log.Warnf("[Poller] %s hit the page ceiling of %d, older payments are left for reconciliation", name, opts.PollMaxPages)
	}

	sort.Slice(accepted, func(i, j int) bool {
		return models.CompareCursor(accepted[i].Cursor(), accepted[j].Cursor()) < 0
	})
	n, err := p.ingestAll(ctx, accepted)
	if err != nil {
		return n, err
	}
	if !next.After(cp) {
		return 0, nil
	}

	if err := p.svc.checkpoints.Advance(ctx, name, next); err != nil {
		return n, fmt.Errorf("advance checkpoint to %s: %w", next, err)
	}
	log.Infof("[Poller] %s accepted %d payments, checkpoint %s", name, n, next)
	return n, nil
}

// ingestAll stores payments oldest first. Records the pipeline refuses are logged
// and passed over; a storage failure stops the cycle before the checkpoint moves.
func (p *Poller) ingestAll(ctx context.Context, payments []models.ProviderPayment) (int, error) {
	n := 0
	for _, pp := range payments {
		if _, err := p.svc.Ingest(ctx, p.provider.Name(), pp); err != nil {
			if isRecordError(err) {
				log.Warnf("[Poller] %s skipping payment %s: %v", p.provider.Name(), pp.ID, err)
				continue
			}
			return n, fmt.Errorf("ingest %s: %w", pp.ID, err)
		}
		n++
	}
	return n, nil
}

// isRecordError reports whether Ingest refused the record itself rather than failing to store it.
func isRecordError(err error) bool {
	return errors.Is(err, ErrIncompletePayment) || errors.Is(err, ErrProviderMismatch)
}

// seed stores the newest approved payment as the starting checkpoint. Older
// payments are never invoiced by the poller.
func (p *Poller) seed(ctx context.Context) error {
	name := p.provider.Name()
	callCtx, cancel := p.svc.callContext(ctx)
	res, err := p.provider.SearchApproved(callCtx, time.Time{}, 0)
	cancel()
	if err != nil {
		return fmt.Errorf("search newest payment: %w", err)
	}

	var newest *models.Checkpoint
	for i := range res.Payments {
		if res.Payments[i].ApprovedAt == nil {
			continue
		}
		c := res.Payments[i].Cursor()
		if newest == nil || c.After(*newest) {
			newest = &c
		}
	}
	if newest == nil {
		log.Infof("[Poller] %s has no approved payments yet, nothing to seed", name)
		return nil
	}
	if err := p.svc.checkpoints.Advance(ctx, name, *newest); err != nil {
		return fmt.Errorf("seed checkpoint: %w", err)
	}
	log.Infof("[Poller] %s checkpoint seeded at %s", name, newest)
	return nil
}

func sortNewestFirst(items []models.ProviderPayment) {
	sort.SliceStable(items, func(i, j int) bool {
		return models.CompareCursor(items[i].Cursor(), items[j].Cursor()) > 0
	})
}
