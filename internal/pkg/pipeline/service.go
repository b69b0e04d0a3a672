package pipeline

import (
	"context"
	"errors"
	"fmt"
	"net/url"
	"time"

	"github.com/gofiber/fiber/v2/log"
	"github.com/shopspring/decimal"
	"golang.org/x/time/rate"

	"github.com/ManuelReschke/InvoiceFox/app/models"
	"github.com/ManuelReschke/InvoiceFox/app/repository"
	"github.com/ManuelReschke/InvoiceFox/internal/pkg/archive"
	"github.com/ManuelReschke/InvoiceFox/internal/pkg/events"
	"github.com/ManuelReschke/InvoiceFox/internal/pkg/fiscal"
	"github.com/ManuelReschke/InvoiceFox/internal/pkg/jobqueue"
	"github.com/ManuelReschke/InvoiceFox/internal/pkg/sequence"
)

// Provider is the capability set a payment provider exposes to discovery.
type Provider interface {
	Name() string
	SearchApproved(ctx context.Context, since time.Time, page int) (*models.PaymentPage, error)
	SearchWithinWindow(ctx context.Context, start, end time.Time) ([]models.ProviderPayment, error)
	// GetByID returns nil without error when the provider does not know the payment (yet).
	GetByID(ctx context.Context, id string) (*models.ProviderPayment, error)
}

// NotificationSource is implemented by providers that push webhooks.
type NotificationSource interface {
	ParseNotification(body []byte, query url.Values) (string, bool, error)
	VerifyNotification(signature, requestID, resourceID string) bool
	SignatureConfigured() bool
}

type Renderer interface {
	Render(ctx context.Context, p *models.Payment) (string, error)
}

type Archiver interface {
	Archive(ctx context.Context, localPath, name string) (*archive.Object, error)
}

type Ledger interface {
	Append(ctx context.Context, p *models.Payment) (string, error)
}

// Allocator hands out invoice numbers under a row lock.
type Allocator interface {
	Allocate(ctx context.Context, salesPoint, docType int) (sequence.Reservation, error)
	Resync(ctx context.Context, salesPoint, docType int) (int64, error)
	Current(ctx context.Context, salesPoint, docType int) (int64, bool, error)
}

// Enqueuer is the part of the job queue the pipeline writes to.
type Enqueuer interface {
	Enqueue(ctx context.Context, jobType jobqueue.JobType, payload jobqueue.StagePayload) (bool, error)
}

// Deps are the collaborators of a Service.
type Deps struct {
	Payments    repository.PaymentRepository
	Checkpoints repository.CheckpointRepository
	Queue       Enqueuer
	Allocator   Allocator
	Authority   fiscal.Authority
	Renderer    Renderer
	Archiver    Archiver
	Ledger      Ledger
	Publisher   events.Publisher
	Providers   []Provider
}

// Options tune the pipeline. Zero values fall back to the defaults below.
type Options struct {
	SalesPoint           int
	DocType              int
	VATRate              decimal.Decimal
	Location             *time.Location
	ExternalCallTimeout  time.Duration
	FiscalRatePerSec     float64
	FiscalRateBurst      int
	PollOverlap          time.Duration
	PollOlderThreshold   int
	PollMaxPages         int
	StaleProcessingAfter time.Duration
	ReconcileWindow      time.Duration
	FetchGiveUpAfter     time.Duration
	SweepBatch           int
}

func (o Options) withDefaults() Options {
	if o.SalesPoint <= 0 {
		o.SalesPoint = 1
	}
	if o.DocType <= 0 {
		o.DocType = 6
	}
	if o.VATRate.IsZero() {
		o.VATRate = decimal.NewFromInt(21)
	}
	if o.Location == nil {
		o.Location = time.UTC
	}
	if o.ExternalCallTimeout <= 0 {
		o.ExternalCallTimeout = 30 * time.Second
	}
	if o.PollOverlap < 0 {
		o.PollOverlap = 0
	}
	if o.PollOlderThreshold <= 0 {
		o.PollOlderThreshold = 10
	}
	if o.PollMaxPages <= 0 {
		o.PollMaxPages = 20
	}
	if o.StaleProcessingAfter <= 0 {
		o.StaleProcessingAfter = 15 * time.Minute
	}
	if o.ReconcileWindow <= 0 {
		o.ReconcileWindow = 25 * time.Hour
	}
	if o.FetchGiveUpAfter <= 0 {
		o.FetchGiveUpAfter = 48 * time.Hour
	}
	if o.SweepBatch <= 0 {
		o.SweepBatch = 500
	}
	return o
}

// Service drives payments from discovery to a complete invoice.
type Service struct {
	payments    repository.PaymentRepository
	checkpoints repository.CheckpointRepository
	queue       Enqueuer
	allocator   Allocator
	authority   fiscal.Authority
	renderer    Renderer
	archiver    Archiver
	ledger      Ledger
	publisher   events.Publisher
	providers   map[string]Provider
	limiter     *rate.Limiter
	opts        Options
	now         func() time.Time
}

func NewService(deps Deps, opts Options) *Service {
	opts = opts.withDefaults()
	s := &Service{
		payments:    deps.Payments,
		checkpoints: deps.Checkpoints,
		queue:       deps.Queue,
		allocator:   deps.Allocator,
		authority:   deps.Authority,
		renderer:    deps.Renderer,
		archiver:    deps.Archiver,
		ledger:      deps.Ledger,
		publisher:   deps.Publisher,
		providers:   make(map[string]Provider, len(deps.Providers)),
		opts:        opts,
		now:         time.Now,
	}
	if s.publisher == nil {
		s.publisher = events.Noop{}
	}
	if opts.FiscalRatePerSec > 0 {
		burst := opts.FiscalRateBurst
		if burst < 1 {
			burst = 1
		}
		s.limiter = rate.NewLimiter(rate.Limit(opts.FiscalRatePerSec), burst)
	}
	for _, p := range deps.Providers {
		s.providers[p.Name()] = p
	}
	return s
}

// Register binds the three stage handlers to the queue.
func (s *Service) Register(q *jobqueue.Queue, ingestionWorkers, fiscalWorkers, documentWorkers int) {
	q.Register(jobqueue.JobTypeIngestion, ingestionWorkers, s.HandleIngestion)
	q.Register(jobqueue.JobTypeFiscal, fiscalWorkers, s.HandleFiscal)
	q.Register(jobqueue.JobTypeDocument, documentWorkers, s.HandleDocument)
}

// Provider returns the registered provider by name.
func (s *Service) Provider(name string) (Provider, bool) {
	p, ok := s.providers[name]
	return p, ok
}

// Providers returns every registered provider.
func (s *Service) Providers() []Provider {
	out := make([]Provider, 0, len(s.providers))
	for _, p := range s.providers {
		out = append(out, p)
	}
	return out
}

// Options returns the effective options.
func (s *Service) Options() Options {
	return s.opts
}

func (s *Service) enqueue(ctx context.Context, stage jobqueue.JobType, p *models.Payment) error {
	created, err := s.queue.Enqueue(ctx, stage, jobqueue.StagePayload{
		PaymentID:         p.ID,
		Provider:          p.Provider,
		ProviderPaymentID: p.ProviderPaymentID,
	})
	if err != nil {
		return fmt.Errorf("enqueue %s job for payment %d: %w", stage, p.ID, err)
	}
	if created {
		log.Debugf("[Pipeline] Enqueued %s job for %s/%s", stage, p.Provider, p.ProviderPaymentID)
	}
	return nil
}

// advance enqueues the next stage. A failure is only logged: the payment row already
// carries the pending status and the supervisor sweep re-enqueues it.
func (s *Service) advance(ctx context.Context, stage jobqueue.JobType, p *models.Payment) {
	if err := s.enqueue(ctx, stage, p); err != nil {
		log.Warnf("[Pipeline] %v (left for the supervisor sweep)", err)
	}
}

func (s *Service) publish(ctx context.Context, eventType string, id uint) {
	p, err := s.payments.GetByID(ctx, id)
	if err != nil {
		log.Warnf("[Pipeline] Failed to load payment %d for %s event: %v", id, eventType, err)
		return
	}
	if err := s.publisher.Publish(ctx, events.NewPaymentEvent(eventType, p)); err != nil {
		log.Warnf("[Pipeline] Failed to publish %s for payment %d: %v", eventType, id, err)
	}
}

func (s *Service) loadJobPayment(ctx context.Context, job *jobqueue.Job) (*models.Payment, error) {
	payload, err := jobqueue.StagePayloadFromMap(job.Payload)
	if err != nil || payload.PaymentID == 0 {
		return nil, jobqueue.Permanent(fmt.Errorf("invalid payload for job %s: %v", job.ID, err))
	}
	p, err := s.payments.GetByID(ctx, payload.PaymentID)
	if errors.Is(err, repository.ErrNotFound) {
		return nil, jobqueue.Permanent(fmt.Errorf("payment %d not found", payload.PaymentID))
	}
	if err != nil {
		return nil, err
	}
	return p, nil
}

func (s *Service) callContext(ctx context.Context) (context.Context, context.CancelFunc) {
	return context.WithTimeout(ctx, s.opts.ExternalCallTimeout)
}
