package controllers

import (
	"context"
	"errors"
	"strings"
	"time"

	"github.com/gofiber/fiber/v2"
	"github.com/gofiber/fiber/v2/log"

	"github.com/ManuelReschke/InvoiceFox/app/models"
	"github.com/ManuelReschke/InvoiceFox/app/repository"
	"github.com/ManuelReschke/InvoiceFox/internal/pkg/jobqueue"
	"github.com/ManuelReschke/InvoiceFox/internal/pkg/metrics/counter"
	"github.com/ManuelReschke/InvoiceFox/internal/pkg/pipeline"
)

const adminTimeout = 2 * time.Minute

// PipelineOperator is the operator surface of the pipeline service
type PipelineOperator interface {
	Payment(ctx context.Context, id uint) (*models.Payment, error)
	PaymentByProviderID(ctx context.Context, provider, providerPaymentID string) (*models.Payment, error)
	ListParked(ctx context.Context, limit int) ([]models.Payment, error)
	RetryRejected(ctx context.Context, id uint) error
	CurrentSequence(ctx context.Context) (int64, bool, error)
	ResyncSequence(ctx context.Context) (int64, error)
	Reconcile(ctx context.Context, provider string) (int, error)
	SweepOnce(ctx context.Context) (int, error)
}

// QueueInspector reports the job queue backlog
type QueueInspector interface {
	GetStats(ctx context.Context) (*jobqueue.Stats, error)
}

// OutcomeCounter reports per-day pipeline outcomes
type OutcomeCounter interface {
	Range(ctx context.Context, now time.Time, n int) ([]*counter.Day, error)
}

// AdminController exposes operator actions as JSON endpoints
type AdminController struct {
	pipeline PipelineOperator
	queue    QueueInspector
	counter  OutcomeCounter
}

// NewAdminController creates an admin controller. queue and outcomes may be nil.
func NewAdminController(op PipelineOperator, queue QueueInspector, outcomes OutcomeCounter) *AdminController {
	return &AdminController{
		pipeline: op,
		queue:    queue,
		counter:  outcomes,
	}
}

// handleError maps pipeline errors to HTTP status codes
func (ac *AdminController) handleError(c *fiber.Ctx, action string, err error) error {
	status := fiber.StatusInternalServerError
	switch {
	case errors.Is(err, repository.ErrNotFound):
		status = fiber.StatusNotFound
	case errors.Is(err, pipeline.ErrUnknownProvider):
		status = fiber.StatusNotFound
	case errors.Is(err, pipeline.ErrNotRetryable):
		status = fiber.StatusConflict
	default:
		log.Errorf("[Admin] %s failed: %v", action, err)
	}
	return c.Status(status).JSON(fiber.Map{"error": action + ": " + err.Error()})
}

// HandleGetPayment handles GET /admin/payments/:id
func (ac *AdminController) HandleGetPayment(c *fiber.Ctx) error {
	id, ok := paramUint(c, "id")
	if !ok {
		return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{"error": "invalid payment id"})
	}
	ctx, cancel := context.WithTimeout(context.Background(), adminTimeout)
	defer cancel()

	p, err := ac.pipeline.Payment(ctx, id)
	if err != nil {
		return ac.handleError(c, "load payment", err)
	}
	return c.JSON(p)
}

// HandleLookupPayment handles GET /admin/payments/lookup?provider=&id=
func (ac *AdminController) HandleLookupPayment(c *fiber.Ctx) error {
	provider := strings.ToLower(strings.TrimSpace(c.Query("provider")))
	providerPaymentID := strings.TrimSpace(c.Query("id"))
	if provider == "" || providerPaymentID == "" {
		return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{"error": "provider and id are required"})
	}
	ctx, cancel := context.WithTimeout(context.Background(), adminTimeout)
	defer cancel()

	p, err := ac.pipeline.PaymentByProviderID(ctx, provider, providerPaymentID)
	if err != nil {
		return ac.handleError(c, "lookup payment", err)
	}
	return c.JSON(p)
}

// HandleListParked handles GET /admin/payments/parked
func (ac *AdminController) HandleListParked(c *fiber.Ctx) error {
	ctx, cancel := context.WithTimeout(context.Background(), adminTimeout)
	defer cancel()

	parked, err := ac.pipeline.ListParked(ctx, queryInt(c, "limit", 100, 1000))
	if err != nil {
		return ac.handleError(c, "list parked payments", err)
	}
	return c.JSON(fiber.Map{"payments": parked, "count": len(parked)})
}

// HandleRetryPayment handles POST /admin/payments/:id/retry
func (ac *AdminController) HandleRetryPayment(c *fiber.Ctx) error {
	id, ok := paramUint(c, "id")
	if !ok {
		return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{"error": "invalid payment id"})
	}
	ctx, cancel := context.WithTimeout(context.Background(), adminTimeout)
	defer cancel()

	if err := ac.pipeline.RetryRejected(ctx, id); err != nil {
		return ac.handleError(c, "retry payment", err)
	}
	log.Infof("[Admin] Payment %d released for retry", id)
	return c.Status(fiber.StatusAccepted).JSON(fiber.Map{"ok": true, "payment_id": id})
}

// HandleGetSequence handles GET /admin/sequence
func (ac *AdminController) HandleGetSequence(c *fiber.Ctx) error {
	ctx, cancel := context.WithTimeout(context.Background(), adminTimeout)
	defer cancel()

	last, found, err := ac.pipeline.CurrentSequence(ctx)
	if err != nil {
		return ac.handleError(c, "load sequence", err)
	}
	return c.JSON(fiber.Map{"last_number": last, "initialized": found})
}

// HandleResyncSequence handles POST /admin/sequence/resync
func (ac *AdminController) HandleResyncSequence(c *fiber.Ctx) error {
	ctx, cancel := context.WithTimeout(context.Background(), adminTimeout)
	defer cancel()

	last, err := ac.pipeline.ResyncSequence(ctx)
	if err != nil {
		return ac.handleError(c, "resync sequence", err)
	}
	return c.JSON(fiber.Map{"ok": true, "last_number": last})
}

// HandleReconcile handles POST /admin/reconcile/:provider
func (ac *AdminController) HandleReconcile(c *fiber.Ctx) error {
	provider := strings.ToLower(strings.TrimSpace(c.Params("provider")))
	ctx, cancel := context.WithTimeout(context.Background(), adminTimeout)
	defer cancel()

	recovered, err := ac.pipeline.Reconcile(ctx, provider)
	if err != nil {
		return ac.handleError(c, "reconcile "+provider, err)
	}
	return c.JSON(fiber.Map{"ok": true, "provider": provider, "recovered": recovered})
}

// HandleSweep handles POST /admin/sweep
func (ac *AdminController) HandleSweep(c *fiber.Ctx) error {
	ctx, cancel := context.WithTimeout(context.Background(), adminTimeout)
	defer cancel()

	offered, err := ac.pipeline.SweepOnce(ctx)
	if err != nil {
		return ac.handleError(c, "sweep", err)
	}
	return c.JSON(fiber.Map{"ok": true, "offered": offered})
}

// HandleQueueStats handles GET /admin/queues
func (ac *AdminController) HandleQueueStats(c *fiber.Ctx) error {
	if ac.queue == nil {
		return c.Status(fiber.StatusServiceUnavailable).JSON(fiber.Map{"error": "queue not configured"})
	}
	ctx, cancel := context.WithTimeout(context.Background(), adminTimeout)
	defer cancel()

	stats, err := ac.queue.GetStats(ctx)
	if err != nil {
		return ac.handleError(c, "queue stats", err)
	}
	return c.JSON(stats)
}

// HandleOutcomeStats handles GET /admin/stats?days=
func (ac *AdminController) HandleOutcomeStats(c *fiber.Ctx) error {
	if ac.counter == nil {
		return c.Status(fiber.StatusServiceUnavailable).JSON(fiber.Map{"error": "counters not configured"})
	}
	ctx, cancel := context.WithTimeout(context.Background(), adminTimeout)
	defer cancel()

	days, err := ac.counter.Range(ctx, time.Now(), queryInt(c, "days", 7, 35))
	if err != nil {
		return ac.handleError(c, "outcome stats", err)
	}
	return c.JSON(fiber.Map{"days": days})
}
