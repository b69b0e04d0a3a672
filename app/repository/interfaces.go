package repository

import (
	"context"
	"errors"
	"time"

	"gorm.io/gorm"

	"github.com/ManuelReschke/InvoiceFox/app/models"
)

var (
	ErrNotFound             = errors.New("record not found")
	ErrCheckpointRegression = errors.New("checkpoint does not advance")
)

// PaymentRepository is the durable record of every payment and its pipeline status.
// Every write is guarded by status <> 'complete'.
type PaymentRepository interface {
	// Upsert inserts the payment unless (provider, provider_payment_id) exists.
	// An existing payment that has not started the pipeline receives the provider attributes.
	Upsert(ctx context.Context, payment *models.Payment) (bool, *models.Payment, error)
	GetByID(ctx context.Context, id uint) (*models.Payment, error)
	GetByProviderID(ctx context.Context, provider, providerPaymentID string) (*models.Payment, error)
	// Claim moves the payment to processing if its status is licensed, or if it
	// is already processing with the given CAE presence. False means another
	// delivery advanced it.
	Claim(ctx context.Context, id uint, licensed []models.PaymentStatus, processingWithCAE bool) (bool, error)
	// Transition moves the payment from one of from to next and applies fields in the same statement.
	Transition(ctx context.Context, id uint, from []models.PaymentStatus, next models.PaymentStatus, fields map[string]interface{}) (bool, error)
	SetStatus(ctx context.Context, id uint, status models.PaymentStatus, errMsg string) error
	ListStalled(ctx context.Context, processingBefore time.Time, afterID uint, limit int) ([]models.Payment, error)
	ListByStatus(ctx context.Context, statuses []models.PaymentStatus, limit int) ([]models.Payment, error)
	KnownProviderIDs(ctx context.Context, provider string, ids []string) (map[string]bool, error)
}

// CheckpointRepository stores one polling cursor per provider.
type CheckpointRepository interface {
	Get(ctx context.Context, provider string) (models.Checkpoint, bool, error)
	// Advance stores cp when it is strictly greater than the stored cursor, or when none exists.
	Advance(ctx context.Context, provider string, cp models.Checkpoint) error
}

// WebhookEventRepository records provider deliveries for deduplication and auditing.
type WebhookEventRepository interface {
	CreateIfNotExists(ctx context.Context, event *models.WebhookEvent) (bool, *models.WebhookEvent, error)
	MarkProcessed(ctx context.Context, id uint, processingError string) error
}

// Repositories struct holds all repository instances
type Repositories struct {
	Payment      PaymentRepository
	Checkpoint   CheckpointRepository
	WebhookEvent WebhookEventRepository
}

// NewRepositories creates a new instance of all repositories
func NewRepositories(db *gorm.DB) *Repositories {
	return &Repositories{
		Payment:      NewPaymentRepository(db),
		Checkpoint:   NewCheckpointRepository(db),
		WebhookEvent: NewWebhookEventRepository(db),
	}
}
