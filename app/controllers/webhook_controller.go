package controllers

import (
	"context"
	"errors"
	"strings"
	"time"

	"github.com/gofiber/fiber/v2"
	"github.com/gofiber/fiber/v2/log"
	"github.com/google/uuid"

	"github.com/ManuelReschke/InvoiceFox/app/models"
	"github.com/ManuelReschke/InvoiceFox/app/repository"
	"github.com/ManuelReschke/InvoiceFox/internal/pkg/pipeline"
)

const webhookTimeout = 15 * time.Second

// NotificationIngestor is the part of the pipeline a webhook delivery feeds.
type NotificationIngestor interface {
	IngestNotification(ctx context.Context, provider, id string) (bool, error)
}

// WebhookController receives provider push notifications
type WebhookController struct {
	events   repository.WebhookEventRepository
	ingestor NotificationIngestor
	sources  map[string]pipeline.NotificationSource
}

// NewWebhookController creates a webhook controller for the given notification sources, keyed by provider name
func NewWebhookController(events repository.WebhookEventRepository, ingestor NotificationIngestor, sources map[string]pipeline.NotificationSource) *WebhookController {
	return &WebhookController{
		events:   events,
		ingestor: ingestor,
		sources:  sources,
	}
}

// HandleWebhook handles POST /webhooks/:provider
func (wc *WebhookController) HandleWebhook(c *fiber.Ctx) error {
	provider := strings.ToLower(strings.TrimSpace(c.Params("provider")))
	source, ok := wc.sources[provider]
	if !ok {
		return c.Status(fiber.StatusNotFound).JSON(fiber.Map{"error": "unknown_provider"})
	}

	rawBody := append([]byte(nil), c.BodyRaw()...)
	query := queryValues(c)
	resourceID, isPayment, parseErr := source.ParseNotification(rawBody, query)

	signature := strings.TrimSpace(c.Get("X-Signature"))
	requestID := strings.TrimSpace(c.Get("X-Request-Id"))
	signedID := query.Get("data.id")
	if signedID == "" {
		signedID = resourceID
	}
	signatureValid := source.VerifyNotification(signature, requestID, signedID)

	eventID := requestID
	if eventID == "" {
		eventID = uuid.NewString()
	}
	eventType := "payment"
	if !isPayment {
		eventType = firstNonEmpty(query.Get("type"), query.Get("topic"), "unknown")
	}

	ctx, cancel := context.WithTimeout(context.Background(), webhookTimeout)
	defer cancel()

	created, stored, err := wc.events.CreateIfNotExists(ctx, &models.WebhookEvent{
		Provider:        provider,
		ProviderEventID: eventID,
		EventType:       eventType,
		ResourceID:      resourceID,
		PayloadJSON:     string(rawBody),
		SignatureValid:  signatureValid,
	})
	if err != nil {
		log.Errorf("[Webhook] Failed to record %s delivery %s: %v", provider, eventID, err)
		return c.Status(fiber.StatusInternalServerError).JSON(fiber.Map{"error": "webhook_persist_failed"})
	}
	if !created {
		if stored.ProcessedAt != nil && stored.ProcessingError == "" {
			return c.Status(fiber.StatusOK).JSON(fiber.Map{"ok": true, "duplicate": true})
		}
		// an earlier attempt failed or never finished, so the redelivery runs again
		log.Infof("[Webhook] Reprocessing %s delivery %s (previous error: %q)", provider, eventID, stored.ProcessingError)
	}
	if !signatureValid {
		wc.markProcessed(ctx, stored.ID, errors.New("invalid webhook signature"))
		return c.Status(fiber.StatusUnauthorized).JSON(fiber.Map{"error": "invalid_signature"})
	}
	if parseErr != nil {
		wc.markProcessed(ctx, stored.ID, parseErr)
		return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{"error": "invalid_payload"})
	}
	if !isPayment {
		wc.markProcessed(ctx, stored.ID, nil)
		return c.Status(fiber.StatusOK).JSON(fiber.Map{"ok": true, "ignored": true})
	}

	_, err = wc.ingestor.IngestNotification(ctx, provider, resourceID)
	wc.markProcessed(ctx, stored.ID, err)
	if err != nil {
		if errors.Is(err, pipeline.ErrEmptyNotification) {
			return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{"error": "invalid_payload"})
		}
		log.Errorf("[Webhook] Failed to ingest %s payment %s: %v", provider, resourceID, err)
		return c.Status(fiber.StatusInternalServerError).JSON(fiber.Map{"error": "ingest_failed"})
	}

	return c.Status(fiber.StatusOK).JSON(fiber.Map{"ok": true})
}

func (wc *WebhookController) markProcessed(ctx context.Context, id uint, cause error) {
	msg := ""
	if cause != nil {
		msg = cause.Error()
	}
	if err := wc.events.MarkProcessed(ctx, id, msg); err != nil {
		log.Warnf("[Webhook] Failed to mark delivery %d processed: %v", id, err)
	}
}
