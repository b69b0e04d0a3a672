package router

import (
	"time"

	"github.com/gofiber/fiber/v2"
	"github.com/gofiber/fiber/v2/middleware/limiter"

	"github.com/ManuelReschke/InvoiceFox/app/controllers"
)

func (r HttpRouter) registerPublicRoutes(app *fiber.App) {
	app.Get("/health", healthHandler)

	if r.h.Webhook == nil {
		return
	}

	limit := r.h.WebhookRateLimit
	if limit <= 0 {
		limit = 120
	}
	// Provider webhooks (no auth, signature-verified in controller)
	webhooks := app.Group("/webhooks", limiter.New(limiter.Config{
		Max:          limit,
		Expiration:   time.Minute,
		KeyGenerator: controllers.ClientIP,
		Storage:      r.h.LimiterStorage,
		LimitReached: func(c *fiber.Ctx) error {
			return c.Status(fiber.StatusTooManyRequests).JSON(fiber.Map{"error": "rate_limited"})
		},
	}))
	webhooks.Post("/:provider", r.h.Webhook.HandleWebhook)
}
