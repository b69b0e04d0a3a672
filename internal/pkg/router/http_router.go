package router

import (
	"time"

	"github.com/gofiber/fiber/v2"

	"github.com/ManuelReschke/InvoiceFox/app/controllers"
)

// Handlers carries the controllers and HTTP settings the routes are built from
type Handlers struct {
	Webhook *controllers.WebhookController
	Admin   *controllers.AdminController

	AdminUser     string
	AdminPassword string

	// WebhookRateLimit is the number of deliveries accepted per client and minute.
	WebhookRateLimit int
	// LimiterStorage shares limiter state between instances. nil keeps it in memory.
	LimiterStorage fiber.Storage
}

type HttpRouter struct {
	h Handlers
}

func (r HttpRouter) InstallRouter(app *fiber.App) {
	r.registerPublicRoutes(app)
}

func NewHttpRouter(h Handlers) *HttpRouter {
	return &HttpRouter{h: h}
}

func healthHandler(c *fiber.Ctx) error {
	return c.JSON(fiber.Map{"ok": true, "time": time.Now().UTC()})
}
