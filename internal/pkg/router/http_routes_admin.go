package router

import (
	"github.com/gofiber/fiber/v2"
	"github.com/gofiber/fiber/v2/middleware/basicauth"
)

type AdminRouter struct {
	h Handlers
}

func NewAdminRouter(h Handlers) *AdminRouter {
	return &AdminRouter{h: h}
}

func (r AdminRouter) InstallRouter(app *fiber.App) {
	if r.h.Admin == nil {
		return
	}
	ac := r.h.Admin

	adminGroup := app.Group("/admin", basicauth.New(basicauth.Config{
		Users: map[string]string{
			r.h.AdminUser: r.h.AdminPassword,
		},
		Realm: "InvoiceFox Admin",
	}))

	// Payments
	adminGroup.Get("/payments/parked", ac.HandleListParked)
	adminGroup.Get("/payments/lookup", ac.HandleLookupPayment)
	adminGroup.Get("/payments/:id", ac.HandleGetPayment)
	adminGroup.Post("/payments/:id/retry", ac.HandleRetryPayment)

	// Sequence
	adminGroup.Get("/sequence", ac.HandleGetSequence)
	adminGroup.Post("/sequence/resync", ac.HandleResyncSequence)

	// Supervisor actions
	adminGroup.Post("/reconcile/:provider", ac.HandleReconcile)
	adminGroup.Post("/sweep", ac.HandleSweep)

	// Queue monitor + outcome counters
	adminGroup.Get("/queues", ac.HandleQueueStats)
	adminGroup.Get("/stats", ac.HandleOutcomeStats)
}
