package main

import (
	"context"
	"fmt"
	"log"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gofiber/contrib/swagger"
	"github.com/gofiber/fiber/v2"
	"github.com/gofiber/fiber/v2/middleware/basicauth"
	"github.com/gofiber/fiber/v2/middleware/logger"
	"github.com/gofiber/fiber/v2/middleware/monitor"
	"github.com/gofiber/fiber/v2/middleware/recover"

	"github.com/ManuelReschke/InvoiceFox/app/controllers"
	"github.com/ManuelReschke/InvoiceFox/internal/pkg/bootstrap"
	"github.com/ManuelReschke/InvoiceFox/internal/pkg/config"
	"github.com/ManuelReschke/InvoiceFox/internal/pkg/router"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		log.Fatal(err)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	rt, err := bootstrap.New(ctx, cfg)
	if err != nil {
		log.Fatal(err)
	}
	if err := rt.Start(ctx); err != nil {
		log.Fatal(err)
	}

	app := NewApplication(rt)
	go func() {
		<-ctx.Done()
		_ = app.ShutdownWithTimeout(10 * time.Second)
	}()

	if err := app.Listen(fmt.Sprintf("%s:%s", cfg.AppHost, cfg.AppPort)); err != nil {
		log.Printf("server stopped: %v", err)
	}
	rt.Close()
}

func NewApplication(rt *bootstrap.Runtime) *fiber.App {
	cfg := rt.Config

	// Define possible base paths
	basePaths := []string{
		"./",     // Current directory
		"../../", // From cmd/invoicefox to project root
	}
	basePath := ""
	for _, path := range basePaths {
		if _, err := os.Stat(path + "docs/openapi.yml"); err == nil {
			basePath = path
			break
		}
	}

	// init fiber app
	app := fiber.New(fiber.Config{
		AppName:   "InvoiceFox",
		BodyLimit: 1 << 20, // webhook payloads are small
	})

	// recovery and logging
	app.Use(recover.New(), logger.New())

	adminAuth := basicauth.New(basicauth.Config{
		Users: map[string]string{
			cfg.AdminUser: cfg.AdminPassword,
		},
	})

	// fiber metrics
	app.Get("/metrics", adminAuth, monitor.New())

	// SWAGGER / OPENAPI
	if basePath != "" {
		app.Use(swagger.New(swagger.Config{
			BasePath: "/docs/",
			FilePath: basePath + "docs/openapi.yml",
			Path:     "api",
		}))
	}

	// ROUTER
	router.InstallRouter(app, router.Handlers{
		Webhook:          controllers.NewWebhookController(rt.Repositories.WebhookEvent, rt.Service, rt.Sources),
		Admin:            controllers.NewAdminController(rt.Service, rt.Queue, rt.Counter),
		AdminUser:        cfg.AdminUser,
		AdminPassword:    cfg.AdminPassword,
		WebhookRateLimit: cfg.WebhookRateLimit,
		LimiterStorage:   router.NewLimiterStorage(rt.Redis),
	})

	return app
}
