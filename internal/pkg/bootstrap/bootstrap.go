package bootstrap

import (
	"context"
	"fmt"
	"time"

	"github.com/gofiber/fiber/v2/log"
	"github.com/redis/go-redis/v9"
	"github.com/shopspring/decimal"
	"gorm.io/gorm"

	"github.com/ManuelReschke/InvoiceFox/app/repository"
	"github.com/ManuelReschke/InvoiceFox/internal/pkg/archive"
	"github.com/ManuelReschke/InvoiceFox/internal/pkg/cache"
	"github.com/ManuelReschke/InvoiceFox/internal/pkg/config"
	"github.com/ManuelReschke/InvoiceFox/internal/pkg/database"
	"github.com/ManuelReschke/InvoiceFox/internal/pkg/document"
	"github.com/ManuelReschke/InvoiceFox/internal/pkg/events"
	"github.com/ManuelReschke/InvoiceFox/internal/pkg/fiscal"
	"github.com/ManuelReschke/InvoiceFox/internal/pkg/jobqueue"
	"github.com/ManuelReschke/InvoiceFox/internal/pkg/ledger"
	"github.com/ManuelReschke/InvoiceFox/internal/pkg/metrics/counter"
	"github.com/ManuelReschke/InvoiceFox/internal/pkg/pipeline"
	"github.com/ManuelReschke/InvoiceFox/internal/pkg/provider"
	"github.com/ManuelReschke/InvoiceFox/internal/pkg/sequence"
)

// Runtime is the fully wired pipeline shared by the server and the operator CLI
type Runtime struct {
	Config       *config.Config
	DB           *gorm.DB
	Redis        *redis.Client
	Repositories *repository.Repositories
	Queue        *jobqueue.Queue
	Manager      *jobqueue.Manager
	Service      *pipeline.Service
	Counter      *counter.Counter
	Publisher    events.Publisher
	Sources      map[string]pipeline.NotificationSource

	pollers    []*pipeline.Poller
	supervisor *pipeline.Supervisor
	cancel     context.CancelFunc
}

// New connects the database and Redis and builds every pipeline collaborator.
// Nothing runs until Start.
func New(ctx context.Context, cfg *config.Config) (*Runtime, error) {
	database.SetupDatabase()
	cache.SetupCache()
	db := database.GetDB()
	rdb := cache.GetClient()

	repository.InitializeFactory(db)
	repos := repository.GetGlobalRepositories()

	var providers []pipeline.Provider
	sources := map[string]pipeline.NotificationSource{}
	if cfg.MPEnabled {
		mp := provider.NewMercadoPagoClientFromConfig(cfg)
		providers = append(providers, mp)
		sources[mp.Name()] = mp
	}
	if cfg.PaywayEnabled {
		providers = append(providers, provider.NewPaywayClientFromConfig(cfg))
	}
	if len(providers) == 0 {
		log.Warn("[Bootstrap] No payment provider enabled (MP_ENABLED / PAYWAY_ENABLED)")
	}

	authority := fiscal.NewClientFromConfig(cfg)
	renderer, err := document.NewRendererFromConfig(cfg)
	if err != nil {
		return nil, fmt.Errorf("invoice renderer: %w", err)
	}
	store, err := archive.NewStoreFromEnv(ctx)
	if err != nil {
		return nil, fmt.Errorf("archive store: %w", err)
	}

	_, _, loc, err := cfg.ReconcileClock()
	if err != nil {
		return nil, err
	}

	outcomes := counter.New(rdb, loc)
	publisher := events.Multi{events.NewPublisher(cfg.KafkaBrokers, cfg.KafkaTopic), outcomes}

	queue := jobqueue.NewQueue(rdb, jobqueue.Options{
		MaxRetries:   cfg.JobMaxRetries,
		BackoffBase:  cfg.JobBackoffBase,
		BackoffMax:   cfg.JobBackoffMax,
		CompletedTTL: cfg.CompletedJobTTL,
		StuckAfter:   cfg.JobStuckAfter,
	})

	svc := pipeline.NewService(pipeline.Deps{
		Payments:    repos.Payment,
		Checkpoints: repos.Checkpoint,
		Queue:       queue,
		Allocator:   sequence.NewAllocator(db, authority),
		Authority:   authority,
		Renderer:    renderer,
		Archiver:    store,
		Ledger:      ledger.New(db),
		Publisher:   publisher,
		Providers:   providers,
	}, pipeline.Options{
		SalesPoint:           cfg.AFIPSalesPoint,
		DocType:              cfg.AFIPDocType,
		VATRate:              decimal.NewFromFloat(cfg.AFIPVATRate),
		Location:             loc,
		ExternalCallTimeout:  cfg.ExternalCallTimeout,
		FiscalRatePerSec:     cfg.FiscalRatePerSec,
		FiscalRateBurst:      cfg.FiscalRateBurst,
		PollOverlap:          cfg.PollOverlap,
		PollOlderThreshold:   cfg.PollOlderThreshold,
		PollMaxPages:         cfg.PollMaxPages,
		StaleProcessingAfter: cfg.StaleProcessingAfter,
		ReconcileWindow:      cfg.ReconcileWindow,
		FetchGiveUpAfter:     cfg.FetchGiveUpAfter,
	})
	svc.Register(queue, cfg.IngestionWorkers, cfg.FiscalWorkers, cfg.DocumentWorkers)

	return &Runtime{
		Config:       cfg,
		DB:           db,
		Redis:        rdb,
		Repositories: repos,
		Queue:        queue,
		Manager:      jobqueue.NewManager(queue),
		Service:      svc,
		Counter:      outcomes,
		Publisher:    publisher,
		Sources:      sources,
	}, nil
}

// Start runs the stage workers, one poller per provider and the supervisor.
func (r *Runtime) Start(ctx context.Context) error {
	hour, minute, loc, err := r.Config.ReconcileClock()
	if err != nil {
		return err
	}
	ctx, r.cancel = context.WithCancel(ctx)

	r.Manager.Start()

	for _, p := range r.Service.Providers() {
		poller := pipeline.NewPoller(r.Service, p, r.Config.PollInterval)
		r.pollers = append(r.pollers, poller)
		go poller.Run(ctx)
	}

	r.supervisor = pipeline.NewSupervisor(r.Service, r.Config.RetrySweepInterval, hour, minute, loc)
	r.supervisor.Start(ctx)

	log.Infof("[Bootstrap] Pipeline started with %d providers", len(r.pollers))
	return nil
}

// Close stops background work and releases connections.
func (r *Runtime) Close() {
	if r.cancel != nil {
		r.cancel()
	}
	if r.supervisor != nil {
		r.supervisor.Stop()
	}
	r.Manager.Stop()

	done := make(chan struct{})
	go func() {
		if err := r.Publisher.Close(); err != nil {
			log.Warnf("[Bootstrap] Failed to close event publisher: %v", err)
		}
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(5 * time.Second):
		log.Warn("[Bootstrap] Event publisher did not close in time")
	}

	if sqlDB, err := r.DB.DB(); err == nil {
		_ = sqlDB.Close()
	}
	if err := r.Redis.Close(); err != nil {
		log.Warnf("[Bootstrap] Failed to close Redis: %v", err)
	}
	log.Info("[Bootstrap] Shutdown complete")
}
