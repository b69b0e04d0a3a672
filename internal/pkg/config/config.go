package config

import (
	"errors"
	"fmt"
	"strings"
	"time"
	_ "time/tzdata"

	"github.com/go-playground/validator/v10"
	"github.com/kelseyhightower/envconfig"

	"github.com/ManuelReschke/InvoiceFox/internal/pkg/env"
)

var ErrInvalid = errors.New("invalid configuration")

// Config is the typed runtime configuration of the invoice pipeline.
type Config struct {
	AppEnv  string `envconfig:"APP_ENV" default:"prod"`
	AppHost string `envconfig:"APP_HOST" default:"0.0.0.0"`
	AppPort string `envconfig:"APP_PORT" default:"4000"`

	AdminUser     string `envconfig:"ADMIN_USER" default:"admin"`
	AdminPassword string `envconfig:"ADMIN_PASSWORD" validate:"required"`

	// Workers
	IngestionWorkers int     `envconfig:"INGESTION_WORKERS" default:"4" validate:"min=1"`
	FiscalWorkers    int     `envconfig:"FISCAL_WORKERS" default:"1" validate:"min=1"`
	DocumentWorkers  int     `envconfig:"DOCUMENT_WORKERS" default:"4" validate:"min=1"`
	FiscalRatePerSec float64 `envconfig:"FISCAL_RATE_PER_SECOND" default:"1" validate:"gt=0"`
	FiscalRateBurst  int     `envconfig:"FISCAL_RATE_BURST" default:"1" validate:"min=1"`

	// Queue
	JobMaxRetries   int           `envconfig:"JOB_MAX_RETRIES" default:"5" validate:"min=0"`
	JobBackoffBase  time.Duration `envconfig:"JOB_BACKOFF_BASE" default:"30s" validate:"gt=0"`
	JobBackoffMax   time.Duration `envconfig:"JOB_BACKOFF_MAX" default:"30m" validate:"gtefield=JobBackoffBase"`
	CompletedJobTTL time.Duration `envconfig:"COMPLETED_JOB_TTL" default:"10m" validate:"gt=0"`
	JobStuckAfter   time.Duration `envconfig:"JOB_STUCK_AFTER" default:"10m" validate:"gt=0"`

	ExternalCallTimeout time.Duration `envconfig:"EXTERNAL_CALL_TIMEOUT" default:"30s" validate:"gt=0"`

	// Polling
	PollInterval       time.Duration `envconfig:"POLL_INTERVAL" default:"1m" validate:"gt=0"`
	PollOverlap        time.Duration `envconfig:"POLL_OVERLAP" default:"90s" validate:"min=0"`
	PollOlderThreshold int           `envconfig:"POLL_OLDER_THRESHOLD" default:"10" validate:"min=1"`
	PollMaxPages       int           `envconfig:"POLL_MAX_PAGES" default:"20" validate:"min=1"`

	// Supervisor
	RetrySweepInterval   time.Duration `envconfig:"RETRY_SWEEP_INTERVAL" default:"10m" validate:"gt=0"`
	StaleProcessingAfter time.Duration `envconfig:"STALE_PROCESSING_AFTER" default:"15m" validate:"gt=0"`
	ReconcileAt          string        `envconfig:"RECONCILE_AT" default:"09:00" validate:"datetime=15:04"`
	ReconcileTimezone    string        `envconfig:"RECONCILE_TIMEZONE" default:"America/Argentina/Buenos_Aires" validate:"timezone"`
	ReconcileWindow      time.Duration `envconfig:"RECONCILE_WINDOW" default:"25h" validate:"gt=0"`
	FetchGiveUpAfter     time.Duration `envconfig:"FETCH_GIVE_UP_AFTER" default:"48h" validate:"gt=0"`

	// Providers
	MPEnabled       bool   `envconfig:"MP_ENABLED" default:"false"`
	MPAPIURL        string `envconfig:"MP_API_URL" default:"https://api.mercadopago.com/v1" validate:"url"`
	MPAccessToken   string `envconfig:"MP_ACCESS_TOKEN" validate:"required_if=MPEnabled true"`
	MPPOSID         string `envconfig:"MP_POS_ID" validate:"required_if=MPEnabled true"`
	MPWebhookSecret string `envconfig:"MP_WEBHOOK_SECRET"`

	PaywayEnabled    bool   `envconfig:"PAYWAY_ENABLED" default:"false"`
	PaywayAPIURL     string `envconfig:"PAYWAY_API_URL" default:"https://live.decidir.com/api/v2" validate:"url"`
	PaywayPrivateKey string `envconfig:"PAYWAY_PRIVATE_KEY" validate:"required_if=PaywayEnabled true"`

	// Fiscal authority gateway
	AFIPGatewayURL   string  `envconfig:"AFIP_GATEWAY_URL" validate:"required,url"`
	AFIPGatewayToken string  `envconfig:"AFIP_GATEWAY_TOKEN"`
	AFIPCUIT         string  `envconfig:"AFIP_CUIT" validate:"required,numeric,len=11"`
	AFIPSalesPoint   int     `envconfig:"AFIP_PTO_VTA" default:"1" validate:"min=1,max=99999"`
	AFIPDocType      int     `envconfig:"AFIP_CBTE_TIPO" default:"6" validate:"min=1"`
	AFIPVATRate      float64 `envconfig:"AFIP_ALIC_IVA" default:"21" validate:"min=0,max=100"`

	// Documents
	InvoiceOutputDir string `envconfig:"INVOICE_OUTPUT_DIR" default:"./data/invoices" validate:"required"`
	IssuerName       string `envconfig:"INVOICE_ISSUER_NAME" default:"InvoiceFox"`
	IssuerAddress    string `envconfig:"INVOICE_ISSUER_ADDRESS"`

	// Event feed
	KafkaBrokers []string `envconfig:"KAFKA_BROKERS"`
	KafkaTopic   string   `envconfig:"KAFKA_TOPIC" default:"invoicefox.payments"`

	WebhookRateLimit int `envconfig:"WEBHOOK_RATE_LIMIT" default:"120" validate:"min=1"`
}

// Load reads .env (if any) and the process environment into a validated Config.
func Load() (*Config, error) {
	env.SetupEnvFile()

	var cfg Config
	if err := envconfig.Process("", &cfg); err != nil {
		return nil, err
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// Validate checks field constraints.
func (c *Config) Validate() error {
	if err := validator.New().Struct(c); err != nil {
		var verrs validator.ValidationErrors
		if errors.As(err, &verrs) {
			fields := make([]string, 0, len(verrs))
			for _, fe := range verrs {
				fields = append(fields, fmt.Sprintf("%s(%s)", fe.Field(), fe.Tag()))
			}
			return fmt.Errorf("%w: %s", ErrInvalid, strings.Join(fields, ", "))
		}
		return fmt.Errorf("%w: %v", ErrInvalid, err)
	}
	return nil
}

// ReconcileClock returns the configured daily reconciliation time and location.
func (c *Config) ReconcileClock() (hour, minute int, loc *time.Location, err error) {
	t, err := time.Parse("15:04", c.ReconcileAt)
	if err != nil {
		return 0, 0, nil, fmt.Errorf("invalid RECONCILE_AT %q: %w", c.ReconcileAt, err)
	}
	loc, err = time.LoadLocation(c.ReconcileTimezone)
	if err != nil {
		return 0, 0, nil, fmt.Errorf("invalid RECONCILE_TIMEZONE %q: %w", c.ReconcileTimezone, err)
	}
	return t.Hour(), t.Minute(), loc, nil
}

// KafkaEnabled reports whether the terminal event feed should publish.
func (c *Config) KafkaEnabled() bool {
	for _, b := range c.KafkaBrokers {
		if strings.TrimSpace(b) != "" {
			return true
		}
	}
	return false
}

func (c *Config) IsDev() bool {
	return c.AppEnv == "dev"
}
