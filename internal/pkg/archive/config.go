package archive

import (
	"errors"
	"fmt"
	"path"
	"strings"

	"github.com/ManuelReschke/InvoiceFox/internal/pkg/env"
)

// Config holds the archive store configuration
type Config struct {
	AccessKeyID     string
	SecretAccessKey string
	Region          string
	BucketName      string
	EndpointURL     string // Optional for S3-compatible services
	PublicBaseURL   string // Optional; links are s3://bucket/key without it
	Prefix          string
	LocalDir        string // Used when S3 is disabled
	Enabled         bool
}

// LoadConfig loads archive configuration from environment variables
func LoadConfig() (*Config, error) {
	cfg := &Config{
		AccessKeyID:     env.GetEnv("S3_ACCESS_KEY_ID", ""),
		SecretAccessKey: env.GetEnv("S3_SECRET_ACCESS_KEY", ""),
		Region:          env.GetEnv("S3_REGION", "us-east-1"),
		BucketName:      env.GetEnv("S3_BUCKET_NAME", ""),
		EndpointURL:     env.GetEnv("S3_ENDPOINT_URL", ""),
		PublicBaseURL:   strings.TrimRight(env.GetEnv("ARCHIVE_PUBLIC_BASE_URL", ""), "/"),
		Prefix:          strings.Trim(env.GetEnv("ARCHIVE_PREFIX", "invoices"), "/"),
		LocalDir:        env.GetEnv("ARCHIVE_LOCAL_DIR", "./data/archive"),
		Enabled:         env.GetEnv("S3_ARCHIVE_ENABLED", "false") == "true",
	}

	// Validate required fields if S3 archiving is enabled
	if cfg.Enabled {
		if cfg.AccessKeyID == "" {
			return nil, errors.New("S3_ACCESS_KEY_ID is required when S3 archiving is enabled")
		}
		if cfg.SecretAccessKey == "" {
			return nil, errors.New("S3_SECRET_ACCESS_KEY is required when S3 archiving is enabled")
		}
		if cfg.BucketName == "" {
			return nil, errors.New("S3_BUCKET_NAME is required when S3 archiving is enabled")
		}
	}

	return cfg, nil
}

// IsEnabled returns true if S3 archiving is enabled
func (c *Config) IsEnabled() bool {
	return c.Enabled
}

// ObjectKey generates the object key of an archived invoice: <prefix>/<name>.
// A repeated upload of the same document overwrites the same object.
func (c *Config) ObjectKey(name string) string {
	return path.Join(c.Prefix, name)
}

// Link returns the shareable link of an object key.
func (c *Config) Link(key string) string {
	if c.PublicBaseURL != "" {
		return c.PublicBaseURL + "/" + key
	}
	return fmt.Sprintf("s3://%s/%s", c.BucketName, key)
}
