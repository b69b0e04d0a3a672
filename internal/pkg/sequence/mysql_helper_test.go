package sequence

import (
	"context"
	"testing"
	"time"

	"gorm.io/driver/mysql"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"

	"github.com/ManuelReschke/InvoiceFox/internal/pkg/database"
	"github.com/ManuelReschke/InvoiceFox/internal/pkg/env"
)

// newTestMySQL connects to TEST_DB_DSN, or to the DB_* settings when DB_NAME is set,
// and skips the test when no MySQL server answers.
func newTestMySQL(t *testing.T) *gorm.DB {
	t.Helper()

	dsn := env.GetEnv("TEST_DB_DSN", "")
	if dsn == "" && env.GetEnv("DB_NAME", "") != "" {
		dsn = database.DSN()
	}
	if dsn == "" {
		t.Skip("Skipping MySQL-dependent test: neither TEST_DB_DSN nor DB_NAME is set")
	}

	db, err := gorm.Open(mysql.Open(dsn), &gorm.Config{Logger: logger.Default.LogMode(logger.Silent)})
	if err != nil {
		t.Skipf("Skipping MySQL-dependent test: open failed (%v)", err)
	}
	sqlDB, err := db.DB()
	if err != nil {
		t.Skipf("Skipping MySQL-dependent test: %v", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	err = sqlDB.PingContext(ctx)
	cancel()
	if err != nil {
		_ = sqlDB.Close()
		t.Skipf("Skipping MySQL-dependent test: no reachable MySQL endpoint (%v)", err)
	}

	if err := database.AutoMigrate(db); err != nil {
		_ = sqlDB.Close()
		t.Fatalf("failed to migrate test database: %v", err)
	}
	t.Cleanup(func() { _ = sqlDB.Close() })
	return db
}
