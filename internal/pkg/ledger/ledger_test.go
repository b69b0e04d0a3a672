package ledger

import (
	"context"
	"testing"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gorm.io/driver/mysql"
	"gorm.io/gorm"

	"github.com/ManuelReschke/InvoiceFox/app/models"
)

func newMockDB(t *testing.T) (*gorm.DB, sqlmock.Sqlmock) {
	t.Helper()
	sqlDB, mock, err := sqlmock.New()
	require.NoError(t, err)
	t.Cleanup(func() { _ = sqlDB.Close() })

	db, err := gorm.Open(mysql.New(mysql.Config{
		Conn:                      sqlDB,
		SkipInitializeWithVersion: true,
	}), &gorm.Config{SkipDefaultTransaction: true})
	require.NoError(t, err)
	return db, mock
}

func authorizedPayment() *models.Payment {
	return &models.Payment{
		ID:                9,
		Provider:          models.ProviderPayway,
		ProviderPaymentID: "77",
		Amount:            decimal.NewFromInt(5000),
		PtoVta:            1,
		CbteNro:           42,
		CAE:               "74123456789012",
		CAEVto:            "2026-10-29",
		ArchiveLink:       "s3://facturas/invoices/x.html",
	}
}

func TestAppendCreatesRow(t *testing.T) {
	db, mock := newMockDB(t)
	l := New(db)

	mock.ExpectExec("INSERT INTO `ledger_rows`.*ON DUPLICATE KEY UPDATE").
		WillReturnResult(sqlmock.NewResult(15, 1))

	ref, err := l.Append(context.Background(), authorizedPayment())
	require.NoError(t, err)
	assert.Equal(t, "ledger_rows!15", ref)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestAppendReturnsExistingRow(t *testing.T) {
	db, mock := newMockDB(t)
	l := New(db)

	mock.ExpectExec("INSERT INTO `ledger_rows`").
		WillReturnResult(sqlmock.NewResult(0, 0))
	mock.ExpectQuery("SELECT \\* FROM `ledger_rows` WHERE payment_id = ").
		WillReturnRows(sqlmock.NewRows([]string{"id", "payment_id"}).AddRow(11, 9))

	ref, err := l.Append(context.Background(), authorizedPayment())
	require.NoError(t, err)
	assert.Equal(t, "ledger_rows!11", ref)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestAppendRequiresCAE(t *testing.T) {
	db, _ := newMockDB(t)
	p := authorizedPayment()
	p.CAE = ""

	_, err := New(db).Append(context.Background(), p)
	assert.Error(t, err)
}
