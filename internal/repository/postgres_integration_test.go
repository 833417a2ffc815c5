//go:build integration
// +build integration

package repository

import (
	"os"
	"strings"
	"testing"
	"time"

	"github.com/classdues/internal/constants"
	"github.com/classdues/internal/models"

	"github.com/shopspring/decimal"
	"gorm.io/driver/postgres"
	"gorm.io/gorm"
)

// setupPostgresIntegrationDB 初始化 PostgreSQL 集成测试数据库。
func setupPostgresIntegrationDB(t *testing.T) *gorm.DB {
	t.Helper()

	dsn := strings.TrimSpace(os.Getenv("TEST_POSTGRES_DSN"))
	if dsn == "" {
		t.Skip("skip postgres integration test: TEST_POSTGRES_DSN is empty")
	}

	db, err := gorm.Open(postgres.Open(dsn), &gorm.Config{})
	if err != nil {
		t.Fatalf("open postgres failed: %v", err)
	}

	cleanupModels := []interface{}{
		&models.PaymentEvent{},
		&models.PeriodSettlement{},
		&models.Payment{},
	}
	_ = db.Migrator().DropTable(cleanupModels...)

	if err := db.AutoMigrate(&models.Payment{}, &models.PeriodSettlement{}, &models.PaymentEvent{}); err != nil {
		t.Fatalf("migrate postgres models failed: %v", err)
	}

	t.Cleanup(func() {
		_ = db.Migrator().DropTable(cleanupModels...)
		sqlDB, err := db.DB()
		if err == nil {
			_ = sqlDB.Close()
		}
	})

	return db
}

func createPostgresPayment(t *testing.T, repo *GormPaymentRepository, status string) *models.Payment {
	t.Helper()
	payment := &models.Payment{
		StudentID:   "6501001",
		PeriodMonth: 9,
		PeriodYear:  2024,
		Amount:      models.NewMoneyFromDecimal(decimal.NewFromInt(10)),
		Currency:    "THB",
		Method:      constants.PaymentMethodBankTransfer,
		Status:      status,
	}
	if err := repo.Create(payment); err != nil {
		t.Fatalf("create payment failed: %v", err)
	}
	return payment
}

func TestPostgresSettlementUniquePerPeriod(t *testing.T) {
	db := setupPostgresIntegrationDB(t)
	payments := NewPaymentRepository(db)
	settlements := NewSettlementRepository(db)

	first := createPostgresPayment(t, payments, constants.PaymentStatusCompleted)
	second := createPostgresPayment(t, payments, constants.PaymentStatusCompleted)

	created, err := settlements.CreateIfAbsent(&models.PeriodSettlement{
		StudentID: first.StudentID, PeriodYear: 2024, PeriodMonth: 9, PaymentID: first.ID,
	})
	if err != nil || !created {
		t.Fatalf("first settlement want created, got created=%v err=%v", created, err)
	}
	created, err = settlements.CreateIfAbsent(&models.PeriodSettlement{
		StudentID: second.StudentID, PeriodYear: 2024, PeriodMonth: 9, PaymentID: second.ID,
	})
	if err != nil {
		t.Fatalf("second settlement failed: %v", err)
	}
	if created {
		t.Fatalf("second settlement for the same period must be rejected")
	}

	got, err := settlements.GetByPeriod(first.StudentID, 2024, 9)
	if err != nil || got == nil || got.PaymentID != first.ID {
		t.Fatalf("settlement should point at first payment, got %+v err=%v", got, err)
	}
}

func TestPostgresReconcileClaimIsExclusive(t *testing.T) {
	db := setupPostgresIntegrationDB(t)
	repo := NewPaymentRepository(db)
	payment := createPostgresPayment(t, repo, constants.PaymentStatusCompleted)
	now := time.Now().UTC().Truncate(time.Second)

	claim := ReconcileClaim{Now: now, StaleBefore: now.Add(-10 * time.Minute), MaxAttempts: 3}
	ok, err := repo.ClaimReconcile(payment.ID, claim)
	if err != nil || !ok {
		t.Fatalf("first claim want ok, got ok=%v err=%v", ok, err)
	}
	ok, err = repo.ClaimReconcile(payment.ID, claim)
	if err != nil {
		t.Fatalf("second claim failed: %v", err)
	}
	if ok {
		t.Fatalf("fresh claim must not be taken twice")
	}

	if ok, err := repo.MarkReconciled(payment.ID, now); err != nil || !ok {
		t.Fatalf("mark reconciled want ok, got ok=%v err=%v", ok, err)
	}
	got, err := repo.GetByID(payment.ID)
	if err != nil {
		t.Fatalf("get payment failed: %v", err)
	}
	if got.ReconcileStatus != constants.ReconcileStatusDone {
		t.Fatalf("reconcile status want done got %s", got.ReconcileStatus)
	}
}
