package repository

import (
	"fmt"
	"testing"
	"time"

	"github.com/classdues/internal/constants"
	"github.com/classdues/internal/models"

	"github.com/glebarez/sqlite"
	"github.com/shopspring/decimal"
	"gorm.io/gorm"
)

func setupPaymentRepositoryTest(t *testing.T) (*GormPaymentRepository, *gorm.DB) {
	t.Helper()
	dsn := fmt.Sprintf("file:payment_repo_test_%d?mode=memory&cache=shared", time.Now().UnixNano())
	db, err := gorm.Open(sqlite.Open(dsn), &gorm.Config{})
	if err != nil {
		t.Fatalf("open sqlite failed: %v", err)
	}
	sqlDB, err := db.DB()
	if err != nil {
		t.Fatalf("get sql db failed: %v", err)
	}
	sqlDB.SetMaxOpenConns(1)
	if err := db.AutoMigrate(&models.Payment{}, &models.PeriodSettlement{}, &models.PaymentEvent{}); err != nil {
		t.Fatalf("auto migrate failed: %v", err)
	}
	return NewPaymentRepository(db), db
}

func newTestPayment(t *testing.T, repo *GormPaymentRepository, status string, expiresAt *time.Time) *models.Payment {
	t.Helper()
	payment := &models.Payment{
		StudentID:   "6501001",
		PeriodMonth: 7,
		PeriodYear:  2024,
		Amount:      models.NewMoneyFromDecimal(decimal.NewFromInt(10)),
		Currency:    "THB",
		Method:      constants.PaymentMethodCard,
		Status:      status,
		ExpiresAt:   expiresAt,
	}
	if err := repo.Create(payment); err != nil {
		t.Fatalf("create payment failed: %v", err)
	}
	if payment.ID == "" {
		t.Fatalf("payment id should be generated")
	}
	return payment
}

func TestPaymentRepositoryTransitionStatusIsConditional(t *testing.T) {
	repo, _ := setupPaymentRepositoryTest(t)
	payment := newTestPayment(t, repo, constants.PaymentStatusPending, nil)

	ok, err := repo.TransitionStatus(payment.ID, []string{constants.PaymentStatusPending}, constants.PaymentStatusExpired, nil)
	if err != nil || !ok {
		t.Fatalf("expected first transition to apply, ok=%v err=%v", ok, err)
	}
	ok, err = repo.TransitionStatus(payment.ID, []string{constants.PaymentStatusPending}, constants.PaymentStatusCompleted, map[string]interface{}{
		"transaction_id": "pi_late",
	})
	if err != nil {
		t.Fatalf("transition failed: %v", err)
	}
	if ok {
		t.Fatalf("transition from terminal state must not apply")
	}

	got, err := repo.GetByID(payment.ID)
	if err != nil {
		t.Fatalf("get payment failed: %v", err)
	}
	if got.Status != constants.PaymentStatusExpired || got.TransactionID != "" {
		t.Fatalf("unexpected payment state: status=%s tx=%s", got.Status, got.TransactionID)
	}
}

func TestPaymentRepositoryGetByIDMissing(t *testing.T) {
	repo, _ := setupPaymentRepositoryTest(t)
	got, err := repo.GetByID("00000000-0000-0000-0000-000000000000")
	if err != nil {
		t.Fatalf("get payment failed: %v", err)
	}
	if got != nil {
		t.Fatalf("expected nil payment")
	}
}

func TestPaymentRepositoryListExpiredPending(t *testing.T) {
	repo, _ := setupPaymentRepositoryTest(t)
	now := time.Date(2024, 7, 1, 10, 0, 0, 0, time.UTC)
	past := now.Add(-time.Minute)
	future := now.Add(10 * time.Minute)

	expired := newTestPayment(t, repo, constants.PaymentStatusPending, &past)
	newTestPayment(t, repo, constants.PaymentStatusPending, &future)
	newTestPayment(t, repo, constants.PaymentStatusPending, nil)
	newTestPayment(t, repo, constants.PaymentStatusCompleted, &past)

	rows, err := repo.ListExpiredPending(now, 100)
	if err != nil {
		t.Fatalf("list expired failed: %v", err)
	}
	if len(rows) != 1 || rows[0].ID != expired.ID {
		t.Fatalf("expected only the past-due pending payment, got=%d", len(rows))
	}
}

func TestPaymentRepositoryClaimReconcileOnce(t *testing.T) {
	repo, _ := setupPaymentRepositoryTest(t)
	payment := newTestPayment(t, repo, constants.PaymentStatusCompleted, nil)
	now := time.Date(2024, 7, 1, 10, 0, 0, 0, time.UTC)
	claim := ReconcileClaim{Now: now, StaleBefore: now.Add(-10 * time.Minute)}

	ok, err := repo.ClaimReconcile(payment.ID, claim)
	if err != nil || !ok {
		t.Fatalf("expected first claim to win, ok=%v err=%v", ok, err)
	}
	ok, err = repo.ClaimReconcile(payment.ID, claim)
	if err != nil {
		t.Fatalf("claim failed: %v", err)
	}
	if ok {
		t.Fatalf("fresh claimed marker must not be claimed twice")
	}

	if ok, err := repo.MarkReconciled(payment.ID, now); err != nil || !ok {
		t.Fatalf("mark reconciled failed: ok=%v err=%v", ok, err)
	}
	later := ReconcileClaim{Now: now.Add(time.Hour), StaleBefore: now.Add(time.Hour)}
	ok, err = repo.ClaimReconcile(payment.ID, later)
	if err != nil {
		t.Fatalf("claim failed: %v", err)
	}
	if ok {
		t.Fatalf("done marker must never be claimed again")
	}
}

func TestPaymentRepositoryClaimReconcileAfterFailureAndStale(t *testing.T) {
	repo, _ := setupPaymentRepositoryTest(t)
	payment := newTestPayment(t, repo, constants.PaymentStatusCompleted, nil)
	now := time.Date(2024, 7, 1, 10, 0, 0, 0, time.UTC)

	if ok, _ := repo.ClaimReconcile(payment.ID, ReconcileClaim{Now: now, StaleBefore: now.Add(-time.Minute)}); !ok {
		t.Fatalf("expected first claim")
	}
	if ok, err := repo.MarkReconcileFailed(payment.ID, "ledger down", now); err != nil || !ok {
		t.Fatalf("mark failed: ok=%v err=%v", ok, err)
	}
	if ok, _ := repo.ClaimReconcile(payment.ID, ReconcileClaim{Now: now, StaleBefore: now.Add(-time.Minute)}); !ok {
		t.Fatalf("failed marker should be claimable")
	}
	// claimed 标记超时后可被重新认领
	stale := ReconcileClaim{Now: now.Add(time.Hour), StaleBefore: now.Add(time.Minute)}
	if ok, _ := repo.ClaimReconcile(payment.ID, stale); !ok {
		t.Fatalf("stale claimed marker should be claimable")
	}

	got, _ := repo.GetByID(payment.ID)
	if got.ReconcileAttempts != 3 {
		t.Fatalf("expected 3 attempts, got=%d", got.ReconcileAttempts)
	}
	capped := ReconcileClaim{Now: now.Add(2 * time.Hour), StaleBefore: now.Add(2 * time.Hour), MaxAttempts: 3}
	if ok, _ := repo.ClaimReconcile(payment.ID, capped); ok {
		t.Fatalf("claim should stop at max attempts")
	}
}

func TestPaymentRepositoryMarkReconcileExhausted(t *testing.T) {
	repo, _ := setupPaymentRepositoryTest(t)
	payment := newTestPayment(t, repo, constants.PaymentStatusCompleted, nil)
	now := time.Date(2024, 7, 1, 10, 0, 0, 0, time.UTC)

	if ok, _ := repo.ClaimReconcile(payment.ID, ReconcileClaim{Now: now, StaleBefore: now}); !ok {
		t.Fatalf("expected claim")
	}
	if ok, err := repo.MarkReconcileExhausted(payment.ID, "student not found", 5, now); err != nil || !ok {
		t.Fatalf("mark exhausted: ok=%v err=%v", ok, err)
	}
	got, _ := repo.GetByID(payment.ID)
	if got.ReconcileStatus != constants.ReconcileStatusFailed || got.ReconcileAttempts != 5 || got.ReconcileError != "student not found" {
		t.Fatalf("unexpected marker: %s attempts=%d err=%q", got.ReconcileStatus, got.ReconcileAttempts, got.ReconcileError)
	}

	capped := ReconcileClaim{Now: now, StaleBefore: now, MaxAttempts: 5}
	rows, err := repo.ListReconcileRetryable(capped, 10)
	if err != nil || len(rows) != 0 {
		t.Fatalf("exhausted marker should not be retryable: rows=%d err=%v", len(rows), err)
	}
	if ok, _ := repo.ClaimReconcile(payment.ID, capped); ok {
		t.Fatalf("capped claim should skip exhausted marker")
	}
	if ok, _ := repo.ClaimReconcile(payment.ID, ReconcileClaim{Now: now, StaleBefore: now}); !ok {
		t.Fatalf("uncapped claim should still take exhausted marker")
	}
	// 已超过上限的次数不回退
	if ok, _ := repo.MarkReconcileExhausted(payment.ID, "again", 3, now); !ok {
		t.Fatalf("mark exhausted again failed")
	}
	if got, _ := repo.GetByID(payment.ID); got.ReconcileAttempts != 6 {
		t.Fatalf("attempts should not go down, got %d", got.ReconcileAttempts)
	}
}

func TestPaymentRepositoryClaimReconcileRequiresCompleted(t *testing.T) {
	repo, _ := setupPaymentRepositoryTest(t)
	payment := newTestPayment(t, repo, constants.PaymentStatusPending, nil)
	now := time.Now().UTC()
	if ok, _ := repo.ClaimReconcile(payment.ID, ReconcileClaim{Now: now, StaleBefore: now}); ok {
		t.Fatalf("pending payment must not be claimed for reconciliation")
	}
}

func TestPaymentRepositoryListReconcileRetryable(t *testing.T) {
	repo, _ := setupPaymentRepositoryTest(t)
	now := time.Date(2024, 7, 1, 10, 0, 0, 0, time.UTC)

	failed := newTestPayment(t, repo, constants.PaymentStatusCompleted, nil)
	done := newTestPayment(t, repo, constants.PaymentStatusCompleted, nil)
	for _, p := range []*models.Payment{failed, done} {
		if ok, _ := repo.ClaimReconcile(p.ID, ReconcileClaim{Now: now, StaleBefore: now}); !ok {
			t.Fatalf("claim failed for %s", p.ID)
		}
	}
	_, _ = repo.MarkReconcileFailed(failed.ID, "boom", now)
	_, _ = repo.MarkReconciled(done.ID, now)

	rows, err := repo.ListReconcileRetryable(ReconcileClaim{Now: now, StaleBefore: now.Add(-time.Minute), MaxAttempts: 5}, 10)
	if err != nil {
		t.Fatalf("list retryable failed: %v", err)
	}
	if len(rows) != 1 || rows[0].ID != failed.ID {
		t.Fatalf("expected only failed marker, got=%d", len(rows))
	}
}

func TestSettlementRepositoryCreateIfAbsent(t *testing.T) {
	_, db := setupPaymentRepositoryTest(t)
	repo := NewSettlementRepository(db)

	first := &models.PeriodSettlement{StudentID: "6501001", PeriodYear: 2024, PeriodMonth: 7, PaymentID: "p-1"}
	created, err := repo.CreateIfAbsent(first)
	if err != nil || !created {
		t.Fatalf("expected settlement to be created, created=%v err=%v", created, err)
	}
	second := &models.PeriodSettlement{StudentID: "6501001", PeriodYear: 2024, PeriodMonth: 7, PaymentID: "p-2"}
	created, err = repo.CreateIfAbsent(second)
	if err != nil {
		t.Fatalf("create settlement failed: %v", err)
	}
	if created {
		t.Fatalf("second settlement for same period must be rejected")
	}

	got, err := repo.GetByPeriod("6501001", 2024, 7)
	if err != nil || got == nil || got.PaymentID != "p-1" {
		t.Fatalf("unexpected settlement: %+v err=%v", got, err)
	}
	missing, err := repo.GetByPeriod("6501001", 2024, 8)
	if err != nil || missing != nil {
		t.Fatalf("expected no settlement for august, got=%+v err=%v", missing, err)
	}
}

func TestPaymentEventRepositoryRecordDedupes(t *testing.T) {
	_, db := setupPaymentRepositoryTest(t)
	repo := NewPaymentEventRepository(db)
	now := time.Date(2024, 7, 1, 10, 0, 0, 0, time.UTC)

	event := &models.PaymentEvent{
		Provider:   constants.PaymentProviderStripe,
		EventID:    "evt_1",
		EventType:  "checkout.session.completed",
		SessionID:  "cs_1",
		Payload:    models.JSON{"id": "evt_1"},
		ReceivedAt: now,
	}
	created, err := repo.Record(event)
	if err != nil || !created {
		t.Fatalf("expected first record, created=%v err=%v", created, err)
	}
	dup := &models.PaymentEvent{Provider: constants.PaymentProviderStripe, EventID: "evt_1", EventType: "checkout.session.completed", ReceivedAt: now}
	created, err = repo.Record(dup)
	if err != nil {
		t.Fatalf("record duplicate failed: %v", err)
	}
	if created {
		t.Fatalf("duplicate event must not be recorded")
	}

	if err := repo.MarkProcessed(constants.PaymentProviderStripe, "evt_1", constants.PaymentEventResultApplied, now); err != nil {
		t.Fatalf("mark processed failed: %v", err)
	}
	got, err := repo.Get(constants.PaymentProviderStripe, "evt_1")
	if err != nil || got == nil {
		t.Fatalf("get event failed: %v", err)
	}
	if got.ProcessedAt == nil || got.Result != constants.PaymentEventResultApplied {
		t.Fatalf("event should be processed: %+v", got)
	}
	if got.Payload["id"] != "evt_1" {
		t.Fatalf("payload not persisted: %+v", got.Payload)
	}
}

func TestPaymentRepositoryListFilters(t *testing.T) {
	repo, _ := setupPaymentRepositoryTest(t)
	newTestPayment(t, repo, constants.PaymentStatusPending, nil)
	newTestPayment(t, repo, constants.PaymentStatusCompleted, nil)

	rows, total, err := repo.List(PaymentListFilter{Status: constants.PaymentStatusCompleted, Page: 1, PageSize: 10})
	if err != nil {
		t.Fatalf("list failed: %v", err)
	}
	if total != 1 || len(rows) != 1 {
		t.Fatalf("expected 1 completed payment, total=%d rows=%d", total, len(rows))
	}
}
