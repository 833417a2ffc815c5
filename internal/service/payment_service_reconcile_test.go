package service

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/classdues/internal/constants"
	"github.com/classdues/internal/ledger"
	"github.com/classdues/internal/queue"
)

func TestLedgerFailureKeepsCompletedAndRetrySucceeds(t *testing.T) {
	env := setupPaymentServiceTest(t)
	env.ledger.failures = 1
	result := env.initiate(t, "6501001", 7, 2024, constants.PaymentMethodBankTransfer)

	payment, err := env.svc.VerifyBankTransfer(context.Background(), result.Payment.ID)
	if err != nil {
		t.Fatalf("verify should succeed despite ledger failure: %v", err)
	}
	if payment.Status != constants.PaymentStatusCompleted {
		t.Fatalf("expected completed, got %s", payment.Status)
	}
	if payment.ReconcileStatus != constants.ReconcileStatusFailed || payment.ReconcileError == "" {
		t.Fatalf("expected failed marker with error, got %q %q", payment.ReconcileStatus, payment.ReconcileError)
	}
	if len(env.queue.payloads) != 1 || env.queue.payloads[0].PaymentID != payment.ID || env.queue.payloads[0].Attempt != 1 {
		t.Fatalf("expected retry enqueued, got %+v", env.queue.payloads)
	}
	if env.queue.delays[0] != 10*time.Second {
		t.Fatalf("unexpected retry delay: %s", env.queue.delays[0])
	}

	if err := env.svc.ProcessReconcileTask(context.Background(), queue.PaymentReconcilePayload{PaymentID: payment.ID, Attempt: 1}); err != nil {
		t.Fatalf("process reconcile task failed: %v", err)
	}
	payment = env.reload(t, payment.ID)
	if payment.Status != constants.PaymentStatusCompleted || payment.ReconcileStatus != constants.ReconcileStatusDone {
		t.Fatalf("expected completed and done, got %s %s", payment.Status, payment.ReconcileStatus)
	}
	if payment.ReconcileAttempts != 2 {
		t.Fatalf("expected 2 attempts, got %d", payment.ReconcileAttempts)
	}
	if env.ledger.writeCount() != 1 || env.ledger.writes[0].Reference != payment.Reference {
		t.Fatalf("expected one ledger write with reference, got %+v", env.ledger.writes)
	}

	// done 标记不会再次写账
	if err := env.svc.ProcessReconcileTask(context.Background(), queue.PaymentReconcilePayload{PaymentID: payment.ID, Attempt: 2}); err != nil {
		t.Fatalf("process reconcile task again failed: %v", err)
	}
	if env.ledger.writeCount() != 1 {
		t.Fatalf("done marker must not be reclaimed")
	}
}

func TestReconcileStopsAfterMaxAttempts(t *testing.T) {
	env := setupPaymentServiceTest(t)
	env.ledger.failures = 10
	result := env.initiate(t, "6501001", 7, 2024, constants.PaymentMethodBankTransfer)
	if _, err := env.svc.VerifyBankTransfer(context.Background(), result.Payment.ID); err != nil {
		t.Fatalf("verify failed: %v", err)
	}
	for attempt := 1; attempt <= 4; attempt++ {
		if err := env.svc.ProcessReconcileTask(context.Background(), queue.PaymentReconcilePayload{PaymentID: result.Payment.ID, Attempt: attempt}); err != nil {
			t.Fatalf("process task failed: %v", err)
		}
	}
	payment := env.reload(t, result.Payment.ID)
	if payment.ReconcileAttempts != 3 || payment.ReconcileStatus != constants.ReconcileStatusFailed {
		t.Fatalf("expected 3 failed attempts, got %d %s", payment.ReconcileAttempts, payment.ReconcileStatus)
	}
	if len(env.queue.payloads) != 2 {
		t.Fatalf("expected 2 scheduled retries before exhaustion, got %d", len(env.queue.payloads))
	}

	// 运维重试不受次数限制
	env.ledger.failures = 0
	retry, err := env.svc.RetryReconciliation(context.Background(), payment.ID)
	if err != nil || !retry.Claimed {
		t.Fatalf("operator retry failed: %+v %v", retry, err)
	}
	if payment := env.reload(t, result.Payment.ID); payment.ReconcileStatus != constants.ReconcileStatusDone {
		t.Fatalf("expected done after operator retry, got %s", payment.ReconcileStatus)
	}
}

func TestRetryReconciliationRejectsIncompletePayment(t *testing.T) {
	env := setupPaymentServiceTest(t)
	result := env.initiate(t, "6501001", 7, 2024, constants.PaymentMethodBankTransfer)
	if _, err := env.svc.RetryReconciliation(context.Background(), result.Payment.ID); !errors.Is(err, ErrPaymentStatusConflict) {
		t.Fatalf("expected status conflict, got %v", err)
	}
}

func TestRetryReconciliationSurfacesStudentNotFound(t *testing.T) {
	env := setupPaymentServiceTest(t)
	result := env.initiate(t, "6501002", 7, 2024, constants.PaymentMethodBankTransfer)
	// 发起后学号被移出名单
	env.ledger.failures = 2
	env.ledger.failErr = fmt.Errorf("%w: 6501002", ledger.ErrStudentNotFound)
	if _, err := env.svc.VerifyBankTransfer(context.Background(), result.Payment.ID); err != nil {
		t.Fatalf("verify failed: %v", err)
	}

	_, err := env.svc.RetryReconciliation(context.Background(), result.Payment.ID)
	if !errors.Is(err, ErrReconciliationFailed) || !errors.Is(err, ErrStudentNotFound) {
		t.Fatalf("expected reconciliation error caused by missing student, got %v", err)
	}
	if KindOf(err) != KindReconciliation {
		t.Fatalf("expected reconciliation kind, got %s", KindOf(err))
	}
}

func TestReconcilePermanentLedgerErrorSkipsAutomaticRetry(t *testing.T) {
	env := setupPaymentServiceTest(t)
	result := env.initiate(t, "6501001", 7, 2024, constants.PaymentMethodBankTransfer)
	env.ledger.failures = 1
	env.ledger.failErr = fmt.Errorf("%w: 6501001", ledger.ErrStudentNotFound)

	if _, err := env.svc.VerifyBankTransfer(context.Background(), result.Payment.ID); err != nil {
		t.Fatalf("verify failed: %v", err)
	}
	payment := env.reload(t, result.Payment.ID)
	if payment.Status != constants.PaymentStatusCompleted || payment.ReconcileStatus != constants.ReconcileStatusFailed {
		t.Fatalf("expected completed with failed marker, got %s %s", payment.Status, payment.ReconcileStatus)
	}
	if payment.ReconcileAttempts != 3 {
		t.Fatalf("permanent error should use up the retry budget at once, got %d attempts", payment.ReconcileAttempts)
	}
	if len(env.queue.payloads) != 0 {
		t.Fatalf("permanent error must not be enqueued, got %+v", env.queue.payloads)
	}

	done, err := env.svc.RetryFailedReconciliations(context.Background())
	if err != nil || done != 0 {
		t.Fatalf("rescan should skip exhausted marker: done=%d err=%v", done, err)
	}
	if env.ledger.writeCount() != 0 {
		t.Fatalf("rescan must not write the ledger")
	}

	retry, err := env.svc.RetryReconciliation(context.Background(), payment.ID)
	if err != nil || !retry.Claimed {
		t.Fatalf("operator retry should still run: %+v %v", retry, err)
	}
	if payment := env.reload(t, result.Payment.ID); payment.ReconcileStatus != constants.ReconcileStatusDone {
		t.Fatalf("expected done after operator retry, got %s", payment.ReconcileStatus)
	}
}

func TestRetryFailedReconciliationsPicksStaleClaims(t *testing.T) {
	env := setupPaymentServiceTest(t)
	env.ledger.failures = 1
	failed := env.initiate(t, "6501001", 7, 2024, constants.PaymentMethodBankTransfer)
	if _, err := env.svc.VerifyBankTransfer(context.Background(), failed.Payment.ID); err != nil {
		t.Fatalf("verify failed: %v", err)
	}

	stuck := env.initiate(t, "6501002", 7, 2024, constants.PaymentMethodBankTransfer)
	now := env.clock.Now().UTC()
	if err := env.db.Exec("UPDATE payments SET status = ?, reconcile_status = ?, reconcile_attempts = 1, reconcile_claimed_at = ? WHERE id = ?",
		constants.PaymentStatusCompleted, constants.ReconcileStatusClaimed, now, stuck.Payment.ID).Error; err != nil {
		t.Fatalf("seed stuck claim failed: %v", err)
	}

	done, err := env.svc.RetryFailedReconciliations(context.Background())
	if err != nil {
		t.Fatalf("rescan failed: %v", err)
	}
	if done != 1 {
		t.Fatalf("only the failed marker should be retried before the claim goes stale, got %d", done)
	}

	env.clock.Advance(2 * time.Minute)
	done, err = env.svc.RetryFailedReconciliations(context.Background())
	if err != nil || done != 1 {
		t.Fatalf("expected stale claim to be retried: done=%d err=%v", done, err)
	}
	if payment := env.reload(t, stuck.Payment.ID); payment.ReconcileStatus != constants.ReconcileStatusDone {
		t.Fatalf("expected stale claim reconciled, got %s", payment.ReconcileStatus)
	}
	if env.ledger.writeCount() != 2 {
		t.Fatalf("expected 2 ledger writes, got %d", env.ledger.writeCount())
	}
}

func TestMapLedgerError(t *testing.T) {
	if got := mapLedgerError(ledger.ErrStudentNotFound); got != ErrStudentNotFound {
		t.Fatalf("expected student not found, got %v", got)
	}
	if got := mapLedgerError(fmt.Errorf("%w: 13", ledger.ErrUnmappedMonth)); got != ErrInvalidPeriod {
		t.Fatalf("expected invalid period, got %v", got)
	}
	if got := mapLedgerError(ledger.ErrRequestFailed); got != ErrLedgerUnavailable {
		t.Fatalf("expected ledger unavailable, got %v", got)
	}
	if mapLedgerError(nil) != nil {
		t.Fatalf("nil should map to nil")
	}
}
