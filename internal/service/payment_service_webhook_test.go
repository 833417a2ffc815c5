package service

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/classdues/internal/constants"
	"github.com/classdues/internal/models"
)

func TestHandleStripeWebhookCompletesAndReconcilesOnce(t *testing.T) {
	env := setupPaymentServiceTest(t)
	result := env.initiate(t, "6501001", 7, 2024, constants.PaymentMethodCard)
	input := signedCheckoutEvent(t, env.clock.Now(), "evt_1", "checkout.session.completed", result.ProviderSessionID, "paid")

	outcome, err := env.svc.HandleStripeWebhook(input)
	if err != nil {
		t.Fatalf("handle webhook failed: %v", err)
	}
	if outcome.Result != constants.PaymentEventResultApplied || outcome.Duplicate {
		t.Fatalf("unexpected outcome: %+v", outcome)
	}
	payment := env.reload(t, result.Payment.ID)
	if payment.Status != constants.PaymentStatusCompleted {
		t.Fatalf("expected completed, got %s", payment.Status)
	}
	if payment.TransactionID != "pi_"+result.ProviderSessionID || payment.PaidAt == nil {
		t.Fatalf("expected transaction id and paid_at, got %+v", payment)
	}
	if payment.ReconcileStatus != constants.ReconcileStatusDone || payment.ReconciledAt == nil {
		t.Fatalf("expected reconcile done, got %q", payment.ReconcileStatus)
	}
	if env.ledger.writeCount() != 1 {
		t.Fatalf("expected one ledger write, got %d", env.ledger.writeCount())
	}
	write := env.ledger.writes[0]
	if write.StudentID != "6501001" || write.Month != 7 || write.Year != 2024 || !write.Amount.Equal(payment.Amount.Decimal) {
		t.Fatalf("unexpected ledger write: %+v", write)
	}

	// 同一事件重复投递
	outcome, err = env.svc.HandleStripeWebhook(input)
	if err != nil {
		t.Fatalf("duplicate webhook failed: %v", err)
	}
	if !outcome.Duplicate || outcome.Result != constants.PaymentEventResultNoop {
		t.Fatalf("expected duplicate noop, got %+v", outcome)
	}

	// 不同事件 id 指向同一已完成支付
	again := signedCheckoutEvent(t, env.clock.Now(), "evt_2", "checkout.session.async_payment_succeeded", result.ProviderSessionID, "paid")
	outcome, err = env.svc.HandleStripeWebhook(again)
	if err != nil {
		t.Fatalf("second completion event failed: %v", err)
	}
	if outcome.Result != constants.PaymentEventResultNoop {
		t.Fatalf("expected noop for already completed, got %s", outcome.Result)
	}
	if env.ledger.writeCount() != 1 {
		t.Fatalf("ledger should be written once, got %d", env.ledger.writeCount())
	}

	var events []models.PaymentEvent
	if err := env.db.Order("id asc").Find(&events).Error; err != nil {
		t.Fatalf("list events failed: %v", err)
	}
	if len(events) != 2 || events[0].ProcessedAt == nil || events[0].Result != constants.PaymentEventResultApplied {
		t.Fatalf("unexpected events: %+v", events)
	}
}

func TestHandleStripeWebhookRejectsInvalidSignature(t *testing.T) {
	env := setupPaymentServiceTest(t)
	result := env.initiate(t, "6501001", 7, 2024, constants.PaymentMethodCard)
	input := signedCheckoutEvent(t, env.clock.Now(), "evt_bad", "checkout.session.completed", result.ProviderSessionID, "paid")
	input.Headers["Stripe-Signature"] = "t=1,v1=deadbeef"

	_, err := env.svc.HandleStripeWebhook(input)
	if !errors.Is(err, ErrWebhookSignatureInvalid) || KindOf(err) != KindSignature {
		t.Fatalf("expected signature error, got %v", err)
	}
	if payment := env.reload(t, result.Payment.ID); payment.Status != constants.PaymentStatusPending {
		t.Fatalf("payment should not change on invalid signature, got %s", payment.Status)
	}
	var count int64
	env.db.Model(&models.PaymentEvent{}).Count(&count)
	if count != 0 {
		t.Fatalf("invalid event should not be recorded")
	}
}

func TestHandleStripeWebhookUnknownSession(t *testing.T) {
	env := setupPaymentServiceTest(t)
	input := signedCheckoutEvent(t, env.clock.Now(), "evt_unknown", "checkout.session.completed", "cs_missing", "paid")
	if _, err := env.svc.HandleStripeWebhook(input); !errors.Is(err, ErrPaymentNotFound) {
		t.Fatalf("expected payment not found, got %v", err)
	}
}

func TestHandleStripeWebhookIgnoresUnpaidCompletion(t *testing.T) {
	env := setupPaymentServiceTest(t)
	result := env.initiate(t, "6501001", 7, 2024, constants.PaymentMethodQRTransfer)
	input := signedCheckoutEvent(t, env.clock.Now(), "evt_unpaid", "checkout.session.completed", result.ProviderSessionID, "unpaid")

	outcome, err := env.svc.HandleStripeWebhook(input)
	if err != nil {
		t.Fatalf("handle webhook failed: %v", err)
	}
	if outcome.Result != constants.PaymentEventResultIgnored {
		t.Fatalf("expected ignored, got %s", outcome.Result)
	}
	if payment := env.reload(t, result.Payment.ID); payment.Status != constants.PaymentStatusPending {
		t.Fatalf("payment should stay pending, got %s", payment.Status)
	}
}

func TestHandleStripeWebhookExpiredAndFailedEvents(t *testing.T) {
	env := setupPaymentServiceTest(t)
	first := env.initiate(t, "6501001", 7, 2024, constants.PaymentMethodCard)
	second := env.initiate(t, "6501002", 7, 2024, constants.PaymentMethodQRTransfer)

	if _, err := env.svc.HandleStripeWebhook(signedCheckoutEvent(t, env.clock.Now(), "evt_exp", "checkout.session.expired", first.ProviderSessionID, "unpaid")); err != nil {
		t.Fatalf("expired event failed: %v", err)
	}
	if payment := env.reload(t, first.Payment.ID); payment.Status != constants.PaymentStatusExpired {
		t.Fatalf("expected expired, got %s", payment.Status)
	}

	if _, err := env.svc.HandleStripeWebhook(signedCheckoutEvent(t, env.clock.Now(), "evt_fail", "checkout.session.async_payment_failed", second.ProviderSessionID, "unpaid")); err != nil {
		t.Fatalf("failed event failed: %v", err)
	}
	payment := env.reload(t, second.Payment.ID)
	if payment.Status != constants.PaymentStatusFailed || payment.FailureReason != constants.FailureReasonProviderFailed {
		t.Fatalf("expected failed with reason, got %s %s", payment.Status, payment.FailureReason)
	}
}

func TestHandleStripeWebhookLateFundsKeepTerminalState(t *testing.T) {
	env := setupPaymentServiceTest(t)
	result := env.initiate(t, "6501001", 7, 2024, constants.PaymentMethodCard)
	env.clock.Advance(31 * time.Minute)
	if n, err := env.sweeper.Sweep(context.Background()); err != nil || n != 1 {
		t.Fatalf("sweep failed: n=%d err=%v", n, err)
	}

	outcome, err := env.svc.HandleStripeWebhook(signedCheckoutEvent(t, env.clock.Now(), "evt_late", "checkout.session.completed", result.ProviderSessionID, "paid"))
	if err != nil {
		t.Fatalf("late completion should be accepted: %v", err)
	}
	if outcome.Result != constants.PaymentEventResultLateFunds {
		t.Fatalf("expected late_funds, got %s", outcome.Result)
	}
	if payment := env.reload(t, result.Payment.ID); payment.Status != constants.PaymentStatusExpired {
		t.Fatalf("expired payment must not move, got %s", payment.Status)
	}
	if env.ledger.writeCount() != 0 {
		t.Fatalf("ledger must not be written for late funds")
	}
}

func TestDoubleSettlementFailsSecondPayment(t *testing.T) {
	env := setupPaymentServiceTest(t)
	first := env.initiate(t, "6501001", 7, 2024, constants.PaymentMethodCard)
	second := env.initiate(t, "6501001", 7, 2024, constants.PaymentMethodCard)

	if _, err := env.svc.HandleStripeWebhook(signedCheckoutEvent(t, env.clock.Now(), "evt_a", "checkout.session.completed", first.ProviderSessionID, "paid")); err != nil {
		t.Fatalf("first completion failed: %v", err)
	}
	outcome, err := env.svc.HandleStripeWebhook(signedCheckoutEvent(t, env.clock.Now(), "evt_b", "checkout.session.completed", second.ProviderSessionID, "paid"))
	if err != nil {
		t.Fatalf("second completion should be accepted: %v", err)
	}
	if outcome.Result != constants.PaymentEventResultLateFunds {
		t.Fatalf("expected late_funds for double settlement, got %s", outcome.Result)
	}

	payment := env.reload(t, second.Payment.ID)
	if payment.Status != constants.PaymentStatusFailed || payment.FailureReason != constants.FailureReasonPeriodAlreadySettled {
		t.Fatalf("expected failed period_already_settled, got %s %s", payment.Status, payment.FailureReason)
	}
	if payment.TransactionID == "" {
		t.Fatalf("transaction id should be kept for refund")
	}
	if env.ledger.writeCount() != 1 {
		t.Fatalf("ledger should only hold the first payment, got %d writes", env.ledger.writeCount())
	}
	var settlements []models.PeriodSettlement
	env.db.Find(&settlements)
	if len(settlements) != 1 || settlements[0].PaymentID != first.Payment.ID {
		t.Fatalf("unexpected settlements: %+v", settlements)
	}
}

func TestCompletionRacesSweepExactlyOneWins(t *testing.T) {
	for i := 0; i < 5; i++ {
		env := setupPaymentServiceTest(t)
		result := env.initiate(t, "6501001", 7, 2024, constants.PaymentMethodCard)
		env.clock.Advance(31 * time.Minute)
		input := signedCheckoutEvent(t, env.clock.Now(), "evt_race", "checkout.session.completed", result.ProviderSessionID, "paid")

		var wg sync.WaitGroup
		var webhookErr, sweepErr error
		var swept int
		wg.Add(2)
		go func() {
			defer wg.Done()
			_, webhookErr = env.svc.HandleStripeWebhook(input)
		}()
		go func() {
			defer wg.Done()
			swept, sweepErr = env.sweeper.Sweep(context.Background())
		}()
		wg.Wait()
		if webhookErr != nil || sweepErr != nil {
			t.Fatalf("race run %d failed: webhook=%v sweep=%v", i, webhookErr, sweepErr)
		}

		payment := env.reload(t, result.Payment.ID)
		switch payment.Status {
		case constants.PaymentStatusCompleted:
			if swept != 0 || env.ledger.writeCount() != 1 {
				t.Fatalf("completed run %d: swept=%d writes=%d", i, swept, env.ledger.writeCount())
			}
		case constants.PaymentStatusExpired:
			if swept != 1 || env.ledger.writeCount() != 0 {
				t.Fatalf("expired run %d: swept=%d writes=%d", i, swept, env.ledger.writeCount())
			}
		default:
			t.Fatalf("run %d ended in %s", i, payment.Status)
		}
	}
}
