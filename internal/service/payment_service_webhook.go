package service

import (
	"context"
	"errors"

	"github.com/classdues/internal/constants"
	"github.com/classdues/internal/models"
	"github.com/classdues/internal/payment/stripe"

	"go.uber.org/zap"
)

// WebhookCallbackInput 回调原始输入
type WebhookCallbackInput struct {
	Headers map[string]string
	Body    []byte
	Context context.Context
}

// WebhookOutcome 回调处理结果
type WebhookOutcome struct {
	EventID   string
	EventType string
	Result    string
	Duplicate bool
	Payment   *models.Payment
}

// HandleStripeWebhook 处理 Stripe 回调：验签、去重、条件流转，提交后对账
func (s *PaymentService) HandleStripeWebhook(input WebhookCallbackInput) (*WebhookOutcome, error) {
	ctx := input.Context
	if ctx == nil {
		ctx = context.Background()
	}
	log := paymentLogger("provider", constants.PaymentProviderStripe, "body_size", len(input.Body))
	if s.gateway == nil {
		log.Errorw("payment_webhook_gateway_missing")
		return nil, ErrProviderUnavailable
	}

	now := s.now()
	event, err := s.gateway.VerifyWebhook(input.Headers, input.Body, now)
	if err != nil {
		mapped := mapStripeGatewayError(err)
		if errors.Is(mapped, ErrProviderResponseInvalid) {
			// 验签已通过但事件结构不可用，同样拒绝处理
			mapped = ErrWebhookSignatureInvalid
		}
		log.Warnw("payment_webhook_verify_failed", "error", err)
		s.metrics.WebhookEvent("unknown", constants.PaymentEventResultRejected)
		return nil, mapped
	}
	log = log.With("event_id", event.EventID, "event_type", event.EventType, "provider_session_id", event.SessionID)
	outcome := &WebhookOutcome{EventID: event.EventID, EventType: event.EventType}

	created, err := s.eventRepo.Record(&models.PaymentEvent{
		Provider:   constants.PaymentProviderStripe,
		EventID:    event.EventID,
		EventType:  event.EventType,
		SessionID:  event.SessionID,
		Payload:    models.JSON(event.Raw),
		ReceivedAt: now,
	})
	if err != nil {
		log.Errorw("payment_webhook_record_failed", "error", err)
		return nil, ErrPaymentUpdateFailed
	}
	if !created {
		existing, err := s.eventRepo.Get(constants.PaymentProviderStripe, event.EventID)
		if err != nil {
			log.Errorw("payment_webhook_event_fetch_failed", "error", err)
			return nil, ErrPaymentUpdateFailed
		}
		if existing != nil && existing.ProcessedAt != nil {
			log.Infow("payment_webhook_duplicate", "result", existing.Result)
			outcome.Duplicate = true
			outcome.Result = constants.PaymentEventResultNoop
			s.metrics.WebhookEvent(event.EventType, constants.PaymentEventResultNoop)
			return outcome, nil
		}
		// 上次处理未完成，重新处理；流转本身是幂等的
		log.Infow("payment_webhook_redelivered_unprocessed")
	}

	if event.Action == stripe.ActionIgnore {
		outcome.Result = constants.PaymentEventResultIgnored
		return s.finishWebhook(outcome, log)
	}

	payment, err := s.paymentRepo.GetBySessionID(event.SessionID)
	if err != nil {
		log.Errorw("payment_webhook_payment_fetch_failed", "error", err)
		return nil, ErrPaymentUpdateFailed
	}
	if payment == nil {
		log.Warnw("payment_webhook_payment_not_found")
		s.metrics.WebhookEvent(event.EventType, constants.PaymentEventResultRejected)
		return nil, ErrPaymentNotFound
	}
	outcome.Payment = payment
	log = log.With("payment_id", payment.ID)

	switch event.Action {
	case stripe.ActionComplete:
		result, err := s.applyWebhookCompletion(ctx, payment, event, log)
		if err != nil {
			return nil, err
		}
		outcome.Result = result
	case stripe.ActionFail:
		ok, err := s.transition(payment.ID, []string{constants.PaymentStatusPending}, constants.PaymentStatusFailed,
			map[string]interface{}{"failure_reason": constants.FailureReasonProviderFailed}, "webhook")
		if err != nil {
			return nil, err
		}
		outcome.Result = resultFor(ok)
	case stripe.ActionExpire:
		ok, err := s.transition(payment.ID, []string{constants.PaymentStatusPending}, constants.PaymentStatusExpired, nil, "webhook")
		if err != nil {
			return nil, err
		}
		outcome.Result = resultFor(ok)
	default:
		outcome.Result = constants.PaymentEventResultIgnored
	}

	if refreshed, err := s.paymentRepo.GetByID(payment.ID); err == nil && refreshed != nil {
		outcome.Payment = refreshed
	}
	return s.finishWebhook(outcome, log)
}

func (s *PaymentService) applyWebhookCompletion(ctx context.Context, payment *models.Payment, event *stripe.WebhookResult, log *zap.SugaredLogger) (string, error) {
	switch payment.Status {
	case constants.PaymentStatusCompleted:
		log.Infow("payment_webhook_already_completed")
		return constants.PaymentEventResultNoop, nil
	case constants.PaymentStatusExpired, constants.PaymentStatusFailed:
		log.Errorw("payment_webhook_late_funds_refund_required",
			"status", payment.Status,
			"payment_intent", event.PaymentIntentID,
		)
		return constants.PaymentEventResultLateFunds, nil
	}

	completion, err := s.completeGatewayPayment(payment, event.PaymentIntentID, "webhook")
	if err != nil {
		if errors.Is(err, ErrPaymentStatusConflict) {
			// 与过期扫描竞争失败，按迟到资金处理
			log.Errorw("payment_webhook_late_funds_refund_required",
				"status", "race_lost",
				"payment_intent", event.PaymentIntentID,
			)
			return constants.PaymentEventResultLateFunds, nil
		}
		return "", err
	}
	switch completion {
	case completionApplied:
		s.reconcileAfterCommit(ctx, payment.ID)
		return constants.PaymentEventResultApplied, nil
	case completionPeriodSettled:
		return constants.PaymentEventResultLateFunds, nil
	default:
		return constants.PaymentEventResultNoop, nil
	}
}

func (s *PaymentService) finishWebhook(outcome *WebhookOutcome, log *zap.SugaredLogger) (*WebhookOutcome, error) {
	if err := s.eventRepo.MarkProcessed(constants.PaymentProviderStripe, outcome.EventID, outcome.Result, s.now()); err != nil {
		log.Errorw("payment_webhook_mark_processed_failed", "error", err)
		return nil, ErrPaymentUpdateFailed
	}
	s.metrics.WebhookEvent(outcome.EventType, outcome.Result)
	log.Infow("payment_webhook_processed", "result", outcome.Result)
	return outcome, nil
}

func resultFor(applied bool) string {
	if applied {
		return constants.PaymentEventResultApplied
	}
	return constants.PaymentEventResultNoop
}
