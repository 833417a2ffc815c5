package service

import (
	"context"
	"errors"
	"strings"

	"github.com/classdues/internal/constants"
	"github.com/classdues/internal/models"

	"gorm.io/gorm"
)

// completionOutcome 完成流转的结果
type completionOutcome int

const (
	completionApplied completionOutcome = iota
	completionAlreadyDone
	completionPeriodSettled
)

var errPeriodSettledElsewhere = errors.New("period settled by another payment")

// transition 条件更新状态，仅当前状态在 from 中时生效
func (s *PaymentService) transition(paymentID string, from []string, to string, updates map[string]interface{}, trigger string) (bool, error) {
	values := map[string]interface{}{"updated_at": s.now()}
	for key, value := range updates {
		values[key] = value
	}
	ok, err := s.paymentRepo.TransitionStatus(paymentID, from, to, values)
	if err != nil {
		paymentLogger("payment_id", paymentID, "to", to).Errorw("payment_transition_failed", "error", err)
		return false, ErrPaymentUpdateFailed
	}
	if ok {
		s.metrics.Transition(to, trigger)
		paymentLogger("payment_id", paymentID, "from", from, "to", to, "trigger", trigger).Infow("payment_transition_applied")
	}
	return ok, nil
}

// applyCompletion 在同一事务内完成支付并写入账期结清记录
// 账期已被其他支付结清时回滚，并将本支付转为 failed
func (s *PaymentService) applyCompletion(paymentID string, from []string, transactionID string, trigger string) (completionOutcome, error) {
	now := s.now()
	outcome := completionApplied
	log := paymentLogger("payment_id", paymentID, "trigger", trigger)

	if s.db == nil {
		log.Errorw("payment_complete_db_not_configured")
		return 0, ErrPaymentUpdateFailed
	}
	err := s.db.Transaction(func(tx *gorm.DB) error {
		paymentRepo := s.paymentRepo.WithTx(tx)
		settlementRepo := s.settlementRepo.WithTx(tx)

		payment, err := paymentRepo.GetByID(paymentID)
		if err != nil {
			return err
		}
		if payment == nil {
			return ErrPaymentNotFound
		}
		if payment.Status == constants.PaymentStatusCompleted {
			outcome = completionAlreadyDone
			return nil
		}

		updates := map[string]interface{}{
			"paid_at":    now,
			"updated_at": now,
		}
		if strings.TrimSpace(transactionID) != "" {
			updates["transaction_id"] = transactionID
		}
		ok, err := paymentRepo.TransitionStatus(paymentID, from, constants.PaymentStatusCompleted, updates)
		if err != nil {
			return err
		}
		if !ok {
			current, err := paymentRepo.GetByID(paymentID)
			if err != nil {
				return err
			}
			if current != nil && current.Status == constants.PaymentStatusCompleted {
				outcome = completionAlreadyDone
				return nil
			}
			return ErrPaymentStatusConflict
		}

		created, err := settlementRepo.CreateIfAbsent(&models.PeriodSettlement{
			StudentID:   payment.StudentID,
			PeriodYear:  payment.PeriodYear,
			PeriodMonth: payment.PeriodMonth,
			PaymentID:   payment.ID,
			CreatedAt:   now,
		})
		if err != nil {
			return err
		}
		if !created {
			return errPeriodSettledElsewhere
		}
		return nil
	})

	switch {
	case err == nil:
		if outcome == completionApplied {
			s.metrics.Transition(constants.PaymentStatusCompleted, trigger)
			log.Infow("payment_completed", "transaction_id", transactionID)
		}
		return outcome, nil
	case errors.Is(err, errPeriodSettledElsewhere):
		updates := map[string]interface{}{"failure_reason": constants.FailureReasonPeriodAlreadySettled}
		if strings.TrimSpace(transactionID) != "" {
			updates["transaction_id"] = transactionID
		}
		if _, err := s.transition(paymentID, from, constants.PaymentStatusFailed, updates, trigger); err != nil {
			return 0, err
		}
		log.Errorw("payment_double_settlement_refund_required", "transaction_id", transactionID)
		return completionPeriodSettled, nil
	case errors.Is(err, ErrPaymentNotFound), errors.Is(err, ErrPaymentStatusConflict):
		return 0, err
	default:
		log.Errorw("payment_complete_failed", "error", err)
		return 0, ErrPaymentUpdateFailed
	}
}

// completeGatewayPayment 收银台支付完成
func (s *PaymentService) completeGatewayPayment(payment *models.Payment, transactionID string, trigger string) (completionOutcome, error) {
	return s.applyCompletion(payment.ID, []string{constants.PaymentStatusPending}, transactionID, trigger)
}

// VerifyBankTransfer 人工确认银行转账到账
func (s *PaymentService) VerifyBankTransfer(ctx context.Context, paymentID string) (*models.Payment, error) {
	payment, err := s.loadPayment(paymentID)
	if err != nil {
		return nil, err
	}
	if payment.Method != constants.PaymentMethodBankTransfer {
		return nil, ErrPaymentMethodMismatch
	}
	if payment.Status == constants.PaymentStatusCompleted {
		return payment, nil
	}
	if payment.Status != constants.PaymentStatusAwaitingVerification {
		return nil, ErrPaymentStatusConflict
	}
	outcome, err := s.applyCompletion(payment.ID, []string{constants.PaymentStatusAwaitingVerification}, payment.Reference, "operator")
	if err != nil {
		return nil, err
	}
	return s.afterManualCompletion(ctx, payment.ID, outcome)
}

// ConfirmWallet 钱包支付提交第三方流水号，进入处理中
func (s *PaymentService) ConfirmWallet(ctx context.Context, paymentID string, providerRef string) (*models.Payment, error) {
	providerRef = strings.TrimSpace(providerRef)
	if providerRef == "" || len(providerRef) > 255 {
		return nil, ErrInvalidProviderRef
	}
	payment, err := s.loadPayment(paymentID)
	if err != nil {
		return nil, err
	}
	if !constants.IsWalletMethod(payment.Method) {
		return nil, ErrPaymentMethodMismatch
	}
	switch payment.Status {
	case constants.PaymentStatusProcessing, constants.PaymentStatusCompleted:
		if payment.TransactionID == providerRef {
			return payment, nil
		}
		return nil, ErrPaymentStatusConflict
	case constants.PaymentStatusPending:
	default:
		return nil, ErrPaymentStatusConflict
	}

	ok, err := s.transition(payment.ID, []string{constants.PaymentStatusPending}, constants.PaymentStatusProcessing,
		map[string]interface{}{"transaction_id": providerRef}, "client")
	if err != nil {
		return nil, err
	}
	current, err := s.loadPayment(payment.ID)
	if err != nil {
		return nil, err
	}
	if !ok && !(current.Status == constants.PaymentStatusProcessing && current.TransactionID == providerRef) {
		return nil, ErrPaymentStatusConflict
	}
	return current, nil
}

// CompleteWallet 钱包支付成功
func (s *PaymentService) CompleteWallet(ctx context.Context, paymentID string) (*models.Payment, error) {
	payment, err := s.loadPayment(paymentID)
	if err != nil {
		return nil, err
	}
	if !constants.IsWalletMethod(payment.Method) {
		return nil, ErrPaymentMethodMismatch
	}
	if payment.Status == constants.PaymentStatusCompleted {
		return payment, nil
	}
	if payment.Status != constants.PaymentStatusProcessing {
		return nil, ErrPaymentStatusConflict
	}
	outcome, err := s.applyCompletion(payment.ID, []string{constants.PaymentStatusProcessing}, payment.TransactionID, "operator")
	if err != nil {
		return nil, err
	}
	return s.afterManualCompletion(ctx, payment.ID, outcome)
}

// FailPayment 标记支付失败
func (s *PaymentService) FailPayment(ctx context.Context, paymentID string, reason string) (*models.Payment, error) {
	reason = strings.TrimSpace(reason)
	if reason == "" {
		reason = constants.FailureReasonProviderFailed
	}
	if len(reason) > 255 {
		reason = reason[:255]
	}
	payment, err := s.loadPayment(paymentID)
	if err != nil {
		return nil, err
	}
	if payment.Status == constants.PaymentStatusFailed {
		return payment, nil
	}
	from := []string{constants.PaymentStatusPending, constants.PaymentStatusProcessing, constants.PaymentStatusAwaitingVerification}
	ok, err := s.transition(payment.ID, from, constants.PaymentStatusFailed,
		map[string]interface{}{"failure_reason": reason}, "operator")
	if err != nil {
		return nil, err
	}
	current, err := s.loadPayment(payment.ID)
	if err != nil {
		return nil, err
	}
	if !ok && current.Status != constants.PaymentStatusFailed {
		return nil, ErrPaymentStatusConflict
	}
	if ok && payment.ProviderSessionID != "" {
		s.expireOrphanSession(payment.ProviderSessionID)
	}
	return current, nil
}

func (s *PaymentService) afterManualCompletion(ctx context.Context, paymentID string, outcome completionOutcome) (*models.Payment, error) {
	if outcome == completionApplied {
		s.reconcileAfterCommit(ctx, paymentID)
	}
	current, err := s.loadPayment(paymentID)
	if err != nil {
		return nil, err
	}
	if outcome == completionPeriodSettled {
		return current, ErrPeriodAlreadyPaid
	}
	return current, nil
}
