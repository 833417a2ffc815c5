package service

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/classdues/internal/constants"
	"github.com/classdues/internal/ledger"
	"github.com/classdues/internal/metrics"
	"github.com/classdues/internal/queue"
	"github.com/classdues/internal/repository"
)

const (
	defaultReconcileMaxAttempts  = 8
	defaultReconcileRetryDelay   = 30 * time.Second
	defaultReconcileClaimTimeout = 5 * time.Minute
	reconcileScanBatchSize       = 100
)

// ReconcileResult 单次对账结果
type ReconcileResult struct {
	PaymentID string
	Claimed   bool
	Attempt   int
	Err       error
}

func (s *PaymentService) maxReconcileAttempts() int {
	if s.reconcileCfg.MaxAttempts > 0 {
		return s.reconcileCfg.MaxAttempts
	}
	return defaultReconcileMaxAttempts
}

func (s *PaymentService) reconcileRetryDelay() time.Duration {
	if s.reconcileCfg.RetryDelaySeconds > 0 {
		return time.Duration(s.reconcileCfg.RetryDelaySeconds) * time.Second
	}
	return defaultReconcileRetryDelay
}

func (s *PaymentService) reconcileClaimTimeout() time.Duration {
	if s.reconcileCfg.ClaimTimeoutSeconds > 0 {
		return time.Duration(s.reconcileCfg.ClaimTimeoutSeconds) * time.Second
	}
	return defaultReconcileClaimTimeout
}

func (s *PaymentService) reconcileClaim(maxAttempts int) repository.ReconcileClaim {
	now := s.now()
	return repository.ReconcileClaim{
		Now:         now,
		StaleBefore: now.Add(-s.reconcileClaimTimeout()),
		MaxAttempts: maxAttempts,
	}
}

// reconcileAfterCommit 完成事务提交后写入外部账本，失败不回滚支付状态
func (s *PaymentService) reconcileAfterCommit(ctx context.Context, paymentID string) {
	result := s.reconcile(ctx, paymentID, s.maxReconcileAttempts())
	if result.Err != nil {
		paymentLogger("payment_id", paymentID, "attempt", result.Attempt).
			Warnw("payment_reconcile_deferred", "error", result.Err)
	}
}

// reconcile 认领对账标记后写一次账本
func (s *PaymentService) reconcile(ctx context.Context, paymentID string, maxAttempts int) ReconcileResult {
	if ctx == nil {
		ctx = context.Background()
	}
	result := ReconcileResult{PaymentID: paymentID}
	log := paymentLogger("payment_id", paymentID)

	claimed, err := s.paymentRepo.ClaimReconcile(paymentID, s.reconcileClaim(maxAttempts))
	if err != nil {
		log.Errorw("payment_reconcile_claim_failed", "error", err)
		result.Err = ErrPaymentUpdateFailed
		return result
	}
	if !claimed {
		s.metrics.Reconcile(metrics.ReconcileResultSkipped)
		log.Debugw("payment_reconcile_not_claimed")
		return result
	}
	result.Claimed = true

	payment, err := s.paymentRepo.GetByID(paymentID)
	if err != nil || payment == nil {
		log.Errorw("payment_reconcile_fetch_failed", "error", err)
		result.Err = ErrPaymentUpdateFailed
		return result
	}
	result.Attempt = payment.ReconcileAttempts
	log = log.With("attempt", payment.ReconcileAttempts, "student_id", payment.StudentID, "period", payment.Period().String())

	if s.ledger == nil {
		writeErr := fmt.Errorf("%w: ledger client not configured", ErrLedgerUnavailable)
		s.markReconcileFailed(payment.ID, payment.ReconcileAttempts, maxAttempts, writeErr)
		result.Err = writeErr
		return result
	}

	reference := payment.Reference
	if reference == "" {
		reference = payment.TransactionID
	}
	callCtx, cancel := context.WithTimeout(ctx, s.ledgerTimeout)
	started := time.Now()
	writeErr := s.ledger.WriteAmount(callCtx, ledger.WriteInput{
		StudentID: payment.StudentID,
		Month:     payment.PeriodMonth,
		Year:      payment.PeriodYear,
		Amount:    payment.Amount.Decimal,
		Reference: reference,
		PaymentID: payment.ID,
		At:        s.clock.Now(),
	})
	cancel()
	s.metrics.ObserveLedger("write_amount", started, writeErr)

	if writeErr != nil {
		mapped := mapLedgerError(writeErr)
		result.Err = fmt.Errorf("%w: %w", ErrReconciliationFailed, mapped)
		if isPermanentLedgerError(writeErr) {
			s.markReconcileExhausted(payment.ID, payment.ReconcileAttempts, writeErr)
			return result
		}
		log.Errorw("payment_reconcile_failed", "error", writeErr)
		s.markReconcileFailed(payment.ID, payment.ReconcileAttempts, maxAttempts, writeErr)
		return result
	}

	ok, err := s.paymentRepo.MarkReconciled(payment.ID, s.now())
	if err != nil || !ok {
		// 账本已写入，标记保持 claimed，超时后由重扫处理
		log.Errorw("payment_reconcile_mark_done_failed", "error", err, "updated", ok)
		result.Err = ErrPaymentUpdateFailed
		return result
	}
	s.metrics.Reconcile(metrics.ReconcileResultDone)
	log.Infow("payment_reconciled")
	return result
}

// markReconcileExhausted 永久性账本错误不再自动重试，等待运维处理
func (s *PaymentService) markReconcileExhausted(paymentID string, attempt int, cause error) {
	log := paymentLogger("payment_id", paymentID, "attempt", attempt)
	if _, err := s.paymentRepo.MarkReconcileExhausted(paymentID, truncateReason(cause), s.maxReconcileAttempts(), s.now()); err != nil {
		log.Errorw("payment_reconcile_mark_failed_failed", "error", err)
	}
	s.metrics.Reconcile(metrics.ReconcileResultFailed)
	log.Errorw("payment_reconcile_needs_operator", "error", cause)
}

func truncateReason(cause error) string {
	reason := cause.Error()
	if len(reason) > 1000 {
		reason = reason[:1000]
	}
	return reason
}

func (s *PaymentService) markReconcileFailed(paymentID string, attempt int, maxAttempts int, cause error) {
	log := paymentLogger("payment_id", paymentID, "attempt", attempt)
	if _, err := s.paymentRepo.MarkReconcileFailed(paymentID, truncateReason(cause), s.now()); err != nil {
		log.Errorw("payment_reconcile_mark_failed_failed", "error", err)
	}
	s.metrics.Reconcile(metrics.ReconcileResultFailed)

	if maxAttempts > 0 && attempt >= maxAttempts {
		log.Errorw("payment_reconcile_exhausted", "max_attempts", maxAttempts)
		return
	}
	if s.queue == nil {
		return
	}
	delay := s.reconcileRetryDelay() * time.Duration(attempt)
	if err := s.queue.EnqueuePaymentReconcile(queue.PaymentReconcilePayload{PaymentID: paymentID, Attempt: attempt}, delay); err != nil {
		log.Warnw("payment_reconcile_enqueue_failed", "error", err)
		return
	}
	log.Infow("payment_reconcile_retry_scheduled", "delay", delay.String())
}

// RetryReconciliation 运维手动重试对账，不受最大次数限制
func (s *PaymentService) RetryReconciliation(ctx context.Context, paymentID string) (*ReconcileResult, error) {
	payment, err := s.loadPayment(paymentID)
	if err != nil {
		return nil, err
	}
	if payment.Status != constants.PaymentStatusCompleted {
		return nil, ErrPaymentStatusConflict
	}
	if payment.ReconcileStatus == constants.ReconcileStatusDone {
		return &ReconcileResult{PaymentID: payment.ID, Attempt: payment.ReconcileAttempts}, nil
	}
	result := s.reconcile(ctx, paymentID, 0)
	if result.Err != nil {
		return &result, result.Err
	}
	if !result.Claimed {
		return &result, ErrPaymentStatusConflict
	}
	return &result, nil
}

// ProcessReconcileTask 队列任务对账，受最大次数限制
func (s *PaymentService) ProcessReconcileTask(ctx context.Context, payload queue.PaymentReconcilePayload) error {
	result := s.reconcile(ctx, payload.PaymentID, s.maxReconcileAttempts())
	if result.Err != nil && !errors.Is(result.Err, ErrReconciliationFailed) {
		return result.Err
	}
	// 对账失败已记录在标记上并自行安排重试
	return nil
}

// RetryFailedReconciliations 重扫失败或认领超时的对账，返回成功数
func (s *PaymentService) RetryFailedReconciliations(ctx context.Context) (int, error) {
	payments, err := s.paymentRepo.ListReconcileRetryable(s.reconcileClaim(s.maxReconcileAttempts()), reconcileScanBatchSize)
	if err != nil {
		paymentLogger().Errorw("payment_reconcile_scan_failed", "error", err)
		return 0, ErrPaymentUpdateFailed
	}
	done := 0
	for _, payment := range payments {
		if ctx != nil && ctx.Err() != nil {
			return done, ctx.Err()
		}
		result := s.reconcile(ctx, payment.ID, s.maxReconcileAttempts())
		if result.Claimed && result.Err == nil {
			done++
		}
	}
	if len(payments) > 0 {
		paymentLogger("candidates", len(payments), "reconciled", done).Infow("payment_reconcile_scan_finished")
	}
	return done, nil
}

// mapLedgerError 将账本错误映射为服务错误
func mapLedgerError(err error) error {
	switch {
	case err == nil:
		return nil
	case errors.Is(err, ledger.ErrStudentNotFound):
		return ErrStudentNotFound
	case errors.Is(err, ledger.ErrUnmappedMonth):
		return ErrInvalidPeriod
	default:
		return ErrLedgerUnavailable
	}
}

// isPermanentLedgerError 名单缺失或月份无列，重试无法自愈
func isPermanentLedgerError(err error) bool {
	return errors.Is(err, ledger.ErrStudentNotFound) || errors.Is(err, ledger.ErrUnmappedMonth)
}
