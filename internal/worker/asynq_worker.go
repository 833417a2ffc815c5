package worker

import (
	"context"
	"encoding/json"
	"errors"
	"strings"

	"github.com/classdues/internal/logger"
	"github.com/classdues/internal/provider"
	"github.com/classdues/internal/queue"
	"github.com/classdues/internal/service"

	"github.com/hibiken/asynq"
)

// Consumer 异步任务消费者
type Consumer struct {
	*provider.Container
}

// NewConsumer 创建消费者
func NewConsumer(c *provider.Container) *Consumer {
	return &Consumer{
		Container: c,
	}
}

// Register 注册消费者
func (c *Consumer) Register(mux *asynq.ServeMux) {
	if c == nil || mux == nil {
		logger.Debugw("worker_register_skip_nil", "consumer_nil", c == nil, "mux_nil", mux == nil)
		return
	}
	mux.HandleFunc(queue.TaskPaymentReconcile, c.handlePaymentReconcile)
	mux.HandleFunc(queue.TaskPaymentSweep, c.handlePaymentSweep)
}

func (c *Consumer) handlePaymentReconcile(ctx context.Context, task *asynq.Task) error {
	if c == nil || task == nil {
		logger.Debugw("worker_payment_reconcile_skip_nil", "consumer_nil", c == nil, "task_nil", task == nil)
		return nil
	}
	var payload queue.PaymentReconcilePayload
	if err := json.Unmarshal(task.Payload(), &payload); err != nil {
		logger.Warnw("worker_payment_reconcile_unmarshal_failed", "error", err)
		return err
	}
	payload.PaymentID = strings.TrimSpace(payload.PaymentID)
	if payload.PaymentID == "" {
		logger.Debugw("worker_payment_reconcile_skip_invalid_payload")
		return nil
	}
	if c.PaymentService == nil {
		logger.Warnw("worker_payment_reconcile_skip_service_nil", "payment_id", payload.PaymentID)
		return nil
	}
	if err := c.PaymentService.ProcessReconcileTask(ctx, payload); err != nil {
		switch {
		case errors.Is(err, service.ErrPaymentNotFound):
			logger.Debugw("worker_payment_reconcile_skip_not_found", "payment_id", payload.PaymentID)
			return nil
		default:
			logger.Warnw("worker_payment_reconcile_failed", "payment_id", payload.PaymentID, "attempt", payload.Attempt, "error", err)
			return err
		}
	}
	return nil
}

func (c *Consumer) handlePaymentSweep(ctx context.Context, task *asynq.Task) error {
	if c == nil || task == nil {
		logger.Debugw("worker_payment_sweep_skip_nil", "consumer_nil", c == nil, "task_nil", task == nil)
		return nil
	}
	var payload queue.PaymentSweepPayload
	if len(task.Payload()) > 0 {
		if err := json.Unmarshal(task.Payload(), &payload); err != nil {
			logger.Warnw("worker_payment_sweep_unmarshal_failed", "error", err)
			return err
		}
	}
	logger.Debugw("worker_payment_sweep_triggered", "trigger", payload.Trigger)
	return c.RunSweep(ctx)
}

// RunSweep 执行一次过期扫描
func (c *Consumer) RunSweep(ctx context.Context) error {
	if c == nil || c.Container == nil || c.SweeperService == nil {
		return nil
	}
	expired, err := c.SweeperService.Sweep(ctx)
	if err != nil {
		return err
	}
	if expired > 0 {
		logger.Infow("worker_payment_sweep_done", "expired", expired)
	}
	return nil
}

// RunReconcileScan 重扫待补写的对账
func (c *Consumer) RunReconcileScan(ctx context.Context) error {
	if c == nil || c.Container == nil || c.PaymentService == nil {
		return nil
	}
	done, err := c.PaymentService.RetryFailedReconciliations(ctx)
	if err != nil {
		return err
	}
	if done > 0 {
		logger.Infow("worker_payment_reconcile_scan_done", "reconciled", done)
	}
	return nil
}
