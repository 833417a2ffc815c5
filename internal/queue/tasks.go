package queue

import (
	"encoding/json"

	"github.com/classdues/internal/constants"

	"github.com/hibiken/asynq"
)

const (
	// TaskPaymentReconcile 支付对账任务
	TaskPaymentReconcile = constants.TaskPaymentReconcile
	// TaskPaymentSweep 过期扫描任务
	TaskPaymentSweep = constants.TaskPaymentSweep
)

// PaymentReconcilePayload 对账任务载荷
type PaymentReconcilePayload struct {
	PaymentID string `json:"payment_id"`
	Attempt   int    `json:"attempt"`
}

// PaymentSweepPayload 过期扫描任务载荷
type PaymentSweepPayload struct {
	Trigger string `json:"trigger"`
}

// NewPaymentReconcileTask 创建对账任务
func NewPaymentReconcileTask(payload PaymentReconcilePayload) (*asynq.Task, error) {
	body, err := json.Marshal(payload)
	if err != nil {
		return nil, err
	}
	return asynq.NewTask(TaskPaymentReconcile, body), nil
}

// NewPaymentSweepTask 创建过期扫描任务
func NewPaymentSweepTask(payload PaymentSweepPayload) (*asynq.Task, error) {
	body, err := json.Marshal(payload)
	if err != nil {
		return nil, err
	}
	return asynq.NewTask(TaskPaymentSweep, body), nil
}
