package repository

import "time"

// PaymentListFilter 支付列表过滤条件
type PaymentListFilter struct {
	Page            int
	PageSize        int
	StudentID       string
	Method          string
	Status          string
	ReconcileStatus string
	PeriodYear      int
	PeriodMonth     int
	CreatedFrom     *time.Time
	CreatedTo       *time.Time
}

// ReconcileClaim 对账认领条件
type ReconcileClaim struct {
	Now         time.Time
	StaleBefore time.Time // 早于该时间的 claimed 标记视为失效
	MaxAttempts int       // 0 表示不限制
}
