package models

import (
	"strings"
	"time"

	"github.com/google/uuid"
	"gorm.io/gorm"
)

// Payment 班费支付记录
type Payment struct {
	ID                 string     `gorm:"primaryKey;type:varchar(36)" json:"id"`                                // 支付ID（uuid）
	StudentID          string     `gorm:"type:varchar(64);index;not null" json:"student_id"`                   // 学号
	PeriodMonth        int        `gorm:"not null" json:"period_month"`                                        // 账期月份（1-12）
	PeriodYear         int        `gorm:"not null" json:"period_year"`                                         // 账期年份
	Amount             Money      `gorm:"type:decimal(20,2);not null" json:"amount"`                           // 应付金额（主币单位）
	Currency           string     `gorm:"type:varchar(8);not null" json:"currency"`                            // 币种
	Method             string     `gorm:"type:varchar(32);not null" json:"method"`                             // 支付方式
	Status             string     `gorm:"type:varchar(32);index;not null" json:"status"`                       // 支付状态
	ProviderSessionID  string     `gorm:"type:varchar(255);index" json:"provider_session_id,omitempty"`        // 第三方会话ID
	PayURL             string     `gorm:"type:text" json:"pay_url,omitempty"`                                  // 收银台链接
	Reference          string     `gorm:"type:varchar(64);index" json:"reference,omitempty"`                   // 线下付款参考号
	TransactionID      string     `gorm:"type:varchar(255)" json:"transaction_id,omitempty"`                   // 交易流水号
	FailureReason      string     `gorm:"type:varchar(255)" json:"failure_reason,omitempty"`                   // 失败原因
	ReconcileStatus    string     `gorm:"type:varchar(16);index;not null;default:''" json:"reconcile_status"` // 对账标记
	ReconcileAttempts  int        `gorm:"not null;default:0" json:"reconcile_attempts"`                        // 对账尝试次数
	ReconcileError     string     `gorm:"type:text" json:"reconcile_error,omitempty"`                          // 最近一次对账错误
	ReconcileClaimedAt *time.Time `json:"reconcile_claimed_at,omitempty"`                                      // 对账认领时间
	ReconciledAt       *time.Time `json:"reconciled_at,omitempty"`                                             // 对账完成时间
	CreatedAt          time.Time  `gorm:"index" json:"created_at"`                                             // 创建时间
	UpdatedAt          time.Time  `json:"updated_at"`                                                          // 更新时间
	PaidAt             *time.Time `json:"paid_at,omitempty"`                                                   // 支付时间
	ExpiresAt          *time.Time `gorm:"index" json:"expires_at,omitempty"`                                   // 过期时间（仅收银台方式）
}

// TableName 指定表名
func (Payment) TableName() string {
	return "payments"
}

// BeforeCreate 未指定主键时生成 uuid
func (p *Payment) BeforeCreate(tx *gorm.DB) error {
	if strings.TrimSpace(p.ID) == "" {
		p.ID = uuid.NewString()
	}
	return nil
}

// Period 返回账期
func (p Payment) Period() Period {
	return Period{Month: p.PeriodMonth, Year: p.PeriodYear}
}
