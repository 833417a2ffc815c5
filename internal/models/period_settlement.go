package models

import (
	"fmt"
	"time"
)

// Period 账期（月份 + 年份）
type Period struct {
	Month int `json:"month"`
	Year  int `json:"year"`
}

// String 返回 YYYY-MM 格式
func (p Period) String() string {
	return fmt.Sprintf("%04d-%02d", p.Year, p.Month)
}

// PeriodSettlement 学生账期结清记录，每个账期仅允许一笔完成的支付
type PeriodSettlement struct {
	ID          uint      `gorm:"primarykey" json:"id"`
	StudentID   string    `gorm:"type:varchar(64);not null;uniqueIndex:idx_settlement_period,priority:1" json:"student_id"`
	PeriodYear  int       `gorm:"not null;uniqueIndex:idx_settlement_period,priority:2" json:"period_year"`
	PeriodMonth int       `gorm:"not null;uniqueIndex:idx_settlement_period,priority:3" json:"period_month"`
	PaymentID   string    `gorm:"type:varchar(36);not null;uniqueIndex" json:"payment_id"`
	CreatedAt   time.Time `json:"created_at"`
}

// TableName 指定表名
func (PeriodSettlement) TableName() string {
	return "period_settlements"
}
