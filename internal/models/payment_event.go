package models

import "time"

// PaymentEvent 已验签的第三方回调事件
type PaymentEvent struct {
	ID          uint       `gorm:"primarykey" json:"id"`
	Provider    string     `gorm:"type:varchar(32);not null;uniqueIndex:idx_payment_event,priority:1" json:"provider"`
	EventID     string     `gorm:"type:varchar(255);not null;uniqueIndex:idx_payment_event,priority:2" json:"event_id"`
	EventType   string     `gorm:"type:varchar(128);not null" json:"event_type"`
	SessionID   string     `gorm:"type:varchar(255);index" json:"session_id"`
	Payload     JSON       `gorm:"type:json" json:"payload"`
	Result      string     `gorm:"type:varchar(32)" json:"result"`
	ReceivedAt  time.Time  `gorm:"not null" json:"received_at"`
	ProcessedAt *time.Time `json:"processed_at"`
}

// TableName 指定表名
func (PaymentEvent) TableName() string {
	return "payment_events"
}
