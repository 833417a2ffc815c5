package repository

import (
	"errors"
	"time"

	"github.com/classdues/internal/models"

	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

// PaymentEventRepository 回调事件数据访问接口
type PaymentEventRepository interface {
	Record(event *models.PaymentEvent) (bool, error)
	Get(provider, eventID string) (*models.PaymentEvent, error)
	MarkProcessed(provider, eventID, result string, now time.Time) error
}

// GormPaymentEventRepository GORM 实现
type GormPaymentEventRepository struct {
	db *gorm.DB
}

// NewPaymentEventRepository 创建回调事件仓库
func NewPaymentEventRepository(db *gorm.DB) *GormPaymentEventRepository {
	return &GormPaymentEventRepository{db: db}
}

// Record 记录事件，(provider, event_id) 已存在时返回 false
func (r *GormPaymentEventRepository) Record(event *models.PaymentEvent) (bool, error) {
	result := r.db.Clauses(clause.OnConflict{DoNothing: true}).Create(event)
	if result.Error != nil {
		return false, result.Error
	}
	return result.RowsAffected == 1, nil
}

// Get 获取事件
func (r *GormPaymentEventRepository) Get(provider, eventID string) (*models.PaymentEvent, error) {
	var event models.PaymentEvent
	if err := r.db.Where("provider = ? AND event_id = ?", provider, eventID).First(&event).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, nil
		}
		return nil, err
	}
	return &event, nil
}

// MarkProcessed 标记事件处理完成
func (r *GormPaymentEventRepository) MarkProcessed(provider, eventID, result string, now time.Time) error {
	return r.db.Model(&models.PaymentEvent{}).
		Where("provider = ? AND event_id = ?", provider, eventID).
		Updates(map[string]interface{}{
			"result":       result,
			"processed_at": now,
		}).Error
}
