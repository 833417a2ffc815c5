package repository

import (
	"errors"

	"github.com/classdues/internal/models"

	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

// SettlementRepository 账期结清数据访问接口
type SettlementRepository interface {
	CreateIfAbsent(settlement *models.PeriodSettlement) (bool, error)
	GetByPeriod(studentID string, year, month int) (*models.PeriodSettlement, error)
	WithTx(tx *gorm.DB) *GormSettlementRepository
}

// GormSettlementRepository GORM 实现
type GormSettlementRepository struct {
	db *gorm.DB
}

// NewSettlementRepository 创建账期结清仓库
func NewSettlementRepository(db *gorm.DB) *GormSettlementRepository {
	return &GormSettlementRepository{db: db}
}

// WithTx 绑定事务
func (r *GormSettlementRepository) WithTx(tx *gorm.DB) *GormSettlementRepository {
	if tx == nil {
		return r
	}
	return &GormSettlementRepository{db: tx}
}

// CreateIfAbsent 写入结清记录，账期已结清时返回 false
func (r *GormSettlementRepository) CreateIfAbsent(settlement *models.PeriodSettlement) (bool, error) {
	result := r.db.Clauses(clause.OnConflict{DoNothing: true}).Create(settlement)
	if result.Error != nil {
		return false, result.Error
	}
	return result.RowsAffected == 1, nil
}

// GetByPeriod 获取学生账期结清记录
func (r *GormSettlementRepository) GetByPeriod(studentID string, year, month int) (*models.PeriodSettlement, error) {
	var settlement models.PeriodSettlement
	err := r.db.Where("student_id = ? AND period_year = ? AND period_month = ?", studentID, year, month).
		First(&settlement).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, nil
		}
		return nil, err
	}
	return &settlement, nil
}
