package repository

import (
	"errors"
	"strings"
	"time"

	"github.com/classdues/internal/constants"
	"github.com/classdues/internal/models"

	"gorm.io/gorm"
)

// PaymentRepository 支付数据访问接口
type PaymentRepository interface {
	Create(payment *models.Payment) error
	GetByID(id string) (*models.Payment, error)
	GetBySessionID(sessionID string) (*models.Payment, error)
	GetByReference(reference string) (*models.Payment, error)
	TransitionStatus(id string, from []string, to string, updates map[string]interface{}) (bool, error)
	ListExpiredPending(now time.Time, limit int) ([]models.Payment, error)
	ClaimReconcile(id string, claim ReconcileClaim) (bool, error)
	MarkReconciled(id string, now time.Time) (bool, error)
	MarkReconcileFailed(id string, reason string, now time.Time) (bool, error)
	MarkReconcileExhausted(id string, reason string, maxAttempts int, now time.Time) (bool, error)
	ListReconcileRetryable(claim ReconcileClaim, limit int) ([]models.Payment, error)
	List(filter PaymentListFilter) ([]models.Payment, int64, error)
	WithTx(tx *gorm.DB) *GormPaymentRepository
}

// GormPaymentRepository GORM 实现
type GormPaymentRepository struct {
	db *gorm.DB
}

// NewPaymentRepository 创建支付仓库
func NewPaymentRepository(db *gorm.DB) *GormPaymentRepository {
	return &GormPaymentRepository{db: db}
}

// WithTx 绑定事务
func (r *GormPaymentRepository) WithTx(tx *gorm.DB) *GormPaymentRepository {
	if tx == nil {
		return r
	}
	return &GormPaymentRepository{db: tx}
}

// Create 创建支付记录
func (r *GormPaymentRepository) Create(payment *models.Payment) error {
	return r.db.Create(payment).Error
}

// GetByID 根据 ID 获取支付记录
func (r *GormPaymentRepository) GetByID(id string) (*models.Payment, error) {
	id = strings.TrimSpace(id)
	if id == "" {
		return nil, nil
	}
	var payment models.Payment
	if err := r.db.Where("id = ?", id).First(&payment).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, nil
		}
		return nil, err
	}
	return &payment, nil
}

// GetBySessionID 根据第三方会话ID获取支付记录
func (r *GormPaymentRepository) GetBySessionID(sessionID string) (*models.Payment, error) {
	return r.firstBy("provider_session_id = ?", sessionID)
}

// GetByReference 根据线下参考号获取支付记录
func (r *GormPaymentRepository) GetByReference(reference string) (*models.Payment, error) {
	return r.firstBy("reference = ?", reference)
}

func (r *GormPaymentRepository) firstBy(cond string, value string) (*models.Payment, error) {
	value = strings.TrimSpace(value)
	if value == "" {
		return nil, nil
	}
	var payment models.Payment
	result := r.db.Where(cond, value).Order("created_at desc").Limit(1).Find(&payment)
	if result.Error != nil {
		return nil, result.Error
	}
	if result.RowsAffected == 0 {
		return nil, nil
	}
	return &payment, nil
}

// TransitionStatus 条件更新状态，仅当当前状态属于 from 时生效
func (r *GormPaymentRepository) TransitionStatus(id string, from []string, to string, updates map[string]interface{}) (bool, error) {
	if len(from) == 0 {
		return false, nil
	}
	values := map[string]interface{}{
		"status":     to,
		"updated_at": time.Now().UTC(),
	}
	for key, value := range updates {
		values[key] = value
	}
	result := r.db.Model(&models.Payment{}).
		Where("id = ? AND status IN ?", id, from).
		Updates(values)
	if result.Error != nil {
		return false, result.Error
	}
	return result.RowsAffected == 1, nil
}

// ListExpiredPending 获取已过期仍待支付的记录
func (r *GormPaymentRepository) ListExpiredPending(now time.Time, limit int) ([]models.Payment, error) {
	query := r.db.Where("status = ? AND expires_at IS NOT NULL AND expires_at < ?", constants.PaymentStatusPending, now).
		Order("expires_at asc")
	if limit > 0 {
		query = query.Limit(limit)
	}
	var payments []models.Payment
	if err := query.Find(&payments).Error; err != nil {
		return nil, err
	}
	return payments, nil
}

// ClaimReconcile 原子认领对账标记，done 标记永不重新认领
func (r *GormPaymentRepository) ClaimReconcile(id string, claim ReconcileClaim) (bool, error) {
	query := r.db.Model(&models.Payment{}).
		Where("id = ? AND status = ?", id, constants.PaymentStatusCompleted).
		Where("(reconcile_status IN ? OR (reconcile_status = ? AND reconcile_claimed_at < ?))",
			[]string{constants.ReconcileStatusNone, constants.ReconcileStatusFailed},
			constants.ReconcileStatusClaimed,
			claim.StaleBefore,
		)
	if claim.MaxAttempts > 0 {
		query = query.Where("reconcile_attempts < ?", claim.MaxAttempts)
	}
	result := query.Updates(map[string]interface{}{
		"reconcile_status":     constants.ReconcileStatusClaimed,
		"reconcile_attempts":   gorm.Expr("reconcile_attempts + 1"),
		"reconcile_claimed_at": claim.Now,
		"updated_at":           claim.Now,
	})
	if result.Error != nil {
		return false, result.Error
	}
	return result.RowsAffected == 1, nil
}

// MarkReconciled 标记对账完成
func (r *GormPaymentRepository) MarkReconciled(id string, now time.Time) (bool, error) {
	result := r.db.Model(&models.Payment{}).
		Where("id = ? AND reconcile_status = ?", id, constants.ReconcileStatusClaimed).
		Updates(map[string]interface{}{
			"reconcile_status": constants.ReconcileStatusDone,
			"reconcile_error":  "",
			"reconciled_at":    now,
			"updated_at":       now,
		})
	if result.Error != nil {
		return false, result.Error
	}
	return result.RowsAffected == 1, nil
}

// MarkReconcileFailed 标记对账失败
func (r *GormPaymentRepository) MarkReconcileFailed(id string, reason string, now time.Time) (bool, error) {
	result := r.db.Model(&models.Payment{}).
		Where("id = ? AND reconcile_status = ?", id, constants.ReconcileStatusClaimed).
		Updates(map[string]interface{}{
			"reconcile_status": constants.ReconcileStatusFailed,
			"reconcile_error":  reason,
			"updated_at":       now,
		})
	if result.Error != nil {
		return false, result.Error
	}
	return result.RowsAffected == 1, nil
}

// MarkReconcileExhausted 标记对账失败并用尽自动重试次数，仅运维手动重试可再认领
func (r *GormPaymentRepository) MarkReconcileExhausted(id string, reason string, maxAttempts int, now time.Time) (bool, error) {
	result := r.db.Model(&models.Payment{}).
		Where("id = ? AND reconcile_status = ?", id, constants.ReconcileStatusClaimed).
		Updates(map[string]interface{}{
			"reconcile_status":   constants.ReconcileStatusFailed,
			"reconcile_error":    reason,
			"reconcile_attempts": gorm.Expr("CASE WHEN reconcile_attempts < ? THEN ? ELSE reconcile_attempts END", maxAttempts, maxAttempts),
			"updated_at":         now,
		})
	if result.Error != nil {
		return false, result.Error
	}
	return result.RowsAffected == 1, nil
}

// ListReconcileRetryable 获取可重试对账的已完成支付
// 包含：失败标记、失效的 claimed 标记，以及提交后未来得及认领的空标记
func (r *GormPaymentRepository) ListReconcileRetryable(claim ReconcileClaim, limit int) ([]models.Payment, error) {
	query := r.db.Where("status = ?", constants.PaymentStatusCompleted).
		Where("(reconcile_status = ? OR (reconcile_status = ? AND reconcile_claimed_at < ?) OR (reconcile_status = ? AND updated_at < ?))",
			constants.ReconcileStatusFailed,
			constants.ReconcileStatusClaimed, claim.StaleBefore,
			constants.ReconcileStatusNone, claim.StaleBefore,
		)
	if claim.MaxAttempts > 0 {
		query = query.Where("reconcile_attempts < ?", claim.MaxAttempts)
	}
	if limit > 0 {
		query = query.Limit(limit)
	}
	var payments []models.Payment
	if err := query.Order("updated_at asc").Find(&payments).Error; err != nil {
		return nil, err
	}
	return payments, nil
}

// List 支付列表
func (r *GormPaymentRepository) List(filter PaymentListFilter) ([]models.Payment, int64, error) {
	query := r.db.Model(&models.Payment{})

	if filter.StudentID != "" {
		query = query.Where("student_id = ?", filter.StudentID)
	}
	if filter.Method != "" {
		query = query.Where("method = ?", filter.Method)
	}
	if filter.Status != "" {
		query = query.Where("status = ?", filter.Status)
	}
	if filter.ReconcileStatus != "" {
		query = query.Where("reconcile_status = ?", filter.ReconcileStatus)
	}
	if filter.PeriodYear != 0 {
		query = query.Where("period_year = ?", filter.PeriodYear)
	}
	if filter.PeriodMonth != 0 {
		query = query.Where("period_month = ?", filter.PeriodMonth)
	}
	if filter.CreatedFrom != nil {
		query = query.Where("created_at >= ?", *filter.CreatedFrom)
	}
	if filter.CreatedTo != nil {
		query = query.Where("created_at <= ?", *filter.CreatedTo)
	}

	var total int64
	if err := query.Count(&total).Error; err != nil {
		return nil, 0, err
	}

	query = applyPagination(query, filter.Page, filter.PageSize)

	var payments []models.Payment
	if err := query.Order("created_at desc").Find(&payments).Error; err != nil {
		return nil, 0, err
	}
	return payments, total, nil
}
