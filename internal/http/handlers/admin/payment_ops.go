package admin

import (
	"encoding/csv"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	handlershared "github.com/classdues/internal/http/handlers/shared"
	"github.com/classdues/internal/http/response"
	"github.com/classdues/internal/models"
	"github.com/classdues/internal/repository"
	"github.com/classdues/internal/service"

	"github.com/gin-gonic/gin"
)

// FailPaymentRequest 标记失败请求
type FailPaymentRequest struct {
	Reason string `json:"reason"`
}

const paymentExportBatchSize = 500

// VerifyBankTransfer 人工核验银行转账到账
func (h *Handler) VerifyBankTransfer(c *gin.Context) {
	payment, err := h.PaymentService.VerifyBankTransfer(c.Request.Context(), strings.TrimSpace(c.Param("id")))
	h.respondManualTransition(c, "verify_bank_transfer", payment, err)
}

// CompleteWallet 钱包支付确认成功
func (h *Handler) CompleteWallet(c *gin.Context) {
	payment, err := h.PaymentService.CompleteWallet(c.Request.Context(), strings.TrimSpace(c.Param("id")))
	h.respondManualTransition(c, "complete_wallet", payment, err)
}

// FailPayment 标记支付失败
func (h *Handler) FailPayment(c *gin.Context) {
	var req FailPaymentRequest
	if c.Request.ContentLength > 0 {
		if err := c.ShouldBindJSON(&req); err != nil {
			respondError(c, response.CodeBadRequest, "bad request", err)
			return
		}
	}
	payment, err := h.PaymentService.FailPayment(c.Request.Context(), strings.TrimSpace(c.Param("id")), req.Reason)
	h.respondManualTransition(c, "fail_payment", payment, err)
}

func (h *Handler) respondManualTransition(c *gin.Context, action string, payment *models.Payment, err error) {
	if err != nil {
		// 账期已被其他支付结清：本笔已转为失败，需要人工退款
		if errors.Is(err, service.ErrPeriodAlreadyPaid) && payment != nil {
			requestLog(c).Warnw("ops_payment_period_settled_elsewhere", "action", action, "payment_id", payment.ID)
			response.ErrorWithData(c, response.CodeConflict, "billing period already paid, refund required", gin.H{
				"payment_id":     payment.ID,
				"status":         payment.Status,
				"failure_reason": payment.FailureReason,
			})
			return
		}
		respondWithMappedError(c, err, manualTransitionErrorRules, response.CodeInternal, "payment update failed")
		return
	}
	requestLog(c).Infow("ops_payment_action_done", "action", action, "payment_id", payment.ID, "status", payment.Status)
	response.Success(c, payment)
}

// RetryReconciliation 手动重试对账
func (h *Handler) RetryReconciliation(c *gin.Context) {
	result, err := h.PaymentService.RetryReconciliation(c.Request.Context(), strings.TrimSpace(c.Param("id")))
	if err != nil {
		respondWithMappedError(c, err, reconcileErrorRules, response.CodeInternal, "reconciliation failed")
		return
	}
	response.Success(c, gin.H{
		"payment_id": result.PaymentID,
		"claimed":    result.Claimed,
		"attempt":    result.Attempt,
	})
}

// RetryFailedReconciliations 批量重扫失败对账
func (h *Handler) RetryFailedReconciliations(c *gin.Context) {
	done, err := h.PaymentService.RetryFailedReconciliations(c.Request.Context())
	if err != nil {
		respondError(c, response.CodeInternal, "reconciliation scan failed", err)
		return
	}
	response.Success(c, gin.H{"reconciled": done})
}

// SweepPayments 立即执行过期扫描
func (h *Handler) SweepPayments(c *gin.Context) {
	expired, err := h.SweeperService.Sweep(c.Request.Context())
	if err != nil {
		respondError(c, response.CodeInternal, "sweep failed", err)
		return
	}
	response.Success(c, gin.H{"expired": expired})
}

// ListPayments 支付列表
func (h *Handler) ListPayments(c *gin.Context) {
	page, pageSize := handlershared.NormalizePagination(handlershared.QueryInt(c, "page"), handlershared.QueryInt(c, "page_size"))
	filter, err := buildPaymentFilter(c, page, pageSize)
	if err != nil {
		respondError(c, response.CodeBadRequest, "bad request", err)
		return
	}
	payments, total, err := h.PaymentService.ListPayments(filter)
	if err != nil {
		respondError(c, response.CodeInternal, "payment fetch failed", err)
		return
	}
	response.SuccessWithPage(c, payments, response.BuildPagination(page, pageSize, total))
}

// GetPayment 支付详情
func (h *Handler) GetPayment(c *gin.Context) {
	detail, err := h.PaymentService.PaymentDetail(c.Request.Context(), strings.TrimSpace(c.Param("id")))
	if err != nil {
		respondWithMappedError(c, err, manualTransitionErrorRules, response.CodeInternal, "payment fetch failed")
		return
	}
	response.Success(c, detail.Payment)
}

// ExportPayments 导出支付记录 CSV
func (h *Handler) ExportPayments(c *gin.Context) {
	filter, err := buildPaymentFilter(c, 1, paymentExportBatchSize)
	if err != nil {
		respondError(c, response.CodeBadRequest, "bad request", err)
		return
	}
	payments, _, err := h.PaymentService.ListPayments(filter)
	if err != nil {
		respondError(c, response.CodeInternal, "payment fetch failed", err)
		return
	}

	filename := fmt.Sprintf("payments_%s.csv", time.Now().Format("20060102_150405"))
	c.Header("Content-Type", "text/csv; charset=utf-8")
	c.Header("Content-Disposition", fmt.Sprintf("attachment; filename=\"%s\"", filename))

	writer := csv.NewWriter(c.Writer)
	if err := writer.Write([]string{
		"id",
		"student_id",
		"period",
		"method",
		"status",
		"amount",
		"currency",
		"reference",
		"transaction_id",
		"reconcile_status",
		"created_at",
		"paid_at",
	}); err != nil {
		requestLog(c).Errorw("ops_payment_export_header_write_failed", "error", err)
		return
	}

	page := 1
	for {
		for _, payment := range payments {
			if err := writer.Write(paymentCSVRow(payment)); err != nil {
				requestLog(c).Errorw("ops_payment_export_rows_write_failed", "page", page, "error", err)
				return
			}
		}
		writer.Flush()
		if err := writer.Error(); err != nil {
			requestLog(c).Errorw("ops_payment_export_flush_failed", "page", page, "error", err)
			return
		}
		if len(payments) < paymentExportBatchSize {
			break
		}
		page++
		filter.Page = page
		payments, _, err = h.PaymentService.ListPayments(filter)
		if err != nil {
			requestLog(c).Errorw("ops_payment_export_batch_fetch_failed", "page", page, "error", err)
			return
		}
	}
}

func paymentCSVRow(payment models.Payment) []string {
	return []string{
		payment.ID,
		payment.StudentID,
		payment.Period().String(),
		payment.Method,
		payment.Status,
		payment.Amount.StringFixed(2),
		payment.Currency,
		payment.Reference,
		payment.TransactionID,
		payment.ReconcileStatus,
		payment.CreatedAt.UTC().Format(time.RFC3339),
		formatTimeNullable(payment.PaidAt),
	}
}

func formatTimeNullable(raw *time.Time) string {
	if raw == nil {
		return ""
	}
	return raw.UTC().Format(time.RFC3339)
}

func parseTimeNullable(raw string) (*time.Time, error) {
	if raw == "" {
		return nil, nil
	}
	if parsed, err := time.Parse(time.RFC3339, raw); err == nil {
		return &parsed, nil
	}
	parsed, err := time.Parse("2006-01-02", raw)
	if err != nil {
		return nil, err
	}
	return &parsed, nil
}

func parseQueryInt(c *gin.Context, key string, min, max int) (int, error) {
	raw := strings.TrimSpace(c.Query(key))
	if raw == "" {
		return 0, nil
	}
	value, err := strconv.Atoi(raw)
	if err != nil || value < min || value > max {
		return 0, fmt.Errorf("invalid %s", key)
	}
	return value, nil
}

func buildPaymentFilter(c *gin.Context, page, pageSize int) (repository.PaymentListFilter, error) {
	month, err := parseQueryInt(c, "month", 1, 12)
	if err != nil {
		return repository.PaymentListFilter{}, err
	}
	year, err := parseQueryInt(c, "year", 2000, 9999)
	if err != nil {
		return repository.PaymentListFilter{}, err
	}
	createdFrom, err := parseTimeNullable(strings.TrimSpace(c.Query("created_from")))
	if err != nil {
		return repository.PaymentListFilter{}, err
	}
	createdTo, err := parseTimeNullable(strings.TrimSpace(c.Query("created_to")))
	if err != nil {
		return repository.PaymentListFilter{}, err
	}
	return repository.PaymentListFilter{
		Page:            page,
		PageSize:        pageSize,
		StudentID:       strings.TrimSpace(c.Query("student_id")),
		Method:          strings.TrimSpace(c.Query("method")),
		Status:          strings.TrimSpace(c.Query("status")),
		ReconcileStatus: strings.TrimSpace(c.Query("reconcile_status")),
		PeriodMonth:     month,
		PeriodYear:      year,
		CreatedFrom:     createdFrom,
		CreatedTo:       createdTo,
	}, nil
}
