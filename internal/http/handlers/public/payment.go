package public

import (
	"strings"

	handlershared "github.com/classdues/internal/http/handlers/shared"
	"github.com/classdues/internal/http/response"
	"github.com/classdues/internal/models"
	"github.com/classdues/internal/service"

	"github.com/gin-gonic/gin"
)

// PeriodRequest 账期
type PeriodRequest struct {
	Month int `json:"month" binding:"required"`
	Year  int `json:"year" binding:"required"`
}

// InitiatePaymentRequest 发起支付请求
type InitiatePaymentRequest struct {
	StudentID string        `json:"student_id" binding:"required"`
	Period    PeriodRequest `json:"period" binding:"required"`
	Method    string        `json:"method" binding:"required"`
}

// WalletConfirmRequest 钱包确认请求
type WalletConfirmRequest struct {
	ProviderRef string `json:"provider_ref" binding:"required"`
}

// InitiatePayment 发起班费支付
func (h *Handler) InitiatePayment(c *gin.Context) {
	var req InitiatePaymentRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		respondError(c, response.CodeBadRequest, "bad request", err)
		return
	}

	result, err := h.PaymentService.Initiate(service.InitiateInput{
		StudentID: req.StudentID,
		Month:     req.Period.Month,
		Year:      req.Period.Year,
		Method:    req.Method,
		ClientIP:  c.ClientIP(),
		Context:   c.Request.Context(),
	})
	if err != nil {
		respondWithMappedError(c, err, paymentInitiateErrorRules, response.CodeInternal, "payment initiate failed")
		return
	}

	resp := paymentView(result.Payment)
	if result.ProviderSessionID != "" {
		resp["session_id"] = result.ProviderSessionID
	}
	if result.PayURL != "" {
		resp["pay_url"] = result.PayURL
	}
	if result.Reference != "" {
		resp["reference"] = result.Reference
	}
	if result.ManualInstructions != nil {
		resp["manual_instructions"] = result.ManualInstructions
	}
	response.Success(c, resp)
}

// GetPayment 支付详情（银行转账附带收款说明）
func (h *Handler) GetPayment(c *gin.Context) {
	paymentID := strings.TrimSpace(c.Param("id"))
	detail, err := h.PaymentService.PaymentDetail(c.Request.Context(), paymentID)
	if err != nil {
		respondWithMappedError(c, err, paymentLookupErrorRules, response.CodeInternal, "payment fetch failed")
		return
	}
	resp := paymentView(detail.Payment)
	if detail.ManualInstructions != nil {
		resp["manual_instructions"] = detail.ManualInstructions
	}
	response.Success(c, resp)
}

// GetPaymentStatus 按支付ID查询状态，refresh=1 时向支付服务商刷新
func (h *Handler) GetPaymentStatus(c *gin.Context) {
	h.respondPaymentStatus(c, service.StatusQuery{
		PaymentID: strings.TrimSpace(c.Param("id")),
		Refresh:   handlershared.QueryBool(c, "refresh"),
	})
}

// GetPaymentStatusBySession 按收银台会话查询状态（支付成功跳转页使用）
func (h *Handler) GetPaymentStatusBySession(c *gin.Context) {
	h.respondPaymentStatus(c, service.StatusQuery{
		SessionID: strings.TrimSpace(c.Param("session_id")),
		Refresh:   true,
	})
}

func (h *Handler) respondPaymentStatus(c *gin.Context, query service.StatusQuery) {
	payment, err := h.PaymentService.GetPaymentStatus(c.Request.Context(), query)
	if err != nil {
		respondWithMappedError(c, err, paymentStatusErrorRules, response.CodeInternal, "payment status failed")
		return
	}
	response.Success(c, gin.H{
		"payment_id":   payment.ID,
		"status":       payment.Status,
		"student_id":   payment.StudentID,
		"period_month": payment.PeriodMonth,
		"period_year":  payment.PeriodYear,
		"paid_at":      payment.PaidAt,
	})
}

// ConfirmWallet 钱包支付回传凭证
func (h *Handler) ConfirmWallet(c *gin.Context) {
	var req WalletConfirmRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		respondError(c, response.CodeBadRequest, "bad request", err)
		return
	}
	payment, err := h.PaymentService.ConfirmWallet(c.Request.Context(), strings.TrimSpace(c.Param("id")), req.ProviderRef)
	if err != nil {
		respondWithMappedError(c, err, walletConfirmErrorRules, response.CodeInternal, "wallet confirm failed")
		return
	}
	response.Success(c, paymentView(payment))
}

func paymentView(payment *models.Payment) gin.H {
	if payment == nil {
		return gin.H{}
	}
	return gin.H{
		"payment_id":   payment.ID,
		"student_id":   payment.StudentID,
		"period_month": payment.PeriodMonth,
		"period_year":  payment.PeriodYear,
		"amount":       payment.Amount,
		"currency":     payment.Currency,
		"method":       payment.Method,
		"status":       payment.Status,
		"expires_at":   payment.ExpiresAt,
		"created_at":   payment.CreatedAt,
	}
}
