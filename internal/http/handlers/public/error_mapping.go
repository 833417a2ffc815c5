package public

import (
	"errors"
	"net/http"

	"github.com/classdues/internal/http/response"
	"github.com/classdues/internal/service"

	"github.com/gin-gonic/gin"
)

// mappedHandlerError 定义业务错误到接口错误响应的映射关系。
type mappedHandlerError struct {
	target error
	code   int
	msg    string
}

func matchMappedError(err error, rules []mappedHandlerError) (mappedHandlerError, bool) {
	for _, rule := range rules {
		if errors.Is(err, rule.target) {
			return rule, true
		}
	}
	return mappedHandlerError{}, false
}

func respondWithMappedError(c *gin.Context, err error, rules []mappedHandlerError, fallbackCode int, fallbackMsg string) {
	if rule, ok := matchMappedError(err, rules); ok {
		respondError(c, rule.code, rule.msg, nil)
		return
	}
	respondError(c, fallbackCode, fallbackMsg, err)
}

func concatMappedHandlerErrors(groups ...[]mappedHandlerError) []mappedHandlerError {
	total := 0
	for _, group := range groups {
		total += len(group)
	}
	result := make([]mappedHandlerError, 0, total)
	for _, group := range groups {
		result = append(result, group...)
	}
	return result
}

var paymentLookupErrorRules = []mappedHandlerError{
	{target: service.ErrPaymentNotFound, code: response.CodeNotFound, msg: "payment not found"},
}

var paymentInitiateErrorRules = concatMappedHandlerErrors(rosterErrorRules, []mappedHandlerError{
	{target: service.ErrInvalidMethod, code: response.CodeBadRequest, msg: "invalid payment method"},
	{target: service.ErrInvalidPeriod, code: response.CodeBadRequest, msg: "invalid billing period"},
	{target: service.ErrInvalidStudent, code: response.CodeBadRequest, msg: "invalid student id"},
	{target: service.ErrPeriodAlreadyPaid, code: response.CodeConflict, msg: "billing period already paid"},
	{target: service.ErrInvalidAmount, code: response.CodeBadRequest, msg: "invalid payment amount"},
	{target: service.ErrProviderUnavailable, code: response.CodeBadGateway, msg: "payment provider unavailable"},
	{target: service.ErrProviderResponseInvalid, code: response.CodeBadGateway, msg: "payment provider response invalid"},
})

var paymentStatusErrorRules = concatMappedHandlerErrors(paymentLookupErrorRules, []mappedHandlerError{
	{target: service.ErrProviderUnavailable, code: response.CodeBadGateway, msg: "payment provider unavailable"},
})

var walletConfirmErrorRules = concatMappedHandlerErrors(paymentLookupErrorRules, []mappedHandlerError{
	{target: service.ErrInvalidProviderRef, code: response.CodeBadRequest, msg: "invalid provider reference"},
	{target: service.ErrPaymentMethodMismatch, code: response.CodeBadRequest, msg: "payment method does not support this operation"},
	{target: service.ErrPaymentStatusConflict, code: response.CodeConflict, msg: "payment status does not allow this transition"},
})

var rosterErrorRules = []mappedHandlerError{
	{target: service.ErrStudentNotFound, code: response.CodeNotFound, msg: "student not found"},
	{target: service.ErrLedgerUnavailable, code: response.CodeServiceUnavailable, msg: "ledger unavailable"},
}

// webhookHTTPErrorRules 回调错误使用真实 HTTP 状态码，以便支付服务商重试
var webhookHTTPErrorRules = []struct {
	target     error
	httpStatus int
	msg        string
}{
	{target: service.ErrWebhookSignatureInvalid, httpStatus: http.StatusBadRequest, msg: "webhook signature invalid"},
	{target: service.ErrPaymentNotFound, httpStatus: http.StatusNotFound, msg: "payment not found"},
}

func respondWebhookError(c *gin.Context, err error) {
	for _, rule := range webhookHTTPErrorRules {
		if errors.Is(err, rule.target) {
			respondHTTPError(c, rule.httpStatus, rule.httpStatus, rule.msg, nil)
			return
		}
	}
	respondHTTPError(c, http.StatusInternalServerError, response.CodeInternal, "webhook processing failed", err)
}
