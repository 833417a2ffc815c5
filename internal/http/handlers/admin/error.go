package admin

import (
	"errors"

	handlershared "github.com/classdues/internal/http/handlers/shared"
	"github.com/classdues/internal/http/response"
	"github.com/classdues/internal/service"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"
)

func requestLog(c *gin.Context) *zap.SugaredLogger {
	return handlershared.RequestLog(c)
}

func respondError(c *gin.Context, code int, msg string, err error) {
	handlershared.RespondError(c, code, msg, err)
}

type mappedHandlerError struct {
	target error
	code   int
	msg    string
}

func respondWithMappedError(c *gin.Context, err error, rules []mappedHandlerError, fallbackCode int, fallbackMsg string) {
	for _, rule := range rules {
		if errors.Is(err, rule.target) {
			respondError(c, rule.code, rule.msg, nil)
			return
		}
	}
	respondError(c, fallbackCode, fallbackMsg, err)
}

var manualTransitionErrorRules = []mappedHandlerError{
	{target: service.ErrPaymentNotFound, code: response.CodeNotFound, msg: "payment not found"},
	{target: service.ErrPaymentMethodMismatch, code: response.CodeBadRequest, msg: "payment method does not support this operation"},
	{target: service.ErrPaymentStatusConflict, code: response.CodeConflict, msg: "payment status does not allow this transition"},
	{target: service.ErrPeriodAlreadyPaid, code: response.CodeConflict, msg: "billing period already paid"},
}

var reconcileErrorRules = []mappedHandlerError{
	{target: service.ErrPaymentNotFound, code: response.CodeNotFound, msg: "payment not found"},
	{target: service.ErrPaymentStatusConflict, code: response.CodeConflict, msg: "payment is not completed or reconciliation is in progress"},
	{target: service.ErrStudentNotFound, code: response.CodeNotFound, msg: "student not found in ledger"},
	{target: service.ErrReconciliationFailed, code: response.CodeBadGateway, msg: "ledger reconciliation failed"},
}
