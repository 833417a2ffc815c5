package shared

import (
	"github.com/classdues/internal/http/response"
	"github.com/classdues/internal/logger"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"
)

// RequestIDKey gin 上下文中的请求ID键
const RequestIDKey = "request_id"

// RequestLog 提供携带 request_id 的日志实例。
func RequestLog(c *gin.Context) *zap.SugaredLogger {
	if c == nil {
		return logger.S()
	}
	if requestID, ok := c.Get(RequestIDKey); ok {
		if id, ok := requestID.(string); ok && id != "" {
			return logger.SW(RequestIDKey, id)
		}
	}
	return logger.S()
}

// RespondError 返回错误响应，并在有原始错误时记录日志。
func RespondError(c *gin.Context, code int, msg string, err error) {
	appErr := response.WrapError(code, msg, err)
	logAppError(c, appErr)
	response.Error(c, appErr.Code, appErr.Message)
}

// RespondHTTPError 返回带真实 HTTP 状态码的错误响应。
func RespondHTTPError(c *gin.Context, httpStatus int, code int, msg string, err error) {
	appErr := response.WrapError(code, msg, err)
	logAppError(c, appErr)
	response.ErrorWithStatus(c, httpStatus, appErr.Code, appErr.Message)
}

func logAppError(c *gin.Context, appErr *response.AppError) {
	if appErr.Err == nil {
		return
	}
	RequestLog(c).Errorw("handler_error",
		"code", appErr.Code,
		"message", appErr.Message,
		"error", appErr.Err,
	)
}
