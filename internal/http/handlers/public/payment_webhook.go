package public

import (
	"io"
	"net/http"

	"github.com/classdues/internal/http/response"
	"github.com/classdues/internal/service"

	"github.com/gin-gonic/gin"
)

const webhookBodyLimit = 1 << 20

// StripeWebhook Stripe webhook 回调，签名基于原始请求体
func (h *Handler) StripeWebhook(c *gin.Context) {
	log := requestLog(c)
	body, err := io.ReadAll(io.LimitReader(c.Request.Body, webhookBodyLimit))
	if err != nil {
		log.Warnw("stripe_webhook_body_read_failed", "error", err)
		respondHTTPError(c, http.StatusBadRequest, response.CodeBadRequest, "bad request", err)
		return
	}
	headers := make(map[string]string)
	for key, values := range c.Request.Header {
		if len(values) == 0 {
			continue
		}
		headers[key] = values[0]
	}
	log.Infow("stripe_webhook_received",
		"client_ip", c.ClientIP(),
		"body_size", len(body),
	)

	outcome, err := h.PaymentService.HandleStripeWebhook(service.WebhookCallbackInput{
		Headers: headers,
		Body:    body,
		Context: c.Request.Context(),
	})
	if err != nil {
		log.Warnw("stripe_webhook_handle_failed", "error", err)
		respondWebhookError(c, err)
		return
	}

	resp := gin.H{
		"accepted":   true,
		"event_id":   outcome.EventID,
		"event_type": outcome.EventType,
		"result":     outcome.Result,
		"duplicate":  outcome.Duplicate,
	}
	if outcome.Payment != nil {
		resp["payment_id"] = outcome.Payment.ID
		resp["status"] = outcome.Payment.Status
	}
	response.Success(c, resp)
}
