package stripe

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"math"
	"strconv"
	"strings"
	"time"
)

// 回调事件对支付的影响
const (
	ActionComplete = "complete"
	ActionFail     = "fail"
	ActionExpire   = "expire"
	ActionIgnore   = "ignore"
)

// WebhookResult Stripe Webhook 解析结果
type WebhookResult struct {
	EventID         string
	EventType       string
	Action          string
	SessionID       string
	PaymentIntentID string
	PaymentStatus   string
	PaymentID       string
	StudentID       string
	Amount          string
	Currency        string
	Raw             map[string]interface{}
}

// VerifyAndParseWebhook 校验签名并解析 Checkout 事件
func VerifyAndParseWebhook(cfg *Config, headers map[string]string, body []byte, now time.Time) (*WebhookResult, error) {
	if cfg == nil {
		return nil, fmt.Errorf("%w: config is nil", ErrConfigInvalid)
	}
	if strings.TrimSpace(cfg.WebhookSecret) == "" {
		return nil, fmt.Errorf("%w: webhook_secret is required", ErrConfigInvalid)
	}
	if len(body) == 0 {
		return nil, fmt.Errorf("%w: body is empty", ErrSignatureInvalid)
	}
	if now.IsZero() {
		now = time.Now()
	}

	signatureHeader := getHeaderValue(headers, "Stripe-Signature")
	if signatureHeader == "" {
		return nil, fmt.Errorf("%w: Stripe-Signature is required", ErrSignatureInvalid)
	}
	timestamp, signatures, err := parseSignatureHeader(signatureHeader)
	if err != nil {
		return nil, err
	}
	tolerance := cfg.WebhookToleranceSeconds
	if tolerance <= 0 {
		tolerance = defaultWebhookToleranceS
	}
	if math.Abs(float64(now.Unix()-timestamp)) > float64(tolerance) {
		return nil, fmt.Errorf("%w: timestamp outside tolerance", ErrSignatureInvalid)
	}

	expected := computeSignature(cfg.WebhookSecret, timestamp, body)
	matched := false
	for _, sig := range signatures {
		if hmac.Equal([]byte(sig), []byte(expected)) {
			matched = true
			break
		}
	}
	if !matched {
		return nil, fmt.Errorf("%w: verify failed", ErrSignatureInvalid)
	}

	eventRaw, err := decodeRawMap(body)
	if err != nil {
		return nil, err
	}
	eventType := readString(eventRaw, "type")
	eventID := readString(eventRaw, "id")
	if eventType == "" || eventID == "" {
		return nil, fmt.Errorf("%w: missing event id or type", ErrResponseInvalid)
	}
	objectRaw := readMap(readMap(eventRaw, "data"), "object")
	if objectRaw == nil {
		return nil, fmt.Errorf("%w: missing event object", ErrResponseInvalid)
	}

	result := &WebhookResult{
		EventID:   eventID,
		EventType: eventType,
		Raw:       eventRaw,
	}
	fillWebhookResult(result, objectRaw)
	return result, nil
}

func fillWebhookResult(result *WebhookResult, objectRaw map[string]interface{}) {
	if readString(objectRaw, "object") != "checkout.session" {
		result.Action = ActionIgnore
		return
	}
	session := parseSession(objectRaw)
	result.SessionID = session.SessionID
	result.PaymentIntentID = session.PaymentIntentID
	result.PaymentStatus = session.PaymentStatus
	result.PaymentID = session.PaymentID
	result.StudentID = readString(readMap(objectRaw, "metadata"), "student_id")
	result.Amount = session.Amount
	result.Currency = session.Currency
	result.Action = mapEventAction(result.EventType, result.PaymentStatus)
}

// mapEventAction 事件类型映射：completed 仅在已付款时视为完成，异步支付等待后续事件
func mapEventAction(eventType string, paymentStatus string) string {
	switch strings.ToLower(strings.TrimSpace(eventType)) {
	case "checkout.session.completed":
		if paymentStatus == "paid" || paymentStatus == "no_payment_required" {
			return ActionComplete
		}
		return ActionIgnore
	case "checkout.session.async_payment_succeeded":
		return ActionComplete
	case "checkout.session.async_payment_failed":
		return ActionFail
	case "checkout.session.expired":
		return ActionExpire
	default:
		return ActionIgnore
	}
}

func computeSignature(secret string, timestamp int64, body []byte) string {
	payload := strconv.FormatInt(timestamp, 10) + "." + string(body)
	h := hmac.New(sha256.New, []byte(secret))
	_, _ = h.Write([]byte(payload))
	return hex.EncodeToString(h.Sum(nil))
}

// SignPayload 生成 Stripe-Signature 头，供本地联调与测试使用
func SignPayload(secret string, timestamp int64, body []byte) string {
	return "t=" + strconv.FormatInt(timestamp, 10) + ",v1=" + computeSignature(secret, timestamp, body)
}

func parseSignatureHeader(signatureHeader string) (int64, []string, error) {
	timestamp := int64(0)
	signatures := make([]string, 0, 1)
	for _, part := range strings.Split(signatureHeader, ",") {
		kv := strings.SplitN(strings.TrimSpace(part), "=", 2)
		if len(kv) != 2 {
			continue
		}
		value := strings.TrimSpace(kv[1])
		switch strings.TrimSpace(kv[0]) {
		case "t":
			parsed, err := strconv.ParseInt(value, 10, 64)
			if err != nil || parsed <= 0 {
				return 0, nil, fmt.Errorf("%w: invalid timestamp", ErrSignatureInvalid)
			}
			timestamp = parsed
		case "v1":
			if value != "" {
				signatures = append(signatures, strings.ToLower(value))
			}
		}
	}
	if timestamp <= 0 {
		return 0, nil, fmt.Errorf("%w: timestamp is missing", ErrSignatureInvalid)
	}
	if len(signatures) == 0 {
		return 0, nil, fmt.Errorf("%w: v1 signature is missing", ErrSignatureInvalid)
	}
	return timestamp, signatures, nil
}
