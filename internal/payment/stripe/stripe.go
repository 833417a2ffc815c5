package stripe

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/shopspring/decimal"
)

var (
	ErrConfigInvalid    = errors.New("stripe config invalid")
	ErrRequestFailed    = errors.New("stripe request failed")
	ErrResponseInvalid  = errors.New("stripe response invalid")
	ErrSignatureInvalid = errors.New("stripe signature invalid")
	ErrSessionNotFound  = errors.New("stripe checkout session not found")
)

const (
	defaultAPIBaseURL        = "https://api.stripe.com"
	defaultTimeout           = 12 * time.Second
	defaultWebhookToleranceS = 300

	// Stripe 要求 expires_at 距会话创建 30 分钟到 24 小时
	minSessionTTL      = 30 * time.Minute
	maxSessionTTL      = 24 * time.Hour
	sessionExpirySlack = time.Minute
)

// 会话支付状态
const (
	SessionStatusPaid    = "paid"
	SessionStatusPending = "pending"
	SessionStatusExpired = "expired"
)

var zeroDecimalCurrencies = map[string]struct{}{
	"BIF": {},
	"CLP": {},
	"JPY": {},
	"KRW": {},
	"PYG": {},
	"VND": {},
	"XAF": {},
	"XOF": {},
}

// Config Stripe 配置
type Config struct {
	SecretKey               string
	WebhookSecret           string
	APIBaseURL              string
	WebhookToleranceSeconds int
	Timeout                 time.Duration
}

// Period 账期
type Period struct {
	Month int
	Year  int
}

// CreateInput 创建收银台会话输入
type CreateInput struct {
	PaymentID          string
	StudentID          string
	Period             Period
	Amount             decimal.Decimal
	Currency           string
	Description        string
	SuccessURL         string
	CancelURL          string
	ExpiresAt          time.Time
	PaymentMethodTypes []string
}

// CreateResult 创建收银台会话返回
type CreateResult struct {
	SessionID string
	URL       string
	Status    string
	Raw       map[string]interface{}
}

// SessionResult 查询收银台会话返回
type SessionResult struct {
	SessionID       string
	PaymentIntentID string
	Status          string // paid / pending / expired
	PaymentStatus   string
	Amount          string
	Currency        string
	PaymentID       string
	Raw             map[string]interface{}
}

// Normalize 补齐默认值
func (c *Config) Normalize() {
	c.SecretKey = strings.TrimSpace(c.SecretKey)
	c.WebhookSecret = strings.TrimSpace(c.WebhookSecret)
	c.APIBaseURL = strings.TrimRight(strings.TrimSpace(c.APIBaseURL), "/")
	if c.APIBaseURL == "" {
		c.APIBaseURL = defaultAPIBaseURL
	}
	if c.WebhookToleranceSeconds <= 0 {
		c.WebhookToleranceSeconds = defaultWebhookToleranceS
	}
	if c.Timeout <= 0 {
		c.Timeout = defaultTimeout
	}
}

// ValidateConfig 校验调用 API 所需配置
func ValidateConfig(cfg *Config) error {
	if cfg == nil {
		return fmt.Errorf("%w: config is nil", ErrConfigInvalid)
	}
	if strings.TrimSpace(cfg.SecretKey) == "" {
		return fmt.Errorf("%w: secret_key is required", ErrConfigInvalid)
	}
	if strings.TrimSpace(cfg.APIBaseURL) == "" {
		return fmt.Errorf("%w: api_base_url is required", ErrConfigInvalid)
	}
	if _, err := url.ParseRequestURI(strings.TrimSpace(cfg.APIBaseURL)); err != nil {
		return fmt.Errorf("%w: api_base_url is invalid", ErrConfigInvalid)
	}
	return nil
}

// CreateSession 创建 Stripe Checkout Session
func CreateSession(ctx context.Context, cfg *Config, input CreateInput) (*CreateResult, error) {
	if err := ValidateConfig(cfg); err != nil {
		return nil, err
	}
	paymentID := strings.TrimSpace(input.PaymentID)
	if paymentID == "" {
		return nil, fmt.Errorf("%w: payment_id is required", ErrConfigInvalid)
	}
	currency := strings.ToUpper(strings.TrimSpace(input.Currency))
	if currency == "" {
		return nil, fmt.Errorf("%w: currency is required", ErrConfigInvalid)
	}
	minorAmount, err := toMinorAmount(input.Amount, currency)
	if err != nil {
		return nil, err
	}
	if strings.TrimSpace(input.SuccessURL) == "" || strings.TrimSpace(input.CancelURL) == "" {
		return nil, fmt.Errorf("%w: success_url and cancel_url are required", ErrConfigInvalid)
	}
	methodTypes := input.PaymentMethodTypes
	if len(methodTypes) == 0 {
		methodTypes = []string{"card"}
	}
	description := strings.TrimSpace(input.Description)
	if description == "" {
		description = fmt.Sprintf("Class dues %04d-%02d", input.Period.Year, input.Period.Month)
	}
	month := strconv.Itoa(input.Period.Month)
	year := strconv.Itoa(input.Period.Year)

	form := url.Values{}
	form.Set("mode", "payment")
	form.Set("success_url", strings.TrimSpace(input.SuccessURL))
	form.Set("cancel_url", strings.TrimSpace(input.CancelURL))
	form.Set("client_reference_id", paymentID)
	form.Set("line_items[0][quantity]", "1")
	form.Set("line_items[0][price_data][currency]", strings.ToLower(currency))
	form.Set("line_items[0][price_data][unit_amount]", strconv.FormatInt(minorAmount, 10))
	form.Set("line_items[0][price_data][product_data][name]", description)
	form.Set("metadata[payment_id]", paymentID)
	form.Set("metadata[student_id]", input.StudentID)
	form.Set("metadata[month]", month)
	form.Set("metadata[year]", year)
	form.Set("payment_intent_data[metadata][payment_id]", paymentID)
	form.Set("payment_intent_data[metadata][student_id]", input.StudentID)
	if !input.ExpiresAt.IsZero() {
		form.Set("expires_at", strconv.FormatInt(sessionExpiresAt(input.ExpiresAt, time.Now()).Unix(), 10))
	}
	for _, pmType := range methodTypes {
		form.Add("payment_method_types[]", strings.ToLower(strings.TrimSpace(pmType)))
	}

	respBody, statusCode, err := doFormRequest(ctx, cfg, http.MethodPost, "/v1/checkout/sessions", form)
	if err != nil {
		return nil, err
	}
	if statusCode < 200 || statusCode >= 300 {
		return nil, fmt.Errorf("%w: create checkout session status %d", ErrRequestFailed, statusCode)
	}
	raw, err := decodeRawMap(respBody)
	if err != nil {
		return nil, err
	}
	result := &CreateResult{
		SessionID: readString(raw, "id"),
		URL:       readString(raw, "url"),
		Status:    readString(raw, "status"),
		Raw:       raw,
	}
	if result.SessionID == "" || result.URL == "" {
		return nil, fmt.Errorf("%w: missing session id or url", ErrResponseInvalid)
	}
	return result, nil
}

// sessionExpiresAt 换算发送给 Stripe 的过期时间，本地过期早于此时由扫描任务主动关闭会话
func sessionExpiresAt(expiresAt, now time.Time) time.Time {
	earliest := now.Add(minSessionTTL + sessionExpirySlack)
	if expiresAt.Before(earliest) {
		return earliest
	}
	if latest := now.Add(maxSessionTTL); expiresAt.After(latest) {
		return latest
	}
	return expiresAt
}

// ExpireSession 主动关闭收银台会话，已关闭的会话视为成功
func ExpireSession(ctx context.Context, cfg *Config, sessionID string) error {
	if err := ValidateConfig(cfg); err != nil {
		return err
	}
	sessionID = strings.TrimSpace(sessionID)
	if sessionID == "" {
		return fmt.Errorf("%w: session_id is required", ErrConfigInvalid)
	}
	path := fmt.Sprintf("/v1/checkout/sessions/%s/expire", url.PathEscape(sessionID))
	respBody, statusCode, err := doFormRequest(ctx, cfg, http.MethodPost, path, url.Values{})
	if err != nil {
		return err
	}
	switch {
	case statusCode >= 200 && statusCode < 300:
		return nil
	case statusCode == http.StatusNotFound:
		return fmt.Errorf("%w: %s", ErrSessionNotFound, sessionID)
	case statusCode == http.StatusBadRequest && isSessionNotOpen(respBody):
		return nil
	default:
		return fmt.Errorf("%w: expire checkout session status %d", ErrRequestFailed, statusCode)
	}
}

// QuerySession 查询收银台会话
func QuerySession(ctx context.Context, cfg *Config, sessionID string) (*SessionResult, error) {
	if err := ValidateConfig(cfg); err != nil {
		return nil, err
	}
	sessionID = strings.TrimSpace(sessionID)
	if sessionID == "" {
		return nil, fmt.Errorf("%w: session_id is required", ErrConfigInvalid)
	}
	path := fmt.Sprintf("/v1/checkout/sessions/%s", url.PathEscape(sessionID))
	respBody, statusCode, err := doJSONRequest(ctx, cfg, http.MethodGet, path)
	if err != nil {
		return nil, err
	}
	if statusCode == http.StatusNotFound {
		return nil, fmt.Errorf("%w: %s", ErrSessionNotFound, sessionID)
	}
	if statusCode < 200 || statusCode >= 300 {
		return nil, fmt.Errorf("%w: query checkout session status %d", ErrRequestFailed, statusCode)
	}
	raw, err := decodeRawMap(respBody)
	if err != nil {
		return nil, err
	}
	result := parseSession(raw)
	if result.SessionID == "" {
		return nil, fmt.Errorf("%w: missing checkout session id", ErrResponseInvalid)
	}
	return result, nil
}

func parseSession(raw map[string]interface{}) *SessionResult {
	result := &SessionResult{Raw: raw}
	result.SessionID = readString(raw, "id")
	result.PaymentIntentID = readPaymentIntentID(raw)
	result.PaymentStatus = strings.ToLower(readString(raw, "payment_status"))
	result.Currency = strings.ToUpper(readString(raw, "currency"))
	if amountMinor := readInt64(raw, "amount_total"); amountMinor > 0 && result.Currency != "" {
		result.Amount = fromMinorAmount(amountMinor, result.Currency)
	}
	result.PaymentID = readString(readMap(raw, "metadata"), "payment_id")
	if result.PaymentID == "" {
		result.PaymentID = readString(raw, "client_reference_id")
	}
	result.Status = mapCheckoutSessionStatus(result.PaymentStatus, readString(raw, "status"))
	return result
}

func mapCheckoutSessionStatus(paymentStatus string, sessionStatus string) string {
	paymentStatus = strings.ToLower(strings.TrimSpace(paymentStatus))
	sessionStatus = strings.ToLower(strings.TrimSpace(sessionStatus))
	if paymentStatus == "paid" {
		return SessionStatusPaid
	}
	if sessionStatus == "complete" && paymentStatus == "no_payment_required" {
		return SessionStatusPaid
	}
	if sessionStatus == "expired" {
		return SessionStatusExpired
	}
	return SessionStatusPending
}

func isSessionNotOpen(body []byte) bool {
	raw, err := decodeRawMap(body)
	if err != nil {
		return false
	}
	message := strings.ToLower(readString(readMap(raw, "error"), "message"))
	return strings.Contains(message, "not open") || strings.Contains(message, "already expired")
}

func toMinorAmount(amount decimal.Decimal, currency string) (int64, error) {
	if amount.LessThanOrEqual(decimal.Zero) {
		return 0, fmt.Errorf("%w: amount must be greater than zero", ErrConfigInvalid)
	}
	minor := amount.Shift(int32(currencyScale(currency)))
	if !minor.Equal(minor.Truncate(0)) {
		return 0, fmt.Errorf("%w: amount precision is invalid", ErrConfigInvalid)
	}
	return minor.IntPart(), nil
}

func fromMinorAmount(minor int64, currency string) string {
	scale := currencyScale(currency)
	return decimal.NewFromInt(minor).Shift(int32(-scale)).StringFixed(int32(scale))
}

func currencyScale(currency string) int {
	upper := strings.ToUpper(strings.TrimSpace(currency))
	if _, ok := zeroDecimalCurrencies[upper]; ok {
		return 0
	}
	return 2
}
