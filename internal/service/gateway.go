package service

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/classdues/internal/config"
	"github.com/classdues/internal/payment/stripe"
)

// PaymentGateway 第三方托管收银台
type PaymentGateway interface {
	CreateSession(ctx context.Context, input stripe.CreateInput) (*stripe.CreateResult, error)
	ExpireSession(ctx context.Context, sessionID string) error
	QuerySession(ctx context.Context, sessionID string) (*stripe.SessionResult, error)
	VerifyWebhook(headers map[string]string, body []byte, now time.Time) (*stripe.WebhookResult, error)
}

// StripeGateway Stripe Checkout 适配
type StripeGateway struct {
	cfg *stripe.Config
}

// NewStripeGateway 创建 Stripe 网关
func NewStripeGateway(cfg config.StripeConfig, timeout time.Duration) *StripeGateway {
	sc := &stripe.Config{
		SecretKey:               cfg.SecretKey,
		WebhookSecret:           cfg.WebhookSecret,
		APIBaseURL:              cfg.APIBaseURL,
		WebhookToleranceSeconds: cfg.WebhookToleranceSeconds,
		Timeout:                 timeout,
	}
	sc.Normalize()
	return &StripeGateway{cfg: sc}
}

// CreateSession 创建收银台会话
func (g *StripeGateway) CreateSession(ctx context.Context, input stripe.CreateInput) (*stripe.CreateResult, error) {
	return stripe.CreateSession(ctx, g.cfg, input)
}

// ExpireSession 关闭收银台会话
func (g *StripeGateway) ExpireSession(ctx context.Context, sessionID string) error {
	return stripe.ExpireSession(ctx, g.cfg, sessionID)
}

// QuerySession 查询收银台会话
func (g *StripeGateway) QuerySession(ctx context.Context, sessionID string) (*stripe.SessionResult, error) {
	return stripe.QuerySession(ctx, g.cfg, sessionID)
}

// VerifyWebhook 校验回调签名
func (g *StripeGateway) VerifyWebhook(headers map[string]string, body []byte, now time.Time) (*stripe.WebhookResult, error) {
	return stripe.VerifyAndParseWebhook(g.cfg, headers, body, now)
}

// mapStripeGatewayError 将网关错误映射为服务错误
func mapStripeGatewayError(err error) error {
	if err == nil {
		return nil
	}
	switch {
	case errors.Is(err, stripe.ErrSignatureInvalid):
		return fmt.Errorf("%w: %v", ErrWebhookSignatureInvalid, err)
	case errors.Is(err, stripe.ErrSessionNotFound):
		return fmt.Errorf("%w: %v", ErrPaymentNotFound, err)
	case errors.Is(err, stripe.ErrResponseInvalid):
		return fmt.Errorf("%w: %v", ErrProviderResponseInvalid, err)
	case errors.Is(err, context.DeadlineExceeded), errors.Is(err, context.Canceled):
		return fmt.Errorf("%w: %v", ErrProviderUnavailable, err)
	default:
		return fmt.Errorf("%w: %v", ErrProviderUnavailable, err)
	}
}
