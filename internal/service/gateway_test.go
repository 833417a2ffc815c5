package service

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/classdues/internal/config"
	"github.com/classdues/internal/payment/stripe"
)

func TestMapStripeGatewayError(t *testing.T) {
	cases := []struct {
		in   error
		want error
	}{
		{in: stripe.ErrSignatureInvalid, want: ErrWebhookSignatureInvalid},
		{in: stripe.ErrSessionNotFound, want: ErrPaymentNotFound},
		{in: stripe.ErrResponseInvalid, want: ErrProviderResponseInvalid},
		{in: stripe.ErrRequestFailed, want: ErrProviderUnavailable},
		{in: context.DeadlineExceeded, want: ErrProviderUnavailable},
	}
	for _, tc := range cases {
		if got := mapStripeGatewayError(tc.in); !errors.Is(got, tc.want) {
			t.Fatalf("map %v: expected %v, got %v", tc.in, tc.want, got)
		}
	}
	if mapStripeGatewayError(nil) != nil {
		t.Fatalf("nil should map to nil")
	}
}

func TestKindOf(t *testing.T) {
	if KindOf(fmt.Errorf("%w: wrapped", ErrPeriodAlreadyPaid)) != KindValidation {
		t.Fatalf("wrapped validation error lost its kind")
	}
	if KindOf(errors.New("boom")) != KindInternal {
		t.Fatalf("unknown error should be internal")
	}
	if KindOf(nil) != "" {
		t.Fatalf("nil error should have no kind")
	}
}

func TestStripeGatewayVerifiesWebhook(t *testing.T) {
	gateway := NewStripeGateway(config.StripeConfig{SecretKey: "sk_test", WebhookSecret: testWebhookSecret}, time.Second)
	now := time.Unix(1718420400, 0)
	input := signedCheckoutEvent(t, now, "evt_gw", "checkout.session.completed", "cs_gw", "paid")

	event, err := gateway.VerifyWebhook(input.Headers, input.Body, now)
	if err != nil {
		t.Fatalf("verify webhook failed: %v", err)
	}
	if event.Action != stripe.ActionComplete || event.SessionID != "cs_gw" {
		t.Fatalf("unexpected event: %+v", event)
	}
	if _, err := gateway.VerifyWebhook(input.Headers, input.Body, now.Add(time.Hour)); !errors.Is(err, stripe.ErrSignatureInvalid) {
		t.Fatalf("expected tolerance failure, got %v", err)
	}
}
