package metrics

import (
	"errors"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestPaymentMetricsCounters(t *testing.T) {
	registry := prometheus.NewRegistry()
	m := NewPaymentMetrics(registry)

	m.PaymentInitiated("card")
	m.PaymentInitiated("card")
	m.Transition("completed", "webhook")
	m.WebhookEvent("checkout.session.completed", "applied")
	m.Reconcile(ReconcileResultFailed)
	m.SweepExpired(3)
	m.SweepExpired(0)
	m.RateLimited("initiate")

	assert.Equal(t, 2.0, testutil.ToFloat64(m.initiated.WithLabelValues("card")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.transitions.WithLabelValues("completed", "webhook")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.webhookEvents.WithLabelValues("checkout.session.completed", "applied")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.reconciles.WithLabelValues(ReconcileResultFailed)))
	assert.Equal(t, 3.0, testutil.ToFloat64(m.sweepExpired))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.rateLimited.WithLabelValues("initiate")))
}

func TestPaymentMetricsHistogramOutcome(t *testing.T) {
	registry := prometheus.NewRegistry()
	m := NewPaymentMetrics(registry)

	m.ObserveGateway("create_session", time.Now(), nil)
	m.ObserveLedger("write_amount", time.Now(), errors.New("boom"))

	assert.Equal(t, 1, testutil.CollectAndCount(m.gatewayDuration))
	assert.Equal(t, 1, testutil.CollectAndCount(m.ledgerDuration))
}

func TestNewPaymentMetricsReusesRegisteredCollectors(t *testing.T) {
	registry := prometheus.NewRegistry()
	first := NewPaymentMetrics(registry)
	second := NewPaymentMetrics(registry)
	first.PaymentInitiated("bank_transfer")
	require.Equal(t, 1.0, testutil.ToFloat64(second.initiated.WithLabelValues("bank_transfer")))
}

func TestNilPaymentMetricsIsNoop(t *testing.T) {
	var m *PaymentMetrics
	assert.NotPanics(t, func() {
		m.PaymentInitiated("card")
		m.Transition("expired", "sweeper")
		m.SweepExpired(1)
		m.ObserveGateway("expire_session", time.Now(), nil)
	})
}
