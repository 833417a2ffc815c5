package metrics

import (
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

const namespace = "classdues"

// 对账结果标签
const (
	ReconcileResultDone    = "done"
	ReconcileResultFailed  = "failed"
	ReconcileResultSkipped = "skipped"
)

// PaymentMetrics 支付生命周期指标
type PaymentMetrics struct {
	initiated       *prometheus.CounterVec
	transitions     *prometheus.CounterVec
	webhookEvents   *prometheus.CounterVec
	reconciles      *prometheus.CounterVec
	sweepExpired    prometheus.Counter
	gatewayDuration *prometheus.HistogramVec
	ledgerDuration  *prometheus.HistogramVec
	rateLimited     *prometheus.CounterVec
}

var (
	paymentMetricsOnce sync.Once
	paymentMetrics     *PaymentMetrics
)

// Payments 返回注册在默认 registry 上的单例
func Payments() *PaymentMetrics {
	paymentMetricsOnce.Do(func() {
		paymentMetrics = NewPaymentMetrics(prometheus.DefaultRegisterer)
	})
	return paymentMetrics
}

// NewPaymentMetrics 创建并注册指标，重复注册时复用已有 collector
func NewPaymentMetrics(registerer prometheus.Registerer) *PaymentMetrics {
	if registerer == nil {
		registerer = prometheus.DefaultRegisterer
	}
	m := &PaymentMetrics{
		initiated: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "payments_initiated_total",
			Help:      "Payments created, by method.",
		}, []string{"method"}),
		transitions: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "payment_transitions_total",
			Help:      "Applied payment status transitions, by target status and trigger.",
		}, []string{"status", "trigger"}),
		webhookEvents: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "webhook_events_total",
			Help:      "Provider webhook events, by event type and result.",
		}, []string{"event_type", "result"}),
		reconciles: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "ledger_reconciliations_total",
			Help:      "Ledger reconciliation attempts, by result.",
		}, []string{"result"}),
		sweepExpired: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "sweeper_expired_total",
			Help:      "Pending payments expired by the sweeper.",
		}),
		gatewayDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "gateway_request_duration_seconds",
			Help:      "Payment gateway call latency.",
			Buckets:   prometheus.DefBuckets,
		}, []string{"operation", "outcome"}),
		ledgerDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "ledger_request_duration_seconds",
			Help:      "External ledger call latency.",
			Buckets:   prometheus.DefBuckets,
		}, []string{"operation", "outcome"}),
		rateLimited: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "rate_limited_requests_total",
			Help:      "Requests rejected by the rate limiter, by rule.",
		}, []string{"rule"}),
	}
	m.initiated = register(registerer, m.initiated).(*prometheus.CounterVec)
	m.transitions = register(registerer, m.transitions).(*prometheus.CounterVec)
	m.webhookEvents = register(registerer, m.webhookEvents).(*prometheus.CounterVec)
	m.reconciles = register(registerer, m.reconciles).(*prometheus.CounterVec)
	m.sweepExpired = register(registerer, m.sweepExpired).(prometheus.Counter)
	m.gatewayDuration = register(registerer, m.gatewayDuration).(*prometheus.HistogramVec)
	m.ledgerDuration = register(registerer, m.ledgerDuration).(*prometheus.HistogramVec)
	m.rateLimited = register(registerer, m.rateLimited).(*prometheus.CounterVec)
	return m
}

func register(registerer prometheus.Registerer, collector prometheus.Collector) prometheus.Collector {
	if err := registerer.Register(collector); err != nil {
		if already, ok := err.(prometheus.AlreadyRegisteredError); ok {
			return already.ExistingCollector
		}
		panic(err)
	}
	return collector
}

// PaymentInitiated 记录发起支付
func (m *PaymentMetrics) PaymentInitiated(method string) {
	if m == nil {
		return
	}
	m.initiated.WithLabelValues(method).Inc()
}

// Transition 记录状态流转
func (m *PaymentMetrics) Transition(status, trigger string) {
	if m == nil {
		return
	}
	m.transitions.WithLabelValues(status, trigger).Inc()
}

// WebhookEvent 记录回调事件处理结果
func (m *PaymentMetrics) WebhookEvent(eventType, result string) {
	if m == nil {
		return
	}
	m.webhookEvents.WithLabelValues(eventType, result).Inc()
}

// Reconcile 记录对账结果
func (m *PaymentMetrics) Reconcile(result string) {
	if m == nil {
		return
	}
	m.reconciles.WithLabelValues(result).Inc()
}

// SweepExpired 记录过期扫描数量
func (m *PaymentMetrics) SweepExpired(count int) {
	if m == nil || count <= 0 {
		return
	}
	m.sweepExpired.Add(float64(count))
}

// ObserveGateway 记录网关调用耗时
func (m *PaymentMetrics) ObserveGateway(operation string, started time.Time, err error) {
	if m == nil {
		return
	}
	m.gatewayDuration.WithLabelValues(operation, outcome(err)).Observe(time.Since(started).Seconds())
}

// ObserveLedger 记录账本调用耗时
func (m *PaymentMetrics) ObserveLedger(operation string, started time.Time, err error) {
	if m == nil {
		return
	}
	m.ledgerDuration.WithLabelValues(operation, outcome(err)).Observe(time.Since(started).Seconds())
}

// RateLimited 记录被限流拒绝的请求
func (m *PaymentMetrics) RateLimited(rule string) {
	if m == nil {
		return
	}
	m.rateLimited.WithLabelValues(rule).Inc()
}

func outcome(err error) string {
	if err != nil {
		return "error"
	}
	return "ok"
}
