package metrics

import (
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics holds all Prometheus collectors of the settlement engine.
// Every Observe method is safe to call on a nil *Metrics.
type Metrics struct {
	// Payment lifecycle
	PaymentsCreatedTotal   *prometheus.CounterVec
	PaymentsConfirmedTotal *prometheus.CounterVec
	PaymentsCancelledTotal *prometheus.CounterVec
	PaymentsExpiredTotal   prometheus.Counter
	CreditedAmountTotal    *prometheus.CounterVec
	ConfirmRejectedTotal   *prometheus.CounterVec
	TimeToConfirm          *prometheus.HistogramVec

	// Gateway calls
	GatewayCallsTotal   *prometheus.CounterVec
	GatewayCallDuration *prometheus.HistogramVec
	RateQuotesTotal     *prometheus.CounterVec

	// Background workers
	PollerCyclesTotal    prometheus.Counter
	PollerRunning        prometheus.Gauge
	PollerChecksTotal    *prometheus.CounterVec
	IngesterTxTotal      *prometheus.CounterVec
	SweepRunsTotal       *prometheus.CounterVec
	SweepRecordsAffected *prometheus.CounterVec

	// Outbound events
	WebhooksTotal       *prometheus.CounterVec
	WebhookRetriesTotal *prometheus.CounterVec
	WebhookDLQTotal     *prometheus.CounterVec
	WebhookDuration     *prometheus.HistogramVec

	// HTTP surface
	RateLimitHitsTotal   *prometheus.CounterVec
	InboundWebhooksTotal *prometheus.CounterVec

	// Database
	DBQueryDuration *prometheus.HistogramVec
}

// New creates and registers all Prometheus metrics.
func New(registry prometheus.Registerer) *Metrics {
	if registry == nil {
		registry = prometheus.DefaultRegisterer
	}
	factory := promauto.With(registry)

	return &Metrics{
		PaymentsCreatedTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "settlement_payments_created_total",
				Help: "Payment intents persisted as pending",
			},
			[]string{"method"},
		),
		PaymentsConfirmedTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "settlement_payments_confirmed_total",
				Help: "Payments confirmed and credited",
			},
			[]string{"method", "recovered"},
		),
		PaymentsCancelledTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "settlement_payments_cancelled_total",
				Help: "Payments cancelled, by reason",
			},
			[]string{"method", "reason"},
		),
		PaymentsExpiredTotal: factory.NewCounter(
			prometheus.CounterOpts{
				Name: "settlement_payments_expired_total",
				Help: "Pending payments moved to expired by the sweep",
			},
		),
		CreditedAmountTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "settlement_credited_amount_total",
				Help: "Amount credited to balances in settlement minor units",
			},
			[]string{"method", "currency"},
		),
		ConfirmRejectedTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "settlement_confirm_rejected_total",
				Help: "Confirmation attempts rejected by the atomic confirm",
			},
			[]string{"method", "reason"},
		),
		TimeToConfirm: factory.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "settlement_time_to_confirm_seconds",
				Help:    "Time from payment creation to confirmation",
				Buckets: []float64{5, 15, 30, 60, 120, 300, 600, 900, 1800, 3600, 86400},
			},
			[]string{"method"},
		),

		GatewayCallsTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "settlement_gateway_calls_total",
				Help: "Outbound gateway API calls by outcome",
			},
			[]string{"gateway", "operation", "outcome"},
		),
		GatewayCallDuration: factory.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "settlement_gateway_call_duration_seconds",
				Help:    "Outbound gateway API call latency",
				Buckets: []float64{0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 2, 5, 10},
			},
			[]string{"gateway", "operation"},
		),
		RateQuotesTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "settlement_rate_quotes_total",
				Help: "Rate oracle lookups by source",
			},
			[]string{"asset", "source"},
		),

		PollerCyclesTotal: factory.NewCounter(
			prometheus.CounterOpts{
				Name: "settlement_poller_cycles_total",
				Help: "Reconciliation poller cycles",
			},
		),
		PollerRunning: factory.NewGauge(
			prometheus.GaugeOpts{
				Name: "settlement_poller_running",
				Help: "1 while the reconciliation poller is active",
			},
		),
		PollerChecksTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "settlement_poller_checks_total",
				Help: "Payments checked by the poller",
			},
			[]string{"method", "result"},
		),
		IngesterTxTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "settlement_ingester_transactions_total",
				Help: "Inbound transactions seen by the ingester",
			},
			[]string{"result"},
		),
		SweepRunsTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "settlement_sweep_runs_total",
				Help: "Expiry and retention sweep runs",
			},
			[]string{"kind"},
		),
		SweepRecordsAffected: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "settlement_sweep_records_total",
				Help: "Records expired or deleted by sweeps",
			},
			[]string{"kind"},
		),

		WebhooksTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "settlement_webhooks_total",
				Help: "Outbound settlement event deliveries",
			},
			[]string{"event_type", "status"},
		),
		WebhookRetriesTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "settlement_webhook_retries_total",
				Help: "Outbound event retries by attempt number",
			},
			[]string{"event_type", "attempt"},
		),
		WebhookDLQTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "settlement_webhook_dlq_total",
				Help: "Outbound events moved to the dead letter queue",
			},
			[]string{"event_type"},
		),
		WebhookDuration: factory.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "settlement_webhook_duration_seconds",
				Help:    "Outbound event delivery latency",
				Buckets: []float64{0.05, 0.1, 0.25, 0.5, 1, 2, 5, 10},
			},
			[]string{"event_type"},
		),

		RateLimitHitsTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "settlement_rate_limit_hits_total",
				Help: "Requests rejected by rate limiting",
			},
			[]string{"limit_type"},
		),
		InboundWebhooksTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "settlement_inbound_webhooks_total",
				Help: "Provider webhooks and chat updates received, by outcome",
			},
			[]string{"source", "result"},
		),

		DBQueryDuration: factory.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "settlement_db_query_duration_seconds",
				Help:    "Ledger store query latency",
				Buckets: []float64{0.001, 0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1},
			},
			[]string{"operation", "backend"},
		),
	}
}

// ObservePaymentCreated records a new pending payment.
func (m *Metrics) ObservePaymentCreated(method string) {
	if m == nil {
		return
	}
	m.PaymentsCreatedTotal.WithLabelValues(method).Inc()
}

// ObservePaymentConfirmed records a credited confirmation.
func (m *Metrics) ObservePaymentConfirmed(method, currency string, amount int64, recovered bool, sinceCreated time.Duration) {
	if m == nil {
		return
	}
	m.PaymentsConfirmedTotal.WithLabelValues(method, strconv.FormatBool(recovered)).Inc()
	m.CreditedAmountTotal.WithLabelValues(method, currency).Add(float64(amount))
	m.TimeToConfirm.WithLabelValues(method).Observe(sinceCreated.Seconds())
}

// ObserveConfirmRejected records why a confirmation did not credit.
func (m *Metrics) ObserveConfirmRejected(method, reason string) {
	if m == nil {
		return
	}
	m.ConfirmRejectedTotal.WithLabelValues(method, reason).Inc()
}

// ObservePaymentCancelled records a cancellation.
func (m *Metrics) ObservePaymentCancelled(method, reason string) {
	if m == nil {
		return
	}
	m.PaymentsCancelledTotal.WithLabelValues(method, reason).Inc()
}

// ObserveGatewayCall records one outbound gateway call.
func (m *Metrics) ObserveGatewayCall(gateway, operation string, duration time.Duration, err error) {
	if m == nil {
		return
	}
	outcome := "success"
	if err != nil {
		outcome = "error"
	}
	m.GatewayCallsTotal.WithLabelValues(gateway, operation, outcome).Inc()
	m.GatewayCallDuration.WithLabelValues(gateway, operation).Observe(duration.Seconds())
}

// ObserveRateQuote records where a rate came from (cache, shared, oracle, error).
func (m *Metrics) ObserveRateQuote(asset, source string) {
	if m == nil {
		return
	}
	m.RateQuotesTotal.WithLabelValues(asset, source).Inc()
}

// ObservePollerCycle records a reconciliation cycle.
func (m *Metrics) ObservePollerCycle() {
	if m == nil {
		return
	}
	m.PollerCyclesTotal.Inc()
}

// SetPollerRunning flips the poller gauge.
func (m *Metrics) SetPollerRunning(running bool) {
	if m == nil {
		return
	}
	if running {
		m.PollerRunning.Set(1)
		return
	}
	m.PollerRunning.Set(0)
}

// ObservePollerCheck records one payment check made by the poller.
func (m *Metrics) ObservePollerCheck(method, result string) {
	if m == nil {
		return
	}
	m.PollerChecksTotal.WithLabelValues(method, result).Inc()
}

// ObserveIngestedTx records the ingester's decision for one transaction.
func (m *Metrics) ObserveIngestedTx(result string) {
	if m == nil {
		return
	}
	m.IngesterTxTotal.WithLabelValues(result).Inc()
}

// ObserveSweep records an expiry or retention sweep.
func (m *Metrics) ObserveSweep(kind string, affected int64) {
	if m == nil {
		return
	}
	m.SweepRunsTotal.WithLabelValues(kind).Inc()
	m.SweepRecordsAffected.WithLabelValues(kind).Add(float64(affected))
	if kind == "expire" {
		m.PaymentsExpiredTotal.Add(float64(affected))
	}
}

// ObserveWebhook records an outbound event delivery attempt.
func (m *Metrics) ObserveWebhook(eventType, status string, duration time.Duration, attempt int, sentToDLQ bool) {
	if m == nil {
		return
	}
	m.WebhooksTotal.WithLabelValues(eventType, status).Inc()
	m.WebhookDuration.WithLabelValues(eventType).Observe(duration.Seconds())
	if attempt > 1 {
		m.WebhookRetriesTotal.WithLabelValues(eventType, formatAttempt(attempt)).Inc()
	}
	if sentToDLQ {
		m.WebhookDLQTotal.WithLabelValues(eventType).Inc()
	}
}

// ObserveRateLimit records a rate limit hit.
func (m *Metrics) ObserveRateLimit(limitType string) {
	if m == nil {
		return
	}
	m.RateLimitHitsTotal.WithLabelValues(limitType).Inc()
}

// ObserveInboundWebhook records a provider call-in.
func (m *Metrics) ObserveInboundWebhook(source, result string) {
	if m == nil {
		return
	}
	m.InboundWebhooksTotal.WithLabelValues(source, result).Inc()
}

// ObserveDBQuery records a database query.
func (m *Metrics) ObserveDBQuery(operation, backend string, duration time.Duration) {
	if m == nil {
		return
	}
	m.DBQueryDuration.WithLabelValues(operation, backend).Observe(duration.Seconds())
}

func formatAttempt(attempt int) string {
	if attempt <= 5 {
		return strconv.Itoa(attempt)
	}
	return "5+"
}
