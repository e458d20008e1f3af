package util

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	OrdersCreatedTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "orders_created_total",
		Help: "Total number of orders created",
	}, []string{"payment_method"})

	OrdersFailedTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "orders_failed_total",
		Help: "Total number of failed order creations",
	}, []string{"reason"})

	OrderStatusTransitionsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "order_status_transitions_total",
		Help: "Total number of fulfilment status transitions",
	}, []string{"to"})

	PaymentIntentsCreatedTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "payment_intents_created_total",
		Help: "Total number of payment intents created",
	}, []string{"split"})

	PaymentsConfirmedTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "payments_confirmed_total",
		Help: "Total number of confirm-payment outcomes",
	}, []string{"result"})

	PaidButUnrecordedTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "payments_paid_but_unrecorded_total",
		Help: "Payments confirmed by the processor whose order update failed",
	})

	DuplicatePaymentsTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "payments_duplicate_total",
		Help: "Succeeded payments for orders already paid by another payment",
	})

	ConnectAccountsCreatedTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "connect_accounts_created_total",
		Help: "Total number of processor sub-accounts created",
	})

	SagaCompensationsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "saga_compensations_total",
		Help: "Compensating actions run after a failed saga step",
	}, []string{"step", "result"})

	LedgerUpsertsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "ledger_upserts_total",
		Help: "Seller/customer ledger upserts",
	}, []string{"strategy", "result"})

	NotificationsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "notifications_total",
		Help: "Notification dispatch outcomes",
	}, []string{"category", "result"})

	BestEffortFailuresTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "best_effort_failures_total",
		Help: "Side effects that failed without failing the triggering operation",
	}, []string{"effect"})

	ProcessorCallLatency = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "processor_call_latency_seconds",
		Help:    "Latency of payment processor API calls",
		Buckets: prometheus.DefBuckets,
	}, []string{"operation"})

	HTTPRequestDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "http_request_duration_seconds",
		Help:    "HTTP request latency",
		Buckets: prometheus.DefBuckets,
	}, []string{"method", "path", "status"})

	HTTPRequestsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "http_requests_total",
		Help: "Total number of HTTP requests",
	}, []string{"method", "path", "status"})
)
