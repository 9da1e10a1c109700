package metrics

import (
	"sync"

	"github.com/prometheus/client_golang/prometheus"
)

const (
	MetricOVSDBNamespace       = "ovsdb"
	MetricOVSDBSubsystemClient = "client"
)

// Transaction outcomes used as the "result" label
const (
	TransactionResultSuccess      = "success"
	TransactionResultError        = "error"
	TransactionResultConnectivity = "connectivity"
	TransactionResultProtocol     = "protocol"
)

// MetricTransactions counts transactions by database and outcome
var MetricTransactions = prometheus.NewCounterVec(prometheus.CounterOpts{
	Namespace: MetricOVSDBNamespace,
	Subsystem: MetricOVSDBSubsystemClient,
	Name:      "transactions_total",
	Help:      "The total number of transactions submitted, by database and result",
}, []string{"database", "result"})

// MetricTransactionLatency is the time between submitting a transaction and
// receiving its results
var MetricTransactionLatency = prometheus.NewHistogramVec(prometheus.HistogramOpts{
	Namespace: MetricOVSDBNamespace,
	Subsystem: MetricOVSDBSubsystemClient,
	Name:      "transaction_duration_seconds",
	Help:      "The latency of transact calls",
	Buckets:   prometheus.ExponentialBuckets(.001, 2, 15),
}, []string{"database"})

// MetricOperations counts submitted operations by kind
var MetricOperations = prometheus.NewCounterVec(prometheus.CounterOpts{
	Namespace: MetricOVSDBNamespace,
	Subsystem: MetricOVSDBSubsystemClient,
	Name:      "operations_total",
	Help:      "The total number of operations submitted, by operation",
}, []string{"op"})

// MetricPendingTransactions is the number of transactions awaiting results
var MetricPendingTransactions = prometheus.NewGauge(prometheus.GaugeOpts{
	Namespace: MetricOVSDBNamespace,
	Subsystem: MetricOVSDBSubsystemClient,
	Name:      "pending_transactions",
	Help:      "The number of transactions waiting for a reply",
})

// MetricNotifications counts inbound notifications by method
var MetricNotifications = prometheus.NewCounterVec(prometheus.CounterOpts{
	Namespace: MetricOVSDBNamespace,
	Subsystem: MetricOVSDBSubsystemClient,
	Name:      "notifications_total",
	Help:      "The total number of notifications received, by method",
}, []string{"method"})

// MetricCallbackErrors counts event handlers that failed or panicked
var MetricCallbackErrors = prometheus.NewCounter(prometheus.CounterOpts{
	Namespace: MetricOVSDBNamespace,
	Subsystem: MetricOVSDBSubsystemClient,
	Name:      "callback_errors_total",
	Help:      "The total number of event handler invocations that returned an error or panicked",
})

// MetricLocksHeld is the number of named locks held by the session
var MetricLocksHeld = prometheus.NewGauge(prometheus.GaugeOpts{
	Namespace: MetricOVSDBNamespace,
	Subsystem: MetricOVSDBSubsystemClient,
	Name:      "locks_held",
	Help:      "The number of named locks currently held",
})

// MetricEventRetryFailures counts row events dropped after too many failed
// retries
var MetricEventRetryFailures = prometheus.NewCounter(prometheus.CounterOpts{
	Namespace: MetricOVSDBNamespace,
	Subsystem: MetricOVSDBSubsystemClient,
	Name:      "event_retry_failures_total",
	Help:      "The total number of row events dropped after exceeding the maximum number of retries",
})

var registerClientMetricsOnce sync.Once

// RegisterClientMetrics registers the client metrics with the default
// prometheus registry
func RegisterClientMetrics() {
	registerClientMetricsOnce.Do(func() {
		prometheus.MustRegister(MetricTransactions)
		prometheus.MustRegister(MetricTransactionLatency)
		prometheus.MustRegister(MetricOperations)
		prometheus.MustRegister(MetricPendingTransactions)
		prometheus.MustRegister(MetricNotifications)
		prometheus.MustRegister(MetricCallbackErrors)
		prometheus.MustRegister(MetricLocksHeld)
		prometheus.MustRegister(MetricEventRetryFailures)
	})
}
