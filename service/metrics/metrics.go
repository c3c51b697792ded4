package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics holds all Prometheus collectors for the application.
// Following the explicit dependency injection pattern, this struct
// is passed to all components that need to record metrics.
// Callers treat a nil *Metrics as "metrics disabled".
type Metrics struct {
	// Solana RPC Metrics
	solanaRPCCallsTotal       *prometheus.CounterVec
	solanaRPCCallDuration     *prometheus.HistogramVec
	solanaRPCRateLimitHits    *prometheus.CounterVec
	solanaRPCRetries          *prometheus.CounterVec
	solanaRPCEndpointRotation *prometheus.CounterVec

	// History Metrics
	signaturesPerPage   prometheus.Histogram
	duplicatePagesTotal prometheus.Counter
	cacheLookupsTotal   *prometheus.CounterVec

	// Decode / Processing Metrics
	instructionsDecodedTotal  *prometheus.CounterVec
	transactionsProcessed     *prometheus.CounterVec
	transactionsSkippedTotal  *prometheus.CounterVec
	priceLookupsTotal         *prometheus.CounterVec
	walletsAnalyzedTotal      *prometheus.CounterVec
	walletAnalysisDuration    *prometheus.HistogramVec
	analysisTransactionsCount prometheus.Histogram

	// Workflow Metrics
	batchWorkflowDuration        *prometheus.HistogramVec
	batchWorkflowExecutionsTotal *prometheus.CounterVec
	activityDuration             *prometheus.HistogramVec

	// Database Metrics
	dbQueryDuration   *prometheus.HistogramVec
	dbOperationsTotal *prometheus.CounterVec

	// HTTP Metrics
	httpRequestDuration *prometheus.HistogramVec
	httpRequestsTotal   *prometheus.CounterVec

	// NATS Metrics
	natsMessagesPublished *prometheus.CounterVec
	natsPublishDuration   *prometheus.HistogramVec
}

// NewMetrics creates a new Metrics instance and registers all collectors.
// If registry is nil, prometheus.DefaultRegisterer is used.
func NewMetrics(registry prometheus.Registerer) *Metrics {
	if registry == nil {
		registry = prometheus.DefaultRegisterer
	}

	factory := promauto.With(registry)

	return &Metrics{
		// Solana RPC Metrics
		solanaRPCCallsTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "solana_rpc_calls_total",
				Help: "Total number of Solana RPC calls by method and status",
			},
			[]string{"method", "status", "endpoint"},
		),
		solanaRPCCallDuration: factory.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "solana_rpc_call_duration_seconds",
				Help:    "Duration of Solana RPC calls in seconds",
				Buckets: []float64{0.05, 0.1, 0.25, 0.5, 1.0, 2.5, 5.0, 10.0},
			},
			[]string{"method", "endpoint"},
		),
		solanaRPCRateLimitHits: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "solana_rpc_rate_limit_hits_total",
				Help: "Total number of Solana RPC rate limit hits (429 errors)",
			},
			[]string{"endpoint"},
		),
		solanaRPCRetries: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "solana_rpc_retries_total",
				Help: "Total number of Solana RPC retry attempts",
			},
			[]string{"method", "reason"},
		),
		solanaRPCEndpointRotation: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "solana_rpc_endpoint_rotations_total",
				Help: "Total number of fail-overs from one RPC endpoint to the next",
			},
			[]string{"from", "to"},
		),

		// History Metrics
		signaturesPerPage: factory.NewHistogram(
			prometheus.HistogramOpts{
				Name:    "history_signatures_per_page",
				Help:    "Number of signatures returned per getSignaturesForAddress page",
				Buckets: []float64{0, 1, 2, 10, 50, 100, 250, 500, 1000},
			},
		),
		duplicatePagesTotal: factory.NewCounter(
			prometheus.CounterOpts{
				Name: "history_duplicate_pages_total",
				Help: "Total number of signature pages discarded as duplicates",
			},
		),
		cacheLookupsTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "cache_lookups_total",
				Help: "Total number of cache lookups by cache and result",
			},
			[]string{"cache", "result"},
		),

		// Decode / Processing Metrics
		instructionsDecodedTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "instructions_decoded_total",
				Help: "Total number of instructions decoded by program and variant",
			},
			[]string{"program", "kind"},
		),
		transactionsProcessed: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "transactions_processed_total",
				Help: "Total number of transactions classified by type",
			},
			[]string{"type"},
		),
		transactionsSkippedTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "transactions_skipped_total",
				Help: "Total number of transactions skipped",
			},
			[]string{"reason"},
		),
		priceLookupsTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "price_lookups_total",
				Help: "Total number of price lookups by source and status",
			},
			[]string{"source", "status"},
		),
		walletsAnalyzedTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "wallets_analyzed_total",
				Help: "Total number of wallet analyses by outcome",
			},
			[]string{"outcome"},
		),
		walletAnalysisDuration: factory.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "wallet_analysis_duration_seconds",
				Help:    "Duration of a single wallet analysis in seconds",
				Buckets: []float64{0.5, 1, 5, 10, 30, 60, 120, 300},
			},
			[]string{"outcome"},
		),
		analysisTransactionsCount: factory.NewHistogram(
			prometheus.HistogramOpts{
				Name:    "wallet_analysis_transactions",
				Help:    "Number of processed transactions per wallet analysis",
				Buckets: []float64{0, 1, 5, 10, 25, 50, 100, 250},
			},
		),

		// Workflow Metrics
		batchWorkflowDuration: factory.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "batch_workflow_duration_seconds",
				Help:    "Duration of analysis batch workflow execution in seconds",
				Buckets: []float64{1, 5, 10, 30, 60, 120, 300, 900},
			},
			[]string{"status"},
		),
		batchWorkflowExecutionsTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "batch_workflow_executions_total",
				Help: "Total number of analysis batch workflow executions",
			},
			[]string{"status"},
		),
		activityDuration: factory.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "activity_duration_seconds",
				Help:    "Duration of workflow activities in seconds",
				Buckets: []float64{0.1, 0.5, 1, 5, 10, 30, 60, 120},
			},
			[]string{"activity", "status"},
		),

		// Database Metrics
		dbQueryDuration: factory.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "db_query_duration_seconds",
				Help:    "Duration of database queries in seconds",
				Buckets: []float64{0.001, 0.005, 0.01, 0.05, 0.1, 0.5, 1.0},
			},
			[]string{"operation", "table"},
		),
		dbOperationsTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "db_operations_total",
				Help: "Total number of database operations",
			},
			[]string{"operation", "status"},
		),

		// HTTP Metrics
		httpRequestDuration: factory.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "http_request_duration_seconds",
				Help:    "Duration of HTTP requests in seconds",
				Buckets: []float64{0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1.0, 2.5, 10, 60},
			},
			[]string{"handler", "method", "status"},
		),
		httpRequestsTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "http_requests_total",
				Help: "Total number of HTTP requests",
			},
			[]string{"handler", "method", "status"},
		),

		// NATS Metrics
		natsMessagesPublished: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "nats_messages_published_total",
				Help: "Total number of NATS messages published",
			},
			[]string{"subject", "status"},
		),
		natsPublishDuration: factory.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "nats_publish_duration_seconds",
				Help:    "Duration of NATS publish operations in seconds",
				Buckets: []float64{0.001, 0.005, 0.01, 0.05, 0.1, 0.5},
			},
			[]string{"subject"},
		),
	}
}

// Solana RPC metric helpers

// RecordRPCCall records a Solana RPC call with duration.
func (m *Metrics) RecordRPCCall(method, status, endpoint string, duration float64) {
	m.solanaRPCCallsTotal.WithLabelValues(method, status, endpoint).Inc()
	m.solanaRPCCallDuration.WithLabelValues(method, endpoint).Observe(duration)
}

// RecordRateLimitHit records a rate limit hit (429 error).
func (m *Metrics) RecordRateLimitHit(endpoint string) {
	m.solanaRPCRateLimitHits.WithLabelValues(endpoint).Inc()
}

// RecordRPCRetry records a retry attempt.
func (m *Metrics) RecordRPCRetry(method, reason string) {
	m.solanaRPCRetries.WithLabelValues(method, reason).Inc()
}

// RecordEndpointRotation records a fail-over between endpoints.
func (m *Metrics) RecordEndpointRotation(from, to string) {
	m.solanaRPCEndpointRotation.WithLabelValues(from, to).Inc()
}

// History metric helpers

// RecordSignaturesPerPage records the size of a signature page.
func (m *Metrics) RecordSignaturesPerPage(count int) {
	m.signaturesPerPage.Observe(float64(count))
}

// RecordDuplicatePage records a discarded duplicate page.
func (m *Metrics) RecordDuplicatePage() {
	m.duplicatePagesTotal.Inc()
}

// RecordCacheLookup records a cache hit or miss.
func (m *Metrics) RecordCacheLookup(cache string, hit bool) {
	result := "miss"
	if hit {
		result = "hit"
	}
	m.cacheLookupsTotal.WithLabelValues(cache, result).Inc()
}

// Processing metric helpers

// RecordInstructionDecoded records a decoded instruction.
func (m *Metrics) RecordInstructionDecoded(program, kind string) {
	m.instructionsDecodedTotal.WithLabelValues(program, kind).Inc()
}

// RecordTransactionProcessed records a classified transaction.
func (m *Metrics) RecordTransactionProcessed(txType string) {
	m.transactionsProcessed.WithLabelValues(txType).Inc()
}

// RecordTransactionsSkipped records transactions skipped.
func (m *Metrics) RecordTransactionsSkipped(reason string, count int) {
	m.transactionsSkippedTotal.WithLabelValues(reason).Add(float64(count))
}

// RecordPriceLookup records a price lookup.
func (m *Metrics) RecordPriceLookup(source, status string) {
	m.priceLookupsTotal.WithLabelValues(source, status).Inc()
}

// RecordWalletAnalyzed records the outcome of one wallet analysis.
func (m *Metrics) RecordWalletAnalyzed(outcome string, transactions int, duration float64) {
	m.walletsAnalyzedTotal.WithLabelValues(outcome).Inc()
	m.walletAnalysisDuration.WithLabelValues(outcome).Observe(duration)
	m.analysisTransactionsCount.Observe(float64(transactions))
}

// Workflow metric helpers

// RecordWorkflowDuration records workflow execution duration.
func (m *Metrics) RecordWorkflowDuration(status string, duration float64) {
	m.batchWorkflowDuration.WithLabelValues(status).Observe(duration)
	m.batchWorkflowExecutionsTotal.WithLabelValues(status).Inc()
}

// RecordActivityDuration records activity execution duration.
func (m *Metrics) RecordActivityDuration(activity string, duration float64, err error) {
	status := "success"
	if err != nil {
		status = "error"
	}
	m.activityDuration.WithLabelValues(activity, status).Observe(duration)
}

// Database metric helpers

// RecordDBQuery records a database query with duration.
func (m *Metrics) RecordDBQuery(operation, table string, duration float64, err error) {
	status := "success"
	if err != nil {
		status = "error"
	}
	m.dbQueryDuration.WithLabelValues(operation, table).Observe(duration)
	m.dbOperationsTotal.WithLabelValues(operation, status).Inc()
}

// HTTP metric helpers

// RecordHTTPRequest records an HTTP request with duration.
func (m *Metrics) RecordHTTPRequest(handler, method string, statusCode int, duration float64) {
	status := statusCodeToString(statusCode)
	m.httpRequestDuration.WithLabelValues(handler, method, status).Observe(duration)
	m.httpRequestsTotal.WithLabelValues(handler, method, status).Inc()
}

// NATS metric helpers

// RecordNATSPublish records a NATS publish operation.
func (m *Metrics) RecordNATSPublish(subject, status string, duration float64) {
	m.natsMessagesPublished.WithLabelValues(subject, status).Inc()
	m.natsPublishDuration.WithLabelValues(subject).Observe(duration)
}

// Helper functions

func statusCodeToString(code int) string {
	// Group status codes by class
	switch {
	case code >= 200 && code < 300:
		return "2xx"
	case code >= 300 && code < 400:
		return "3xx"
	case code >= 400 && code < 500:
		return "4xx"
	case code >= 500 && code < 600:
		return "5xx"
	default:
		return "unknown"
	}
}
