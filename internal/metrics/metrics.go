package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// HTTP metrics
	HTTPRequestsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "sensorhub_http_requests_total",
			Help: "Total number of HTTP requests",
		},
		[]string{"method", "route", "status"},
	)

	HTTPRequestDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "sensorhub_http_request_duration_seconds",
			Help:    "HTTP request latency in seconds",
			Buckets: []float64{.001, .005, .01, .025, .05, .1, .25, .5, 1, 2.5, 5},
		},
		[]string{"method", "route", "status"},
	)

	HTTPResponseSize = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "sensorhub_http_response_size_bytes",
			Help:    "HTTP response size in bytes",
			Buckets: prometheus.ExponentialBuckets(100, 10, 6),
		},
		[]string{"method", "route"},
	)

	// Ingestion metrics
	IngestReadingsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "sensorhub_ingest_readings_total",
			Help: "Total number of readings received",
		},
		[]string{"status"}, // status: stored, partial, rejected, failed
	)

	IngestDuration = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "sensorhub_ingest_duration_seconds",
			Help:    "Time taken to process one reading end to end",
			Buckets: []float64{.001, .005, .01, .025, .05, .1, .25, .5, 1, 2.5},
		},
	)

	IngestValidationErrors = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "sensorhub_ingest_validation_errors_total",
			Help: "Total number of rejected readings by offending field",
		},
		[]string{"field"},
	)

	DevicesProvisionedTotal = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "sensorhub_devices_provisioned_total",
			Help: "Devices registered implicitly on first reading",
		},
	)

	AlertsRaisedTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "sensorhub_alerts_raised_total",
			Help: "Alerts persisted by type and severity",
		},
		[]string{"alert_type", "severity"},
	)

	AlertsResolvedTotal = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "sensorhub_alerts_resolved_total",
			Help: "Alerts transitioned to resolved",
		},
	)

	// Store metrics
	StoreOperationDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "sensorhub_store_operation_duration_seconds",
			Help:    "Latency of persistence operations",
			Buckets: []float64{.0005, .001, .005, .01, .025, .05, .1, .25, .5, 1},
		},
		[]string{"operation"},
	)

	StoreErrorsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "sensorhub_store_errors_total",
			Help: "Failed persistence operations",
		},
		[]string{"operation"},
	)

	// Notifier metrics
	NotifierSubscribers = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "sensorhub_notifier_subscribers",
			Help: "Currently open change subscriptions",
		},
	)

	NotifierDeliveredTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "sensorhub_notifier_delivered_total",
			Help: "Events delivered to subscribers",
		},
		[]string{"kind"},
	)

	NotifierDroppedTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "sensorhub_notifier_dropped_total",
			Help: "Events dropped because a subscriber buffer was full",
		},
		[]string{"kind"},
	)

	RelayMessagesTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "sensorhub_relay_messages_total",
			Help: "Events exchanged with the cross-process relay",
		},
		[]string{"relay", "direction", "status"}, // direction: out, in
	)

	WebsocketConnections = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "sensorhub_websocket_connections",
			Help: "Currently connected websocket clients",
		},
	)

	// Worker metrics
	WorkerQueueSize = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "sensorhub_worker_queue_size",
			Help: "Current size of the worker queue",
		},
	)

	WorkerQueueCapacity = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "sensorhub_worker_queue_capacity",
			Help: "Capacity of the worker queue",
		},
	)

	WorkerProcessedTotal = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "sensorhub_worker_processed_total",
			Help: "Total number of events processed by workers",
		},
	)

	WorkerFailedTotal = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "sensorhub_worker_failed_total",
			Help: "Total number of events failed in workers",
		},
	)

	WorkerDroppedTotal = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "sensorhub_worker_dropped_total",
			Help: "Total number of events dropped because the worker queue was full",
		},
	)

	WorkerBatchPublishDuration = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "sensorhub_worker_batch_publish_duration_seconds",
			Help:    "Time taken to publish a batch to Kafka",
			Buckets: []float64{.01, .025, .05, .1, .25, .5, 1, 2.5, 5},
		},
	)

	// Kafka producer metrics
	KafkaPublishTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "sensorhub_kafka_publish_total",
			Help: "Total number of messages published to Kafka",
		},
		[]string{"status"},
	)

	KafkaPublishDuration = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "sensorhub_kafka_publish_duration_seconds",
			Help:    "Time taken to publish to Kafka",
			Buckets: []float64{.01, .025, .05, .1, .25, .5, 1, 2.5, 5},
		},
	)

	KafkaPublishRetries = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "sensorhub_kafka_publish_retries_total",
			Help: "Total number of Kafka publish retries",
		},
	)

	KafkaBytesWritten = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "sensorhub_kafka_bytes_written_total",
			Help: "Total bytes written to Kafka",
		},
	)

	// Panic recovery
	PanicsRecovered = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "sensorhub_panics_recovered_total",
			Help: "Total number of panics recovered",
		},
		[]string{"component"},
	)
)
