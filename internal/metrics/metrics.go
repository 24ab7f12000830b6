package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// HTTP метрики
	HTTPRequestDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "trackproc_http_request_duration_seconds",
			Help:    "Duration of HTTP requests in seconds",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"method", "endpoint", "status"},
	)

	HTTPRequestsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "trackproc_http_requests_total",
			Help: "Total number of HTTP requests",
		},
		[]string{"method", "endpoint", "status"},
	)

	// Метрики очереди заданий
	QueueJobsEnqueued = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "trackproc_queue_jobs_enqueued_total",
			Help: "Total number of jobs accepted by the queue",
		},
	)

	QueueJobsDeduplicated = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "trackproc_queue_jobs_deduplicated_total",
			Help: "Total number of enqueue calls coalesced with an existing job",
		},
	)

	QueueJobsCompleted = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "trackproc_queue_jobs_completed_total",
			Help: "Total number of jobs completed successfully",
		},
	)

	QueueJobsFailed = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "trackproc_queue_jobs_failed_total",
			Help: "Total number of jobs dead-lettered after exhausting retries",
		},
	)

	QueueJobRetries = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "trackproc_queue_job_retries_total",
			Help: "Total number of job retry attempts",
		},
	)

	QueueDepth = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "trackproc_queue_depth",
			Help: "Number of jobs currently pending or in flight",
		},
	)

	QueueJobDuration = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "trackproc_queue_job_duration_seconds",
			Help:    "Duration of job processing in seconds",
			Buckets: []float64{.005, .01, .025, .05, .1, .25, .5, 1, 2.5, 5, 10},
		},
	)

	// Метрики трек-процессора: распределение исходов классификации
	ProcessorOutcomes = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "trackproc_processor_outcomes_total",
			Help: "Track processor job outcomes by classification",
		},
		[]string{"outcome"}, // first, stale_gap, skipped_out_of_order, stop_coalesced, emitted, duplicate
	)

	ProcessorMethods = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "trackproc_processor_methods_total",
			Help: "Emitted samples by processing method",
		},
		[]string{"method"}, // raw_first, kalman, osrm, kalman_fallback
	)

	ProcessorMatchConfidence = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "trackproc_processor_match_confidence",
			Help:    "Distribution of map-matching confidence for emitted samples",
			Buckets: []float64{0, 0.1, 0.2, 0.3, 0.4, 0.5, 0.6, 0.7, 0.8, 0.9, 1},
		},
	)

	// Метрики OSRM клиента
	OSRMRequestDuration = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "trackproc_osrm_request_duration_seconds",
			Help:    "Duration of OSRM match requests in seconds",
			Buckets: []float64{.01, .025, .05, .1, .25, .5, 1, 2.5, 5},
		},
	)

	OSRMRequestErrors = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "trackproc_osrm_request_errors_total",
			Help: "Total number of failed OSRM requests (transport, 5xx, parse)",
		},
	)

	OSRMNoMatch = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "trackproc_osrm_no_match_total",
			Help: "Total number of OSRM responses without a match solution",
		},
	)

	// Redis метрики
	RedisOperationDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "trackproc_redis_operation_duration_seconds",
			Help:    "Duration of Redis operations in seconds",
			Buckets: []float64{.001, .005, .01, .025, .05, .1, .25, .5, 1},
		},
		[]string{"operation"},
	)

	RedisOperationErrors = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "trackproc_redis_operation_errors_total",
			Help: "Total number of Redis operation errors",
		},
		[]string{"operation"},
	)

	RedisConnectionStatus = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "trackproc_redis_connection_status",
			Help: "Redis connection status (1 = connected, 0 = disconnected)",
		},
	)

	// MySQL метрики
	MySQLBatchSize = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "trackproc_mysql_batch_size",
			Help:    "Size of MySQL batch inserts",
			Buckets: []float64{1, 10, 50, 100, 250, 500, 1000},
		},
	)

	MySQLBatchDuration = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "trackproc_mysql_batch_duration_seconds",
			Help:    "Duration of MySQL batch operations in seconds",
			Buckets: []float64{.001, .005, .01, .025, .05, .1, .25, .5, 1, 2.5, 5},
		},
	)

	MySQLWriteErrors = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "trackproc_mysql_write_errors_total",
			Help: "Total number of MySQL write errors",
		},
	)

	MySQLConnectionStatus = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "trackproc_mysql_connection_status",
			Help: "MySQL connection status (1 = connected, 0 = disconnected)",
		},
	)

	// WebSocket метрики
	WebSocketConnections = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "trackproc_websocket_connections_active",
			Help: "Number of active WebSocket connections",
		},
	)

	WebSocketMessagesOut = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "trackproc_websocket_messages_out_total",
			Help: "Total number of WebSocket messages sent",
		},
	)

	WebSocketErrors = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "trackproc_websocket_errors_total",
			Help: "Total number of WebSocket errors",
		},
	)

	// MQTT метрики
	MQTTMessagesReceived = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "trackproc_mqtt_messages_received_total",
			Help: "Total number of MQTT messages received",
		},
	)

	MQTTParseErrors = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "trackproc_mqtt_parse_errors_total",
			Help: "Total number of MQTT message parse errors",
		},
	)

	MQTTConnectionStatus = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "trackproc_mqtt_connection_status",
			Help: "MQTT connection status (1 = connected, 0 = disconnected)",
		},
	)

	// Общие метрики приложения
	AppInfo = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "trackproc_app_info",
			Help: "Application information",
		},
		[]string{"version", "commit", "build_time"},
	)

	KalmanTrackedDevices = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "trackproc_kalman_tracked_devices",
			Help: "Number of devices with live Kalman filter state",
		},
	)
)

// SetAppInfo устанавливает информацию о версии приложения
func SetAppInfo(version, commit, buildTime string) {
	AppInfo.WithLabelValues(version, commit, buildTime).Set(1)
}
