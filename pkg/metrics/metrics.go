package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// 摄取结果计数
	IngestOutcomeCount = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "safereply_ingest_messages_total",
			Help: "Candidates seen by the ingestion orchestrator by outcome",
		},
		[]string{"source", "outcome"}, // outcome: new, blocked, seen, duplicate, failed
	)

	// 单次轮询耗时（秒）
	PollDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "safereply_poll_duration_seconds",
			Help:    "Duration of one ingestOnce run",
			Buckets: prometheus.ExponentialBuckets(0.05, 2, 12), // 50ms to ~100s
		},
		[]string{"source"},
	)

	// AI 调用延迟（毫秒）
	AICallLatency = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "safereply_ai_call_latency_ms",
			Help:    "AI classifier/drafter call latency in milliseconds",
			Buckets: prometheus.ExponentialBuckets(100, 2, 10), // 100ms to ~100s
		},
		[]string{"operation", "status"},
	)

	TriageCount = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "safereply_triage_total",
			Help: "Triage results by type",
		},
		[]string{"triage_type", "degraded"},
	)

	NotificationCount = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "safereply_notifications_total",
			Help: "Owner notifications by layout and status",
		},
		[]string{"layout", "status"},
	)

	ActionCount = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "safereply_actions_total",
			Help: "Owner actions by command and result",
		},
		[]string{"command", "result"},
	)

	EmergencyCount = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "safereply_emergency_alerts_total",
			Help: "Emergency alerts by kind and result",
		},
		[]string{"kind", "result"}, // result: sent, suppressed, failed
	)

	// MQ 消费延迟（毫秒）
	MQConsumeLatency = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "safereply_mq_consume_latency_ms",
			Help:    "MQ message consumption latency in milliseconds",
			Buckets: prometheus.ExponentialBuckets(10, 2, 10),
		},
		[]string{"routing_key", "status"}, // status: ack, nack, dlq, panic
	)

	SlowQueryCount = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "safereply_db_slow_queries_total",
			Help: "Queries slower than the configured threshold",
		},
		[]string{"statement"},
	)

	SlowQueryDuration = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "safereply_db_slow_query_duration_seconds",
			Help:    "Duration of slow queries",
			Buckets: prometheus.ExponentialBuckets(0.1, 2, 8),
		},
	)

	CircuitState = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "safereply_circuit_breaker_state",
			Help: "Circuit breaker state (0 closed, 1 open, 2 half-open)",
		},
		[]string{"name"},
	)
)

// RecordIngestOutcome 记录候选消息的处理结果
func RecordIngestOutcome(source, outcome string) {
	IngestOutcomeCount.WithLabelValues(source, outcome).Inc()
}

// RecordPollDuration 记录一次轮询耗时
func RecordPollDuration(source string, duration time.Duration) {
	PollDuration.WithLabelValues(source).Observe(duration.Seconds())
}

// RecordAICallLatency 记录 AI 调用延迟
func RecordAICallLatency(operation, status string, duration time.Duration) {
	AICallLatency.WithLabelValues(operation, status).Observe(float64(duration.Milliseconds()))
}

func IncrementTriage(triageType string, degraded bool) {
	d := "false"
	if degraded {
		d = "true"
	}
	TriageCount.WithLabelValues(triageType, d).Inc()
}

func IncrementNotification(layout, status string) {
	NotificationCount.WithLabelValues(layout, status).Inc()
}

func IncrementAction(command, result string) {
	ActionCount.WithLabelValues(command, result).Inc()
}

func IncrementEmergency(kind, result string) {
	EmergencyCount.WithLabelValues(kind, result).Inc()
}

// RecordMQConsumeLatency 记录 MQ 消费延迟
func RecordMQConsumeLatency(routingKey, status string, duration time.Duration) {
	MQConsumeLatency.WithLabelValues(routingKey, status).Observe(float64(duration.Milliseconds()))
}

// IncrementSlowQuery 记录慢查询
func IncrementSlowQuery(statement string, duration time.Duration) {
	SlowQueryCount.WithLabelValues(statement).Inc()
	SlowQueryDuration.Observe(duration.Seconds())
}

func SetCircuitState(name string, state int) {
	CircuitState.WithLabelValues(name).Set(float64(state))
}
