package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// IngestTotal 按门户与结果统计入库次数（new / updated / unchanged / invalid / failed）。
	IngestTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "sipi_ingest_total",
		Help: "Listing submissions processed by portal and outcome.",
	}, []string{"portal", "outcome"})

	// IngestConflictRetries 并发冲突导致的重试次数。
	IngestConflictRetries = promauto.NewCounter(prometheus.CounterOpts{
		Name: "sipi_ingest_conflict_retries_total",
		Help: "Retries caused by concurrent updates of the same listing.",
	})

	// ChangeRecordsTotal 按类型统计写入变更账本的记录数。
	ChangeRecordsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "sipi_change_records_total",
		Help: "Change ledger records appended by kind.",
	}, []string{"kind"})

	// MatchTotal 匹配结果（confirmed / candidate / none / kept / skipped）。
	MatchTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "sipi_match_total",
		Help: "Matcher outcomes by result and method.",
	}, []string{"result", "method"})

	// DuplicateEdgesTotal 重复边写入（created / raised / kept）。
	DuplicateEdgesTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "sipi_duplicate_edges_total",
		Help: "Duplicate edge writes by action.",
	}, []string{"action", "method"})

	// StatusTransitionsTotal 生命周期状态迁移。
	StatusTransitionsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "sipi_status_transitions_total",
		Help: "Detection status transitions.",
	}, []string{"from", "to"})

	// DependencyFailuresTotal 外部依赖在重试耗尽后的失败次数。
	DependencyFailuresTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "sipi_dependency_failures_total",
		Help: "Collaborator failures after retries were exhausted.",
	}, []string{"dependency"})

	// DependencyDegraded 依赖降级状态（1 表示降级）。
	DependencyDegraded = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Name: "sipi_dependency_degraded",
		Help: "Whether a collaborator is currently degraded.",
	}, []string{"dependency"})

	// GazetteerLatency 地名库查询耗时。
	GazetteerLatency = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "sipi_gazetteer_request_seconds",
		Help:    "Gazetteer lookup latency.",
		Buckets: prometheus.DefBuckets,
	}, []string{"backend", "op"})

	// PipelineQueueDepth 后处理队列待执行任务数。
	PipelineQueueDepth = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "sipi_pipeline_queue_depth",
		Help: "Pending post-ingest pipeline jobs.",
	})

	// PipelineWorkers 后处理 worker 数量。
	PipelineWorkers = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "sipi_pipeline_workers",
		Help: "Configured post-ingest pipeline workers.",
	})

	// PipelineDroppedTotal 队列满被丢弃的后处理任务（留待 janitor 补偿）。
	PipelineDroppedTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "sipi_pipeline_dropped_total",
		Help: "Pipeline jobs dropped because the queue was full.",
	})

	// RateLimitWaitDuration 限流等待耗时。
	RateLimitWaitDuration = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "sipi_ratelimit_wait_seconds",
		Help:    "Time spent waiting for a gazetteer rate limit token.",
		Buckets: []float64{0.001, 0.01, 0.05, 0.1, 0.5, 1, 2, 5},
	})

	// RateLimitTimeoutTotal 限流等待超时次数。
	RateLimitTimeoutTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "sipi_ratelimit_timeout_total",
		Help: "Rate limit waits aborted by context.",
	})

	// IntakeMessagesTotal 入口消息（stream / sqs）处理结果。
	IntakeMessagesTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "sipi_intake_messages_total",
		Help: "Intake messages by source and result.",
	}, []string{"source", "result"})

	// TaskAutoClaimTotal XAUTOCLAIM 认领的消息数。
	TaskAutoClaimTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "sipi_intake_autoclaim_total",
		Help: "Stream messages reclaimed from idle consumers.",
	})

	// TaskDLQTotal 进入死信队列的消息数。
	TaskDLQTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "sipi_intake_dlq_total",
		Help: "Stream messages moved to the dead letter stream.",
	})

	// EventsPublishedTotal 推送到下游的变更事件。
	EventsPublishedTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "sipi_events_published_total",
		Help: "Change events pushed for downstream consumers.",
	}, []string{"result"})
)

// InitMetrics 初始化静态指标，并为常见标签组合预置 0 值。
func InitMetrics(workers int) {
	PipelineWorkers.Set(float64(workers))
	for _, dep := range []string{"gazetteer", "store", "notify", "events"} {
		DependencyDegraded.WithLabelValues(dep).Set(0)
	}
}
