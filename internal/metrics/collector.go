// Package metrics provides internal metrics collection.
// This package is internal and should not be imported by external projects.
package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"go.uber.org/zap"

	"github.com/BaSui01/fetchflow/types"
)

// =============================================================================
// 📊 指标收集器
// =============================================================================

// Collector 指标收集器。nil 接收者安全:所有记录方法在 nil 上为空操作,
// 便于在未启用指标时直接传 nil。
type Collector struct {
	// 任务指标
	tasksTotal      *prometheus.CounterVec
	taskDuration    *prometheus.HistogramVec
	tasksInFlight   *prometheus.GaugeVec
	attemptsPerTask *prometheus.HistogramVec

	// 尝试指标
	attemptsTotal   *prometheus.CounterVec
	attemptDuration *prometheus.HistogramVec
	retriesTotal    *prometheus.CounterVec
	responseStatus  *prometheus.CounterVec
	responseSize    *prometheus.HistogramVec

	// RPC 指标
	rpcRequestsTotal *prometheus.CounterVec
	rpcDuration      *prometheus.HistogramVec

	// 历史落库指标
	historyWrites  *prometheus.CounterVec
	historyDropped prometheus.Counter

	logger *zap.Logger
}

// NewCollector 创建指标收集器
func NewCollector(namespace string, logger *zap.Logger) *Collector {
	if logger == nil {
		logger = zap.NewNop()
	}
	c := &Collector{
		logger: logger.With(zap.String("component", "metrics")),
	}

	// 任务指标
	c.tasksTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "tasks_total",
			Help:      "Total number of dispatched tasks by terminal outcome",
		},
		[]string{"backend", "outcome"},
	)

	c.taskDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "task_duration_seconds",
			Help:      "End-to-end task duration including backoff waits",
			Buckets:   []float64{0.05, 0.1, 0.25, 0.5, 1, 2, 5, 10, 30, 60, 120},
		},
		[]string{"backend"},
	)

	c.tasksInFlight = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "tasks_in_flight",
			Help:      "Number of tasks currently being dispatched",
		},
		[]string{"backend"},
	)

	c.attemptsPerTask = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "attempts_per_task",
			Help:      "Number of adapter attempts consumed per task",
			Buckets:   []float64{1, 2, 3, 4, 5, 8, 12},
		},
		[]string{"backend"},
	)

	// 尝试指标
	c.attemptsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "attempts_total",
			Help:      "Total number of adapter attempts by result",
		},
		[]string{"backend", "result"},
	)

	c.attemptDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "attempt_duration_seconds",
			Help:      "Single adapter attempt duration",
			Buckets:   []float64{0.05, 0.1, 0.25, 0.5, 1, 2, 5, 10, 30, 60},
		},
		[]string{"backend"},
	)

	c.retriesTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "retries_total",
			Help:      "Total number of retry waits entered",
		},
		[]string{"backend"},
	)

	c.responseStatus = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "response_status_total",
			Help:      "Observed upstream status codes by class",
		},
		[]string{"backend", "class"},
	)

	c.responseSize = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "response_size_bytes",
			Help:      "Response body size in bytes",
			Buckets:   prometheus.ExponentialBuckets(256, 4, 8),
		},
		[]string{"backend"},
	)

	// RPC 指标
	c.rpcRequestsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "rpc_requests_total",
			Help:      "Total number of RPC calls by method and code",
		},
		[]string{"method", "code"},
	)

	c.rpcDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "rpc_duration_seconds",
			Help:      "RPC handling duration in seconds",
			Buckets:   prometheus.DefBuckets,
		},
		[]string{"method"},
	)

	// 历史落库指标
	c.historyWrites = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "history_writes_total",
			Help:      "Task history records written by status",
		},
		[]string{"status"},
	)

	c.historyDropped = promauto.NewCounter(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "history_dropped_total",
			Help:      "Task history records dropped because the write buffer was full",
		},
	)

	logger.Info("metrics collector initialized", zap.String("namespace", namespace))

	return c
}

// =============================================================================
// 🎯 任务指标记录
// =============================================================================

// TaskStarted 记录任务进入调度
func (c *Collector) TaskStarted(backend string) {
	if c == nil {
		return
	}
	c.tasksInFlight.WithLabelValues(backend).Inc()
}

// TaskFinished 记录任务终态
func (c *Collector) TaskFinished(backend, outcome string, attempts int, duration time.Duration) {
	if c == nil {
		return
	}
	c.tasksInFlight.WithLabelValues(backend).Dec()
	c.tasksTotal.WithLabelValues(backend, outcome).Inc()
	c.taskDuration.WithLabelValues(backend).Observe(duration.Seconds())
	c.attemptsPerTask.WithLabelValues(backend).Observe(float64(attempts))
}

// TaskRejected 记录一次未进入执行即被拒绝的任务。
// 被拒绝的任务从未占用在途计数,也不计入尝试分布。
func (c *Collector) TaskRejected(backend string) {
	if c == nil {
		return
	}
	if backend == "" {
		backend = "unknown"
	}
	c.tasksTotal.WithLabelValues(backend, "rejected").Inc()
}

// =============================================================================
// 📡 尝试指标记录
// =============================================================================

// RecordAttempt 记录一次适配器调用
func (c *Collector) RecordAttempt(backend string, status int, err error, duration time.Duration, responseSize int) {
	if c == nil {
		return
	}
	c.attemptsTotal.WithLabelValues(backend, attemptResult(err)).Inc()
	c.attemptDuration.WithLabelValues(backend).Observe(duration.Seconds())
	if status > 0 {
		c.responseStatus.WithLabelValues(backend, statusClass(status)).Inc()
	}
	if responseSize > 0 {
		c.responseSize.WithLabelValues(backend).Observe(float64(responseSize))
	}
}

// RecordRetry 记录一次进入退避等待
func (c *Collector) RecordRetry(backend string) {
	if c == nil {
		return
	}
	c.retriesTotal.WithLabelValues(backend).Inc()
}

// =============================================================================
// 📨 RPC 指标记录
// =============================================================================

// RecordRPC 记录一次 RPC 调用
func (c *Collector) RecordRPC(method, code string, duration time.Duration) {
	if c == nil {
		return
	}
	c.rpcRequestsTotal.WithLabelValues(method, code).Inc()
	c.rpcDuration.WithLabelValues(method).Observe(duration.Seconds())
}

// =============================================================================
// 💾 历史指标记录
// =============================================================================

// RecordHistoryWrite 记录一次历史落库
func (c *Collector) RecordHistoryWrite(ok bool) {
	if c == nil {
		return
	}
	if ok {
		c.historyWrites.WithLabelValues("ok").Inc()
	} else {
		c.historyWrites.WithLabelValues("error").Inc()
	}
}

// RecordHistoryDropped 记录一次因缓冲满被丢弃的历史记录
func (c *Collector) RecordHistoryDropped() {
	if c == nil {
		return
	}
	c.historyDropped.Inc()
}

// =============================================================================
// 🔧 辅助函数
// =============================================================================

// attemptResult 把尝试结果归一为指标标签
func attemptResult(err error) string {
	if err == nil {
		return "success"
	}
	switch types.CodeOf(err) {
	case types.ErrConfiguration:
		return "configuration"
	case types.ErrTransport:
		return "transport"
	case types.ErrDisallowedStatus:
		return "disallowed_status"
	case types.ErrAutomation:
		return "automation"
	}
	return "unknown"
}

// statusClass 将 HTTP 状态码归类为字符串
func statusClass(code int) string {
	switch {
	case code >= 200 && code < 300:
		return "2xx"
	case code >= 300 && code < 400:
		return "3xx"
	case code >= 400 && code < 500:
		return "4xx"
	case code >= 500:
		return "5xx"
	default:
		return "unknown"
	}
}
