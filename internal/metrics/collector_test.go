package metrics

import (
	"errors"
	"fmt"
	"sync/atomic"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"go.uber.org/zap"

	"github.com/BaSui01/fetchflow/types"
)

var collectorNamespaceSeq uint64

func nextTestNamespace() string {
	seq := atomic.AddUint64(&collectorNamespaceSeq, 1)
	return fmt.Sprintf("test_%d", seq)
}

// =============================================================================
// 🧪 Collector 测试
// =============================================================================

func TestNewCollector(t *testing.T) {
	logger := zap.NewNop()
	collector := NewCollector(nextTestNamespace(), logger)

	assert.NotNil(t, collector)
	assert.NotNil(t, collector.tasksTotal)
	assert.NotNil(t, collector.taskDuration)
	assert.NotNil(t, collector.attemptsTotal)
	assert.NotNil(t, collector.retriesTotal)
	assert.NotNil(t, collector.rpcRequestsTotal)
}

func TestCollector_TaskLifecycle(t *testing.T) {
	logger := zap.NewNop()
	collector := NewCollector(nextTestNamespace(), logger)

	collector.TaskStarted(types.BackendNetHTTP)
	inFlight := testutil.ToFloat64(collector.tasksInFlight.WithLabelValues(types.BackendNetHTTP))
	assert.Equal(t, 1.0, inFlight, "任务开始后在途数加一")

	collector.TaskFinished(types.BackendNetHTTP, "succeeded", 1, 120*time.Millisecond)
	inFlight = testutil.ToFloat64(collector.tasksInFlight.WithLabelValues(types.BackendNetHTTP))
	assert.Zero(t, inFlight, "任务结束后在途数归零")

	total := testutil.ToFloat64(collector.tasksTotal.WithLabelValues(types.BackendNetHTTP, "succeeded"))
	assert.Equal(t, 1.0, total)
}

func TestCollector_TaskRejected(t *testing.T) {
	logger := zap.NewNop()
	collector := NewCollector(nextTestNamespace(), logger)

	collector.TaskRejected(types.BackendRod)
	collector.TaskRejected("")

	assert.Equal(t, 1.0, testutil.ToFloat64(collector.tasksTotal.WithLabelValues(types.BackendRod, "rejected")))
	assert.Equal(t, 1.0, testutil.ToFloat64(collector.tasksTotal.WithLabelValues("unknown", "rejected")), "空后端名归入 unknown")

	// 拒绝不触碰在途计数
	inFlight := testutil.ToFloat64(collector.tasksInFlight.WithLabelValues(types.BackendRod))
	assert.Zero(t, inFlight)
}

func TestCollector_RecordAttempt(t *testing.T) {
	logger := zap.NewNop()
	collector := NewCollector(nextTestNamespace(), logger)

	// 成功尝试
	collector.RecordAttempt(types.BackendResty, 200, nil, 80*time.Millisecond, 2048)
	success := testutil.ToFloat64(collector.attemptsTotal.WithLabelValues(types.BackendResty, "success"))
	assert.Equal(t, 1.0, success)

	classOK := testutil.ToFloat64(collector.responseStatus.WithLabelValues(types.BackendResty, "2xx"))
	assert.Equal(t, 1.0, classOK, "状态码应按类别计数")

	// 失败尝试
	collector.RecordAttempt(types.BackendResty, 503,
		types.NewDisallowedStatusError(503, nil), 50*time.Millisecond, 0)
	disallowed := testutil.ToFloat64(collector.attemptsTotal.WithLabelValues(types.BackendResty, "disallowed_status"))
	assert.Equal(t, 1.0, disallowed)

	class5xx := testutil.ToFloat64(collector.responseStatus.WithLabelValues(types.BackendResty, "5xx"))
	assert.Equal(t, 1.0, class5xx)

	// 无响应的传输失败不应产生状态码计数
	collector.RecordAttempt(types.BackendResty, 0,
		types.NewTransportError("connection refused"), 20*time.Millisecond, 0)
	count := testutil.CollectAndCount(collector.responseStatus)
	assert.Equal(t, 2, count, "status=0 不应新增状态码序列")
}

func TestCollector_RecordRetryAndRPC(t *testing.T) {
	logger := zap.NewNop()
	collector := NewCollector(nextTestNamespace(), logger)

	collector.RecordRetry(types.BackendChromedp)
	collector.RecordRetry(types.BackendChromedp)
	retries := testutil.ToFloat64(collector.retriesTotal.WithLabelValues(types.BackendChromedp))
	assert.Equal(t, 2.0, retries)

	collector.RecordRPC("Execute", "OK", 30*time.Millisecond)
	rpc := testutil.ToFloat64(collector.rpcRequestsTotal.WithLabelValues("Execute", "OK"))
	assert.Equal(t, 1.0, rpc)
}

func TestCollector_RecordHistory(t *testing.T) {
	logger := zap.NewNop()
	collector := NewCollector(nextTestNamespace(), logger)

	collector.RecordHistoryWrite(true)
	collector.RecordHistoryWrite(false)
	collector.RecordHistoryDropped()

	ok := testutil.ToFloat64(collector.historyWrites.WithLabelValues("ok"))
	failed := testutil.ToFloat64(collector.historyWrites.WithLabelValues("error"))
	dropped := testutil.ToFloat64(collector.historyDropped)
	assert.Equal(t, 1.0, ok)
	assert.Equal(t, 1.0, failed)
	assert.Equal(t, 1.0, dropped)
}

func TestAttemptResult(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want string
	}{
		{"成功", nil, "success"},
		{"配置错误", types.NewConfigurationError("bad"), "configuration"},
		{"传输错误", types.NewTransportError("timeout"), "transport"},
		{"状态不接受", types.NewDisallowedStatusError(500, nil), "disallowed_status"},
		{"自动化错误", types.NewAutomationError("step failed"), "automation"},
		{"未分类错误", errors.New("plain"), "unknown"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, attemptResult(tt.err))
		})
	}
}

func TestStatusClass(t *testing.T) {
	assert.Equal(t, "2xx", statusClass(204))
	assert.Equal(t, "3xx", statusClass(302))
	assert.Equal(t, "4xx", statusClass(404))
	assert.Equal(t, "5xx", statusClass(503))
	assert.Equal(t, "unknown", statusClass(0))
}

func TestNilCollectorIsNoop(t *testing.T) {
	var c *Collector

	// nil 收集器上的所有记录方法都不应 panic
	assert.NotPanics(t, func() {
		c.TaskStarted("nethttp")
		c.TaskFinished("nethttp", "succeeded", 1, time.Second)
		c.TaskRejected("nethttp")
		c.RecordAttempt("nethttp", 200, nil, time.Second, 128)
		c.RecordRetry("nethttp")
		c.RecordRPC("Execute", "OK", time.Millisecond)
		c.RecordHistoryWrite(true)
		c.RecordHistoryDropped()
	})
}
