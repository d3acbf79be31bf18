package types

import (
	"encoding/json"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func validTask() *TaskEnvelope {
	return &TaskEnvelope{
		ID:      "task-001",
		Backend: BackendNetHTTP,
		Method:  "GET",
		URL:     "https://example.com/page",
	}
}

func TestTaskEnvelopeValidate(t *testing.T) {
	tests := []struct {
		name    string
		mutate  func(*TaskEnvelope)
		wantErr string
	}{
		{"合法任务", func(task *TaskEnvelope) {}, ""},
		{"缺少 id", func(task *TaskEnvelope) { task.ID = "" }, "task id is required"},
		{"缺少 url", func(task *TaskEnvelope) { task.URL = "" }, "task url is required"},
		{"url 缺少协议", func(task *TaskEnvelope) { task.URL = "example.com" }, "must start with"},
		{"缺少 backend", func(task *TaskEnvelope) { task.Backend = "" }, "backend is required"},
		{"非法方法", func(task *TaskEnvelope) { task.Method = "FETCH" }, "unsupported http method"},
		{"小写方法", func(task *TaskEnvelope) { task.Method = "get" }, "unsupported http method"},
		{"同时指定两种请求体", func(task *TaskEnvelope) {
			task.BodyForm = json.RawMessage(`{"a":"1"}`)
			task.BodyJSON = json.RawMessage(`{"b":2}`)
		}, "cannot specify both"},
		{"负数重试", func(task *TaskEnvelope) { task.MaxRetries = -1 }, "max_retries must be >= 0"},
		{"有重试但退避为零", func(task *TaskEnvelope) {
			task.MaxRetries = 3
			task.RetryBackoffSeconds = 0
		}, "retry_backoff_seconds must be > 0"},
		{"负超时", func(task *TaskEnvelope) { task.TimeoutSeconds = -1 }, "timeout_seconds must be >= 0"},
		{"零重试允许零退避", func(task *TaskEnvelope) {
			task.MaxRetries = 0
			task.RetryBackoffSeconds = 0
		}, ""},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			task := validTask()
			tt.mutate(task)
			err := task.Validate()
			if tt.wantErr == "" {
				assert.NoError(t, err)
				return
			}
			require.Error(t, err)
			assert.Contains(t, err.Error(), tt.wantErr)
			assert.Equal(t, ErrConfiguration, CodeOf(err), "校验失败应归类为配置错误")
			assert.False(t, IsRetryable(err), "配置错误不可重试")
		})
	}
}

func TestTaskEnvelopeDefaults(t *testing.T) {
	task := validTask()

	t.Run("超时未设置返回零值", func(t *testing.T) {
		assert.Equal(t, time.Duration(0), task.Timeout())
	})

	t.Run("小数超时", func(t *testing.T) {
		task := validTask()
		task.TimeoutSeconds = 0.001
		assert.Equal(t, time.Millisecond, task.Timeout())
	})

	t.Run("verify_tls 缺省为开启", func(t *testing.T) {
		assert.False(t, task.SkipTLSVerify())
		off := false
		task := validTask()
		task.VerifyTLS = &off
		assert.True(t, task.SkipTLSVerify())
	})

	t.Run("follow_redirects 缺省为开启", func(t *testing.T) {
		assert.True(t, task.RedirectsAllowed())
		off := false
		task := validTask()
		task.FollowRedirects = &off
		assert.False(t, task.RedirectsAllowed())
	})

	t.Run("退避基数换算", func(t *testing.T) {
		task := validTask()
		task.RetryBackoffSeconds = 2.5
		assert.Equal(t, 2500*time.Millisecond, task.Backoff())
	})
}

func TestStatusAccepted(t *testing.T) {
	t.Run("空集合采用 2xx/3xx 默认规则", func(t *testing.T) {
		task := validTask()
		assert.True(t, task.StatusAccepted(200))
		assert.True(t, task.StatusAccepted(204))
		assert.True(t, task.StatusAccepted(301))
		assert.True(t, task.StatusAccepted(399))
		assert.False(t, task.StatusAccepted(199))
		assert.False(t, task.StatusAccepted(404))
		assert.False(t, task.StatusAccepted(500))
		assert.False(t, task.StatusAccepted(0))
	})

	t.Run("显式集合按成员精确匹配", func(t *testing.T) {
		task := validTask()
		task.AllowedStatusCodes = []int{200, 404}
		assert.True(t, task.StatusAccepted(200))
		assert.True(t, task.StatusAccepted(404))
		assert.False(t, task.StatusAccepted(301), "显式集合之外的 3xx 不再被接受")
		assert.False(t, task.StatusAccepted(500))
	})
}

func TestTaskEnvelopeJSONRoundTrip(t *testing.T) {
	off := false
	task := &TaskEnvelope{
		ID:                   "task-rt",
		Backend:              BackendImpersonate,
		Method:               "POST",
		URL:                  "https://example.com/submit",
		Headers:              map[string]string{"X-Token": "abc"},
		BodyJSON:             json.RawMessage(`{"k":"v"}`),
		Proxy:                json.RawMessage(`"http://127.0.0.1:8080"`),
		TimeoutSeconds:       1.5,
		MaxRetries:           2,
		RetryBackoffSeconds:  2,
		VerifyTLS:            &off,
		ImpersonationProfile: "chrome",
		AllowedStatusCodes:   []int{200, 404},
	}

	data, err := json.Marshal(task)
	require.NoError(t, err)

	var decoded TaskEnvelope
	require.NoError(t, json.Unmarshal(data, &decoded))
	assert.Equal(t, task.ID, decoded.ID)
	assert.Equal(t, task.Backend, decoded.Backend)
	assert.JSONEq(t, string(task.BodyJSON), string(decoded.BodyJSON))
	assert.True(t, decoded.SkipTLSVerify(), "显式关闭的 verify_tls 应在解码后保留")
	assert.NoError(t, decoded.Validate())
}
