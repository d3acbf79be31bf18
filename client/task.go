// Copyright (c) FetchFlow Authors.
// Licensed under the MIT License.

package client

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/BaSui01/fetchflow/types"
)

// =============================================================================
// 📦 任务构造
// =============================================================================

// 未显式指定时的执行参数, 与原生 SDK 默认一致。
const (
	defaultTimeoutSeconds = 60
	defaultMaxRetries     = 3
	defaultBackoffSeconds = 2
)

// TaskOption 调整单个任务信封的构造参数。
type TaskOption func(*taskSpec)

// taskSpec 信封加上若干延迟序列化的字段。
// query/proxy 等接受任意 Go 值, 统一在 finalize 阶段编码, 序列化失败
// 能带着字段名返回而不是在 option 里被吞掉。
type taskSpec struct {
	env types.TaskEnvelope

	query            any
	proxy            any
	formBody         any
	jsonBody         any
	automationConfig any
	automationScript any
}

// WithBackend 指定执行后端, 覆盖客户端默认值。
func WithBackend(name string) TaskOption {
	return func(s *taskSpec) { s.env.Backend = name }
}

// WithHeaders 合并请求头。多次调用累积, 同名键后写的生效。
func WithHeaders(headers map[string]string) TaskOption {
	return func(s *taskSpec) {
		if s.env.Headers == nil {
			s.env.Headers = make(map[string]string, len(headers))
		}
		for k, v := range headers {
			s.env.Headers[k] = v
		}
	}
}

// WithCookies 合并请求 Cookie。
func WithCookies(cookies map[string]string) TaskOption {
	return func(s *taskSpec) {
		if s.env.Cookies == nil {
			s.env.Cookies = make(map[string]string, len(cookies))
		}
		for k, v := range cookies {
			s.env.Cookies[k] = v
		}
	}
}

// WithExtensions 合并扩展字段, 原样透传给执行后端。
func WithExtensions(ext map[string]string) TaskOption {
	return func(s *taskSpec) {
		if s.env.Extensions == nil {
			s.env.Extensions = make(map[string]string, len(ext))
		}
		for k, v := range ext {
			s.env.Extensions[k] = v
		}
	}
}

// WithQuery 设置查询参数, 任意可 JSON 序列化的值。
func WithQuery(params any) TaskOption {
	return func(s *taskSpec) { s.query = params }
}

// WithProxy 设置代理规格: 代理 URL 字符串、结构化规格对象,
// 或布尔值 false 显式禁用代理。
func WithProxy(spec any) TaskOption {
	return func(s *taskSpec) { s.proxy = spec }
}

// WithFormBody 设置表单体。与 WithJSONBody 互斥, 校验阶段拒绝二者同时出现。
func WithFormBody(form any) TaskOption {
	return func(s *taskSpec) { s.formBody = form }
}

// WithJSONBody 设置 JSON 体。
func WithJSONBody(body any) TaskOption {
	return func(s *taskSpec) { s.jsonBody = body }
}

// WithTimeout 设置单次尝试的超时。
func WithTimeout(d time.Duration) TaskOption {
	return func(s *taskSpec) { s.env.TimeoutSeconds = d.Seconds() }
}

// WithRetries 设置重试预算与退避基数。max 为 0 表示只尝试一次。
func WithRetries(max int, backoff time.Duration) TaskOption {
	return func(s *taskSpec) {
		s.env.MaxRetries = max
		s.env.RetryBackoffSeconds = backoff.Seconds()
	}
}

// WithImpersonationProfile 设置浏览器指纹档位, impersonate 后端使用。
func WithImpersonationProfile(profile string) TaskOption {
	return func(s *taskSpec) { s.env.ImpersonationProfile = profile }
}

// WithAllowedStatuses 显式声明可接受的 HTTP 状态码。
// 不调用时由服务端按 2xx/3xx 默认规则判定。
func WithAllowedStatuses(codes ...int) TaskOption {
	return func(s *taskSpec) { s.env.AllowedStatusCodes = codes }
}

// WithStream 标记任务期望流式读取响应体。
func WithStream() TaskOption {
	return func(s *taskSpec) { s.env.StreamResponse = true }
}

// WithVerifyTLS 控制是否校验服务端证书。
func WithVerifyTLS(verify bool) TaskOption {
	return func(s *taskSpec) { s.env.VerifyTLS = &verify }
}

// WithFollowRedirects 控制是否跟随重定向。
func WithFollowRedirects(follow bool) TaskOption {
	return func(s *taskSpec) { s.env.FollowRedirects = &follow }
}

// WithAutomationConfig 设置浏览器自动化会话配置, 浏览器族后端使用。
// 接受结构化值 (map 或 struct), 或已编码好的 JSON 对象文本
// (string / []byte / json.RawMessage), 后者原样下发不再二次转义。
func WithAutomationConfig(cfg any) TaskOption {
	return func(s *taskSpec) { s.automationConfig = cfg }
}

// WithAutomationScript 设置随任务下发的自动化脚本。浏览器族后端要求
// 负载是 JSON 步骤数组 (browser.Step 的 wire 形态); 这里接受结构化
// 步骤 (如 []browser.Step), 或已编码好的 JSON 数组文本
// (string / []byte / json.RawMessage), 后者原样下发不再二次转义。
func WithAutomationScript(script any) TaskOption {
	return func(s *taskSpec) { s.automationScript = script }
}

// NewTask 构造一个带默认执行参数的任务信封: 生成 UUID, 超时 60 秒,
// 重试 3 次, 退避基数 2 秒, 后端 impersonate。便捷方法内部走同一套逻辑。
func NewTask(method, url string, opts ...TaskOption) (*types.TaskEnvelope, error) {
	return buildTask(method, url, types.BackendImpersonate, opts)
}

func buildTask(method, url, backend string, opts []TaskOption) (*types.TaskEnvelope, error) {
	spec := &taskSpec{env: types.TaskEnvelope{
		ID:                  uuid.New().String(),
		Backend:             backend,
		Method:              method,
		URL:                 url,
		TimeoutSeconds:      defaultTimeoutSeconds,
		MaxRetries:          defaultMaxRetries,
		RetryBackoffSeconds: defaultBackoffSeconds,
	}}
	for _, opt := range opts {
		opt(spec)
	}
	return spec.finalize()
}

// finalize 编码所有延迟字段并交出信封。
// automation 负载是引擎侧结构 (步骤数组 / 配置对象) 的透传通道:
// 文本形式的值视作已编码 JSON 原样嵌入, 否则脚本会变成带引号的
// JSON 字符串, 被所有浏览器后端以 ConfigurationError 拒绝。
// proxy 没有这一待遇 — 多态代理说明里字符串本身就是合法变体,
// 必须保持带引号的 JSON 字符串形态。
func (s *taskSpec) finalize() (*types.TaskEnvelope, error) {
	fields := []struct {
		dst     *json.RawMessage
		val     any
		name    string
		rawText bool
	}{
		{&s.env.Query, s.query, "query", false},
		{&s.env.Proxy, s.proxy, "proxy", false},
		{&s.env.BodyForm, s.formBody, "form body", false},
		{&s.env.BodyJSON, s.jsonBody, "json body", false},
		{&s.env.AutomationConfig, s.automationConfig, "automation config", true},
		{&s.env.AutomationScript, s.automationScript, "automation script", true},
	}
	for _, f := range fields {
		if f.val == nil {
			continue
		}
		raw, err := encodeOpaque(f.val, f.rawText)
		if err != nil {
			return nil, fmt.Errorf("client: marshal %s: %w", f.name, err)
		}
		*f.dst = raw
	}
	return &s.env, nil
}

// encodeOpaque 编码一个不透明负载。rawText 时文本值按已编码 JSON
// 处理, 仅校验合法性; 其余值走常规序列化。
func encodeOpaque(val any, rawText bool) (json.RawMessage, error) {
	if rawText {
		var raw json.RawMessage
		switch v := val.(type) {
		case json.RawMessage:
			raw = v
		case []byte:
			raw = json.RawMessage(v)
		case string:
			raw = json.RawMessage(v)
		}
		if raw != nil {
			if !json.Valid(raw) {
				return nil, fmt.Errorf("raw payload is not valid json")
			}
			return raw, nil
		}
	}
	return json.Marshal(val)
}
