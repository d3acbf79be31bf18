package types

import (
	"encoding/json"
	"strings"
	"time"
)

// 内置后端标识。运行期的合法集合由注册表决定，这里只是约定的名字，
// 新后端通过注册扩展，无需修改任何核心代码。
const (
	// 协议引擎
	BackendImpersonate = "impersonate"
	BackendResty       = "resty"
	BackendNetHTTP     = "nethttp"
	// 渲染引擎
	BackendChromedp = "chromedp"
	BackendStealth  = "stealth"
	BackendRod      = "rod"
)

// 适配器家族
const (
	FamilyDirect  = "direct"
	FamilyBrowser = "browser"
)

// DefaultTimeout 单次尝试的兜底超时（任务与后端均未指定时生效）。
const DefaultTimeout = 60 * time.Second

// supportedMethods 是信封允许的 HTTP 方法闭集。
var supportedMethods = map[string]struct{}{
	"GET": {}, "POST": {}, "PUT": {}, "DELETE": {},
	"PATCH": {}, "HEAD": {}, "OPTIONS": {}, "TRACE": {},
}

// TaskEnvelope 描述一次下载任务。提交一次、校验通过后即视为不可变：
// 调度器与适配器只读取，不修改。
//
// query / body_form / body_json / automation_config / automation_script /
// opaque_kwargs 均为边界约定的不透明 JSON 负载，核心不解释其结构，
// 原样交给选中的适配器。body_form 与 body_json 至多一个有意义。
type TaskEnvelope struct {
	ID      string `json:"id"`
	Backend string `json:"backend"`
	Method  string `json:"method"`
	URL     string `json:"url"`

	Headers    map[string]string `json:"headers,omitempty"`
	Cookies    map[string]string `json:"cookies,omitempty"`
	Extensions map[string]string `json:"extensions,omitempty"`

	Query            json.RawMessage `json:"query,omitempty"`
	BodyForm         json.RawMessage `json:"body_form,omitempty"`
	BodyJSON         json.RawMessage `json:"body_json,omitempty"`
	AutomationConfig json.RawMessage `json:"automation_config,omitempty"`
	AutomationScript json.RawMessage `json:"automation_script,omitempty"`
	OpaqueKwargs     json.RawMessage `json:"opaque_kwargs,omitempty"`

	// Proxy 为多态代理说明：缺省 / URL 字符串 / 结构体 / 布尔哨兵。
	// 由 proxy.Resolve 在首次尝试前解析一次，重试复用解析结果。
	Proxy json.RawMessage `json:"proxy,omitempty"`

	// TimeoutSeconds 单次尝试的硬截止（秒，可为小数）；0 表示使用后端默认。
	TimeoutSeconds float64 `json:"timeout_seconds,omitempty"`

	// MaxRetries ≥ 0；RetryBackoffSeconds 为退避基数，有重试时必须 > 0。
	MaxRetries          int     `json:"max_retries,omitempty"`
	RetryBackoffSeconds float64 `json:"retry_backoff_seconds,omitempty"`

	// VerifyTLS / FollowRedirects 缺省时按 true 处理。
	VerifyTLS       *bool `json:"verify_tls,omitempty"`
	FollowRedirects *bool `json:"follow_redirects,omitempty"`
	StreamResponse  bool  `json:"stream_response,omitempty"`

	// ImpersonationProfile 是 TLS/HTTP 指纹伪装提示，仅对支持指纹的
	// 后端有意义，其余后端静默忽略。
	ImpersonationProfile string `json:"impersonation_profile,omitempty"`

	// AllowedStatusCodes 为空时采用默认接受规则：任意 2xx/3xx。
	AllowedStatusCodes []int `json:"allowed_status_codes,omitempty"`
}

// Validate 在进入状态机前做入口校验，失败返回 ConfigurationError，
// 不消耗任何重试预算。后端名是否存在由调度器对照注册表检查。
func (t *TaskEnvelope) Validate() error {
	if t == nil {
		return NewConfigurationError("task envelope is nil")
	}
	if t.ID == "" {
		return NewConfigurationError("task id is required")
	}
	if t.URL == "" {
		return NewConfigurationError("task url is required")
	}
	if !strings.HasPrefix(t.URL, "http://") && !strings.HasPrefix(t.URL, "https://") {
		return NewConfigurationError("url must start with http:// or https://")
	}
	if t.Backend == "" {
		return NewConfigurationError("task backend is required")
	}
	if _, ok := supportedMethods[t.Method]; !ok {
		return NewConfigurationError("unsupported http method %q", t.Method)
	}
	if len(t.BodyForm) > 0 && len(t.BodyJSON) > 0 {
		return NewConfigurationError("cannot specify both body_form and body_json")
	}
	if t.MaxRetries < 0 {
		return NewConfigurationError("max_retries must be >= 0, got %d", t.MaxRetries)
	}
	if t.MaxRetries > 0 && t.RetryBackoffSeconds <= 0 {
		return NewConfigurationError("retry_backoff_seconds must be > 0 when max_retries > 0")
	}
	if t.TimeoutSeconds < 0 {
		return NewConfigurationError("timeout_seconds must be >= 0")
	}
	return nil
}

// Timeout 返回单次尝试超时；未设置返回 0，由调度器回落到后端默认值。
func (t *TaskEnvelope) Timeout() time.Duration {
	if t.TimeoutSeconds <= 0 {
		return 0
	}
	return time.Duration(t.TimeoutSeconds * float64(time.Second))
}

// Backoff 返回重试退避基数。
func (t *TaskEnvelope) Backoff() time.Duration {
	if t.RetryBackoffSeconds <= 0 {
		return 0
	}
	return time.Duration(t.RetryBackoffSeconds * float64(time.Second))
}

// SkipTLSVerify 指示是否跳过证书校验（verify_tls 显式为 false 时）。
func (t *TaskEnvelope) SkipTLSVerify() bool {
	return t.VerifyTLS != nil && !*t.VerifyTLS
}

// RedirectsAllowed 指示是否跟随重定向（缺省为 true）。
func (t *TaskEnvelope) RedirectsAllowed() bool {
	return t.FollowRedirects == nil || *t.FollowRedirects
}

// StatusAccepted 判断状态码是否在接受集合内。
// 集合为空采用默认规则：任意 2xx/3xx。
func (t *TaskEnvelope) StatusAccepted(code int) bool {
	if len(t.AllowedStatusCodes) == 0 {
		return code >= 200 && code < 400
	}
	for _, c := range t.AllowedStatusCodes {
		if c == code {
			return true
		}
	}
	return false
}

// HasBody 指示任务是否携带请求体。
func (t *TaskEnvelope) HasBody() bool {
	return len(t.BodyForm) > 0 || len(t.BodyJSON) > 0
}
