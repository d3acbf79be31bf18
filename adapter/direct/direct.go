// Package direct 实现协议层执行引擎: 直接通过 HTTP 客户端发起请求,
// 不经过浏览器渲染。包含 nethttp (标准库)、resty 与 impersonate
// (TLS 指纹伪装) 三个引擎。
package direct

import (
	"bytes"
	"context"
	"crypto/tls"
	"encoding/json"
	"errors"
	"io"
	"net"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/tidwall/gjson"

	"github.com/BaSui01/fetchflow/adapter"
	"github.com/BaSui01/fetchflow/types"
)

// maxRedirects 所有协议引擎共用的重定向上限
const maxRedirects = 10

// ensureDeadline 为尝试补上硬截止。调度器传入的 ctx 通常已带截止,
// 此时原样返回, 引擎单独使用时由这里兜底。
func ensureDeadline(ctx context.Context, timeout time.Duration) (context.Context, context.CancelFunc) {
	if timeout <= 0 {
		return ctx, func() {}
	}
	if _, ok := ctx.Deadline(); ok {
		return ctx, func() {}
	}
	return context.WithTimeout(ctx, timeout)
}

// decodeStringMap 把不透明 JSON 负载解析为扁平键值对。
// 数值与布尔值按字面量转为字符串, 非对象结构视为配置错误。
func decodeStringMap(raw json.RawMessage, what string) (map[string]string, error) {
	if len(raw) == 0 {
		return nil, nil
	}
	if !gjson.ValidBytes(raw) {
		return nil, types.NewConfigurationError("%s payload is not valid json", what)
	}
	parsed := gjson.ParseBytes(raw)
	if !parsed.IsObject() {
		return nil, types.NewConfigurationError("%s payload must be a json object", what)
	}
	fields := make(map[string]string)
	parsed.ForEach(func(key, value gjson.Result) bool {
		fields[key.String()] = value.String()
		return true
	})
	return fields, nil
}

// targetURL 把 query 负载合并进任务 URL。
func targetURL(task *types.TaskEnvelope) (string, error) {
	if len(task.Query) == 0 {
		return task.URL, nil
	}
	params, err := decodeStringMap(task.Query, "query")
	if err != nil {
		return "", err
	}
	u, err := url.Parse(task.URL)
	if err != nil {
		return "", types.NewConfigurationError("url %q unparsable", task.URL).WithCause(err)
	}
	q := u.Query()
	for key, value := range params {
		q.Set(key, value)
	}
	u.RawQuery = q.Encode()
	return u.String(), nil
}

// buildBody 构造请求体。body_json 原样透传, body_form 编码为表单。
func buildBody(task *types.TaskEnvelope) (body []byte, contentType string, err error) {
	switch {
	case len(task.BodyJSON) > 0:
		if !gjson.ValidBytes(task.BodyJSON) {
			return nil, "", types.NewConfigurationError("body_json payload is not valid json")
		}
		return task.BodyJSON, "application/json", nil
	case len(task.BodyForm) > 0:
		fields, err := decodeStringMap(task.BodyForm, "body_form")
		if err != nil {
			return nil, "", err
		}
		form := url.Values{}
		for key, value := range fields {
			form.Set(key, value)
		}
		return []byte(form.Encode()), "application/x-www-form-urlencoded", nil
	}
	return nil, "", nil
}

// buildHTTPRequest 组装标准库请求, 应用任务头与 Cookie。
func buildHTTPRequest(ctx context.Context, method, target string, body []byte, contentType string, task *types.TaskEnvelope) (*http.Request, error) {
	var reader io.Reader
	if len(body) > 0 {
		reader = bytes.NewReader(body)
	}
	req, err := http.NewRequestWithContext(ctx, method, target, reader)
	if err != nil {
		return nil, types.NewConfigurationError("build request for %q failed", target).WithCause(err)
	}
	for key, value := range task.Headers {
		req.Header.Set(key, value)
	}
	if contentType != "" && req.Header.Get("Content-Type") == "" {
		req.Header.Set("Content-Type", contentType)
	}
	for name, value := range task.Cookies {
		req.AddCookie(&http.Cookie{Name: name, Value: value})
	}
	return req, nil
}

// headerMap 把响应头压平为单值映射, 多值头以逗号连接。
func headerMap(h http.Header) map[string]string {
	m := make(map[string]string, len(h))
	for key, values := range h {
		m[key] = strings.Join(values, ", ")
	}
	return m
}

// isRedirect 判断状态码是否触发重定向跟随。
func isRedirect(status int) bool {
	switch status {
	case http.StatusMovedPermanently, http.StatusFound, http.StatusSeeOther,
		http.StatusTemporaryRedirect, http.StatusPermanentRedirect:
		return true
	}
	return false
}

// classifyTransportError 把传输层故障归类为统一错误。
// 已归类的错误原样透传, 其余按超时/DNS/拒连/TLS/网络分类。
func classifyTransportError(backend string, err error) error {
	if err == nil {
		return nil
	}
	if typed, ok := types.AsError(err); ok {
		if typed.Backend == "" {
			return typed.WithBackend(backend)
		}
		return typed
	}

	if errors.Is(err, context.DeadlineExceeded) {
		return types.NewTransportError("attempt deadline exceeded").WithCause(err).WithBackend(backend)
	}
	if errors.Is(err, context.Canceled) {
		return types.NewTransportError("attempt cancelled").WithCause(err).WithBackend(backend)
	}

	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return types.NewTransportError("request timed out").WithCause(err).WithBackend(backend)
	}

	var dnsErr *net.DNSError
	if errors.As(err, &dnsErr) {
		return types.NewTransportError("dns resolution failed for %q", dnsErr.Name).WithCause(err).WithBackend(backend)
	}

	var certErr *tls.CertificateVerificationError
	if errors.As(err, &certErr) {
		return types.NewTransportError("tls certificate verification failed").WithCause(err).WithBackend(backend)
	}

	lower := strings.ToLower(err.Error())
	switch {
	case strings.Contains(lower, "connection refused"):
		return types.NewTransportError("connection refused").WithCause(err).WithBackend(backend)
	case strings.Contains(lower, "connection reset"):
		return types.NewTransportError("connection reset by peer").WithCause(err).WithBackend(backend)
	case strings.Contains(lower, "no such host"):
		return types.NewTransportError("dns resolution failed").WithCause(err).WithBackend(backend)
	case strings.Contains(lower, "tls") || strings.Contains(lower, "x509"):
		return types.NewTransportError("tls handshake failed").WithCause(err).WithBackend(backend)
	case strings.Contains(lower, "timeout") || strings.Contains(lower, "deadline"):
		return types.NewTransportError("request timed out").WithCause(err).WithBackend(backend)
	}
	return types.NewTransportError("network error: %v", err).WithBackend(backend)
}

// resultFromResponse 读取响应体并转为统一结果。EffectiveURL 由调用方补充。
func resultFromResponse(resp *http.Response) (*adapter.Result, error) {
	defer resp.Body.Close()
	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, err
	}
	return &adapter.Result{
		StatusCode: resp.StatusCode,
		Headers:    headerMap(resp.Header),
		Body:       data,
	}, nil
}
