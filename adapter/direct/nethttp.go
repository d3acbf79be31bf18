package direct

import (
	"context"
	"fmt"
	"net/http"

	"go.uber.org/zap"

	"github.com/BaSui01/fetchflow/adapter"
	"github.com/BaSui01/fetchflow/internal/tlsutil"
	"github.com/BaSui01/fetchflow/proxy"
	"github.com/BaSui01/fetchflow/types"
)

// NetHTTP 标准库协议引擎。无指纹伪装, 行为最接近裸 HTTP 客户端,
// 适合对反爬不敏感的目标。
type NetHTTP struct {
	logger *zap.Logger
}

// NewNetHTTP 创建标准库引擎。
func NewNetHTTP(logger *zap.Logger) *NetHTTP {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &NetHTTP{
		logger: logger.With(zap.String("component", "adapter_nethttp")),
	}
}

// Name 返回引擎标识。
func (a *NetHTTP) Name() string { return types.BackendNetHTTP }

// Capabilities 返回引擎能力。
func (a *NetHTTP) Capabilities() adapter.Capabilities {
	return adapter.Capabilities{
		Family:         types.FamilyDirect,
		DefaultTimeout: types.DefaultTimeout,
	}
}

// Execute 执行一次尝试。
func (a *NetHTTP) Execute(ctx context.Context, req *adapter.Request) (*adapter.Result, error) {
	task := req.Task
	ctx, cancel := ensureDeadline(ctx, req.Timeout)
	defer cancel()

	target, err := targetURL(task)
	if err != nil {
		return nil, err
	}
	body, contentType, err := buildBody(task)
	if err != nil {
		return nil, err
	}
	httpReq, err := buildHTTPRequest(ctx, task.Method, target, body, contentType, task)
	if err != nil {
		return nil, err
	}

	transport, err := a.transportFor(req)
	if err != nil {
		return nil, err
	}
	defer transport.CloseIdleConnections()

	client := &http.Client{
		Transport:     transport,
		CheckRedirect: redirectPolicy(task),
	}

	resp, err := client.Do(httpReq)
	if err != nil {
		return nil, classifyTransportError(a.Name(), err)
	}

	result, err := resultFromResponse(resp)
	if err != nil {
		return nil, classifyTransportError(a.Name(), err)
	}
	result.EffectiveURL = resp.Request.URL.String()

	a.logger.Debug("request completed",
		zap.String("task_id", task.ID),
		zap.Int("status", result.StatusCode),
		zap.String("effective_url", result.EffectiveURL),
	)
	return result, nil
}

// Close 释放资源。引擎不持有长生命周期连接。
func (a *NetHTTP) Close() error { return nil }

// transportFor 按任务的 TLS 开关与代理构造一次性传输层。
// net/http 原生支持 http/https/socks5 代理, socks4 不在其能力内。
func (a *NetHTTP) transportFor(req *adapter.Request) (*http.Transport, error) {
	transport := tlsutil.SecureTransport()
	transport.TLSClientConfig = tlsutil.ClientConfig(req.Task.SkipTLSVerify())

	if req.Proxy != nil {
		if req.Proxy.Scheme == proxy.SchemeSOCKS4 {
			return nil, types.NewConfigurationError("socks4 proxy not supported by %s engine", a.Name())
		}
		proxyURL, err := req.Proxy.StdURL()
		if err != nil {
			return nil, err
		}
		transport.Proxy = http.ProxyURL(proxyURL)
	}
	return transport, nil
}

// redirectPolicy 按任务的 follow_redirects 开关生成重定向策略。
func redirectPolicy(task *types.TaskEnvelope) func(*http.Request, []*http.Request) error {
	if !task.RedirectsAllowed() {
		return func(*http.Request, []*http.Request) error {
			return http.ErrUseLastResponse
		}
	}
	return func(_ *http.Request, via []*http.Request) error {
		if len(via) >= maxRedirects {
			return fmt.Errorf("stopped after %d redirects", maxRedirects)
		}
		return nil
	}
}
