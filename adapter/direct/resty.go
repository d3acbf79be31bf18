package direct

import (
	"context"
	"net/http"

	"github.com/go-resty/resty/v2"
	"go.uber.org/zap"

	"github.com/BaSui01/fetchflow/adapter"
	"github.com/BaSui01/fetchflow/internal/tlsutil"
	"github.com/BaSui01/fetchflow/proxy"
	"github.com/BaSui01/fetchflow/types"
)

// Resty 基于 go-resty 的协议引擎, 提供成熟的连接/重定向/表单处理。
type Resty struct {
	logger *zap.Logger
}

// NewResty 创建 resty 引擎。
func NewResty(logger *zap.Logger) *Resty {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Resty{
		logger: logger.With(zap.String("component", "adapter_resty")),
	}
}

// Name 返回引擎标识。
func (a *Resty) Name() string { return types.BackendResty }

// Capabilities 返回引擎能力。
func (a *Resty) Capabilities() adapter.Capabilities {
	return adapter.Capabilities{
		Family:         types.FamilyDirect,
		DefaultTimeout: types.DefaultTimeout,
	}
}

// Execute 执行一次尝试。
func (a *Resty) Execute(ctx context.Context, req *adapter.Request) (*adapter.Result, error) {
	task := req.Task
	ctx, cancel := ensureDeadline(ctx, req.Timeout)
	defer cancel()

	client := resty.New()
	client.SetTLSClientConfig(tlsutil.ClientConfig(task.SkipTLSVerify()))
	defer client.GetClient().CloseIdleConnections()

	if req.Timeout > 0 {
		client.SetTimeout(req.Timeout)
	}
	if task.RedirectsAllowed() {
		client.SetRedirectPolicy(resty.FlexibleRedirectPolicy(maxRedirects))
	} else {
		// ErrUseLastResponse 让 net/http 干净地返回 3xx 响应本身
		client.SetRedirectPolicy(resty.RedirectPolicyFunc(func(*http.Request, []*http.Request) error {
			return http.ErrUseLastResponse
		}))
	}
	if req.Proxy != nil {
		if req.Proxy.Scheme == proxy.SchemeSOCKS4 {
			return nil, types.NewConfigurationError("socks4 proxy not supported by %s engine", a.Name())
		}
		client.SetProxy(req.Proxy.URL())
	}

	r := client.R().SetContext(ctx)
	if len(task.Headers) > 0 {
		r.SetHeaders(task.Headers)
	}
	for name, value := range task.Cookies {
		r.SetCookie(&http.Cookie{Name: name, Value: value})
	}

	params, err := decodeStringMap(task.Query, "query")
	if err != nil {
		return nil, err
	}
	if len(params) > 0 {
		r.SetQueryParams(params)
	}

	switch {
	case len(task.BodyJSON) > 0:
		body, contentType, err := buildBody(task)
		if err != nil {
			return nil, err
		}
		r.SetHeader("Content-Type", contentType)
		r.SetBody(body)
	case len(task.BodyForm) > 0:
		fields, err := decodeStringMap(task.BodyForm, "body_form")
		if err != nil {
			return nil, err
		}
		r.SetFormData(fields)
	}

	resp, err := r.Execute(task.Method, task.URL)
	if err != nil {
		return nil, classifyTransportError(a.Name(), err)
	}

	effective := task.URL
	if resp.RawResponse != nil && resp.RawResponse.Request != nil {
		effective = resp.RawResponse.Request.URL.String()
	}

	a.logger.Debug("request completed",
		zap.String("task_id", task.ID),
		zap.Int("status", resp.StatusCode()),
		zap.String("effective_url", effective),
	)
	return &adapter.Result{
		StatusCode:   resp.StatusCode(),
		Headers:      headerMap(resp.Header()),
		Body:         resp.Body(),
		EffectiveURL: effective,
	}, nil
}

// Close 释放资源。客户端按请求创建, 无长生命周期资源。
func (a *Resty) Close() error { return nil }
