package direct

import (
	"bufio"
	"context"
	"crypto/tls"
	"encoding/base64"
	"fmt"
	"net"
	"net/http"
	"net/url"
	"strings"
	"time"

	utls "github.com/refraction-networking/utls"
	"go.uber.org/zap"
	"golang.org/x/net/http2"
	xproxy "golang.org/x/net/proxy"

	"github.com/BaSui01/fetchflow/adapter"
	"github.com/BaSui01/fetchflow/internal/tlsutil"
	"github.com/BaSui01/fetchflow/proxy"
	"github.com/BaSui01/fetchflow/types"
)

// =============================================================================
// 🎭 指纹伪装引擎
// =============================================================================

// dialTimeout 建连超时, 握手与读写由尝试级截止约束
const dialTimeout = 30 * time.Second

// Impersonate 基于 uTLS 的指纹伪装引擎。
//
// 自行完成 TCP 建连 (直连 / CONNECT 隧道 / SOCKS5), 用指定浏览器的
// ClientHello 指纹完成 TLS 握手, 再按 ALPN 协商结果走 HTTP/2 或
// HTTP/1.1。重定向在引擎内手工跟随, 每一跳都重新握手以保持指纹一致。
type Impersonate struct {
	logger *zap.Logger

	// defaultProfile 任务未指定 impersonation_profile 时的伪装档位
	defaultProfile string
}

// NewImpersonate 创建指纹伪装引擎。
func NewImpersonate(logger *zap.Logger) *Impersonate {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Impersonate{
		logger: logger.With(zap.String("component", "adapter_impersonate")),
	}
}

// WithDefaultProfile 设置默认伪装档位, 返回接收者便于链式构造。
func (a *Impersonate) WithDefaultProfile(profile string) *Impersonate {
	a.defaultProfile = profile
	return a
}

// Name 返回引擎标识。
func (a *Impersonate) Name() string { return types.BackendImpersonate }

// Capabilities 返回引擎能力。
func (a *Impersonate) Capabilities() adapter.Capabilities {
	return adapter.Capabilities{
		Family:         types.FamilyDirect,
		Impersonation:  true,
		DefaultTimeout: types.DefaultTimeout,
	}
}

// helloID 把伪装档位映射为 uTLS ClientHello 指纹, 未知档位回落到 chrome。
// 档位按前缀匹配, 形如 chrome120 / firefox117 的写法同样生效。
func helloID(profile string) utls.ClientHelloID {
	p := strings.ToLower(strings.TrimSpace(profile))
	switch {
	case strings.HasPrefix(p, "firefox"):
		return utls.HelloFirefox_Auto
	case strings.HasPrefix(p, "safari"):
		return utls.HelloSafari_Auto
	case strings.HasPrefix(p, "edge"):
		return utls.HelloEdge_Auto
	case strings.HasPrefix(p, "ios"):
		return utls.HelloIOS_Auto
	case strings.HasPrefix(p, "random"):
		return utls.HelloRandomized
	default:
		return utls.HelloChrome_Auto
	}
}

// Execute 执行一次尝试。
func (a *Impersonate) Execute(ctx context.Context, req *adapter.Request) (*adapter.Result, error) {
	task := req.Task
	ctx, cancel := ensureDeadline(ctx, req.Timeout)
	defer cancel()

	if req.Proxy != nil && req.Proxy.Scheme == proxy.SchemeSOCKS4 {
		return nil, types.NewConfigurationError("socks4 proxy not supported by %s engine", a.Name())
	}

	target, err := targetURL(task)
	if err != nil {
		return nil, err
	}
	body, contentType, err := buildBody(task)
	if err != nil {
		return nil, err
	}

	method := task.Method
	current := target
	redirects := 0
	for {
		result, err := a.roundTrip(ctx, req, method, current, body, contentType)
		if err != nil {
			return nil, classifyTransportError(a.Name(), err)
		}

		location := result.Headers["Location"]
		if !task.RedirectsAllowed() || !isRedirect(result.StatusCode) || location == "" {
			result.EffectiveURL = current
			a.logger.Debug("request completed",
				zap.String("task_id", task.ID),
				zap.Int("status", result.StatusCode),
				zap.Int("redirects", redirects),
			)
			return result, nil
		}

		redirects++
		if redirects > maxRedirects {
			return nil, types.NewTransportError("stopped after %d redirects", maxRedirects).WithBackend(a.Name())
		}
		next, err := resolveLocation(current, location)
		if err != nil {
			return nil, classifyTransportError(a.Name(), err)
		}
		// 301/302/303 按浏览器惯例降级为 GET 并丢弃请求体, 307/308 保留
		switch result.StatusCode {
		case http.StatusMovedPermanently, http.StatusFound, http.StatusSeeOther:
			if method != http.MethodHead {
				method = http.MethodGet
			}
			body, contentType = nil, ""
		}
		current = next
	}
}

// Close 释放资源。连接按尝试建立, 无长生命周期资源。
func (a *Impersonate) Close() error { return nil }

// profileFor 取任务档位, 未指定时回落到引擎默认档位。
func (a *Impersonate) profileFor(task *types.TaskEnvelope) string {
	if task.ImpersonationProfile != "" {
		return task.ImpersonationProfile
	}
	return a.defaultProfile
}

// roundTrip 单跳请求: 建连、指纹握手、按协商协议收发。
func (a *Impersonate) roundTrip(ctx context.Context, req *adapter.Request, method, target string, body []byte, contentType string) (*adapter.Result, error) {
	u, err := url.Parse(target)
	if err != nil {
		return nil, types.NewConfigurationError("url %q unparsable", target).WithCause(err)
	}
	if u.Scheme != "https" {
		return a.plainRoundTrip(ctx, req, method, target, body, contentType)
	}

	host := u.Hostname()
	port := u.Port()
	if port == "" {
		port = "443"
	}

	conn, err := dialVia(ctx, req.Proxy, net.JoinHostPort(host, port))
	if err != nil {
		return nil, err
	}
	defer conn.Close()

	// ctx 取消时立即切断连接, 中止在途 I/O
	stop := make(chan struct{})
	go func() {
		select {
		case <-ctx.Done():
			conn.Close()
		case <-stop:
		}
	}()
	defer close(stop)

	if deadline, ok := ctx.Deadline(); ok {
		_ = conn.SetDeadline(deadline)
	}

	uconn := utls.UClient(conn, &utls.Config{
		ServerName:         host,
		InsecureSkipVerify: req.Task.SkipTLSVerify(),
	}, helloID(a.profileFor(req.Task)))
	if err := uconn.HandshakeContext(ctx); err != nil {
		return nil, err
	}

	httpReq, err := buildHTTPRequest(ctx, method, target, body, contentType, req.Task)
	if err != nil {
		return nil, err
	}

	if uconn.ConnectionState().NegotiatedProtocol == "h2" {
		transport := &http2.Transport{}
		cc, err := transport.NewClientConn(uconn)
		if err != nil {
			return nil, err
		}
		defer cc.Close()
		resp, err := cc.RoundTrip(httpReq)
		if err != nil {
			return nil, err
		}
		return resultFromResponse(resp)
	}

	httpReq.Close = true
	if err := httpReq.Write(uconn); err != nil {
		return nil, err
	}
	resp, err := http.ReadResponse(bufio.NewReader(uconn), httpReq)
	if err != nil {
		return nil, err
	}
	return resultFromResponse(resp)
}

// plainRoundTrip 处理 http:// 目标。明文请求没有 TLS 指纹可言,
// 走标准传输层, 重定向仍交由外层循环统一跟随。
func (a *Impersonate) plainRoundTrip(ctx context.Context, req *adapter.Request, method, target string, body []byte, contentType string) (*adapter.Result, error) {
	transport := tlsutil.SecureTransport()
	if req.Proxy != nil {
		proxyURL, err := req.Proxy.StdURL()
		if err != nil {
			return nil, err
		}
		transport.Proxy = http.ProxyURL(proxyURL)
	}
	defer transport.CloseIdleConnections()

	httpReq, err := buildHTTPRequest(ctx, method, target, body, contentType, req.Task)
	if err != nil {
		return nil, err
	}
	client := &http.Client{
		Transport: transport,
		CheckRedirect: func(*http.Request, []*http.Request) error {
			return http.ErrUseLastResponse
		},
	}
	resp, err := client.Do(httpReq)
	if err != nil {
		return nil, err
	}
	return resultFromResponse(resp)
}

// resolveLocation 解析 Location 头, 支持相对跳转。
func resolveLocation(current, location string) (string, error) {
	base, err := url.Parse(current)
	if err != nil {
		return "", err
	}
	ref, err := url.Parse(location)
	if err != nil {
		return "", err
	}
	return base.ResolveReference(ref).String(), nil
}

// dialVia 按代理配置建立到目标的 TCP 连接。
func dialVia(ctx context.Context, p *proxy.Proxy, addr string) (net.Conn, error) {
	dialer := &net.Dialer{Timeout: dialTimeout}
	if p == nil {
		return dialer.DialContext(ctx, "tcp", addr)
	}

	switch p.Scheme {
	case proxy.SchemeSOCKS5:
		var auth *xproxy.Auth
		if p.HasAuth() {
			auth = &xproxy.Auth{User: p.Username, Password: p.Password}
		}
		socksDialer, err := xproxy.SOCKS5("tcp", p.Address(), auth, dialer)
		if err != nil {
			return nil, err
		}
		if contextDialer, ok := socksDialer.(xproxy.ContextDialer); ok {
			return contextDialer.DialContext(ctx, "tcp", addr)
		}
		return socksDialer.Dial("tcp", addr)
	case proxy.SchemeHTTP, proxy.SchemeHTTPS:
		return dialViaConnect(ctx, dialer, p, addr)
	default:
		return nil, types.NewConfigurationError("proxy scheme %q not supported by impersonate engine", p.Scheme)
	}
}

// dialViaConnect 通过 HTTP 代理建立 CONNECT 隧道。
// 隧道代理的通道/TTL/国家参数随 Proxy-Authorization 凭据一并下发。
func dialViaConnect(ctx context.Context, dialer *net.Dialer, p *proxy.Proxy, addr string) (net.Conn, error) {
	conn, err := dialer.DialContext(ctx, "tcp", p.Address())
	if err != nil {
		return nil, err
	}

	if p.Scheme == proxy.SchemeHTTPS {
		tlsConn := tls.Client(conn, &tls.Config{ServerName: p.Host, MinVersion: tls.VersionTLS12})
		if err := tlsConn.HandshakeContext(ctx); err != nil {
			conn.Close()
			return nil, err
		}
		conn = tlsConn
	}

	connectReq := &http.Request{
		Method: http.MethodConnect,
		URL:    &url.URL{Opaque: addr},
		Host:   addr,
		Header: make(http.Header),
	}
	if userinfo := p.Userinfo(); userinfo != "" {
		credential := base64.StdEncoding.EncodeToString([]byte(userinfo))
		connectReq.Header.Set("Proxy-Authorization", "Basic "+credential)
	}

	if deadline, ok := ctx.Deadline(); ok {
		_ = conn.SetDeadline(deadline)
	}
	if err := connectReq.Write(conn); err != nil {
		conn.Close()
		return nil, err
	}
	resp, err := http.ReadResponse(bufio.NewReader(conn), connectReq)
	if err != nil {
		conn.Close()
		return nil, err
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		conn.Close()
		return nil, fmt.Errorf("proxy CONNECT to %s refused: %s", addr, resp.Status)
	}
	// 隧道建立后清掉拨号截止, 交给上层按 ctx 管理
	_ = conn.SetDeadline(time.Time{})
	return conn, nil
}
