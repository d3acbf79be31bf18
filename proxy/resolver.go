// Package proxy 提供代理规格解析能力。
//
// 任务信封中的 proxy 字段是多态的：缺省/null/false 表示不使用代理,
// true 表示使用默认代理源, 字符串按 URL 解析, 对象按结构化配置校验。
// 解析结果是规范化的 Proxy, 供各执行引擎直接消费。
package proxy

import (
	"context"
	"encoding/json"
	"fmt"
	"net"
	"net/url"
	"strconv"
	"strings"

	"github.com/BaSui01/fetchflow/types"
)

// =============================================================================
// 🌐 代理模型
// =============================================================================

// 支持的代理协议
const (
	SchemeHTTP   = "http"
	SchemeHTTPS  = "https"
	SchemeSOCKS4 = "socks4"
	SchemeSOCKS5 = "socks5"
)

// supportedSchemes 协议白名单及对应默认端口
var supportedSchemes = map[string]int{
	SchemeHTTP:   80,
	SchemeHTTPS:  443,
	SchemeSOCKS4: 1080,
	SchemeSOCKS5: 1080,
}

// Proxy 规范化的代理配置。
//
// 隧道类代理商通过用户名段携带路由参数, 序列化格式为:
//
//	scheme://key:password:C通道名:T存活秒数:A国家码@隧道服务器
//
// 普通代理只使用 scheme/host/port 与可选的认证信息。
type Proxy struct {
	Scheme       string `json:"scheme"`
	Host         string `json:"host"`
	Port         int    `json:"port"`
	Username     string `json:"auth_key,omitempty"`
	Password     string `json:"auth_password,omitempty"`
	ChannelName  string `json:"channel_name,omitempty"`
	SessionTTL   int    `json:"session_ttl,omitempty"`
	CountryCode  string `json:"country_code,omitempty"`
	TunnelServer string `json:"tunnel_server,omitempty"`
}

// Validate 校验代理配置的完整性。
func (p *Proxy) Validate() error {
	if p == nil {
		return types.NewConfigurationError("proxy is nil")
	}
	if _, ok := supportedSchemes[p.Scheme]; !ok {
		return types.NewConfigurationError("unsupported proxy scheme %q", p.Scheme)
	}
	if p.Host == "" {
		return types.NewConfigurationError("proxy host is required")
	}
	if p.Port < 1 || p.Port > 65535 {
		return types.NewConfigurationError("proxy port %d out of range", p.Port)
	}
	if p.SessionTTL < 0 {
		return types.NewConfigurationError("proxy session_ttl must be non-negative")
	}
	return nil
}

// Userinfo 返回认证段原文, 隧道参数依次以 :C/:T/:A 标记拼在认证信息之后。
// 该原文同时用于 URL 序列化与 CONNECT 的 Proxy-Authorization 凭据。
func (p *Proxy) Userinfo() string {
	if p == nil {
		return ""
	}
	var b strings.Builder
	if p.Username != "" {
		b.WriteString(p.Username)
		b.WriteString(":")
		b.WriteString(p.Password)
	}
	if p.ChannelName != "" {
		b.WriteString(":C")
		b.WriteString(p.ChannelName)
	}
	if p.SessionTTL > 0 {
		b.WriteString(":T")
		b.WriteString(strconv.Itoa(p.SessionTTL))
	}
	if p.CountryCode != "" {
		b.WriteString(":A")
		b.WriteString(p.CountryCode)
	}
	return b.String()
}

// URL 序列化为代理 URL 字符串, 有隧道服务器时以其替代 host:port。
func (p *Proxy) URL() string {
	if p == nil || p.Host == "" {
		return ""
	}
	userinfo := p.Userinfo()
	hostPart := p.TunnelServer
	if hostPart == "" {
		hostPart = net.JoinHostPort(p.Host, strconv.Itoa(p.Port))
	}
	var delim string
	if userinfo != "" {
		delim = "@"
	}
	return fmt.Sprintf("%s://%s%s%s", p.Scheme, userinfo, delim, hostPart)
}

// Address 返回拨号目标地址 (host:port), 有隧道服务器时优先使用。
func (p *Proxy) Address() string {
	if p == nil {
		return ""
	}
	if p.TunnelServer != "" {
		return p.TunnelServer
	}
	return net.JoinHostPort(p.Host, strconv.Itoa(p.Port))
}

// StdURL 转换为标准库 *url.URL, 供 http.Transport 与 resty 消费。
func (p *Proxy) StdURL() (*url.URL, error) {
	raw := p.URL()
	if raw == "" {
		return nil, types.NewConfigurationError("proxy has no host")
	}
	u, err := url.Parse(raw)
	if err != nil {
		return nil, types.NewConfigurationError("proxy url %q unparsable", raw).WithCause(err)
	}
	return u, nil
}

// HasAuth 报告代理是否携带认证信息。
func (p *Proxy) HasAuth() bool {
	return p != nil && p.Username != ""
}

// IsSOCKS 报告代理是否为 SOCKS 族协议。
func (p *Proxy) IsSOCKS() bool {
	return p != nil && (p.Scheme == SchemeSOCKS4 || p.Scheme == SchemeSOCKS5)
}

// applyDefaults 填充缺省协议与端口。
func applyDefaults(p *Proxy) {
	if p.Scheme == "" {
		p.Scheme = SchemeHTTP
	}
	p.Scheme = strings.ToLower(p.Scheme)
	if p.Port == 0 {
		if def, ok := supportedSchemes[p.Scheme]; ok {
			p.Port = def
		}
	}
}

// =============================================================================
// 🔍 规格解析
// =============================================================================

// Resolve 把任务信封中的多态 proxy 字段解析为规范化代理。
//
// 解析规则:
//   - 缺省 / null / false: 不使用代理, 返回 (nil, nil)
//   - true: 从默认代理源取值, 源缺失或无值视为配置错误
//   - 字符串: 按 URL 解析
//   - 对象: 按结构化配置反序列化并校验
//
// 任何失败都返回 ConfigurationError, 不产生部分解析结果。
func Resolve(ctx context.Context, spec json.RawMessage, src Source) (*Proxy, error) {
	trimmed := strings.TrimSpace(string(spec))
	if trimmed == "" || trimmed == "null" || trimmed == "false" {
		return nil, nil
	}

	if trimmed == "true" {
		if src == nil {
			return nil, types.NewConfigurationError("proxy requested but no default proxy source configured")
		}
		p, err := src.DefaultProxy(ctx)
		if err != nil {
			if _, ok := types.AsError(err); ok {
				return nil, err
			}
			return nil, types.NewConfigurationError("default proxy lookup failed").WithCause(err)
		}
		if p == nil {
			return nil, types.NewConfigurationError("proxy requested but default proxy source has no value")
		}
		if err := p.Validate(); err != nil {
			return nil, err
		}
		return p, nil
	}

	switch trimmed[0] {
	case '"':
		var raw string
		if err := json.Unmarshal(spec, &raw); err != nil {
			return nil, types.NewConfigurationError("proxy string unparsable").WithCause(err)
		}
		return Parse(raw)
	case '{':
		var p Proxy
		if err := json.Unmarshal(spec, &p); err != nil {
			return nil, types.NewConfigurationError("proxy object unparsable").WithCause(err)
		}
		applyDefaults(&p)
		if err := p.Validate(); err != nil {
			return nil, err
		}
		return &p, nil
	default:
		return nil, types.NewConfigurationError("unsupported proxy specification: %s", trimmed)
	}
}

// Parse 解析代理 URL 字符串。
// 未携带协议前缀时默认按 http 处理, 端口缺省时按协议填充。
func Parse(raw string) (*Proxy, error) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return nil, types.NewConfigurationError("proxy url is empty")
	}
	if !strings.Contains(raw, "://") {
		raw = "http://" + raw
	}

	u, err := url.Parse(raw)
	if err != nil {
		return nil, types.NewConfigurationError("proxy url %q unparsable", raw).WithCause(err)
	}

	scheme := strings.ToLower(u.Scheme)
	if _, ok := supportedSchemes[scheme]; !ok {
		return nil, types.NewConfigurationError("unsupported proxy scheme %q", u.Scheme)
	}
	if u.Hostname() == "" {
		return nil, types.NewConfigurationError("proxy url %q has no host", raw)
	}

	port := supportedSchemes[scheme]
	if u.Port() != "" {
		port, err = strconv.Atoi(u.Port())
		if err != nil {
			return nil, types.NewConfigurationError("proxy port %q invalid", u.Port()).WithCause(err)
		}
	}

	p := &Proxy{
		Scheme: scheme,
		Host:   u.Hostname(),
		Port:   port,
	}
	if u.User != nil {
		p.Username = u.User.Username()
		p.Password, _ = u.User.Password()
	}
	if err := p.Validate(); err != nil {
		return nil, err
	}
	return p, nil
}
