// Package adapter 定义执行引擎的统一契约与注册表。
//
// 协议引擎 (直连 HTTP) 与渲染引擎 (浏览器自动化) 的传输模型差异极大,
// 但对调度器呈现同一份契约: 给定任务、已解析代理与硬截止, 返回传输层
// 结果或归一化错误。新引擎通过注册接入, 调度器不感知引擎身份。
package adapter

import (
	"context"
	"time"

	"github.com/BaSui01/fetchflow/proxy"
	"github.com/BaSui01/fetchflow/types"
)

// Request 单次执行尝试的完整输入。
// 同一任务的多次重试共享 Task 与 Proxy, 每次尝试一个独立的截止上下文。
type Request struct {
	Task  *types.TaskEnvelope
	Proxy *proxy.Proxy

	// Timeout 本次尝试的硬截止时长, 由调度器按任务指定值或引擎默认值算出。
	Timeout time.Duration
}

// Result 传输层结果。状态码是否可接受由调度器判定, 引擎不做该判断。
type Result struct {
	StatusCode   int
	Headers      map[string]string
	Body         []byte
	EffectiveURL string
}

// Capabilities 引擎能力描述, 供调度与观测使用。
type Capabilities struct {
	// Family 引擎家族: types.FamilyDirect 或 types.FamilyBrowser
	Family string

	// Impersonation 是否支持 TLS/HTTP 指纹伪装
	Impersonation bool

	// SOCKS4 是否能经 socks4 代理出流量。协议引擎的拨号栈只讲
	// http/https/socks5; 浏览器引擎把代理 URL 交给 Chromium,
	// 后者原生支持 socks4。调度器据此在解析代理后直接拒绝任务,
	// 不为注定失败的配置消耗尝试。
	SOCKS4 bool

	// DefaultTimeout 任务未指定超时时的引擎默认截止
	DefaultTimeout time.Duration
}

// Adapter 定义了统一的执行引擎接口。
//
// Execute 必须尊重 ctx 的取消与截止: 协议引擎中止在途 I/O,
// 渲染引擎强制终止底层浏览器会话。所有退出路径 (成功/超时/错误)
// 都必须释放已持有的连接或会话资源。
type Adapter interface {
	// Name 返回引擎的唯一标识, 与注册键一致
	Name() string

	// Capabilities 返回引擎能力描述
	Capabilities() Capabilities

	// Execute 执行一次尝试, 失败返回 *types.Error 归类后的错误
	Execute(ctx context.Context, req *Request) (*Result, error)

	// Close 释放引擎持有的长生命周期资源 (连接池、浏览器进程)
	Close() error
}
