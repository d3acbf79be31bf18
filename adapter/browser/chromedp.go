package browser

import (
	"context"
	"fmt"
	"strconv"
	"sync"
	"time"

	"github.com/chromedp/cdproto/dom"
	"github.com/chromedp/cdproto/input"
	"github.com/chromedp/cdproto/network"
	"github.com/chromedp/cdproto/page"
	"github.com/chromedp/cdproto/runtime"
	"github.com/chromedp/chromedp"
	"go.uber.org/zap"
	"golang.org/x/sync/semaphore"

	"github.com/BaSui01/fetchflow/adapter"
	"github.com/BaSui01/fetchflow/types"
)

// Chromedp 基于 chromedp 的渲染引擎。每次尝试启动独立的浏览器会话,
// 尝试结束 (含超时与取消) 即销毁, 会话间互不串联。
// hardened 开启后附加反检测参数与脚本注入, 即 stealth 引擎。
type Chromedp struct {
	name     string
	opts     Options
	logger   *zap.Logger
	sessions *semaphore.Weighted
	hardened bool
}

// NewChromedp 创建 chromedp 引擎。
func NewChromedp(opts Options, logger *zap.Logger) *Chromedp {
	return newChromedp(types.BackendChromedp, opts, logger, false)
}

func newChromedp(name string, opts Options, logger *zap.Logger, hardened bool) *Chromedp {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Chromedp{
		name:     name,
		opts:     opts,
		logger:   logger.With(zap.String("component", "adapter_"+name)),
		sessions: semaphore.NewWeighted(opts.maxSessions()),
		hardened: hardened,
	}
}

// Name 返回引擎标识。
func (e *Chromedp) Name() string { return e.name }

// Capabilities 返回引擎能力。
func (e *Chromedp) Capabilities() adapter.Capabilities {
	return adapter.Capabilities{
		Family:         types.FamilyBrowser,
		Impersonation:  e.hardened,
		SOCKS4:         true,
		DefaultTimeout: types.DefaultTimeout,
	}
}

// Execute 执行一次尝试: 启动会话、导航、跑脚本、收获渲染结果。
func (e *Chromedp) Execute(ctx context.Context, req *adapter.Request) (*adapter.Result, error) {
	task := req.Task
	ctx, cancel := attemptDeadline(ctx, req.Timeout)
	defer cancel()

	cfg, err := decodeSessionConfig(task.AutomationConfig)
	if err != nil {
		return nil, err
	}
	steps, err := DecodeScript(task.AutomationScript)
	if err != nil {
		return nil, err
	}

	// 会话名额: 等待也计入尝试截止
	if err := e.sessions.Acquire(ctx, 1); err != nil {
		return nil, classifyBrowserError(e.name, err)
	}
	defer e.sessions.Release(1)

	allocCtx, allocCancel := chromedp.NewExecAllocator(ctx, e.allocatorOptions(cfg, req)...)
	defer allocCancel()
	taskCtx, taskCancel := chromedp.NewContext(allocCtx,
		chromedp.WithLogf(func(format string, args ...any) {
			e.logger.Debug(fmt.Sprintf(format, args...))
		}),
	)
	defer taskCancel()

	capture := &docCapture{}
	chromedp.ListenTarget(taskCtx, capture.listen)

	if err := chromedp.Run(taskCtx, e.prepareActions(task)...); err != nil {
		if taskCtx.Err() != nil {
			return nil, classifyBrowserError(e.name, taskCtx.Err())
		}
		return nil, types.NewAutomationError("browser start failed: %v", err).WithBackend(e.name).AsFatal()
	}

	navigate := []chromedp.Action{chromedp.Navigate(task.URL)}
	if delay := cfg.settleDelay(); delay > 0 {
		navigate = append(navigate, chromedp.Sleep(delay))
	}
	if err := chromedp.Run(taskCtx, navigate...); err != nil {
		return nil, classifyBrowserError(e.name, err)
	}

	for i, step := range steps {
		if err := e.runStep(taskCtx, step); err != nil {
			return nil, classifyBrowserError(e.name,
				fmt.Errorf("step %d (%s): %w", i, step.Action, err))
		}
	}

	var currentURL, html string
	if err := chromedp.Run(taskCtx,
		chromedp.Location(&currentURL),
		chromedp.ActionFunc(func(ctx context.Context) error {
			node, err := dom.GetDocument().Do(ctx)
			if err != nil {
				return err
			}
			html, err = dom.GetOuterHTML().WithNodeID(node.NodeID).Do(ctx)
			return err
		}),
	); err != nil {
		return nil, classifyBrowserError(e.name, err)
	}

	status, respURL, headers := capture.snapshot()
	if status == 0 {
		// CDP 没有捕获到文档响应事件, 页面既已渲染则按成功处理
		status = 200
	}
	if currentURL == "" {
		currentURL = respURL
	}
	if currentURL == "" {
		currentURL = task.URL
	}

	e.logger.Debug("session completed",
		zap.String("task_id", task.ID),
		zap.Int("status", status),
		zap.Int("steps", len(steps)),
	)
	return &adapter.Result{
		StatusCode:   status,
		Headers:      headers,
		Body:         []byte(html),
		EffectiveURL: currentURL,
	}, nil
}

// Close 释放资源。会话按尝试创建, 引擎本身无持久句柄。
func (e *Chromedp) Close() error { return nil }

// allocatorOptions 组装浏览器启动参数。
func (e *Chromedp) allocatorOptions(cfg SessionConfig, req *adapter.Request) []chromedp.ExecAllocatorOption {
	opts := append(chromedp.DefaultExecAllocatorOptions[:],
		chromedp.Flag("headless", cfg.Headless),
		chromedp.WindowSize(cfg.WindowWidth, cfg.WindowHeight),
		chromedp.Flag("disable-gpu", true),
		chromedp.Flag("no-sandbox", true),
		chromedp.Flag("disable-dev-shm-usage", true),
	)
	if e.opts.ExecPath != "" {
		opts = append(opts, chromedp.ExecPath(e.opts.ExecPath))
	}

	userAgent := cfg.UserAgent
	if userAgent == "" && e.hardened {
		userAgent = defaultUserAgent
	}
	if userAgent != "" {
		opts = append(opts, chromedp.UserAgent(userAgent))
	}
	if req.Proxy != nil {
		opts = append(opts, chromedp.ProxyServer(req.Proxy.URL()))
	}
	if req.Task.SkipTLSVerify() {
		opts = append(opts, chromedp.Flag("ignore-certificate-errors", true))
	}
	if e.hardened {
		opts = append(opts, stealthFlags()...)
	}
	return opts
}

// prepareActions 返回导航前的准备动作: 开网络域、注入补丁、下发头与 Cookie。
func (e *Chromedp) prepareActions(task *types.TaskEnvelope) []chromedp.Action {
	actions := []chromedp.Action{network.Enable()}

	if e.hardened {
		actions = append(actions, chromedp.ActionFunc(func(ctx context.Context) error {
			_, err := page.AddScriptToEvaluateOnNewDocument(stealthScript).Do(ctx)
			return err
		}))
	}
	if len(task.Headers) > 0 {
		headers := network.Headers{}
		for key, value := range task.Headers {
			headers[key] = value
		}
		actions = append(actions, network.SetExtraHTTPHeaders(headers))
	}
	if len(task.Cookies) > 0 {
		actions = append(actions, chromedp.ActionFunc(func(ctx context.Context) error {
			for name, value := range task.Cookies {
				if err := network.SetCookie(name, value).WithURL(task.URL).Do(ctx); err != nil {
					return err
				}
			}
			return nil
		}))
	}
	return actions
}

// runStep 执行一条脚本指令, 指令级超时独立于尝试级截止。
func (e *Chromedp) runStep(ctx context.Context, step Step) error {
	runCtx := ctx
	if d := step.timeout(); d > 0 {
		var cancel context.CancelFunc
		runCtx, cancel = context.WithTimeout(ctx, d)
		defer cancel()
	}

	switch step.Action {
	case ActionNavigate:
		return chromedp.Run(runCtx, chromedp.Navigate(step.Value))
	case ActionWaitVisible:
		return chromedp.Run(runCtx, chromedp.WaitVisible(step.Selector, chromedp.ByQuery))
	case ActionClick:
		return chromedp.Run(runCtx, chromedp.Click(step.Selector, chromedp.ByQuery))
	case ActionType:
		return chromedp.Run(runCtx,
			chromedp.Clear(step.Selector, chromedp.ByQuery),
			chromedp.SendKeys(step.Selector, step.Value, chromedp.ByQuery),
		)
	case ActionEval:
		return chromedp.Run(runCtx, chromedp.ActionFunc(func(ctx context.Context) error {
			_, exception, err := runtime.Evaluate(step.Value).Do(ctx)
			if err != nil {
				return err
			}
			if exception != nil {
				return exception
			}
			return nil
		}))
	case ActionSleep:
		return sleepCtx(runCtx, time.Duration(step.TimeoutMS)*time.Millisecond)
	case ActionScroll:
		delta := scrollDelta(step.Value)
		return chromedp.Run(runCtx, chromedp.ActionFunc(func(ctx context.Context) error {
			return input.DispatchMouseEvent(input.MouseWheel, 0, 0).
				WithDeltaX(0).
				WithDeltaY(float64(delta)).Do(ctx)
		}))
	}
	return nil
}

// scrollDelta 解析滚动幅度, 非法或缺省时用默认像素。
func scrollDelta(value string) int {
	if value == "" {
		return defaultScrollDelta
	}
	delta, err := strconv.Atoi(value)
	if err != nil || delta == 0 {
		return defaultScrollDelta
	}
	return delta
}

// attemptDeadline 为尝试补上硬截止, 已带截止的 ctx 原样返回。
func attemptDeadline(ctx context.Context, timeout time.Duration) (context.Context, context.CancelFunc) {
	if timeout <= 0 {
		return ctx, func() {}
	}
	if _, ok := ctx.Deadline(); ok {
		return ctx, func() {}
	}
	return context.WithTimeout(ctx, timeout)
}

// docCapture 从 CDP 网络事件里捞主文档响应, 只记第一条。
type docCapture struct {
	mu      sync.Mutex
	status  int
	url     string
	headers map[string]string
}

func (c *docCapture) listen(ev interface{}) {
	resp, ok := ev.(*network.EventResponseReceived)
	if !ok || resp.Type != network.ResourceTypeDocument {
		return
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.status != 0 {
		return
	}
	c.status = int(resp.Response.Status)
	c.url = resp.Response.URL
	c.headers = make(map[string]string, len(resp.Response.Headers))
	for key, value := range resp.Response.Headers {
		c.headers[key] = fmt.Sprint(value)
	}
}

func (c *docCapture) snapshot() (int, string, map[string]string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.status, c.url, c.headers
}
