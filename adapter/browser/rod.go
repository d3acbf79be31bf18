package browser

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/go-rod/rod"
	"github.com/go-rod/rod/lib/launcher"
	"github.com/go-rod/rod/lib/proto"
	"go.uber.org/zap"
	"golang.org/x/sync/semaphore"

	"github.com/BaSui01/fetchflow/adapter"
	"github.com/BaSui01/fetchflow/types"
)

// Rod 基于 go-rod 的渲染引擎。与 chromedp 引擎能力等价,
// 浏览器进程由 launcher 托管, 每次尝试独立拉起与销毁。
type Rod struct {
	opts     Options
	logger   *zap.Logger
	sessions *semaphore.Weighted
}

// NewRod 创建 rod 引擎。
func NewRod(opts Options, logger *zap.Logger) *Rod {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Rod{
		opts:     opts,
		logger:   logger.With(zap.String("component", "adapter_rod")),
		sessions: semaphore.NewWeighted(opts.maxSessions()),
	}
}

// Name 返回引擎标识。
func (e *Rod) Name() string { return types.BackendRod }

// Capabilities 返回引擎能力。
func (e *Rod) Capabilities() adapter.Capabilities {
	return adapter.Capabilities{
		Family:         types.FamilyBrowser,
		SOCKS4:         true,
		DefaultTimeout: types.DefaultTimeout,
	}
}

// Execute 执行一次尝试。
func (e *Rod) Execute(ctx context.Context, req *adapter.Request) (*adapter.Result, error) {
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

	if err := e.sessions.Acquire(ctx, 1); err != nil {
		return nil, classifyBrowserError(e.Name(), err)
	}
	defer e.sessions.Release(1)

	l := launcher.New().
		Headless(cfg.Headless).
		Set("disable-gpu").
		Set("no-sandbox").
		Set("disable-dev-shm-usage")
	if e.opts.ExecPath != "" {
		l = l.Bin(e.opts.ExecPath)
	}
	if req.Proxy != nil {
		l = l.Proxy(req.Proxy.URL())
	}
	if task.SkipTLSVerify() {
		l = l.Set("ignore-certificate-errors")
	}

	controlURL, err := l.Launch()
	if err != nil {
		return nil, types.NewAutomationError("browser launch failed: %v", err).WithBackend(e.Name()).AsFatal()
	}
	defer l.Kill()

	browser := rod.New().ControlURL(controlURL).Context(ctx)
	if err := browser.Connect(); err != nil {
		return nil, types.NewAutomationError("browser connect failed: %v", err).WithBackend(e.Name()).AsFatal()
	}
	defer browser.Close()

	pg, err := browser.Page(proto.TargetCreateTarget{URL: "about:blank"})
	if err != nil {
		return nil, classifyBrowserError(e.Name(), err)
	}
	pg = pg.Context(ctx)

	if err := e.prepareSession(pg, cfg, task); err != nil {
		return nil, classifyBrowserError(e.Name(), err)
	}

	capture := &rodCapture{}
	waitResponse := pg.EachEvent(capture.listen)

	if err := pg.Navigate(task.URL); err != nil {
		return nil, classifyBrowserError(e.Name(), err)
	}
	waitResponse()
	if err := pg.WaitLoad(); err != nil {
		return nil, classifyBrowserError(e.Name(), err)
	}
	if delay := cfg.settleDelay(); delay > 0 {
		if err := sleepCtx(ctx, delay); err != nil {
			return nil, classifyBrowserError(e.Name(), err)
		}
	}

	for i, step := range steps {
		if err := e.runStep(pg, step); err != nil {
			return nil, classifyBrowserError(e.Name(),
				fmt.Errorf("step %d (%s): %w", i, step.Action, err))
		}
	}

	html, err := pg.HTML()
	if err != nil {
		return nil, classifyBrowserError(e.Name(), err)
	}

	effectiveURL := task.URL
	if info, err := pg.Info(); err == nil && info.URL != "" {
		effectiveURL = info.URL
	}

	status, headers := capture.snapshot()
	if status == 0 {
		status = 200
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
		EffectiveURL: effectiveURL,
	}, nil
}

// Close 释放资源。会话按尝试创建, 引擎本身无持久句柄。
func (e *Rod) Close() error { return nil }

// prepareSession 下发 UA、视口、请求头与 Cookie。
func (e *Rod) prepareSession(pg *rod.Page, cfg SessionConfig, task *types.TaskEnvelope) error {
	if cfg.UserAgent != "" {
		if err := pg.SetUserAgent(&proto.NetworkSetUserAgentOverride{UserAgent: cfg.UserAgent}); err != nil {
			return err
		}
	}
	if err := pg.SetViewport(&proto.EmulationSetDeviceMetricsOverride{
		Width:             cfg.WindowWidth,
		Height:            cfg.WindowHeight,
		DeviceScaleFactor: 1,
	}); err != nil {
		return err
	}
	if len(task.Headers) > 0 {
		pairs := make([]string, 0, len(task.Headers)*2)
		for key, value := range task.Headers {
			pairs = append(pairs, key, value)
		}
		if _, err := pg.SetExtraHeaders(pairs); err != nil {
			return err
		}
	}
	if len(task.Cookies) > 0 {
		cookies := make([]*proto.NetworkCookieParam, 0, len(task.Cookies))
		for name, value := range task.Cookies {
			cookies = append(cookies, &proto.NetworkCookieParam{
				Name:  name,
				Value: value,
				URL:   task.URL,
			})
		}
		if err := pg.SetCookies(cookies); err != nil {
			return err
		}
	}
	return nil
}

// runStep 执行一条脚本指令。
func (e *Rod) runStep(pg *rod.Page, step Step) error {
	stepPg := pg
	if d := step.timeout(); d > 0 {
		stepPg = pg.Timeout(d)
	}

	switch step.Action {
	case ActionNavigate:
		if err := stepPg.Navigate(step.Value); err != nil {
			return err
		}
		return stepPg.WaitLoad()
	case ActionWaitVisible:
		el, err := stepPg.Element(step.Selector)
		if err != nil {
			return err
		}
		return el.WaitVisible()
	case ActionClick:
		el, err := stepPg.Element(step.Selector)
		if err != nil {
			return err
		}
		return el.Click(proto.InputMouseButtonLeft, 1)
	case ActionType:
		el, err := stepPg.Element(step.Selector)
		if err != nil {
			return err
		}
		return el.Input(step.Value)
	case ActionEval:
		_, err := stepPg.Eval(step.Value)
		return err
	case ActionSleep:
		return sleepCtx(pg.GetContext(), time.Duration(step.TimeoutMS)*time.Millisecond)
	case ActionScroll:
		return stepPg.Mouse.Scroll(0, float64(scrollDelta(step.Value)), 1)
	}
	return nil
}

// rodCapture 捕获主文档响应, 只记第一条。
type rodCapture struct {
	mu      sync.Mutex
	status  int
	headers map[string]string
}

// listen 作为 EachEvent 回调, 返回 true 时停止订阅。
func (c *rodCapture) listen(ev *proto.NetworkResponseReceived) bool {
	if ev.Type != proto.NetworkResourceTypeDocument {
		return false
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.status == 0 {
		c.status = ev.Response.Status
		c.headers = make(map[string]string, len(ev.Response.Headers))
		for key, value := range ev.Response.Headers {
			c.headers[key] = value.Str()
		}
	}
	return true
}

func (c *rodCapture) snapshot() (int, map[string]string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.status, c.headers
}
