// Package browser 实现渲染层执行引擎: 通过真实浏览器加载页面并执行
// 自动化脚本。包含 chromedp、stealth (反检测加固的 chromedp) 与
// rod 三个引擎。
//
// 浏览器会话昂贵, 每个引擎用信号量约束并发会话数; 尝试级 ctx 取消
// 直接终止底层浏览器进程, 保证超时与取消路径都不泄漏会话。
package browser

import (
	"context"
	"encoding/json"
	"errors"
	"strings"
	"time"

	"github.com/tidwall/gjson"

	"github.com/BaSui01/fetchflow/types"
)

// 会话默认值
const (
	defaultWindowWidth  = 1280
	defaultWindowHeight = 800
	defaultMaxSessions  = 2

	// defaultUserAgent 渲染引擎兜底 UA
	defaultUserAgent = "Mozilla/5.0 (Windows NT 10.0; Win64; x64) AppleWebKit/537.36 (KHTML, like Gecko) Chrome/120.0.0.0 Safari/537.36"
)

// Options 渲染引擎构造参数。
type Options struct {
	// MaxSessions 并发浏览器会话上限
	MaxSessions int `yaml:"max_sessions" json:"max_sessions"`

	// ExecPath 浏览器可执行文件路径, 空值用系统默认
	ExecPath string `yaml:"exec_path" json:"exec_path"`
}

// DefaultOptions 返回默认构造参数。
func DefaultOptions() Options {
	return Options{MaxSessions: defaultMaxSessions}
}

func (o Options) maxSessions() int64 {
	if o.MaxSessions <= 0 {
		return defaultMaxSessions
	}
	return int64(o.MaxSessions)
}

// SessionConfig 单次会话配置, 由任务的 automation_config 负载决定。
type SessionConfig struct {
	Headless     bool
	WindowWidth  int
	WindowHeight int
	UserAgent    string

	// WaitSeconds 导航完成后的额外静置时间, 等待前端渲染收尾
	WaitSeconds float64
}

// settleDelay 返回静置时长。
func (c SessionConfig) settleDelay() time.Duration {
	if c.WaitSeconds <= 0 {
		return 0
	}
	return time.Duration(c.WaitSeconds * float64(time.Second))
}

// decodeSessionConfig 解析 automation_config 负载。
// 负载缺省时返回无头 + 默认窗口的配置。
func decodeSessionConfig(raw json.RawMessage) (SessionConfig, error) {
	cfg := SessionConfig{
		Headless:     true,
		WindowWidth:  defaultWindowWidth,
		WindowHeight: defaultWindowHeight,
	}
	if len(raw) == 0 {
		return cfg, nil
	}
	if !gjson.ValidBytes(raw) {
		return cfg, types.NewConfigurationError("automation_config payload is not valid json")
	}
	parsed := gjson.ParseBytes(raw)
	if !parsed.IsObject() {
		return cfg, types.NewConfigurationError("automation_config payload must be a json object")
	}

	if v := parsed.Get("headless"); v.Exists() {
		cfg.Headless = v.Bool()
	}
	if v := parsed.Get("window_width"); v.Exists() && v.Int() > 0 {
		cfg.WindowWidth = int(v.Int())
	}
	if v := parsed.Get("window_height"); v.Exists() && v.Int() > 0 {
		cfg.WindowHeight = int(v.Int())
	}
	if v := parsed.Get("user_agent"); v.Exists() {
		cfg.UserAgent = v.String()
	}
	if v := parsed.Get("wait_seconds"); v.Exists() {
		cfg.WaitSeconds = v.Float()
	}
	return cfg, nil
}

// =============================================================================
// 📋 自动化脚本
// =============================================================================

// 脚本动作闭集
const (
	ActionNavigate    = "navigate"
	ActionWaitVisible = "wait_visible"
	ActionClick       = "click"
	ActionType        = "type"
	ActionEval        = "eval"
	ActionSleep       = "sleep"
	ActionScroll      = "scroll"
)

// defaultScrollDelta 未指定幅度时的滚动像素
const defaultScrollDelta = 300

// Step 一条脚本指令。
type Step struct {
	Action    string `json:"action"`
	Selector  string `json:"selector,omitempty"`
	Value     string `json:"value,omitempty"`
	TimeoutMS int    `json:"timeout_ms,omitempty"`
}

// timeout 返回指令级超时, 0 表示跟随尝试级截止。
func (s Step) timeout() time.Duration {
	if s.TimeoutMS <= 0 {
		return 0
	}
	return time.Duration(s.TimeoutMS) * time.Millisecond
}

// DecodeScript 解析 automation_script 负载并逐条校验。负载必须是
// JSON 数组, 每个元素一条指令; 构造方与引擎共享这一份 wire 契约。
func DecodeScript(raw json.RawMessage) ([]Step, error) {
	if len(raw) == 0 {
		return nil, nil
	}
	if !gjson.ValidBytes(raw) {
		return nil, types.NewConfigurationError("automation_script payload is not valid json")
	}
	parsed := gjson.ParseBytes(raw)
	if !parsed.IsArray() {
		return nil, types.NewConfigurationError("automation_script payload must be a json array")
	}

	var steps []Step
	var decodeErr error
	parsed.ForEach(func(_, item gjson.Result) bool {
		if !item.IsObject() {
			decodeErr = types.NewConfigurationError("automation_script step %d is not an object", len(steps))
			return false
		}
		step := Step{
			Action:    strings.ToLower(item.Get("action").String()),
			Selector:  item.Get("selector").String(),
			Value:     item.Get("value").String(),
			TimeoutMS: int(item.Get("timeout_ms").Int()),
		}
		if err := validateStep(len(steps), step); err != nil {
			decodeErr = err
			return false
		}
		steps = append(steps, step)
		return true
	})
	if decodeErr != nil {
		return nil, decodeErr
	}
	return steps, nil
}

func validateStep(index int, step Step) error {
	switch step.Action {
	case ActionNavigate:
		if step.Value == "" {
			return types.NewConfigurationError("automation_script step %d: navigate requires value", index)
		}
	case ActionWaitVisible, ActionClick:
		if step.Selector == "" {
			return types.NewConfigurationError("automation_script step %d: %s requires selector", index, step.Action)
		}
	case ActionType:
		if step.Selector == "" {
			return types.NewConfigurationError("automation_script step %d: type requires selector", index)
		}
	case ActionEval:
		if step.Value == "" {
			return types.NewConfigurationError("automation_script step %d: eval requires value", index)
		}
	case ActionSleep:
		if step.TimeoutMS <= 0 {
			return types.NewConfigurationError("automation_script step %d: sleep requires timeout_ms", index)
		}
	case ActionScroll:
		// 幅度可选, 省略时用默认值
	default:
		return types.NewConfigurationError("automation_script step %d: unknown action %q", index, step.Action)
	}
	return nil
}

// classifyBrowserError 把浏览器故障归类为统一错误。
// 截止超时归为传输超时, 进程级故障归为致命自动化错误。
func classifyBrowserError(backend string, err error) error {
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

	lower := strings.ToLower(err.Error())
	switch {
	case strings.Contains(lower, "crash"),
		strings.Contains(lower, "browser process"),
		strings.Contains(lower, "websocket: close"),
		strings.Contains(lower, "connection lost"):
		return types.NewAutomationError("browser session lost: %v", err).WithBackend(backend).AsFatal()
	case strings.Contains(lower, "net::err_"):
		return types.NewTransportError("navigation failed: %v", err).WithBackend(backend)
	}
	return types.NewAutomationError("automation failed: %v", err).WithCause(err).WithBackend(backend)
}

// sleepCtx 可取消的休眠。
func sleepCtx(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
