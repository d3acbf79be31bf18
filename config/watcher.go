// 配置文件变更监听器。
//
// 以修改时间轮询探测变更 (跨平台, 无额外依赖), 防抖后通过 Loader
// 重新加载完整配置并通知回调。重载失败保留当前配置, 只记日志。
package config

import (
	"context"
	"fmt"
	"os"
	"sync"
	"time"

	"go.uber.org/zap"
)

// Watcher 监视单个配置文件并在变更后触发重载。
type Watcher struct {
	loader   *Loader
	path     string
	interval time.Duration
	debounce time.Duration
	logger   *zap.Logger

	mu        sync.Mutex
	running   bool
	stopChan  chan struct{}
	lastMod   time.Time
	callbacks []func(*Config)
}

// WatcherOption 配置监听器选项
type WatcherOption func(*Watcher)

// WithPollInterval 设置轮询间隔
func WithPollInterval(d time.Duration) WatcherOption {
	return func(w *Watcher) {
		w.interval = d
	}
}

// WithDebounce 设置防抖延迟 (编辑器多次写入合并为一次重载)
func WithDebounce(d time.Duration) WatcherOption {
	return func(w *Watcher) {
		w.debounce = d
	}
}

// NewWatcher 创建配置监听器。Loader 必须带有配置文件路径。
func NewWatcher(loader *Loader, logger *zap.Logger, opts ...WatcherOption) (*Watcher, error) {
	if loader == nil {
		return nil, fmt.Errorf("config watcher requires a loader")
	}
	path := loader.ConfigPath()
	if path == "" {
		return nil, fmt.Errorf("config watcher requires a config file path")
	}
	if logger == nil {
		logger = zap.NewNop()
	}

	w := &Watcher{
		loader:   loader,
		path:     path,
		interval: time.Second,
		debounce: 200 * time.Millisecond,
		logger:   logger.With(zap.String("component", "config_watcher")),
		stopChan: make(chan struct{}),
	}
	for _, opt := range opts {
		opt(w)
	}

	if info, err := w.stat(); err == nil {
		w.lastMod = info.ModTime()
	} else {
		w.logger.Warn("配置文件不存在, 等待创建", zap.String("path", path))
	}

	return w, nil
}

// OnReload 注册重载回调, 收到的是通过校验的新配置。
func (w *Watcher) OnReload(cb func(*Config)) {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.callbacks = append(w.callbacks, cb)
}

// Start 开始监视。重复调用返回错误。
func (w *Watcher) Start(ctx context.Context) error {
	w.mu.Lock()
	if w.running {
		w.mu.Unlock()
		return fmt.Errorf("config watcher already running")
	}
	w.running = true
	w.mu.Unlock()

	go w.pollLoop(ctx)

	w.logger.Info("配置监听已启动",
		zap.String("path", w.path),
		zap.Duration("interval", w.interval),
	)
	return nil
}

// Stop 停止监视。幂等。
func (w *Watcher) Stop() {
	w.mu.Lock()
	defer w.mu.Unlock()
	if !w.running {
		return
	}
	close(w.stopChan)
	w.running = false
	w.logger.Info("配置监听已停止")
}

// IsRunning 报告监听器是否在运行。
func (w *Watcher) IsRunning() bool {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.running
}

func (w *Watcher) stat() (os.FileInfo, error) {
	return os.Stat(w.path)
}

// pollLoop 以固定间隔比较修改时间, 变更后防抖并重载。
func (w *Watcher) pollLoop(ctx context.Context) {
	ticker := time.NewTicker(w.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-w.stopChan:
			return
		case <-ticker.C:
			if !w.changed() {
				continue
			}
			// 防抖: 等待写入稳定再加载
			select {
			case <-ctx.Done():
				return
			case <-w.stopChan:
				return
			case <-time.After(w.debounce):
			}
			w.reload()
		}
	}
}

// changed 检查文件修改时间是否前进。文件消失不触发重载。
func (w *Watcher) changed() bool {
	info, err := w.stat()
	if err != nil {
		return false
	}

	w.mu.Lock()
	defer w.mu.Unlock()
	if info.ModTime().After(w.lastMod) {
		w.lastMod = info.ModTime()
		return true
	}
	return false
}

// reload 重新加载配置并分发给回调。失败保留旧配置。
func (w *Watcher) reload() {
	cfg, err := w.loader.Load()
	if err != nil {
		w.logger.Warn("配置重载失败, 保留当前配置", zap.Error(err))
		return
	}
	if err := cfg.Validate(); err != nil {
		w.logger.Warn("新配置未通过校验, 保留当前配置", zap.Error(err))
		return
	}

	w.mu.Lock()
	callbacks := make([]func(*Config), len(w.callbacks))
	copy(callbacks, w.callbacks)
	w.mu.Unlock()

	w.logger.Info("配置已重载", zap.String("path", w.path))
	for _, cb := range callbacks {
		cb(cfg)
	}
}
