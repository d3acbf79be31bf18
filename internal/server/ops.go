package server

import (
	"context"
	"encoding/json"
	"net/http"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"
)

// =============================================================================
// 🏥 运维端点
// =============================================================================

// checkTimeout 单次 /healthz 探测的总截止
const checkTimeout = 5 * time.Second

// HealthCheck 健康检查接口
type HealthCheck interface {
	Name() string
	Check(ctx context.Context) error
}

// PingCheck 把一个探活函数适配成 HealthCheck。ping 为 nil 时恒为通过。
type PingCheck struct {
	name string
	ping func(ctx context.Context) error
}

// NewPingCheck 创建探活检查
func NewPingCheck(name string, ping func(ctx context.Context) error) *PingCheck {
	return &PingCheck{name: name, ping: ping}
}

// Name 返回检查名称
func (c *PingCheck) Name() string {
	return c.name
}

// Check 执行探活
func (c *PingCheck) Check(ctx context.Context) error {
	if c.ping == nil {
		return nil
	}
	return c.ping(ctx)
}

// BuildInfo 构建信息, 由 main 包在构建时注入后传入。
type BuildInfo struct {
	Version   string `json:"version"`
	BuildTime string `json:"build_time"`
	GitCommit string `json:"git_commit"`
}

// HealthStatus /healthz 响应体
type HealthStatus struct {
	Status    string                 `json:"status"` // "healthy", "unhealthy"
	Timestamp time.Time              `json:"timestamp"`
	Checks    map[string]CheckResult `json:"checks,omitempty"`
}

// CheckResult 单个检查结果
type CheckResult struct {
	Status  string `json:"status"` // "pass", "fail"
	Message string `json:"message,omitempty"`
	Latency string `json:"latency,omitempty"`
}

// =============================================================================
// 🎯 运维复用器
// =============================================================================

// Ops 运维端点集合: /metrics, /healthz, /version。
// 检查项在 Start 之后仍可通过 RegisterCheck 追加。
type Ops struct {
	info   BuildInfo
	logger *zap.Logger
	checks []HealthCheck
	mu     sync.RWMutex
}

// NewOps 创建运维端点集合
func NewOps(info BuildInfo, logger *zap.Logger, checks ...HealthCheck) *Ops {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Ops{
		info:   info,
		logger: logger.With(zap.String("component", "ops")),
		checks: checks,
	}
}

// RegisterCheck 注册健康检查
func (o *Ops) RegisterCheck(check HealthCheck) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.checks = append(o.checks, check)
}

// Mux 组装运维端点复用器
func (o *Ops) Mux() *http.ServeMux {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())
	mux.HandleFunc("/healthz", o.handleHealthz)
	mux.HandleFunc("/version", o.handleVersion)
	return mux
}

// handleHealthz 执行全部注册检查, 任一失败返回 503
func (o *Ops) handleHealthz(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), checkTimeout)
	defer cancel()

	o.mu.RLock()
	checks := make([]HealthCheck, len(o.checks))
	copy(checks, o.checks)
	o.mu.RUnlock()

	status := HealthStatus{
		Status:    "healthy",
		Timestamp: time.Now(),
	}
	if len(checks) > 0 {
		status.Checks = make(map[string]CheckResult, len(checks))
	}

	healthy := true
	for _, check := range checks {
		start := time.Now()
		err := check.Check(ctx)
		latency := time.Since(start)

		result := CheckResult{
			Status:  "pass",
			Latency: latency.String(),
		}
		if err != nil {
			result.Status = "fail"
			result.Message = err.Error()
			healthy = false

			o.logger.Warn("health check failed",
				zap.String("check", check.Name()),
				zap.Error(err),
				zap.Duration("latency", latency),
			)
		}

		status.Checks[check.Name()] = result
	}

	if !healthy {
		status.Status = "unhealthy"
		writeJSON(w, http.StatusServiceUnavailable, status)
		return
	}

	writeJSON(w, http.StatusOK, status)
}

// handleVersion 返回构建信息
func (o *Ops) handleVersion(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, o.info)
}

// writeJSON 写出 JSON 响应
func writeJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.Header().Set("X-Content-Type-Options", "nosniff")
	w.WriteHeader(status)

	if err := json.NewEncoder(w).Encode(data); err != nil {
		// 响应头已写出, 只能就此打住
		return
	}
}
