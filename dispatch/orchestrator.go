// Copyright (c) FetchFlow Authors.
// Licensed under the MIT License.

package dispatch

import (
	"context"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"

	"github.com/BaSui01/fetchflow/adapter"
	"github.com/BaSui01/fetchflow/internal/ctxkeys"
	"github.com/BaSui01/fetchflow/internal/metrics"
	"github.com/BaSui01/fetchflow/proxy"
	"github.com/BaSui01/fetchflow/retry"
	"github.com/BaSui01/fetchflow/types"
)

// =============================================================================
// 🎯 调度器配置
// =============================================================================

// Config 调度器构造参数。
type Config struct {
	// Registry 已注册的执行引擎集合 (必填)
	Registry *adapter.Registry

	// Source 默认代理源, 任务以 proxy=true 提交时取值; nil 表示没有默认代理
	Source proxy.Source

	// Logger 结构化日志; nil 使用 Nop
	Logger *zap.Logger

	// Metrics 指标收集器; nil 表示禁用指标
	Metrics *metrics.Collector

	// Tracer OpenTelemetry tracer; nil 使用全局 TracerProvider
	Tracer trace.Tracer

	// DefaultTimeout 任务与后端均未指定超时时的兜底截止; 非正值回落到 types.DefaultTimeout
	DefaultTimeout time.Duration
}

// =============================================================================
// 🎯 调度器
// =============================================================================

// Orchestrator 任务调度器。不持有任务级状态, 可被任意多 goroutine 并发调用;
// 并发上限由调用方 (工作池) 控制, 这里只负责单任务的完整生命周期。
type Orchestrator struct {
	registry       *adapter.Registry
	source         proxy.Source
	logger         *zap.Logger
	metrics        *metrics.Collector
	tracer         trace.Tracer
	defaultTimeout time.Duration
}

// New 创建调度器。
func New(cfg Config) (*Orchestrator, error) {
	if cfg.Registry == nil {
		return nil, types.NewConfigurationError("dispatch: adapter registry is required")
	}

	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	tracer := cfg.Tracer
	if tracer == nil {
		tracer = otel.Tracer("fetchflow/dispatch")
	}
	timeout := cfg.DefaultTimeout
	if timeout <= 0 {
		timeout = types.DefaultTimeout
	}

	return &Orchestrator{
		registry:       cfg.Registry,
		source:         cfg.Source,
		logger:         logger.With(zap.String("component", "orchestrator")),
		metrics:        cfg.Metrics,
		tracer:         tracer,
		defaultTimeout: timeout,
	}, nil
}

// =============================================================================
// 📡 调度主流程
// =============================================================================

// Dispatch 执行一个任务的完整生命周期, 总是返回非 nil 信封且
// task_id 与入参一致。错误通过信封的 error_message 传递, 不单独返回。
//
// 取消语义: ctx 取消后不再发起新尝试, 在途尝试与退避等待立即中断,
// 任务以 FAILED 终态收尾。
func (o *Orchestrator) Dispatch(ctx context.Context, task *types.TaskEnvelope) *types.ResponseEnvelope {
	start := time.Now()
	state := StateCreated

	// ---- VALIDATING: 入口校验 + 后端查找, 失败即拒绝, 不消耗重试预算 ----
	state = o.advance(o.logger, state, StateValidating)

	if err := task.Validate(); err != nil {
		o.advance(o.logger, state, StateRejected)
		return o.reject(task, err, start)
	}

	ctx = ctxkeys.WithTaskID(ctx, task.ID)
	log := o.logger.With(
		zap.String("task_id", task.ID),
		zap.String("backend", task.Backend),
	)

	ctx, span := o.tracer.Start(ctx, "dispatch.task",
		trace.WithAttributes(
			attribute.String("task.id", task.ID),
			attribute.String("task.backend", task.Backend),
			attribute.String("task.method", task.Method),
		))
	defer span.End()

	ad, err := o.registry.Get(task.Backend)
	if err != nil {
		o.advance(log, state, StateRejected)
		span.SetAttributes(attribute.String("error", err.Error()))
		return o.reject(task, err, start)
	}

	// ---- RESOLVING: 多态代理说明解析, 每任务至多一次 ----
	state = o.advance(log, state, StateResolving)

	px, err := proxy.Resolve(ctx, task.Proxy, o.source)
	if err != nil {
		o.advance(log, state, StateRejected)
		span.SetAttributes(attribute.String("error", err.Error()))
		return o.reject(task, err, start)
	}
	if px != nil {
		span.SetAttributes(attribute.String("task.proxy_scheme", px.Scheme))
	}

	// socks4 是合法的代理协议, 但不是每个引擎都讲; 能力不匹配属于
	// 配置问题, 重试救不回来, 在这里拒绝而不是让尝试去撞墙
	if px != nil && px.Scheme == proxy.SchemeSOCKS4 && !ad.Capabilities().SOCKS4 {
		err := types.NewConfigurationError("backend %q does not support socks4 proxies", task.Backend)
		o.advance(log, state, StateRejected)
		span.SetAttributes(attribute.String("error", err.Error()))
		return o.reject(task, err, start)
	}

	// ---- EXECUTING: 尝试循环, 重试复用已解析代理 ----
	state = o.advance(log, state, StateExecuting)
	o.metrics.TaskStarted(task.Backend)

	timeout := o.attemptTimeout(task, ad)
	policy := retry.PolicyForTask(task)

	var (
		lastResult *adapter.Result
		lastErr    error
		attempts   int
	)

	for attempt := 0; ; attempt++ {
		attempts++
		lastResult, lastErr = o.runAttempt(ctx, task, ad, px, timeout, attempt, span, log)
		if lastErr == nil {
			break
		}

		// 调用方取消优先于重试预算
		if cerr := ctx.Err(); cerr != nil {
			log.Debug("调度被调用方取消", zap.Error(cerr))
			break
		}
		if !policy.ShouldRetry(attempt, lastErr) {
			break
		}

		// ---- RETRY_PENDING: 退避等待, 期间监听取消 ----
		state = o.advance(log, state, StateRetryPending)
		o.metrics.RecordRetry(task.Backend)

		delay := policy.Delay(attempt)
		log.Debug("安排重试",
			zap.Int("attempt", attempt+1),
			zap.Duration("delay", delay),
			zap.Error(lastErr),
		)
		span.AddEvent("retry", trace.WithAttributes(
			attribute.Int("attempt.seq", attempt+1),
			attribute.String("retry.delay", delay.String()),
		))

		if werr := retry.Wait(ctx, delay); werr != nil {
			lastErr = types.NewTransportError("dispatch cancelled during backoff").
				WithCause(werr).
				WithBackend(task.Backend)
			lastResult = nil
			break
		}
		state = o.advance(log, state, StateExecuting)
	}

	// ---- 终态: 装配信封 ----
	elapsed := time.Since(start)
	env := &types.ResponseEnvelope{
		TaskID:    task.ID,
		Backend:   task.Backend,
		Attempts:  attempts,
		ElapsedMS: elapsed.Milliseconds(),
	}

	if lastErr == nil {
		state = o.advance(log, state, StateSucceeded)
		env.StatusCode = lastResult.StatusCode
		env.Headers = lastResult.Headers
		env.Content = lastResult.Body
		env.EffectiveURL = lastResult.EffectiveURL
	} else {
		state = o.advance(log, state, StateFailed)
		env.ErrorMessage = lastErr.Error()
		span.SetAttributes(attribute.String("error", lastErr.Error()))
		if lastResult != nil {
			// 状态码不被接受时带出实际观察到的响应
			env.StatusCode = lastResult.StatusCode
			env.Headers = lastResult.Headers
			env.Content = lastResult.Body
			env.EffectiveURL = lastResult.EffectiveURL
		} else if s := types.StatusOf(lastErr); s > 0 {
			env.StatusCode = s
		}
	}

	o.metrics.TaskFinished(task.Backend, state.Outcome(), attempts, elapsed)
	span.SetAttributes(
		attribute.String("task.state", string(state)),
		attribute.Int("task.attempts", attempts),
	)
	log.Info("任务结束",
		zap.String("state", string(state)),
		zap.Int("attempts", attempts),
		zap.Int("status", env.StatusCode),
		zap.Duration("elapsed", elapsed),
	)
	return env
}

// =============================================================================
// 🔧 内部辅助
// =============================================================================

// runAttempt 执行一次适配器调用并记录尝试级观测。
// 返回的 result 仅在 err == nil 或状态码不被接受时非 nil。
func (o *Orchestrator) runAttempt(
	ctx context.Context,
	task *types.TaskEnvelope,
	ad adapter.Adapter,
	px *proxy.Proxy,
	timeout time.Duration,
	attempt int,
	span trace.Span,
	log *zap.Logger,
) (*adapter.Result, error) {
	attemptStart := time.Now()

	attemptCtx, cancel := context.WithTimeout(ctx, timeout)
	res, err := ad.Execute(attemptCtx, &adapter.Request{
		Task:    task,
		Proxy:   px,
		Timeout: timeout,
	})
	cancel()

	if err == nil && res == nil {
		// 适配器契约被破坏, 标记致命避免空转重试
		err = types.NewTransportError("adapter returned neither result nor error").
			WithBackend(task.Backend).
			AsFatal()
	}
	if err == nil && !task.StatusAccepted(res.StatusCode) {
		// 保留响应, 终态信封需要带出实际状态码
		err = types.NewDisallowedStatusError(res.StatusCode, task.AllowedStatusCodes).
			WithBackend(task.Backend)
	} else if err != nil {
		res = nil
	}

	elapsed := time.Since(attemptStart)
	o.metrics.RecordAttempt(task.Backend, resultStatus(res), err, elapsed, resultSize(res))

	event := []attribute.KeyValue{
		attribute.Int("attempt.seq", attempt+1),
		attribute.Int("attempt.status", resultStatus(res)),
		attribute.String("attempt.duration", elapsed.String()),
	}
	if err != nil {
		event = append(event, attribute.String("error", err.Error()))
		log.Debug("尝试失败",
			zap.Int("attempt", attempt+1),
			zap.Duration("elapsed", elapsed),
			zap.Error(err),
		)
	} else {
		log.Debug("尝试成功",
			zap.Int("attempt", attempt+1),
			zap.Int("status", res.StatusCode),
			zap.Int("body_bytes", len(res.Body)),
			zap.Duration("elapsed", elapsed),
		)
	}
	span.AddEvent("attempt", trace.WithAttributes(event...))

	return res, err
}

// reject 构造拒绝信封。被拒绝的任务没有任何尝试, 不占用在途计数。
func (o *Orchestrator) reject(task *types.TaskEnvelope, err error, start time.Time) *types.ResponseEnvelope {
	var id, backend string
	if task != nil {
		id, backend = task.ID, task.Backend
	}
	o.metrics.TaskRejected(backend)
	o.logger.Warn("任务被拒绝",
		zap.String("task_id", id),
		zap.String("backend", backend),
		zap.Error(err),
	)
	return &types.ResponseEnvelope{
		TaskID:       id,
		Backend:      backend,
		ErrorMessage: err.Error(),
		ElapsedMS:    time.Since(start).Milliseconds(),
	}
}

// attemptTimeout 计算单次尝试硬截止: 任务指定值 → 后端默认值 → 调度器兜底。
func (o *Orchestrator) attemptTimeout(task *types.TaskEnvelope, ad adapter.Adapter) time.Duration {
	if d := task.Timeout(); d > 0 {
		return d
	}
	if d := ad.Capabilities().DefaultTimeout; d > 0 {
		return d
	}
	return o.defaultTimeout
}

// advance 推进状态机并留痕。迁移表外的跳转说明编码有误, 记录后照常推进,
// 调度流程不因观测问题中断。
func (o *Orchestrator) advance(log *zap.Logger, from, to State) State {
	if !CanTransition(from, to) {
		o.logger.Error("非法状态迁移",
			zap.String("from", string(from)),
			zap.String("to", string(to)),
		)
	}
	log.Debug("状态迁移",
		zap.String("from", string(from)),
		zap.String("to", string(to)),
	)
	return to
}

// resultStatus 读取结果状态码, nil 结果返回 0。
func resultStatus(res *adapter.Result) int {
	if res == nil {
		return 0
	}
	return res.StatusCode
}

// resultSize 读取响应体字节数, nil 结果返回 0。
func resultSize(res *adapter.Result) int {
	if res == nil {
		return 0
	}
	return len(res.Body)
}
