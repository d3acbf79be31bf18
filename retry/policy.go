// Package retry 实现调度核心的退避决策：纯函数地根据"第几次尝试 +
// 失败分类"给出是否继续与下一次延迟，不执行任何 I/O。
package retry

import (
	"context"
	"fmt"
	"math"
	"math/rand"
	"time"

	"github.com/BaSui01/fetchflow/types"
)

// 退避常量。增长函数为 base * 2^i（i 为从 0 开始的尝试序号），
// 封顶后叠加 ±25% 均匀抖动防止对同一源站的同步重试雪崩。
const (
	// DefaultMaxDelay 单次退避的上限。
	DefaultMaxDelay = 30 * time.Second

	// DefaultJitterFraction 抖动比例（±25%）。
	DefaultJitterFraction = 0.25
)

// Policy 定义一个任务的重试策略。零值表示不重试。
type Policy struct {
	MaxRetries     int           // 最大重试次数（0 表示只执行一次）
	BaseDelay      time.Duration // 退避基数
	MaxDelay       time.Duration // 单次延迟上限（0 使用 DefaultMaxDelay）
	JitterFraction float64       // 抖动比例（0 关闭抖动）
}

// PolicyForTask 从任务信封构造重试策略。
func PolicyForTask(task *types.TaskEnvelope) Policy {
	return Policy{
		MaxRetries:     task.MaxRetries,
		BaseDelay:      task.Backoff(),
		MaxDelay:       DefaultMaxDelay,
		JitterFraction: DefaultJitterFraction,
	}
}

// ShouldRetry 判断在第 attempt 次尝试（从 0 计数）失败后是否继续。
// 停止条件：预算耗尽、错误不可重试、错误被标记为致命。
func (p Policy) ShouldRetry(attempt int, err error) bool {
	if err == nil {
		return false
	}
	if attempt >= p.MaxRetries {
		return false
	}
	if types.IsFatal(err) {
		return false
	}
	return types.IsRetryable(err)
}

// Delay 计算第 attempt 次尝试失败后的退避时长：base * 2^attempt，
// 封顶 MaxDelay，再叠加均匀抖动。结果不会为负。
func (p Policy) Delay(attempt int) time.Duration {
	if p.BaseDelay <= 0 {
		return 0
	}

	maxDelay := p.MaxDelay
	if maxDelay <= 0 {
		maxDelay = DefaultMaxDelay
	}

	// 指数增长：delay = base * 2^attempt
	delay := float64(p.BaseDelay) * math.Pow(2, float64(attempt))
	if delay > float64(maxDelay) {
		delay = float64(maxDelay)
	}

	// 随机抖动（±JitterFraction）
	if p.JitterFraction > 0 {
		jitter := delay * p.JitterFraction
		delay += (rand.Float64()*2 - 1) * jitter
	}

	if delay < 0 {
		delay = 0
	}
	return time.Duration(delay)
}

// Wait 等待退避延迟，期间监听取消信号。
func Wait(ctx context.Context, delay time.Duration) error {
	if delay <= 0 {
		// 零延迟也检查一次取消，保证取消在退避点可见
		if err := ctx.Err(); err != nil {
			return fmt.Errorf("retry wait cancelled: %w", err)
		}
		return nil
	}

	timer := time.NewTimer(delay)
	defer timer.Stop()

	select {
	case <-ctx.Done():
		return fmt.Errorf("retry wait cancelled: %w", ctx.Err())
	case <-timer.C:
		return nil
	}
}
