package pool

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestWorkerPoolRun(t *testing.T) {
	p := NewWorkerPool(WorkerPoolConfig{MaxWorkers: 4, QueueSize: 16})
	defer p.Close()

	var counter atomic.Int32
	var wg sync.WaitGroup
	for i := 0; i < 10; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			err := p.Run(context.Background(), func(context.Context) error {
				counter.Add(1)
				return nil
			})
			assert.NoError(t, err)
		}()
	}
	wg.Wait()

	assert.Equal(t, int32(10), counter.Load(), "所有任务都应执行")
	stats := p.Stats()
	assert.Equal(t, int64(10), stats.Submitted)
	assert.Equal(t, int64(10), stats.Completed)
	assert.Zero(t, stats.Failed)
	assert.Zero(t, stats.Rejected)
}

func TestWorkerPoolRunPropagatesError(t *testing.T) {
	p := NewWorkerPool(WorkerPoolConfig{MaxWorkers: 1, QueueSize: 4})
	defer p.Close()

	wantErr := errors.New("boom")
	err := p.Run(context.Background(), func(context.Context) error {
		return wantErr
	})
	assert.ErrorIs(t, err, wantErr, "任务错误应原样返回")
	assert.Equal(t, int64(1), p.Stats().Failed)
}

func TestWorkerPoolSaturation(t *testing.T) {
	p := NewWorkerPool(WorkerPoolConfig{MaxWorkers: 1, QueueSize: 1})
	defer p.Close()

	started := make(chan struct{})
	release := make(chan struct{})

	// 占满唯一的 worker
	require.NoError(t, p.Submit(context.Background(), func(context.Context) error {
		close(started)
		<-release
		return nil
	}))
	<-started

	// 占满队列
	require.NoError(t, p.Submit(context.Background(), func(context.Context) error {
		return nil
	}))

	// 第三个任务应被立即拒绝而不是排队等待
	err := p.Run(context.Background(), func(context.Context) error { return nil })
	assert.ErrorIs(t, err, ErrPoolSaturated)
	assert.Equal(t, int64(1), p.Stats().Rejected)

	close(release)
}

func TestWorkerPoolConcurrencyBound(t *testing.T) {
	p := NewWorkerPool(WorkerPoolConfig{MaxWorkers: 2, QueueSize: 32})
	defer p.Close()

	var current, peak atomic.Int32
	var wg sync.WaitGroup
	for i := 0; i < 12; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_ = p.Run(context.Background(), func(context.Context) error {
				n := current.Add(1)
				for {
					old := peak.Load()
					if n <= old || peak.CompareAndSwap(old, n) {
						break
					}
				}
				time.Sleep(10 * time.Millisecond)
				current.Add(-1)
				return nil
			})
		}()
	}
	wg.Wait()

	assert.LessOrEqual(t, peak.Load(), int32(2), "并发任务数不应超过 worker 上限")
}

func TestWorkerPoolPanicRecovery(t *testing.T) {
	var captured atomic.Value
	p := NewWorkerPool(WorkerPoolConfig{
		MaxWorkers: 1,
		QueueSize:  4,
		PanicHandler: func(r any) {
			captured.Store(r)
		},
	})
	defer p.Close()

	err := p.Run(context.Background(), func(context.Context) error {
		panic("worker exploded")
	})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "panicked")
	assert.Equal(t, "worker exploded", captured.Load(), "panic 值应交给处理器")

	// 池在 panic 后仍可用
	assert.NoError(t, p.Run(context.Background(), func(context.Context) error { return nil }))
}

func TestWorkerPoolRunCancelled(t *testing.T) {
	p := NewWorkerPool(WorkerPoolConfig{MaxWorkers: 1, QueueSize: 4})
	defer p.Close()

	release := make(chan struct{})
	defer close(release)

	ctx, cancel := context.WithCancel(context.Background())
	go func() {
		time.Sleep(20 * time.Millisecond)
		cancel()
	}()

	err := p.Run(ctx, func(context.Context) error {
		<-release
		return nil
	})
	assert.ErrorIs(t, err, context.Canceled, "等待结果期间取消应提前返回")
}

func TestWorkerPoolClosed(t *testing.T) {
	p := NewWorkerPool(WorkerPoolConfig{MaxWorkers: 1, QueueSize: 1})
	p.Close()

	assert.ErrorIs(t, p.Run(context.Background(), func(context.Context) error { return nil }), ErrPoolClosed)
	assert.ErrorIs(t, p.Submit(context.Background(), func(context.Context) error { return nil }), ErrPoolClosed)

	// 重复关闭无害
	p.Close()
}

func TestWorkerPoolDefaults(t *testing.T) {
	p := NewWorkerPool(WorkerPoolConfig{})
	defer p.Close()

	require.NoError(t, p.Run(context.Background(), func(context.Context) error { return nil }))
	assert.Equal(t, int64(1), p.Stats().Completed, "零值配置应回落默认并正常工作")
}
