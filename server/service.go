// Copyright (c) FetchFlow Authors.
// Licensed under the MIT License.

package server

import (
	"context"
	"errors"

	"go.uber.org/zap"
	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"

	"github.com/BaSui01/fetchflow/dispatch"
	"github.com/BaSui01/fetchflow/internal/history"
	"github.com/BaSui01/fetchflow/internal/pool"
	"github.com/BaSui01/fetchflow/internal/wire"
	"github.com/BaSui01/fetchflow/types"
)

// =============================================================================
// 📡 Dispatch 服务
// =============================================================================

// 服务与方法全名, 与客户端共用 internal/wire 里的同一份契约。
const (
	ServiceName         = wire.ServiceName
	MethodExecute       = wire.MethodExecute
	MethodExecuteStream = wire.MethodExecuteStream
)

// defaultStreamChunkSize 流式分片大小兜底值。
const defaultStreamChunkSize = 64 * 1024

// ServiceConfig Dispatch 服务构造参数。
type ServiceConfig struct {
	// Orchestrator 任务调度器 (必填)
	Orchestrator *dispatch.Orchestrator

	// Workers 工作池, 限定并发上限与等待队列 (必填)
	Workers *pool.WorkerPool

	// History 历史落库; nil 表示不记录
	History *history.Store

	// Logger 结构化日志; nil 使用 Nop
	Logger *zap.Logger

	// ChunkSize 流式响应单帧分片大小 (字节); 非正值回落到 64 KiB
	ChunkSize int
}

// Service 实现 fetchflow.v1.Dispatch。
// 自身无任务级状态, 并发上限完全由工作池决定。
type Service struct {
	orc     *dispatch.Orchestrator
	workers *pool.WorkerPool
	history *history.Store
	logger  *zap.Logger
	chunk   int
}

// NewService 创建 Dispatch 服务。
func NewService(cfg ServiceConfig) (*Service, error) {
	if cfg.Orchestrator == nil {
		return nil, types.NewConfigurationError("server: orchestrator is required")
	}
	if cfg.Workers == nil {
		return nil, types.NewConfigurationError("server: worker pool is required")
	}

	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	chunk := cfg.ChunkSize
	if chunk <= 0 {
		chunk = defaultStreamChunkSize
	}

	return &Service{
		orc:     cfg.Orchestrator,
		workers: cfg.Workers,
		history: cfg.History,
		logger:  logger.With(zap.String("component", "rpc")),
		chunk:   chunk,
	}, nil
}

// Execute 执行一个任务并返回终态信封。
// 任务级失败 (传输错误、状态码不被接受、自动化失败) 不是 RPC 错误,
// 随信封的 error_message 返回; RPC 错误只出现在边界条件上。
func (s *Service) Execute(ctx context.Context, task *types.TaskEnvelope) (*types.ResponseEnvelope, error) {
	return s.dispatch(ctx, task)
}

// ExecuteStream 执行任务并以流式下发结果:正文按固定分片大小逐帧发送,
// 最后一帧只带摘要 (Content 为空, 正文已通过分片下发)。
func (s *Service) ExecuteStream(task *types.TaskEnvelope, stream grpc.ServerStreamingServer[types.StreamFrame]) error {
	env, err := s.dispatch(stream.Context(), task)
	if err != nil {
		return err
	}

	content := env.Content
	for offset := 0; offset < len(content); offset += s.chunk {
		end := offset + s.chunk
		if end > len(content) {
			end = len(content)
		}
		frame := &types.StreamFrame{TaskID: env.TaskID, Data: content[offset:end]}
		if err := stream.Send(frame); err != nil {
			return err
		}
	}

	summary := *env
	summary.Content = nil
	return stream.Send(&types.StreamFrame{TaskID: env.TaskID, Summary: &summary})
}

// dispatch 在工作池内运行任务的完整生命周期。
// 队列满立即拒绝 (ResourceExhausted), 不排队等待;
// 等待结果期间调用方取消则提前返回, 在途任务随 ctx 感知取消。
func (s *Service) dispatch(ctx context.Context, task *types.TaskEnvelope) (*types.ResponseEnvelope, error) {
	var env *types.ResponseEnvelope
	err := s.workers.Run(ctx, func(jobCtx context.Context) error {
		env = s.orc.Dispatch(jobCtx, task)
		return nil
	})
	switch {
	case err == nil:
	case errors.Is(err, pool.ErrPoolSaturated):
		s.logger.Warn("dispatch queue saturated",
			zap.String("task_id", task.ID),
			zap.String("backend", task.Backend),
		)
		return nil, status.Error(codes.ResourceExhausted, "dispatch queue is full")
	case errors.Is(err, pool.ErrPoolClosed):
		return nil, status.Error(codes.Unavailable, "dispatch pool is closed")
	default:
		return nil, status.FromContextError(err).Err()
	}

	s.history.Record(task, env)
	return env, nil
}

// =============================================================================
// 🔧 服务描述符 (手写, 等价于生成代码的形状)
// =============================================================================

// dispatchHandler 注册对象需要满足的最小接口。
type dispatchHandler interface {
	Execute(ctx context.Context, task *types.TaskEnvelope) (*types.ResponseEnvelope, error)
	ExecuteStream(task *types.TaskEnvelope, stream grpc.ServerStreamingServer[types.StreamFrame]) error
}

// DispatchServiceDesc 是 fetchflow.v1.Dispatch 的服务描述符。
// 消息体是 types 信封, 经注册的 JSON codec 编解码。
var DispatchServiceDesc = grpc.ServiceDesc{
	ServiceName: ServiceName,
	HandlerType: (*dispatchHandler)(nil),
	Methods: []grpc.MethodDesc{
		{
			MethodName: "Execute",
			Handler:    executeHandler,
		},
	},
	Streams: []grpc.StreamDesc{
		{
			StreamName:    "ExecuteStream",
			Handler:       executeStreamHandler,
			ServerStreams: true,
		},
	},
	Metadata: "fetchflow/v1/dispatch",
}

func executeHandler(srv any, ctx context.Context, dec func(any) error, interceptor grpc.UnaryServerInterceptor) (any, error) {
	in := new(types.TaskEnvelope)
	if err := dec(in); err != nil {
		return nil, err
	}
	if interceptor == nil {
		return srv.(dispatchHandler).Execute(ctx, in)
	}
	info := &grpc.UnaryServerInfo{Server: srv, FullMethod: MethodExecute}
	handler := func(ctx context.Context, req any) (any, error) {
		return srv.(dispatchHandler).Execute(ctx, req.(*types.TaskEnvelope))
	}
	return interceptor(ctx, in, info, handler)
}

func executeStreamHandler(srv any, stream grpc.ServerStream) error {
	in := new(types.TaskEnvelope)
	if err := stream.RecvMsg(in); err != nil {
		return err
	}
	return srv.(dispatchHandler).ExecuteStream(in, &grpc.GenericServerStream[types.TaskEnvelope, types.StreamFrame]{ServerStream: stream})
}
