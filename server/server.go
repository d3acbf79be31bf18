// Copyright (c) FetchFlow Authors.
// Licensed under the MIT License.

package server

import (
	"context"
	"fmt"
	"net"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"go.uber.org/zap"
	"google.golang.org/grpc"
	grpc_health "google.golang.org/grpc/health"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"

	appconfig "github.com/BaSui01/fetchflow/config"
	"github.com/BaSui01/fetchflow/internal/metrics"
)

// =============================================================================
// 🔧 配置
// =============================================================================

// Config gRPC 服务器配置。
type Config struct {
	// 监听地址
	Addr string

	// 单条消息接收上限 (字节); 非正值使用 gRPC 默认
	MaxRecvMsgSize int

	// 单条消息发送上限 (字节); 非正值使用 gRPC 默认
	MaxSendMsgSize int

	// 优雅关闭超时, 超过后强制断开在途 RPC
	ShutdownTimeout time.Duration

	// 全局限流速率 (请求/秒, 0 关闭限流)
	RateLimitRPS int

	// 限流突发容量
	RateLimitBurst int

	// Auth JWT 认证配置
	Auth appconfig.AuthConfig
}

// DefaultConfig 返回默认服务器配置。
func DefaultConfig() Config {
	return Config{
		Addr:            ":9527",
		MaxRecvMsgSize:  32 * 1024 * 1024,
		MaxSendMsgSize:  32 * 1024 * 1024,
		ShutdownTimeout: 15 * time.Second,
	}
}

// =============================================================================
// 📡 gRPC 服务器
// =============================================================================

// Server gRPC 服务器生命周期管理。
type Server struct {
	config   Config
	logger   *zap.Logger
	grpc     *grpc.Server
	health   *grpc_health.Server
	listener net.Listener
	errCh    chan error
	cancelGC context.CancelFunc
	mu       sync.RWMutex
	closed   bool
}

// New 组装 gRPC 服务器:拦截器链、Dispatch 服务与标准健康服务。
// 拦截器顺序与 HTTP 中间件链一致:恢复在最外层, 认证在最内层。
func New(config Config, svc *Service, collector *metrics.Collector, logger *zap.Logger) *Server {
	if logger == nil {
		logger = zap.NewNop()
	}
	logger = logger.With(zap.String("component", "grpc_server"))

	if config.Addr == "" {
		config.Addr = DefaultConfig().Addr
	}
	if config.ShutdownTimeout <= 0 {
		config.ShutdownTimeout = DefaultConfig().ShutdownTimeout
	}

	gcCtx, cancelGC := context.WithCancel(context.Background())

	unary := []grpc.UnaryServerInterceptor{
		UnaryRecovery(logger),
		UnaryLogging(logger),
		UnaryMetrics(collector),
		UnaryTracing(),
	}
	stream := []grpc.StreamServerInterceptor{
		StreamRecovery(logger),
		StreamLogging(logger),
		StreamMetrics(collector),
		StreamTracing(),
	}
	if config.RateLimitRPS > 0 {
		u, s := RateLimitInterceptors(gcCtx, float64(config.RateLimitRPS), config.RateLimitBurst, logger)
		unary = append(unary, u)
		stream = append(stream, s)
	}
	if config.Auth.Enabled {
		u, s := AuthInterceptors(config.Auth, logger)
		unary = append(unary, u)
		stream = append(stream, s)
	}

	opts := []grpc.ServerOption{
		grpc.ChainUnaryInterceptor(unary...),
		grpc.ChainStreamInterceptor(stream...),
	}
	if config.MaxRecvMsgSize > 0 {
		opts = append(opts, grpc.MaxRecvMsgSize(config.MaxRecvMsgSize))
	}
	if config.MaxSendMsgSize > 0 {
		opts = append(opts, grpc.MaxSendMsgSize(config.MaxSendMsgSize))
	}

	gs := grpc.NewServer(opts...)
	gs.RegisterService(&DispatchServiceDesc, svc)

	hs := grpc_health.NewServer()
	healthpb.RegisterHealthServer(gs, hs)
	hs.SetServingStatus(ServiceName, healthpb.HealthCheckResponse_SERVING)
	hs.SetServingStatus("", healthpb.HealthCheckResponse_SERVING)

	return &Server{
		config:   config,
		logger:   logger,
		grpc:     gs,
		health:   hs,
		errCh:    make(chan error, 1),
		cancelGC: cancelGC,
	}
}

// Start 启动服务器 (非阻塞)。
func (s *Server) Start() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return fmt.Errorf("server is closed")
	}
	if s.listener != nil {
		return fmt.Errorf("server already started")
	}

	listener, err := net.Listen("tcp", s.config.Addr)
	if err != nil {
		return fmt.Errorf("failed to listen on %s: %w", s.config.Addr, err)
	}

	s.listener = listener
	s.logger.Info("starting gRPC server", zap.String("addr", listener.Addr().String()))

	go s.serve(listener)

	return nil
}

func (s *Server) serve(listener net.Listener) {
	if err := s.grpc.Serve(listener); err != nil {
		select {
		case s.errCh <- err:
		default:
		}
	}
}

// Shutdown 优雅关闭:健康状态先置 NOT_SERVING 摘除流量, 等待在途 RPC
// 完成; 超过 ShutdownTimeout 后强制断开。重复调用无害。
func (s *Server) Shutdown(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return nil
	}
	s.closed = true
	s.logger.Info("shutting down gRPC server")

	s.health.Shutdown()
	s.cancelGC()

	done := make(chan struct{})
	go func() {
		s.grpc.GracefulStop()
		close(done)
	}()

	shutdownCtx, cancel := context.WithTimeout(ctx, s.config.ShutdownTimeout)
	defer cancel()

	select {
	case <-done:
	case <-shutdownCtx.Done():
		s.logger.Warn("graceful stop timed out, forcing stop")
		s.grpc.Stop()
		<-done
	}

	s.listener = nil
	s.logger.Info("gRPC server stopped")
	return nil
}

// WaitForShutdown 阻塞等待退出信号或服务器异常, 然后优雅关闭。
func (s *Server) WaitForShutdown() {
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	defer signal.Stop(quit)

	select {
	case sig := <-quit:
		s.logger.Info("received shutdown signal", zap.String("signal", sig.String()))
	case err := <-s.errCh:
		if err != nil {
			s.logger.Error("server exited unexpectedly", zap.Error(err))
		}
	}

	if err := s.Shutdown(context.Background()); err != nil {
		s.logger.Error("shutdown error", zap.Error(err))
	}
}

// Errors 返回异步服务器错误。
func (s *Server) Errors() <-chan error {
	return s.errCh
}

// Addr 返回实际监听地址; 未启动时返回配置地址。
// 配置 ":0" 随机端口时, 启动后可由此取回真实端口。
func (s *Server) Addr() string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.listener != nil {
		return s.listener.Addr().String()
	}
	return s.config.Addr
}

// IsRunning 返回服务器是否在运行。
func (s *Server) IsRunning() bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.listener != nil && !s.closed
}

// SetServing 切换 Dispatch 服务的健康状态。
func (s *Server) SetServing(serving bool) {
	st := healthpb.HealthCheckResponse_NOT_SERVING
	if serving {
		st = healthpb.HealthCheckResponse_SERVING
	}
	s.health.SetServingStatus(ServiceName, st)
	s.health.SetServingStatus("", st)
}
