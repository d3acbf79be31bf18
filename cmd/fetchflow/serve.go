package main

import (
	"context"
	"fmt"
	"io"
	"time"

	"go.uber.org/zap"

	"github.com/BaSui01/fetchflow/adapter"
	"github.com/BaSui01/fetchflow/adapter/factory"
	"github.com/BaSui01/fetchflow/config"
	"github.com/BaSui01/fetchflow/dispatch"
	"github.com/BaSui01/fetchflow/internal/database"
	"github.com/BaSui01/fetchflow/internal/history"
	"github.com/BaSui01/fetchflow/internal/metrics"
	internalserver "github.com/BaSui01/fetchflow/internal/server"
	"github.com/BaSui01/fetchflow/internal/telemetry"
	"github.com/BaSui01/fetchflow/internal/pool"
	"github.com/BaSui01/fetchflow/proxy"
	"github.com/BaSui01/fetchflow/server"
)

// =============================================================================
// 🖥️ Server 结构
// =============================================================================

// Server 是 serve 子命令的聚合根
type Server struct {
	cfg        *config.Config
	configPath string
	logger     *zap.Logger
	logLevel   zap.AtomicLevel

	// 支撑组件
	collector *metrics.Collector
	providers *telemetry.Providers
	hist      *history.Store
	registry  *adapter.Registry
	source    proxy.Source
	workers   *pool.WorkerPool

	// 服务器
	grpcServer *server.Server
	opsManager *internalserver.Manager

	// 配置监听器 (日志级别热更新)
	watcher *config.Watcher
}

// NewServer 创建新的服务器实例
func NewServer(cfg *config.Config, configPath string, logger *zap.Logger, logLevel zap.AtomicLevel, providers *telemetry.Providers) *Server {
	return &Server{
		cfg:        cfg,
		configPath: configPath,
		logger:     logger,
		logLevel:   logLevel,
		providers:  providers,
	}
}

// =============================================================================
// 🚀 启动流程
// =============================================================================

// Start 启动所有服务
func (s *Server) Start() error {
	// 1. 初始化指标收集器
	s.collector = metrics.NewCollector("fetchflow", s.logger)

	// 2. 打开历史仓库 (不可用时降级为不记录)
	s.initHistory()

	// 3. 装配引擎注册表、代理源、调度器与工作池
	svc, err := s.initDispatch()
	if err != nil {
		return fmt.Errorf("failed to init dispatch: %w", err)
	}

	// 4. 启动 gRPC 服务器
	if err := s.startGRPCServer(svc); err != nil {
		return fmt.Errorf("failed to start grpc server: %w", err)
	}

	// 5. 启动运维服务器
	if err := s.startOpsServer(); err != nil {
		return fmt.Errorf("failed to start ops server: %w", err)
	}

	// 6. 启动配置监听 (仅日志级别热生效)
	if err := s.initWatcher(); err != nil {
		return fmt.Errorf("failed to init config watcher: %w", err)
	}

	s.logger.Info("All servers started",
		zap.Int("grpc_port", s.cfg.Server.GRPCPort),
		zap.Int("ops_port", s.cfg.Server.OpsPort),
		zap.Strings("backends", s.registry.List()),
		zap.Bool("history_enabled", s.hist != nil),
		zap.Bool("watch_enabled", s.configPath != ""),
	)

	return nil
}

// =============================================================================
// 🔧 初始化方法
// =============================================================================

// initHistory 按配置打开历史仓库。失败只告警, 调度不依赖历史。
func (s *Server) initHistory() {
	if !s.cfg.History.Enabled {
		return
	}

	histCfg := history.DefaultConfig()
	histCfg.Driver = s.cfg.History.Driver
	histCfg.DSN = s.cfg.History.DSN()
	if s.cfg.History.BufferSize > 0 {
		histCfg.BufferSize = s.cfg.History.BufferSize
	}

	poolCfg := database.DefaultPoolConfig()
	if s.cfg.History.MaxOpenConns > 0 {
		poolCfg.MaxOpenConns = s.cfg.History.MaxOpenConns
	}
	if s.cfg.History.MaxIdleConns > 0 {
		poolCfg.MaxIdleConns = s.cfg.History.MaxIdleConns
	}
	if s.cfg.History.ConnMaxLifetime > 0 {
		poolCfg.ConnMaxLifetime = s.cfg.History.ConnMaxLifetime
	}
	histCfg.Pool = poolCfg

	store, err := history.Open(histCfg, s.logger, s.collector)
	if err != nil {
		s.logger.Warn("History store not available, recording disabled", zap.Error(err))
		return
	}
	s.hist = store
}

// initDispatch 装配调度链路: 注册表 → 代理源 → 调度器 → 工作池 → 服务。
func (s *Server) initDispatch() (*server.Service, error) {
	registry, err := factory.BuildRegistry(s.cfg.Adapters, s.logger)
	if err != nil {
		return nil, fmt.Errorf("build adapter registry: %w", err)
	}
	s.registry = registry

	source, err := factory.BuildProxySource(s.cfg.ProxySource, s.logger)
	if err != nil {
		return nil, fmt.Errorf("build proxy source: %w", err)
	}
	s.source = source

	orc, err := dispatch.New(dispatch.Config{
		Registry:       registry,
		Source:         source,
		Logger:         s.logger,
		Metrics:        s.collector,
		DefaultTimeout: s.cfg.Dispatch.DefaultTimeout,
	})
	if err != nil {
		return nil, err
	}

	s.workers = pool.NewWorkerPool(pool.WorkerPoolConfig{
		MaxWorkers: s.cfg.Dispatch.Workers,
		QueueSize:  s.cfg.Dispatch.QueueSize,
	})

	return server.NewService(server.ServiceConfig{
		Orchestrator: orc,
		Workers:      s.workers,
		History:      s.hist,
		Logger:       s.logger,
		ChunkSize:    s.cfg.Dispatch.StreamChunkSize,
	})
}

// initWatcher 监听配置文件, 目前只有日志级别热生效。
func (s *Server) initWatcher() error {
	if s.configPath == "" {
		return nil
	}

	loader := config.NewLoader().WithConfigPath(s.configPath)
	watcher, err := config.NewWatcher(loader, s.logger)
	if err != nil {
		return err
	}

	watcher.OnReload(func(newCfg *config.Config) {
		level := parseLogLevel(newCfg.Log.Level)
		if s.logLevel.Level() != level {
			s.logLevel.SetLevel(level)
			s.logger.Info("log level updated", zap.String("level", newCfg.Log.Level))
		}
	})

	if err := watcher.Start(context.Background()); err != nil {
		return err
	}
	s.watcher = watcher
	return nil
}

// =============================================================================
// 📡 gRPC 服务器
// =============================================================================

// startGRPCServer 启动 gRPC 服务器（非阻塞）
func (s *Server) startGRPCServer(svc *server.Service) error {
	grpcConfig := server.Config{
		Addr:            fmt.Sprintf(":%d", s.cfg.Server.GRPCPort),
		MaxRecvMsgSize:  s.cfg.Server.MaxRecvMsgSize,
		MaxSendMsgSize:  s.cfg.Server.MaxSendMsgSize,
		ShutdownTimeout: s.cfg.Server.ShutdownTimeout,
		RateLimitRPS:    s.cfg.Server.RateLimitRPS,
		RateLimitBurst:  s.cfg.Server.RateLimitBurst,
		Auth:            s.cfg.Server.Auth,
	}

	s.grpcServer = server.New(grpcConfig, svc, s.collector, s.logger)

	if err := s.grpcServer.Start(); err != nil {
		return err
	}

	s.logger.Info("gRPC server started", zap.Int("port", s.cfg.Server.GRPCPort))
	return nil
}

// =============================================================================
// 📊 运维服务器
// =============================================================================

// startOpsServer 启动运维端点服务器（非阻塞）
func (s *Server) startOpsServer() error {
	var checks []internalserver.HealthCheck
	if s.hist != nil {
		checks = append(checks, internalserver.NewPingCheck("history", s.hist.Ping))
	}
	if pinger, ok := s.source.(interface {
		Ping(ctx context.Context) error
	}); ok {
		checks = append(checks, internalserver.NewPingCheck("proxy_source", pinger.Ping))
	}

	ops := internalserver.NewOps(internalserver.BuildInfo{
		Version:   Version,
		BuildTime: BuildTime,
		GitCommit: GitCommit,
	}, s.logger, checks...)

	opsConfig := internalserver.Config{
		Addr:            fmt.Sprintf(":%d", s.cfg.Server.OpsPort),
		ReadTimeout:     s.cfg.Server.ReadTimeout,
		WriteTimeout:    s.cfg.Server.WriteTimeout,
		IdleTimeout:     2 * s.cfg.Server.ReadTimeout,
		MaxHeaderBytes:  1 << 20, // 1 MB
		ShutdownTimeout: s.cfg.Server.ShutdownTimeout,
	}

	s.opsManager = internalserver.NewManager(ops.Mux(), opsConfig, s.logger)

	if err := s.opsManager.Start(); err != nil {
		return err
	}

	s.logger.Info("Ops server started", zap.Int("port", s.cfg.Server.OpsPort))
	return nil
}

// =============================================================================
// 🛑 关闭流程
// =============================================================================

// WaitForShutdown 等待关闭信号并优雅关闭
func (s *Server) WaitForShutdown() {
	// gRPC 服务器监听信号并先行停止接新
	if s.grpcServer != nil {
		s.grpcServer.WaitForShutdown()
	}

	// 执行清理
	s.Shutdown()
}

// Shutdown 优雅关闭所有服务。
// 顺序: 停止配置监听 → gRPC → 运维 HTTP → 清空工作池 → 刷净历史
// 缓冲 → 关闭引擎与代理源 → 上报遥测。
func (s *Server) Shutdown() {
	s.logger.Info("Starting graceful shutdown...")

	ctx := context.Background()

	// 1. 停止配置监听
	if s.watcher != nil {
		s.watcher.Stop()
	}

	// 2. 关闭 gRPC 服务器 (WaitForShutdown 已触发时为幂等空操作)
	if s.grpcServer != nil {
		if err := s.grpcServer.Shutdown(ctx); err != nil {
			s.logger.Error("gRPC server shutdown error", zap.Error(err))
		}
	}

	// 3. 关闭运维服务器
	if s.opsManager != nil {
		if err := s.opsManager.Shutdown(ctx); err != nil {
			s.logger.Error("Ops server shutdown error", zap.Error(err))
		}
	}

	// 4. 关闭工作池, 等待在途任务收尾
	if s.workers != nil {
		s.workers.Close()
	}

	// 5. 刷净历史缓冲
	if s.hist != nil {
		if err := s.hist.Close(); err != nil {
			s.logger.Error("History store shutdown error", zap.Error(err))
		}
	}

	// 6. 关闭执行引擎与代理源
	if s.registry != nil {
		if err := s.registry.CloseAll(); err != nil {
			s.logger.Error("Adapter shutdown error", zap.Error(err))
		}
	}
	if closer, ok := s.source.(io.Closer); ok {
		if err := closer.Close(); err != nil {
			s.logger.Error("Proxy source shutdown error", zap.Error(err))
		}
	}

	// 7. 上报并关闭遥测
	if s.providers != nil {
		shutdownCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
		defer cancel()
		if err := s.providers.Shutdown(shutdownCtx); err != nil {
			s.logger.Error("Telemetry shutdown error", zap.Error(err))
		}
	}

	s.logger.Info("Graceful shutdown completed")
}
