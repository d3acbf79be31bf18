// Copyright (c) FetchFlow Authors.
// Licensed under the MIT License.

package server

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"fmt"
	"net"
	"strings"
	"sync"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	semconv "go.opentelemetry.io/otel/semconv/v1.26.0"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"
	"golang.org/x/time/rate"
	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/metadata"
	"google.golang.org/grpc/peer"
	"google.golang.org/grpc/status"

	appconfig "github.com/BaSui01/fetchflow/config"
	"github.com/BaSui01/fetchflow/internal/ctxkeys"
	"github.com/BaSui01/fetchflow/internal/metrics"
)

// requestIDHeader 请求 ID 的 metadata 键。客户端已提供则保留。
const requestIDHeader = "x-request-id"

// =============================================================================
// 🔄 恢复拦截器
// =============================================================================

// UnaryRecovery panic 恢复拦截器。
func UnaryRecovery(logger *zap.Logger) grpc.UnaryServerInterceptor {
	return func(ctx context.Context, req any, info *grpc.UnaryServerInfo, handler grpc.UnaryHandler) (resp any, err error) {
		defer func() {
			if r := recover(); r != nil {
				logger.Error("panic recovered",
					zap.Any("error", r),
					zap.String("method", info.FullMethod),
				)
				err = status.Error(codes.Internal, "internal server error")
			}
		}()
		return handler(ctx, req)
	}
}

// StreamRecovery 流式 panic 恢复拦截器。
func StreamRecovery(logger *zap.Logger) grpc.StreamServerInterceptor {
	return func(srv any, ss grpc.ServerStream, info *grpc.StreamServerInfo, handler grpc.StreamHandler) (err error) {
		defer func() {
			if r := recover(); r != nil {
				logger.Error("panic recovered",
					zap.Any("error", r),
					zap.String("method", info.FullMethod),
				)
				err = status.Error(codes.Internal, "internal server error")
			}
		}()
		return handler(srv, ss)
	}
}

// =============================================================================
// 📨 请求日志拦截器
// =============================================================================

// UnaryLogging 请求日志拦截器。同时把请求 ID 与对端地址注入 ctx,
// 供下游日志与历史记录关联。
func UnaryLogging(logger *zap.Logger) grpc.UnaryServerInterceptor {
	return func(ctx context.Context, req any, info *grpc.UnaryServerInfo, handler grpc.UnaryHandler) (any, error) {
		start := time.Now()
		ctx = enrichContext(ctx)
		resp, err := handler(ctx, req)
		logRPC(logger, ctx, info.FullMethod, err, time.Since(start))
		return resp, err
	}
}

// StreamLogging 流式请求日志拦截器。
func StreamLogging(logger *zap.Logger) grpc.StreamServerInterceptor {
	return func(srv any, ss grpc.ServerStream, info *grpc.StreamServerInfo, handler grpc.StreamHandler) error {
		start := time.Now()
		ctx := enrichContext(ss.Context())
		err := handler(srv, &wrappedStream{ServerStream: ss, ctx: ctx})
		logRPC(logger, ctx, info.FullMethod, err, time.Since(start))
		return err
	}
}

// wrappedStream 携带注入后的 ctx 的服务端流。
type wrappedStream struct {
	grpc.ServerStream
	ctx context.Context
}

func (w *wrappedStream) Context() context.Context { return w.ctx }

// enrichContext 注入请求 ID (客户端未提供则生成) 与对端地址。
func enrichContext(ctx context.Context) context.Context {
	var id string
	if md, ok := metadata.FromIncomingContext(ctx); ok {
		if values := md.Get(requestIDHeader); len(values) > 0 {
			id = values[0]
		}
	}
	if id == "" {
		id = generateRequestID()
	}
	ctx = ctxkeys.WithRequestID(ctx, id)

	if p, ok := peer.FromContext(ctx); ok && p.Addr != nil {
		ctx = ctxkeys.WithPeer(ctx, p.Addr.String())
	}
	return ctx
}

func logRPC(logger *zap.Logger, ctx context.Context, method string, err error, elapsed time.Duration) {
	fields := []zap.Field{
		zap.String("method", method),
		zap.String("code", status.Code(err).String()),
		zap.Duration("duration", elapsed),
	}
	if id, ok := ctxkeys.RequestID(ctx); ok {
		fields = append(fields, zap.String("request_id", id))
	}
	if pr, ok := ctxkeys.Peer(ctx); ok {
		fields = append(fields, zap.String("peer", pr))
	}
	logger.Info("rpc", fields...)
}

// generateRequestID 生成随机十六进制请求 ID。
func generateRequestID() string {
	b := make([]byte, 16)
	_, _ = rand.Read(b)
	return "req-" + hex.EncodeToString(b)
}

// =============================================================================
// 📊 指标拦截器
// =============================================================================

// UnaryMetrics RPC 指标拦截器, 按方法与状态码记录。
func UnaryMetrics(collector *metrics.Collector) grpc.UnaryServerInterceptor {
	return func(ctx context.Context, req any, info *grpc.UnaryServerInfo, handler grpc.UnaryHandler) (any, error) {
		start := time.Now()
		resp, err := handler(ctx, req)
		collector.RecordRPC(info.FullMethod, status.Code(err).String(), time.Since(start))
		return resp, err
	}
}

// StreamMetrics 流式 RPC 指标拦截器。
func StreamMetrics(collector *metrics.Collector) grpc.StreamServerInterceptor {
	return func(srv any, ss grpc.ServerStream, info *grpc.StreamServerInfo, handler grpc.StreamHandler) error {
		start := time.Now()
		err := handler(srv, ss)
		collector.RecordRPC(info.FullMethod, status.Code(err).String(), time.Since(start))
		return err
	}
}

// =============================================================================
// 📡 追踪拦截器
// =============================================================================

// UnaryTracing 为每个 RPC 建立服务端 span,
// 并从 metadata 提取上游传播的 trace 上下文。
func UnaryTracing() grpc.UnaryServerInterceptor {
	tracer := otel.Tracer("fetchflow/server")
	return func(ctx context.Context, req any, info *grpc.UnaryServerInfo, handler grpc.UnaryHandler) (any, error) {
		ctx, span := startRPCSpan(ctx, tracer, info.FullMethod)
		defer span.End()

		resp, err := handler(ctx, req)
		finishRPCSpan(span, err)
		return resp, err
	}
}

// StreamTracing 流式追踪拦截器。
func StreamTracing() grpc.StreamServerInterceptor {
	tracer := otel.Tracer("fetchflow/server")
	return func(srv any, ss grpc.ServerStream, info *grpc.StreamServerInfo, handler grpc.StreamHandler) error {
		ctx, span := startRPCSpan(ss.Context(), tracer, info.FullMethod)
		defer span.End()

		err := handler(srv, &wrappedStream{ServerStream: ss, ctx: ctx})
		finishRPCSpan(span, err)
		return err
	}
}

func startRPCSpan(ctx context.Context, tracer trace.Tracer, fullMethod string) (context.Context, trace.Span) {
	if md, ok := metadata.FromIncomingContext(ctx); ok {
		propagator := otel.GetTextMapPropagator()
		ctx = propagator.Extract(ctx, metadataCarrier(md))
	}
	return tracer.Start(ctx, fullMethod,
		trace.WithSpanKind(trace.SpanKindServer),
		trace.WithAttributes(
			semconv.RPCSystemGRPC,
			semconv.RPCService(ServiceName),
			semconv.RPCMethod(fullMethod),
		),
	)
}

func finishRPCSpan(span trace.Span, err error) {
	span.SetAttributes(attribute.String("rpc.grpc.status_code", status.Code(err).String()))
	if err != nil {
		span.SetAttributes(attribute.String("error", err.Error()))
	}
}

// metadataCarrier 把 gRPC metadata 适配成 OTel 文本传播载体。
type metadataCarrier metadata.MD

func (c metadataCarrier) Get(key string) string {
	values := metadata.MD(c).Get(key)
	if len(values) == 0 {
		return ""
	}
	return values[0]
}

func (c metadataCarrier) Set(key, value string) {
	metadata.MD(c).Set(key, value)
}

func (c metadataCarrier) Keys() []string {
	keys := make([]string, 0, len(c))
	for k := range c {
		keys = append(keys, k)
	}
	return keys
}

// =============================================================================
// 🔄 限流拦截器
// =============================================================================

// RateLimitInterceptors 构造共享同一 visitor 表的一元/流式限流拦截器。
// 按对端 IP 计数; ctx 取消时停止后台清理协程。
func RateLimitInterceptors(ctx context.Context, rps float64, burst int, logger *zap.Logger) (grpc.UnaryServerInterceptor, grpc.StreamServerInterceptor) {
	rl := newRateLimiter(ctx, rps, burst, logger)

	unary := func(ctx context.Context, req any, info *grpc.UnaryServerInfo, handler grpc.UnaryHandler) (any, error) {
		if err := rl.allow(ctx); err != nil {
			return nil, err
		}
		return handler(ctx, req)
	}
	stream := func(srv any, ss grpc.ServerStream, info *grpc.StreamServerInfo, handler grpc.StreamHandler) error {
		if err := rl.allow(ss.Context()); err != nil {
			return err
		}
		return handler(srv, ss)
	}
	return unary, stream
}

type visitor struct {
	limiter  *rate.Limiter
	lastSeen time.Time
}

// rateLimiter 按对端 IP 的令牌桶限流, visitor 表由后台协程定期清理。
type rateLimiter struct {
	rps    rate.Limit
	burst  int
	logger *zap.Logger

	mu       sync.Mutex
	visitors map[string]*visitor
}

func newRateLimiter(ctx context.Context, rps float64, burst int, logger *zap.Logger) *rateLimiter {
	rl := &rateLimiter{
		rps:      rate.Limit(rps),
		burst:    burst,
		logger:   logger,
		visitors: make(map[string]*visitor),
	}
	go rl.cleanupLoop(ctx)
	return rl
}

// cleanupLoop 清理超过 3 分钟未出现的 visitor。
func (rl *rateLimiter) cleanupLoop(ctx context.Context) {
	ticker := time.NewTicker(time.Minute)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			rl.mu.Lock()
			for ip, v := range rl.visitors {
				if time.Since(v.lastSeen) > 3*time.Minute {
					delete(rl.visitors, ip)
				}
			}
			rl.mu.Unlock()
		}
	}
}

func (rl *rateLimiter) allow(ctx context.Context) error {
	ip := peerIP(ctx)

	rl.mu.Lock()
	v, exists := rl.visitors[ip]
	if !exists {
		v = &visitor{limiter: rate.NewLimiter(rl.rps, rl.burst)}
		rl.visitors[ip] = v
	}
	v.lastSeen = time.Now()
	rl.mu.Unlock()

	if !v.limiter.Allow() {
		rl.logger.Warn("rate limit exceeded", zap.String("peer", ip))
		return status.Error(codes.ResourceExhausted, "rate limit exceeded")
	}
	return nil
}

// peerIP 提取对端 IP, 解析失败时退回完整地址。
func peerIP(ctx context.Context) string {
	p, ok := peer.FromContext(ctx)
	if !ok || p.Addr == nil {
		return "unknown"
	}
	host, _, err := net.SplitHostPort(p.Addr.String())
	if err != nil {
		return p.Addr.String()
	}
	return host
}

// =============================================================================
// 🔧 认证拦截器
// =============================================================================

// AuthInterceptors 构造共享同一校验器的一元/流式 JWT 认证拦截器。
// 只接受 Authorization: Bearer 形式的 HS256 令牌; 健康检查方法始终豁免。
func AuthInterceptors(cfg appconfig.AuthConfig, logger *zap.Logger) (grpc.UnaryServerInterceptor, grpc.StreamServerInterceptor) {
	auth := newAuthenticator(cfg, logger)

	unary := func(ctx context.Context, req any, info *grpc.UnaryServerInfo, handler grpc.UnaryHandler) (any, error) {
		if err := auth.authenticate(ctx, info.FullMethod); err != nil {
			return nil, err
		}
		return handler(ctx, req)
	}
	stream := func(srv any, ss grpc.ServerStream, info *grpc.StreamServerInfo, handler grpc.StreamHandler) error {
		if err := auth.authenticate(ss.Context(), info.FullMethod); err != nil {
			return err
		}
		return handler(srv, ss)
	}
	return unary, stream
}

// authenticator Bearer JWT 校验器 (HS256)。
type authenticator struct {
	secret     []byte
	parserOpts []jwt.ParserOption
	logger     *zap.Logger
}

func newAuthenticator(cfg appconfig.AuthConfig, logger *zap.Logger) *authenticator {
	opts := []jwt.ParserOption{jwt.WithValidMethods([]string{"HS256"})}
	if cfg.Issuer != "" {
		opts = append(opts, jwt.WithIssuer(cfg.Issuer))
	}
	if cfg.Audience != "" {
		opts = append(opts, jwt.WithAudience(cfg.Audience))
	}
	return &authenticator{
		secret:     []byte(cfg.Secret),
		parserOpts: opts,
		logger:     logger,
	}
}

func (a *authenticator) authenticate(ctx context.Context, fullMethod string) error {
	if isHealthMethod(fullMethod) {
		return nil
	}

	md, ok := metadata.FromIncomingContext(ctx)
	if !ok {
		return status.Error(codes.Unauthenticated, "missing metadata")
	}
	values := md.Get("authorization")
	if len(values) == 0 {
		return status.Error(codes.Unauthenticated, "missing authorization header")
	}
	tokenStr := strings.TrimPrefix(values[0], "Bearer ")
	if tokenStr == values[0] {
		return status.Error(codes.Unauthenticated, "malformed authorization header")
	}

	if _, err := jwt.Parse(tokenStr, a.keyFunc, a.parserOpts...); err != nil {
		a.logger.Debug("JWT validation failed", zap.Error(err))
		return status.Error(codes.Unauthenticated, "invalid token")
	}
	return nil
}

func (a *authenticator) keyFunc(token *jwt.Token) (any, error) {
	if len(a.secret) == 0 {
		return nil, fmt.Errorf("HMAC secret not configured")
	}
	return a.secret, nil
}

// isHealthMethod 判断是否为标准健康检查服务的方法。
func isHealthMethod(fullMethod string) bool {
	return strings.HasPrefix(fullMethod, "/grpc.health.v1.Health/")
}
