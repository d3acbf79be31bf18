package proxy

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
)

// =============================================================================
// 📡 默认代理源
// =============================================================================

// Source 默认代理源。任务以 proxy=true 提交时, 调度器从这里取代理。
// 返回 (nil, nil) 表示源可用但当前没有默认代理。
type Source interface {
	DefaultProxy(ctx context.Context) (*Proxy, error)
}

// NopSource 永远没有默认代理的空实现。
type NopSource struct{}

// DefaultProxy 返回空值。
func (NopSource) DefaultProxy(_ context.Context) (*Proxy, error) {
	return nil, nil
}

// StaticSource 返回构造时固定下来的代理快照。
type StaticSource struct {
	proxy *Proxy
}

// NewStaticSource 创建静态代理源。
func NewStaticSource(p *Proxy) *StaticSource {
	return &StaticSource{proxy: p}
}

// DefaultProxy 返回固定代理。
func (s *StaticSource) DefaultProxy(_ context.Context) (*Proxy, error) {
	return s.proxy, nil
}

// =============================================================================
// 💾 Redis 代理源
// =============================================================================

// RedisSourceConfig Redis 代理源配置
type RedisSourceConfig struct {
	// Redis 地址
	Addr string `yaml:"addr" json:"addr"`

	// 密码
	Password string `yaml:"password" json:"password"`

	// 数据库编号
	DB int `yaml:"db" json:"db"`

	// 默认代理所在键, 值可以是代理 URL 或 JSON 对象
	Key string `yaml:"key" json:"key"`

	// 本地缓存时长, 避免每个任务都触发一次 GET
	CacheTTL time.Duration `yaml:"cache_ttl" json:"cache_ttl"`

	// 连接池大小
	PoolSize int `yaml:"pool_size" json:"pool_size"`
}

// DefaultRedisSourceConfig 返回默认 Redis 代理源配置
func DefaultRedisSourceConfig() RedisSourceConfig {
	return RedisSourceConfig{
		Addr:     "localhost:6379",
		DB:       0,
		Key:      "fetchflow:proxy:default",
		CacheTTL: 30 * time.Second,
		PoolSize: 10,
	}
}

// RedisSource 从 Redis 读取默认代理, 供外部代理池系统写入。
// 读取结果在本地短暂缓存, 缓存过期后重新拉取。
type RedisSource struct {
	client *redis.Client
	key    string
	ttl    time.Duration
	logger *zap.Logger

	mu     sync.Mutex
	cached *Proxy
	expiry time.Time
}

// NewRedisSource 创建 Redis 代理源并探测连通性。
func NewRedisSource(config RedisSourceConfig, logger *zap.Logger) (*RedisSource, error) {
	client := redis.NewClient(&redis.Options{
		Addr:     config.Addr,
		Password: config.Password,
		DB:       config.DB,
		PoolSize: config.PoolSize,
	})

	// 测试连接
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if err := client.Ping(ctx).Err(); err != nil {
		return nil, fmt.Errorf("failed to connect to redis: %w", err)
	}

	key := config.Key
	if key == "" {
		key = "fetchflow:proxy:default"
	}

	return &RedisSource{
		client: client,
		key:    key,
		ttl:    config.CacheTTL,
		logger: logger.With(zap.String("component", "proxy_source")),
	}, nil
}

// DefaultProxy 读取当前默认代理。键不存在视为没有默认代理。
func (s *RedisSource) DefaultProxy(ctx context.Context) (*Proxy, error) {
	if s.ttl > 0 {
		s.mu.Lock()
		if s.cached != nil && time.Now().Before(s.expiry) {
			p := s.cached
			s.mu.Unlock()
			return p, nil
		}
		s.mu.Unlock()
	}

	val, err := s.client.Get(ctx, s.key).Result()
	if errors.Is(err, redis.Nil) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("fetch default proxy: %w", err)
	}

	p, err := decodeProxyValue(val)
	if err != nil {
		return nil, err
	}

	if s.ttl > 0 {
		s.mu.Lock()
		s.cached = p
		s.expiry = time.Now().Add(s.ttl)
		s.mu.Unlock()
	}

	s.logger.Debug("default proxy refreshed",
		zap.String("key", s.key),
		zap.String("proxy", p.Address()),
	)
	return p, nil
}

// Ping 检查 Redis 连通性。
func (s *RedisSource) Ping(ctx context.Context) error {
	return s.client.Ping(ctx).Err()
}

// Close 关闭 Redis 连接。
func (s *RedisSource) Close() error {
	return s.client.Close()
}

// decodeProxyValue 兼容 URL 字符串与 JSON 对象两种存储格式。
func decodeProxyValue(val string) (*Proxy, error) {
	trimmed := strings.TrimSpace(val)
	if strings.HasPrefix(trimmed, "{") {
		var p Proxy
		if err := json.Unmarshal([]byte(trimmed), &p); err != nil {
			return nil, fmt.Errorf("decode proxy object: %w", err)
		}
		applyDefaults(&p)
		if err := p.Validate(); err != nil {
			return nil, err
		}
		return &p, nil
	}
	return Parse(trimmed)
}
