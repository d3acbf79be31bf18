// =============================================================================
// 📦 FetchFlow 配置加载器
// =============================================================================
// 统一配置加载，支持 YAML 文件 + 环境变量覆盖
//
// 使用方法:
//
//	cfg, err := config.NewLoader().
//	    WithConfigPath("fetchflow.yaml").
//	    WithEnvPrefix("FETCHFLOW").
//	    Load()
//
// 配置优先级: 默认值 → YAML 文件 → 环境变量
// =============================================================================
package config

import (
	"fmt"
	"os"
	"reflect"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// =============================================================================
// 🎯 核心配置结构
// =============================================================================

// Config 是 FetchFlow 的完整配置结构
type Config struct {
	// Server RPC 与运维端口配置
	Server ServerConfig `yaml:"server" env:"SERVER"`

	// Dispatch 调度核心配置
	Dispatch DispatchConfig `yaml:"dispatch" env:"DISPATCH"`

	// Adapters 执行引擎配置
	Adapters AdaptersConfig `yaml:"adapters" env:"ADAPTERS"`

	// ProxySource 默认代理源配置
	ProxySource ProxySourceConfig `yaml:"proxy_source" env:"PROXY_SOURCE"`

	// History 任务历史落库配置
	History HistoryConfig `yaml:"history" env:"HISTORY"`

	// Log 日志配置
	Log LogConfig `yaml:"log" env:"LOG"`

	// Telemetry 遥测配置
	Telemetry TelemetryConfig `yaml:"telemetry" env:"TELEMETRY"`
}

// ServerConfig 服务器配置
type ServerConfig struct {
	// gRPC 端口
	GRPCPort int `yaml:"grpc_port" env:"GRPC_PORT"`
	// 运维 HTTP 端口 (/metrics /healthz /version)
	OpsPort int `yaml:"ops_port" env:"OPS_PORT"`
	// 运维 HTTP 读取超时
	ReadTimeout time.Duration `yaml:"read_timeout" env:"READ_TIMEOUT"`
	// 运维 HTTP 写入超时
	WriteTimeout time.Duration `yaml:"write_timeout" env:"WRITE_TIMEOUT"`
	// 优雅关闭超时
	ShutdownTimeout time.Duration `yaml:"shutdown_timeout" env:"SHUTDOWN_TIMEOUT"`
	// gRPC 单条消息接收上限 (字节)
	MaxRecvMsgSize int `yaml:"max_recv_msg_size" env:"MAX_RECV_MSG_SIZE"`
	// gRPC 单条消息发送上限 (字节)
	MaxSendMsgSize int `yaml:"max_send_msg_size" env:"MAX_SEND_MSG_SIZE"`
	// 全局限流速率 (请求/秒, 0 关闭限流)
	RateLimitRPS int `yaml:"rate_limit_rps" env:"RATE_LIMIT_RPS"`
	// 限流突发容量
	RateLimitBurst int `yaml:"rate_limit_burst" env:"RATE_LIMIT_BURST"`
	// Auth 认证配置
	Auth AuthConfig `yaml:"auth" env:"AUTH"`
}

// AuthConfig JWT 认证配置
type AuthConfig struct {
	// 是否启用 (健康检查始终豁免)
	Enabled bool `yaml:"enabled" env:"ENABLED"`
	// HS256 签名密钥
	Secret string `yaml:"secret" env:"SECRET"`
	// 期望的签发者 (空值不校验)
	Issuer string `yaml:"issuer" env:"ISSUER"`
	// 期望的受众 (空值不校验)
	Audience string `yaml:"audience" env:"AUDIENCE"`
}

// DispatchConfig 调度核心配置
type DispatchConfig struct {
	// 工作协程上限
	Workers int `yaml:"workers" env:"WORKERS"`
	// 等待队列容量 (满时新任务被拒绝)
	QueueSize int `yaml:"queue_size" env:"QUEUE_SIZE"`
	// 任务与后端均未指定超时时的兜底截止
	DefaultTimeout time.Duration `yaml:"default_timeout" env:"DEFAULT_TIMEOUT"`
	// 流式响应单帧分片大小 (字节)
	StreamChunkSize int `yaml:"stream_chunk_size" env:"STREAM_CHUNK_SIZE"`
}

// AdaptersConfig 执行引擎配置
type AdaptersConfig struct {
	// Direct 协议引擎配置
	Direct DirectAdaptersConfig `yaml:"direct" env:"DIRECT"`
	// Browser 渲染引擎配置
	Browser BrowserAdaptersConfig `yaml:"browser" env:"BROWSER"`
}

// DirectAdaptersConfig 协议引擎 (impersonate / resty / nethttp) 配置
type DirectAdaptersConfig struct {
	// 是否注册协议引擎
	Enabled bool `yaml:"enabled" env:"ENABLED"`
	// 任务未指定 impersonation_profile 时的默认伪装档位
	DefaultProfile string `yaml:"default_profile" env:"DEFAULT_PROFILE"`
}

// BrowserAdaptersConfig 渲染引擎 (chromedp / stealth / rod) 配置
type BrowserAdaptersConfig struct {
	// 是否注册渲染引擎 (无浏览器环境可关闭)
	Enabled bool `yaml:"enabled" env:"ENABLED"`
	// 浏览器可执行文件路径, 空值用系统默认
	ExecPath string `yaml:"exec_path" env:"EXEC_PATH"`
	// 每引擎并发会话上限
	MaxSessions int `yaml:"max_sessions" env:"MAX_SESSIONS"`
}

// ProxySourceConfig 默认代理源配置。任务 proxy=true 时从这里取代理。
type ProxySourceConfig struct {
	// 类型: none, static, redis
	Type string `yaml:"type" env:"TYPE"`
	// 静态代理 URL (type=static)
	URL string `yaml:"url" env:"URL"`
	// Redis 代理源 (type=redis)
	Redis ProxyRedisConfig `yaml:"redis" env:"REDIS"`
}

// ProxyRedisConfig Redis 代理源连接配置
type ProxyRedisConfig struct {
	// 地址
	Addr string `yaml:"addr" env:"ADDR"`
	// 密码
	Password string `yaml:"password" env:"PASSWORD"`
	// 数据库编号
	DB int `yaml:"db" env:"DB"`
	// 默认代理所在键
	Key string `yaml:"key" env:"KEY"`
	// 本地缓存时长
	CacheTTL time.Duration `yaml:"cache_ttl" env:"CACHE_TTL"`
	// 连接池大小
	PoolSize int `yaml:"pool_size" env:"POOL_SIZE"`
}

// HistoryConfig 任务历史落库配置
type HistoryConfig struct {
	// 是否启用
	Enabled bool `yaml:"enabled" env:"ENABLED"`
	// 驱动类型: sqlite, postgres, mysql
	Driver string `yaml:"driver" env:"DRIVER"`
	// 主机
	Host string `yaml:"host" env:"HOST"`
	// 端口
	Port int `yaml:"port" env:"PORT"`
	// 用户名
	User string `yaml:"user" env:"USER"`
	// 密码
	Password string `yaml:"password" env:"PASSWORD"`
	// 数据库名 (sqlite 时为文件路径)
	Name string `yaml:"name" env:"NAME"`
	// SSL 模式
	SSLMode string `yaml:"ssl_mode" env:"SSL_MODE"`
	// 最大连接数
	MaxOpenConns int `yaml:"max_open_conns" env:"MAX_OPEN_CONNS"`
	// 最大空闲连接
	MaxIdleConns int `yaml:"max_idle_conns" env:"MAX_IDLE_CONNS"`
	// 连接最大生命周期
	ConnMaxLifetime time.Duration `yaml:"conn_max_lifetime" env:"CONN_MAX_LIFETIME"`
	// 异步写缓冲容量 (满时丢弃并计数)
	BufferSize int `yaml:"buffer_size" env:"BUFFER_SIZE"`
}

// DSN 按驱动拼接 gorm 连接串。sqlite 时 Name 即文件路径。
func (h *HistoryConfig) DSN() string {
	switch h.Driver {
	case "postgres":
		return fmt.Sprintf(
			"host=%s port=%d user=%s password=%s dbname=%s sslmode=%s",
			h.Host, h.Port, h.User, h.Password, h.Name, h.SSLMode,
		)
	case "mysql":
		return fmt.Sprintf(
			"%s:%s@tcp(%s:%d)/%s?parseTime=true",
			h.User, h.Password, h.Host, h.Port, h.Name,
		)
	case "sqlite":
		return h.Name
	default:
		return ""
	}
}

// LogConfig 日志配置
type LogConfig struct {
	// 日志级别: debug, info, warn, error
	Level string `yaml:"level" env:"LEVEL"`
	// 输出格式: json, console
	Format string `yaml:"format" env:"FORMAT"`
	// 输出路径
	OutputPaths []string `yaml:"output_paths" env:"OUTPUT_PATHS"`
	// 是否启用调用者信息
	EnableCaller bool `yaml:"enable_caller" env:"ENABLE_CALLER"`
	// 是否启用堆栈跟踪
	EnableStacktrace bool `yaml:"enable_stacktrace" env:"ENABLE_STACKTRACE"`
}

// TelemetryConfig 遥测配置
type TelemetryConfig struct {
	// 是否启用
	Enabled bool `yaml:"enabled" env:"ENABLED"`
	// OTLP 端点
	OTLPEndpoint string `yaml:"otlp_endpoint" env:"OTLP_ENDPOINT"`
	// 服务名称
	ServiceName string `yaml:"service_name" env:"SERVICE_NAME"`
	// 采样率
	SampleRate float64 `yaml:"sample_rate" env:"SAMPLE_RATE"`
}

// =============================================================================
// 🔧 配置加载器
// =============================================================================

// Loader 配置加载器（Builder 模式）
type Loader struct {
	configPath string
	envPrefix  string
	validators []func(*Config) error
}

// NewLoader 创建新的配置加载器
func NewLoader() *Loader {
	return &Loader{
		envPrefix:  "FETCHFLOW",
		validators: make([]func(*Config) error, 0),
	}
}

// WithConfigPath 设置配置文件路径
func (l *Loader) WithConfigPath(path string) *Loader {
	l.configPath = path
	return l
}

// WithEnvPrefix 设置环境变量前缀
func (l *Loader) WithEnvPrefix(prefix string) *Loader {
	l.envPrefix = prefix
	return l
}

// WithValidator 添加配置验证器
func (l *Loader) WithValidator(v func(*Config) error) *Loader {
	l.validators = append(l.validators, v)
	return l
}

// ConfigPath 返回当前配置文件路径 (供文件监听器使用)
func (l *Loader) ConfigPath() string {
	return l.configPath
}

// Load 加载配置
// 优先级: 默认值 → YAML 文件 → 环境变量
func (l *Loader) Load() (*Config, error) {
	// 1. 从默认值开始
	cfg := DefaultConfig()

	// 2. 如果指定了配置文件，从文件加载
	if l.configPath != "" {
		if err := l.loadFromFile(cfg); err != nil {
			return nil, fmt.Errorf("failed to load config from file: %w", err)
		}
	}

	// 3. 从环境变量覆盖
	if err := l.loadFromEnv(cfg); err != nil {
		return nil, fmt.Errorf("failed to load config from env: %w", err)
	}

	// 4. 运行验证器
	for _, v := range l.validators {
		if err := v(cfg); err != nil {
			return nil, fmt.Errorf("config validation failed: %w", err)
		}
	}

	return cfg, nil
}

// loadFromFile 从 YAML 文件加载配置
func (l *Loader) loadFromFile(cfg *Config) error {
	data, err := os.ReadFile(l.configPath)
	if err != nil {
		if os.IsNotExist(err) {
			// 文件不存在，使用默认值
			return nil
		}
		return fmt.Errorf("failed to read config file: %w", err)
	}

	if err := yaml.Unmarshal(data, cfg); err != nil {
		return fmt.Errorf("failed to parse config file: %w", err)
	}

	return nil
}

// loadFromEnv 从环境变量加载配置
func (l *Loader) loadFromEnv(cfg *Config) error {
	return l.setFieldsFromEnv(reflect.ValueOf(cfg).Elem(), l.envPrefix)
}

// setFieldsFromEnv 递归设置结构体字段
func (l *Loader) setFieldsFromEnv(v reflect.Value, prefix string) error {
	t := v.Type()

	for i := 0; i < v.NumField(); i++ {
		field := v.Field(i)
		fieldType := t.Field(i)

		// 获取 env tag
		envTag := fieldType.Tag.Get("env")
		if envTag == "" || envTag == "-" {
			continue
		}

		envKey := prefix + "_" + envTag

		// 如果是结构体，递归处理
		if field.Kind() == reflect.Struct {
			if err := l.setFieldsFromEnv(field, envKey); err != nil {
				return err
			}
			continue
		}

		// 获取环境变量值
		envValue := os.Getenv(envKey)
		if envValue == "" {
			continue
		}

		// 设置字段值
		if err := setFieldValue(field, envValue); err != nil {
			return fmt.Errorf("failed to set %s: %w", envKey, err)
		}
	}

	return nil
}

// setFieldValue 设置字段值
func setFieldValue(field reflect.Value, value string) error {
	if !field.CanSet() {
		return nil
	}

	switch field.Kind() {
	case reflect.String:
		field.SetString(value)

	case reflect.Int, reflect.Int8, reflect.Int16, reflect.Int32, reflect.Int64:
		// 特殊处理 time.Duration
		if field.Type() == reflect.TypeOf(time.Duration(0)) {
			d, err := time.ParseDuration(value)
			if err != nil {
				return err
			}
			field.SetInt(int64(d))
		} else {
			i, err := strconv.ParseInt(value, 10, 64)
			if err != nil {
				return err
			}
			field.SetInt(i)
		}

	case reflect.Uint, reflect.Uint8, reflect.Uint16, reflect.Uint32, reflect.Uint64:
		u, err := strconv.ParseUint(value, 10, 64)
		if err != nil {
			return err
		}
		field.SetUint(u)

	case reflect.Float32, reflect.Float64:
		f, err := strconv.ParseFloat(value, 64)
		if err != nil {
			return err
		}
		field.SetFloat(f)

	case reflect.Bool:
		b, err := strconv.ParseBool(value)
		if err != nil {
			return err
		}
		field.SetBool(b)

	case reflect.Slice:
		// 支持逗号分隔的字符串切片
		if field.Type().Elem().Kind() == reflect.String {
			parts := strings.Split(value, ",")
			for i := range parts {
				parts[i] = strings.TrimSpace(parts[i])
			}
			field.Set(reflect.ValueOf(parts))
		}
	}

	return nil
}

// =============================================================================
// 🔍 辅助函数
// =============================================================================

// MustLoad 加载配置，失败时 panic
func MustLoad(path string) *Config {
	cfg, err := NewLoader().WithConfigPath(path).Load()
	if err != nil {
		panic(fmt.Sprintf("failed to load config: %v", err))
	}
	return cfg
}

// LoadFromEnv 仅从环境变量加载配置
func LoadFromEnv() (*Config, error) {
	return NewLoader().Load()
}

// Validate 验证配置
func (c *Config) Validate() error {
	var errs []string

	// 验证服务器配置
	if c.Server.GRPCPort <= 0 || c.Server.GRPCPort > 65535 {
		errs = append(errs, "invalid grpc port")
	}
	if c.Server.OpsPort <= 0 || c.Server.OpsPort > 65535 {
		errs = append(errs, "invalid ops port")
	}
	if c.Server.GRPCPort == c.Server.OpsPort {
		errs = append(errs, "grpc port and ops port must differ")
	}
	if c.Server.Auth.Enabled && c.Server.Auth.Secret == "" {
		errs = append(errs, "auth enabled but secret is empty")
	}
	if c.Server.RateLimitRPS < 0 {
		errs = append(errs, "rate_limit_rps must be >= 0")
	}

	// 验证调度配置
	if c.Dispatch.Workers <= 0 {
		errs = append(errs, "dispatch workers must be positive")
	}
	if c.Dispatch.QueueSize < 0 {
		errs = append(errs, "dispatch queue_size must be >= 0")
	}
	if c.Dispatch.DefaultTimeout <= 0 {
		errs = append(errs, "dispatch default_timeout must be positive")
	}
	if c.Dispatch.StreamChunkSize <= 0 {
		errs = append(errs, "dispatch stream_chunk_size must be positive")
	}

	// 验证引擎配置: 至少注册一个引擎家族
	if !c.Adapters.Direct.Enabled && !c.Adapters.Browser.Enabled {
		errs = append(errs, "at least one adapter family must be enabled")
	}
	if c.Adapters.Browser.Enabled && c.Adapters.Browser.MaxSessions < 0 {
		errs = append(errs, "browser max_sessions must be >= 0")
	}

	// 验证代理源配置
	switch c.ProxySource.Type {
	case "", "none":
	case "static":
		if c.ProxySource.URL == "" {
			errs = append(errs, "proxy_source type=static requires url")
		}
	case "redis":
		if c.ProxySource.Redis.Addr == "" {
			errs = append(errs, "proxy_source type=redis requires redis.addr")
		}
	default:
		errs = append(errs, fmt.Sprintf("unknown proxy_source type %q", c.ProxySource.Type))
	}

	// 验证历史落库配置
	if c.History.Enabled {
		switch c.History.Driver {
		case "sqlite", "postgres", "mysql":
		default:
			errs = append(errs, fmt.Sprintf("unknown history driver %q", c.History.Driver))
		}
		if c.History.Name == "" {
			errs = append(errs, "history enabled but name is empty")
		}
	}

	// 验证日志配置
	switch c.Log.Level {
	case "debug", "info", "warn", "error":
	default:
		errs = append(errs, fmt.Sprintf("unknown log level %q", c.Log.Level))
	}

	// 验证遥测配置
	if c.Telemetry.SampleRate < 0 || c.Telemetry.SampleRate > 1 {
		errs = append(errs, "telemetry sample_rate must be within [0, 1]")
	}

	if len(errs) > 0 {
		return fmt.Errorf("config validation errors: %s", strings.Join(errs, "; "))
	}

	return nil
}
