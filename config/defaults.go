// =============================================================================
// 📦 FetchFlow 默认配置
// =============================================================================
// 提供所有配置项的合理默认值
// =============================================================================
package config

import "time"

// DefaultConfig 返回默认配置
func DefaultConfig() *Config {
	return &Config{
		Server:      DefaultServerConfig(),
		Dispatch:    DefaultDispatchConfig(),
		Adapters:    DefaultAdaptersConfig(),
		ProxySource: DefaultProxySourceConfig(),
		History:     DefaultHistoryConfig(),
		Log:         DefaultLogConfig(),
		Telemetry:   DefaultTelemetryConfig(),
	}
}

// DefaultServerConfig 返回默认服务器配置
func DefaultServerConfig() ServerConfig {
	return ServerConfig{
		GRPCPort:        9527,
		OpsPort:         9528,
		ReadTimeout:     30 * time.Second,
		WriteTimeout:    30 * time.Second,
		ShutdownTimeout: 15 * time.Second,
		MaxRecvMsgSize:  32 * 1024 * 1024,
		MaxSendMsgSize:  32 * 1024 * 1024,
		RateLimitRPS:    100,
		RateLimitBurst:  200,
		Auth: AuthConfig{
			Enabled: false,
		},
	}
}

// DefaultDispatchConfig 返回默认调度配置
func DefaultDispatchConfig() DispatchConfig {
	return DispatchConfig{
		Workers:         10,
		QueueSize:       100,
		DefaultTimeout:  60 * time.Second,
		StreamChunkSize: 64 * 1024,
	}
}

// DefaultAdaptersConfig 返回默认引擎配置
func DefaultAdaptersConfig() AdaptersConfig {
	return AdaptersConfig{
		Direct: DirectAdaptersConfig{
			Enabled:        true,
			DefaultProfile: "chrome",
		},
		Browser: BrowserAdaptersConfig{
			Enabled:     true,
			ExecPath:    "",
			MaxSessions: 2,
		},
	}
}

// DefaultProxySourceConfig 返回默认代理源配置
func DefaultProxySourceConfig() ProxySourceConfig {
	return ProxySourceConfig{
		Type: "none",
		Redis: ProxyRedisConfig{
			Addr:     "localhost:6379",
			DB:       0,
			Key:      "fetchflow:proxy:default",
			CacheTTL: 30 * time.Second,
			PoolSize: 10,
		},
	}
}

// DefaultHistoryConfig 返回默认历史落库配置
func DefaultHistoryConfig() HistoryConfig {
	return HistoryConfig{
		Enabled:         false,
		Driver:          "sqlite",
		Name:            "fetchflow.db",
		SSLMode:         "disable",
		MaxOpenConns:    25,
		MaxIdleConns:    5,
		ConnMaxLifetime: 5 * time.Minute,
		BufferSize:      256,
	}
}

// DefaultLogConfig 返回默认日志配置
func DefaultLogConfig() LogConfig {
	return LogConfig{
		Level:            "info",
		Format:           "json",
		OutputPaths:      []string{"stdout"},
		EnableCaller:     true,
		EnableStacktrace: false,
	}
}

// DefaultTelemetryConfig 返回默认遥测配置
func DefaultTelemetryConfig() TelemetryConfig {
	return TelemetryConfig{
		Enabled:      false,
		OTLPEndpoint: "localhost:4317",
		ServiceName:  "fetchflow",
		SampleRate:   0.1,
	}
}
