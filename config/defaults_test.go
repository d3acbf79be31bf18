package config

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// --- DefaultConfig aggregate ---

func TestDefaultConfig_ContainsAllSubConfigs(t *testing.T) {
	cfg := DefaultConfig()
	require.NotNil(t, cfg)

	// Each sub-config should be non-zero
	assert.NotEqual(t, ServerConfig{}, cfg.Server)
	assert.NotEqual(t, DispatchConfig{}, cfg.Dispatch)
	assert.NotEqual(t, AdaptersConfig{}, cfg.Adapters)
	assert.NotEqual(t, ProxySourceConfig{}, cfg.ProxySource)
	assert.NotEqual(t, HistoryConfig{}, cfg.History)
	assert.NotEqual(t, LogConfig{}, cfg.Log)
	assert.NotEqual(t, TelemetryConfig{}, cfg.Telemetry)
}

func TestDefaultConfig_PassesValidation(t *testing.T) {
	assert.NoError(t, DefaultConfig().Validate())
}

// --- Individual Default*Config functions ---

func TestDefaultServerConfig(t *testing.T) {
	cfg := DefaultServerConfig()
	assert.Equal(t, 9527, cfg.GRPCPort)
	assert.Equal(t, 9528, cfg.OpsPort)
	assert.Equal(t, 30*time.Second, cfg.ReadTimeout)
	assert.Equal(t, 30*time.Second, cfg.WriteTimeout)
	assert.Equal(t, 15*time.Second, cfg.ShutdownTimeout)
	assert.Equal(t, 32*1024*1024, cfg.MaxRecvMsgSize)
	assert.Equal(t, 32*1024*1024, cfg.MaxSendMsgSize)
	assert.Equal(t, 100, cfg.RateLimitRPS)
	assert.Equal(t, 200, cfg.RateLimitBurst)
	assert.False(t, cfg.Auth.Enabled)
	assert.Empty(t, cfg.Auth.Secret)
}

func TestDefaultDispatchConfig(t *testing.T) {
	cfg := DefaultDispatchConfig()
	assert.Equal(t, 10, cfg.Workers)
	assert.Equal(t, 100, cfg.QueueSize)
	assert.Equal(t, 60*time.Second, cfg.DefaultTimeout)
	assert.Equal(t, 64*1024, cfg.StreamChunkSize)
}

func TestDefaultAdaptersConfig(t *testing.T) {
	cfg := DefaultAdaptersConfig()
	assert.True(t, cfg.Direct.Enabled)
	assert.Equal(t, "chrome", cfg.Direct.DefaultProfile)
	assert.True(t, cfg.Browser.Enabled)
	assert.Empty(t, cfg.Browser.ExecPath)
	assert.Equal(t, 2, cfg.Browser.MaxSessions)
}

func TestDefaultProxySourceConfig(t *testing.T) {
	cfg := DefaultProxySourceConfig()
	assert.Equal(t, "none", cfg.Type)
	assert.Empty(t, cfg.URL)
	assert.Equal(t, "localhost:6379", cfg.Redis.Addr)
	assert.Empty(t, cfg.Redis.Password)
	assert.Equal(t, 0, cfg.Redis.DB)
	assert.Equal(t, "fetchflow:proxy:default", cfg.Redis.Key)
	assert.Equal(t, 30*time.Second, cfg.Redis.CacheTTL)
	assert.Equal(t, 10, cfg.Redis.PoolSize)
}

func TestDefaultHistoryConfig(t *testing.T) {
	cfg := DefaultHistoryConfig()
	assert.False(t, cfg.Enabled)
	assert.Equal(t, "sqlite", cfg.Driver)
	assert.Equal(t, "fetchflow.db", cfg.Name)
	assert.Equal(t, "disable", cfg.SSLMode)
	assert.Equal(t, 25, cfg.MaxOpenConns)
	assert.Equal(t, 5, cfg.MaxIdleConns)
	assert.Equal(t, 5*time.Minute, cfg.ConnMaxLifetime)
	assert.Equal(t, 256, cfg.BufferSize)
}

func TestDefaultLogConfig(t *testing.T) {
	cfg := DefaultLogConfig()
	assert.Equal(t, "info", cfg.Level)
	assert.Equal(t, "json", cfg.Format)
	assert.Equal(t, []string{"stdout"}, cfg.OutputPaths)
	assert.True(t, cfg.EnableCaller)
	assert.False(t, cfg.EnableStacktrace)
}

func TestDefaultTelemetryConfig(t *testing.T) {
	cfg := DefaultTelemetryConfig()
	assert.False(t, cfg.Enabled)
	assert.Equal(t, "localhost:4317", cfg.OTLPEndpoint)
	assert.Equal(t, "fetchflow", cfg.ServiceName)
	assert.InDelta(t, 0.1, cfg.SampleRate, 0.001)
}
