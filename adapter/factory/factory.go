// Package factory assembles the adapter registry and the default proxy source
// from configuration. It imports both engine families and maps config switches
// to their constructors, breaking the import cycle that would occur if this
// logic lived in the adapter package directly.
package factory

import (
	"go.uber.org/zap"

	"github.com/BaSui01/fetchflow/adapter"
	"github.com/BaSui01/fetchflow/adapter/browser"
	"github.com/BaSui01/fetchflow/adapter/direct"
	"github.com/BaSui01/fetchflow/config"
	"github.com/BaSui01/fetchflow/proxy"
	"github.com/BaSui01/fetchflow/types"
)

// BuildRegistry 按配置注册启用的引擎家族。
//
// direct 家族: impersonate / resty / nethttp
// browser 家族: chromedp / stealth / rod
//
// 两个家族都关闭时返回配置错误, 空注册表没有可调度的后端。
func BuildRegistry(cfg config.AdaptersConfig, logger *zap.Logger) (*adapter.Registry, error) {
	if logger == nil {
		logger = zap.NewNop()
	}

	reg := adapter.NewRegistry()

	if cfg.Direct.Enabled {
		imp := direct.NewImpersonate(logger)
		if cfg.Direct.DefaultProfile != "" {
			imp = imp.WithDefaultProfile(cfg.Direct.DefaultProfile)
		}
		engines := []adapter.Adapter{
			imp,
			direct.NewResty(logger),
			direct.NewNetHTTP(logger),
		}
		for _, a := range engines {
			if err := reg.Register(a); err != nil {
				return nil, err
			}
		}
	}

	if cfg.Browser.Enabled {
		opts := browser.Options{
			MaxSessions: cfg.Browser.MaxSessions,
			ExecPath:    cfg.Browser.ExecPath,
		}
		engines := []adapter.Adapter{
			browser.NewChromedp(opts, logger),
			browser.NewStealth(opts, logger),
			browser.NewRod(opts, logger),
		}
		for _, a := range engines {
			if err := reg.Register(a); err != nil {
				return nil, err
			}
		}
	}

	if reg.Len() == 0 {
		return nil, types.NewConfigurationError("no adapter family enabled")
	}

	return reg, nil
}

// BuildProxySource 按配置构建默认代理源。
// type=none 返回 nil, 此时 proxy=true 的任务会被拒绝。
func BuildProxySource(cfg config.ProxySourceConfig, logger *zap.Logger) (proxy.Source, error) {
	if logger == nil {
		logger = zap.NewNop()
	}

	switch cfg.Type {
	case "", "none":
		return nil, nil

	case "static":
		p, err := proxy.Parse(cfg.URL)
		if err != nil {
			return nil, err
		}
		return proxy.NewStaticSource(p), nil

	case "redis":
		return proxy.NewRedisSource(proxy.RedisSourceConfig{
			Addr:     cfg.Redis.Addr,
			Password: cfg.Redis.Password,
			DB:       cfg.Redis.DB,
			Key:      cfg.Redis.Key,
			CacheTTL: cfg.Redis.CacheTTL,
			PoolSize: cfg.Redis.PoolSize,
		}, logger)

	default:
		return nil, types.NewConfigurationError("unknown proxy_source type %q", cfg.Type)
	}
}
