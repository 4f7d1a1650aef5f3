package app

import (
	"context"
	"fmt"
	"strings"

	"tradelab/internal/cache"
	"tradelab/internal/config"
	"tradelab/internal/fetcher"
	"tradelab/internal/logger"
)

const futuresRESTBase = "https://fapi.binance.com"

// buildSource 按 market.provider 选择 SDK 或直连 REST 数据源。
func buildSource(cfg config.MarketConfig) (fetcher.CandleSource, error) {
	switch cfg.Provider {
	case "rest":
		restCfg := fetcher.RESTConfig{
			BaseURL:  cfg.RESTBaseURL,
			ProxyURL: cfg.ProxyURL,
			Timeout:  cfg.Timeout,
		}
		if cfg.Market == fetcher.MarketFutures {
			if strings.TrimSpace(restCfg.BaseURL) == "" {
				restCfg.BaseURL = futuresRESTBase
			}
			restCfg.Path = "/fapi/v1/klines"
		}
		return fetcher.NewRESTSource(restCfg)
	case "binance", "":
		return fetcher.NewBinanceSource(fetcher.BinanceConfig{
			Market:    cfg.Market,
			BaseURL:   cfg.RESTBaseURL,
			APIKey:    cfg.APIKey,
			APISecret: cfg.APISecret,
			ProxyURL:  cfg.ProxyURL,
			Timeout:   cfg.Timeout,
		})
	default:
		return nil, fmt.Errorf("未知行情源: %s", cfg.Provider)
	}
}

func fetcherConfig(cfg config.MarketConfig) fetcher.Config {
	return fetcher.Config{
		PageLimit:         cfg.PageLimit,
		MaxPages:          cfg.MaxPages,
		PageDelay:         cfg.PageDelay,
		MaxRetries:        cfg.MaxRetries,
		RetryBackoff:      cfg.RetryBackoff,
		RequestsPerMinute: cfg.RequestsPerMinute,
		Breaker: fetcher.BreakerConfig{
			Enabled:          cfg.Breaker.Enabled,
			FailureThreshold: cfg.Breaker.FailureThreshold,
			OpenTimeout:      cfg.Breaker.OpenTimeout,
			HalfOpenRequests: cfg.Breaker.HalfOpenRequests,
		},
	}
}

// buildCache 组装 数据源 → BatchFetcher → sqlite Store → Manager，并载入已有缓存。
func (b *AppBuilder) buildCache(ctx context.Context, app *App) error {
	cfg := b.cfg
	src, err := b.sourceFn(cfg.Market)
	if err != nil {
		return fmt.Errorf("初始化行情源失败: %w", err)
	}
	batch := fetcher.NewBatchFetcher(src, fetcherConfig(cfg.Market), app.metrics)
	logger.Infof("✓ 行情源 %s (%s)", batch.Source(), cfg.Market.Market)

	app.store, err = cache.NewStore(cfg.Cache.DataDir)
	if err != nil {
		return fmt.Errorf("打开缓存目录失败: %w", err)
	}
	app.cache = cache.NewManager(batch, app.store, cache.Config{
		WaitTimeout:       cfg.Cache.WaitTimeout,
		MaxParallel:       cfg.Cache.MaxParallel,
		BackgroundRefresh: cfg.Cache.BackgroundRefresh,
	}, app.metrics)
	if err := app.cache.Hydrate(ctx); err != nil {
		return fmt.Errorf("载入缓存失败: %w", err)
	}
	return nil
}
