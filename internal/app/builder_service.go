package app

import (
	"fmt"

	"tradelab/internal/advisor"
	"tradelab/internal/config"
	"tradelab/internal/logger"
	"tradelab/internal/scheduler"
	opshttp "tradelab/internal/transport/http/ops"
)

// buildAdvisor 未启用时返回 nil，回测引擎据此跳过咨询。
func buildAdvisor(cfg config.AdvisorConfig) (advisor.Advisor, error) {
	if !cfg.Enabled {
		return nil, nil
	}
	client, err := advisor.NewOpenAIClient(advisor.OpenAIConfig{
		BaseURL:    cfg.BaseURL,
		APIKey:     cfg.APIKey,
		Model:      cfg.Model,
		Timeout:    cfg.Timeout,
		MaxRetries: cfg.MaxRetries,
	})
	if err != nil {
		return nil, fmt.Errorf("初始化 advisor 失败: %w", err)
	}
	logger.Infof("✓ Advisor 已启用: %s", cfg.Model)
	return client, nil
}

func (b *AppBuilder) buildServices(app *App) error {
	cfg := b.cfg
	if cfg.Scheduler.Enabled {
		sc := cfg.Scheduler
		sched, err := scheduler.New(scheduler.Config{RunImmediately: sc.RunImmediately}, app.metrics,
			scheduler.RefreshTask(app.cache, sc.RefreshEvery, sc.RefreshDelay),
			scheduler.WarmupTask(app.cache, sc.WarmupEvery, sc.WarmupSymbols, sc.WarmupIntervals, sc.WarmupDays),
			scheduler.PruneTask(app.cache, sc.PruneEvery, cfg.Cache.RetentionDays),
		)
		if err != nil {
			return fmt.Errorf("初始化调度器失败: %w", err)
		}
		app.scheduler = sched
	}
	if !cfg.App.HTTPEnabled {
		return nil
	}
	httpCfg := opshttp.Config{
		Addr:       cfg.App.HTTPAddr,
		Cache:      app.cache,
		Backtests:  app.backtests,
		Strategies: app.strategies,
		Metrics:    app.metrics.Handler(),
		WarmupDays: cfg.Scheduler.WarmupDays,
		KeepDays:   cfg.Cache.RetentionDays,
	}
	if app.scheduler != nil {
		httpCfg.Scheduler = app.scheduler
	}
	server, err := opshttp.NewServer(httpCfg)
	if err != nil {
		return fmt.Errorf("初始化运维 HTTP 失败: %w", err)
	}
	app.http = server
	logger.Infof("✓ 运维 HTTP 接口监听 %s", cfg.App.HTTPAddr)
	return nil
}
