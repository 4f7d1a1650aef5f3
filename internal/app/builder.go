package app

import (
	"context"
	"fmt"

	"tradelab/internal/advisor"
	"tradelab/internal/backtest"
	"tradelab/internal/cache"
	"tradelab/internal/config"
	"tradelab/internal/fetcher"
	"tradelab/internal/logger"
	"tradelab/internal/metrics"
	"tradelab/internal/strategy"
)

// AppBuilder 负责按配置装配 App；各 *Fn 字段可在测试中替换。
type AppBuilder struct {
	cfg *config.Config

	sourceFn  func(config.MarketConfig) (fetcher.CandleSource, error)
	advisorFn func(config.AdvisorConfig) (advisor.Advisor, error)
	// serve=false 时不构建调度器与 HTTP，供 CLI 单次命令使用。
	serve bool
}

type AppBuilderOption func(*AppBuilder)

// WithSource 替换行情源，测试或离线回放时使用。
func WithSource(src fetcher.CandleSource) AppBuilderOption {
	return func(b *AppBuilder) {
		b.sourceFn = func(config.MarketConfig) (fetcher.CandleSource, error) { return src, nil }
	}
}

func WithAdvisor(adv advisor.Advisor) AppBuilderOption {
	return func(b *AppBuilder) {
		b.advisorFn = func(config.AdvisorConfig) (advisor.Advisor, error) { return adv, nil }
	}
}

// WithoutServices 只装配缓存与回测，不启动调度器和 HTTP。
func WithoutServices() AppBuilderOption {
	return func(b *AppBuilder) { b.serve = false }
}

func NewAppBuilder(cfg *config.Config, opts ...AppBuilderOption) *AppBuilder {
	b := &AppBuilder{
		cfg:       cfg,
		sourceFn:  buildSource,
		advisorFn: buildAdvisor,
		serve:     true,
	}
	for _, opt := range opts {
		if opt != nil {
			opt(b)
		}
	}
	return b
}

func (b *AppBuilder) Build(ctx context.Context) (app *App, err error) {
	if ctx == nil {
		ctx = context.Background()
	}
	if b.cfg == nil {
		return nil, fmt.Errorf("nil config")
	}
	cfg := b.cfg
	app = &App{cfg: cfg, metrics: metrics.NewRegistry()}
	defer func() {
		if err != nil {
			app.Close()
			app = nil
		}
	}()

	if err = b.buildCache(ctx, app); err != nil {
		return nil, err
	}

	app.strategies, err = strategy.NewRegistry(cfg.Backtest.StrategiesFile, cfg.StrategyBase(), cfg.Backtest.WatchStrategies)
	if err != nil {
		return nil, fmt.Errorf("加载策略失败: %w", err)
	}
	logger.Infof("✓ 已加载 %d 个策略: %v", len(app.strategies.Names()), app.strategies.Names())
	app.strategies.OnChange(func(snap strategy.Snapshot) {
		logger.Infof("策略已重载 v%d: %d 个", snap.Version, len(snap.Strategies))
	})

	if err = b.buildBacktest(app); err != nil {
		return nil, err
	}
	if b.serve {
		if err = b.buildServices(app); err != nil {
			return nil, err
		}
	}
	app.Summary = newStartupSummary(cfg, app)
	return app, nil
}

func (b *AppBuilder) buildBacktest(app *App) error {
	cfg := b.cfg
	adv, err := b.advisorFn(cfg.Advisor)
	if err != nil {
		return err
	}
	engine := backtest.NewEngine(backtest.Config{
		InitialBalance: cfg.Backtest.InitialBalance,
		MinWarmup:      cfg.Backtest.MinWarmup,
		WindowSize:     cfg.Backtest.WindowSize,
		Annualization:  cfg.Backtest.Annualization,
	}, nil, adv, advisor.NewSamplerFactory(cfg.Backtest.AdvisorSampleRate, cfg.Backtest.SampleSeed))

	app.results, err = backtest.NewResultStore(cfg.Backtest.ResultsDB)
	if err != nil {
		return fmt.Errorf("打开回测结果库失败: %w", err)
	}
	app.backtests, err = backtest.NewService(engine, app.cache, app.strategies, app.results, backtest.ServiceConfig{
		MaxConcurrent: cfg.Backtest.MaxConcurrent,
		Timeout:       cfg.Backtest.Timeout,
	}, app.metrics)
	if err != nil {
		return fmt.Errorf("初始化回测服务失败: %w", err)
	}
	return nil
}
