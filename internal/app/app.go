package app

import (
	"context"
	"fmt"

	"golang.org/x/sync/errgroup"

	"tradelab/internal/backtest"
	"tradelab/internal/cache"
	"tradelab/internal/config"
	"tradelab/internal/logger"
	"tradelab/internal/metrics"
	"tradelab/internal/scheduler"
	"tradelab/internal/strategy"
	opshttp "tradelab/internal/transport/http/ops"
)

// App 持有装配好的组件：缓存、回测服务、调度器与运维 HTTP。
type App struct {
	cfg        *config.Config
	metrics    *metrics.Registry
	store      *cache.Store
	cache      *cache.Manager
	strategies *strategy.Registry
	results    *backtest.ResultStore
	backtests  *backtest.Service
	scheduler  *scheduler.RefreshScheduler
	http       *opshttp.Server
	Summary    *StartupSummary
}

// NewApp 根据配置构建应用对象（不启动）
func NewApp(ctx context.Context, cfg *config.Config, opts ...AppBuilderOption) (*App, error) {
	if cfg == nil {
		return nil, fmt.Errorf("nil config")
	}
	logger.SetLevel(cfg.App.LogLevel)
	logger.SetFormat(cfg.App.LogFormat)
	return buildAppWithWire(ctx, cfg, opts...)
}

// Run 启动调度器与 HTTP，阻塞到 ctx 结束或任一组件出错。
func (a *App) Run(ctx context.Context) error {
	if a == nil || a.cfg == nil {
		return fmt.Errorf("app not initialized")
	}
	if a.Summary != nil {
		logger.InfoBlock(a.Summary.String())
	}
	group, ctx := errgroup.WithContext(ctx)
	a.backtests.SetContext(ctx)

	if a.scheduler != nil {
		if err := a.scheduler.Start(ctx); err != nil {
			return err
		}
		group.Go(func() error {
			<-ctx.Done()
			a.scheduler.Stop()
			return nil
		})
	}
	if a.http != nil {
		group.Go(func() error {
			if err := a.http.Start(ctx); err != nil {
				return fmt.Errorf("ops http server error: %w", err)
			}
			return nil
		})
	}
	group.Go(func() error {
		<-ctx.Done()
		a.backtests.Wait()
		return nil
	})
	return group.Wait()
}

// Close 释放缓存、存储与回测结果库。
func (a *App) Close() {
	if a == nil {
		return
	}
	if a.cache != nil {
		a.cache.Close()
	}
	if a.store != nil {
		if err := a.store.Close(); err != nil {
			logger.Warnf("close cache store: %v", err)
		}
	}
	if a.results != nil {
		if err := a.results.Close(); err != nil {
			logger.Warnf("close result store: %v", err)
		}
	}
}

func (a *App) Config() *config.Config                 { return a.cfg }
func (a *App) Cache() *cache.Manager                  { return a.cache }
func (a *App) Backtests() *backtest.Service           { return a.backtests }
func (a *App) Strategies() *strategy.Registry         { return a.strategies }
func (a *App) Scheduler() *scheduler.RefreshScheduler { return a.scheduler }
