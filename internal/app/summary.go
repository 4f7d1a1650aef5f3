package app

import (
	"fmt"
	"strings"

	"tradelab/internal/config"
)

type StartupSummary struct {
	Market     MarketSummary
	Cache      CacheSummary
	Scheduler  SchedulerSummary
	Strategies []string
	Advisor    string
	HTTPAddr   string
}

type MarketSummary struct {
	Provider          string
	Market            string
	PageLimit         int
	RequestsPerMinute int
	Breaker           bool
}

type CacheSummary struct {
	DataDir       string
	Records       int
	Candles       int
	RetentionDays int
}

type SchedulerSummary struct {
	Enabled   bool
	Refresh   string
	Warmup    string
	Prune     string
	Symbols   []string
	Intervals []string
}

func newStartupSummary(cfg *config.Config, app *App) *StartupSummary {
	s := &StartupSummary{
		Market: MarketSummary{
			Provider:          cfg.Market.Provider,
			Market:            cfg.Market.Market,
			PageLimit:         cfg.Market.PageLimit,
			RequestsPerMinute: cfg.Market.RequestsPerMinute,
			Breaker:           cfg.Market.Breaker.Enabled,
		},
		Cache: CacheSummary{
			DataDir:       cfg.Cache.DataDir,
			RetentionDays: cfg.Cache.RetentionDays,
		},
		Scheduler: SchedulerSummary{
			Enabled:   app.scheduler != nil,
			Refresh:   cfg.Scheduler.RefreshEvery.String(),
			Warmup:    cfg.Scheduler.WarmupEvery.String(),
			Prune:     cfg.Scheduler.PruneEvery.String(),
			Symbols:   cfg.Scheduler.WarmupSymbols,
			Intervals: cfg.Scheduler.WarmupIntervals,
		},
		Advisor: "disabled",
	}
	if app.cache != nil {
		stats := app.cache.Stats()
		s.Cache.Records = stats.TotalRecords
		s.Cache.Candles = stats.TotalCandles
	}
	if app.strategies != nil {
		s.Strategies = app.strategies.Names()
	}
	if cfg.Advisor.Enabled {
		s.Advisor = fmt.Sprintf("%s (sample rate %.2f)", cfg.Advisor.Model, cfg.Backtest.AdvisorSampleRate)
	}
	if app.http != nil {
		s.HTTPAddr = cfg.App.HTTPAddr
	}
	return s
}

// String 渲染启动摘要，Run 时逐行写入日志。
func (s *StartupSummary) String() string {
	var b strings.Builder
	line := func(format string, args ...any) { fmt.Fprintf(&b, format+"\n", args...) }
	title := "启动配置摘要 (STARTUP SUMMARY)"
	line("%s", strings.Repeat("=", 80))
	line("%*s", 40+len(title)/2, title)
	line("%s", strings.Repeat("=", 80))

	line("[行情源 (MARKET)]")
	line("  数据源: %s / %s", s.Market.Provider, s.Market.Market)
	line("  分页: %d 根/页, 限速 %d 次/分钟, 熔断 %v", s.Market.PageLimit, s.Market.RequestsPerMinute, s.Market.Breaker)

	line("[K线缓存 (CACHE)]")
	line("  目录: %s", s.Cache.DataDir)
	line("  已缓存: %d 个 key / %d 根 K 线", s.Cache.Records, s.Cache.Candles)
	line("  保留天数: %d", s.Cache.RetentionDays)

	line("[调度 (SCHEDULER)]")
	if !s.Scheduler.Enabled {
		line("  (未启用)")
	} else {
		line("  刷新: 每 %s, 预热: 每 %s, 清理: 每 %s", s.Scheduler.Refresh, s.Scheduler.Warmup, s.Scheduler.Prune)
		line("  预热币种: %s", formatList(s.Scheduler.Symbols))
		line("  预热周期: %s", formatList(s.Scheduler.Intervals))
	}

	line("[回测 (BACKTEST)]")
	line("  策略: %s", formatList(s.Strategies))
	line("  Advisor: %s", s.Advisor)
	if s.HTTPAddr != "" {
		line("  HTTP: %s", s.HTTPAddr)
	}
	line("%s", strings.Repeat("=", 80))
	return b.String()
}

func formatList(items []string) string {
	if len(items) == 0 {
		return "-"
	}
	return strings.Join(items, ", ")
}
