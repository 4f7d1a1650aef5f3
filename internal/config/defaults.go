package config

import (
	"strings"
	"time"

	"tradelab/internal/strategy"
)

const (
	defaultAppEnv            = "dev"
	defaultAppLogLevel       = "info"
	defaultAppLogFormat      = "text"
	defaultAppHTTPAddr       = ":9991"
	defaultMarketProvider    = "binance"
	defaultMarketKind        = "spot"
	defaultMarketTimeout     = 15 * time.Second
	defaultPageLimit         = 1000
	defaultMaxPages          = 100
	defaultPageDelay         = 250 * time.Millisecond
	defaultMaxRetries        = 3
	defaultRetryBackoff      = 2 * time.Second
	defaultRequestsPerMinute = 600
	defaultBreakerFailures   = 5
	defaultBreakerOpen       = 30 * time.Second
	defaultBreakerHalfOpen   = 1
	defaultCacheDir          = "data/cache"
	defaultCacheWait         = 30 * time.Second
	defaultRetentionDays     = 730
	defaultCacheParallel     = 4
	defaultRefreshEvery      = time.Hour
	defaultRefreshDelay      = 500 * time.Millisecond
	defaultWarmupEvery       = 24 * time.Hour
	defaultPruneEvery        = 7 * 24 * time.Hour
	defaultWarmupDays        = 365
	defaultResultsDB         = "data/backtest/results.db"
	defaultStrategiesFile    = "configs/strategies.yaml"
	defaultBacktestParallel  = 2
	defaultInitialBalance    = 10000
	defaultMinWarmup         = 100
	defaultAnnualization     = 252
	defaultExportDir         = "data/backtest/export"
	defaultAdvisorTimeout    = 60 * time.Second
	defaultAdvisorRetries    = 2
	defaultAdvisorBaseURL    = "https://api.openai.com/v1"
)

var (
	defaultWarmupSymbols   = []string{"BTCUSDT", "ETHUSDT"}
	defaultWarmupIntervals = []string{"1h", "4h", "1d"}
)

// keySet 记录配置文件里显式出现过的 key（小写、点分）。
type keySet map[string]struct{}

func (k keySet) mark(key string) {
	if k == nil {
		return
	}
	k[strings.ToLower(key)] = struct{}{}
}

func (k keySet) isSet(key string) bool {
	if k == nil {
		return false
	}
	_, ok := k[strings.ToLower(key)]
	return ok
}

// fieldDefault 只在 key 未显式配置且 need() 为真时写入默认值。
type fieldDefault struct {
	key   string
	need  func() bool
	apply func()
}

func (c *Config) applyDefaults(keys keySet) {
	c.App.applyDefaults(keys)
	c.Market.applyDefaults(keys)
	c.Cache.applyDefaults(keys)
	c.Scheduler.applyDefaults(keys)
	c.Backtest.applyDefaults(keys)
	c.Advisor.applyDefaults(keys)
}

func (a *AppConfig) applyDefaults(keys keySet) {
	applyFieldDefaults(keys,
		stringFieldDefault("app.env", &a.Env, defaultAppEnv),
		stringFieldDefault("app.log_level", &a.LogLevel, defaultAppLogLevel),
		stringFieldDefault("app.log_format", &a.LogFormat, defaultAppLogFormat),
		stringFieldDefault("app.http_addr", &a.HTTPAddr, defaultAppHTTPAddr),
		boolFieldDefault("app.http_enabled", &a.HTTPEnabled, true),
	)
}

func (m *MarketConfig) applyDefaults(keys keySet) {
	applyFieldDefaults(keys,
		stringFieldDefault("market.provider", &m.Provider, defaultMarketProvider),
		stringFieldDefault("market.market", &m.Market, defaultMarketKind),
		durationFieldDefault("market.timeout", &m.Timeout, defaultMarketTimeout),
		intFieldDefault("market.page_limit", &m.PageLimit, defaultPageLimit),
		intFieldDefault("market.max_pages", &m.MaxPages, defaultMaxPages),
		durationFieldDefault("market.page_delay", &m.PageDelay, defaultPageDelay),
		intFieldDefault("market.max_retries", &m.MaxRetries, defaultMaxRetries),
		durationFieldDefault("market.retry_backoff", &m.RetryBackoff, defaultRetryBackoff),
		intFieldDefault("market.requests_per_minute", &m.RequestsPerMinute, defaultRequestsPerMinute),
		boolFieldDefault("market.breaker.enabled", &m.Breaker.Enabled, true),
		fieldDefault{
			key:   "market.breaker.failure_threshold",
			need:  func() bool { return m.Breaker.FailureThreshold == 0 },
			apply: func() { m.Breaker.FailureThreshold = defaultBreakerFailures },
		},
		durationFieldDefault("market.breaker.open_timeout", &m.Breaker.OpenTimeout, defaultBreakerOpen),
		fieldDefault{
			key:   "market.breaker.half_open_requests",
			need:  func() bool { return m.Breaker.HalfOpenRequests == 0 },
			apply: func() { m.Breaker.HalfOpenRequests = defaultBreakerHalfOpen },
		},
	)
	m.Provider = strings.ToLower(strings.TrimSpace(m.Provider))
	m.Market = strings.ToLower(strings.TrimSpace(m.Market))
}

func (c *CacheConfig) applyDefaults(keys keySet) {
	applyFieldDefaults(keys,
		stringFieldDefault("cache.data_dir", &c.DataDir, defaultCacheDir),
		durationFieldDefault("cache.wait_timeout", &c.WaitTimeout, defaultCacheWait),
		intFieldDefault("cache.retention_days", &c.RetentionDays, defaultRetentionDays),
		intFieldDefault("cache.max_parallel", &c.MaxParallel, defaultCacheParallel),
		boolFieldDefault("cache.background_refresh", &c.BackgroundRefresh, true),
	)
}

func (s *SchedulerConfig) applyDefaults(keys keySet) {
	applyFieldDefaults(keys,
		boolFieldDefault("scheduler.enabled", &s.Enabled, true),
		durationFieldDefault("scheduler.refresh_every", &s.RefreshEvery, defaultRefreshEvery),
		durationFieldDefault("scheduler.refresh_delay", &s.RefreshDelay, defaultRefreshDelay),
		durationFieldDefault("scheduler.warmup_every", &s.WarmupEvery, defaultWarmupEvery),
		durationFieldDefault("scheduler.prune_every", &s.PruneEvery, defaultPruneEvery),
		intFieldDefault("scheduler.warmup_days", &s.WarmupDays, defaultWarmupDays),
		fieldDefault{
			key:   "scheduler.warmup_symbols",
			need:  func() bool { return len(s.WarmupSymbols) == 0 },
			apply: func() { s.WarmupSymbols = append([]string(nil), defaultWarmupSymbols...) },
		},
		fieldDefault{
			key:   "scheduler.warmup_intervals",
			need:  func() bool { return len(s.WarmupIntervals) == 0 },
			apply: func() { s.WarmupIntervals = append([]string(nil), defaultWarmupIntervals...) },
		},
	)
}

func (b *BacktestConfig) applyDefaults(keys keySet) {
	applyFieldDefaults(keys,
		stringFieldDefault("backtest.results_db", &b.ResultsDB, defaultResultsDB),
		stringFieldDefault("backtest.strategies_file", &b.StrategiesFile, defaultStrategiesFile),
		boolFieldDefault("backtest.watch_strategies", &b.WatchStrategies, true),
		intFieldDefault("backtest.max_concurrent", &b.MaxConcurrent, defaultBacktestParallel),
		floatFieldDefault("backtest.initial_balance", &b.InitialBalance, defaultInitialBalance),
		intFieldDefault("backtest.min_warmup", &b.MinWarmup, defaultMinWarmup),
		floatFieldDefault("backtest.annualization", &b.Annualization, defaultAnnualization),
		stringFieldDefault("backtest.export_dir", &b.ExportDir, defaultExportDir),
	)
}

func (a *AdvisorConfig) applyDefaults(keys keySet) {
	applyFieldDefaults(keys,
		stringFieldDefault("advisor.base_url", &a.BaseURL, defaultAdvisorBaseURL),
		durationFieldDefault("advisor.timeout", &a.Timeout, defaultAdvisorTimeout),
		intFieldDefault("advisor.max_retries", &a.MaxRetries, defaultAdvisorRetries),
	)
}

// StrategyBase 以内置默认值为底，叠加 strategy_defaults 中显式设置的字段。
func (c *Config) StrategyBase() strategy.Defaults {
	s, keys := c.StrategyDefaults, c.keys
	out := strategy.BuiltinDefaults()
	if v := strings.TrimSpace(s.Interval); v != "" {
		out.Interval = strings.ToLower(v)
	}
	if s.StopLossPct > 0 {
		out.Risk.StopLossPct = s.StopLossPct
	}
	if s.TakeProfitPct > 0 {
		out.Risk.TakeProfitPct = s.TakeProfitPct
	}
	if s.RiskPct > 0 {
		out.Risk.RiskPct = s.RiskPct
	}
	if s.MaxPositionValue > 0 {
		out.Risk.MaxPositionValue = s.MaxPositionValue
	}
	if keys.isSet("strategy_defaults.use_advisor") {
		out.UseAdvisor = s.UseAdvisor
	}
	if s.AdvisorThreshold > 0 {
		out.AdvisorThreshold = s.AdvisorThreshold
	}
	return out
}

func applyFieldDefaults(keys keySet, defs ...fieldDefault) {
	for _, def := range defs {
		if def.apply == nil {
			continue
		}
		if def.key != "" && keys.isSet(def.key) {
			continue
		}
		if def.need != nil && !def.need() {
			continue
		}
		def.apply()
	}
}

func stringFieldDefault(key string, target *string, def string) fieldDefault {
	return fieldDefault{
		key:   key,
		need:  func() bool { return strings.TrimSpace(*target) == "" },
		apply: func() { *target = def },
	}
}

// boolFieldDefault 只要 key 没写就覆盖，零值 false 无法区分“未配置”。
func boolFieldDefault(key string, target *bool, def bool) fieldDefault {
	return fieldDefault{
		key:   key,
		apply: func() { *target = def },
	}
}

func intFieldDefault(key string, target *int, def int) fieldDefault {
	return fieldDefault{
		key:   key,
		need:  func() bool { return *target <= 0 },
		apply: func() { *target = def },
	}
}

func floatFieldDefault(key string, target *float64, def float64) fieldDefault {
	return fieldDefault{
		key:   key,
		need:  func() bool { return *target <= 0 },
		apply: func() { *target = def },
	}
}

func durationFieldDefault(key string, target *time.Duration, def time.Duration) fieldDefault {
	return fieldDefault{
		key:   key,
		need:  func() bool { return *target <= 0 },
		apply: func() { *target = def },
	}
}
