package config

import (
	"fmt"
	"strings"

	"tradelab/internal/market"
	"tradelab/internal/pkg/symbol"
)

// validate 对配置进行基础校验。
func validate(c *Config) error {
	if err := c.App.validate(); err != nil {
		return err
	}
	if err := c.Market.validate(); err != nil {
		return err
	}
	if err := c.Cache.validate(); err != nil {
		return err
	}
	if err := c.Scheduler.validate(); err != nil {
		return err
	}
	if err := c.Backtest.validate(); err != nil {
		return err
	}
	if err := c.Advisor.validate(); err != nil {
		return err
	}
	return c.StrategyDefaults.validate()
}

func (a *AppConfig) validate() error {
	switch strings.ToLower(a.LogLevel) {
	case "debug", "info", "warn", "warning", "error":
	default:
		return fmt.Errorf("app.log_level unsupported: %s", a.LogLevel)
	}
	switch strings.ToLower(a.LogFormat) {
	case "text", "json":
	default:
		return fmt.Errorf("app.log_format must be text or json")
	}
	return nil
}

func (m *MarketConfig) validate() error {
	switch m.Provider {
	case "binance", "rest":
	default:
		return fmt.Errorf("market.provider must be binance or rest, got %q", m.Provider)
	}
	switch m.Market {
	case "spot", "futures":
	default:
		return fmt.Errorf("market.market must be spot or futures, got %q", m.Market)
	}
	if m.PageLimit <= 0 || m.PageLimit > 1500 {
		return fmt.Errorf("market.page_limit must be in (0,1500]")
	}
	if m.MaxPages <= 0 {
		return fmt.Errorf("market.max_pages must be > 0")
	}
	if m.MaxRetries < 0 {
		return fmt.Errorf("market.max_retries must be >= 0")
	}
	if m.RequestsPerMinute < 0 {
		return fmt.Errorf("market.requests_per_minute must be >= 0")
	}
	return nil
}

func (c *CacheConfig) validate() error {
	if strings.TrimSpace(c.DataDir) == "" {
		return fmt.Errorf("cache.data_dir cannot be empty")
	}
	if c.RetentionDays < 0 {
		return fmt.Errorf("cache.retention_days must be >= 0")
	}
	return nil
}

func (s *SchedulerConfig) validate() error {
	if !s.Enabled {
		return nil
	}
	for _, sym := range s.WarmupSymbols {
		if !symbol.IsValid(sym) {
			return fmt.Errorf("scheduler.warmup_symbols contains invalid symbol: %s", sym)
		}
	}
	for _, iv := range s.WarmupIntervals {
		if _, err := market.ParseInterval(iv); err != nil {
			return fmt.Errorf("scheduler.warmup_intervals: %w", err)
		}
	}
	if s.RefreshDelay < 0 {
		return fmt.Errorf("scheduler.refresh_delay must be >= 0")
	}
	return nil
}

func (b *BacktestConfig) validate() error {
	if strings.TrimSpace(b.StrategiesFile) == "" {
		return fmt.Errorf("backtest.strategies_file cannot be empty")
	}
	if b.WindowSize < 0 {
		return fmt.Errorf("backtest.window_size must be >= 0")
	}
	if b.AdvisorSampleRate < 0 || b.AdvisorSampleRate > 1 {
		return fmt.Errorf("backtest.advisor_sample_rate must be within [0,1]")
	}
	return nil
}

func (a *AdvisorConfig) validate() error {
	if !a.Enabled {
		return nil
	}
	if strings.TrimSpace(a.Model) == "" {
		return fmt.Errorf("advisor.model is required when advisor is enabled")
	}
	if strings.TrimSpace(a.BaseURL) == "" {
		return fmt.Errorf("advisor.base_url cannot be empty")
	}
	return nil
}

func (s *StrategyDefaultsConfig) validate() error {
	if v := strings.TrimSpace(s.Interval); v != "" {
		if _, err := market.ParseInterval(v); err != nil {
			return fmt.Errorf("strategy_defaults.interval: %w", err)
		}
	}
	if s.AdvisorThreshold < 0 || s.AdvisorThreshold > 1 {
		return fmt.Errorf("strategy_defaults.advisor_threshold must be within [0,1]")
	}
	if s.StopLossPct < 0 || s.StopLossPct >= 100 {
		return fmt.Errorf("strategy_defaults.stop_loss_pct must be within [0,100)")
	}
	return nil
}
