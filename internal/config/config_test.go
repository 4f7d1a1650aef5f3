package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeFile(t *testing.T, dir, name, body string) string {
	t.Helper()
	path := filepath.Join(dir, name)
	require.NoError(t, os.WriteFile(path, []byte(body), 0o644))
	return path
}

func TestLoadAppliesDefaults(t *testing.T) {
	dir := t.TempDir()
	path := writeFile(t, dir, "config.yaml", "app:\n  env: test\n")

	cfg, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, "test", cfg.App.Env)
	assert.Equal(t, ":9991", cfg.App.HTTPAddr)
	assert.True(t, cfg.App.HTTPEnabled)
	assert.Equal(t, "binance", cfg.Market.Provider)
	assert.Equal(t, 1000, cfg.Market.PageLimit)
	assert.Equal(t, 250*time.Millisecond, cfg.Market.PageDelay)
	assert.True(t, cfg.Market.Breaker.Enabled)
	assert.Equal(t, uint32(5), cfg.Market.Breaker.FailureThreshold)
	assert.Equal(t, 730, cfg.Cache.RetentionDays)
	assert.Equal(t, time.Hour, cfg.Scheduler.RefreshEvery)
	assert.Equal(t, []string{"BTCUSDT", "ETHUSDT"}, cfg.Scheduler.WarmupSymbols)
	assert.Equal(t, []string{"1h", "4h", "1d"}, cfg.Scheduler.WarmupIntervals)
	assert.Equal(t, 100, cfg.Backtest.MinWarmup)
	assert.Equal(t, float64(252), cfg.Backtest.Annualization)
	assert.False(t, cfg.Advisor.Enabled)
}

func TestLoadRespectsExplicitValues(t *testing.T) {
	dir := t.TempDir()
	path := writeFile(t, dir, "config.yaml", `
market:
  provider: REST
  page_delay: 1s
  breaker:
    enabled: false
cache:
  background_refresh: false
scheduler:
  enabled: false
  warmup_symbols: ["sol/usdt", "SOLUSDT"]
backtest:
  window_size: 250
  advisor_sample_rate: 0.25
`)
	cfg, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, "rest", cfg.Market.Provider)
	assert.Equal(t, time.Second, cfg.Market.PageDelay)
	assert.False(t, cfg.Market.Breaker.Enabled)
	assert.False(t, cfg.Cache.BackgroundRefresh)
	assert.False(t, cfg.Scheduler.Enabled)
	assert.Equal(t, []string{"SOLUSDT"}, cfg.Scheduler.WarmupSymbols)
	assert.Equal(t, 250, cfg.Backtest.WindowSize)
	assert.InDelta(t, 0.25, cfg.Backtest.AdvisorSampleRate, 1e-9)
}

func TestLoadMergesIncludes(t *testing.T) {
	dir := t.TempDir()
	writeFile(t, dir, "base.yaml", "app:\n  log_level: debug\n  http_addr: \":8080\"\n")
	path := writeFile(t, dir, "config.yaml", "include: [base.yaml]\napp:\n  http_addr: \":7070\"\n")

	cfg, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, "debug", cfg.App.LogLevel)
	assert.Equal(t, ":7070", cfg.App.HTTPAddr)
}

func TestLoadRejectsIncludeCycle(t *testing.T) {
	dir := t.TempDir()
	writeFile(t, dir, "a.yaml", "include: [b.yaml]\n")
	path := writeFile(t, dir, "b.yaml", "include: [a.yaml]\n")
	_, err := Load(path)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "include cycle")
}

func TestLoadValidation(t *testing.T) {
	cases := map[string]string{
		"provider":    "market:\n  provider: kraken\n",
		"interval":    "scheduler:\n  warmup_intervals: [\"7m\"]\n",
		"advisor":     "advisor:\n  enabled: true\n",
		"sample_rate": "backtest:\n  advisor_sample_rate: 2\n",
		"log_format":  "app:\n  log_format: xml\n",
	}
	for name, body := range cases {
		t.Run(name, func(t *testing.T) {
			path := writeFile(t, t.TempDir(), "config.yaml", body)
			_, err := Load(path)
			assert.Error(t, err)
		})
	}
}

func TestStrategyBase(t *testing.T) {
	dir := t.TempDir()
	path := writeFile(t, dir, "config.yaml", `
strategy_defaults:
  interval: 1H
  stop_loss_pct: 3
  use_advisor: false
`)
	cfg, err := Load(path)
	require.NoError(t, err)
	base := cfg.StrategyBase()
	assert.Equal(t, "1h", base.Interval)
	assert.Equal(t, float64(3), base.Risk.StopLossPct)
	assert.Equal(t, float64(5), base.Risk.TakeProfitPct)
	assert.False(t, base.UseAdvisor)
	assert.InDelta(t, 0.7, base.AdvisorThreshold, 1e-9)
}

func TestResolvePath(t *testing.T) {
	t.Setenv(EnvConfigPath, "")
	assert.Equal(t, DefaultPath, ResolvePath(""))
	t.Setenv(EnvConfigPath, "/etc/tradelab.yaml")
	assert.Equal(t, "/etc/tradelab.yaml", ResolvePath(""))
	assert.Equal(t, "x.yaml", ResolvePath(" x.yaml "))
}
