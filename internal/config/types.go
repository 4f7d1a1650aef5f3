package config

import "time"

// Config 是 tradelab 的主配置载体。
type Config struct {
	App              AppConfig              `toml:"app"`
	Market           MarketConfig           `toml:"market"`
	Cache            CacheConfig            `toml:"cache"`
	Scheduler        SchedulerConfig        `toml:"scheduler"`
	Backtest         BacktestConfig         `toml:"backtest"`
	Advisor          AdvisorConfig          `toml:"advisor"`
	StrategyDefaults StrategyDefaultsConfig `toml:"strategy_defaults"`

	keys keySet
}

type AppConfig struct {
	Env         string `toml:"env"`
	LogLevel    string `toml:"log_level"`
	LogFormat   string `toml:"log_format"`
	LogPath     string `toml:"log_path"`
	AdvisorLog  string `toml:"advisor_log_path"`
	HTTPAddr    string `toml:"http_addr"`
	HTTPEnabled bool   `toml:"http_enabled"`
}

// MarketConfig 描述 K 线数据源与分页拉取节奏。
type MarketConfig struct {
	Provider          string        `toml:"provider"`
	Market            string        `toml:"market"`
	RESTBaseURL       string        `toml:"rest_base_url"`
	APIKey            string        `toml:"api_key"`
	APISecret         string        `toml:"api_secret"`
	ProxyURL          string        `toml:"proxy_url"`
	Timeout           time.Duration `toml:"timeout"`
	PageLimit         int           `toml:"page_limit"`
	MaxPages          int           `toml:"max_pages"`
	PageDelay         time.Duration `toml:"page_delay"`
	MaxRetries        int           `toml:"max_retries"`
	RetryBackoff      time.Duration `toml:"retry_backoff"`
	RequestsPerMinute int           `toml:"requests_per_minute"`
	Breaker           BreakerConfig `toml:"breaker"`
}

type BreakerConfig struct {
	Enabled          bool          `toml:"enabled"`
	FailureThreshold uint32        `toml:"failure_threshold"`
	OpenTimeout      time.Duration `toml:"open_timeout"`
	HalfOpenRequests uint32        `toml:"half_open_requests"`
}

type CacheConfig struct {
	DataDir           string        `toml:"data_dir"`
	WaitTimeout       time.Duration `toml:"wait_timeout"`
	RetentionDays     int           `toml:"retention_days"`
	MaxParallel       int           `toml:"max_parallel"`
	BackgroundRefresh bool          `toml:"background_refresh"`
}

// SchedulerConfig 控制缓存维护任务。
type SchedulerConfig struct {
	Enabled         bool          `toml:"enabled"`
	RunImmediately  bool          `toml:"run_immediately"`
	RefreshEvery    time.Duration `toml:"refresh_every"`
	RefreshDelay    time.Duration `toml:"refresh_delay"`
	WarmupEvery     time.Duration `toml:"warmup_every"`
	PruneEvery      time.Duration `toml:"prune_every"`
	WarmupSymbols   []string      `toml:"warmup_symbols"`
	WarmupIntervals []string      `toml:"warmup_intervals"`
	WarmupDays      int           `toml:"warmup_days"`
}

type BacktestConfig struct {
	ResultsDB         string        `toml:"results_db"`
	StrategiesFile    string        `toml:"strategies_file"`
	WatchStrategies   bool          `toml:"watch_strategies"`
	MaxConcurrent     int           `toml:"max_concurrent"`
	Timeout           time.Duration `toml:"timeout"`
	InitialBalance    float64       `toml:"initial_balance"`
	MinWarmup         int           `toml:"min_warmup"`
	WindowSize        int           `toml:"window_size"`
	Annualization     float64       `toml:"annualization"`
	AdvisorSampleRate float64       `toml:"advisor_sample_rate"`
	SampleSeed        uint64        `toml:"sample_seed"`
	ExportDir         string        `toml:"export_dir"`
}

// AdvisorConfig 是 OpenAI 兼容接口的连接参数。
type AdvisorConfig struct {
	Enabled    bool          `toml:"enabled"`
	BaseURL    string        `toml:"base_url"`
	APIKey     string        `toml:"api_key"`
	Model      string        `toml:"model"`
	Timeout    time.Duration `toml:"timeout"`
	MaxRetries int           `toml:"max_retries"`
}

// StrategyDefaultsConfig 覆盖策略文件解析时使用的默认值，未设置的字段沿用内置值。
type StrategyDefaultsConfig struct {
	Interval         string  `toml:"interval"`
	StopLossPct      float64 `toml:"stop_loss_pct"`
	TakeProfitPct    float64 `toml:"take_profit_pct"`
	RiskPct          float64 `toml:"risk_pct"`
	MaxPositionValue float64 `toml:"max_position_value"`
	UseAdvisor       bool    `toml:"use_advisor"`
	AdvisorThreshold float64 `toml:"advisor_threshold"`
}
