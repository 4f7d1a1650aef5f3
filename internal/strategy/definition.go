package strategy

import (
	"fmt"
	"sort"
	"strings"

	"gopkg.in/yaml.v3"

	"tradelab/internal/pkg/symbol"
)

// Defaults 是解析策略定义时显式使用的默认值，由调用方从配置中构造。
type Defaults struct {
	Interval         string
	RSI              RSIParams
	MACD             MACDParams
	MA               MAParams
	Bollinger        BollingerParams
	Volume           VolumeParams
	Risk             RiskParams
	UseAdvisor       bool
	AdvisorThreshold float64
}

// BuiltinDefaults 返回内置默认参数。
func BuiltinDefaults() Defaults {
	return Defaults{
		Interval:  "5m",
		RSI:       RSIParams{Enable: true, Period: 14, Overbought: 70, Oversold: 30},
		MACD:      MACDParams{Enable: true, FastPeriod: 12, SlowPeriod: 26, SignalPeriod: 9},
		MA:        MAParams{Enable: true, ShortPeriod: 9, LongPeriod: 21},
		Bollinger: BollingerParams{Enable: true, Period: 20, StdDev: 2},
		Volume:    VolumeParams{Enable: true, Period: 20, Threshold: 1.5},
		Risk: RiskParams{
			StopLossPct:      2,
			TakeProfitPct:    5,
			RiskPct:          2,
			MaxPositionValue: 5000,
		},
		UseAdvisor:       false,
		AdvisorThreshold: 0.7,
	}
}

// Definition 是策略文件中的一项；未出现的字段取 Defaults。
type Definition struct {
	Name             string               `yaml:"name"`
	Description      string               `yaml:"description"`
	Symbol           string               `yaml:"symbol"`
	Interval         string               `yaml:"interval"`
	Indicators       map[string]yaml.Node `yaml:"indicators"`
	Risk             yaml.Node            `yaml:"risk"`
	UseAdvisor       *bool                `yaml:"use_advisor"`
	AdvisorThreshold *float64             `yaml:"advisor_threshold"`
}

// Resolve 把定义与默认值合并成不可变的 Config 并校验。
func Resolve(def Definition, defaults Defaults) (Config, error) {
	cfg := Config{
		Name:             strings.TrimSpace(def.Name),
		Description:      strings.TrimSpace(def.Description),
		Symbol:           symbol.Normalize(def.Symbol),
		Interval:         strings.ToLower(strings.TrimSpace(def.Interval)),
		Risk:             defaults.Risk,
		UseAdvisor:       defaults.UseAdvisor,
		AdvisorThreshold: defaults.AdvisorThreshold,
	}
	if cfg.Interval == "" {
		cfg.Interval = defaults.Interval
	}
	if def.UseAdvisor != nil {
		cfg.UseAdvisor = *def.UseAdvisor
	}
	if def.AdvisorThreshold != nil {
		cfg.AdvisorThreshold = *def.AdvisorThreshold
	}
	if err := overlay(&def.Risk, &cfg.Risk); err != nil {
		return Config{}, fmt.Errorf("strategy %s: risk: %w", cfg.Name, err)
	}

	known := map[string]bool{}
	rsi, macd, ma, bb, vol := defaults.RSI, defaults.MACD, defaults.MA, defaults.Bollinger, defaults.Volume
	targets := map[string]any{
		string(KindRSI):       &rsi,
		string(KindMACD):      &macd,
		string(KindMA):        &ma,
		string(KindBollinger): &bb,
		string(KindVolume):    &vol,
	}
	names := make([]string, 0, len(def.Indicators))
	for name := range def.Indicators {
		names = append(names, name)
	}
	sort.Strings(names)
	for _, name := range names {
		key := strings.ToLower(strings.TrimSpace(name))
		target, ok := targets[key]
		if !ok {
			return Config{}, fmt.Errorf("strategy %s: 未知指标 %q", cfg.Name, name)
		}
		if known[key] {
			return Config{}, fmt.Errorf("strategy %s: 指标 %q 重复", cfg.Name, name)
		}
		known[key] = true
		node := def.Indicators[name]
		if err := overlay(&node, target); err != nil {
			return Config{}, fmt.Errorf("strategy %s: %s: %w", cfg.Name, key, err)
		}
	}
	cfg.Indicators = []Indicator{rsi, macd, ma, bb, vol}
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// overlay 只覆盖节点中出现的字段。
func overlay(node *yaml.Node, target any) error {
	if node == nil || node.Kind == 0 {
		return nil
	}
	return node.Decode(target)
}
