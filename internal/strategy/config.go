package strategy

import (
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"tradelab/internal/market"
	"tradelab/internal/pkg/symbol"
)

// ErrUnknownStrategy 表示注册表里没有该名称的策略。
var ErrUnknownStrategy = errors.New("strategy: unknown strategy")

// Action 是信号动作，同时用作持仓方向（BUY=多，SELL=空）。
type Action string

const (
	ActionBuy  Action = "BUY"
	ActionSell Action = "SELL"
	ActionHold Action = "HOLD"
)

func ParseAction(s string) (Action, bool) {
	switch Action(strings.ToUpper(strings.TrimSpace(s))) {
	case ActionBuy:
		return ActionBuy, true
	case ActionSell:
		return ActionSell, true
	case ActionHold:
		return ActionHold, true
	}
	return "", false
}

// RiskParams 百分比参数均以百分数表示（2 表示 2%）。
type RiskParams struct {
	StopLossPct      float64 `yaml:"stop_loss_pct" json:"stop_loss_pct"`
	TakeProfitPct    float64 `yaml:"take_profit_pct" json:"take_profit_pct"`
	RiskPct          float64 `yaml:"risk_pct" json:"risk_pct"`
	MaxPositionValue float64 `yaml:"max_position_value" json:"max_position_value"`
}

func (r RiskParams) validate() error {
	if r.StopLossPct <= 0 || r.StopLossPct >= 100 {
		return fmt.Errorf("stop_loss_pct 需在 (0,100) 内: %v", r.StopLossPct)
	}
	if r.TakeProfitPct <= 0 {
		return fmt.Errorf("take_profit_pct 需 > 0: %v", r.TakeProfitPct)
	}
	if r.RiskPct <= 0 || r.RiskPct > 100 {
		return fmt.Errorf("risk_pct 需在 (0,100] 内: %v", r.RiskPct)
	}
	if r.MaxPositionValue < 0 {
		return fmt.Errorf("max_position_value 不能为负: %v", r.MaxPositionValue)
	}
	return nil
}

// Config 是一次运行使用的策略快照，构造后不再修改。
type Config struct {
	Name             string      `json:"name"`
	Description      string      `json:"description,omitempty"`
	Symbol           string      `json:"symbol"`
	Interval         string      `json:"interval"`
	Indicators       []Indicator `json:"-"`
	Risk             RiskParams  `json:"risk"`
	UseAdvisor       bool        `json:"use_advisor"`
	AdvisorThreshold float64     `json:"advisor_threshold"`
}

// Enabled returns the enabled indicators in declaration order.
func (c Config) Enabled() []Indicator {
	out := make([]Indicator, 0, len(c.Indicators))
	for _, ind := range c.Indicators {
		if ind.Enabled() {
			out = append(out, ind)
		}
	}
	return out
}

// Lookback 是启用指标中最长的所需 K 线数。
func (c Config) Lookback() int {
	longest := 0
	for _, ind := range c.Enabled() {
		if n := ind.Lookback(); n > longest {
			longest = n
		}
	}
	return longest
}

// Clone 返回独立副本；指标参数都是值类型，复制切片即可。
func (c Config) Clone() Config {
	out := c
	out.Indicators = append([]Indicator(nil), c.Indicators...)
	return out
}

func (c Config) Validate() error {
	if strings.TrimSpace(c.Name) == "" {
		return fmt.Errorf("strategy name 不能为空")
	}
	if !symbol.IsValid(c.Symbol) {
		return fmt.Errorf("strategy %s: 无效 symbol %q", c.Name, c.Symbol)
	}
	if _, err := market.ParseInterval(c.Interval); err != nil {
		return fmt.Errorf("strategy %s: %w", c.Name, err)
	}
	seen := make(map[IndicatorKind]bool, len(c.Indicators))
	for _, ind := range c.Indicators {
		if seen[ind.Kind()] {
			return fmt.Errorf("strategy %s: 指标 %s 重复", c.Name, ind.Kind())
		}
		seen[ind.Kind()] = true
		if !ind.Enabled() {
			continue
		}
		if err := ind.validate(); err != nil {
			return fmt.Errorf("strategy %s: %s: %w", c.Name, ind.Kind(), err)
		}
	}
	if err := c.Risk.validate(); err != nil {
		return fmt.Errorf("strategy %s: %w", c.Name, err)
	}
	if c.AdvisorThreshold < 0 || c.AdvisorThreshold > 1 {
		return fmt.Errorf("strategy %s: advisor_threshold 需在 [0,1] 内", c.Name)
	}
	return nil
}

// MarshalJSON 把指标变体展开为 kind -> 参数 的对象。
func (c Config) MarshalJSON() ([]byte, error) {
	type alias Config
	indicators := make(map[IndicatorKind]Indicator, len(c.Indicators))
	for _, ind := range c.Indicators {
		indicators[ind.Kind()] = ind
	}
	return json.Marshal(struct {
		alias
		Indicators map[IndicatorKind]Indicator `json:"indicators"`
	}{alias: alias(c), Indicators: indicators})
}
