package strategy

import "fmt"

// IndicatorKind 标识指标变体。
type IndicatorKind string

const (
	KindRSI       IndicatorKind = "rsi"
	KindMACD      IndicatorKind = "macd"
	KindMA        IndicatorKind = "ma"
	KindBollinger IndicatorKind = "bollinger"
	KindVolume    IndicatorKind = "volume"
)

// Indicator 是封闭的指标参数变体，只有本包内的类型实现。
type Indicator interface {
	Kind() IndicatorKind
	Enabled() bool
	// Lookback 是产生一次有效读数所需的 K 线数。
	Lookback() int
	validate() error
}

// RSIParams: RSI 低于 Oversold 投多，高于 Overbought 投空。
type RSIParams struct {
	Enable     bool    `yaml:"enabled" json:"enabled"`
	Period     int     `yaml:"period" json:"period"`
	Overbought float64 `yaml:"overbought" json:"overbought"`
	Oversold   float64 `yaml:"oversold" json:"oversold"`
}

func (p RSIParams) Kind() IndicatorKind { return KindRSI }
func (p RSIParams) Enabled() bool       { return p.Enable }
func (p RSIParams) Lookback() int       { return p.Period + 1 }

func (p RSIParams) validate() error {
	if p.Period < 2 {
		return fmt.Errorf("period 需 >= 2")
	}
	if p.Oversold <= 0 || p.Overbought >= 100 || p.Oversold >= p.Overbought {
		return fmt.Errorf("需满足 0 < oversold < overbought < 100")
	}
	return nil
}

// MACDParams: MACD 线上穿/下穿信号线投票。
type MACDParams struct {
	Enable       bool `yaml:"enabled" json:"enabled"`
	FastPeriod   int  `yaml:"fast_period" json:"fast_period"`
	SlowPeriod   int  `yaml:"slow_period" json:"slow_period"`
	SignalPeriod int  `yaml:"signal_period" json:"signal_period"`
}

func (p MACDParams) Kind() IndicatorKind { return KindMACD }
func (p MACDParams) Enabled() bool       { return p.Enable }

// 交叉判断需要最近两个 signal 读数。
func (p MACDParams) Lookback() int { return p.SlowPeriod + p.SignalPeriod }

func (p MACDParams) validate() error {
	if p.FastPeriod < 2 || p.SignalPeriod < 1 {
		return fmt.Errorf("fast_period 需 >= 2 且 signal_period 需 >= 1")
	}
	if p.SlowPeriod <= p.FastPeriod {
		return fmt.Errorf("slow_period 需大于 fast_period")
	}
	return nil
}

// MAParams: 短均线在长均线之上且价格在短均线之上投多，反之投空。
type MAParams struct {
	Enable      bool `yaml:"enabled" json:"enabled"`
	ShortPeriod int  `yaml:"short_period" json:"short_period"`
	LongPeriod  int  `yaml:"long_period" json:"long_period"`
}

func (p MAParams) Kind() IndicatorKind { return KindMA }
func (p MAParams) Enabled() bool       { return p.Enable }
func (p MAParams) Lookback() int       { return p.LongPeriod }

func (p MAParams) validate() error {
	if p.ShortPeriod < 2 || p.LongPeriod <= p.ShortPeriod {
		return fmt.Errorf("需满足 2 <= short_period < long_period")
	}
	return nil
}

// BollingerParams: 收盘价触及下轨投多，触及上轨投空。
type BollingerParams struct {
	Enable bool    `yaml:"enabled" json:"enabled"`
	Period int     `yaml:"period" json:"period"`
	StdDev float64 `yaml:"std_dev" json:"std_dev"`
}

func (p BollingerParams) Kind() IndicatorKind { return KindBollinger }
func (p BollingerParams) Enabled() bool       { return p.Enable }
func (p BollingerParams) Lookback() int       { return p.Period }

func (p BollingerParams) validate() error {
	if p.Period < 2 || p.StdDev <= 0 {
		return fmt.Errorf("period 需 >= 2 且 std_dev 需 > 0")
	}
	return nil
}

// VolumeParams: 成交量超过均量 Threshold 倍时按价格方向投票。
type VolumeParams struct {
	Enable    bool    `yaml:"enabled" json:"enabled"`
	Period    int     `yaml:"period" json:"period"`
	Threshold float64 `yaml:"threshold" json:"threshold"`
}

func (p VolumeParams) Kind() IndicatorKind { return KindVolume }
func (p VolumeParams) Enabled() bool       { return p.Enable }
func (p VolumeParams) Lookback() int       { return p.Period + 1 }

func (p VolumeParams) validate() error {
	if p.Period < 1 || p.Threshold <= 0 {
		return fmt.Errorf("period 需 >= 1 且 threshold 需 > 0")
	}
	return nil
}
