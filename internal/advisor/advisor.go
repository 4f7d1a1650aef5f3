// Package advisor 提供可选的外部交易建议，回测只把它当作信号的二次确认。
package advisor

import (
	"context"
	"fmt"

	"tradelab/internal/market"
	"tradelab/internal/signal"
	"tradelab/internal/strategy"
)

// 市场上下文回看的 K 线根数。
const contextCandles = 24

// MarketContext 是发给顾问的行情摘要。
type MarketContext struct {
	Symbol       string  `json:"symbol"`
	Interval     string  `json:"interval"`
	Price        float64 `json:"price"`
	Change24hPct float64 `json:"change_24h_pct"`
	Volume24h    float64 `json:"volume_24h"`
	High24h      float64 `json:"high_24h"`
	Low24h       float64 `json:"low_24h"`
	Time         int64   `json:"time"`
}

// BuildContext summarises the trailing 24 candles of history.
func BuildContext(symbol, interval string, history market.Candles) MarketContext {
	last, ok := history.Last()
	if !ok {
		return MarketContext{Symbol: symbol, Interval: interval}
	}
	mc := MarketContext{
		Symbol:   symbol,
		Interval: interval,
		Price:    last.Close,
		Time:     last.CloseTime,
	}
	if len(history) >= contextCandles {
		ref := history[len(history)-contextCandles].Close
		if ref != 0 {
			mc.Change24hPct = (last.Close - ref) / ref * 100
		}
	}
	tail := history.Tail(contextCandles)
	mc.High24h = tail[0].High
	mc.Low24h = tail[0].Low
	for _, c := range tail {
		mc.Volume24h += c.Volume
		if c.High > mc.High24h {
			mc.High24h = c.High
		}
		if c.Low < mc.Low24h {
			mc.Low24h = c.Low
		}
	}
	return mc
}

// Recommendation 是顾问的回复。
type Recommendation struct {
	Action      strategy.Action `json:"action"`
	Confidence  float64         `json:"confidence"`
	Reasoning   string          `json:"reasoning,omitempty"`
	RiskFactors []string        `json:"risk_factors,omitempty"`
	Provider    string          `json:"provider,omitempty"`
}

// Advisor 给出独立于技术指标的建议。实现必须可以并发调用。
type Advisor interface {
	Recommend(ctx context.Context, mc MarketContext, sig signal.Signal, cfg strategy.Config) (Recommendation, error)
}

// UnavailableError 表示顾问不可用，调用方应回退到纯技术信号。
type UnavailableError struct {
	Provider string
	Err      error
}

func (e *UnavailableError) Error() string {
	return fmt.Sprintf("advisor %s unavailable: %v", e.Provider, e.Err)
}

func (e *UnavailableError) Unwrap() error { return e.Err }
