// Package signal 把启用指标的投票汇总成动作与置信度。
package signal

import (
	"fmt"

	"tradelab/internal/market"
	"tradelab/internal/strategy"
)

// Vote 是单个指标给出的方向票。
type Vote struct {
	Indicator strategy.IndicatorKind `json:"indicator"`
	Side      strategy.Action        `json:"side"`
	Value     float64                `json:"value"`
	Reason    string                 `json:"reason"`
}

// Signal 是一次评估的结果。
type Signal struct {
	Action     strategy.Action `json:"action"`
	Confidence float64         `json:"confidence"`
	Votes      []Vote          `json:"votes,omitempty"`
	BuyVotes   int             `json:"buy_votes"`
	SellVotes  int             `json:"sell_votes"`
	Enabled    int             `json:"enabled"`
	Price      float64         `json:"price"`
	Time       int64           `json:"time"`
}

// 平票时的中性置信度。
const tieConfidence = 0.5

// Engine 无状态，可并发使用；相同输入总是得到相同输出。
type Engine struct{}

func NewEngine() *Engine { return &Engine{} }

// Evaluate computes the votes of every enabled indicator over window.
// An indicator without enough candles abstains but still counts in the denominator.
func (e *Engine) Evaluate(window market.Candles, cfg strategy.Config) (Signal, error) {
	last, ok := window.Last()
	if !ok {
		return Signal{}, fmt.Errorf("signal: empty candle window")
	}
	sig := Signal{Action: strategy.ActionHold, Price: last.Close, Time: last.CloseTime}
	in := newSeries(window)
	for _, ind := range cfg.Enabled() {
		sig.Enabled++
		vote, ok := evaluate(ind, in)
		if !ok {
			continue
		}
		switch vote.Side {
		case strategy.ActionBuy:
			sig.BuyVotes++
		case strategy.ActionSell:
			sig.SellVotes++
		default:
			continue
		}
		sig.Votes = append(sig.Votes, vote)
	}
	if sig.Enabled == 0 {
		return sig, nil
	}
	switch {
	case sig.BuyVotes > sig.SellVotes:
		sig.Action = strategy.ActionBuy
		sig.Confidence = float64(sig.BuyVotes) / float64(sig.Enabled)
	case sig.SellVotes > sig.BuyVotes:
		sig.Action = strategy.ActionSell
		sig.Confidence = float64(sig.SellVotes) / float64(sig.Enabled)
	case sig.BuyVotes > 0:
		sig.Confidence = tieConfidence
	}
	return sig, nil
}
