package signal

import (
	"fmt"
	"math"

	"github.com/markcheno/go-talib"

	"tradelab/internal/market"
	"tradelab/internal/strategy"
)

type series struct {
	closes  []float64
	volumes []float64
}

func newSeries(window market.Candles) series {
	return series{closes: window.Closes(), volumes: window.Volumes()}
}

func (s series) lastClose() float64 { return s.closes[len(s.closes)-1] }

// evaluate 对单个指标投票；数据不足时 ok=false。
func evaluate(ind strategy.Indicator, in series) (Vote, bool) {
	if len(in.closes) < ind.Lookback() {
		return Vote{}, false
	}
	switch p := ind.(type) {
	case strategy.RSIParams:
		return rsiVote(p, in)
	case strategy.MACDParams:
		return macdVote(p, in)
	case strategy.MAParams:
		return maVote(p, in)
	case strategy.BollingerParams:
		return bollingerVote(p, in)
	case strategy.VolumeParams:
		return volumeVote(p, in)
	}
	return Vote{}, false
}

func rsiVote(p strategy.RSIParams, in series) (Vote, bool) {
	rsi, ok := lastValid(talib.Rsi(in.closes, p.Period))
	if !ok {
		return Vote{}, false
	}
	v := Vote{Indicator: strategy.KindRSI, Side: strategy.ActionHold, Value: rsi}
	switch {
	case rsi < p.Oversold:
		v.Side, v.Reason = strategy.ActionBuy, fmt.Sprintf("RSI %.2f below oversold %.0f", rsi, p.Oversold)
	case rsi > p.Overbought:
		v.Side, v.Reason = strategy.ActionSell, fmt.Sprintf("RSI %.2f above overbought %.0f", rsi, p.Overbought)
	}
	return v, true
}

func macdVote(p strategy.MACDParams, in series) (Vote, bool) {
	macd, signal, _ := talib.Macd(in.closes, p.FastPeriod, p.SlowPeriod, p.SignalPeriod)
	n := len(macd)
	if n < 2 || len(signal) != n {
		return Vote{}, false
	}
	cur, prev := macd[n-1], macd[n-2]
	curSig, prevSig := signal[n-1], signal[n-2]
	if !finite(cur, prev, curSig, prevSig) {
		return Vote{}, false
	}
	v := Vote{Indicator: strategy.KindMACD, Side: strategy.ActionHold, Value: cur}
	switch {
	case prev < prevSig && cur > curSig:
		v.Side, v.Reason = strategy.ActionBuy, "MACD bullish crossover"
	case prev > prevSig && cur < curSig:
		v.Side, v.Reason = strategy.ActionSell, "MACD bearish crossover"
	}
	return v, true
}

func maVote(p strategy.MAParams, in series) (Vote, bool) {
	short, ok1 := lastValid(talib.Sma(in.closes, p.ShortPeriod))
	long, ok2 := lastValid(talib.Sma(in.closes, p.LongPeriod))
	if !ok1 || !ok2 {
		return Vote{}, false
	}
	price := in.lastClose()
	v := Vote{Indicator: strategy.KindMA, Side: strategy.ActionHold, Value: short - long}
	switch {
	case short > long && price > short:
		v.Side, v.Reason = strategy.ActionBuy, fmt.Sprintf("SMA%d above SMA%d, price above short MA", p.ShortPeriod, p.LongPeriod)
	case short < long && price < short:
		v.Side, v.Reason = strategy.ActionSell, fmt.Sprintf("SMA%d below SMA%d, price below short MA", p.ShortPeriod, p.LongPeriod)
	}
	return v, true
}

func bollingerVote(p strategy.BollingerParams, in series) (Vote, bool) {
	upperSeries, _, lowerSeries := talib.BBands(in.closes, p.Period, p.StdDev, p.StdDev, talib.SMA)
	upper, ok1 := lastValid(upperSeries)
	lower, ok2 := lastValid(lowerSeries)
	if !ok1 || !ok2 {
		return Vote{}, false
	}
	price := in.lastClose()
	v := Vote{Indicator: strategy.KindBollinger, Side: strategy.ActionHold, Value: price}
	switch {
	case price <= lower:
		v.Side, v.Reason = strategy.ActionBuy, fmt.Sprintf("price %.4f at lower band %.4f", price, lower)
	case price >= upper:
		v.Side, v.Reason = strategy.ActionSell, fmt.Sprintf("price %.4f at upper band %.4f", price, upper)
	}
	return v, true
}

func volumeVote(p strategy.VolumeParams, in series) (Vote, bool) {
	n := len(in.volumes)
	avg, ok := lastValid(talib.Sma(in.volumes, p.Period))
	if !ok || n < 2 {
		return Vote{}, false
	}
	cur := in.volumes[n-1]
	v := Vote{Indicator: strategy.KindVolume, Side: strategy.ActionHold, Value: cur}
	if cur <= avg*p.Threshold {
		return v, true
	}
	change := in.closes[n-1] - in.closes[n-2]
	switch {
	case change > 0:
		v.Side, v.Reason = strategy.ActionBuy, fmt.Sprintf("volume %.2f > %.1fx average with price up", cur, p.Threshold)
	case change < 0:
		v.Side, v.Reason = strategy.ActionSell, fmt.Sprintf("volume %.2f > %.1fx average with price down", cur, p.Threshold)
	}
	return v, true
}

func lastValid(values []float64) (float64, bool) {
	if len(values) == 0 {
		return 0, false
	}
	v := values[len(values)-1]
	if !finite(v) {
		return 0, false
	}
	return v, true
}

func finite(values ...float64) bool {
	for _, v := range values {
		if math.IsNaN(v) || math.IsInf(v, 0) {
			return false
		}
	}
	return true
}
