package signal

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"tradelab/internal/market"
	"tradelab/internal/strategy"
)

func candles(closes []float64, volumes []float64) market.Candles {
	out := make(market.Candles, len(closes))
	for i, c := range closes {
		vol := 10.0
		if volumes != nil {
			vol = volumes[i]
		}
		open := int64(i) * 3_600_000
		out[i] = market.Candle{OpenTime: open, CloseTime: open + 3_599_999, Open: c, High: c + 1, Low: c - 1, Close: c, Volume: vol}
	}
	return out
}

func declining(n int) []float64 {
	out := make([]float64, n)
	for i := range out {
		out[i] = 200 - float64(i)*1.5
	}
	return out
}

func onlyRSI() strategy.Config {
	return strategy.Config{
		Name:       "rsi-only",
		Symbol:     "BTCUSDT",
		Interval:   "1h",
		Indicators: []strategy.Indicator{strategy.RSIParams{Enable: true, Period: 14, Overbought: 70, Oversold: 30}},
	}
}

func TestRSIOversoldProducesBuyVote(t *testing.T) {
	sig, err := NewEngine().Evaluate(candles(declining(40), nil), onlyRSI())
	require.NoError(t, err)

	assert.Equal(t, strategy.ActionBuy, sig.Action)
	assert.Equal(t, 1.0, sig.Confidence)
	require.Len(t, sig.Votes, 1)
	assert.Equal(t, strategy.KindRSI, sig.Votes[0].Indicator)
	assert.Equal(t, strategy.ActionBuy, sig.Votes[0].Side)
	assert.Less(t, sig.Votes[0].Value, 30.0)
}

func TestEvaluateIsDeterministic(t *testing.T) {
	cfg, err := strategy.Resolve(strategy.Definition{Name: "all", Symbol: "BTCUSDT", Interval: "1h"}, strategy.BuiltinDefaults())
	require.NoError(t, err)
	closes := make([]float64, 120)
	for i := range closes {
		closes[i] = 100 + float64(i%17) - float64(i%5)*0.7
	}
	window := candles(closes, nil)

	e := NewEngine()
	first, err := e.Evaluate(window, cfg)
	require.NoError(t, err)
	second, err := e.Evaluate(window, cfg)
	require.NoError(t, err)
	assert.Equal(t, first, second)
	assert.Equal(t, 5, first.Enabled)
	assert.GreaterOrEqual(t, first.Confidence, 0.0)
	assert.LessOrEqual(t, first.Confidence, 1.0)
}

func TestTieYieldsNeutralHold(t *testing.T) {
	closes := declining(30)
	volumes := make([]float64, 30)
	for i := range volumes {
		volumes[i] = 10
	}
	volumes[29] = 100
	cfg := onlyRSI()
	cfg.Indicators = append(cfg.Indicators, strategy.VolumeParams{Enable: true, Period: 5, Threshold: 1.5})

	sig, err := NewEngine().Evaluate(candles(closes, volumes), cfg)
	require.NoError(t, err)
	assert.Equal(t, 1, sig.BuyVotes)
	assert.Equal(t, 1, sig.SellVotes)
	assert.Equal(t, strategy.ActionHold, sig.Action)
	assert.Equal(t, 0.5, sig.Confidence)
}

func TestNoVotesYieldsZeroConfidence(t *testing.T) {
	closes := make([]float64, 40)
	for i := range closes {
		closes[i] = 100
		if i%2 == 1 {
			closes[i] = 101
		}
	}
	sig, err := NewEngine().Evaluate(candles(closes, nil), onlyRSI())
	require.NoError(t, err)
	assert.Equal(t, strategy.ActionHold, sig.Action)
	assert.Zero(t, sig.Confidence)
	assert.Empty(t, sig.Votes)

	none := onlyRSI()
	none.Indicators = []strategy.Indicator{strategy.RSIParams{Enable: false, Period: 14}}
	sig, err = NewEngine().Evaluate(candles(closes, nil), none)
	require.NoError(t, err)
	assert.Zero(t, sig.Enabled)
	assert.Equal(t, strategy.ActionHold, sig.Action)
}

func TestShortWindowAbstainsButCounts(t *testing.T) {
	cfg := onlyRSI()
	cfg.Indicators = append(cfg.Indicators, strategy.MAParams{Enable: true, ShortPeriod: 3, LongPeriod: 5})
	// 10 根不够 RSI(14)，但足够均线
	sig, err := NewEngine().Evaluate(candles(declining(10), nil), cfg)
	require.NoError(t, err)
	assert.Equal(t, 2, sig.Enabled)
	assert.Equal(t, strategy.ActionSell, sig.Action)
	assert.Equal(t, 0.5, sig.Confidence)
	require.Len(t, sig.Votes, 1)
	assert.Equal(t, strategy.KindMA, sig.Votes[0].Indicator)
}

func TestBollingerLowerBandBuys(t *testing.T) {
	closes := make([]float64, 25)
	for i := range closes {
		closes[i] = 100 + float64(i%2)
	}
	closes[24] = 90
	cfg := onlyRSI()
	cfg.Indicators = []strategy.Indicator{strategy.BollingerParams{Enable: true, Period: 20, StdDev: 2}}
	sig, err := NewEngine().Evaluate(candles(closes, nil), cfg)
	require.NoError(t, err)
	assert.Equal(t, strategy.ActionBuy, sig.Action)
}

func TestEmptyWindowErrors(t *testing.T) {
	_, err := NewEngine().Evaluate(nil, onlyRSI())
	assert.Error(t, err)
}
