package backtest

import (
	"context"
	"encoding/json"
	"errors"
	"math"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"

	"tradelab/internal/advisor"
	"tradelab/internal/market"
	"tradelab/internal/signal"
	"tradelab/internal/strategy"
)

const hourMs = int64(3600_000)

func candlesFrom(closes ...float64) market.Candles {
	out := make(market.Candles, len(closes))
	for i, c := range closes {
		out[i] = market.Candle{
			OpenTime:  int64(i) * hourMs,
			CloseTime: int64(i+1)*hourMs - 1,
			Open:      c,
			High:      c,
			Low:       c,
			Close:     c,
			Volume:    1,
		}
	}
	return out
}

func baseStrategy() strategy.Config {
	return strategy.Config{
		Name:     "test",
		Symbol:   "BTCUSDT",
		Interval: "1h",
		Risk: strategy.RiskParams{
			StopLossPct:      2,
			TakeProfitPct:    5,
			RiskPct:          2,
			MaxPositionValue: 5000,
		},
		AdvisorThreshold: 0.7,
	}
}

// scripted 按收盘时间返回预设信号，其余为 HOLD。
type scripted map[int64]signal.Signal

func (s scripted) Evaluate(window market.Candles, _ strategy.Config) (signal.Signal, error) {
	last, _ := window.Last()
	if sig, ok := s[last.CloseTime]; ok {
		return sig, nil
	}
	return signal.Signal{Action: strategy.ActionHold}, nil
}

func at(i int) int64 { return int64(i+1)*hourMs - 1 }

func testEngine(ev Evaluator, adv advisor.Advisor, sampler advisor.Sampler) *Engine {
	var newSampler advisor.SamplerFactory
	if sampler != nil {
		newSampler = func() advisor.Sampler { return sampler }
	}
	return NewEngine(Config{InitialBalance: 10000, MinWarmup: 2}, ev, adv, newSampler)
}

func TestTakeProfitExitsAtTriggeringClose(t *testing.T) {
	ev := scripted{at(2): {Action: strategy.ActionBuy, Confidence: 1}}
	res, err := testEngine(ev, nil, nil).Run(context.Background(), "tp", baseStrategy(), candlesFrom(100, 100, 100, 103, 106, 107), 0)
	require.NoError(t, err)
	require.Equal(t, StatusCompleted, res.Status)
	require.Len(t, res.Trades, 2)

	entry, exit := res.Trades[0], res.Trades[1]
	assert.Equal(t, KindEntry, entry.Kind)
	assert.Equal(t, strategy.ActionBuy, entry.Side)
	assert.Equal(t, 100.0, entry.Price)
	assert.Equal(t, 50.0, entry.Quantity, "risk size 100 capped by max position value 5000")
	assert.Equal(t, 5000.0, entry.BalanceAfter)

	assert.Equal(t, KindExit, exit.Kind)
	assert.Equal(t, strategy.ActionSell, exit.Side)
	assert.Equal(t, 106.0, exit.Price)
	assert.Equal(t, ReasonTakeProfit, exit.Reason)
	assert.InDelta(t, 300.0, exit.Profit, 1e-9)
	assert.InDelta(t, 10300.0, res.FinalBalance, 1e-9)

	require.Len(t, res.Equity, 4)
	assert.InDelta(t, 10150.0, res.Equity[1].Equity, 1e-9, "mark to market at 103")
	assert.InDelta(t, 10300.0, res.Equity[3].Equity, 1e-9)
	assert.Equal(t, 1, res.Summary.RoundTrips)
	assert.Equal(t, 100.0, res.Summary.WinRate)
	assert.InDelta(t, 3.0, res.Summary.ProfitPct, 1e-9)
}

func TestStopLossCheckedBeforeTakeProfit(t *testing.T) {
	// 止盈价低于止损价，使 97.5 这根 K 线同时穿越两条线。
	cfg := baseStrategy()
	cfg.Risk.TakeProfitPct = -3
	ev := scripted{at(2): {Action: strategy.ActionBuy, Confidence: 1}}
	res, err := testEngine(ev, nil, nil).Run(context.Background(), "both", cfg, candlesFrom(100, 100, 100, 97.5, 97.5), 0)
	require.NoError(t, err)
	require.Len(t, res.Trades, 2)

	entry, exit := res.Trades[0], res.Trades[1]
	assert.Equal(t, 100.0, entry.Price)
	assert.Equal(t, at(3), exit.Time)
	assert.Equal(t, ReasonStopLoss, exit.Reason)
	assert.Equal(t, 97.5, exit.Price)
	assert.InDelta(t, -125.0, exit.Profit, 1e-9)
}

func TestReentryOnExitCandle(t *testing.T) {
	ev := scripted{
		at(2): {Action: strategy.ActionBuy, Confidence: 1},
		at(4): {Action: strategy.ActionBuy, Confidence: 1},
	}
	res, err := testEngine(ev, nil, nil).Run(context.Background(), "reenter", baseStrategy(), candlesFrom(100, 100, 100, 100, 97, 97), 0)
	require.NoError(t, err)
	require.Len(t, res.Trades, 4)

	stop, again := res.Trades[1], res.Trades[2]
	assert.Equal(t, ReasonStopLoss, stop.Reason)
	assert.Equal(t, KindEntry, again.Kind)
	assert.Equal(t, stop.Time, again.Time, "exit and new entry share the candle")
	assert.Equal(t, 97.0, again.Price)
	assert.Equal(t, ReasonEndOfPeriod, res.Trades[3].Reason)

	// 同一根 K 线只记录一个权益点，且按新仓位估值
	require.Len(t, res.Equity, 4)
	assert.Equal(t, at(4), res.Equity[2].Time)
	assert.InDelta(t, stop.BalanceAfter, res.Equity[2].Equity, 1e-9)
}

func TestShortStopLossAndForcedClose(t *testing.T) {
	ev := scripted{
		at(2): {Action: strategy.ActionSell, Confidence: 1},
		at(4): {Action: strategy.ActionBuy, Confidence: 1},
	}
	res, err := testEngine(ev, nil, nil).Run(context.Background(), "short", baseStrategy(), candlesFrom(100, 100, 100, 103, 104, 104), 0)
	require.NoError(t, err)
	require.Len(t, res.Trades, 4)

	stop := res.Trades[1]
	assert.Equal(t, strategy.ActionBuy, stop.Side)
	assert.Equal(t, ReasonStopLoss, stop.Reason)
	assert.InDelta(t, -150.0, stop.Profit, 1e-9)

	last := res.Trades[3]
	assert.Equal(t, ReasonEndOfPeriod, last.Reason)
	assert.Equal(t, 104.0, last.Price)
	assert.Equal(t, 1, res.Summary.LosingTrades)
	assert.Equal(t, 2, res.Summary.RoundTrips)
	assert.InDelta(t, 150.0, res.Summary.TotalLoss, 1e-9)
}

func TestEntryRejectedWhenStopEqualsEntry(t *testing.T) {
	cfg := baseStrategy()
	ev := scripted{at(2): {Action: strategy.ActionBuy, Confidence: 1}}
	res, err := testEngine(ev, nil, nil).Run(context.Background(), "zero", cfg, candlesFrom(0.00000001, 0.00000001, 0.00000001), 0)
	require.NoError(t, err)
	assert.Empty(t, res.Trades)
}

func TestDrawdownIsMonotonic(t *testing.T) {
	ev := scripted{
		at(2): {Action: strategy.ActionBuy, Confidence: 1},
		at(6): {Action: strategy.ActionBuy, Confidence: 1},
	}
	res, err := testEngine(ev, nil, nil).Run(context.Background(), "dd", baseStrategy(),
		candlesFrom(100, 100, 100, 99, 101, 97, 97, 99, 104, 95, 96), 0)
	require.NoError(t, err)
	prev := 0.0
	for _, p := range res.Equity {
		assert.GreaterOrEqual(t, p.MaxDrawdown, prev)
		assert.GreaterOrEqual(t, p.MaxDrawdown, p.Drawdown)
		prev = p.MaxDrawdown
	}
	assert.Greater(t, res.Summary.MaxDrawdown, 0.0)
	assert.Equal(t, prev, res.Summary.MaxDrawdown)
}

func wave(n int) market.Candles {
	closes := make([]float64, n)
	for i := range closes {
		closes[i] = 100 + 10*math.Sin(float64(i)/7) + float64(i%5)
	}
	return candlesFrom(closes...)
}

func TestBacktestIsDeterministic(t *testing.T) {
	defaults := strategy.BuiltinDefaults()
	cfg := baseStrategy()
	cfg.Indicators = []strategy.Indicator{defaults.RSI, defaults.MA, defaults.Bollinger}
	candles := wave(400)

	e := NewEngine(Config{InitialBalance: 10000}, signal.NewEngine(), nil, nil)
	a, err := e.Run(context.Background(), "same", cfg, candles, 0)
	require.NoError(t, err)
	b, err := e.Run(context.Background(), "same", cfg, candles, 0)
	require.NoError(t, err)

	ja, _ := json.Marshal(struct {
		T []Trade
		E []EquityPoint
	}{a.Trades, a.Equity})
	jb, _ := json.Marshal(struct {
		T []Trade
		E []EquityPoint
	}{b.Trades, b.Equity})
	assert.Equal(t, string(ja), string(jb))
	assert.Len(t, a.Equity, 300, "one point per step after 100 warmup candles")
}

func TestInsufficientDataFails(t *testing.T) {
	e := NewEngine(Config{}, signal.NewEngine(), nil, nil)
	res, err := e.Run(context.Background(), "short", baseStrategy(), wave(100), 0)
	var ide *InsufficientDataError
	require.True(t, errors.As(err, &ide))
	assert.Equal(t, 101, ide.Need)
	assert.Equal(t, StatusFailed, res.Status)
	assert.Contains(t, res.Error, "insufficient")
}

func TestWarmupCoversLongestLookback(t *testing.T) {
	cfg := baseStrategy()
	cfg.Indicators = []strategy.Indicator{strategy.MAParams{Enable: true, ShortPeriod: 50, LongPeriod: 200}}
	e := NewEngine(Config{}, nil, nil, nil)
	assert.Equal(t, 201, e.Warmup(cfg))
}

func TestCanceledRunFails(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	res, err := testEngine(scripted{}, nil, nil).Run(ctx, "cancel", baseStrategy(), candlesFrom(1, 1, 1, 1), 0)
	require.ErrorIs(t, err, context.Canceled)
	assert.Equal(t, StatusFailed, res.Status)
}

func TestResultFinalizedOnce(t *testing.T) {
	res := newResult("x", baseStrategy(), 0, 1, 100, testNow)
	require.NoError(t, res.complete(testNow))
	assert.ErrorIs(t, res.complete(testNow), ErrAlreadyFinalized)
	assert.ErrorIs(t, res.fail(errors.New("late"), testNow), ErrAlreadyFinalized)
	assert.Equal(t, StatusCompleted, res.Status)
	assert.Empty(t, res.Error)
}

type mockAdvisor struct{ mock.Mock }

func (m *mockAdvisor) Recommend(ctx context.Context, mc advisor.MarketContext, sig signal.Signal, cfg strategy.Config) (advisor.Recommendation, error) {
	args := m.Called(sig.Action)
	return args.Get(0).(advisor.Recommendation), args.Error(1)
}

func TestAdvisorGating(t *testing.T) {
	cfg := baseStrategy()
	cfg.UseAdvisor = true
	ev := scripted{
		at(2): {Action: strategy.ActionBuy, Confidence: 0.5},
		at(3): {Action: strategy.ActionBuy, Confidence: 0.8},
	}
	adv := &mockAdvisor{}
	adv.On("Recommend", strategy.ActionBuy).Return(advisor.Recommendation{Action: strategy.ActionSell, Confidence: 0.9}, nil).Once()

	res, err := testEngine(ev, adv, advisor.Always{}).Run(context.Background(), "adv", cfg, candlesFrom(100, 100, 100, 100, 100), 0)
	require.NoError(t, err)
	adv.AssertExpectations(t)

	assert.Equal(t, 1, res.Advisor.LowConfidence)
	assert.Equal(t, 1, res.Advisor.Attempted)
	assert.Equal(t, 1, res.Advisor.Succeeded)
	assert.Equal(t, 1, res.Advisor.Disagreements)
	assert.Equal(t, 2, res.Advisor.BuySignals)
	require.NotEmpty(t, res.Trades)
	assert.Equal(t, strategy.ActionSell, res.Trades[0].Side, "confident advisor overrides the technical action")
}

func TestAdvisorFailureFallsBackToTechnical(t *testing.T) {
	cfg := baseStrategy()
	cfg.UseAdvisor = true
	ev := scripted{at(2): {Action: strategy.ActionBuy, Confidence: 0.9}}
	adv := &mockAdvisor{}
	adv.On("Recommend", strategy.ActionBuy).Return(advisor.Recommendation{}, &advisor.UnavailableError{Provider: "x", Err: errors.New("down")})

	res, err := testEngine(ev, adv, advisor.Always{}).Run(context.Background(), "fallback", cfg, candlesFrom(100, 100, 100, 100), 0)
	require.NoError(t, err)
	assert.Equal(t, 1, res.Advisor.Attempted)
	assert.Zero(t, res.Advisor.Succeeded)
	require.NotEmpty(t, res.Trades)
	assert.Equal(t, strategy.ActionBuy, res.Trades[0].Side)
}

// flipAdvisor 总是给出与技术信号相反的高置信度建议。
type flipAdvisor struct{}

func (flipAdvisor) Recommend(_ context.Context, _ advisor.MarketContext, sig signal.Signal, _ strategy.Config) (advisor.Recommendation, error) {
	action := strategy.ActionBuy
	if sig.Action == strategy.ActionBuy {
		action = strategy.ActionSell
	}
	return advisor.Recommendation{Action: action, Confidence: 1}, nil
}

func TestSampledAdvisorRunsAreRepeatable(t *testing.T) {
	defaults := strategy.BuiltinDefaults()
	cfg := baseStrategy()
	cfg.Indicators = []strategy.Indicator{defaults.RSI, defaults.MA, defaults.Bollinger}
	cfg.UseAdvisor = true
	cfg.AdvisorThreshold = 0
	candles := wave(400)

	e := NewEngine(Config{InitialBalance: 10000}, signal.NewEngine(), flipAdvisor{}, advisor.NewSamplerFactory(0.5, 42))
	a, err := e.Run(context.Background(), "a", cfg, candles, 0)
	require.NoError(t, err)
	b, err := e.Run(context.Background(), "b", cfg, candles, 0)
	require.NoError(t, err)

	require.Positive(t, a.Advisor.Attempted)
	assert.Equal(t, a.Advisor, b.Advisor)
	assert.Equal(t, a.Trades, b.Trades)
	assert.Equal(t, a.Equity, b.Equity)
	assert.Equal(t, a.Summary.MaxDrawdown, b.Summary.MaxDrawdown)
}

func TestSharpe(t *testing.T) {
	assert.Zero(t, sharpe([]float64{0.25, 0.25, 0.25}, 252))
	assert.Zero(t, sharpe([]float64{0.01}, 252))
	got := sharpe([]float64{0.01, -0.01, 0.02, 0}, 252)
	// mean 0.005, population sd sqrt(0.000125)
	assert.InDelta(t, 0.005/math.Sqrt(0.000125)*math.Sqrt(252), got, 1e-9)
}
