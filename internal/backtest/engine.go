package backtest

import (
	"context"
	"errors"
	"fmt"
	"time"

	"tradelab/internal/advisor"
	"tradelab/internal/logger"
	"tradelab/internal/market"
	"tradelab/internal/signal"
	"tradelab/internal/strategy"
)

const (
	defaultMinWarmup     = 100
	defaultAnnualization = 252
)

// Config 是引擎级参数，与策略无关。
type Config struct {
	InitialBalance float64
	// MinWarmup 是开始交易前至少消耗的 K 线数。
	MinWarmup int
	// WindowSize 是每步送给信号引擎的尾部窗口，0 表示全部历史。
	WindowSize    int
	Annualization float64
}

func (c Config) withDefaults() Config {
	if c.InitialBalance <= 0 {
		c.InitialBalance = 10000
	}
	if c.MinWarmup <= 0 {
		c.MinWarmup = defaultMinWarmup
	}
	if c.WindowSize < 0 {
		c.WindowSize = 0
	}
	if c.Annualization <= 0 {
		c.Annualization = defaultAnnualization
	}
	return c
}

// Evaluator 是信号引擎的最小接口。
type Evaluator interface {
	Evaluate(window market.Candles, cfg strategy.Config) (signal.Signal, error)
}

// Engine 逐根推进模拟。单次运行串行执行，不同运行之间不共享状态。
type Engine struct {
	cfg     Config
	signals Evaluator
	advisor advisor.Advisor
	sampler advisor.SamplerFactory
	now     func() time.Time
	log     *logger.Entry
}

// NewEngine builds an engine; adv may be nil, sampler nil means advisor.Never.
// The factory is called once per Run.
func NewEngine(cfg Config, signals Evaluator, adv advisor.Advisor, sampler advisor.SamplerFactory) *Engine {
	if signals == nil {
		signals = signal.NewEngine()
	}
	if sampler == nil {
		sampler = func() advisor.Sampler { return advisor.Never{} }
	}
	return &Engine{
		cfg:     cfg.withDefaults(),
		signals: signals,
		advisor: adv,
		sampler: sampler,
		now:     time.Now,
		log:     logger.With("backtest"),
	}
}

func (e *Engine) Config() Config { return e.cfg }

// Warmup 返回该策略需要预热的 K 线数。
func (e *Engine) Warmup(cfg strategy.Config) int {
	return max(e.cfg.MinWarmup, cfg.Lookback()+1)
}

// Run simulates cfg over candles and returns a finalized result.
// The result is FAILED (and err non-nil) on insufficient data or cancellation.
func (e *Engine) Run(ctx context.Context, id string, cfg strategy.Config, candles market.Candles, initial float64) (*Result, error) {
	if initial <= 0 {
		initial = e.cfg.InitialBalance
	}
	cfg = cfg.Clone()
	var start, end int64
	if len(candles) > 0 {
		start, end = candles[0].OpenTime, candles[len(candles)-1].CloseTime
	}
	res := newResult(id, cfg, start, end, initial, e.now())
	err := e.simulate(ctx, res, cfg, candles)
	if err != nil {
		_ = res.fail(err, e.now())
		return res, err
	}
	return res, res.complete(e.now())
}

type simState struct {
	sampler advisor.Sampler
	balance float64
	pos     *Position
	peak    float64
	maxDD   float64
	trades  []Trade
	equity  []EquityPoint
	stats   AdvisorStats
}

func (e *Engine) simulate(ctx context.Context, res *Result, cfg strategy.Config, candles market.Candles) error {
	warmup := e.Warmup(cfg)
	if len(candles) < warmup+1 {
		return &InsufficientDataError{Have: len(candles), Need: warmup + 1}
	}
	st := &simState{sampler: e.sampler(), balance: res.InitialBalance, peak: res.InitialBalance}
	for i := warmup; i < len(candles); i++ {
		if err := ctx.Err(); err != nil {
			return fmt.Errorf("backtest %s canceled at step %d: %w", res.ID, i, err)
		}
		c := candles[i]
		if st.pos != nil {
			e.checkExit(st, c)
		}
		if st.pos == nil {
			window := e.window(candles, i)
			sig, err := e.signals.Evaluate(window, cfg)
			if err != nil {
				return err
			}
			action := e.decide(ctx, st, i-warmup, sig, window, cfg)
			if action != strategy.ActionHold {
				e.open(st, c, action, cfg.Risk)
			}
		}
		st.mark(c)
	}
	if st.pos != nil {
		last := candles[len(candles)-1]
		st.close(last, ReasonEndOfPeriod)
	}
	res.Trades = st.trades
	res.Equity = st.equity
	res.Advisor = st.stats
	res.FinalBalance = st.balance
	res.Summary = summarize(res.InitialBalance, st.balance, st.trades, st.equity, st.maxDD, e.cfg.Annualization)
	e.log.Infof("%s %s@%s 完成: steps=%d trades=%d final=%.2f dd=%.2f%%",
		res.ID, cfg.Symbol, cfg.Interval, len(st.equity), len(st.trades), st.balance, st.maxDD)
	return nil
}

func (e *Engine) window(candles market.Candles, i int) market.Candles {
	lo := 0
	if e.cfg.WindowSize > 0 && i+1 > e.cfg.WindowSize {
		lo = i + 1 - e.cfg.WindowSize
	}
	return candles[lo : i+1]
}

// decide 在启用顾问时对技术信号做置信度门控与二次确认。
func (e *Engine) decide(ctx context.Context, st *simState, step int, sig signal.Signal, window market.Candles, cfg strategy.Config) strategy.Action {
	stats := &st.stats
	switch sig.Action {
	case strategy.ActionBuy:
		stats.BuySignals++
	case strategy.ActionSell:
		stats.SellSignals++
	default:
		stats.HoldSignals++
	}
	action := sig.Action
	if !cfg.UseAdvisor || action == strategy.ActionHold {
		return action
	}
	if sig.Confidence < cfg.AdvisorThreshold {
		stats.LowConfidence++
		return strategy.ActionHold
	}
	if e.advisor == nil || !st.sampler.Sample(step) {
		return action
	}
	stats.Attempted++
	mc := advisor.BuildContext(cfg.Symbol, cfg.Interval, window)
	rec, err := e.advisor.Recommend(ctx, mc, sig, cfg)
	if err != nil {
		var ue *advisor.UnavailableError
		if errors.As(err, &ue) {
			e.log.Debugf("顾问不可用，使用技术信号: %v", err)
		} else {
			e.log.Warnf("顾问调用失败，使用技术信号: %v", err)
		}
		return action
	}
	stats.Succeeded++
	if rec.Action == action {
		stats.Agreements++
	} else {
		stats.Disagreements++
	}
	if rec.Confidence >= cfg.AdvisorThreshold {
		return rec.Action
	}
	return action
}

func (e *Engine) checkExit(st *simState, c market.Candle) {
	p := st.pos
	switch {
	case strategy.StopHit(p.Side, c.Close, p.StopLoss):
		st.close(c, ReasonStopLoss)
	case strategy.TargetHit(p.Side, c.Close, p.TakeProfit):
		st.close(c, ReasonTakeProfit)
	}
}

// open 按风险计算仓位，超出约束或数量为 0 时保持空仓。
func (e *Engine) open(st *simState, c market.Candle, side strategy.Action, risk strategy.RiskParams) {
	price := c.Close
	stop, target := strategy.Levels(side, price, risk)
	qty := strategy.PositionSize(st.balance, risk.RiskPct, price, stop, risk.MaxPositionValue)
	value := qty * price
	if qty <= 0 || value <= 0 || value > st.balance {
		return
	}
	if risk.MaxPositionValue > 0 && value > risk.MaxPositionValue {
		return
	}
	st.balance -= value
	st.pos = &Position{
		Side:       side,
		EntryPrice: price,
		Quantity:   qty,
		StopLoss:   stop,
		TakeProfit: target,
		OpenedAt:   c.CloseTime,
	}
	st.trades = append(st.trades, Trade{
		Time:         c.CloseTime,
		Kind:         KindEntry,
		Side:         side,
		Price:        price,
		Quantity:     qty,
		BalanceAfter: st.balance,
	})
}

func (st *simState) close(c market.Candle, reason string) {
	p := st.pos
	profit := strategy.PnL(p.Side, p.EntryPrice, c.Close, p.Quantity)
	st.balance += p.value() + profit
	exitSide := strategy.ActionSell
	if p.Side == strategy.ActionSell {
		exitSide = strategy.ActionBuy
	}
	st.trades = append(st.trades, Trade{
		Time:         c.CloseTime,
		Kind:         KindExit,
		Side:         exitSide,
		Price:        c.Close,
		Quantity:     p.Quantity,
		Profit:       profit,
		BalanceAfter: st.balance,
		Reason:       reason,
	})
	st.pos = nil
}

// mark 记录市值权益并更新回撤。
func (st *simState) mark(c market.Candle) {
	equity := st.balance
	if p := st.pos; p != nil {
		equity += p.value() + strategy.PnL(p.Side, p.EntryPrice, c.Close, p.Quantity)
	}
	if equity > st.peak {
		st.peak = equity
	}
	dd := 0.0
	if st.peak > 0 {
		dd = (st.peak - equity) / st.peak * 100
	}
	if dd > st.maxDD {
		st.maxDD = dd
	}
	st.equity = append(st.equity, EquityPoint{
		Time:        c.CloseTime,
		Equity:      equity,
		Price:       c.Close,
		Drawdown:    dd,
		MaxDrawdown: st.maxDD,
	})
}
