package backtest

import (
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"tradelab/internal/strategy"
)

// Status 是一次回测的生命周期状态。
type Status string

const (
	StatusRunning   Status = "RUNNING"
	StatusCompleted Status = "COMPLETED"
	StatusFailed    Status = "FAILED"
)

// 平仓原因
const (
	ReasonStopLoss    = "stop_loss"
	ReasonTakeProfit  = "take_profit"
	ReasonEndOfPeriod = "end_of_period"
)

// 成交类型
const (
	KindEntry = "ENTRY"
	KindExit  = "EXIT"
)

var (
	ErrAlreadyFinalized = errors.New("backtest result already finalized")
	ErrRunNotFound      = errors.New("backtest run not found")
)

// InsufficientDataError 表示 K 线数量不足以完成预热。
type InsufficientDataError struct {
	Have int
	Need int
}

func (e *InsufficientDataError) Error() string {
	return fmt.Sprintf("insufficient candles for warmup: have %d, need %d", e.Have, e.Need)
}

// Position 是当前持仓；一次模拟最多一个。
type Position struct {
	Side       strategy.Action `json:"side"`
	EntryPrice float64         `json:"entry_price"`
	Quantity   float64         `json:"quantity"`
	StopLoss   float64         `json:"stop_loss"`
	TakeProfit float64         `json:"take_profit"`
	OpenedAt   int64           `json:"opened_at"`
}

func (p *Position) value() float64 { return p.EntryPrice * p.Quantity }

// Trade 只追加。平仓记录的 Side 与持仓方向相反。
type Trade struct {
	Time         int64           `json:"time" csv:"time"`
	Kind         string          `json:"kind" csv:"kind"`
	Side         strategy.Action `json:"side" csv:"side"`
	Price        float64         `json:"price" csv:"price"`
	Quantity     float64         `json:"quantity" csv:"quantity"`
	Profit       float64         `json:"profit" csv:"profit"`
	BalanceAfter float64         `json:"balance_after" csv:"balance_after"`
	Reason       string          `json:"reason,omitempty" csv:"reason"`
}

// EquityPoint 每个模拟步一条，Equity 按市值计。
type EquityPoint struct {
	Time        int64   `json:"time" csv:"time"`
	Equity      float64 `json:"equity" csv:"equity"`
	Price       float64 `json:"price" csv:"price"`
	Drawdown    float64 `json:"drawdown" csv:"drawdown"`
	MaxDrawdown float64 `json:"max_drawdown" csv:"max_drawdown"`
}

// Summary 汇总收益与风险指标。百分比字段均为百分数。
type Summary struct {
	TotalTrades   int     `json:"total_trades"`
	RoundTrips    int     `json:"round_trips"`
	WinningTrades int     `json:"winning_trades"`
	LosingTrades  int     `json:"losing_trades"`
	WinRate       float64 `json:"win_rate"`
	TotalProfit   float64 `json:"total_profit"`
	TotalLoss     float64 `json:"total_loss"`
	NetProfit     float64 `json:"net_profit"`
	ProfitPct     float64 `json:"profit_pct"`
	MaxDrawdown   float64 `json:"max_drawdown"`
	Sharpe        float64 `json:"sharpe"`
	Steps         int     `json:"steps"`
}

// AdvisorStats 统计信号分布与顾问调用情况。
type AdvisorStats struct {
	BuySignals    int `json:"buy_signals"`
	SellSignals   int `json:"sell_signals"`
	HoldSignals   int `json:"hold_signals"`
	LowConfidence int `json:"low_confidence"`
	Attempted     int `json:"attempted"`
	Succeeded     int `json:"succeeded"`
	Agreements    int `json:"agreements"`
	Disagreements int `json:"disagreements"`
}

// Result 以 RUNNING 创建，只能 finalize 一次。
type Result struct {
	ID             string          `json:"id"`
	StrategyName   string          `json:"strategy_name"`
	Symbol         string          `json:"symbol"`
	Interval       string          `json:"interval"`
	Start          int64           `json:"start"`
	End            int64           `json:"end"`
	Status         Status          `json:"status"`
	Error          string          `json:"error,omitempty"`
	InitialBalance float64         `json:"initial_balance"`
	FinalBalance   float64         `json:"final_balance"`
	Strategy       json.RawMessage `json:"strategy,omitempty"`
	Summary        Summary         `json:"summary"`
	Advisor        AdvisorStats    `json:"advisor"`
	Trades         []Trade         `json:"trades,omitempty"`
	Equity         []EquityPoint   `json:"equity,omitempty"`
	CreatedAt      time.Time       `json:"created_at"`
	FinishedAt     time.Time       `json:"finished_at,omitempty"`
}

func newResult(id string, cfg strategy.Config, start, end int64, initial float64, now time.Time) *Result {
	snapshot, _ := json.Marshal(cfg)
	return &Result{
		ID:             id,
		StrategyName:   cfg.Name,
		Symbol:         cfg.Symbol,
		Interval:       cfg.Interval,
		Start:          start,
		End:            end,
		Status:         StatusRunning,
		InitialBalance: initial,
		FinalBalance:   initial,
		Strategy:       snapshot,
		CreatedAt:      now,
	}
}

// Finalized reports whether the result left RUNNING.
func (r *Result) Finalized() bool { return r.Status != StatusRunning }

func (r *Result) complete(now time.Time) error {
	if r.Finalized() {
		return ErrAlreadyFinalized
	}
	r.Status = StatusCompleted
	r.FinishedAt = now
	return nil
}

func (r *Result) fail(cause error, now time.Time) error {
	if r.Finalized() {
		return ErrAlreadyFinalized
	}
	r.Status = StatusFailed
	if cause != nil {
		r.Error = cause.Error()
	}
	r.FinishedAt = now
	return nil
}

// Header 返回不含成交与资金曲线的副本，用于列表。
func (r *Result) Header() Result {
	out := *r
	out.Trades = nil
	out.Equity = nil
	return out
}

// Clone 深拷贝，调用方可随意持有。
func (r *Result) Clone() *Result {
	out := *r
	out.Strategy = append(json.RawMessage(nil), r.Strategy...)
	out.Trades = append([]Trade(nil), r.Trades...)
	out.Equity = append([]EquityPoint(nil), r.Equity...)
	return &out
}
