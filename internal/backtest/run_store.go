package backtest

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"gorm.io/datatypes"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
	gormlogger "gorm.io/gorm/logger"

	"tradelab/internal/strategy"
)

type runModel struct {
	ID             string         `gorm:"column:id;primaryKey"`
	StrategyName   string         `gorm:"column:strategy_name;index"`
	Symbol         string         `gorm:"column:symbol;index"`
	Interval       string         `gorm:"column:interval"`
	StartTS        int64          `gorm:"column:start_ts"`
	EndTS          int64          `gorm:"column:end_ts"`
	Status         string         `gorm:"column:status"`
	Error          string         `gorm:"column:error"`
	InitialBalance float64        `gorm:"column:initial_balance"`
	FinalBalance   float64        `gorm:"column:final_balance"`
	StrategyJSON   datatypes.JSON `gorm:"column:strategy_json;type:TEXT"`
	SummaryJSON    datatypes.JSON `gorm:"column:summary_json;type:TEXT"`
	AdvisorJSON    datatypes.JSON `gorm:"column:advisor_json;type:TEXT"`
	CreatedAtUnix  int64          `gorm:"column:created_at;index"`
	FinishedAtUnix int64          `gorm:"column:finished_at"`
}

func (runModel) TableName() string { return "backtest_runs" }

type tradeModel struct {
	ID           int64   `gorm:"column:id;primaryKey"`
	RunID        string  `gorm:"column:run_id;index:idx_trade_run,priority:1"`
	Seq          int     `gorm:"column:seq;index:idx_trade_run,priority:2"`
	TS           int64   `gorm:"column:ts"`
	Kind         string  `gorm:"column:kind"`
	Side         string  `gorm:"column:side"`
	Price        float64 `gorm:"column:price"`
	Quantity     float64 `gorm:"column:quantity"`
	Profit       float64 `gorm:"column:profit"`
	BalanceAfter float64 `gorm:"column:balance_after"`
	Reason       string  `gorm:"column:reason"`
}

func (tradeModel) TableName() string { return "backtest_trades" }

type equityModel struct {
	ID          int64   `gorm:"column:id;primaryKey"`
	RunID       string  `gorm:"column:run_id;index:idx_equity_run,priority:1"`
	Seq         int     `gorm:"column:seq;index:idx_equity_run,priority:2"`
	TS          int64   `gorm:"column:ts"`
	Equity      float64 `gorm:"column:equity"`
	Price       float64 `gorm:"column:price"`
	Drawdown    float64 `gorm:"column:drawdown"`
	MaxDrawdown float64 `gorm:"column:max_drawdown"`
}

func (equityModel) TableName() string { return "backtest_equity" }

// ResultStore 用 gorm + sqlite 持久化回测结果。
type ResultStore struct {
	db *gorm.DB
}

func NewResultStore(path string) (*ResultStore, error) {
	path = strings.TrimSpace(path)
	if path == "" {
		return nil, fmt.Errorf("result store: 路径不能为空")
	}
	if dir := filepath.Dir(path); dir != "" {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, err
		}
	}
	dsn := fmt.Sprintf("file:%s?_busy_timeout=5000&_journal_mode=WAL", path)
	db, err := gorm.Open(sqlite.Open(dsn), &gorm.Config{
		Logger:                                   gormlogger.Default.LogMode(gormlogger.Silent),
		DisableForeignKeyConstraintWhenMigrating: true,
	})
	if err != nil {
		return nil, err
	}
	if err := db.AutoMigrate(&runModel{}, &tradeModel{}, &equityModel{}); err != nil {
		return nil, err
	}
	sqlDB, err := db.DB()
	if err != nil {
		return nil, err
	}
	sqlDB.SetMaxOpenConns(1)
	return &ResultStore{db: db}, nil
}

func (s *ResultStore) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	sqlDB, err := s.db.DB()
	if err != nil {
		return err
	}
	return sqlDB.Close()
}

// Save 覆盖写入一次运行，成交与资金曲线整体替换。
func (s *ResultStore) Save(ctx context.Context, res *Result) error {
	if res == nil || res.ID == "" {
		return fmt.Errorf("result store: 空结果")
	}
	run, err := newRunModel(res)
	if err != nil {
		return err
	}
	return s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := tx.Clauses(clause.OnConflict{UpdateAll: true}).Create(&run).Error; err != nil {
			return err
		}
		if err := tx.Where("run_id = ?", res.ID).Delete(&tradeModel{}).Error; err != nil {
			return err
		}
		if err := tx.Where("run_id = ?", res.ID).Delete(&equityModel{}).Error; err != nil {
			return err
		}
		if len(res.Trades) > 0 {
			trades := make([]tradeModel, len(res.Trades))
			for i, t := range res.Trades {
				trades[i] = tradeModel{
					RunID: res.ID, Seq: i, TS: t.Time, Kind: t.Kind, Side: string(t.Side),
					Price: t.Price, Quantity: t.Quantity, Profit: t.Profit,
					BalanceAfter: t.BalanceAfter, Reason: t.Reason,
				}
			}
			if err := tx.CreateInBatches(trades, 500).Error; err != nil {
				return err
			}
		}
		if len(res.Equity) > 0 {
			points := make([]equityModel, len(res.Equity))
			for i, p := range res.Equity {
				points[i] = equityModel{
					RunID: res.ID, Seq: i, TS: p.Time, Equity: p.Equity, Price: p.Price,
					Drawdown: p.Drawdown, MaxDrawdown: p.MaxDrawdown,
				}
			}
			if err := tx.CreateInBatches(points, 1000).Error; err != nil {
				return err
			}
		}
		return nil
	})
}

// Load 读取完整结果。
func (s *ResultStore) Load(ctx context.Context, id string) (*Result, error) {
	var run runModel
	err := s.db.WithContext(ctx).Where("id = ?", id).Take(&run).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, fmt.Errorf("%w: %s", ErrRunNotFound, id)
	}
	if err != nil {
		return nil, err
	}
	res, err := run.toResult()
	if err != nil {
		return nil, err
	}
	var trades []tradeModel
	if err := s.db.WithContext(ctx).Where("run_id = ?", id).Order("seq").Find(&trades).Error; err != nil {
		return nil, err
	}
	for _, t := range trades {
		res.Trades = append(res.Trades, Trade{
			Time: t.TS, Kind: t.Kind, Side: actionOf(t.Side), Price: t.Price, Quantity: t.Quantity,
			Profit: t.Profit, BalanceAfter: t.BalanceAfter, Reason: t.Reason,
		})
	}
	var points []equityModel
	if err := s.db.WithContext(ctx).Where("run_id = ?", id).Order("seq").Find(&points).Error; err != nil {
		return nil, err
	}
	for _, p := range points {
		res.Equity = append(res.Equity, EquityPoint{
			Time: p.TS, Equity: p.Equity, Price: p.Price, Drawdown: p.Drawdown, MaxDrawdown: p.MaxDrawdown,
		})
	}
	return res, nil
}

// List 按创建时间倒序返回运行摘要，不含成交明细。
func (s *ResultStore) List(ctx context.Context, limit int) ([]Result, error) {
	if limit <= 0 {
		limit = 50
	}
	var runs []runModel
	if err := s.db.WithContext(ctx).Order("created_at DESC").Limit(limit).Find(&runs).Error; err != nil {
		return nil, err
	}
	out := make([]Result, 0, len(runs))
	for _, run := range runs {
		res, err := run.toResult()
		if err != nil {
			return nil, err
		}
		out = append(out, *res)
	}
	return out, nil
}

func newRunModel(res *Result) (runModel, error) {
	summary, err := json.Marshal(res.Summary)
	if err != nil {
		return runModel{}, err
	}
	adv, err := json.Marshal(res.Advisor)
	if err != nil {
		return runModel{}, err
	}
	m := runModel{
		ID:             res.ID,
		StrategyName:   res.StrategyName,
		Symbol:         res.Symbol,
		Interval:       res.Interval,
		StartTS:        res.Start,
		EndTS:          res.End,
		Status:         string(res.Status),
		Error:          res.Error,
		InitialBalance: res.InitialBalance,
		FinalBalance:   res.FinalBalance,
		StrategyJSON:   datatypes.JSON(res.Strategy),
		SummaryJSON:    datatypes.JSON(summary),
		AdvisorJSON:    datatypes.JSON(adv),
		CreatedAtUnix:  res.CreatedAt.UnixMilli(),
	}
	if !res.FinishedAt.IsZero() {
		m.FinishedAtUnix = res.FinishedAt.UnixMilli()
	}
	return m, nil
}

func (m runModel) toResult() (*Result, error) {
	res := &Result{
		ID:             m.ID,
		StrategyName:   m.StrategyName,
		Symbol:         m.Symbol,
		Interval:       m.Interval,
		Start:          m.StartTS,
		End:            m.EndTS,
		Status:         Status(m.Status),
		Error:          m.Error,
		InitialBalance: m.InitialBalance,
		FinalBalance:   m.FinalBalance,
		Strategy:       json.RawMessage(m.StrategyJSON),
		CreatedAt:      time.UnixMilli(m.CreatedAtUnix).UTC(),
	}
	if m.FinishedAtUnix > 0 {
		res.FinishedAt = time.UnixMilli(m.FinishedAtUnix).UTC()
	}
	if len(m.SummaryJSON) > 0 {
		if err := json.Unmarshal(m.SummaryJSON, &res.Summary); err != nil {
			return nil, fmt.Errorf("run %s summary: %w", m.ID, err)
		}
	}
	if len(m.AdvisorJSON) > 0 {
		if err := json.Unmarshal(m.AdvisorJSON, &res.Advisor); err != nil {
			return nil, fmt.Errorf("run %s advisor stats: %w", m.ID, err)
		}
	}
	return res, nil
}

func actionOf(s string) strategy.Action {
	a, _ := strategy.ParseAction(s)
	return a
}
