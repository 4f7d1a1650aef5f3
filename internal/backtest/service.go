package backtest

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"tradelab/internal/cache"
	"tradelab/internal/logger"
	"tradelab/internal/metrics"
	"tradelab/internal/pkg/symbol"
	"tradelab/internal/strategy"
)

// CandleLoader 从缓存取回测区间的 K 线。
type CandleLoader interface {
	Query(ctx context.Context, req cache.Request) (cache.Result, error)
}

// StrategyLookup 返回策略的不可变快照。
type StrategyLookup interface {
	Get(name string) (strategy.Config, error)
}

// Recorder 持久化结果；nil 时只保存在内存。
type Recorder interface {
	Save(ctx context.Context, res *Result) error
	Load(ctx context.Context, id string) (*Result, error)
	List(ctx context.Context, limit int) ([]Result, error)
}

// Request 为 HTTP / CLI 提交使用。Symbol、Interval 为空时沿用策略配置。
type Request struct {
	Strategy       string  `json:"strategy" binding:"required"`
	Symbol         string  `json:"symbol"`
	Interval       string  `json:"interval"`
	Start          int64   `json:"start" binding:"required"`
	End            int64   `json:"end" binding:"required"`
	InitialBalance float64 `json:"initial_balance"`
	UseAdvisor     *bool   `json:"use_advisor"`
}

type ServiceConfig struct {
	MaxConcurrent int
	Timeout       time.Duration
}

// Service 管理异步回测：提交即返回 RUNNING，后台受信号量限流执行。
type Service struct {
	engine     *Engine
	candles    CandleLoader
	strategies StrategyLookup
	store      Recorder
	metrics    *metrics.Registry
	timeout    time.Duration
	log        *logger.Entry

	sem chan struct{}
	wg  sync.WaitGroup

	mu   sync.RWMutex
	runs map[string]*Result

	baseCtx context.Context
}

func NewService(engine *Engine, candles CandleLoader, strategies StrategyLookup, store Recorder, cfg ServiceConfig, reg *metrics.Registry) (*Service, error) {
	if engine == nil || candles == nil || strategies == nil {
		return nil, fmt.Errorf("backtest service: engine/candles/strategies 不能为空")
	}
	maxConcurrent := cfg.MaxConcurrent
	if maxConcurrent <= 0 {
		maxConcurrent = 2
	}
	return &Service{
		engine:     engine,
		candles:    candles,
		strategies: strategies,
		store:      store,
		metrics:    reg,
		timeout:    cfg.Timeout,
		log:        logger.With("backtest"),
		sem:        make(chan struct{}, maxConcurrent),
		runs:       make(map[string]*Result),
		baseCtx:    context.Background(),
	}, nil
}

// SetContext 注入宿主 ctx，用于任务取消。
func (s *Service) SetContext(ctx context.Context) {
	if ctx != nil {
		s.baseCtx = ctx
	}
}

// Wait blocks until every submitted run has finished.
func (s *Service) Wait() { s.wg.Wait() }

// Submit 校验请求后立即返回 RUNNING 结果，模拟在后台进行。
func (s *Service) Submit(req Request) (Result, error) {
	cfg, initial, err := s.prepare(req)
	if err != nil {
		return Result{}, err
	}
	res := newResult(uuid.NewString(), cfg, req.Start, req.End, initial, time.Now())
	s.put(res)
	s.persist(res)
	s.log.Infof("run %s 提交: %s %s@%s [%d,%d]", res.ID, cfg.Name, cfg.Symbol, cfg.Interval, req.Start, req.End)
	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		select {
		case s.sem <- struct{}{}:
		case <-s.baseCtx.Done():
			s.finish(res.ID, nil, s.baseCtx.Err(), 0)
			return
		}
		defer func() { <-s.sem }()
		s.execute(s.baseCtx, res.ID, cfg, req, initial)
	}()
	return res.Header(), nil
}

// RunSync 在当前 goroutine 执行，供 CLI 使用。
func (s *Service) RunSync(ctx context.Context, req Request) (*Result, error) {
	cfg, initial, err := s.prepare(req)
	if err != nil {
		return nil, err
	}
	res := newResult(uuid.NewString(), cfg, req.Start, req.End, initial, time.Now())
	s.put(res)
	final, err := s.execute(ctx, res.ID, cfg, req, initial)
	if final == nil {
		final = res
	}
	return final.Clone(), err
}

func (s *Service) prepare(req Request) (strategy.Config, float64, error) {
	if req.End <= req.Start {
		return strategy.Config{}, 0, fmt.Errorf("backtest: end %d 必须晚于 start %d", req.End, req.Start)
	}
	cfg, err := s.strategies.Get(strings.TrimSpace(req.Strategy))
	if err != nil {
		return strategy.Config{}, 0, err
	}
	cfg = cfg.Clone()
	if req.Symbol != "" {
		cfg.Symbol = symbol.Normalize(req.Symbol)
	}
	if req.Interval != "" {
		cfg.Interval = strings.TrimSpace(req.Interval)
	}
	if req.UseAdvisor != nil {
		cfg.UseAdvisor = *req.UseAdvisor
	}
	if err := cfg.Validate(); err != nil {
		return strategy.Config{}, 0, err
	}
	initial := req.InitialBalance
	if initial <= 0 {
		initial = s.engine.Config().InitialBalance
	}
	return cfg, initial, nil
}

func (s *Service) execute(ctx context.Context, id string, cfg strategy.Config, req Request, initial float64) (*Result, error) {
	if s.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, s.timeout)
		defer cancel()
	}
	started := time.Now()
	data, err := s.candles.Query(ctx, cache.Request{Symbol: cfg.Symbol, Interval: cfg.Interval, Start: req.Start, End: req.End})
	if err != nil {
		return s.finish(id, nil, fmt.Errorf("load candles: %w", err), time.Since(started)), err
	}
	res, err := s.engine.Run(ctx, id, cfg, data.Candles, initial)
	return s.finish(id, res, err, time.Since(started)), err
}

// finish 用引擎结果替换占位记录；结果只会 finalize 一次。
func (s *Service) finish(id string, res *Result, cause error, took time.Duration) *Result {
	s.mu.Lock()
	cur := s.runs[id]
	if cur == nil || cur.Finalized() {
		s.mu.Unlock()
		s.log.Warnf("run %s: %v", id, ErrAlreadyFinalized)
		return cur
	}
	if res == nil {
		res = cur.Clone()
		_ = res.fail(cause, time.Now())
	}
	res.CreatedAt = cur.CreatedAt
	res.Start, res.End = cur.Start, cur.End
	s.runs[id] = res
	s.mu.Unlock()

	s.metrics.ObserveBacktest(string(res.Status), took)
	if res.Status == StatusFailed {
		s.log.Warnf("run %s 失败: %s", id, res.Error)
	}
	s.persist(res)
	return res
}

func (s *Service) put(res *Result) {
	s.mu.Lock()
	s.runs[res.ID] = res
	s.mu.Unlock()
}

func (s *Service) persist(res *Result) {
	if s.store == nil {
		return
	}
	if err := s.store.Save(context.WithoutCancel(s.baseCtx), res); err != nil {
		s.log.Warnf("run %s 持久化失败: %v", res.ID, err)
	}
}

// Get 先查内存再查存储。
func (s *Service) Get(ctx context.Context, id string) (*Result, error) {
	s.mu.RLock()
	res, ok := s.runs[id]
	s.mu.RUnlock()
	if ok {
		return res.Clone(), nil
	}
	if s.store == nil {
		return nil, fmt.Errorf("%w: %s", ErrRunNotFound, id)
	}
	return s.store.Load(ctx, id)
}

// List 返回最近的运行摘要，内存中的运行优先于存储中的旧状态。
func (s *Service) List(ctx context.Context, limit int) ([]Result, error) {
	seen := make(map[string]bool)
	var out []Result
	s.mu.RLock()
	for _, res := range s.runs {
		out = append(out, res.Header())
		seen[res.ID] = true
	}
	s.mu.RUnlock()
	if s.store != nil {
		stored, err := s.store.List(ctx, limit)
		if err != nil && !errors.Is(err, context.Canceled) {
			return nil, err
		}
		for _, res := range stored {
			if !seen[res.ID] {
				out = append(out, res)
			}
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].ID < out[j].ID
		}
		return out[i].CreatedAt.After(out[j].CreatedAt)
	})
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}
