package cache

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"tradelab/internal/logger"
	"tradelab/internal/market"
	"tradelab/internal/metrics"
)

// Fetcher 拉取 close_time 落在 [start, end] 内的 K 线。
type Fetcher interface {
	FetchRange(ctx context.Context, symbol, interval string, start, end int64) ([]market.Candle, error)
}

// Persister 是 Manager 的持久化后端，*Store 是默认实现。
type Persister interface {
	Keys() ([]Key, error)
	Load(ctx context.Context, key Key) ([]market.Candle, Meta, error)
	SaveCandles(ctx context.Context, key Key, candles []market.Candle) error
	SaveMeta(ctx context.Context, key Key, meta Meta) error
	PruneBefore(ctx context.Context, key Key, cutoff int64) (int64, error)
	Delete(key Key) error
}

type Config struct {
	// WaitTimeout 是同 key 第二个调用方的最长等待时间。
	WaitTimeout       time.Duration
	MaxParallel       int
	BackgroundRefresh bool
}

func (c Config) withDefaults() Config {
	if c.WaitTimeout <= 0 {
		c.WaitTimeout = 30 * time.Second
	}
	if c.MaxParallel <= 0 {
		c.MaxParallel = 4
	}
	return c
}

// Outcome 描述一次查询是如何被满足的。
type Outcome string

const (
	OutcomeCache    Outcome = "cache"
	OutcomeBackfill Outcome = "backfill"
	OutcomeFetch    Outcome = "fetch"
)

type Request struct {
	Symbol       string
	Interval     string
	Start        int64
	End          int64
	ForceRefresh bool
}

// Result 是一次查询的结果及其来源说明。Start/End 是吸附到 K 线网格后的区间，
// Missing 是区间内缺失的 K 线数（交易所停机等造成的内部空洞）。
type Result struct {
	Key          Key            `json:"key"`
	Start        int64          `json:"start"`
	End          int64          `json:"end"`
	Candles      market.Candles `json:"-"`
	Count        int            `json:"count"`
	Missing      int            `json:"missing,omitempty"`
	Outcome      Outcome        `json:"outcome"`
	Gaps         []Range        `json:"gaps,omitempty"`
	Added        int            `json:"added"`
	Complete     bool           `json:"complete"`
	StaleRefresh bool           `json:"stale_refresh"`
}

// Manager 独占所有 Record 的生命周期：按需拉取、补缺、刷新、清理。
type Manager struct {
	fetcher Fetcher
	store   Persister
	cfg     Config
	metrics *metrics.Registry
	log     *logger.Entry
	now     func() time.Time

	mu      sync.RWMutex
	records map[Key]*Record
	locks   *keyLocks

	// bgMu 保证 Close 之后不再 bg.Add
	bgMu     sync.Mutex
	bgCtx    context.Context
	bgCancel context.CancelFunc
	bg       sync.WaitGroup
}

// NewManager 创建缓存管理器；store 为 nil 时只在内存中缓存。
func NewManager(fetcher Fetcher, store Persister, cfg Config, reg *metrics.Registry) *Manager {
	bgCtx, cancel := context.WithCancel(context.Background())
	return &Manager{
		fetcher:  fetcher,
		store:    store,
		cfg:      cfg.withDefaults(),
		metrics:  reg,
		log:      logger.With("cache"),
		now:      time.Now,
		records:  make(map[Key]*Record),
		locks:    newKeyLocks(),
		bgCtx:    bgCtx,
		bgCancel: cancel,
	}
}

// Hydrate 把持久化中的记录载入内存。
func (m *Manager) Hydrate(ctx context.Context) error {
	if m.store == nil {
		return nil
	}
	keys, err := m.store.Keys()
	if err != nil {
		return err
	}
	for _, key := range keys {
		candles, meta, err := m.store.Load(ctx, key)
		if err != nil {
			return fmt.Errorf("load %s: %w", key, err)
		}
		rec := newRecord(key)
		if _, err := rec.Merge(candles); err != nil {
			return fmt.Errorf("load %s: %w", key, err)
		}
		status := meta.Status
		// 上次进程在更新中退出
		if status == StatusUpdating {
			status = StatusActive
			if rec.Len() == 0 {
				status = StatusError
			}
		}
		rec.setStatus(status, meta.Error)
		rec.touch(meta.LastUpdate)
		m.mu.Lock()
		m.records[key] = rec
		m.mu.Unlock()
		m.metrics.SetCachedCandles(key.Symbol, key.Interval, rec.Len())
	}
	m.log.Infof("[cache] 已载入 %d 条缓存记录", len(keys))
	return nil
}

// Close 停止后台刷新并等待其退出。
func (m *Manager) Close() {
	m.bgMu.Lock()
	m.bgCancel()
	m.bgMu.Unlock()
	m.bg.Wait()
}

// GetRange returns the candles of [start, end], fetching whatever is missing.
func (m *Manager) GetRange(ctx context.Context, symbol, interval string, start, end int64, forceRefresh bool) (market.Candles, error) {
	res, err := m.Query(ctx, Request{Symbol: symbol, Interval: interval, Start: start, End: end, ForceRefresh: forceRefresh})
	if err != nil {
		return nil, err
	}
	return res.Candles, nil
}

func (m *Manager) Query(ctx context.Context, req Request) (Result, error) {
	key, err := NewKey(req.Symbol, req.Interval)
	if err != nil {
		return Result{}, err
	}
	if req.End < req.Start {
		return Result{}, fmt.Errorf("invalid range: end %d before start %d", req.End, req.Start)
	}
	iv, err := market.ParseInterval(key.Interval)
	if err != nil {
		return Result{}, err
	}
	// 上游按 startTime 返回 open_time >= start 的 K 线，只保留已收盘的
	start, end := iv.AlignRange(req.Start, req.End)
	if end < start {
		return Result{}, &NoDataError{Key: key, Start: req.Start, End: req.End}
	}
	req.Start, req.End = start, end
	unlock, err := m.locks.lock(ctx, key, m.cfg.WaitTimeout)
	if err != nil {
		m.metrics.ObserveCacheRequest("busy")
		return Result{}, err
	}
	res, err := m.query(ctx, key, iv, req)
	unlock()
	if err != nil {
		m.metrics.ObserveCacheRequest("error")
		return Result{}, err
	}
	m.metrics.ObserveCacheRequest(string(res.Outcome))
	if res.StaleRefresh {
		m.refreshAsync(key)
	}
	return res, nil
}

// query 在持有 key 锁时执行，req 已对齐到网格。
func (m *Manager) query(ctx context.Context, key Key, iv market.Interval, req Request) (Result, error) {
	rec := m.record(key)
	res := Result{Key: key, Start: req.Start, End: req.End}
	status, _ := rec.Status()
	switch {
	case req.ForceRefresh || rec.Len() == 0 || status == StatusError:
		res.Outcome = OutcomeFetch
		res.Gaps = []Range{{Start: req.Start, End: req.End}}
		added, err := m.update(ctx, rec, "fetch", res.Gaps)
		if err != nil {
			return Result{}, err
		}
		res.Added = added
	case rec.CoversRange(req.Start, req.End):
		res.Outcome = OutcomeCache
		res.StaleRefresh = m.cfg.BackgroundRefresh && rec.IsStale(m.now())
	default:
		res.Outcome = OutcomeBackfill
		res.Gaps = missingRanges(rec, req.Start, req.End)
		added, err := m.update(ctx, rec, "backfill", res.Gaps)
		if err != nil {
			return Result{}, err
		}
		res.Added = added
	}
	res.Candles = rec.RangeQuery(req.Start, req.End)
	res.Count = len(res.Candles)
	if res.Count == 0 {
		return Result{}, &NoDataError{Key: key, Start: req.Start, End: req.End}
	}
	res.Complete = rec.CoversRange(req.Start, req.End)
	if expected := int(iv.ExpectedCandles(req.Start, req.End)); res.Complete && expected > res.Count {
		res.Missing = expected - res.Count
	}
	return res, nil
}

// missingRanges 返回前缀缺口 [start, dataStart-1] 与后缀缺口 [dataEnd+1, end]。
func missingRanges(rec *Record, start, end int64) []Range {
	dataStart, dataEnd, ok := rec.DataRange()
	if !ok {
		return []Range{{Start: start, End: end}}
	}
	var gaps []Range
	if start < dataStart {
		gaps = append(gaps, Range{Start: start, End: min(dataStart-1, end)})
	}
	if end > dataEnd {
		gaps = append(gaps, Range{Start: max(dataEnd+1, start), End: end})
	}
	return gaps
}

// update 依次拉取并合并各区间，维护 UPDATING → ACTIVE/ERROR 状态。
func (m *Manager) update(ctx context.Context, rec *Record, op string, ranges []Range) (int, error) {
	key := rec.Key()
	prevStatus, prevMsg := rec.Status()
	rec.setStatus(StatusUpdating, "")
	m.persistMeta(ctx, rec)

	added := 0
	for _, r := range ranges {
		candles, err := m.fetcher.FetchRange(ctx, key.Symbol, key.Interval, r.Start, r.End)
		if err == nil {
			var n int
			n, err = m.merge(ctx, rec, candles)
			added += n
		}
		if err != nil {
			if ctx.Err() != nil && rec.Len() > 0 {
				// 取消不算失败，已有数据保持原状态
				if prevStatus == StatusUpdating {
					prevStatus, prevMsg = StatusActive, ""
				}
				rec.setStatus(prevStatus, prevMsg)
			} else {
				rec.setStatus(StatusError, err.Error())
			}
			m.persistMeta(ctx, rec)
			m.log.Warnf("[cache] %s %s 失败: %v", op, key, err)
			return added, &UpdateError{Key: key, Op: op, Err: err}
		}
	}
	if rec.Len() == 0 {
		rec.setStatus(StatusError, "provider returned no candles")
	} else {
		rec.setStatus(StatusActive, "")
		rec.touch(m.now())
	}
	m.persistMeta(ctx, rec)
	m.metrics.SetCachedCandles(key.Symbol, key.Interval, rec.Len())
	if added > 0 {
		m.log.Infof("[cache] %s %s 新增 %d 根 K 线，共 %d 根", op, key, added, rec.Len())
	}
	return added, nil
}

func (m *Manager) merge(ctx context.Context, rec *Record, candles []market.Candle) (int, error) {
	if len(candles) == 0 {
		return 0, nil
	}
	added, err := rec.Merge(candles)
	if err != nil {
		return 0, err
	}
	if m.store != nil {
		// 内存已合并，落盘不能被调用方取消打断
		if err := m.store.SaveCandles(context.WithoutCancel(ctx), rec.Key(), candles); err != nil {
			m.log.Errorf("[cache] %s 持久化失败: %v", rec.Key(), err)
		}
	}
	return added, nil
}

func (m *Manager) persistMeta(ctx context.Context, rec *Record) {
	if m.store == nil {
		return
	}
	if err := m.store.SaveMeta(context.WithoutCancel(ctx), rec.Key(), rec.meta()); err != nil {
		m.log.Errorf("[cache] %s 状态持久化失败: %v", rec.Key(), err)
	}
}

func (m *Manager) record(key Key) *Record {
	m.mu.Lock()
	defer m.mu.Unlock()
	rec, ok := m.records[key]
	if !ok {
		rec = newRecord(key)
		m.records[key] = rec
	}
	return rec
}

func (m *Manager) lookup(key Key) (*Record, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	rec, ok := m.records[key]
	return rec, ok
}

func (m *Manager) snapshotRecords() []*Record {
	m.mu.RLock()
	out := make([]*Record, 0, len(m.records))
	for _, rec := range m.records {
		out = append(out, rec)
	}
	m.mu.RUnlock()
	sort.Slice(out, func(i, j int) bool { return out[i].Key().String() < out[j].Key().String() })
	return out
}

// Refresh 向前补齐 (dataEnd, now]；没有新 K 线时只更新 lastUpdate。
func (m *Manager) Refresh(ctx context.Context, key Key) (int, error) {
	unlock, err := m.locks.lock(ctx, key, m.cfg.WaitTimeout)
	if err != nil {
		return 0, err
	}
	defer unlock()
	return m.refresh(ctx, key)
}

func (m *Manager) refresh(ctx context.Context, key Key) (int, error) {
	rec, ok := m.lookup(key)
	if !ok || rec.Len() == 0 {
		return 0, &NoDataError{Key: key, End: m.now().UnixMilli()}
	}
	iv, err := market.ParseInterval(key.Interval)
	if err != nil {
		return 0, err
	}
	_, dataEnd, _ := rec.DataRange()
	start, end := iv.AlignRange(dataEnd+1, max(dataEnd+1, m.now().UnixMilli()))
	if end < start {
		// 下一根 K 线尚未收盘
		rec.touch(m.now())
		m.persistMeta(ctx, rec)
		return 0, nil
	}
	return m.update(ctx, rec, "refresh", []Range{{Start: start, End: end}})
}

// refreshAsync 在后台刷新过期记录；key 正忙时直接跳过。
func (m *Manager) refreshAsync(key Key) {
	m.bgMu.Lock()
	if m.bgCtx.Err() != nil {
		m.bgMu.Unlock()
		return
	}
	m.bg.Add(1)
	m.bgMu.Unlock()
	go func() {
		defer m.bg.Done()
		unlock, ok := m.locks.tryLock(key)
		if !ok {
			return
		}
		defer unlock()
		if _, err := m.refresh(m.bgCtx, key); err != nil && !errors.Is(err, context.Canceled) {
			m.log.Warnf("[cache] 后台刷新 %s 失败: %v", key, err)
		}
	}()
}

// RefreshReport 汇总一次批量刷新。
type RefreshReport struct {
	Checked   int      `json:"checked"`
	Refreshed int      `json:"refreshed"`
	Added     int      `json:"added"`
	Failed    []string `json:"failed,omitempty"`
}

// RefreshStale 逐个刷新已过期的 ACTIVE 记录，key 之间间隔 delay。
func (m *Manager) RefreshStale(ctx context.Context, delay time.Duration) (RefreshReport, error) {
	var report RefreshReport
	now := m.now()
	for _, rec := range m.snapshotRecords() {
		status, _ := rec.Status()
		if status != StatusActive || rec.Len() == 0 {
			continue
		}
		report.Checked++
		if !rec.IsStale(now) {
			continue
		}
		if report.Refreshed > 0 || len(report.Failed) > 0 {
			if err := sleepCtx(ctx, delay); err != nil {
				return report, err
			}
		}
		added, err := m.Refresh(ctx, rec.Key())
		if err != nil {
			if ctx.Err() != nil {
				return report, ctx.Err()
			}
			report.Failed = append(report.Failed, rec.Key().String())
			continue
		}
		report.Refreshed++
		report.Added += added
	}
	m.log.Infof("[cache] 刷新完成 checked=%d refreshed=%d added=%d failed=%d",
		report.Checked, report.Refreshed, report.Added, len(report.Failed))
	return report, nil
}

// WarmupItem 是单个 key 的预热结果。
type WarmupItem struct {
	Key     Key     `json:"key"`
	Count   int     `json:"count"`
	Outcome Outcome `json:"outcome,omitempty"`
	Error   string  `json:"error,omitempty"`
}

// Warmup 并发预热 symbols × intervals 最近 days 天的数据，单个 key 失败不影响其他 key。
func (m *Manager) Warmup(ctx context.Context, symbols, intervals []string, days int) ([]WarmupItem, error) {
	if days <= 0 {
		return nil, fmt.Errorf("warmup days 必须 > 0")
	}
	end := m.now().UnixMilli()
	start := m.now().Add(-time.Duration(days) * 24 * time.Hour).UnixMilli()

	items := make([]WarmupItem, 0, len(symbols)*len(intervals))
	for _, sym := range symbols {
		for _, iv := range intervals {
			key, err := NewKey(sym, iv)
			if err != nil {
				return nil, err
			}
			items = append(items, WarmupItem{Key: key})
		}
	}
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(m.cfg.MaxParallel)
	for i := range items {
		item := &items[i]
		g.Go(func() error {
			res, err := m.Query(gctx, Request{Symbol: item.Key.Symbol, Interval: item.Key.Interval, Start: start, End: end})
			if err != nil {
				if ctx.Err() != nil {
					return ctx.Err()
				}
				item.Error = err.Error()
				m.log.Warnf("[cache] 预热 %s 失败: %v", item.Key, err)
				return nil
			}
			item.Count = res.Count
			item.Outcome = res.Outcome
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return items, err
	}
	return items, nil
}

// PruneReport 汇总一次清理。
type PruneReport struct {
	Cutoff         int64    `json:"cutoff"`
	RemovedCandles int      `json:"removed_candles"`
	DroppedKeys    []string `json:"dropped_keys,omitempty"`
}

// Prune 删除 close_time 早于 now-keepDays 的 K 线，清空的记录整体删除。
func (m *Manager) Prune(ctx context.Context, keepDays int) (PruneReport, error) {
	if keepDays <= 0 {
		return PruneReport{}, fmt.Errorf("keepDays 必须 > 0")
	}
	cutoff := m.now().Add(-time.Duration(keepDays) * 24 * time.Hour).UnixMilli()
	report := PruneReport{Cutoff: cutoff}
	for _, rec := range m.snapshotRecords() {
		key := rec.Key()
		unlock, err := m.locks.lock(ctx, key, m.cfg.WaitTimeout)
		if err != nil {
			if errors.Is(err, ErrKeyBusy) {
				m.log.Warnf("[cache] 清理跳过 %s: 正在更新", key)
				continue
			}
			return report, err
		}
		removed := rec.PruneBefore(cutoff)
		report.RemovedCandles += removed
		if rec.Len() == 0 {
			m.drop(key)
			report.DroppedKeys = append(report.DroppedKeys, key.String())
		} else if removed > 0 {
			if m.store != nil {
				if _, err := m.store.PruneBefore(ctx, key, cutoff); err != nil {
					m.log.Errorf("[cache] %s 清理持久化失败: %v", key, err)
				}
			}
			m.metrics.SetCachedCandles(key.Symbol, key.Interval, rec.Len())
		}
		unlock()
	}
	m.log.Infof("[cache] 清理完成 removed=%d dropped=%d", report.RemovedCandles, len(report.DroppedKeys))
	return report, nil
}

// Clear 删除匹配的记录；symbol/interval 为空表示不过滤。
func (m *Manager) Clear(ctx context.Context, sym, interval string) (int, error) {
	var filter Key
	if sym != "" || interval != "" {
		if sym != "" {
			k, err := NewKey(sym, "1h")
			if err != nil {
				return 0, err
			}
			filter.Symbol = k.Symbol
		}
		if interval != "" {
			iv, err := market.ParseInterval(interval)
			if err != nil {
				return 0, err
			}
			filter.Interval = iv.Key
		}
	}
	cleared := 0
	for _, rec := range m.snapshotRecords() {
		key := rec.Key()
		if (filter.Symbol != "" && key.Symbol != filter.Symbol) || (filter.Interval != "" && key.Interval != filter.Interval) {
			continue
		}
		unlock, err := m.locks.lock(ctx, key, m.cfg.WaitTimeout)
		if err != nil {
			return cleared, err
		}
		m.drop(key)
		unlock()
		cleared++
	}
	m.log.Infof("[cache] 已清除 %d 条记录", cleared)
	return cleared, nil
}

// drop 需持有 key 锁。
func (m *Manager) drop(key Key) {
	m.mu.Lock()
	delete(m.records, key)
	m.mu.Unlock()
	if m.store != nil {
		if err := m.store.Delete(key); err != nil {
			m.log.Errorf("[cache] 删除 %s 数据文件失败: %v", key, err)
		}
	}
	m.metrics.DropCachedCandles(key.Symbol, key.Interval)
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}
