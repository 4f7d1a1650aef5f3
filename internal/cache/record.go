package cache

import (
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"tradelab/internal/market"
	"tradelab/internal/pkg/symbol"
)

// Key 标识一条缓存记录：symbol@interval。
type Key struct {
	Symbol   string `json:"symbol"`
	Interval string `json:"interval"`
}

// NewKey 规范化 symbol 与 interval，interval 必须在支持列表内。
func NewKey(sym, interval string) (Key, error) {
	s := symbol.Normalize(sym)
	if s == "" {
		return Key{}, fmt.Errorf("symbol 不能为空")
	}
	iv, err := market.ParseInterval(interval)
	if err != nil {
		return Key{}, err
	}
	return Key{Symbol: s, Interval: iv.Key}, nil
}

func (k Key) String() string { return k.Symbol + "@" + k.Interval }

// Status 是缓存记录的生命周期状态。
type Status string

const (
	StatusActive   Status = "ACTIVE"
	StatusUpdating Status = "UPDATING"
	StatusError    Status = "ERROR"
)

func parseStatus(s string) Status {
	switch Status(strings.ToUpper(strings.TrimSpace(s))) {
	case StatusActive:
		return StatusActive
	case StatusUpdating:
		return StatusUpdating
	default:
		return StatusError
	}
}

// Range 是闭区间 [Start, End]（毫秒）。
type Range struct {
	Start int64 `json:"start"`
	End   int64 `json:"end"`
}

// Record 保存单个 key 的有序 K 线集合及其范围、状态元数据。
// 写操作由 Manager 的 key 锁串行化，RWMutex 只保护并发读（统计、后台刷新判断）。
type Record struct {
	key Key

	mu         sync.RWMutex
	candles    market.Candles
	lastUpdate time.Time
	status     Status
	errMsg     string
}

func newRecord(key Key) *Record {
	return &Record{key: key, status: StatusActive}
}

func (r *Record) Key() Key { return r.key }

// Merge inserts or overwrites candles by open time and keeps the set sorted.
// It returns how many open times were not present before.
func (r *Record) Merge(in []market.Candle) (int, error) {
	if len(in) == 0 {
		return 0, nil
	}
	incoming := make(market.Candles, 0, len(in))
	for _, c := range in {
		if err := c.Validate(); err != nil {
			return 0, err
		}
		incoming = append(incoming, c)
	}
	sort.SliceStable(incoming, func(i, j int) bool { return incoming[i].OpenTime < incoming[j].OpenTime })

	r.mu.Lock()
	defer r.mu.Unlock()
	merged := make(market.Candles, 0, len(r.candles)+len(incoming))
	added := 0
	i, j := 0, 0
	for i < len(r.candles) || j < len(incoming) {
		switch {
		case j >= len(incoming):
			merged = append(merged, r.candles[i])
			i++
		case i >= len(r.candles):
			merged = appendOrReplace(merged, incoming[j], &added)
			j++
		case r.candles[i].OpenTime < incoming[j].OpenTime:
			merged = append(merged, r.candles[i])
			i++
		case r.candles[i].OpenTime > incoming[j].OpenTime:
			merged = appendOrReplace(merged, incoming[j], &added)
			j++
		default:
			merged = append(merged, incoming[j])
			i++
			j++
		}
	}
	if err := checkOrdered(r.key, merged); err != nil {
		return 0, err
	}
	r.candles = merged
	return added, nil
}

// incoming 内部可能有重复 open_time，后到的覆盖先到的。
func appendOrReplace(dst market.Candles, c market.Candle, added *int) market.Candles {
	if n := len(dst); n > 0 && dst[n-1].OpenTime == c.OpenTime {
		dst[n-1] = c
		return dst
	}
	*added++
	return append(dst, c)
}

func checkOrdered(key Key, candles market.Candles) error {
	for i := 1; i < len(candles); i++ {
		prev, cur := candles[i-1], candles[i]
		if cur.OpenTime <= prev.OpenTime {
			return &InconsistencyError{Key: key, Reason: fmt.Sprintf("open_time %d not after %d", cur.OpenTime, prev.OpenTime)}
		}
		if prev.CloseTime >= cur.OpenTime {
			return &InconsistencyError{Key: key, Reason: fmt.Sprintf("candle %d overlaps %d", prev.OpenTime, cur.OpenTime)}
		}
	}
	return nil
}

// RangeQuery 返回 close_time 落在 [start, end] 内的 K 线副本。
func (r *Record) RangeQuery(start, end int64) market.Candles {
	r.mu.RLock()
	defer r.mu.RUnlock()
	lo := sort.Search(len(r.candles), func(i int) bool { return r.candles[i].CloseTime >= start })
	hi := sort.Search(len(r.candles), func(i int) bool { return r.candles[i].CloseTime > end })
	if lo >= hi {
		return nil
	}
	return r.candles[lo:hi].Clone()
}

// CoversRange 只比较边界，不校验内部连续性（连续性见 Gaps）。
func (r *Record) CoversRange(start, end int64) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	if len(r.candles) == 0 {
		return false
	}
	return r.candles[0].OpenTime <= start && r.candles[len(r.candles)-1].CloseTime >= end
}

// DataRange 返回 dataStart（首根 open_time）与 dataEnd（末根 close_time）。
func (r *Record) DataRange() (int64, int64, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	if len(r.candles) == 0 {
		return 0, 0, false
	}
	return r.candles[0].OpenTime, r.candles[len(r.candles)-1].CloseTime, true
}

func (r *Record) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.candles)
}

// Candles returns a copy of the whole set.
func (r *Record) Candles() market.Candles {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.candles.Clone()
}

// Gaps reports interior holes larger than one interval step.
func (r *Record) Gaps(iv market.Interval) []Range {
	step := iv.Millis()
	if step <= 0 {
		return nil
	}
	r.mu.RLock()
	defer r.mu.RUnlock()
	var out []Range
	for i := 1; i < len(r.candles); i++ {
		prev, cur := r.candles[i-1], r.candles[i]
		if cur.OpenTime-prev.OpenTime > step {
			out = append(out, Range{Start: prev.CloseTime + 1, End: cur.OpenTime - 1})
		}
	}
	return out
}

// PruneBefore 删除 close_time 早于 cutoff 的 K 线，返回删除数量。
func (r *Record) PruneBefore(cutoff int64) int {
	r.mu.Lock()
	defer r.mu.Unlock()
	idx := sort.Search(len(r.candles), func(i int) bool { return r.candles[i].CloseTime >= cutoff })
	if idx == 0 {
		return 0
	}
	r.candles = append(market.Candles(nil), r.candles[idx:]...)
	return idx
}

func (r *Record) Status() (Status, string) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.status, r.errMsg
}

func (r *Record) LastUpdate() time.Time {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.lastUpdate
}

func (r *Record) setStatus(status Status, msg string) {
	r.mu.Lock()
	r.status = status
	r.errMsg = msg
	r.mu.Unlock()
}

func (r *Record) touch(now time.Time) {
	r.mu.Lock()
	r.lastUpdate = now
	r.mu.Unlock()
}

// IsStale 判断距离上次更新是否超过该周期的阈值。
func (r *Record) IsStale(now time.Time) bool {
	r.mu.RLock()
	last := r.lastUpdate
	r.mu.RUnlock()
	if last.IsZero() {
		return true
	}
	return now.Sub(last) > market.StaleThreshold(r.key.Interval)
}

func (r *Record) meta() Meta {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return Meta{Status: r.status, Error: r.errMsg, LastUpdate: r.lastUpdate}
}
