package cache

import (
	"time"

	"tradelab/internal/market"
)

// RecordStats 是 Record 的只读投影。
type RecordStats struct {
	Symbol      string    `json:"symbol"`
	Interval    string    `json:"interval"`
	CandleCount int       `json:"candle_count"`
	Start       int64     `json:"start,omitempty"`
	End         int64     `json:"end,omitempty"`
	StartDate   string    `json:"start_date,omitempty"`
	EndDate     string    `json:"end_date,omitempty"`
	LastUpdate  time.Time `json:"last_update"`
	Status      Status    `json:"status"`
	Error       string    `json:"error,omitempty"`
	Stale       bool      `json:"stale"`
	Gaps        int       `json:"gaps"`
}

type Stats struct {
	TotalRecords    int           `json:"total_records"`
	TotalCandles    int           `json:"total_candles"`
	UniqueSymbols   int           `json:"unique_symbols"`
	UniqueIntervals int           `json:"unique_intervals"`
	Records         []RecordStats `json:"records"`
}

func (m *Manager) Stats() Stats {
	now := m.now()
	var out Stats
	symbols := make(map[string]struct{})
	intervals := make(map[string]struct{})
	for _, rec := range m.snapshotRecords() {
		rs := recordStats(rec, now)
		out.Records = append(out.Records, rs)
		out.TotalCandles += rs.CandleCount
		symbols[rs.Symbol] = struct{}{}
		intervals[rs.Interval] = struct{}{}
	}
	out.TotalRecords = len(out.Records)
	out.UniqueSymbols = len(symbols)
	out.UniqueIntervals = len(intervals)
	return out
}

// Detail 返回单个 key 的统计；记录不存在时返回 NoDataError。
func (m *Manager) Detail(sym, interval string) (RecordStats, error) {
	key, err := NewKey(sym, interval)
	if err != nil {
		return RecordStats{}, err
	}
	rec, ok := m.lookup(key)
	if !ok {
		return RecordStats{}, &NoDataError{Key: key}
	}
	return recordStats(rec, m.now()), nil
}

// Candles 读取已缓存的区间，不触发拉取。
func (m *Manager) Candles(sym, interval string, start, end int64) (market.Candles, error) {
	key, err := NewKey(sym, interval)
	if err != nil {
		return nil, err
	}
	rec, ok := m.lookup(key)
	if !ok || rec.Len() == 0 {
		return nil, &NoDataError{Key: key, Start: start, End: end}
	}
	return rec.RangeQuery(start, end), nil
}

func recordStats(rec *Record, now time.Time) RecordStats {
	key := rec.Key()
	status, msg := rec.Status()
	rs := RecordStats{
		Symbol:      key.Symbol,
		Interval:    key.Interval,
		CandleCount: rec.Len(),
		LastUpdate:  rec.LastUpdate(),
		Status:      status,
		Error:       msg,
		Stale:       rec.IsStale(now),
	}
	if start, end, ok := rec.DataRange(); ok {
		rs.Start, rs.End = start, end
		rs.StartDate = time.UnixMilli(start).UTC().Format(time.RFC3339)
		rs.EndDate = time.UnixMilli(end).UTC().Format(time.RFC3339)
	}
	if iv, err := market.ParseInterval(key.Interval); err == nil {
		rs.Gaps = len(rec.Gaps(iv))
	}
	return rs
}
