package market

import (
	"fmt"
	"sort"
	"strings"
	"time"
)

// Interval 描述交易所支持的 K 线周期；StaleAfter 是缓存视为过期的阈值。
// Offset 是网格相对 Unix 纪元的偏移，周线从周一 00:00 UTC 开始。
type Interval struct {
	Key        string
	Duration   time.Duration
	Offset     time.Duration
	StaleAfter time.Duration
}

const defaultStaleAfter = time.Hour

var supportedIntervals = map[string]Interval{
	"1m":  {Key: "1m", Duration: time.Minute},
	"3m":  {Key: "3m", Duration: 3 * time.Minute},
	"5m":  {Key: "5m", Duration: 5 * time.Minute},
	"15m": {Key: "15m", Duration: 15 * time.Minute},
	"30m": {Key: "30m", Duration: 30 * time.Minute},
	"1h":  {Key: "1h", Duration: time.Hour},
	"2h":  {Key: "2h", Duration: 2 * time.Hour},
	"4h":  {Key: "4h", Duration: 4 * time.Hour},
	"6h":  {Key: "6h", Duration: 6 * time.Hour},
	"8h":  {Key: "8h", Duration: 8 * time.Hour},
	"12h": {Key: "12h", Duration: 12 * time.Hour},
	"1d":  {Key: "1d", Duration: 24 * time.Hour},
	"3d":  {Key: "3d", Duration: 72 * time.Hour},
	"1w":  {Key: "1w", Duration: 7 * 24 * time.Hour, Offset: 4 * 24 * time.Hour},
}

// ParseInterval 返回标准化周期定义。
func ParseInterval(input string) (Interval, error) {
	key := strings.ToLower(strings.TrimSpace(input))
	iv, ok := supportedIntervals[key]
	if !ok {
		return Interval{}, fmt.Errorf("不支持的周期: %s", input)
	}
	iv.StaleAfter = iv.Duration
	return iv, nil
}

// StaleThreshold 返回周期对应的过期阈值，未知周期回退为 1h。
func StaleThreshold(interval string) time.Duration {
	iv, err := ParseInterval(interval)
	if err != nil {
		return defaultStaleAfter
	}
	return iv.StaleAfter
}

// SupportedIntervals 返回所有支持的 key，按时长升序。
func SupportedIntervals() []string {
	list := make([]Interval, 0, len(supportedIntervals))
	for _, iv := range supportedIntervals {
		list = append(list, iv)
	}
	sort.Slice(list, func(i, j int) bool { return list[i].Duration < list[j].Duration })
	keys := make([]string, len(list))
	for i, iv := range list {
		keys[i] = iv.Key
	}
	return keys
}

func (iv Interval) Millis() int64 {
	return iv.Duration.Milliseconds()
}

func alignDown(ts, step, offset int64) int64 {
	if step <= 0 {
		return ts
	}
	rem := (ts - offset) % step
	if rem < 0 {
		rem += step
	}
	return ts - rem
}

// AlignRange 把任意毫秒区间吸附到 K 线网格：start 取包含它的那根 K 线的
// open_time，end 取 close_time <= end 的最后一根 K 线的 close_time。
// 区间内没有完整收盘的 K 线时返回的 end < start。
func (iv Interval) AlignRange(start, end int64) (int64, int64) {
	step := iv.Millis()
	if end < start {
		start, end = end, start
	}
	if step <= 0 {
		return start, end
	}
	offset := iv.Offset.Milliseconds()
	return alignDown(start, step, offset), alignDown(end+1, step, offset) - 1
}

// ExpectedCandles 计算对齐后的 start~end 区间内应存在的完整 K 线数量。
func (iv Interval) ExpectedCandles(start, end int64) int64 {
	step := iv.Millis()
	if end < start || step <= 0 {
		return 0
	}
	alStart, alEnd := iv.AlignRange(start, end)
	if alEnd < alStart {
		return 0
	}
	return (alEnd - alStart + 1) / step
}
