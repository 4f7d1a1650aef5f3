package market

import (
	"fmt"
	"math"
	"time"
)

// Candle 是单根 K 线，时间均为毫秒时间戳。
type Candle struct {
	OpenTime  int64   `json:"open_time" csv:"open_time"`
	CloseTime int64   `json:"close_time" csv:"close_time"`
	Open      float64 `json:"open" csv:"open"`
	High      float64 `json:"high" csv:"high"`
	Low       float64 `json:"low" csv:"low"`
	Close     float64 `json:"close" csv:"close"`
	Volume    float64 `json:"volume" csv:"volume"`
	Trades    int64   `json:"trades" csv:"trades"`
}

// Validate checks the per-candle invariants (open before close, finite prices).
func (c Candle) Validate() error {
	if c.OpenTime >= c.CloseTime {
		return fmt.Errorf("candle open_time %d must be before close_time %d", c.OpenTime, c.CloseTime)
	}
	for _, v := range [...]float64{c.Open, c.High, c.Low, c.Close, c.Volume} {
		if math.IsNaN(v) || math.IsInf(v, 0) {
			return fmt.Errorf("candle %d carries non-finite value", c.OpenTime)
		}
	}
	return nil
}

func (c Candle) TimeString() string {
	ts := c.CloseTime
	if ts == 0 {
		ts = c.OpenTime
	}
	if ts <= 0 {
		return "-"
	}
	return time.UnixMilli(ts).UTC().Format("01-02 15:04") + "Z"
}

type Candles []Candle

func (cs Candles) Closes() []float64 {
	out := make([]float64, len(cs))
	for i, c := range cs {
		out[i] = c.Close
	}
	return out
}

func (cs Candles) Volumes() []float64 {
	out := make([]float64, len(cs))
	for i, c := range cs {
		out[i] = c.Volume
	}
	return out
}

// Tail 返回最后 n 根（n<=0 或超过长度时返回全部），不复制底层数组。
func (cs Candles) Tail(n int) Candles {
	if n <= 0 || n >= len(cs) {
		return cs
	}
	return cs[len(cs)-n:]
}

func (cs Candles) Last() (Candle, bool) {
	if len(cs) == 0 {
		return Candle{}, false
	}
	return cs[len(cs)-1], true
}

// Clone returns an independent copy.
func (cs Candles) Clone() Candles {
	if cs == nil {
		return nil
	}
	out := make(Candles, len(cs))
	copy(out, cs)
	return out
}
