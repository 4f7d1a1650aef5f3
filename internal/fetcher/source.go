package fetcher

import (
	"context"
	"strconv"
	"strings"

	"tradelab/internal/market"
)

// FetchRequest 描述一次单页拉取，Start/End 为毫秒时间戳（0 表示不限）。
type FetchRequest struct {
	Symbol   string
	Interval string
	Start    int64
	End      int64
	Limit    int
}

// CandleSource 抽象上游行情提供方，单次调用最多返回一页。
type CandleSource interface {
	Fetch(ctx context.Context, req FetchRequest) ([]market.Candle, error)
	Name() string
}

func parseFloat(v string) float64 {
	f, err := strconv.ParseFloat(strings.TrimSpace(v), 64)
	if err != nil {
		return 0
	}
	return f
}
