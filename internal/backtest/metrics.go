package backtest

import (
	"math"

	"github.com/montanaflynn/stats"
)

func summarize(initial, final float64, trades []Trade, equity []EquityPoint, maxDD, annualization float64) Summary {
	s := Summary{
		TotalTrades: len(trades),
		MaxDrawdown: maxDD,
		Steps:       len(equity),
	}
	for _, t := range trades {
		if t.Kind != KindExit {
			continue
		}
		s.RoundTrips++
		switch {
		case t.Profit > 0:
			s.WinningTrades++
			s.TotalProfit += t.Profit
		case t.Profit < 0:
			s.LosingTrades++
			s.TotalLoss += -t.Profit
		}
	}
	if s.RoundTrips > 0 {
		s.WinRate = float64(s.WinningTrades) / float64(s.RoundTrips) * 100
	}
	s.NetProfit = final - initial
	if initial > 0 {
		s.ProfitPct = s.NetProfit / initial * 100
	}
	s.Sharpe = sharpe(stepReturns(equity), annualization)
	return s
}

func stepReturns(equity []EquityPoint) []float64 {
	if len(equity) < 2 {
		return nil
	}
	out := make([]float64, 0, len(equity)-1)
	for i := 1; i < len(equity); i++ {
		prev := equity[i-1].Equity
		if prev == 0 {
			continue
		}
		out = append(out, (equity[i].Equity-prev)/prev)
	}
	return out
}

// sharpe = mean/总体标准差 * sqrt(annualization)，标准差为 0 时为 0。
func sharpe(returns []float64, annualization float64) float64 {
	if len(returns) < 2 {
		return 0
	}
	data := stats.Float64Data(returns)
	mean, err := data.Mean()
	if err != nil {
		return 0
	}
	sd, err := data.StandardDeviationPopulation()
	if err != nil || sd == 0 || math.IsNaN(sd) {
		return 0
	}
	return mean / sd * math.Sqrt(annualization)
}
