package main

import (
	"fmt"
	"os"
	"strconv"
	"time"

	"github.com/olekukonko/tablewriter"

	"tradelab/internal/backtest"
	"tradelab/internal/cache"
)

func newTable(header ...string) *tablewriter.Table {
	table := tablewriter.NewWriter(os.Stdout)
	table.SetHeader(header)
	table.SetAutoFormatHeaders(false)
	table.SetAlignment(tablewriter.ALIGN_RIGHT)
	return table
}

func renderCacheStats(stats cache.Stats) {
	fmt.Printf("records=%d candles=%d symbols=%d intervals=%d\n",
		stats.TotalRecords, stats.TotalCandles, stats.UniqueSymbols, stats.UniqueIntervals)
	table := newTable("symbol", "interval", "candles", "start", "end", "status", "stale", "gaps", "last update")
	for _, rs := range stats.Records {
		status := string(rs.Status)
		if rs.Error != "" {
			status += ": " + rs.Error
		}
		table.Append([]string{
			rs.Symbol, rs.Interval, strconv.Itoa(rs.CandleCount), rs.StartDate, rs.EndDate,
			status, strconv.FormatBool(rs.Stale), strconv.Itoa(rs.Gaps), formatTime(rs.LastUpdate),
		})
	}
	table.Render()
}

func renderSummary(res *backtest.Result) {
	sum := res.Summary
	table := newTable("metric", "value")
	rows := [][]string{
		{"run", res.ID},
		{"strategy", fmt.Sprintf("%s %s@%s", res.StrategyName, res.Symbol, res.Interval)},
		{"range", fmt.Sprintf("%s → %s", formatMs(res.Start), formatMs(res.End))},
		{"status", string(res.Status)},
		{"initial / final", fmt.Sprintf("%.2f / %.2f", res.InitialBalance, res.FinalBalance)},
		{"net profit", fmt.Sprintf("%.2f (%.2f%%)", sum.NetProfit, sum.ProfitPct)},
		{"round trips", strconv.Itoa(sum.RoundTrips)},
		{"win / loss", fmt.Sprintf("%d / %d (%.1f%%)", sum.WinningTrades, sum.LosingTrades, sum.WinRate)},
		{"max drawdown", fmt.Sprintf("%.2f%%", sum.MaxDrawdown)},
		{"sharpe", fmt.Sprintf("%.3f", sum.Sharpe)},
	}
	if adv := res.Advisor; adv.Attempted > 0 || adv.LowConfidence > 0 {
		rows = append(rows,
			[]string{"signals buy/sell/hold", fmt.Sprintf("%d / %d / %d", adv.BuySignals, adv.SellSignals, adv.HoldSignals)},
			[]string{"low confidence", strconv.Itoa(adv.LowConfidence)},
			[]string{"advisor ok / calls", fmt.Sprintf("%d / %d", adv.Succeeded, adv.Attempted)},
			[]string{"agree / disagree", fmt.Sprintf("%d / %d", adv.Agreements, adv.Disagreements)},
		)
	}
	if res.Error != "" {
		rows = append(rows, []string{"error", res.Error})
	}
	table.AppendBulk(rows)
	table.Render()
}

func renderRuns(runs []backtest.Result) {
	table := newTable("id", "strategy", "symbol", "interval", "status", "net profit", "trades", "created")
	for _, r := range runs {
		table.Append([]string{
			r.ID, r.StrategyName, r.Symbol, r.Interval, string(r.Status),
			fmt.Sprintf("%.2f", r.Summary.NetProfit), strconv.Itoa(r.Summary.TotalTrades), formatTime(r.CreatedAt),
		})
	}
	table.Render()
}

func formatMs(ms int64) string {
	return time.UnixMilli(ms).UTC().Format("2006-01-02 15:04")
}

func formatTime(t time.Time) string {
	if t.IsZero() {
		return "-"
	}
	return t.UTC().Format(time.RFC3339)
}
