package backtest

import (
	"fmt"
	"io"
	"time"

	"github.com/go-echarts/go-echarts/v2/charts"
	"github.com/go-echarts/go-echarts/v2/components"
	"github.com/go-echarts/go-echarts/v2/opts"
	"github.com/go-echarts/go-echarts/v2/types"
)

const (
	colorBackground    = "#060c1b"
	colorTextPrimary   = "#eceff4"
	colorTextSecondary = "#9ca3af"
	colorEquity        = "#34d399"
	colorPrice         = "#3b82f6"
	colorDrawdown      = "#f87171"
	colorEntry         = "#fbbf24"
	colorExit          = "#a78bfa"

	chartWidthPx   = 1600
	equityHeightPx = 480
	drawdownHeight = 240
)

// RenderChart 输出资金曲线、价格与回撤的 HTML 页面。
func RenderChart(w io.Writer, res *Result) error {
	if res == nil || len(res.Equity) == 0 {
		return fmt.Errorf("chart: run has no equity curve")
	}
	xAxis := make([]string, len(res.Equity))
	equity := make([]opts.LineData, len(res.Equity))
	price := make([]opts.LineData, len(res.Equity))
	drawdown := make([]opts.LineData, len(res.Equity))
	index := make(map[int64]int, len(res.Equity))
	for i, p := range res.Equity {
		xAxis[i] = time.UnixMilli(p.Time).UTC().Format("2006-01-02 15:04")
		equity[i] = opts.LineData{Value: round2(p.Equity)}
		price[i] = opts.LineData{Value: p.Price}
		drawdown[i] = opts.LineData{Value: -round2(p.Drawdown)}
		index[p.Time] = i
	}
	entries := tradeSeries(res.Trades, index, len(xAxis), KindEntry)
	exits := tradeSeries(res.Trades, index, len(xAxis), KindExit)

	title := fmt.Sprintf("%s %s@%s", res.StrategyName, res.Symbol, res.Interval)
	subtitle := fmt.Sprintf("net %.2f (%.2f%%) | win %.1f%% | maxDD %.2f%% | sharpe %.2f",
		res.Summary.NetProfit, res.Summary.ProfitPct, res.Summary.WinRate, res.Summary.MaxDrawdown, res.Summary.Sharpe)

	main := charts.NewLine()
	main.SetGlobalOptions(
		charts.WithInitializationOpts(initOpts(equityHeightPx)),
		charts.WithTitleOpts(opts.Title{
			Title:         title,
			Subtitle:      subtitle,
			TitleStyle:    &opts.TextStyle{Color: colorTextPrimary, FontSize: 18},
			SubtitleStyle: &opts.TextStyle{Color: colorTextSecondary},
		}),
		charts.WithLegendOpts(opts.Legend{Show: opts.Bool(true), Top: "30", TextStyle: &opts.TextStyle{Color: colorTextPrimary}}),
		charts.WithTooltipOpts(opts.Tooltip{Show: opts.Bool(true), Trigger: "axis"}),
		charts.WithDataZoomOpts(opts.DataZoom{Type: "slider", XAxisIndex: []int{0}}),
		charts.WithXAxisOpts(opts.XAxis{AxisLabel: &opts.AxisLabel{Color: colorTextSecondary}}),
		charts.WithYAxisOpts(opts.YAxis{Scale: opts.Bool(true), AxisLabel: &opts.AxisLabel{Color: colorTextSecondary}}),
	)
	main.ExtendYAxis(opts.YAxis{Scale: opts.Bool(true), AxisLabel: &opts.AxisLabel{Color: colorTextSecondary}})
	main.SetXAxis(xAxis).
		AddSeries("Equity", equity,
			charts.WithLineStyleOpts(opts.LineStyle{Color: colorEquity, Width: 2}),
			charts.WithLineChartOpts(opts.LineChart{ShowSymbol: opts.Bool(false)}),
		).
		AddSeries("Price", price,
			charts.WithLineStyleOpts(opts.LineStyle{Color: colorPrice, Width: 1}),
			charts.WithLineChartOpts(opts.LineChart{ShowSymbol: opts.Bool(false), YAxisIndex: 1}),
		).
		AddSeries("Entry", entries,
			charts.WithLineStyleOpts(opts.LineStyle{Width: 0}),
			charts.WithItemStyleOpts(opts.ItemStyle{Color: colorEntry}),
			charts.WithLineChartOpts(opts.LineChart{ShowSymbol: opts.Bool(true), SymbolSize: 10}),
		).
		AddSeries("Exit", exits,
			charts.WithLineStyleOpts(opts.LineStyle{Width: 0}),
			charts.WithItemStyleOpts(opts.ItemStyle{Color: colorExit}),
			charts.WithLineChartOpts(opts.LineChart{ShowSymbol: opts.Bool(true), SymbolSize: 10}),
		)

	dd := charts.NewLine()
	dd.SetGlobalOptions(
		charts.WithInitializationOpts(initOpts(drawdownHeight)),
		charts.WithTitleOpts(opts.Title{Title: "Drawdown %", TitleStyle: &opts.TextStyle{Color: colorTextPrimary}}),
		charts.WithTooltipOpts(opts.Tooltip{Show: opts.Bool(true), Trigger: "axis"}),
		charts.WithXAxisOpts(opts.XAxis{AxisLabel: &opts.AxisLabel{Show: opts.Bool(false)}}),
		charts.WithYAxisOpts(opts.YAxis{AxisLabel: &opts.AxisLabel{Color: colorTextSecondary}}),
	)
	dd.SetXAxis(xAxis).AddSeries("Drawdown", drawdown,
		charts.WithLineStyleOpts(opts.LineStyle{Color: colorDrawdown}),
		charts.WithLineChartOpts(opts.LineChart{ShowSymbol: opts.Bool(false)}),
	)

	page := components.NewPage()
	page.PageTitle = title
	page.SetLayout(components.PageFlexLayout)
	page.AddCharts(main, dd)
	return page.Render(w)
}

func initOpts(height int) opts.Initialization {
	return opts.Initialization{
		Theme:           types.ThemeWesteros,
		Width:           fmt.Sprintf("%dpx", chartWidthPx),
		Height:          fmt.Sprintf("%dpx", height),
		BackgroundColor: colorBackground,
	}
}

// tradeSeries 只在成交所在步给出值，其余用 "-" 占位。
func tradeSeries(trades []Trade, index map[int64]int, n int, kind string) []opts.LineData {
	out := make([]opts.LineData, n)
	for i := range out {
		out[i] = opts.LineData{Value: "-"}
	}
	for _, t := range trades {
		i, ok := index[t.Time]
		if !ok || t.Kind != kind {
			continue
		}
		name := string(t.Side)
		if t.Reason != "" {
			name += " " + t.Reason
		}
		out[i] = opts.LineData{Name: name, Value: round2(t.BalanceAfter)}
	}
	return out
}

func round2(v float64) float64 {
	return float64(int64(v*100+0.5*sign(v))) / 100
}

func sign(v float64) float64 {
	if v < 0 {
		return -1
	}
	return 1
}
