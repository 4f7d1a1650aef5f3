package main

import (
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"tradelab/internal/app"
	"tradelab/internal/backtest"
	"tradelab/internal/pkg/timeutil"
)

var backtestCmd = &cobra.Command{
	Use:   "backtest",
	Short: "运行与查看回测",
}

var btRunCmd = &cobra.Command{
	Use:   "run",
	Short: "同步运行一次回测并打印摘要",
	Example: `  tradelab backtest run --strategy btc-swing --start 2024-01-01 --end 2024-06-30
  tradelab backtest run -s eth-basic --symbol ETHUSDT --interval 4h --start 2024-01-01 --export`,
	RunE: runBacktest,
}

var btListCmd = &cobra.Command{
	Use:   "list",
	Short: "列出已保存的回测",
	RunE: func(cmd *cobra.Command, _ []string) error {
		s, err := openSession(cmd.Context(), app.WithoutServices())
		if err != nil {
			return err
		}
		defer s.Close()
		runs, err := s.app.Backtests().List(cmd.Context(), btLimit)
		if err != nil {
			return err
		}
		renderRuns(runs)
		return nil
	},
}

var btShowCmd = &cobra.Command{
	Use:   "show <run-id>",
	Short: "显示回测摘要，可选导出 CSV 与图表",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		s, err := openSession(cmd.Context(), app.WithoutServices())
		if err != nil {
			return err
		}
		defer s.Close()
		res, err := s.app.Backtests().Get(cmd.Context(), args[0])
		if err != nil {
			return err
		}
		renderSummary(res)
		if btExport {
			return exportRun(s, res)
		}
		return nil
	},
}

var (
	btStrategy  string
	btSymbol    string
	btInterval  string
	btStart     string
	btEnd       string
	btBalance   float64
	btAdvisor   bool
	btExport    bool
	btExportDir string
	btLimit     int
)

func init() {
	rootCmd.AddCommand(backtestCmd)
	backtestCmd.AddCommand(btRunCmd, btListCmd, btShowCmd)

	f := btRunCmd.Flags()
	f.StringVarP(&btStrategy, "strategy", "s", "", "策略名（strategies 文件中的 name）")
	f.StringVar(&btSymbol, "symbol", "", "覆盖策略的交易对")
	f.StringVar(&btInterval, "interval", "", "覆盖策略的周期")
	f.StringVar(&btStart, "start", "", "开始时间（毫秒 / RFC3339 / 2006-01-02）")
	f.StringVar(&btEnd, "end", "", "结束时间，默认当前")
	f.Float64Var(&btBalance, "balance", 0, "初始资金，默认取配置")
	f.BoolVar(&btAdvisor, "advisor", false, "覆盖策略的 use_advisor")
	_ = btRunCmd.MarkFlagRequired("strategy")
	_ = btRunCmd.MarkFlagRequired("start")

	for _, c := range []*cobra.Command{btRunCmd, btShowCmd} {
		c.Flags().BoolVar(&btExport, "export", false, "导出交易、权益 CSV 与 HTML 图表")
		c.Flags().StringVar(&btExportDir, "export-dir", "", "导出目录，默认 backtest.export_dir")
	}
	btListCmd.Flags().IntVar(&btLimit, "limit", 20, "最多显示条数")
}

func runBacktest(cmd *cobra.Command, _ []string) error {
	start, err := timeutil.ParseMillis(btStart)
	if err != nil {
		return err
	}
	end := time.Now().UnixMilli()
	if btEnd != "" {
		if end, err = timeutil.ParseMillis(btEnd); err != nil {
			return err
		}
	}
	req := backtest.Request{
		Strategy:       btStrategy,
		Symbol:         btSymbol,
		Interval:       btInterval,
		Start:          start,
		End:            end,
		InitialBalance: btBalance,
	}
	if cmd.Flags().Changed("advisor") {
		req.UseAdvisor = &btAdvisor
	}

	s, err := openSession(cmd.Context(), app.WithoutServices())
	if err != nil {
		return err
	}
	defer s.Close()
	res, err := s.app.Backtests().RunSync(cmd.Context(), req)
	if res != nil {
		renderSummary(res)
	}
	if err != nil {
		return err
	}
	if btExport {
		return exportRun(s, res)
	}
	return nil
}

func exportRun(s *session, res *backtest.Result) error {
	dir := btExportDir
	if dir == "" {
		dir = s.cfg.Backtest.ExportDir
	}
	files, err := backtest.Export(dir, res)
	if err != nil {
		return err
	}
	for _, f := range files {
		fmt.Println("exported", f)
	}
	return nil
}
