package main

import (
	"fmt"
	"strconv"
	"time"

	"github.com/spf13/cobra"

	"tradelab/internal/app"
	"tradelab/internal/cache"
	"tradelab/internal/pkg/timeutil"
)

var cacheCmd = &cobra.Command{
	Use:   "cache",
	Short: "查看与维护 K 线缓存",
}

var cacheStatsCmd = &cobra.Command{
	Use:   "stats",
	Short: "打印缓存统计",
	RunE: func(cmd *cobra.Command, _ []string) error {
		s, err := openSession(cmd.Context(), app.WithoutServices())
		if err != nil {
			return err
		}
		defer s.Close()
		renderCacheStats(s.app.Cache().Stats())
		return nil
	},
}

var cacheGetCmd = &cobra.Command{
	Use:     "get <symbol> <interval>",
	Short:   "按区间读取 K 线（缺失部分自动拉取）",
	Example: "  tradelab cache get BTCUSDT 1h --start 2024-01-01 --end 2024-02-01",
	Args:    cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		start, err := timeutil.ParseMillis(cacheStart)
		if err != nil {
			return err
		}
		end := time.Now().UnixMilli()
		if cacheEnd != "" {
			if end, err = timeutil.ParseMillis(cacheEnd); err != nil {
				return err
			}
		}
		s, err := openSession(cmd.Context(), app.WithoutServices())
		if err != nil {
			return err
		}
		defer s.Close()
		res, err := s.app.Cache().Query(cmd.Context(), cache.Request{
			Symbol: args[0], Interval: args[1], Start: start, End: end, ForceRefresh: cacheForce,
		})
		if err != nil {
			return err
		}
		fmt.Printf("%s: %d candles, outcome=%s complete=%v added=%d\n",
			res.Key, res.Count, res.Outcome, res.Complete, res.Added)
		if last, ok := res.Candles.Last(); ok {
			first := res.Candles[0]
			fmt.Printf("first %s close=%.4f, last %s close=%.4f\n",
				first.TimeString(), first.Close, last.TimeString(), last.Close)
		}
		return nil
	},
}

var cacheWarmupCmd = &cobra.Command{
	Use:   "warmup [symbol...]",
	Short: "预热交易对 × 周期的历史数据，默认取 scheduler 配置",
	RunE: func(cmd *cobra.Command, args []string) error {
		s, err := openSession(cmd.Context(), app.WithoutServices())
		if err != nil {
			return err
		}
		defer s.Close()
		symbols := args
		if len(symbols) == 0 {
			symbols = s.cfg.Scheduler.WarmupSymbols
		}
		intervals := warmIntervals
		if len(intervals) == 0 {
			intervals = s.cfg.Scheduler.WarmupIntervals
		}
		days := warmDays
		if days <= 0 {
			days = s.cfg.Scheduler.WarmupDays
		}
		items, err := s.app.Cache().Warmup(cmd.Context(), symbols, intervals, days)
		if err != nil {
			return err
		}
		table := newTable("key", "candles", "outcome", "error")
		for _, it := range items {
			table.Append([]string{it.Key.String(), strconv.Itoa(it.Count), string(it.Outcome), it.Error})
		}
		table.Render()
		return nil
	},
}

var cachePruneCmd = &cobra.Command{
	Use:   "prune",
	Short: "删除早于保留期的 K 线",
	RunE: func(cmd *cobra.Command, _ []string) error {
		s, err := openSession(cmd.Context(), app.WithoutServices())
		if err != nil {
			return err
		}
		defer s.Close()
		days := pruneDays
		if days <= 0 {
			days = s.cfg.Cache.RetentionDays
		}
		rep, err := s.app.Cache().Prune(cmd.Context(), days)
		if err != nil {
			return err
		}
		fmt.Printf("removed %d candles, dropped %d keys\n", rep.RemovedCandles, len(rep.DroppedKeys))
		return nil
	},
}

var cacheClearCmd = &cobra.Command{
	Use:   "clear",
	Short: "清除缓存（可按 symbol / interval 过滤）",
	RunE: func(cmd *cobra.Command, _ []string) error {
		s, err := openSession(cmd.Context(), app.WithoutServices())
		if err != nil {
			return err
		}
		defer s.Close()
		n, err := s.app.Cache().Clear(cmd.Context(), clearSymbol, clearInterval)
		if err != nil {
			return err
		}
		fmt.Printf("cleared %d records\n", n)
		return nil
	},
}

var (
	cacheStart    string
	cacheEnd      string
	cacheForce    bool
	warmIntervals []string
	warmDays      int
	pruneDays     int
	clearSymbol   string
	clearInterval string
)

func init() {
	rootCmd.AddCommand(cacheCmd)
	cacheCmd.AddCommand(cacheStatsCmd, cacheGetCmd, cacheWarmupCmd, cachePruneCmd, cacheClearCmd)

	cacheGetCmd.Flags().StringVar(&cacheStart, "start", "", "开始时间（毫秒 / RFC3339 / 2006-01-02）")
	cacheGetCmd.Flags().StringVar(&cacheEnd, "end", "", "结束时间，默认当前")
	cacheGetCmd.Flags().BoolVar(&cacheForce, "force", false, "忽略缓存强制重新拉取")
	_ = cacheGetCmd.MarkFlagRequired("start")

	cacheWarmupCmd.Flags().StringSliceVar(&warmIntervals, "intervals", nil, "周期列表，如 1h,4h")
	cacheWarmupCmd.Flags().IntVar(&warmDays, "days", 0, "预热天数")
	cachePruneCmd.Flags().IntVar(&pruneDays, "keep-days", 0, "保留天数")
	cacheClearCmd.Flags().StringVar(&clearSymbol, "symbol", "", "只清除该交易对")
	cacheClearCmd.Flags().StringVar(&clearInterval, "interval", "", "只清除该周期")
}
