package scheduler

import (
	"context"
	"fmt"
	"strings"
	"time"

	"tradelab/internal/cache"
)

const (
	TaskRefresh = "refresh"
	TaskWarmup  = "warmup"
	TaskPrune   = "prune"
)

// Maintainer 是任务依赖的缓存维护接口。
type Maintainer interface {
	RefreshStale(ctx context.Context, delay time.Duration) (cache.RefreshReport, error)
	Warmup(ctx context.Context, symbols, intervals []string, days int) ([]cache.WarmupItem, error)
	Prune(ctx context.Context, keepDays int) (cache.PruneReport, error)
}

func RefreshTask(m Maintainer, every, delay time.Duration) Task {
	return Task{
		Name:  TaskRefresh,
		Every: every,
		Run: func(ctx context.Context) error {
			rep, err := m.RefreshStale(ctx, delay)
			if err != nil {
				return err
			}
			if len(rep.Failed) > 0 {
				return fmt.Errorf("refresh failed for %s", strings.Join(rep.Failed, ","))
			}
			return nil
		},
	}
}

func WarmupTask(m Maintainer, every time.Duration, symbols, intervals []string, days int) Task {
	return Task{
		Name:   TaskWarmup,
		Every:  every,
		Offset: 5 * time.Minute,
		Run: func(ctx context.Context) error {
			items, err := m.Warmup(ctx, symbols, intervals, days)
			if err != nil {
				return err
			}
			var failed []string
			for _, it := range items {
				if it.Error != "" {
					failed = append(failed, it.Key.String())
				}
			}
			if len(failed) > 0 {
				return fmt.Errorf("warmup failed for %s", strings.Join(failed, ","))
			}
			return nil
		},
	}
}

func PruneTask(m Maintainer, every time.Duration, keepDays int) Task {
	return Task{
		Name:   TaskPrune,
		Every:  every,
		Offset: 30 * time.Minute,
		Run: func(ctx context.Context) error {
			_, err := m.Prune(ctx, keepDays)
			return err
		},
	}
}
