// Package scheduler 周期性驱动缓存维护任务（刷新、预热、清理）。
package scheduler

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"tradelab/internal/logger"
	"tradelab/internal/metrics"
)

var (
	ErrUnknownTask    = errors.New("unknown scheduler task")
	ErrTaskBusy       = errors.New("scheduler task already running")
	ErrAlreadyStarted = errors.New("scheduler already started")
)

// Task 是一个周期任务。Every 同时作为对齐粒度：1h 的任务在整点 + Offset 执行。
type Task struct {
	Name   string
	Every  time.Duration
	Offset time.Duration
	Run    func(ctx context.Context) error
}

// TaskStatus 是单个任务的运行情况。
type TaskStatus struct {
	Name         string    `json:"name"`
	Every        string    `json:"every"`
	Running      bool      `json:"running"`
	Runs         int       `json:"runs"`
	Failures     int       `json:"failures"`
	LastRun      time.Time `json:"last_run,omitempty"`
	LastDuration string    `json:"last_duration,omitempty"`
	LastError    string    `json:"last_error,omitempty"`
	NextRun      time.Time `json:"next_run,omitempty"`
}

type Status struct {
	Running bool         `json:"running"`
	Tasks   []TaskStatus `json:"tasks"`
}

type Config struct {
	RunImmediately bool
}

type taskState struct {
	task   Task
	active atomic.Bool

	mu      sync.Mutex
	runs    int
	fails   int
	lastRun time.Time
	lastDur time.Duration
	lastErr string
	nextRun time.Time
}

// RefreshScheduler 持有可取消的周期任务，由宿主进程 Start/Stop。
type RefreshScheduler struct {
	cfg     Config
	tasks   map[string]*taskState
	metrics *metrics.Registry
	log     *logger.Entry
	nowFn   func() time.Time

	mu      sync.Mutex
	running bool
	cancel  context.CancelFunc
	wg      sync.WaitGroup
}

func New(cfg Config, reg *metrics.Registry, tasks ...Task) (*RefreshScheduler, error) {
	s := &RefreshScheduler{
		cfg:     cfg,
		tasks:   make(map[string]*taskState, len(tasks)),
		metrics: reg,
		log:     logger.With("scheduler"),
		nowFn:   time.Now,
	}
	for _, t := range tasks {
		if t.Name == "" || t.Run == nil {
			return nil, fmt.Errorf("scheduler: task name/run 不能为空")
		}
		if t.Every <= 0 {
			return nil, fmt.Errorf("scheduler: task %s invalid interval %s", t.Name, t.Every)
		}
		if t.Offset < 0 {
			t.Offset = 0
		}
		if _, dup := s.tasks[t.Name]; dup {
			return nil, fmt.Errorf("scheduler: duplicate task %s", t.Name)
		}
		s.tasks[t.Name] = &taskState{task: t}
	}
	return s, nil
}

// Start 为每个任务启动一个对齐循环；ctx 取消或 Stop 时退出。
func (s *RefreshScheduler) Start(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.running {
		return ErrAlreadyStarted
	}
	ctx, cancel := context.WithCancel(ctx)
	s.cancel = cancel
	s.running = true
	for _, st := range s.tasks {
		s.wg.Add(1)
		go func(st *taskState) {
			defer s.wg.Done()
			s.loop(ctx, st)
		}(st)
	}
	s.log.Infof("started %d tasks run_immediately=%v", len(s.tasks), s.cfg.RunImmediately)
	return nil
}

// Stop 取消所有循环并等待正在执行的任务返回。
func (s *RefreshScheduler) Stop() {
	s.mu.Lock()
	if !s.running {
		s.mu.Unlock()
		return
	}
	s.running = false
	cancel := s.cancel
	s.mu.Unlock()
	cancel()
	s.wg.Wait()
	s.log.Infof("stopped")
}

func (s *RefreshScheduler) loop(ctx context.Context, st *taskState) {
	if s.cfg.RunImmediately {
		_ = s.execute(ctx, st)
	}
	for {
		now := s.nowFn().UTC()
		next := nextRun(now, st.task.Every, st.task.Offset)
		st.mu.Lock()
		st.nextRun = next
		st.mu.Unlock()
		s.log.Debugf("%s: 下次执行=%s (in %s)", st.task.Name, next.Format(time.RFC3339), next.Sub(now).Truncate(time.Second))

		timer := time.NewTimer(next.Sub(now))
		select {
		case <-ctx.Done():
			timer.Stop()
			return
		case <-timer.C:
		}
		if err := s.execute(ctx, st); errors.Is(err, ErrTaskBusy) {
			s.log.Warnf("%s: 上一次执行未结束，跳过本轮", st.task.Name)
		}
	}
}

// Trigger 立即执行一次指定任务，与周期执行互斥。
func (s *RefreshScheduler) Trigger(ctx context.Context, name string) error {
	st, ok := s.tasks[name]
	if !ok {
		return fmt.Errorf("%w: %s", ErrUnknownTask, name)
	}
	return s.execute(ctx, st)
}

func (s *RefreshScheduler) execute(ctx context.Context, st *taskState) error {
	if !st.active.CompareAndSwap(false, true) {
		return ErrTaskBusy
	}
	defer st.active.Store(false)

	started := s.nowFn()
	err := st.task.Run(ctx)
	took := s.nowFn().Sub(started)

	st.mu.Lock()
	st.runs++
	st.lastRun = started
	st.lastDur = took
	st.lastErr = ""
	if err != nil {
		st.fails++
		st.lastErr = err.Error()
	}
	st.mu.Unlock()

	s.metrics.ObserveSchedulerRun(st.task.Name, err)
	if err != nil {
		s.log.Warnf("%s 失败 (%s): %v", st.task.Name, took.Truncate(time.Millisecond), err)
	} else {
		s.log.Infof("%s 完成 (%s)", st.task.Name, took.Truncate(time.Millisecond))
	}
	return err
}

func (s *RefreshScheduler) Status() Status {
	s.mu.Lock()
	out := Status{Running: s.running}
	s.mu.Unlock()
	for _, st := range s.tasks {
		st.mu.Lock()
		ts := TaskStatus{
			Name:      st.task.Name,
			Every:     st.task.Every.String(),
			Running:   st.active.Load(),
			Runs:      st.runs,
			Failures:  st.fails,
			LastRun:   st.lastRun,
			LastError: st.lastErr,
			NextRun:   st.nextRun,
		}
		if st.lastDur > 0 {
			ts.LastDuration = st.lastDur.String()
		}
		st.mu.Unlock()
		out.Tasks = append(out.Tasks, ts)
	}
	sort.Slice(out.Tasks, func(i, j int) bool { return out.Tasks[i].Name < out.Tasks[j].Name })
	return out
}

// nextRun 返回 now 之后第一个 "对齐边界 + offset" 时刻。
func nextRun(now time.Time, every, offset time.Duration) time.Time {
	now = now.UTC()
	next := now.Truncate(every).Add(offset)
	for !next.After(now) {
		next = next.Add(every)
	}
	return next
}
