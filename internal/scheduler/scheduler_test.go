package scheduler

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"

	"tradelab/internal/cache"
)

func TestNextRunAligns(t *testing.T) {
	now := time.Date(2024, 5, 1, 10, 17, 0, 0, time.UTC)
	assert.Equal(t, time.Date(2024, 5, 1, 11, 0, 0, 0, time.UTC), nextRun(now, time.Hour, 0))
	assert.Equal(t, time.Date(2024, 5, 1, 10, 30, 0, 0, time.UTC), nextRun(now, time.Hour, 30*time.Minute))
	assert.Equal(t, time.Date(2024, 5, 2, 0, 5, 0, 0, time.UTC), nextRun(now, 24*time.Hour, 5*time.Minute))
	// 恰好在边界上时取下一轮
	assert.Equal(t, time.Date(2024, 5, 1, 11, 0, 0, 0, time.UTC), nextRun(time.Date(2024, 5, 1, 10, 0, 0, 0, time.UTC), time.Hour, 0))
}

func TestTriggerRecordsStatus(t *testing.T) {
	var calls atomic.Int32
	fail := errors.New("boom")
	s, err := New(Config{}, nil,
		Task{Name: "ok", Every: time.Hour, Run: func(context.Context) error { calls.Add(1); return nil }},
		Task{Name: "bad", Every: time.Hour, Run: func(context.Context) error { return fail }},
	)
	require.NoError(t, err)

	require.NoError(t, s.Trigger(context.Background(), "ok"))
	assert.ErrorIs(t, s.Trigger(context.Background(), "bad"), fail)
	assert.ErrorIs(t, s.Trigger(context.Background(), "missing"), ErrUnknownTask)

	st := s.Status()
	assert.False(t, st.Running)
	require.Len(t, st.Tasks, 2)
	assert.Equal(t, "bad", st.Tasks[0].Name)
	assert.Equal(t, 1, st.Tasks[0].Failures)
	assert.Equal(t, "boom", st.Tasks[0].LastError)
	assert.Equal(t, 1, st.Tasks[1].Runs)
	assert.Empty(t, st.Tasks[1].LastError)
	assert.EqualValues(t, 1, calls.Load())
}

func TestTriggerWhileRunningIsBusy(t *testing.T) {
	release := make(chan struct{})
	entered := make(chan struct{})
	s, err := New(Config{}, nil, Task{Name: "slow", Every: time.Hour, Run: func(context.Context) error {
		close(entered)
		<-release
		return nil
	}})
	require.NoError(t, err)

	done := make(chan error, 1)
	go func() { done <- s.Trigger(context.Background(), "slow") }()
	<-entered
	assert.ErrorIs(t, s.Trigger(context.Background(), "slow"), ErrTaskBusy)
	assert.True(t, s.Status().Tasks[0].Running)
	close(release)
	require.NoError(t, <-done)
}

func TestStartRunImmediatelyAndStop(t *testing.T) {
	ran := make(chan struct{}, 1)
	s, err := New(Config{RunImmediately: true}, nil, Task{Name: "refresh", Every: time.Hour, Run: func(ctx context.Context) error {
		select {
		case ran <- struct{}{}:
		default:
		}
		return nil
	}})
	require.NoError(t, err)
	require.NoError(t, s.Start(context.Background()))
	assert.ErrorIs(t, s.Start(context.Background()), ErrAlreadyStarted)

	select {
	case <-ran:
	case <-time.After(2 * time.Second):
		t.Fatal("task did not run immediately")
	}
	require.Eventually(t, func() bool { return !s.Status().Tasks[0].NextRun.IsZero() }, time.Second, 10*time.Millisecond)
	assert.True(t, s.Status().Running)
	s.Stop()
	assert.False(t, s.Status().Running)
	s.Stop()
}

func TestNewRejectsInvalidTasks(t *testing.T) {
	_, err := New(Config{}, nil, Task{Name: "x", Every: 0, Run: func(context.Context) error { return nil }})
	assert.Error(t, err)
	run := func(context.Context) error { return nil }
	_, err = New(Config{}, nil, Task{Name: "x", Every: time.Hour, Run: run}, Task{Name: "x", Every: time.Hour, Run: run})
	assert.Error(t, err)
}

type mockMaintainer struct{ mock.Mock }

func (m *mockMaintainer) RefreshStale(ctx context.Context, delay time.Duration) (cache.RefreshReport, error) {
	args := m.Called(delay)
	return args.Get(0).(cache.RefreshReport), args.Error(1)
}

func (m *mockMaintainer) Warmup(ctx context.Context, symbols, intervals []string, days int) ([]cache.WarmupItem, error) {
	args := m.Called(symbols, intervals, days)
	return args.Get(0).([]cache.WarmupItem), args.Error(1)
}

func (m *mockMaintainer) Prune(ctx context.Context, keepDays int) (cache.PruneReport, error) {
	args := m.Called(keepDays)
	return args.Get(0).(cache.PruneReport), args.Error(1)
}

func TestCacheTasks(t *testing.T) {
	m := &mockMaintainer{}
	m.On("RefreshStale", 500*time.Millisecond).Return(cache.RefreshReport{Checked: 2, Failed: []string{"BTCUSDT@1h"}}, nil)
	m.On("Warmup", []string{"BTCUSDT"}, []string{"1h", "1d"}, 365).Return([]cache.WarmupItem{
		{Key: cache.Key{Symbol: "BTCUSDT", Interval: "1h"}, Count: 10},
		{Key: cache.Key{Symbol: "BTCUSDT", Interval: "1d"}, Error: "down"},
	}, nil)
	m.On("Prune", 730).Return(cache.PruneReport{RemovedCandles: 3}, nil)

	s, err := New(Config{}, nil,
		RefreshTask(m, time.Hour, 500*time.Millisecond),
		WarmupTask(m, 24*time.Hour, []string{"BTCUSDT"}, []string{"1h", "1d"}, 365),
		PruneTask(m, 7*24*time.Hour, 730),
	)
	require.NoError(t, err)
	ctx := context.Background()
	assert.ErrorContains(t, s.Trigger(ctx, TaskRefresh), "BTCUSDT@1h")
	assert.ErrorContains(t, s.Trigger(ctx, TaskWarmup), "BTCUSDT@1d")
	assert.NoError(t, s.Trigger(ctx, TaskPrune))
	m.AssertExpectations(t)
}
