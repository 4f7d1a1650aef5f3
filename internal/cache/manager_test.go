package cache

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"tradelab/internal/market"
)

// fakeFetcher 合成整点对齐的 1h K 线：open_time >= start 且 close_time <= end。
type fakeFetcher struct {
	mu    sync.Mutex
	calls []Range
	err   error
	gate  chan struct{}
	enter chan struct{}
}

func (f *fakeFetcher) FetchRange(ctx context.Context, _, _ string, start, end int64) ([]market.Candle, error) {
	f.mu.Lock()
	f.calls = append(f.calls, Range{Start: start, End: end})
	err, gate, enter := f.err, f.gate, f.enter
	f.mu.Unlock()
	if enter != nil {
		enter <- struct{}{}
	}
	if gate != nil {
		select {
		case <-gate:
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
	if err != nil {
		return nil, err
	}
	var out []market.Candle
	for open := (start + hour - 1) / hour * hour; open+hour-1 <= end; open += hour {
		out = append(out, hourCandle(open))
	}
	return out, nil
}

func (f *fakeFetcher) callCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.calls)
}

func (f *fakeFetcher) setErr(err error) {
	f.mu.Lock()
	f.err = err
	f.mu.Unlock()
}

type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Set(ts int64) {
	c.mu.Lock()
	c.now = time.UnixMilli(ts)
	c.mu.Unlock()
}

func newTestManager(f Fetcher, cfg Config) (*Manager, *fakeClock) {
	clock := &fakeClock{now: time.UnixMilli(base + 100*hour)}
	m := NewManager(f, nil, cfg, nil)
	m.now = clock.Now
	return m, clock
}

func TestQueryFetchesThenServesFromCache(t *testing.T) {
	f := &fakeFetcher{}
	m, _ := newTestManager(f, Config{})
	ctx := context.Background()

	res, err := m.Query(ctx, Request{Symbol: "btc/usdt", Interval: "1H", Start: base, End: base + 10*hour - 1})
	require.NoError(t, err)
	assert.Equal(t, OutcomeFetch, res.Outcome)
	assert.Equal(t, Key{Symbol: "BTCUSDT", Interval: "1h"}, res.Key)
	assert.Equal(t, 10, res.Count)
	assert.True(t, res.Complete)

	res, err = m.Query(ctx, Request{Symbol: "BTCUSDT", Interval: "1h", Start: base + 2*hour, End: base + 5*hour - 1})
	require.NoError(t, err)
	assert.Equal(t, OutcomeCache, res.Outcome)
	assert.Equal(t, 3, res.Count)
	assert.Equal(t, 1, f.callCount())

	detail, err := m.Detail("BTCUSDT", "1h")
	require.NoError(t, err)
	assert.Equal(t, StatusActive, detail.Status)
	assert.Equal(t, 10, detail.CandleCount)
}

func TestQueryFillsPrefixAndSuffixGaps(t *testing.T) {
	f := &fakeFetcher{}
	m, _ := newTestManager(f, Config{})
	ctx := context.Background()

	_, err := m.GetRange(ctx, "BTCUSDT", "1h", base, base+10*hour-1, false)
	require.NoError(t, err)

	start, end := base-5*hour, base+15*hour-1
	res, err := m.Query(ctx, Request{Symbol: "BTCUSDT", Interval: "1h", Start: start, End: end})
	require.NoError(t, err)
	assert.Equal(t, OutcomeBackfill, res.Outcome)
	assert.Equal(t, []Range{
		{Start: start, End: base - 1},
		{Start: base + 10*hour, End: end},
	}, res.Gaps)
	assert.Equal(t, 10, res.Added)
	assert.Equal(t, 20, res.Count)
	assert.True(t, res.Complete)

	rec, ok := m.lookup(res.Key)
	require.True(t, ok)
	assert.True(t, rec.CoversRange(start, end))
	assert.Equal(t, 3, f.callCount())
}

func TestBoundaryEndIsServedFromCache(t *testing.T) {
	f := &fakeFetcher{}
	m, _ := newTestManager(f, Config{})
	ctx := context.Background()

	// end 落在整点上，与按日期解析出的区间一致
	for i, want := range []Outcome{OutcomeFetch, OutcomeCache, OutcomeCache} {
		res, err := m.Query(ctx, Request{Symbol: "BTCUSDT", Interval: "1h", Start: base, End: base + 10*hour})
		require.NoError(t, err)
		assert.Equal(t, want, res.Outcome, "query %d", i)
		assert.True(t, res.Complete, "query %d", i)
		assert.Equal(t, 10, res.Count)
		assert.Equal(t, base, res.Start)
		assert.Equal(t, base+10*hour-1, res.End)
	}
	assert.Equal(t, 1, f.callCount())
}

func TestUnalignedStartIncludesContainingCandle(t *testing.T) {
	f := &fakeFetcher{}
	m, _ := newTestManager(f, Config{})
	ctx := context.Background()

	start, end := base+30*60*1000, base+5*hour+10
	res, err := m.Query(ctx, Request{Symbol: "BTCUSDT", Interval: "1h", Start: start, End: end})
	require.NoError(t, err)
	assert.Equal(t, []Range{{Start: base, End: base + 5*hour - 1}}, res.Gaps)
	require.Equal(t, 5, res.Count)
	assert.Equal(t, base, res.Candles[0].OpenTime)
	assert.True(t, res.Complete)

	res, err = m.Query(ctx, Request{Symbol: "BTCUSDT", Interval: "1h", Start: start, End: end})
	require.NoError(t, err)
	assert.Equal(t, OutcomeCache, res.Outcome)
	assert.Equal(t, 1, f.callCount())
}

func TestMissingCountsInteriorHoles(t *testing.T) {
	f := &fakeFetcher{}
	m, _ := newTestManager(f, Config{})
	ctx := context.Background()
	key, err := NewKey("BTCUSDT", "1h")
	require.NoError(t, err)
	rec := m.record(key)
	_, err = rec.Merge(append(hourly(0, 3), hourly(5, 8)...))
	require.NoError(t, err)
	rec.setStatus(StatusActive, "")

	res, err := m.Query(ctx, Request{Symbol: "BTCUSDT", Interval: "1h", Start: base, End: base + 8*hour})
	require.NoError(t, err)
	assert.Equal(t, OutcomeCache, res.Outcome)
	assert.Equal(t, 6, res.Count)
	assert.Equal(t, 2, res.Missing)
	assert.Zero(t, f.callCount())
}

func TestQueryMarksErrorAndRetries(t *testing.T) {
	f := &fakeFetcher{err: errors.New("upstream down")}
	m, _ := newTestManager(f, Config{})
	ctx := context.Background()

	_, err := m.GetRange(ctx, "BTCUSDT", "1h", base, base+5*hour-1, false)
	require.Error(t, err)
	var upd *UpdateError
	require.ErrorAs(t, err, &upd)
	assert.Equal(t, "fetch", upd.Op)

	detail, err := m.Detail("BTCUSDT", "1h")
	require.NoError(t, err)
	assert.Equal(t, StatusError, detail.Status)
	assert.Contains(t, detail.Error, "upstream down")

	f.setErr(nil)
	candles, err := m.GetRange(ctx, "BTCUSDT", "1h", base, base+5*hour-1, false)
	require.NoError(t, err)
	assert.Len(t, candles, 5)
	assert.Equal(t, 2, f.callCount())

	detail, _ = m.Detail("BTCUSDT", "1h")
	assert.Equal(t, StatusActive, detail.Status)
	assert.Empty(t, detail.Error)
}

func TestQueryReturnsNoDataError(t *testing.T) {
	f := &fakeFetcher{}
	m, _ := newTestManager(f, Config{})
	// 区间内没有完整收盘的 K 线，不会请求上游
	_, err := m.GetRange(context.Background(), "BTCUSDT", "1h", base+1, base+10, false)
	var noData *NoDataError
	require.ErrorAs(t, err, &noData)
	assert.Zero(t, f.callCount())
}

func TestConcurrentQueriesFetchOnce(t *testing.T) {
	f := &fakeFetcher{gate: make(chan struct{})}
	m, _ := newTestManager(f, Config{WaitTimeout: 5 * time.Second})
	ctx := context.Background()

	const callers = 6
	var wg sync.WaitGroup
	counts := make([]int, callers)
	errs := make([]error, callers)
	for i := 0; i < callers; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			res, err := m.Query(ctx, Request{Symbol: "ETHUSDT", Interval: "1h", Start: base, End: base + 8*hour - 1})
			counts[i], errs[i] = res.Count, err
		}(i)
	}
	time.Sleep(50 * time.Millisecond)
	close(f.gate)
	wg.Wait()

	for i := 0; i < callers; i++ {
		require.NoError(t, errs[i])
		assert.Equal(t, 8, counts[i])
	}
	assert.Equal(t, 1, f.callCount())
}

func TestQueryWaitIsBounded(t *testing.T) {
	f := &fakeFetcher{gate: make(chan struct{}), enter: make(chan struct{}, 1)}
	m, _ := newTestManager(f, Config{WaitTimeout: 20 * time.Millisecond})
	ctx := context.Background()

	done := make(chan error, 1)
	go func() {
		_, err := m.GetRange(ctx, "BTCUSDT", "1h", base, base+4*hour-1, false)
		done <- err
	}()
	<-f.enter

	_, err := m.GetRange(ctx, "BTCUSDT", "1h", base, base+4*hour-1, false)
	assert.ErrorIs(t, err, ErrKeyBusy)

	close(f.gate)
	require.NoError(t, <-done)
}

func TestCancelKeepsExistingDataActive(t *testing.T) {
	f := &fakeFetcher{}
	m, _ := newTestManager(f, Config{})
	_, err := m.GetRange(context.Background(), "BTCUSDT", "1h", base, base+4*hour-1, false)
	require.NoError(t, err)

	f.mu.Lock()
	f.gate = make(chan struct{})
	f.enter = make(chan struct{}, 1)
	f.mu.Unlock()

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() {
		_, err := m.GetRange(ctx, "BTCUSDT", "1h", base, base+8*hour-1, false)
		done <- err
	}()
	<-f.enter
	cancel()
	err = <-done
	require.Error(t, err)
	assert.ErrorIs(t, err, context.Canceled)

	detail, err := m.Detail("BTCUSDT", "1h")
	require.NoError(t, err)
	assert.Equal(t, StatusActive, detail.Status)
	assert.Equal(t, 4, detail.CandleCount)
}

func TestStaleRecordRefreshesInBackground(t *testing.T) {
	f := &fakeFetcher{}
	m, clock := newTestManager(f, Config{BackgroundRefresh: true})
	clock.Set(base + 10*hour)
	ctx := context.Background()

	_, err := m.GetRange(ctx, "BTCUSDT", "1h", base, base+10*hour-1, false)
	require.NoError(t, err)

	clock.Set(base + 12*hour)
	res, err := m.Query(ctx, Request{Symbol: "BTCUSDT", Interval: "1h", Start: base, End: base + 10*hour - 1})
	require.NoError(t, err)
	assert.Equal(t, OutcomeCache, res.Outcome)
	assert.True(t, res.StaleRefresh)
	assert.Equal(t, 10, res.Count)

	m.bg.Wait()
	detail, err := m.Detail("BTCUSDT", "1h")
	require.NoError(t, err)
	assert.Equal(t, 12, detail.CandleCount)
	assert.False(t, detail.Stale)
}

func TestBackgroundRefreshStopsAfterClose(t *testing.T) {
	f := &fakeFetcher{}
	m, clock := newTestManager(f, Config{BackgroundRefresh: true})
	clock.Set(base + 10*hour)
	ctx := context.Background()
	_, err := m.GetRange(ctx, "BTCUSDT", "1h", base, base+10*hour-1, false)
	require.NoError(t, err)
	clock.Set(base + 12*hour)

	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, _ = m.Query(ctx, Request{Symbol: "BTCUSDT", Interval: "1h", Start: base, End: base + 5*hour})
		}()
	}
	m.Close()
	wg.Wait()
	calls := f.callCount()

	res, err := m.Query(ctx, Request{Symbol: "BTCUSDT", Interval: "1h", Start: base, End: base + 5*hour})
	require.NoError(t, err)
	assert.Equal(t, OutcomeCache, res.Outcome)
	m.bg.Wait()
	assert.Equal(t, calls, f.callCount(), "no refresh is started once closed")
}

func TestRefreshStale(t *testing.T) {
	f := &fakeFetcher{}
	m, clock := newTestManager(f, Config{})
	clock.Set(base + 10*hour)
	ctx := context.Background()
	for _, sym := range []string{"BTCUSDT", "ETHUSDT"} {
		_, err := m.GetRange(ctx, sym, "1h", base, base+10*hour-1, false)
		require.NoError(t, err)
	}
	f.setErr(errors.New("boom"))
	_, err := m.GetRange(ctx, "SOLUSDT", "1h", base, base+10*hour-1, false)
	require.Error(t, err)
	f.setErr(nil)

	clock.Set(base + 13*hour)
	report, err := m.RefreshStale(ctx, 0)
	require.NoError(t, err)
	assert.Equal(t, 2, report.Checked)
	assert.Equal(t, 2, report.Refreshed)
	assert.Equal(t, 6, report.Added)
	assert.Empty(t, report.Failed)
}

func TestWarmupFansOut(t *testing.T) {
	f := &fakeFetcher{}
	m, clock := newTestManager(f, Config{MaxParallel: 2})
	clock.Set(base + 48*hour)

	items, err := m.Warmup(context.Background(), []string{"BTCUSDT", "ETHUSDT"}, []string{"1h"}, 1)
	require.NoError(t, err)
	require.Len(t, items, 2)
	for _, item := range items {
		assert.Empty(t, item.Error)
		assert.Equal(t, 24, item.Count)
	}
	stats := m.Stats()
	assert.Equal(t, 2, stats.TotalRecords)
	assert.Equal(t, 48, stats.TotalCandles)
	assert.Equal(t, 2, stats.UniqueSymbols)
	assert.Equal(t, 1, stats.UniqueIntervals)

	_, err = m.Warmup(context.Background(), []string{"BTCUSDT"}, []string{"7d"}, 1)
	assert.Error(t, err)
}

func TestPruneAndClear(t *testing.T) {
	f := &fakeFetcher{}
	m, clock := newTestManager(f, Config{})
	ctx := context.Background()
	_, err := m.GetRange(ctx, "BTCUSDT", "1h", base, base+48*hour-1, false)
	require.NoError(t, err)
	_, err = m.GetRange(ctx, "ETHUSDT", "1h", base, base+10*hour-1, false)
	require.NoError(t, err)

	clock.Set(base + 48*hour)
	report, err := m.Prune(ctx, 1)
	require.NoError(t, err)
	assert.Equal(t, 24+10, report.RemovedCandles)
	assert.Equal(t, []string{"ETHUSDT@1h"}, report.DroppedKeys)

	detail, err := m.Detail("BTCUSDT", "1h")
	require.NoError(t, err)
	assert.Equal(t, 24, detail.CandleCount)

	cleared, err := m.Clear(ctx, "", "1h")
	require.NoError(t, err)
	assert.Equal(t, 1, cleared)
	assert.Zero(t, m.Stats().TotalRecords)
}
