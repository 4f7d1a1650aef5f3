package backtest

import (
	"bytes"
	"context"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"tradelab/internal/cache"
	"tradelab/internal/market"
	"tradelab/internal/strategy"
)

var testNow = time.Date(2024, 3, 1, 0, 0, 0, 0, time.UTC)

type fakeLoader struct {
	mu      sync.Mutex
	candles market.Candles
	fail    map[string]error
	reqs    []cache.Request
}

func (f *fakeLoader) Query(_ context.Context, req cache.Request) (cache.Result, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.reqs = append(f.reqs, req)
	if err := f.fail[req.Symbol]; err != nil {
		return cache.Result{}, err
	}
	return cache.Result{Candles: f.candles.Clone(), Count: len(f.candles)}, nil
}

type fakeStrategies map[string]strategy.Config

func (f fakeStrategies) Get(name string) (strategy.Config, error) {
	cfg, ok := f[name]
	if !ok {
		return strategy.Config{}, strategy.ErrUnknownStrategy
	}
	return cfg.Clone(), nil
}

func newTestService(t *testing.T, loader *fakeLoader) (*Service, *ResultStore) {
	t.Helper()
	store, err := NewResultStore(filepath.Join(t.TempDir(), "results.db"))
	require.NoError(t, err)
	t.Cleanup(func() { _ = store.Close() })

	defaults := strategy.BuiltinDefaults()
	cfg := baseStrategy()
	cfg.Indicators = []strategy.Indicator{defaults.RSI, defaults.MA}
	engine := NewEngine(Config{InitialBalance: 10000}, nil, nil, nil)
	svc, err := NewService(engine, loader, fakeStrategies{"test": cfg}, store, ServiceConfig{MaxConcurrent: 2}, nil)
	require.NoError(t, err)
	return svc, store
}

func TestServiceSubmitCompletesAndPersists(t *testing.T) {
	loader := &fakeLoader{candles: wave(300)}
	svc, store := newTestService(t, loader)

	pending, err := svc.Submit(Request{Strategy: "test", Start: 0, End: 300 * hourMs})
	require.NoError(t, err)
	assert.Equal(t, StatusRunning, pending.Status)
	assert.NotEmpty(t, pending.ID)

	svc.Wait()
	got, err := svc.Get(context.Background(), pending.ID)
	require.NoError(t, err)
	assert.Equal(t, StatusCompleted, got.Status)
	assert.Len(t, got.Equity, 200)
	assert.Equal(t, int64(0), got.Start)

	stored, err := store.Load(context.Background(), pending.ID)
	require.NoError(t, err)
	assert.Equal(t, StatusCompleted, stored.Status)
	assert.Equal(t, got.Trades, stored.Trades)
	assert.Equal(t, got.Equity, stored.Equity)
	assert.Equal(t, got.Summary, stored.Summary)
	assert.JSONEq(t, string(got.Strategy), string(stored.Strategy))

	require.Len(t, loader.reqs, 1)
	assert.Equal(t, "BTCUSDT", loader.reqs[0].Symbol)
	assert.Equal(t, "1h", loader.reqs[0].Interval)
}

func TestServiceFailedRunDoesNotAffectOthers(t *testing.T) {
	loader := &fakeLoader{
		candles: wave(300),
		fail:    map[string]error{"ETHUSDT": errors.New("provider down")},
	}
	svc, _ := newTestService(t, loader)

	bad, err := svc.Submit(Request{Strategy: "test", Symbol: "eth/usdt", Start: 0, End: hourMs * 300})
	require.NoError(t, err)
	good, err := svc.Submit(Request{Strategy: "test", Start: 0, End: hourMs * 300})
	require.NoError(t, err)
	svc.Wait()

	badRes, err := svc.Get(context.Background(), bad.ID)
	require.NoError(t, err)
	assert.Equal(t, StatusFailed, badRes.Status)
	assert.Contains(t, badRes.Error, "provider down")

	goodRes, err := svc.Get(context.Background(), good.ID)
	require.NoError(t, err)
	assert.Equal(t, StatusCompleted, goodRes.Status)

	list, err := svc.List(context.Background(), 10)
	require.NoError(t, err)
	assert.Len(t, list, 2)
	for _, r := range list {
		assert.Empty(t, r.Trades)
	}
}

func TestServiceRejectsBadRequests(t *testing.T) {
	svc, _ := newTestService(t, &fakeLoader{})
	_, err := svc.Submit(Request{Strategy: "missing", Start: 0, End: 10})
	assert.ErrorIs(t, err, strategy.ErrUnknownStrategy)
	_, err = svc.Submit(Request{Strategy: "test", Start: 10, End: 10})
	assert.Error(t, err)
	_, err = svc.Get(context.Background(), "nope")
	assert.ErrorIs(t, err, ErrRunNotFound)
}

func TestRunSyncInsufficientData(t *testing.T) {
	svc, _ := newTestService(t, &fakeLoader{candles: wave(50)})
	res, err := svc.RunSync(context.Background(), Request{Strategy: "test", Start: 0, End: 50 * hourMs})
	var ide *InsufficientDataError
	require.True(t, errors.As(err, &ide))
	assert.Equal(t, StatusFailed, res.Status)
}

func TestResultStoreList(t *testing.T) {
	store, err := NewResultStore(filepath.Join(t.TempDir(), "r.db"))
	require.NoError(t, err)
	defer store.Close()
	ctx := context.Background()
	for i, id := range []string{"a", "b", "c"} {
		res := newResult(id, baseStrategy(), 0, 1, 100, testNow.Add(time.Duration(i)*time.Minute))
		require.NoError(t, store.Save(ctx, res))
	}
	list, err := store.List(ctx, 2)
	require.NoError(t, err)
	require.Len(t, list, 2)
	assert.Equal(t, "c", list[0].ID)
	assert.Equal(t, StatusRunning, list[0].Status)
}

func TestExportWritesFiles(t *testing.T) {
	ev := scripted{at(2): {Action: strategy.ActionBuy, Confidence: 1}}
	res, err := testEngine(ev, nil, nil).Run(context.Background(), "exp", baseStrategy(), candlesFrom(100, 100, 100, 103, 106, 107), 0)
	require.NoError(t, err)

	var buf bytes.Buffer
	require.NoError(t, WriteTradesCSV(&buf, res.Trades))
	lines := strings.Split(strings.TrimSpace(buf.String()), "\n")
	require.Len(t, lines, 3)
	assert.Equal(t, "time,kind,side,price,quantity,profit,balance_after,reason", lines[0])
	assert.Contains(t, lines[2], "take_profit")

	files, err := Export(t.TempDir(), res)
	require.NoError(t, err)
	require.Len(t, files, 3)
	html, err := os.ReadFile(files[2])
	require.NoError(t, err)
	assert.Contains(t, string(html), "echarts")
}
