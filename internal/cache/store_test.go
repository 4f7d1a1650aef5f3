package cache

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestStoreRoundTrip(t *testing.T) {
	ctx := context.Background()
	root := t.TempDir()
	st, err := NewStore(root)
	require.NoError(t, err)
	defer st.Close()

	key := Key{Symbol: "BTCUSDT", Interval: "1h"}
	require.NoError(t, st.SaveCandles(ctx, key, hourly(0, 5)))
	require.NoError(t, st.SaveCandles(ctx, key, hourly(3, 8)))

	updated := time.UnixMilli(base + 9*hour)
	require.NoError(t, st.SaveMeta(ctx, key, Meta{Status: StatusError, Error: "boom", LastUpdate: updated}))

	candles, meta, err := st.Load(ctx, key)
	require.NoError(t, err)
	assert.Len(t, candles, 8)
	assert.Equal(t, StatusError, meta.Status)
	assert.Equal(t, "boom", meta.Error)
	assert.Equal(t, updated.UnixMilli(), meta.LastUpdate.UnixMilli())

	mf, err := st.Manifest(ctx, key)
	require.NoError(t, err)
	assert.Equal(t, int64(8), mf.Rows)
	assert.Equal(t, base, mf.MinTime)
	assert.Equal(t, base+8*hour-1, mf.MaxTime)
	assert.Equal(t, filepath.Join(root, "BTCUSDT", "1h.db"), mf.Path)

	n, err := st.PruneBefore(ctx, key, base+3*hour)
	require.NoError(t, err)
	assert.Equal(t, int64(3), n)

	keys, err := st.Keys()
	require.NoError(t, err)
	assert.Equal(t, []Key{key}, keys)

	require.NoError(t, st.Delete(key))
	_, err = os.Stat(mf.Path)
	assert.True(t, os.IsNotExist(err))
}

func TestManagerHydratesFromStore(t *testing.T) {
	ctx := context.Background()
	root := t.TempDir()
	st, err := NewStore(root)
	require.NoError(t, err)

	f := &fakeFetcher{}
	m := NewManager(f, st, Config{}, nil)
	_, err = m.GetRange(ctx, "BTCUSDT", "4h", base, base+40*hour-1, false)
	require.NoError(t, err)
	before, err := m.Detail("BTCUSDT", "4h")
	require.NoError(t, err)
	require.NoError(t, st.Close())

	st2, err := NewStore(root)
	require.NoError(t, err)
	defer st2.Close()
	m2 := NewManager(f, st2, Config{}, nil)
	require.NoError(t, m2.Hydrate(ctx))

	after, err := m2.Detail("BTCUSDT", "4h")
	require.NoError(t, err)
	assert.Equal(t, before.CandleCount, after.CandleCount)
	assert.Equal(t, before.Start, after.Start)
	assert.Equal(t, before.End, after.End)
	assert.Equal(t, StatusActive, after.Status)

	res, err := m2.Query(ctx, Request{Symbol: "BTCUSDT", Interval: "4h", Start: base, End: base + 40*hour - 1})
	require.NoError(t, err)
	assert.Equal(t, OutcomeCache, res.Outcome)
	assert.Equal(t, 1, f.callCount())
}
