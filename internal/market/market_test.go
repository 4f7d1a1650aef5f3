package market

import (
	"math"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestCandleValidate(t *testing.T) {
	ok := Candle{OpenTime: 0, CloseTime: 59_999, Open: 1, High: 2, Low: 0.5, Close: 1.5, Volume: 10}
	assert.NoError(t, ok.Validate())

	inverted := ok
	inverted.CloseTime = 0
	assert.Error(t, inverted.Validate())

	nan := ok
	nan.Close = math.NaN()
	assert.Error(t, nan.Validate())
}

func TestParseInterval(t *testing.T) {
	iv, err := ParseInterval(" 4H ")
	require.NoError(t, err)
	assert.Equal(t, "4h", iv.Key)
	assert.Equal(t, 4*time.Hour, iv.Duration)
	assert.Equal(t, 4*time.Hour, iv.StaleAfter)

	_, err = ParseInterval("7d")
	assert.Error(t, err)
}

func TestStaleThresholdFallsBack(t *testing.T) {
	assert.Equal(t, time.Minute, StaleThreshold("1m"))
	assert.Equal(t, time.Hour, StaleThreshold("bogus"))
}

func TestSupportedIntervalsSortedByDuration(t *testing.T) {
	keys := SupportedIntervals()
	require.Len(t, keys, 14)
	assert.Equal(t, "1m", keys[0])
	assert.Equal(t, "1w", keys[len(keys)-1])
}

func TestExpectedCandlesAndAlign(t *testing.T) {
	iv, err := ParseInterval("1h")
	require.NoError(t, err)
	hour := int64(time.Hour / time.Millisecond)
	start, end := iv.AlignRange(10*hour+5, 12*hour+30)
	assert.Equal(t, 10*hour, start)
	assert.Equal(t, 12*hour-1, end, "candle opening at 12h has not closed by 12h+30")
	assert.Equal(t, int64(2), iv.ExpectedCandles(10*hour+5, 12*hour+30))

	// 边界落在整点：最后一根是 close_time = end-1 的 K 线
	start, end = iv.AlignRange(10*hour, 12*hour)
	assert.Equal(t, 10*hour, start)
	assert.Equal(t, 12*hour-1, end)

	start, end = iv.AlignRange(10*hour+5, 10*hour+30)
	assert.Less(t, end, start)
	assert.Zero(t, iv.ExpectedCandles(10*hour+5, 10*hour+30))
	assert.Zero(t, iv.ExpectedCandles(12*hour, 10*hour))
}

func TestWeeklyAlignsToMonday(t *testing.T) {
	iv, err := ParseInterval("1w")
	require.NoError(t, err)
	wed := time.Date(2024, 1, 3, 12, 0, 0, 0, time.UTC).UnixMilli()
	next := time.Date(2024, 1, 15, 0, 0, 0, 0, time.UTC).UnixMilli()
	start, end := iv.AlignRange(wed, next)
	assert.Equal(t, time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC).UnixMilli(), start)
	assert.Equal(t, next-1, end)
	assert.Equal(t, int64(2), iv.ExpectedCandles(wed, next))
}

func TestCandlesHelpers(t *testing.T) {
	cs := Candles{{Close: 1, Volume: 10}, {Close: 2, Volume: 20}, {Close: 3, Volume: 30}}
	assert.Equal(t, []float64{1, 2, 3}, cs.Closes())
	assert.Equal(t, []float64{20, 30}, cs.Tail(2).Volumes())
	last, ok := cs.Last()
	assert.True(t, ok)
	assert.Equal(t, 3.0, last.Close)

	clone := cs.Clone()
	clone[0].Close = 99
	assert.Equal(t, 1.0, cs[0].Close)
}
