package timeutil

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseMillis(t *testing.T) {
	want := time.Date(2024, 3, 1, 0, 0, 0, 0, time.UTC).UnixMilli()
	for _, raw := range []string{"2024-03-01", "2024-03-01T00:00:00Z", "2024-03-01T08:00:00+08:00", " 1709251200000 "} {
		got, err := ParseMillis(raw)
		require.NoError(t, err, raw)
		assert.Equal(t, want, got, raw)
	}
	for _, raw := range []string{"", "  ", "yesterday", "2024/03/01"} {
		_, err := ParseMillis(raw)
		assert.Error(t, err, raw)
	}
}
