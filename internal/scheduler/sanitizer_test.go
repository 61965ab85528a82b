package scheduler

import (
	"testing"
	"time"

	"marginctl/internal/market"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestIntervalToDuration(t *testing.T) {
	cases := []struct {
		tf       string
		expected time.Duration
	}{
		{"M15", 15 * time.Minute},
		{"H1", time.Hour},
		{"D1", 24 * time.Hour},
		{"W1", 7 * 24 * time.Hour},
		{"h4", 4 * time.Hour},
	}
	for _, tc := range cases {
		got, err := IntervalToDuration(tc.tf)
		require.NoError(t, err, tc.tf)
		assert.Equal(t, tc.expected, got, tc.tf)
	}
}

func TestIntervalToDuration_RejectsMalformed(t *testing.T) {
	for _, tf := range []string{"", "M", "X15", "M-1"} {
		_, err := IntervalToDuration(tf)
		assert.Error(t, err, tf)
	}
}

func TestDropUnclosedKlineAt_DropsStillFormingLastCandle(t *testing.T) {
	now := time.Date(2026, 1, 1, 12, 0, 0, 0, time.UTC)
	interval := 15 * time.Minute
	klines := []market.Candle{
		{OpenTime: now.Add(-30 * time.Minute).UnixMilli()},
		{OpenTime: now.Add(-10 * time.Minute).UnixMilli()}, // closes at now-10min+15min=now+5min, still open
	}
	out := dropUnclosedKlineAt(klines, interval, now, 0)
	require.Len(t, out, 1)
}

func TestDropUnclosedKlineAt_KeepsFullyClosedCandle(t *testing.T) {
	now := time.Date(2026, 1, 1, 12, 0, 0, 0, time.UTC)
	interval := 15 * time.Minute
	klines := []market.Candle{
		{OpenTime: now.Add(-30 * time.Minute).UnixMilli()},
		{OpenTime: now.Add(-20 * time.Minute).UnixMilli()}, // closed 5 minutes ago
	}
	out := dropUnclosedKlineAt(klines, interval, now, 0)
	require.Len(t, out, 2)
}

func TestDropUnclosedKlineAt_NoOpOnEmptyOrZeroOpenTime(t *testing.T) {
	now := time.Now()
	assert.Empty(t, dropUnclosedKlineAt(nil, time.Minute, now, 0))
	assert.Len(t, dropUnclosedKlineAt([]market.Candle{{OpenTime: 0}}, time.Minute, now, 0), 1)
	assert.Len(t, dropUnclosedKlineAt([]market.Candle{{OpenTime: 1}}, 0, now, 0), 1)
}
