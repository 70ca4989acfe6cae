package marketdata

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"mtfbacktest/services/market"
)

func TestResample(t *testing.T) {
	start := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	src := &market.Frame{Symbol: "X", Timeframe: "5m"}
	// Two 15m buckets of three 5m bars each.
	prices := [][4]float64{
		{100, 102, 99, 101},
		{101, 105, 100, 104},
		{104, 104, 98, 99},
		{99, 100, 97, 98},
		{98, 103, 98, 102},
		{102, 106, 101, 105},
	}
	for i, p := range prices {
		src.Bars = append(src.Bars, market.Bar{
			Timestamp: start.Add(time.Duration(i) * 5 * time.Minute),
			Open:      p[0], High: p[1], Low: p[2], Close: p[3], Volume: 1,
		})
	}

	out, err := Resample(src, "15m")
	require.NoError(t, err)
	require.Len(t, out.Bars, 2)

	first := out.Bars[0]
	assert.Equal(t, start, first.Timestamp)
	assert.Equal(t, 100.0, first.Open)
	assert.Equal(t, 105.0, first.High)
	assert.Equal(t, 98.0, first.Low)
	assert.Equal(t, 99.0, first.Close)
	assert.Equal(t, 3.0, first.Volume)

	second := out.Bars[1]
	assert.Equal(t, start.Add(15*time.Minute), second.Timestamp)
	assert.Equal(t, 99.0, second.Open)
	assert.Equal(t, 106.0, second.High)
	assert.Equal(t, 105.0, second.Close)

	require.NoError(t, out.Validate())
}

func TestResamplePartialBucket(t *testing.T) {
	start := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	src := &market.Frame{Symbol: "X", Timeframe: "5m"}
	for i := 0; i < 4; i++ { // one full 15m bucket plus one leftover bar
		src.Bars = append(src.Bars, market.Bar{
			Timestamp: start.Add(time.Duration(i) * 5 * time.Minute),
			Open:      100, High: 101, Low: 99, Close: 100, Volume: 1,
		})
	}
	out, err := Resample(src, "15m")
	require.NoError(t, err)
	assert.Len(t, out.Bars, 2, "the trailing partial bucket is emitted")
	assert.Equal(t, 1.0, out.Bars[1].Volume)
}

func TestResampleRejectsBadTargets(t *testing.T) {
	src := &market.Frame{Timeframe: "5m", Bars: []market.Bar{{}}}
	_, err := Resample(src, "5m")
	assert.Error(t, err)
	_, err = Resample(src, "7m")
	assert.Error(t, err)
	_, err = Resample(src, "1m")
	assert.Error(t, err)
}
