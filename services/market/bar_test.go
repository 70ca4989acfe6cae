package market

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func validBar(ts time.Time) Bar {
	return Bar{Timestamp: ts, Open: 100, High: 101, Low: 99, Close: 100.5, Volume: 1, DayOfWeek: DayTag(ts)}
}

func TestDayTag(t *testing.T) {
	// 2024-01-01 is a Monday.
	assert.Equal(t, "Mon", DayTag(time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)))
	assert.Equal(t, "Sun", DayTag(time.Date(2024, 1, 7, 12, 0, 0, 0, time.UTC)))
}

func TestFrameValidate(t *testing.T) {
	start := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	f := &Frame{Symbol: "BTCUSDT", Timeframe: "5m"}
	for i := 0; i < 3; i++ {
		f.Bars = append(f.Bars, validBar(start.Add(time.Duration(i)*5*time.Minute)))
	}
	require.NoError(t, f.Validate())
}

func TestFrameValidateEnvelope(t *testing.T) {
	ts := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	bad := validBar(ts)
	bad.High = 99.5 // below open
	f := &Frame{Bars: []Bar{bad}}

	err := f.Validate()
	var ibe *InvalidBarError
	require.ErrorAs(t, err, &ibe)
	assert.Equal(t, ts, ibe.Timestamp)
}

func TestFrameValidateMonotonic(t *testing.T) {
	ts := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	f := &Frame{Bars: []Bar{validBar(ts), validBar(ts)}}

	err := f.Validate()
	var ibe *InvalidBarError
	require.ErrorAs(t, err, &ibe)
	assert.Contains(t, ibe.Error(), "strictly increasing")
}

func TestFrameValidateEmpty(t *testing.T) {
	f := &Frame{}
	assert.ErrorIs(t, f.Validate(), ErrEmptyData)
}

func TestFrameValidateColumnLength(t *testing.T) {
	ts := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	f := &Frame{
		Bars:    []Bar{validBar(ts)},
		Columns: map[string][]float64{"rsi": {1, 2}},
	}
	assert.Error(t, f.Validate())
}

func TestColumnNamesSorted(t *testing.T) {
	f := &Frame{Columns: map[string][]float64{"zeta": nil, "alpha": nil, "mid": nil}}
	assert.Equal(t, []string{"alpha", "mid", "zeta"}, f.ColumnNames())
}
