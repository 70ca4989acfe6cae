package timeframe

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestToMinutes(t *testing.T) {
	cases := map[string]uint32{
		"1m":  1,
		"m1":  1,
		"5m":  5,
		"m5":  5,
		"15m": 15,
		"1h":  60,
		"h1":  60,
		"4h":  240,
		"1d":  1440,
		"d1":  1440,
		"1w":  10080,
		"w1":  10080,
		"1M":  43200,
		"M1":  43200,
	}
	for label, want := range cases {
		got, err := ToMinutes(label)
		require.NoError(t, err, label)
		assert.Equal(t, want, got, label)
	}
}

func TestRoundTrip(t *testing.T) {
	for _, label := range []string{"5m", "m5", "1h", "h4", "1d", "w1", "1M", "M1", "15m"} {
		std, err := ToStandard(label)
		require.NoError(t, err)
		db, err := ToDB(std)
		require.NoError(t, err)
		back, err := ToStandard(db)
		require.NoError(t, err)
		assert.Equal(t, std, back, label)
		assert.True(t, AreEquivalent(label, std), label)
		assert.True(t, AreEquivalent(label, db), label)
	}
}

func TestInvalidLabels(t *testing.T) {
	for _, label := range []string{"", "m", "5", "x5", "5x", "m0", "0m", "-5m", "5mm", "hh1", "1 h"} {
		_, err := ToMinutes(label)
		assert.ErrorIs(t, err, ErrInvalidTimeframe, "label %q", label)
	}
}

func TestMonthIsNotMinute(t *testing.T) {
	month, err := ToMinutes("1M")
	require.NoError(t, err)
	minute, err := ToMinutes("1m")
	require.NoError(t, err)
	assert.NotEqual(t, month, minute)
	assert.False(t, AreEquivalent("1M", "1m"))
}

func TestFindMatching(t *testing.T) {
	available := []string{"m5", "h1", "d1"}
	assert.Equal(t, "m5", FindMatching("5m", available))
	assert.Equal(t, "h1", FindMatching("60m", available))
	assert.Equal(t, "", FindMatching("15m", available))
}

func TestColumnPrefix(t *testing.T) {
	cols := []string{"close", "m5_close", "h1_open", "h1_close"}
	assert.Equal(t, "h1", ColumnPrefix("1h", cols))
	assert.Equal(t, "m5", ColumnPrefix("5m", cols))
	assert.Equal(t, "", ColumnPrefix("1d", cols))
}

func TestSortByDuration(t *testing.T) {
	sorted, err := SortByDuration([]string{"1d", "5m", "h1", "1w"})
	require.NoError(t, err)
	assert.Equal(t, []string{"5m", "h1", "1d", "1w"}, sorted)

	_, err = SortByDuration([]string{"5m", "bogus"})
	assert.ErrorIs(t, err, ErrInvalidTimeframe)
}
