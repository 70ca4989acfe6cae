package marketdata

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/text/encoding/unicode"
	"golang.org/x/text/transform"
)

const sampleCSV = `timestamp,open,high,low,close,volume,rsi
1704067200000,100,101,99,100.5,10,55.5
1704067500000,100.5,102,100,101,12,60.1
1704067800000,101,101.5,100.2,100.8,8,58.0
`

func TestReadCSVFrame(t *testing.T) {
	frame, err := ReadCSVFrame(strings.NewReader(sampleCSV), "BTCUSDT", "5m")
	require.NoError(t, err)

	assert.Equal(t, "BTCUSDT", frame.Symbol)
	assert.Equal(t, "5m", frame.Timeframe)
	require.Len(t, frame.Bars, 3)

	first := frame.Bars[0]
	assert.Equal(t, time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC), first.Timestamp)
	assert.Equal(t, 100.0, first.Open)
	assert.Equal(t, 100.5, first.Close)
	assert.Equal(t, "Mon", first.DayOfWeek)

	require.Contains(t, frame.Columns, "rsi")
	assert.Equal(t, []float64{55.5, 60.1, 58.0}, frame.Columns["rsi"])
}

func TestReadCSVFrameDatetimes(t *testing.T) {
	csv := "time_utc,open,high,low,close,volume\n" +
		"2024-01-01 00:00:00,100,101,99,100,1\n" +
		"2024-01-01T00:05:00Z,100,101,99,100,1\n"
	frame, err := ReadCSVFrame(strings.NewReader(csv), "X", "5m")
	require.NoError(t, err)
	require.Len(t, frame.Bars, 2)
	assert.Equal(t, 5*time.Minute, frame.Bars[1].Timestamp.Sub(frame.Bars[0].Timestamp))
}

func TestReadCSVFrameSortsAndDedups(t *testing.T) {
	csv := "timestamp,open,high,low,close,volume\n" +
		"1704067500000,2,3,1,2,1\n" +
		"1704067200000,1,2,0.5,1,1\n" +
		"1704067500000,5,6,4,5,1\n" // duplicate, last one wins
	frame, err := ReadCSVFrame(strings.NewReader(csv), "X", "5m")
	require.NoError(t, err)
	require.Len(t, frame.Bars, 2)
	assert.True(t, frame.Bars[0].Timestamp.Before(frame.Bars[1].Timestamp))
	assert.Equal(t, 5.0, frame.Bars[1].Open)
}

func TestReadCSVFrameSkipsMalformedRows(t *testing.T) {
	csv := "timestamp,open,high,low,close,volume\n" +
		"not-a-time,1,2,0.5,1,1\n" +
		"1704067200000,xx,2,0.5,1,1\n" +
		"1704067500000,1,2,0.5,1,1\n"
	frame, err := ReadCSVFrame(strings.NewReader(csv), "X", "5m")
	require.NoError(t, err)
	assert.Len(t, frame.Bars, 1)
}

func TestReadCSVFrameMissingColumns(t *testing.T) {
	_, err := ReadCSVFrame(strings.NewReader("timestamp,open\n1,2\n"), "X", "5m")
	assert.Error(t, err)
}

func TestLoadCSVFrameUTF16BOM(t *testing.T) {
	enc := unicode.UTF16(unicode.LittleEndian, unicode.UseBOM).NewEncoder()
	encoded, _, err := transform.String(enc, sampleCSV)
	require.NoError(t, err)

	path := filepath.Join(t.TempDir(), "utf16.csv")
	require.NoError(t, os.WriteFile(path, []byte(encoded), 0o644))

	frame, err := LoadCSVFrame(path, "BTCUSDT", "5m")
	require.NoError(t, err)
	assert.Len(t, frame.Bars, 3)
}

func TestSymbolRepository(t *testing.T) {
	repo := NewSymbolRepository(
		SymbolMeta{Symbol: "BTCUSDT", AssetType: "crypto", PointValue: 1},
		SymbolMeta{Symbol: "ETHUSDT", AssetType: "crypto"},
	)

	assert.True(t, repo.IsActive("BTCUSDT"))
	eth, ok := repo.Get("ETHUSDT")
	require.True(t, ok)
	assert.Equal(t, 1.0, eth.PointValue, "zero point value defaults to 1")

	require.NoError(t, repo.MoveToIgnored("ETHUSDT"))
	assert.False(t, repo.IsActive("ETHUSDT"))
	_, ok = repo.Get("ETHUSDT")
	assert.True(t, ok, "ignored symbols keep their metadata")

	active := repo.Active()
	require.Len(t, active, 1)
	assert.Equal(t, "BTCUSDT", active[0].Symbol)

	require.NoError(t, repo.MoveToUsed("ETHUSDT"))
	assert.True(t, repo.IsActive("ETHUSDT"))

	assert.Error(t, repo.MoveToIgnored("NOPE"))
	assert.Error(t, repo.MoveToUsed("BTCUSDT"))
}
