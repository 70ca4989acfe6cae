package arrowexport

import (
	"bytes"
	"testing"
	"time"

	"github.com/apache/arrow/go/v14/arrow/array"
	"github.com/apache/arrow/go/v14/arrow/ipc"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"mtfbacktest/services/engine"
)

func TestWriteTradesRoundTrip(t *testing.T) {
	entry := time.Date(2024, 1, 1, 0, 5, 0, 0, time.UTC)
	trades := []engine.TradeRecord{
		{
			ID: "pos_1", Strategy: "mtf_trend", Side: "long",
			EntryTime: entry, EntryPrice: 100,
			ExitTime: entry.Add(30 * time.Minute), ExitPrice: 110,
			InitialSize: 2, InitialRisk: 100, RealizedPnL: 20, RMultiple: 0.2,
			CloseReason: engine.ReasonTakeProfit, DurationBars: 6,
		},
		{
			ID: "pos_2", Strategy: "ma_crossover", Side: "long",
			EntryTime: entry.Add(time.Hour), EntryPrice: 101,
			ExitTime: entry.Add(2 * time.Hour), ExitPrice: 96,
			InitialSize: 1, InitialRisk: 50, RealizedPnL: -5, RMultiple: -0.1,
			CloseReason: engine.ReasonStopLoss, DurationBars: 12,
		},
	}

	var buf bytes.Buffer
	require.NoError(t, NewExporter(nil).WriteTrades(&buf, trades))

	reader, err := ipc.NewReader(&buf)
	require.NoError(t, err)
	defer reader.Release()

	require.True(t, reader.Next())
	rec := reader.Record()
	assert.Equal(t, int64(2), rec.NumRows())
	assert.Equal(t, int64(13), rec.NumCols())

	ids := rec.Column(0).(*array.String)
	assert.Equal(t, "pos_1", ids.Value(0))
	assert.Equal(t, "pos_2", ids.Value(1))

	entryTimes := rec.Column(3).(*array.Int64)
	assert.Equal(t, entry.UnixMilli(), entryTimes.Value(0))

	pnls := rec.Column(9).(*array.Float64)
	assert.InDelta(t, 20.0, pnls.Value(0), 1e-9)
	assert.InDelta(t, -5.0, pnls.Value(1), 1e-9)

	reasons := rec.Column(11).(*array.String)
	assert.Equal(t, "take_profit", reasons.Value(0))
	assert.Equal(t, "stop_loss", reasons.Value(1))
}

func TestWriteEquityRoundTrip(t *testing.T) {
	start := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	samples := []engine.EquitySample{
		{Timestamp: start, Realized: 10000, Unrealized: 0, Equity: 10000, Drawdown: 0},
		{Timestamp: start.Add(5 * time.Minute), Realized: 10000, Unrealized: 50, Equity: 10050, Drawdown: 0},
	}

	var buf bytes.Buffer
	require.NoError(t, NewExporter(nil).WriteEquity(&buf, samples))

	reader, err := ipc.NewReader(&buf)
	require.NoError(t, err)
	defer reader.Release()

	require.True(t, reader.Next())
	rec := reader.Record()
	assert.Equal(t, int64(2), rec.NumRows())

	equity := rec.Column(3).(*array.Float64)
	assert.InDelta(t, 10050.0, equity.Value(1), 1e-9)
}
