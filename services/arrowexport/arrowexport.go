// Package arrowexport serializes backtest results to Apache Arrow IPC
// streams so trade and equity logs can be handed to columnar tooling without
// CSV round-trips.
package arrowexport

import (
	"fmt"
	"io"

	"github.com/apache/arrow/go/v14/arrow"
	"github.com/apache/arrow/go/v14/arrow/array"
	"github.com/apache/arrow/go/v14/arrow/ipc"
	"github.com/apache/arrow/go/v14/arrow/memory"
	"go.uber.org/zap"

	"mtfbacktest/services/engine"
)

// Exporter converts run results to Arrow record batches.
type Exporter struct {
	pool memory.Allocator
	log  *zap.Logger
}

// NewExporter builds an exporter with its own Go allocator.
func NewExporter(log *zap.Logger) *Exporter {
	if log == nil {
		log = zap.NewNop()
	}
	return &Exporter{pool: memory.NewGoAllocator(), log: log}
}

var tradeSchema = arrow.NewSchema([]arrow.Field{
	{Name: "id", Type: arrow.BinaryTypes.String},
	{Name: "strategy", Type: arrow.BinaryTypes.String},
	{Name: "side", Type: arrow.BinaryTypes.String},
	{Name: "entry_time_ms", Type: arrow.PrimitiveTypes.Int64},
	{Name: "entry_price", Type: arrow.PrimitiveTypes.Float64},
	{Name: "exit_time_ms", Type: arrow.PrimitiveTypes.Int64},
	{Name: "exit_price", Type: arrow.PrimitiveTypes.Float64},
	{Name: "initial_size", Type: arrow.PrimitiveTypes.Float64},
	{Name: "initial_risk", Type: arrow.PrimitiveTypes.Float64},
	{Name: "realized_pnl", Type: arrow.PrimitiveTypes.Float64},
	{Name: "r_multiple", Type: arrow.PrimitiveTypes.Float64},
	{Name: "close_reason", Type: arrow.BinaryTypes.String},
	{Name: "duration_bars", Type: arrow.PrimitiveTypes.Int32},
}, nil)

var equitySchema = arrow.NewSchema([]arrow.Field{
	{Name: "timestamp_ms", Type: arrow.PrimitiveTypes.Int64},
	{Name: "realized", Type: arrow.PrimitiveTypes.Float64},
	{Name: "unrealized", Type: arrow.PrimitiveTypes.Float64},
	{Name: "equity", Type: arrow.PrimitiveTypes.Float64},
	{Name: "drawdown", Type: arrow.PrimitiveTypes.Float64},
}, nil)

// WriteTrades streams the trade log as one Arrow IPC record batch.
func (e *Exporter) WriteTrades(w io.Writer, trades []engine.TradeRecord) error {
	n := len(trades)

	ids := make([]string, n)
	strategies := make([]string, n)
	sides := make([]string, n)
	entryTimes := make([]int64, n)
	entryPrices := make([]float64, n)
	exitTimes := make([]int64, n)
	exitPrices := make([]float64, n)
	sizes := make([]float64, n)
	risks := make([]float64, n)
	pnls := make([]float64, n)
	rMultiples := make([]float64, n)
	reasons := make([]string, n)
	durations := make([]int32, n)

	for i, tr := range trades {
		ids[i] = tr.ID
		strategies[i] = tr.Strategy
		sides[i] = tr.Side
		entryTimes[i] = tr.EntryTime.UnixMilli()
		entryPrices[i] = tr.EntryPrice
		exitTimes[i] = tr.ExitTime.UnixMilli()
		exitPrices[i] = tr.ExitPrice
		sizes[i] = tr.InitialSize
		risks[i] = tr.InitialRisk
		pnls[i] = tr.RealizedPnL
		rMultiples[i] = tr.RMultiple
		reasons[i] = string(tr.CloseReason)
		durations[i] = int32(tr.DurationBars)
	}

	cols := []arrow.Array{
		e.strings(ids),
		e.strings(strategies),
		e.strings(sides),
		e.int64s(entryTimes),
		e.float64s(entryPrices),
		e.int64s(exitTimes),
		e.float64s(exitPrices),
		e.float64s(sizes),
		e.float64s(risks),
		e.float64s(pnls),
		e.float64s(rMultiples),
		e.strings(reasons),
		e.int32s(durations),
	}
	return e.writeRecord(w, tradeSchema, cols, int64(n))
}

// WriteEquity streams the equity curve as one Arrow IPC record batch.
func (e *Exporter) WriteEquity(w io.Writer, samples []engine.EquitySample) error {
	n := len(samples)

	times := make([]int64, n)
	realized := make([]float64, n)
	unrealized := make([]float64, n)
	equity := make([]float64, n)
	drawdown := make([]float64, n)

	for i, s := range samples {
		times[i] = s.Timestamp.UnixMilli()
		realized[i] = s.Realized
		unrealized[i] = s.Unrealized
		equity[i] = s.Equity
		drawdown[i] = s.Drawdown
	}

	cols := []arrow.Array{
		e.int64s(times),
		e.float64s(realized),
		e.float64s(unrealized),
		e.float64s(equity),
		e.float64s(drawdown),
	}
	return e.writeRecord(w, equitySchema, cols, int64(n))
}

func (e *Exporter) writeRecord(w io.Writer, schema *arrow.Schema, cols []arrow.Array, rows int64) error {
	record := array.NewRecord(schema, cols, rows)
	defer record.Release()
	for _, c := range cols {
		defer c.Release()
	}

	writer := ipc.NewWriter(w, ipc.WithSchema(schema))
	defer writer.Close()

	if err := writer.Write(record); err != nil {
		return fmt.Errorf("write arrow record: %w", err)
	}
	e.log.Debug("arrow record written", zap.Int64("rows", rows), zap.Int("columns", len(cols)))
	return nil
}

func (e *Exporter) strings(vals []string) arrow.Array {
	b := array.NewStringBuilder(e.pool)
	defer b.Release()
	b.AppendValues(vals, nil)
	return b.NewStringArray()
}

func (e *Exporter) float64s(vals []float64) arrow.Array {
	b := array.NewFloat64Builder(e.pool)
	defer b.Release()
	b.AppendValues(vals, nil)
	return b.NewFloat64Array()
}

func (e *Exporter) int64s(vals []int64) arrow.Array {
	b := array.NewInt64Builder(e.pool)
	defer b.Release()
	b.AppendValues(vals, nil)
	return b.NewInt64Array()
}

func (e *Exporter) int32s(vals []int32) arrow.Array {
	b := array.NewInt32Builder(e.pool)
	defer b.Release()
	b.AppendValues(vals, nil)
	return b.NewInt32Array()
}
