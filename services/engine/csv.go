package engine

import (
	"encoding/csv"
	"fmt"
	"io"
	"strconv"
	"time"

	"github.com/shopspring/decimal"
)

var tradeHeader = []string{
	"strategy", "side", "entry_time", "entry_price", "exit_time", "exit_price",
	"initial_size", "initial_risk", "realized_pnl", "r_multiple",
	"close_reason", "duration_bars",
}

var equityHeader = []string{"timestamp", "realized", "unrealized", "equity", "drawdown"}

// WriteTrades streams the trade log as CSV. Timestamps are RFC3339 UTC and
// prices go through decimal to avoid float formatting noise in diffs.
func WriteTrades(w io.Writer, trades []TradeRecord) error {
	cw := csv.NewWriter(w)
	if err := cw.Write(tradeHeader); err != nil {
		return fmt.Errorf("write trades header: %w", err)
	}
	for _, tr := range trades {
		rec := []string{
			tr.Strategy,
			tr.Side,
			tr.EntryTime.UTC().Format(time.RFC3339),
			fmtPrice(tr.EntryPrice),
			tr.ExitTime.UTC().Format(time.RFC3339),
			fmtPrice(tr.ExitPrice),
			fmtPrice(tr.InitialSize),
			fmtPrice(tr.InitialRisk),
			fmtPrice(tr.RealizedPnL),
			fmtPrice(tr.RMultiple),
			string(tr.CloseReason),
			strconv.Itoa(tr.DurationBars),
		}
		if err := cw.Write(rec); err != nil {
			return fmt.Errorf("write trade row: %w", err)
		}
	}
	cw.Flush()
	return cw.Error()
}

// WriteEquity streams the per-bar equity curve as CSV.
func WriteEquity(w io.Writer, samples []EquitySample) error {
	cw := csv.NewWriter(w)
	if err := cw.Write(equityHeader); err != nil {
		return fmt.Errorf("write equity header: %w", err)
	}
	for _, s := range samples {
		rec := []string{
			s.Timestamp.UTC().Format(time.RFC3339),
			fmtPrice(s.Realized),
			fmtPrice(s.Unrealized),
			fmtPrice(s.Equity),
			fmtPrice(s.Drawdown),
		}
		if err := cw.Write(rec); err != nil {
			return fmt.Errorf("write equity row: %w", err)
		}
	}
	cw.Flush()
	return cw.Error()
}

func fmtPrice(v float64) string {
	return decimal.NewFromFloat(v).String()
}
