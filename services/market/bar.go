// Package market holds the shared OHLCV data model: raw per-timeframe frames
// as produced by loaders, and the aligned row stream consumed by strategies.
package market

import (
	"errors"
	"fmt"
	"time"
)

// ErrEmptyData is returned when a frame or frame set has no bars.
var ErrEmptyData = errors.New("empty market data")

// Bar is a single OHLCV candle. Timestamp is the bar open time in UTC and
// DayOfWeek is its short tag (Mon..Sun).
type Bar struct {
	Timestamp time.Time
	Open      float64
	High      float64
	Low       float64
	Close     float64
	Volume    float64
	DayOfWeek string
}

// InvalidBarError reports a bar that violates the OHLC envelope or timestamp
// monotonicity. It halts the run; bad input data is never traded over.
type InvalidBarError struct {
	Timestamp time.Time
	Detail    string
}

func (e *InvalidBarError) Error() string {
	return fmt.Sprintf("invalid bar at %s: %s", e.Timestamp.UTC().Format(time.RFC3339), e.Detail)
}

// DayTag returns the short day-of-week tag (Mon..Sun) for a UTC timestamp.
func DayTag(t time.Time) string {
	return t.UTC().Weekday().String()[:3]
}

// Frame is an ordered series of bars for one symbol and timeframe, plus any
// pre-computed indicator columns keyed by name (each as long as Bars).
// Frames are immutable during a run.
type Frame struct {
	Symbol    string
	Timeframe string
	Bars      []Bar
	Columns   map[string][]float64
}

// ColumnNames returns the indicator column names in deterministic order.
func (f *Frame) ColumnNames() []string {
	names := make([]string, 0, len(f.Columns))
	for name := range f.Columns {
		names = append(names, name)
	}
	// small n; insertion sort keeps output stable across runs
	for i := 1; i < len(names); i++ {
		for j := i; j > 0 && names[j] < names[j-1]; j-- {
			names[j], names[j-1] = names[j-1], names[j]
		}
	}
	return names
}

// Validate checks the OHLC envelope and strict timestamp monotonicity.
// The first offending bar is reported with its timestamp.
func (f *Frame) Validate() error {
	if len(f.Bars) == 0 {
		return ErrEmptyData
	}
	for i, b := range f.Bars {
		if b.Low > b.Open || b.Low > b.Close || b.High < b.Open || b.High < b.Close || b.Low > b.High {
			return &InvalidBarError{
				Timestamp: b.Timestamp,
				Detail: fmt.Sprintf("OHLC envelope violated: o=%g h=%g l=%g c=%g",
					b.Open, b.High, b.Low, b.Close),
			}
		}
		if i > 0 && !f.Bars[i-1].Timestamp.Before(b.Timestamp) {
			return &InvalidBarError{
				Timestamp: b.Timestamp,
				Detail:    "timestamps not strictly increasing",
			}
		}
	}
	for name, col := range f.Columns {
		if len(col) != len(f.Bars) {
			return fmt.Errorf("indicator column %q has %d values for %d bars", name, len(col), len(f.Bars))
		}
	}
	return nil
}
