// Package align merges per-timeframe OHLCV frames into a single
// base-timeframe stream. For any base row at time t, the attached higher
// timeframe values come from the latest bar of that timeframe that has fully
// closed as of t: a row at 08:00 sees the 07:00-08:00 1h bar, never the
// 08:00-09:00 one. This backward as-of join is the only defence against
// lookahead bias, so the boundary condition is load bearing.
package align

import (
	"errors"
	"fmt"
	"time"

	"mtfbacktest/services/market"
	"mtfbacktest/services/timeframe"
)

var (
	// ErrInvalidTimeframeOrder is returned when the requested timeframes are
	// not sorted ascending by duration (index 0 must be the base).
	ErrInvalidTimeframeOrder = errors.New("timeframes must be ordered ascending by duration")

	// ErrMissingTimeframeData is returned when a requested timeframe has no
	// frame in the data set, under any equivalent label.
	ErrMissingTimeframeData = errors.New("missing timeframe data")
)

// ohlcv fields copied for every higher timeframe, in column order.
var barFields = []string{"open", "high", "low", "close", "volume"}

// Align joins the frames in data onto the base timeframe (timeframes[0]).
// Frame keys may use either label convention; they are matched by duration.
// Leading base rows for which some higher timeframe has no closed bar yet
// are dropped.
func Align(data map[string]*market.Frame, timeframes []string) (*market.AlignedFrame, error) {
	if len(timeframes) == 0 || len(data) == 0 {
		return nil, market.ErrEmptyData
	}

	minutes := make([]uint32, len(timeframes))
	for i, tf := range timeframes {
		m, err := timeframe.ToMinutes(tf)
		if err != nil {
			return nil, err
		}
		minutes[i] = m
		if i > 0 && m <= minutes[i-1] {
			return nil, fmt.Errorf("%w: %q after %q", ErrInvalidTimeframeOrder, tf, timeframes[i-1])
		}
	}

	available := make([]string, 0, len(data))
	for key := range data {
		available = append(available, key)
	}

	frames := make([]*market.Frame, len(timeframes))
	for i, tf := range timeframes {
		key := timeframe.FindMatching(tf, available)
		if key == "" {
			return nil, fmt.Errorf("%w: %s", ErrMissingTimeframeData, tf)
		}
		if len(data[key].Bars) == 0 {
			return nil, market.ErrEmptyData
		}
		frames[i] = data[key]
	}

	base := frames[0]
	baseCols := base.ColumnNames()

	out := &market.AlignedFrame{
		BaseTimeframe: timeframes[0],
		Timeframes:    append([]string(nil), timeframes...),
		Rows:          make([]market.Row, 0, len(base.Bars)),
	}
	out.SetColumnNames(columnNames(timeframes, frames))

	// cursor[k] is the index of the last closed bar of frames[k+1] relative
	// to the current base time, or -1 while none has closed yet.
	cursors := make([]int, len(timeframes)-1)
	for i := range cursors {
		cursors[i] = -1
	}

	for i := range base.Bars {
		t := base.Bars[i].Timestamp

		ready := true
		for k := 1; k < len(frames); k++ {
			higher := frames[k]
			dur := time.Duration(minutes[k]) * time.Minute
			c := cursors[k-1]
			for c+1 < len(higher.Bars) && !higher.Bars[c+1].Timestamp.Add(dur).After(t) {
				c++
			}
			cursors[k-1] = c
			if c < 0 {
				ready = false
			}
		}
		if !ready {
			continue
		}

		row := market.Row{
			Bar:    base.Bars[i],
			Values: make(map[string]float64, len(baseCols)+len(timeframes)*8),
			Tags:   make(map[string]string, len(timeframes)),
		}
		for _, name := range baseCols {
			row.Values[name] = base.Columns[name][i]
		}
		for k := 1; k < len(frames); k++ {
			copyHigher(&row, timeframes[k], frames[k], cursors[k-1])
		}
		out.Rows = append(out.Rows, row)
	}

	return out, nil
}

func copyHigher(row *market.Row, prefix string, frame *market.Frame, idx int) {
	bar := frame.Bars[idx]
	row.Values[prefix+"_open"] = bar.Open
	row.Values[prefix+"_high"] = bar.High
	row.Values[prefix+"_low"] = bar.Low
	row.Values[prefix+"_close"] = bar.Close
	row.Values[prefix+"_volume"] = bar.Volume
	// Open time as epoch ms lets strategies detect a fresh higher bar.
	row.Values[prefix+"_time_ms"] = float64(bar.Timestamp.UnixMilli())
	row.Tags[prefix+"_day_of_week"] = bar.DayOfWeek
	for _, name := range frame.ColumnNames() {
		row.Values[prefix+"_"+name] = frame.Columns[name][idx]
	}
}

func columnNames(timeframes []string, frames []*market.Frame) []string {
	cols := []string{"timestamp", "open", "high", "low", "close", "volume", "day_of_week"}
	cols = append(cols, frames[0].ColumnNames()...)
	for k := 1; k < len(frames); k++ {
		prefix := timeframes[k]
		for _, f := range barFields {
			cols = append(cols, prefix+"_"+f)
		}
		cols = append(cols, prefix+"_time_ms", prefix+"_day_of_week")
		for _, name := range frames[k].ColumnNames() {
			cols = append(cols, prefix+"_"+name)
		}
	}
	return cols
}
