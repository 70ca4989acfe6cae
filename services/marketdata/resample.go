package marketdata

import (
	"fmt"
	"time"

	"mtfbacktest/services/market"
	"mtfbacktest/services/timeframe"
)

// Resample aggregates a frame into a coarser timeframe. Bucket starts are
// the bar open time truncated to the target duration in UTC, which matches
// exchange candle cuts for intraday targets. The target must be a whole
// multiple of the source. Indicator columns do not survive resampling;
// recompute them on the output timeframe.
func Resample(src *market.Frame, targetTF string) (*market.Frame, error) {
	srcMin, err := timeframe.ToMinutes(src.Timeframe)
	if err != nil {
		return nil, err
	}
	dstMin, err := timeframe.ToMinutes(targetTF)
	if err != nil {
		return nil, err
	}
	if dstMin <= srcMin || dstMin%srcMin != 0 {
		return nil, fmt.Errorf("cannot resample %s to %s", src.Timeframe, targetTF)
	}
	if len(src.Bars) == 0 {
		return nil, market.ErrEmptyData
	}

	bucket := time.Duration(dstMin) * time.Minute
	out := &market.Frame{Symbol: src.Symbol, Timeframe: targetTF}

	var cur *market.Bar
	var curStart time.Time
	flush := func() {
		if cur != nil {
			out.Bars = append(out.Bars, *cur)
			cur = nil
		}
	}

	for _, b := range src.Bars {
		bs := b.Timestamp.Truncate(bucket)
		if cur == nil || !bs.Equal(curStart) {
			flush()
			curStart = bs
			nb := market.Bar{
				Timestamp: bs,
				Open:      b.Open,
				High:      b.High,
				Low:       b.Low,
				Close:     b.Close,
				Volume:    b.Volume,
				DayOfWeek: market.DayTag(bs),
			}
			cur = &nb
			continue
		}
		if b.High > cur.High {
			cur.High = b.High
		}
		if b.Low < cur.Low {
			cur.Low = b.Low
		}
		cur.Close = b.Close
		cur.Volume += b.Volume
	}
	flush()

	return out, nil
}
