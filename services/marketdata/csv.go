// Package marketdata loads OHLCV frames from CSV files and ClickHouse and
// tracks the symbol universe a run may trade.
package marketdata

import (
	"bufio"
	"encoding/csv"
	"fmt"
	"io"
	"os"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/shopspring/decimal"
	"golang.org/x/text/encoding/unicode"
	"golang.org/x/text/transform"

	"mtfbacktest/services/market"
)

// LoadCSVFrame reads one timeframe's bars from a CSV file into a Frame.
// The file must carry a header; the timestamp column may be named
// "timestamp" or "time_utc" and hold either epoch milliseconds or RFC3339 /
// "2006-01-02 15:04:05" datetimes. Any extra numeric column becomes an
// indicator column on the frame. UTF-16 exports with a BOM are decoded
// transparently.
func LoadCSVFrame(path, symbol, tf string) (*market.Frame, error) {
	file, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("open csv: %w", err)
	}
	defer file.Close()

	reader, err := bomReader(file)
	if err != nil {
		return nil, err
	}
	return ReadCSVFrame(reader, symbol, tf)
}

// ReadCSVFrame parses frame rows from an already-decoded reader.
func ReadCSVFrame(rd io.Reader, symbol, tf string) (*market.Frame, error) {
	r := csv.NewReader(bufio.NewReader(rd))
	r.ReuseRecord = false
	r.FieldsPerRecord = -1
	r.LazyQuotes = true

	header, err := r.Read()
	if err != nil {
		return nil, fmt.Errorf("read csv header: %w", err)
	}
	cols, err := mapHeader(header)
	if err != nil {
		return nil, err
	}

	frame := &market.Frame{
		Symbol:    symbol,
		Timeframe: tf,
		Columns:   make(map[string][]float64, len(cols.extra)),
	}

	for {
		rec, err := r.Read()
		if err == io.EOF {
			break
		}
		if err != nil {
			continue
		}
		if len(rec) <= cols.close {
			continue
		}

		ts, err := parseTimestamp(rec[cols.ts])
		if err != nil {
			continue
		}
		bar := market.Bar{Timestamp: ts, DayOfWeek: market.DayTag(ts)}
		if bar.Open, err = parsePrice(rec[cols.open]); err != nil {
			continue
		}
		if bar.High, err = parsePrice(rec[cols.high]); err != nil {
			continue
		}
		if bar.Low, err = parsePrice(rec[cols.low]); err != nil {
			continue
		}
		if bar.Close, err = parsePrice(rec[cols.close]); err != nil {
			continue
		}
		if cols.volume >= 0 && cols.volume < len(rec) {
			bar.Volume, _ = parsePrice(rec[cols.volume])
		}
		frame.Bars = append(frame.Bars, bar)

		for name, idx := range cols.extra {
			var v float64
			if idx < len(rec) {
				v, _ = parsePrice(rec[idx])
			}
			frame.Columns[name] = append(frame.Columns[name], v)
		}
	}
	if len(frame.Bars) == 0 {
		return nil, market.ErrEmptyData
	}

	sortDedup(frame)
	if err := frame.Validate(); err != nil {
		return nil, err
	}
	return frame, nil
}

type headerIndex struct {
	ts, open, high, low, close, volume int
	extra                              map[string]int
}

func mapHeader(header []string) (headerIndex, error) {
	idx := headerIndex{ts: -1, open: -1, high: -1, low: -1, close: -1, volume: -1, extra: make(map[string]int)}
	for i, name := range header {
		name = strings.ToLower(strings.TrimSpace(strings.TrimPrefix(name, "\ufeff")))
		switch name {
		case "timestamp", "timestamp_ms", "time_utc", "time", "open_time_ms":
			if idx.ts < 0 {
				idx.ts = i
			}
		case "open":
			idx.open = i
		case "high":
			idx.high = i
		case "low":
			idx.low = i
		case "close":
			idx.close = i
		case "volume":
			idx.volume = i
		case "day_of_week", "symbol", "interval":
			// derived or identifying columns, not data
		default:
			if name != "" {
				idx.extra[name] = i
			}
		}
	}
	if idx.ts < 0 || idx.open < 0 || idx.high < 0 || idx.low < 0 || idx.close < 0 {
		return idx, fmt.Errorf("csv header missing required columns: %v", header)
	}
	return idx, nil
}

func parsePrice(s string) (float64, error) {
	d, err := decimal.NewFromString(strings.TrimSpace(s))
	if err != nil {
		return 0, err
	}
	f, _ := d.Float64()
	return f, nil
}

func parseTimestamp(s string) (time.Time, error) {
	s = strings.TrimSpace(strings.TrimPrefix(s, "\ufeff"))
	if ms, err := strconv.ParseInt(s, 10, 64); err == nil {
		return time.UnixMilli(ms).UTC(), nil
	}
	for _, layout := range []string{time.RFC3339, "2006-01-02 15:04:05", "2006-01-02T15:04:05", "2006-01-02"} {
		if t, err := time.Parse(layout, s); err == nil {
			return t.UTC(), nil
		}
	}
	return time.Time{}, fmt.Errorf("unparseable timestamp %q", s)
}

// sortDedup orders bars by timestamp and keeps the last record per
// timestamp, moving indicator columns along with their bars.
func sortDedup(frame *market.Frame) {
	n := len(frame.Bars)
	order := make([]int, n)
	for i := range order {
		order[i] = i
	}
	sort.SliceStable(order, func(a, b int) bool {
		return frame.Bars[order[a]].Timestamp.Before(frame.Bars[order[b]].Timestamp)
	})

	keep := make([]int, 0, n)
	for _, i := range order {
		if len(keep) > 0 && frame.Bars[keep[len(keep)-1]].Timestamp.Equal(frame.Bars[i].Timestamp) {
			keep[len(keep)-1] = i
			continue
		}
		keep = append(keep, i)
	}

	bars := make([]market.Bar, len(keep))
	for j, i := range keep {
		bars[j] = frame.Bars[i]
	}
	for name, col := range frame.Columns {
		out := make([]float64, len(keep))
		for j, i := range keep {
			if i < len(col) {
				out[j] = col[i]
			}
		}
		frame.Columns[name] = out
	}
	frame.Bars = bars
}

// WriteFrameCSV writes a frame in the loader's own format: epoch-ms
// timestamps, full-precision prices via decimal.
func WriteFrameCSV(w io.Writer, frame *market.Frame) error {
	cw := csv.NewWriter(w)
	if err := cw.Write([]string{"timestamp", "open", "high", "low", "close", "volume"}); err != nil {
		return fmt.Errorf("write header: %w", err)
	}
	for _, b := range frame.Bars {
		rec := []string{
			strconv.FormatInt(b.Timestamp.UnixMilli(), 10),
			decimal.NewFromFloat(b.Open).String(),
			decimal.NewFromFloat(b.High).String(),
			decimal.NewFromFloat(b.Low).String(),
			decimal.NewFromFloat(b.Close).String(),
			decimal.NewFromFloat(b.Volume).String(),
		}
		if err := cw.Write(rec); err != nil {
			return fmt.Errorf("write bar: %w", err)
		}
	}
	cw.Flush()
	return cw.Error()
}

// bomReader wraps f with a UTF-16 decoder when a BOM is present; otherwise
// the raw file is read as UTF-8.
func bomReader(f *os.File) (io.Reader, error) {
	br := bufio.NewReader(f)
	head, _ := br.Peek(2)
	if len(head) >= 2 && ((head[0] == 0xFF && head[1] == 0xFE) || (head[0] == 0xFE && head[1] == 0xFF)) {
		if _, err := f.Seek(0, io.SeekStart); err != nil {
			return nil, fmt.Errorf("rewind csv: %w", err)
		}
		return transform.NewReader(f, unicode.UTF16(unicode.LittleEndian, unicode.ExpectBOM).NewDecoder()), nil
	}
	return br, nil
}
