// Command ingest downloads Binance monthly kline archives and loads them
// into the ClickHouse candle table, deriving coarser timeframes on the way.
// Re-running a month is safe; the table dedupes on (symbol, interval, open
// time).
package main

import (
	"archive/zip"
	"bytes"
	"context"
	"flag"
	"fmt"
	"io"
	"net/http"
	"os"
	"strconv"
	"strings"
	"time"

	"go.uber.org/zap"

	"mtfbacktest/services/market"
	"mtfbacktest/services/marketdata"
)

func main() {
	symbols := flag.String("symbols", "BTCUSDT,ETHUSDT", "Comma-separated symbols")
	startYM := flag.String("start", "2023-01", "First month (YYYY-MM)")
	endYM := flag.String("end", "2023-12", "Last month (YYYY-MM), inclusive")
	baseTF := flag.String("base-tf", "5m", "Timeframe of the downloaded archives")
	deriveList := flag.String("derive", "1h,1d", "Comma-separated timeframes to derive and store alongside the base")
	baseURL := flag.String("base-url", "https://data.binance.vision", "Binance data mirror")
	chAddr := flag.String("ch-addr", "localhost:9000", "ClickHouse native address")
	chDB := flag.String("ch-db", "backtest", "ClickHouse database")
	chTable := flag.String("ch-table", "data", "ClickHouse table")
	chUser := flag.String("ch-user", "backtest", "ClickHouse user")
	chPass := flag.String("ch-pass", "backtest123", "ClickHouse password")
	flag.Parse()

	log, err := zap.NewProduction()
	if err != nil {
		fmt.Fprintf(os.Stderr, "logger: %v\n", err)
		os.Exit(1)
	}
	defer log.Sync()

	months, err := monthRange(*startYM, *endYM)
	if err != nil {
		log.Fatal("bad month range", zap.Error(err))
	}

	ctx := context.Background()
	loader, err := marketdata.NewLoader(ctx, marketdata.ClickHouseConfig{
		Addr: *chAddr, Database: *chDB, Table: *chTable, User: *chUser, Password: *chPass,
	}, log)
	if err != nil {
		log.Fatal("connect clickhouse", zap.Error(err))
	}
	defer loader.Close()

	if err := loader.EnsureSchema(ctx); err != nil {
		log.Fatal("ensure schema", zap.Error(err))
	}

	derived := splitList(*deriveList)
	for _, symbol := range splitList(*symbols) {
		for _, month := range months {
			if err := ingestMonth(ctx, loader, *baseURL, symbol, *baseTF, derived, month, log); err != nil {
				log.Error("month failed",
					zap.String("symbol", symbol),
					zap.String("month", month.Format("2006-01")),
					zap.Error(err))
			}
		}
	}
}

func splitList(s string) []string {
	var out []string
	for _, v := range strings.Split(s, ",") {
		if v = strings.TrimSpace(v); v != "" {
			out = append(out, v)
		}
	}
	return out
}

func monthRange(startYM, endYM string) ([]time.Time, error) {
	start, err := time.Parse("2006-01", startYM)
	if err != nil {
		return nil, fmt.Errorf("parse -start: %w", err)
	}
	end, err := time.Parse("2006-01", endYM)
	if err != nil {
		return nil, fmt.Errorf("parse -end: %w", err)
	}
	if end.Before(start) {
		return nil, fmt.Errorf("-end before -start")
	}
	var out []time.Time
	for cur := start; !cur.After(end); cur = cur.AddDate(0, 1, 0) {
		out = append(out, cur)
	}
	return out, nil
}

func ingestMonth(ctx context.Context, loader *marketdata.Loader, baseURL, symbol, baseTF string, derived []string, month time.Time, log *zap.Logger) error {
	url := fmt.Sprintf("%s/data/spot/monthly/klines/%s/%s/%s-%s-%04d-%02d.zip",
		baseURL, symbol, baseTF, symbol, baseTF, month.Year(), int(month.Month()))
	log.Info("downloading", zap.String("url", url))

	body, err := httpGet(ctx, url)
	if err != nil {
		return err
	}
	frame, err := framesFromZip(body, symbol, baseTF)
	if err != nil {
		return err
	}

	if err := loader.InsertFrame(ctx, frame); err != nil {
		return err
	}
	for _, tf := range derived {
		higher, err := marketdata.Resample(frame, tf)
		if err != nil {
			return fmt.Errorf("derive %s: %w", tf, err)
		}
		if err := loader.InsertFrame(ctx, higher); err != nil {
			return err
		}
	}
	return nil
}

func httpGet(ctx context.Context, url string) ([]byte, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, err
	}
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("GET %s: %s", url, resp.Status)
	}
	return io.ReadAll(resp.Body)
}

// framesFromZip parses the single kline CSV inside a Binance monthly
// archive. Kline rows are open_time_ms,open,high,low,close,volume,... with
// no header.
func framesFromZip(data []byte, symbol, tf string) (*market.Frame, error) {
	zr, err := zip.NewReader(bytes.NewReader(data), int64(len(data)))
	if err != nil {
		return nil, fmt.Errorf("open zip: %w", err)
	}
	var entry *zip.File
	for _, f := range zr.File {
		if strings.HasSuffix(strings.ToLower(f.Name), ".csv") {
			entry = f
			break
		}
	}
	if entry == nil {
		return nil, fmt.Errorf("no csv in archive")
	}
	rc, err := entry.Open()
	if err != nil {
		return nil, fmt.Errorf("open zip entry: %w", err)
	}
	defer rc.Close()

	raw, err := io.ReadAll(rc)
	if err != nil {
		return nil, err
	}

	frame := &market.Frame{Symbol: symbol, Timeframe: tf}
	for _, line := range strings.Split(string(raw), "\n") {
		fields := strings.Split(strings.TrimSpace(line), ",")
		if len(fields) < 6 {
			continue
		}
		ms, err := strconv.ParseInt(fields[0], 10, 64)
		if err != nil {
			continue
		}
		// Newer archives use microsecond open times.
		if ms > 1e15 {
			ms /= 1000
		}
		ts := time.UnixMilli(ms).UTC()
		bar := market.Bar{Timestamp: ts, DayOfWeek: market.DayTag(ts)}
		vals := make([]float64, 5)
		ok := true
		for i := 0; i < 5; i++ {
			if vals[i], err = strconv.ParseFloat(fields[i+1], 64); err != nil {
				ok = false
				break
			}
		}
		if !ok {
			continue
		}
		bar.Open, bar.High, bar.Low, bar.Close, bar.Volume = vals[0], vals[1], vals[2], vals[3], vals[4]
		frame.Bars = append(frame.Bars, bar)
	}
	if len(frame.Bars) == 0 {
		return nil, market.ErrEmptyData
	}
	if err := frame.Validate(); err != nil {
		return nil, err
	}
	return frame, nil
}
