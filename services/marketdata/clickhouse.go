package marketdata

import (
	"context"
	"fmt"
	"time"

	clickhouse "github.com/ClickHouse/clickhouse-go/v2"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"mtfbacktest/services/market"
	"mtfbacktest/services/timeframe"
)

// Loader reads candle frames out of a ClickHouse candle table shaped
// (symbol String, interval String, open_time_ms Int64, open..close
// Decimal/String, volume).
type Loader struct {
	conn     clickhouse.Conn
	database string
	table    string
	log      *zap.Logger
}

// ClickHouseConfig holds the connection settings for a Loader.
type ClickHouseConfig struct {
	Addr     string
	Database string
	Table    string
	User     string
	Password string
}

// NewLoader opens a native ClickHouse connection and pings it.
func NewLoader(ctx context.Context, cfg ClickHouseConfig, log *zap.Logger) (*Loader, error) {
	if log == nil {
		log = zap.NewNop()
	}
	conn, err := clickhouse.Open(&clickhouse.Options{
		Addr: []string{cfg.Addr},
		Auth: clickhouse.Auth{
			Database: cfg.Database,
			Username: cfg.User,
			Password: cfg.Password,
		},
		Settings: clickhouse.Settings{
			"max_execution_time": uint64(0),
		},
	})
	if err != nil {
		return nil, fmt.Errorf("open clickhouse: %w", err)
	}
	if err := conn.Ping(ctx); err != nil {
		return nil, fmt.Errorf("ping clickhouse: %w", err)
	}
	return &Loader{conn: conn, database: cfg.Database, table: cfg.Table, log: log}, nil
}

// Close releases the connection.
func (l *Loader) Close() error { return l.conn.Close() }

// LoadFrame fetches [from, to) bars of one symbol and timeframe, ordered by
// open time. The interval column uses the db label convention (m5, h1).
func (l *Loader) LoadFrame(ctx context.Context, symbol, tf string, from, to time.Time) (*market.Frame, error) {
	interval, err := timeframe.ToDB(tf)
	if err != nil {
		return nil, err
	}

	query := fmt.Sprintf(`
SELECT open_time_ms, toString(open), toString(high), toString(low), toString(close), toString(volume)
FROM %s.%s
WHERE symbol = ? AND interval = ? AND open_time_ms >= ? AND open_time_ms < ?
ORDER BY open_time_ms`, l.database, l.table)

	rows, err := l.conn.Query(ctx, query, symbol, interval, from.UnixMilli(), to.UnixMilli())
	if err != nil {
		return nil, fmt.Errorf("query candles: %w", err)
	}
	defer rows.Close()

	frame := &market.Frame{Symbol: symbol, Timeframe: tf}
	for rows.Next() {
		var (
			ms                            int64
			open, high, low, close_, vol string
		)
		if err := rows.Scan(&ms, &open, &high, &low, &close_, &vol); err != nil {
			return nil, fmt.Errorf("scan candle: %w", err)
		}
		bar, err := barFromStrings(ms, open, high, low, close_, vol)
		if err != nil {
			l.log.Warn("skipping malformed candle",
				zap.String("symbol", symbol), zap.Int64("open_time_ms", ms), zap.Error(err))
			continue
		}
		frame.Bars = append(frame.Bars, bar)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate candles: %w", err)
	}
	if len(frame.Bars) == 0 {
		return nil, fmt.Errorf("%w: %s %s", market.ErrEmptyData, symbol, interval)
	}
	if err := frame.Validate(); err != nil {
		return nil, err
	}
	l.log.Info("frame loaded",
		zap.String("symbol", symbol), zap.String("interval", interval), zap.Int("bars", len(frame.Bars)))
	return frame, nil
}

// LoadFrames fetches every requested timeframe for one symbol, keyed by the
// caller's timeframe labels.
func (l *Loader) LoadFrames(ctx context.Context, symbol string, tfs []string, from, to time.Time) (map[string]*market.Frame, error) {
	out := make(map[string]*market.Frame, len(tfs))
	for _, tf := range tfs {
		frame, err := l.LoadFrame(ctx, symbol, tf, from, to)
		if err != nil {
			return nil, err
		}
		out[tf] = frame
	}
	return out, nil
}

func barFromStrings(ms int64, open, high, low, close_, vol string) (market.Bar, error) {
	ts := time.UnixMilli(ms).UTC()
	bar := market.Bar{Timestamp: ts, DayOfWeek: market.DayTag(ts)}
	for _, f := range []struct {
		dst *float64
		src string
	}{
		{&bar.Open, open}, {&bar.High, high}, {&bar.Low, low}, {&bar.Close, close_}, {&bar.Volume, vol},
	} {
		d, err := decimal.NewFromString(f.src)
		if err != nil {
			return market.Bar{}, fmt.Errorf("parse %q: %w", f.src, err)
		}
		*f.dst, _ = d.Float64()
	}
	return bar, nil
}
