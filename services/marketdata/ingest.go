package marketdata

import (
	"context"
	"fmt"
	"time"

	"go.uber.org/zap"

	"mtfbacktest/services/market"
	"mtfbacktest/services/timeframe"
)

// EnsureSchema creates the candle database and table if they do not exist.
// ReplacingMergeTree keyed by (symbol, interval, open_time_ms) makes repeat
// ingests idempotent.
func (l *Loader) EnsureSchema(ctx context.Context) error {
	if err := l.conn.Exec(ctx, fmt.Sprintf("CREATE DATABASE IF NOT EXISTS %s", l.database)); err != nil {
		return fmt.Errorf("create database: %w", err)
	}
	ddl := fmt.Sprintf(`
		CREATE TABLE IF NOT EXISTS %s.%s (
			symbol String,
			interval LowCardinality(String),
			open_time_ms UInt64,
			open Float64,
			high Float64,
			low Float64,
			close Float64,
			volume Float64,
			ingested_at DateTime64(3),
			version UInt64
		)
		ENGINE = ReplacingMergeTree(version)
		ORDER BY (symbol, interval, open_time_ms)
		SETTINGS index_granularity = 8192
	`, l.database, l.table)
	if err := l.conn.Exec(ctx, ddl); err != nil {
		return fmt.Errorf("create table: %w", err)
	}
	return nil
}

// InsertFrame batch-inserts a frame's bars. The interval column stores the
// db-form label of the frame's timeframe.
func (l *Loader) InsertFrame(ctx context.Context, frame *market.Frame) error {
	if len(frame.Bars) == 0 {
		return market.ErrEmptyData
	}
	interval, err := timeframe.ToDB(frame.Timeframe)
	if err != nil {
		return err
	}

	batch, err := l.conn.PrepareBatch(ctx,
		fmt.Sprintf("INSERT INTO %s.%s SETTINGS insert_deduplicate=1", l.database, l.table))
	if err != nil {
		return fmt.Errorf("prepare batch: %w", err)
	}

	now := time.Now().UTC()
	version := uint64(now.UnixMilli())
	for _, b := range frame.Bars {
		if err := batch.Append(
			frame.Symbol,
			interval,
			uint64(b.Timestamp.UnixMilli()),
			b.Open,
			b.High,
			b.Low,
			b.Close,
			b.Volume,
			now,
			version,
		); err != nil {
			return fmt.Errorf("append bar: %w", err)
		}
	}
	if err := batch.Send(); err != nil {
		return fmt.Errorf("send batch: %w", err)
	}
	l.log.Info("frame ingested",
		zap.String("symbol", frame.Symbol),
		zap.String("interval", interval),
		zap.Int("bars", len(frame.Bars)))
	return nil
}
