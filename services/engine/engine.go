// Package engine runs event-driven, bar-by-bar backtests over aligned
// multi-timeframe data. Strategies see each base bar exactly once, at its
// close, and act through signals; the engine owns every position and every
// piece of account state.
package engine

import (
	"fmt"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"mtfbacktest/services/align"
	"mtfbacktest/services/market"
	"mtfbacktest/services/timeframe"
)

// Config is the run-level configuration of an Engine.
type Config struct {
	InitialCapital float64
	PerTradeRisk   float64
	MaxTotalRisk   float64
	Compounding    bool

	// PointValue converts price points to account currency per unit of size.
	PointValue float64

	// BaseTimeframe, when set, must agree with the shortest timeframe the
	// registered strategies require; it guards against running a 5m strategy
	// set over the wrong data cut.
	BaseTimeframe string

	// Start and End bound the processed window; zero values mean unbounded.
	Start time.Time
	End   time.Time

	// MinutesPerYear anchors annualization; zero defaults to 525600.
	MinutesPerYear float64
}

// TradeRecord is one closed trade as it appears in reports and the trade CSV.
type TradeRecord struct {
	ID           string      `json:"id"`
	Strategy     string      `json:"strategy"`
	Side         string      `json:"side"`
	EntryTime    time.Time   `json:"entry_time"`
	EntryPrice   float64     `json:"entry_price"`
	ExitTime     time.Time   `json:"exit_time"`
	ExitPrice    float64     `json:"exit_price"`
	InitialSize  float64     `json:"initial_size"`
	InitialRisk  float64     `json:"initial_risk"`
	RealizedPnL  float64     `json:"realized_pnl"`
	RMultiple    float64     `json:"r_multiple"`
	CloseReason  CloseReason `json:"close_reason"`
	DurationBars int         `json:"duration_bars"`
}

// Result is everything a finished run produced.
type Result struct {
	RunID       string             `json:"run_id"`
	Summary     Metrics            `json:"summary"`
	PerStrategy map[string]Metrics `json:"per_strategy"`
	Trades      []TradeRecord      `json:"trades"`
	Equity      []EquitySample     `json:"equity"`
	Bars        int                `json:"bars"`
	Rejected    int                `json:"rejected_signals"`
	Cancelled   bool               `json:"cancelled"`
}

// Engine wires strategies, the position manager and the tracker into one
// deterministic run. Register everything, then call Run once.
type Engine struct {
	cfg Config
	log *zap.Logger

	strategies []Strategy
	names      map[string]bool

	cancelled atomic.Bool
}

// Option configures an Engine.
type Option func(*Engine)

// WithLogger replaces the default no-op logger.
func WithLogger(log *zap.Logger) Option {
	return func(e *Engine) { e.log = log }
}

// New builds an Engine. Zero risk fractions get conservative defaults.
func New(cfg Config, opts ...Option) *Engine {
	if cfg.PerTradeRisk == 0 {
		cfg.PerTradeRisk = 0.01
	}
	if cfg.PointValue == 0 {
		cfg.PointValue = 1
	}
	if cfg.MinutesPerYear == 0 {
		cfg.MinutesPerYear = 525600
	}
	e := &Engine{cfg: cfg, log: zap.NewNop(), names: make(map[string]bool)}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// Register adds a strategy. Registration order fixes signal evaluation order
// for the whole run.
func (e *Engine) Register(s Strategy) error {
	id := s.Metadata().ID
	if id == "" {
		return fmt.Errorf("strategy has empty ID")
	}
	if e.names[id] {
		return fmt.Errorf("%w: %s", ErrDuplicateStrategy, id)
	}
	e.names[id] = true
	e.strategies = append(e.strategies, s)
	return nil
}

// Cancel requests a stop. The run finishes the bar in flight, force-closes
// every open position at the last observed close, and returns a partial
// result. Safe to call from another goroutine.
func (e *Engine) Cancel() { e.cancelled.Store(true) }

// Run aligns the data, walks it bar by bar, and returns the full result.
// Per bar the order is fixed: signals in registration order, then exits,
// then one equity sample. Positions opened on a bar are not exit-checked on
// that same bar.
func (e *Engine) Run(data map[string]*market.Frame) (*Result, error) {
	if len(e.strategies) == 0 {
		return nil, ErrNoStrategies
	}

	tfs, baseMinutes, err := e.collectTimeframes()
	if err != nil {
		return nil, err
	}
	for key, frame := range data {
		if err := frame.Validate(); err != nil {
			return nil, fmt.Errorf("frame %s: %w", key, err)
		}
	}

	aligned, err := align.Align(data, tfs)
	if err != nil {
		return nil, err
	}
	rows := e.window(aligned.Rows)
	if len(rows) == 0 {
		return nil, market.ErrEmptyData
	}

	runID := uuid.NewString()
	e.log.Info("run starting",
		zap.String("run_id", runID),
		zap.Int("bars", len(rows)),
		zap.Int("strategies", len(e.strategies)),
		zap.Strings("timeframes", tfs))

	mgr := NewPositionManager(RiskPolicy{
		InitialCapital: e.cfg.InitialCapital,
		PerTradeRisk:   e.cfg.PerTradeRisk,
		MaxTotalRisk:   e.cfg.MaxTotalRisk,
		Compounding:    e.cfg.Compounding,
	})
	tracker := NewPerformanceTracker(e.cfg.InitialCapital)

	var (
		lastClose float64
		lastTime  time.Time
		cancelled bool
		barCount  int
	)

	for i := range rows {
		if e.cancelled.Load() {
			cancelled = true
			break
		}
		row := &rows[i]
		t := row.Bar.Timestamp
		lastClose = row.Bar.Close
		lastTime = t
		barCount++

		for _, s := range e.strategies {
			e.handleSignal(mgr, s, row, t)
		}

		for _, s := range e.strategies {
			e.handleExits(mgr, s, row, t)
		}

		// End-of-data closes happen before the final sample so the equity
		// curve carries exactly one sample per bar.
		if i == len(rows)-1 {
			mgr.CloseAll(t, row.Bar.Close, ReasonEndOfData)
		}

		tracker.Update(t, mgr.RealizedEquity(), mgr.UnrealizedPnL(row.Bar.Close))
	}

	if cancelled {
		e.log.Warn("run cancelled", zap.String("run_id", runID), zap.Int("bars_done", barCount))
		// The last sample already priced these positions at lastClose, so the
		// forced close leaves its equity value intact.
		mgr.CloseAll(lastTime, lastClose, ReasonManualExit)
	}

	trades := tradeRecords(mgr.Closed())
	summary := tracker.Compute(trades, baseMinutes, e.cfg.MinutesPerYear, mgr.Rejected())

	perStrategy := make(map[string]Metrics, len(e.strategies))
	for _, s := range e.strategies {
		id := s.Metadata().ID
		var own []TradeRecord
		for _, tr := range trades {
			if tr.Strategy == id {
				own = append(own, tr)
			}
		}
		perStrategy[id] = MetricsFromTrades(own, e.cfg.InitialCapital, baseMinutes, e.cfg.MinutesPerYear)
	}

	e.log.Info("run finished",
		zap.String("run_id", runID),
		zap.Int("trades", len(trades)),
		zap.Float64("net_profit", summary.NetProfit),
		zap.Int("rejected", mgr.Rejected()))

	return &Result{
		RunID:       runID,
		Summary:     summary,
		PerStrategy: perStrategy,
		Trades:      trades,
		Equity:      tracker.Samples(),
		Bars:        barCount,
		Rejected:    mgr.Rejected(),
		Cancelled:   cancelled,
	}, nil
}

// handleSignal asks one strategy for a signal and tries to open the
// position. Strategy panics and errors are demoted to "no signal"; invalid
// stops are logged and dropped; cap rejections are already counted by the
// manager.
func (e *Engine) handleSignal(mgr *PositionManager, s Strategy, row *market.Row, t time.Time) {
	id := s.Metadata().ID
	cfg := s.ExitRules()

	// GenerateSignals runs on every bar so stateful indicators stay warm;
	// the signal itself is dropped while the strategy already holds a
	// position or the day filter blocks entries.
	sig, err := e.safeGenerate(s, row, t)
	if err != nil {
		e.log.Warn("strategy signal failed", zap.String("strategy", id), zap.Time("bar", t), zap.Error(err))
		return
	}
	if sig == nil || mgr.HasOpen(id) || !e.safeAllowed(s, row, t) {
		return
	}

	_, err = mgr.OpenPosition(OpenRequest{
		Strategy:   id,
		Side:       sig.Side,
		Time:       t,
		EntryPrice: row.Bar.Close,
		PointValue: e.cfg.PointValue,
		StopLoss:   sig.SLPrice,
		TakeProfit: sig.TPPrice,
		Partials:   sig.Partials,
		Exits:      cfg,
	})
	if err != nil {
		e.log.Warn("signal not opened", zap.String("strategy", id), zap.Time("bar", t), zap.Error(err))
	}
}

// handleExits runs the mechanical exit cascade for one strategy's positions,
// then consults ShouldExit for whatever survived. Positions opened on this
// bar are skipped entirely.
func (e *Engine) handleExits(mgr *PositionManager, s Strategy, row *market.Row, t time.Time) {
	id := s.Metadata().ID
	for _, p := range mgr.OpenForStrategy(id) {
		if p.EntryTime.Equal(t) {
			continue
		}
		p.BarsHeld++
		events := mgr.EvaluateBar(p, row.Bar)
		for _, ev := range events {
			e.log.Debug("exit event",
				zap.String("position", ev.Position.ID),
				zap.String("reason", string(ev.Reason)),
				zap.Float64("price", ev.Price),
				zap.Bool("closed", ev.Closed))
		}
		if !p.IsOpen() {
			continue
		}
		exit, err := e.safeShouldExit(s, p.View(), row, t)
		if err != nil {
			e.log.Warn("strategy exit check failed", zap.String("strategy", id), zap.Time("bar", t), zap.Error(err))
			continue
		}
		if exit {
			mgr.ClosePosition(p, t, row.Bar.Close, ReasonStrategyExit)
		}
	}
}

func (e *Engine) safeGenerate(s Strategy, row *market.Row, t time.Time) (sig *Signal, err error) {
	defer func() {
		if r := recover(); r != nil {
			sig, err = nil, fmt.Errorf("strategy panic: %v", r)
		}
	}()
	return s.GenerateSignals(row, t)
}

func (e *Engine) safeAllowed(s Strategy, row *market.Row, t time.Time) (ok bool) {
	defer func() {
		if r := recover(); r != nil {
			ok = false
		}
	}()
	return s.IsTradingTimeAllowed(row, t)
}

func (e *Engine) safeShouldExit(s Strategy, v View, row *market.Row, t time.Time) (exit bool, err error) {
	defer func() {
		if r := recover(); r != nil {
			exit, err = false, fmt.Errorf("strategy panic: %v", r)
		}
	}()
	return s.ShouldExit(v, row, t)
}

// collectTimeframes merges the timeframe requirements of every registered
// strategy into one ascending list whose first entry is the common base.
func (e *Engine) collectTimeframes() ([]string, uint32, error) {
	seen := make(map[uint32]string)
	var all []string
	for _, s := range e.strategies {
		md := s.Metadata()
		req := md.RequiredTimeframes
		if len(req) == 0 && md.BaseTimeframe != "" {
			req = []string{md.BaseTimeframe}
		}
		for _, tf := range req {
			m, err := timeframe.ToMinutes(tf)
			if err != nil {
				return nil, 0, fmt.Errorf("strategy %s: %w", md.ID, err)
			}
			if _, ok := seen[m]; !ok {
				seen[m] = tf
				all = append(all, tf)
			}
		}
	}
	if len(all) == 0 {
		return nil, 0, fmt.Errorf("no timeframes required by any strategy")
	}
	sorted, err := timeframe.SortByDuration(all)
	if err != nil {
		return nil, 0, err
	}
	base, _ := timeframe.ToMinutes(sorted[0])
	if e.cfg.BaseTimeframe != "" && !timeframe.AreEquivalent(e.cfg.BaseTimeframe, sorted[0]) {
		return nil, 0, fmt.Errorf("configured base timeframe %s does not match strategy base %s",
			e.cfg.BaseTimeframe, sorted[0])
	}
	return sorted, base, nil
}

// window trims rows to [Start, End].
func (e *Engine) window(rows []market.Row) []market.Row {
	lo, hi := 0, len(rows)
	if !e.cfg.Start.IsZero() {
		for lo < hi && rows[lo].Bar.Timestamp.Before(e.cfg.Start) {
			lo++
		}
	}
	if !e.cfg.End.IsZero() {
		for hi > lo && rows[hi-1].Bar.Timestamp.After(e.cfg.End) {
			hi--
		}
	}
	return rows[lo:hi]
}

func tradeRecords(closed []*Position) []TradeRecord {
	out := make([]TradeRecord, 0, len(closed))
	for _, p := range closed {
		var exitPrice float64
		if n := len(p.Fills); n > 0 {
			exitPrice = p.Fills[n-1].Price
		}
		out = append(out, TradeRecord{
			ID:           p.ID,
			Strategy:     p.Strategy,
			Side:         p.Side.String(),
			EntryTime:    p.EntryTime,
			EntryPrice:   p.EntryPrice,
			ExitTime:     p.CloseTime,
			ExitPrice:    exitPrice,
			InitialSize:  p.InitialSize,
			InitialRisk:  p.InitialRisk,
			RealizedPnL:  p.RealizedPnL,
			RMultiple:    p.RMultiple(),
			CloseReason:  p.CloseReason,
			DurationBars: p.BarsHeld,
		})
	}
	return out
}
