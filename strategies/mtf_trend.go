package strategies

import (
	"time"

	"mtfbacktest/services/engine"
	"mtfbacktest/services/market"
)

// MTFTrend trades 5m pullbacks in the direction of the 1h trend. The hourly
// trend is a fast/slow SMA comparison fed only when a new closed 1h bar
// shows up in the aligned row, so the hourly state never ticks intrabar.
// Stops sit under the recent swing low and the position scales out on a
// fixed R ladder.
type MTFTrend struct {
	// DayFilter gates entries; leave empty to trade every day.
	engine.DayFilter

	BaseTimeframe   string
	HigherTimeframe string
	FastPeriod      int
	SlowPeriod      int
	SwingLookback   int

	hourFast, hourSlow *sma
	lastHourMs         float64

	lows      []float64
	highs     []float64
	prevAbove bool
	warm      bool
}

// NewMTFTrend is the default 5m/1h configuration.
func NewMTFTrend() *MTFTrend {
	s := &MTFTrend{
		BaseTimeframe:   "5m",
		HigherTimeframe: "1h",
		FastPeriod:      8,
		SlowPeriod:      21,
		SwingLookback:   12,
	}
	s.hourFast = newSMA(s.FastPeriod)
	s.hourSlow = newSMA(s.SlowPeriod)
	return s
}

func (s *MTFTrend) applyConfig(cfg map[string]float64) {
	s.FastPeriod = int(cfg["fast_period"])
	s.SlowPeriod = int(cfg["slow_period"])
	s.SwingLookback = int(cfg["swing_lookback"])
	s.hourFast = newSMA(s.FastPeriod)
	s.hourSlow = newSMA(s.SlowPeriod)
}

func (s *MTFTrend) Metadata() engine.Metadata {
	return engine.Metadata{
		ID:                 "mtf_trend",
		Name:               "Multi-Timeframe Trend",
		Description:        "5m entries gated by the 1h SMA trend, swing-low stop, laddered exits.",
		RequiredTimeframes: []string{s.BaseTimeframe, s.HigherTimeframe},
		BaseTimeframe:      s.BaseTimeframe,
		UsesCustomSL:       true,
		Params: []engine.Param{
			{Name: "fast_period", Label: "1h fast SMA", Kind: "number", Default: 8, Min: 2, Max: 100},
			{Name: "slow_period", Label: "1h slow SMA", Kind: "number", Default: 21, Min: 3, Max: 300},
			{Name: "swing_lookback", Label: "Swing low bars", Kind: "number", Default: 12, Min: 2, Max: 200},
		},
	}
}

func (s *MTFTrend) ExitRules() engine.ExitConfig {
	return engine.ExitConfig{
		SLTimeBars: 288, // one day of 5m bars if nothing else fires
		Partials: []engine.PartialExit{
			{Fraction: 0.5, RMultiple: 2},
			{Fraction: 0.5, RMultiple: 4},
		},
	}
}

func (s *MTFTrend) GenerateSignals(row *market.Row, t time.Time) (*engine.Signal, error) {
	s.trackSwing(row.Bar)

	hourClose, ok := row.Value(s.HigherTimeframe + "_close")
	if !ok {
		return nil, nil
	}
	// The aligned row repeats the same closed 1h bar across its twelve 5m
	// rows; only a fresh one advances the hourly averages.
	if hourMs, ok := row.Value(s.HigherTimeframe + "_time_ms"); ok && hourMs != s.lastHourMs {
		s.lastHourMs = hourMs
		s.hourFast.push(hourClose)
		s.hourSlow.push(hourClose)
	}
	if !s.hourFast.ready() || !s.hourSlow.ready() {
		return nil, nil
	}

	above := s.hourFast.value() > s.hourSlow.value()
	defer func() { s.prevAbove = above; s.warm = true }()
	if !s.warm || !above || s.prevAbove {
		// Enter only on the bar where the hourly trend turns up.
		return nil, nil
	}

	stop := s.swingLow()
	if stop <= 0 || stop >= row.Bar.Close {
		return nil, nil
	}
	return &engine.Signal{
		Timestamp:  t,
		Side:       engine.SideLong,
		Confidence: 1,
		SLPrice:    stop,
		Tags:       map[string]string{"trend": "up"},
	}, nil
}

func (s *MTFTrend) ShouldExit(pos engine.View, row *market.Row, t time.Time) (bool, error) {
	if !s.hourFast.ready() || !s.hourSlow.ready() {
		return false, nil
	}
	// Trend flip closes whatever the ladder left open.
	return s.hourFast.value() < s.hourSlow.value(), nil
}

func (s *MTFTrend) trackSwing(bar market.Bar) {
	s.lows = append(s.lows, bar.Low)
	s.highs = append(s.highs, bar.High)
	if len(s.lows) > s.SwingLookback {
		s.lows = s.lows[1:]
		s.highs = s.highs[1:]
	}
}

func (s *MTFTrend) swingLow() float64 {
	if len(s.lows) < s.SwingLookback {
		return 0
	}
	low := s.lows[0]
	for _, v := range s.lows[1:] {
		if v < low {
			low = v
		}
	}
	return low
}
