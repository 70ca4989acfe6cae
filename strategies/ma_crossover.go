// Package strategies holds the built-in trading strategies and the registry
// the CLIs instantiate them from.
package strategies

import (
	"time"

	"mtfbacktest/services/engine"
	"mtfbacktest/services/market"
)

// sma is a fixed-window simple moving average over a ring of closes.
type sma struct {
	window []float64
	next   int
	filled bool
	sum    float64
}

func newSMA(period int) *sma {
	return &sma{window: make([]float64, period)}
}

func (s *sma) push(v float64) {
	s.sum += v - s.window[s.next]
	s.window[s.next] = v
	s.next++
	if s.next == len(s.window) {
		s.next = 0
		s.filled = true
	}
}

func (s *sma) ready() bool { return s.filled }

func (s *sma) value() float64 {
	return s.sum / float64(len(s.window))
}

// MACrossover goes long when the fast average crosses above the slow one and
// exits on the opposite cross. Stops and targets come from the exit config.
type MACrossover struct {
	engine.DayFilter

	Timeframe  string
	FastPeriod int
	SlowPeriod int
	Exits      engine.ExitConfig

	fast, slow         *sma
	prevFast, prevSlow float64
	warm               bool
}

// NewMACrossover uses the classic 10/30 pair on 5m data unless overridden.
func NewMACrossover() *MACrossover {
	s := &MACrossover{
		Timeframe:  "5m",
		FastPeriod: 10,
		SlowPeriod: 30,
		Exits: engine.ExitConfig{
			SLType:    engine.SLPercent,
			SLPercent: 0.02,
			TPType:    engine.TPRR,
			TPRRRatio: 2,
		},
	}
	s.reset()
	return s
}

func (s *MACrossover) reset() {
	s.fast = newSMA(s.FastPeriod)
	s.slow = newSMA(s.SlowPeriod)
	s.warm = false
}

func (s *MACrossover) applyConfig(cfg map[string]float64) {
	s.FastPeriod = int(cfg["fast_period"])
	s.SlowPeriod = int(cfg["slow_period"])
	s.reset()
}

func (s *MACrossover) Metadata() engine.Metadata {
	return engine.Metadata{
		ID:                 "ma_crossover",
		Name:               "MA Crossover",
		Description:        "Long on fast/slow SMA cross up, flat on cross down.",
		RequiredTimeframes: []string{s.Timeframe},
		BaseTimeframe:      s.Timeframe,
		DefaultSLType:      engine.SLPercent,
		DefaultTPType:      engine.TPRR,
		Params: []engine.Param{
			{Name: "fast_period", Label: "Fast SMA", Kind: "number", Default: 10, Min: 2, Max: 200},
			{Name: "slow_period", Label: "Slow SMA", Kind: "number", Default: 30, Min: 3, Max: 500},
		},
	}
}

func (s *MACrossover) ExitRules() engine.ExitConfig { return s.Exits }

func (s *MACrossover) GenerateSignals(row *market.Row, t time.Time) (*engine.Signal, error) {
	s.fast.push(row.Bar.Close)
	s.slow.push(row.Bar.Close)
	if !s.fast.ready() || !s.slow.ready() {
		return nil, nil
	}

	fast, slow := s.fast.value(), s.slow.value()
	defer func() { s.prevFast, s.prevSlow = fast, slow; s.warm = true }()

	if !s.warm {
		return nil, nil
	}
	crossedUp := s.prevFast <= s.prevSlow && fast > slow
	if !crossedUp {
		return nil, nil
	}
	return &engine.Signal{
		Timestamp:  t,
		Side:       engine.SideLong,
		Confidence: 1,
	}, nil
}

func (s *MACrossover) ShouldExit(pos engine.View, row *market.Row, t time.Time) (bool, error) {
	if !s.fast.ready() || !s.slow.ready() || !s.warm {
		return false, nil
	}
	// Cross back down ends the trade even before the stop is reached.
	return s.fast.value() < s.slow.value(), nil
}
