package engine

import (
	"fmt"
	"math"
	"time"

	"mtfbacktest/services/market"
)

// defaultStopDistancePct sizes time-only exits: when a strategy carries no
// price stop at all, risk is computed as if the stop sat 1% away from entry.
const defaultStopDistancePct = 0.01

// RiskPolicy is the account-level risk configuration shared by every
// strategy in a run.
type RiskPolicy struct {
	InitialCapital float64
	// PerTradeRisk is the equity fraction risked per position unless the
	// strategy overrides it.
	PerTradeRisk float64
	// MaxTotalRisk caps the sum of open initial risks as an equity fraction.
	MaxTotalRisk float64
	// Compounding switches sizing capital from initial capital to current
	// equity (realized plus unrealized).
	Compounding bool
}

// OpenRequest carries everything the manager needs to admit one position.
type OpenRequest struct {
	Strategy   string
	Side       Side
	Time       time.Time
	EntryPrice float64
	PointValue float64

	// StopLoss and TakeProfit zero mean "derive from Exits".
	StopLoss   float64
	TakeProfit float64

	Partials []PartialExit

	Exits        ExitConfig
	RiskFraction float64
}

// PositionManager owns every position of a run: admission, sizing, the risk
// cap, and the per-bar exit cascade. It is not safe for concurrent use; the
// engine drives it from a single goroutine.
type PositionManager struct {
	policy RiskPolicy

	open   []*Position
	closed []*Position

	nextID   int
	rejected int
}

// NewPositionManager builds a manager for one run.
func NewPositionManager(policy RiskPolicy) *PositionManager {
	return &PositionManager{policy: policy}
}

// Open returns positions still holding size, in open order.
func (m *PositionManager) Open() []*Position { return m.open }

// Closed returns fully closed positions, in close order.
func (m *PositionManager) Closed() []*Position { return m.closed }

// Rejected counts signals denied by the risk cap.
func (m *PositionManager) Rejected() int { return m.rejected }

// RealizedEquity is initial capital plus realized P&L of every fill so far,
// including partial fills on positions still open.
func (m *PositionManager) RealizedEquity() float64 {
	eq := m.policy.InitialCapital
	for _, p := range m.closed {
		eq += p.RealizedPnL
	}
	for _, p := range m.open {
		eq += p.RealizedPnL
	}
	return eq
}

// UnrealizedPnL marks every open position to price.
func (m *PositionManager) UnrealizedPnL(price float64) float64 {
	var pnl float64
	for _, p := range m.open {
		pnl += p.UnrealizedPnL(price)
	}
	return pnl
}

// EffectiveCapital is the capital base for sizing and the risk cap: initial
// capital when compounding is off, current equity when it is on.
func (m *PositionManager) EffectiveCapital(price float64) float64 {
	if !m.policy.Compounding {
		return m.policy.InitialCapital
	}
	return m.RealizedEquity() + m.UnrealizedPnL(price)
}

// HasOpen reports whether the strategy already holds an open position.
func (m *PositionManager) HasOpen(strategy string) bool {
	for _, p := range m.open {
		if p.Strategy == strategy {
			return true
		}
	}
	return false
}

// OpenForStrategy returns the strategy's open positions in open order.
func (m *PositionManager) OpenForStrategy(strategy string) []*Position {
	var out []*Position
	for _, p := range m.open {
		if p.Strategy == strategy {
			out = append(out, p)
		}
	}
	return out
}

// OpenPosition admits one position: derives stop and target prices, sizes
// the trade off the effective capital, enforces the risk cap, and registers
// the position. Sizing and the cap check are atomic with registration; a cap
// denial is counted and returned as ErrRiskCapExceeded.
func (m *PositionManager) OpenPosition(req OpenRequest) (*Position, error) {
	entry := req.EntryPrice

	stop := req.StopLoss
	if stop == 0 {
		stop = deriveStop(req.Side, entry, req.Exits)
	}
	if stop != 0 {
		if req.Side == SideLong && stop >= entry {
			return nil, fmt.Errorf("%w: long stop %g >= entry %g", ErrInvalidStop, stop, entry)
		}
		if req.Side == SideShort && stop <= entry {
			return nil, fmt.Errorf("%w: short stop %g <= entry %g", ErrInvalidStop, stop, entry)
		}
	}

	// riskPoints anchors sizing and every rung trigger. Without a price stop
	// (pure time exit) a default distance stands in.
	riskPoints := math.Abs(entry - stop)
	if stop == 0 {
		riskPoints = entry * defaultStopDistancePct
	}
	if riskPoints == 0 {
		return nil, ErrInvalidStop
	}

	target := req.TakeProfit
	if target == 0 {
		target = deriveTarget(req.Side, entry, riskPoints, req.Exits)
	}
	if target != 0 {
		if req.Side == SideLong && target <= entry {
			return nil, fmt.Errorf("invalid take profit: long target %g <= entry %g", target, entry)
		}
		if req.Side == SideShort && target >= entry {
			return nil, fmt.Errorf("invalid take profit: short target %g >= entry %g", target, entry)
		}
	}

	partials := req.Partials
	if len(partials) == 0 {
		partials = req.Exits.Partials
	}
	if err := validatePartials(partials); err != nil {
		return nil, err
	}

	riskFrac := req.RiskFraction
	if riskFrac == 0 {
		riskFrac = req.Exits.RiskFraction
	}
	if riskFrac == 0 {
		riskFrac = m.policy.PerTradeRisk
	}

	capital := m.EffectiveCapital(entry)
	riskAmount := riskFrac * capital
	size := riskAmount / (riskPoints * req.PointValue)
	if size <= 0 || math.IsInf(size, 0) || math.IsNaN(size) {
		return nil, fmt.Errorf("%w: degenerate size from risk %g / points %g", ErrInvalidStop, riskAmount, riskPoints)
	}

	if m.policy.MaxTotalRisk > 0 {
		var openRisk float64
		for _, p := range m.open {
			openRisk += p.InitialRisk
		}
		// The cap is a strict bound: an open that would land exactly on it is
		// denied too.
		if openRisk+riskAmount > m.policy.MaxTotalRisk*capital-1e-9 {
			m.rejected++
			return nil, fmt.Errorf("%w: open %.2f + new %.2f reaches cap %.2f",
				ErrRiskCapExceeded, openRisk, riskAmount, m.policy.MaxTotalRisk*capital)
		}
	}

	m.nextID++
	pos := &Position{
		ID:            fmt.Sprintf("pos_%d", m.nextID),
		Strategy:      req.Strategy,
		Side:          req.Side,
		EntryTime:     req.Time,
		EntryPrice:    entry,
		InitialSize:   size,
		RemainingSize: size,
		StopLoss:      stop,
		TakeProfit:    target,
		InitialRisk:   riskAmount,
		riskPoints:    riskPoints,
		PointValue:    req.PointValue,
		Partials:      append([]PartialExit(nil), partials...),
		fired:         make([]bool, len(partials)),
		SLTimeBars:    req.Exits.SLTimeBars,
		Status:        StatusOpen,
		HighestPrice:  entry,
		LowestPrice:   entry,
	}
	m.open = append(m.open, pos)
	return pos, nil
}

func deriveStop(side Side, entry float64, cfg ExitConfig) float64 {
	if cfg.SLType != SLPercent || cfg.SLPercent <= 0 {
		return 0
	}
	return entry * (1 - side.Sign()*cfg.SLPercent)
}

func deriveTarget(side Side, entry, riskPoints float64, cfg ExitConfig) float64 {
	switch cfg.TPType {
	case TPPercent:
		if cfg.TPPercent > 0 {
			return entry * (1 + side.Sign()*cfg.TPPercent)
		}
	case TPRR:
		if cfg.TPRRRatio > 0 {
			return entry + side.Sign()*cfg.TPRRRatio*riskPoints
		}
	}
	return 0
}

func validatePartials(partials []PartialExit) error {
	var sum float64
	lastR := 0.0
	for _, r := range partials {
		if r.Fraction <= 0 || r.RMultiple <= 0 {
			return fmt.Errorf("%w: fraction %g at %gR", ErrInvalidPartials, r.Fraction, r.RMultiple)
		}
		if r.RMultiple <= lastR {
			return fmt.Errorf("%w: rungs must ascend, %gR after %gR", ErrInvalidPartials, r.RMultiple, lastR)
		}
		lastR = r.RMultiple
		sum += r.Fraction
	}
	if sum > 1+1e-9 {
		return fmt.Errorf("%w: fractions sum to %g", ErrInvalidPartials, sum)
	}
	return nil
}

// ExitEvent records one manager-driven action on a position during a bar.
type ExitEvent struct {
	Position *Position
	Reason   CloseReason
	Price    float64
	Size     float64
	Closed   bool
}

// EvaluateBar runs the exit cascade for one position against one bar:
// stop loss first (pessimistic, fills at the stop even through gaps), then
// partial rungs in ascending R order, then take profit, then the time exit.
// It returns the events in execution order; the caller removes closed
// positions afterwards.
func (m *PositionManager) EvaluateBar(p *Position, bar market.Bar) []ExitEvent {
	if !p.IsOpen() {
		return nil
	}

	var events []ExitEvent
	t := bar.Timestamp

	// Pessimistic intrabar model: if the bar's adverse extreme touches the
	// stop, the stop fires before anything favourable in the same bar.
	if p.StopLoss != 0 {
		touched := (p.Side == SideLong && bar.Low <= p.StopLoss) ||
			(p.Side == SideShort && bar.High >= p.StopLoss)
		if touched {
			size := p.RemainingSize
			p.observe(bar.High)
			p.observe(bar.Low)
			p.closeAll(t, p.StopLoss, ReasonStopLoss)
			m.retire(p)
			return append(events, ExitEvent{Position: p, Reason: ReasonStopLoss, Price: p.StopLoss, Size: size, Closed: true})
		}
	}

	p.observe(bar.High)
	p.observe(bar.Low)

	favorable := bar.High
	if p.Side == SideShort {
		favorable = bar.Low
	}

	for i, rung := range p.Partials {
		if p.fired[i] || !p.IsOpen() {
			continue
		}
		trigger := p.rungPrice(rung.RMultiple)
		hit := (p.Side == SideLong && favorable >= trigger) ||
			(p.Side == SideShort && favorable <= trigger)
		if !hit {
			break
		}
		p.fired[i] = true
		size := rung.Fraction * p.InitialSize
		if size >= p.RemainingSize-1e-12 || p.firedFraction() >= 1-1e-9 {
			size = p.RemainingSize
			p.closeAll(t, trigger, ReasonPartialExit)
			m.retire(p)
			events = append(events, ExitEvent{Position: p, Reason: ReasonPartialExit, Price: trigger, Size: size, Closed: true})
			return events
		}
		p.fill(t, trigger, size, ReasonPartialExit)
		events = append(events, ExitEvent{Position: p, Reason: ReasonPartialExit, Price: trigger, Size: size})
	}

	if p.IsOpen() && p.TakeProfit != 0 {
		hit := (p.Side == SideLong && bar.High >= p.TakeProfit) ||
			(p.Side == SideShort && bar.Low <= p.TakeProfit)
		if hit {
			size := p.RemainingSize
			p.closeAll(t, p.TakeProfit, ReasonTakeProfit)
			m.retire(p)
			return append(events, ExitEvent{Position: p, Reason: ReasonTakeProfit, Price: p.TakeProfit, Size: size, Closed: true})
		}
	}

	if p.IsOpen() && p.SLTimeBars > 0 && p.BarsHeld >= p.SLTimeBars {
		size := p.RemainingSize
		p.closeAll(t, bar.Close, ReasonTimeExit)
		m.retire(p)
		return append(events, ExitEvent{Position: p, Reason: ReasonTimeExit, Price: bar.Close, Size: size, Closed: true})
	}

	return events
}

// ClosePosition closes the remainder at price for the given reason.
func (m *PositionManager) ClosePosition(p *Position, t time.Time, price float64, reason CloseReason) {
	if !p.IsOpen() {
		return
	}
	p.closeAll(t, price, reason)
	m.retire(p)
}

// CloseAll flushes every open position at price, used at end of data and on
// cancellation.
func (m *PositionManager) CloseAll(t time.Time, price float64, reason CloseReason) {
	for len(m.open) > 0 {
		m.ClosePosition(m.open[0], t, price, reason)
	}
}

func (m *PositionManager) retire(p *Position) {
	for i, q := range m.open {
		if q == p {
			m.open = append(m.open[:i], m.open[i+1:]...)
			break
		}
	}
	m.closed = append(m.closed, p)
}
