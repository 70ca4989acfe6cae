package engine

import (
	"time"
)

// Side is the position direction.
type Side int

const (
	SideLong Side = iota
	SideShort
)

func (s Side) String() string {
	if s == SideShort {
		return "short"
	}
	return "long"
}

// Sign is +1 for long, -1 for short; P&L math multiplies by it.
func (s Side) Sign() float64 {
	if s == SideShort {
		return -1
	}
	return 1
}

// Status of a position.
type Status int

const (
	StatusOpen Status = iota
	StatusClosed
)

// CloseReason carries the wire value of why a position closed.
type CloseReason string

const (
	ReasonStopLoss     CloseReason = "stop_loss"
	ReasonTakeProfit   CloseReason = "take_profit"
	ReasonPartialExit  CloseReason = "partial_exit"
	ReasonTimeExit     CloseReason = "time_exit"
	ReasonStrategyExit CloseReason = "strategy_exit"
	ReasonManualExit   CloseReason = "manual_exit"
	ReasonEndOfData    CloseReason = "end_of_data"
)

// PartialExit is one rung of a planned exit ladder: close Fraction of the
// initial size when price reaches entry + RMultiple * risk-in-points
// (sign by side).
type PartialExit struct {
	Fraction  float64
	RMultiple float64
}

// Fill is a single execution against a position: a partial rung, the final
// exit, or both.
type Fill struct {
	Time   time.Time
	Price  float64
	Size   float64
	PnL    float64
	Reason CloseReason
}

// Position is a single trade owned and mutated exclusively by the
// PositionManager. Strategies only ever see it through View.
type Position struct {
	ID       string
	Strategy string
	Side     Side

	EntryTime  time.Time
	EntryPrice float64

	InitialSize   float64
	RemainingSize float64

	// StopLoss and TakeProfit are absolute prices; zero means unset.
	StopLoss   float64
	TakeProfit float64

	// InitialRisk is the account-currency amount at risk between entry and
	// the stop used for sizing; it is frozen at open and anchors both the
	// risk cap and every R-multiple.
	InitialRisk float64

	// riskPoints is |entry - sizing stop|, frozen at open. Rung triggers are
	// computed from it even if the stop is later moved.
	riskPoints float64

	PointValue float64

	Partials []PartialExit
	fired    []bool

	// SLTimeBars closes the position after N bars when > 0.
	SLTimeBars int
	BarsHeld   int

	Status      Status
	CloseReason CloseReason
	CloseTime   time.Time

	RealizedPnL float64
	Fills       []Fill

	// Price extremes observed while open.
	HighestPrice float64
	LowestPrice  float64
}

// RiskPoints is the sizing stop distance frozen at open.
func (p *Position) RiskPoints() float64 { return p.riskPoints }

// IsOpen reports whether the position still has live size.
func (p *Position) IsOpen() bool { return p.Status == StatusOpen }

// UnrealizedPnL marks the remaining size to the given price.
func (p *Position) UnrealizedPnL(price float64) float64 {
	if !p.IsOpen() {
		return 0
	}
	return (price - p.EntryPrice) * p.Side.Sign() * p.RemainingSize * p.PointValue
}

// RMultiple is realized P&L over the initial risk amount.
func (p *Position) RMultiple() float64 {
	if p.InitialRisk == 0 {
		return 0
	}
	return p.RealizedPnL / p.InitialRisk
}

// rungPrice is the trigger price of a ladder rung.
func (p *Position) rungPrice(r float64) float64 {
	return p.EntryPrice + p.Side.Sign()*r*p.riskPoints
}

// observe updates the running price extremes.
func (p *Position) observe(price float64) {
	if price > p.HighestPrice {
		p.HighestPrice = price
	}
	if price < p.LowestPrice {
		p.LowestPrice = price
	}
}

// fill executes size units at price and accumulates realized P&L. Callers
// guarantee size <= RemainingSize.
func (p *Position) fill(t time.Time, price, size float64, reason CloseReason) float64 {
	pnl := (price - p.EntryPrice) * p.Side.Sign() * size * p.PointValue
	p.RealizedPnL += pnl
	p.RemainingSize -= size
	p.Fills = append(p.Fills, Fill{Time: t, Price: price, Size: size, PnL: pnl, Reason: reason})
	p.observe(price)
	return pnl
}

// closeAll fills whatever remains and marks the position closed.
func (p *Position) closeAll(t time.Time, price float64, reason CloseReason) float64 {
	var pnl float64
	if p.RemainingSize > 0 {
		pnl = p.fill(t, price, p.RemainingSize, reason)
	}
	p.Status = StatusClosed
	p.CloseReason = reason
	p.CloseTime = t
	return pnl
}

// firedFraction is the cumulative initial-size fraction already closed by
// ladder rungs.
func (p *Position) firedFraction() float64 {
	var sum float64
	for i, f := range p.fired {
		if f {
			sum += p.Partials[i].Fraction
		}
	}
	return sum
}

// View is the read-only projection of a position handed to strategy
// callbacks.
type View struct {
	ID            string
	Strategy      string
	Side          Side
	EntryTime     time.Time
	EntryPrice    float64
	InitialSize   float64
	RemainingSize float64
	StopLoss      float64
	TakeProfit    float64
	InitialRisk   float64
	BarsHeld      int
	HighestPrice  float64
	LowestPrice   float64
}

// View materializes the read-only projection.
func (p *Position) View() View {
	return View{
		ID:            p.ID,
		Strategy:      p.Strategy,
		Side:          p.Side,
		EntryTime:     p.EntryTime,
		EntryPrice:    p.EntryPrice,
		InitialSize:   p.InitialSize,
		RemainingSize: p.RemainingSize,
		StopLoss:      p.StopLoss,
		TakeProfit:    p.TakeProfit,
		InitialRisk:   p.InitialRisk,
		BarsHeld:      p.BarsHeld,
		HighestPrice:  p.HighestPrice,
		LowestPrice:   p.LowestPrice,
	}
}
