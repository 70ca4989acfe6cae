package engine

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"mtfbacktest/services/market"
)

var t0 = time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)

func newTestManager(maxRisk float64, compounding bool) *PositionManager {
	return NewPositionManager(RiskPolicy{
		InitialCapital: 10000,
		PerTradeRisk:   0.01,
		MaxTotalRisk:   maxRisk,
		Compounding:    compounding,
	})
}

func openLong(t *testing.T, m *PositionManager, entry, stop float64) *Position {
	t.Helper()
	p, err := m.OpenPosition(OpenRequest{
		Strategy:   "test",
		Side:       SideLong,
		Time:       t0,
		EntryPrice: entry,
		PointValue: 1,
		StopLoss:   stop,
	})
	require.NoError(t, err)
	return p
}

func bar(ts time.Time, o, h, l, c float64) market.Bar {
	return market.Bar{Timestamp: ts, Open: o, High: h, Low: l, Close: c, DayOfWeek: market.DayTag(ts)}
}

func TestSizingIdentity(t *testing.T) {
	m := newTestManager(0, false)
	p := openLong(t, m, 100, 95)

	// size * |entry-stop| * pointValue == perTradeRisk * capital
	assert.InDelta(t, 0.01*10000, p.InitialSize*5*1, 1e-9)
	assert.InDelta(t, 100.0, p.InitialRisk, 1e-9)
	assert.InDelta(t, 5.0, p.RiskPoints(), 1e-9)
	assert.Equal(t, "pos_1", p.ID)
}

func TestInvalidStop(t *testing.T) {
	m := newTestManager(0, false)

	_, err := m.OpenPosition(OpenRequest{
		Strategy: "test", Side: SideLong, Time: t0,
		EntryPrice: 100, PointValue: 1, StopLoss: 100,
	})
	assert.ErrorIs(t, err, ErrInvalidStop)

	// Stop on the wrong side of entry is rejected too.
	_, err = m.OpenPosition(OpenRequest{
		Strategy: "test", Side: SideShort, Time: t0,
		EntryPrice: 100, PointValue: 1, StopLoss: 95,
	})
	assert.ErrorIs(t, err, ErrInvalidStop)
	assert.Zero(t, m.Rejected(), "invalid stops are errors, not cap rejections")
}

func TestRiskCap(t *testing.T) {
	m := newTestManager(0.025, false)
	openLong(t, m, 100, 95) // 100 at risk
	openLong(t, m, 100, 95) // 200 at risk

	_, err := m.OpenPosition(OpenRequest{
		Strategy: "third", Side: SideLong, Time: t0,
		EntryPrice: 100, PointValue: 1, StopLoss: 95,
	})
	assert.ErrorIs(t, err, ErrRiskCapExceeded)
	assert.Equal(t, 1, m.Rejected())
	assert.Len(t, m.Open(), 2)

	// Closing one frees headroom again.
	m.ClosePosition(m.Open()[0], t0, 100, ReasonManualExit)
	openLong(t, m, 100, 95)
	assert.Equal(t, 1, m.Rejected())
}

func TestRiskCapStrictAtBoundary(t *testing.T) {
	// 2% cap, two 1% signals: the second would land exactly on the cap and
	// must be denied, not admitted.
	m := newTestManager(0.02, false)
	openLong(t, m, 100, 95) // 100 at risk

	_, err := m.OpenPosition(OpenRequest{
		Strategy: "second", Side: SideLong, Time: t0,
		EntryPrice: 100, PointValue: 1, StopLoss: 95,
	})
	assert.ErrorIs(t, err, ErrRiskCapExceeded)
	assert.Equal(t, 1, m.Rejected())
	assert.Len(t, m.Open(), 1)
}

func TestCompoundingCapitalBase(t *testing.T) {
	m := newTestManager(0, true)
	p := openLong(t, m, 100, 95)
	m.ClosePosition(p, t0, 110, ReasonTakeProfit)
	require.InDelta(t, 10200, m.RealizedEquity(), 1e-9)

	p2 := openLong(t, m, 100, 95)
	// 1% of 10200, not of 10000.
	assert.InDelta(t, 102.0, p2.InitialRisk, 1e-9)

	frozen := newTestManager(0, false)
	q := openLong(t, frozen, 100, 95)
	frozen.ClosePosition(q, t0, 110, ReasonTakeProfit)
	q2 := openLong(t, frozen, 100, 95)
	assert.InDelta(t, 100.0, q2.InitialRisk, 1e-9)
}

func TestStopLossPessimistic(t *testing.T) {
	m := newTestManager(0, false)
	p := openLong(t, m, 100, 95)

	// Bar touches both the stop and what would be a 2R rally; the stop wins.
	events := m.EvaluateBar(p, bar(t0.Add(5*time.Minute), 100, 112, 94, 111))
	require.Len(t, events, 1)
	assert.Equal(t, ReasonStopLoss, events[0].Reason)
	assert.Equal(t, 95.0, events[0].Price, "fills at the stop, not the low")
	assert.False(t, p.IsOpen())
	assert.InDelta(t, -100.0, p.RealizedPnL, 1e-9)
	assert.InDelta(t, -1.0, p.RMultiple(), 1e-9)
}

func TestStopLossGapFill(t *testing.T) {
	m := newTestManager(0, false)
	p := openLong(t, m, 100, 95)

	// Gap straight through the stop: fill price stays at the stop.
	events := m.EvaluateBar(p, bar(t0.Add(5*time.Minute), 90, 91, 88, 89))
	require.Len(t, events, 1)
	assert.Equal(t, 95.0, events[0].Price)
}

func TestPartialLadder(t *testing.T) {
	m := newTestManager(0, false)
	p, err := m.OpenPosition(OpenRequest{
		Strategy: "test", Side: SideLong, Time: t0,
		EntryPrice: 100, PointValue: 1, StopLoss: 95,
		Partials: []PartialExit{{Fraction: 0.5, RMultiple: 2}, {Fraction: 0.5, RMultiple: 4}},
	})
	require.NoError(t, err)
	size := p.InitialSize

	// First rung at 110 only.
	events := m.EvaluateBar(p, bar(t0.Add(5*time.Minute), 100, 111, 99, 110))
	require.Len(t, events, 1)
	assert.Equal(t, ReasonPartialExit, events[0].Reason)
	assert.InDelta(t, 110.0, events[0].Price, 1e-9)
	assert.InDelta(t, size/2, p.RemainingSize, 1e-9)
	assert.True(t, p.IsOpen())

	// Second rung exhausts the position and closes it as partial_exit.
	events = m.EvaluateBar(p, bar(t0.Add(10*time.Minute), 110, 121, 109, 120))
	require.Len(t, events, 1)
	assert.Equal(t, ReasonPartialExit, events[0].Reason)
	assert.True(t, events[0].Closed)
	assert.False(t, p.IsOpen())
	assert.Equal(t, ReasonPartialExit, p.CloseReason)

	// 0.5*size*10 + 0.5*size*20
	assert.InDelta(t, size*15, p.RealizedPnL, 1e-9)
	assert.InDelta(t, 3.0, p.RMultiple(), 1e-9)
}

func TestPartialBothRungsOneBar(t *testing.T) {
	m := newTestManager(0, false)
	p, err := m.OpenPosition(OpenRequest{
		Strategy: "test", Side: SideLong, Time: t0,
		EntryPrice: 100, PointValue: 1, StopLoss: 95,
		Partials: []PartialExit{{Fraction: 0.4, RMultiple: 1}, {Fraction: 0.4, RMultiple: 2}},
	})
	require.NoError(t, err)

	// One bar sweeps through both triggers; both fire, in ascending order.
	events := m.EvaluateBar(p, bar(t0.Add(5*time.Minute), 100, 115, 99, 114))
	require.Len(t, events, 2)
	assert.InDelta(t, 105.0, events[0].Price, 1e-9)
	assert.InDelta(t, 110.0, events[1].Price, 1e-9)
	assert.True(t, p.IsOpen())
	assert.InDelta(t, 0.2*p.InitialSize, p.RemainingSize, 1e-9)
}

func TestTakeProfitAfterPartials(t *testing.T) {
	m := newTestManager(0, false)
	p, err := m.OpenPosition(OpenRequest{
		Strategy: "test", Side: SideLong, Time: t0,
		EntryPrice: 100, PointValue: 1, StopLoss: 95, TakeProfit: 112,
		Partials: []PartialExit{{Fraction: 0.5, RMultiple: 2}},
	})
	require.NoError(t, err)

	events := m.EvaluateBar(p, bar(t0.Add(5*time.Minute), 100, 113, 99, 112))
	require.Len(t, events, 2)
	assert.Equal(t, ReasonPartialExit, events[0].Reason)
	assert.Equal(t, ReasonTakeProfit, events[1].Reason)
	assert.False(t, p.IsOpen())
	assert.Equal(t, ReasonTakeProfit, p.CloseReason)
}

func TestTimeExit(t *testing.T) {
	m := newTestManager(0, false)
	p, err := m.OpenPosition(OpenRequest{
		Strategy: "test", Side: SideLong, Time: t0,
		EntryPrice: 100, PointValue: 1, StopLoss: 95,
		Exits: ExitConfig{SLTimeBars: 3},
	})
	require.NoError(t, err)

	for i := 1; i <= 3; i++ {
		p.BarsHeld++
		ts := t0.Add(time.Duration(i) * 5 * time.Minute)
		events := m.EvaluateBar(p, bar(ts, 100, 101, 99, 100.5))
		if i < 3 {
			assert.Empty(t, events)
			continue
		}
		require.Len(t, events, 1)
		assert.Equal(t, ReasonTimeExit, events[0].Reason)
		assert.Equal(t, 100.5, events[0].Price, "time exits fill at the bar close")
	}
	assert.False(t, p.IsOpen())
}

func TestDerivedStopAndTarget(t *testing.T) {
	m := newTestManager(0, false)
	p, err := m.OpenPosition(OpenRequest{
		Strategy: "test", Side: SideLong, Time: t0,
		EntryPrice: 100, PointValue: 1,
		Exits: ExitConfig{SLType: SLPercent, SLPercent: 0.05, TPType: TPRR, TPRRRatio: 2},
	})
	require.NoError(t, err)
	assert.InDelta(t, 95.0, p.StopLoss, 1e-9)
	assert.InDelta(t, 110.0, p.TakeProfit, 1e-9)

	short, err := m.OpenPosition(OpenRequest{
		Strategy: "test2", Side: SideShort, Time: t0,
		EntryPrice: 100, PointValue: 1,
		Exits: ExitConfig{SLType: SLPercent, SLPercent: 0.05, TPType: TPPercent, TPPercent: 0.08},
	})
	require.NoError(t, err)
	assert.InDelta(t, 105.0, short.StopLoss, 1e-9)
	assert.InDelta(t, 92.0, short.TakeProfit, 1e-9)
}

func TestTimeOnlyExitUsesDefaultRiskDistance(t *testing.T) {
	m := newTestManager(0, false)
	p, err := m.OpenPosition(OpenRequest{
		Strategy: "test", Side: SideLong, Time: t0,
		EntryPrice: 200, PointValue: 1,
		Exits: ExitConfig{SLType: SLTime, SLTimeBars: 10},
	})
	require.NoError(t, err)
	assert.Zero(t, p.StopLoss)
	assert.InDelta(t, 2.0, p.RiskPoints(), 1e-9) // 1% of entry
	assert.InDelta(t, 100.0, p.InitialRisk, 1e-9)
}

func TestInvalidPartials(t *testing.T) {
	m := newTestManager(0, false)

	_, err := m.OpenPosition(OpenRequest{
		Strategy: "test", Side: SideLong, Time: t0,
		EntryPrice: 100, PointValue: 1, StopLoss: 95,
		Partials: []PartialExit{{Fraction: 0.7, RMultiple: 1}, {Fraction: 0.7, RMultiple: 2}},
	})
	assert.ErrorIs(t, err, ErrInvalidPartials)

	_, err = m.OpenPosition(OpenRequest{
		Strategy: "test", Side: SideLong, Time: t0,
		EntryPrice: 100, PointValue: 1, StopLoss: 95,
		Partials: []PartialExit{{Fraction: 0.5, RMultiple: 2}, {Fraction: 0.5, RMultiple: 1}},
	})
	assert.ErrorIs(t, err, ErrInvalidPartials)
}
