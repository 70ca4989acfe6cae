package engine

import (
	"math"
	"time"
)

// EquitySample is one per-bar snapshot of the account.
type EquitySample struct {
	Timestamp  time.Time `json:"timestamp"`
	Realized   float64   `json:"realized"`
	Unrealized float64   `json:"unrealized"`
	Equity     float64   `json:"equity"`
	Drawdown   float64   `json:"drawdown"`
}

// Metrics is the summary report of a run or of one strategy's slice of it.
type Metrics struct {
	TotalTrades   int     `json:"total_trades"`
	Winners       int     `json:"winners"`
	Losers        int     `json:"losers"`
	WinRate       float64 `json:"win_rate"`
	ProfitFactor  float64 `json:"profit_factor"`
	TotalReturn   float64 `json:"total_return"`
	NetProfit     float64 `json:"net_profit"`
	MaxDrawdown   float64 `json:"max_drawdown"`
	AvgDrawdown   float64 `json:"avg_drawdown"`
	MaxDDDuration int     `json:"max_dd_duration_bars"`
	Sharpe        float64 `json:"sharpe"`
	Sortino       float64 `json:"sortino"`
	Calmar        float64 `json:"calmar"`
	AvgRMultiple  float64 `json:"avg_r_multiple"`
	Expectancy    float64 `json:"expectancy"`
	Rejected      int     `json:"rejected_signals"`
}

// PerformanceTracker accumulates the equity curve and drawdown episodes of a
// run. Update is called exactly once per processed bar.
type PerformanceTracker struct {
	initialCapital float64

	samples []EquitySample

	peak        float64
	inDrawdown  bool
	ddStart     int
	ddDepths    []float64
	maxDDLength int
}

// NewPerformanceTracker starts a tracker with peak at the initial capital.
func NewPerformanceTracker(initialCapital float64) *PerformanceTracker {
	return &PerformanceTracker{initialCapital: initialCapital, peak: initialCapital}
}

// Update records the equity at t. Drawdown is measured against the running
// peak of total equity; an episode spans from the bar after a peak until the
// bar equity regains it.
func (pt *PerformanceTracker) Update(t time.Time, realized, unrealized float64) {
	equity := realized + unrealized

	if equity >= pt.peak {
		if pt.inDrawdown {
			length := len(pt.samples) - pt.ddStart
			if length > pt.maxDDLength {
				pt.maxDDLength = length
			}
			pt.inDrawdown = false
		}
		pt.peak = equity
	}

	var dd float64
	if pt.peak > 0 {
		dd = (pt.peak - equity) / pt.peak
	}
	if dd > 0 && !pt.inDrawdown {
		pt.inDrawdown = true
		pt.ddStart = len(pt.samples)
		pt.ddDepths = append(pt.ddDepths, 0)
	}
	if pt.inDrawdown && dd > pt.ddDepths[len(pt.ddDepths)-1] {
		pt.ddDepths[len(pt.ddDepths)-1] = dd
	}

	pt.samples = append(pt.samples, EquitySample{
		Timestamp:  t,
		Realized:   realized,
		Unrealized: unrealized,
		Equity:     equity,
		Drawdown:   dd,
	})
}

// Samples is the equity curve in bar order.
func (pt *PerformanceTracker) Samples() []EquitySample { return pt.samples }

// MaxDrawdown is the deepest peak-to-trough fall as an equity fraction.
func (pt *PerformanceTracker) MaxDrawdown() float64 {
	var worst float64
	for _, d := range pt.ddDepths {
		if d > worst {
			worst = d
		}
	}
	return worst
}

// AvgDrawdown is the mean of the strictly positive per-bar drawdown values.
func (pt *PerformanceTracker) AvgDrawdown() float64 {
	var sum float64
	var n int
	for _, s := range pt.samples {
		if s.Drawdown > 0 {
			sum += s.Drawdown
			n++
		}
	}
	if n == 0 {
		return 0
	}
	return sum / float64(n)
}

// MaxDrawdownDuration is the longest drawdown episode in bars. An episode
// still open at the last sample counts.
func (pt *PerformanceTracker) MaxDrawdownDuration() int {
	longest := pt.maxDDLength
	if pt.inDrawdown {
		if open := len(pt.samples) - pt.ddStart; open > longest {
			longest = open
		}
	}
	return longest
}

// Compute produces the summary metrics from the equity curve plus the closed
// trade list. baseMinutes is the base timeframe in minutes and anchors the
// annualization of Sharpe and Sortino; minutesPerYear is normally 525600.
func (pt *PerformanceTracker) Compute(trades []TradeRecord, baseMinutes uint32, minutesPerYear float64, rejected int) Metrics {
	m := Metrics{Rejected: rejected}

	var grossWin, grossLoss, sumR float64
	for _, tr := range trades {
		m.TotalTrades++
		sumR += tr.RMultiple
		if tr.RealizedPnL > 0 {
			m.Winners++
			grossWin += tr.RealizedPnL
		} else if tr.RealizedPnL < 0 {
			m.Losers++
			grossLoss += -tr.RealizedPnL
		}
	}
	if m.TotalTrades > 0 {
		m.WinRate = float64(m.Winners) / float64(m.TotalTrades)
		m.AvgRMultiple = sumR / float64(m.TotalTrades)
		var avgWin, avgLoss float64
		if m.Winners > 0 {
			avgWin = grossWin / float64(m.Winners)
		}
		if m.Losers > 0 {
			avgLoss = grossLoss / float64(m.Losers)
		}
		m.Expectancy = m.WinRate*avgWin - (1-m.WinRate)*avgLoss
	}
	if grossLoss > 0 {
		m.ProfitFactor = grossWin / grossLoss
	} else if grossWin > 0 {
		m.ProfitFactor = math.Inf(1)
	}

	if n := len(pt.samples); n > 0 {
		final := pt.samples[n-1].Equity
		m.NetProfit = final - pt.initialCapital
		if pt.initialCapital > 0 {
			m.TotalReturn = m.NetProfit / pt.initialCapital
		}
	}

	m.MaxDrawdown = pt.MaxDrawdown()
	m.AvgDrawdown = pt.AvgDrawdown()
	m.MaxDDDuration = pt.MaxDrawdownDuration()

	mean, stdev, downDev := pt.returnStats()
	periods := 0.0
	if baseMinutes > 0 {
		periods = minutesPerYear / float64(baseMinutes)
	}
	ann := math.Sqrt(periods)
	if stdev > 0 {
		m.Sharpe = mean / stdev * ann
	}
	if downDev > 0 {
		m.Sortino = mean / downDev * ann
	} else if mean > 0 {
		m.Sortino = math.Inf(1)
	}
	if m.MaxDrawdown > 0 {
		m.Calmar = m.TotalReturn / m.MaxDrawdown
	}

	return m
}

// returnStats computes mean, standard deviation, and downside deviation of
// per-bar equity returns.
func (pt *PerformanceTracker) returnStats() (mean, stdev, downDev float64) {
	n := len(pt.samples)
	if n < 2 {
		return 0, 0, 0
	}
	rets := make([]float64, 0, n-1)
	for i := 1; i < n; i++ {
		prev := pt.samples[i-1].Equity
		if prev == 0 {
			continue
		}
		rets = append(rets, (pt.samples[i].Equity-prev)/prev)
	}
	if len(rets) == 0 {
		return 0, 0, 0
	}
	for _, r := range rets {
		mean += r
	}
	mean /= float64(len(rets))

	var varSum, downSum float64
	var downN int
	for _, r := range rets {
		d := r - mean
		varSum += d * d
		if r < 0 {
			downSum += r * r
			downN++
		}
	}
	if len(rets) > 1 {
		stdev = math.Sqrt(varSum / float64(len(rets)-1))
	}
	if downN > 0 {
		downDev = math.Sqrt(downSum / float64(downN))
	}
	return mean, stdev, downDev
}

// MetricsFromTrades computes a strategy-scoped report by replaying the
// strategy's closed trades as a synthetic realized equity walk. Drawdown and
// ratio figures are therefore trade-resolution, not bar-resolution.
func MetricsFromTrades(trades []TradeRecord, initialCapital float64, baseMinutes uint32, minutesPerYear float64) Metrics {
	pt := NewPerformanceTracker(initialCapital)
	equity := initialCapital
	for _, tr := range trades {
		equity += tr.RealizedPnL
		pt.Update(tr.ExitTime, equity, 0)
	}
	return pt.Compute(trades, baseMinutes, minutesPerYear, 0)
}
