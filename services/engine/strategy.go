package engine

import (
	"fmt"
	"time"

	"mtfbacktest/services/market"
)

// SLType selects how a strategy's stop loss is derived when the signal does
// not carry an absolute price.
type SLType string

const (
	SLPercent SLType = "percent"
	SLTime    SLType = "time"
)

// TPType selects how the take profit is derived.
type TPType string

const (
	TPPercent TPType = "percent"
	TPRR      TPType = "rr"
)

// Param describes one configurable strategy parameter for validation and UI
// rendering.
type Param struct {
	Name    string  `json:"name"`
	Label   string  `json:"label"`
	Kind    string  `json:"kind"` // "number" or "bool"
	Default float64 `json:"default"`
	Min     float64 `json:"min"`
	Max     float64 `json:"max"`
	Help    string  `json:"help"`
}

// Metadata is the static description of a strategy: identity, the timeframes
// it needs (first entry is its base), how its exits behave, and the schema of
// its configurable parameters.
type Metadata struct {
	ID          string
	Name        string
	Description string

	RequiredTimeframes []string
	BaseTimeframe      string

	UsesCustomSL  bool
	UsesCustomTP  bool
	DefaultSLType SLType
	DefaultTPType TPType

	Params []Param
}

// ValidateConfig checks a config map against the parameter schema: unknown
// keys and out-of-range numbers are rejected. Missing keys fall back to the
// schema default.
func (m Metadata) ValidateConfig(cfg map[string]float64) (map[string]float64, error) {
	out := make(map[string]float64, len(m.Params))
	byName := make(map[string]Param, len(m.Params))
	for _, p := range m.Params {
		byName[p.Name] = p
		out[p.Name] = p.Default
	}
	for k, v := range cfg {
		p, ok := byName[k]
		if !ok {
			return nil, fmt.Errorf("strategy %s: unknown parameter %q", m.ID, k)
		}
		if p.Kind == "number" && (v < p.Min || v > p.Max) {
			return nil, fmt.Errorf("strategy %s: parameter %q = %g outside [%g, %g]",
				m.ID, k, v, p.Min, p.Max)
		}
		out[k] = v
	}
	return out, nil
}

// ExitConfig is how a strategy's entries are protected when its signals do
// not override prices directly. RiskFraction zero falls back to the run-wide
// per-trade risk.
type ExitConfig struct {
	RiskFraction float64

	SLType    SLType
	SLPercent float64
	// SLTimeBars closes the position after this many bars when SLType is
	// SLTime (the sizing stop then defaults to a 1% distance).
	SLTimeBars int

	TPType    TPType
	TPPercent float64
	TPRRRatio float64

	Partials []PartialExit
}

// Signal is a strategy's request to open a position at the close of the bar
// it was generated on. SLPrice, TPPrice and Partials override the strategy's
// ExitConfig derivation when set.
type Signal struct {
	Timestamp  time.Time
	Side       Side
	Confidence float64

	SLPrice  float64
	TPPrice  float64
	Partials []PartialExit

	Tags map[string]string
}

// Strategy is the contract between the engine and a trading strategy. The
// aligned row handed to each callback contains only information available at
// the close of bar t; strategies must not call back into the engine.
type Strategy interface {
	Metadata() Metadata
	ExitRules() ExitConfig

	// GenerateSignals is called once per base bar, in registration order.
	// A nil signal means no entry.
	GenerateSignals(row *market.Row, t time.Time) (*Signal, error)

	// ShouldExit is consulted for this strategy's open positions after the
	// SL, partial, TP and time checks have all declined to act.
	ShouldExit(pos View, row *market.Row, t time.Time) (bool, error)

	// IsTradingTimeAllowed gates entries only; exits always run.
	IsTradingTimeAllowed(row *market.Row, t time.Time) bool
}

// DayAllowed reports whether the day tag is in the allowlist; an empty
// allowlist permits every day.
func DayAllowed(allowed []string, day string) bool {
	if len(allowed) == 0 {
		return true
	}
	for _, d := range allowed {
		if d == day {
			return true
		}
	}
	return false
}

// DayFilter is an embeddable default IsTradingTimeAllowed backed by a
// day-of-week allowlist.
type DayFilter struct {
	Days []string
}

func (f DayFilter) IsTradingTimeAllowed(row *market.Row, _ time.Time) bool {
	return DayAllowed(f.Days, row.Bar.DayOfWeek)
}
