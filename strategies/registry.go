package strategies

import (
	"fmt"
	"sort"

	"mtfbacktest/services/engine"
)

// factories maps strategy IDs to constructors so CLIs can build strategies
// from names.
var factories = map[string]func() engine.Strategy{
	"ma_crossover": func() engine.Strategy { return NewMACrossover() },
	"mtf_trend":    func() engine.Strategy { return NewMTFTrend() },
}

// configurable strategies accept a parameter map that has already been
// validated against their schema.
type configurable interface {
	applyConfig(cfg map[string]float64)
}

// Names lists the registered strategy IDs, sorted.
func Names() []string {
	out := make([]string, 0, len(factories))
	for name := range factories {
		out = append(out, name)
	}
	sort.Strings(out)
	return out
}

// New instantiates a registered strategy by ID. params are checked against
// the strategy's parameter schema and applied before the strategy is
// returned; missing keys take their schema defaults.
func New(name string, params map[string]float64) (engine.Strategy, error) {
	f, ok := factories[name]
	if !ok {
		return nil, fmt.Errorf("unknown strategy %q (have %v)", name, Names())
	}
	s := f()
	cfg, err := s.Metadata().ValidateConfig(params)
	if err != nil {
		return nil, err
	}
	if c, ok := s.(configurable); ok {
		c.applyConfig(cfg)
	}
	return s, nil
}
