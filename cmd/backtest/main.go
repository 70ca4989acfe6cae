// Command backtest runs strategies over local CSV candle data and writes the
// trade log, the equity curve, and a KPI report.
package main

import (
	"encoding/json"
	"flag"
	"fmt"
	"math"
	"os"
	"strconv"
	"strings"
	"time"

	"go.uber.org/zap"

	"mtfbacktest/services/arrowexport"
	"mtfbacktest/services/engine"
	"mtfbacktest/services/market"
	"mtfbacktest/services/marketdata"
	"mtfbacktest/strategies"
)

// frameFlags collects repeated -frame tf=path pairs.
type frameFlags map[string]string

func (f frameFlags) String() string {
	parts := make([]string, 0, len(f))
	for tf, path := range f {
		parts = append(parts, tf+"="+path)
	}
	return strings.Join(parts, ",")
}

func (f frameFlags) Set(v string) error {
	tf, path, ok := strings.Cut(v, "=")
	if !ok {
		return fmt.Errorf("want tf=path, got %q", v)
	}
	f[tf] = path
	return nil
}

// paramFlags collects repeated -param strategy.key=value overrides, checked
// against each strategy's parameter schema when the strategy is built.
type paramFlags map[string]map[string]float64

func (p paramFlags) String() string {
	var parts []string
	for strat, kv := range p {
		for k, v := range kv {
			parts = append(parts, fmt.Sprintf("%s.%s=%g", strat, k, v))
		}
	}
	return strings.Join(parts, ",")
}

func (p paramFlags) Set(v string) error {
	target, raw, ok := strings.Cut(v, "=")
	if !ok {
		return fmt.Errorf("want strategy.key=value, got %q", v)
	}
	strat, key, ok := strings.Cut(target, ".")
	if !ok || strat == "" || key == "" {
		return fmt.Errorf("want strategy.key=value, got %q", v)
	}
	val, err := strconv.ParseFloat(raw, 64)
	if err != nil {
		return fmt.Errorf("parameter %s: %w", target, err)
	}
	if p[strat] == nil {
		p[strat] = make(map[string]float64)
	}
	p[strat][key] = val
	return nil
}

func main() {
	frames := frameFlags{}
	flag.Var(frames, "frame", "Timeframe CSV as tf=path, repeatable (e.g. -frame 5m=btc_5m.csv -frame 1h=btc_1h.csv)")
	params := paramFlags{}
	flag.Var(params, "param", "Strategy parameter as strategy.key=value, repeatable (e.g. -param ma_crossover.fast_period=12)")
	symbol := flag.String("symbol", "BTCUSDT", "Symbol label for loaded frames")
	stratList := flag.String("strategies", "ma_crossover", "Comma-separated strategy IDs")
	capital := flag.Float64("capital", 10000, "Initial capital")
	perTradeRisk := flag.Float64("per-trade-risk", 0.01, "Equity fraction risked per trade")
	maxRisk := flag.Float64("max-risk", 0.06, "Cap on total open risk as equity fraction (0 disables)")
	compound := flag.Bool("compound", false, "Size trades off current equity instead of initial capital")
	pointValue := flag.Float64("point-value", 1, "Account currency per point per unit of size")
	from := flag.String("from", "", "Start UTC, RFC3339 or YYYY-MM-DD (empty = data start)")
	to := flag.String("to", "", "End UTC, RFC3339 or YYYY-MM-DD (empty = data end)")
	tradesOut := flag.String("trades-out", "backtest_trades.csv", "Output CSV for trades")
	equityOut := flag.String("equity-out", "backtest_equity.csv", "Output CSV for the equity curve")
	reportOut := flag.String("report", "backtest_report.json", "Output JSON KPI report")
	arrowOut := flag.String("arrow-out", "", "Optional Arrow IPC output prefix (writes <prefix>_trades.arrow and <prefix>_equity.arrow)")
	verbose := flag.Bool("verbose", false, "Debug logging")
	flag.Parse()

	log := buildLogger(*verbose)
	defer log.Sync()

	if len(frames) == 0 {
		fmt.Fprintln(os.Stderr, "at least one -frame tf=path is required")
		flag.Usage()
		os.Exit(2)
	}

	cfg := engine.Config{
		InitialCapital: *capital,
		PerTradeRisk:   *perTradeRisk,
		MaxTotalRisk:   *maxRisk,
		Compounding:    *compound,
		PointValue:     *pointValue,
	}
	var err error
	if cfg.Start, err = parseWhen(*from); err != nil {
		fatal(log, "bad -from", err)
	}
	if cfg.End, err = parseWhen(*to); err != nil {
		fatal(log, "bad -to", err)
	}

	eng := engine.New(cfg, engine.WithLogger(log))
	for _, name := range strings.Split(*stratList, ",") {
		name = strings.TrimSpace(name)
		if name == "" {
			continue
		}
		s, err := strategies.New(name, params[name])
		if err != nil {
			fatal(log, "build strategy", err)
		}
		if err := eng.Register(s); err != nil {
			fatal(log, "register strategy", err)
		}
	}

	data, err := loadFrames(frames, *symbol)
	if err != nil {
		fatal(log, "load data", err)
	}

	result, err := eng.Run(data)
	if err != nil {
		fatal(log, "run backtest", err)
	}

	if err := writeFile(*tradesOut, func(f *os.File) error { return engine.WriteTrades(f, result.Trades) }); err != nil {
		fatal(log, "write trades", err)
	}
	if err := writeFile(*equityOut, func(f *os.File) error { return engine.WriteEquity(f, result.Equity) }); err != nil {
		fatal(log, "write equity", err)
	}
	if err := writeReport(*reportOut, result); err != nil {
		fatal(log, "write report", err)
	}
	if *arrowOut != "" {
		exp := arrowexport.NewExporter(log)
		if err := writeFile(*arrowOut+"_trades.arrow", func(f *os.File) error { return exp.WriteTrades(f, result.Trades) }); err != nil {
			fatal(log, "write arrow trades", err)
		}
		if err := writeFile(*arrowOut+"_equity.arrow", func(f *os.File) error { return exp.WriteEquity(f, result.Equity) }); err != nil {
			fatal(log, "write arrow equity", err)
		}
	}

	printSummary(result, *capital)
	fmt.Printf("Trades saved to %s, equity to %s, report to %s\n", *tradesOut, *equityOut, *reportOut)
}

func buildLogger(verbose bool) *zap.Logger {
	cfg := zap.NewProductionConfig()
	if verbose {
		cfg = zap.NewDevelopmentConfig()
	}
	log, err := cfg.Build()
	if err != nil {
		fmt.Fprintf(os.Stderr, "logger: %v\n", err)
		os.Exit(1)
	}
	return log
}

func fatal(log *zap.Logger, msg string, err error) {
	log.Error(msg, zap.Error(err))
	os.Exit(1)
}

func parseWhen(s string) (time.Time, error) {
	if s == "" {
		return time.Time{}, nil
	}
	for _, layout := range []string{time.RFC3339, "2006-01-02 15:04:05", "2006-01-02"} {
		if t, err := time.Parse(layout, s); err == nil {
			return t.UTC(), nil
		}
	}
	return time.Time{}, fmt.Errorf("unparseable time %q", s)
}

func loadFrames(frames frameFlags, symbol string) (map[string]*market.Frame, error) {
	data := make(map[string]*market.Frame, len(frames))
	for tf, path := range frames {
		frame, err := marketdata.LoadCSVFrame(path, symbol, tf)
		if err != nil {
			return nil, fmt.Errorf("frame %s (%s): %w", tf, path, err)
		}
		data[tf] = frame
	}
	return data, nil
}

func writeFile(path string, fn func(*os.File) error) error {
	f, err := os.Create(path)
	if err != nil {
		return err
	}
	defer f.Close()
	return fn(f)
}

// writeReport marshals the result with non-finite ratios clamped; JSON has
// no Inf.
func writeReport(path string, result *engine.Result) error {
	out := *result
	out.Summary = sanitize(out.Summary)
	for k, v := range out.PerStrategy {
		out.PerStrategy[k] = sanitize(v)
	}
	data, err := json.MarshalIndent(out, "", "  ")
	if err != nil {
		return err
	}
	return os.WriteFile(path, data, 0o644)
}

func sanitize(m engine.Metrics) engine.Metrics {
	clamp := func(v float64) float64 {
		if math.IsInf(v, 1) {
			return math.MaxFloat64
		}
		if math.IsInf(v, -1) {
			return -math.MaxFloat64
		}
		if math.IsNaN(v) {
			return 0
		}
		return v
	}
	m.ProfitFactor = clamp(m.ProfitFactor)
	m.Sharpe = clamp(m.Sharpe)
	m.Sortino = clamp(m.Sortino)
	m.Calmar = clamp(m.Calmar)
	return m
}

func printSummary(result *engine.Result, capital float64) {
	s := result.Summary
	fmt.Printf("Run %s: %d bars, %d trades (%d rejected by risk cap)\n", result.RunID, result.Bars, s.TotalTrades, s.Rejected)
	fmt.Printf("Win rate: %.2f%% Profit factor: %.3f Expectancy: %.2f Avg R: %.3f\n",
		s.WinRate*100, s.ProfitFactor, s.Expectancy, s.AvgRMultiple)
	fmt.Printf("Equity: start=%.2f end=%.2f return=%.2f%% MaxDD=%.2f%% (longest %d bars)\n",
		capital, capital+s.NetProfit, s.TotalReturn*100, s.MaxDrawdown*100, s.MaxDDDuration)
	fmt.Printf("Sharpe: %.3f Sortino: %.3f Calmar: %.3f\n", s.Sharpe, s.Sortino, s.Calmar)
}
