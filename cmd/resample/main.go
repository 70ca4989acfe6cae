// Command resample aggregates a candle CSV into a coarser timeframe, e.g.
// 5m input to the 1h file a multi-timeframe backtest needs.
package main

import (
	"flag"
	"fmt"
	"os"

	"mtfbacktest/services/marketdata"
)

func main() {
	in := flag.String("in", "", "Input CSV (timestamp,open,high,low,close,volume)")
	out := flag.String("out", "", "Output CSV path")
	src := flag.String("src", "5m", "Input timeframe")
	dst := flag.String("dst", "1h", "Output timeframe")
	symbol := flag.String("symbol", "UNKNOWN", "Symbol label")
	flag.Parse()

	if *in == "" || *out == "" {
		fmt.Fprintln(os.Stderr, "-in and -out are required")
		flag.Usage()
		os.Exit(2)
	}

	frame, err := marketdata.LoadCSVFrame(*in, *symbol, *src)
	if err != nil {
		fmt.Fprintf(os.Stderr, "load: %v\n", err)
		os.Exit(1)
	}
	resampled, err := marketdata.Resample(frame, *dst)
	if err != nil {
		fmt.Fprintf(os.Stderr, "resample: %v\n", err)
		os.Exit(1)
	}

	f, err := os.Create(*out)
	if err != nil {
		fmt.Fprintf(os.Stderr, "create: %v\n", err)
		os.Exit(1)
	}
	defer f.Close()
	if err := marketdata.WriteFrameCSV(f, resampled); err != nil {
		fmt.Fprintf(os.Stderr, "write: %v\n", err)
		os.Exit(1)
	}
	fmt.Printf("%d %s bars -> %d %s bars (%s)\n",
		len(frame.Bars), *src, len(resampled.Bars), *dst, *out)
}
