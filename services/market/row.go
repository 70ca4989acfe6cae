package market

import "time"

// Row is one record of an aligned frame: the base-timeframe bar plus every
// higher-timeframe field and indicator value visible at the close of that
// bar. Higher-timeframe values are keyed by prefixed column name, e.g.
// "1h_close"; base indicator columns keep their unprefixed names.
type Row struct {
	Bar Bar

	// Values holds numeric columns: base indicators unprefixed, higher
	// timeframe OHLCV and indicators prefixed with "<tf>_".
	Values map[string]float64

	// Tags holds string columns, currently the prefixed day-of-week of each
	// higher timeframe ("1h_day_of_week").
	Tags map[string]string
}

// Value returns a numeric column by name.
func (r *Row) Value(name string) (float64, bool) {
	v, ok := r.Values[name]
	return v, ok
}

// Timestamp is the base bar open time.
func (r *Row) Timestamp() time.Time { return r.Bar.Timestamp }

// AlignedFrame is the output of the multi-timeframe aligner: a base-timeframe
// row stream where every row sees only closed higher-timeframe bars. It is
// read-only after construction.
type AlignedFrame struct {
	BaseTimeframe string
	Timeframes    []string
	Rows          []Row

	columns []string
}

// ColumnNames lists every numeric column present on the rows, base columns
// first, in the deterministic order fixed at construction.
func (a *AlignedFrame) ColumnNames() []string { return a.columns }

// SetColumnNames is called by the aligner once; the list is fixed afterwards.
func (a *AlignedFrame) SetColumnNames(names []string) {
	a.columns = names
}
