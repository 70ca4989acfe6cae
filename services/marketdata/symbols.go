package marketdata

import (
	"fmt"
	"sort"
	"sync"
	"time"
)

// SymbolMeta describes one tradable instrument: where its candles live and
// how its price points convert to account currency.
type SymbolMeta struct {
	Symbol     string    `json:"symbol"`
	AssetType  string    `json:"asset_type"`
	Exchange   string    `json:"exchange"`
	PointValue float64   `json:"point_value"`
	TableName  string    `json:"table_name"`
	FirstData  time.Time `json:"first_data"`
	LastData   time.Time `json:"last_data"`
}

// SymbolRepository is the in-memory symbol universe, split into an active
// (used) set and an ignored set. Safe for concurrent readers.
type SymbolRepository struct {
	mu      sync.RWMutex
	used    map[string]SymbolMeta
	ignored map[string]SymbolMeta
}

// NewSymbolRepository starts with every given symbol active.
func NewSymbolRepository(symbols ...SymbolMeta) *SymbolRepository {
	r := &SymbolRepository{
		used:    make(map[string]SymbolMeta, len(symbols)),
		ignored: make(map[string]SymbolMeta),
	}
	for _, s := range symbols {
		if s.PointValue == 0 {
			s.PointValue = 1
		}
		r.used[s.Symbol] = s
	}
	return r
}

// Get looks a symbol up in either set.
func (r *SymbolRepository) Get(symbol string) (SymbolMeta, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	if s, ok := r.used[symbol]; ok {
		return s, true
	}
	s, ok := r.ignored[symbol]
	return s, ok
}

// IsActive reports whether the symbol is in the used set.
func (r *SymbolRepository) IsActive(symbol string) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	_, ok := r.used[symbol]
	return ok
}

// Active returns the used symbols sorted by name.
func (r *SymbolRepository) Active() []SymbolMeta {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]SymbolMeta, 0, len(r.used))
	for _, s := range r.used {
		out = append(out, s)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Symbol < out[j].Symbol })
	return out
}

// MoveToIgnored retires a symbol from trading without losing its metadata.
func (r *SymbolRepository) MoveToIgnored(symbol string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	s, ok := r.used[symbol]
	if !ok {
		return fmt.Errorf("symbol %s not active", symbol)
	}
	delete(r.used, symbol)
	r.ignored[symbol] = s
	return nil
}

// MoveToUsed reactivates an ignored symbol.
func (r *SymbolRepository) MoveToUsed(symbol string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	s, ok := r.ignored[symbol]
	if !ok {
		return fmt.Errorf("symbol %s not ignored", symbol)
	}
	delete(r.ignored, symbol)
	r.used[symbol] = s
	return nil
}

// Upsert adds or replaces a symbol in the used set.
func (r *SymbolRepository) Upsert(s SymbolMeta) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if s.PointValue == 0 {
		s.PointValue = 1
	}
	delete(r.ignored, s.Symbol)
	r.used[s.Symbol] = s
}
