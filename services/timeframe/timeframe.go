// Package timeframe normalizes candle timeframe labels across the two naming
// conventions used by data sources: database form (m5, h1, d1) and standard
// form (5m, 1h, 1d). Month uses an uppercase M to stay distinct from minute.
package timeframe

import (
	"errors"
	"fmt"
	"strconv"
	"strings"
)

// ErrInvalidTimeframe is returned for labels that parse to neither form.
var ErrInvalidTimeframe = errors.New("invalid timeframe")

// Minutes per unit letter.
const (
	minutesPerMinute = 1
	minutesPerHour   = 60
	minutesPerDay    = 1440
	minutesPerWeek   = 10080
	minutesPerMonth  = 43200
)

func unitMinutes(unit byte) (uint32, bool) {
	switch unit {
	case 'm':
		return minutesPerMinute, true
	case 'h':
		return minutesPerHour, true
	case 'd':
		return minutesPerDay, true
	case 'w':
		return minutesPerWeek, true
	case 'M':
		return minutesPerMonth, true
	}
	return 0, false
}

// parse splits a label into its unit letter and multiplier, accepting both
// leading-unit (m5) and leading-number (5m) forms.
func parse(label string) (unit byte, n uint32, err error) {
	s := strings.TrimSpace(label)
	if len(s) < 2 {
		return 0, 0, fmt.Errorf("%w: %q", ErrInvalidTimeframe, label)
	}

	head := s[0]
	tail := s[len(s)-1]

	if _, ok := unitMinutes(head); ok {
		v, convErr := strconv.ParseUint(s[1:], 10, 32)
		if convErr == nil && v > 0 {
			return head, uint32(v), nil
		}
	}
	if _, ok := unitMinutes(tail); ok {
		v, convErr := strconv.ParseUint(s[:len(s)-1], 10, 32)
		if convErr == nil && v > 0 {
			return tail, uint32(v), nil
		}
	}
	return 0, 0, fmt.Errorf("%w: %q", ErrInvalidTimeframe, label)
}

// ToStandard converts any accepted label to standard form (5m, 1h, 1d).
func ToStandard(label string) (string, error) {
	unit, n, err := parse(label)
	if err != nil {
		return "", err
	}
	return fmt.Sprintf("%d%c", n, unit), nil
}

// ToDB converts any accepted label to database form (m5, h1, d1).
func ToDB(label string) (string, error) {
	unit, n, err := parse(label)
	if err != nil {
		return "", err
	}
	return fmt.Sprintf("%c%d", unit, n), nil
}

// ToMinutes returns the duration of a timeframe label in minutes.
func ToMinutes(label string) (uint32, error) {
	unit, n, err := parse(label)
	if err != nil {
		return 0, err
	}
	per, _ := unitMinutes(unit)
	return n * per, nil
}

// AreEquivalent reports whether two labels denote the same duration
// regardless of naming convention. Invalid labels are never equivalent.
func AreEquivalent(a, b string) bool {
	ma, errA := ToMinutes(a)
	mb, errB := ToMinutes(b)
	return errA == nil && errB == nil && ma == mb
}

// FindMatching returns the first label in available equivalent to wanted,
// or "" if none matches.
func FindMatching(wanted string, available []string) string {
	for _, tf := range available {
		if AreEquivalent(wanted, tf) {
			return tf
		}
	}
	return ""
}

// ColumnPrefix resolves which prefix an aligned frame actually uses for a
// timeframe, since columns may be named m5_close or 5m_close depending on
// the source. Returns "" when no column carries the timeframe.
func ColumnPrefix(wanted string, columns []string) string {
	db, errDB := ToDB(wanted)
	std, errStd := ToStandard(wanted)

	candidates := make([]string, 0, 3)
	if errDB == nil {
		candidates = append(candidates, db)
	}
	if errStd == nil {
		candidates = append(candidates, std)
	}
	candidates = append(candidates, wanted)

	for _, prefix := range candidates {
		for _, col := range columns {
			if strings.HasPrefix(col, prefix+"_") {
				return prefix
			}
		}
	}
	return ""
}

// SortByDuration returns the labels ordered ascending by duration. Labels
// with equal durations keep their relative order. Errors on any invalid label.
func SortByDuration(labels []string) ([]string, error) {
	type entry struct {
		label   string
		minutes uint32
	}
	entries := make([]entry, 0, len(labels))
	for _, l := range labels {
		m, err := ToMinutes(l)
		if err != nil {
			return nil, err
		}
		entries = append(entries, entry{label: l, minutes: m})
	}
	// insertion sort keeps it stable without pulling in sort.SliceStable
	for i := 1; i < len(entries); i++ {
		for j := i; j > 0 && entries[j].minutes < entries[j-1].minutes; j-- {
			entries[j], entries[j-1] = entries[j-1], entries[j]
		}
	}
	out := make([]string, len(entries))
	for i, e := range entries {
		out[i] = e.label
	}
	return out, nil
}
