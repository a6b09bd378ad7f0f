package model

import (
	"errors"
	"sort"
	"strings"
	"time"
)

var (
	ErrInvalidSymbol   = errors.New("invalid symbol")
	ErrInvalidInterval = errors.New("invalid interval")
)

// intervalDurations lists the intervals the upstream exchange serves.
var intervalDurations = map[string]time.Duration{
	"1m":  time.Minute,
	"3m":  3 * time.Minute,
	"5m":  5 * time.Minute,
	"15m": 15 * time.Minute,
	"30m": 30 * time.Minute,
	"1h":  time.Hour,
	"2h":  2 * time.Hour,
	"4h":  4 * time.Hour,
	"1d":  24 * time.Hour,
}

// PairKey identifies one (symbol, interval) stream. It is the sole identity
// for candle cache, indicator state, and feed connector instances.
type PairKey struct {
	Symbol   string `json:"symbol"`
	Interval string `json:"interval"`
}

// NewPairKey builds a PairKey with the symbol normalized to upper case
// and both parts validated.
func NewPairKey(symbol, interval string) (PairKey, error) {
	p := PairKey{Symbol: strings.ToUpper(symbol), Interval: interval}
	if err := p.Validate(); err != nil {
		return PairKey{}, err
	}
	return p, nil
}

// ParsePairKey is the inverse of Key. Symbols may contain ':' (exchange
// prefixes like "NSE:SBIN"), intervals never do, so the split happens at
// the last colon.
func ParsePairKey(key string) (PairKey, error) {
	i := strings.LastIndex(key, ":")
	if i <= 0 || i == len(key)-1 {
		return PairKey{}, ErrInvalidSymbol
	}
	return NewPairKey(key[:i], key[i+1:])
}

// Key returns the registry key "SYMBOL:interval".
func (p PairKey) Key() string {
	return p.Symbol + ":" + p.Interval
}

// Validate checks the symbol pattern and that the interval is supported.
func (p PairKey) Validate() error {
	if !validSymbol(p.Symbol) {
		return ErrInvalidSymbol
	}
	if _, ok := intervalDurations[p.Interval]; !ok {
		return ErrInvalidInterval
	}
	return nil
}

// IntervalDuration returns the period length for the pair's interval,
// or 0 for an unknown interval.
func (p PairKey) IntervalDuration() time.Duration {
	return intervalDurations[p.Interval]
}

// SupportedIntervals returns the known interval names sorted by duration.
func SupportedIntervals() []string {
	names := make([]string, 0, len(intervalDurations))
	for name := range intervalDurations {
		names = append(names, name)
	}
	sort.Slice(names, func(i, j int) bool {
		return intervalDurations[names[i]] < intervalDurations[names[j]]
	})
	return names
}

// ValidSymbol reports whether s is an acceptable symbol after upper-casing.
func ValidSymbol(s string) bool {
	return validSymbol(strings.ToUpper(s))
}

// validSymbol accepts 1..32 chars of [A-Z0-9:_-]. Symbols are upper-cased
// before validation, so lower case is rejected here on purpose.
func validSymbol(s string) bool {
	if len(s) == 0 || len(s) > 32 {
		return false
	}
	for i := 0; i < len(s); i++ {
		ch := s[i]
		switch {
		case ch >= 'A' && ch <= 'Z':
		case ch >= '0' && ch <= '9':
		case ch == ':' || ch == '_' || ch == '-':
		default:
			return false
		}
	}
	return true
}
