// Package indicator computes technical indicators over close-price series.
//
// The series functions are pure full-window scans shared by the live engine
// and the backtest simulator. The Engine adds the per-pair rolling close
// buffer and snapshot assembly for the live pipeline.
package indicator

import "math"

// SMA returns the arithmetic mean of the last period closes.
// ok is false while fewer than period closes exist.
func SMA(closes []float64, period int) (float64, bool) {
	if period <= 0 || len(closes) < period {
		return 0, false
	}
	sum := 0.0
	for _, c := range closes[len(closes)-period:] {
		sum += c
	}
	return sum / float64(period), true
}

// EMA seeds with the simple average of the first period closes, then applies
// ema = close*k + ema*(1-k), k = 2/(period+1), forward through the rest of
// the series. The sweep starts at the series head on every call so values
// match the seeded recurrence exactly, including the first period ticks.
func EMA(closes []float64, period int) (float64, bool) {
	if period <= 0 || len(closes) < period {
		return 0, false
	}
	seed := 0.0
	for _, c := range closes[:period] {
		seed += c
	}
	ema := seed / float64(period)
	k := 2.0 / float64(period+1)
	for _, c := range closes[period:] {
		ema = c*k + ema*(1-k)
	}
	return ema, true
}

// RSI sums gains and absolute losses over the last period close-to-close
// deltas. Needs more than period closes. A zero loss sum is floored at 1e-9
// so an all-gain window reads 100 instead of dividing by zero.
func RSI(closes []float64, period int) (float64, bool) {
	if period <= 0 || len(closes) <= period {
		return 0, false
	}
	var gains, losses float64
	for i := len(closes) - period; i < len(closes); i++ {
		delta := closes[i] - closes[i-1]
		if delta > 0 {
			gains += delta
		} else {
			losses -= delta
		}
	}
	if losses == 0 {
		losses = 1e-9
	}
	rs := gains / losses
	return 100 - 100/(1+rs), true
}

// Bands is one Bollinger computation: middle = SMA, upper/lower offset by a
// multiple of the population standard deviation.
type Bands struct {
	Upper  float64 `json:"upper"`
	Middle float64 `json:"middle"`
	Lower  float64 `json:"lower"`
}

// Bollinger computes the bands over the last period closes.
func Bollinger(closes []float64, period int, numStd float64) (Bands, bool) {
	mid, ok := SMA(closes, period)
	if !ok {
		return Bands{}, false
	}
	variance := 0.0
	for _, c := range closes[len(closes)-period:] {
		d := c - mid
		variance += d * d
	}
	sd := math.Sqrt(variance / float64(period))
	return Bands{Upper: mid + numStd*sd, Middle: mid, Lower: mid - numStd*sd}, true
}
