// Package model defines the core data types shared across the pipeline:
// bars, pair keys, signals, and the upstream wire format.
package model

import "encoding/json"

// Bar is one OHLCV record for a fixed period. Time is the period start in
// unix seconds. A bar is immutable once final; the bar for the currently
// open period may be replaced in place while updates stream in.
type Bar struct {
	Time   int64   `json:"time"`
	Open   float64 `json:"open"`
	High   float64 `json:"high"`
	Low    float64 `json:"low"`
	Close  float64 `json:"close"`
	Volume float64 `json:"volume"`
}

// JSON returns the JSON-encoded bar (ignoring errors for hot-path usage).
func (b *Bar) JSON() []byte {
	data, _ := json.Marshal(b)
	return data
}
