package model

import "encoding/json"

// Signal sides.
const (
	SideBuy  = "buy"
	SideSell = "sell"
)

// Signal reasons, one per rule family.
const (
	ReasonSMACross      = "sma_cross"
	ReasonEMACross      = "ema_cross"
	ReasonRSIOversold   = "rsi_oversold"
	ReasonRSIOverbought = "rsi_overbought"
	ReasonBollLower     = "boll_lower"
	ReasonBollUpper     = "boll_upper"
)

// Signal is one buy/sell event derived from indicator state on a final bar.
type Signal struct {
	Side   string  `json:"side"`
	Reason string  `json:"reason"`
	Time   int64   `json:"time"`
	Price  float64 `json:"price"`
}

// JSON returns the JSON-encoded signal (ignoring errors for hot-path usage).
func (s *Signal) JSON() []byte {
	data, _ := json.Marshal(s)
	return data
}
