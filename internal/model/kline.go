package model

// UpstreamKline is the exchange wire shape for one streamed bar: period
// start in unix milliseconds, OHLCV, and the final flag marking a closed
// period. Both the streaming and history endpoints use it.
type UpstreamKline struct {
	T int64   `json:"t"` // period start, unix ms
	O float64 `json:"o"`
	H float64 `json:"h"`
	L float64 `json:"l"`
	C float64 `json:"c"`
	V float64 `json:"v"`
	X bool    `json:"x"` // period closed
}

// Bar converts the kline to the internal Bar shape. Upstream sends
// millisecond timestamps; Bar.Time is seconds.
func (k *UpstreamKline) Bar() Bar {
	return Bar{
		Time:   k.T / 1000,
		Open:   k.O,
		High:   k.H,
		Low:    k.L,
		Close:  k.C,
		Volume: k.V,
	}
}

// Final reports whether the kline's period has closed. Only final bars
// feed the indicator and signal path.
func (k *UpstreamKline) Final() bool { return k.X }
