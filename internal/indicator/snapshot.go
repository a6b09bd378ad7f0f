package indicator

import "chartstream/internal/model"

// Snapshot is the per-bar indicator state published to subscribers.
// Pointer fields stay nil (and are omitted on the wire) while the close
// history is too short to compute them.
type Snapshot struct {
	Time      int64         `json:"time"`
	Close     float64       `json:"close"`
	SMAShort  *float64      `json:"smaShort,omitempty"`
	SMALong   *float64      `json:"smaLong,omitempty"`
	EMAShort  *float64      `json:"emaShort,omitempty"`
	EMALong   *float64      `json:"emaLong,omitempty"`
	RSI       *float64      `json:"rsi,omitempty"`
	Bollinger *Bands        `json:"bollinger,omitempty"`
	Signal    *model.Signal `json:"signal,omitempty"`
}

// Values is one rule-input row: every indicator derivable from a close
// series at a single point in time. The signal rules compare the current
// row against the prior row.
type Values struct {
	SMAShort *float64
	SMALong  *float64
	EMAShort *float64
	EMALong  *float64
	RSI      *float64
	Boll     *Bands
}

// ComputeValues derives the full rule-input row for a close series.
func ComputeValues(closes []float64, p Params) Values {
	return Values{
		SMAShort: fptr(SMA(closes, p.Short)),
		SMALong:  fptr(SMA(closes, p.Long)),
		EMAShort: fptr(EMA(closes, p.Short)),
		EMALong:  fptr(EMA(closes, p.Long)),
		RSI:      fptr(RSI(closes, p.RSIPeriod)),
		Boll:     bptr(Bollinger(closes, p.BollWindow, p.BollStdDev)),
	}
}

func fptr(v float64, ok bool) *float64 {
	if !ok {
		return nil
	}
	return &v
}

func bptr(b Bands, ok bool) *Bands {
	if !ok {
		return nil
	}
	return &b
}
