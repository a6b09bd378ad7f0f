package backtest

import (
	"fmt"

	"chartstream/internal/indicator"
	"chartstream/internal/model"
	"chartstream/internal/strategy"
)

// signalFunc derives "buy", "sell" or "" at index i from full-window scans
// over closes[:i+1] (current) and closes[:i] (prior). Self-contained on
// purpose: the simulator never shares state with the live engine, which is
// what makes runs reproducible in isolation.
type signalFunc func(closes []float64, i int) string

func (c Config) signalFunc() (signalFunc, error) {
	switch c.Strategy {
	case StrategySMA:
		return smaSignals(c.FastPeriod, c.SlowPeriod), nil
	case StrategyRSI:
		return rsiSignals(c.RSIPeriod, c.Oversold, c.Overbought), nil
	}
	return nil, fmt.Errorf("%w: %q", ErrUnknownStrategy, c.Strategy)
}

// smaSignals fires on fast/slow SMA crossings, the same edge trigger the
// live detector applies.
func smaSignals(fast, slow int) signalFunc {
	return func(closes []float64, i int) string {
		curFast, ok1 := indicator.SMA(closes[:i+1], fast)
		curSlow, ok2 := indicator.SMA(closes[:i+1], slow)
		prevFast, ok3 := indicator.SMA(closes[:i], fast)
		prevSlow, ok4 := indicator.SMA(closes[:i], slow)
		if !ok1 || !ok2 || !ok3 || !ok4 {
			return ""
		}
		switch {
		case strategy.CrossedUp(prevFast, prevSlow, curFast, curSlow):
			return model.SideBuy
		case strategy.CrossedDown(prevFast, prevSlow, curFast, curSlow):
			return model.SideSell
		}
		return ""
	}
}

// rsiSignals fires when RSI re-enters the neutral band: up through oversold
// buys, down through overbought sells.
func rsiSignals(period int, oversold, overbought float64) signalFunc {
	return func(closes []float64, i int) string {
		cur, ok := indicator.RSI(closes[:i+1], period)
		if !ok {
			return ""
		}
		prior, ok := indicator.RSI(closes[:i], period)
		if !ok {
			return ""
		}
		switch {
		case prior < oversold && cur >= oversold:
			return model.SideBuy
		case prior > overbought && cur <= overbought:
			return model.SideSell
		}
		return ""
	}
}
