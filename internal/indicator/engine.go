package indicator

import (
	"errors"

	"chartstream/internal/model"
)

// ErrStaleBar is returned when a bar is older than the newest one already
// folded into the engine. The caller drops the bar and moves on.
var ErrStaleBar = errors.New("bar older than last processed")

// Default window sizes for the live pipeline.
const (
	DefaultShort      = 10
	DefaultLong       = 30
	DefaultRSIPeriod  = 14
	DefaultBollWindow = 20
	DefaultBollStdDev = 2.0

	// closeBufferCap bounds the rolling close history per pair. Generous
	// relative to the largest window so EMA seeding stays stable.
	closeBufferCap = 5000
)

// Params are the indicator window sizes for one engine instance.
type Params struct {
	Short      int
	Long       int
	RSIPeriod  int
	BollWindow int
	BollStdDev float64
}

// DefaultParams returns the standard production windows.
func DefaultParams() Params {
	return Params{
		Short:      DefaultShort,
		Long:       DefaultLong,
		RSIPeriod:  DefaultRSIPeriod,
		BollWindow: DefaultBollWindow,
		BollStdDev: DefaultBollStdDev,
	}
}

// Engine maintains one pair's rolling close history and computes indicator
// snapshots on each final bar. Designed for a single sequential caller per
// pair — no locks.
type Engine struct {
	params   Params
	closes   []float64
	lastTime int64
}

// NewEngine creates an engine with the given windows.
func NewEngine(params Params) *Engine {
	return &Engine{
		params: params,
		closes: make([]float64, 0, 256),
	}
}

// OnBar folds one final bar into the close history and returns the snapshot
// computed over the updated buffer. A bar re-delivering the newest stored
// time replaces the newest close (a revised final bar, and what makes cache
// replay idempotent); an older bar returns ErrStaleBar without mutation.
func (e *Engine) OnBar(bar model.Bar) (Snapshot, error) {
	switch {
	case len(e.closes) > 0 && bar.Time == e.lastTime:
		e.closes[len(e.closes)-1] = bar.Close
	case len(e.closes) > 0 && bar.Time < e.lastTime:
		return Snapshot{}, ErrStaleBar
	default:
		if len(e.closes) == closeBufferCap {
			copy(e.closes, e.closes[1:])
			e.closes[len(e.closes)-1] = bar.Close
		} else {
			e.closes = append(e.closes, bar.Close)
		}
		e.lastTime = bar.Time
	}

	v := ComputeValues(e.closes, e.params)
	return Snapshot{
		Time:      bar.Time,
		Close:     bar.Close,
		SMAShort:  v.SMAShort,
		SMALong:   v.SMALong,
		EMAShort:  v.EMAShort,
		EMALong:   v.EMALong,
		RSI:       v.RSI,
		Bollinger: v.Boll,
	}, nil
}

// Current returns the rule inputs over the full close history.
func (e *Engine) Current() Values {
	return ComputeValues(e.closes, e.params)
}

// Prior returns the rule inputs as of the previous bar, derived from the
// history with the newest close excluded.
func (e *Engine) Prior() Values {
	if len(e.closes) == 0 {
		return Values{}
	}
	return ComputeValues(e.closes[:len(e.closes)-1], e.params)
}

// Len returns the number of closes in the rolling history.
func (e *Engine) Len() int { return len(e.closes) }

// LastTime returns the newest bar time folded into the engine, 0 if none.
func (e *Engine) LastTime() int64 { return e.lastTime }
