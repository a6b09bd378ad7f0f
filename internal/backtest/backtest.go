// Package backtest replays archived bars through one crossover strategy
// under a deterministic execution model: a signal derived at bar i fills at
// bar i+1's open, adjusted for slippage and commission, with at most one
// long position open at a time. Identical (config, bars) inputs always
// produce byte-identical reports.
package backtest

import (
	"errors"
	"fmt"

	"github.com/shopspring/decimal"

	"chartstream/internal/model"
)

// MinBars is the fewest bars a run accepts; below that no window warms up.
const MinBars = 30

var (
	ErrInsufficientData = errors.New("insufficient data")
	ErrUnorderedBars    = errors.New("bars not time-ascending")
	ErrUnknownStrategy  = errors.New("unknown strategy")
	ErrBadConfig        = errors.New("invalid backtest config")
)

// Run executes one simulation over bars, which must be strictly
// time-ascending. Cash, position size and PnL are tracked in decimals so
// repeated runs agree to the last digit regardless of platform.
func Run(cfg Config, bars []model.Bar) (*Report, error) {
	cfg = cfg.withDefaults()
	if err := cfg.validate(); err != nil {
		return nil, err
	}
	if len(bars) < MinBars {
		return nil, fmt.Errorf("%w: got %d bars, need at least %d", ErrInsufficientData, len(bars), MinBars)
	}
	for i := 1; i < len(bars); i++ {
		if bars[i].Time <= bars[i-1].Time {
			return nil, fmt.Errorf("%w: bar %d at t=%d follows t=%d", ErrUnorderedBars, i, bars[i].Time, bars[i-1].Time)
		}
	}
	signalAt, err := cfg.signalFunc()
	if err != nil {
		return nil, err
	}

	closes := make([]float64, len(bars))
	for i, b := range bars {
		closes[i] = b.Close
	}

	one := decimal.NewFromInt(1)
	slip := decimal.NewFromFloat(cfg.SlippageBps).Div(decimal.NewFromInt(10000))
	comm := decimal.NewFromFloat(cfg.CommissionPct)
	buyAdj := one.Add(slip).Mul(one.Add(comm))
	sellAdj := one.Sub(slip).Mul(one.Sub(comm))
	sizePct := decimal.NewFromFloat(cfg.SizePct)
	capital := decimal.NewFromFloat(cfg.InitialCapital)

	cash := capital
	qty := decimal.Zero
	entry := decimal.Zero
	inPosition := false

	trades := make([]Trade, 0, 16)
	equity := make([]EquityPoint, 0, len(bars))

	// The walk stops two bars short of the end so every signal has a next
	// bar to fill on.
	for i := 1; i <= len(bars)-2; i++ {
		next := bars[i+1]
		switch signalAt(closes, i) {
		case model.SideBuy:
			if !inPosition {
				fill := decimal.NewFromFloat(next.Open).Mul(buyAdj)
				qty = cash.Mul(sizePct).Div(fill)
				cash = cash.Sub(qty.Mul(fill))
				entry = fill
				inPosition = true
				price := fill.InexactFloat64()
				trades = append(trades, Trade{
					Time:       next.Time,
					Side:       model.SideBuy,
					EntryPrice: &price,
					Qty:        qty.InexactFloat64(),
				})
			}
		case model.SideSell:
			if inPosition {
				exit := decimal.NewFromFloat(next.Open).Mul(sellAdj)
				pnl := qty.Mul(exit.Sub(entry))
				cash = cash.Add(qty.Mul(exit))
				price := exit.InexactFloat64()
				realized := pnl.InexactFloat64()
				trades = append(trades, Trade{
					Time:      next.Time,
					Side:      model.SideSell,
					ExitPrice: &price,
					Qty:       qty.InexactFloat64(),
					PnL:       &realized,
				})
				qty = decimal.Zero
				entry = decimal.Zero
				inPosition = false
			}
		}

		eq := cash
		if inPosition {
			eq = cash.Add(qty.Mul(decimal.NewFromFloat(bars[i].Close)))
		}
		equity = append(equity, EquityPoint{Time: bars[i].Time, Equity: eq.InexactFloat64()})
	}

	last := bars[len(bars)-1]
	if inPosition {
		exit := decimal.NewFromFloat(last.Close).Mul(sellAdj)
		pnl := qty.Mul(exit.Sub(entry))
		cash = cash.Add(qty.Mul(exit))
		price := exit.InexactFloat64()
		realized := pnl.InexactFloat64()
		trades = append(trades, Trade{
			Time:      last.Time,
			Side:      model.SideSell,
			ExitPrice: &price,
			Qty:       qty.InexactFloat64(),
			PnL:       &realized,
			Note:      NoteExitOnFinish,
		})
	}
	equity = append(equity, EquityPoint{Time: last.Time, Equity: cash.InexactFloat64()})

	returnPct := cash.Sub(capital).Div(capital).Mul(decimal.NewFromInt(100))
	return &Report{
		Metrics: Metrics{
			FinalEquity:    cash.InexactFloat64(),
			TotalReturnPct: returnPct.InexactFloat64(),
			TradeCount:     len(trades),
			StartTime:      bars[0].Time,
			EndTime:        last.Time,
		},
		Trades: trades,
		Equity: equity,
	}, nil
}
