package backtest

import "fmt"

// Strategy names accepted in Config.
const (
	StrategySMA = "sma"
	StrategyRSI = "rsi"
)

// Defaults applied when the corresponding Config field is zero. Window
// defaults mirror the live detector so a backtest reproduces the same
// crossings the pipeline would have signalled.
const (
	DefaultFastPeriod     = 10
	DefaultSlowPeriod     = 30
	DefaultRSIPeriod      = 14
	DefaultOversold       = 30.0
	DefaultOverbought     = 70.0
	DefaultInitialCapital = 10000.0
	DefaultSizePct        = 1.0
)

// Config describes one simulation run.
type Config struct {
	Symbol         string  `json:"symbol"`
	Interval       string  `json:"interval"`
	Strategy       string  `json:"strategy"`
	FastPeriod     int     `json:"fast_period,omitempty"`
	SlowPeriod     int     `json:"slow_period,omitempty"`
	RSIPeriod      int     `json:"rsi_period,omitempty"`
	Oversold       float64 `json:"oversold,omitempty"`
	Overbought     float64 `json:"overbought,omitempty"`
	InitialCapital float64 `json:"initial_capital,omitempty"`
	SizePct        float64 `json:"size_pct,omitempty"`
	SlippageBps    float64 `json:"slippage_bps,omitempty"`
	CommissionPct  float64 `json:"commission_pct,omitempty"`
}

func (c Config) withDefaults() Config {
	if c.Strategy == "" {
		c.Strategy = StrategySMA
	}
	if c.FastPeriod == 0 {
		c.FastPeriod = DefaultFastPeriod
	}
	if c.SlowPeriod == 0 {
		c.SlowPeriod = DefaultSlowPeriod
	}
	if c.RSIPeriod == 0 {
		c.RSIPeriod = DefaultRSIPeriod
	}
	if c.Oversold == 0 {
		c.Oversold = DefaultOversold
	}
	if c.Overbought == 0 {
		c.Overbought = DefaultOverbought
	}
	if c.InitialCapital == 0 {
		c.InitialCapital = DefaultInitialCapital
	}
	if c.SizePct == 0 {
		c.SizePct = DefaultSizePct
	}
	return c
}

func (c Config) validate() error {
	if c.FastPeriod <= 0 || c.SlowPeriod <= 0 || c.RSIPeriod <= 0 {
		return fmt.Errorf("%w: periods must be positive", ErrBadConfig)
	}
	if c.InitialCapital <= 0 {
		return fmt.Errorf("%w: initial_capital must be positive", ErrBadConfig)
	}
	if c.SizePct <= 0 || c.SizePct > 1 {
		return fmt.Errorf("%w: size_pct must be in (0, 1]", ErrBadConfig)
	}
	if c.SlippageBps < 0 {
		return fmt.Errorf("%w: slippage_bps must not be negative", ErrBadConfig)
	}
	if c.CommissionPct < 0 || c.CommissionPct >= 1 {
		return fmt.Errorf("%w: commission_pct must be in [0, 1)", ErrBadConfig)
	}
	return nil
}
