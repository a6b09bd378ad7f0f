package backtest

// NoteExitOnFinish marks the forced close of a position still open at the
// final bar.
const NoteExitOnFinish = "exit_on_finish"

// Trade is one simulated fill. A buy carries EntryPrice; a sell carries
// ExitPrice and the realized PnL. Prices already include slippage and
// commission. Time is the bar whose open executed the fill.
type Trade struct {
	Time       int64    `json:"time"`
	Side       string   `json:"side"`
	EntryPrice *float64 `json:"entry_price"`
	ExitPrice  *float64 `json:"exit_price"`
	Qty        float64  `json:"qty"`
	PnL        *float64 `json:"pnl"`
	Note       string   `json:"note,omitempty"`
}

// EquityPoint is the portfolio value at one bar: cash plus the open
// position marked to that bar's close.
type EquityPoint struct {
	Time   int64   `json:"time"`
	Equity float64 `json:"equity"`
}

// Metrics summarizes one run.
type Metrics struct {
	FinalEquity    float64 `json:"finalEquity"`
	TotalReturnPct float64 `json:"totalReturnPct"`
	TradeCount     int     `json:"tradeCount"`
	StartTime      int64   `json:"startTime"`
	EndTime        int64   `json:"endTime"`
}

// Report is the full output of one run.
type Report struct {
	Metrics Metrics       `json:"metrics"`
	Trades  []Trade       `json:"trades"`
	Equity  []EquityPoint `json:"equity"`
}
