// Package strategy derives trading signals from indicator state.
//
// Each rule family compares the current rule-input row against the prior
// row (edge triggers), except Bollinger which is a level trigger on the
// current close. The live Detector runs every family; the backtest
// simulator reuses the cross helpers with its own scan-computed values.
package strategy

import (
	"chartstream/internal/indicator"
	"chartstream/internal/model"
)

// RSI edge thresholds.
const (
	rsiOversold   = 30.0
	rsiOverbought = 70.0
)

// CrossedUp reports a fast-over-slow upward cross between two consecutive
// observations: at or below before, strictly above now.
func CrossedUp(prevFast, prevSlow, fast, slow float64) bool {
	return prevFast <= prevSlow && fast > slow
}

// CrossedDown is the symmetric downward cross.
func CrossedDown(prevFast, prevSlow, fast, slow float64) bool {
	return prevFast >= prevSlow && fast < slow
}

func smaCrossRule(prior, cur indicator.Values, bar model.Bar) *model.Signal {
	if prior.SMAShort == nil || prior.SMALong == nil || cur.SMAShort == nil || cur.SMALong == nil {
		return nil
	}
	if CrossedUp(*prior.SMAShort, *prior.SMALong, *cur.SMAShort, *cur.SMALong) {
		return &model.Signal{Side: model.SideBuy, Reason: model.ReasonSMACross, Time: bar.Time, Price: bar.Close}
	}
	if CrossedDown(*prior.SMAShort, *prior.SMALong, *cur.SMAShort, *cur.SMALong) {
		return &model.Signal{Side: model.SideSell, Reason: model.ReasonSMACross, Time: bar.Time, Price: bar.Close}
	}
	return nil
}

func emaCrossRule(prior, cur indicator.Values, bar model.Bar) *model.Signal {
	if prior.EMAShort == nil || prior.EMALong == nil || cur.EMAShort == nil || cur.EMALong == nil {
		return nil
	}
	if CrossedUp(*prior.EMAShort, *prior.EMALong, *cur.EMAShort, *cur.EMALong) {
		return &model.Signal{Side: model.SideBuy, Reason: model.ReasonEMACross, Time: bar.Time, Price: bar.Close}
	}
	if CrossedDown(*prior.EMAShort, *prior.EMALong, *cur.EMAShort, *cur.EMALong) {
		return &model.Signal{Side: model.SideSell, Reason: model.ReasonEMACross, Time: bar.Time, Price: bar.Close}
	}
	return nil
}

func rsiEdgeRule(prior, cur indicator.Values, bar model.Bar) *model.Signal {
	if prior.RSI == nil || cur.RSI == nil {
		return nil
	}
	if *prior.RSI < rsiOversold && *cur.RSI >= rsiOversold {
		return &model.Signal{Side: model.SideBuy, Reason: model.ReasonRSIOversold, Time: bar.Time, Price: bar.Close}
	}
	if *prior.RSI > rsiOverbought && *cur.RSI <= rsiOverbought {
		return &model.Signal{Side: model.SideSell, Reason: model.ReasonRSIOverbought, Time: bar.Time, Price: bar.Close}
	}
	return nil
}

// bollLevelRule triggers on the current close touching a band. Level, not
// edge: it fires on every qualifying bar.
func bollLevelRule(cur indicator.Values, bar model.Bar) *model.Signal {
	if cur.Boll == nil {
		return nil
	}
	if bar.Close <= cur.Boll.Lower {
		return &model.Signal{Side: model.SideBuy, Reason: model.ReasonBollLower, Time: bar.Time, Price: bar.Close}
	}
	if bar.Close >= cur.Boll.Upper {
		return &model.Signal{Side: model.SideSell, Reason: model.ReasonBollUpper, Time: bar.Time, Price: bar.Close}
	}
	return nil
}
