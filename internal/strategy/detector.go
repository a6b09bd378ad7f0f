package strategy

import (
	"chartstream/internal/indicator"
	"chartstream/internal/model"
)

// Detector derives at most one signal per final bar. The rule families run
// in a fixed order (SMA cross, EMA cross, RSI edge, Bollinger level); when
// several qualify on the same bar, the later rule's signal replaces the
// earlier one, so only the last qualifying family surfaces.
type Detector struct{}

// NewDetector creates a detector.
func NewDetector() *Detector { return &Detector{} }

// Evaluate runs the rule families for one final bar against the prior and
// current rule inputs. Returns nil when nothing fires.
func (d *Detector) Evaluate(prior, cur indicator.Values, bar model.Bar) *model.Signal {
	var sig *model.Signal
	if s := smaCrossRule(prior, cur, bar); s != nil {
		sig = s
	}
	if s := emaCrossRule(prior, cur, bar); s != nil {
		sig = s
	}
	if s := rsiEdgeRule(prior, cur, bar); s != nil {
		sig = s
	}
	if s := bollLevelRule(cur, bar); s != nil {
		sig = s
	}
	return sig
}
