// Package pipeline wires each pair's candle cache, indicator engine and
// signal detector behind a single sequential entry point, and fans the
// resulting events out to the gateway and side consumers.
package pipeline

import (
	"chartstream/internal/indicator"
	"chartstream/internal/model"
)

// EventType discriminates Event payloads.
type EventType int

const (
	// EventBar carries every inbound bar, forming or final.
	EventBar EventType = iota
	// EventIndicator carries the snapshot computed for a final bar.
	EventIndicator
	// EventSignal carries a detected trade signal.
	EventSignal
)

func (t EventType) String() string {
	switch t {
	case EventBar:
		return "bar"
	case EventIndicator:
		return "indicator"
	case EventSignal:
		return "signal"
	default:
		return "unknown"
	}
}

// Event is one pipeline emission. Pair and Type are always set; Bar and
// Final are set for EventBar, Snapshot for EventIndicator and EventSignal,
// Signal for EventSignal.
type Event struct {
	Type     EventType
	Pair     model.PairKey
	Bar      model.Bar
	Final    bool
	Snapshot indicator.Snapshot
	Signal   *model.Signal
}
