package gateway

import (
	"chartstream/internal/indicator"
	"chartstream/internal/model"
)

// Inbound message types.
const (
	msgSubscribe   = "subscribe"
	msgUnsubscribe = "unsubscribe"
	msgGetSnapshot = "get_snapshot"
)

// Outbound message types.
const (
	msgCandlesUpdate   = "candles_update"
	msgIndicatorUpdate = "indicator_update"
	msgSignal          = "signal"
	msgSnapshot        = "snapshot"
	msgError           = "error"
)

// Error reasons carried on outbound error messages.
const (
	reasonInvalidMessage           = "invalid_message"
	reasonUnknownType              = "unknown_type"
	reasonIndicatorRequiresPremium = "indicator_requires_premium"
	reasonPremiumExpired           = "premium_expired"
)

type subscribeMsg struct {
	Type      string `json:"type"`
	Symbol    string `json:"symbol"`
	Interval  string `json:"interval"`
	Indicator bool   `json:"indicator"`
}

type unsubscribeMsg struct {
	Type     string `json:"type"`
	Symbol   string `json:"symbol"`
	Interval string `json:"interval"`
}

type snapshotReqMsg struct {
	Type     string `json:"type"`
	Symbol   string `json:"symbol"`
	Interval string `json:"interval"`
	Limit    int    `json:"limit,omitempty"`
}

// indicatorStream names the one indicator payload this build publishes,
// the combined per-bar snapshot.
const indicatorStream = "snapshot"

type candlesUpdateMsg struct {
	Type     string    `json:"type"`
	Symbol   string    `json:"symbol"`
	Interval string    `json:"interval"`
	Candle   model.Bar `json:"candle"`
	IsFinal  bool      `json:"isFinal"`
}

type indicatorUpdateMsg struct {
	Type      string             `json:"type"`
	Symbol    string             `json:"symbol"`
	Interval  string             `json:"interval"`
	Indicator string             `json:"indicator"`
	Data      indicator.Snapshot `json:"data"`
}

type signalMsg struct {
	Type     string        `json:"type"`
	Symbol   string        `json:"symbol"`
	Interval string        `json:"interval"`
	Signal   *model.Signal `json:"signal"`
}

type snapshotData struct {
	Bars      []model.Bar         `json:"bars"`
	Indicator *indicator.Snapshot `json:"indicator,omitempty"`
}

type snapshotMsg struct {
	Type     string       `json:"type"`
	Symbol   string       `json:"symbol"`
	Interval string       `json:"interval"`
	Data     snapshotData `json:"data"`
}

type errorMsg struct {
	Type   string `json:"type"`
	Reason string `json:"reason"`
	Detail string `json:"detail,omitempty"`
}
