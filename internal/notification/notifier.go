// Package notification delivers trade signal alerts to external channels
// (log, webhook, Telegram).
package notification

import (
	"context"
	"log"

	"chartstream/internal/model"
)

// Level grades an alert.
type Level string

const (
	LevelInfo     Level = "INFO"
	LevelWarning  Level = "WARNING"
	LevelCritical Level = "CRITICAL"
)

// Alert is one outbound notification. Pair and Signal are set for trade
// signal alerts and empty for operational ones.
type Alert struct {
	Level   Level         `json:"level"`
	Title   string        `json:"title"`
	Message string        `json:"message"`
	Pair    string        `json:"pair,omitempty"`
	Signal  *model.Signal `json:"signal,omitempty"`
}

// Notifier delivers one alert to one channel.
type Notifier interface {
	Send(ctx context.Context, alert Alert) error
}

// Log writes alerts to the process log. The development default.
type Log struct{}

func NewLog() *Log { return &Log{} }

func (n *Log) Send(ctx context.Context, alert Alert) error {
	log.Printf("[notify] [%s] %s: %s", alert.Level, alert.Title, alert.Message)
	return nil
}
