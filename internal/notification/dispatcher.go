package notification

import (
	"context"
	"fmt"
	"log"
	"strconv"
	"strings"
	"time"

	"chartstream/internal/model"
	"chartstream/internal/pipeline"
)

const sendTimeout = 5 * time.Second

// Dispatcher formats pipeline signals as alerts and fans them out to every
// configured notifier.
type Dispatcher struct {
	notifiers []Notifier
	timeout   time.Duration
}

func NewDispatcher(notifiers ...Notifier) *Dispatcher {
	return &Dispatcher{notifiers: notifiers, timeout: sendTimeout}
}

// Run consumes pipeline events until ctx is cancelled or events closes.
// Only signals notify; bar and indicator traffic passes through silently.
func (d *Dispatcher) Run(ctx context.Context, events <-chan pipeline.Event) {
	for {
		select {
		case <-ctx.Done():
			return
		case ev, ok := <-events:
			if !ok {
				return
			}
			if ev.Type != pipeline.EventSignal || ev.Signal == nil {
				continue
			}
			d.Notify(ctx, signalAlert(ev.Pair, ev.Signal))
		}
	}
}

// Notify sends one alert to every notifier, each with its own timeout.
// Delivery failures are logged and do not stop the fan-out.
func (d *Dispatcher) Notify(ctx context.Context, alert Alert) {
	for _, n := range d.notifiers {
		sendCtx, cancel := context.WithTimeout(ctx, d.timeout)
		if err := n.Send(sendCtx, alert); err != nil {
			log.Printf("[notify] %T: %v", n, err)
		}
		cancel()
	}
}

func signalAlert(pair model.PairKey, sig *model.Signal) Alert {
	price := strconv.FormatFloat(sig.Price, 'f', -1, 64)
	when := time.Unix(sig.Time, 0).UTC().Format(time.RFC3339)
	return Alert{
		Level:   LevelInfo,
		Title:   strings.ToUpper(sig.Side) + " " + pair.Key(),
		Message: fmt.Sprintf("%s at %s (bar %s)", sig.Reason, price, when),
		Pair:    pair.Key(),
		Signal:  sig,
	}
}
