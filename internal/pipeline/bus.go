package pipeline

import (
	"log"
	"sync"
)

// Bus broadcasts pipeline events to named subscriber channels. If a
// subscriber's channel is full the event is dropped for that consumer, so
// a slow consumer can never stall bar processing.
type Bus struct {
	mu      sync.RWMutex
	outputs []busOutput
	bufSize int
	closed  bool

	// OnDrop is called with the subscriber name when an event is dropped.
	OnDrop func(subscriber string)
}

type busOutput struct {
	name string
	ch   chan Event
}

// NewBus creates a Bus with the given buffer size for subscriber channels.
func NewBus(bufSize int) *Bus {
	return &Bus{bufSize: bufSize}
}

// Subscribe registers a named consumer and returns its channel.
func (b *Bus) Subscribe(name string) <-chan Event {
	ch := make(chan Event, b.bufSize)
	b.mu.Lock()
	b.outputs = append(b.outputs, busOutput{name: name, ch: ch})
	b.mu.Unlock()
	return ch
}

// Publish delivers ev to every subscriber without blocking.
func (b *Bus) Publish(ev Event) {
	b.mu.RLock()
	defer b.mu.RUnlock()
	if b.closed {
		return
	}
	for _, out := range b.outputs {
		select {
		case out.ch <- ev:
		default:
			if b.OnDrop != nil {
				b.OnDrop(out.name)
			} else {
				log.Printf("[bus] %s channel full, dropping %s event for %s", out.name, ev.Type, ev.Pair.Key())
			}
		}
	}
}

// Close closes every subscriber channel. Publish becomes a no-op.
func (b *Bus) Close() {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return
	}
	b.closed = true
	for _, out := range b.outputs {
		close(out.ch)
	}
}

// ChannelStat reports one subscriber channel's occupancy.
type ChannelStat struct {
	Len int
	Cap int
}

// ChannelStats returns occupancy per subscriber, for saturation gauges.
func (b *Bus) ChannelStats() map[string]ChannelStat {
	b.mu.RLock()
	defer b.mu.RUnlock()
	stats := make(map[string]ChannelStat, len(b.outputs))
	for _, out := range b.outputs {
		stats[out.name] = ChannelStat{Len: len(out.ch), Cap: cap(out.ch)}
	}
	return stats
}
