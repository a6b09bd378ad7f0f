package gateway

import (
	"context"
	"encoding/json"
	"log"
	"strconv"
	"strings"
	"sync"
	"sync/atomic"

	"github.com/gorilla/websocket"

	"chartstream/internal/entitlement"
	"chartstream/internal/metrics"
	"chartstream/internal/model"
	"chartstream/internal/pipeline"
)

// snapshotBarLimit is the default bar depth for snapshot replies.
const snapshotBarLimit = 500

// Hub owns the WebSocket client set, routes pipeline events to subscribed
// clients and enforces indicator entitlements. Events arrive on a single
// channel and are dispatched sequentially, so per-pair ordering from the
// pipeline carries through to every client's send queue.
type Hub struct {
	ctx     context.Context
	svc     *pipeline.Service
	checker entitlement.Checker
	metrics *metrics.Metrics

	mu      sync.RWMutex
	clients map[*Client]bool

	refMu  sync.Mutex
	refs   map[model.PairKey]int
	pinned map[model.PairKey]bool

	nextAnon atomic.Int64
}

// NewHub creates the hub. ctx bounds entitlement checks and pair starts;
// pinned pairs keep their connectors running with zero subscribers.
func NewHub(ctx context.Context, svc *pipeline.Service, checker entitlement.Checker, m *metrics.Metrics, pinned []model.PairKey) *Hub {
	h := &Hub{
		ctx:     ctx,
		svc:     svc,
		checker: checker,
		metrics: m,
		clients: make(map[*Client]bool),
		refs:    make(map[model.PairKey]int),
		pinned:  make(map[model.PairKey]bool, len(pinned)),
	}
	for _, p := range pinned {
		h.pinned[p] = true
	}
	return h
}

// Run consumes pipeline events until ctx is done or the bus closes.
func (h *Hub) Run(ctx context.Context, events <-chan pipeline.Event) {
	for {
		select {
		case <-ctx.Done():
			return
		case ev, ok := <-events:
			if !ok {
				return
			}
			h.dispatch(ev)
		}
	}
}

// HandleWS registers an upgraded connection and starts its pumps.
func (h *Hub) HandleWS(conn *websocket.Conn, subscriberID string) {
	if subscriberID == "" {
		subscriberID = "anon-" + strconv.FormatInt(h.nextAnon.Add(1), 10)
	}
	client := newClient(h, subscriberID, conn)

	h.mu.Lock()
	h.clients[client] = true
	count := len(h.clients)
	h.mu.Unlock()

	if h.metrics != nil {
		h.metrics.WSClients.Inc()
	}
	log.Printf("[gateway] %s connected (%d clients)", subscriberID, count)

	go client.writePump()
	go client.readPump()
}

func (h *Hub) removeClient(c *Client) {
	h.mu.Lock()
	if !h.clients[c] {
		h.mu.Unlock()
		return
	}
	delete(h.clients, c)
	h.mu.Unlock()
	close(c.send)

	for _, key := range c.concreteSubKeys() {
		if pair, err := model.ParsePairKey(key); err == nil {
			h.releaseRef(pair)
		}
	}
	if h.metrics != nil {
		h.metrics.WSClients.Dec()
		h.metrics.Subscriptions.Sub(float64(c.subscriptionCount()))
	}
}

// ClientCount returns the number of connected clients.
func (h *Hub) ClientCount() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.clients)
}

// dispatch routes one pipeline event to every matching client.
func (h *Hub) dispatch(ev pipeline.Event) {
	switch ev.Type {
	case pipeline.EventBar:
		payload, _ := json.Marshal(candlesUpdateMsg{
			Type:     msgCandlesUpdate,
			Symbol:   ev.Pair.Symbol,
			Interval: ev.Pair.Interval,
			Candle:   ev.Bar,
			IsFinal:  ev.Final,
		})
		for _, c := range h.matchingClients(ev.Pair, false) {
			c.enqueue(payload)
		}

	case pipeline.EventSignal:
		payload, _ := json.Marshal(signalMsg{
			Type:     msgSignal,
			Symbol:   ev.Pair.Symbol,
			Interval: ev.Pair.Interval,
			Signal:   ev.Signal,
		})
		for _, c := range h.matchingClients(ev.Pair, false) {
			c.enqueue(payload)
		}

	case pipeline.EventIndicator:
		payload, _ := json.Marshal(indicatorUpdateMsg{
			Type:      msgIndicatorUpdate,
			Symbol:    ev.Pair.Symbol,
			Interval:  ev.Pair.Interval,
			Indicator: indicatorStream,
			Data:      ev.Snapshot,
		})
		for _, c := range h.matchingClients(ev.Pair, true) {
			premium, err := h.checker.Premium(h.ctx, c.id)
			if err != nil {
				// Backend outage: skip this delivery but do not revoke.
				log.Printf("[gateway] %s: entitlement check failed: %v", c.id, err)
				continue
			}
			if !premium {
				if c.revokeIndicator(ev.Pair) {
					c.sendError(reasonPremiumExpired, ev.Pair.Key())
					if h.metrics != nil {
						h.metrics.PremiumRevoked.Inc()
					}
					log.Printf("[gateway] %s: premium lapsed, indicator stream revoked for %s", c.id, ev.Pair.Key())
				}
				continue
			}
			c.enqueue(payload)
		}
	}
}

// matchingClients snapshots the clients following pair. With
// indicatorOnly set, only clients whose matching subscription wants the
// indicator stream are returned.
func (h *Hub) matchingClients(pair model.PairKey, indicatorOnly bool) []*Client {
	h.mu.RLock()
	defer h.mu.RUnlock()
	var out []*Client
	for c := range h.clients {
		deliver, wantInd := c.match(pair)
		if !deliver {
			continue
		}
		if indicatorOnly && !wantInd {
			continue
		}
		out = append(out, c)
	}
	return out
}

func (h *Hub) handleSubscribe(c *Client, m subscribeMsg) {
	symbol := strings.ToUpper(strings.TrimSpace(m.Symbol))
	if !model.ValidSymbol(symbol) {
		c.sendError(reasonInvalidMessage, "invalid symbol")
		return
	}
	wildcard := m.Interval == ""

	var pair model.PairKey
	if !wildcard {
		var err error
		pair, err = model.NewPairKey(symbol, m.Interval)
		if err != nil {
			c.sendError(reasonInvalidMessage, err.Error())
			return
		}
	}

	indicator := m.Indicator
	if indicator {
		premium, err := h.checker.Premium(h.ctx, c.id)
		if err != nil || !premium {
			indicator = false
			c.sendError(reasonIndicatorRequiresPremium, "indicator stream requires an active premium subscription")
			if h.metrics != nil {
				h.metrics.EntitlementDenied.Inc()
			}
		}
	}

	sub := &subscription{Symbol: symbol, Interval: m.Interval, Indicator: indicator}
	if wildcard {
		sub.Interval = ""
	} else {
		sub.Interval = pair.Interval
	}
	isNew := c.upsertSub(sub)
	if isNew && h.metrics != nil {
		h.metrics.Subscriptions.Inc()
	}

	log.Printf("[gateway] %s subscribed %s indicator=%v", c.id, sub.key(), indicator)

	if wildcard {
		// Wildcards only match pairs other traffic keeps alive; nothing to
		// start and no single snapshot to send.
		return
	}

	if isNew {
		h.addRef(pair)
	}
	if err := h.svc.StartPair(h.ctx, pair); err != nil {
		c.sendError(reasonInvalidMessage, err.Error())
		return
	}
	h.sendSnapshot(c, pair, indicator, snapshotBarLimit)
}

func (h *Hub) handleUnsubscribe(c *Client, m unsubscribeMsg) {
	symbol := strings.ToUpper(strings.TrimSpace(m.Symbol))
	sub := subscription{Symbol: symbol, Interval: m.Interval}
	if !c.removeSub(sub.key()) {
		return
	}
	if h.metrics != nil {
		h.metrics.Subscriptions.Dec()
	}
	log.Printf("[gateway] %s unsubscribed %s", c.id, sub.key())

	if m.Interval == "" {
		return
	}
	if pair, err := model.NewPairKey(symbol, m.Interval); err == nil {
		h.releaseRef(pair)
	}
}

func (h *Hub) handleGetSnapshot(c *Client, m snapshotReqMsg) {
	pair, err := model.NewPairKey(m.Symbol, m.Interval)
	if err != nil {
		c.sendError(reasonInvalidMessage, err.Error())
		return
	}
	limit := m.Limit
	if limit <= 0 || limit > snapshotBarLimit {
		limit = snapshotBarLimit
	}
	premium, err := h.checker.Premium(h.ctx, c.id)
	withIndicator := err == nil && premium
	h.sendSnapshot(c, pair, withIndicator, limit)
}

func (h *Hub) sendSnapshot(c *Client, pair model.PairKey, withIndicator bool, limit int) {
	out := snapshotMsg{
		Type:     msgSnapshot,
		Symbol:   pair.Symbol,
		Interval: pair.Interval,
		Data:     snapshotData{Bars: h.svc.CachedBars(pair, limit)},
	}
	if withIndicator {
		if snap, ok := h.svc.LatestSnapshot(pair); ok {
			out.Data.Indicator = &snap
		}
	}
	payload, _ := json.Marshal(out)
	c.enqueue(payload)
}

func (h *Hub) addRef(pair model.PairKey) {
	h.refMu.Lock()
	h.refs[pair]++
	h.refMu.Unlock()
}

// releaseRef drops one reference; the last one stops the pair's connector
// unless the pair is pinned by configuration. Cache and indicator state
// stay warm either way.
func (h *Hub) releaseRef(pair model.PairKey) {
	h.refMu.Lock()
	if h.refs[pair] > 0 {
		h.refs[pair]--
	}
	remaining := h.refs[pair]
	if remaining == 0 {
		delete(h.refs, pair)
	}
	h.refMu.Unlock()

	if remaining == 0 && !h.pinned[pair] {
		log.Printf("[gateway] last subscriber left %s, stopping feed", pair.Key())
		h.svc.StopPair(pair)
	}
}
