package gateway

import (
	"encoding/json"
	"log"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"chartstream/internal/model"
)

const (
	sendBufferSize = 256
	writeWait      = 10 * time.Second
	pongWait       = 60 * time.Second
	pingPeriod     = 30 * time.Second
	maxMessageSize = 4096
)

// Client is a single WebSocket peer identified by a subscriber id.
type Client struct {
	id   string
	hub  *Hub
	conn *websocket.Conn
	send chan []byte

	subMu sync.RWMutex
	subs  map[string]*subscription
}

// subscription is one (symbol, interval) the client follows. An empty
// Interval is a wildcard matching every interval of the symbol. Indicator
// marks an entitled indicator stream; it is cleared when premium lapses.
type subscription struct {
	Symbol    string
	Interval  string
	Indicator bool
}

func (s *subscription) key() string { return s.Symbol + ":" + s.Interval }

func newClient(hub *Hub, id string, conn *websocket.Conn) *Client {
	return &Client{
		id:   id,
		hub:  hub,
		conn: conn,
		send: make(chan []byte, sendBufferSize),
		subs: make(map[string]*subscription),
	}
}

// enqueue hands a message to the write pump, dropping it if the client's
// buffer is full so one slow reader never stalls the hub.
func (c *Client) enqueue(msg []byte) {
	select {
	case c.send <- msg:
		if m := c.hub.metrics; m != nil {
			m.WSMessagesOut.Inc()
		}
	default:
		if m := c.hub.metrics; m != nil {
			m.WSClientDrops.Inc()
		}
		log.Printf("[gateway] %s: send buffer full, dropping message", c.id)
	}
}

func (c *Client) sendError(reason, detail string) {
	msg, _ := json.Marshal(errorMsg{Type: msgError, Reason: reason, Detail: detail})
	c.enqueue(msg)
}

// upsertSub stores or updates a subscription. Reports whether the key was
// new, so the hub can maintain per-pair refcounts.
func (c *Client) upsertSub(sub *subscription) bool {
	c.subMu.Lock()
	defer c.subMu.Unlock()
	_, existed := c.subs[sub.key()]
	c.subs[sub.key()] = sub
	return !existed
}

func (c *Client) removeSub(key string) bool {
	c.subMu.Lock()
	defer c.subMu.Unlock()
	if _, ok := c.subs[key]; !ok {
		return false
	}
	delete(c.subs, key)
	return true
}

// match reports whether the client follows pair (exactly or through the
// symbol wildcard) and whether it wants the indicator stream.
func (c *Client) match(pair model.PairKey) (deliver, wantIndicator bool) {
	c.subMu.RLock()
	defer c.subMu.RUnlock()
	if sub, ok := c.subs[pair.Key()]; ok {
		deliver = true
		wantIndicator = sub.Indicator
	}
	if sub, ok := c.subs[pair.Symbol+":"]; ok {
		deliver = true
		wantIndicator = wantIndicator || sub.Indicator
	}
	return deliver, wantIndicator
}

// revokeIndicator clears the indicator flag on every subscription matching
// pair. Reports whether anything was cleared, so the hub emits the
// premium_expired error exactly once per lapse.
func (c *Client) revokeIndicator(pair model.PairKey) bool {
	c.subMu.Lock()
	defer c.subMu.Unlock()
	revoked := false
	for _, key := range []string{pair.Key(), pair.Symbol + ":"} {
		if sub, ok := c.subs[key]; ok && sub.Indicator {
			sub.Indicator = false
			revoked = true
		}
	}
	return revoked
}

func (c *Client) subscriptionCount() int {
	c.subMu.RLock()
	defer c.subMu.RUnlock()
	return len(c.subs)
}

// concreteSubKeys lists non-wildcard subscription keys, for refcount
// release on disconnect.
func (c *Client) concreteSubKeys() []string {
	c.subMu.RLock()
	defer c.subMu.RUnlock()
	keys := make([]string, 0, len(c.subs))
	for _, sub := range c.subs {
		if sub.Interval != "" {
			keys = append(keys, sub.key())
		}
	}
	return keys
}

func (c *Client) writePump() {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		c.conn.Close()
	}()

	for {
		select {
		case msg, ok := <-c.send:
			if !ok {
				c.conn.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))

			// Coalesce queued messages into one frame, newline separated.
			w, err := c.conn.NextWriter(websocket.TextMessage)
			if err != nil {
				return
			}
			w.Write(msg)
			n := len(c.send)
			for i := 0; i < n; i++ {
				w.Write([]byte{'\n'})
				w.Write(<-c.send)
			}
			if err := w.Close(); err != nil {
				return
			}
		case <-ticker.C:
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}

func (c *Client) readPump() {
	defer func() {
		c.hub.removeClient(c)
		c.conn.Close()
		log.Printf("[gateway] %s disconnected", c.id)
	}()

	c.conn.SetReadLimit(maxMessageSize)
	c.conn.SetReadDeadline(time.Now().Add(pongWait))
	c.conn.SetPongHandler(func(string) error {
		c.conn.SetReadDeadline(time.Now().Add(pongWait))
		return nil
	})

	for {
		_, msg, err := c.conn.ReadMessage()
		if err != nil {
			break
		}
		c.handleMessage(msg)
	}
}

// handleMessage dispatches one inbound frame.
func (c *Client) handleMessage(msg []byte) {
	var base struct {
		Type string `json:"type"`
	}
	if err := json.Unmarshal(msg, &base); err != nil {
		c.sendError(reasonInvalidMessage, "malformed JSON")
		return
	}

	switch base.Type {
	case msgSubscribe:
		var m subscribeMsg
		if err := json.Unmarshal(msg, &m); err != nil {
			c.sendError(reasonInvalidMessage, err.Error())
			return
		}
		// Subscribing may fetch seed history upstream; keep the read loop
		// responsive.
		go c.hub.handleSubscribe(c, m)

	case msgUnsubscribe:
		var m unsubscribeMsg
		if err := json.Unmarshal(msg, &m); err != nil {
			c.sendError(reasonInvalidMessage, err.Error())
			return
		}
		c.hub.handleUnsubscribe(c, m)

	case msgGetSnapshot:
		var m snapshotReqMsg
		if err := json.Unmarshal(msg, &m); err != nil {
			c.sendError(reasonInvalidMessage, err.Error())
			return
		}
		c.hub.handleGetSnapshot(c, m)

	default:
		c.sendError(reasonUnknownType, base.Type)
	}
}
