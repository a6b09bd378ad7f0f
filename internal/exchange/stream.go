package exchange

import (
	"encoding/json"
	"log"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"chartstream/internal/model"
)

const (
	readWait  = 90 * time.Second
	pingEvery = 30 * time.Second
	writeWait = 5 * time.Second
)

// Stream is one live kline socket for a single pair.
type Stream struct {
	conn *websocket.Conn
	done chan struct{}
	once sync.Once
}

func newStream(conn *websocket.Conn) *Stream {
	s := &Stream{conn: conn, done: make(chan struct{})}
	conn.SetReadLimit(1 << 20)
	conn.SetReadDeadline(time.Now().Add(readWait))
	conn.SetPongHandler(func(string) error {
		return conn.SetReadDeadline(time.Now().Add(readWait))
	})
	go s.pingLoop()
	return s
}

func (s *Stream) pingLoop() {
	ticker := time.NewTicker(pingEvery)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			s.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := s.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		case <-s.done:
			return
		}
	}
}

// ReadKline blocks until the next kline frame. Unparseable frames are
// logged and skipped; any read error means the session is dead and the
// caller should close and redial.
func (s *Stream) ReadKline() (model.UpstreamKline, error) {
	var k model.UpstreamKline
	for {
		_, msg, err := s.conn.ReadMessage()
		if err != nil {
			return k, err
		}
		s.conn.SetReadDeadline(time.Now().Add(readWait))
		if err := json.Unmarshal(msg, &k); err != nil {
			log.Printf("[exchange] bad kline frame: %v", err)
			continue
		}
		return k, nil
	}
}

// Close shuts the socket down. Safe to call more than once.
func (s *Stream) Close() error {
	s.once.Do(func() { close(s.done) })
	return s.conn.Close()
}
