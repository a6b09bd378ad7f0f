package feed

import (
	"context"
	"sync"

	"chartstream/internal/model"
)

// Manager holds one connector per pair. Connectors are created on first
// Start and kept for the life of the process; stopping a pair leaves its
// connector registered so a later Start resumes with warm backoff state.
type Manager struct {
	dialer Dialer
	sink   Sink
	cfg    Config

	mu         sync.RWMutex
	connectors map[string]*Connector
}

func NewManager(dialer Dialer, sink Sink, cfg Config) *Manager {
	return &Manager{
		dialer:     dialer,
		sink:       sink,
		cfg:        cfg,
		connectors: make(map[string]*Connector),
	}
}

// Start ensures a connector exists for pair and starts it. Safe to call
// repeatedly; an already Connecting or Connected pair is untouched.
func (m *Manager) Start(ctx context.Context, pair model.PairKey) *Connector {
	key := pair.Key()
	m.mu.Lock()
	c, ok := m.connectors[key]
	if !ok {
		c = NewConnector(ctx, pair, m.dialer, m.sink, m.cfg)
		m.connectors[key] = c
	}
	m.mu.Unlock()
	c.Start()
	return c
}

// Get returns the connector for pair, if one was ever started.
func (m *Manager) Get(pair model.PairKey) (*Connector, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	c, ok := m.connectors[pair.Key()]
	return c, ok
}

// Stop stops the connector for pair, if any.
func (m *Manager) Stop(pair model.PairKey) {
	if c, ok := m.Get(pair); ok {
		c.Stop()
	}
}

// StopAll stops every registered connector. Used at shutdown.
func (m *Manager) StopAll() {
	m.mu.RLock()
	defer m.mu.RUnlock()
	for _, c := range m.connectors {
		c.Stop()
	}
}

// States snapshots every pair's connection state, keyed by pair key.
func (m *Manager) States() map[string]State {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make(map[string]State, len(m.connectors))
	for key, c := range m.connectors {
		out[key] = c.State()
	}
	return out
}
