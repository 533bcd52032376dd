package hub

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"

	"github.com/atlasnote/livesync/internal/events"
)

// Manager owns the single connection of one logical channel.
type Manager struct {
	channel Channel
	opts    Options
	bus     *events.Bus

	// inflight makes overlapping Connect calls no-ops.
	inflight atomic.Bool

	mu   sync.Mutex
	conn *Connection
}

// NewManager creates a manager for channel. Status changes are published on
// bus as events.ConnectionStatus when bus is non-nil.
func NewManager(channel Channel, opts Options, bus *events.Bus) *Manager {
	return &Manager{channel: channel, opts: opts.withDefaults(), bus: bus}
}

// Connect returns a connection joined to sessionID. A healthy connection for
// the same session is reused; a different session id or a disconnected
// connection causes a new one to be created. Without a token or session id
// Connect does nothing and returns a nil connection.
func (m *Manager) Connect(ctx context.Context, sessionID, token string) (*Connection, error) {
	if sessionID == "" || (token == "" && m.opts.Tokens == nil) {
		return nil, nil
	}
	if !m.inflight.CompareAndSwap(false, true) {
		return m.Current(), nil
	}
	defer m.inflight.Store(false)

	m.mu.Lock()
	cur := m.conn
	m.mu.Unlock()

	if cur != nil {
		if cur.SessionID() == sessionID && cur.State() != StateDisconnected {
			return cur, nil
		}
		m.opts.Logger.Info("Replacing hub connection",
			"channel", string(m.channel), "from", cur.SessionID(), "to", sessionID)
		_ = cur.Close()
	}

	conn := newConnection(m.channel, sessionID, token, m.opts)
	if m.bus != nil {
		conn.OnLifecycle(func(LifecycleEvent) {
			m.bus.Publish(events.ConnectionStatus{
				Channel: string(m.channel),
				Status:  string(conn.Status()),
			})
		})
	}

	m.mu.Lock()
	m.conn = conn
	m.mu.Unlock()

	if err := conn.start(ctx); err != nil && !errors.Is(err, ErrConnectInFlight) {
		return nil, err
	}
	return conn, nil
}

// Disconnect closes conn and forgets it if it is the current connection.
func (m *Manager) Disconnect(conn *Connection) error {
	if conn == nil {
		return nil
	}
	m.mu.Lock()
	if m.conn == conn {
		m.conn = nil
	}
	m.mu.Unlock()
	return conn.Close()
}

// Current returns the current connection, or nil.
func (m *Manager) Current() *Connection {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.conn
}

// Status returns the tri-state of the current connection. Without a
// connection the channel reports an error.
func (m *Manager) Status() Status {
	if c := m.Current(); c != nil {
		return c.Status()
	}
	return StatusError
}
