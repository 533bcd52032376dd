// Package collab ties one user's presence, selection and feature editing on a
// single map to the map hub channel.
package collab

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"

	ws "github.com/gorilla/websocket"
	"github.com/jonboulle/clockwork"
	"github.com/rs/zerolog"

	"github.com/atlasnote/livesync/internal/dispatcher"
	"github.com/atlasnote/livesync/internal/events"
	"github.com/atlasnote/livesync/internal/features"
	"github.com/atlasnote/livesync/internal/hub"
	"github.com/atlasnote/livesync/internal/logging"
	"github.com/atlasnote/livesync/internal/presence"
	"github.com/atlasnote/livesync/internal/room"
	"github.com/atlasnote/livesync/pkg/core"
	"github.com/atlasnote/livesync/pkg/hubproto"
)

var (
	// ErrMissingIdentity is returned by Open without a map or user id.
	ErrMissingIdentity = errors.New("collab: map id and user id are required")
	// ErrClosed is returned by operations on a closed map.
	ErrClosed = errors.New("collab: map closed")
)

// Options configures Open.
type Options struct {
	MapID          string
	UserID         string
	DisplayName    string
	HighlightColor string

	URL           string
	Token         string
	Tokens        hub.TokenProvider
	Delays        []time.Duration
	InvokeTimeout time.Duration
	Dialer        *ws.Dialer

	HeartbeatInterval time.Duration
	IdleTimeout       time.Duration
	CreatedTTL        time.Duration
	CutDeadTime       time.Duration
	DebounceGap       time.Duration

	Store features.Store
	// Room, when set, is pointed at this map while it is open.
	Room     *room.Context
	Clock    clockwork.Clock
	Logger   *slog.Logger
	EventLog *zerolog.Logger
	Bus      *events.Bus
}

// Map is an open collaborative map.
type Map struct {
	mapID  string
	userID string
	join   hubproto.JoinProfile
	logger *slog.Logger
	bus    *events.Bus
	room   *room.Context

	manager    *hub.Manager
	dispatcher *dispatcher.Dispatcher
	presence   *presence.Synchronizer
	features   *features.Broadcaster

	mu     sync.Mutex
	conn   *hub.Connection
	closed bool
}

// Open connects to the map channel and joins the map room. The returned Map
// keeps reconnecting and rejoining until Close. A failed first dial is not an
// error; Status reports it. Without a token Open does nothing and returns a
// nil Map and a nil error.
func Open(ctx context.Context, opts Options) (*Map, error) {
	if opts.MapID == "" || opts.UserID == "" {
		return nil, ErrMissingIdentity
	}
	if opts.Clock == nil {
		opts.Clock = clockwork.NewRealClock()
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	if opts.Bus == nil {
		opts.Bus = events.NewBus()
	}
	zl := zerolog.Nop()
	if opts.EventLog != nil {
		zl = *opts.EventLog
	}
	d, err := dispatcher.New(logging.NewDispatcherLogger(zl))
	if err != nil {
		return nil, err
	}

	m := &Map{
		mapID:  opts.MapID,
		userID: opts.UserID,
		join: hubproto.JoinProfile{
			DisplayName:    opts.DisplayName,
			HighlightColor: opts.HighlightColor,
		},
		logger:     opts.Logger.With("component", "collab", "mapId", opts.MapID),
		bus:        opts.Bus,
		room:       opts.Room,
		dispatcher: d,
	}
	m.presence = presence.New(presence.Options{
		MapID:             opts.MapID,
		UserID:            opts.UserID,
		HighlightColor:    opts.HighlightColor,
		HeartbeatInterval: opts.HeartbeatInterval,
		IdleTimeout:       opts.IdleTimeout,
		Clock:             opts.Clock,
		Logger:            opts.Logger,
		Bus:               opts.Bus,
	})
	m.features = features.New(features.Options{
		MapID:       opts.MapID,
		Store:       opts.Store,
		CreatedTTL:  opts.CreatedTTL,
		CutDeadTime: opts.CutDeadTime,
		DebounceGap: opts.DebounceGap,
		Clock:       opts.Clock,
		Logger:      opts.Logger,
		Bus:         opts.Bus,
	})
	m.presence.RegisterHandlers(d)
	m.features.RegisterHandlers(d)

	m.manager = hub.NewManager(hub.ChannelMap, hub.Options{
		URL:           opts.URL,
		Tokens:        opts.Tokens,
		Delays:        opts.Delays,
		InvokeTimeout: opts.InvokeTimeout,
		Join:          m.joinMap,
		Dispatcher:    d,
		Dialer:        opts.Dialer,
		Clock:         opts.Clock,
		Logger:        opts.Logger,
	}, opts.Bus)

	conn, err := m.manager.Connect(ctx, opts.MapID, opts.Token)
	if err != nil {
		d.Close()
		m.features.Close()
		return nil, err
	}
	if conn == nil {
		d.Close()
		m.features.Close()
		m.logger.Info("No hub token, map not opened")
		return nil, nil
	}
	m.conn = conn
	m.presence.Attach(conn)
	m.presence.Start()
	if m.room != nil {
		m.room.SetMap(opts.MapID)
	}
	m.logger.Info("Opened map")
	return m, nil
}

// joinMap runs after every (re)connect, before other traffic.
func (m *Map) joinMap(ctx context.Context, mapID string, inv hub.Invoker) error {
	return inv.Invoke(ctx, hubproto.MethodJoinMap, mapID, m.userID, m.join)
}

// MapID returns the map this instance is bound to.
func (m *Map) MapID() string { return m.mapID }

// Events returns the bus presence, feature and connection events go to.
func (m *Map) Events() *events.Bus { return m.bus }

// Presence returns the participant and selection state.
func (m *Map) Presence() *presence.Synchronizer { return m.presence }

// Features returns the feature broadcaster.
func (m *Map) Features() *features.Broadcaster { return m.features }

// Participants returns everyone currently on the map.
func (m *Map) Participants() []core.Participant { return m.presence.Participants() }

// Selections returns the live selections on the map.
func (m *Map) Selections() []core.Selection { return m.presence.Selections() }

// PendingWrites is the number of debounced feature edits not yet stored.
func (m *Map) PendingWrites() int { return m.features.PendingWrites() }

// Status is the tri-state of the map channel.
func (m *Map) Status() hub.Status { return m.manager.Status() }

// WaitJoined blocks until the connection is up and the room was joined.
func (m *Map) WaitJoined(ctx context.Context) error {
	m.mu.Lock()
	conn, closed := m.conn, m.closed
	m.mu.Unlock()
	if closed || conn == nil {
		return ErrClosed
	}
	return conn.WaitConnected(ctx)
}

// Select publishes the local selection.
func (m *Map) Select(sel core.Selection) {
	sel.MapID = m.mapID
	m.presence.UpdateSelection(sel)
}

// ClearSelection drops the local selection.
func (m *Map) ClearSelection() { m.presence.ClearSelection() }

// Close leaves the map. The heartbeat and the reconnect timer are stopped in
// the same call that sends LeaveMap, so nothing rejoins afterwards. Pending
// feature edits are written before the broadcaster shuts down.
func (m *Map) Close(ctx context.Context) error {
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return nil
	}
	m.closed = true
	conn := m.conn
	m.conn = nil
	m.mu.Unlock()

	m.presence.Stop()

	var err error
	if conn != nil {
		if conn.State() == hub.StateConnected {
			err = conn.Invoke(ctx, hubproto.MethodLeaveMap, m.mapID, m.userID)
			if err != nil {
				m.logger.Warn("LeaveMap failed", "error", err)
			}
		}
		_ = m.manager.Disconnect(conn)
	}

	m.features.Flush(ctx)
	m.features.Close()
	m.presence.Reset()
	m.dispatcher.Close()
	if m.room != nil {
		m.room.SetMap("")
	}
	m.logger.Info("Closed map")
	return err
}
