// Package session follows a presenter-led story session: it joins the
// session channel, republishes session events on the bus and drives a
// controlled playback orchestrator from SegmentSync pushes.
package session

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
	"github.com/atlasnote/livesync/internal/hub"
	"github.com/atlasnote/livesync/internal/logging"
	"github.com/atlasnote/livesync/internal/room"
	"github.com/atlasnote/livesync/pkg/core"
	"github.com/atlasnote/livesync/pkg/hubproto"
)

var (
	// ErrNoSession is returned when an operation needs a joined session.
	ErrNoSession = errors.New("session: not joined")
)

// segmentSyncQueue bounds the segment syncs waiting for the follower.
const segmentSyncQueue = 16

// Follower is the playback side of a session, normally a controlled
// *playback.Orchestrator.
type Follower interface {
	Apply(index int, isPlaying bool) error
	HandleStopPreview()
}

// Options configures a Client.
type Options struct {
	URL           string
	Tokens        hub.TokenProvider
	Delays        []time.Duration
	InvokeTimeout time.Duration
	Dialer        *ws.Dialer
	Follower      Follower
	Room          *room.Context
	Clock         clockwork.Clock
	Logger        *slog.Logger
	// EventLog receives dispatcher diagnostics. Defaults to a no-op logger.
	EventLog *zerolog.Logger
	Bus      *events.Bus
}

// Client is a session channel participant.
type Client struct {
	manager    *hub.Manager
	dispatcher *dispatcher.Dispatcher
	follower   Follower
	room       *room.Context
	logger     *slog.Logger
	bus        *events.Bus

	mu        sync.Mutex
	sessionID string
	conn      *hub.Connection

	leaving sync.WaitGroup
}

// New creates a session client. Nothing is dialled until Join.
func New(opts Options) (*Client, error) {
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

	c := &Client{
		dispatcher: d,
		follower:   opts.Follower,
		room:       opts.Room,
		logger:     opts.Logger.With("component", "session"),
		bus:        opts.Bus,
	}
	c.manager = hub.NewManager(hub.ChannelSession, hub.Options{
		URL:           opts.URL,
		Tokens:        opts.Tokens,
		Delays:        opts.Delays,
		InvokeTimeout: opts.InvokeTimeout,
		Join:          c.join,
		Dispatcher:    d,
		Dialer:        opts.Dialer,
		Clock:         opts.Clock,
		Logger:        opts.Logger,
	}, opts.Bus)
	c.registerHandlers()
	return c, nil
}

// Events returns the bus session events are published on.
func (c *Client) Events() *events.Bus { return c.bus }

func (c *Client) registerHandlers() {
	for _, kind := range []string{
		hubproto.EventSessionStatusChanged,
		hubproto.EventParticipantJoined,
		hubproto.EventParticipantLeft,
		hubproto.EventQuestionBroadcast,
		hubproto.EventQuestionResults,
		hubproto.EventTeacherFocusChanged,
		hubproto.EventSessionEnded,
	} {
		c.dispatcher.Register(kind, c.Handle)
	}
	// Follower.Apply takes the orchestrator lock; keep it off the read loop.
	c.dispatcher.Register(hubproto.EventSegmentSync, c.Handle,
		dispatcher.Buffered(segmentSyncQueue), dispatcher.Blocking())
}

// join runs on every (re)connect before the connection reports Connected.
func (c *Client) join(ctx context.Context, sessionID string, inv hub.Invoker) error {
	return inv.Invoke(ctx, hubproto.MethodJoinSession, sessionID)
}

// Join connects to sessionID. Joining a different session first leaves the
// current one. Without a session id or token Join does nothing.
func (c *Client) Join(ctx context.Context, sessionID, token string) error {
	if sessionID == "" {
		return nil
	}
	c.mu.Lock()
	current := c.sessionID
	c.mu.Unlock()
	if current != "" && current != sessionID {
		if err := c.Leave(ctx); err != nil {
			c.logger.Warn("Leaving previous session failed", "sessionId", current, "error", err)
		}
	}

	conn, err := c.manager.Connect(ctx, sessionID, token)
	if err != nil {
		return err
	}
	if conn == nil {
		c.logger.Info("No hub token, session not joined", "sessionId", sessionID)
		return nil
	}

	c.mu.Lock()
	c.sessionID = sessionID
	c.conn = conn
	c.mu.Unlock()
	if c.room != nil {
		c.room.SetSession(sessionID)
	}
	c.logger.Info("Joined session", "sessionId", sessionID)
	return nil
}

// WaitJoined blocks until the current connection has joined.
func (c *Client) WaitJoined(ctx context.Context) error {
	conn := c.connection()
	if conn == nil {
		return ErrNoSession
	}
	return conn.WaitConnected(ctx)
}

// Leave sends LeaveSession and closes the connection. Leaving while
// disconnected only closes it.
func (c *Client) Leave(ctx context.Context) error {
	c.mu.Lock()
	sessionID, conn := c.sessionID, c.conn
	c.sessionID, c.conn = "", nil
	c.mu.Unlock()
	if conn == nil {
		return nil
	}
	if c.room != nil {
		c.room.SetSession("")
	}

	err := conn.Invoke(ctx, hubproto.MethodLeaveSession, sessionID)
	if errors.Is(err, hub.ErrNotConnected) {
		err = nil
	}
	if err != nil {
		c.logger.Warn("LeaveSession failed", "sessionId", sessionID, "error", err)
	}
	if cerr := c.manager.Disconnect(conn); cerr != nil {
		c.logger.Debug("Closing session connection", "error", cerr)
	}
	c.logger.Info("Left session", "sessionId", sessionID)
	return err
}

// BroadcastSegmentSync pushes the presenter's position to the session.
func (c *Client) BroadcastSegmentSync(ctx context.Context, index int, segmentID string, isPlaying bool) error {
	c.mu.Lock()
	sessionID, conn := c.sessionID, c.conn
	c.mu.Unlock()
	if conn == nil {
		return ErrNoSession
	}
	return conn.Invoke(ctx, hubproto.MethodBroadcastSegmentSync, hubproto.SegmentSyncPayload{
		SessionID:    sessionID,
		SegmentIndex: index,
		SegmentID:    segmentID,
		IsPlaying:    isPlaying,
	})
}

// SessionID returns the joined session, or "".
func (c *Client) SessionID() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.sessionID
}

// Status is the tri-state of the session channel.
func (c *Client) Status() hub.Status { return c.manager.Status() }

func (c *Client) connection() *hub.Connection {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.conn
}

// Close leaves the session and stops event handling.
func (c *Client) Close() error {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	err := c.Leave(ctx)
	c.leaving.Wait()
	c.dispatcher.Close()
	return err
}

// otherSession reports whether an event names a session other than the
// joined one. Events without a session id are accepted.
func (c *Client) otherSession(sessionID string) bool {
	current := c.SessionID()
	return sessionID != "" && current != "" && sessionID != current
}

// Handle applies one decoded session event.
func (c *Client) Handle(ev hubproto.Event) error {
	switch e := ev.(type) {
	case hubproto.SessionStatus:
		if c.otherSession(e.SessionID) {
			return nil
		}
		c.bus.Publish(events.SessionStatusChanged{SessionID: e.SessionID, Status: e.Status})

	case hubproto.SessionParticipant:
		if c.otherSession(e.SessionID) {
			return nil
		}
		c.bus.Publish(events.SessionParticipant{
			SessionID:     e.SessionID,
			ParticipantID: e.ParticipantID,
			DisplayName:   e.DisplayName,
			Joined:        e.Joined,
		})

	case hubproto.SegmentSync:
		if c.otherSession(e.SessionID) {
			return nil
		}
		c.bus.Publish(events.SegmentSynced{SessionID: e.SessionID, SegmentIndex: e.SegmentIndex, IsPlaying: e.IsPlaying})
		if c.follower != nil {
			return c.follower.Apply(e.SegmentIndex, e.IsPlaying)
		}

	case hubproto.QuestionBroadcast:
		c.bus.Publish(events.QuestionReceived{
			SessionID:  e.SessionID,
			QuestionID: e.QuestionID,
			Text:       e.Text,
			Options:    e.Options,
		})

	case hubproto.QuestionResults:
		c.bus.Publish(events.QuestionResults{SessionID: e.SessionID, QuestionID: e.QuestionID, Results: e.Results})

	case hubproto.TeacherFocusChanged:
		c.bus.Publish(events.TeacherFocusChanged{
			SessionID: e.SessionID,
			Center:    core.LngLat{Lng: e.Lng, Lat: e.Lat},
			Zoom:      e.Zoom,
		})

	case hubproto.SessionEnded:
		if c.otherSession(e.SessionID) {
			return nil
		}
		c.logger.Info("Session ended by presenter", "sessionId", e.SessionID)
		if c.follower != nil {
			c.follower.HandleStopPreview()
		}
		c.bus.Publish(events.SessionEnded{SessionID: e.SessionID})
		// Leave waits for a completion that this read loop would deliver.
		c.leaving.Add(1)
		go func() {
			defer c.leaving.Done()
			ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			_ = c.Leave(ctx)
		}()
	}
	return nil
}
