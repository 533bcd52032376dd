package hub

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"net/url"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	ws "github.com/gorilla/websocket"
	"github.com/jonboulle/clockwork"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"

	"github.com/atlasnote/livesync/internal/dispatcher"
	"github.com/atlasnote/livesync/pkg/hubproto"
)

const (
	sendChSize           = 1024
	writeWait            = 10 * time.Second
	defaultInvokeTimeout = 10 * time.Second
)

// DefaultReconnectDelays is the retry schedule used when Options.Delays is
// empty. The last delay repeats indefinitely.
var DefaultReconnectDelays = []time.Duration{0, 2 * time.Second, 10 * time.Second, 30 * time.Second}

// Options configures connections created by a Manager.
type Options struct {
	URL           string
	Tokens        TokenProvider
	Delays        []time.Duration
	InvokeTimeout time.Duration
	Join          JoinFunc
	Dispatcher    *dispatcher.Dispatcher
	Dialer        *ws.Dialer
	Clock         clockwork.Clock
	Logger        *slog.Logger
}

func (o Options) withDefaults() Options {
	if len(o.Delays) == 0 {
		o.Delays = DefaultReconnectDelays
	}
	if o.InvokeTimeout <= 0 {
		o.InvokeTimeout = defaultInvokeTimeout
	}
	if o.Dialer == nil {
		o.Dialer = ws.DefaultDialer
	}
	if o.Clock == nil {
		o.Clock = clockwork.NewRealClock()
	}
	if o.Logger == nil {
		o.Logger = slog.Default()
	}
	return o
}

// Connection is one reconnecting WebSocket bound to a channel and session id.
// Each socket gets its own read and write goroutine; a dropped socket is
// replaced on the Options.Delays schedule until Close is called.
type Connection struct {
	channel   Channel
	sessionID string
	token     string
	opts      Options
	logger    *slog.Logger
	ctx       context.Context
	cancel    context.CancelFunc

	// latch guards against overlapping connect or rejoin attempts.
	latch atomic.Bool

	mu        sync.Mutex
	state     State
	lastErr   error
	socket    *ws.Conn
	out       chan []byte
	sockStop  chan struct{}
	pending   map[string]chan error
	retry     clockwork.Timer
	attempt   int
	closed    bool
	listeners map[int]func(LifecycleEvent)
	nextID    int

	reconnects metric.Int64Counter
}

func newConnection(channel Channel, sessionID, token string, opts Options) *Connection {
	opts = opts.withDefaults()
	ctx, cancel := context.WithCancel(context.Background())
	c := &Connection{
		channel:   channel,
		sessionID: sessionID,
		token:     token,
		opts:      opts,
		logger:    opts.Logger.With("channel", string(channel), "sessionId", sessionID),
		ctx:       ctx,
		cancel:    cancel,
		pending:   make(map[string]chan error),
		listeners: make(map[int]func(LifecycleEvent)),
	}
	c.reconnects, _ = meter().Int64Counter("hub.reconnects",
		metric.WithDescription("Reconnect attempts per channel"))
	return c
}

// Channel returns the logical channel this connection serves.
func (c *Connection) Channel() Channel { return c.channel }

// SessionID returns the map or story session id the connection joined.
func (c *Connection) SessionID() string { return c.sessionID }

// State returns the transport state.
func (c *Connection) State() State {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

// Status maps the transport state to the user-facing tri-state.
func (c *Connection) Status() Status {
	c.mu.Lock()
	defer c.mu.Unlock()
	switch {
	case c.state == StateConnected:
		return StatusConnected
	case c.closed, c.lastErr != nil:
		return StatusError
	default:
		return StatusConnecting
	}
}

// OnLifecycle registers a listener for lifecycle events. Listeners run
// synchronously and must not block.
func (c *Connection) OnLifecycle(fn func(LifecycleEvent)) (unsubscribe func()) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.nextID++
	id := c.nextID
	c.listeners[id] = fn
	return func() {
		c.mu.Lock()
		defer c.mu.Unlock()
		delete(c.listeners, id)
	}
}

func (c *Connection) emit(l Lifecycle, err error) {
	c.mu.Lock()
	fns := make([]func(LifecycleEvent), 0, len(c.listeners))
	for _, fn := range c.listeners {
		fns = append(fns, fn)
	}
	c.mu.Unlock()

	ev := LifecycleEvent{Channel: c.channel, Lifecycle: l, Err: err}
	for _, fn := range fns {
		fn(ev)
	}
}

// WaitConnected blocks until the connection is Connected or ctx is done.
func (c *Connection) WaitConnected(ctx context.Context) error {
	ready := make(chan struct{}, 1)
	unsubscribe := c.OnLifecycle(func(e LifecycleEvent) {
		if e.Lifecycle == LifecycleConnected || e.Lifecycle == LifecycleReconnected {
			select {
			case ready <- struct{}{}:
			default:
			}
		}
	})
	defer unsubscribe()

	if c.State() == StateConnected {
		return nil
	}
	select {
	case <-ready:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// start performs the first connect. A failed dial is reported as Closed(err)
// and retried on the backoff schedule; it is not returned.
func (c *Connection) start(ctx context.Context) error {
	if !c.latch.CompareAndSwap(false, true) {
		return ErrConnectInFlight
	}

	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		c.latch.Store(false)
		return ErrClosed
	}
	c.state = StateConnecting
	c.mu.Unlock()
	c.emit(LifecycleConnecting, nil)

	err := c.establish(ctx, false)
	// Release before scheduling so a zero-delay retry is not mistaken for overlap.
	c.latch.Store(false)
	if err != nil && !errors.Is(err, ErrClosed) {
		c.fail(err)
	}
	return nil
}

// establish dials a new socket, starts its loops and runs the join call.
func (c *Connection) establish(ctx context.Context, reconnect bool) error {
	sock, err := c.dial(ctx)
	if err != nil {
		return err
	}

	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		_ = sock.Close()
		return ErrClosed
	}
	out := make(chan []byte, sendChSize)
	stop := make(chan struct{})
	c.socket, c.out, c.sockStop = sock, out, stop
	c.mu.Unlock()

	go c.writeLoop(sock, out, stop)
	go c.readLoop(sock, stop)

	if c.opts.Join != nil {
		jctx, cancel := context.WithTimeout(ctx, c.opts.InvokeTimeout)
		err := c.opts.Join(jctx, c.sessionID, joinInvoker{c})
		cancel()
		if err != nil {
			c.logger.Warn("Join failed, will retry on next reconnect", "error", err)
		}
	}

	c.mu.Lock()
	if c.socket != sock {
		// Dropped or closed while joining; the drop path owns recovery.
		c.mu.Unlock()
		return nil
	}
	c.state = StateConnected
	c.lastErr = nil
	c.attempt = 0
	c.mu.Unlock()

	if reconnect {
		c.logger.Info("Hub reconnected")
		c.emit(LifecycleReconnected, nil)
	} else {
		c.logger.Info("Hub connected")
		c.emit(LifecycleConnected, nil)
	}
	return nil
}

// dial opens a socket with a freshly fetched access token.
func (c *Connection) dial(ctx context.Context) (*ws.Conn, error) {
	token := c.token
	if c.opts.Tokens != nil {
		t, err := c.opts.Tokens.Token(ctx)
		if err != nil {
			return nil, fmt.Errorf("fetching access token: %w", err)
		}
		token = t
	}

	u, err := url.Parse(c.opts.URL)
	if err != nil {
		return nil, fmt.Errorf("invalid hub URL: %w", err)
	}
	q := u.Query()
	q.Set("access_token", token)
	u.RawQuery = q.Encode()

	header := http.Header{}
	header.Set("Authorization", "Bearer "+token)

	sock, _, err := c.opts.Dialer.DialContext(ctx, u.String(), header)
	if err != nil {
		return nil, fmt.Errorf("hub dial failed: %w", err)
	}
	return sock, nil
}

// writeLoop drains out and writes frames to sock until stop is closed.
func (c *Connection) writeLoop(sock *ws.Conn, out <-chan []byte, stop <-chan struct{}) {
	for {
		select {
		case <-stop:
			return
		case data := <-out:
			if err := sock.SetWriteDeadline(time.Now().Add(writeWait)); err != nil {
				c.logger.Warn("Hub SetWriteDeadline error", "error", err)
				_ = sock.Close()
				return
			}
			if err := sock.WriteMessage(ws.TextMessage, data); err != nil {
				c.logger.Warn("Hub write error", "error", err)
				// Closing the socket makes readLoop fail and start recovery.
				_ = sock.Close()
				return
			}
		}
	}
}

// readLoop decodes frames and routes completions and events. Events from one
// socket are dispatched in arrival order.
func (c *Connection) readLoop(sock *ws.Conn, stop <-chan struct{}) {
	for {
		_, message, err := sock.ReadMessage()
		if err != nil {
			select {
			case <-stop:
				return
			default:
			}
			c.handleDrop(sock, err)
			return
		}

		ev, err := hubproto.Decode(message)
		if err != nil {
			c.logger.Warn("Dropping invalid hub frame", "error", err)
			continue
		}

		switch e := ev.(type) {
		case hubproto.CompletionEvent:
			c.complete(e.Completion)
		case hubproto.Unknown:
			c.logger.Debug("Ignoring unknown hub event", "type", e.Type)
		default:
			c.dispatch(ev)
		}
	}
}

func (c *Connection) dispatch(ev hubproto.Event) {
	if c.opts.Dispatcher == nil {
		return
	}
	if err := c.opts.Dispatcher.Dispatch(ev); err != nil {
		if errors.Is(err, dispatcher.ErrUnhandled) {
			c.logger.Debug("No handler for hub event", "type", ev.Kind())
			return
		}
		c.logger.Warn("Hub event handler failed", "type", ev.Kind(), "error", err)
	}
}

func (c *Connection) complete(comp hubproto.Completion) {
	c.mu.Lock()
	ch, ok := c.pending[comp.InvocationID]
	delete(c.pending, comp.InvocationID)
	c.mu.Unlock()
	if !ok {
		return
	}
	if comp.Error != "" {
		ch <- errors.New(comp.Error)
		return
	}
	ch <- nil
}

// handleDrop tears down a failed socket and schedules a reconnect.
func (c *Connection) handleDrop(sock *ws.Conn, cause error) {
	c.mu.Lock()
	if c.closed || c.socket != sock {
		c.mu.Unlock()
		return
	}
	c.socket, c.out = nil, nil
	close(c.sockStop)
	c.sockStop = nil
	c.state = StateReconnecting
	c.failPendingLocked(ErrNotConnected)
	c.mu.Unlock()

	_ = sock.Close()
	c.logger.Warn("Hub connection lost", "error", cause)
	c.emit(LifecycleReconnecting, cause)
	c.scheduleRetry()
}

// fail records a failed dial, reports it as Closed(err) and schedules a retry.
func (c *Connection) fail(err error) {
	c.mu.Lock()
	c.lastErr = err
	c.state = StateReconnecting
	c.mu.Unlock()

	c.logger.Warn("Hub connect failed", "error", err)
	c.emit(LifecycleClosed, err)
	c.scheduleRetry()
}

func (c *Connection) scheduleRetry() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return
	}
	delay := c.opts.Delays[min(c.attempt, len(c.opts.Delays)-1)]
	c.attempt++
	c.logger.Info("Scheduling hub reconnect", "attempt", c.attempt, "delay", delay)
	c.retry = c.opts.Clock.AfterFunc(delay, c.retryOnce)
}

func (c *Connection) retryOnce() {
	if !c.latch.CompareAndSwap(false, true) {
		// A connect or rejoin is still running and may have lost its socket.
		c.scheduleRetry()
		return
	}

	c.mu.Lock()
	skip := c.closed || c.state == StateConnected
	c.mu.Unlock()
	if skip {
		c.latch.Store(false)
		return
	}

	c.reconnects.Add(c.ctx, 1, metric.WithAttributes(attribute.String("channel", string(c.channel))))
	err := c.establish(c.ctx, true)
	c.latch.Store(false)
	if err != nil && !errors.Is(err, ErrClosed) {
		c.fail(err)
	}
}

func (c *Connection) failPendingLocked(err error) {
	for id, ch := range c.pending {
		ch <- err
		delete(c.pending, id)
	}
}

// Invoke sends an RPC and waits for its completion.
func (c *Connection) Invoke(ctx context.Context, target string, args ...any) error {
	return c.invoke(ctx, true, target, args)
}

// Send sends an RPC without waiting for its completion.
func (c *Connection) Send(target string, args ...any) error {
	frame, _, err := c.frame(target, args)
	if err != nil {
		return err
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.state != StateConnected || c.out == nil {
		return ErrNotConnected
	}
	select {
	case c.out <- frame:
		return nil
	default:
		return ErrSendBufferFull
	}
}

func (c *Connection) frame(target string, args []any) ([]byte, string, error) {
	id := uuid.NewString()
	inv, err := hubproto.NewInvocation(id, target, args...)
	if err != nil {
		return nil, "", err
	}
	data, err := hubproto.MarshalEnvelope(hubproto.TypeInvoke, inv)
	if err != nil {
		return nil, "", err
	}
	return data, id, nil
}

func (c *Connection) invoke(ctx context.Context, requireConnected bool, target string, args []any) error {
	frame, id, err := c.frame(target, args)
	if err != nil {
		return err
	}

	done := make(chan error, 1)
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return ErrClosed
	}
	if c.out == nil || (requireConnected && c.state != StateConnected) {
		c.mu.Unlock()
		return ErrNotConnected
	}
	select {
	case c.out <- frame:
	default:
		c.mu.Unlock()
		return ErrSendBufferFull
	}
	c.pending[id] = done
	c.mu.Unlock()

	timer := c.opts.Clock.NewTimer(c.opts.InvokeTimeout)
	defer timer.Stop()

	select {
	case err := <-done:
		if err != nil && !errors.Is(err, ErrNotConnected) && !errors.Is(err, ErrClosed) {
			return &RemoteError{Target: target, Message: err.Error()}
		}
		return err
	case <-timer.Chan():
		c.forget(id)
		return fmt.Errorf("%w: %s", ErrInvokeTimeout, target)
	case <-ctx.Done():
		c.forget(id)
		return ctx.Err()
	}
}

func (c *Connection) forget(id string) {
	c.mu.Lock()
	delete(c.pending, id)
	c.mu.Unlock()
}

// Close stops reconnection, sends a close frame and releases the socket.
// It is idempotent.
func (c *Connection) Close() error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil
	}
	c.closed = true
	c.state = StateDisconnected
	if c.retry != nil {
		c.retry.Stop()
	}
	sock := c.socket
	c.socket, c.out = nil, nil
	if c.sockStop != nil {
		close(c.sockStop)
		c.sockStop = nil
	}
	c.failPendingLocked(ErrClosed)
	c.mu.Unlock()

	c.cancel()

	var err error
	if sock != nil {
		_ = sock.WriteControl(ws.CloseMessage,
			ws.FormatCloseMessage(ws.CloseNormalClosure, ""),
			time.Now().Add(writeWait))
		err = sock.Close()
	}
	c.emit(LifecycleClosed, nil)
	return err
}

// joinInvoker lets the join call run before the connection reports Connected.
type joinInvoker struct{ c *Connection }

func (j joinInvoker) Invoke(ctx context.Context, target string, args ...any) error {
	return j.c.invoke(ctx, false, target, args)
}
