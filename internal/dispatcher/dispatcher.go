package dispatcher

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"

	"github.com/atlasnote/livesync/pkg/hubproto"
)

var (
	// ErrUnhandled is returned when no handler is registered for an event kind.
	ErrUnhandled = errors.New("no handler registered")
	// ErrQueueFull is returned when a non-blocking buffered handler drops an event.
	ErrQueueFull = errors.New("queue full")
)

// HandlerFunc processes one decoded hub event.
type HandlerFunc func(hubproto.Event) error

// Logger interface for pluggable logging.
type Logger interface {
	Debug(msg string, keysAndValues ...any)
	Info(msg string, keysAndValues ...any)
	Warn(msg string, keysAndValues ...any)
	Error(msg string, keysAndValues ...any)
}

// Option configures handler registration.
type Option func(*config)

type config struct {
	bufferSize int
	blocking   bool
	logged     bool
}

// Buffered makes the handler async with a queue of the given size.
// Events of one kind are still handled in arrival order.
func Buffered(size int) Option {
	return func(c *config) {
		c.bufferSize = size
	}
}

// Blocking makes a buffered handler block when the queue is full instead of dropping.
func Blocking() Option {
	return func(c *config) {
		c.blocking = true
	}
}

// Logged adds debug logging to the handler.
func Logged() Option {
	return func(c *config) {
		c.logged = true
	}
}

// Dispatcher routes hub events to handlers by event kind.
type Dispatcher struct {
	logger Logger

	mu       sync.RWMutex
	handlers map[string]HandlerFunc
	buffers  map[string]chan hubproto.Event
	workers  sync.WaitGroup
	closed   bool

	queueSize metric.Int64ObservableGauge
	processed metric.Int64Counter
	dropped   metric.Int64Counter
}

// New creates a new Dispatcher with the given logger.
// Uses the global OTel meter for metrics (no-op if not configured).
func New(logger Logger) (*Dispatcher, error) {
	d := &Dispatcher{
		handlers: make(map[string]HandlerFunc),
		buffers:  make(map[string]chan hubproto.Event),
		logger:   logger,
	}

	m := meter()

	var err error

	d.queueSize, err = m.Int64ObservableGauge(
		"dispatcher.queue.size",
		metric.WithDescription("Current number of events in queue"),
	)
	if err != nil {
		return nil, fmt.Errorf("creating queue size gauge: %w", err)
	}

	_, err = m.RegisterCallback(
		func(ctx context.Context, o metric.Observer) error {
			d.mu.RLock()
			defer d.mu.RUnlock()
			for kind, buf := range d.buffers {
				o.ObserveInt64(d.queueSize, int64(len(buf)),
					metric.WithAttributes(attribute.String("event", kind)))
			}
			return nil
		},
		d.queueSize,
	)
	if err != nil {
		return nil, fmt.Errorf("registering queue callback: %w", err)
	}

	d.processed, err = m.Int64Counter(
		"dispatcher.events.processed",
		metric.WithDescription("Total events processed"),
	)
	if err != nil {
		return nil, fmt.Errorf("creating processed counter: %w", err)
	}

	d.dropped, err = m.Int64Counter(
		"dispatcher.events.dropped",
		metric.WithDescription("Total events dropped due to full queue"),
	)
	if err != nil {
		return nil, fmt.Errorf("creating dropped counter: %w", err)
	}

	return d, nil
}

// Register sets the handler for an event kind, replacing any previous one.
func (d *Dispatcher) Register(kind string, h HandlerFunc, opts ...Option) {
	cfg := &config{}
	for _, opt := range opts {
		opt(cfg)
	}

	handler := h

	if cfg.logged {
		handler = d.withLogging(kind, handler)
	}

	if cfg.bufferSize > 0 {
		handler = d.withBuffer(kind, cfg.bufferSize, cfg.blocking, handler)
	}

	d.mu.Lock()
	d.handlers[kind] = handler
	d.mu.Unlock()
}

// Dispatch routes an event to the handler registered for its kind.
func (d *Dispatcher) Dispatch(e hubproto.Event) error {
	d.mu.RLock()
	h, ok := d.handlers[e.Kind()]
	d.mu.RUnlock()
	if !ok {
		return fmt.Errorf("%w: %s", ErrUnhandled, e.Kind())
	}
	return h(e)
}

// HasHandler returns true if a handler is registered for the kind.
func (d *Dispatcher) HasHandler(kind string) bool {
	d.mu.RLock()
	defer d.mu.RUnlock()
	_, ok := d.handlers[kind]
	return ok
}

// Close stops accepting events and waits for buffered handlers to drain.
func (d *Dispatcher) Close() {
	d.mu.Lock()
	if d.closed {
		d.mu.Unlock()
		return
	}
	d.closed = true
	for kind, buf := range d.buffers {
		close(buf)
		delete(d.buffers, kind)
	}
	d.handlers = make(map[string]HandlerFunc)
	d.mu.Unlock()

	d.workers.Wait()
}

func (d *Dispatcher) withBuffer(kind string, size int, blocking bool, h HandlerFunc) HandlerFunc {
	buffer := make(chan hubproto.Event, size)

	d.mu.Lock()
	if old, ok := d.buffers[kind]; ok {
		close(old)
	}
	d.buffers[kind] = buffer
	d.mu.Unlock()

	kindAttr := attribute.String("event", kind)

	d.workers.Add(1)
	go func() {
		defer d.workers.Done()
		for e := range buffer {
			if err := h(e); err != nil {
				d.logger.Warn("buffered handler failed", "event", kind, "error", err)
			}
			d.processed.Add(context.Background(), 1, metric.WithAttributes(kindAttr))
		}
	}()

	// Senders hold the read lock so Close cannot close the channel under them.
	return func(e hubproto.Event) error {
		d.mu.RLock()
		defer d.mu.RUnlock()
		if d.buffers[kind] != buffer {
			return fmt.Errorf("%w: %s", ErrUnhandled, kind)
		}
		if blocking {
			buffer <- e
			return nil
		}
		select {
		case buffer <- e:
			return nil
		default:
			d.dropped.Add(context.Background(), 1, metric.WithAttributes(kindAttr))
			return fmt.Errorf("%w: %s", ErrQueueFull, kind)
		}
	}
}

func (d *Dispatcher) withLogging(kind string, h HandlerFunc) HandlerFunc {
	return func(e hubproto.Event) error {
		start := time.Now()
		d.logger.Debug("handling event", "event", kind)

		err := h(e)

		if err != nil {
			d.logger.Error("event failed", "event", kind, "duration", time.Since(start), "error", err)
		} else {
			d.logger.Debug("event complete", "event", kind, "duration", time.Since(start))
		}

		return err
	}
}
