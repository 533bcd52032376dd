package relay

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
)

// DefaultFanoutChannel is the Redis channel relays share room traffic on.
const DefaultFanoutChannel = "livesync:rooms"

type fanoutMessage struct {
	Origin  string          `json:"origin"`
	Room    string          `json:"room"`
	Exclude string          `json:"exclude,omitempty"`
	Data    json.RawMessage `json:"data"`
}

// Fanout relays room traffic between relay instances over Redis pub/sub.
// Each instance delivers its own messages locally and ignores their echo.
type Fanout struct {
	rdb      *redis.Client
	channel  string
	instance string
	logger   *slog.Logger

	deliver func(room string, data []byte, excludeID string)

	once sync.Once
	done chan struct{}
}

// NewFanout creates a fanout on channel, or DefaultFanoutChannel when empty.
func NewFanout(rdb *redis.Client, channel string, logger *slog.Logger) *Fanout {
	if channel == "" {
		channel = DefaultFanoutChannel
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Fanout{
		rdb:      rdb,
		channel:  channel,
		instance: uuid.NewString(),
		logger:   logger.With("component", "fanout"),
		done:     make(chan struct{}),
	}
}

// Instance is the id stamped on this relay's messages.
func (f *Fanout) Instance() string { return f.instance }

// Publish sends a room frame to the other relays.
func (f *Fanout) Publish(ctx context.Context, room string, data []byte, excludeID string) error {
	msg, err := json.Marshal(fanoutMessage{Origin: f.instance, Room: room, Exclude: excludeID, Data: data})
	if err != nil {
		return err
	}
	if err := f.rdb.Publish(ctx, f.channel, msg).Err(); err != nil {
		return fmt.Errorf("fanout publish: %w", err)
	}
	return nil
}

// Start subscribes and waits for the subscription to be confirmed, then
// delivers remote messages until ctx is done.
func (f *Fanout) Start(ctx context.Context) error {
	sub := f.rdb.Subscribe(ctx, f.channel)
	if _, err := sub.Receive(ctx); err != nil {
		_ = sub.Close()
		return fmt.Errorf("fanout subscribe: %w", err)
	}
	go f.listen(ctx, sub)
	return nil
}

// Done is closed when the subscription loop has exited.
func (f *Fanout) Done() <-chan struct{} { return f.done }

func (f *Fanout) listen(ctx context.Context, sub *redis.PubSub) {
	defer f.once.Do(func() { close(f.done) })
	defer sub.Close()

	ch := sub.Channel()
	for {
		select {
		case <-ctx.Done():
			return
		case m, ok := <-ch:
			if !ok {
				return
			}
			var msg fanoutMessage
			if err := json.Unmarshal([]byte(m.Payload), &msg); err != nil {
				f.logger.Warn("Dropping malformed fanout message", "error", err)
				continue
			}
			if msg.Origin == f.instance || f.deliver == nil {
				continue
			}
			f.deliver(msg.Room, msg.Data, msg.Exclude)
		}
	}
}
