// Package features applies local feature edits optimistically, persists them
// through the CRUD store and keeps the client's own changes from coming back
// as remote ones.
package features

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/jonboulle/clockwork"
	geom "github.com/peterstace/simplefeatures/geom"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"

	"github.com/atlasnote/livesync/internal/cache"
	"github.com/atlasnote/livesync/internal/dispatcher"
	"github.com/atlasnote/livesync/internal/events"
	"github.com/atlasnote/livesync/pkg/core"
	"github.com/atlasnote/livesync/pkg/hubproto"
)

var (
	// ErrClosed is returned by operations after Close.
	ErrClosed = errors.New("features: broadcaster closed")
	// ErrNoPieces is returned by Cut when the cut produced no geometry.
	ErrNoPieces = errors.New("features: cut produced no pieces")
)

// Store persists features. storage.Backend satisfies it.
type Store interface {
	CreateFeature(ctx context.Context, f core.Feature) (core.Feature, error)
	UpdateFeature(ctx context.Context, f core.Feature) (core.Feature, error)
	DeleteFeature(ctx context.Context, mapID, featureID string) error
}

// Options configures a Broadcaster.
type Options struct {
	MapID       string
	Store       Store
	CreatedTTL  time.Duration
	CutDeadTime time.Duration
	DebounceGap time.Duration
	Clock       clockwork.Clock
	Logger      *slog.Logger
	Bus         *events.Bus
}

type pendingWrite struct {
	timer   clockwork.Timer
	feature core.Feature
	gen     uint64
}

// Broadcaster owns the local feature view of one map.
type Broadcaster struct {
	mapID  string
	store  Store
	gap    time.Duration
	clock  clockwork.Clock
	logger *slog.Logger
	bus    *events.Bus
	ctx    context.Context
	cancel context.CancelFunc

	created *cache.Window
	cut     *cache.Window

	mu      sync.Mutex
	local   map[string]core.Feature
	pending map[string]*pendingWrite
	gen     uint64
	closed  bool
	writes  sync.WaitGroup

	writeCount metric.Int64Counter
	echoCount  metric.Int64Counter
}

// New creates a Broadcaster. Zero durations fall back to a 5s created window
// and a 1s debounce gap. A zero CutDeadTime disables the cut dead-time; a
// negative one falls back to 2s.
func New(opts Options) *Broadcaster {
	if opts.CreatedTTL <= 0 {
		opts.CreatedTTL = 5 * time.Second
	}
	if opts.CutDeadTime < 0 {
		opts.CutDeadTime = 2 * time.Second
	}
	if opts.DebounceGap <= 0 {
		opts.DebounceGap = time.Second
	}
	if opts.Clock == nil {
		opts.Clock = clockwork.NewRealClock()
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	ctx, cancel := context.WithCancel(context.Background())
	b := &Broadcaster{
		mapID:   opts.MapID,
		store:   opts.Store,
		gap:     opts.DebounceGap,
		clock:   opts.Clock,
		logger:  opts.Logger.With("component", "features", "mapId", opts.MapID),
		bus:     opts.Bus,
		ctx:     ctx,
		cancel:  cancel,
		created: cache.NewWindow(opts.Clock, opts.CreatedTTL),
		cut:     cache.NewWindow(opts.Clock, opts.CutDeadTime),
		local:   make(map[string]core.Feature),
		pending: make(map[string]*pendingWrite),
	}
	m := otel.Meter("github.com/atlasnote/livesync/internal/features")
	b.writeCount, _ = m.Int64Counter("features.writes",
		metric.WithDescription("Feature writes sent to the store"))
	b.echoCount, _ = m.Int64Counter("features.echoes_suppressed",
		metric.WithDescription("Inbound feature events recognised as own echoes"))
	return b
}

// RegisterHandlers routes feature, layer and error events from d. Feature
// changes are logged.
func (b *Broadcaster) RegisterHandlers(d *dispatcher.Dispatcher) {
	for _, kind := range []string{
		hubproto.EventFeatureCreated,
		hubproto.EventFeatureUpdated,
		hubproto.EventFeatureDeleted,
	} {
		d.Register(kind, b.Handle, dispatcher.Logged())
	}
	d.Register(hubproto.EventLayerUpdated, b.Handle)
	d.Register(hubproto.EventError, b.Handle)
}

// Seed replaces the local view, e.g. after the initial feature load.
func (b *Broadcaster) Seed(features []core.Feature) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.local = make(map[string]core.Feature, len(features))
	for _, f := range features {
		b.local[f.FeatureID] = f
	}
}

// Features returns the local view ordered by id.
func (b *Broadcaster) Features() []core.Feature {
	b.mu.Lock()
	defer b.mu.Unlock()
	out := make([]core.Feature, 0, len(b.local))
	for _, f := range b.local {
		out = append(out, f)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].FeatureID < out[j].FeatureID })
	return out
}

// Feature returns one feature from the local view.
func (b *Broadcaster) Feature(id string) (core.Feature, bool) {
	b.mu.Lock()
	defer b.mu.Unlock()
	f, ok := b.local[id]
	return f, ok
}

// Create applies f locally, persists it and marks its id as recently created
// so the server's echo is not applied a second time. The id is assigned
// client-side when empty so an echo racing the store response is still
// recognised.
func (b *Broadcaster) Create(ctx context.Context, f core.Feature) (core.Feature, error) {
	if f.FeatureID == "" {
		f.FeatureID = uuid.NewString()
	}
	if f.MapID == "" {
		f.MapID = b.mapID
	}
	f.UpdatedAt = b.clock.Now()

	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return core.Feature{}, ErrClosed
	}
	b.local[f.FeatureID] = f
	b.mu.Unlock()
	b.created.Add(f.FeatureID)

	saved, err := b.store.CreateFeature(ctx, f)
	b.writeCount.Add(ctx, 1, metric.WithAttributes(attribute.String("op", "create")))
	if err != nil {
		b.mu.Lock()
		delete(b.local, f.FeatureID)
		b.mu.Unlock()
		b.created.Remove(f.FeatureID)
		return core.Feature{}, fmt.Errorf("creating feature: %w", err)
	}

	b.mu.Lock()
	if saved.FeatureID != f.FeatureID {
		delete(b.local, f.FeatureID)
	}
	b.local[saved.FeatureID] = saved
	b.mu.Unlock()
	b.created.Add(saved.FeatureID)
	return saved, nil
}

// Edit records a vertex edit. See update.
func (b *Broadcaster) Edit(f core.Feature) bool { return b.update(f) }

// DragEnd records the end of a drag.
func (b *Broadcaster) DragEnd(f core.Feature) bool { return b.update(f) }

// RotateEnd records the end of a rotation.
func (b *Broadcaster) RotateEnd(f core.Feature) bool { return b.update(f) }

// update applies f locally and schedules a debounced write: a burst of
// updates to one id produces a single write carrying the last state once the
// id has been quiet for the debounce gap. Updates to an id cut within the
// dead-time are ignored and false is returned.
func (b *Broadcaster) update(f core.Feature) bool {
	if f.FeatureID == "" {
		return false
	}
	if b.cut.Contains(f.FeatureID) {
		b.logger.Debug("Ignoring edit of recently cut feature", "featureId", f.FeatureID)
		return false
	}
	if f.MapID == "" {
		f.MapID = b.mapID
	}
	f.UpdatedAt = b.clock.Now()

	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return false
	}
	b.local[f.FeatureID] = f

	if p, ok := b.pending[f.FeatureID]; ok {
		p.timer.Stop()
	}
	b.gen++
	gen := b.gen
	id := f.FeatureID
	b.pending[id] = &pendingWrite{
		feature: f,
		gen:     gen,
		timer:   b.clock.AfterFunc(b.gap, func() { b.flushOne(id, gen) }),
	}
	return true
}

func (b *Broadcaster) flushOne(id string, gen uint64) {
	b.mu.Lock()
	p, ok := b.pending[id]
	if !ok || p.gen != gen || b.closed {
		b.mu.Unlock()
		return
	}
	delete(b.pending, id)
	b.writes.Add(1)
	b.mu.Unlock()
	defer b.writes.Done()

	b.persist(b.ctx, p.feature)
}

func (b *Broadcaster) persist(ctx context.Context, f core.Feature) {
	b.writeCount.Add(ctx, 1, metric.WithAttributes(attribute.String("op", "update")))
	if _, err := b.store.UpdateFeature(ctx, f); err != nil {
		if ctx.Err() != nil {
			return
		}
		b.logger.Warn("Feature update failed", "featureId", f.FeatureID, "error", err)
		b.bus.Publish(events.ReloadRequested{MapID: b.mapID, FeatureID: f.FeatureID})
	}
}

// Flush writes every pending debounced update now.
func (b *Broadcaster) Flush(ctx context.Context) {
	b.mu.Lock()
	batch := make([]core.Feature, 0, len(b.pending))
	for id, p := range b.pending {
		p.timer.Stop()
		batch = append(batch, p.feature)
		delete(b.pending, id)
	}
	b.mu.Unlock()

	for _, f := range batch {
		b.persist(ctx, f)
	}
}

// PendingWrites returns how many ids have a debounced write scheduled.
func (b *Broadcaster) PendingWrites() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.pending)
}

// Delete removes a feature locally and from the store, dropping any pending
// write for it.
func (b *Broadcaster) Delete(ctx context.Context, featureID string) error {
	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return ErrClosed
	}
	b.cancelPendingLocked(featureID)
	delete(b.local, featureID)
	b.mu.Unlock()

	b.writeCount.Add(ctx, 1, metric.WithAttributes(attribute.String("op", "delete")))
	if err := b.store.DeleteFeature(ctx, b.mapID, featureID); err != nil {
		return fmt.Errorf("deleting feature %s: %w", featureID, err)
	}
	return nil
}

// Cut replaces a feature by the pieces of a cut. The first piece keeps the
// original id and is written as an update; the rest become new features.
// Edits the drawing layer reports for the original id during the cut
// dead-time are ignored.
func (b *Broadcaster) Cut(ctx context.Context, featureID string, pieces []geom.Geometry) ([]core.Feature, error) {
	if len(pieces) == 0 {
		return nil, ErrNoPieces
	}

	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return nil, ErrClosed
	}
	orig, ok := b.local[featureID]
	if !ok {
		orig = core.Feature{FeatureID: featureID, MapID: b.mapID}
	}
	b.cancelPendingLocked(featureID)
	first := orig
	first.Geometry = pieces[0]
	first.UpdatedAt = b.clock.Now()
	b.local[featureID] = first
	b.mu.Unlock()
	b.cut.Add(featureID)

	b.writeCount.Add(ctx, 1, metric.WithAttributes(attribute.String("op", "cut")))
	saved, err := b.store.UpdateFeature(ctx, first)
	if err != nil {
		return nil, fmt.Errorf("updating cut feature %s: %w", featureID, err)
	}
	out := []core.Feature{saved}

	for _, g := range pieces[1:] {
		piece := core.Feature{
			MapID:      orig.MapID,
			LayerID:    orig.LayerID,
			Kind:       orig.Kind,
			Geometry:   g,
			Properties: cloneProps(orig.Properties),
		}
		created, err := b.Create(ctx, piece)
		if err != nil {
			return out, err
		}
		out = append(out, created)
	}
	return out, nil
}

func (b *Broadcaster) cancelPendingLocked(id string) {
	if p, ok := b.pending[id]; ok {
		p.timer.Stop()
		delete(b.pending, id)
	}
}

// Handle applies one inbound feature, layer or error event.
func (b *Broadcaster) Handle(ev hubproto.Event) error {
	switch e := ev.(type) {
	case hubproto.FeatureChanged:
		b.handleChange(e.Change)
	case hubproto.LayerUpdated:
		b.bus.Publish(events.LayerChanged{MapID: e.MapID, LayerID: e.LayerID})
	case hubproto.ServerError:
		b.logger.Warn("Hub reported an error", "code", e.Code, "message", e.Message)
		b.bus.Publish(events.ProtocolError{Code: e.Code, Message: e.Message})
	}
	return nil
}

func (b *Broadcaster) handleChange(c core.FeatureChangeEvent) {
	if c.MapID != "" && b.mapID != "" && c.MapID != b.mapID {
		return
	}
	if c.Kind == core.ChangeCreated && b.created.Contains(c.FeatureID) {
		b.echoCount.Add(context.Background(), 1)
		b.logger.Debug("Suppressed own FeatureCreated echo", "featureId", c.FeatureID)
		return
	}

	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return
	}
	switch c.Kind {
	case core.ChangeDeleted:
		b.cancelPendingLocked(c.FeatureID)
		delete(b.local, c.FeatureID)
	default:
		if c.Feature != nil {
			b.local[c.FeatureID] = *c.Feature
		}
	}
	b.mu.Unlock()

	b.created.Sweep()
	b.cut.Sweep()

	if b.bus.HasSubscribers(events.KindFeatureChanged) {
		b.bus.Publish(events.FeatureChanged{Change: c})
		return
	}
	b.bus.Publish(events.ReloadRequested{MapID: b.mapID, FeatureID: c.FeatureID})
}

// Close stops every debounce timer, waits for in-flight debounced writes and
// clears the suppression windows. Pending writes are discarded; call Flush
// first to keep them.
func (b *Broadcaster) Close() {
	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return
	}
	b.closed = true
	for id, p := range b.pending {
		p.timer.Stop()
		delete(b.pending, id)
	}
	b.mu.Unlock()

	b.cancel()
	b.writes.Wait()
	b.created.Clear()
	b.cut.Clear()
}

// RecentlyCreated reports whether id is inside the created window.
func (b *Broadcaster) RecentlyCreated(id string) bool { return b.created.Contains(id) }

// RecentlyCut reports whether id is inside the cut dead-time.
func (b *Broadcaster) RecentlyCut(id string) bool { return b.cut.Contains(id) }

func cloneProps(in map[string]any) map[string]any {
	if in == nil {
		return nil
	}
	out := make(map[string]any, len(in))
	for k, v := range in {
		out[k] = v
	}
	return out
}
