package features

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/jonboulle/clockwork"
	geom "github.com/peterstace/simplefeatures/geom"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/atlasnote/livesync/internal/dispatcher"
	"github.com/atlasnote/livesync/internal/events"
	"github.com/atlasnote/livesync/pkg/core"
	"github.com/atlasnote/livesync/pkg/hubproto"
)

type fakeStore struct {
	mu        sync.Mutex
	creates   []core.Feature
	updates   []core.Feature
	deletes   []string
	createErr error
	updateErr error
	assignID  string
}

func (s *fakeStore) CreateFeature(_ context.Context, f core.Feature) (core.Feature, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.createErr != nil {
		return core.Feature{}, s.createErr
	}
	if s.assignID != "" {
		f.FeatureID = s.assignID
	}
	s.creates = append(s.creates, f)
	return f, nil
}

func (s *fakeStore) UpdateFeature(_ context.Context, f core.Feature) (core.Feature, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.updates = append(s.updates, f)
	return f, s.updateErr
}

func (s *fakeStore) DeleteFeature(_ context.Context, _, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.deletes = append(s.deletes, id)
	return nil
}

func (s *fakeStore) updateCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.updates)
}

func (s *fakeStore) lastUpdate() core.Feature {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.updates[len(s.updates)-1]
}

type recorder struct {
	mu     sync.Mutex
	events []events.Event
}

func (r *recorder) add(e events.Event) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, e)
}

func (r *recorder) all() []events.Event {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]events.Event(nil), r.events...)
}

func point(t *testing.T, x, y float64) geom.Geometry {
	t.Helper()
	p, err := geom.NewPoint(geom.Coordinates{XY: geom.XY{X: x, Y: y}})
	require.NoError(t, err)
	return p.AsGeometry()
}

func newBroadcaster(t *testing.T) (*Broadcaster, *fakeStore, *clockwork.FakeClock, *events.Bus) {
	t.Helper()
	store := &fakeStore{}
	clock := clockwork.NewFakeClock()
	bus := events.NewBus()
	b := New(Options{MapID: "map-1", Store: store, Clock: clock, Bus: bus, CutDeadTime: 2 * time.Second})
	t.Cleanup(b.Close)
	return b, store, clock, bus
}

func TestCreate_SuppressesOwnEcho(t *testing.T) {
	b, store, _, bus := newBroadcaster(t)
	rec := &recorder{}
	bus.SubscribeAll(rec.add)

	f, err := b.Create(context.Background(), core.Feature{Kind: core.FeaturePoint, Geometry: point(t, 1, 2)})
	require.NoError(t, err)
	require.NotEmpty(t, f.FeatureID)
	assert.Equal(t, "map-1", f.MapID)
	assert.Len(t, store.creates, 1)
	assert.True(t, b.RecentlyCreated(f.FeatureID))

	err = b.Handle(hubproto.FeatureChanged{Change: core.FeatureChangeEvent{
		MapID: "map-1", FeatureID: f.FeatureID, Kind: core.ChangeCreated, Feature: &f,
	}})
	require.NoError(t, err)
	assert.Empty(t, rec.all(), "own echo must not reach the view")

	got, ok := b.Feature(f.FeatureID)
	require.True(t, ok)
	assert.Equal(t, f.FeatureID, got.FeatureID)
}

func TestCreate_EchoAfterWindowIsRemote(t *testing.T) {
	b, _, clock, bus := newBroadcaster(t)
	rec := &recorder{}
	bus.SubscribeAll(rec.add)

	f, err := b.Create(context.Background(), core.Feature{Kind: core.FeaturePoint})
	require.NoError(t, err)

	clock.Advance(5 * time.Second)
	require.NoError(t, b.Handle(hubproto.FeatureChanged{Change: core.FeatureChangeEvent{
		MapID: "map-1", FeatureID: f.FeatureID, Kind: core.ChangeCreated,
	}}))

	got := rec.all()
	require.Len(t, got, 1)
	assert.Equal(t, events.ReloadRequested{MapID: "map-1", FeatureID: f.FeatureID}, got[0])
}

func TestCreate_ServerAssignedID(t *testing.T) {
	b, store, _, _ := newBroadcaster(t)
	store.assignID = "srv-7"

	f, err := b.Create(context.Background(), core.Feature{FeatureID: "tmp", Kind: core.FeatureLine})
	require.NoError(t, err)
	assert.Equal(t, "srv-7", f.FeatureID)
	assert.True(t, b.RecentlyCreated("srv-7"))

	_, ok := b.Feature("tmp")
	assert.False(t, ok)
	_, ok = b.Feature("srv-7")
	assert.True(t, ok)
}

func TestCreate_StoreFailureRollsBack(t *testing.T) {
	b, store, _, _ := newBroadcaster(t)
	store.createErr = errors.New("boom")

	_, err := b.Create(context.Background(), core.Feature{FeatureID: "f1"})
	require.Error(t, err)
	assert.ErrorIs(t, err, store.createErr)
	assert.Empty(t, b.Features())
	assert.False(t, b.RecentlyCreated("f1"))
}

func TestEdit_DebouncesPerFeature(t *testing.T) {
	b, store, clock, _ := newBroadcaster(t)

	for i := 0; i < 5; i++ {
		assert.True(t, b.Edit(core.Feature{FeatureID: "f1", Geometry: point(t, float64(i), 0)}))
		clock.Advance(200 * time.Millisecond)
	}
	assert.Equal(t, 0, store.updateCount())
	assert.Equal(t, 1, b.PendingWrites())

	clock.Advance(800 * time.Millisecond)
	require.Eventually(t, func() bool { return store.updateCount() == 1 }, time.Second, 5*time.Millisecond)

	last := store.lastUpdate()
	assert.Equal(t, "f1", last.FeatureID)
	assert.Equal(t, "map-1", last.MapID)
	pt, ok := last.Geometry.AsPoint()
	require.True(t, ok)
	x, ok := pt.XY()
	require.True(t, ok)
	assert.Equal(t, 4.0, x.X)
	assert.Equal(t, 0, b.PendingWrites())
}

func TestEdit_SeparateIDsWriteSeparately(t *testing.T) {
	b, store, clock, _ := newBroadcaster(t)

	b.Edit(core.Feature{FeatureID: "a"})
	b.DragEnd(core.Feature{FeatureID: "b"})
	b.RotateEnd(core.Feature{FeatureID: "a"})

	clock.Advance(time.Second)
	require.Eventually(t, func() bool { return store.updateCount() == 2 }, time.Second, 5*time.Millisecond)
}

func TestEdit_FailedWriteRequestsReload(t *testing.T) {
	b, store, clock, bus := newBroadcaster(t)
	store.updateErr = errors.New("conflict")
	rec := &recorder{}
	events.On(bus, func(e events.ReloadRequested) { rec.add(e) })

	b.Edit(core.Feature{FeatureID: "f1"})
	clock.Advance(time.Second)

	require.Eventually(t, func() bool { return len(rec.all()) == 1 }, time.Second, 5*time.Millisecond)
	assert.Equal(t, events.ReloadRequested{MapID: "map-1", FeatureID: "f1"}, rec.all()[0])
}

func TestFlush_WritesPendingNow(t *testing.T) {
	b, store, _, _ := newBroadcaster(t)

	b.Edit(core.Feature{FeatureID: "a"})
	b.Edit(core.Feature{FeatureID: "b"})
	b.Flush(context.Background())

	assert.Equal(t, 2, store.updateCount())
	assert.Equal(t, 0, b.PendingWrites())
}

func TestCut_KeepsIDAndCreatesExtras(t *testing.T) {
	b, store, _, _ := newBroadcaster(t)
	b.Seed([]core.Feature{{
		FeatureID: "poly", MapID: "map-1", LayerID: "l1", Kind: core.FeaturePolygon,
		Properties: map[string]any{"name": "field"},
	}})

	out, err := b.Cut(context.Background(), "poly", []geom.Geometry{point(t, 0, 0), point(t, 1, 1), point(t, 2, 2)})
	require.NoError(t, err)
	require.Len(t, out, 3)

	assert.Equal(t, "poly", out[0].FeatureID)
	require.Len(t, store.updates, 1)
	assert.Equal(t, "poly", store.updates[0].FeatureID)

	require.Len(t, store.creates, 2)
	for _, c := range out[1:] {
		assert.NotEqual(t, "poly", c.FeatureID)
		assert.Equal(t, "l1", c.LayerID)
		assert.Equal(t, core.FeaturePolygon, c.Kind)
		assert.Equal(t, "field", c.Properties["name"])
		assert.True(t, b.RecentlyCreated(c.FeatureID))
	}
	assert.Len(t, b.Features(), 3)
}

func TestCut_DeadTimeIgnoresEdits(t *testing.T) {
	b, store, clock, _ := newBroadcaster(t)
	b.Edit(core.Feature{FeatureID: "poly"})

	_, err := b.Cut(context.Background(), "poly", []geom.Geometry{point(t, 0, 0)})
	require.NoError(t, err)
	assert.Equal(t, 0, b.PendingWrites(), "cut cancels the pending edit")

	assert.False(t, b.Edit(core.Feature{FeatureID: "poly"}))
	clock.Advance(1999 * time.Millisecond)
	assert.False(t, b.DragEnd(core.Feature{FeatureID: "poly"}))

	clock.Advance(time.Millisecond)
	assert.True(t, b.Edit(core.Feature{FeatureID: "poly"}))
	assert.Equal(t, 1, store.updateCount())
}

func TestCut_ZeroDeadTimeAcceptsEdits(t *testing.T) {
	b := New(Options{MapID: "map-1", Store: &fakeStore{}, Clock: clockwork.NewFakeClock()})
	t.Cleanup(b.Close)

	_, err := b.Cut(context.Background(), "poly", []geom.Geometry{point(t, 0, 0)})
	require.NoError(t, err)
	assert.False(t, b.RecentlyCut("poly"))
	assert.True(t, b.Edit(core.Feature{FeatureID: "poly"}))
	assert.Equal(t, 1, b.PendingWrites())
}

func TestNew_NegativeDeadTimeFallsBack(t *testing.T) {
	clock := clockwork.NewFakeClock()
	b := New(Options{MapID: "map-1", Store: &fakeStore{}, Clock: clock, CutDeadTime: -1})
	t.Cleanup(b.Close)

	_, err := b.Cut(context.Background(), "poly", []geom.Geometry{point(t, 0, 0)})
	require.NoError(t, err)
	assert.False(t, b.Edit(core.Feature{FeatureID: "poly"}))
	clock.Advance(2 * time.Second)
	assert.True(t, b.Edit(core.Feature{FeatureID: "poly"}))
}

func TestCut_NoPieces(t *testing.T) {
	b, _, _, _ := newBroadcaster(t)
	_, err := b.Cut(context.Background(), "poly", nil)
	assert.ErrorIs(t, err, ErrNoPieces)
}

func TestHandle_RemoteChangePatchedWhenSubscribed(t *testing.T) {
	b, _, _, bus := newBroadcaster(t)
	rec := &recorder{}
	events.On(bus, func(e events.FeatureChanged) { rec.add(e) })
	events.On(bus, func(e events.ReloadRequested) { rec.add(e) })

	remote := core.Feature{FeatureID: "r1", MapID: "map-1", Kind: core.FeatureMarker}
	change := core.FeatureChangeEvent{MapID: "map-1", FeatureID: "r1", Kind: core.ChangeUpdated, Feature: &remote}
	require.NoError(t, b.Handle(hubproto.FeatureChanged{Change: change}))

	assert.Equal(t, []events.Event{events.FeatureChanged{Change: change}}, rec.all())
	got, ok := b.Feature("r1")
	require.True(t, ok)
	assert.Equal(t, core.FeatureMarker, got.Kind)
}

func TestHandle_RemoteDeleteWithoutSubscriberReloads(t *testing.T) {
	b, _, _, bus := newBroadcaster(t)
	b.Seed([]core.Feature{{FeatureID: "r1", MapID: "map-1"}})
	b.Edit(core.Feature{FeatureID: "r1"})
	rec := &recorder{}
	bus.SubscribeAll(rec.add)

	require.NoError(t, b.Handle(hubproto.FeatureChanged{Change: core.FeatureChangeEvent{
		MapID: "map-1", FeatureID: "r1", Kind: core.ChangeDeleted,
	}}))

	assert.Equal(t, []events.Event{events.ReloadRequested{MapID: "map-1", FeatureID: "r1"}}, rec.all())
	assert.Empty(t, b.Features())
	assert.Equal(t, 0, b.PendingWrites())
}

func TestHandle_OtherMapIgnored(t *testing.T) {
	b, _, _, bus := newBroadcaster(t)
	rec := &recorder{}
	bus.SubscribeAll(rec.add)

	require.NoError(t, b.Handle(hubproto.FeatureChanged{Change: core.FeatureChangeEvent{
		MapID: "map-2", FeatureID: "x", Kind: core.ChangeUpdated,
	}}))
	assert.Empty(t, rec.all())
}

func TestHandle_LayerAndError(t *testing.T) {
	b, _, _, bus := newBroadcaster(t)
	rec := &recorder{}
	bus.SubscribeAll(rec.add)

	var layer hubproto.LayerUpdated
	layer.MapID, layer.LayerID = "map-1", "l2"
	var serr hubproto.ServerError
	serr.Code, serr.Message = "Forbidden", "not an editor"

	require.NoError(t, b.Handle(layer))
	require.NoError(t, b.Handle(serr))

	assert.Equal(t, []events.Event{
		events.LayerChanged{MapID: "map-1", LayerID: "l2"},
		events.ProtocolError{Code: "Forbidden", Message: "not an editor"},
	}, rec.all())
}

func TestDelete(t *testing.T) {
	b, store, _, _ := newBroadcaster(t)
	b.Seed([]core.Feature{{FeatureID: "d1"}})
	b.Edit(core.Feature{FeatureID: "d1"})

	require.NoError(t, b.Delete(context.Background(), "d1"))
	assert.Equal(t, []string{"d1"}, store.deletes)
	assert.Equal(t, 0, b.PendingWrites())
	assert.Empty(t, b.Features())
}

func TestClose_StopsTimersAndClearsWindows(t *testing.T) {
	b, store, clock, _ := newBroadcaster(t)

	f, err := b.Create(context.Background(), core.Feature{})
	require.NoError(t, err)
	_, err = b.Cut(context.Background(), f.FeatureID, []geom.Geometry{point(t, 0, 0)})
	require.NoError(t, err)
	b.Edit(core.Feature{FeatureID: "other"})
	updates := store.updateCount()

	b.Close()
	b.Close()

	assert.Equal(t, 0, b.PendingWrites())
	assert.False(t, b.RecentlyCreated(f.FeatureID))
	assert.False(t, b.RecentlyCut(f.FeatureID))

	clock.Advance(time.Minute)
	time.Sleep(20 * time.Millisecond)
	assert.Equal(t, updates, store.updateCount())

	_, err = b.Create(context.Background(), core.Feature{})
	assert.ErrorIs(t, err, ErrClosed)
	assert.False(t, b.Edit(core.Feature{FeatureID: "other"}))
}

type captureLogger struct {
	mu   sync.Mutex
	msgs []string
}

func (l *captureLogger) add(msg string) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.msgs = append(l.msgs, msg)
}

func (l *captureLogger) messages() []string {
	l.mu.Lock()
	defer l.mu.Unlock()
	return append([]string(nil), l.msgs...)
}

func (l *captureLogger) Debug(msg string, _ ...any) { l.add(msg) }
func (l *captureLogger) Info(msg string, _ ...any)  { l.add(msg) }
func (l *captureLogger) Warn(msg string, _ ...any)  { l.add(msg) }
func (l *captureLogger) Error(msg string, _ ...any) { l.add(msg) }

func TestRegisterHandlers_LogsFeatureChanges(t *testing.T) {
	b, _, _, _ := newBroadcaster(t)
	log := &captureLogger{}
	d, err := dispatcher.New(log)
	require.NoError(t, err)
	t.Cleanup(d.Close)
	b.RegisterHandlers(d)

	for _, kind := range []string{hubproto.EventFeatureCreated, hubproto.EventFeatureUpdated, hubproto.EventFeatureDeleted, hubproto.EventLayerUpdated, hubproto.EventError} {
		assert.True(t, d.HasHandler(kind), kind)
	}

	remote := core.Feature{FeatureID: "r1", MapID: "map-1", Kind: core.FeatureMarker}
	require.NoError(t, d.Dispatch(hubproto.FeatureChanged{Change: core.FeatureChangeEvent{
		MapID: "map-1", FeatureID: "r1", Kind: core.ChangeCreated, Feature: &remote,
	}}))
	assert.Equal(t, []string{"handling event", "event complete"}, log.messages())
}
