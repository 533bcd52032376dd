package collab

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/atlasnote/livesync/internal/events"
	"github.com/atlasnote/livesync/internal/hub"
	"github.com/atlasnote/livesync/internal/relay"
	"github.com/atlasnote/livesync/internal/storage/memory"
	"github.com/atlasnote/livesync/pkg/core"
)

type recorder struct {
	mu  sync.Mutex
	got []events.Event
}

func (r *recorder) add(e events.Event) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.got = append(r.got, e)
}

func (r *recorder) find(match func(events.Event) bool) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, e := range r.got {
		if match(e) {
			return true
		}
	}
	return false
}

func (r *recorder) reset() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.got = nil
}

func reloadOf(id string) func(events.Event) bool {
	return func(e events.Event) bool {
		r, ok := e.(events.ReloadRequested)
		return ok && r.FeatureID == id
	}
}

func leftOf(user string) func(events.Event) bool {
	return func(e events.Event) bool {
		l, ok := e.(events.ParticipantLeft)
		return ok && l.UserID == user
	}
}

func joinedOf(user string) func(events.Event) bool {
	return func(e events.Event) bool {
		j, ok := e.(events.ParticipantJoined)
		return ok && j.Participant.UserID == user
	}
}

type env struct {
	relay *relay.Server
	http  *httptest.Server
	store *memory.Backend
}

func newEnv(t *testing.T) *env {
	t.Helper()
	rs := relay.New(relay.Options{Token: "tok"})
	srv := httptest.NewServer(rs.Router())
	t.Cleanup(srv.Close)
	return &env{relay: rs, http: srv, store: memory.New()}
}

func (e *env) mapURL(user string) string {
	return "ws" + strings.TrimPrefix(e.http.URL, "http") + "/hubs/map?userId=" + user
}

func (e *env) open(t *testing.T, user string) (*Map, *recorder) {
	t.Helper()
	rec := &recorder{}
	bus := events.NewBus()
	bus.SubscribeAll(rec.add)

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	m, err := Open(ctx, Options{
		MapID:             "m1",
		UserID:            user,
		DisplayName:       "User " + user,
		HighlightColor:    "#" + strings.Repeat(strings.ToLower(user), 6),
		URL:               e.mapURL(user),
		Tokens:            hub.StaticToken("tok"),
		Delays:            []time.Duration{20 * time.Millisecond},
		InvokeTimeout:     time.Second,
		HeartbeatInterval: time.Minute,
		IdleTimeout:       5 * time.Minute,
		Store:             e.store,
		Bus:               bus,
	})
	require.NoError(t, err)
	t.Cleanup(func() { _ = m.Close(context.Background()) })
	require.NoError(t, m.WaitJoined(ctx))
	return m, rec
}

func (e *env) postFeatureEvent(t *testing.T, change core.FeatureChangeEvent) {
	t.Helper()
	body, err := json.Marshal(change)
	require.NoError(t, err)
	resp, err := http.Post(e.http.URL+"/maps/m1/features/events", "application/json", bytes.NewReader(body))
	require.NoError(t, err)
	resp.Body.Close()
	require.Equal(t, http.StatusAccepted, resp.StatusCode)
}

func knows(m *Map, user string) func() bool {
	return func() bool {
		_, ok := m.Presence().Participant(user)
		return ok
	}
}

func eventually(t *testing.T, cond func() bool, msg string) {
	t.Helper()
	require.Eventually(t, cond, 2*time.Second, 10*time.Millisecond, msg)
}

func TestThreeParticipants(t *testing.T) {
	e := newEnv(t)
	a, _ := e.open(t, "A")
	b, recB := e.open(t, "B")
	c, recC := e.open(t, "C")

	for _, m := range []*Map{a, b, c} {
		for _, u := range []string{"A", "B", "C"} {
			eventually(t, knows(m, u), m.userID+" should know "+u)
		}
	}
	p, _ := c.Presence().Participant("A")
	assert.Equal(t, "User A", p.DisplayName)

	objectID := "parcel-7"
	a.Select(core.Selection{SelectionType: core.SelectionPolygon, SelectedObjectID: &objectID})
	for _, m := range []*Map{b, c} {
		eventually(t, func() bool {
			sel, ok := m.Presence().Selection("A")
			return ok && sel.SelectedObjectID != nil && *sel.SelectedObjectID == objectID
		}, m.userID+" should see A's selection")
	}
	sel, _ := b.Presence().Selection("A")
	assert.Equal(t, core.SelectionPolygon, sel.SelectionType)
	assert.Equal(t, "#aaaaaa", sel.HighlightColor)

	require.NoError(t, a.Close(context.Background()))
	for _, m := range []*Map{b, c} {
		eventually(t, func() bool { return !knows(m, "A")() }, m.userID+" should lose A")
		_, ok := m.Presence().Selection("A")
		assert.False(t, ok, "A's selection goes with A")
	}
	assert.True(t, recB.find(leftOf("A")))

	recC.reset()
	assert.Equal(t, 1, e.relay.Kick("B"))
	eventually(t, func() bool { return recC.find(leftOf("B")) }, "C should see B leave")
	eventually(t, func() bool { return recC.find(joinedOf("B")) }, "C should see B rejoin")
	eventually(t, func() bool { return b.Status() == hub.StatusConnected }, "B reconnects")
	eventually(t, knows(b, "C"), "B rebuilds presence from the initial state")

	c.Select(core.Selection{SelectionType: core.SelectionPoint, Latitude: ptr(50.1), Longitude: ptr(8.6)})
	eventually(t, func() bool {
		sel, ok := b.Presence().Selection("C")
		return ok && sel.Latitude != nil && *sel.Latitude == 50.1
	}, "B should see C's selection after rejoining")

	c.ClearSelection()
	eventually(t, func() bool {
		_, ok := b.Presence().Selection("C")
		return !ok
	}, "B should see C's selection cleared")
}

func ptr[T any](v T) *T { return &v }

func TestOwnCreateEchoSuppressed(t *testing.T) {
	e := newEnv(t)
	a, recA := e.open(t, "A")
	_, recB := e.open(t, "B")

	f, err := a.Features().Create(context.Background(), core.Feature{Kind: core.FeaturePoint, Properties: map[string]any{"name": "well"}})
	require.NoError(t, err)
	stored, err := e.store.GetFeature(context.Background(), "m1", f.FeatureID)
	require.NoError(t, err)
	assert.Equal(t, "well", stored.Properties["name"])

	e.postFeatureEvent(t, core.FeatureChangeEvent{FeatureID: f.FeatureID, Kind: core.ChangeCreated, Feature: &stored})
	e.postFeatureEvent(t, core.FeatureChangeEvent{FeatureID: "marker", Kind: core.ChangeUpdated})

	eventually(t, func() bool { return recB.find(reloadOf(f.FeatureID)) }, "B reloads on A's create")
	eventually(t, func() bool { return recA.find(reloadOf("marker")) }, "A got the later event")
	assert.False(t, recA.find(reloadOf(f.FeatureID)), "A's own create echo is suppressed")
	assert.True(t, a.Features().RecentlyCreated(f.FeatureID))
}

func TestOpen_Errors(t *testing.T) {
	_, err := Open(context.Background(), Options{MapID: "m1"})
	assert.ErrorIs(t, err, ErrMissingIdentity)

	_, err = Open(context.Background(), Options{UserID: "u"})
	assert.ErrorIs(t, err, ErrMissingIdentity)

}

func TestOpen_WithoutTokenIsNoop(t *testing.T) {
	m, err := Open(context.Background(), Options{MapID: "m1", UserID: "u", URL: "ws://127.0.0.1:1/hubs/map"})
	assert.NoError(t, err)
	assert.Nil(t, m)
}

func TestClose_Idempotent(t *testing.T) {
	e := newEnv(t)
	a, _ := e.open(t, "A")

	require.NoError(t, a.Close(context.Background()))
	require.NoError(t, a.Close(context.Background()))
	assert.ErrorIs(t, a.WaitJoined(context.Background()), ErrClosed)
	assert.Empty(t, a.Presence().Participants())
	eventually(t, func() bool { return len(e.relay.MapParticipants("m1")) == 0 }, "relay room is empty")
}
