package route

import (
	"math"
	"testing"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/atlasnote/livesync/internal/render"
	"github.com/atlasnote/livesync/pkg/core"
)

func straight() core.RouteAnimation {
	return core.RouteAnimation{
		RouteAnimationID: "r1",
		FromLng:          0, FromLat: 0,
		ToLng: 0, ToLat: 1,
		RoutePath:  [][2]float64{{0, 0}, {0, 1}},
		DurationMs: 1000,
		IconType:   "car",
	}
}

func TestEngine_Interpolation(t *testing.T) {
	e := NewEngine(straight())

	start := e.At(0)
	assert.Equal(t, core.LngLat{Lng: 0, Lat: 0}, start.Position)
	assert.False(t, start.Done)

	mid := e.At(500 * time.Millisecond)
	assert.InDelta(t, 0, mid.Position.Lng, 1e-9)
	assert.InDelta(t, 0.5, mid.Position.Lat, 1e-9)
	assert.InDelta(t, 0.5, mid.Progress, 1e-9)
	assert.InDelta(t, 0, mid.Bearing, 1e-9)
	assert.Equal(t, []core.LngLat{{Lng: 0, Lat: 0}, mid.Position}, mid.Visited)

	end := e.At(time.Second)
	assert.Equal(t, core.LngLat{Lng: 0, Lat: 1}, end.Position)
	assert.True(t, end.Done)
	assert.Equal(t, []core.LngLat{{Lng: 0, Lat: 0}, {Lng: 0, Lat: 1}}, end.Visited)

	past := e.At(5 * time.Second)
	assert.Equal(t, end.Position, past.Position)
	assert.Equal(t, 1.0, past.Progress)
}

func TestEngine_MultiLegUsesDistanceNotVertexCount(t *testing.T) {
	a := straight()
	// First leg is 3 degrees long, the second 1 degree.
	a.RoutePath = [][2]float64{{0, 0}, {0, 3}, {1, 3}}
	e := NewEngine(a)

	f := e.At(500 * time.Millisecond)
	require.Len(t, f.Visited, 2)
	assert.InDelta(t, 0, f.Position.Lng, 1e-9)
	assert.Greater(t, f.Position.Lat, 1.9)
	assert.Less(t, f.Position.Lat, 2.1)
	assert.InDelta(t, 0, f.Bearing, 1e-9)

	late := e.At(900 * time.Millisecond)
	assert.InDelta(t, 3, late.Position.Lat, 1e-9)
	assert.Greater(t, late.Position.Lng, 0.0)
	assert.InDelta(t, 90, late.Bearing, 0.1)
	assert.Len(t, late.Visited, 3)
}

func TestEngine_SkipsInvalidPoints(t *testing.T) {
	a := straight()
	a.RoutePath = [][2]float64{{0, 0}, {math.NaN(), 0.5}, {0, math.Inf(1)}, {0, 1}}
	e := NewEngine(a)

	assert.Len(t, e.Path(), 2)
	assert.InDelta(t, 0.5, e.At(500*time.Millisecond).Position.Lat, 1e-9)
}

func TestEngine_FallbackWithoutValidPoints(t *testing.T) {
	a := straight()
	a.RoutePath = [][2]float64{{math.NaN(), math.NaN()}}
	a.ToLat, a.ToLng = 10, 20
	e := NewEngine(a)

	f := e.At(300 * time.Millisecond)
	assert.Equal(t, core.LngLat{Lng: 20, Lat: 10}, f.Position)
	assert.Empty(t, f.Visited)

	a.ToLat = math.NaN()
	a.FromLat, a.FromLng = 1, 2
	assert.Equal(t, core.LngLat{Lng: 2, Lat: 1}, NewEngine(a).At(0).Position)
}

func TestEngine_SinglePoint(t *testing.T) {
	a := straight()
	a.RoutePath = [][2]float64{{5, 5}}
	f := NewEngine(a).At(500 * time.Millisecond)
	assert.Equal(t, core.LngLat{Lng: 5, Lat: 5}, f.Position)
}

func TestEngine_ZeroDuration(t *testing.T) {
	a := straight()
	a.DurationMs = 0
	f := NewEngine(a).At(0)
	assert.True(t, f.Done)
	assert.Equal(t, core.LngLat{Lng: 0, Lat: 1}, f.Position)
}

func TestEngine_BoundsAndLineString(t *testing.T) {
	a := straight()
	a.RoutePath = [][2]float64{{0, 0}, {2, 1}, {-1, 3}}
	e := NewEngine(a)

	b, ok := e.Bounds()
	require.True(t, ok)
	assert.Equal(t, core.Bounds{SouthWest: core.LngLat{Lng: -1, Lat: 0}, NorthEast: core.LngLat{Lng: 2, Lat: 3}}, b)

	ls := e.LineString()
	assert.Equal(t, 3, ls.Coordinates().Length())
	assert.Greater(t, e.TotalDistance(), 0.0)
}

func TestSequence_PlaysSequentially(t *testing.T) {
	first := straight()
	first.RouteAnimationID, first.DisplayOrder = "a", 1
	second := straight()
	second.RouteAnimationID, second.DisplayOrder = "b", 2
	second.StartTimeMs = 200
	zeroth := straight()
	zeroth.RouteAnimationID, zeroth.DisplayOrder, zeroth.DurationMs = "z", 0, 500

	seq := NewSequence([]core.RouteAnimation{second, first, zeroth})
	require.Equal(t, 3, seq.Len())
	assert.Equal(t, "z", seq.Engine(0).Animation().RouteAnimationID)
	assert.Equal(t, time.Duration(0), seq.Start(0))
	assert.Equal(t, 500*time.Millisecond, seq.Start(1))
	assert.Equal(t, 1500*time.Millisecond, seq.Start(2))
	assert.Equal(t, 2500*time.Millisecond, seq.Duration())

	steps := seq.At(250 * time.Millisecond)
	require.Len(t, steps, 1)
	assert.True(t, steps[0].Active)

	steps = seq.At(1 * time.Second)
	require.Len(t, steps, 2)
	assert.False(t, steps[0].Active)
	assert.True(t, steps[0].Frame.Done)
	assert.True(t, steps[1].Active)
	assert.InDelta(t, 0.5, steps[1].Frame.Position.Lat, 1e-9)

	i, running := seq.Active(2 * time.Second)
	assert.Equal(t, 2, i)
	assert.True(t, running)
	_, running = seq.Active(3 * time.Second)
	assert.False(t, running)
	assert.True(t, seq.Done(2500*time.Millisecond))
}

func TestSequence_Bounds(t *testing.T) {
	first := straight()
	second := straight()
	second.RouteAnimationID = "b"
	second.RoutePath = [][2]float64{{-2, 4}, {-1, 5}}

	b, ok := NewSequence([]core.RouteAnimation{first, second}).Bounds()
	require.True(t, ok)
	assert.Equal(t, core.Bounds{SouthWest: core.LngLat{Lng: -2, Lat: 0}, NorthEast: core.LngLat{Lng: 0, Lat: 5}}, b)

	_, ok = NewSequence(nil).Bounds()
	assert.False(t, ok)
}

func TestSequence_LaterStartTimeLeavesGap(t *testing.T) {
	a := straight()
	a.StartTimeMs = 2000
	seq := NewSequence([]core.RouteAnimation{a})

	assert.Empty(t, seq.At(time.Second))
	_, running := seq.Active(time.Second)
	assert.False(t, running)
	assert.Equal(t, 3*time.Second, seq.Duration())
}

func TestCameraFollower_SuppressedDuringOrchestratorMove(t *testing.T) {
	clock := clockwork.NewFakeClock()
	rec := render.NewRecorder()
	c := NewCameraFollower(rec, 100*time.Millisecond, clock)

	assert.True(t, c.Follow(core.LngLat{Lat: 1}))
	c.Suppress(time.Second)
	assert.False(t, c.Follow(core.LngLat{Lat: 2}))

	clock.Advance(time.Second)
	assert.True(t, c.Follow(core.LngLat{Lat: 3}))

	c.Suppress(0)
	clock.Advance(time.Hour)
	assert.True(t, c.Suppressed())
	c.Release()
	assert.False(t, c.Suppressed())

	pans := rec.CallsOf("PanTo")
	require.Len(t, pans, 2)
	assert.Equal(t, 3.0, pans[1].Center.Lat)
	assert.Equal(t, 100*time.Millisecond, pans[1].Camera.Duration)
}

func TestDrawAll(t *testing.T) {
	rec := render.NewRecorder()
	a := straight()
	a.FollowCamera = true
	seq := NewSequence([]core.RouteAnimation{a})
	follower := NewCameraFollower(rec, 50*time.Millisecond, clockwork.NewFakeClock())

	panned := DrawAll(rec, seq.At(500*time.Millisecond), follower)
	assert.True(t, panned)

	icon, ok := rec.Marker(IconLayer("r1"))
	require.True(t, ok)
	assert.Equal(t, "car", icon.Icon)
	assert.InDelta(t, 0.5, icon.Position.Lat, 1e-9)
	_, ok = rec.Polyline(VisitedLayer("r1"))
	assert.True(t, ok)

	Remove(rec, seq)
	assert.Empty(t, rec.Layers())
}
