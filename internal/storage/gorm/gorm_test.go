package gormstorage

import (
	"context"
	"testing"
	"time"

	"github.com/jonboulle/clockwork"
	geom "github.com/peterstace/simplefeatures/geom"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/atlasnote/livesync/internal/database"
	"github.com/atlasnote/livesync/internal/model"
	"github.com/atlasnote/livesync/internal/storage"
	"github.com/atlasnote/livesync/pkg/core"
)

// Compile-time interface check
var (
	_ storage.Backend = (*Backend)(nil)
	_ storage.Seeder  = (*Backend)(nil)
)

func newTestBackend(t *testing.T, clock clockwork.Clock) *Backend {
	t.Helper()
	db, err := database.GetSqliteDB("")
	require.NoError(t, err)
	b := New(Dependencies{DB: db, Clock: clock})
	require.NoError(t, b.Init())
	t.Cleanup(func() { _ = b.Close() })
	return b
}

func seed(t *testing.T, b *Backend) {
	t.Helper()
	ctx := context.Background()
	require.NoError(t, b.SaveSegment(ctx, core.Segment{SegmentID: "s1", MapID: "m1", Order: 1, DurationMs: 500}))
	require.NoError(t, b.SaveSegment(ctx, core.Segment{
		SegmentID: "s0", MapID: "m1", Order: 0, DurationMs: 1000,
		Camera: &core.CameraState{Center: core.LngLat{Lng: 2, Lat: 1}, Zoom: 7},
		Locations: []core.MapLocation{
			{LocationID: "l1", Name: "Harbour", Lat: 1, Lng: 2},
			{LocationID: "l2", Name: "Lighthouse", Lat: 1.1, Lng: 2.1},
		},
	}))
	require.NoError(t, b.SaveSegment(ctx, core.Segment{SegmentID: "x0", MapID: "other", Order: 0}))
	require.NoError(t, b.SaveTransition(ctx, core.TimelineTransition{FromSegmentID: "s0", ToSegmentID: "s1", AutoTrigger: true}))
	require.NoError(t, b.SaveRouteAnimation(ctx, core.RouteAnimation{RouteAnimationID: "r2", SegmentID: "s0", DisplayOrder: 2}))
	require.NoError(t, b.SaveRouteAnimation(ctx, core.RouteAnimation{
		RouteAnimationID: "r1", SegmentID: "s0", DisplayOrder: 1,
		RoutePath: [][2]float64{{2, 1}, {2.1, 1.1}},
	}))
}

func TestInit_NoDatabase(t *testing.T) {
	b := New(Dependencies{})
	assert.Error(t, b.Init())
	assert.NoError(t, b.Close())
}

func TestInit_CreatesTables(t *testing.T) {
	b := newTestBackend(t, nil)
	for _, m := range model.DatabaseModels {
		assert.True(t, b.DB().Migrator().HasTable(m), "%T", m)
	}
}

func TestSegments(t *testing.T) {
	b := newTestBackend(t, nil)
	seed(t, b)
	ctx := context.Background()

	segs, err := b.GetSegments(ctx, "m1")
	require.NoError(t, err)
	require.Len(t, segs, 2)
	assert.Equal(t, "s0", segs[0].SegmentID)
	assert.Equal(t, 7.0, segs[0].Camera.Zoom)
	require.Len(t, segs[0].Locations, 2)
	assert.Equal(t, "Harbour", segs[0].Locations[0].Name)
	assert.Empty(t, segs[1].Locations)

	none, err := b.GetSegments(ctx, "missing")
	require.NoError(t, err)
	assert.Empty(t, none)
}

func TestSaveSegment_ReplacesLocations(t *testing.T) {
	b := newTestBackend(t, nil)
	seed(t, b)
	ctx := context.Background()

	require.NoError(t, b.SaveSegment(ctx, core.Segment{
		SegmentID: "s0", MapID: "m1", Order: 5,
		Locations: []core.MapLocation{{Name: "Market", Lat: 3, Lng: 4}},
	}))

	locs, err := b.GetMapLocations(ctx, "s0")
	require.NoError(t, err)
	require.Len(t, locs, 1)
	assert.Equal(t, "Market", locs[0].Name)
	assert.NotEmpty(t, locs[0].LocationID)

	segs, err := b.GetSegments(ctx, "m1")
	require.NoError(t, err)
	assert.Equal(t, "s1", segs[0].SegmentID, "order changed")

	_, err = b.GetMapLocations(ctx, "nope")
	assert.ErrorIs(t, err, storage.ErrNotFound)

	assert.Error(t, b.SaveSegment(ctx, core.Segment{}))
}

func TestTransitions(t *testing.T) {
	b := newTestBackend(t, nil)
	seed(t, b)
	ctx := context.Background()

	trans, err := b.GetTransitions(ctx, "m1")
	require.NoError(t, err)
	require.Len(t, trans, 1)
	assert.True(t, trans[0].AutoTrigger)
	id := trans[0].TransitionID

	label := "Go on"
	require.NoError(t, b.SaveTransition(ctx, core.TimelineTransition{
		FromSegmentID: "s0", ToSegmentID: "s1",
		RequireUserAction: true, TriggerButtonText: &label,
	}))
	trans, err = b.GetTransitions(ctx, "m1")
	require.NoError(t, err)
	require.Len(t, trans, 1, "same pair replaces")
	assert.Equal(t, id, trans[0].TransitionID)
	assert.True(t, trans[0].RequireUserAction)
	assert.False(t, trans[0].AutoTrigger)
	require.NotNil(t, trans[0].TriggerButtonText)
	assert.Equal(t, "Go on", *trans[0].TriggerButtonText)

	other, err := b.GetTransitions(ctx, "other")
	require.NoError(t, err)
	assert.Empty(t, other)
}

func TestRouteAnimations(t *testing.T) {
	b := newTestBackend(t, nil)
	seed(t, b)

	anims, err := b.GetRouteAnimationsBySegment(context.Background(), "s0")
	require.NoError(t, err)
	require.Len(t, anims, 2)
	assert.Equal(t, "r1", anims[0].RouteAnimationID)
	assert.Equal(t, [][2]float64{{2, 1}, {2.1, 1.1}}, anims[0].RoutePath)

	tl, err := storage.LoadTimeline(context.Background(), b, "m1", true)
	require.NoError(t, err)
	assert.Len(t, tl.Segments, 2)
	assert.Len(t, tl.Animations["s0"], 2)
}

func TestFeatureCRUD(t *testing.T) {
	clock := clockwork.NewFakeClockAt(time.Date(2026, 1, 2, 3, 4, 5, 0, time.UTC))
	b := newTestBackend(t, clock)
	ctx := context.Background()

	p, err := geom.NewPoint(geom.Coordinates{XY: geom.XY{X: 1, Y: 2}, Type: geom.DimXY})
	require.NoError(t, err)
	pt := p.AsGeometry()
	created, err := b.CreateFeature(ctx, core.Feature{MapID: "m1", Kind: core.FeaturePoint, Geometry: pt, Properties: map[string]any{"name": "a"}})
	require.NoError(t, err)
	assert.NotEmpty(t, created.FeatureID)

	got, err := b.GetFeature(ctx, "m1", created.FeatureID)
	require.NoError(t, err)
	assert.Equal(t, "a", got.Properties["name"])
	assert.True(t, clock.Now().Equal(got.UpdatedAt))
	p, ok := got.Geometry.AsPoint()
	require.True(t, ok)
	xy, ok := p.XY()
	require.True(t, ok)
	assert.Equal(t, geom.XY{X: 1, Y: 2}, xy)

	_, err = b.GetFeature(ctx, "other", created.FeatureID)
	assert.ErrorIs(t, err, storage.ErrNotFound)

	clock.Advance(time.Minute)
	got.Properties["name"] = "b"
	updated, err := b.UpdateFeature(ctx, got)
	require.NoError(t, err)
	assert.Equal(t, clock.Now(), updated.UpdatedAt)

	list, err := b.ListFeatures(ctx, "m1")
	require.NoError(t, err)
	require.Len(t, list, 1)
	assert.Equal(t, "b", list[0].Properties["name"])

	require.NoError(t, b.DeleteFeature(ctx, "m1", created.FeatureID))
	assert.ErrorIs(t, b.DeleteFeature(ctx, "m1", created.FeatureID), storage.ErrNotFound)
	_, err = b.UpdateFeature(ctx, got)
	assert.ErrorIs(t, err, storage.ErrNotFound)

	_, err = b.CreateFeature(ctx, core.Feature{FeatureID: "x"})
	assert.Error(t, err)
}

func TestListFeatures_SkipsBadGeometry(t *testing.T) {
	b := newTestBackend(t, nil)
	require.NoError(t, b.DB().Create(&model.Feature{ID: "bad", MapID: "m1", Geometry: []byte{0xff}}).Error)
	_, err := b.CreateFeature(context.Background(), core.Feature{FeatureID: "good", MapID: "m1"})
	require.NoError(t, err)

	list, err := b.ListFeatures(context.Background(), "m1")
	require.NoError(t, err)
	require.Len(t, list, 1)
	assert.Equal(t, "good", list[0].FeatureID)
}

func TestSearchRoute(t *testing.T) {
	b := newTestBackend(t, nil)
	path, err := b.SearchRouteWithMultipleLocations(context.Background(), []core.LngLat{{Lng: 0, Lat: 0}, {Lng: 1, Lat: 1}})
	require.NoError(t, err)
	assert.Len(t, path, 2)
}
