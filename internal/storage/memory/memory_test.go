package memory

import (
	"context"
	"errors"
	"path/filepath"
	"testing"
	"time"

	"github.com/jonboulle/clockwork"
	geom "github.com/peterstace/simplefeatures/geom"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/atlasnote/livesync/internal/storage"
	"github.com/atlasnote/livesync/pkg/core"
)

// Verify Backend implements storage.Backend and storage.Seeder
var (
	_ storage.Backend = (*Backend)(nil)
	_ storage.Seeder  = (*Backend)(nil)
)

func seed(t *testing.T, b *Backend) {
	t.Helper()
	ctx := context.Background()
	require.NoError(t, b.SaveSegment(ctx, core.Segment{SegmentID: "s1", MapID: "m1", Order: 1, DurationMs: 500}))
	require.NoError(t, b.SaveSegment(ctx, core.Segment{SegmentID: "s0", MapID: "m1", Order: 0, DurationMs: 1000,
		Locations: []core.MapLocation{{LocationID: "l1", SegmentID: "s0", Name: "Harbour", Lat: 1, Lng: 2}}}))
	require.NoError(t, b.SaveSegment(ctx, core.Segment{SegmentID: "x0", MapID: "other", Order: 0}))
	require.NoError(t, b.SaveTransition(ctx, core.TimelineTransition{FromSegmentID: "s0", ToSegmentID: "s1", AutoTrigger: true}))
	require.NoError(t, b.SaveRouteAnimation(ctx, core.RouteAnimation{RouteAnimationID: "r2", SegmentID: "s0", DisplayOrder: 2}))
	require.NoError(t, b.SaveRouteAnimation(ctx, core.RouteAnimation{RouteAnimationID: "r1", SegmentID: "s0", DisplayOrder: 1}))
}

func TestTimelineQueries(t *testing.T) {
	b := New()
	seed(t, b)
	ctx := context.Background()

	segs, err := b.GetSegments(ctx, "m1")
	require.NoError(t, err)
	require.Len(t, segs, 2)
	assert.Equal(t, "s0", segs[0].SegmentID)

	trans, err := b.GetTransitions(ctx, "m1")
	require.NoError(t, err)
	assert.Len(t, trans, 1)

	require.NoError(t, b.SaveTransition(ctx, core.TimelineTransition{FromSegmentID: "s0", ToSegmentID: "s1", RequireUserAction: true}))
	trans, _ = b.GetTransitions(ctx, "m1")
	require.Len(t, trans, 1, "same pair replaces")
	assert.True(t, trans[0].RequireUserAction)

	locs, err := b.GetMapLocations(ctx, "s0")
	require.NoError(t, err)
	assert.Equal(t, "Harbour", locs[0].Name)
	_, err = b.GetMapLocations(ctx, "nope")
	assert.ErrorIs(t, err, storage.ErrNotFound)

	anims, err := b.GetRouteAnimationsBySegment(ctx, "s0")
	require.NoError(t, err)
	require.Len(t, anims, 2)
	assert.Equal(t, "r1", anims[0].RouteAnimationID)
}

func TestLoadTimeline(t *testing.T) {
	b := New()
	seed(t, b)

	tl, err := storage.LoadTimeline(context.Background(), b, "m1", true)
	require.NoError(t, err)
	assert.Len(t, tl.Segments, 2)
	assert.Len(t, tl.Transitions, 1)
	assert.Len(t, tl.Animations["s0"], 2)
	assert.Empty(t, tl.Animations["s1"])

	tl, err = storage.LoadTimeline(context.Background(), b, "m1", false)
	require.NoError(t, err)
	assert.Nil(t, tl.Animations)
}

func TestFeatureCRUD(t *testing.T) {
	clock := clockwork.NewFakeClockAt(time.Date(2026, 1, 2, 3, 4, 5, 0, time.UTC))
	b := New(WithClock(clock))
	ctx := context.Background()

	p, err := geom.NewPoint(geom.Coordinates{XY: geom.XY{X: 1, Y: 2}, Type: geom.DimXY})
	require.NoError(t, err)
	pt := p.AsGeometry()
	created, err := b.CreateFeature(ctx, core.Feature{MapID: "m1", Kind: core.FeaturePoint, Geometry: pt, Properties: map[string]any{"name": "a"}})
	require.NoError(t, err)
	assert.NotEmpty(t, created.FeatureID)
	assert.Equal(t, clock.Now(), created.UpdatedAt)

	created.Properties["name"] = "mutated"
	got, err := b.GetFeature(ctx, "m1", created.FeatureID)
	require.NoError(t, err)
	assert.Equal(t, "a", got.Properties["name"], "stored copy is isolated")

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
	assert.True(t, errors.Is(err, storage.ErrNotFound))

	_, err = b.CreateFeature(ctx, core.Feature{FeatureID: "x"})
	assert.Error(t, err)
}

func TestSearchRoute(t *testing.T) {
	b := New()
	path, err := b.SearchRouteWithMultipleLocations(context.Background(), []core.LngLat{{Lng: 0, Lat: 0}, {Lng: 200, Lat: 0}, {Lng: 1, Lat: 1}})
	require.NoError(t, err)
	assert.Equal(t, [][2]float64{{0, 0}, {1, 1}}, path)

	_, err = b.SearchRouteWithMultipleLocations(context.Background(), []core.LngLat{{Lng: 0, Lat: 0}})
	assert.ErrorIs(t, err, storage.ErrTooFewPoints)
}

func TestSnapshotRoundTrip(t *testing.T) {
	for _, name := range []string{"story.json", "story.json.gz"} {
		t.Run(name, func(t *testing.T) {
			b := New()
			seed(t, b)
			p, err := geom.NewPoint(geom.Coordinates{XY: geom.XY{X: 3, Y: 4}, Type: geom.DimXY})
			require.NoError(t, err)
			_, err = b.CreateFeature(context.Background(), core.Feature{FeatureID: "f1", MapID: "m1", Kind: core.FeaturePoint, Geometry: p.AsGeometry()})
			require.NoError(t, err)

			path := filepath.Join(t.TempDir(), "nested", name)
			require.NoError(t, b.WriteFile(path))

			restored := New()
			require.NoError(t, restored.LoadFile(path))
			assert.Equal(t, b.Snapshot().Segments, restored.Snapshot().Segments)
			assert.Len(t, restored.Snapshot().RouteAnimations, 2)

			f, err := restored.GetFeature(context.Background(), "m1", "f1")
			require.NoError(t, err)
			pt, ok := f.Geometry.AsPoint()
			require.True(t, ok)
			xy, ok := pt.XY()
			require.True(t, ok)
			assert.Equal(t, 3.0, xy.X)
		})
	}
}

func TestRestoreRejectsNewerVersion(t *testing.T) {
	assert.Error(t, New().Restore(Snapshot{Version: SnapshotVersion + 1}))
}
