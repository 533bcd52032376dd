package core

import (
	"encoding/json"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSortSegments_StableByOrder(t *testing.T) {
	segs := []Segment{
		{SegmentID: "c", Order: 2},
		{SegmentID: "a", Order: 0},
		{SegmentID: "b1", Order: 1},
		{SegmentID: "b2", Order: 1},
	}
	SortSegments(segs)

	ids := make([]string, len(segs))
	for i, s := range segs {
		ids[i] = s.SegmentID
	}
	assert.Equal(t, []string{"a", "b1", "b2", "c"}, ids)
}

func TestSortRouteAnimations(t *testing.T) {
	anims := []RouteAnimation{
		{RouteAnimationID: "late", DisplayOrder: 1, StartTimeMs: 500},
		{RouteAnimationID: "second", DisplayOrder: 1, StartTimeMs: 0},
		{RouteAnimationID: "first", DisplayOrder: 0, StartTimeMs: 900},
	}
	SortRouteAnimations(anims)
	assert.Equal(t, "first", anims[0].RouteAnimationID)
	assert.Equal(t, "second", anims[1].RouteAnimationID)
	assert.Equal(t, "late", anims[2].RouteAnimationID)
}

func TestTransition_AutoAdvances(t *testing.T) {
	tests := []struct {
		name     string
		auto     bool
		required bool
		expected bool
	}{
		{"auto", true, false, true},
		{"manual", false, false, false},
		{"user action wins", true, true, false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			tr := TimelineTransition{AutoTrigger: tt.auto, RequireUserAction: tt.required}
			if got := tr.AutoAdvances(); got != tt.expected {
				t.Errorf("AutoAdvances() = %v, want %v", got, tt.expected)
			}
		})
	}
}

func TestTransition_CameraDuration(t *testing.T) {
	tr := TimelineTransition{AnimateCamera: true, CameraAnimationType: CameraFly, CameraAnimationDurationMs: 1500}
	assert.Equal(t, 1500*time.Millisecond, tr.CameraDuration())

	tr.CameraAnimationType = CameraJump
	assert.Zero(t, tr.CameraDuration())

	tr = TimelineTransition{CameraAnimationType: CameraEase, CameraAnimationDurationMs: 1500}
	assert.Zero(t, tr.CameraDuration(), "camera not animated")
}

func TestSegment_Duration(t *testing.T) {
	assert.Equal(t, 2500*time.Millisecond, Segment{DurationMs: 2500}.Duration())
}

func TestSelectionType_Valid(t *testing.T) {
	assert.True(t, SelectionPolygon.Valid())
	assert.False(t, SelectionType("Circle").Valid())
}

func TestParticipant_CloneCopiesSelection(t *testing.T) {
	p := Participant{UserID: "a", CurrentSelection: &Selection{UserID: "a", HighlightColor: "#fff"}}
	c := p.Clone()
	c.CurrentSelection.HighlightColor = "#000"
	assert.Equal(t, "#fff", p.CurrentSelection.HighlightColor)
}

func TestLngLatPair(t *testing.T) {
	p := LngLat{Lng: 13.4, Lat: 52.5}
	assert.Equal(t, [2]float64{13.4, 52.5}, p.Pair())
	assert.Equal(t, p, LngLatFromPair(p.Pair()))
}

func TestRouteAnimation_UnmarshalSkipsBadPathEntries(t *testing.T) {
	var a RouteAnimation
	err := json.Unmarshal([]byte(`{"routeAnimationId":"r1","durationMs":500,"routePath":[[10,10],null,[1],["x","y"],[1,null],[10,11,30]]}`), &a)
	require.NoError(t, err)
	assert.Equal(t, "r1", a.RouteAnimationID)
	assert.Equal(t, int64(500), a.DurationMs)
	assert.Equal(t, [][2]float64{{10, 10}, {10, 11}}, a.RoutePath)
}

func TestRouteAnimation_UnmarshalNonArrayPath(t *testing.T) {
	var a RouteAnimation
	require.NoError(t, json.Unmarshal([]byte(`{"routeAnimationId":"r1","routePath":"oops"}`), &a))
	assert.Equal(t, "r1", a.RouteAnimationID)
	assert.Empty(t, a.RoutePath)

	require.NoError(t, json.Unmarshal([]byte(`{"routeAnimationId":"r2","routePath":null}`), &a))
	assert.Empty(t, a.RoutePath)
}

func TestRouteAnimation_MarshalRoundTrip(t *testing.T) {
	a := RouteAnimation{RouteAnimationID: "r1", RoutePath: [][2]float64{{1, 2}, {3, 4}}, FollowCamera: true}
	data, err := json.Marshal(a)
	require.NoError(t, err)
	var back RouteAnimation
	require.NoError(t, json.Unmarshal(data, &back))
	assert.Equal(t, a, back)
}
