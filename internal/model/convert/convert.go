package convert

import (
	"encoding/json"
	"fmt"

	geom "github.com/peterstace/simplefeatures/geom"

	"github.com/atlasnote/livesync/internal/geo"
	"github.com/atlasnote/livesync/internal/model"
	"github.com/atlasnote/livesync/pkg/core"
)

func jsonToStrings(data []byte) []string {
	if len(data) == 0 {
		return nil
	}
	var out []string
	_ = json.Unmarshal(data, &out)
	if len(out) == 0 {
		return nil
	}
	return out
}

// SegmentToCore converts a GORM Segment and its location rows to a core.Segment.
func SegmentToCore(s model.Segment, locs []model.MapLocation) core.Segment {
	seg := core.Segment{
		SegmentID:  s.ID,
		MapID:      s.MapID,
		Order:      s.SortOrder,
		Name:       s.Name,
		DurationMs: s.DurationMs,
		Zones:      jsonToStrings(s.Zones),
		Layers:     jsonToStrings(s.Layers),
	}
	if len(s.Camera) > 0 && string(s.Camera) != "null" {
		var cam core.CameraState
		if err := json.Unmarshal(s.Camera, &cam); err == nil {
			seg.Camera = &cam
		}
	}
	if len(locs) > 0 {
		seg.Locations = make([]core.MapLocation, len(locs))
		for i, l := range locs {
			seg.Locations[i] = MapLocationToCore(l)
		}
	}
	return seg
}

// MapLocationToCore converts a GORM MapLocation to a core.MapLocation.
func MapLocationToCore(l model.MapLocation) core.MapLocation {
	return core.MapLocation{
		LocationID: l.ID,
		SegmentID:  l.SegmentID,
		Name:       l.Name,
		Lat:        l.Lat,
		Lng:        l.Lng,
		IconType:   l.IconType,
	}
}

// TransitionToCore converts a GORM Transition to a core.TimelineTransition.
func TransitionToCore(t model.Transition) core.TimelineTransition {
	return core.TimelineTransition{
		TransitionID:              t.ID,
		FromSegmentID:             t.FromSegmentID,
		ToSegmentID:               t.ToSegmentID,
		TransitionType:            core.TransitionType(t.TransitionType),
		DurationMs:                t.DurationMs,
		AnimateCamera:             t.AnimateCamera,
		CameraAnimationType:       core.CameraAnimationType(t.CameraAnimationType),
		CameraAnimationDurationMs: t.CameraAnimationDurationMs,
		ShowOverlay:               t.ShowOverlay,
		OverlayContent:            t.OverlayContent,
		AutoTrigger:               t.AutoTrigger,
		RequireUserAction:         t.RequireUserAction,
		TriggerButtonText:         t.TriggerButtonText,
	}
}

// RouteAnimationToCore converts a GORM RouteAnimation to a core.RouteAnimation.
// Bad path entries are skipped; a path that is not an array is returned empty.
func RouteAnimationToCore(a model.RouteAnimation) core.RouteAnimation {
	var path [][2]float64
	if len(a.RoutePath) > 0 {
		path, _ = geo.ParseRoutePath(a.RoutePath)
	}

	return core.RouteAnimation{
		RouteAnimationID: a.ID,
		SegmentID:        a.SegmentID,
		FromLat:          a.FromLat,
		FromLng:          a.FromLng,
		ToLat:            a.ToLat,
		ToLng:            a.ToLng,
		RoutePath:        path,
		IconType:         a.IconType,
		RouteColor:       a.RouteColor,
		RouteWidth:       a.RouteWidth,
		DurationMs:       a.DurationMs,
		StartTimeMs:      a.StartTimeMs,
		DisplayOrder:     a.DisplayOrder,
		FollowCamera:     a.FollowCamera,
	}
}

// FeatureToCore converts a GORM Feature to a core.Feature.
func FeatureToCore(f model.Feature) (core.Feature, error) {
	out := core.Feature{
		FeatureID: f.ID,
		MapID:     f.MapID,
		LayerID:   f.LayerID,
		Kind:      core.FeatureKind(f.Kind),
		UpdatedAt: f.UpdatedAt,
	}
	if len(f.Geometry) > 0 {
		g, err := geom.UnmarshalWKB(f.Geometry)
		if err != nil {
			return core.Feature{}, fmt.Errorf("decoding geometry of %s: %w", f.ID, err)
		}
		out.Geometry = g
	}
	if len(f.Properties) > 0 && string(f.Properties) != "{}" {
		if err := json.Unmarshal(f.Properties, &out.Properties); err != nil {
			return core.Feature{}, fmt.Errorf("decoding properties of %s: %w", f.ID, err)
		}
	}
	return out, nil
}
