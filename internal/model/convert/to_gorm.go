// Package convert provides functions to convert between GORM models and core models
package convert

import (
	"encoding/json"
	"fmt"

	"gorm.io/datatypes"

	"github.com/atlasnote/livesync/internal/model"
	"github.com/atlasnote/livesync/pkg/core"
)

// stringsToJSON converts a []string to datatypes.JSON for DB storage.
func stringsToJSON(values []string) datatypes.JSON {
	if len(values) == 0 {
		return datatypes.JSON("[]")
	}
	data, _ := json.Marshal(values)
	return datatypes.JSON(data)
}

// CoreToSegment converts a core.Segment to its row and its location rows.
func CoreToSegment(s core.Segment) (model.Segment, []model.MapLocation) {
	var camera datatypes.JSON
	if s.Camera != nil {
		camera, _ = json.Marshal(s.Camera)
	}

	seg := model.Segment{
		ID:         s.SegmentID,
		MapID:      s.MapID,
		SortOrder:  s.Order,
		Name:       s.Name,
		DurationMs: s.DurationMs,
		Zones:      stringsToJSON(s.Zones),
		Layers:     stringsToJSON(s.Layers),
		Camera:     camera,
	}

	locs := make([]model.MapLocation, len(s.Locations))
	for i, l := range s.Locations {
		locs[i] = CoreToMapLocation(l, s.SegmentID, i)
	}
	return seg, locs
}

// CoreToMapLocation converts a core.MapLocation. The owning segment wins over
// the location's own SegmentID.
func CoreToMapLocation(l core.MapLocation, segmentID string, order int) model.MapLocation {
	return model.MapLocation{
		ID:        l.LocationID,
		SegmentID: segmentID,
		SortOrder: order,
		Name:      l.Name,
		Lat:       l.Lat,
		Lng:       l.Lng,
		IconType:  l.IconType,
	}
}

// CoreToTransition converts a core.TimelineTransition to a GORM model.Transition.
func CoreToTransition(t core.TimelineTransition) model.Transition {
	return model.Transition{
		ID:                        t.TransitionID,
		FromSegmentID:             t.FromSegmentID,
		ToSegmentID:               t.ToSegmentID,
		TransitionType:            string(t.TransitionType),
		DurationMs:                t.DurationMs,
		AnimateCamera:             t.AnimateCamera,
		CameraAnimationType:       string(t.CameraAnimationType),
		CameraAnimationDurationMs: t.CameraAnimationDurationMs,
		ShowOverlay:               t.ShowOverlay,
		OverlayContent:            t.OverlayContent,
		AutoTrigger:               t.AutoTrigger,
		RequireUserAction:         t.RequireUserAction,
		TriggerButtonText:         t.TriggerButtonText,
	}
}

// CoreToRouteAnimation converts a core.RouteAnimation to a GORM model.RouteAnimation.
func CoreToRouteAnimation(a core.RouteAnimation) model.RouteAnimation {
	path := datatypes.JSON("[]")
	if len(a.RoutePath) > 0 {
		path, _ = json.Marshal(a.RoutePath)
	}

	return model.RouteAnimation{
		ID:           a.RouteAnimationID,
		SegmentID:    a.SegmentID,
		FromLat:      a.FromLat,
		FromLng:      a.FromLng,
		ToLat:        a.ToLat,
		ToLng:        a.ToLng,
		RoutePath:    path,
		IconType:     a.IconType,
		RouteColor:   a.RouteColor,
		RouteWidth:   a.RouteWidth,
		DurationMs:   a.DurationMs,
		StartTimeMs:  a.StartTimeMs,
		DisplayOrder: a.DisplayOrder,
		FollowCamera: a.FollowCamera,
	}
}

// CoreToFeature converts a core.Feature to a GORM model.Feature. The
// geometry is encoded as WKB; an empty geometry is stored as NULL.
func CoreToFeature(f core.Feature) (model.Feature, error) {
	props := datatypes.JSON("{}")
	if len(f.Properties) > 0 {
		data, err := json.Marshal(f.Properties)
		if err != nil {
			return model.Feature{}, fmt.Errorf("encoding properties of %s: %w", f.FeatureID, err)
		}
		props = data
	}

	var wkb []byte
	if !f.Geometry.IsEmpty() {
		wkb = f.Geometry.AsBinary()
	}

	return model.Feature{
		ID:         f.FeatureID,
		MapID:      f.MapID,
		LayerID:    f.LayerID,
		Kind:       string(f.Kind),
		Geometry:   wkb,
		Properties: props,
		UpdatedAt:  f.UpdatedAt,
	}, nil
}
