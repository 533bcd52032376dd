// pkg/core/timeline.go
package core

import (
	"encoding/json"
	"sort"
	"time"
)

// CameraState is a saved viewport.
type CameraState struct {
	Center  LngLat  `json:"center"`
	Zoom    float64 `json:"zoom"`
	Bearing float64 `json:"bearing,omitempty"`
	Pitch   float64 `json:"pitch,omitempty"`
}

// Segment is one timed scene of a story map. Segments are immutable while a
// playback pass is running; their order is the timeline.
type Segment struct {
	SegmentID  string        `json:"segmentId"`
	MapID      string        `json:"mapId,omitempty"`
	Order      int           `json:"order"`
	Name       string        `json:"name,omitempty"`
	DurationMs int64         `json:"durationMs"`
	Zones      []string      `json:"zones,omitempty"`
	Locations  []MapLocation `json:"locations,omitempty"`
	Layers     []string      `json:"layers,omitempty"`
	Camera     *CameraState  `json:"camera,omitempty"`
}

// Duration returns the segment length.
func (s Segment) Duration() time.Duration {
	return time.Duration(s.DurationMs) * time.Millisecond
}

// SortSegments orders segments by Order, keeping input order for ties.
func SortSegments(segments []Segment) {
	sort.SliceStable(segments, func(i, j int) bool {
		return segments[i].Order < segments[j].Order
	})
}

// TransitionType is how the scene itself changes between segments.
type TransitionType string

const (
	TransitionJump   TransitionType = "Jump"
	TransitionEase   TransitionType = "Ease"
	TransitionLinear TransitionType = "Linear"
)

// CameraAnimationType is how the camera travels between segments.
type CameraAnimationType string

const (
	CameraJump CameraAnimationType = "Jump"
	CameraEase CameraAnimationType = "Ease"
	CameraFly  CameraAnimationType = "Fly"
)

// TimelineTransition describes the hand-off between two consecutive segments.
type TimelineTransition struct {
	TransitionID              string              `json:"transitionId,omitempty"`
	FromSegmentID             string              `json:"fromSegmentId"`
	ToSegmentID               string              `json:"toSegmentId"`
	TransitionType            TransitionType      `json:"transitionType"`
	DurationMs                int64               `json:"durationMs"`
	AnimateCamera             bool                `json:"animateCamera"`
	CameraAnimationType       CameraAnimationType `json:"cameraAnimationType"`
	CameraAnimationDurationMs int64               `json:"cameraAnimationDurationMs"`
	ShowOverlay               bool                `json:"showOverlay"`
	OverlayContent            *string             `json:"overlayContent,omitempty"`
	AutoTrigger               bool                `json:"autoTrigger"`
	RequireUserAction         bool                `json:"requireUserAction"`
	TriggerButtonText         *string             `json:"triggerButtonText,omitempty"`
}

// AutoAdvances reports whether the orchestrator may move on without a
// continue signal. RequireUserAction always wins over AutoTrigger.
func (t TimelineTransition) AutoAdvances() bool {
	return t.AutoTrigger && !t.RequireUserAction
}

// CameraDuration returns the camera animation length, zero for jumps.
func (t TimelineTransition) CameraDuration() time.Duration {
	if !t.AnimateCamera || t.CameraAnimationType == CameraJump || t.CameraAnimationDurationMs <= 0 {
		return 0
	}
	return time.Duration(t.CameraAnimationDurationMs) * time.Millisecond
}

// RouteAnimation moves an icon along a path while its segment plays.
type RouteAnimation struct {
	RouteAnimationID string       `json:"routeAnimationId"`
	SegmentID        string       `json:"segmentId"`
	FromLat          float64      `json:"fromLat"`
	FromLng          float64      `json:"fromLng"`
	ToLat            float64      `json:"toLat"`
	ToLng            float64      `json:"toLng"`
	RoutePath        [][2]float64 `json:"routePath"`
	IconType         string       `json:"iconType"`
	RouteColor       string       `json:"routeColor"`
	RouteWidth       float64      `json:"routeWidth"`
	DurationMs       int64        `json:"durationMs"`
	StartTimeMs      int64        `json:"startTimeMs"`
	DisplayOrder     int          `json:"displayOrder"`
	FollowCamera     bool         `json:"followCamera"`
}

// UnmarshalJSON decodes a route animation. routePath is read leniently: see
// DecodeRoutePath. A routePath that is not an array leaves the path empty.
func (a *RouteAnimation) UnmarshalJSON(data []byte) error {
	type plain RouteAnimation
	aux := struct {
		*plain
		RoutePath json.RawMessage `json:"routePath"`
	}{plain: (*plain)(a)}
	if err := json.Unmarshal(data, &aux); err != nil {
		return err
	}
	a.RoutePath = nil
	if len(aux.RoutePath) > 0 {
		a.RoutePath, _ = DecodeRoutePath(aux.RoutePath)
	}
	return nil
}

// DecodeRoutePath decodes a JSON "[[lng,lat],...]" array. Entries that are
// null, shorter than two numbers or not numeric are skipped; extra values
// such as altitude are ignored. Only a payload that is not an array is an
// error.
func DecodeRoutePath(data []byte) ([][2]float64, error) {
	var raw []json.RawMessage
	if err := json.Unmarshal(data, &raw); err != nil {
		return nil, err
	}
	if raw == nil {
		return nil, nil
	}
	path := make([][2]float64, 0, len(raw))
	for _, entry := range raw {
		var coord []*float64
		if err := json.Unmarshal(entry, &coord); err != nil {
			continue
		}
		if len(coord) < 2 || coord[0] == nil || coord[1] == nil {
			continue
		}
		path = append(path, [2]float64{*coord[0], *coord[1]})
	}
	return path, nil
}

// SortRouteAnimations orders animations by DisplayOrder, then StartTimeMs.
func SortRouteAnimations(anims []RouteAnimation) {
	sort.SliceStable(anims, func(i, j int) bool {
		if anims[i].DisplayOrder != anims[j].DisplayOrder {
			return anims[i].DisplayOrder < anims[j].DisplayOrder
		}
		return anims[i].StartTimeMs < anims[j].StartTimeMs
	})
}

// PlaybackState is the only cross-cutting mutable playback state.
type PlaybackState struct {
	CurrentIndex     int       `json:"currentIndex"`
	IsPlaying        bool      `json:"isPlaying"`
	SegmentStartTime time.Time `json:"segmentStartTime"`
	PendingPlay      bool      `json:"pendingPlay"`
}
