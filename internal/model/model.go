package model

import (
	"time"

	"gorm.io/datatypes"
)

////////////////////////
// DATABASE STRUCTURES //
////////////////////////

// DatabaseModels is a list of all the structs exported here which represent tables in the database schema
var DatabaseModels = []interface{}{
	&Segment{},
	&MapLocation{},
	&Transition{},
	&RouteAnimation{},
	&Feature{},
}

////////////////////////
// STORY TIMELINE
////////////////////////

// Segment is one step of a story map. Zones, layers and camera are stored as
// JSON documents.
type Segment struct {
	ID         string         `json:"segmentId" gorm:"primaryKey;size:64"`
	MapID      string         `json:"mapId" gorm:"size:64;index:idx_segment_map_id"`
	SortOrder  int            `json:"order" gorm:"index:idx_segment_map_id"`
	Name       string         `json:"name" gorm:"size:255"`
	DurationMs int64          `json:"durationMs"`
	Zones      datatypes.JSON `json:"zones"`
	Layers     datatypes.JSON `json:"layers"`
	Camera     datatypes.JSON `json:"camera"`
	UpdatedAt  time.Time      `json:"updatedAt"`
}

func (*Segment) TableName() string {
	return "segments"
}

// MapLocation is a point of interest shown while its segment plays.
type MapLocation struct {
	ID        string  `json:"locationId" gorm:"primaryKey;size:64"`
	SegmentID string  `json:"segmentId" gorm:"size:64;index:idx_location_segment_id"`
	SortOrder int     `json:"sortOrder"`
	Name      string  `json:"name" gorm:"size:255"`
	Lat       float64 `json:"lat"`
	Lng       float64 `json:"lng"`
	IconType  string  `json:"iconType" gorm:"size:64"`
}

func (*MapLocation) TableName() string {
	return "map_locations"
}

// Transition connects two segments. There is at most one per ordered pair.
type Transition struct {
	ID                        string  `json:"transitionId" gorm:"primaryKey;size:64"`
	FromSegmentID             string  `json:"fromSegmentId" gorm:"size:64;uniqueIndex:idx_transition_pair"`
	ToSegmentID               string  `json:"toSegmentId" gorm:"size:64;uniqueIndex:idx_transition_pair"`
	TransitionType            string  `json:"transitionType" gorm:"size:32"`
	DurationMs                int64   `json:"durationMs"`
	AnimateCamera             bool    `json:"animateCamera"`
	CameraAnimationType       string  `json:"cameraAnimationType" gorm:"size:32"`
	CameraAnimationDurationMs int64   `json:"cameraAnimationDurationMs"`
	ShowOverlay               bool    `json:"showOverlay"`
	OverlayContent            *string `json:"overlayContent"`
	AutoTrigger               bool    `json:"autoTrigger"`
	RequireUserAction         bool    `json:"requireUserAction"`
	TriggerButtonText         *string `json:"triggerButtonText" gorm:"size:255"`
}

func (*Transition) TableName() string {
	return "transitions"
}

// RouteAnimation is a path drawn progressively while its segment plays.
type RouteAnimation struct {
	ID           string         `json:"routeAnimationId" gorm:"primaryKey;size:64"`
	SegmentID    string         `json:"segmentId" gorm:"size:64;index:idx_route_segment_id"`
	FromLat      float64        `json:"fromLat"`
	FromLng      float64        `json:"fromLng"`
	ToLat        float64        `json:"toLat"`
	ToLng        float64        `json:"toLng"`
	RoutePath    datatypes.JSON `json:"routePath"`
	IconType     string         `json:"iconType" gorm:"size:64"`
	RouteColor   string         `json:"routeColor" gorm:"size:32"`
	RouteWidth   float64        `json:"routeWidth"`
	DurationMs   int64          `json:"durationMs"`
	StartTimeMs  int64          `json:"startTimeMs"`
	DisplayOrder int            `json:"displayOrder"`
	FollowCamera bool           `json:"followCamera"`
}

func (*RouteAnimation) TableName() string {
	return "route_animations"
}

////////////////////////
// FEATURES
////////////////////////

// Feature is a drawn map object. Geometry is stored as WKB so the same
// column works on SQLite and Postgres.
type Feature struct {
	ID         string         `json:"featureId" gorm:"primaryKey;size:64"`
	MapID      string         `json:"mapId" gorm:"primaryKey;size:64"`
	LayerID    string         `json:"layerId" gorm:"size:64"`
	Kind       string         `json:"kind" gorm:"size:32"`
	Geometry   []byte         `json:"-"`
	Properties datatypes.JSON `json:"properties"`
	UpdatedAt  time.Time      `json:"updatedAt"`
}

func (*Feature) TableName() string {
	return "features"
}
