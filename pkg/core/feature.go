// pkg/core/feature.go
package core

import (
	"time"

	geom "github.com/peterstace/simplefeatures/geom"
)

// FeatureKind is the drawable type of a map feature.
type FeatureKind string

const (
	FeaturePoint   FeatureKind = "Point"
	FeatureLine    FeatureKind = "Line"
	FeaturePolygon FeatureKind = "Polygon"
	FeatureMarker  FeatureKind = "Marker"
	FeatureCircle  FeatureKind = "Circle"
)

// Feature is a drawable owned by a map layer.
type Feature struct {
	FeatureID  string         `json:"featureId"`
	MapID      string         `json:"mapId"`
	LayerID    string         `json:"layerId,omitempty"`
	Kind       FeatureKind    `json:"kind"`
	Geometry   geom.Geometry  `json:"geometry"`
	Properties map[string]any `json:"properties,omitempty"`
	UpdatedAt  time.Time      `json:"updatedAt"`
}

// ChangeKind is the type of mutation a FeatureChangeEvent reports.
type ChangeKind string

const (
	ChangeCreated ChangeKind = "Created"
	ChangeUpdated ChangeKind = "Updated"
	ChangeDeleted ChangeKind = "Deleted"
)

// FeatureChangeEvent announces a persisted feature mutation to the room.
// Feature is set for Created and Updated when the server includes a snapshot.
type FeatureChangeEvent struct {
	MapID     string     `json:"mapId"`
	FeatureID string     `json:"featureId"`
	Kind      ChangeKind `json:"kind"`
	Feature   *Feature   `json:"feature,omitempty"`
}

// MapLocation is a point of interest shown while a segment plays.
type MapLocation struct {
	LocationID string  `json:"locationId"`
	SegmentID  string  `json:"segmentId"`
	Name       string  `json:"name"`
	Lat        float64 `json:"lat"`
	Lng        float64 `json:"lng"`
	IconType   string  `json:"iconType,omitempty"`
}
