// Package storage defines the CRUD collaborator the sync core reads story
// timelines from and persists feature edits to.
package storage

import (
	"context"
	"errors"
	"fmt"

	"github.com/atlasnote/livesync/internal/geo"
	"github.com/atlasnote/livesync/pkg/core"
)

var (
	// ErrNotFound is returned when a feature, segment or map does not exist.
	ErrNotFound = errors.New("storage: not found")
	// ErrTooFewPoints is returned by route search with fewer than two usable points.
	ErrTooFewPoints = errors.New("storage: route needs at least two points")
)

// Backend is the interface all storage implementations must satisfy
type Backend interface {
	// Lifecycle
	Init() error
	Close() error

	// Story timeline
	GetSegments(ctx context.Context, mapID string) ([]core.Segment, error)
	GetTransitions(ctx context.Context, mapID string) ([]core.TimelineTransition, error)
	GetMapLocations(ctx context.Context, segmentID string) ([]core.MapLocation, error)
	GetRouteAnimationsBySegment(ctx context.Context, segmentID string) ([]core.RouteAnimation, error)
	SearchRouteWithMultipleLocations(ctx context.Context, points []core.LngLat) ([][2]float64, error)

	// Features
	GetFeature(ctx context.Context, mapID, featureID string) (core.Feature, error)
	ListFeatures(ctx context.Context, mapID string) ([]core.Feature, error)
	CreateFeature(ctx context.Context, f core.Feature) (core.Feature, error)
	UpdateFeature(ctx context.Context, f core.Feature) (core.Feature, error)
	DeleteFeature(ctx context.Context, mapID, featureID string) error
}

// Seeder is implemented by backends that own their data and can be loaded
// with a timeline, such as the memory and database backends.
type Seeder interface {
	SaveSegment(ctx context.Context, s core.Segment) error
	SaveTransition(ctx context.Context, t core.TimelineTransition) error
	SaveRouteAnimation(ctx context.Context, a core.RouteAnimation) error
}

// Timeline is everything a playback pass needs up front.
type Timeline struct {
	Segments    []core.Segment
	Transitions []core.TimelineTransition
	Animations  map[string][]core.RouteAnimation
}

// LoadTimeline reads a map's segments with their locations and transitions.
// With withAnimations set, every segment's route animations are fetched too.
func LoadTimeline(ctx context.Context, b Backend, mapID string, withAnimations bool) (Timeline, error) {
	segments, err := b.GetSegments(ctx, mapID)
	if err != nil {
		return Timeline{}, fmt.Errorf("loading segments: %w", err)
	}
	for i := range segments {
		if len(segments[i].Locations) > 0 {
			continue
		}
		locs, err := b.GetMapLocations(ctx, segments[i].SegmentID)
		if err != nil && !errors.Is(err, ErrNotFound) {
			return Timeline{}, fmt.Errorf("loading locations of %s: %w", segments[i].SegmentID, err)
		}
		segments[i].Locations = locs
	}
	core.SortSegments(segments)

	transitions, err := b.GetTransitions(ctx, mapID)
	if err != nil {
		return Timeline{}, fmt.Errorf("loading transitions: %w", err)
	}

	tl := Timeline{Segments: segments, Transitions: transitions}
	if !withAnimations {
		return tl, nil
	}
	tl.Animations = make(map[string][]core.RouteAnimation, len(segments))
	for _, s := range segments {
		anims, err := b.GetRouteAnimationsBySegment(ctx, s.SegmentID)
		if err != nil && !errors.Is(err, ErrNotFound) {
			return Timeline{}, fmt.Errorf("loading route animations of %s: %w", s.SegmentID, err)
		}
		tl.Animations[s.SegmentID] = anims
	}
	return tl, nil
}

// DirectRoute joins the valid points in order as a straight-line route path.
// Backends without a routing engine answer route searches with it.
func DirectRoute(points []core.LngLat) ([][2]float64, error) {
	path := make([][2]float64, 0, len(points))
	for _, p := range points {
		if !geo.Valid(p) {
			continue
		}
		path = append(path, p.Pair())
	}
	if len(path) < 2 {
		return nil, ErrTooFewPoints
	}
	return path, nil
}
