// Package memory is an in-process storage backend for development and tests.
package memory

import (
	"context"
	"fmt"
	"sort"
	"sync"

	"github.com/google/uuid"
	"github.com/jonboulle/clockwork"

	"github.com/atlasnote/livesync/internal/storage"
	"github.com/atlasnote/livesync/pkg/core"
)

// Backend keeps story timelines and features in maps.
type Backend struct {
	clock clockwork.Clock

	mu          sync.RWMutex
	segments    map[string]core.Segment            // keyed by SegmentID
	transitions []core.TimelineTransition          // unique per (from, to)
	animations  map[string][]core.RouteAnimation   // keyed by SegmentID
	features    map[string]map[string]core.Feature // mapID -> featureID
}

// Option configures a Backend.
type Option func(*Backend)

// WithClock sets the clock used for UpdatedAt stamps.
func WithClock(c clockwork.Clock) Option {
	return func(b *Backend) { b.clock = c }
}

// New creates an empty memory backend
func New(opts ...Option) *Backend {
	b := &Backend{
		clock:      clockwork.NewRealClock(),
		segments:   make(map[string]core.Segment),
		animations: make(map[string][]core.RouteAnimation),
		features:   make(map[string]map[string]core.Feature),
	}
	for _, o := range opts {
		o(b)
	}
	return b
}

// Init initializes the backend
func (b *Backend) Init() error {
	return nil
}

// Close cleans up resources
func (b *Backend) Close() error {
	return nil
}

// SaveSegment adds or replaces a segment.
func (b *Backend) SaveSegment(_ context.Context, s core.Segment) error {
	if s.SegmentID == "" {
		return fmt.Errorf("memory: segment id is required")
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	s.Locations = append([]core.MapLocation(nil), s.Locations...)
	b.segments[s.SegmentID] = s
	return nil
}

// SaveTransition adds a transition or replaces the one between the same
// segments.
func (b *Backend) SaveTransition(_ context.Context, t core.TimelineTransition) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	for i, existing := range b.transitions {
		if existing.FromSegmentID == t.FromSegmentID && existing.ToSegmentID == t.ToSegmentID {
			b.transitions[i] = t
			return nil
		}
	}
	b.transitions = append(b.transitions, t)
	return nil
}

// SaveRouteAnimation adds or replaces a route animation of its segment.
func (b *Backend) SaveRouteAnimation(_ context.Context, a core.RouteAnimation) error {
	if a.SegmentID == "" {
		return fmt.Errorf("memory: route animation needs a segment id")
	}
	if a.RouteAnimationID == "" {
		a.RouteAnimationID = uuid.NewString()
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	list := b.animations[a.SegmentID]
	for i, existing := range list {
		if existing.RouteAnimationID == a.RouteAnimationID {
			list[i] = a
			return nil
		}
	}
	b.animations[a.SegmentID] = append(list, a)
	return nil
}

// GetSegments returns a map's segments in timeline order.
func (b *Backend) GetSegments(_ context.Context, mapID string) ([]core.Segment, error) {
	b.mu.RLock()
	defer b.mu.RUnlock()
	var out []core.Segment
	for _, s := range b.segments {
		if s.MapID == mapID {
			s.Locations = append([]core.MapLocation(nil), s.Locations...)
			out = append(out, s)
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].Order != out[j].Order {
			return out[i].Order < out[j].Order
		}
		return out[i].SegmentID < out[j].SegmentID
	})
	return out, nil
}

// GetTransitions returns the transitions between a map's segments.
func (b *Backend) GetTransitions(_ context.Context, mapID string) ([]core.TimelineTransition, error) {
	b.mu.RLock()
	defer b.mu.RUnlock()
	var out []core.TimelineTransition
	for _, t := range b.transitions {
		if from, ok := b.segments[t.FromSegmentID]; ok && from.MapID == mapID {
			out = append(out, t)
		}
	}
	return out, nil
}

// GetMapLocations returns the points of interest of a segment.
func (b *Backend) GetMapLocations(_ context.Context, segmentID string) ([]core.MapLocation, error) {
	b.mu.RLock()
	defer b.mu.RUnlock()
	s, ok := b.segments[segmentID]
	if !ok {
		return nil, fmt.Errorf("segment %s: %w", segmentID, storage.ErrNotFound)
	}
	return append([]core.MapLocation(nil), s.Locations...), nil
}

// GetRouteAnimationsBySegment returns a segment's route animations in
// display order.
func (b *Backend) GetRouteAnimationsBySegment(_ context.Context, segmentID string) ([]core.RouteAnimation, error) {
	b.mu.RLock()
	list := append([]core.RouteAnimation(nil), b.animations[segmentID]...)
	b.mu.RUnlock()
	core.SortRouteAnimations(list)
	return list, nil
}

// SearchRouteWithMultipleLocations answers with a straight-line route.
func (b *Backend) SearchRouteWithMultipleLocations(_ context.Context, points []core.LngLat) ([][2]float64, error) {
	return storage.DirectRoute(points)
}

// GetFeature returns one feature.
func (b *Backend) GetFeature(_ context.Context, mapID, featureID string) (core.Feature, error) {
	b.mu.RLock()
	defer b.mu.RUnlock()
	f, ok := b.features[mapID][featureID]
	if !ok {
		return core.Feature{}, fmt.Errorf("feature %s: %w", featureID, storage.ErrNotFound)
	}
	return cloneFeature(f), nil
}

// ListFeatures returns a map's features sorted by id.
func (b *Backend) ListFeatures(_ context.Context, mapID string) ([]core.Feature, error) {
	b.mu.RLock()
	defer b.mu.RUnlock()
	out := make([]core.Feature, 0, len(b.features[mapID]))
	for _, f := range b.features[mapID] {
		out = append(out, cloneFeature(f))
	}
	sort.Slice(out, func(i, j int) bool { return out[i].FeatureID < out[j].FeatureID })
	return out, nil
}

// CreateFeature stores a new feature, assigning an id when it has none.
func (b *Backend) CreateFeature(_ context.Context, f core.Feature) (core.Feature, error) {
	if f.MapID == "" {
		return core.Feature{}, fmt.Errorf("memory: feature needs a map id")
	}
	if f.FeatureID == "" {
		f.FeatureID = uuid.NewString()
	}
	f.UpdatedAt = b.clock.Now()

	b.mu.Lock()
	defer b.mu.Unlock()
	byID, ok := b.features[f.MapID]
	if !ok {
		byID = make(map[string]core.Feature)
		b.features[f.MapID] = byID
	}
	byID[f.FeatureID] = cloneFeature(f)
	return f, nil
}

// UpdateFeature replaces an existing feature.
func (b *Backend) UpdateFeature(_ context.Context, f core.Feature) (core.Feature, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if _, ok := b.features[f.MapID][f.FeatureID]; !ok {
		return core.Feature{}, fmt.Errorf("feature %s: %w", f.FeatureID, storage.ErrNotFound)
	}
	f.UpdatedAt = b.clock.Now()
	b.features[f.MapID][f.FeatureID] = cloneFeature(f)
	return f, nil
}

// DeleteFeature removes a feature.
func (b *Backend) DeleteFeature(_ context.Context, mapID, featureID string) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if _, ok := b.features[mapID][featureID]; !ok {
		return fmt.Errorf("feature %s: %w", featureID, storage.ErrNotFound)
	}
	delete(b.features[mapID], featureID)
	return nil
}

func cloneFeature(f core.Feature) core.Feature {
	if f.Properties != nil {
		props := make(map[string]any, len(f.Properties))
		for k, v := range f.Properties {
			props[k] = v
		}
		f.Properties = props
	}
	return f
}
