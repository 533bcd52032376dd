// Package route computes where a route animation's icon is at a point in
// time, the part of the route already travelled and the icon's heading.
package route

import (
	"time"

	geom "github.com/peterstace/simplefeatures/geom"

	"github.com/atlasnote/livesync/internal/geo"
	"github.com/atlasnote/livesync/pkg/core"
)

// Frame is the state of one animation at one instant.
type Frame struct {
	Position core.LngLat
	// Bearing is the heading of the leg being travelled, in degrees.
	Bearing  float64
	Visited  []core.LngLat
	Progress float64
	Done     bool
}

// Engine animates a single RouteAnimation. It is immutable after creation
// and safe for concurrent use.
type Engine struct {
	anim     core.RouteAnimation
	path     []core.LngLat
	cum      []float64
	total    float64
	fallback core.LngLat
}

// NewEngine prepares anim. Invalid path points are dropped. When no valid
// point remains the icon sits on the destination, or the origin when the
// destination is invalid too.
func NewEngine(anim core.RouteAnimation) *Engine {
	e := &Engine{anim: anim, path: geo.CleanPath(anim.RoutePath)}

	e.cum = make([]float64, len(e.path))
	for i := 1; i < len(e.path); i++ {
		e.cum[i] = e.cum[i-1] + geo.Haversine(e.path[i-1], e.path[i])
	}
	if len(e.path) > 0 {
		e.total = e.cum[len(e.cum)-1]
	}

	to := core.LngLat{Lng: anim.ToLng, Lat: anim.ToLat}
	from := core.LngLat{Lng: anim.FromLng, Lat: anim.FromLat}
	switch {
	case geo.Valid(to):
		e.fallback = to
	case geo.Valid(from):
		e.fallback = from
	}
	return e
}

// Animation returns the animation this engine was built from.
func (e *Engine) Animation() core.RouteAnimation { return e.anim }

// Path returns the valid points of the route.
func (e *Engine) Path() []core.LngLat { return append([]core.LngLat(nil), e.path...) }

// TotalDistance returns the route length in metres.
func (e *Engine) TotalDistance() float64 { return e.total }

// Duration returns the animation length.
func (e *Engine) Duration() time.Duration {
	return time.Duration(e.anim.DurationMs) * time.Millisecond
}

// Progress returns min(elapsed/duration, 1), never negative. A zero duration
// completes immediately.
func (e *Engine) Progress(elapsed time.Duration) float64 {
	if elapsed <= 0 {
		if e.anim.DurationMs <= 0 && elapsed == 0 {
			return 1
		}
		return 0
	}
	d := e.Duration()
	if d <= 0 || elapsed >= d {
		return 1
	}
	return float64(elapsed) / float64(d)
}

// At returns the frame elapsed into the animation.
func (e *Engine) At(elapsed time.Duration) Frame {
	p := e.Progress(elapsed)
	f := Frame{Progress: p, Done: p >= 1}

	switch {
	case len(e.path) == 0:
		f.Position = e.fallback
		return f
	case len(e.path) == 1 || e.total == 0:
		f.Position = e.path[0]
		if f.Done {
			f.Position = e.path[len(e.path)-1]
		}
		f.Visited = []core.LngLat{f.Position}
		return f
	}

	last := len(e.path) - 1
	if f.Done {
		f.Position = e.path[last]
		f.Visited = e.Path()
		f.Bearing = geo.Bearing(e.lastLeg())
		return f
	}

	travelled := p * e.total
	i := e.legAt(travelled)
	a, b := e.path[i], e.path[i+1]
	t := (travelled - e.cum[i]) / (e.cum[i+1] - e.cum[i])

	f.Position = geo.Lerp(a, b, t)
	f.Bearing = geo.Bearing(a, b)
	f.Visited = make([]core.LngLat, 0, i+2)
	f.Visited = append(f.Visited, e.path[:i+1]...)
	if f.Position != a {
		f.Visited = append(f.Visited, f.Position)
	}
	return f
}

// legAt returns the index of the first non-empty leg whose end lies at or
// beyond travelled.
func (e *Engine) legAt(travelled float64) int {
	last := len(e.path) - 1
	for i := 0; i < last; i++ {
		if e.cum[i+1] == e.cum[i] {
			continue
		}
		if travelled <= e.cum[i+1] {
			return i
		}
	}
	return e.lastLegIndex()
}

func (e *Engine) lastLegIndex() int {
	for i := len(e.path) - 2; i >= 0; i-- {
		if e.cum[i+1] > e.cum[i] {
			return i
		}
	}
	return 0
}

func (e *Engine) lastLeg() (core.LngLat, core.LngLat) {
	i := e.lastLegIndex()
	return e.path[i], e.path[i+1]
}

// Bounds returns the box around the route for fit-bounds, falling back to
// the origin and destination.
func (e *Engine) Bounds() (core.Bounds, bool) {
	if b, ok := geo.Bounds(e.path); ok {
		return b, true
	}
	return geo.Bounds([]core.LngLat{
		{Lng: e.anim.FromLng, Lat: e.anim.FromLat},
		{Lng: e.anim.ToLng, Lat: e.anim.ToLat},
	})
}

// LineString returns the route as a line string in lng/lat.
func (e *Engine) LineString() geom.LineString { return geo.LineString(e.path) }
