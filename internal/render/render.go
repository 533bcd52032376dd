// Package render defines the drawing surface playback and route animation
// draw onto, plus two implementations: a Recorder for tests and headless
// runs, and a LogSurface that reports draw calls through slog.
package render

import (
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/atlasnote/livesync/pkg/core"
)

// CameraOptions describes a camera move.
type CameraOptions struct {
	Center    core.LngLat
	Zoom      float64
	Bearing   float64
	Pitch     float64
	Duration  time.Duration
	Animation core.CameraAnimationType
}

// CameraFromState builds camera options from a saved viewport.
func CameraFromState(s core.CameraState, anim core.CameraAnimationType, d time.Duration) CameraOptions {
	return CameraOptions{
		Center:    s.Center,
		Zoom:      s.Zoom,
		Bearing:   s.Bearing,
		Pitch:     s.Pitch,
		Duration:  d,
		Animation: anim,
	}
}

// Marker is an icon layer.
type Marker struct {
	LayerID  string
	Position core.LngLat
	Icon     string
	Rotation float64
	Label    string
}

// Polyline is a line layer.
type Polyline struct {
	LayerID string
	Path    []core.LngLat
	Color   string
	Width   float64
}

// Surface is the map view. Drawing a layer id that already exists replaces it.
type Surface interface {
	DrawMarker(m Marker)
	DrawPolyline(p Polyline)
	RemoveLayer(layerID string)
	ClearLayers()
	PanTo(center core.LngLat, d time.Duration)
	FlyTo(opts CameraOptions)
	FitBounds(b core.Bounds, padding int)
}

// Call is one recorded surface operation.
type Call struct {
	Op      string
	LayerID string
	Center  core.LngLat
	Camera  CameraOptions
	Bounds  core.Bounds
}

// Recorder is an in-memory Surface. It keeps the current layers and a log of
// calls.
type Recorder struct {
	mu        sync.Mutex
	markers   map[string]Marker
	polylines map[string]Polyline
	calls     []Call
}

// NewRecorder returns an empty Recorder.
func NewRecorder() *Recorder {
	return &Recorder{
		markers:   make(map[string]Marker),
		polylines: make(map[string]Polyline),
	}
}

func (r *Recorder) DrawMarker(m Marker) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.markers[m.LayerID] = m
	r.calls = append(r.calls, Call{Op: "DrawMarker", LayerID: m.LayerID, Center: m.Position})
}

func (r *Recorder) DrawPolyline(p Polyline) {
	r.mu.Lock()
	defer r.mu.Unlock()
	p.Path = append([]core.LngLat(nil), p.Path...)
	r.polylines[p.LayerID] = p
	r.calls = append(r.calls, Call{Op: "DrawPolyline", LayerID: p.LayerID})
}

func (r *Recorder) RemoveLayer(layerID string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.markers, layerID)
	delete(r.polylines, layerID)
	r.calls = append(r.calls, Call{Op: "RemoveLayer", LayerID: layerID})
}

func (r *Recorder) ClearLayers() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.markers = make(map[string]Marker)
	r.polylines = make(map[string]Polyline)
	r.calls = append(r.calls, Call{Op: "ClearLayers"})
}

func (r *Recorder) PanTo(center core.LngLat, d time.Duration) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.calls = append(r.calls, Call{Op: "PanTo", Center: center, Camera: CameraOptions{Center: center, Duration: d}})
}

func (r *Recorder) FlyTo(opts CameraOptions) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.calls = append(r.calls, Call{Op: "FlyTo", Center: opts.Center, Camera: opts})
}

func (r *Recorder) FitBounds(b core.Bounds, _ int) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.calls = append(r.calls, Call{Op: "FitBounds", Bounds: b})
}

// Marker returns the current marker layer.
func (r *Recorder) Marker(layerID string) (Marker, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	m, ok := r.markers[layerID]
	return m, ok
}

// Polyline returns the current line layer.
func (r *Recorder) Polyline(layerID string) (Polyline, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	p, ok := r.polylines[layerID]
	return p, ok
}

// Layers returns the ids of all current layers, sorted.
func (r *Recorder) Layers() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	ids := make([]string, 0, len(r.markers)+len(r.polylines))
	for id := range r.markers {
		ids = append(ids, id)
	}
	for id := range r.polylines {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}

// Calls returns a copy of the call log.
func (r *Recorder) Calls() []Call {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]Call(nil), r.calls...)
}

// CallsOf returns the logged calls with the given op.
func (r *Recorder) CallsOf(op string) []Call {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []Call
	for _, c := range r.calls {
		if c.Op == op {
			out = append(out, c)
		}
	}
	return out
}

// Reset clears the call log but keeps the layers.
func (r *Recorder) Reset() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.calls = nil
}

// LogSurface reports camera moves and layer changes at debug level. Marker
// and polyline redraws happen every frame, so they are not logged.
type LogSurface struct {
	Logger *slog.Logger
}

func (s LogSurface) DrawMarker(Marker)     {}
func (s LogSurface) DrawPolyline(Polyline) {}

func (s LogSurface) RemoveLayer(layerID string) {
	s.Logger.Debug("Layer removed", "layerId", layerID)
}

func (s LogSurface) ClearLayers() {
	s.Logger.Debug("Layers cleared")
}

func (s LogSurface) PanTo(center core.LngLat, d time.Duration) {}

func (s LogSurface) FlyTo(opts CameraOptions) {
	s.Logger.Info("Camera moving",
		"lng", opts.Center.Lng, "lat", opts.Center.Lat, "zoom", opts.Zoom,
		"animation", string(opts.Animation), "duration", opts.Duration)
}

func (s LogSurface) FitBounds(b core.Bounds, padding int) {
	s.Logger.Info("Camera fitting bounds",
		"swLng", b.SouthWest.Lng, "swLat", b.SouthWest.Lat,
		"neLng", b.NorthEast.Lng, "neLat", b.NorthEast.Lat, "padding", padding)
}
