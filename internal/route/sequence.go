package route

import (
	"time"

	"github.com/atlasnote/livesync/internal/geo"
	"github.com/atlasnote/livesync/pkg/core"
)

// Step is one animation's frame within a sequence.
type Step struct {
	Index     int
	Animation core.RouteAnimation
	Frame     Frame
	Active    bool
}

// Sequence plays a segment's animations one after another, ordered by
// DisplayOrder then StartTimeMs, on the segment clock. An animation starts
// at its StartTimeMs or when the previous one finishes, whichever is later.
type Sequence struct {
	engines []*Engine
	starts  []time.Duration
	end     time.Duration
}

// NewSequence builds a sequence. anims is not modified.
func NewSequence(anims []core.RouteAnimation) *Sequence {
	sorted := append([]core.RouteAnimation(nil), anims...)
	core.SortRouteAnimations(sorted)

	s := &Sequence{
		engines: make([]*Engine, len(sorted)),
		starts:  make([]time.Duration, len(sorted)),
	}
	var cursor time.Duration
	for i, a := range sorted {
		e := NewEngine(a)
		start := time.Duration(a.StartTimeMs) * time.Millisecond
		if start < cursor {
			start = cursor
		}
		s.engines[i] = e
		s.starts[i] = start
		cursor = start + e.Duration()
	}
	s.end = cursor
	return s
}

// Len returns the number of animations.
func (s *Sequence) Len() int { return len(s.engines) }

// Engine returns the i-th engine in play order.
func (s *Sequence) Engine(i int) *Engine { return s.engines[i] }

// Start returns when the i-th animation starts on the segment clock.
func (s *Sequence) Start(i int) time.Duration { return s.starts[i] }

// Duration returns when the last animation finishes.
func (s *Sequence) Duration() time.Duration { return s.end }

// Active returns the index of the animation running at elapsed. The second
// result is false before the first start and after the last one finished.
func (s *Sequence) Active(elapsed time.Duration) (int, bool) {
	for i := len(s.engines) - 1; i >= 0; i-- {
		if elapsed < s.starts[i] {
			continue
		}
		if elapsed < s.starts[i]+s.engines[i].Duration() {
			return i, true
		}
		return i, false
	}
	return -1, false
}

// At returns a step for every animation that has started by elapsed.
// Finished animations report their final frame.
func (s *Sequence) At(elapsed time.Duration) []Step {
	var steps []Step
	for i, e := range s.engines {
		if elapsed < s.starts[i] {
			break
		}
		local := elapsed - s.starts[i]
		f := e.At(local)
		steps = append(steps, Step{
			Index:     i,
			Animation: e.Animation(),
			Frame:     f,
			Active:    !f.Done,
		})
	}
	return steps
}

// Done reports whether every animation has finished by elapsed.
func (s *Sequence) Done(elapsed time.Duration) bool { return elapsed >= s.end }

// Bounds returns the box around every route of the sequence.
func (s *Sequence) Bounds() (core.Bounds, bool) {
	corners := make([]core.LngLat, 0, 2*len(s.engines))
	for _, e := range s.engines {
		if b, ok := e.Bounds(); ok {
			corners = append(corners, b.SouthWest, b.NorthEast)
		}
	}
	return geo.Bounds(corners)
}
