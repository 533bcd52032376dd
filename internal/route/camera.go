package route

import (
	"sync"
	"time"

	"github.com/jonboulle/clockwork"

	"github.com/atlasnote/livesync/internal/render"
	"github.com/atlasnote/livesync/pkg/core"
)

// CameraFollower pans the map to the icon every frame. While a camera move
// started by the playback orchestrator is in flight, following is
// suppressed so the two never fight over the viewport in the same frame.
type CameraFollower struct {
	surface render.Surface
	pan     time.Duration
	clock   clockwork.Clock

	mu    sync.Mutex
	until time.Time
	held  bool
}

// NewCameraFollower creates a follower issuing pans of the given duration.
func NewCameraFollower(surface render.Surface, pan time.Duration, clock clockwork.Clock) *CameraFollower {
	if clock == nil {
		clock = clockwork.NewRealClock()
	}
	return &CameraFollower{surface: surface, pan: pan, clock: clock}
}

// Suppress blocks following for d. A non-positive d blocks until Release.
func (c *CameraFollower) Suppress(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if d <= 0 {
		c.held = true
		return
	}
	until := c.clock.Now().Add(d)
	if until.After(c.until) {
		c.until = until
	}
}

// Release lifts any suppression.
func (c *CameraFollower) Release() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.held = false
	c.until = time.Time{}
}

// Suppressed reports whether an orchestrator camera move is in flight.
func (c *CameraFollower) Suppressed() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.suppressedLocked()
}

func (c *CameraFollower) suppressedLocked() bool {
	return c.held || c.clock.Now().Before(c.until)
}

// Follow pans to pos unless suppressed and reports whether it did.
func (c *CameraFollower) Follow(pos core.LngLat) bool {
	c.mu.Lock()
	suppressed := c.suppressedLocked()
	c.mu.Unlock()
	if suppressed {
		return false
	}
	c.surface.PanTo(pos, c.pan)
	return true
}
