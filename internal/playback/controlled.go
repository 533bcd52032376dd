package playback

import (
	"github.com/atlasnote/livesync/internal/events"
	"github.com/atlasnote/livesync/pkg/core"
)

// Apply reconciles a pushed (index, isPlaying) pair. An index change always
// stops playback first and starts loading that segment's route animations;
// only then is isPlaying evaluated. A play that arrives before the load
// resolves is held as PendingPlay and started when the load resolves, even
// if it failed. A stop only acts while playing.
func (o *Orchestrator) Apply(index int, isPlaying bool) error {
	ctl, ok := o.mode.(Controlled)
	if !ok {
		return ErrNotControlled
	}
	return o.do(func() error {
		if index < 0 || index >= len(o.segments) {
			return ErrIndexOutOfRange
		}

		known := o.loadedIndex == index || o.loadingIndex == index
		if index != o.state.CurrentIndex || !known {
			o.stopLocked()
			o.state.PendingPlay = false
			o.state.CurrentIndex = index
			o.beginLoadLocked(ctl, index)
		}

		switch {
		case isPlaying && o.state.IsPlaying:
		case isPlaying && o.loadedIndex == index:
			o.startSegmentLocked(index, true)
		case isPlaying:
			o.state.PendingPlay = true
		case o.state.IsPlaying:
			o.stopLocked()
		}
		return nil
	})
}

func (o *Orchestrator) beginLoadLocked(ctl Controlled, index int) {
	o.loadGen++
	gen := o.loadGen
	o.loadedIndex = -1
	o.loadingIndex = index
	seg := o.segments[index]

	if ctl.Loader == nil {
		o.resolveLoadLocked(gen, index, o.animations[seg.SegmentID], nil)
		return
	}

	o.loads.Add(1)
	go func() {
		defer o.loads.Done()
		anims, err := ctl.Loader.GetRouteAnimationsBySegment(o.ctx, seg.SegmentID)
		if o.ctx.Err() != nil {
			return
		}
		_ = o.do(func() error {
			o.resolveLoadLocked(gen, index, anims, err)
			return nil
		})
	}()
}

// resolveLoadLocked finishes a load. Results of superseded loads are
// discarded. A failed load resolves with no animations.
func (o *Orchestrator) resolveLoadLocked(gen uint64, index int, anims []core.RouteAnimation, err error) {
	if gen != o.loadGen {
		o.logger.Debug("Discarding stale segment load", "index", index)
		return
	}
	if err != nil {
		o.logger.Warn("Route animations failed to load", "index", index, "error", err)
		anims = nil
	}
	o.animations[o.segments[index].SegmentID] = anims
	o.loadedIndex = index
	o.loadingIndex = -1
	o.emit(events.SegmentLoaded{Index: index, Animations: len(anims), Err: err})

	if o.state.PendingPlay {
		o.state.PendingPlay = false
		o.startSegmentLocked(index, true)
	}
}
