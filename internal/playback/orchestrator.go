// Package playback drives a story map's segments: it plays each segment's
// route animations, waits for or runs the transition to the next segment and
// moves the camera. An Orchestrator is either autonomous, running its own
// timeline, or controlled by an external presenter through Apply.
package playback

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/jonboulle/clockwork"

	"github.com/atlasnote/livesync/internal/events"
	"github.com/atlasnote/livesync/internal/geo"
	"github.com/atlasnote/livesync/internal/render"
	"github.com/atlasnote/livesync/internal/route"
	"github.com/atlasnote/livesync/pkg/core"
)

var (
	// ErrControlled is returned by local playback commands while a session
	// presenter drives the orchestrator.
	ErrControlled = errors.New("playback: controlled by a session")
	// ErrNotControlled is returned by Apply on an autonomous orchestrator.
	ErrNotControlled = errors.New("playback: not in controlled mode")
	// ErrNoSegments is returned when the timeline is empty.
	ErrNoSegments = errors.New("playback: no segments")
	// ErrIndexOutOfRange is returned for a segment index outside the timeline.
	ErrIndexOutOfRange = errors.New("playback: segment index out of range")
	// ErrNotWaiting is returned by Continue when no transition waits for the
	// user.
	ErrNotWaiting = errors.New("playback: not waiting for user action")
)

const (
	// fitPadding is the screen padding, in pixels, around fitted routes.
	fitPadding = 40
	// minFitSpan is the smallest route extent, in web-mercator metres, the
	// camera is fitted to.
	minFitSpan = 1.0
)

// Loader fetches a segment's route animations. storage.Backend satisfies it.
type Loader interface {
	GetRouteAnimationsBySegment(ctx context.Context, segmentID string) ([]core.RouteAnimation, error)
}

// Mode is fixed at construction: Autonomous or Controlled.
type Mode interface{ mode() }

// Autonomous runs the timeline locally. Loader, when set, is used by Preload.
type Autonomous struct{ Loader Loader }

// Controlled follows (index, isPlaying) pushed through Apply and loads route
// animations on each index change.
type Controlled struct{ Loader Loader }

func (Autonomous) mode() {}
func (Controlled) mode() {}

// Phase is the orchestrator state.
type Phase int

const (
	Idle Phase = iota
	Playing
	WaitingForUserAction
	Transitioning
)

func (p Phase) String() string {
	switch p {
	case Idle:
		return "idle"
	case Playing:
		return "playing"
	case WaitingForUserAction:
		return "waiting"
	case Transitioning:
		return "transitioning"
	default:
		return fmt.Sprintf("phase(%d)", int(p))
	}
}

// State is a snapshot of the orchestrator.
type State struct {
	core.PlaybackState
	Phase Phase
	// From and To are set while waiting or transitioning.
	From, To int
	Elapsed  time.Duration
}

// Options configures an Orchestrator.
type Options struct {
	Segments    []core.Segment
	Transitions []core.TimelineTransition
	// Animations holds preloaded route animations by segment id.
	Animations      map[string][]core.RouteAnimation
	Mode            Mode
	Surface         render.Surface
	FrameInterval   time.Duration
	CameraFollowPan time.Duration
	Clock           clockwork.Clock
	Logger          *slog.Logger
	Bus             *events.Bus
}

type transitionKey struct{ from, to string }

// Orchestrator owns PlaybackState. All mutation, including the controlled
// adapter's, goes through mu.
type Orchestrator struct {
	segments    []core.Segment
	transitions map[transitionKey]core.TimelineTransition
	mode        Mode
	surface     render.Surface
	follower    *route.CameraFollower
	frame       time.Duration
	clock       clockwork.Clock
	logger      *slog.Logger
	bus         *events.Bus
	ctx         context.Context
	cancel      context.CancelFunc

	mu            sync.Mutex
	state         core.PlaybackState
	phase         Phase
	from, to      int
	transitionEnd time.Time
	animations    map[string][]core.RouteAnimation
	seq           *route.Sequence
	locLayers     []string
	outbox        []events.Event

	// controlled mode
	loadGen      uint64
	loadedIndex  int
	loadingIndex int
	loads        sync.WaitGroup
}

// New creates an orchestrator. Segments are sorted by Order.
func New(opts Options) *Orchestrator {
	if opts.Mode == nil {
		opts.Mode = Autonomous{}
	}
	if opts.Surface == nil {
		opts.Surface = render.NewRecorder()
	}
	if opts.FrameInterval <= 0 {
		opts.FrameInterval = 16 * time.Millisecond
	}
	if opts.CameraFollowPan <= 0 {
		opts.CameraFollowPan = 300 * time.Millisecond
	}
	if opts.Clock == nil {
		opts.Clock = clockwork.NewRealClock()
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	if opts.Bus == nil {
		opts.Bus = events.NewBus()
	}

	segments := append([]core.Segment(nil), opts.Segments...)
	core.SortSegments(segments)
	transitions := make(map[transitionKey]core.TimelineTransition, len(opts.Transitions))
	for _, t := range opts.Transitions {
		transitions[transitionKey{t.FromSegmentID, t.ToSegmentID}] = t
	}
	animations := make(map[string][]core.RouteAnimation, len(opts.Animations))
	for id, a := range opts.Animations {
		animations[id] = a
	}

	ctx, cancel := context.WithCancel(context.Background())
	return &Orchestrator{
		segments:     segments,
		transitions:  transitions,
		mode:         opts.Mode,
		surface:      opts.Surface,
		follower:     route.NewCameraFollower(opts.Surface, opts.CameraFollowPan, opts.Clock),
		frame:        opts.FrameInterval,
		clock:        opts.Clock,
		logger:       opts.Logger.With("component", "playback"),
		bus:          opts.Bus,
		ctx:          ctx,
		cancel:       cancel,
		animations:   animations,
		loadedIndex:  -1,
		loadingIndex: -1,
	}
}

// Events returns the bus playback events are published on.
func (o *Orchestrator) Events() *events.Bus { return o.bus }

// Segments returns the timeline in play order.
func (o *Orchestrator) Segments() []core.Segment {
	return append([]core.Segment(nil), o.segments...)
}

// Controlled reports whether the orchestrator follows an external presenter.
func (o *Orchestrator) Controlled() bool {
	_, ok := o.mode.(Controlled)
	return ok
}

// do runs fn under the lock and publishes the events fn queued once the lock
// is released, so subscribers may call back into the orchestrator.
func (o *Orchestrator) do(fn func() error) error {
	o.mu.Lock()
	err := fn()
	out := o.outbox
	o.outbox = nil
	o.mu.Unlock()

	for _, e := range out {
		o.bus.Publish(e)
	}
	return err
}

func (o *Orchestrator) emit(e events.Event) { o.outbox = append(o.outbox, e) }

// State returns a snapshot.
func (o *Orchestrator) State() State {
	o.mu.Lock()
	defer o.mu.Unlock()
	s := State{PlaybackState: o.state, Phase: o.phase, From: o.from, To: o.to}
	if o.phase == Playing {
		s.Elapsed = o.clock.Since(o.state.SegmentStartTime)
	}
	return s
}

// Preload fetches route animations for every segment not already known.
// Only autonomous orchestrators with a Loader preload.
func (o *Orchestrator) Preload(ctx context.Context) error {
	auto, ok := o.mode.(Autonomous)
	if !ok || auto.Loader == nil {
		return nil
	}
	for _, seg := range o.segments {
		o.mu.Lock()
		_, have := o.animations[seg.SegmentID]
		o.mu.Unlock()
		if have {
			continue
		}
		anims, err := auto.Loader.GetRouteAnimationsBySegment(ctx, seg.SegmentID)
		if err != nil {
			return fmt.Errorf("loading route animations for segment %s: %w", seg.SegmentID, err)
		}
		o.mu.Lock()
		o.animations[seg.SegmentID] = anims
		o.mu.Unlock()
	}
	return nil
}

// HandlePlayPreview starts playback at index, or at the first segment when
// index is nil. Anything already playing is stopped first.
func (o *Orchestrator) HandlePlayPreview(index *int) error {
	if o.Controlled() {
		return ErrControlled
	}
	return o.do(func() error {
		if len(o.segments) == 0 {
			return ErrNoSegments
		}
		i := 0
		if index != nil {
			i = *index
		}
		if i < 0 || i >= len(o.segments) {
			return ErrIndexOutOfRange
		}
		o.stopLocked()
		o.startSegmentLocked(i, true)
		return nil
	})
}

// HandleStopPreview stops playback and clears every rendered layer.
func (o *Orchestrator) HandleStopPreview() {
	_ = o.do(func() error {
		o.stopLocked()
		o.state.PendingPlay = false
		return nil
	})
}

// HandleViewSegment shows a segment without playing it: playback stops, the
// segment's locations are drawn and the camera moves per opts. A zero
// opts.Center uses the segment's saved camera.
func (o *Orchestrator) HandleViewSegment(segment core.Segment, opts render.CameraOptions) {
	_ = o.do(func() error {
		o.stopLocked()
		if i := o.indexOf(segment.SegmentID); i >= 0 {
			o.state.CurrentIndex = i
		}
		o.drawLocationsLocked(segment)
		if opts.Center == (core.LngLat{}) && segment.Camera != nil {
			zoom := opts.Zoom
			opts = render.CameraFromState(*segment.Camera, opts.Animation, opts.Duration)
			if zoom != 0 {
				opts.Zoom = zoom
			}
		}
		o.surface.FlyTo(opts)
		if opts.Duration > 0 {
			o.follower.Suppress(opts.Duration)
		}
		return nil
	})
}

// Continue releases a transition waiting for user action.
func (o *Orchestrator) Continue() error {
	if o.Controlled() {
		return ErrControlled
	}
	return o.do(func() error {
		if o.phase != WaitingForUserAction {
			return ErrNotWaiting
		}
		t, _ := o.transitionLocked(o.from, o.to)
		o.beginTransitionLocked(o.from, o.to, t)
		return nil
	})
}

// Tick advances playback to the clock's current time and draws one frame.
func (o *Orchestrator) Tick() {
	_ = o.do(func() error {
		o.tickLocked()
		return nil
	})
}

// Run ticks every frame interval until ctx is done.
func (o *Orchestrator) Run(ctx context.Context) {
	ticker := o.clock.NewTicker(o.frame)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-o.ctx.Done():
			return
		case <-ticker.Chan():
			o.Tick()
		}
	}
}

// Close stops playback and abandons in-flight loads.
func (o *Orchestrator) Close() {
	o.cancel()
	o.HandleStopPreview()
	o.loads.Wait()
}

func (o *Orchestrator) tickLocked() {
	now := o.clock.Now()
	switch o.phase {
	case Transitioning:
		if !now.Before(o.transitionEnd) {
			o.follower.Release()
			o.startSegmentLocked(o.to, false)
		}
	case Playing:
		elapsed := now.Sub(o.state.SegmentStartTime)
		if o.seq != nil {
			route.DrawAll(o.surface, o.seq.At(elapsed), o.follower)
		}
		seg := o.segments[o.state.CurrentIndex]
		if _, controlled := o.mode.(Controlled); controlled || elapsed < seg.Duration() {
			return
		}
		o.segmentFinishedLocked()
	}
}

func (o *Orchestrator) segmentFinishedLocked() {
	i := o.state.CurrentIndex
	if i+1 >= len(o.segments) {
		o.state.IsPlaying = false
		o.phase = Idle
		o.logger.Info("Playback reached the last segment", "index", i)
		o.emit(events.PlaybackEnded{})
		return
	}

	t, ok := o.transitionLocked(i, i+1)
	switch {
	case !ok:
		o.beginTransitionLocked(i, i+1, t)
	case t.AutoAdvances():
		o.beginTransitionLocked(i, i+1, t)
	default:
		o.phase = WaitingForUserAction
		o.from, o.to = i, i+1
		o.emit(events.WaitingForUserAction{From: i, To: i + 1, Transition: t, ShowOverlay: t.ShowOverlay})
	}
}

// transitionLocked returns the transition between two indexes. A missing
// transition is reported as a jump that triggers automatically.
func (o *Orchestrator) transitionLocked(from, to int) (core.TimelineTransition, bool) {
	key := transitionKey{o.segments[from].SegmentID, o.segments[to].SegmentID}
	if t, ok := o.transitions[key]; ok {
		return t, true
	}
	return core.TimelineTransition{
		FromSegmentID:       key.from,
		ToSegmentID:         key.to,
		TransitionType:      core.TransitionJump,
		CameraAnimationType: core.CameraJump,
		AutoTrigger:         true,
	}, false
}

func (o *Orchestrator) beginTransitionLocked(from, to int, t core.TimelineTransition) {
	o.phase = Transitioning
	o.from, o.to = from, to
	o.emit(events.TransitionStarted{From: from, To: to, Transition: t})

	d := t.CameraDuration()
	if cam := o.segments[to].Camera; cam != nil && t.AnimateCamera {
		o.surface.FlyTo(render.CameraFromState(*cam, t.CameraAnimationType, d))
	}
	if d <= 0 {
		o.startSegmentLocked(to, false)
		return
	}
	o.follower.Suppress(d)
	o.transitionEnd = o.clock.Now().Add(d)
}

// startSegmentLocked begins playing segment i. jumpCamera moves the camera
// to the segment's saved viewport; transitions move it themselves.
func (o *Orchestrator) startSegmentLocked(i int, jumpCamera bool) {
	seg := o.segments[i]
	if o.seq != nil {
		route.Remove(o.surface, o.seq)
	}

	o.phase = Playing
	o.state.CurrentIndex = i
	o.state.IsPlaying = true
	o.state.PendingPlay = false
	o.state.SegmentStartTime = o.clock.Now()
	o.seq = route.NewSequence(o.animations[seg.SegmentID])

	if jumpCamera {
		o.placeCameraLocked(seg)
	}
	o.drawLocationsLocked(seg)
	o.logger.Debug("Segment started", "index", i, "segmentId", seg.SegmentID, "animations", o.seq.Len())
	o.emit(events.SegmentStarted{Index: i, Segment: seg})
}

// placeCameraLocked jumps to seg's saved camera, or fits the segment's routes
// when it has none. Routes smaller than minFitSpan are left alone.
func (o *Orchestrator) placeCameraLocked(seg core.Segment) {
	if seg.Camera != nil {
		o.surface.FlyTo(render.CameraFromState(*seg.Camera, core.CameraJump, 0))
		return
	}
	b, ok := o.seq.Bounds()
	if !ok {
		return
	}
	if box := geo.MercatorBounds(b); box.Width() < minFitSpan && box.Height() < minFitSpan {
		return
	}
	o.surface.FitBounds(b, fitPadding)
}

// stopLocked returns to Idle and clears every rendered layer. It emits
// PlaybackStopped only when something was playing or pending a transition.
func (o *Orchestrator) stopLocked() {
	wasActive := o.phase != Idle
	o.phase = Idle
	o.state.IsPlaying = false
	o.seq = nil
	o.follower.Release()
	o.surface.ClearLayers()
	o.locLayers = o.locLayers[:0]
	if wasActive {
		o.emit(events.PlaybackStopped{Index: o.state.CurrentIndex})
	}
}

// drawLocationsLocked replaces the location markers of the previous segment
// with seg's.
func (o *Orchestrator) drawLocationsLocked(seg core.Segment) {
	for _, id := range o.locLayers {
		o.surface.RemoveLayer(id)
	}
	o.locLayers = o.locLayers[:0]
	for _, loc := range seg.Locations {
		id := "location-" + loc.LocationID
		o.locLayers = append(o.locLayers, id)
		o.surface.DrawMarker(render.Marker{
			LayerID:  id,
			Position: core.LngLat{Lng: loc.Lng, Lat: loc.Lat},
			Icon:     loc.IconType,
			Label:    loc.Name,
		})
	}
}

func (o *Orchestrator) indexOf(segmentID string) int {
	for i, s := range o.segments {
		if s.SegmentID == segmentID {
			return i
		}
	}
	return -1
}
