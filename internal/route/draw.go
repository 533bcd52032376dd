package route

import (
	"github.com/atlasnote/livesync/internal/render"
)

// VisitedLayer is the layer id of an animation's travelled path.
func VisitedLayer(animationID string) string { return "route-" + animationID + "-visited" }

// IconLayer is the layer id of an animation's icon.
func IconLayer(animationID string) string { return "route-" + animationID + "-icon" }

// Draw renders the step's visited path and icon. Steps of animations without
// any valid point only get the icon.
func Draw(s render.Surface, step Step) {
	a := step.Animation
	if len(step.Frame.Visited) > 1 {
		s.DrawPolyline(render.Polyline{
			LayerID: VisitedLayer(a.RouteAnimationID),
			Path:    step.Frame.Visited,
			Color:   a.RouteColor,
			Width:   a.RouteWidth,
		})
	}
	s.DrawMarker(render.Marker{
		LayerID:  IconLayer(a.RouteAnimationID),
		Position: step.Frame.Position,
		Icon:     a.IconType,
		Rotation: step.Frame.Bearing,
	})
}

// DrawAll renders every step and pans the follower to the active step's icon
// when that animation follows the camera. It reports whether a pan was issued.
func DrawAll(s render.Surface, steps []Step, follower *CameraFollower) bool {
	panned := false
	for _, step := range steps {
		Draw(s, step)
		if step.Active && step.Animation.FollowCamera && follower != nil {
			panned = follower.Follow(step.Frame.Position) || panned
		}
	}
	return panned
}

// Remove deletes the layers of the given animations.
func Remove(s render.Surface, seq *Sequence) {
	for i := 0; i < seq.Len(); i++ {
		id := seq.Engine(i).Animation().RouteAnimationID
		s.RemoveLayer(VisitedLayer(id))
		s.RemoveLayer(IconLayer(id))
	}
}
