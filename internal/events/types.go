package events

import (
	"github.com/atlasnote/livesync/pkg/core"
)

// Presence events.
const (
	KindParticipantJoined  Kind = "ParticipantJoined"
	KindParticipantLeft    Kind = "ParticipantLeft"
	KindParticipantChanged Kind = "ParticipantChanged"
	KindSelectionUpdated   Kind = "SelectionUpdated"
	KindSelectionCleared   Kind = "SelectionCleared"
)

// Feature events.
const (
	KindFeatureChanged  Kind = "FeatureChanged"
	KindReloadRequested Kind = "ReloadRequested"
	KindLayerChanged    Kind = "LayerChanged"
	KindProtocolError   Kind = "ProtocolError"
)

// Connection events.
const (
	KindConnectionStatus Kind = "ConnectionStatus"
)

// Playback events.
const (
	KindSegmentStarted       Kind = "SegmentStarted"
	KindWaitingForUserAction Kind = "WaitingForUserAction"
	KindTransitionStarted    Kind = "TransitionStarted"
	KindPlaybackStopped      Kind = "PlaybackStopped"
	KindPlaybackEnded        Kind = "PlaybackEnded"
	KindSegmentLoaded        Kind = "SegmentLoaded"
)

// Story session events.
const (
	KindSessionStatusChanged Kind = "SessionStatusChanged"
	KindSessionParticipant   Kind = "SessionParticipant"
	KindSegmentSynced        Kind = "SegmentSynced"
	KindQuestionReceived     Kind = "QuestionReceived"
	KindQuestionResults      Kind = "QuestionResults"
	KindTeacherFocusChanged  Kind = "TeacherFocusChanged"
	KindSessionEnded         Kind = "SessionEnded"
)

// ParticipantJoined is published when a user first appears in the map room.
type ParticipantJoined struct{ Participant core.Participant }

// ParticipantLeft is published when a user leaves or drops out of a snapshot.
type ParticipantLeft struct{ UserID string }

// ParticipantChanged is published when a known participant's details or idle
// state change.
type ParticipantChanged struct{ Participant core.Participant }

// SelectionUpdated carries another participant's new selection.
type SelectionUpdated struct{ Selection core.Selection }

// SelectionCleared is published when a participant drops its selection.
type SelectionCleared struct{ UserID string }

// FeatureChanged is a remote mutation delivered as a targeted patch.
type FeatureChanged struct{ Change core.FeatureChangeEvent }

// ReloadRequested asks the view to refetch a map's features because a remote
// change could not be applied as a patch.
type ReloadRequested struct {
	MapID     string
	FeatureID string
}

// LayerChanged is published when a layer of the map was changed remotely.
type LayerChanged struct{ MapID, LayerID string }

// ProtocolError is a server-side error pushed over a hub. The session continues.
type ProtocolError struct{ Code, Message string }

// ConnectionStatus reports a hub status change: connected, connecting or error.
type ConnectionStatus struct {
	Channel string
	Status  string
	Err     error
}

// SegmentStarted is published when a segment begins playing.
type SegmentStarted struct {
	Index   int
	Segment core.Segment
}

// WaitingForUserAction is published when a transition needs Continue.
type WaitingForUserAction struct {
	From, To    int
	Transition  core.TimelineTransition
	ShowOverlay bool
}

// TransitionStarted is published when the camera starts moving to the next
// segment.
type TransitionStarted struct {
	From, To   int
	Transition core.TimelineTransition
}

// PlaybackStopped is published when an active playback is stopped.
type PlaybackStopped struct{ Index int }

// PlaybackEnded is published after the last segment finishes.
type PlaybackEnded struct{}

// SegmentLoaded reports that route animations for a segment arrived.
type SegmentLoaded struct {
	Index      int
	Animations int
	Err        error
}

type SessionStatusChanged struct{ SessionID, Status string }

type SessionParticipant struct {
	SessionID     string
	ParticipantID string
	DisplayName   string
	Joined        bool
}

type SegmentSynced struct {
	SessionID    string
	SegmentIndex int
	IsPlaying    bool
}

type QuestionReceived struct {
	SessionID, QuestionID, Text string
	Options                     []string
}

type QuestionResults struct {
	SessionID, QuestionID string
	Results               map[string]int
}

type TeacherFocusChanged struct {
	SessionID string
	Center    core.LngLat
	Zoom      float64
}

type SessionEnded struct{ SessionID string }

func (ParticipantJoined) Kind() Kind    { return KindParticipantJoined }
func (ParticipantLeft) Kind() Kind      { return KindParticipantLeft }
func (ParticipantChanged) Kind() Kind   { return KindParticipantChanged }
func (SelectionUpdated) Kind() Kind     { return KindSelectionUpdated }
func (SelectionCleared) Kind() Kind     { return KindSelectionCleared }
func (FeatureChanged) Kind() Kind       { return KindFeatureChanged }
func (ReloadRequested) Kind() Kind      { return KindReloadRequested }
func (LayerChanged) Kind() Kind         { return KindLayerChanged }
func (ProtocolError) Kind() Kind        { return KindProtocolError }
func (ConnectionStatus) Kind() Kind     { return KindConnectionStatus }
func (SegmentStarted) Kind() Kind       { return KindSegmentStarted }
func (WaitingForUserAction) Kind() Kind { return KindWaitingForUserAction }
func (TransitionStarted) Kind() Kind    { return KindTransitionStarted }
func (PlaybackStopped) Kind() Kind      { return KindPlaybackStopped }
func (PlaybackEnded) Kind() Kind        { return KindPlaybackEnded }
func (SegmentLoaded) Kind() Kind        { return KindSegmentLoaded }
func (SessionStatusChanged) Kind() Kind { return KindSessionStatusChanged }
func (SessionParticipant) Kind() Kind   { return KindSessionParticipant }
func (SegmentSynced) Kind() Kind        { return KindSegmentSynced }
func (QuestionReceived) Kind() Kind     { return KindQuestionReceived }
func (QuestionResults) Kind() Kind      { return KindQuestionResults }
func (TeacherFocusChanged) Kind() Kind  { return KindTeacherFocusChanged }
func (SessionEnded) Kind() Kind         { return KindSessionEnded }
