package hubproto

import (
	"encoding/json"
	"time"

	"github.com/atlasnote/livesync/pkg/core"
)

// Frame types that are not server events.
const (
	TypeInvoke     = "invoke"
	TypeCompletion = "completion"
)

// Map collaboration channel events.
const (
	EventUserJoined       = "UserJoined"
	EventUserLeft         = "UserLeft"
	EventUserActive       = "UserActive"
	EventSelectionUpdated = "SelectionUpdated"
	EventSelectionCleared = "SelectionCleared"
	EventInitialState     = "InitialState"
	EventFeatureCreated   = "FeatureCreated"
	EventFeatureUpdated   = "FeatureUpdated"
	EventFeatureDeleted   = "FeatureDeleted"
	EventLayerUpdated     = "LayerUpdated"
	EventError            = "Error"
)

// Story session channel events.
const (
	EventSessionStatusChanged = "SessionStatusChanged"
	EventParticipantJoined    = "ParticipantJoined"
	EventParticipantLeft      = "ParticipantLeft"
	EventSegmentSync          = "SegmentSync"
	EventQuestionBroadcast    = "QuestionBroadcast"
	EventQuestionResults      = "QuestionResults"
	EventTeacherFocusChanged  = "TeacherFocusChanged"
	EventSessionEnded         = "SessionEnded"
)

// Server RPC targets.
const (
	MethodJoinMap              = "JoinMap"
	MethodLeaveMap             = "LeaveMap"
	MethodUpdateSelection      = "UpdateSelection"
	MethodClearSelection       = "ClearSelection"
	MethodSendHeartbeat        = "SendHeartbeat"
	MethodJoinSession          = "JoinSession"
	MethodLeaveSession         = "LeaveSession"
	MethodBroadcastSegmentSync = "BroadcastSegmentSync"
)

// Envelope wraps every frame sent over the hub connection.
type Envelope struct {
	Type    string          `json:"type"`
	Payload json.RawMessage `json:"payload,omitempty"`
}

// Invocation is a client-to-server RPC.
type Invocation struct {
	InvocationID string            `json:"invocationId"`
	Target       string            `json:"target"`
	Arguments    []json.RawMessage `json:"arguments"`
}

// Completion answers an Invocation. Error is empty on success.
type Completion struct {
	InvocationID string `json:"invocationId"`
	Error        string `json:"error,omitempty"`
}

// JoinProfile is the optional third JoinMap argument. Hubs that ignore it
// fall back to their own user directory.
type JoinProfile struct {
	DisplayName    string `json:"displayName,omitempty"`
	HighlightColor string `json:"highlightColor,omitempty"`
}

// MapRef is the {mapId} argument of ClearSelection.
type MapRef struct {
	MapID string `json:"mapId"`
}

// UserLeftPayload is pushed when a participant leaves a map.
type UserLeftPayload struct {
	MapID  string `json:"mapId"`
	UserID string `json:"userId"`
}

// UserActivePayload is pushed when a participant's heartbeat reaches the hub.
type UserActivePayload struct {
	MapID  string    `json:"mapId"`
	UserID string    `json:"userId"`
	At     time.Time `json:"at"`
}

// SelectionClearedPayload is pushed when a participant drops its selection.
type SelectionClearedPayload struct {
	MapID  string `json:"mapId"`
	UserID string `json:"userId"`
}

// InitialStatePayload is the authoritative room snapshot sent after JoinMap.
type InitialStatePayload struct {
	MapID        string             `json:"mapId"`
	Participants []core.Participant `json:"participants"`
	Selections   []core.Selection   `json:"selections"`
}

// LayerUpdatedPayload reports a change to a layer's metadata or style.
type LayerUpdatedPayload struct {
	MapID   string `json:"mapId"`
	LayerID string `json:"layerId"`
}

// ErrorPayload is a protocol error pushed by the server.
type ErrorPayload struct {
	Code    string `json:"code,omitempty"`
	Message string `json:"message"`
}

// SessionStatusPayload reports a lifecycle change of a story session.
type SessionStatusPayload struct {
	SessionID string `json:"sessionId"`
	Status    string `json:"status"`
}

// SessionParticipantPayload reports a session member joining or leaving.
type SessionParticipantPayload struct {
	SessionID     string `json:"sessionId"`
	ParticipantID string `json:"participantId"`
	DisplayName   string `json:"displayName,omitempty"`
}

// SegmentSyncPayload carries the presenter's playback position.
type SegmentSyncPayload struct {
	SessionID    string `json:"sessionId"`
	SegmentIndex int    `json:"segmentIndex"`
	SegmentID    string `json:"segmentId,omitempty"`
	IsPlaying    bool   `json:"isPlaying"`
}

// QuestionPayload is a question pushed to session participants.
type QuestionPayload struct {
	SessionID  string   `json:"sessionId"`
	QuestionID string   `json:"questionId"`
	Text       string   `json:"text"`
	Options    []string `json:"options,omitempty"`
}

// QuestionResultsPayload aggregates the answers to a question.
type QuestionResultsPayload struct {
	SessionID  string         `json:"sessionId"`
	QuestionID string         `json:"questionId"`
	Results    map[string]int `json:"results"`
}

// TeacherFocusPayload points followers at a map location.
type TeacherFocusPayload struct {
	SessionID string  `json:"sessionId"`
	Lat       float64 `json:"lat"`
	Lng       float64 `json:"lng"`
	Zoom      float64 `json:"zoom,omitempty"`
}

// SessionEndedPayload reports that the presenter closed the session.
type SessionEndedPayload struct {
	SessionID string `json:"sessionId"`
}
