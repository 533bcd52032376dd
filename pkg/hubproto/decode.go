package hubproto

import (
	"encoding/json"
	"errors"
	"fmt"

	"github.com/atlasnote/livesync/pkg/core"
)

// ErrMalformedFrame is returned when a frame is not a valid envelope.
var ErrMalformedFrame = errors.New("malformed hub frame")

// Event is an inbound server push, decoded and validated at the boundary.
type Event interface {
	Kind() string
}

type (
	UserJoined          struct{ Participant core.Participant }
	UserLeft            struct{ UserLeftPayload }
	UserActive          struct{ UserActivePayload }
	SelectionUpdated    struct{ Selection core.Selection }
	SelectionCleared    struct{ SelectionClearedPayload }
	InitialState        struct{ InitialStatePayload }
	FeatureChanged      struct{ Change core.FeatureChangeEvent }
	LayerUpdated        struct{ LayerUpdatedPayload }
	ServerError         struct{ ErrorPayload }
	SessionStatus       struct{ SessionStatusPayload }
	SessionParticipant  struct {
		Joined bool
		SessionParticipantPayload
	}
	SegmentSync         struct{ SegmentSyncPayload }
	QuestionBroadcast   struct{ QuestionPayload }
	QuestionResults     struct{ QuestionResultsPayload }
	TeacherFocusChanged struct{ TeacherFocusPayload }
	SessionEnded        struct{ SessionEndedPayload }
	CompletionEvent     struct{ Completion }
	// Unknown is any frame type this client does not understand.
	Unknown struct {
		Type    string
		Payload json.RawMessage
	}
)

func (UserJoined) Kind() string          { return EventUserJoined }
func (UserLeft) Kind() string            { return EventUserLeft }
func (UserActive) Kind() string          { return EventUserActive }
func (SelectionUpdated) Kind() string    { return EventSelectionUpdated }
func (SelectionCleared) Kind() string    { return EventSelectionCleared }
func (InitialState) Kind() string        { return EventInitialState }
func (LayerUpdated) Kind() string        { return EventLayerUpdated }
func (ServerError) Kind() string         { return EventError }
func (SessionStatus) Kind() string       { return EventSessionStatusChanged }
func (SegmentSync) Kind() string         { return EventSegmentSync }
func (QuestionBroadcast) Kind() string   { return EventQuestionBroadcast }
func (QuestionResults) Kind() string     { return EventQuestionResults }
func (TeacherFocusChanged) Kind() string { return EventTeacherFocusChanged }
func (SessionEnded) Kind() string        { return EventSessionEnded }
func (CompletionEvent) Kind() string     { return TypeCompletion }
func (u Unknown) Kind() string           { return u.Type }

// Kind maps the change kind back to the event name it arrived under.
func (f FeatureChanged) Kind() string {
	switch f.Change.Kind {
	case core.ChangeCreated:
		return EventFeatureCreated
	case core.ChangeDeleted:
		return EventFeatureDeleted
	default:
		return EventFeatureUpdated
	}
}

func (p SessionParticipant) Kind() string {
	if p.Joined {
		return EventParticipantJoined
	}
	return EventParticipantLeft
}

// Decode parses a raw frame into a typed Event.
func Decode(frame []byte) (Event, error) {
	var env Envelope
	if err := json.Unmarshal(frame, &env); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformedFrame, err)
	}
	if env.Type == "" {
		return nil, fmt.Errorf("%w: missing type", ErrMalformedFrame)
	}
	return DecodeEnvelope(env)
}

// DecodeEnvelope validates the payload of env against its declared type.
func DecodeEnvelope(env Envelope) (Event, error) {
	switch env.Type {
	case TypeCompletion:
		var c Completion
		if err := unmarshalPayload(env, &c); err != nil {
			return nil, err
		}
		if c.InvocationID == "" {
			return nil, payloadError(env.Type, "invocationId is required")
		}
		return CompletionEvent{c}, nil

	case EventUserJoined:
		var p core.Participant
		if err := unmarshalPayload(env, &p); err != nil {
			return nil, err
		}
		if p.UserID == "" {
			return nil, payloadError(env.Type, "userId is required")
		}
		return UserJoined{p}, nil

	case EventUserLeft:
		var p UserLeftPayload
		if err := unmarshalPayload(env, &p); err != nil {
			return nil, err
		}
		if p.UserID == "" {
			return nil, payloadError(env.Type, "userId is required")
		}
		return UserLeft{p}, nil

	case EventUserActive:
		var p UserActivePayload
		if err := unmarshalPayload(env, &p); err != nil {
			return nil, err
		}
		if p.UserID == "" {
			return nil, payloadError(env.Type, "userId is required")
		}
		return UserActive{p}, nil

	case EventSelectionUpdated:
		var s core.Selection
		if err := unmarshalPayload(env, &s); err != nil {
			return nil, err
		}
		if s.UserID == "" {
			return nil, payloadError(env.Type, "userId is required")
		}
		if !s.SelectionType.Valid() {
			return nil, payloadError(env.Type, fmt.Sprintf("unknown selectionType %q", s.SelectionType))
		}
		return SelectionUpdated{s}, nil

	case EventSelectionCleared:
		var p SelectionClearedPayload
		if err := unmarshalPayload(env, &p); err != nil {
			return nil, err
		}
		if p.UserID == "" {
			return nil, payloadError(env.Type, "userId is required")
		}
		return SelectionCleared{p}, nil

	case EventInitialState:
		var p InitialStatePayload
		if err := unmarshalPayload(env, &p); err != nil {
			return nil, err
		}
		return InitialState{p}, nil

	case EventFeatureCreated, EventFeatureUpdated, EventFeatureDeleted:
		var c core.FeatureChangeEvent
		if err := unmarshalPayload(env, &c); err != nil {
			return nil, err
		}
		if c.FeatureID == "" {
			return nil, payloadError(env.Type, "featureId is required")
		}
		// The event name is authoritative over any kind in the payload.
		switch env.Type {
		case EventFeatureCreated:
			c.Kind = core.ChangeCreated
		case EventFeatureUpdated:
			c.Kind = core.ChangeUpdated
		case EventFeatureDeleted:
			c.Kind = core.ChangeDeleted
		}
		return FeatureChanged{c}, nil

	case EventLayerUpdated:
		var p LayerUpdatedPayload
		if err := unmarshalPayload(env, &p); err != nil {
			return nil, err
		}
		return LayerUpdated{p}, nil

	case EventError:
		var p ErrorPayload
		if err := unmarshalPayload(env, &p); err != nil {
			// A protocol error with an unreadable body is still an error.
			p = ErrorPayload{Message: string(env.Payload)}
		}
		return ServerError{p}, nil

	case EventSessionStatusChanged:
		var p SessionStatusPayload
		if err := unmarshalPayload(env, &p); err != nil {
			return nil, err
		}
		return SessionStatus{p}, nil

	case EventParticipantJoined, EventParticipantLeft:
		var p SessionParticipantPayload
		if err := unmarshalPayload(env, &p); err != nil {
			return nil, err
		}
		if p.ParticipantID == "" {
			return nil, payloadError(env.Type, "participantId is required")
		}
		return SessionParticipant{Joined: env.Type == EventParticipantJoined, SessionParticipantPayload: p}, nil

	case EventSegmentSync:
		var p SegmentSyncPayload
		if err := unmarshalPayload(env, &p); err != nil {
			return nil, err
		}
		if p.SegmentIndex < 0 {
			return nil, payloadError(env.Type, "segmentIndex must not be negative")
		}
		return SegmentSync{p}, nil

	case EventQuestionBroadcast:
		var p QuestionPayload
		if err := unmarshalPayload(env, &p); err != nil {
			return nil, err
		}
		return QuestionBroadcast{p}, nil

	case EventQuestionResults:
		var p QuestionResultsPayload
		if err := unmarshalPayload(env, &p); err != nil {
			return nil, err
		}
		return QuestionResults{p}, nil

	case EventTeacherFocusChanged:
		var p TeacherFocusPayload
		if err := unmarshalPayload(env, &p); err != nil {
			return nil, err
		}
		return TeacherFocusChanged{p}, nil

	case EventSessionEnded:
		var p SessionEndedPayload
		if err := unmarshalPayload(env, &p); err != nil {
			return nil, err
		}
		return SessionEnded{p}, nil
	}

	return Unknown{Type: env.Type, Payload: env.Payload}, nil
}

func unmarshalPayload(env Envelope, v any) error {
	if len(env.Payload) == 0 {
		return payloadError(env.Type, "empty payload")
	}
	if err := json.Unmarshal(env.Payload, v); err != nil {
		return fmt.Errorf("%w: %s payload: %v", ErrMalformedFrame, env.Type, err)
	}
	return nil
}

func payloadError(eventType, msg string) error {
	return fmt.Errorf("%w: %s: %s", ErrMalformedFrame, eventType, msg)
}
