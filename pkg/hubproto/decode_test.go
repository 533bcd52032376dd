package hubproto

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/atlasnote/livesync/pkg/core"
)

func TestDecode_SelectionUpdated(t *testing.T) {
	frame := []byte(`{"type":"SelectionUpdated","payload":{"userId":"a","mapId":"m1","selectionType":"Polygon","selectedObjectId":"f1"}}`)

	ev, err := Decode(frame)
	require.NoError(t, err)

	sel, ok := ev.(SelectionUpdated)
	require.True(t, ok, "expected SelectionUpdated, got %T", ev)
	assert.Equal(t, "a", sel.Selection.UserID)
	assert.Equal(t, core.SelectionPolygon, sel.Selection.SelectionType)
	require.NotNil(t, sel.Selection.SelectedObjectID)
	assert.Equal(t, "f1", *sel.Selection.SelectedObjectID)
	assert.Equal(t, EventSelectionUpdated, ev.Kind())
}

func TestDecode_RejectsUnknownSelectionType(t *testing.T) {
	_, err := Decode([]byte(`{"type":"SelectionUpdated","payload":{"userId":"a","selectionType":"Blob"}}`))
	require.Error(t, err)
	assert.True(t, errors.Is(err, ErrMalformedFrame))
}

func TestDecode_MissingUserID(t *testing.T) {
	for _, typ := range []string{EventUserJoined, EventUserLeft, EventSelectionCleared, EventUserActive} {
		t.Run(typ, func(t *testing.T) {
			_, err := Decode([]byte(`{"type":"` + typ + `","payload":{"mapId":"m1"}}`))
			assert.ErrorIs(t, err, ErrMalformedFrame)
		})
	}
}

func TestDecode_FeatureEventNameWins(t *testing.T) {
	ev, err := Decode([]byte(`{"type":"FeatureDeleted","payload":{"mapId":"m1","featureId":"f9","kind":"Created"}}`))
	require.NoError(t, err)

	fc, ok := ev.(FeatureChanged)
	require.True(t, ok)
	assert.Equal(t, core.ChangeDeleted, fc.Change.Kind)
	assert.Equal(t, EventFeatureDeleted, fc.Kind())
}

func TestDecode_FeatureSnapshotGeometry(t *testing.T) {
	frame := []byte(`{"type":"FeatureUpdated","payload":{"mapId":"m1","featureId":"f1","feature":{"featureId":"f1","kind":"Point","geometry":{"type":"Point","coordinates":[10,20]}}}}`)

	ev, err := Decode(frame)
	require.NoError(t, err)

	fc := ev.(FeatureChanged)
	require.NotNil(t, fc.Change.Feature)
	point, ok := fc.Change.Feature.Geometry.AsPoint()
	require.True(t, ok)
	pt, ok := point.XY()
	require.True(t, ok)
	assert.Equal(t, 10.0, pt.X)
	assert.Equal(t, 20.0, pt.Y)
}

func TestDecode_SessionParticipant(t *testing.T) {
	ev, err := Decode([]byte(`{"type":"ParticipantLeft","payload":{"sessionId":"s","participantId":"p"}}`))
	require.NoError(t, err)
	assert.Equal(t, EventParticipantLeft, ev.Kind())
	assert.False(t, ev.(SessionParticipant).Joined)
}

func TestDecode_SegmentSyncNegativeIndex(t *testing.T) {
	_, err := Decode([]byte(`{"type":"SegmentSync","payload":{"segmentIndex":-1,"isPlaying":true}}`))
	assert.ErrorIs(t, err, ErrMalformedFrame)
}

func TestDecode_ErrorWithBadBody(t *testing.T) {
	ev, err := Decode([]byte(`{"type":"Error","payload":"boom"}`))
	require.NoError(t, err)
	assert.Equal(t, `"boom"`, ev.(ServerError).Message)
}

func TestDecode_UnknownType(t *testing.T) {
	ev, err := Decode([]byte(`{"type":"SomethingNew","payload":{}}`))
	require.NoError(t, err)
	u, ok := ev.(Unknown)
	require.True(t, ok)
	assert.Equal(t, "SomethingNew", u.Kind())
}

func TestDecode_Malformed(t *testing.T) {
	cases := map[string]string{
		"not json":      `{{`,
		"missing type":  `{"payload":{}}`,
		"empty payload": `{"type":"UserLeft"}`,
	}
	for name, frame := range cases {
		t.Run(name, func(t *testing.T) {
			_, err := Decode([]byte(frame))
			assert.ErrorIs(t, err, ErrMalformedFrame)
		})
	}
}

func TestInvocationArgs(t *testing.T) {
	inv, err := NewInvocation("1", MethodClearSelection, MapRef{MapID: "m1"}, "user-1")
	require.NoError(t, err)

	var ref MapRef
	require.NoError(t, inv.Arg(0, &ref))
	assert.Equal(t, "m1", ref.MapID)

	var user string
	require.NoError(t, inv.Arg(1, &user))
	assert.Equal(t, "user-1", user)

	assert.Error(t, inv.Arg(2, &user))
}
