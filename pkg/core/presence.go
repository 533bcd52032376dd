// pkg/core/presence.go
package core

import "time"

// SelectionType names what a participant has selected on the map.
type SelectionType string

const (
	SelectionLayer   SelectionType = "Layer"
	SelectionPoint   SelectionType = "Point"
	SelectionLine    SelectionType = "Line"
	SelectionPolygon SelectionType = "Polygon"
	SelectionMarker  SelectionType = "Marker"
)

// Valid reports whether t is one of the known selection types.
func (t SelectionType) Valid() bool {
	switch t {
	case SelectionLayer, SelectionPoint, SelectionLine, SelectionPolygon, SelectionMarker:
		return true
	}
	return false
}

// Selection is the cursor-like focus of one participant.
// A participant has at most one live selection.
type Selection struct {
	UserID           string        `json:"userId"`
	MapID            string        `json:"mapId"`
	SelectionType    SelectionType `json:"selectionType"`
	SelectedObjectID *string       `json:"selectedObjectId,omitempty"`
	Latitude         *float64      `json:"latitude,omitempty"`
	Longitude        *float64      `json:"longitude,omitempty"`
	SelectedAt       time.Time     `json:"selectedAt"`
	HighlightColor   string        `json:"highlightColor,omitempty"`
}

// Participant is a user currently present in a map or session.
type Participant struct {
	UserID           string     `json:"userId"`
	DisplayName      string     `json:"displayName"`
	HighlightColor   string     `json:"highlightColor"`
	JoinedAt         time.Time  `json:"joinedAt"`
	LastActiveAt     time.Time  `json:"lastActiveAt"`
	IsIdle           bool       `json:"isIdle"`
	CurrentSelection *Selection `json:"currentSelection,omitempty"`
}

// Clone returns a deep copy so callers can never mutate presence state.
func (p Participant) Clone() Participant {
	if p.CurrentSelection != nil {
		sel := *p.CurrentSelection
		p.CurrentSelection = &sel
	}
	return p
}
