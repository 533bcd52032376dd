package presence

import (
	"context"
	"errors"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/jonboulle/clockwork"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/metric"

	"github.com/atlasnote/livesync/internal/dispatcher"
	"github.com/atlasnote/livesync/internal/events"
	"github.com/atlasnote/livesync/internal/hub"
	"github.com/atlasnote/livesync/pkg/core"
	"github.com/atlasnote/livesync/pkg/hubproto"
)

// ErrMissingUserID is logged when an outgoing call has no local user id.
var ErrMissingUserID = errors.New("presence: missing user id")

// Conn is the part of a hub connection the synchronizer needs.
type Conn interface {
	State() hub.State
	Send(target string, args ...any) error
}

// Options configures a Synchronizer.
type Options struct {
	MapID             string
	UserID            string
	HighlightColor    string
	HeartbeatInterval time.Duration
	IdleTimeout       time.Duration
	Clock             clockwork.Clock
	Logger            *slog.Logger
	Bus               *events.Bus
}

// Synchronizer owns the participant list and selections of one map room.
// Consumers only ever receive copies.
type Synchronizer struct {
	mapID          string
	userID         string
	highlightColor string
	heartbeat      time.Duration
	idleTimeout    time.Duration
	clock          clockwork.Clock
	logger         *slog.Logger
	bus            *events.Bus

	mu           sync.Mutex
	conn         Conn
	participants map[string]*core.Participant
	selections   map[string]core.Selection

	loopMu sync.Mutex
	stop   chan struct{}
	wg     sync.WaitGroup

	dropped metric.Int64Counter
}

// New creates a Synchronizer. Zero intervals fall back to 30s heartbeats and a
// 90s idle timeout.
func New(opts Options) *Synchronizer {
	if opts.HeartbeatInterval <= 0 {
		opts.HeartbeatInterval = 30 * time.Second
	}
	if opts.IdleTimeout <= 0 {
		opts.IdleTimeout = 90 * time.Second
	}
	if opts.Clock == nil {
		opts.Clock = clockwork.NewRealClock()
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	s := &Synchronizer{
		mapID:          opts.MapID,
		userID:         opts.UserID,
		highlightColor: opts.HighlightColor,
		heartbeat:      opts.HeartbeatInterval,
		idleTimeout:    opts.IdleTimeout,
		clock:          opts.Clock,
		logger:         opts.Logger.With("component", "presence"),
		bus:            opts.Bus,
		participants:   make(map[string]*core.Participant),
		selections:     make(map[string]core.Selection),
	}
	s.dropped, _ = otel.Meter("github.com/atlasnote/livesync/internal/presence").Int64Counter(
		"presence.selections_dropped",
		metric.WithDescription("Selection updates dropped while disconnected"),
	)
	return s
}

// Attach sets the connection used for outgoing calls.
func (s *Synchronizer) Attach(conn Conn) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.conn = conn
}

// RegisterHandlers routes presence events from d to the synchronizer.
func (s *Synchronizer) RegisterHandlers(d *dispatcher.Dispatcher) {
	for _, kind := range []string{
		hubproto.EventUserJoined,
		hubproto.EventUserLeft,
		hubproto.EventUserActive,
		hubproto.EventInitialState,
	} {
		d.Register(kind, s.Handle)
	}
	d.Register(hubproto.EventSelectionUpdated, s.Handle, dispatcher.Logged())
	d.Register(hubproto.EventSelectionCleared, s.Handle, dispatcher.Logged())
}

// connected returns the attached connection if it is usable right now.
func (s *Synchronizer) connected() Conn {
	s.mu.Lock()
	conn := s.conn
	s.mu.Unlock()
	if conn == nil || conn.State() != hub.StateConnected {
		return nil
	}
	return conn
}

// UpdateSelection publishes the local selection. It is dropped, not queued,
// while the connection is not Connected.
func (s *Synchronizer) UpdateSelection(sel core.Selection) {
	if s.userID == "" {
		s.logger.Warn("Skipping UpdateSelection", "error", ErrMissingUserID)
		return
	}
	conn := s.connected()
	if conn == nil {
		s.dropped.Add(context.Background(), 1)
		return
	}
	sel.UserID = s.userID
	if sel.MapID == "" {
		sel.MapID = s.mapID
	}
	if sel.SelectedAt.IsZero() {
		sel.SelectedAt = s.clock.Now()
	}
	if sel.HighlightColor == "" {
		sel.HighlightColor = s.highlightColor
	}
	if err := conn.Send(hubproto.MethodUpdateSelection, sel, s.userID); err != nil {
		s.dropped.Add(context.Background(), 1)
		s.logger.Debug("UpdateSelection dropped", "error", err)
	}
}

// ClearSelection withdraws the local selection. Dropped while disconnected.
func (s *Synchronizer) ClearSelection() {
	if s.userID == "" {
		s.logger.Warn("Skipping ClearSelection", "error", ErrMissingUserID)
		return
	}
	conn := s.connected()
	if conn == nil {
		s.dropped.Add(context.Background(), 1)
		return
	}
	if err := conn.Send(hubproto.MethodClearSelection, hubproto.MapRef{MapID: s.mapID}, s.userID); err != nil {
		s.dropped.Add(context.Background(), 1)
		s.logger.Debug("ClearSelection dropped", "error", err)
	}
}

// Heartbeat sends one SendHeartbeat call if connected.
func (s *Synchronizer) Heartbeat() {
	if s.userID == "" {
		s.logger.Warn("Skipping SendHeartbeat", "error", ErrMissingUserID)
		return
	}
	conn := s.connected()
	if conn == nil {
		return
	}
	if err := conn.Send(hubproto.MethodSendHeartbeat, s.mapID, s.userID); err != nil {
		s.logger.Debug("Heartbeat not sent", "error", err)
	}
}

// Start runs the heartbeat and idle sweep until Stop. Calling Start twice
// without Stop is a no-op.
func (s *Synchronizer) Start() {
	s.loopMu.Lock()
	defer s.loopMu.Unlock()
	if s.stop != nil {
		return
	}
	stop := make(chan struct{})
	s.stop = stop
	ticker := s.clock.NewTicker(s.heartbeat)

	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		defer ticker.Stop()
		for {
			select {
			case <-stop:
				return
			case <-ticker.Chan():
				s.Heartbeat()
				s.SweepIdle()
			}
		}
	}()
}

// Stop halts the heartbeat ticker and waits for the loop to exit.
func (s *Synchronizer) Stop() {
	s.loopMu.Lock()
	stop := s.stop
	s.stop = nil
	s.loopMu.Unlock()
	if stop == nil {
		return
	}
	close(stop)
	s.wg.Wait()
}

// SweepIdle flags participants whose last activity is older than the idle
// timeout.
func (s *Synchronizer) SweepIdle() {
	now := s.clock.Now()
	var changed []core.Participant

	s.mu.Lock()
	for _, p := range s.participants {
		if !p.IsIdle && now.Sub(p.LastActiveAt) > s.idleTimeout {
			p.IsIdle = true
			changed = append(changed, s.copyLocked(p))
		}
	}
	s.mu.Unlock()

	for _, p := range changed {
		s.bus.Publish(events.ParticipantChanged{Participant: p})
	}
}

// Handle applies one inbound presence event.
func (s *Synchronizer) Handle(ev hubproto.Event) error {
	var out []events.Event

	s.mu.Lock()
	switch e := ev.(type) {
	case hubproto.UserJoined:
		out = s.joinLocked(e.Participant)
	case hubproto.UserLeft:
		if s.otherMap(e.MapID) {
			break
		}
		if _, ok := s.participants[e.UserID]; ok {
			delete(s.participants, e.UserID)
			delete(s.selections, e.UserID)
			out = append(out, events.ParticipantLeft{UserID: e.UserID})
		}
	case hubproto.UserActive:
		if s.otherMap(e.MapID) {
			break
		}
		out = s.touchLocked(e.UserID)
	case hubproto.SelectionUpdated:
		out = s.selectLocked(e.Selection)
	case hubproto.SelectionCleared:
		if s.otherMap(e.MapID) {
			break
		}
		if _, ok := s.selections[e.UserID]; ok {
			delete(s.selections, e.UserID)
			out = append(out, events.SelectionCleared{UserID: e.UserID})
		}
	case hubproto.InitialState:
		out = s.replaceLocked(e.InitialStatePayload)
	}
	s.mu.Unlock()

	for _, o := range out {
		s.bus.Publish(o)
	}
	return nil
}

func (s *Synchronizer) otherMap(mapID string) bool {
	return mapID != "" && s.mapID != "" && mapID != s.mapID
}

func (s *Synchronizer) joinLocked(p core.Participant) []events.Event {
	if p.UserID == "" {
		return nil
	}
	now := s.clock.Now()
	existing, known := s.participants[p.UserID]
	p.CurrentSelection = nil
	p.IsIdle = false
	p.LastActiveAt = now
	if known {
		p.JoinedAt = existing.JoinedAt
	} else if p.JoinedAt.IsZero() {
		p.JoinedAt = now
	}
	s.participants[p.UserID] = &p
	if known {
		return []events.Event{events.ParticipantChanged{Participant: s.copyLocked(&p)}}
	}
	return []events.Event{events.ParticipantJoined{Participant: s.copyLocked(&p)}}
}

func (s *Synchronizer) touchLocked(userID string) []events.Event {
	p, ok := s.participants[userID]
	if !ok {
		return nil
	}
	p.LastActiveAt = s.clock.Now()
	if p.IsIdle {
		p.IsIdle = false
		return []events.Event{events.ParticipantChanged{Participant: s.copyLocked(p)}}
	}
	return nil
}

func (s *Synchronizer) selectLocked(sel core.Selection) []events.Event {
	if s.otherMap(sel.MapID) {
		return nil
	}
	out := s.touchLocked(sel.UserID)
	if prev, ok := s.selections[sel.UserID]; ok && sameSelection(prev, sel) {
		return out
	}
	s.selections[sel.UserID] = sel
	return append(out, events.SelectionUpdated{Selection: sel})
}

func (s *Synchronizer) replaceLocked(snap hubproto.InitialStatePayload) []events.Event {
	now := s.clock.Now()
	var out []events.Event

	next := make(map[string]*core.Participant, len(snap.Participants))
	for _, p := range snap.Participants {
		if p.UserID == "" {
			continue
		}
		p.CurrentSelection = nil
		p.IsIdle = false
		p.LastActiveAt = now
		if p.JoinedAt.IsZero() {
			p.JoinedAt = now
		}
		next[p.UserID] = &p
	}
	for id := range s.participants {
		if _, ok := next[id]; !ok {
			out = append(out, events.ParticipantLeft{UserID: id})
		}
	}
	for id, p := range next {
		if _, ok := s.participants[id]; !ok {
			out = append(out, events.ParticipantJoined{Participant: *p})
		}
	}

	selections := make(map[string]core.Selection, len(snap.Selections))
	for _, sel := range snap.Selections {
		if sel.UserID == "" || !sel.SelectionType.Valid() {
			continue
		}
		selections[sel.UserID] = sel
		out = append(out, events.SelectionUpdated{Selection: sel})
	}

	s.participants = next
	s.selections = selections
	return out
}

// copyLocked returns a detached participant with its current selection.
func (s *Synchronizer) copyLocked(p *core.Participant) core.Participant {
	cp := *p
	if sel, ok := s.selections[p.UserID]; ok {
		cp.CurrentSelection = &sel
	}
	return cp.Clone()
}

// Participants returns a copy of the participant list ordered by join time.
func (s *Synchronizer) Participants() []core.Participant {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]core.Participant, 0, len(s.participants))
	for _, p := range s.participants {
		out = append(out, s.copyLocked(p))
	}
	sort.Slice(out, func(i, j int) bool {
		if !out[i].JoinedAt.Equal(out[j].JoinedAt) {
			return out[i].JoinedAt.Before(out[j].JoinedAt)
		}
		return out[i].UserID < out[j].UserID
	})
	return out
}

// Participant returns a copy of one participant.
func (s *Synchronizer) Participant(userID string) (core.Participant, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	p, ok := s.participants[userID]
	if !ok {
		return core.Participant{}, false
	}
	return s.copyLocked(p), true
}

// Selection returns a participant's live selection.
func (s *Synchronizer) Selection(userID string) (core.Selection, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	sel, ok := s.selections[userID]
	return sel, ok
}

// Selections returns every live selection ordered by user id.
func (s *Synchronizer) Selections() []core.Selection {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]core.Selection, 0, len(s.selections))
	for _, sel := range s.selections {
		out = append(out, sel)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].UserID < out[j].UserID })
	return out
}

// Reset forgets all participants and selections.
func (s *Synchronizer) Reset() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.participants = make(map[string]*core.Participant)
	s.selections = make(map[string]core.Selection)
}

func sameSelection(a, b core.Selection) bool {
	return a.UserID == b.UserID &&
		a.MapID == b.MapID &&
		a.SelectionType == b.SelectionType &&
		eqPtr(a.SelectedObjectID, b.SelectedObjectID) &&
		eqPtr(a.Latitude, b.Latitude) &&
		eqPtr(a.Longitude, b.Longitude) &&
		a.SelectedAt.Equal(b.SelectedAt) &&
		a.HighlightColor == b.HighlightColor
}

func eqPtr[T comparable](a, b *T) bool {
	if a == nil || b == nil {
		return a == b
	}
	return *a == *b
}
