// Package relay is a small hub server speaking the same protocol as the
// production hubs: map rooms with presence and selections, session rooms
// with segment sync, and HTTP endpoints that push feature and session events
// into rooms. It backs local development and the end-to-end tests; several
// relays can share rooms through Redis.
package relay

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"sort"
	"sync"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
	ws "github.com/gorilla/websocket"
	"github.com/jonboulle/clockwork"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/metric"

	"github.com/atlasnote/livesync/pkg/core"
	"github.com/atlasnote/livesync/pkg/hubproto"
)

var (
	ErrUnknownMethod = errors.New("unknown method")
	ErrBadArguments  = errors.New("bad arguments")
	ErrNotInRoom     = errors.New("not in room")
)

// Options configures a Server.
type Options struct {
	// Token, when set, must match the access_token of every socket.
	Token  string
	Fanout *Fanout
	Clock  clockwork.Clock
	Logger *slog.Logger
}

type room struct {
	members      map[*client]struct{}
	participants map[string]core.Participant
	selections   map[string]core.Selection
}

func newRoom() *room {
	return &room{
		members:      make(map[*client]struct{}),
		participants: make(map[string]core.Participant),
		selections:   make(map[string]core.Selection),
	}
}

// Server is the relay. Create it with New and mount Router.
type Server struct {
	token    string
	fanout   *Fanout
	clock    clockwork.Clock
	logger   *slog.Logger
	upgrader ws.Upgrader

	mu    sync.Mutex
	rooms map[string]*room

	connections metric.Int64UpDownCounter
}

// New creates a relay server.
func New(opts Options) *Server {
	if opts.Clock == nil {
		opts.Clock = clockwork.NewRealClock()
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	s := &Server{
		token:  opts.Token,
		fanout: opts.Fanout,
		clock:  opts.Clock,
		logger: opts.Logger.With("component", "relay"),
		upgrader: ws.Upgrader{
			CheckOrigin: func(*http.Request) bool { return true },
		},
		rooms: make(map[string]*room),
	}
	s.connections, _ = otel.Meter("github.com/atlasnote/livesync/internal/relay").
		Int64UpDownCounter("relay.connections", metric.WithDescription("Open relay sockets"))
	if s.fanout != nil {
		s.fanout.deliver = s.deliverRemote
	}
	return s
}

// Router returns the relay's HTTP routes.
func (s *Server) Router(middlewares ...func(http.Handler) http.Handler) chi.Router {
	r := chi.NewRouter()
	for _, mw := range middlewares {
		r.Use(mw)
	}
	r.Get("/health", s.handleHealth)
	r.Get("/hubs/{channel}", s.handleWS)
	r.Get("/rooms/maps/{mapId}", s.handleMapRoom)
	r.Post("/maps/{mapId}/features/events", s.handleFeatureEvent)
	r.Post("/sessions/{sessionId}/events", s.handleSessionEvent)
	return r
}

func mapKey(id string) string     { return "map:" + id }
func sessionKey(id string) string { return "session:" + id }

func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	s.mu.Lock()
	rooms := len(s.rooms)
	s.mu.Unlock()
	writeJSON(w, http.StatusOK, map[string]any{"status": "ok", "rooms": rooms})
}

func (s *Server) handleWS(w http.ResponseWriter, r *http.Request) {
	if s.token != "" && r.URL.Query().Get("access_token") != s.token {
		http.Error(w, "unauthorized", http.StatusUnauthorized)
		return
	}
	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.logger.Warn("Relay upgrade failed", "error", err)
		return
	}
	c := &client{
		id:       uuid.NewString(),
		userID:   r.URL.Query().Get("userId"),
		conn:     conn,
		send:     make(chan []byte, sendBuffer),
		maps:     make(map[string]string),
		sessions: make(map[string]bool),
	}
	s.connections.Add(r.Context(), 1)
	s.logger.Debug("Relay socket opened", "client", c.id, "channel", chi.URLParam(r, "channel"))

	go c.writePump()
	go c.readPump(s)
}

// Kick closes every socket opened for userID and reports how many there were.
func (s *Server) Kick(userID string) int {
	var conns []*ws.Conn
	s.mu.Lock()
	for _, rm := range s.rooms {
		for c := range rm.members {
			if c.userID == userID && !c.gone {
				conns = append(conns, c.conn)
			}
		}
	}
	s.mu.Unlock()

	seen := make(map[*ws.Conn]bool)
	for _, conn := range conns {
		if seen[conn] {
			continue
		}
		seen[conn] = true
		_ = conn.Close()
	}
	return len(seen)
}

// MapParticipants returns the participants of a map room, sorted by user id.
func (s *Server) MapParticipants(mapID string) []core.Participant {
	s.mu.Lock()
	defer s.mu.Unlock()
	rm, ok := s.rooms[mapKey(mapID)]
	if !ok {
		return nil
	}
	return sortedParticipants(rm)
}

func (s *Server) handleMapRoom(w http.ResponseWriter, r *http.Request) {
	mapID := chi.URLParam(r, "mapId")
	writeJSON(w, http.StatusOK, map[string]any{
		"mapId":        mapID,
		"participants": s.MapParticipants(mapID),
	})
}

func (s *Server) handleFeatureEvent(w http.ResponseWriter, r *http.Request) {
	defer r.Body.Close()
	mapID := chi.URLParam(r, "mapId")

	var change core.FeatureChangeEvent
	if err := json.NewDecoder(r.Body).Decode(&change); err != nil {
		http.Error(w, "invalid JSON body", http.StatusBadRequest)
		return
	}
	if change.FeatureID == "" {
		http.Error(w, "featureId is required", http.StatusBadRequest)
		return
	}
	change.MapID = mapID

	eventType := hubproto.EventFeatureUpdated
	switch change.Kind {
	case core.ChangeCreated:
		eventType = hubproto.EventFeatureCreated
	case core.ChangeDeleted:
		eventType = hubproto.EventFeatureDeleted
	case core.ChangeUpdated:
	default:
		http.Error(w, "unknown change kind", http.StatusBadRequest)
		return
	}
	if err := s.publish(r.Context(), mapKey(mapID), eventType, change, nil); err != nil {
		http.Error(w, "publish failed", http.StatusInternalServerError)
		return
	}
	writeJSON(w, http.StatusAccepted, map[string]any{"ok": true})
}

// handleSessionEvent pushes an arbitrary session event, validated against
// the wire schema, to a session room.
func (s *Server) handleSessionEvent(w http.ResponseWriter, r *http.Request) {
	defer r.Body.Close()
	sessionID := chi.URLParam(r, "sessionId")

	var env hubproto.Envelope
	if err := json.NewDecoder(r.Body).Decode(&env); err != nil {
		http.Error(w, "invalid JSON body", http.StatusBadRequest)
		return
	}
	if _, err := hubproto.DecodeEnvelope(env); err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	if err := s.publish(r.Context(), sessionKey(sessionID), env.Type, env.Payload, nil); err != nil {
		http.Error(w, "publish failed", http.StatusInternalServerError)
		return
	}
	writeJSON(w, http.StatusAccepted, map[string]any{"ok": true})
}

func (s *Server) handleFrame(c *client, msg []byte) {
	var env hubproto.Envelope
	if err := json.Unmarshal(msg, &env); err != nil || env.Type != hubproto.TypeInvoke {
		s.logger.Debug("Relay ignoring frame", "client", c.id)
		return
	}
	var inv hubproto.Invocation
	if err := json.Unmarshal(env.Payload, &inv); err != nil || inv.InvocationID == "" {
		s.logger.Debug("Relay ignoring malformed invocation", "client", c.id)
		return
	}

	ctx := context.Background()
	var err error
	switch inv.Target {
	case hubproto.MethodJoinMap:
		err = s.joinMap(ctx, c, inv)
	case hubproto.MethodLeaveMap:
		err = s.leaveMap(ctx, c, inv)
	case hubproto.MethodUpdateSelection:
		err = s.updateSelection(ctx, c, inv)
	case hubproto.MethodClearSelection:
		err = s.clearSelection(ctx, c, inv)
	case hubproto.MethodSendHeartbeat:
		err = s.heartbeat(ctx, c, inv)
	case hubproto.MethodJoinSession:
		err = s.joinSession(ctx, c, inv)
	case hubproto.MethodLeaveSession:
		err = s.leaveSession(ctx, c, inv)
	case hubproto.MethodBroadcastSegmentSync:
		err = s.segmentSync(ctx, c, inv)
	default:
		err = fmt.Errorf("%w: %s", ErrUnknownMethod, inv.Target)
	}
	if err != nil {
		s.logger.Debug("Relay invocation failed", "client", c.id, "target", inv.Target, "error", err)
	}
	c.complete(s, inv.InvocationID, err)
}

func (s *Server) joinMap(ctx context.Context, c *client, inv hubproto.Invocation) error {
	var mapID, userID string
	if inv.Arg(0, &mapID) != nil || inv.Arg(1, &userID) != nil || mapID == "" || userID == "" {
		return ErrBadArguments
	}
	var profile hubproto.JoinProfile
	if len(inv.Arguments) > 2 {
		_ = inv.Arg(2, &profile)
	}

	now := s.clock.Now()
	s.mu.Lock()
	rm := s.roomLocked(mapKey(mapID))
	p, known := rm.participants[userID]
	if !known {
		p = core.Participant{UserID: userID, JoinedAt: now}
	}
	if profile.DisplayName != "" {
		p.DisplayName = profile.DisplayName
	}
	if profile.HighlightColor != "" {
		p.HighlightColor = profile.HighlightColor
	}
	p.LastActiveAt = now
	p.IsIdle = false
	rm.participants[userID] = p
	rm.members[c] = struct{}{}
	c.maps[mapID] = userID

	snapshot := hubproto.InitialStatePayload{
		MapID:        mapID,
		Participants: sortedParticipants(rm),
		Selections:   sortedSelections(rm),
	}
	if data, err := hubproto.MarshalEnvelope(hubproto.EventInitialState, snapshot); err == nil {
		s.deliverLocked(c, data)
	}
	s.mu.Unlock()

	s.logger.Info("Participant joined map", "mapId", mapID, "userId", userID)
	return s.publish(ctx, mapKey(mapID), hubproto.EventUserJoined, p, c)
}

func (s *Server) leaveMap(ctx context.Context, c *client, inv hubproto.Invocation) error {
	var mapID, userID string
	if inv.Arg(0, &mapID) != nil || inv.Arg(1, &userID) != nil {
		return ErrBadArguments
	}
	s.mu.Lock()
	left := s.leaveMapLocked(c, mapID)
	s.mu.Unlock()
	if !left {
		return ErrNotInRoom
	}
	return s.publish(ctx, mapKey(mapID), hubproto.EventUserLeft,
		hubproto.UserLeftPayload{MapID: mapID, UserID: userID}, c)
}

// leaveMapLocked removes c from a map room. The participant and its
// selection go only when no other socket of the same user remains.
func (s *Server) leaveMapLocked(c *client, mapID string) bool {
	userID, ok := c.maps[mapID]
	if !ok {
		return false
	}
	delete(c.maps, mapID)
	rm, ok := s.rooms[mapKey(mapID)]
	if !ok {
		return true
	}
	delete(rm.members, c)
	for other := range rm.members {
		if other.maps[mapID] == userID {
			return false
		}
	}
	delete(rm.participants, userID)
	delete(rm.selections, userID)
	if len(rm.members) == 0 {
		delete(s.rooms, mapKey(mapID))
	}
	return true
}

func (s *Server) updateSelection(ctx context.Context, c *client, inv hubproto.Invocation) error {
	var sel core.Selection
	var userID string
	if inv.Arg(0, &sel) != nil || inv.Arg(1, &userID) != nil || userID == "" {
		return ErrBadArguments
	}
	sel.UserID = userID

	s.mu.Lock()
	rm, ok := s.rooms[mapKey(sel.MapID)]
	if !ok || c.maps[sel.MapID] != userID {
		s.mu.Unlock()
		return ErrNotInRoom
	}
	rm.selections[userID] = sel
	if p, ok := rm.participants[userID]; ok {
		selCopy := sel
		p.CurrentSelection = &selCopy
		p.LastActiveAt = s.clock.Now()
		rm.participants[userID] = p
	}
	s.mu.Unlock()

	return s.publish(ctx, mapKey(sel.MapID), hubproto.EventSelectionUpdated, sel, c)
}

func (s *Server) clearSelection(ctx context.Context, c *client, inv hubproto.Invocation) error {
	var ref hubproto.MapRef
	var userID string
	if inv.Arg(0, &ref) != nil || inv.Arg(1, &userID) != nil || userID == "" {
		return ErrBadArguments
	}

	s.mu.Lock()
	rm, ok := s.rooms[mapKey(ref.MapID)]
	if !ok || c.maps[ref.MapID] != userID {
		s.mu.Unlock()
		return ErrNotInRoom
	}
	delete(rm.selections, userID)
	if p, ok := rm.participants[userID]; ok {
		p.CurrentSelection = nil
		rm.participants[userID] = p
	}
	s.mu.Unlock()

	return s.publish(ctx, mapKey(ref.MapID), hubproto.EventSelectionCleared,
		hubproto.SelectionClearedPayload{MapID: ref.MapID, UserID: userID}, c)
}

func (s *Server) heartbeat(ctx context.Context, c *client, inv hubproto.Invocation) error {
	var mapID, userID string
	if inv.Arg(0, &mapID) != nil || inv.Arg(1, &userID) != nil {
		return ErrBadArguments
	}
	now := s.clock.Now()

	s.mu.Lock()
	rm, ok := s.rooms[mapKey(mapID)]
	if !ok || c.maps[mapID] != userID {
		s.mu.Unlock()
		return ErrNotInRoom
	}
	if p, ok := rm.participants[userID]; ok {
		p.LastActiveAt = now
		p.IsIdle = false
		rm.participants[userID] = p
	}
	s.mu.Unlock()

	return s.publish(ctx, mapKey(mapID), hubproto.EventUserActive,
		hubproto.UserActivePayload{MapID: mapID, UserID: userID, At: now}, c)
}

func (s *Server) participantID(c *client) string {
	if c.userID != "" {
		return c.userID
	}
	return c.id
}

func (s *Server) joinSession(ctx context.Context, c *client, inv hubproto.Invocation) error {
	var sessionID string
	if inv.Arg(0, &sessionID) != nil || sessionID == "" {
		return ErrBadArguments
	}
	s.mu.Lock()
	rm := s.roomLocked(sessionKey(sessionID))
	rm.members[c] = struct{}{}
	c.sessions[sessionID] = true
	s.mu.Unlock()

	return s.publish(ctx, sessionKey(sessionID), hubproto.EventParticipantJoined,
		hubproto.SessionParticipantPayload{SessionID: sessionID, ParticipantID: s.participantID(c)}, c)
}

func (s *Server) leaveSession(ctx context.Context, c *client, inv hubproto.Invocation) error {
	var sessionID string
	if inv.Arg(0, &sessionID) != nil {
		return ErrBadArguments
	}
	s.mu.Lock()
	left := s.leaveSessionLocked(c, sessionID)
	s.mu.Unlock()
	if !left {
		return ErrNotInRoom
	}
	return s.publish(ctx, sessionKey(sessionID), hubproto.EventParticipantLeft,
		hubproto.SessionParticipantPayload{SessionID: sessionID, ParticipantID: s.participantID(c)}, c)
}

func (s *Server) leaveSessionLocked(c *client, sessionID string) bool {
	if !c.sessions[sessionID] {
		return false
	}
	delete(c.sessions, sessionID)
	if rm, ok := s.rooms[sessionKey(sessionID)]; ok {
		delete(rm.members, c)
		if len(rm.members) == 0 {
			delete(s.rooms, sessionKey(sessionID))
		}
	}
	return true
}

func (s *Server) segmentSync(ctx context.Context, c *client, inv hubproto.Invocation) error {
	var msg hubproto.SegmentSyncPayload
	if inv.Arg(0, &msg) != nil || msg.SessionID == "" || msg.SegmentIndex < 0 {
		return ErrBadArguments
	}
	s.mu.Lock()
	member := c.sessions[msg.SessionID]
	s.mu.Unlock()
	if !member {
		return ErrNotInRoom
	}
	return s.publish(ctx, sessionKey(msg.SessionID), hubproto.EventSegmentSync, msg, c)
}

// disconnect leaves every room c was in and tells the others.
func (s *Server) disconnect(c *client) {
	type leave struct {
		key, eventType string
		payload        any
	}
	var out []leave

	s.mu.Lock()
	if c.gone {
		s.mu.Unlock()
		return
	}
	c.gone = true
	for mapID, userID := range c.maps {
		if s.leaveMapLocked(c, mapID) {
			out = append(out, leave{mapKey(mapID), hubproto.EventUserLeft,
				hubproto.UserLeftPayload{MapID: mapID, UserID: userID}})
		}
	}
	for sessionID := range c.sessions {
		s.leaveSessionLocked(c, sessionID)
		out = append(out, leave{sessionKey(sessionID), hubproto.EventParticipantLeft,
			hubproto.SessionParticipantPayload{SessionID: sessionID, ParticipantID: s.participantID(c)}})
	}
	s.closeClientLocked(c)
	s.mu.Unlock()

	s.connections.Add(context.Background(), -1)
	for _, l := range out {
		if err := s.publish(context.Background(), l.key, l.eventType, l.payload, c); err != nil {
			s.logger.Warn("Relay leave broadcast failed", "room", l.key, "error", err)
		}
	}
	s.logger.Debug("Relay socket closed", "client", c.id)
}

func (s *Server) roomLocked(key string) *room {
	rm, ok := s.rooms[key]
	if !ok {
		rm = newRoom()
		s.rooms[key] = rm
	}
	return rm
}

// publish sends an event to every local member of a room except exclude and,
// with a fanout configured, to the other relays.
func (s *Server) publish(ctx context.Context, key, eventType string, payload any, exclude *client) error {
	data, err := hubproto.MarshalEnvelope(eventType, payload)
	if err != nil {
		return err
	}
	excludeID := ""
	if exclude != nil {
		excludeID = exclude.id
	}
	s.deliverRoom(key, data, excludeID)
	if s.fanout != nil {
		return s.fanout.Publish(ctx, key, data, excludeID)
	}
	return nil
}

func (s *Server) deliverRemote(key string, data []byte, excludeID string) {
	s.deliverRoom(key, data, excludeID)
}

func (s *Server) deliverRoom(key string, data []byte, excludeID string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	rm, ok := s.rooms[key]
	if !ok {
		return
	}
	for c := range rm.members {
		if c.id != excludeID {
			s.deliverLocked(c, data)
		}
	}
}

// deliverLocked queues data for c. A client that cannot keep up is dropped.
func (s *Server) deliverLocked(c *client, data []byte) {
	if c.closed {
		return
	}
	select {
	case c.send <- data:
	default:
		s.logger.Warn("Relay client too slow, dropping", "client", c.id)
		s.closeClientLocked(c)
	}
}

func (s *Server) closeClientLocked(c *client) {
	if c.closed {
		return
	}
	c.closed = true
	close(c.send)
}

func sortedParticipants(rm *room) []core.Participant {
	out := make([]core.Participant, 0, len(rm.participants))
	for _, p := range rm.participants {
		out = append(out, p)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].UserID < out[j].UserID })
	return out
}

func sortedSelections(rm *room) []core.Selection {
	out := make([]core.Selection, 0, len(rm.selections))
	for _, sel := range rm.selections {
		out = append(out, sel)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].UserID < out[j].UserID })
	return out
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

// ListenAndServe runs the relay on addr until ctx is done.
func (s *Server) ListenAndServe(ctx context.Context, addr string) error {
	if s.fanout != nil {
		if err := s.fanout.Start(ctx); err != nil {
			return err
		}
	}
	srv := &http.Server{Addr: addr, Handler: s.Router(), ReadHeaderTimeout: 10 * time.Second}
	errc := make(chan error, 1)
	go func() { errc <- srv.ListenAndServe() }()

	select {
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		return srv.Shutdown(shutdownCtx)
	case err := <-errc:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	}
}
