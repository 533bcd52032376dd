// Package monitor takes periodic status snapshots of the open map, the story
// session and playback, for the status file and telemetry.
package monitor

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"sync"
	"time"

	"github.com/jonboulle/clockwork"

	"github.com/atlasnote/livesync/internal/hub"
	"github.com/atlasnote/livesync/internal/playback"
	"github.com/atlasnote/livesync/internal/room"
	"github.com/atlasnote/livesync/pkg/core"
)

// MapSource is the open collaborative map.
type MapSource interface {
	MapID() string
	Status() hub.Status
	Participants() []core.Participant
	Selections() []core.Selection
	PendingWrites() int
}

// SessionSource is the joined story session.
type SessionSource interface {
	SessionID() string
	Status() hub.Status
}

// PlaybackSource is the story orchestrator.
type PlaybackSource interface {
	State() playback.State
	Segments() []core.Segment
	Controlled() bool
}

// Sink receives every snapshot the running monitor takes.
type Sink interface {
	WriteSnapshot(ctx context.Context, s Snapshot) error
}

// MapStatus describes the map channel.
type MapStatus struct {
	MapID         string     `json:"mapId"`
	Status        hub.Status `json:"status"`
	Participants  int        `json:"participants"`
	Idle          int        `json:"idle"`
	Selections    int        `json:"selections"`
	PendingWrites int        `json:"pendingWrites"`
}

// SessionStatus describes the session channel.
type SessionStatus struct {
	SessionID string     `json:"sessionId"`
	Status    hub.Status `json:"status"`
}

// PlaybackStatus describes the orchestrator.
type PlaybackStatus struct {
	Phase        string `json:"phase"`
	Controlled   bool   `json:"controlled"`
	CurrentIndex int    `json:"currentIndex"`
	Segments     int    `json:"segments"`
	IsPlaying    bool   `json:"isPlaying"`
	PendingPlay  bool   `json:"pendingPlay"`
	ElapsedMs    int64  `json:"elapsedMs"`
}

// Snapshot is one status sample. Sections are nil for parts that are not
// running.
type Snapshot struct {
	Time     time.Time       `json:"time"`
	UserID   string          `json:"userId,omitempty"`
	Map      *MapStatus      `json:"map,omitempty"`
	Session  *SessionStatus  `json:"session,omitempty"`
	Playback *PlaybackStatus `json:"playback,omitempty"`
}

// Dependencies holds all dependencies for the monitor service
type Dependencies struct {
	Map      MapSource
	Session  SessionSource
	Playback PlaybackSource
	Room     *room.Context
	Sink     Sink

	// StatusFile, when set, is rewritten with the latest snapshot on every tick.
	StatusFile string
	Interval   time.Duration
	Clock      clockwork.Clock
	Logger     *slog.Logger
}

// Service manages status monitoring
type Service struct {
	deps Dependencies

	mu        sync.Mutex
	isRunning bool
	stop      chan struct{}
	done      chan struct{}
}

// NewService creates a new monitor service
func NewService(deps Dependencies) *Service {
	if deps.Interval <= 0 {
		deps.Interval = 15 * time.Second
	}
	if deps.Clock == nil {
		deps.Clock = clockwork.NewRealClock()
	}
	if deps.Logger == nil {
		deps.Logger = slog.Default()
	}
	deps.Logger = deps.Logger.With("component", "monitor")
	return &Service{deps: deps}
}

// IsRunning returns whether the status monitor is running
func (s *Service) IsRunning() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.isRunning
}

// Snapshot samples every attached source now.
func (s *Service) Snapshot() Snapshot {
	snap := Snapshot{Time: s.deps.Clock.Now().UTC()}
	if s.deps.Room != nil {
		snap.UserID = s.deps.Room.Identity().UserID
	}

	if m := s.deps.Map; m != nil {
		ms := &MapStatus{
			MapID:         m.MapID(),
			Status:        m.Status(),
			Selections:    len(m.Selections()),
			PendingWrites: m.PendingWrites(),
		}
		for _, p := range m.Participants() {
			ms.Participants++
			if p.IsIdle {
				ms.Idle++
			}
		}
		snap.Map = ms
	}

	if sess := s.deps.Session; sess != nil && sess.SessionID() != "" {
		snap.Session = &SessionStatus{SessionID: sess.SessionID(), Status: sess.Status()}
	}

	if pb := s.deps.Playback; pb != nil {
		st := pb.State()
		snap.Playback = &PlaybackStatus{
			Phase:        st.Phase.String(),
			Controlled:   pb.Controlled(),
			CurrentIndex: st.CurrentIndex,
			Segments:     len(pb.Segments()),
			IsPlaying:    st.IsPlaying,
			PendingPlay:  st.PendingPlay,
			ElapsedMs:    st.Elapsed.Milliseconds(),
		}
	}
	return snap
}

// JSON renders a snapshot indented for humans.
func JSON(snap Snapshot) string {
	data, err := json.MarshalIndent(snap, "", "  ")
	if err != nil {
		return fmt.Sprintf(`{"error": %q}`, err.Error())
	}
	return string(data)
}

// WriteStatusFile replaces path with the snapshot as JSON.
func WriteStatusFile(path string, snap Snapshot) error {
	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, []byte(JSON(snap)+"\n"), 0o644); err != nil {
		return fmt.Errorf("writing status file: %w", err)
	}
	if err := os.Rename(tmp, path); err != nil {
		return fmt.Errorf("replacing status file: %w", err)
	}
	return nil
}

// tick takes one snapshot and hands it to the status file and the sink.
func (s *Service) tick(ctx context.Context) {
	snap := s.Snapshot()
	if s.deps.StatusFile != "" {
		if err := WriteStatusFile(s.deps.StatusFile, snap); err != nil {
			s.deps.Logger.Error("Error writing status file", "error", err)
		}
	}
	if s.deps.Sink != nil {
		if err := s.deps.Sink.WriteSnapshot(ctx, snap); err != nil {
			s.deps.Logger.Warn("Error writing status snapshot", "error", err)
		}
	}
}

// Start starts the status monitor goroutine. It stops on Stop or when ctx
// is done.
func (s *Service) Start(ctx context.Context) {
	s.mu.Lock()
	if s.isRunning {
		s.mu.Unlock()
		return
	}
	s.isRunning = true
	stop := make(chan struct{})
	done := make(chan struct{})
	s.stop, s.done = stop, done
	s.mu.Unlock()

	ticker := s.deps.Clock.NewTicker(s.deps.Interval)
	go func() {
		defer close(done)
		defer ticker.Stop()
		defer func() {
			s.mu.Lock()
			s.isRunning = false
			s.mu.Unlock()
		}()
		s.deps.Logger.Debug("Starting status monitor", "interval", s.deps.Interval)

		for {
			select {
			case <-stop:
				return
			case <-ctx.Done():
				return
			case <-ticker.Chan():
				s.tick(ctx)
			}
		}
	}()
}

// Stop stops the status monitor and waits for its goroutine.
func (s *Service) Stop() {
	s.mu.Lock()
	stop, done := s.stop, s.done
	s.stop, s.done = nil, nil
	s.mu.Unlock()
	if stop == nil {
		return
	}
	close(stop)
	<-done
}
