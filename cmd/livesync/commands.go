package main

import (
	"bufio"
	"context"
	"errors"
	"flag"
	"fmt"
	"os"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/atlasnote/livesync/internal/collab"
	"github.com/atlasnote/livesync/internal/config"
	"github.com/atlasnote/livesync/internal/events"
	"github.com/atlasnote/livesync/internal/geo"
	"github.com/atlasnote/livesync/internal/hub"
	"github.com/atlasnote/livesync/internal/influx"
	"github.com/atlasnote/livesync/internal/monitor"
	"github.com/atlasnote/livesync/internal/playback"
	"github.com/atlasnote/livesync/internal/relay"
	"github.com/atlasnote/livesync/internal/render"
	"github.com/atlasnote/livesync/internal/route"
	"github.com/atlasnote/livesync/internal/session"
	"github.com/atlasnote/livesync/internal/storage"
	"github.com/atlasnote/livesync/pkg/core"
)

type command func(ctx context.Context, a *app, args []string) error

var commands = map[string]command{
	"relay":  runRelay,
	"play":   runPlay,
	"follow": runFollow,
	"status": runStatus,
	"route":  runRoute,
	"export": runExport,
	"import": runImport,
}

var errUsage = errors.New("wrong number of arguments")

func runRelay(ctx context.Context, a *app, args []string) error {
	cfg := config.GetRelayConfig()
	fs := flag.NewFlagSet("relay", flag.ContinueOnError)
	addr := fs.String("addr", cfg.Addr, "listen address")
	redisAddr := fs.String("redis", cfg.RedisAddr, "redis address for multi-instance fanout")
	if err := fs.Parse(args); err != nil {
		return err
	}

	var fanout *relay.Fanout
	if *redisAddr != "" {
		rdb := redis.NewClient(&redis.Options{Addr: *redisAddr})
		defer rdb.Close()
		if err := rdb.Ping(ctx).Err(); err != nil {
			return fmt.Errorf("connecting to redis at %s: %w", *redisAddr, err)
		}
		fanout = relay.NewFanout(rdb, cfg.Channel, a.logger)
	}

	srv := relay.New(relay.Options{
		Token:  config.GetHubConfig().Token,
		Fanout: fanout,
		Logger: a.logger,
	})
	a.logger.Info("Relay listening", "addr", *addr, "redis", *redisAddr)
	fmt.Println("relay listening on", *addr)
	return srv.ListenAndServe(ctx, *addr)
}

func runPlay(ctx context.Context, a *app, args []string) error {
	fs := flag.NewFlagSet("play", flag.ContinueOnError)
	timeline := fs.String("timeline", "", "snapshot file to play instead of the configured storage")
	from := fs.Int("from", 0, "segment index to start at")
	if err := fs.Parse(args); err != nil {
		return err
	}
	if fs.NArg() != 1 {
		return fmt.Errorf("play <mapId>: %w", errUsage)
	}
	mapID := fs.Arg(0)
	a.room.SetMap(mapID)

	backend, err := a.openStorage(*timeline)
	if err != nil {
		return err
	}
	defer backend.Close()

	tl, err := storage.LoadTimeline(ctx, backend, mapID, true)
	if err != nil {
		return err
	}
	if len(tl.Segments) == 0 {
		return fmt.Errorf("map %s has no segments", mapID)
	}

	pbCfg := config.GetPlaybackConfig()
	o := playback.New(playback.Options{
		Segments:        tl.Segments,
		Transitions:     tl.Transitions,
		Animations:      tl.Animations,
		Mode:            playback.Autonomous{Loader: backend},
		Surface:         render.LogSurface{Logger: a.logger.With("component", "surface")},
		FrameInterval:   pbCfg.FrameInterval,
		CameraFollowPan: pbCfg.CameraFollowPan,
		Logger:          a.logger,
	})
	defer o.Close()

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()
	printPlayback(o.Events(), cancel)

	// a line on stdin answers a transition waiting for user action
	go func() {
		scanner := bufio.NewScanner(os.Stdin)
		for scanner.Scan() {
			if err := o.Continue(); err != nil {
				a.logger.Debug("Continue ignored", "error", err)
			}
		}
	}()

	go o.Run(ctx)
	if err := o.HandlePlayPreview(from); err != nil {
		return err
	}
	<-ctx.Done()
	return nil
}

// printPlayback echoes orchestrator progress to stdout. ended is called when
// the last segment finishes.
func printPlayback(bus *events.Bus, ended func()) {
	events.On(bus, func(e events.SegmentStarted) {
		fmt.Printf("segment %d %q (%s)\n", e.Index, e.Segment.Name, e.Segment.Duration())
	})
	events.On(bus, func(e events.TransitionStarted) {
		fmt.Printf("transition %d -> %d (%s)\n", e.From, e.To, e.Transition.TransitionType)
	})
	events.On(bus, func(e events.WaitingForUserAction) {
		label := "Continue"
		if e.Transition.TriggerButtonText != nil {
			label = *e.Transition.TriggerButtonText
		}
		fmt.Printf("[%s] press enter\n", label)
	})
	events.On(bus, func(events.PlaybackEnded) {
		fmt.Println("playback ended")
		if ended != nil {
			ended()
		}
	})
}

func runFollow(ctx context.Context, a *app, args []string) error {
	fs := flag.NewFlagSet("follow", flag.ContinueOnError)
	sessionID := fs.String("session", "", "story session to follow")
	if err := fs.Parse(args); err != nil {
		return err
	}
	if fs.NArg() != 1 {
		return fmt.Errorf("follow <mapId>: %w", errUsage)
	}
	mapID := fs.Arg(0)

	backend, err := a.openStorage("")
	if err != nil {
		return err
	}
	defer backend.Close()

	tl, err := storage.LoadTimeline(ctx, backend, mapID, false)
	if err != nil {
		return err
	}

	hubCfg := config.GetHubConfig()
	syncCfg := config.GetSyncConfig()
	pbCfg := config.GetPlaybackConfig()
	user := a.room.Identity()
	tokens := hub.StaticToken(hubCfg.Token)

	o := playback.New(playback.Options{
		Segments:        tl.Segments,
		Transitions:     tl.Transitions,
		Mode:            playback.Controlled{Loader: backend},
		Surface:         render.LogSurface{Logger: a.logger.With("component", "surface")},
		FrameInterval:   pbCfg.FrameInterval,
		CameraFollowPan: pbCfg.CameraFollowPan,
		Logger:          a.logger,
	})
	defer o.Close()
	printPlayback(o.Events(), nil)
	go o.Run(ctx)

	m, err := collab.Open(ctx, collab.Options{
		MapID:             mapID,
		UserID:            user.UserID,
		DisplayName:       user.DisplayName,
		HighlightColor:    user.HighlightColor,
		URL:               hubCfg.MapURL,
		Tokens:            tokens,
		Delays:            hubCfg.ReconnectDelays,
		InvokeTimeout:     hubCfg.InvokeTimeout,
		HeartbeatInterval: syncCfg.HeartbeatInterval,
		IdleTimeout:       syncCfg.IdleTimeout,
		CreatedTTL:        syncCfg.CreatedTTL,
		CutDeadTime:       syncCfg.CutDeadTime,
		DebounceGap:       syncCfg.DebounceGap,
		Store:             backend,
		Room:              a.room,
		Logger:            a.logger,
		EventLog:          &a.eventLog,
	})
	if err != nil {
		return fmt.Errorf("opening map %s: %w", mapID, err)
	}
	if m == nil {
		return fmt.Errorf("opening map %s: no hub token configured", mapID)
	}
	defer func() {
		closeCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := m.Close(closeCtx); err != nil {
			a.logger.Warn("Closing map failed", "error", err)
		}
	}()
	printPresence(m.Events())

	deps := monitor.Dependencies{
		Map:        m,
		Playback:   o,
		Room:       a.room,
		StatusFile: a.statusPath(),
		Logger:     a.logger,
	}

	if *sessionID != "" {
		sc, err := session.New(session.Options{
			URL:           hubCfg.SessionURL,
			Tokens:        tokens,
			Delays:        hubCfg.ReconnectDelays,
			InvokeTimeout: hubCfg.InvokeTimeout,
			Follower:      o,
			Room:          a.room,
			Logger:        a.logger,
			EventLog:      &a.eventLog,
		})
		if err != nil {
			return err
		}
		defer sc.Close()
		if err := sc.Join(ctx, *sessionID, hubCfg.Token); err != nil {
			return fmt.Errorf("joining session %s: %w", *sessionID, err)
		}
		if sc.SessionID() == "" {
			a.logger.Warn("Following without a session", "sessionId", *sessionID)
		}
		events.On(sc.Events(), func(e events.SessionEnded) {
			fmt.Println("session ended:", e.SessionID)
		})
		deps.Session = sc
	}

	influxCfg := config.GetInfluxConfig()
	if influxCfg.Enabled {
		backup := fmt.Sprintf("%s/%s.influx.%s.lp.gz", a.logsDir, AppName, a.start.Format("20060102_150405"))
		mgr := influx.NewManager(a.eventLog.With().Str("component", "influx").Logger(), influxCfg, backup)
		if err := mgr.Connect(ctx); err != nil {
			a.logger.Error("InfluxDB unavailable, snapshots stay local", "error", err)
		} else {
			defer mgr.Close()
			deps.Sink = mgr
			deps.Interval = influxCfg.Interval
		}
	}

	mon := monitor.NewService(deps)
	mon.Start(ctx)
	defer mon.Stop()

	fmt.Printf("following map %s as %s, ctrl-c to leave\n", mapID, user.UserID)
	<-ctx.Done()
	return nil
}

func printPresence(bus *events.Bus) {
	events.On(bus, func(e events.ParticipantJoined) {
		fmt.Printf("+ %s (%s)\n", e.Participant.DisplayName, e.Participant.UserID)
	})
	events.On(bus, func(e events.ParticipantLeft) {
		fmt.Printf("- %s\n", e.UserID)
	})
	events.On(bus, func(e events.FeatureChanged) {
		fmt.Printf("feature %s %s\n", e.Change.FeatureID, e.Change.Kind)
	})
	events.On(bus, func(e events.ConnectionStatus) {
		fmt.Println("connection:", e.Status)
	})
}

func runStatus(_ context.Context, a *app, args []string) error {
	if len(args) != 0 {
		return fmt.Errorf("status: %w", errUsage)
	}
	data, err := os.ReadFile(a.statusPath())
	if errors.Is(err, os.ErrNotExist) {
		return fmt.Errorf("no status at %s, is follow running?", a.statusPath())
	}
	if err != nil {
		return err
	}
	fmt.Println(string(data))
	return nil
}

func runRoute(ctx context.Context, a *app, args []string) error {
	fs := flag.NewFlagSet("route", flag.ContinueOnError)
	duration := fs.Duration("duration", 10*time.Second, "animation duration")
	samples := fs.Int("samples", 4, "frames to print")
	wkt := fs.Bool("wkt", false, "print the route as a WKT line string")
	if err := fs.Parse(args); err != nil {
		return err
	}
	points, err := parsePoints(fs.Args())
	if err != nil {
		return err
	}

	backend, err := a.openStorage("")
	if err != nil {
		return err
	}
	defer backend.Close()

	path, err := backend.SearchRouteWithMultipleLocations(ctx, points)
	if err != nil {
		return err
	}
	anim := routeAnimation(points, path, *duration)
	engine := route.NewEngine(anim)

	fmt.Printf("route: %d points, %.0f m\n", len(engine.Path()), engine.TotalDistance())
	if *wkt {
		fmt.Println(engine.LineString().AsText())
	}
	for _, line := range sampleFrames(engine, *samples) {
		fmt.Println(line)
	}
	return nil
}

// parsePoints reads "lng,lat" arguments.
func parsePoints(args []string) ([]core.LngLat, error) {
	if len(args) < 2 {
		return nil, storage.ErrTooFewPoints
	}
	points := make([]core.LngLat, 0, len(args))
	for _, arg := range args {
		p, err := geo.ParseLngLat(arg)
		if err != nil {
			return nil, fmt.Errorf("%q: %w", arg, err)
		}
		points = append(points, p)
	}
	return points, nil
}

func routeAnimation(points []core.LngLat, path [][2]float64, d time.Duration) core.RouteAnimation {
	first, last := points[0], points[len(points)-1]
	return core.RouteAnimation{
		RouteAnimationID: "cli",
		FromLat:          first.Lat,
		FromLng:          first.Lng,
		ToLat:            last.Lat,
		ToLng:            last.Lng,
		RoutePath:        path,
		DurationMs:       d.Milliseconds(),
		FollowCamera:     true,
	}
}

func sampleFrames(engine *route.Engine, samples int) []string {
	if samples < 1 {
		samples = 1
	}
	lines := make([]string, 0, samples+1)
	for i := 0; i <= samples; i++ {
		at := engine.Duration() * time.Duration(i) / time.Duration(samples)
		f := engine.At(at)
		lines = append(lines, fmt.Sprintf("%8s  %s  bearing %6.1f  %3.0f%%",
			at, formatLngLat(f.Position), f.Bearing, f.Progress*100))
	}
	return lines
}

func formatLngLat(p core.LngLat) string {
	return strconv.FormatFloat(p.Lng, 'f', 5, 64) + "," + strconv.FormatFloat(p.Lat, 'f', 5, 64)
}
