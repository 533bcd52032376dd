package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"
	"time"

	"github.com/rs/zerolog"
	sdklog "go.opentelemetry.io/otel/sdk/log"

	"github.com/atlasnote/livesync/internal/config"
	"github.com/atlasnote/livesync/internal/logging"
	intOtel "github.com/atlasnote/livesync/internal/otel"
	"github.com/atlasnote/livesync/internal/room"
)

// module defs - BuildDate can be set at build time via ldflags
var (
	Version   string = "0.0.1"
	BuildDate string = "unknown"
)

const AppName = "livesync"

// app holds the ambient services every command shares.
type app struct {
	start    time.Time
	slogs    *logging.SlogManager
	logger   *slog.Logger
	otel     *intOtel.Provider
	room     *room.Context
	logFile  *os.File
	logsDir  string
	eventLog zerolog.Logger
}

func main() {
	os.Exit(run())
}

func run() int {
	configDir := flag.String("config", ".", "directory containing "+config.ConfigFileName)
	flag.Usage = usage
	flag.Parse()

	args := flag.Args()
	if len(args) == 0 {
		usage()
		return 2
	}
	command := strings.ToLower(args[0])
	if command == "version" {
		fmt.Printf("%s %s (built %s)\n", AppName, Version, BuildDate)
		return 0
	}
	handler, ok := commands[command]
	if !ok {
		fmt.Fprintf(os.Stderr, "unknown command %q\n\n", args[0])
		usage()
		return 2
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	a := setup(ctx, *configDir, command)
	defer a.shutdown()

	if err := handler(ctx, a, args[1:]); err != nil {
		if errors.Is(err, flag.ErrHelp) {
			return 2
		}
		a.logger.Error("Command failed", "command", command, "error", err)
		fmt.Fprintln(os.Stderr, "error:", err)
		return 1
	}
	return 0
}

func usage() {
	fmt.Fprintf(os.Stderr, `Usage: %s [-config dir] <command> [arguments]

Commands:
  relay                          run the reference hub relay
  play   [-timeline f] [-from n] <mapId>
                                 play a story map autonomously
  follow [-session id] <mapId>   join a map and follow a presenter's session
  status                         print the latest status snapshot
  route  [-duration d] <lng,lat> <lng,lat>...
                                 search a route and sample its animation
  export <mapId> <file>          write a map's timeline and features to a snapshot
  import <file>                  load a snapshot into the configured storage
  version                        print the version
`, AppName)
	flag.PrintDefaults()
}

// setup loads configuration and wires logging. Failures fall back to stdout
// logging with defaults so every command can still run.
func setup(ctx context.Context, configDir, command string) *app {
	a := &app{start: time.Now(), slogs: logging.NewSlogManager()}
	a.slogs.Setup(nil, "info", nil)
	a.logger = a.slogs.Logger()

	if err := config.Load(configDir); err != nil {
		a.logger.Warn("Failed to load config, using defaults!", "error", err)
	} else {
		a.logger.Debug("Loaded config", "dir", configDir)
	}

	user := config.GetUserConfig()
	a.room = room.NewContext(room.Identity{
		UserID:         user.ID,
		DisplayName:    user.DisplayName,
		HighlightColor: user.HighlightColor,
	})
	a.slogs.SetRoomContext(a.room)

	a.logsDir = config.GetString("logsDir")
	if err := os.MkdirAll(a.logsDir, 0755); err != nil {
		a.logger.Error("Failed to create logs directory", "error", err, "path", a.logsDir)
	}
	logPath := logging.LogFilePath(a.logsDir, AppName, command, a.start)
	if _, err := os.Stat(logPath); err == nil {
		_ = os.Rename(logPath, logPath+".old")
	}
	file, err := os.OpenFile(logPath, os.O_RDWR|os.O_CREATE|os.O_APPEND, 0666)
	if err != nil {
		a.logger.Error("Failed to create/open log file!", "error", err, "path", logPath)
	} else {
		a.logFile = file
	}

	otelCfg := config.GetOTelConfig()
	if otelCfg.Enabled && a.logFile != nil {
		a.otel, err = intOtel.New(ctx, intOtel.Config{
			Enabled:      otelCfg.Enabled,
			ServiceName:  otelCfg.ServiceName,
			BatchTimeout: otelCfg.BatchTimeout,
			LogWriter:    a.logFile,
			Endpoint:     otelCfg.Endpoint,
			Insecure:     otelCfg.Insecure,
		})
		if err != nil {
			a.logger.Error("Failed to initialize OTel provider", "error", err)
		}
	}

	var provider *sdklog.LoggerProvider
	if a.otel != nil {
		provider = a.otel.LoggerProvider()
	}
	level := config.GetString("logLevel")
	if a.logFile != nil {
		a.slogs.Setup(a.logFile, level, provider)
		fmt.Fprintln(os.Stderr, "logging to", logPath)
	} else {
		a.slogs.Setup(nil, level, provider)
	}
	a.logger = a.slogs.Logger()

	if a.logFile != nil {
		a.eventLog = zerolog.New(a.logFile).With().Timestamp().Str("component", "dispatcher").Logger()
	} else {
		a.eventLog = zerolog.Nop()
	}
	a.logger.Info("Starting", "command", command, "version", Version, "build", BuildDate)
	return a
}

func (a *app) statusPath() string {
	return filepath.Join(a.logsDir, "status.json")
}

func (a *app) shutdown() {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if err := a.slogs.Flush(ctx); err != nil {
		fmt.Fprintln(os.Stderr, "flushing logs:", err)
	}
	if a.otel != nil {
		if err := a.otel.Shutdown(ctx); err != nil {
			fmt.Fprintln(os.Stderr, "otel shutdown:", err)
		}
	}
	if a.logFile != nil {
		_ = a.logFile.Close()
	}
}
