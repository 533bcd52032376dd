package main

import (
	"context"
	"fmt"

	"github.com/jonboulle/clockwork"

	"github.com/atlasnote/livesync/internal/config"
	"github.com/atlasnote/livesync/internal/storage"
	"github.com/atlasnote/livesync/internal/storage/factory"
	"github.com/atlasnote/livesync/internal/storage/memory"
)

// openStorage returns an initialized backend. A snapshot file, when given,
// is loaded into a memory backend instead of using storage.type.
func (a *app) openStorage(snapshotFile string) (storage.Backend, error) {
	if snapshotFile != "" {
		mem := memory.New()
		if err := mem.LoadFile(snapshotFile); err != nil {
			return nil, fmt.Errorf("loading %s: %w", snapshotFile, err)
		}
		a.logger.Info("Memory storage loaded from snapshot", "path", snapshotFile)
		return mem, nil
	}

	storageCfg := config.GetStorageConfig()
	backend, err := factory.NewBackend(storageCfg, clockwork.NewRealClock(), a.logger)
	if err != nil {
		a.logger.Error("Failed to create storage backend", "error", err)
		return nil, err
	}
	if err := backend.Init(); err != nil {
		a.logger.Error("Failed to initialize storage backend", "error", err)
		return nil, fmt.Errorf("initializing %s storage: %w", storageCfg.Type, err)
	}
	a.logger.Info("Storage backend initialized", "type", storageCfg.Type)
	return backend, nil
}

func runExport(ctx context.Context, a *app, args []string) error {
	if len(args) != 2 {
		return fmt.Errorf("export <mapId> <file>: %w", errUsage)
	}
	mapID, path := args[0], args[1]

	backend, err := a.openStorage("")
	if err != nil {
		return err
	}
	defer backend.Close()

	mem := memory.New()
	n, err := copyMap(ctx, backend, mem, mapID)
	if err != nil {
		return err
	}
	if err := mem.WriteFile(path); err != nil {
		return err
	}
	fmt.Printf("exported %d segments of map %s to %s\n", n, mapID, path)
	return nil
}

func runImport(ctx context.Context, a *app, args []string) error {
	if len(args) != 1 {
		return fmt.Errorf("import <file>: %w", errUsage)
	}
	backend, err := a.openStorage("")
	if err != nil {
		return err
	}
	defer backend.Close()

	dst, ok := backend.(storage.Seeder)
	if !ok {
		return fmt.Errorf("storage type %q cannot be written to", config.GetStorageConfig().Type)
	}

	mem := memory.New()
	if err := mem.LoadFile(args[0]); err != nil {
		return err
	}
	snap := mem.Snapshot()
	if err := importSnapshot(ctx, snap, dst, backend); err != nil {
		return err
	}
	fmt.Printf("imported %d segments, %d transitions, %d route animations, %d features\n",
		len(snap.Segments), len(snap.Transitions), len(snap.RouteAnimations), len(snap.Features))
	return nil
}

// copyMap reads mapID's timeline and features from src into dst and returns
// the number of segments copied.
func copyMap(ctx context.Context, src storage.Backend, dst *memory.Backend, mapID string) (int, error) {
	tl, err := storage.LoadTimeline(ctx, src, mapID, true)
	if err != nil {
		return 0, err
	}
	for _, s := range tl.Segments {
		if s.MapID == "" {
			s.MapID = mapID
		}
		if err := dst.SaveSegment(ctx, s); err != nil {
			return 0, err
		}
		for _, anim := range tl.Animations[s.SegmentID] {
			if err := dst.SaveRouteAnimation(ctx, anim); err != nil {
				return 0, err
			}
		}
	}
	for _, t := range tl.Transitions {
		if err := dst.SaveTransition(ctx, t); err != nil {
			return 0, err
		}
	}

	features, err := src.ListFeatures(ctx, mapID)
	if err != nil {
		return 0, fmt.Errorf("listing features: %w", err)
	}
	for _, f := range features {
		if _, err := dst.CreateFeature(ctx, f); err != nil {
			return 0, err
		}
	}
	return len(tl.Segments), nil
}

func importSnapshot(ctx context.Context, snap memory.Snapshot, dst storage.Seeder, features storage.Backend) error {
	for _, s := range snap.Segments {
		if err := dst.SaveSegment(ctx, s); err != nil {
			return fmt.Errorf("segment %s: %w", s.SegmentID, err)
		}
	}
	for _, t := range snap.Transitions {
		if err := dst.SaveTransition(ctx, t); err != nil {
			return fmt.Errorf("transition %s -> %s: %w", t.FromSegmentID, t.ToSegmentID, err)
		}
	}
	for _, anim := range snap.RouteAnimations {
		if err := dst.SaveRouteAnimation(ctx, anim); err != nil {
			return fmt.Errorf("route animation %s: %w", anim.RouteAnimationID, err)
		}
	}
	for _, f := range snap.Features {
		if _, err := features.CreateFeature(ctx, f); err != nil {
			return fmt.Errorf("feature %s: %w", f.FeatureID, err)
		}
	}
	return nil
}
