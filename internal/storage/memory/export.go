package memory

import (
	"compress/gzip"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"github.com/atlasnote/livesync/pkg/core"
)

// SnapshotVersion is written into every snapshot file.
const SnapshotVersion = 1

// Snapshot is the file form of a memory backend. Files ending in .gz are
// gzip-compressed.
type Snapshot struct {
	Version         int                       `json:"version"`
	Segments        []core.Segment            `json:"segments"`
	Transitions     []core.TimelineTransition `json:"transitions"`
	RouteAnimations []core.RouteAnimation     `json:"routeAnimations"`
	Features        []core.Feature            `json:"features"`
}

// Snapshot copies the backend's contents in a stable order.
func (b *Backend) Snapshot() Snapshot {
	b.mu.RLock()
	defer b.mu.RUnlock()

	snap := Snapshot{Version: SnapshotVersion}
	for _, s := range b.segments {
		snap.Segments = append(snap.Segments, s)
	}
	sort.Slice(snap.Segments, func(i, j int) bool {
		a, c := snap.Segments[i], snap.Segments[j]
		if a.MapID != c.MapID {
			return a.MapID < c.MapID
		}
		if a.Order != c.Order {
			return a.Order < c.Order
		}
		return a.SegmentID < c.SegmentID
	})
	snap.Transitions = append(snap.Transitions, b.transitions...)

	segIDs := make([]string, 0, len(b.animations))
	for id := range b.animations {
		segIDs = append(segIDs, id)
	}
	sort.Strings(segIDs)
	for _, id := range segIDs {
		snap.RouteAnimations = append(snap.RouteAnimations, b.animations[id]...)
	}

	mapIDs := make([]string, 0, len(b.features))
	for id := range b.features {
		mapIDs = append(mapIDs, id)
	}
	sort.Strings(mapIDs)
	for _, mapID := range mapIDs {
		var fs []core.Feature
		for _, f := range b.features[mapID] {
			fs = append(fs, cloneFeature(f))
		}
		sort.Slice(fs, func(i, j int) bool { return fs[i].FeatureID < fs[j].FeatureID })
		snap.Features = append(snap.Features, fs...)
	}
	return snap
}

// Restore loads a snapshot on top of the current contents.
func (b *Backend) Restore(snap Snapshot) error {
	if snap.Version > SnapshotVersion {
		return fmt.Errorf("snapshot version %d is newer than supported %d", snap.Version, SnapshotVersion)
	}
	ctx := context.Background()
	for _, s := range snap.Segments {
		if err := b.SaveSegment(ctx, s); err != nil {
			return err
		}
	}
	for _, t := range snap.Transitions {
		if err := b.SaveTransition(ctx, t); err != nil {
			return err
		}
	}
	for _, a := range snap.RouteAnimations {
		if err := b.SaveRouteAnimation(ctx, a); err != nil {
			return err
		}
	}

	b.mu.Lock()
	defer b.mu.Unlock()
	for _, f := range snap.Features {
		if f.MapID == "" || f.FeatureID == "" {
			return fmt.Errorf("snapshot feature without map or feature id")
		}
		byID, ok := b.features[f.MapID]
		if !ok {
			byID = make(map[string]core.Feature)
			b.features[f.MapID] = byID
		}
		byID[f.FeatureID] = cloneFeature(f)
	}
	return nil
}

// WriteFile writes a snapshot to path, creating its directory.
func (b *Backend) WriteFile(path string) error {
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return fmt.Errorf("failed to create output directory: %w", err)
	}
	file, err := os.Create(path)
	if err != nil {
		return fmt.Errorf("failed to create file: %w", err)
	}
	defer file.Close()

	var w io.Writer = file
	var gz *gzip.Writer
	if strings.HasSuffix(path, ".gz") {
		gz = gzip.NewWriter(file)
		w = gz
	}
	if err := json.NewEncoder(w).Encode(b.Snapshot()); err != nil {
		return fmt.Errorf("failed to encode snapshot: %w", err)
	}
	if gz != nil {
		if err := gz.Close(); err != nil {
			return fmt.Errorf("failed to finish gzip stream: %w", err)
		}
	}
	return nil
}

// LoadFile restores a snapshot written by WriteFile or by hand.
func (b *Backend) LoadFile(path string) error {
	file, err := os.Open(path)
	if err != nil {
		return fmt.Errorf("failed to open file: %w", err)
	}
	defer file.Close()

	var r io.Reader = file
	if strings.HasSuffix(path, ".gz") {
		gz, err := gzip.NewReader(file)
		if err != nil {
			return fmt.Errorf("failed to open gzip stream: %w", err)
		}
		defer gz.Close()
		r = gz
	}

	var snap Snapshot
	if err := json.NewDecoder(r).Decode(&snap); err != nil {
		return fmt.Errorf("failed to decode snapshot: %w", err)
	}
	return b.Restore(snap)
}
