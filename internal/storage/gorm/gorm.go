// Package gormstorage implements storage.Backend on top of GORM. The SQLite
// and Postgres backends embed it and only add connection handling.
package gormstorage

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/google/uuid"
	"github.com/jonboulle/clockwork"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"github.com/atlasnote/livesync/internal/database"
	"github.com/atlasnote/livesync/internal/model"
	"github.com/atlasnote/livesync/internal/model/convert"
	"github.com/atlasnote/livesync/internal/storage"
	"github.com/atlasnote/livesync/pkg/core"
)

// Dependencies holds all dependencies for the GORM storage backend.
type Dependencies struct {
	DB     *gorm.DB
	Clock  clockwork.Clock
	Logger *slog.Logger
}

// Backend implements storage.Backend and storage.Seeder with GORM.
type Backend struct {
	db     *gorm.DB
	clock  clockwork.Clock
	logger *slog.Logger
}

// New creates a new GORM storage backend.
func New(deps Dependencies) *Backend {
	if deps.Clock == nil {
		deps.Clock = clockwork.NewRealClock()
	}
	if deps.Logger == nil {
		deps.Logger = slog.Default()
	}
	return &Backend{
		db:     deps.DB,
		clock:  deps.Clock,
		logger: deps.Logger.With("component", "storage"),
	}
}

// DB returns the underlying connection.
func (b *Backend) DB() *gorm.DB {
	return b.db
}

// Init runs schema migration.
func (b *Backend) Init() error {
	if b.db == nil {
		return fmt.Errorf("gorm storage: no database")
	}
	if err := database.Migrate(b.db); err != nil {
		return err
	}
	b.logger.Debug("Schema migrated", "dialect", b.db.Dialector.Name())
	return nil
}

// Close closes the underlying connection pool.
func (b *Backend) Close() error {
	if b.db == nil {
		return nil
	}
	sqlDB, err := b.db.DB()
	if err != nil {
		return err
	}
	return sqlDB.Close()
}

func notFound(err error, what, id string) error {
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return fmt.Errorf("%s %s: %w", what, id, storage.ErrNotFound)
	}
	return fmt.Errorf("%s %s: %w", what, id, err)
}

// SaveSegment upserts a segment and replaces its locations.
func (b *Backend) SaveSegment(ctx context.Context, s core.Segment) error {
	if s.SegmentID == "" {
		return fmt.Errorf("gorm storage: segment id is required")
	}
	seg, locs := convert.CoreToSegment(s)
	for i := range locs {
		if locs[i].ID == "" {
			locs[i].ID = uuid.NewString()
		}
	}

	return b.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := tx.Save(&seg).Error; err != nil {
			return fmt.Errorf("saving segment %s: %w", s.SegmentID, err)
		}
		if err := tx.Where("segment_id = ?", seg.ID).Delete(&model.MapLocation{}).Error; err != nil {
			return fmt.Errorf("clearing locations of %s: %w", s.SegmentID, err)
		}
		if len(locs) == 0 {
			return nil
		}
		if err := tx.Create(&locs).Error; err != nil {
			return fmt.Errorf("saving locations of %s: %w", s.SegmentID, err)
		}
		return nil
	})
}

// SaveTransition inserts a transition or replaces the one between the same
// segments.
func (b *Backend) SaveTransition(ctx context.Context, t core.TimelineTransition) error {
	row := convert.CoreToTransition(t)
	if row.ID == "" {
		row.ID = uuid.NewString()
	}
	err := b.db.WithContext(ctx).Clauses(clause.OnConflict{
		Columns:   []clause.Column{{Name: "from_segment_id"}, {Name: "to_segment_id"}},
		DoUpdates: clause.AssignmentColumns(transitionColumns),
	}).Create(&row).Error
	if err != nil {
		return fmt.Errorf("saving transition %s->%s: %w", t.FromSegmentID, t.ToSegmentID, err)
	}
	return nil
}

var transitionColumns = []string{
	"transition_type",
	"duration_ms",
	"animate_camera",
	"camera_animation_type",
	"camera_animation_duration_ms",
	"show_overlay",
	"overlay_content",
	"auto_trigger",
	"require_user_action",
	"trigger_button_text",
}

// SaveRouteAnimation upserts a route animation.
func (b *Backend) SaveRouteAnimation(ctx context.Context, a core.RouteAnimation) error {
	row := convert.CoreToRouteAnimation(a)
	if row.ID == "" {
		row.ID = uuid.NewString()
	}
	if err := b.db.WithContext(ctx).Save(&row).Error; err != nil {
		return fmt.Errorf("saving route animation %s: %w", row.ID, err)
	}
	return nil
}

// GetSegments returns a map's segments in timeline order with their locations.
func (b *Backend) GetSegments(ctx context.Context, mapID string) ([]core.Segment, error) {
	db := b.db.WithContext(ctx)

	var rows []model.Segment
	if err := db.Where("map_id = ?", mapID).Order("sort_order, id").Find(&rows).Error; err != nil {
		return nil, fmt.Errorf("segments of %s: %w", mapID, err)
	}
	if len(rows) == 0 {
		return nil, nil
	}

	ids := make([]string, len(rows))
	for i, r := range rows {
		ids[i] = r.ID
	}
	var locs []model.MapLocation
	if err := db.Where("segment_id IN ?", ids).Order("segment_id, sort_order").Find(&locs).Error; err != nil {
		return nil, fmt.Errorf("locations of %s: %w", mapID, err)
	}
	bySegment := make(map[string][]model.MapLocation, len(rows))
	for _, l := range locs {
		bySegment[l.SegmentID] = append(bySegment[l.SegmentID], l)
	}

	out := make([]core.Segment, len(rows))
	for i, r := range rows {
		out[i] = convert.SegmentToCore(r, bySegment[r.ID])
	}
	return out, nil
}

// GetTransitions returns the transitions leaving any segment of the map.
func (b *Backend) GetTransitions(ctx context.Context, mapID string) ([]core.TimelineTransition, error) {
	var rows []model.Transition
	err := b.db.WithContext(ctx).
		Joins("JOIN segments ON segments.id = transitions.from_segment_id").
		Where("segments.map_id = ?", mapID).
		Order("segments.sort_order, transitions.to_segment_id").
		Find(&rows).Error
	if err != nil {
		return nil, fmt.Errorf("transitions of %s: %w", mapID, err)
	}

	out := make([]core.TimelineTransition, len(rows))
	for i, r := range rows {
		out[i] = convert.TransitionToCore(r)
	}
	return out, nil
}

// GetMapLocations returns a segment's locations. An unknown segment is
// storage.ErrNotFound.
func (b *Backend) GetMapLocations(ctx context.Context, segmentID string) ([]core.MapLocation, error) {
	db := b.db.WithContext(ctx)

	var seg model.Segment
	if err := db.Select("id").First(&seg, "id = ?", segmentID).Error; err != nil {
		return nil, notFound(err, "segment", segmentID)
	}

	var rows []model.MapLocation
	if err := db.Where("segment_id = ?", segmentID).Order("sort_order").Find(&rows).Error; err != nil {
		return nil, fmt.Errorf("locations of %s: %w", segmentID, err)
	}
	out := make([]core.MapLocation, len(rows))
	for i, r := range rows {
		out[i] = convert.MapLocationToCore(r)
	}
	return out, nil
}

// GetRouteAnimationsBySegment returns a segment's route animations in draw order.
func (b *Backend) GetRouteAnimationsBySegment(ctx context.Context, segmentID string) ([]core.RouteAnimation, error) {
	var rows []model.RouteAnimation
	err := b.db.WithContext(ctx).
		Where("segment_id = ?", segmentID).
		Order("display_order, start_time_ms").
		Find(&rows).Error
	if err != nil {
		return nil, fmt.Errorf("route animations of %s: %w", segmentID, err)
	}

	out := make([]core.RouteAnimation, len(rows))
	for i, r := range rows {
		out[i] = convert.RouteAnimationToCore(r)
	}
	return out, nil
}

// SearchRouteWithMultipleLocations joins the points with straight lines.
func (b *Backend) SearchRouteWithMultipleLocations(_ context.Context, points []core.LngLat) ([][2]float64, error) {
	return storage.DirectRoute(points)
}

// GetFeature returns one feature of a map.
func (b *Backend) GetFeature(ctx context.Context, mapID, featureID string) (core.Feature, error) {
	var row model.Feature
	if err := b.db.WithContext(ctx).First(&row, "map_id = ? AND id = ?", mapID, featureID).Error; err != nil {
		return core.Feature{}, notFound(err, "feature", featureID)
	}
	return convert.FeatureToCore(row)
}

// ListFeatures returns every feature of a map ordered by id. Rows whose
// geometry cannot be decoded are skipped.
func (b *Backend) ListFeatures(ctx context.Context, mapID string) ([]core.Feature, error) {
	var rows []model.Feature
	if err := b.db.WithContext(ctx).Where("map_id = ?", mapID).Order("id").Find(&rows).Error; err != nil {
		return nil, fmt.Errorf("features of %s: %w", mapID, err)
	}

	out := make([]core.Feature, 0, len(rows))
	for _, r := range rows {
		f, err := convert.FeatureToCore(r)
		if err != nil {
			b.logger.Warn("Skipping undecodable feature", "mapId", mapID, "featureId", r.ID, "error", err)
			continue
		}
		out = append(out, f)
	}
	return out, nil
}

// CreateFeature stores a new feature, assigning an id when it has none.
func (b *Backend) CreateFeature(ctx context.Context, f core.Feature) (core.Feature, error) {
	if f.MapID == "" {
		return core.Feature{}, fmt.Errorf("gorm storage: map id is required")
	}
	if f.FeatureID == "" {
		f.FeatureID = uuid.NewString()
	}
	f.UpdatedAt = b.clock.Now().UTC()

	row, err := convert.CoreToFeature(f)
	if err != nil {
		return core.Feature{}, err
	}
	if err := b.db.WithContext(ctx).Create(&row).Error; err != nil {
		return core.Feature{}, fmt.Errorf("creating feature %s: %w", f.FeatureID, err)
	}
	return f, nil
}

// UpdateFeature replaces an existing feature's layer, kind, geometry and
// properties.
func (b *Backend) UpdateFeature(ctx context.Context, f core.Feature) (core.Feature, error) {
	f.UpdatedAt = b.clock.Now().UTC()
	row, err := convert.CoreToFeature(f)
	if err != nil {
		return core.Feature{}, err
	}

	res := b.db.WithContext(ctx).Model(&model.Feature{}).
		Where("map_id = ? AND id = ?", f.MapID, f.FeatureID).
		Updates(map[string]any{
			"layer_id":   row.LayerID,
			"kind":       row.Kind,
			"geometry":   row.Geometry,
			"properties": row.Properties,
			"updated_at": row.UpdatedAt,
		})
	if res.Error != nil {
		return core.Feature{}, fmt.Errorf("updating feature %s: %w", f.FeatureID, res.Error)
	}
	if res.RowsAffected == 0 {
		return core.Feature{}, fmt.Errorf("feature %s: %w", f.FeatureID, storage.ErrNotFound)
	}
	return f, nil
}

// DeleteFeature removes a feature.
func (b *Backend) DeleteFeature(ctx context.Context, mapID, featureID string) error {
	res := b.db.WithContext(ctx).Where("map_id = ? AND id = ?", mapID, featureID).Delete(&model.Feature{})
	if res.Error != nil {
		return fmt.Errorf("deleting feature %s: %w", featureID, res.Error)
	}
	if res.RowsAffected == 0 {
		return fmt.Errorf("feature %s: %w", featureID, storage.ErrNotFound)
	}
	return nil
}
