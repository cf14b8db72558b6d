package repository

import (
	"context"
	"errors"
	"fmt"

	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"collabsync/internal/middleware"
	"collabsync/internal/models"

	"go.opentelemetry.io/otel/attribute"
)

/*
LEARNING: SNAPSHOT PERSISTENCE

Only the latest snapshot per room matters, so Save is an upsert keyed by
room id rather than an append:

  INSERT ... ON CONFLICT (room_id) DO UPDATE SET snapshot, size, updated_at

Loading a room that was never saved is not an error; it just starts empty.
*/

// SnapshotRepositoryImpl stores room snapshots in Postgres through GORM
type SnapshotRepositoryImpl struct {
	db *gorm.DB
}

// NewSnapshotRepository creates a new snapshot repository
func NewSnapshotRepository(db *gorm.DB) *SnapshotRepositoryImpl {
	return &SnapshotRepositoryImpl{db: db}
}

// Save upserts the snapshot of a room
func (r *SnapshotRepositoryImpl) Save(ctx context.Context, roomID string, snapshot []byte) error {
	ctx, span := middleware.StartSpan(ctx, "SnapshotRepository.Save",
		attribute.String("room.id", roomID),
		attribute.Int("snapshot.size", len(snapshot)),
	)
	defer span.End()

	row := &models.RoomSnapshot{
		RoomID:   roomID,
		Snapshot: snapshot,
		Size:     len(snapshot),
	}
	err := r.db.WithContext(ctx).
		Clauses(clause.OnConflict{
			Columns:   []clause.Column{{Name: "room_id"}},
			DoUpdates: clause.AssignmentColumns([]string{"snapshot", "size", "updated_at"}),
		}).
		Create(row).Error
	if err != nil {
		middleware.AddSpanError(ctx, err)
		return fmt.Errorf("failed to store snapshot: %w", err)
	}
	return nil
}

// Load returns the latest snapshot of a room
func (r *SnapshotRepositoryImpl) Load(ctx context.Context, roomID string) ([]byte, bool, error) {
	ctx, span := middleware.StartSpan(ctx, "SnapshotRepository.Load", attribute.String("room.id", roomID))
	defer span.End()

	var row models.RoomSnapshot
	err := r.db.WithContext(ctx).Where("room_id = ?", roomID).First(&row).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, false, nil
	}
	if err != nil {
		middleware.AddSpanError(ctx, err)
		return nil, false, fmt.Errorf("failed to get snapshot: %w", err)
	}
	return row.Snapshot, true, nil
}
