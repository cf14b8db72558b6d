package models

import (
	"time"

	"github.com/segmentio/ksuid"
	"gorm.io/gorm"
)

/*
LEARNING: ROOM SNAPSHOTS

A room is persisted as one full document snapshot, not as a log of updates.
The snapshot is a state merge, so the newest one is all a restarted room
needs:

  room evicted / periodic tick -> FullSnapshot() -> upsert by room id
  room recreated               -> latest row     -> LoadSnapshot()
*/

// RoomSnapshot stores the latest snapshot of a room
type RoomSnapshot struct {
	ID        string    `gorm:"type:varchar(27);primaryKey" json:"id" bson:"_id"`
	RoomID    string    `gorm:"type:varchar(255);not null;uniqueIndex" json:"room_id" bson:"room_id"`
	Snapshot  []byte    `gorm:"type:bytea;not null" json:"-" bson:"snapshot"`
	Size      int       `gorm:"not null" json:"size" bson:"size"`
	CreatedAt time.Time `json:"created_at" bson:"created_at"`
	UpdatedAt time.Time `json:"updated_at" bson:"updated_at"`
}

// BeforeCreate generates KSUID
func (s *RoomSnapshot) BeforeCreate(tx *gorm.DB) error {
	if s.ID == "" {
		s.ID = ksuid.New().String()
	}
	return nil
}

// TableName override
func (RoomSnapshot) TableName() string {
	return "room_snapshots"
}
