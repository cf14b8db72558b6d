package repository

import (
	"context"
	"fmt"
	"time"

	bolt "go.etcd.io/bbolt"
)

var roomsBucket = []byte("room_snapshots")

// BoltSnapshotRepository stores room snapshots in an embedded bbolt file,
// keyed by room id
type BoltSnapshotRepository struct {
	db *bolt.DB
}

// NewBoltSnapshotRepository opens (or creates) the database file at path
func NewBoltSnapshotRepository(path string) (*BoltSnapshotRepository, error) {
	db, err := bolt.Open(path, 0o600, &bolt.Options{Timeout: time.Second})
	if err != nil {
		return nil, fmt.Errorf("failed to open bolt db %s: %w", path, err)
	}
	err = db.Update(func(tx *bolt.Tx) error {
		_, err := tx.CreateBucketIfNotExists(roomsBucket)
		return err
	})
	if err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to create bucket: %w", err)
	}
	return &BoltSnapshotRepository{db: db}, nil
}

func (r *BoltSnapshotRepository) Save(ctx context.Context, roomID string, snapshot []byte) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	return r.db.Update(func(tx *bolt.Tx) error {
		return tx.Bucket(roomsBucket).Put([]byte(roomID), snapshot)
	})
}

func (r *BoltSnapshotRepository) Load(ctx context.Context, roomID string) ([]byte, bool, error) {
	if err := ctx.Err(); err != nil {
		return nil, false, err
	}
	var out []byte
	err := r.db.View(func(tx *bolt.Tx) error {
		if v := tx.Bucket(roomsBucket).Get([]byte(roomID)); v != nil {
			// v is only valid inside the transaction
			out = append([]byte{}, v...)
		}
		return nil
	})
	if err != nil {
		return nil, false, fmt.Errorf("failed to get snapshot: %w", err)
	}
	return out, out != nil, nil
}

func (r *BoltSnapshotRepository) Close() error {
	return r.db.Close()
}
