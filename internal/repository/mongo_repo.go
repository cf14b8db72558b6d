package repository

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"

	"collabsync/internal/models"
)

// MongoSnapshotRepository stores room snapshots in a MongoDB collection,
// one document per room
type MongoSnapshotRepository struct {
	client     *mongo.Client
	collection *mongo.Collection
}

// NewMongoSnapshotRepository connects to uri and uses database.rooms
func NewMongoSnapshotRepository(ctx context.Context, uri, database string) (*MongoSnapshotRepository, error) {
	client, err := mongo.Connect(ctx, options.Client().ApplyURI(uri))
	if err != nil {
		return nil, fmt.Errorf("failed to connect to mongodb: %w", err)
	}
	if err := client.Ping(ctx, nil); err != nil {
		client.Disconnect(context.Background())
		return nil, fmt.Errorf("failed to ping mongodb: %w", err)
	}
	return &MongoSnapshotRepository{
		client:     client,
		collection: client.Database(database).Collection("room_snapshots"),
	}, nil
}

func (r *MongoSnapshotRepository) Save(ctx context.Context, roomID string, snapshot []byte) error {
	now := time.Now()
	// one document per room, keyed by room id
	filter := bson.M{"_id": roomID}
	update := bson.M{
		"$set": bson.M{
			"room_id":    roomID,
			"snapshot":   snapshot,
			"size":       len(snapshot),
			"updated_at": now,
		},
		"$setOnInsert": bson.M{"created_at": now},
	}
	opts := options.Update().SetUpsert(true)
	if _, err := r.collection.UpdateOne(ctx, filter, update, opts); err != nil {
		return fmt.Errorf("failed to store snapshot: %w", err)
	}
	return nil
}

func (r *MongoSnapshotRepository) Load(ctx context.Context, roomID string) ([]byte, bool, error) {
	var row models.RoomSnapshot
	err := r.collection.FindOne(ctx, bson.M{"_id": roomID}).Decode(&row)
	if errors.Is(err, mongo.ErrNoDocuments) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, fmt.Errorf("failed to get snapshot: %w", err)
	}
	return row.Snapshot, true, nil
}

func (r *MongoSnapshotRepository) Close() error {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	return r.client.Disconnect(ctx)
}
