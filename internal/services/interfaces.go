package services

import (
	"context"
)

/*
LEARNING: CONSUMER-DRIVEN INTERFACES

The snapshot writer only needs Save and Load, so that is all it asks for.
Any backend from the repository package (memory, bolt, postgres, mongo)
satisfies it without knowing this package exists.
*/

// SnapshotStore is the backend the writer persists to
type SnapshotStore interface {
	Save(ctx context.Context, roomID string, snapshot []byte) error
	Load(ctx context.Context, roomID string) ([]byte, bool, error)
}
