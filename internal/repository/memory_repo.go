package repository

import (
	"context"
	"sync"
)

// MemorySnapshotRepository keeps snapshots for the lifetime of the process
type MemorySnapshotRepository struct {
	mu        sync.RWMutex
	snapshots map[string][]byte
}

func NewMemorySnapshotRepository() *MemorySnapshotRepository {
	return &MemorySnapshotRepository{snapshots: make(map[string][]byte)}
}

func (r *MemorySnapshotRepository) Save(ctx context.Context, roomID string, snapshot []byte) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.snapshots[roomID] = append([]byte(nil), snapshot...)
	return nil
}

func (r *MemorySnapshotRepository) Load(ctx context.Context, roomID string) ([]byte, bool, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	b, ok := r.snapshots[roomID]
	if !ok {
		return nil, false, nil
	}
	return append([]byte(nil), b...), true, nil
}

func (r *MemorySnapshotRepository) Close() error { return nil }
