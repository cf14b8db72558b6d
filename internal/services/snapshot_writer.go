package services

import (
	"context"
	"errors"
	"fmt"
	"log"
	"sync"
	"sync/atomic"
	"time"
)

/*
LEARNING: SNAPSHOT WORKER POOL

Room saves come in bursts: the periodic SaveAll walks every live room, and a
shutdown or a wave of disconnects evicts many rooms at once. The writer puts
a fixed number of workers in front of the store so a burst never opens more
database connections than that.

  Save(room, snap) -> queued job -> worker -> store.Save -> result to caller

A room that already has a job waiting in the queue does not get a second
one. Its newer snapshot replaces the queued bytes (a snapshot is the full
state, so the newest one subsumes the older) and both callers get the same
result.
*/

var ErrWriterClosed = errors.New("snapshot writer is shut down")

type saveJob struct {
	roomID   string
	snapshot []byte
	waiters  []chan error
}

// WriterStats counts what the writer has done since it started
type WriterStats struct {
	Queued    int   `json:"queued"`
	Saved     int64 `json:"saved"`
	Failed    int64 `json:"failed"`
	Coalesced int64 `json:"coalesced"`
}

// SnapshotWriter serializes snapshot saves through a bounded worker pool.
// It satisfies the room registry's store interface.
type SnapshotWriter struct {
	store        SnapshotStore
	writeTimeout time.Duration

	jobs    chan *saveJob
	workers int
	wg      sync.WaitGroup

	mu     sync.Mutex
	queued map[string]*saveJob

	// held for reading while sending on jobs, for writing while closing it
	sendMu sync.RWMutex
	closed bool

	saved     atomic.Int64
	failed    atomic.Int64
	coalesced atomic.Int64
}

// NewSnapshotWriter creates the pool. Call Start before saving.
func NewSnapshotWriter(store SnapshotStore, numWorkers, queueSize int) *SnapshotWriter {
	if numWorkers < 1 {
		numWorkers = 1
	}
	if queueSize < 1 {
		queueSize = 1
	}
	return &SnapshotWriter{
		store:        store,
		writeTimeout: 30 * time.Second,
		jobs:         make(chan *saveJob, queueSize),
		workers:      numWorkers,
		queued:       make(map[string]*saveJob),
	}
}

func (w *SnapshotWriter) Start() {
	log.Printf("🔧 Starting snapshot writer with %d workers", w.workers)
	for i := 0; i < w.workers; i++ {
		w.wg.Add(1)
		go w.worker(i)
	}
	log.Println("✓ Snapshot writer started")
}

func (w *SnapshotWriter) worker(id int) {
	defer w.wg.Done()

	for job := range w.jobs {
		// once dequeued, later saves for the room start a new job
		w.mu.Lock()
		if w.queued[job.roomID] == job {
			delete(w.queued, job.roomID)
		}
		snapshot, waiters := job.snapshot, job.waiters
		w.mu.Unlock()

		ctx, cancel := context.WithTimeout(context.Background(), w.writeTimeout)
		err := w.store.Save(ctx, job.roomID, snapshot)
		cancel()

		if err != nil {
			w.failed.Add(1)
			log.Printf("  Worker %d failed to save room %s: %v", id, job.roomID, err)
		} else {
			w.saved.Add(1)
		}
		for _, ch := range waiters {
			ch <- err
		}
	}
}

// Save queues the snapshot and waits until it is written or ctx is done.
// A cancelled caller does not cancel the write.
func (w *SnapshotWriter) Save(ctx context.Context, roomID string, snapshot []byte) error {
	done := make(chan error, 1)

	w.mu.Lock()
	if job, ok := w.queued[roomID]; ok {
		job.snapshot = snapshot
		job.waiters = append(job.waiters, done)
		w.mu.Unlock()
		w.coalesced.Add(1)
		return wait(ctx, done)
	}
	job := &saveJob{roomID: roomID, snapshot: snapshot, waiters: []chan error{done}}
	w.queued[roomID] = job
	w.mu.Unlock()

	if err := w.enqueue(ctx, job); err != nil {
		w.mu.Lock()
		if w.queued[roomID] == job {
			delete(w.queued, roomID)
		}
		waiters := job.waiters
		w.mu.Unlock()
		for _, ch := range waiters {
			ch <- err
		}
	}
	return wait(ctx, done)
}

func (w *SnapshotWriter) enqueue(ctx context.Context, job *saveJob) error {
	w.sendMu.RLock()
	defer w.sendMu.RUnlock()
	if w.closed {
		return ErrWriterClosed
	}
	select {
	case w.jobs <- job:
		return nil
	case <-ctx.Done():
		return fmt.Errorf("snapshot queue full: %w", ctx.Err())
	}
}

func wait(ctx context.Context, done <-chan error) error {
	select {
	case err := <-done:
		return err
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Load reads straight from the store
func (w *SnapshotWriter) Load(ctx context.Context, roomID string) ([]byte, bool, error) {
	return w.store.Load(ctx, roomID)
}

// Shutdown stops accepting saves and waits for queued ones to be written
func (w *SnapshotWriter) Shutdown() {
	log.Println("🛑 Shutting down snapshot writer...")

	w.sendMu.Lock()
	if !w.closed {
		w.closed = true
		close(w.jobs)
	}
	w.sendMu.Unlock()

	w.wg.Wait()

	log.Println("✓ Snapshot writer shutdown complete")
}

// Stats is used by the health endpoint
func (w *SnapshotWriter) Stats() WriterStats {
	return WriterStats{
		Queued:    len(w.jobs),
		Saved:     w.saved.Load(),
		Failed:    w.failed.Load(),
		Coalesced: w.coalesced.Load(),
	}
}
