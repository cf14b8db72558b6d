package services

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"
)

type recordingStore struct {
	mu      sync.Mutex
	data    map[string][]byte
	saves   map[string]int
	gate    chan struct{} // when set, Save blocks until it is closed
	started chan string
	err     error
}

func newRecordingStore() *recordingStore {
	return &recordingStore{data: make(map[string][]byte), saves: make(map[string]int)}
}

func (s *recordingStore) Save(ctx context.Context, roomID string, snapshot []byte) error {
	if s.started != nil {
		s.started <- roomID
	}
	if s.gate != nil {
		<-s.gate
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.err != nil {
		return s.err
	}
	s.data[roomID] = snapshot
	s.saves[roomID]++
	return nil
}

func (s *recordingStore) Load(ctx context.Context, roomID string) ([]byte, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	b, ok := s.data[roomID]
	return b, ok, nil
}

func (s *recordingStore) get(roomID string) (string, int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return string(s.data[roomID]), s.saves[roomID]
}

func startWriter(t *testing.T, store SnapshotStore, workers int) *SnapshotWriter {
	t.Helper()
	w := NewSnapshotWriter(store, workers, 8)
	w.Start()
	t.Cleanup(w.Shutdown)
	return w
}

func TestWriterSavesAndLoads(t *testing.T) {
	store := newRecordingStore()
	w := startWriter(t, store, 2)

	if err := w.Save(context.Background(), "room", []byte("v1")); err != nil {
		t.Fatalf("Save: %v", err)
	}
	got, found, err := w.Load(context.Background(), "room")
	if err != nil || !found || string(got) != "v1" {
		t.Fatalf("Load = %q %v %v", got, found, err)
	}
	if stats := w.Stats(); stats.Saved != 1 || stats.Failed != 0 {
		t.Fatalf("stats = %+v", stats)
	}
}

func TestWriterCoalescesQueuedSaves(t *testing.T) {
	store := newRecordingStore()
	store.gate = make(chan struct{})
	store.started = make(chan string, 8)
	w := startWriter(t, store, 1)

	var wg sync.WaitGroup
	save := func(room, data string) {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if err := w.Save(context.Background(), room, []byte(data)); err != nil {
				t.Errorf("Save %s: %v", room, err)
			}
		}()
	}

	// occupy the only worker
	save("busy", "x")
	<-store.started

	save("room", "v1")
	deadline := time.Now().Add(time.Second)
	for w.Stats().Queued != 1 {
		if time.Now().After(deadline) {
			t.Fatalf("first save never queued")
		}
		time.Sleep(time.Millisecond)
	}
	save("room", "v2")
	for w.Stats().Coalesced != 1 {
		if time.Now().After(deadline) {
			t.Fatalf("second save not coalesced")
		}
		time.Sleep(time.Millisecond)
	}

	close(store.gate)
	wg.Wait()

	data, saves := store.get("room")
	if data != "v2" || saves != 1 {
		t.Fatalf("room = %q after %d saves, want v2 after 1", data, saves)
	}
}

func TestWriterReportsStoreErrors(t *testing.T) {
	store := newRecordingStore()
	store.err = errors.New("disk full")
	w := startWriter(t, store, 1)

	if err := w.Save(context.Background(), "room", []byte("v1")); err == nil || err.Error() != "disk full" {
		t.Fatalf("Save err = %v", err)
	}
	if w.Stats().Failed != 1 {
		t.Fatalf("stats = %+v", w.Stats())
	}
}

func TestCancelledCallerDoesNotCancelWrite(t *testing.T) {
	store := newRecordingStore()
	store.gate = make(chan struct{})
	store.started = make(chan string, 1)
	w := startWriter(t, store, 1)

	ctx, cancel := context.WithCancel(context.Background())
	errc := make(chan error, 1)
	go func() { errc <- w.Save(ctx, "room", []byte("v1")) }()
	<-store.started
	cancel()
	if err := <-errc; !errors.Is(err, context.Canceled) {
		t.Fatalf("Save err = %v", err)
	}

	close(store.gate)
	w.Shutdown()
	if data, _ := store.get("room"); data != "v1" {
		t.Fatalf("write lost: %q", data)
	}
}

func TestShutdownDrainsQueueAndRejectsNewSaves(t *testing.T) {
	store := newRecordingStore()
	w := NewSnapshotWriter(store, 1, 8)
	w.Start()

	var wg sync.WaitGroup
	for _, room := range []string{"a", "b", "c"} {
		wg.Add(1)
		go func(room string) {
			defer wg.Done()
			w.Save(context.Background(), room, []byte(room))
		}(room)
	}
	wg.Wait()
	w.Shutdown()

	for _, room := range []string{"a", "b", "c"} {
		if data, _ := store.get(room); data != room {
			t.Errorf("room %s = %q", room, data)
		}
	}
	if err := w.Save(context.Background(), "d", nil); !errors.Is(err, ErrWriterClosed) {
		t.Fatalf("Save after shutdown err = %v", err)
	}
	w.Shutdown()
}
