package activity

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"refiner-bot/internal/storage"
)

// recordingStore is a storage.Store that only tracks activity writes.
type recordingStore struct {
	storage.Store

	mu         sync.Mutex
	activities []storage.Activity
	failWrites bool
	closed     atomic.Bool
}

func (s *recordingStore) RecordActivity(ctx context.Context, a *storage.Activity) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.failWrites {
		return errors.New("write failed")
	}
	s.activities = append(s.activities, *a)
	return nil
}

func (s *recordingStore) Close() error {
	s.closed.Store(true)
	return nil
}

func (s *recordingStore) count() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.activities)
}

func TestReportWritesActivity(t *testing.T) {
	store := &recordingStore{}
	r := New(Options{
		ServiceID:   "refiner-bot",
		ServiceName: "Refiner Bot",
		Connect:     func() (storage.Store, error) { return store, nil },
	})

	r.Report(42)
	r.Report(43)
	r.Wait()

	if store.count() != 2 {
		t.Fatalf("Expected 2 activities, got %d", store.count())
	}
	a := store.activities[0]
	if a.ServiceID != "refiner-bot" || a.ServiceName != "Refiner Bot" {
		t.Errorf("Unexpected service identity: %+v", a)
	}
	if a.Timestamp.IsZero() || a.Timestamp.Location() != time.UTC {
		t.Errorf("Expected UTC timestamp, got %v", a.Timestamp)
	}
}

func TestReportReconnectsLazily(t *testing.T) {
	store := &recordingStore{}
	var attempts atomic.Int32
	r := New(Options{
		Connect: func() (storage.Store, error) {
			if attempts.Add(1) == 1 {
				return nil, errors.New("connection refused")
			}
			return store, nil
		},
	})
	if attempts.Load() != 1 {
		t.Fatalf("Expected one connect attempt at construction, got %d", attempts.Load())
	}

	r.ReportSync(context.Background(), 1)
	if attempts.Load() != 2 {
		t.Errorf("Expected reconnect on report, got %d attempts", attempts.Load())
	}
	if store.count() != 1 {
		t.Errorf("Expected activity after reconnect, got %d", store.count())
	}

	r.ReportSync(context.Background(), 1)
	if attempts.Load() != 2 {
		t.Errorf("Connected reporter should not reconnect, got %d attempts", attempts.Load())
	}
}

func TestReportFailureIsSwallowedAndDropsConnection(t *testing.T) {
	failing := &recordingStore{failWrites: true}
	healthy := &recordingStore{}
	var attempts atomic.Int32
	r := New(Options{
		Connect: func() (storage.Store, error) {
			if attempts.Add(1) == 1 {
				return failing, nil
			}
			return healthy, nil
		},
	})

	r.ReportSync(context.Background(), 7)
	if !failing.closed.Load() {
		t.Error("Failed store should be closed")
	}

	r.ReportSync(context.Background(), 7)
	if healthy.count() != 1 {
		t.Errorf("Expected the next report to use a fresh connection, got %d", healthy.count())
	}
}

func TestReportIgnoresAnonymousUsers(t *testing.T) {
	store := &recordingStore{}
	r := New(Options{Connect: func() (storage.Store, error) { return store, nil }})
	r.ReportSync(context.Background(), 0)
	if store.count() != 0 {
		t.Errorf("Expected no activity for user 0, got %d", store.count())
	}
}

func TestNilReporter(t *testing.T) {
	var r *Reporter
	r.Report(1)
	r.ReportSync(context.Background(), 1)
	r.Wait()
	if err := r.Close(); err != nil {
		t.Errorf("Close on nil reporter returned %v", err)
	}
}

func TestCloseWaitsAndStopsReporting(t *testing.T) {
	store := &recordingStore{}
	r := New(Options{Connect: func() (storage.Store, error) { return store, nil }})

	for i := 0; i < 10; i++ {
		r.Report(int64(i + 1))
	}
	if err := r.Close(); err != nil {
		t.Fatalf("Close failed: %v", err)
	}
	if store.count() != 10 {
		t.Errorf("Close should wait for pending reports, got %d", store.count())
	}
	if !store.closed.Load() {
		t.Error("Close should close the store")
	}

	r.Report(99)
	r.Wait()
	if store.count() != 10 {
		t.Errorf("Reports after Close should be dropped, got %d", store.count())
	}
}
