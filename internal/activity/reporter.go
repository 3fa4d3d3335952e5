// Package activity reports user activity to a store on a best-effort basis.
// Reporting never fails the caller: connection and write errors are logged
// and dropped.
package activity

import (
	"context"
	"sync"
	"time"

	log "github.com/sirupsen/logrus"

	"refiner-bot/internal/storage"
)

const defaultTimeout = 2 * time.Second

// Connector opens the store activity is written to.
type Connector func() (storage.Store, error)

// Options configures a Reporter
type Options struct {
	ServiceID   string
	ServiceName string
	Connect     Connector
	// Timeout bounds a single write. Zero means two seconds.
	Timeout time.Duration
}

// Reporter writes one activity record per reported event. A nil *Reporter
// is valid and reports nothing.
type Reporter struct {
	opts Options

	mu     sync.Mutex
	store  storage.Store
	closed bool

	wg sync.WaitGroup
}

// New creates a reporter and tries to connect once. A failed connection is
// retried on the next report.
func New(opts Options) *Reporter {
	if opts.Timeout <= 0 {
		opts.Timeout = defaultTimeout
	}
	r := &Reporter{opts: opts}
	r.mu.Lock()
	r.ensureConnectedLocked()
	r.mu.Unlock()
	return r
}

// ensureConnectedLocked returns the store, connecting if needed. Caller must hold mu.
func (r *Reporter) ensureConnectedLocked() storage.Store {
	if r.store != nil || r.closed || r.opts.Connect == nil {
		return r.store
	}
	store, err := r.opts.Connect()
	if err != nil {
		log.Warnf("Activity reporter connection failed: %v", err)
		return nil
	}
	r.store = store
	return store
}

// Report records activity for userID in the background.
func (r *Reporter) Report(userID int64) {
	if r == nil {
		return
	}
	r.mu.Lock()
	if r.closed {
		r.mu.Unlock()
		return
	}
	r.wg.Add(1)
	r.mu.Unlock()

	go func() {
		defer r.wg.Done()
		ctx, cancel := context.WithTimeout(context.Background(), r.opts.Timeout)
		defer cancel()
		r.ReportSync(ctx, userID)
	}()
}

// ReportSync records activity for userID and returns once the write finished
// or failed.
func (r *Reporter) ReportSync(ctx context.Context, userID int64) {
	if r == nil || userID == 0 {
		return
	}

	r.mu.Lock()
	store := r.ensureConnectedLocked()
	r.mu.Unlock()
	if store == nil {
		return
	}

	err := store.RecordActivity(ctx, &storage.Activity{
		ServiceID:   r.opts.ServiceID,
		ServiceName: r.opts.ServiceName,
		UserID:      userID,
		Timestamp:   time.Now().UTC(),
	})
	if err == nil {
		return
	}

	log.Debugf("Activity report failed for user %d: %v", userID, err)

	// Drop the connection so the next report reconnects.
	r.mu.Lock()
	if r.store == store {
		r.store = nil
		r.mu.Unlock()
		store.Close()
		return
	}
	r.mu.Unlock()
}

// Wait blocks until in-flight background reports finish.
func (r *Reporter) Wait() {
	if r == nil {
		return
	}
	r.wg.Wait()
}

// Close waits for pending reports and closes the store.
func (r *Reporter) Close() error {
	if r == nil {
		return nil
	}
	r.mu.Lock()
	r.closed = true
	r.mu.Unlock()

	r.wg.Wait()

	r.mu.Lock()
	defer r.mu.Unlock()
	if r.store == nil {
		return nil
	}
	err := r.store.Close()
	r.store = nil
	return err
}
