package storage

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
)

// maxActivities bounds the in-memory activity log; older entries are dropped.
const maxActivities = 10000

// fileStore implements Store in memory, optionally persisted to a JSON file
type fileStore struct {
	mu sync.RWMutex

	// file path for storage, empty for memory only
	filePath string

	// in-memory data
	refinements map[string]*Refinement
	activities  []*Activity

	// dirty flag to track changes
	dirty bool
}

type fileData struct {
	Refinements map[string]*Refinement `json:"refinements"`
	Activities  []*Activity            `json:"activities,omitempty"`
}

// NewFileStore creates a store backed by filePath. An empty path keeps
// everything in memory for the lifetime of the process.
func NewFileStore(filePath string) (Store, error) {
	store := &fileStore{
		filePath:    filePath,
		refinements: make(map[string]*Refinement),
	}

	if filePath == "" {
		return store, nil
	}

	if dir := filepath.Dir(filePath); dir != "" {
		if err := os.MkdirAll(dir, 0755); err != nil {
			return nil, fmt.Errorf("failed to create storage directory: %w", err)
		}
	}

	// Try to load existing data
	if err := store.load(); err != nil && !os.IsNotExist(err) {
		return nil, fmt.Errorf("failed to load storage file: %w", err)
	}

	return store, nil
}

// load reads data from file
func (f *fileStore) load() error {
	f.mu.Lock()
	defer f.mu.Unlock()

	data, err := os.ReadFile(f.filePath)
	if err != nil {
		return err
	}

	var stored fileData
	if err := json.Unmarshal(data, &stored); err != nil {
		return fmt.Errorf("failed to unmarshal storage data: %w", err)
	}

	if stored.Refinements != nil {
		f.refinements = stored.Refinements
	}
	f.activities = stored.Activities
	f.dirty = false
	return nil
}

// saveLocked writes data to file. Caller must hold the lock.
func (f *fileStore) saveLocked() error {
	if f.filePath == "" {
		f.dirty = false
		return nil
	}

	data, err := json.MarshalIndent(fileData{
		Refinements: f.refinements,
		Activities:  f.activities,
	}, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to marshal storage data: %w", err)
	}

	// Write to temporary file first
	tmpPath := f.filePath + ".tmp"
	if err := os.WriteFile(tmpPath, data, 0644); err != nil {
		return fmt.Errorf("failed to write temporary file: %w", err)
	}

	if err := os.Rename(tmpPath, f.filePath); err != nil {
		os.Remove(tmpPath)
		return fmt.Errorf("failed to rename temporary file: %w", err)
	}

	f.dirty = false
	return nil
}

// SaveRefinement stores a new refinement and returns its ID
func (f *fileStore) SaveRefinement(ctx context.Context, r *Refinement) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	rec := *r
	if rec.ID == "" {
		rec.ID = uuid.NewString()
	}
	now := time.Now().UTC()
	if rec.CreatedAt.IsZero() {
		rec.CreatedAt = now
	}
	rec.UpdatedAt = now
	fillLengths(&rec)

	f.refinements[rec.ID] = &rec
	f.dirty = true
	if err := f.saveLocked(); err != nil {
		return "", err
	}
	return rec.ID, nil
}

// MarkPublished flags a refinement as published
func (f *fileStore) MarkPublished(ctx context.Context, id string, at time.Time) error {
	f.mu.Lock()
	defer f.mu.Unlock()

	rec, ok := f.refinements[id]
	if !ok {
		return ErrNotFound
	}
	at = at.UTC()
	rec.Published = true
	rec.PublishedAt = &at
	rec.UpdatedAt = at
	f.dirty = true
	return f.saveLocked()
}

// RecentRefinements returns the user's newest refinements first
func (f *fileStore) RecentRefinements(ctx context.Context, userID int64, limit int, publishedOnly bool) ([]*Refinement, error) {
	f.mu.RLock()
	defer f.mu.RUnlock()

	var result []*Refinement
	for _, rec := range f.refinements {
		if rec.UserID != userID || (publishedOnly && !rec.Published) {
			continue
		}
		cp := *rec
		result = append(result, &cp)
	}

	sort.Slice(result, func(i, j int) bool {
		return result[i].CreatedAt.After(result[j].CreatedAt)
	})
	if limit > 0 && len(result) > limit {
		result = result[:limit]
	}
	return result, nil
}

// UserStats aggregates one user's refinements
func (f *fileStore) UserStats(ctx context.Context, userID int64) (*UserStats, error) {
	f.mu.RLock()
	defer f.mu.RUnlock()

	stats := &UserStats{}
	var origSum, refinedSum int
	for _, rec := range f.refinements {
		if rec.UserID != userID {
			continue
		}
		stats.TotalRefinements++
		if rec.Published {
			stats.PublishedRefinements++
		}
		origSum += rec.OriginalLength
		refinedSum += rec.RefinedLength
	}
	if stats.TotalRefinements > 0 {
		stats.AvgOriginalLength = origSum / stats.TotalRefinements
		stats.AvgRefinedLength = refinedSum / stats.TotalRefinements
	}
	return stats, nil
}

// GlobalStats aggregates all refinements
func (f *fileStore) GlobalStats(ctx context.Context) (*GlobalStats, error) {
	f.mu.RLock()
	defer f.mu.RUnlock()

	users := make(map[int64]struct{})
	stats := &GlobalStats{}
	for _, rec := range f.refinements {
		users[rec.UserID] = struct{}{}
		stats.TotalRefinements++
		if rec.Published {
			stats.TotalPublished++
		}
	}
	stats.TotalUsers = len(users)
	return stats, nil
}

// RecordActivity appends an activity entry
func (f *fileStore) RecordActivity(ctx context.Context, a *Activity) error {
	f.mu.Lock()
	defer f.mu.Unlock()

	rec := *a
	if rec.Timestamp.IsZero() {
		rec.Timestamp = time.Now().UTC()
	}
	f.activities = append(f.activities, &rec)
	if len(f.activities) > maxActivities {
		f.activities = f.activities[len(f.activities)-maxActivities:]
	}
	f.dirty = true
	return f.saveLocked()
}

// Ping implements Store interface
func (f *fileStore) Ping(ctx context.Context) error {
	return ctx.Err()
}

// Close implements Store interface
func (f *fileStore) Close() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.dirty {
		return f.saveLocked()
	}
	return nil
}

func fillLengths(r *Refinement) {
	if r.OriginalLength == 0 {
		r.OriginalLength = len([]rune(r.OriginalText))
	}
	if r.RefinedLength == 0 {
		r.RefinedLength = len([]rune(r.RefinedText))
	}
}
