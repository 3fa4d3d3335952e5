package storage

import (
	"context"
	"errors"
	"time"
)

// ErrNotFound is returned when a record does not exist
var ErrNotFound = errors.New("record not found")

// Refinement is one rewrite produced for a user
type Refinement struct {
	ID             string     `json:"id"`
	UserID         int64      `json:"user_id"`
	Username       string     `json:"username,omitempty"`
	OriginalText   string     `json:"original_text"`
	RefinedText    string     `json:"refined_text"`
	OriginalLength int        `json:"original_length"`
	RefinedLength  int        `json:"refined_length"`
	Published      bool       `json:"published"`
	CreatedAt      time.Time  `json:"created_at"`
	UpdatedAt      time.Time  `json:"updated_at"`
	PublishedAt    *time.Time `json:"published_at,omitempty"`
}

// Activity is a single usage ping for a user
type Activity struct {
	ServiceID   string    `json:"service_id"`
	ServiceName string    `json:"service_name"`
	UserID      int64     `json:"user_id"`
	Timestamp   time.Time `json:"timestamp"`
}

// UserStats summarizes one user's history
type UserStats struct {
	TotalRefinements     int
	PublishedRefinements int
	AvgOriginalLength    int
	AvgRefinedLength     int
}

// GlobalStats summarizes the whole history
type GlobalStats struct {
	TotalUsers       int
	TotalRefinements int
	TotalPublished   int
}

// Store defines the interface for refinement history and activity storage
type Store interface {
	// History operations
	SaveRefinement(ctx context.Context, r *Refinement) (string, error)
	MarkPublished(ctx context.Context, id string, at time.Time) error
	RecentRefinements(ctx context.Context, userID int64, limit int, publishedOnly bool) ([]*Refinement, error)

	// Statistics
	UserStats(ctx context.Context, userID int64) (*UserStats, error)
	GlobalStats(ctx context.Context) (*GlobalStats, error)

	// Activity
	RecordActivity(ctx context.Context, a *Activity) error

	// Maintenance
	Ping(ctx context.Context) error
	Close() error
}

// Options contains configuration options for storage
type Options struct {
	Type string // "memory", "file", "sqlite" or "postgres"
	DSN  string // file path for file storage, connection string for databases
}
