package storage

import (
	"context"
	"database/sql"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	_ "embed"

	"github.com/google/uuid"
	_ "github.com/lib/pq"
	log "github.com/sirupsen/logrus"
	_ "modernc.org/sqlite"
)

// Connection pool settings for postgres
const (
	defaultMaxOpenConns    = 10
	defaultMaxIdleConns    = 5
	defaultConnMaxLifetime = 5 * time.Minute
	connectTimeout         = 10 * time.Second
)

//go:embed migrations_sqlite.sql
var sqliteMigrations string

//go:embed migrations_postgres.sql
var postgresMigrations string

// sqlStore implements Store on database/sql for sqlite and postgres
type sqlStore struct {
	db     *sql.DB
	driver string
}

// NewSQLStore opens the database, verifies the connection and applies migrations.
// kind is "sqlite" or "postgres".
func NewSQLStore(kind, dsn string) (Store, error) {
	var migrations string
	switch kind {
	case "sqlite":
		migrations = sqliteMigrations
		if path := sqlitePath(dsn); path != "" {
			if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
				return nil, fmt.Errorf("failed to create database directory: %w", err)
			}
		}
	case "postgres":
		migrations = postgresMigrations
	default:
		return nil, fmt.Errorf("unsupported sql driver: %s", kind)
	}

	if kind == "sqlite" {
		dsn = sqliteDSN(dsn)
	}

	db, err := sql.Open(kind, dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to open %s database: %w", kind, err)
	}

	if kind == "sqlite" {
		// sqlite allows a single writer
		db.SetMaxOpenConns(1)
	} else {
		db.SetMaxOpenConns(defaultMaxOpenConns)
		db.SetMaxIdleConns(defaultMaxIdleConns)
		db.SetConnMaxLifetime(defaultConnMaxLifetime)
	}

	ctx, cancel := context.WithTimeout(context.Background(), connectTimeout)
	defer cancel()

	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to connect to %s database: %w", kind, err)
	}

	log.Debugf("Running %s migrations", kind)
	if _, err := db.ExecContext(ctx, migrations); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to run migrations: %w", err)
	}
	log.Infof("Connected to %s history store", kind)

	return &sqlStore{db: db, driver: kind}, nil
}

// sqlitePath extracts the file path from a sqlite DSN, or "" for in-memory databases.
func sqlitePath(dsn string) string {
	path := strings.TrimPrefix(dsn, "file:")
	if i := strings.IndexByte(path, '?'); i >= 0 {
		path = path[:i]
	}
	if path == "" || path == ":memory:" {
		return ""
	}
	return path
}

// sqliteDSN asks the driver to write timestamps in the SQLite text layout,
// which it parses back into time.Time on scan, and to wait on a locked
// database instead of failing.
func sqliteDSN(dsn string) string {
	if !strings.Contains(dsn, "_time_format=") {
		dsn = appendQuery(dsn, "_time_format=sqlite")
	}
	if !strings.Contains(dsn, "busy_timeout") {
		dsn = appendQuery(dsn, "_pragma=busy_timeout(5000)")
	}
	return dsn
}

func appendQuery(dsn, param string) string {
	if strings.Contains(dsn, "?") {
		return dsn + "&" + param
	}
	return dsn + "?" + param
}

// rebind rewrites ? placeholders to $n for postgres.
func (s *sqlStore) rebind(query string) string {
	if s.driver != "postgres" {
		return query
	}
	return rebindDollar(query)
}

func rebindDollar(query string) string {
	var b strings.Builder
	n := 0
	for i := 0; i < len(query); i++ {
		if query[i] == '?' {
			n++
			b.WriteByte('$')
			b.WriteString(strconv.Itoa(n))
			continue
		}
		b.WriteByte(query[i])
	}
	return b.String()
}

// SaveRefinement stores a new refinement and returns its ID
func (s *sqlStore) SaveRefinement(ctx context.Context, r *Refinement) (string, error) {
	rec := *r
	if rec.ID == "" {
		rec.ID = uuid.NewString()
	}
	now := time.Now().UTC()
	if rec.CreatedAt.IsZero() {
		rec.CreatedAt = now
	}
	fillLengths(&rec)

	_, err := s.db.ExecContext(ctx, s.rebind(`
		INSERT INTO refinements (id, user_id, username, original_text, refined_text,
			original_length, refined_length, published, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`),
		rec.ID, rec.UserID, rec.Username, rec.OriginalText, rec.RefinedText,
		rec.OriginalLength, rec.RefinedLength, false, rec.CreatedAt.UTC(), now)
	if err != nil {
		return "", fmt.Errorf("failed to save refinement: %w", err)
	}
	return rec.ID, nil
}

// MarkPublished flags a refinement as published
func (s *sqlStore) MarkPublished(ctx context.Context, id string, at time.Time) error {
	at = at.UTC()
	res, err := s.db.ExecContext(ctx, s.rebind(
		`UPDATE refinements SET published = ?, published_at = ?, updated_at = ? WHERE id = ?`),
		true, at, at, id)
	if err != nil {
		return fmt.Errorf("failed to mark refinement published: %w", err)
	}
	if n, err := res.RowsAffected(); err == nil && n == 0 {
		return ErrNotFound
	}
	return nil
}

// RecentRefinements returns the user's newest refinements first
func (s *sqlStore) RecentRefinements(ctx context.Context, userID int64, limit int, publishedOnly bool) ([]*Refinement, error) {
	query := `SELECT id, user_id, username, original_text, refined_text, original_length,
		refined_length, published, created_at, updated_at, published_at
		FROM refinements WHERE user_id = ?`
	args := []interface{}{userID}
	if publishedOnly {
		query += ` AND published = ?`
		args = append(args, true)
	}
	query += ` ORDER BY created_at DESC`
	if limit > 0 {
		query += ` LIMIT ?`
		args = append(args, limit)
	}

	rows, err := s.db.QueryContext(ctx, s.rebind(query), args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query refinements: %w", err)
	}
	defer rows.Close()

	var result []*Refinement
	for rows.Next() {
		var rec Refinement
		var publishedAt sql.NullTime
		if err := rows.Scan(&rec.ID, &rec.UserID, &rec.Username, &rec.OriginalText, &rec.RefinedText,
			&rec.OriginalLength, &rec.RefinedLength, &rec.Published, &rec.CreatedAt, &rec.UpdatedAt,
			&publishedAt); err != nil {
			return nil, fmt.Errorf("failed to scan refinement: %w", err)
		}
		if publishedAt.Valid {
			t := publishedAt.Time
			rec.PublishedAt = &t
		}
		result = append(result, &rec)
	}
	return result, rows.Err()
}

// UserStats aggregates one user's refinements
func (s *sqlStore) UserStats(ctx context.Context, userID int64) (*UserStats, error) {
	var stats UserStats
	var avgOrig, avgRefined sql.NullFloat64
	err := s.db.QueryRowContext(ctx, s.rebind(`
		SELECT COUNT(*),
			COALESCE(SUM(CASE WHEN published THEN 1 ELSE 0 END), 0),
			AVG(original_length), AVG(refined_length)
		FROM refinements WHERE user_id = ?`), userID).
		Scan(&stats.TotalRefinements, &stats.PublishedRefinements, &avgOrig, &avgRefined)
	if err != nil {
		return nil, fmt.Errorf("failed to compute user stats: %w", err)
	}
	stats.AvgOriginalLength = int(avgOrig.Float64)
	stats.AvgRefinedLength = int(avgRefined.Float64)
	return &stats, nil
}

// GlobalStats aggregates all refinements
func (s *sqlStore) GlobalStats(ctx context.Context) (*GlobalStats, error) {
	var stats GlobalStats
	err := s.db.QueryRowContext(ctx, `
		SELECT COUNT(DISTINCT user_id), COUNT(*),
			COALESCE(SUM(CASE WHEN published THEN 1 ELSE 0 END), 0)
		FROM refinements`).
		Scan(&stats.TotalUsers, &stats.TotalRefinements, &stats.TotalPublished)
	if err != nil {
		return nil, fmt.Errorf("failed to compute global stats: %w", err)
	}
	return &stats, nil
}

// RecordActivity inserts one activity row
func (s *sqlStore) RecordActivity(ctx context.Context, a *Activity) error {
	ts := a.Timestamp
	if ts.IsZero() {
		ts = time.Now()
	}
	_, err := s.db.ExecContext(ctx, s.rebind(
		`INSERT INTO activities (service_id, service_name, user_id, timestamp) VALUES (?, ?, ?, ?)`),
		a.ServiceID, a.ServiceName, a.UserID, ts.UTC())
	if err != nil {
		return fmt.Errorf("failed to record activity: %w", err)
	}
	return nil
}

// Ping checks the database connection
func (s *sqlStore) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

// Close closes the database
func (s *sqlStore) Close() error {
	return s.db.Close()
}
