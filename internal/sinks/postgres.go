package sinks

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/lib/pq"

	"github.com/dj-oyu/home-monitor/internal/monitor"
)

const (
	querySchema = `
CREATE TABLE IF NOT EXISTS events (
	id     TEXT PRIMARY KEY,
	ts     TIMESTAMPTZ NOT NULL,
	labels TEXT[] NOT NULL
);
CREATE INDEX IF NOT EXISTS events_ts_idx ON events (ts);`

	queryInsertEvent = `
INSERT INTO events (id, ts, labels) VALUES ($1, $2, $3)
ON CONFLICT (id) DO NOTHING`

	queryRecentEvents = `
SELECT id, ts, labels FROM (
	SELECT id, ts, labels FROM events
	WHERE ts >= $1
	ORDER BY ts DESC
	LIMIT $2
) recent ORDER BY ts ASC`
)

// PostgresStore archives every window and seeds the in-memory log at start-up.
type PostgresStore struct {
	db *sql.DB
}

// NewPostgresStore wraps an open database.
func NewPostgresStore(db *sql.DB) *PostgresStore {
	return &PostgresStore{db: db}
}

// OpenPostgres opens dsn with the lib/pq driver, pings it and creates the schema.
func OpenPostgres(ctx context.Context, dsn string) (*PostgresStore, error) {
	db, err := sql.Open("postgres", dsn)
	if err != nil {
		return nil, fmt.Errorf("open postgres: %w", err)
	}
	db.SetMaxOpenConns(4)
	db.SetConnMaxIdleTime(5 * time.Minute)

	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("ping postgres: %w", err)
	}
	s := NewPostgresStore(db)
	if err := s.EnsureSchema(ctx); err != nil {
		db.Close()
		return nil, err
	}
	return s, nil
}

// EnsureSchema creates the events table if needed.
func (s *PostgresStore) EnsureSchema(ctx context.Context) error {
	if _, err := s.db.ExecContext(ctx, querySchema); err != nil {
		return fmt.Errorf("create events schema: %w", err)
	}
	return nil
}

func (s *PostgresStore) Name() string { return "postgres" }

// Deliver archives the window's event. Empty windows are archived too.
func (s *PostgresStore) Deliver(ctx context.Context, msg Message) error {
	return s.Insert(ctx, msg.Event())
}

// Insert stores e, ignoring duplicates.
func (s *PostgresStore) Insert(ctx context.Context, e monitor.Event) error {
	labels := e.Labels
	if labels == nil {
		labels = []string{}
	}
	if _, err := s.db.ExecContext(ctx, queryInsertEvent, e.ID, e.Timestamp, pq.Array(labels)); err != nil {
		return fmt.Errorf("insert event %s: %w", e.ID, err)
	}
	return nil
}

// Recent returns up to limit events at or after since, oldest first.
func (s *PostgresStore) Recent(ctx context.Context, since time.Time, limit int) ([]monitor.Event, error) {
	rows, err := s.db.QueryContext(ctx, queryRecentEvents, since, limit)
	if err != nil {
		return nil, fmt.Errorf("query recent events: %w", err)
	}
	defer rows.Close()

	var events []monitor.Event
	for rows.Next() {
		var (
			id     string
			ts     time.Time
			labels []string
		)
		if err := rows.Scan(&id, &ts, pq.Array(&labels)); err != nil {
			return nil, fmt.Errorf("scan event: %w", err)
		}
		events = append(events, monitor.NewEvent(id, ts, labels))
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate events: %w", err)
	}
	return events, nil
}

// Close closes the database.
func (s *PostgresStore) Close() error {
	return s.db.Close()
}
