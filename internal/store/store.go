// Package store archives finished voice turns to Postgres. The voice core
// hands turns to the caller and forgets them; this is the caller side that
// keeps them.
package store

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5/pgxpool"
)

// Turn is one archived conversation turn.
type Turn struct {
	SessionID     uuid.UUID
	TripID        string
	UserText      string
	AssistantText string
	Reason        string
	CreatedAt     time.Time
}

// Store is a Postgres-backed turn archive.
type Store struct {
	pool *pgxpool.Pool
}

// Open connects to the archive database and verifies the connection.
func Open(ctx context.Context, dsn string) (*Store, error) {
	cfg, err := pgxpool.ParseConfig(dsn)
	if err != nil {
		return nil, fmt.Errorf("store: parse dsn: %w", err)
	}
	// The archive is a single writer; a large pool buys nothing.
	cfg.MaxConns = 4

	pool, err := pgxpool.NewWithConfig(ctx, cfg)
	if err != nil {
		return nil, fmt.Errorf("store: connect: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("store: ping: %w", err)
	}
	return &Store{pool: pool}, nil
}

// Close releases the connection pool.
func (s *Store) Close() {
	s.pool.Close()
}

// ArchiveTurn inserts one finished turn.
func (s *Store) ArchiveTurn(ctx context.Context, turn Turn) error {
	_, err := s.pool.Exec(ctx, `
		insert into voice_turns (id, session_id, trip_id, user_text, assistant_text, reason)
		values ($1, $2, $3, $4, $5, $6)`,
		uuid.New(), turn.SessionID, turn.TripID, turn.UserText, turn.AssistantText, turn.Reason)
	if err != nil {
		return fmt.Errorf("store: archive turn: %w", err)
	}
	return nil
}

// RecentTurns returns the latest archived turns for a trip, newest first.
func (s *Store) RecentTurns(ctx context.Context, tripID string, limit int) ([]Turn, error) {
	if limit <= 0 {
		limit = 20
	}
	rows, err := s.pool.Query(ctx, `
		select session_id, trip_id, user_text, assistant_text, reason, created_at
		from voice_turns
		where trip_id = $1
		order by created_at desc
		limit $2`, tripID, limit)
	if err != nil {
		return nil, fmt.Errorf("store: query turns: %w", err)
	}
	defer rows.Close()

	var turns []Turn
	for rows.Next() {
		var t Turn
		err := rows.Scan(&t.SessionID, &t.TripID, &t.UserText, &t.AssistantText, &t.Reason, &t.CreatedAt)
		if err != nil {
			return nil, fmt.Errorf("store: scan turn: %w", err)
		}
		turns = append(turns, t)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("store: read turns: %w", err)
	}
	return turns, nil
}
