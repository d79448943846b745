// Package history provides the optional PostgreSQL-backed archive of
// completed tutoring turns.
//
// Archiving is off the hot path: the turn handler writes turns through
// [RoomArchive.ArchiveTurn] on a background goroutine, so a slow or
// unavailable database never delays spoken replies. The store is only
// constructed when a Postgres DSN is configured; without one, sessions run
// with conversation context held purely in memory.
package history

import (
	"context"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/Snehasis4321/language-learning-backend/internal/tutor"
)

// Compile-time interface check: a RoomArchive plugs straight into the turn
// handler's archiving hook.
var _ tutor.Archiver = (*RoomArchive)(nil)

const ddlTurns = `
CREATE TABLE IF NOT EXISTS turns (
    id          BIGSERIAL    PRIMARY KEY,
    room_id     TEXT         NOT NULL,
    utterance   TEXT         NOT NULL,
    reply       TEXT         NOT NULL,
    created_at  TIMESTAMPTZ  NOT NULL DEFAULT now()
);

CREATE INDEX IF NOT EXISTS idx_turns_room_id
    ON turns (room_id);

CREATE INDEX IF NOT EXISTS idx_turns_room_created
    ON turns (room_id, created_at);
`

// Store is the PostgreSQL-backed turn archive. It holds a single
// [pgxpool.Pool]; obtain per-room writers via [Store.Room].
//
// All operations are safe for concurrent use.
type Store struct {
	pool *pgxpool.Pool
}

// NewStore establishes a connection pool to the PostgreSQL database at dsn
// and runs [Migrate] to ensure the turns table exists.
func NewStore(ctx context.Context, dsn string) (*Store, error) {
	pool, err := pgxpool.New(ctx, dsn)
	if err != nil {
		return nil, fmt.Errorf("history: create pool: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("history: ping: %w", err)
	}
	if err := Migrate(ctx, pool); err != nil {
		pool.Close()
		return nil, fmt.Errorf("history: migrate: %w", err)
	}
	return &Store{pool: pool}, nil
}

// Migrate creates the turns table and its indexes if they do not exist. It is
// idempotent and safe to call on every application start.
func Migrate(ctx context.Context, pool *pgxpool.Pool) error {
	if _, err := pool.Exec(ctx, ddlTurns); err != nil {
		return fmt.Errorf("history migrate: %w", err)
	}
	return nil
}

// Room returns a [RoomArchive] scoped to roomID, sharing the store's pool.
func (s *Store) Room(roomID string) *RoomArchive {
	return &RoomArchive{pool: s.pool, roomID: roomID}
}

// Close releases all connections held by the underlying pool. Typically
// called via defer when the store is no longer needed.
func (s *Store) Close() {
	s.pool.Close()
}

// Turn is one archived exchange: what the learner said and what the tutor
// answered.
type Turn struct {
	RoomID    string
	Utterance string
	Reply     string
	CreatedAt time.Time
}

// RoomArchive writes and reads turns for a single room. Obtain one via
// [Store.Room]. All methods are safe for concurrent use.
type RoomArchive struct {
	pool   *pgxpool.Pool
	roomID string
}

// ArchiveTurn appends one completed turn to the turns table.
func (a *RoomArchive) ArchiveTurn(ctx context.Context, utterance, reply string) error {
	const q = `
		INSERT INTO turns (room_id, utterance, reply)
		VALUES ($1, $2, $3)`

	if _, err := a.pool.Exec(ctx, q, a.roomID, utterance, reply); err != nil {
		return fmt.Errorf("history: archive turn: %w", err)
	}
	return nil
}

// Recent returns up to limit of the room's most recent turns, ordered
// chronologically (oldest first).
func (a *RoomArchive) Recent(ctx context.Context, limit int) ([]Turn, error) {
	const q = `
		SELECT room_id, utterance, reply, created_at
		FROM   (SELECT id, room_id, utterance, reply, created_at
		        FROM   turns
		        WHERE  room_id = $1
		        ORDER  BY id DESC
		        LIMIT  $2) latest
		ORDER  BY id`

	rows, err := a.pool.Query(ctx, q, a.roomID, limit)
	if err != nil {
		return nil, fmt.Errorf("history: recent turns: %w", err)
	}
	turns, err := pgx.CollectRows(rows, func(row pgx.CollectableRow) (Turn, error) {
		var tn Turn
		err := row.Scan(&tn.RoomID, &tn.Utterance, &tn.Reply, &tn.CreatedAt)
		return tn, err
	})
	if err != nil {
		return nil, fmt.Errorf("history: scan turns: %w", err)
	}
	if turns == nil {
		turns = []Turn{}
	}
	return turns, nil
}
