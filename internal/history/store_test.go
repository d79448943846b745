package history_test

import (
	"context"
	"fmt"
	"os"
	"testing"

	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/Snehasis4321/language-learning-backend/internal/history"
)

// testDSN returns the test database DSN from the environment, or skips the
// test if TUTOR_TEST_POSTGRES_DSN is not set.
func testDSN(t *testing.T) string {
	t.Helper()
	dsn := os.Getenv("TUTOR_TEST_POSTGRES_DSN")
	if dsn == "" {
		t.Skip("TUTOR_TEST_POSTGRES_DSN not set — skipping PostgreSQL integration tests")
	}
	return dsn
}

// newTestStore creates a fresh [history.Store] with an empty turns table and
// registers cleanup to close it when the test finishes.
func newTestStore(t *testing.T) *history.Store {
	t.Helper()
	ctx := context.Background()
	dsn := testDSN(t)

	pool, err := pgxpool.New(ctx, dsn)
	if err != nil {
		t.Fatalf("create pool: %v", err)
	}
	t.Cleanup(pool.Close)
	if _, err := pool.Exec(ctx, "DROP TABLE IF EXISTS turns"); err != nil {
		t.Fatalf("drop turns: %v", err)
	}

	store, err := history.NewStore(ctx, dsn)
	if err != nil {
		t.Fatalf("NewStore: %v", err)
	}
	t.Cleanup(store.Close)
	return store
}

func TestRoomArchive_ArchiveAndRecent(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	room := store.Room("room-1")
	other := store.Room("room-2")

	if err := room.ArchiveTurn(ctx, "I want to visit Paris", "Paris is a lovely choice!"); err != nil {
		t.Fatalf("ArchiveTurn: %v", err)
	}
	if err := room.ArchiveTurn(ctx, "How do I order coffee?", "You can say: un café, s'il vous plaît."); err != nil {
		t.Fatalf("ArchiveTurn: %v", err)
	}
	if err := other.ArchiveTurn(ctx, "unrelated", "reply"); err != nil {
		t.Fatalf("ArchiveTurn other room: %v", err)
	}

	turns, err := room.Recent(ctx, 10)
	if err != nil {
		t.Fatalf("Recent: %v", err)
	}
	if len(turns) != 2 {
		t.Fatalf("len(turns) = %d, want 2", len(turns))
	}
	if turns[0].Utterance != "I want to visit Paris" {
		t.Errorf("turns[0].Utterance = %q, want oldest first", turns[0].Utterance)
	}
	if turns[1].Reply != "You can say: un café, s'il vous plaît." {
		t.Errorf("turns[1].Reply = %q", turns[1].Reply)
	}
	for _, tn := range turns {
		if tn.RoomID != "room-1" {
			t.Errorf("RoomID = %q, want room-1", tn.RoomID)
		}
		if tn.CreatedAt.IsZero() {
			t.Error("CreatedAt not populated")
		}
	}
}

func TestRoomArchive_RecentHonoursLimit(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	room := store.Room("room-1")
	for i := 0; i < 5; i++ {
		if err := room.ArchiveTurn(ctx, fmt.Sprintf("utterance %d", i), fmt.Sprintf("reply %d", i)); err != nil {
			t.Fatalf("ArchiveTurn %d: %v", i, err)
		}
	}

	turns, err := room.Recent(ctx, 2)
	if err != nil {
		t.Fatalf("Recent: %v", err)
	}
	if len(turns) != 2 {
		t.Fatalf("len(turns) = %d, want 2", len(turns))
	}
	// The limit keeps the newest turns, still ordered oldest first.
	if turns[0].Utterance != "utterance 3" || turns[1].Utterance != "utterance 4" {
		t.Errorf("turns = [%q, %q], want the two newest", turns[0].Utterance, turns[1].Utterance)
	}
}

func TestRoomArchive_RecentEmptyRoom(t *testing.T) {
	store := newTestStore(t)

	turns, err := store.Room("empty-room").Recent(context.Background(), 10)
	if err != nil {
		t.Fatalf("Recent: %v", err)
	}
	if turns == nil {
		t.Fatal("turns is nil, want empty non-nil slice")
	}
	if len(turns) != 0 {
		t.Fatalf("len(turns) = %d, want 0", len(turns))
	}
}

func TestNewStore_BadDSN(t *testing.T) {
	_, err := history.NewStore(context.Background(), "not a dsn")
	if err == nil {
		t.Fatal("NewStore succeeded with malformed DSN")
	}
}
