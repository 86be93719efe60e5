package database

import (
	"context"
	"os"
	"testing"
	"time"

	"github.com/google/uuid"
)

// openTestDB connects to SKYBOT_TEST_DATABASE_URL and creates the tables.
func openTestDB(t *testing.T) *DB {
	t.Helper()
	dsn := os.Getenv("SKYBOT_TEST_DATABASE_URL")
	if dsn == "" {
		t.Skip("SKYBOT_TEST_DATABASE_URL not set")
	}

	db, err := NewDB(dsn)
	if err != nil {
		t.Fatalf("NewDB: %v", err)
	}
	t.Cleanup(func() { db.Close() })

	schema, err := os.ReadFile("../../migrations/001_ledger.sql")
	if err != nil {
		t.Fatal(err)
	}
	if _, err := db.Exec(string(schema)); err != nil {
		t.Fatalf("apply schema: %v", err)
	}
	return db
}

func TestMarkHandled(t *testing.T) {
	db := openTestDB(t)
	ctx := context.Background()
	key := "at://did:plc:test/app.bsky.feed.post/" + uuid.NewString()

	won, err := db.MarkHandled(ctx, key, "comments")
	if err != nil || !won {
		t.Fatalf("first MarkHandled: won=%v err=%v", won, err)
	}
	won, err = db.MarkHandled(ctx, key, "comments")
	if err != nil || won {
		t.Fatalf("second MarkHandled: won=%v err=%v", won, err)
	}

	handled, err := db.IsHandled(ctx, key)
	if err != nil || !handled {
		t.Fatalf("IsHandled: %v %v", handled, err)
	}

	if err := db.Forget(ctx, key); err != nil {
		t.Fatal(err)
	}
	if handled, _ := db.IsHandled(ctx, key); handled {
		t.Error("key still handled after Forget")
	}
}

func TestPruneHandled(t *testing.T) {
	db := openTestDB(t)
	ctx := context.Background()
	key := "prune-" + uuid.NewString()

	if _, err := db.MarkHandled(ctx, key, "submissions"); err != nil {
		t.Fatal(err)
	}
	if _, err := db.PruneHandled(ctx, time.Now().Add(time.Minute)); err != nil {
		t.Fatal(err)
	}
	if handled, _ := db.IsHandled(ctx, key); handled {
		t.Error("key survived prune")
	}
}

func TestStreamState(t *testing.T) {
	db := openTestDB(t)
	ctx := context.Background()
	name := "listener-" + uuid.NewString()

	state, err := db.GetStreamState(ctx, name)
	if err != nil || state != nil {
		t.Fatalf("expected no state, got %+v (%v)", state, err)
	}

	if err := db.UpdateStreamState(ctx, name, 1700000000000000, 2); err != nil {
		t.Fatal(err)
	}
	state, err = db.GetStreamState(ctx, name)
	if err != nil || state == nil {
		t.Fatalf("GetStreamState: %+v %v", state, err)
	}
	if state.CursorTimeUS != 1700000000000000 || state.Restarts != 2 {
		t.Errorf("unexpected state %+v", state)
	}
}
