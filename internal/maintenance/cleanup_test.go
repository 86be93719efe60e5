package maintenance

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/petroleumjelliffe/skybot/internal/ledger"
)

type failingPruner struct{}

func (failingPruner) PruneHandled(context.Context, time.Time) (int64, error) {
	return 0, errors.New("db down")
}

func TestStartupCleanup(t *testing.T) {
	m := ledger.NewMemory(0)
	ctx := context.Background()
	m.MarkHandled(ctx, "k", "comments")

	// Nothing is older than 24h yet.
	if err := StartupCleanup(ctx, m, Config{RetentionHours: 24}); err != nil {
		t.Fatal(err)
	}
	if m.Len() != 1 {
		t.Errorf("fresh claim was pruned")
	}

	if err := StartupCleanup(ctx, failingPruner{}, Config{RetentionHours: 24}); err == nil {
		t.Error("expected prune error")
	}
}

func TestPeriodicCleanupUsesRetention(t *testing.T) {
	m := ledger.NewMemory(0)
	ctx := context.Background()
	m.MarkHandled(ctx, "k", "comments")

	// A negative retention puts the cutoff in the future.
	n, err := PeriodicCleanup(ctx, m, Config{RetentionHours: -1})
	if err != nil || n != 1 {
		t.Fatalf("expected 1 pruned, got %d (%v)", n, err)
	}
}

func TestCleanupTickerStopsWithContext(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	done := StartCleanupTicker(ctx, ledger.NewMemory(0), Config{RetentionHours: 1, CleanupIntervalMin: 60})
	cancel()

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("cleanup ticker did not stop")
	}
}

func TestCleanupTickerDisabled(t *testing.T) {
	done := StartCleanupTicker(context.Background(), ledger.NewMemory(0), Config{})
	select {
	case <-done:
	default:
		t.Fatal("disabled ticker should report done immediately")
	}
}
