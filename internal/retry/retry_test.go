package retry

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"sync/atomic"
	"testing"
	"time"
)

func quietLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

// recordSleep returns a sleep func that records waits instead of blocking.
func recordSleep(waits *[]time.Duration) func(context.Context, time.Duration) error {
	return func(ctx context.Context, d time.Duration) error {
		*waits = append(*waits, d)
		return ctx.Err()
	}
}

func TestParseWaitTime(t *testing.T) {
	tests := []struct {
		text string
		want time.Duration
	}{
		{"try again in 5 minutes", 300 * time.Second},
		{"try again in 45 seconds", 45 * time.Second},
		{"RATELIMIT: you are doing that too much. try again in 1 minutes.", 60 * time.Second},
		{"something went wrong", 60 * time.Second},
		{"", 60 * time.Second},
		{"in 3 minutes or in 10 seconds", 180 * time.Second},
	}

	for _, tt := range tests {
		t.Run(tt.text, func(t *testing.T) {
			if got := ParseWaitTime(tt.text); got != tt.want {
				t.Errorf("ParseWaitTime(%q) = %v, want %v", tt.text, got, tt.want)
			}
		})
	}
}

func TestIsTargetGone(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want bool
	}{
		{"nil", nil, false},
		{"sentinel", fmt.Errorf("reply: %w", ErrTargetGone), true},
		{"deleted text", errors.New("the post was deleted"), true},
		{"record text", errors.New("API error: 400, body: Could not locate record"), true},
		{"record not found", errors.New("RecordNotFound: record not found"), true},
		{"rate limit", errors.New("rate limited, try again in 5 seconds"), false},
		{"service unavailable", errors.New("API error: 503, body: 503 Service Unavailable"), false},
		{"upstream unavailable", errors.New("upstream unavailable"), false},
		{"page not found", errors.New("404 page not found"), false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := IsTargetGone(tt.err); got != tt.want {
				t.Errorf("IsTargetGone(%v) = %v, want %v", tt.err, got, tt.want)
			}
		})
	}
}

func TestRetrier_SuccessFirstAttempt(t *testing.T) {
	var waits []time.Duration
	r := New(WithSleep(recordSleep(&waits)), WithLogger(quietLogger()))

	var calls atomic.Int32
	err := r.Do(context.Background(), "reply", func(ctx context.Context) error {
		calls.Add(1)
		return nil
	})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if calls.Load() != 1 {
		t.Errorf("expected 1 call, got %d", calls.Load())
	}
	if len(waits) != 0 {
		t.Errorf("expected no waits after success, got %v", waits)
	}
}

func TestRetrier_GivesUpAfterFourAttempts(t *testing.T) {
	var waits []time.Duration
	r := New(WithSleep(recordSleep(&waits)), WithLogger(quietLogger()))

	var calls atomic.Int32
	err := r.Do(context.Background(), "reply", func(ctx context.Context) error {
		calls.Add(1)
		return errors.New("try again in 2 minutes")
	})
	if !errors.Is(err, ErrGaveUp) {
		t.Fatalf("expected ErrGaveUp, got %v", err)
	}
	if calls.Load() != 4 {
		t.Errorf("expected 4 calls, got %d", calls.Load())
	}
	if len(waits) != 3 {
		t.Fatalf("expected 3 waits, got %d", len(waits))
	}
	for _, w := range waits {
		if w != 150*time.Second {
			t.Errorf("expected wait of 150s (120s + margin), got %v", w)
		}
	}
}

func TestRetrier_RetriesServiceUnavailable(t *testing.T) {
	var waits []time.Duration
	r := New(WithSleep(recordSleep(&waits)), WithLogger(quietLogger()))

	var calls atomic.Int32
	err := r.Do(context.Background(), "reply", func(ctx context.Context) error {
		calls.Add(1)
		return errors.New("API error: 503, body: 503 Service Unavailable")
	})
	if errors.Is(err, ErrTargetGone) {
		t.Fatalf("503 treated as a gone target: %v", err)
	}
	if !errors.Is(err, ErrGaveUp) {
		t.Fatalf("expected ErrGaveUp, got %v", err)
	}
	if calls.Load() != 4 {
		t.Errorf("expected 4 calls, got %d", calls.Load())
	}
	if len(waits) != 3 {
		t.Errorf("expected 3 waits, got %d", len(waits))
	}
}

func TestRetrier_DefaultWaitPlusMargin(t *testing.T) {
	var waits []time.Duration
	r := New(WithSleep(recordSleep(&waits)), WithLogger(quietLogger()), WithMaxRetries(1))

	_ = r.Do(context.Background(), "reply", func(ctx context.Context) error {
		return errors.New("connection reset by peer")
	})
	if len(waits) != 1 || waits[0] != 90*time.Second {
		t.Errorf("expected a single 90s wait, got %v", waits)
	}
}

func TestRetrier_TargetGoneNotRetried(t *testing.T) {
	var waits []time.Duration
	r := New(WithSleep(recordSleep(&waits)), WithLogger(quietLogger()))

	var calls atomic.Int32
	err := r.Do(context.Background(), "reply", func(ctx context.Context) error {
		calls.Add(1)
		return errors.New("post has been deleted")
	})
	if !errors.Is(err, ErrTargetGone) {
		t.Fatalf("expected ErrTargetGone, got %v", err)
	}
	if calls.Load() != 1 {
		t.Errorf("expected exactly 1 call, got %d", calls.Load())
	}
	if len(waits) != 0 {
		t.Errorf("expected no waits, got %v", waits)
	}
}

func TestRetrier_SucceedsAfterRateLimit(t *testing.T) {
	var waits []time.Duration
	r := New(WithSleep(recordSleep(&waits)), WithLogger(quietLogger()))

	var calls atomic.Int32
	v, ok, err := Call(context.Background(), r, "lookup", func(ctx context.Context) (string, error) {
		if calls.Add(1) < 3 {
			return "", errors.New("rate limited, try again in 10 seconds")
		}
		return "done", nil
	})
	if err != nil || !ok {
		t.Fatalf("expected success, got ok=%v err=%v", ok, err)
	}
	if v != "done" {
		t.Errorf("expected result 'done', got %q", v)
	}
	if len(waits) != 2 {
		t.Errorf("expected 2 waits, got %d", len(waits))
	}
}

func TestRetrier_CancelledDuringWait(t *testing.T) {
	r := New(WithLogger(quietLogger()), WithDefaultWait(time.Hour))

	ctx, cancel := context.WithCancel(context.Background())
	go func() {
		time.Sleep(20 * time.Millisecond)
		cancel()
	}()

	start := time.Now()
	err := r.Do(ctx, "reply", func(ctx context.Context) error {
		return errors.New("boom")
	})
	if !errors.Is(err, context.Canceled) {
		t.Fatalf("expected context.Canceled, got %v", err)
	}
	if time.Since(start) > 5*time.Second {
		t.Error("cancellation did not interrupt the wait")
	}
}

func TestRetrier_Observer(t *testing.T) {
	var outcomes []string
	r := New(
		WithSleep(func(ctx context.Context, d time.Duration) error { return nil }),
		WithLogger(quietLogger()),
		WithObserver(func(name, outcome string, attempts int) {
			outcomes = append(outcomes, fmt.Sprintf("%s:%s:%d", name, outcome, attempts))
		}),
	)

	_ = r.Do(context.Background(), "a", func(ctx context.Context) error { return nil })
	_ = r.Do(context.Background(), "b", func(ctx context.Context) error { return errors.New("x") })
	_ = r.Do(context.Background(), "c", func(ctx context.Context) error { return ErrTargetGone })

	want := []string{"a:ok:1", "b:gave_up:4", "c:gone:1"}
	if fmt.Sprint(outcomes) != fmt.Sprint(want) {
		t.Errorf("outcomes = %v, want %v", outcomes, want)
	}
}
