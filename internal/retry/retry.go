// Package retry wraps outgoing remote actions with rate-limit aware retries.
//
// Remote services report throttling in the error text ("try again in 5
// minutes"). The Retrier parses that hint, waits it out plus a safety margin,
// and tries again a bounded number of times. Errors that say the target is
// gone are never retried.
package retry

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"regexp"
	"strconv"
	"time"
)

var (
	// ErrGaveUp is returned when every attempt failed. Callers should treat
	// the action as skipped, not as a fatal condition.
	ErrGaveUp = errors.New("retry: gave up after repeated failures")

	// ErrTargetGone marks errors about a target that no longer exists.
	ErrTargetGone = errors.New("retry: target deleted or unavailable")
)

const (
	DefaultMaxRetries = 3
	DefaultMargin     = 30 * time.Second
	DefaultWait       = 60 * time.Second
)

var (
	waitPattern = regexp.MustCompile(`in (\d+) (minutes|seconds)`)
	// Only phrases naming a missing record; a bare "unavailable" is a
	// transient service error and must be retried.
	gonePattern = regexp.MustCompile(`(?i)(deleted|could not locate record|record not found|does not exist)`)
)

// ParseWaitTime extracts the suggested wait from a rate limit message.
// Text without a hint yields DefaultWait.
func ParseWaitTime(text string) time.Duration {
	return parseWait(text, DefaultWait)
}

func parseWait(text string, fallback time.Duration) time.Duration {
	m := waitPattern.FindStringSubmatch(text)
	if m == nil {
		return fallback
	}
	n, err := strconv.Atoi(m[1])
	if err != nil {
		return fallback
	}
	if m[2] == "minutes" {
		return time.Duration(n) * time.Minute
	}
	return time.Duration(n) * time.Second
}

// IsTargetGone reports whether err says the target resource no longer exists.
func IsTargetGone(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, ErrTargetGone) {
		return true
	}
	return gonePattern.MatchString(err.Error())
}

// Option configures a Retrier.
type Option func(*Retrier)

// WithMaxRetries sets how many retries follow the initial attempt.
func WithMaxRetries(n int) Option {
	return func(r *Retrier) {
		if n >= 0 {
			r.maxRetries = n
		}
	}
}

// WithMargin sets the delay added on top of the parsed wait.
func WithMargin(d time.Duration) Option {
	return func(r *Retrier) {
		if d >= 0 {
			r.margin = d
		}
	}
}

// WithDefaultWait sets the wait used when the error carries no hint.
func WithDefaultWait(d time.Duration) Option {
	return func(r *Retrier) {
		if d > 0 {
			r.defaultWait = d
		}
	}
}

// WithSleep replaces the context-aware sleep between attempts.
func WithSleep(fn func(ctx context.Context, d time.Duration) error) Option {
	return func(r *Retrier) {
		if fn != nil {
			r.sleep = fn
		}
	}
}

// WithLogger sets the logger used for retry warnings.
func WithLogger(logger *slog.Logger) Option {
	return func(r *Retrier) {
		if logger != nil {
			r.logger = logger
		}
	}
}

// WithObserver registers a callback invoked with the outcome of every call:
// "ok", "gone", "gave_up" or "cancelled".
func WithObserver(fn func(name, outcome string, attempts int)) Option {
	return func(r *Retrier) {
		r.observe = fn
	}
}

// Retrier retries fallible remote actions. It is safe for concurrent use;
// each call keeps its own attempt state.
type Retrier struct {
	maxRetries  int
	margin      time.Duration
	defaultWait time.Duration
	sleep       func(ctx context.Context, d time.Duration) error
	logger      *slog.Logger
	observe     func(name, outcome string, attempts int)
}

// New creates a Retrier with the default policy: 3 retries, parsed wait
// plus 30 seconds, 60 seconds when nothing can be parsed.
func New(opts ...Option) *Retrier {
	r := &Retrier{
		maxRetries:  DefaultMaxRetries,
		margin:      DefaultMargin,
		defaultWait: DefaultWait,
		sleep:       Sleep,
		logger:      slog.Default(),
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// state is the per-call retry bookkeeping.
type state struct {
	attempts int
	lastErr  error
	nextWait time.Duration
}

// Do runs op until it succeeds, the target is gone, or the retries are
// exhausted. name identifies the action in logs.
func (r *Retrier) Do(ctx context.Context, name string, op func(ctx context.Context) error) error {
	var st state
	for {
		err := op(ctx)
		st.attempts++
		if err == nil {
			r.report(name, "ok", st.attempts)
			return nil
		}
		st.lastErr = err

		if IsTargetGone(err) {
			r.logger.Warn("Target gone, not retrying", "action", name, "error", err)
			r.report(name, "gone", st.attempts)
			if errors.Is(err, ErrTargetGone) {
				return err
			}
			return fmt.Errorf("%s: %w: %v", name, ErrTargetGone, err)
		}

		if st.attempts > r.maxRetries {
			r.logger.Error("Retried without success, skipping action",
				"action", name, "attempts", st.attempts, "error", st.lastErr)
			r.report(name, "gave_up", st.attempts)
			return fmt.Errorf("%s: %w: %v", name, ErrGaveUp, st.lastErr)
		}

		st.nextWait = parseWait(err.Error(), r.defaultWait) + r.margin
		r.logger.Warn("Action failed, waiting before retry",
			"action", name, "attempt", st.attempts, "wait", st.nextWait, "error", err)

		if err := r.sleep(ctx, st.nextWait); err != nil {
			r.report(name, "cancelled", st.attempts)
			return err
		}
	}
}

func (r *Retrier) report(name, outcome string, attempts int) {
	if r.observe != nil {
		r.observe(name, outcome, attempts)
	}
}

// Call is Do for operations that produce a value. ok is false when no
// result was produced.
func Call[T any](ctx context.Context, r *Retrier, name string, op func(ctx context.Context) (T, error)) (result T, ok bool, err error) {
	err = r.Do(ctx, name, func(ctx context.Context) error {
		v, err := op(ctx)
		if err != nil {
			return err
		}
		result = v
		return nil
	})
	if err != nil {
		var zero T
		return zero, false, err
	}
	return result, true, nil
}

// Sleep waits for d or until ctx is done.
func Sleep(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}
