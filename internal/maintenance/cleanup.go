// Package maintenance provides ledger cleanup procedures.
package maintenance

import (
	"context"
	"fmt"
	"log"
	"time"
)

// Pruner deletes ledger entries older than a cutoff
type Pruner interface {
	PruneHandled(ctx context.Context, cutoff time.Time) (int64, error)
}

// Config holds cleanup configuration
type Config struct {
	RetentionHours     int // How long to remember handled items
	CleanupIntervalMin int // How often to run periodic cleanup
}

// StartupCleanup prunes expired ledger entries on service startup
func StartupCleanup(ctx context.Context, p Pruner, config Config) error {
	log.Println("[STARTUP] Running cleanup procedures...")
	startTime := time.Now()

	cutoff := startTime.Add(-time.Duration(config.RetentionHours) * time.Hour)
	log.Printf("[STARTUP] Cutoff time: %v (%dh ago)", cutoff, config.RetentionHours)

	deleted, err := p.PruneHandled(ctx, cutoff)
	if err != nil {
		return fmt.Errorf("failed to prune handled items: %w", err)
	}

	log.Printf("[STARTUP] Pruned %d handled items in %v", deleted, time.Since(startTime))
	return nil
}

// PeriodicCleanup runs one cleanup pass during service operation
func PeriodicCleanup(ctx context.Context, p Pruner, config Config) (int64, error) {
	cutoff := time.Now().Add(-time.Duration(config.RetentionHours) * time.Hour)

	deleted, err := p.PruneHandled(ctx, cutoff)
	if err != nil {
		return 0, fmt.Errorf("failed to prune handled items: %w", err)
	}
	return deleted, nil
}

// StartCleanupTicker runs periodic cleanup in the background until ctx is
// done. It returns a channel closed when the goroutine exits.
func StartCleanupTicker(ctx context.Context, p Pruner, config Config) <-chan struct{} {
	done := make(chan struct{})
	if config.CleanupIntervalMin <= 0 || config.RetentionHours <= 0 {
		log.Println("[CLEANUP] Periodic cleanup disabled")
		close(done)
		return done
	}

	interval := time.Duration(config.CleanupIntervalMin) * time.Minute
	ticker := time.NewTicker(interval)

	go func() {
		defer close(done)
		defer ticker.Stop()

		log.Printf("[CLEANUP] Started periodic cleanup (interval: %v)", interval)
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				startTime := time.Now()
				deleted, err := PeriodicCleanup(ctx, p, config)
				if err != nil {
					log.Printf("[CLEANUP] Error: %v", err)
					continue
				}
				log.Printf("[CLEANUP] Pruned %d handled items in %v", deleted, time.Since(startTime))
			}
		}
	}()
	return done
}
