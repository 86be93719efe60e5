package main

import (
	"context"
	"flag"
	"log"
	"time"

	"github.com/petroleumjelliffe/skybot/internal/config"
	"github.com/petroleumjelliffe/skybot/internal/database"
	"github.com/petroleumjelliffe/skybot/internal/maintenance"
)

func main() {
	dryRun := flag.Bool("dry-run", false, "report what would be pruned without deleting")
	retention := flag.Int("retention-hours", 0, "override ledger.ttl_hours")
	flag.Parse()

	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("Failed to load config: %v", err)
	}
	if cfg.Ledger.Backend != config.LedgerPostgres {
		log.Fatalf("Janitor only cleans the postgres ledger (backend is %q)", cfg.Ledger.Backend)
	}

	hours := cfg.Ledger.TTLHours
	if *retention > 0 {
		hours = *retention
	}

	// Initialize database
	log.Printf("Connecting to database: %s", cfg.Database.DatabaseConnStringSafe())
	db, err := database.NewDB(cfg.Database.DatabaseConnString())
	if err != nil {
		log.Fatalf("Failed to connect to database: %v", err)
	}
	defer db.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Minute)
	defer cancel()

	log.Printf("[INFO] Starting ledger cleanup (retention %dh)...", hours)

	if *dryRun {
		log.Printf("[INFO] DRY RUN MODE - No changes will be made")
		cutoff := time.Now().Add(-time.Duration(hours) * time.Hour)
		n, err := db.CountHandledBefore(ctx, cutoff)
		if err != nil {
			log.Fatalf("Failed to count handled items: %v", err)
		}
		log.Printf("[INFO] Would prune %d handled items", n)
	} else {
		n, err := maintenance.PeriodicCleanup(ctx, db, maintenance.Config{RetentionHours: hours})
		if err != nil {
			log.Fatalf("Failed to prune handled items: %v", err)
		}
		log.Printf("[INFO] Pruned %d handled items", n)
	}

	// Report stream positions for diagnostics
	states, err := db.ListStreamStates(ctx)
	if err != nil {
		log.Fatalf("Failed to list stream state: %v", err)
	}
	for _, st := range states {
		last := time.UnixMicro(st.CursorTimeUS).UTC()
		log.Printf("[INFO] %s: last event %s, %d restarts, updated %s",
			st.Name, last.Format(time.RFC3339), st.Restarts, st.LastUpdated.Format(time.RFC3339))
	}

	log.Printf("[INFO] Ledger cleanup complete!")
}
