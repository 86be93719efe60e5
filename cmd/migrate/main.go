package main

import (
	"flag"
	"log"
	"os"
	"path/filepath"
	"sort"

	"github.com/petroleumjelliffe/skybot/internal/config"
	"github.com/petroleumjelliffe/skybot/internal/database"
)

func main() {
	dir := flag.String("dir", "migrations", "directory holding *.sql migrations")
	force := flag.Bool("force", false, "re-run migrations that were already applied")
	flag.Parse()

	// Load configuration (supports env vars)
	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("Failed to load config: %v", err)
	}

	// Connect to database (log safe connection string without password)
	log.Printf("Connecting to database: %s", cfg.Database.DatabaseConnStringSafe())
	db, err := database.NewDB(cfg.Database.DatabaseConnString())
	if err != nil {
		log.Fatalf("Failed to connect to database: %v", err)
	}
	defer db.Close()

	log.Println("Running migrations...")

	migrations, err := filepath.Glob(filepath.Join(*dir, "*.sql"))
	if err != nil {
		log.Fatalf("Failed to find migrations: %v", err)
	}
	if len(migrations) == 0 {
		log.Fatalf("No migrations found in %s", *dir)
	}
	sort.Strings(migrations)

	if _, err := db.Exec(`CREATE TABLE IF NOT EXISTS schema_migrations (
		name TEXT PRIMARY KEY,
		applied_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
	)`); err != nil {
		log.Fatalf("Failed to create schema_migrations: %v", err)
	}

	applied := 0
	for _, migration := range migrations {
		name := filepath.Base(migration)

		var done bool
		if err := db.Get(&done, `SELECT EXISTS(SELECT 1 FROM schema_migrations WHERE name = $1)`, name); err != nil {
			log.Fatalf("Failed to check migration %s: %v", name, err)
		}
		if done && !*force {
			continue
		}

		log.Printf("Running migration: %s", name)

		content, err := os.ReadFile(migration)
		if err != nil {
			log.Fatalf("Failed to read migration %s: %v", migration, err)
		}

		tx, err := db.Beginx()
		if err != nil {
			log.Fatalf("Failed to begin transaction: %v", err)
		}
		if _, err := tx.Exec(string(content)); err != nil {
			tx.Rollback()
			log.Fatalf("Failed to execute migration %s: %v", migration, err)
		}
		if _, err := tx.Exec(`INSERT INTO schema_migrations (name) VALUES ($1) ON CONFLICT (name) DO NOTHING`, name); err != nil {
			tx.Rollback()
			log.Fatalf("Failed to record migration %s: %v", name, err)
		}
		if err := tx.Commit(); err != nil {
			log.Fatalf("Failed to commit migration %s: %v", name, err)
		}
		applied++
	}

	log.Printf("Migrations completed successfully! (%d applied, %d up to date)", applied, len(migrations)-applied)
}
