package main

import (
	"context"
	"fmt"
	"log"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/petroleumjelliffe/skybot/internal/bluesky"
	"github.com/petroleumjelliffe/skybot/internal/bot"
	"github.com/petroleumjelliffe/skybot/internal/config"
	"github.com/petroleumjelliffe/skybot/internal/database"
	"github.com/petroleumjelliffe/skybot/internal/didmanager"
	"github.com/petroleumjelliffe/skybot/internal/jetstream"
	"github.com/petroleumjelliffe/skybot/internal/ledger"
	"github.com/petroleumjelliffe/skybot/internal/maintenance"
	"github.com/petroleumjelliffe/skybot/internal/metrics"
	"github.com/petroleumjelliffe/skybot/internal/processor"
	"github.com/petroleumjelliffe/skybot/internal/retry"
	"github.com/petroleumjelliffe/skybot/internal/scraper"
	"github.com/petroleumjelliffe/skybot/internal/server"
)

// pipeline is one enabled kind with its source and processor, kept for stats
type pipeline struct {
	kind   bot.Kind
	source *jetstream.Source
	proc   *processor.Processor
}

func main() {
	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("Failed to load config: %v", err)
	}
	if err := cfg.Validate(); err != nil {
		log.Fatalf("Invalid config: %v", err)
	}

	// Create context with cancellation
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// Handle shutdown signals
	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)

	go func() {
		<-sigChan
		log.Printf("[INFO] Shutdown signal received, stopping...")
		cancel()
	}()

	log.Printf("[INFO] Starting %s...", cfg.Bot.Name)

	client, err := bluesky.NewClient(ctx, cfg.Bluesky.Handle, cfg.Bluesky.Password, bluesky.Options{
		BaseURL:          cfg.Bluesky.PDSURL,
		ActionsPerSecond: cfg.Bluesky.ActionsPerSecond,
	})
	if err != nil {
		log.Fatalf("Failed to authenticate as %s: %v", cfg.Bluesky.Handle, err)
	}
	botDID := client.GetDID()
	log.Printf("[INFO] Authenticated as %s (%s)", cfg.Bluesky.Handle, botDID)

	// Ledger backend
	var (
		l      ledger.Ledger
		pruner maintenance.Pruner
		db     *database.DB
	)
	switch cfg.Ledger.Backend {
	case config.LedgerPostgres:
		log.Printf("[INFO] Connecting to database: %s", cfg.Database.DatabaseConnStringSafe())
		db, err = database.NewDB(cfg.Database.DatabaseConnString())
		if err != nil {
			log.Fatalf("Failed to connect to database: %v", err)
		}
		defer db.Close()
		l, pruner = db, db
	case config.LedgerRedis:
		r, err := ledger.NewRedis(ctx, ledger.RedisOptions{
			Addr:     cfg.Ledger.RedisAddr,
			Password: cfg.Ledger.RedisPassword,
			DB:       cfg.Ledger.RedisDB,
			Prefix:   cfg.Bot.Name + ":handled:",
			TTL:      cfg.Ledger.TTL(),
		})
		if err != nil {
			log.Fatalf("Failed to connect to redis: %v", err)
		}
		defer r.Close()
		l = r
	default:
		m := ledger.NewMemory(cfg.Ledger.TTL())
		l, pruner = m, m
	}
	log.Printf("[INFO] Using %s ledger", cfg.Ledger.Backend)

	if pruner != nil {
		cleanupCfg := maintenance.Config{
			RetentionHours:     cfg.Ledger.TTLHours,
			CleanupIntervalMin: cfg.Ledger.CleanupIntervalMin,
		}
		if err := maintenance.StartupCleanup(ctx, pruner, cleanupCfg); err != nil {
			log.Printf("[WARN] Startup cleanup failed: %v", err)
		}
		maintenance.StartCleanupTicker(ctx, pruner, cleanupCfg)
	}

	exporter, err := metrics.NewExporter("skybot", nil, metrics.ExporterOptions{})
	if err != nil {
		log.Fatalf("Failed to register metrics: %v", err)
	}

	retrier := retry.New(
		retry.WithMaxRetries(cfg.Bot.MaxRetries),
		retry.WithObserver(exporter.RetryOutcome),
	)
	pages := scraper.NewScraper(scraper.Options{})

	// Resolve channel handles to DIDs
	channels := didmanager.NewManager(client)
	if err := channels.Load(ctx, cfg.Jetstream.Channels); err != nil {
		log.Fatalf("Failed to load channels: %v", err)
	}

	jsCfg := jetstream.Config{
		WebsocketURL: cfg.Jetstream.URL,
		Compress:     cfg.Jetstream.Compress,
		WantedDIDs:   channels.GetDIDs(),
	}
	if channels.Count() > 0 {
		log.Printf("[INFO] Filtering to %d channels", channels.Count())
	} else {
		log.Printf("[INFO] No channels configured, listening to the whole network")
	}

	var (
		pipelines []pipeline
		opts      []bot.Option
	)
	addPipeline := func(kind bot.Kind, filter jetstream.Filter) {
		src := jetstream.NewSource(jsCfg, jetstream.NotFrom(botDID, filter), slog.Default())
		proc, err := processor.NewProcessor(processor.Config{
			Kind:     kind,
			MaxDepth: cfg.Bot.MaxReplyDepth,
		}, client, pages, l, retrier, client)
		if err != nil {
			log.Fatalf("Failed to create %s processor: %v", kind, err)
		}
		pipelines = append(pipelines, pipeline{kind: kind, source: src, proc: proc})
		opts = append(opts, bot.WithPipeline[*jetstream.Post](kind, src, proc.HandlePost))
	}
	if cfg.Bot.Comments {
		addPipeline(bot.KindComments, jetstream.Comments)
	}
	if cfg.Bot.Submissions {
		addPipeline(bot.KindSubmissions, jetstream.Submissions)
	}

	b, err := bot.New(bot.Config{
		Name:          cfg.Bot.Name,
		Workers:       cfg.Bot.Workers,
		QueueCapacity: cfg.Bot.QueueCapacity,
		Backoff:       cfg.Bot.RestartBackoff(),
		FailFast:      cfg.Bot.FailFast,
		Metrics:       exporter,
	}, opts...)
	if err != nil {
		log.Fatalf("Failed to create bot: %v", err)
	}

	if err := b.Start(ctx); err != nil {
		log.Fatalf("Failed to start bot: %v", err)
	}

	srvOpts := server.Options{Addr: cfg.Server.Addr(), Bot: b}
	if db != nil {
		srvOpts.Handled = db
	}
	srv := server.New(srvOpts)
	go func() {
		if err := srv.ListenAndServe(ctx); err != nil {
			log.Printf("[ERROR] HTTP server failed: %v", err)
		}
	}()

	// Start stats reporter
	go func() {
		ticker := time.NewTicker(30 * time.Second)
		defer ticker.Stop()

		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				reportStats(ctx, b, pipelines, db)
			}
		}
	}()

	<-ctx.Done()
	if err := b.Stop(); err != nil {
		log.Printf("[ERROR] Bot stopped with error: %v", err)
	}
	log.Printf("[INFO] %s stopped", cfg.Bot.Name)
}

// reportStats logs one line per pipeline and records the stream position
func reportStats(ctx context.Context, b *bot.Bot, pipelines []pipeline, db *database.DB) {
	stats := b.Stats()
	for i, p := range pipelines {
		bytes, events, delivered := p.source.Stats()
		ps := p.proc.Stats()
		st := stats[i]

		log.Printf("[STATS] %s: state=%s restarts=%d queued=%d/%d handled=%d failed=%d dropped=%d",
			p.kind, st.State, st.Restarts, st.Pool.Queued, st.Pool.Capacity, st.Pool.Handled, st.Pool.Failed, st.Pool.Dropped)
		log.Printf("[STATS] %s: events=%d bytes=%s delivered=%d replied=%d duplicate=%d too_deep=%d skipped=%d",
			p.kind, events, formatBytes(bytes), delivered, ps.Replied, ps.Duplicate, ps.TooDeep, ps.Skipped)

		if db != nil {
			name := fmt.Sprintf("%s-%s", b.Name(), p.kind)
			if err := db.UpdateStreamState(ctx, name, p.source.LastTimeUS(), int(st.Restarts)); err != nil {
				log.Printf("[WARN] Failed to record stream state: %v", err)
			}
		}
	}
}

func formatBytes(bytes int64) string {
	const unit = 1024
	if bytes < unit {
		return fmt.Sprintf("%d B", bytes)
	}
	div, exp := int64(unit), 0
	for n := bytes / unit; n >= unit; n /= unit {
		div *= unit
		exp++
	}
	return fmt.Sprintf("%.1f %cB", float64(bytes)/float64(div), "KMGTPE"[exp])
}
