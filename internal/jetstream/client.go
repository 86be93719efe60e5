package jetstream

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"

	jsclient "github.com/bluesky-social/jetstream/pkg/client"
	"github.com/bluesky-social/jetstream/pkg/client/schedulers/sequential"
	"github.com/bluesky-social/jetstream/pkg/models"
	"github.com/petroleumjelliffe/skybot/internal/stream"
)

// DefaultWebsocketURL is the public Jetstream endpoint.
const DefaultWebsocketURL = "wss://jetstream2.us-west.bsky.network/subscribe"

// Config holds Jetstream connection settings
type Config struct {
	WebsocketURL string
	Compress     bool
	// WantedDIDs limits the stream to these accounts; empty means everyone.
	WantedDIDs []string
}

// Source is a stream.Source of newly created posts of one kind. Every
// Subscribe opens a fresh websocket connection starting at the live edge.
type Source struct {
	cfg    Config
	filter Filter
	logger *slog.Logger

	bytesRead  atomic.Int64
	eventsRead atomic.Int64
	delivered  atomic.Int64
	lastTimeUS atomic.Int64
}

var _ stream.Source[*Post] = (*Source)(nil)

// NewSource creates a source that delivers the posts accepted by filter.
func NewSource(cfg Config, filter Filter, logger *slog.Logger) *Source {
	if cfg.WebsocketURL == "" {
		cfg.WebsocketURL = DefaultWebsocketURL
	}
	if filter == nil {
		filter = All
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Source{cfg: cfg, filter: filter, logger: logger}
}

// Subscribe connects to Jetstream and returns a subscription reading from
// the live edge. No cursor is sent: missed events are not replayed.
func (s *Source) Subscribe(ctx context.Context) (stream.Subscription[*Post], error) {
	subCtx, cancel := context.WithCancel(ctx)

	sub := &subscription{
		source: s,
		posts:  make(chan *Post),
		errCh:  make(chan error, 1),
		ctx:    subCtx,
		cancel: cancel,
		done:   make(chan struct{}),
	}

	// Create sequential scheduler that hands decoded posts to the subscriber
	scheduler := sequential.NewScheduler("skybot-consumer", s.logger, sub.handleEvent)

	clientCfg := &jsclient.ClientConfig{
		WebsocketURL:      s.cfg.WebsocketURL,
		Compress:          s.cfg.Compress,
		WantedCollections: []string{PostCollection},
		WantedDids:        s.cfg.WantedDIDs,
		ExtraHeaders:      make(map[string]string), // Initialize to avoid nil map panic
	}

	client, err := jsclient.NewClient(clientCfg, s.logger, scheduler)
	if err != nil {
		cancel()
		return nil, fmt.Errorf("failed to create client: %w", err)
	}
	sub.client = client

	go sub.read(subCtx)
	return sub, nil
}

// LastTimeUS returns the time of the newest event seen, in microseconds.
func (s *Source) LastTimeUS() int64 {
	return s.lastTimeUS.Load()
}

// Stats returns totals across all subscriptions made by this source.
func (s *Source) Stats() (bytesRead, eventsRead, delivered int64) {
	return s.bytesRead.Load(), s.eventsRead.Load(), s.delivered.Load()
}

type subscription struct {
	source *Source
	client *jsclient.Client
	posts  chan *Post
	errCh  chan error
	ctx    context.Context
	cancel context.CancelFunc
	done   chan struct{}

	closeOnce sync.Once
}

// read runs the websocket loop until it fails or the subscription closes.
func (sub *subscription) read(ctx context.Context) {
	defer close(sub.done)

	err := sub.client.ConnectAndRead(ctx, nil)
	sub.source.bytesRead.Add(sub.client.BytesRead.Load())
	sub.source.eventsRead.Add(sub.client.EventsRead.Load())

	if err == nil {
		err = stream.ErrStreamClosed
	}
	sub.errCh <- fmt.Errorf("jetstream: %w", err)
}

// handleEvent is called by the scheduler for every event, one at a time.
// Blocking here stops the websocket reads, which is what carries worker
// backpressure back to the connection.
func (sub *subscription) handleEvent(ctx context.Context, event *models.Event) error {
	sub.source.lastTimeUS.Store(event.TimeUS)

	post, ok, err := DecodePost(event)
	if err != nil {
		sub.source.logger.Warn("Skipping undecodable post", "did", event.Did, "error", err)
		return nil
	}
	if !ok || !sub.source.filter(post) {
		return nil
	}

	select {
	case sub.posts <- post:
		sub.source.delivered.Add(1)
	case <-ctx.Done():
	case <-sub.ctx.Done():
	}
	return nil
}

// Next blocks until a post arrives, the connection fails, or ctx is done.
func (sub *subscription) Next(ctx context.Context) (*Post, error) {
	select {
	case post := <-sub.posts:
		return post, nil
	case err := <-sub.errCh:
		return nil, err
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// Close tears down the connection and waits for the read loop to exit.
func (sub *subscription) Close() error {
	sub.closeOnce.Do(func() {
		sub.cancel()
		<-sub.done
	})
	return nil
}
